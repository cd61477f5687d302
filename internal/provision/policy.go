package provision

import (
	"encoding/json"
	"fmt"
)

const (
	basicExecutionPolicyARN = "arn:aws:iam::aws:policy/service-role/AWSLambdaBasicExecutionRole"
	bucketPolicyName        = "S3AccessPolicy"
	policyVersion           = "2012-10-17"
)

type policyDocument struct {
	Version   string            `json:"Version"`
	Statement []policyStatement `json:"Statement"`
}

type policyStatement struct {
	Effect    string            `json:"Effect"`
	Principal map[string]string `json:"Principal,omitempty"`
	Action    any               `json:"Action"`
	Resource  []string          `json:"Resource,omitempty"`
}

// TrustPolicy lets only the Lambda service assume the execution role.
func TrustPolicy() string {
	return mustJSON(policyDocument{
		Version: policyVersion,
		Statement: []policyStatement{{
			Effect:    "Allow",
			Principal: map[string]string{"Service": "lambda.amazonaws.com"},
			Action:    "sts:AssumeRole",
		}},
	})
}

// BucketPolicy grants read, write and list on bucket and nothing else.
// GetBucketLocation lets the function find a bucket that lives outside
// its own region.
func BucketPolicy(bucket string) string {
	return mustJSON(policyDocument{
		Version: policyVersion,
		Statement: []policyStatement{{
			Effect: "Allow",
			Action: []string{"s3:PutObject", "s3:GetObject", "s3:ListBucket", "s3:GetBucketLocation"},
			Resource: []string{
				fmt.Sprintf("arn:aws:s3:::%s", bucket),
				fmt.Sprintf("arn:aws:s3:::%s/*", bucket),
			},
		}},
	})
}

// TargetInput is the constant event sent by the schedule rule, or "" when
// the function should fall back to its default symbol.
func TargetInput(symbol string) string {
	if symbol == "" {
		return ""
	}
	return mustJSON(map[string]string{"symbol": symbol})
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}
