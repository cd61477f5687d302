package provision_test

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	ebtypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/minio/minio-go/v7"
	"quotearchiver/internal/provision"
)

const (
	testAccount = "123456789012"
	testRegion  = "us-east-1"
)

type fakeRole struct {
	arn     string
	trust   string
	managed map[string]bool
	inline  map[string]string
}

type fakeFunction struct {
	config      lambdatypes.FunctionConfiguration
	code        []byte
	permissions map[string]*lambda.AddPermissionInput
	// busyPolls is how many more GetFunction calls report the last update
	// as still in progress.
	busyPolls int
}

type fakeRule struct {
	arn        string
	expression string
	state      ebtypes.RuleState
	targets    map[string]ebtypes.Target
}

// fakeCloud keeps enough control plane state to tell a first run from a
// repeat run. Calls are recorded in order.
type fakeCloud struct {
	buckets   map[string]string
	roles     map[string]*fakeRole
	functions map[string]*fakeFunction
	rules     map[string]*fakeRule

	calls []string
	fail  map[string]error

	// hiddenRoleReads makes GetRole report NoSuchEntity this many times
	// after a role is created, as IAM does while it propagates.
	hiddenRoleReads int
	// updatePolls is copied into busyPolls on every function code update.
	updatePolls int
	// bucketRace makes BucketExists miss a bucket that MakeBucket then
	// reports as already owned.
	bucketRace bool
	// rejectTargets makes PutTargets report every entry as failed.
	rejectTargets bool
}

func newFakeCloud() *fakeCloud {
	return &fakeCloud{
		buckets:   map[string]string{},
		roles:     map[string]*fakeRole{},
		functions: map[string]*fakeFunction{},
		rules:     map[string]*fakeRule{},
		fail:      map[string]error{},
	}
}

func (c *fakeCloud) clients() provision.Clients {
	return provision.Clients{Buckets: c, IAM: c, Lambda: c, Events: c, STS: c}
}

func (c *fakeCloud) call(name string) error {
	c.calls = append(c.calls, name)
	return c.fail[name]
}

func (c *fakeCloud) count(name string) int {
	n := 0
	for _, call := range c.calls {
		if call == name {
			n++
		}
	}
	return n
}

func (c *fakeCloud) reset() { c.calls = nil }

// BucketAPI

func (c *fakeCloud) BucketExists(_ context.Context, bucket string) (bool, error) {
	if err := c.call("BucketExists"); err != nil {
		return false, err
	}
	if c.bucketRace {
		return false, nil
	}
	_, ok := c.buckets[bucket]
	return ok, nil
}

func (c *fakeCloud) MakeBucket(_ context.Context, bucket string, opts minio.MakeBucketOptions) error {
	if err := c.call("MakeBucket"); err != nil {
		return err
	}
	if _, ok := c.buckets[bucket]; ok {
		return minio.ErrorResponse{Code: "BucketAlreadyOwnedByYou", StatusCode: 409, BucketName: bucket}
	}
	c.buckets[bucket] = opts.Region
	return nil
}

// IAMAPI

func (c *fakeCloud) CreateRole(_ context.Context, in *iam.CreateRoleInput, _ ...func(*iam.Options)) (*iam.CreateRoleOutput, error) {
	if err := c.call("CreateRole"); err != nil {
		return nil, err
	}
	name := aws.ToString(in.RoleName)
	if _, ok := c.roles[name]; ok {
		return nil, &iamtypes.EntityAlreadyExistsException{Message: aws.String("Role with name " + name + " already exists.")}
	}
	r := &fakeRole{
		arn:     fmt.Sprintf("arn:aws:iam::%s:role/%s", testAccount, name),
		trust:   aws.ToString(in.AssumeRolePolicyDocument),
		managed: map[string]bool{},
		inline:  map[string]string{},
	}
	c.roles[name] = r
	return &iam.CreateRoleOutput{Role: &iamtypes.Role{RoleName: in.RoleName, Arn: aws.String(r.arn)}}, nil
}

func (c *fakeCloud) GetRole(_ context.Context, in *iam.GetRoleInput, _ ...func(*iam.Options)) (*iam.GetRoleOutput, error) {
	if err := c.call("GetRole"); err != nil {
		return nil, err
	}
	r, ok := c.roles[aws.ToString(in.RoleName)]
	if !ok || c.hiddenRoleReads > 0 {
		if ok {
			c.hiddenRoleReads--
		}
		return nil, &iamtypes.NoSuchEntityException{Message: aws.String("role not found")}
	}
	return &iam.GetRoleOutput{Role: &iamtypes.Role{RoleName: in.RoleName, Arn: aws.String(r.arn)}}, nil
}

func (c *fakeCloud) AttachRolePolicy(_ context.Context, in *iam.AttachRolePolicyInput, _ ...func(*iam.Options)) (*iam.AttachRolePolicyOutput, error) {
	if err := c.call("AttachRolePolicy"); err != nil {
		return nil, err
	}
	r, ok := c.roles[aws.ToString(in.RoleName)]
	if !ok {
		return nil, &iamtypes.NoSuchEntityException{Message: aws.String("role not found")}
	}
	r.managed[aws.ToString(in.PolicyArn)] = true
	return &iam.AttachRolePolicyOutput{}, nil
}

func (c *fakeCloud) PutRolePolicy(_ context.Context, in *iam.PutRolePolicyInput, _ ...func(*iam.Options)) (*iam.PutRolePolicyOutput, error) {
	if err := c.call("PutRolePolicy"); err != nil {
		return nil, err
	}
	r, ok := c.roles[aws.ToString(in.RoleName)]
	if !ok {
		return nil, &iamtypes.NoSuchEntityException{Message: aws.String("role not found")}
	}
	r.inline[aws.ToString(in.PolicyName)] = aws.ToString(in.PolicyDocument)
	return &iam.PutRolePolicyOutput{}, nil
}

// LambdaAPI

func (c *fakeCloud) GetFunction(_ context.Context, in *lambda.GetFunctionInput, _ ...func(*lambda.Options)) (*lambda.GetFunctionOutput, error) {
	if err := c.call("GetFunction"); err != nil {
		return nil, err
	}
	fn, ok := c.functions[aws.ToString(in.FunctionName)]
	if !ok {
		return nil, &lambdatypes.ResourceNotFoundException{Message: aws.String("Function not found")}
	}
	if fn.busyPolls > 0 {
		fn.busyPolls--
		if fn.busyPolls == 0 {
			fn.config.LastUpdateStatus = lambdatypes.LastUpdateStatusSuccessful
		}
	}
	cfg := fn.config
	return &lambda.GetFunctionOutput{Configuration: &cfg}, nil
}

func (c *fakeCloud) CreateFunction(_ context.Context, in *lambda.CreateFunctionInput, _ ...func(*lambda.Options)) (*lambda.CreateFunctionOutput, error) {
	if err := c.call("CreateFunction"); err != nil {
		return nil, err
	}
	name := aws.ToString(in.FunctionName)
	if _, ok := c.functions[name]; ok {
		return nil, &lambdatypes.ResourceConflictException{Message: aws.String("Function already exist: " + name)}
	}
	fn := &fakeFunction{
		config: lambdatypes.FunctionConfiguration{
			FunctionName:     in.FunctionName,
			FunctionArn:      aws.String(fmt.Sprintf("arn:aws:lambda:%s:%s:function:%s", testRegion, testAccount, name)),
			Role:             in.Role,
			Runtime:          in.Runtime,
			Handler:          in.Handler,
			Architectures:    in.Architectures,
			Timeout:          in.Timeout,
			MemorySize:       in.MemorySize,
			Environment:      &lambdatypes.EnvironmentResponse{Variables: in.Environment.Variables},
			State:            lambdatypes.StateActive,
			LastUpdateStatus: lambdatypes.LastUpdateStatusSuccessful,
		},
		code:        in.Code.ZipFile,
		permissions: map[string]*lambda.AddPermissionInput{},
	}
	c.functions[name] = fn
	return &lambda.CreateFunctionOutput{FunctionArn: fn.config.FunctionArn, State: fn.config.State}, nil
}

func (c *fakeCloud) UpdateFunctionCode(_ context.Context, in *lambda.UpdateFunctionCodeInput, _ ...func(*lambda.Options)) (*lambda.UpdateFunctionCodeOutput, error) {
	if err := c.call("UpdateFunctionCode"); err != nil {
		return nil, err
	}
	fn, ok := c.functions[aws.ToString(in.FunctionName)]
	if !ok {
		return nil, &lambdatypes.ResourceNotFoundException{Message: aws.String("Function not found")}
	}
	fn.code = in.ZipFile
	fn.config.Architectures = in.Architectures
	if c.updatePolls > 0 {
		fn.busyPolls = c.updatePolls
		fn.config.LastUpdateStatus = lambdatypes.LastUpdateStatusInProgress
	}
	return &lambda.UpdateFunctionCodeOutput{FunctionArn: fn.config.FunctionArn}, nil
}

func (c *fakeCloud) UpdateFunctionConfiguration(_ context.Context, in *lambda.UpdateFunctionConfigurationInput, _ ...func(*lambda.Options)) (*lambda.UpdateFunctionConfigurationOutput, error) {
	if err := c.call("UpdateFunctionConfiguration"); err != nil {
		return nil, err
	}
	fn, ok := c.functions[aws.ToString(in.FunctionName)]
	if !ok {
		return nil, &lambdatypes.ResourceNotFoundException{Message: aws.String("Function not found")}
	}
	if fn.config.LastUpdateStatus == lambdatypes.LastUpdateStatusInProgress {
		return nil, &lambdatypes.ResourceConflictException{Message: aws.String("An update is in progress for resource")}
	}
	fn.config.Role = in.Role
	fn.config.Runtime = in.Runtime
	fn.config.Handler = in.Handler
	fn.config.Timeout = in.Timeout
	fn.config.MemorySize = in.MemorySize
	fn.config.Environment = &lambdatypes.EnvironmentResponse{Variables: in.Environment.Variables}
	return &lambda.UpdateFunctionConfigurationOutput{FunctionArn: fn.config.FunctionArn}, nil
}

func (c *fakeCloud) AddPermission(_ context.Context, in *lambda.AddPermissionInput, _ ...func(*lambda.Options)) (*lambda.AddPermissionOutput, error) {
	if err := c.call("AddPermission"); err != nil {
		return nil, err
	}
	fn, ok := c.functions[aws.ToString(in.FunctionName)]
	if !ok {
		return nil, &lambdatypes.ResourceNotFoundException{Message: aws.String("Function not found")}
	}
	id := aws.ToString(in.StatementId)
	if _, ok := fn.permissions[id]; ok {
		return nil, &lambdatypes.ResourceConflictException{Message: aws.String("The statement id (" + id + ") provided already exists.")}
	}
	fn.permissions[id] = in
	return &lambda.AddPermissionOutput{}, nil
}

// EventsAPI

func (c *fakeCloud) DescribeRule(_ context.Context, in *eventbridge.DescribeRuleInput, _ ...func(*eventbridge.Options)) (*eventbridge.DescribeRuleOutput, error) {
	if err := c.call("DescribeRule"); err != nil {
		return nil, err
	}
	r, ok := c.rules[aws.ToString(in.Name)]
	if !ok {
		return nil, &ebtypes.ResourceNotFoundException{Message: aws.String("Rule does not exist.")}
	}
	return &eventbridge.DescribeRuleOutput{Name: in.Name, Arn: aws.String(r.arn), ScheduleExpression: aws.String(r.expression), State: r.state}, nil
}

func (c *fakeCloud) PutRule(_ context.Context, in *eventbridge.PutRuleInput, _ ...func(*eventbridge.Options)) (*eventbridge.PutRuleOutput, error) {
	if err := c.call("PutRule"); err != nil {
		return nil, err
	}
	name := aws.ToString(in.Name)
	r, ok := c.rules[name]
	if !ok {
		r = &fakeRule{
			arn:     fmt.Sprintf("arn:aws:events:%s:%s:rule/%s", testRegion, testAccount, name),
			targets: map[string]ebtypes.Target{},
		}
		c.rules[name] = r
	}
	r.expression = aws.ToString(in.ScheduleExpression)
	r.state = in.State
	return &eventbridge.PutRuleOutput{RuleArn: aws.String(r.arn)}, nil
}

func (c *fakeCloud) PutTargets(_ context.Context, in *eventbridge.PutTargetsInput, _ ...func(*eventbridge.Options)) (*eventbridge.PutTargetsOutput, error) {
	if err := c.call("PutTargets"); err != nil {
		return nil, err
	}
	r, ok := c.rules[aws.ToString(in.Rule)]
	if !ok {
		return nil, &ebtypes.ResourceNotFoundException{Message: aws.String("Rule does not exist.")}
	}
	if c.rejectTargets {
		out := &eventbridge.PutTargetsOutput{FailedEntryCount: int32(len(in.Targets))}
		for _, t := range in.Targets {
			out.FailedEntries = append(out.FailedEntries, ebtypes.PutTargetsResultEntry{
				TargetId:     t.Id,
				ErrorCode:    aws.String("ValidationException"),
				ErrorMessage: aws.String("target is invalid"),
			})
		}
		return out, nil
	}
	for _, t := range in.Targets {
		r.targets[aws.ToString(t.Id)] = t
	}
	return &eventbridge.PutTargetsOutput{}, nil
}

func (c *fakeCloud) ListTargetsByRule(_ context.Context, in *eventbridge.ListTargetsByRuleInput, _ ...func(*eventbridge.Options)) (*eventbridge.ListTargetsByRuleOutput, error) {
	if err := c.call("ListTargetsByRule"); err != nil {
		return nil, err
	}
	r, ok := c.rules[aws.ToString(in.Rule)]
	if !ok {
		return nil, &ebtypes.ResourceNotFoundException{Message: aws.String("Rule does not exist.")}
	}
	out := &eventbridge.ListTargetsByRuleOutput{}
	for _, t := range r.targets {
		out.Targets = append(out.Targets, t)
	}
	return out, nil
}

func (c *fakeCloud) RemoveTargets(_ context.Context, in *eventbridge.RemoveTargetsInput, _ ...func(*eventbridge.Options)) (*eventbridge.RemoveTargetsOutput, error) {
	if err := c.call("RemoveTargets"); err != nil {
		return nil, err
	}
	r, ok := c.rules[aws.ToString(in.Rule)]
	if !ok {
		return nil, &ebtypes.ResourceNotFoundException{Message: aws.String("Rule does not exist.")}
	}
	for _, id := range in.Ids {
		delete(r.targets, id)
	}
	return &eventbridge.RemoveTargetsOutput{}, nil
}

// STSAPI

func (c *fakeCloud) GetCallerIdentity(_ context.Context, _ *sts.GetCallerIdentityInput, _ ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	if err := c.call("GetCallerIdentity"); err != nil {
		return nil, err
	}
	return &sts.GetCallerIdentityOutput{
		Account: aws.String(testAccount),
		Arn:     aws.String("arn:aws:iam::" + testAccount + ":user/deployer"),
	}, nil
}

// fakeBuilder writes a placeholder binary and records the call on the
// cloud so tests can check where packaging falls in the sequence.
type fakeBuilder struct {
	cloud *fakeCloud
	err   error
	outs  []string
}

func (b *fakeBuilder) Build(_ context.Context, _ string, out string) error {
	b.cloud.calls = append(b.cloud.calls, "Build")
	b.outs = append(b.outs, out)
	if b.err != nil {
		return b.err
	}
	return os.WriteFile(out, []byte("\x7fELF fake bootstrap"), 0o755)
}
