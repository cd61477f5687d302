package provision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	ebtypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/minio/minio-go/v7"
	"github.com/op/go-logging"
)

// Report step kinds.
const (
	KindBucket       = "bucket"
	KindPackage      = "package"
	KindRole         = "role"
	KindRolePolicy   = "role-policy"
	KindInlinePolicy = "inline-policy"
	KindFunction     = "function"
	KindRule         = "schedule"
	KindPermission   = "permission"
	KindTarget       = "target"
)

const (
	permissionStatementID = "EventBridgeInvoke"
	eventsPrincipal       = "events.amazonaws.com"
	targetID              = "1"
)

// Provisioner brings the bucket, role, function and schedule to the state
// in its Descriptor. Every step tolerates the resource already existing, so
// a failed run is recovered by running again.
type Provisioner struct {
	desc    Descriptor
	clients Clients
	builder Builder
	log     *logging.Logger
	sleep   func(context.Context, time.Duration) error
	report  *Report
}

func New(desc Descriptor, clients Clients, builder Builder, log *logging.Logger) *Provisioner {
	return &Provisioner{
		desc:    desc,
		clients: clients,
		builder: builder,
		log:     log,
		sleep:   sleep,
	}
}

// WithSleep replaces the wait used for settling and polling. Used by tests.
func (p *Provisioner) WithSleep(fn func(context.Context, time.Duration) error) *Provisioner {
	p.sleep = fn
	return p
}

// Run executes one provisioning pass. The returned report lists every step
// that completed, including on failure.
func (p *Provisioner) Run(ctx context.Context) (*Report, error) {
	p.report = &Report{}
	p.log.Infof("Starting deployment of %s", p.desc.FunctionName)

	defer p.removeArtifact()

	if err := p.run(ctx); err != nil {
		p.log.Errorf("Deployment failed: %v", err)
		return p.report, err
	}
	p.log.Infof("Deployment complete! %s will run %s", p.desc.FunctionName, p.desc.ScheduleExpression)
	return p.report, nil
}

func (p *Provisioner) run(ctx context.Context) error {
	account, err := p.callerAccount(ctx)
	if err != nil {
		return err
	}
	p.report.Account = account

	if err := p.ensureBucket(ctx); err != nil {
		return err
	}

	p.log.Info("Creating deployment package...")
	if err := Package(ctx, p.builder, p.desc.SourcePackage, p.desc.ArtifactPath); err != nil {
		return fmt.Errorf("packaging %s: %w", p.desc.SourcePackage, err)
	}
	p.report.record(KindPackage, p.desc.ArtifactPath, Created)
	code, err := os.ReadFile(p.desc.ArtifactPath)
	if err != nil {
		return fmt.Errorf("reading artifact: %w", err)
	}

	roleARN, err := p.ensureRole(ctx)
	if err != nil {
		return err
	}
	if err := p.waitForRole(ctx); err != nil {
		return err
	}

	functionARN, err := p.ensureFunction(ctx, roleARN, code)
	if err != nil {
		return err
	}
	return p.ensureTrigger(ctx, account, functionARN)
}

func (p *Provisioner) callerAccount(ctx context.Context) (string, error) {
	out, err := p.clients.STS.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("resolving caller identity: %w", err)
	}
	account := aws.ToString(out.Account)
	p.log.Infof("Deploying to account %s as %s", account, aws.ToString(out.Arn))
	return account, nil
}

func (p *Provisioner) ensureBucket(ctx context.Context) error {
	bucket := p.desc.Bucket
	_, err := p.reconcile(ctx, Resource{
		Kind: KindBucket,
		Name: bucket,
		Probe: func(ctx context.Context) error {
			exists, err := p.clients.Buckets.BucketExists(ctx, bucket)
			if err != nil {
				return err
			}
			if !exists {
				return ErrNotFound
			}
			return nil
		},
		Create: func(ctx context.Context) (Outcome, error) {
			err := p.clients.Buckets.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: p.desc.Region})
			if err != nil {
				if minio.ToErrorResponse(err).Code == "BucketAlreadyOwnedByYou" {
					return Unchanged, nil
				}
				return "", err
			}
			return Created, nil
		},
	})
	return err
}

func (p *Provisioner) ensureRole(ctx context.Context) (string, error) {
	p.log.Info("Setting up IAM role...")
	role := p.desc.RoleName
	var roleARN string

	_, err := p.reconcile(ctx, Resource{
		Kind: KindRole,
		Name: role,
		Create: func(ctx context.Context) (Outcome, error) {
			out, err := p.clients.IAM.CreateRole(ctx, &iam.CreateRoleInput{
				RoleName:                 aws.String(role),
				AssumeRolePolicyDocument: aws.String(TrustPolicy()),
			})
			if err == nil {
				roleARN = aws.ToString(out.Role.Arn)
				return Created, nil
			}
			var exists *iamtypes.EntityAlreadyExistsException
			if !errors.As(err, &exists) {
				return "", err
			}
			got, err := p.clients.IAM.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(role)})
			if err != nil {
				return "", err
			}
			roleARN = aws.ToString(got.Role.Arn)
			return Unchanged, nil
		},
	})
	if err != nil {
		return "", err
	}

	_, err = p.reconcile(ctx, Resource{
		Kind: KindRolePolicy,
		Name: basicExecutionPolicyARN,
		Create: func(ctx context.Context) (Outcome, error) {
			_, err := p.clients.IAM.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
				RoleName:  aws.String(role),
				PolicyArn: aws.String(basicExecutionPolicyARN),
			})
			return Updated, err
		},
	})
	if err != nil {
		return "", err
	}

	_, err = p.reconcile(ctx, Resource{
		Kind: KindInlinePolicy,
		Name: bucketPolicyName,
		Create: func(ctx context.Context) (Outcome, error) {
			_, err := p.clients.IAM.PutRolePolicy(ctx, &iam.PutRolePolicyInput{
				RoleName:       aws.String(role),
				PolicyName:     aws.String(bucketPolicyName),
				PolicyDocument: aws.String(BucketPolicy(p.desc.Bucket)),
			})
			return Updated, err
		},
	})
	if err != nil {
		return "", err
	}
	return roleARN, nil
}

// waitForRole polls until the role is readable, then waits the settle
// interval. A readable role can still be rejected by Lambda for a few
// seconds after creation.
func (p *Provisioner) waitForRole(ctx context.Context) error {
	p.log.Info("Waiting for IAM role to be ready...")
	err := poll(ctx, p.sleep, p.desc.PollInterval, p.desc.ReadyTimeout, func(ctx context.Context) (bool, error) {
		_, err := p.clients.IAM.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(p.desc.RoleName)})
		var missing *iamtypes.NoSuchEntityException
		if errors.As(err, &missing) {
			return false, nil
		}
		return err == nil, err
	})
	if err != nil {
		return fmt.Errorf("waiting for role %s: %w", p.desc.RoleName, err)
	}
	if err := p.sleep(ctx, p.desc.Settle); err != nil {
		return fmt.Errorf("waiting for role %s: %w", p.desc.RoleName, err)
	}
	return nil
}

func (p *Provisioner) ensureFunction(ctx context.Context, roleARN string, code []byte) (string, error) {
	d := p.desc
	name := aws.String(d.FunctionName)
	env := &lambdatypes.Environment{Variables: d.Environment}
	archs := []lambdatypes.Architecture{lambdatypes.Architecture(d.Architecture)}
	var functionARN string

	_, err := p.reconcile(ctx, Resource{
		Kind: KindFunction,
		Name: d.FunctionName,
		Probe: func(ctx context.Context) error {
			out, err := p.clients.Lambda.GetFunction(ctx, &lambda.GetFunctionInput{FunctionName: name})
			var missing *lambdatypes.ResourceNotFoundException
			if errors.As(err, &missing) {
				return ErrNotFound
			}
			if err != nil {
				return err
			}
			functionARN = aws.ToString(out.Configuration.FunctionArn)
			return nil
		},
		Create: func(ctx context.Context) (Outcome, error) {
			p.log.Info("Creating new Lambda function...")
			out, err := p.clients.Lambda.CreateFunction(ctx, &lambda.CreateFunctionInput{
				FunctionName:  name,
				Role:          aws.String(roleARN),
				Runtime:       lambdatypes.Runtime(d.Runtime),
				Handler:       aws.String(d.Handler),
				Architectures: archs,
				Code:          &lambdatypes.FunctionCode{ZipFile: code},
				Timeout:       aws.Int32(d.Timeout),
				MemorySize:    aws.Int32(d.MemoryMB),
				Environment:   env,
			})
			if err != nil {
				return "", err
			}
			functionARN = aws.ToString(out.FunctionArn)
			return Created, p.waitForFunction(ctx)
		},
		Update: func(ctx context.Context) error {
			p.log.Info("Updating existing Lambda function...")
			_, err := p.clients.Lambda.UpdateFunctionCode(ctx, &lambda.UpdateFunctionCodeInput{
				FunctionName:  name,
				ZipFile:       code,
				Architectures: archs,
			})
			if err != nil {
				return fmt.Errorf("code: %w", err)
			}
			// A configuration update is rejected while the code update is
			// still in progress.
			if err := p.waitForFunction(ctx); err != nil {
				return err
			}
			_, err = p.clients.Lambda.UpdateFunctionConfiguration(ctx, &lambda.UpdateFunctionConfigurationInput{
				FunctionName: name,
				Role:         aws.String(roleARN),
				Runtime:      lambdatypes.Runtime(d.Runtime),
				Handler:      aws.String(d.Handler),
				Timeout:      aws.Int32(d.Timeout),
				MemorySize:   aws.Int32(d.MemoryMB),
				Environment:  env,
			})
			if err != nil {
				return fmt.Errorf("configuration: %w", err)
			}
			return p.waitForFunction(ctx)
		},
	})
	return functionARN, err
}

// waitForFunction polls until the function is active and no update is in
// progress.
func (p *Provisioner) waitForFunction(ctx context.Context) error {
	err := poll(ctx, p.sleep, p.desc.PollInterval, p.desc.ReadyTimeout, func(ctx context.Context) (bool, error) {
		out, err := p.clients.Lambda.GetFunction(ctx, &lambda.GetFunctionInput{FunctionName: aws.String(p.desc.FunctionName)})
		if err != nil {
			return false, err
		}
		cfg := out.Configuration
		switch {
		case cfg.State == lambdatypes.StateFailed:
			return false, fmt.Errorf("function state failed: %s", aws.ToString(cfg.StateReason))
		case cfg.LastUpdateStatus == lambdatypes.LastUpdateStatusFailed:
			return false, fmt.Errorf("function update failed: %s", aws.ToString(cfg.LastUpdateStatusReason))
		case cfg.State == lambdatypes.StatePending:
			return false, nil
		case cfg.LastUpdateStatus == lambdatypes.LastUpdateStatusInProgress:
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("waiting for function %s: %w", p.desc.FunctionName, err)
	}
	return nil
}

func (p *Provisioner) ensureTrigger(ctx context.Context, account, functionARN string) error {
	p.log.Info("Setting up EventBridge rule...")
	d := p.desc
	var ruleARN string

	putRule := func(ctx context.Context) error {
		out, err := p.clients.Events.PutRule(ctx, &eventbridge.PutRuleInput{
			Name:               aws.String(d.RuleName),
			ScheduleExpression: aws.String(d.ScheduleExpression),
			State:              ebtypes.RuleStateEnabled,
		})
		if err != nil {
			return err
		}
		ruleARN = aws.ToString(out.RuleArn)
		return nil
	}
	_, err := p.reconcile(ctx, Resource{
		Kind: KindRule,
		Name: d.RuleName,
		Probe: func(ctx context.Context) error {
			_, err := p.clients.Events.DescribeRule(ctx, &eventbridge.DescribeRuleInput{Name: aws.String(d.RuleName)})
			var missing *ebtypes.ResourceNotFoundException
			if errors.As(err, &missing) {
				return ErrNotFound
			}
			return err
		},
		Create: func(ctx context.Context) (Outcome, error) {
			return Created, putRule(ctx)
		},
		Update: putRule,
	})
	if err != nil {
		return err
	}

	_, err = p.reconcile(ctx, Resource{
		Kind: KindPermission,
		Name: permissionStatementID,
		Create: func(ctx context.Context) (Outcome, error) {
			_, err := p.clients.Lambda.AddPermission(ctx, &lambda.AddPermissionInput{
				FunctionName:  aws.String(d.FunctionName),
				StatementId:   aws.String(permissionStatementID),
				Action:        aws.String("lambda:InvokeFunction"),
				Principal:     aws.String(eventsPrincipal),
				SourceArn:     aws.String(ruleARN),
				SourceAccount: aws.String(account),
			})
			var conflict *lambdatypes.ResourceConflictException
			if errors.As(err, &conflict) {
				return Unchanged, nil
			}
			if err != nil {
				return "", err
			}
			return Created, nil
		},
	})
	if err != nil {
		return err
	}

	_, err = p.reconcile(ctx, Resource{
		Kind: KindTarget,
		Name: targetID,
		Create: func(ctx context.Context) (Outcome, error) {
			target := ebtypes.Target{Id: aws.String(targetID), Arn: aws.String(functionARN)}
			if input := TargetInput(d.TargetSymbol); input != "" {
				target.Input = aws.String(input)
			}
			out, err := p.clients.Events.PutTargets(ctx, &eventbridge.PutTargetsInput{
				Rule:    aws.String(d.RuleName),
				Targets: []ebtypes.Target{target},
			})
			if err != nil {
				return "", err
			}
			if out.FailedEntryCount > 0 {
				if len(out.FailedEntries) == 0 {
					return "", fmt.Errorf("%d target entries rejected", out.FailedEntryCount)
				}
				failed := out.FailedEntries[0]
				return "", fmt.Errorf("target %s rejected: %s %s",
					aws.ToString(failed.TargetId), aws.ToString(failed.ErrorCode), aws.ToString(failed.ErrorMessage))
			}
			return Updated, p.removeOtherTargets(ctx)
		},
	})
	return err
}

// removeOtherTargets detaches every target but ours, so the schedule
// invokes the function and nothing else.
func (p *Provisioner) removeOtherTargets(ctx context.Context) error {
	rule := aws.String(p.desc.RuleName)
	var others []string
	var next *string
	for {
		out, err := p.clients.Events.ListTargetsByRule(ctx, &eventbridge.ListTargetsByRuleInput{Rule: rule, NextToken: next})
		if err != nil {
			return fmt.Errorf("listing targets: %w", err)
		}
		for _, t := range out.Targets {
			if id := aws.ToString(t.Id); id != targetID {
				others = append(others, id)
			}
		}
		if out.NextToken == nil {
			break
		}
		next = out.NextToken
	}
	if len(others) == 0 {
		return nil
	}

	p.log.Infof("Removing other targets from %s: %v", p.desc.RuleName, others)
	out, err := p.clients.Events.RemoveTargets(ctx, &eventbridge.RemoveTargetsInput{Rule: rule, Ids: others})
	if err != nil {
		return fmt.Errorf("removing targets: %w", err)
	}
	if out.FailedEntryCount > 0 {
		return fmt.Errorf("removing targets: %d entries failed", out.FailedEntryCount)
	}
	return nil
}

func (p *Provisioner) removeArtifact() {
	err := os.Remove(p.desc.ArtifactPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		p.log.Warningf("Removing %s: %v", p.desc.ArtifactPath, err)
	}
}
