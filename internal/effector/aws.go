package effector

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/iam/types"
)

// quarantinePolicyName is the inline deny-all policy attached to quarantined
// roles. Rollback removes it by name.
const quarantinePolicyName = "PathWardenQuarantine"

const quarantinePolicyDocument = `{
  "Version": "2012-10-17",
  "Statement": [{"Effect": "Deny", "Action": "*", "Resource": "*"}]
}`

// iamAPI is the subset of the IAM client the effector uses.
type iamAPI interface {
	DeleteLoginProfile(ctx context.Context, in *iam.DeleteLoginProfileInput, opts ...func(*iam.Options)) (*iam.DeleteLoginProfileOutput, error)
	CreateLoginProfile(ctx context.Context, in *iam.CreateLoginProfileInput, opts ...func(*iam.Options)) (*iam.CreateLoginProfileOutput, error)
	DetachUserPolicy(ctx context.Context, in *iam.DetachUserPolicyInput, opts ...func(*iam.Options)) (*iam.DetachUserPolicyOutput, error)
	AttachUserPolicy(ctx context.Context, in *iam.AttachUserPolicyInput, opts ...func(*iam.Options)) (*iam.AttachUserPolicyOutput, error)
	DetachRolePolicy(ctx context.Context, in *iam.DetachRolePolicyInput, opts ...func(*iam.Options)) (*iam.DetachRolePolicyOutput, error)
	AttachRolePolicy(ctx context.Context, in *iam.AttachRolePolicyInput, opts ...func(*iam.Options)) (*iam.AttachRolePolicyOutput, error)
	UpdateAccessKey(ctx context.Context, in *iam.UpdateAccessKeyInput, opts ...func(*iam.Options)) (*iam.UpdateAccessKeyOutput, error)
	PutRolePolicy(ctx context.Context, in *iam.PutRolePolicyInput, opts ...func(*iam.Options)) (*iam.PutRolePolicyOutput, error)
	DeleteRolePolicy(ctx context.Context, in *iam.DeleteRolePolicyInput, opts ...func(*iam.Options)) (*iam.DeleteRolePolicyOutput, error)
	GetPolicy(ctx context.Context, in *iam.GetPolicyInput, opts ...func(*iam.Options)) (*iam.GetPolicyOutput, error)
	SetDefaultPolicyVersion(ctx context.Context, in *iam.SetDefaultPolicyVersionInput, opts ...func(*iam.Options)) (*iam.SetDefaultPolicyVersionOutput, error)
}

// AWS executes containment actions against IAM. Composite targets encode two
// identifiers separated by "|":
//
//	disable_login_profile  username
//	detach_user_policy     username|policyArn
//	detach_role_policy     roleName|policyArn
//	revoke_access_key      username|accessKeyId
//	quarantine_role        roleName
//	revert_policy_version  policyArn|versionId
//	notify_operator        alert id
type AWS struct {
	client iamAPI
	logger *slog.Logger
}

// NewAWS builds the effector from the ambient AWS credential chain.
func NewAWS(ctx context.Context, region string, logger *slog.Logger) (*AWS, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	return &AWS{
		client: iam.NewFromConfig(cfg),
		logger: logger.With("component", "effector.AWS"),
	}, nil
}

// NewAWSWithClient injects a client, for tests.
func NewAWSWithClient(client iamAPI, logger *slog.Logger) *AWS {
	if logger == nil {
		logger = slog.Default()
	}
	return &AWS{client: client, logger: logger.With("component", "effector.AWS")}
}

// Execute implements Effector.
func (a *AWS) Execute(ctx context.Context, kind ActionKind, target string) (string, Descriptor, error) {
	switch kind {
	case KindDisableLoginProfile:
		_, err := a.client.DeleteLoginProfile(ctx, &iam.DeleteLoginProfileInput{
			UserName: aws.String(target),
		})
		if err != nil {
			// Already-deleted profiles keep the call idempotent.
			var nf *types.NoSuchEntityException
			if !errors.As(err, &nf) {
				return "", nil, classify(err)
			}
		}
		return fmt.Sprintf("console login disabled for %s", target),
			Descriptor{"username": target}, nil

	case KindDetachUserPolicy:
		user, policyArn, err := splitTarget(target)
		if err != nil {
			return "", nil, err
		}
		if _, err := a.client.DetachUserPolicy(ctx, &iam.DetachUserPolicyInput{
			UserName:  aws.String(user),
			PolicyArn: aws.String(policyArn),
		}); err != nil && !isNoSuchEntity(err) {
			return "", nil, classify(err)
		}
		return fmt.Sprintf("policy %s detached from user %s", policyArn, user),
			Descriptor{"username": user, "policy_arn": policyArn}, nil

	case KindDetachRolePolicy:
		role, policyArn, err := splitTarget(target)
		if err != nil {
			return "", nil, err
		}
		if _, err := a.client.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{
			RoleName:  aws.String(role),
			PolicyArn: aws.String(policyArn),
		}); err != nil && !isNoSuchEntity(err) {
			return "", nil, classify(err)
		}
		return fmt.Sprintf("policy %s detached from role %s", policyArn, role),
			Descriptor{"role": role, "policy_arn": policyArn}, nil

	case KindRevokeAccessKey:
		user, keyID, err := splitTarget(target)
		if err != nil {
			return "", nil, err
		}
		if _, err := a.client.UpdateAccessKey(ctx, &iam.UpdateAccessKeyInput{
			UserName:    aws.String(user),
			AccessKeyId: aws.String(keyID),
			Status:      types.StatusTypeInactive,
		}); err != nil {
			return "", nil, classify(err)
		}
		return fmt.Sprintf("access key %s deactivated for %s", keyID, user),
			Descriptor{"username": user, "access_key_id": keyID}, nil

	case KindQuarantineRole:
		if _, err := a.client.PutRolePolicy(ctx, &iam.PutRolePolicyInput{
			RoleName:       aws.String(target),
			PolicyName:     aws.String(quarantinePolicyName),
			PolicyDocument: aws.String(quarantinePolicyDocument),
		}); err != nil {
			return "", nil, classify(err)
		}
		return fmt.Sprintf("role %s quarantined with deny-all policy", target),
			Descriptor{"role": target, "policy_name": quarantinePolicyName}, nil

	case KindRevertPolicyVersion:
		policyArn, versionID, err := splitTarget(target)
		if err != nil {
			return "", nil, err
		}
		current, err := a.client.GetPolicy(ctx, &iam.GetPolicyInput{PolicyArn: aws.String(policyArn)})
		if err != nil {
			return "", nil, classify(err)
		}
		previous := aws.ToString(current.Policy.DefaultVersionId)
		if _, err := a.client.SetDefaultPolicyVersion(ctx, &iam.SetDefaultPolicyVersionInput{
			PolicyArn: aws.String(policyArn),
			VersionId: aws.String(versionID),
		}); err != nil {
			return "", nil, classify(err)
		}
		return fmt.Sprintf("policy %s reverted to version %s", policyArn, versionID),
			Descriptor{"policy_arn": policyArn, "previous_version": previous}, nil

	case KindNotifyOperator:
		a.logger.Warn("operator notification", "alert", target)
		return fmt.Sprintf("operator notified about alert %s", target), nil, nil

	default:
		return "", nil, fmt.Errorf("unknown action kind %q", kind)
	}
}

// Rollback implements Effector.
func (a *AWS) Rollback(ctx context.Context, kind ActionKind, target string, rollback Descriptor) (string, error) {
	if !kind.Reversible() {
		return "", fmt.Errorf("action kind %q is not reversible", kind)
	}

	switch kind {
	case KindDisableLoginProfile:
		username := rollback["username"]
		password, err := temporaryPassword()
		if err != nil {
			return "", err
		}
		if _, err := a.client.CreateLoginProfile(ctx, &iam.CreateLoginProfileInput{
			UserName:              aws.String(username),
			Password:              aws.String(password),
			PasswordResetRequired: true,
		}); err != nil {
			return "", classify(err)
		}
		return fmt.Sprintf("login profile restored for %s with reset-required temporary password", username), nil

	case KindDetachUserPolicy:
		if _, err := a.client.AttachUserPolicy(ctx, &iam.AttachUserPolicyInput{
			UserName:  aws.String(rollback["username"]),
			PolicyArn: aws.String(rollback["policy_arn"]),
		}); err != nil {
			return "", classify(err)
		}
		return fmt.Sprintf("policy %s re-attached to user %s", rollback["policy_arn"], rollback["username"]), nil

	case KindDetachRolePolicy:
		if _, err := a.client.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
			RoleName:  aws.String(rollback["role"]),
			PolicyArn: aws.String(rollback["policy_arn"]),
		}); err != nil {
			return "", classify(err)
		}
		return fmt.Sprintf("policy %s re-attached to role %s", rollback["policy_arn"], rollback["role"]), nil

	case KindRevokeAccessKey:
		if _, err := a.client.UpdateAccessKey(ctx, &iam.UpdateAccessKeyInput{
			UserName:    aws.String(rollback["username"]),
			AccessKeyId: aws.String(rollback["access_key_id"]),
			Status:      types.StatusTypeActive,
		}); err != nil {
			return "", classify(err)
		}
		return fmt.Sprintf("access key %s reactivated for %s", rollback["access_key_id"], rollback["username"]), nil

	case KindQuarantineRole:
		if _, err := a.client.DeleteRolePolicy(ctx, &iam.DeleteRolePolicyInput{
			RoleName:   aws.String(rollback["role"]),
			PolicyName: aws.String(rollback["policy_name"]),
		}); err != nil && !isNoSuchEntity(err) {
			return "", classify(err)
		}
		return fmt.Sprintf("quarantine removed from role %s", rollback["role"]), nil

	case KindRevertPolicyVersion:
		if _, err := a.client.SetDefaultPolicyVersion(ctx, &iam.SetDefaultPolicyVersionInput{
			PolicyArn: aws.String(rollback["policy_arn"]),
			VersionId: aws.String(rollback["previous_version"]),
		}); err != nil {
			return "", classify(err)
		}
		return fmt.Sprintf("policy %s restored to version %s", rollback["policy_arn"], rollback["previous_version"]), nil

	default:
		return "", fmt.Errorf("unknown action kind %q", kind)
	}
}

func splitTarget(target string) (string, string, error) {
	first, second, ok := strings.Cut(target, "|")
	if !ok || first == "" || second == "" {
		return "", "", fmt.Errorf("composite target %q must be \"first|second\"", target)
	}
	return first, second, nil
}

func isNoSuchEntity(err error) bool {
	var nf *types.NoSuchEntityException
	return errors.As(err, &nf)
}

// classify separates retriable service conditions from permanent failures.
func classify(err error) error {
	var apiErr interface{ ErrorCode() string }
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "Throttling", "ThrottlingException", "RequestLimitExceeded",
			"ServiceUnavailable", "InternalFailure", "RequestTimeout":
			return Transient(err)
		}
	}
	return err
}

// temporaryPassword generates a reset-required password satisfying the
// default IAM complexity policy.
func temporaryPassword() (string, error) {
	buf := make([]byte, 18)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate password: %w", err)
	}
	return "Tmp1!" + base64.RawURLEncoding.EncodeToString(buf), nil
}
