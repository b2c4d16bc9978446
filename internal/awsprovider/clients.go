// Package awsprovider binds the cleanup engine and the reservation credentials to AWS.
package awsprovider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	elb "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"

	"github.com/MarkoPoloResearchLab/envpool/pkg/cleanup"
	"github.com/MarkoPoloResearchLab/envpool/pkg/pool"
)

const (
	// SessionName tags every role session opened by the pool.
	SessionName = "envpool-recycler"
	// SessionDuration bounds every assumed-role session.
	SessionDuration = 30 * time.Minute
)

// ErrMissingRoleName is returned when no execution role is configured.
var ErrMissingRoleName = errors.New("execution role name is required")

// LoadConfig loads the base AWS configuration from the environment and shared files.
func LoadConfig(ctx context.Context, region string, profile string) (aws.Config, error) {
	loadOptions := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if strings.TrimSpace(profile) != "" {
		loadOptions = append(loadOptions, config.WithSharedConfigProfile(profile))
	}
	return config.LoadDefaultConfig(ctx, loadOptions...)
}

// EC2API is the part of the EC2 client the cleaners use.
type EC2API interface {
	DescribeVpcs(ctx context.Context, params *ec2.DescribeVpcsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error)
	DeleteVpc(ctx context.Context, params *ec2.DeleteVpcInput, optFns ...func(*ec2.Options)) (*ec2.DeleteVpcOutput, error)
	DescribeSubnets(ctx context.Context, params *ec2.DescribeSubnetsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error)
	DeleteSubnet(ctx context.Context, params *ec2.DeleteSubnetInput, optFns ...func(*ec2.Options)) (*ec2.DeleteSubnetOutput, error)
	DescribeSecurityGroups(ctx context.Context, params *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error)
	RevokeSecurityGroupIngress(ctx context.Context, params *ec2.RevokeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.RevokeSecurityGroupIngressOutput, error)
	DeleteSecurityGroup(ctx context.Context, params *ec2.DeleteSecurityGroupInput, optFns ...func(*ec2.Options)) (*ec2.DeleteSecurityGroupOutput, error)
	DescribeInternetGateways(ctx context.Context, params *ec2.DescribeInternetGatewaysInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInternetGatewaysOutput, error)
	DetachInternetGateway(ctx context.Context, params *ec2.DetachInternetGatewayInput, optFns ...func(*ec2.Options)) (*ec2.DetachInternetGatewayOutput, error)
	DeleteInternetGateway(ctx context.Context, params *ec2.DeleteInternetGatewayInput, optFns ...func(*ec2.Options)) (*ec2.DeleteInternetGatewayOutput, error)
	DescribeNetworkAcls(ctx context.Context, params *ec2.DescribeNetworkAclsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeNetworkAclsOutput, error)
	DeleteNetworkAcl(ctx context.Context, params *ec2.DeleteNetworkAclInput, optFns ...func(*ec2.Options)) (*ec2.DeleteNetworkAclOutput, error)
	DescribeRouteTables(ctx context.Context, params *ec2.DescribeRouteTablesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeRouteTablesOutput, error)
	DeleteRouteTable(ctx context.Context, params *ec2.DeleteRouteTableInput, optFns ...func(*ec2.Options)) (*ec2.DeleteRouteTableOutput, error)
	DescribeAddresses(ctx context.Context, params *ec2.DescribeAddressesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeAddressesOutput, error)
	DisassociateAddress(ctx context.Context, params *ec2.DisassociateAddressInput, optFns ...func(*ec2.Options)) (*ec2.DisassociateAddressOutput, error)
	ReleaseAddress(ctx context.Context, params *ec2.ReleaseAddressInput, optFns ...func(*ec2.Options)) (*ec2.ReleaseAddressOutput, error)
	DescribeVolumes(ctx context.Context, params *ec2.DescribeVolumesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error)
	DetachVolume(ctx context.Context, params *ec2.DetachVolumeInput, optFns ...func(*ec2.Options)) (*ec2.DetachVolumeOutput, error)
	DeleteVolume(ctx context.Context, params *ec2.DeleteVolumeInput, optFns ...func(*ec2.Options)) (*ec2.DeleteVolumeOutput, error)
}

// ELBAPI is the part of the Elastic Load Balancing v2 client the cleaners use.
type ELBAPI interface {
	DescribeLoadBalancers(ctx context.Context, params *elb.DescribeLoadBalancersInput, optFns ...func(*elb.Options)) (*elb.DescribeLoadBalancersOutput, error)
	ModifyLoadBalancerAttributes(ctx context.Context, params *elb.ModifyLoadBalancerAttributesInput, optFns ...func(*elb.Options)) (*elb.ModifyLoadBalancerAttributesOutput, error)
	DeleteLoadBalancer(ctx context.Context, params *elb.DeleteLoadBalancerInput, optFns ...func(*elb.Options)) (*elb.DeleteLoadBalancerOutput, error)
	DescribeTargetGroups(ctx context.Context, params *elb.DescribeTargetGroupsInput, optFns ...func(*elb.Options)) (*elb.DescribeTargetGroupsOutput, error)
	DeleteTargetGroup(ctx context.Context, params *elb.DeleteTargetGroupInput, optFns ...func(*elb.Options)) (*elb.DeleteTargetGroupOutput, error)
}

// CloudFormationAPI is the part of the CloudFormation client the stack cleaner uses.
type CloudFormationAPI interface {
	DescribeStacks(ctx context.Context, params *cloudformation.DescribeStacksInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error)
	UpdateTerminationProtection(ctx context.Context, params *cloudformation.UpdateTerminationProtectionInput, optFns ...func(*cloudformation.Options)) (*cloudformation.UpdateTerminationProtectionOutput, error)
	DeleteStack(ctx context.Context, params *cloudformation.DeleteStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DeleteStackOutput, error)
}

// S3API is the part of the S3 client the bucket cleaner uses.
type S3API interface {
	ListBuckets(ctx context.Context, params *s3.ListBucketsInput, optFns ...func(*s3.Options)) (*s3.ListBucketsOutput, error)
	GetBucketLocation(ctx context.Context, params *s3.GetBucketLocationInput, optFns ...func(*s3.Options)) (*s3.GetBucketLocationOutput, error)
	GetBucketTagging(ctx context.Context, params *s3.GetBucketTaggingInput, optFns ...func(*s3.Options)) (*s3.GetBucketTaggingOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	DeleteBucket(ctx context.Context, params *s3.DeleteBucketInput, optFns ...func(*s3.Options)) (*s3.DeleteBucketOutput, error)
}

// IAMAPI is the part of the IAM client the role and user cleaners use.
type IAMAPI interface {
	ListRoles(ctx context.Context, params *iam.ListRolesInput, optFns ...func(*iam.Options)) (*iam.ListRolesOutput, error)
	ListRoleTags(ctx context.Context, params *iam.ListRoleTagsInput, optFns ...func(*iam.Options)) (*iam.ListRoleTagsOutput, error)
	GetRole(ctx context.Context, params *iam.GetRoleInput, optFns ...func(*iam.Options)) (*iam.GetRoleOutput, error)
	ListAttachedRolePolicies(ctx context.Context, params *iam.ListAttachedRolePoliciesInput, optFns ...func(*iam.Options)) (*iam.ListAttachedRolePoliciesOutput, error)
	DetachRolePolicy(ctx context.Context, params *iam.DetachRolePolicyInput, optFns ...func(*iam.Options)) (*iam.DetachRolePolicyOutput, error)
	ListRolePolicies(ctx context.Context, params *iam.ListRolePoliciesInput, optFns ...func(*iam.Options)) (*iam.ListRolePoliciesOutput, error)
	DeleteRolePolicy(ctx context.Context, params *iam.DeleteRolePolicyInput, optFns ...func(*iam.Options)) (*iam.DeleteRolePolicyOutput, error)
	ListInstanceProfilesForRole(ctx context.Context, params *iam.ListInstanceProfilesForRoleInput, optFns ...func(*iam.Options)) (*iam.ListInstanceProfilesForRoleOutput, error)
	RemoveRoleFromInstanceProfile(ctx context.Context, params *iam.RemoveRoleFromInstanceProfileInput, optFns ...func(*iam.Options)) (*iam.RemoveRoleFromInstanceProfileOutput, error)
	DeleteRole(ctx context.Context, params *iam.DeleteRoleInput, optFns ...func(*iam.Options)) (*iam.DeleteRoleOutput, error)
	ListUsers(ctx context.Context, params *iam.ListUsersInput, optFns ...func(*iam.Options)) (*iam.ListUsersOutput, error)
	GetUser(ctx context.Context, params *iam.GetUserInput, optFns ...func(*iam.Options)) (*iam.GetUserOutput, error)
	ListAccessKeys(ctx context.Context, params *iam.ListAccessKeysInput, optFns ...func(*iam.Options)) (*iam.ListAccessKeysOutput, error)
	DeleteAccessKey(ctx context.Context, params *iam.DeleteAccessKeyInput, optFns ...func(*iam.Options)) (*iam.DeleteAccessKeyOutput, error)
	DeleteLoginProfile(ctx context.Context, params *iam.DeleteLoginProfileInput, optFns ...func(*iam.Options)) (*iam.DeleteLoginProfileOutput, error)
	ListAttachedUserPolicies(ctx context.Context, params *iam.ListAttachedUserPoliciesInput, optFns ...func(*iam.Options)) (*iam.ListAttachedUserPoliciesOutput, error)
	DetachUserPolicy(ctx context.Context, params *iam.DetachUserPolicyInput, optFns ...func(*iam.Options)) (*iam.DetachUserPolicyOutput, error)
	ListUserPolicies(ctx context.Context, params *iam.ListUserPoliciesInput, optFns ...func(*iam.Options)) (*iam.ListUserPoliciesOutput, error)
	DeleteUserPolicy(ctx context.Context, params *iam.DeleteUserPolicyInput, optFns ...func(*iam.Options)) (*iam.DeleteUserPolicyOutput, error)
	ListGroupsForUser(ctx context.Context, params *iam.ListGroupsForUserInput, optFns ...func(*iam.Options)) (*iam.ListGroupsForUserOutput, error)
	RemoveUserFromGroup(ctx context.Context, params *iam.RemoveUserFromGroupInput, optFns ...func(*iam.Options)) (*iam.RemoveUserFromGroupOutput, error)
	DeleteUser(ctx context.Context, params *iam.DeleteUserInput, optFns ...func(*iam.Options)) (*iam.DeleteUserOutput, error)
}

// SecretsAPI is the part of the Secrets Manager client the secret cleaner uses.
type SecretsAPI interface {
	ListSecrets(ctx context.Context, params *secretsmanager.ListSecretsInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.ListSecretsOutput, error)
	DeleteSecret(ctx context.Context, params *secretsmanager.DeleteSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DeleteSecretOutput, error)
}

// LogsAPI is the part of the CloudWatch Logs client the log group cleaner uses.
type LogsAPI interface {
	DescribeLogGroups(ctx context.Context, params *cloudwatchlogs.DescribeLogGroupsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.DescribeLogGroupsOutput, error)
	DeleteLogGroup(ctx context.Context, params *cloudwatchlogs.DeleteLogGroupInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.DeleteLogGroupOutput, error)
}

// SNSAPI is the part of the SNS client the topic cleaner uses.
type SNSAPI interface {
	ListTopics(ctx context.Context, params *sns.ListTopicsInput, optFns ...func(*sns.Options)) (*sns.ListTopicsOutput, error)
	DeleteTopic(ctx context.Context, params *sns.DeleteTopicInput, optFns ...func(*sns.Options)) (*sns.DeleteTopicOutput, error)
}

// SQSAPI is the part of the SQS client the queue cleaner uses.
type SQSAPI interface {
	ListQueues(ctx context.Context, params *sqs.ListQueuesInput, optFns ...func(*sqs.Options)) (*sqs.ListQueuesOutput, error)
	DeleteQueue(ctx context.Context, params *sqs.DeleteQueueInput, optFns ...func(*sqs.Options)) (*sqs.DeleteQueueOutput, error)
}

// SSMAPI is the part of the Systems Manager client the parameter cleaner uses.
type SSMAPI interface {
	DescribeParameters(ctx context.Context, params *ssm.DescribeParametersInput, optFns ...func(*ssm.Options)) (*ssm.DescribeParametersOutput, error)
	DeleteParameter(ctx context.Context, params *ssm.DeleteParameterInput, optFns ...func(*ssm.Options)) (*ssm.DeleteParameterOutput, error)
}

// ClientFactory builds provider clients scoped to one account and region.
type ClientFactory interface {
	EC2(ctx context.Context, scope cleanup.Scope) (EC2API, error)
	ELB(ctx context.Context, scope cleanup.Scope) (ELBAPI, error)
	CloudFormation(ctx context.Context, scope cleanup.Scope) (CloudFormationAPI, error)
	S3(ctx context.Context, scope cleanup.Scope) (S3API, error)
	IAM(ctx context.Context, scope cleanup.Scope) (IAMAPI, error)
	Secrets(ctx context.Context, scope cleanup.Scope) (SecretsAPI, error)
	Logs(ctx context.Context, scope cleanup.Scope) (LogsAPI, error)
	SNS(ctx context.Context, scope cleanup.Scope) (SNSAPI, error)
	SQS(ctx context.Context, scope cleanup.Scope) (SQSAPI, error)
	SSM(ctx context.Context, scope cleanup.Scope) (SSMAPI, error)
}

// RoleARN is the execution role the pool assumes inside a pool account.
func RoleARN(accountID pool.AccountID, roleName string) string {
	return fmt.Sprintf("arn:aws:iam::%s:role/%s", accountID.String(), roleName)
}

// AccountClients assumes the execution role of each pool account and caches the
// resulting credentials per account.
type AccountClients struct {
	base      aws.Config
	roleName  string
	stsClient stscreds.AssumeRoleAPIClient

	mu        sync.Mutex
	providers map[string]aws.CredentialsProvider
}

// NewAccountClients builds a factory on top of the pool's own credentials.
func NewAccountClients(base aws.Config, executionRoleName string) (*AccountClients, error) {
	executionRoleName = strings.TrimSpace(executionRoleName)
	if executionRoleName == "" {
		return nil, ErrMissingRoleName
	}
	return &AccountClients{
		base:      base,
		roleName:  executionRoleName,
		stsClient: sts.NewFromConfig(base),
		providers: make(map[string]aws.CredentialsProvider),
	}, nil
}

// ConfigFor returns a copy of the base configuration carrying account-scoped credentials.
func (clients *AccountClients) ConfigFor(accountID pool.AccountID, region string) aws.Config {
	scoped := clients.base.Copy()
	scoped.Region = region
	scoped.Credentials = clients.provider(accountID)
	return scoped
}

func (clients *AccountClients) provider(accountID pool.AccountID) aws.CredentialsProvider {
	clients.mu.Lock()
	defer clients.mu.Unlock()
	if provider, ok := clients.providers[accountID.String()]; ok {
		return provider
	}
	provider := aws.NewCredentialsCache(stscreds.NewAssumeRoleProvider(clients.stsClient, RoleARN(accountID, clients.roleName), func(options *stscreds.AssumeRoleOptions) {
		options.RoleSessionName = SessionName
		options.Duration = SessionDuration
	}))
	clients.providers[accountID.String()] = provider
	return provider
}

// EC2 implements ClientFactory.
func (clients *AccountClients) EC2(_ context.Context, scope cleanup.Scope) (EC2API, error) {
	return ec2.NewFromConfig(clients.ConfigFor(scope.AccountID, scope.Region)), nil
}

// ELB implements ClientFactory.
func (clients *AccountClients) ELB(_ context.Context, scope cleanup.Scope) (ELBAPI, error) {
	return elb.NewFromConfig(clients.ConfigFor(scope.AccountID, scope.Region)), nil
}

// CloudFormation implements ClientFactory.
func (clients *AccountClients) CloudFormation(_ context.Context, scope cleanup.Scope) (CloudFormationAPI, error) {
	return cloudformation.NewFromConfig(clients.ConfigFor(scope.AccountID, scope.Region)), nil
}

// S3 implements ClientFactory.
func (clients *AccountClients) S3(_ context.Context, scope cleanup.Scope) (S3API, error) {
	return s3.NewFromConfig(clients.ConfigFor(scope.AccountID, scope.Region)), nil
}

// IAM implements ClientFactory.
func (clients *AccountClients) IAM(_ context.Context, scope cleanup.Scope) (IAMAPI, error) {
	return iam.NewFromConfig(clients.ConfigFor(scope.AccountID, scope.Region)), nil
}

// Secrets implements ClientFactory.
func (clients *AccountClients) Secrets(_ context.Context, scope cleanup.Scope) (SecretsAPI, error) {
	return secretsmanager.NewFromConfig(clients.ConfigFor(scope.AccountID, scope.Region)), nil
}

// Logs implements ClientFactory.
func (clients *AccountClients) Logs(_ context.Context, scope cleanup.Scope) (LogsAPI, error) {
	return cloudwatchlogs.NewFromConfig(clients.ConfigFor(scope.AccountID, scope.Region)), nil
}

// SNS implements ClientFactory.
func (clients *AccountClients) SNS(_ context.Context, scope cleanup.Scope) (SNSAPI, error) {
	return sns.NewFromConfig(clients.ConfigFor(scope.AccountID, scope.Region)), nil
}

// SQS implements ClientFactory.
func (clients *AccountClients) SQS(_ context.Context, scope cleanup.Scope) (SQSAPI, error) {
	return sqs.NewFromConfig(clients.ConfigFor(scope.AccountID, scope.Region)), nil
}

// SSM implements ClientFactory.
func (clients *AccountClients) SSM(_ context.Context, scope cleanup.Scope) (SSMAPI, error) {
	return ssm.NewFromConfig(clients.ConfigFor(scope.AccountID, scope.Region)), nil
}

// notFoundCodes are the services' codes for a resource that does not exist and do
// not follow the NotFound suffix convention.
var notFoundCodes = map[string]struct{}{
	"NoSuchEntity":                            {},
	"NoSuchBucket":                            {},
	"ResourceNotFoundException":               {},
	"QueueDoesNotExist":                       {},
	"AWS.SimpleQueueService.NonExistentQueue": {},
}

// isNotFound reports whether the provider says the resource no longer exists.
func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	code := apiErr.ErrorCode()
	if _, ok := notFoundCodes[code]; ok {
		return true
	}
	return strings.HasSuffix(code, "NotFound")
}

func hasErrorCode(err error, code string) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == code
}
