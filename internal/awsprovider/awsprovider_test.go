package awsprovider

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	elb "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbtypes "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	ststypes "github.com/aws/aws-sdk-go-v2/service/sts/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/require"

	"github.com/MarkoPoloResearchLab/envpool/pkg/cleanup"
	"github.com/MarkoPoloResearchLab/envpool/pkg/pool"
)

// fakeEC2 embeds the interface so calls the test does not expect panic.
type fakeEC2 struct {
	EC2API

	mu             sync.Mutex
	calls          []string
	gateways       []ec2types.InternetGateway
	securityGroups []ec2types.SecurityGroup
	networkAcls    []ec2types.NetworkAcl
	routeTables    []ec2types.RouteTable
	vpcDeleteErr   error
}

func (fake *fakeEC2) record(call string) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	fake.calls = append(fake.calls, call)
}

func (fake *fakeEC2) snapshot() []string {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	return append([]string(nil), fake.calls...)
}

func (fake *fakeEC2) DescribeInternetGateways(_ context.Context, params *ec2.DescribeInternetGatewaysInput, _ ...func(*ec2.Options)) (*ec2.DescribeInternetGatewaysOutput, error) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(params.InternetGatewayIds) == 0 {
		return &ec2.DescribeInternetGatewaysOutput{InternetGateways: fake.gateways}, nil
	}
	matched := make([]ec2types.InternetGateway, 0)
	for _, gateway := range fake.gateways {
		if slices.Contains(params.InternetGatewayIds, aws.ToString(gateway.InternetGatewayId)) {
			matched = append(matched, gateway)
		}
	}
	return &ec2.DescribeInternetGatewaysOutput{InternetGateways: matched}, nil
}

func (fake *fakeEC2) DetachInternetGateway(_ context.Context, params *ec2.DetachInternetGatewayInput, _ ...func(*ec2.Options)) (*ec2.DetachInternetGatewayOutput, error) {
	fake.record("detach " + aws.ToString(params.InternetGatewayId) + " " + aws.ToString(params.VpcId))
	fake.mu.Lock()
	defer fake.mu.Unlock()
	for index := range fake.gateways {
		if aws.ToString(fake.gateways[index].InternetGatewayId) == aws.ToString(params.InternetGatewayId) {
			fake.gateways[index].Attachments = nil
		}
	}
	return &ec2.DetachInternetGatewayOutput{}, nil
}

func (fake *fakeEC2) DeleteInternetGateway(_ context.Context, params *ec2.DeleteInternetGatewayInput, _ ...func(*ec2.Options)) (*ec2.DeleteInternetGatewayOutput, error) {
	fake.record("delete " + aws.ToString(params.InternetGatewayId))
	return &ec2.DeleteInternetGatewayOutput{}, nil
}

func (fake *fakeEC2) DescribeSecurityGroups(_ context.Context, _ *ec2.DescribeSecurityGroupsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error) {
	return &ec2.DescribeSecurityGroupsOutput{SecurityGroups: fake.securityGroups}, nil
}

func (fake *fakeEC2) DescribeNetworkAcls(_ context.Context, _ *ec2.DescribeNetworkAclsInput, _ ...func(*ec2.Options)) (*ec2.DescribeNetworkAclsOutput, error) {
	return &ec2.DescribeNetworkAclsOutput{NetworkAcls: fake.networkAcls}, nil
}

func (fake *fakeEC2) DescribeRouteTables(_ context.Context, _ *ec2.DescribeRouteTablesInput, _ ...func(*ec2.Options)) (*ec2.DescribeRouteTablesOutput, error) {
	return &ec2.DescribeRouteTablesOutput{RouteTables: fake.routeTables}, nil
}

func (fake *fakeEC2) DeleteVpc(_ context.Context, params *ec2.DeleteVpcInput, _ ...func(*ec2.Options)) (*ec2.DeleteVpcOutput, error) {
	fake.record("delete " + aws.ToString(params.VpcId))
	return &ec2.DeleteVpcOutput{}, fake.vpcDeleteErr
}

// fakeFactory hands out whichever fake client a test sets.
type fakeFactory struct {
	ec2Client   EC2API
	elbClient   ELBAPI
	stackClient CloudFormationAPI
	s3Client    S3API
	iamClient   IAMAPI
	secrets     SecretsAPI
	logs        LogsAPI
	topics      SNSAPI
	queues      SQSAPI
	parameters  SSMAPI
}

func (factory fakeFactory) EC2(context.Context, cleanup.Scope) (EC2API, error) {
	return factory.ec2Client, nil
}

func (factory fakeFactory) ELB(context.Context, cleanup.Scope) (ELBAPI, error) {
	return factory.elbClient, nil
}

func (factory fakeFactory) CloudFormation(context.Context, cleanup.Scope) (CloudFormationAPI, error) {
	return factory.stackClient, nil
}

func (factory fakeFactory) S3(context.Context, cleanup.Scope) (S3API, error) {
	return factory.s3Client, nil
}

func (factory fakeFactory) IAM(context.Context, cleanup.Scope) (IAMAPI, error) {
	return factory.iamClient, nil
}

func (factory fakeFactory) Secrets(context.Context, cleanup.Scope) (SecretsAPI, error) {
	return factory.secrets, nil
}

func (factory fakeFactory) Logs(context.Context, cleanup.Scope) (LogsAPI, error) {
	return factory.logs, nil
}

func (factory fakeFactory) SNS(context.Context, cleanup.Scope) (SNSAPI, error) {
	return factory.topics, nil
}

func (factory fakeFactory) SQS(context.Context, cleanup.Scope) (SQSAPI, error) {
	return factory.queues, nil
}

func (factory fakeFactory) SSM(context.Context, cleanup.Scope) (SSMAPI, error) {
	return factory.parameters, nil
}

func mustAccountID(test *testing.T, raw string) pool.AccountID {
	test.Helper()
	accountID, err := pool.NewAccountID(raw)
	require.NoError(test, err)
	return accountID
}

func cleanerOf(test *testing.T, factory ClientFactory, resourceType string) cleanup.Cleaner {
	test.Helper()
	for _, cleaner := range Cleaners(factory) {
		if cleaner.Descriptor().ResourceType == resourceType {
			return cleaner
		}
	}
	test.Fatalf("no cleaner for %s", resourceType)
	return nil
}

func noSleep(context.Context, time.Duration) error { return nil }

func TestInternetGatewayDetachesThenDeletes(test *testing.T) {
	test.Parallel()
	client := &fakeEC2{gateways: []ec2types.InternetGateway{{
		InternetGatewayId: aws.String("igw-1"),
		Attachments:       []ec2types.InternetGatewayAttachment{{State: ec2types.AttachmentStatus("available"), VpcId: aws.String("vpc-1")}},
	}}}
	driver, err := cleanup.NewDriver([]string{"eu-west-1"}, cleanup.WithSleeper(noSleep))
	require.NoError(test, err)

	err = driver.RunCleaner(context.Background(), mustAccountID(test, "123456789012"), cleanerOf(test, fakeFactory{ec2Client: client}, ResourceInternetGateway))
	require.NoError(test, err)
	require.Equal(test, []string{"detach igw-1 vpc-1", "delete igw-1"}, client.snapshot())
}

func TestDeleteOfMissingResourceCountsAsCleaned(test *testing.T) {
	test.Parallel()
	client := &fakeEC2{vpcDeleteErr: &smithy.GenericAPIError{Code: "InvalidVpcID.NotFound", Message: "gone"}}
	session, err := cleanerOf(test, fakeFactory{ec2Client: client}, ResourceVpc).Open(context.Background(), cleanup.Scope{Region: "eu-west-1"})
	require.NoError(test, err)

	result, err := session.CleanOne(context.Background(), cleanup.Resource{ID: "vpc-1"})
	require.NoError(test, err)
	require.Equal(test, cleanup.OutcomeSuccess, result.Outcome)

	client.vpcDeleteErr = &smithy.GenericAPIError{Code: "DependencyViolation", Message: "in use"}
	_, err = session.CleanOne(context.Background(), cleanup.Resource{ID: "vpc-1"})
	require.Error(test, err)
}

func TestCandidatesExcludeDefaults(test *testing.T) {
	test.Parallel()
	client := &fakeEC2{
		securityGroups: []ec2types.SecurityGroup{
			{GroupId: aws.String("sg-default"), GroupName: aws.String("default"), Description: aws.String("default VPC security group")},
			{GroupId: aws.String("sg-app"), GroupName: aws.String("app")},
		},
		networkAcls: []ec2types.NetworkAcl{
			{NetworkAclId: aws.String("acl-default"), IsDefault: aws.Bool(true)},
			{NetworkAclId: aws.String("acl-app"), IsDefault: aws.Bool(false)},
		},
		routeTables: []ec2types.RouteTable{
			{RouteTableId: aws.String("rtb-main"), Associations: []ec2types.RouteTableAssociation{{Main: aws.Bool(true)}}},
			{RouteTableId: aws.String("rtb-app")},
		},
	}
	factory := fakeFactory{ec2Client: client}
	testCases := []struct {
		resourceType string
		expected     string
	}{
		{resourceType: ResourceSecurityGroup, expected: "sg-app"},
		{resourceType: ResourceNetworkAcl, expected: "acl-app"},
		{resourceType: ResourceRouteTable, expected: "rtb-app"},
	}
	for _, testCase := range testCases {
		session, err := cleanerOf(test, factory, testCase.resourceType).Open(context.Background(), cleanup.Scope{Region: "eu-west-1"})
		require.NoError(test, err)
		candidates, err := session.ListCandidates(context.Background())
		require.NoError(test, err)
		require.Len(test, candidates, 1, testCase.resourceType)
		require.Equal(test, testCase.expected, candidates[0].ID)
	}
}

func TestCleanersFormAValidRegistry(test *testing.T) {
	test.Parallel()
	registry, err := cleanup.NewRegistry(Cleaners(fakeFactory{})...)
	require.NoError(test, err)
	order := registry.Order()
	require.Len(test, order, 19)

	position := func(resourceType string) int {
		return slices.Index(order, resourceType)
	}
	before := [][2]string{
		{ResourceNetworkAcl, ResourceSubnet},
		{ResourceLoadBalancer, ResourceSubnet},
		{ResourceLoadBalancer, ResourceTargetGroup},
		{ResourceLoadBalancer, ResourceSecurityGroup},
		{ResourceSubnet, ResourceRouteTable},
		{ResourceElasticIp, ResourceInternetGateway},
		{ResourceSubnet, ResourceVpc},
		{ResourceSecurityGroup, ResourceVpc},
		{ResourceInternetGateway, ResourceVpc},
		{ResourceRouteTable, ResourceVpc},
		{ResourceLogGroup, ResourceCloudFormationStack},
		{ResourceVpc, ResourceCloudFormationStack},
		{ResourceInternetGateway, ResourceCloudFormationStack},
		{ResourceNetworkAcl, ResourceCloudFormationStack},
		{ResourceSubnet, ResourceCloudFormationStack},
		{ResourceRouteTable, ResourceCloudFormationStack},
		{ResourceS3Bucket, ResourceCloudFormationStack},
		{ResourceIamRole, ResourceCloudFormationStack},
		{ResourceSecret, ResourceCloudFormationStack},
	}
	for _, pair := range before {
		require.Less(test, position(pair[0]), position(pair[1]), "%s must run before %s", pair[0], pair[1])
	}

	for _, cleaner := range Cleaners(nil) {
		descriptor := cleaner.Descriptor()
		global := descriptor.ResourceType == ResourceIamRole || descriptor.ResourceType == ResourceUser
		require.Equal(test, global, descriptor.Global, descriptor.ResourceType)
	}
}

func TestIsNotFoundCoversServiceCodes(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		code     string
		expected bool
	}{
		{code: "InvalidVpcID.NotFound", expected: true},
		{code: "NotFound", expected: true},
		{code: "NoSuchEntity", expected: true},
		{code: "NoSuchBucket", expected: true},
		{code: "ResourceNotFoundException", expected: true},
		{code: "ParameterNotFound", expected: true},
		{code: "AWS.SimpleQueueService.NonExistentQueue", expected: true},
		{code: "QueueDoesNotExist", expected: true},
		{code: "DeleteConflict", expected: false},
		{code: "ValidationError", expected: false},
	}
	for _, testCase := range testCases {
		err := fmt.Errorf("call: %w", &smithy.GenericAPIError{Code: testCase.code})
		require.Equal(test, testCase.expected, isNotFound(err), testCase.code)
	}
	require.False(test, isNotFound(errors.New("plain")))
}

type fakeELB struct {
	ELBAPI
	protected bool
	calls     []string
}

func (fake *fakeELB) DeleteLoadBalancer(_ context.Context, params *elb.DeleteLoadBalancerInput, _ ...func(*elb.Options)) (*elb.DeleteLoadBalancerOutput, error) {
	fake.calls = append(fake.calls, "delete")
	if fake.protected {
		return nil, &smithy.GenericAPIError{Code: "OperationNotPermitted", Message: "deletion protection"}
	}
	return &elb.DeleteLoadBalancerOutput{}, nil
}

func (fake *fakeELB) ModifyLoadBalancerAttributes(_ context.Context, params *elb.ModifyLoadBalancerAttributesInput, _ ...func(*elb.Options)) (*elb.ModifyLoadBalancerAttributesOutput, error) {
	fake.calls = append(fake.calls, "unprotect")
	fake.protected = false
	return &elb.ModifyLoadBalancerAttributesOutput{Attributes: []elbtypes.LoadBalancerAttribute{}}, nil
}

func TestLoadBalancerDeletionProtectionIsLifted(test *testing.T) {
	test.Parallel()
	client := &fakeELB{protected: true}
	session, err := cleanerOf(test, fakeFactory{elbClient: client}, ResourceLoadBalancer).Open(context.Background(), cleanup.Scope{Region: "eu-west-1"})
	require.NoError(test, err)

	result, err := session.CleanOne(context.Background(), cleanup.Resource{ID: "arn:lb"})
	require.NoError(test, err)
	require.Equal(test, cleanup.OutcomeRetry, result.Outcome)
	result, err = session.CleanOne(context.Background(), cleanup.Resource{ID: "arn:lb"})
	require.NoError(test, err)
	require.Equal(test, cleanup.OutcomeSuccess, result.Outcome)
	require.Equal(test, []string{"delete", "unprotect", "delete"}, client.calls)
}

type fakeSTS struct {
	input *sts.AssumeRoleInput
}

func (fake *fakeSTS) AssumeRole(_ context.Context, params *sts.AssumeRoleInput, _ ...func(*sts.Options)) (*sts.AssumeRoleOutput, error) {
	fake.input = params
	return &sts.AssumeRoleOutput{Credentials: &ststypes.Credentials{
		AccessKeyId:     aws.String("AKIA"),
		SecretAccessKey: aws.String("secret"),
		SessionToken:    aws.String("token"),
		Expiration:      aws.Time(time.Date(2026, time.March, 1, 12, 30, 0, 0, time.UTC)),
	}}, nil
}

func TestCredentialsIssuerAssumesSharedRole(test *testing.T) {
	test.Parallel()
	client := &fakeSTS{}
	issuer, err := NewCredentialsIssuer(client, " arn:aws:iam::111111111111:role/consumer ")
	require.NoError(test, err)
	reservationID, err := pool.NewReservationID("res-1")
	require.NoError(test, err)

	issued, err := issuer.IssueCredentials(context.Background(), pool.Reservation{ID: reservationID}, nil)
	require.NoError(test, err)
	require.Equal(test, "AKIA", issued.AccessKeyID)
	require.Equal(test, "token", issued.SessionToken)
	require.Equal(test, "arn:aws:iam::111111111111:role/consumer", aws.ToString(client.input.RoleArn))
	require.Equal(test, SessionName, aws.ToString(client.input.RoleSessionName))
	require.Equal(test, int32(1800), aws.ToInt32(client.input.DurationSeconds))

	_, err = NewCredentialsIssuer(client, "  ")
	require.ErrorIs(test, err, ErrMissingCredentialsRole)
}

func TestAccountClientsScopeCredentials(test *testing.T) {
	test.Parallel()
	base := aws.Config{Region: "us-east-1", Credentials: credentials.NewStaticCredentialsProvider("base", "secret", "")}
	clients, err := NewAccountClients(base, "pool-execution")
	require.NoError(test, err)
	accountID := mustAccountID(test, "123456789012")

	scoped := clients.ConfigFor(accountID, "eu-west-1")
	require.Equal(test, "eu-west-1", scoped.Region)
	require.IsType(test, &aws.CredentialsCache{}, scoped.Credentials)
	require.Same(test, scoped.Credentials, clients.ConfigFor(accountID, "eu-central-1").Credentials)
	require.Equal(test, "arn:aws:iam::123456789012:role/pool-execution", RoleARN(accountID, "pool-execution"))

	_, err = NewAccountClients(base, "")
	require.ErrorIs(test, err, ErrMissingRoleName)
}
