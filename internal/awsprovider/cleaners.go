package awsprovider

import (
	"context"
	"fmt"

	"github.com/MarkoPoloResearchLab/envpool/pkg/cleanup"
)

// Resource types handled by the AWS cleaners.
const (
	ResourceVpc             = "Vpc"
	ResourceSubnet          = "Subnet"
	ResourceSecurityGroup   = "SecurityGroup"
	ResourceInternetGateway = "InternetGateway"
	ResourceNetworkAcl      = "NetworkAcl"
	ResourceRouteTable      = "RouteTable"
	ResourceElasticIp       = "ElasticIp"
	ResourceVolume          = "Volume"
	ResourceLoadBalancer    = "LoadBalancer"
	ResourceTargetGroup     = "TargetGroup"

	ResourceCloudFormationStack = "CloudFormationStack"
	ResourceS3Bucket            = "S3Bucket"
	ResourceIamRole             = "IamRole"
	ResourceUser                = "User"
	ResourceSecret              = "Secret"
	ResourceLogGroup            = "LogGroup"
	ResourceSnsTopic            = "SnsTopic"
	ResourceSqsQueue            = "SqsQueue"
	ResourceSsmParameter        = "SsmParameter"
)

// resourceKind adapts a set of provider calls to the cleanup.Cleaner contract.
type resourceKind[C any] struct {
	descriptor cleanup.Descriptor
	open       func(ctx context.Context, scope cleanup.Scope) (C, error)
	list       func(ctx context.Context, client C) ([]cleanup.Resource, error)
	clean      func(ctx context.Context, client C, resource cleanup.Resource) (cleanup.Result, error)
	refresh    func(ctx context.Context, client C, resource cleanup.Resource) (cleanup.Resource, bool, error)
}

func (kind *resourceKind[C]) Descriptor() cleanup.Descriptor {
	return kind.descriptor
}

func (kind *resourceKind[C]) Open(ctx context.Context, scope cleanup.Scope) (cleanup.Session, error) {
	client, err := kind.open(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("open %s client in %s: %w", kind.descriptor.ResourceType, scope.Region, err)
	}
	session := &kindSession[C]{kind: kind, client: client}
	if kind.refresh != nil {
		return &refreshingSession[C]{kindSession: session}, nil
	}
	return session, nil
}

type kindSession[C any] struct {
	kind   *resourceKind[C]
	client C
}

func (session *kindSession[C]) ListCandidates(ctx context.Context) ([]cleanup.Resource, error) {
	return session.kind.list(ctx, session.client)
}

func (session *kindSession[C]) CleanOne(ctx context.Context, resource cleanup.Resource) (cleanup.Result, error) {
	return session.kind.clean(ctx, session.client, resource)
}

type refreshingSession[C any] struct {
	*kindSession[C]
}

func (session *refreshingSession[C]) Refresh(ctx context.Context, resource cleanup.Resource) (cleanup.Resource, bool, error) {
	refreshed, present, err := session.kind.refresh(ctx, session.client, resource)
	if err != nil && isNotFound(err) {
		return cleanup.Resource{}, false, nil
	}
	return refreshed, present, err
}

// deleted turns a delete call's error into a cleanup result; a resource that is
// already gone counts as cleaned.
func deleted(resourceID string, err error) (cleanup.Result, error) {
	if err != nil && !isNotFound(err) {
		return cleanup.Result{}, err
	}
	return cleanup.Success(resourceID), nil
}

// Cleaners returns every AWS cleaner, wired to clients from factory. Clients are
// only built when a cleaner opens a session, so a nil factory serves inspection.
func Cleaners(factory ClientFactory) []cleanup.Cleaner {
	ec2Open := func(ctx context.Context, scope cleanup.Scope) (EC2API, error) {
		return factory.EC2(ctx, scope)
	}
	elbOpen := func(ctx context.Context, scope cleanup.Scope) (ELBAPI, error) {
		return factory.ELB(ctx, scope)
	}
	stackOpen := func(ctx context.Context, scope cleanup.Scope) (CloudFormationAPI, error) {
		return factory.CloudFormation(ctx, scope)
	}
	s3Open := func(ctx context.Context, scope cleanup.Scope) (regionalS3, error) {
		client, err := factory.S3(ctx, scope)
		return regionalS3{S3API: client, region: scope.Region}, err
	}
	iamOpen := func(ctx context.Context, scope cleanup.Scope) (IAMAPI, error) {
		return factory.IAM(ctx, scope)
	}
	secretsOpen := func(ctx context.Context, scope cleanup.Scope) (SecretsAPI, error) {
		return factory.Secrets(ctx, scope)
	}
	logsOpen := func(ctx context.Context, scope cleanup.Scope) (LogsAPI, error) {
		return factory.Logs(ctx, scope)
	}
	snsOpen := func(ctx context.Context, scope cleanup.Scope) (SNSAPI, error) {
		return factory.SNS(ctx, scope)
	}
	sqsOpen := func(ctx context.Context, scope cleanup.Scope) (SQSAPI, error) {
		return factory.SQS(ctx, scope)
	}
	ssmOpen := func(ctx context.Context, scope cleanup.Scope) (SSMAPI, error) {
		return factory.SSM(ctx, scope)
	}
	return []cleanup.Cleaner{
		stackCleaner(stackOpen),
		bucketCleaner(s3Open),
		roleCleaner(iamOpen),
		userCleaner(iamOpen),
		secretCleaner(secretsOpen),
		logGroupCleaner(logsOpen),
		topicCleaner(snsOpen),
		queueCleaner(sqsOpen),
		parameterCleaner(ssmOpen),
		vpcCleaner(ec2Open),
		subnetCleaner(ec2Open),
		securityGroupCleaner(ec2Open),
		internetGatewayCleaner(ec2Open),
		networkAclCleaner(ec2Open),
		routeTableCleaner(ec2Open),
		elasticIpCleaner(ec2Open),
		volumeCleaner(ec2Open),
		loadBalancerCleaner(elbOpen),
		targetGroupCleaner(elbOpen),
	}
}

func mustDescriptor(resourceType string, depends ...string) cleanup.Descriptor {
	descriptor, err := cleanup.NewDescriptor(resourceType, depends...)
	if err != nil {
		panic(err)
	}
	return descriptor
}
