package awsprovider

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	elb "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbtypes "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"

	"github.com/MarkoPoloResearchLab/envpool/pkg/cleanup"
)

const deletionProtectionAttribute = "deletion_protection.enabled"

type elbOpener func(ctx context.Context, scope cleanup.Scope) (ELBAPI, error)

// loadBalancerCleaner turns deletion protection off and retries when a delete is refused.
func loadBalancerCleaner(open elbOpener) cleanup.Cleaner {
	return &resourceKind[ELBAPI]{
		descriptor: mustDescriptor(ResourceLoadBalancer),
		open:       open,
		list: func(ctx context.Context, client ELBAPI) ([]cleanup.Resource, error) {
			resources := make([]cleanup.Resource, 0)
			paginator := elb.NewDescribeLoadBalancersPaginator(client, &elb.DescribeLoadBalancersInput{})
			for paginator.HasMorePages() {
				page, err := paginator.NextPage(ctx)
				if err != nil {
					return nil, err
				}
				for _, loadBalancer := range page.LoadBalancers {
					resources = append(resources, cleanup.Resource{ID: aws.ToString(loadBalancer.LoadBalancerArn), Payload: loadBalancer})
				}
			}
			return resources, nil
		},
		clean: func(ctx context.Context, client ELBAPI, resource cleanup.Resource) (cleanup.Result, error) {
			_, err := client.DeleteLoadBalancer(ctx, &elb.DeleteLoadBalancerInput{LoadBalancerArn: aws.String(resource.ID)})
			if err == nil || isNotFound(err) {
				return cleanup.Success(resource.ID), nil
			}
			if !hasErrorCode(err, "OperationNotPermitted") {
				return cleanup.Result{}, err
			}
			_, modifyErr := client.ModifyLoadBalancerAttributes(ctx, &elb.ModifyLoadBalancerAttributesInput{
				LoadBalancerArn: aws.String(resource.ID),
				Attributes: []elbtypes.LoadBalancerAttribute{
					{Key: aws.String(deletionProtectionAttribute), Value: aws.String("false")},
				},
			})
			if modifyErr != nil {
				return cleanup.Result{}, modifyErr
			}
			return cleanup.Retry(resource.ID, "disabled deletion protection"), nil
		},
	}
}

func targetGroupCleaner(open elbOpener) cleanup.Cleaner {
	return &resourceKind[ELBAPI]{
		descriptor: mustDescriptor(ResourceTargetGroup, ResourceLoadBalancer),
		open:       open,
		list: func(ctx context.Context, client ELBAPI) ([]cleanup.Resource, error) {
			resources := make([]cleanup.Resource, 0)
			paginator := elb.NewDescribeTargetGroupsPaginator(client, &elb.DescribeTargetGroupsInput{})
			for paginator.HasMorePages() {
				page, err := paginator.NextPage(ctx)
				if err != nil {
					return nil, err
				}
				for _, group := range page.TargetGroups {
					resources = append(resources, cleanup.Resource{ID: aws.ToString(group.TargetGroupArn), Payload: group})
				}
			}
			return resources, nil
		},
		clean: func(ctx context.Context, client ELBAPI, resource cleanup.Resource) (cleanup.Result, error) {
			_, err := client.DeleteTargetGroup(ctx, &elb.DeleteTargetGroupInput{TargetGroupArn: aws.String(resource.ID)})
			return deleted(resource.ID, err)
		},
	}
}
