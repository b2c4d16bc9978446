package awsprovider

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cfntypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"

	"github.com/MarkoPoloResearchLab/envpool/pkg/cleanup"
)

type cloudFormationOpener func(ctx context.Context, scope cleanup.Scope) (CloudFormationAPI, error)

// stackCandidate remembers whether this run already asked for the delete, so a
// DELETE_FAILED left over from an earlier run is retried once.
type stackCandidate struct {
	stack           cfntypes.Stack
	deleteRequested bool
}

// stackCleaner deletes root stacks; nested stacks go with their parent. Deletion is
// asynchronous, so a started delete is retried until the stack is gone.
func stackCleaner(open cloudFormationOpener) cleanup.Cleaner {
	return &resourceKind[CloudFormationAPI]{
		descriptor: mustDescriptor(ResourceCloudFormationStack,
			ResourceLogGroup,
			ResourceVpc,
			ResourceInternetGateway,
			ResourceNetworkAcl,
			ResourceSubnet,
			ResourceRouteTable,
			ResourceS3Bucket,
			ResourceIamRole,
			ResourceSecret,
		),
		open: open,
		list: func(ctx context.Context, client CloudFormationAPI) ([]cleanup.Resource, error) {
			resources := make([]cleanup.Resource, 0)
			paginator := cloudformation.NewDescribeStacksPaginator(client, &cloudformation.DescribeStacksInput{})
			for paginator.HasMorePages() {
				page, err := paginator.NextPage(ctx)
				if err != nil {
					return nil, err
				}
				for _, stack := range page.Stacks {
					if aws.ToString(stack.ParentId) != "" || stack.StackStatus == cfntypes.StackStatusDeleteComplete {
						continue
					}
					resources = append(resources, cleanup.Resource{ID: aws.ToString(stack.StackId), Payload: stackCandidate{stack: stack}})
				}
			}
			return resources, nil
		},
		clean: func(ctx context.Context, client CloudFormationAPI, resource cleanup.Resource) (cleanup.Result, error) {
			candidate, _ := resource.Payload.(stackCandidate)
			switch candidate.stack.StackStatus {
			case cfntypes.StackStatusDeleteInProgress:
				return cleanup.Retry(resource.ID, "stack deletion in progress"), nil
			case cfntypes.StackStatusDeleteFailed:
				if candidate.deleteRequested {
					return cleanup.Failure(resource.ID, "stack deletion failed: "+aws.ToString(candidate.stack.StackStatusReason)), nil
				}
			}
			if aws.ToBool(candidate.stack.EnableTerminationProtection) {
				_, err := client.UpdateTerminationProtection(ctx, &cloudformation.UpdateTerminationProtectionInput{
					StackName:                   aws.String(resource.ID),
					EnableTerminationProtection: aws.Bool(false),
				})
				if err != nil {
					return cleanup.Result{}, err
				}
			}
			if _, err := client.DeleteStack(ctx, &cloudformation.DeleteStackInput{StackName: aws.String(resource.ID)}); err != nil {
				return cleanup.Result{}, err
			}
			return cleanup.Retry(resource.ID, "stack deletion started"), nil
		},
		refresh: func(ctx context.Context, client CloudFormationAPI, resource cleanup.Resource) (cleanup.Resource, bool, error) {
			output, err := client.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{StackName: aws.String(resource.ID)})
			if err != nil {
				if isMissingStack(err) {
					return cleanup.Resource{}, false, nil
				}
				return cleanup.Resource{}, false, err
			}
			if len(output.Stacks) == 0 || output.Stacks[0].StackStatus == cfntypes.StackStatusDeleteComplete {
				return cleanup.Resource{}, false, nil
			}
			return cleanup.Resource{ID: resource.ID, Payload: stackCandidate{stack: output.Stacks[0], deleteRequested: true}}, true, nil
		},
	}
}

// isMissingStack matches the validation error CloudFormation returns for an unknown stack.
func isMissingStack(err error) bool {
	return hasErrorCode(err, "ValidationError") && strings.Contains(err.Error(), "does not exist")
}
