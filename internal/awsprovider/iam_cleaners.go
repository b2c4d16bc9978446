package awsprovider

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"

	"github.com/MarkoPoloResearchLab/envpool/pkg/cleanup"
)

const serviceLinkedRolePath = "/aws-service-role/"

type iamOpener func(ctx context.Context, scope cleanup.Scope) (IAMAPI, error)

// ignoreMissing drops the error of a detach step whose target is already gone.
func ignoreMissing(err error) error {
	if isNotFound(err) {
		return nil
	}
	return err
}

// roleCleaner deletes tagged roles. IAM refuses to delete a role with attachments,
// so policies and instance profiles are removed first and the delete is retried.
func roleCleaner(open iamOpener) cleanup.Cleaner {
	return &resourceKind[IAMAPI]{
		descriptor: mustDescriptor(ResourceIamRole).AccountWide(),
		open:       open,
		list: func(ctx context.Context, client IAMAPI) ([]cleanup.Resource, error) {
			resources := make([]cleanup.Resource, 0)
			paginator := iam.NewListRolesPaginator(client, &iam.ListRolesInput{})
			for paginator.HasMorePages() {
				page, err := paginator.NextPage(ctx)
				if err != nil {
					return nil, err
				}
				for _, role := range page.Roles {
					if strings.HasPrefix(aws.ToString(role.Path), serviceLinkedRolePath) {
						continue
					}
					tags, err := client.ListRoleTags(ctx, &iam.ListRoleTagsInput{RoleName: role.RoleName})
					if err != nil {
						if isNotFound(err) {
							continue
						}
						return nil, err
					}
					for _, tag := range tags.Tags {
						if ownershipTag(tag.Key, tag.Value) {
							resources = append(resources, cleanup.Resource{ID: aws.ToString(role.RoleName), Payload: role})
							break
						}
					}
				}
			}
			return resources, nil
		},
		clean: func(ctx context.Context, client IAMAPI, resource cleanup.Resource) (cleanup.Result, error) {
			removed, err := detachRole(ctx, client, resource.ID)
			if err != nil {
				return deleted(resource.ID, err)
			}
			if removed > 0 {
				return cleanup.Retry(resource.ID, fmt.Sprintf("removed %d role attachments", removed)), nil
			}
			_, err = client.DeleteRole(ctx, &iam.DeleteRoleInput{RoleName: aws.String(resource.ID)})
			return deleted(resource.ID, err)
		},
		refresh: func(ctx context.Context, client IAMAPI, resource cleanup.Resource) (cleanup.Resource, bool, error) {
			output, err := client.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(resource.ID)})
			if err != nil {
				return cleanup.Resource{}, false, err
			}
			return cleanup.Resource{ID: resource.ID, Payload: output.Role}, true, nil
		},
	}
}

func detachRole(ctx context.Context, client IAMAPI, roleName string) (int, error) {
	removed := 0
	attached, err := client.ListAttachedRolePolicies(ctx, &iam.ListAttachedRolePoliciesInput{RoleName: aws.String(roleName)})
	if err != nil {
		return 0, err
	}
	for _, policy := range attached.AttachedPolicies {
		_, err := client.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{RoleName: aws.String(roleName), PolicyArn: policy.PolicyArn})
		if err := ignoreMissing(err); err != nil {
			return removed, err
		}
		removed++
	}
	inline, err := client.ListRolePolicies(ctx, &iam.ListRolePoliciesInput{RoleName: aws.String(roleName)})
	if err != nil {
		return removed, err
	}
	for _, policyName := range inline.PolicyNames {
		_, err := client.DeleteRolePolicy(ctx, &iam.DeleteRolePolicyInput{RoleName: aws.String(roleName), PolicyName: aws.String(policyName)})
		if err := ignoreMissing(err); err != nil {
			return removed, err
		}
		removed++
	}
	profiles, err := client.ListInstanceProfilesForRole(ctx, &iam.ListInstanceProfilesForRoleInput{RoleName: aws.String(roleName)})
	if err != nil {
		return removed, err
	}
	for _, profile := range profiles.InstanceProfiles {
		_, err := client.RemoveRoleFromInstanceProfile(ctx, &iam.RemoveRoleFromInstanceProfileInput{
			RoleName:            aws.String(roleName),
			InstanceProfileName: profile.InstanceProfileName,
		})
		if err := ignoreMissing(err); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// userCleaner deletes every IAM user after stripping its credentials, policies and
// group memberships.
func userCleaner(open iamOpener) cleanup.Cleaner {
	return &resourceKind[IAMAPI]{
		descriptor: mustDescriptor(ResourceUser).AccountWide(),
		open:       open,
		list: func(ctx context.Context, client IAMAPI) ([]cleanup.Resource, error) {
			resources := make([]cleanup.Resource, 0)
			paginator := iam.NewListUsersPaginator(client, &iam.ListUsersInput{})
			for paginator.HasMorePages() {
				page, err := paginator.NextPage(ctx)
				if err != nil {
					return nil, err
				}
				for _, user := range page.Users {
					resources = append(resources, cleanup.Resource{ID: aws.ToString(user.UserName), Payload: user})
				}
			}
			return resources, nil
		},
		clean: func(ctx context.Context, client IAMAPI, resource cleanup.Resource) (cleanup.Result, error) {
			removed, err := detachUser(ctx, client, resource.ID)
			if err != nil {
				return deleted(resource.ID, err)
			}
			if removed > 0 {
				return cleanup.Retry(resource.ID, fmt.Sprintf("removed %d user attachments", removed)), nil
			}
			_, err = client.DeleteUser(ctx, &iam.DeleteUserInput{UserName: aws.String(resource.ID)})
			return deleted(resource.ID, err)
		},
		refresh: func(ctx context.Context, client IAMAPI, resource cleanup.Resource) (cleanup.Resource, bool, error) {
			output, err := client.GetUser(ctx, &iam.GetUserInput{UserName: aws.String(resource.ID)})
			if err != nil {
				return cleanup.Resource{}, false, err
			}
			return cleanup.Resource{ID: resource.ID, Payload: output.User}, true, nil
		},
	}
}

func detachUser(ctx context.Context, client IAMAPI, userName string) (int, error) {
	removed := 0
	keys, err := client.ListAccessKeys(ctx, &iam.ListAccessKeysInput{UserName: aws.String(userName)})
	if err != nil {
		return 0, err
	}
	for _, key := range keys.AccessKeyMetadata {
		_, err := client.DeleteAccessKey(ctx, &iam.DeleteAccessKeyInput{UserName: aws.String(userName), AccessKeyId: key.AccessKeyId})
		if err := ignoreMissing(err); err != nil {
			return removed, err
		}
		removed++
	}
	_, err = client.DeleteLoginProfile(ctx, &iam.DeleteLoginProfileInput{UserName: aws.String(userName)})
	switch {
	case err == nil:
		removed++
	case !isNotFound(err):
		return removed, err
	}
	attached, err := client.ListAttachedUserPolicies(ctx, &iam.ListAttachedUserPoliciesInput{UserName: aws.String(userName)})
	if err != nil {
		return removed, err
	}
	for _, policy := range attached.AttachedPolicies {
		_, err := client.DetachUserPolicy(ctx, &iam.DetachUserPolicyInput{UserName: aws.String(userName), PolicyArn: policy.PolicyArn})
		if err := ignoreMissing(err); err != nil {
			return removed, err
		}
		removed++
	}
	inline, err := client.ListUserPolicies(ctx, &iam.ListUserPoliciesInput{UserName: aws.String(userName)})
	if err != nil {
		return removed, err
	}
	for _, policyName := range inline.PolicyNames {
		_, err := client.DeleteUserPolicy(ctx, &iam.DeleteUserPolicyInput{UserName: aws.String(userName), PolicyName: aws.String(policyName)})
		if err := ignoreMissing(err); err != nil {
			return removed, err
		}
		removed++
	}
	groups, err := client.ListGroupsForUser(ctx, &iam.ListGroupsForUserInput{UserName: aws.String(userName)})
	if err != nil {
		return removed, err
	}
	for _, group := range groups.Groups {
		_, err := client.RemoveUserFromGroup(ctx, &iam.RemoveUserFromGroupInput{UserName: aws.String(userName), GroupName: group.GroupName})
		if err := ignoreMissing(err); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
