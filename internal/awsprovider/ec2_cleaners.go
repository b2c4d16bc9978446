package awsprovider

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/MarkoPoloResearchLab/envpool/pkg/cleanup"
)

type ec2Opener func(ctx context.Context, scope cleanup.Scope) (EC2API, error)

func vpcCleaner(open ec2Opener) cleanup.Cleaner {
	return &resourceKind[EC2API]{
		descriptor: mustDescriptor(ResourceVpc, ResourceSubnet, ResourceSecurityGroup, ResourceInternetGateway, ResourceRouteTable),
		open:       open,
		list: func(ctx context.Context, client EC2API) ([]cleanup.Resource, error) {
			resources := make([]cleanup.Resource, 0)
			paginator := ec2.NewDescribeVpcsPaginator(client, &ec2.DescribeVpcsInput{})
			for paginator.HasMorePages() {
				page, err := paginator.NextPage(ctx)
				if err != nil {
					return nil, err
				}
				for _, vpc := range page.Vpcs {
					resources = append(resources, cleanup.Resource{ID: aws.ToString(vpc.VpcId), Payload: vpc})
				}
			}
			return resources, nil
		},
		clean: func(ctx context.Context, client EC2API, resource cleanup.Resource) (cleanup.Result, error) {
			_, err := client.DeleteVpc(ctx, &ec2.DeleteVpcInput{VpcId: aws.String(resource.ID)})
			return deleted(resource.ID, err)
		},
	}
}

func subnetCleaner(open ec2Opener) cleanup.Cleaner {
	return &resourceKind[EC2API]{
		descriptor: mustDescriptor(ResourceSubnet, ResourceNetworkAcl, ResourceLoadBalancer),
		open:       open,
		list: func(ctx context.Context, client EC2API) ([]cleanup.Resource, error) {
			resources := make([]cleanup.Resource, 0)
			paginator := ec2.NewDescribeSubnetsPaginator(client, &ec2.DescribeSubnetsInput{})
			for paginator.HasMorePages() {
				page, err := paginator.NextPage(ctx)
				if err != nil {
					return nil, err
				}
				for _, subnet := range page.Subnets {
					resources = append(resources, cleanup.Resource{ID: aws.ToString(subnet.SubnetId), Payload: subnet})
				}
			}
			return resources, nil
		},
		clean: func(ctx context.Context, client EC2API, resource cleanup.Resource) (cleanup.Result, error) {
			_, err := client.DeleteSubnet(ctx, &ec2.DeleteSubnetInput{SubnetId: aws.String(resource.ID)})
			return deleted(resource.ID, err)
		},
	}
}

// securityGroupCleaner skips default groups; they go away with their VPC.
// Rules referencing other groups are revoked first so groups can be deleted in any order.
func securityGroupCleaner(open ec2Opener) cleanup.Cleaner {
	return &resourceKind[EC2API]{
		descriptor: mustDescriptor(ResourceSecurityGroup, ResourceLoadBalancer),
		open:       open,
		list: func(ctx context.Context, client EC2API) ([]cleanup.Resource, error) {
			resources := make([]cleanup.Resource, 0)
			paginator := ec2.NewDescribeSecurityGroupsPaginator(client, &ec2.DescribeSecurityGroupsInput{})
			for paginator.HasMorePages() {
				page, err := paginator.NextPage(ctx)
				if err != nil {
					return nil, err
				}
				for _, group := range page.SecurityGroups {
					if aws.ToString(group.GroupName) == "default" || aws.ToString(group.Description) == "default VPC security group" {
						continue
					}
					resources = append(resources, cleanup.Resource{ID: aws.ToString(group.GroupId), Payload: group})
				}
			}
			return resources, nil
		},
		clean: func(ctx context.Context, client EC2API, resource cleanup.Resource) (cleanup.Result, error) {
			group, _ := resource.Payload.(ec2types.SecurityGroup)
			if references := groupReferences(group.IpPermissions); len(references) > 0 {
				_, err := client.RevokeSecurityGroupIngress(ctx, &ec2.RevokeSecurityGroupIngressInput{
					GroupId:       aws.String(resource.ID),
					IpPermissions: references,
				})
				if err != nil && !isNotFound(err) {
					return cleanup.Result{}, err
				}
				return cleanup.Retry(resource.ID, fmt.Sprintf("revoked %d group-referencing rules", len(references))), nil
			}
			_, err := client.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{GroupId: aws.String(resource.ID)})
			return deleted(resource.ID, err)
		},
		refresh: func(ctx context.Context, client EC2API, resource cleanup.Resource) (cleanup.Resource, bool, error) {
			output, err := client.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{GroupIds: []string{resource.ID}})
			if err != nil {
				return cleanup.Resource{}, false, err
			}
			if len(output.SecurityGroups) == 0 {
				return cleanup.Resource{}, false, nil
			}
			return cleanup.Resource{ID: resource.ID, Payload: output.SecurityGroups[0]}, true, nil
		},
	}
}

func groupReferences(permissions []ec2types.IpPermission) []ec2types.IpPermission {
	references := make([]ec2types.IpPermission, 0)
	for _, permission := range permissions {
		if len(permission.UserIdGroupPairs) == 0 {
			continue
		}
		references = append(references, ec2types.IpPermission{
			IpProtocol:       permission.IpProtocol,
			FromPort:         permission.FromPort,
			ToPort:           permission.ToPort,
			UserIdGroupPairs: permission.UserIdGroupPairs,
		})
	}
	return references
}

// internetGatewayCleaner detaches attached VPCs and asks for a retry; the gateway is
// deleted once a refresh shows no attachment left.
func internetGatewayCleaner(open ec2Opener) cleanup.Cleaner {
	return &resourceKind[EC2API]{
		descriptor: mustDescriptor(ResourceInternetGateway, ResourceElasticIp),
		open:       open,
		list: func(ctx context.Context, client EC2API) ([]cleanup.Resource, error) {
			resources := make([]cleanup.Resource, 0)
			paginator := ec2.NewDescribeInternetGatewaysPaginator(client, &ec2.DescribeInternetGatewaysInput{})
			for paginator.HasMorePages() {
				page, err := paginator.NextPage(ctx)
				if err != nil {
					return nil, err
				}
				for _, gateway := range page.InternetGateways {
					resources = append(resources, cleanup.Resource{ID: aws.ToString(gateway.InternetGatewayId), Payload: gateway})
				}
			}
			return resources, nil
		},
		clean: func(ctx context.Context, client EC2API, resource cleanup.Resource) (cleanup.Result, error) {
			gateway, _ := resource.Payload.(ec2types.InternetGateway)
			pending := 0
			for _, attachment := range gateway.Attachments {
				switch attachment.State {
				case ec2types.AttachmentStatusDetached:
					continue
				case ec2types.AttachmentStatusDetaching:
					pending++
					continue
				}
				pending++
				_, err := client.DetachInternetGateway(ctx, &ec2.DetachInternetGatewayInput{
					InternetGatewayId: aws.String(resource.ID),
					VpcId:             attachment.VpcId,
				})
				if err != nil && !isNotFound(err) {
					return cleanup.Result{}, err
				}
			}
			if pending > 0 {
				return cleanup.Retry(resource.ID, fmt.Sprintf("detaching %d vpcs", pending)), nil
			}
			_, err := client.DeleteInternetGateway(ctx, &ec2.DeleteInternetGatewayInput{InternetGatewayId: aws.String(resource.ID)})
			return deleted(resource.ID, err)
		},
		refresh: func(ctx context.Context, client EC2API, resource cleanup.Resource) (cleanup.Resource, bool, error) {
			output, err := client.DescribeInternetGateways(ctx, &ec2.DescribeInternetGatewaysInput{InternetGatewayIds: []string{resource.ID}})
			if err != nil {
				return cleanup.Resource{}, false, err
			}
			if len(output.InternetGateways) == 0 {
				return cleanup.Resource{}, false, nil
			}
			return cleanup.Resource{ID: resource.ID, Payload: output.InternetGateways[0]}, true, nil
		},
	}
}

// networkAclCleaner skips default ACLs; they go away with their VPC.
func networkAclCleaner(open ec2Opener) cleanup.Cleaner {
	return &resourceKind[EC2API]{
		descriptor: mustDescriptor(ResourceNetworkAcl),
		open:       open,
		list: func(ctx context.Context, client EC2API) ([]cleanup.Resource, error) {
			resources := make([]cleanup.Resource, 0)
			paginator := ec2.NewDescribeNetworkAclsPaginator(client, &ec2.DescribeNetworkAclsInput{})
			for paginator.HasMorePages() {
				page, err := paginator.NextPage(ctx)
				if err != nil {
					return nil, err
				}
				for _, acl := range page.NetworkAcls {
					if aws.ToBool(acl.IsDefault) {
						continue
					}
					resources = append(resources, cleanup.Resource{ID: aws.ToString(acl.NetworkAclId), Payload: acl})
				}
			}
			return resources, nil
		},
		clean: func(ctx context.Context, client EC2API, resource cleanup.Resource) (cleanup.Result, error) {
			_, err := client.DeleteNetworkAcl(ctx, &ec2.DeleteNetworkAclInput{NetworkAclId: aws.String(resource.ID)})
			return deleted(resource.ID, err)
		},
	}
}

// routeTableCleaner skips main route tables; they go away with their VPC.
func routeTableCleaner(open ec2Opener) cleanup.Cleaner {
	return &resourceKind[EC2API]{
		descriptor: mustDescriptor(ResourceRouteTable, ResourceSubnet),
		open:       open,
		list: func(ctx context.Context, client EC2API) ([]cleanup.Resource, error) {
			resources := make([]cleanup.Resource, 0)
			paginator := ec2.NewDescribeRouteTablesPaginator(client, &ec2.DescribeRouteTablesInput{})
			for paginator.HasMorePages() {
				page, err := paginator.NextPage(ctx)
				if err != nil {
					return nil, err
				}
				for _, table := range page.RouteTables {
					if isMainRouteTable(table) {
						continue
					}
					resources = append(resources, cleanup.Resource{ID: aws.ToString(table.RouteTableId), Payload: table})
				}
			}
			return resources, nil
		},
		clean: func(ctx context.Context, client EC2API, resource cleanup.Resource) (cleanup.Result, error) {
			_, err := client.DeleteRouteTable(ctx, &ec2.DeleteRouteTableInput{RouteTableId: aws.String(resource.ID)})
			return deleted(resource.ID, err)
		},
	}
}

func isMainRouteTable(table ec2types.RouteTable) bool {
	for _, association := range table.Associations {
		if aws.ToBool(association.Main) {
			return true
		}
	}
	return false
}

// elasticIpCleaner disassociates an associated address and asks for a retry before releasing it.
func elasticIpCleaner(open ec2Opener) cleanup.Cleaner {
	return &resourceKind[EC2API]{
		descriptor: mustDescriptor(ResourceElasticIp),
		open:       open,
		list: func(ctx context.Context, client EC2API) ([]cleanup.Resource, error) {
			output, err := client.DescribeAddresses(ctx, &ec2.DescribeAddressesInput{})
			if err != nil {
				return nil, err
			}
			resources := make([]cleanup.Resource, 0, len(output.Addresses))
			for _, address := range output.Addresses {
				if address.AllocationId == nil {
					continue
				}
				resources = append(resources, cleanup.Resource{ID: aws.ToString(address.AllocationId), Payload: address})
			}
			return resources, nil
		},
		clean: func(ctx context.Context, client EC2API, resource cleanup.Resource) (cleanup.Result, error) {
			address, _ := resource.Payload.(ec2types.Address)
			if address.AssociationId != nil {
				_, err := client.DisassociateAddress(ctx, &ec2.DisassociateAddressInput{AssociationId: address.AssociationId})
				if err != nil && !isNotFound(err) {
					return cleanup.Result{}, err
				}
				return cleanup.Retry(resource.ID, "disassociated "+aws.ToString(address.AssociationId)), nil
			}
			_, err := client.ReleaseAddress(ctx, &ec2.ReleaseAddressInput{AllocationId: aws.String(resource.ID)})
			return deleted(resource.ID, err)
		},
		refresh: func(ctx context.Context, client EC2API, resource cleanup.Resource) (cleanup.Resource, bool, error) {
			output, err := client.DescribeAddresses(ctx, &ec2.DescribeAddressesInput{AllocationIds: []string{resource.ID}})
			if err != nil {
				return cleanup.Resource{}, false, err
			}
			if len(output.Addresses) == 0 {
				return cleanup.Resource{}, false, nil
			}
			return cleanup.Resource{ID: resource.ID, Payload: output.Addresses[0]}, true, nil
		},
	}
}

// volumeCleaner detaches attached volumes and asks for a retry until the volume is available.
func volumeCleaner(open ec2Opener) cleanup.Cleaner {
	return &resourceKind[EC2API]{
		descriptor: mustDescriptor(ResourceVolume),
		open:       open,
		list: func(ctx context.Context, client EC2API) ([]cleanup.Resource, error) {
			resources := make([]cleanup.Resource, 0)
			paginator := ec2.NewDescribeVolumesPaginator(client, &ec2.DescribeVolumesInput{})
			for paginator.HasMorePages() {
				page, err := paginator.NextPage(ctx)
				if err != nil {
					return nil, err
				}
				for _, volume := range page.Volumes {
					resources = append(resources, cleanup.Resource{ID: aws.ToString(volume.VolumeId), Payload: volume})
				}
			}
			return resources, nil
		},
		clean: func(ctx context.Context, client EC2API, resource cleanup.Resource) (cleanup.Result, error) {
			volume, _ := resource.Payload.(ec2types.Volume)
			switch volume.State {
			case ec2types.VolumeStateDeleting, ec2types.VolumeStateDeleted:
				return cleanup.Success(resource.ID), nil
			case ec2types.VolumeStateInUse:
				for _, attachment := range volume.Attachments {
					if attachment.State != ec2types.VolumeAttachmentStateAttached {
						continue
					}
					_, err := client.DetachVolume(ctx, &ec2.DetachVolumeInput{
						VolumeId:   aws.String(resource.ID),
						InstanceId: attachment.InstanceId,
					})
					if err != nil && !isNotFound(err) {
						return cleanup.Result{}, err
					}
				}
				return cleanup.Retry(resource.ID, "waiting for volume to detach"), nil
			}
			_, err := client.DeleteVolume(ctx, &ec2.DeleteVolumeInput{VolumeId: aws.String(resource.ID)})
			return deleted(resource.ID, err)
		},
		refresh: func(ctx context.Context, client EC2API, resource cleanup.Resource) (cleanup.Resource, bool, error) {
			output, err := client.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{VolumeIds: []string{resource.ID}})
			if err != nil {
				return cleanup.Resource{}, false, err
			}
			if len(output.Volumes) == 0 {
				return cleanup.Resource{}, false, nil
			}
			return cleanup.Resource{ID: resource.ID, Payload: output.Volumes[0]}, true, nil
		},
	}
}
