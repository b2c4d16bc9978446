package awsprovider

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/MarkoPoloResearchLab/envpool/pkg/cleanup"
)

// Log groups under this prefix belong to AWS services.
const awsLogGroupPrefix = "/aws/"

type (
	secretsOpener func(ctx context.Context, scope cleanup.Scope) (SecretsAPI, error)
	logsOpener    func(ctx context.Context, scope cleanup.Scope) (LogsAPI, error)
	snsOpener     func(ctx context.Context, scope cleanup.Scope) (SNSAPI, error)
	sqsOpener     func(ctx context.Context, scope cleanup.Scope) (SQSAPI, error)
	ssmOpener     func(ctx context.Context, scope cleanup.Scope) (SSMAPI, error)
)

// secretCleaner deletes tagged secrets without a recovery window.
func secretCleaner(open secretsOpener) cleanup.Cleaner {
	return &resourceKind[SecretsAPI]{
		descriptor: mustDescriptor(ResourceSecret),
		open:       open,
		list: func(ctx context.Context, client SecretsAPI) ([]cleanup.Resource, error) {
			resources := make([]cleanup.Resource, 0)
			paginator := secretsmanager.NewListSecretsPaginator(client, &secretsmanager.ListSecretsInput{})
			for paginator.HasMorePages() {
				page, err := paginator.NextPage(ctx)
				if err != nil {
					return nil, err
				}
				for _, secret := range page.SecretList {
					for _, tag := range secret.Tags {
						if ownershipTag(tag.Key, tag.Value) {
							resources = append(resources, cleanup.Resource{ID: aws.ToString(secret.ARN), Payload: secret})
							break
						}
					}
				}
			}
			return resources, nil
		},
		clean: func(ctx context.Context, client SecretsAPI, resource cleanup.Resource) (cleanup.Result, error) {
			_, err := client.DeleteSecret(ctx, &secretsmanager.DeleteSecretInput{
				SecretId:                   aws.String(resource.ID),
				ForceDeleteWithoutRecovery: aws.Bool(true),
			})
			return deleted(resource.ID, err)
		},
	}
}

func logGroupCleaner(open logsOpener) cleanup.Cleaner {
	return &resourceKind[LogsAPI]{
		descriptor: mustDescriptor(ResourceLogGroup),
		open:       open,
		list: func(ctx context.Context, client LogsAPI) ([]cleanup.Resource, error) {
			resources := make([]cleanup.Resource, 0)
			paginator := cloudwatchlogs.NewDescribeLogGroupsPaginator(client, &cloudwatchlogs.DescribeLogGroupsInput{})
			for paginator.HasMorePages() {
				page, err := paginator.NextPage(ctx)
				if err != nil {
					return nil, err
				}
				for _, group := range page.LogGroups {
					name := aws.ToString(group.LogGroupName)
					if strings.HasPrefix(name, awsLogGroupPrefix) {
						continue
					}
					resources = append(resources, cleanup.Resource{ID: name, Payload: group})
				}
			}
			return resources, nil
		},
		clean: func(ctx context.Context, client LogsAPI, resource cleanup.Resource) (cleanup.Result, error) {
			_, err := client.DeleteLogGroup(ctx, &cloudwatchlogs.DeleteLogGroupInput{LogGroupName: aws.String(resource.ID)})
			return deleted(resource.ID, err)
		},
	}
}

func topicCleaner(open snsOpener) cleanup.Cleaner {
	return &resourceKind[SNSAPI]{
		descriptor: mustDescriptor(ResourceSnsTopic),
		open:       open,
		list: func(ctx context.Context, client SNSAPI) ([]cleanup.Resource, error) {
			resources := make([]cleanup.Resource, 0)
			paginator := sns.NewListTopicsPaginator(client, &sns.ListTopicsInput{})
			for paginator.HasMorePages() {
				page, err := paginator.NextPage(ctx)
				if err != nil {
					return nil, err
				}
				for _, topic := range page.Topics {
					resources = append(resources, cleanup.Resource{ID: aws.ToString(topic.TopicArn), Payload: topic})
				}
			}
			return resources, nil
		},
		clean: func(ctx context.Context, client SNSAPI, resource cleanup.Resource) (cleanup.Result, error) {
			_, err := client.DeleteTopic(ctx, &sns.DeleteTopicInput{TopicArn: aws.String(resource.ID)})
			return deleted(resource.ID, err)
		},
	}
}

func queueCleaner(open sqsOpener) cleanup.Cleaner {
	return &resourceKind[SQSAPI]{
		descriptor: mustDescriptor(ResourceSqsQueue),
		open:       open,
		list: func(ctx context.Context, client SQSAPI) ([]cleanup.Resource, error) {
			resources := make([]cleanup.Resource, 0)
			paginator := sqs.NewListQueuesPaginator(client, &sqs.ListQueuesInput{})
			for paginator.HasMorePages() {
				page, err := paginator.NextPage(ctx)
				if err != nil {
					return nil, err
				}
				for _, queueURL := range page.QueueUrls {
					resources = append(resources, cleanup.Resource{ID: queueURL, Payload: queueURL})
				}
			}
			return resources, nil
		},
		clean: func(ctx context.Context, client SQSAPI, resource cleanup.Resource) (cleanup.Result, error) {
			_, err := client.DeleteQueue(ctx, &sqs.DeleteQueueInput{QueueUrl: aws.String(resource.ID)})
			return deleted(resource.ID, err)
		},
	}
}

func parameterCleaner(open ssmOpener) cleanup.Cleaner {
	return &resourceKind[SSMAPI]{
		descriptor: mustDescriptor(ResourceSsmParameter),
		open:       open,
		list: func(ctx context.Context, client SSMAPI) ([]cleanup.Resource, error) {
			resources := make([]cleanup.Resource, 0)
			paginator := ssm.NewDescribeParametersPaginator(client, &ssm.DescribeParametersInput{})
			for paginator.HasMorePages() {
				page, err := paginator.NextPage(ctx)
				if err != nil {
					return nil, err
				}
				for _, parameter := range page.Parameters {
					resources = append(resources, cleanup.Resource{ID: aws.ToString(parameter.Name), Payload: parameter})
				}
			}
			return resources, nil
		},
		clean: func(ctx context.Context, client SSMAPI, resource cleanup.Resource) (cleanup.Result, error) {
			_, err := client.DeleteParameter(ctx, &ssm.DeleteParameterInput{Name: aws.String(resource.ID)})
			return deleted(resource.ID, err)
		},
	}
}
