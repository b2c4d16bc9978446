package awsprovider

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/MarkoPoloResearchLab/envpool/pkg/cleanup"
)

const (
	// Only buckets, roles and secrets carrying this tag belong to the pool's tenants.
	ownershipTagKey   = "test-resource"
	ownershipTagValue = "true"

	defaultBucketRegion = "us-east-1"
	legacyEURegion      = "EU"
)

// regionalS3 pairs an S3 client with the region its session covers. Bucket listing
// is account-wide, so candidates are narrowed to buckets located in that region.
type regionalS3 struct {
	S3API
	region string
}

type s3Opener func(ctx context.Context, scope cleanup.Scope) (regionalS3, error)

func ownershipTag(key *string, value *string) bool {
	return aws.ToString(key) == ownershipTagKey && aws.ToString(value) == ownershipTagValue
}

func bucketRegion(constraint s3types.BucketLocationConstraint) string {
	switch constraint {
	case "":
		return defaultBucketRegion
	case legacyEURegion:
		return "eu-west-1"
	default:
		return string(constraint)
	}
}

// bucketCleaner empties a bucket one listing page at a time and deletes it once empty.
func bucketCleaner(open s3Opener) cleanup.Cleaner {
	return &resourceKind[regionalS3]{
		descriptor: mustDescriptor(ResourceS3Bucket),
		open:       open,
		list: func(ctx context.Context, client regionalS3) ([]cleanup.Resource, error) {
			output, err := client.ListBuckets(ctx, &s3.ListBucketsInput{})
			if err != nil {
				return nil, err
			}
			resources := make([]cleanup.Resource, 0)
			for _, bucket := range output.Buckets {
				owned, err := bucketOwned(ctx, client, aws.ToString(bucket.Name))
				if err != nil {
					return nil, err
				}
				if owned {
					resources = append(resources, cleanup.Resource{ID: aws.ToString(bucket.Name), Payload: bucket})
				}
			}
			return resources, nil
		},
		clean: func(ctx context.Context, client regionalS3, resource cleanup.Resource) (cleanup.Result, error) {
			objects, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{Bucket: aws.String(resource.ID)})
			if err != nil {
				return deleted(resource.ID, err)
			}
			if len(objects.Contents) > 0 {
				identifiers := make([]s3types.ObjectIdentifier, 0, len(objects.Contents))
				for _, object := range objects.Contents {
					identifiers = append(identifiers, s3types.ObjectIdentifier{Key: object.Key})
				}
				output, err := client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
					Bucket: aws.String(resource.ID),
					Delete: &s3types.Delete{Objects: identifiers, Quiet: aws.Bool(true)},
				})
				if err != nil {
					return cleanup.Result{}, err
				}
				if len(output.Errors) > 0 {
					return cleanup.Failure(resource.ID, fmt.Sprintf("could not delete %d objects: %s", len(output.Errors), aws.ToString(output.Errors[0].Message))), nil
				}
				return cleanup.Retry(resource.ID, fmt.Sprintf("deleted %d objects", len(identifiers))), nil
			}
			_, err = client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(resource.ID)})
			return deleted(resource.ID, err)
		},
		refresh: func(ctx context.Context, client regionalS3, resource cleanup.Resource) (cleanup.Resource, bool, error) {
			if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(resource.ID)}); err != nil {
				return cleanup.Resource{}, false, err
			}
			return resource, true, nil
		},
	}
}

// bucketOwned reports whether the bucket lives in the session's region and carries
// the ownership tag. Buckets that vanish or have no tags are not candidates.
func bucketOwned(ctx context.Context, client regionalS3, name string) (bool, error) {
	location, err := client.GetBucketLocation(ctx, &s3.GetBucketLocationInput{Bucket: aws.String(name)})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if bucketRegion(location.LocationConstraint) != client.region {
		return false, nil
	}
	tagging, err := client.GetBucketTagging(ctx, &s3.GetBucketTaggingInput{Bucket: aws.String(name)})
	if err != nil {
		if hasErrorCode(err, "NoSuchTagSet") || isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	for _, tag := range tagging.TagSet {
		if ownershipTag(tag.Key, tag.Value) {
			return true, nil
		}
	}
	return false, nil
}
