package awsprovider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/MarkoPoloResearchLab/envpool/pkg/pool"
)

// ErrMissingCredentialsRole is returned when no credentials role is configured.
var ErrMissingCredentialsRole = errors.New("credentials role arn is required")

// STSAPI is the part of the STS client the issuer uses.
type STSAPI interface {
	AssumeRole(ctx context.Context, params *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
}

// CredentialsIssuer hands a ready reservation short-lived credentials of a shared role.
type CredentialsIssuer struct {
	client  STSAPI
	roleARN string
}

// NewCredentialsIssuer validates the role and returns an issuer.
func NewCredentialsIssuer(client STSAPI, roleARN string) (*CredentialsIssuer, error) {
	roleARN = strings.TrimSpace(roleARN)
	if roleARN == "" {
		return nil, ErrMissingCredentialsRole
	}
	return &CredentialsIssuer{client: client, roleARN: roleARN}, nil
}

// IssueCredentials implements pool.CredentialsIssuer.
func (issuer *CredentialsIssuer) IssueCredentials(ctx context.Context, reservation pool.Reservation, _ []pool.AccountID) (*pool.Credentials, error) {
	output, err := issuer.client.AssumeRole(ctx, &sts.AssumeRoleInput{
		RoleArn:         aws.String(issuer.roleARN),
		RoleSessionName: aws.String(SessionName),
		DurationSeconds: aws.Int32(int32(SessionDuration.Seconds())),
	})
	if err != nil {
		return nil, fmt.Errorf("assume role for reservation %s: %w", reservation.ID.String(), err)
	}
	if output.Credentials == nil {
		return nil, fmt.Errorf("assume role for reservation %s: empty credentials", reservation.ID.String())
	}
	return &pool.Credentials{
		AccessKeyID:     aws.ToString(output.Credentials.AccessKeyId),
		SecretAccessKey: aws.ToString(output.Credentials.SecretAccessKey),
		SessionToken:    aws.ToString(output.Credentials.SessionToken),
		Expires:         aws.ToTime(output.Credentials.Expiration).UTC(),
	}, nil
}
