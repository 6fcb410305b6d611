// Package awskeys is the AWS access key connection variant. Keys are checked
// with STS GetCallerIdentity, which needs no IAM permissions.
package awskeys

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
	"github.com/lecca-io/connectd/internal/connections"
	"github.com/lecca-io/connectd/internal/connections/schema"
)

const (
	Kind = "aws_access_key"

	FieldAccessKeyID     = "accessKeyId"
	FieldSecretAccessKey = "secretAccessKey"
	FieldSessionToken    = "sessionToken"

	defaultRegion      = "us-east-1"
	defaultHTTPTimeout = 10 * time.Second
)

// CallerIdentityAPI is the slice of the STS client the validate hook uses.
type CallerIdentityAPI interface {
	GetCallerIdentity(context.Context, *sts.GetCallerIdentityInput, ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// ClientFactory builds an STS client for one set of keys.
type ClientFactory func(ctx context.Context, region, accessKeyID, secretAccessKey, sessionToken string) (CallerIdentityAPI, error)

type Options struct {
	ID          string
	Name        string
	Description string
	Version     int
	Region      string

	// Endpoint overrides the STS endpoint, mainly for local stacks.
	Endpoint string
	// NewClient replaces the default STS client construction.
	NewClient ClientFactory
}

func NewDefinition(opts Options) (connections.Definition, error) {
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		return nil, errors.New("aws connection id is required")
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = "AWS Access Key"
	}
	description := strings.TrimSpace(opts.Description)
	if description == "" {
		description = "Connect using an AWS access key pair"
	}
	region := strings.TrimSpace(opts.Region)
	if region == "" {
		region = defaultRegion
	}

	s, err := schema.New(id,
		schema.Field{
			Name:       FieldAccessKeyID,
			Label:      "Access Key ID",
			Kind:       schema.FieldPlain,
			Required:   true,
			Validators: []schema.Validator{schema.MustPattern(`^(AKIA|ASIA)[A-Z0-9]{16}$`)},
		},
		schema.Field{
			Name:       FieldSecretAccessKey,
			Label:      "Secret Access Key",
			Kind:       schema.FieldSecret,
			Required:   true,
			Validators: []schema.Validator{schema.Length(40, 40)},
		},
		schema.Field{Name: FieldSessionToken, Label: "Session Token", Kind: schema.FieldSecret},
	)
	if err != nil {
		return nil, err
	}

	newClient := opts.NewClient
	if newClient == nil {
		newClient = defaultClientFactory(strings.TrimSpace(opts.Endpoint))
	}

	return connections.New(connections.Spec{
		ID:          id,
		Name:        name,
		Description: description,
		Kind:        Kind,
		Version:     opts.Version,
		Schema:      s,
		Expiry:      connections.ExpiryNone,
		Validate: connections.ValidateFunc(func(ctx context.Context, values map[string]string) error {
			client, err := newClient(ctx, region, values[FieldAccessKeyID], values[FieldSecretAccessKey], values[FieldSessionToken])
			if err != nil {
				return connections.UnknownFailure(err)
			}
			_, err = client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
			return classify(err)
		}),
	})
}

func defaultClientFactory(endpoint string) ClientFactory {
	return func(ctx context.Context, region, accessKeyID, secretAccessKey, sessionToken string) (CallerIdentityAPI, error) {
		cfg, err := config.LoadDefaultConfig(ctx,
			config.WithRegion(region),
			config.WithHTTPClient(&http.Client{Timeout: defaultHTTPTimeout}),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				strings.TrimSpace(accessKeyID),
				strings.TrimSpace(secretAccessKey),
				strings.TrimSpace(sessionToken),
			)),
		)
		if err != nil {
			return nil, err
		}
		return sts.NewFromConfig(cfg, func(o *sts.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
		}), nil
	}
}

var invalidCodes = map[string]struct{}{
	"InvalidClientTokenId":        {},
	"SignatureDoesNotMatch":       {},
	"ExpiredToken":                {},
	"UnrecognizedClientException": {},
	"AccessDenied":                {},
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if _, ok := invalidCodes[apiErr.ErrorCode()]; ok {
			return connections.InvalidCredential(fmt.Errorf("sts: %s", apiErr.ErrorCode()))
		}
		if apiErr.ErrorFault() == smithy.FaultServer || apiErr.ErrorCode() == "Throttling" {
			return connections.NetworkFailure(err)
		}
		return connections.UnknownFailure(err)
	}
	return connections.ClassifyAuthError(err)
}
