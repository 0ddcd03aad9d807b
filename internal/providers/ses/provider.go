package ses

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/aws/smithy-go"

	"github.com/lattiq/batchmail/internal/core"
)

const name = "aws_ses"

// throttleCodes are SES error codes worth a later re-run.
var throttleCodes = map[string]bool{
	"Throttling":               true,
	"ThrottlingException":      true,
	"MaxSendingRateExceeded":   true,
	"ServiceUnavailable":       true,
	"InternalFailure":          true,
	"RequestTimeout":           true,
	"TooManyRequestsException": true,
}

// API is the subset of the SES client the provider calls.
type API interface {
	SendTemplatedEmail(ctx context.Context, params *ses.SendTemplatedEmailInput, optFns ...func(*ses.Options)) (*ses.SendTemplatedEmailOutput, error)
}

// Provider sends through SES stored templates. SES templates carry their own
// subject, so the subject travels as a template variable.
type Provider struct {
	client    API
	settings  core.ProviderSettings
	configSet string
}

// NewProvider creates a new AWS SES provider. Credentials come from the
// default chain unless "access_key" and "secret_key" are set.
func NewProvider(settings core.ProviderSettings) (core.Provider, error) {
	if settings.Get("region") == "" {
		return nil, core.NewValidationError("region", "AWS region is required")
	}

	cfg, err := loadAWSConfig(context.Background(), settings)
	if err != nil {
		return nil, err
	}
	return NewWithClient(ses.NewFromConfig(cfg), settings), nil
}

func loadAWSConfig(ctx context.Context, settings core.ProviderSettings) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(settings.Get("region"))}

	if accessKey := settings.Get("access_key"); accessKey != "" {
		secretKey := settings.Get("secret_key")
		if secretKey == "" {
			return aws.Config{}, core.NewValidationError("secret_key", "secret key is required when access key is provided")
		}
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, settings.Get("session_token")),
		))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		pe := core.NewProviderError(name, "config_error", "failed to load AWS config: "+err.Error())
		pe.Cause = err
		return aws.Config{}, pe
	}
	return cfg, nil
}

// NewWithClient creates a provider around an existing SES client.
func NewWithClient(client API, settings core.ProviderSettings) *Provider {
	return &Provider{
		client:    client,
		settings:  settings,
		configSet: settings.Get("configuration_set"),
	}
}

// Send submits one SendTemplatedEmail call.
func (p *Provider) Send(ctx context.Context, msg *core.Message) (*core.SendResult, error) {
	data, err := json.Marshal(msg.TemplateVariables)
	if err != nil {
		return nil, core.NewProviderError(name, "template_data", "failed to encode template data: "+err.Error())
	}

	input := &ses.SendTemplatedEmailInput{
		Source:       aws.String(msg.From.String()),
		Destination:  &types.Destination{ToAddresses: []string{msg.To.String()}},
		Template:     aws.String(msg.TemplateID),
		TemplateData: aws.String(string(data)),
	}
	if p.configSet != "" {
		input.ConfigurationSetName = aws.String(p.configSet)
	}

	output, err := p.client.SendTemplatedEmail(ctx, input)
	if err != nil {
		return nil, sendError(err)
	}

	return &core.SendResult{
		MessageID: aws.ToString(output.MessageId),
		Provider:  name,
		Timestamp: time.Now(),
	}, nil
}

// sendError keeps the SES error code. Rejections (unverified sender, missing
// template) are final; throttling and transport errors are retryable.
func sendError(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		pe := core.NewRetryableProviderError(name, "send_error", "failed to send email: "+err.Error())
		pe.Cause = err
		return pe
	}

	var pe *core.ProviderError
	if throttleCodes[apiErr.ErrorCode()] {
		pe = core.NewRetryableProviderError(name, apiErr.ErrorCode(), apiErr.ErrorMessage())
	} else {
		pe = core.NewProviderError(name, apiErr.ErrorCode(), apiErr.ErrorMessage())
	}
	pe.Cause = err
	return pe
}

// ValidateConfig validates the provider configuration.
func (p *Provider) ValidateConfig() error {
	if p.settings.Get("region") == "" {
		return core.NewValidationError("region", "AWS region is required")
	}
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return name
}
