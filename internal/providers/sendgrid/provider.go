package sendgrid

import (
	"context"
	"fmt"
	"time"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/lattiq/batchmail/internal/core"
)

const sendEndpoint = "/v3/mail/send"

// Provider implements the core.Provider interface for SendGrid dynamic templates.
type Provider struct {
	apiKey string
	host   string
	config core.ProviderSettings
}

// NewProvider creates a new SendGrid provider.
func NewProvider(settings core.ProviderSettings) (core.Provider, error) {
	apiKey := settings.Get("api_key")
	if apiKey == "" {
		return nil, core.NewValidationError("api_key", "SendGrid API key is required")
	}

	provider := &Provider{
		apiKey: apiKey,
		host:   settings.Get("base_url"),
		config: settings,
	}

	return provider, nil
}

// Send sends a single templated email using SendGrid.
func (p *Provider) Send(ctx context.Context, msg *core.Message) (*core.SendResult, error) {
	message := BuildMessage(msg)

	// sendgrid.Client stores the request body on itself, so each send gets its own.
	request := sendgrid.GetRequest(p.apiKey, sendEndpoint, p.host)
	request.Method = "POST"
	client := &sendgrid.Client{Request: request}

	response, err := client.SendWithContext(ctx, message)
	if err != nil {
		pe := core.NewRetryableProviderError("sendgrid", "send_error", "failed to send email: "+err.Error())
		pe.Cause = err
		return nil, pe
	}

	// Check response status
	if response.StatusCode >= 400 {
		pe := core.NewProviderError("sendgrid", "api_error", "SendGrid API error: "+response.Body)
		pe.StatusCode = response.StatusCode
		pe.IsRetryable = response.StatusCode == 429 || response.StatusCode >= 500
		return nil, pe
	}

	// Extract message ID from headers (SendGrid provides X-Message-Id)
	messageID := response.Headers["X-Message-Id"]
	if len(messageID) == 0 {
		messageID = []string{"unknown"}
	}

	return &core.SendResult{
		MessageID: messageID[0],
		Provider:  p.Name(),
		Timestamp: time.Now(),
	}, nil
}

// BuildMessage converts a core message into a SendGrid v3 dynamic-template payload.
func BuildMessage(msg *core.Message) *mail.SGMailV3 {
	message := mail.NewV3Mail()
	message.SetFrom(mail.NewEmail(msg.From.Name, msg.From.Email))
	message.SetTemplateID(msg.TemplateID)
	message.Subject = msg.Subject

	personalization := mail.NewPersonalization()
	personalization.AddTos(mail.NewEmail(msg.To.Name, msg.To.Email))
	personalization.Subject = msg.Subject
	for key, value := range msg.TemplateVariables {
		personalization.SetDynamicTemplateData(key, value)
	}
	for key, value := range msg.Headers {
		personalization.SetHeader(key, value)
	}
	message.AddPersonalizations(personalization)

	return message
}

// ValidateConfig validates the provider configuration.
func (p *Provider) ValidateConfig() error {
	if p.config.Get("api_key") == "" {
		return core.NewValidationError("api_key", "SendGrid API key is required")
	}
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "sendgrid"
}

// String hides the API key from formatted output.
func (p *Provider) String() string {
	return fmt.Sprintf("sendgrid(host=%q)", p.host)
}
