package mailgun

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mailgun/mailgun-go/v4"

	"github.com/lattiq/batchmail/internal/core"
)

const name = "mailgun"

// Provider sends through a Mailgun stored template. Template variables travel
// as X-Mailgun-Variables, so the template reads them as {{subject}} and
// {{unsubscribeId}}.
type Provider struct {
	client   mailgun.Mailgun
	settings core.ProviderSettings
}

// NewProvider creates a new Mailgun provider. Set "base_url" to
// https://api.eu.mailgun.net for EU domains.
func NewProvider(settings core.ProviderSettings) (core.Provider, error) {
	if err := validate(settings); err != nil {
		return nil, err
	}

	client := mailgun.NewMailgun(settings.Get("domain"), settings.Get("api_key"))
	if baseURL := settings.Get("base_url"); baseURL != "" {
		client.SetAPIBase(baseURL)
	}

	return &Provider{client: client, settings: settings}, nil
}

// Send submits one templated message.
func (p *Provider) Send(ctx context.Context, msg *core.Message) (*core.SendResult, error) {
	message, err := newMessage(msg)
	if err != nil {
		return nil, err
	}

	status, id, err := p.client.Send(ctx, message)
	if err != nil {
		return nil, sendError(err)
	}

	return &core.SendResult{
		MessageID: strings.Trim(id, "<>"),
		Provider:  name,
		Timestamp: time.Now(),
		Metadata:  map[string]interface{}{"status": status},
	}, nil
}

func newMessage(msg *core.Message) (*mailgun.Message, error) {
	message := mailgun.NewMessage(msg.From.String(), msg.Subject, "", msg.To.String())
	message.SetTemplate(msg.TemplateID)

	for key, value := range msg.TemplateVariables {
		if err := message.AddTemplateVariable(key, value); err != nil {
			return nil, core.NewProviderError(name, "template_variable", fmt.Sprintf("template variable %s: %v", key, err))
		}
	}
	for key, value := range msg.Headers {
		message.AddHeader(key, value)
	}
	return message, nil
}

// sendError maps a failed call onto a ProviderError. Calls that never got an
// HTTP status, throttling and 5xx responses are retryable.
func sendError(err error) error {
	status := mailgun.GetStatusFromErr(err)

	var pe *core.ProviderError
	switch {
	case status < 0:
		pe = core.NewRetryableProviderError(name, "send_error", err.Error())
	case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		pe = core.NewRetryableProviderError(name, "api_error", err.Error())
		pe.StatusCode = status
	default:
		pe = core.NewProviderError(name, "api_error", err.Error())
		pe.StatusCode = status
	}
	pe.Cause = err
	return pe
}

func validate(settings core.ProviderSettings) error {
	if settings.Get("api_key") == "" {
		return core.NewValidationError("api_key", "Mailgun API key is required")
	}
	if settings.Get("domain") == "" {
		return core.NewValidationError("domain", "Mailgun domain is required")
	}
	return nil
}

// ValidateConfig validates the Mailgun provider configuration.
func (p *Provider) ValidateConfig() error {
	return validate(p.settings)
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return name
}
