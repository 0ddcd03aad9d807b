package batchmail

import (
	"strings"
	"time"
)

// DefaultSubject is used when no subject is configured.
const DefaultSubject = "Fallback value - check your env!"

// Default file locations, relative to the working directory.
const (
	DefaultRecipientsPath = "validEmails.csv"
	DefaultBouncesPath    = "bouncedEmails.csv"
	DefaultFailuresPath   = "failedEmails.csv"
)

// Config holds the complete dispatcher configuration.
type Config struct {
	// Provider selects and configures the send gateway.
	Provider ProviderConfig

	// Sender describes what every message in the run looks like.
	Sender SenderConfig

	// Sources locates the input lists and the failure sink.
	Sources SourcesConfig

	// Dispatch controls fan-out.
	Dispatch DispatchConfig

	// Templates contains the local template engine configuration (SMTP only).
	Templates TemplateConfig

	// Monitoring contains observability configuration.
	Monitoring MonitoringConfig
}

// ProviderConfig contains provider-specific settings.
type ProviderConfig struct {
	// Type specifies the email provider to use.
	Type ProviderType

	// Settings are passed through to the provider constructor.
	Settings ProviderSettings

	// Timeout bounds a single gateway call.
	Timeout time.Duration
}

// ProviderType represents the type of email provider.
type ProviderType string

const (
	// ProviderAWSSES represents Amazon Simple Email Service.
	ProviderAWSSES ProviderType = "aws_ses"

	// ProviderSendGrid represents the SendGrid email service.
	ProviderSendGrid ProviderType = "sendgrid"

	// ProviderMailgun represents the Mailgun email service.
	ProviderMailgun ProviderType = "mailgun"

	// ProviderSMTP represents a generic SMTP server.
	ProviderSMTP ProviderType = "smtp"
)

// String returns the string representation of the provider type.
func (pt ProviderType) String() string {
	return string(pt)
}

// Valid checks if the provider type is supported.
func (pt ProviderType) Valid() bool {
	switch pt {
	case ProviderAWSSES, ProviderSendGrid, ProviderMailgun, ProviderSMTP:
		return true
	default:
		return false
	}
}

// requiredSettings lists the provider settings that must be non-empty.
func (pt ProviderType) requiredSettings() []string {
	switch pt {
	case ProviderSendGrid:
		return []string{"api_key"}
	case ProviderAWSSES:
		return []string{"region"}
	case ProviderMailgun:
		return []string{"api_key", "domain"}
	case ProviderSMTP:
		return []string{"host", "port"}
	default:
		return nil
	}
}

// SenderConfig is shared by every message in a run.
type SenderConfig struct {
	// From is the verified sender address.
	From Address

	// TemplateID names the provider-side template (or the local template for SMTP).
	TemplateID string

	// Subject is optional; see ResolvedSubject.
	Subject string
}

// ResolvedSubject returns the configured subject or DefaultSubject.
func (s SenderConfig) ResolvedSubject() string {
	if subject := strings.TrimSpace(s.Subject); subject != "" {
		return subject
	}
	return DefaultSubject
}

// SourcesConfig locates the run's inputs and output. Inputs may be local paths
// or s3://bucket/key URLs.
type SourcesConfig struct {
	Recipients string
	Bounces    string
	Failures   string

	// Region is used for s3:// inputs. Falls back to the AWS default chain.
	Region string
}

// DispatchConfig controls fan-out.
type DispatchConfig struct {
	// Concurrency caps in-flight gateway calls. Zero means unbounded.
	Concurrency int
}

// TemplateConfig contains template engine configuration.
type TemplateConfig struct {
	// Directory is the path to the directory containing email templates.
	Directory string

	// Extension lists the file extensions loaded from Directory.
	Extension []string

	// AllowUnsafeFunctions enables template functions that bypass auto-escaping.
	AllowUnsafeFunctions bool
}

// MonitoringConfig contains observability configuration.
type MonitoringConfig struct {
	Tracing TracingConfig
	Metrics MetricsConfig
	Logging LoggingConfig
}

// TracingConfig contains distributed tracing configuration.
type TracingConfig struct {
	// Enabled indicates whether spans are recorded.
	Enabled bool

	// ServiceName is the instrumentation name used for the tracer.
	ServiceName string
}

// MetricsConfig contains metrics configuration.
type MetricsConfig struct {
	// Enabled indicates whether outcome metrics are collected.
	Enabled bool

	// Namespace is the metrics namespace/prefix.
	Namespace string

	// TextfilePath, when set, receives the metrics at the end of a run.
	TextfilePath string
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the logging level (debug, info, warn, error).
	Level string

	// Env selects console output for "development", JSON otherwise.
	Env string
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Provider: ProviderConfig{
			Type:     ProviderSendGrid,
			Settings: ProviderSettings{},
			Timeout:  30 * time.Second,
		},
		Sources: SourcesConfig{
			Recipients: DefaultRecipientsPath,
			Bounces:    DefaultBouncesPath,
			Failures:   DefaultFailuresPath,
		},
		Templates: TemplateConfig{
			Extension: []string{".html", ".text"},
		},
		Monitoring: MonitoringConfig{
			Tracing: TracingConfig{
				Enabled:     true,
				ServiceName: "batchmail",
			},
			Metrics: MetricsConfig{
				Enabled:   true,
				Namespace: "batchmail",
			},
			Logging: LoggingConfig{
				Level: "info",
				Env:   "production",
			},
		},
	}
}

// Validate checks if the configuration is valid and complete. The returned
// error is a *ValidationError naming the offending setting.
func (c *Config) Validate() error {
	if err := c.validateProvider(); err != nil {
		return err
	}
	return c.validateDispatch()
}

func (c *Config) validateProvider() error {
	if !c.Provider.Type.Valid() {
		return &ValidationError{
			Field:   "provider.type",
			Message: "invalid or unsupported provider type: " + string(c.Provider.Type),
		}
	}

	for _, key := range c.Provider.Type.requiredSettings() {
		if strings.TrimSpace(c.Provider.Settings.Get(key)) == "" {
			return &ValidationError{
				Field:   "provider.settings." + key,
				Message: key + " is required for " + string(c.Provider.Type),
			}
		}
	}

	if c.Provider.Type == ProviderSMTP && c.Templates.Directory == "" {
		return &ValidationError{
			Field:   "templates.directory",
			Message: "smtp provider renders local templates; a template directory is required",
		}
	}

	return nil
}

// validateDispatch covers what the dispatcher itself needs, whichever
// gateway it is handed.
func (c *Config) validateDispatch() error {
	if c.Provider.Timeout <= 0 {
		return &ValidationError{
			Field:   "provider.timeout",
			Message: "timeout must be greater than 0",
		}
	}

	if strings.TrimSpace(c.Sender.From.Email) == "" {
		return &ValidationError{
			Field:   "sender.from",
			Message: "sender address is required",
		}
	}
	if !c.Sender.From.Valid() {
		return &ValidationError{
			Field:   "sender.from",
			Message: "sender address is not a valid email",
			Value:   c.Sender.From.Email,
		}
	}

	if strings.TrimSpace(c.Sender.TemplateID) == "" {
		return &ValidationError{
			Field:   "sender.template_id",
			Message: "template id is required",
		}
	}

	if c.Dispatch.Concurrency < 0 {
		return &ValidationError{
			Field:   "dispatch.concurrency",
			Message: "concurrency must not be negative",
			Value:   c.Dispatch.Concurrency,
		}
	}

	return nil
}
