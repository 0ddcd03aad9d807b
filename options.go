package batchmail

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/lattiq/batchmail/internal/metrics"
)

// Option is a functional option for configuring a Config.
type Option func(*Config)

// Apply runs opts against c in order.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// WithProvider sets the email provider type and its settings.
func WithProvider(providerType ProviderType, settings ProviderSettings) Option {
	return func(c *Config) {
		c.Provider.Type = providerType
		c.Provider.Settings = settings
	}
}

// WithTimeout sets the per-send gateway timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.Provider.Timeout = timeout
	}
}

// WithSender sets the sender address, template and subject.
func WithSender(from, templateID, subject string) Option {
	return func(c *Config) {
		c.Sender.From = Address{Email: from}
		c.Sender.TemplateID = templateID
		c.Sender.Subject = subject
	}
}

// WithSources sets the recipient list, bounce list and failure sink locations.
// Empty values keep the current setting.
func WithSources(recipients, bounces, failures string) Option {
	return func(c *Config) {
		if recipients != "" {
			c.Sources.Recipients = recipients
		}
		if bounces != "" {
			c.Sources.Bounces = bounces
		}
		if failures != "" {
			c.Sources.Failures = failures
		}
	}
}

// WithConcurrency caps in-flight sends. Zero removes the cap.
func WithConcurrency(n int) Option {
	return func(c *Config) {
		c.Dispatch.Concurrency = n
	}
}

// WithTemplates sets the local template directory used by the SMTP provider.
func WithTemplates(directory string) Option {
	return func(c *Config) {
		c.Templates.Directory = directory
	}
}

// WithTracing enables tracing under the given instrumentation name.
func WithTracing(serviceName string) Option {
	return func(c *Config) {
		c.Monitoring.Tracing.Enabled = true
		c.Monitoring.Tracing.ServiceName = serviceName
	}
}

// WithoutTracing disables distributed tracing.
func WithoutTracing() Option {
	return func(c *Config) {
		c.Monitoring.Tracing.Enabled = false
	}
}

// WithMetricsTextfile writes run metrics to path when the run completes.
func WithMetricsTextfile(path string) Option {
	return func(c *Config) {
		c.Monitoring.Metrics.Enabled = true
		c.Monitoring.Metrics.TextfilePath = path
	}
}

// WithoutMetrics disables metrics collection.
func WithoutMetrics() Option {
	return func(c *Config) {
		c.Monitoring.Metrics.Enabled = false
	}
}

// WithLogging configures the log level and environment.
func WithLogging(level, env string) Option {
	return func(c *Config) {
		c.Monitoring.Logging.Level = level
		c.Monitoring.Logging.Env = env
	}
}

// WithAWSSES creates an AWS SES provider configuration.
func WithAWSSES(region string) Option {
	return WithProvider(ProviderAWSSES, ProviderSettings{
		"region": region,
	})
}

// WithAWSSESCredentials creates an AWS SES provider configuration with explicit credentials.
func WithAWSSESCredentials(region, accessKey, secretKey string) Option {
	return WithProvider(ProviderAWSSES, ProviderSettings{
		"region":     region,
		"access_key": accessKey,
		"secret_key": secretKey,
	})
}

// WithSendGrid creates a SendGrid provider configuration.
func WithSendGrid(apiKey string) Option {
	return WithProvider(ProviderSendGrid, ProviderSettings{
		"api_key": apiKey,
	})
}

// WithMailgun creates a Mailgun provider configuration.
func WithMailgun(apiKey, domain string) Option {
	return WithProvider(ProviderMailgun, ProviderSettings{
		"api_key": apiKey,
		"domain":  domain,
	})
}

// WithMailgunEU creates a Mailgun provider configuration for EU region.
func WithMailgunEU(apiKey, domain string) Option {
	return WithProvider(ProviderMailgun, ProviderSettings{
		"api_key":  apiKey,
		"domain":   domain,
		"base_url": "https://api.eu.mailgun.net",
	})
}

// WithSMTP creates an SMTP provider configuration.
func WithSMTP(host, port string) Option {
	return WithProvider(ProviderSMTP, ProviderSettings{
		"host": host,
		"port": port,
	})
}

// WithSMTPAuth creates an SMTP provider configuration with authentication.
func WithSMTPAuth(host, port, username, password string) Option {
	return WithProvider(ProviderSMTP, ProviderSettings{
		"host":     host,
		"port":     port,
		"username": username,
		"password": password,
	})
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets the dispatcher's logger. The default discards everything.
func WithLogger(logger zerolog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// OnComplete registers fn to receive the run summary exactly once, when the
// last recipient resolves. Multiple callbacks run in registration order.
func OnComplete(fn func(Summary)) DispatcherOption {
	return func(d *Dispatcher) {
		if fn != nil {
			d.onComplete = append(d.onComplete, fn)
		}
	}
}

// WithMetrics replaces the dispatcher's metrics collector.
func WithMetrics(m *metrics.DispatchMetrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// withClock overrides time.Now for tests.
func withClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		d.now = now
	}
}
