package batchmail

import (
	"fmt"
	"net/mail"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Environment keys read by LoadFromEnv.
const (
	EnvProvider          = "MAIL_PROVIDER"
	EnvSendGridAPIKey    = "SENDGRID_API_KEY"
	EnvSendGridBaseURL   = "SENDGRID_BASE_URL"
	EnvFrom              = "SENDGRID_FROM"
	EnvTemplateID        = "SENDGRID_TEMPLATE_ID"
	EnvSubject           = "MAIL_SUBJECT"
	EnvAWSRegion         = "AWS_REGION"
	EnvSESConfigSet      = "SES_CONFIGURATION_SET"
	EnvMailgunAPIKey     = "MAILGUN_API_KEY"
	EnvMailgunDomain     = "MAILGUN_DOMAIN"
	EnvMailgunBaseURL    = "MAILGUN_BASE_URL"
	EnvSMTPHost          = "SMTP_HOST"
	EnvSMTPPort          = "SMTP_PORT"
	EnvSMTPUsername      = "SMTP_USERNAME"
	EnvSMTPPassword      = "SMTP_PASSWORD"
	EnvSMTPTLS           = "SMTP_TLS"
	EnvSMTPTemplateDir   = "SMTP_TEMPLATE_DIR"
	EnvRecipientsPath    = "RECIPIENTS_PATH"
	EnvBouncesPath       = "BOUNCES_PATH"
	EnvFailuresPath      = "FAILURES_PATH"
	EnvConcurrency       = "DISPATCH_CONCURRENCY"
	EnvSendTimeout       = "SEND_TIMEOUT"
	EnvLogLevel          = "LOG_LEVEL"
	EnvLogEnv            = "LOG_ENV"
	EnvMetricsFile       = "METRICS_FILE"
	EnvTracingEnabled    = "TRACING_ENABLED"
	EnvMetricsNamespace  = "METRICS_NAMESPACE"
	defaultEnvFile       = ".env"
	defaultSendTimeout   = "30s"
	defaultLogLevel      = "info"
	defaultLogEnv        = "production"
	defaultProviderValue = string(ProviderSendGrid)
)

// LoadFromEnv loads .env files into the process environment and builds a
// Config from it. With no arguments ./.env is loaded if present; named files
// must exist. Missing required settings are reported as *ValidationError.
func LoadFromEnv(envFiles ...string) (Config, error) {
	if err := LoadEnvFiles(envFiles...); err != nil {
		return Config{}, err
	}
	return ConfigFromViper(NewViper())
}

// LoadEnvFiles loads .env files without overriding variables already set.
func LoadEnvFiles(envFiles ...string) error {
	if len(envFiles) == 0 {
		_ = godotenv.Load(defaultEnvFile)
		return nil
	}
	if err := godotenv.Load(envFiles...); err != nil {
		return fmt.Errorf("loading env file: %w", err)
	}
	return nil
}

// NewViper returns a viper instance that reads the environment and carries
// the defaults for every optional key. Flags may be bound onto it before
// calling ConfigFromViper.
func NewViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault(EnvProvider, defaultProviderValue)
	v.SetDefault(EnvRecipientsPath, DefaultRecipientsPath)
	v.SetDefault(EnvBouncesPath, DefaultBouncesPath)
	v.SetDefault(EnvFailuresPath, DefaultFailuresPath)
	v.SetDefault(EnvConcurrency, 0)
	v.SetDefault(EnvSendTimeout, defaultSendTimeout)
	v.SetDefault(EnvLogLevel, defaultLogLevel)
	v.SetDefault(EnvLogEnv, defaultLogEnv)
	v.SetDefault(EnvTracingEnabled, true)
	v.SetDefault(EnvMetricsNamespace, "batchmail")

	return v
}

// ConfigFromViper builds and validates a Config from v.
func ConfigFromViper(v *viper.Viper) (Config, error) {
	cfg := DefaultConfig()

	cfg.Provider.Type = ProviderType(strings.ToLower(strings.TrimSpace(v.GetString(EnvProvider))))
	cfg.Provider.Timeout = v.GetDuration(EnvSendTimeout)

	settings, err := providerSettings(v, cfg.Provider.Type)
	if err != nil {
		return Config{}, err
	}
	cfg.Provider.Settings = settings

	from := strings.TrimSpace(v.GetString(EnvFrom))
	if from == "" {
		return Config{}, &ValidationError{Field: EnvFrom, Message: "missing sender email address"}
	}
	cfg.Sender.From = parseAddress(from)

	cfg.Sender.TemplateID = strings.TrimSpace(v.GetString(EnvTemplateID))
	if cfg.Sender.TemplateID == "" {
		return Config{}, &ValidationError{Field: EnvTemplateID, Message: "missing template ID"}
	}
	// Subject is optional: ResolvedSubject falls back to DefaultSubject.
	cfg.Sender.Subject = v.GetString(EnvSubject)

	cfg.Sources = SourcesConfig{
		Recipients: v.GetString(EnvRecipientsPath),
		Bounces:    v.GetString(EnvBouncesPath),
		Failures:   v.GetString(EnvFailuresPath),
		Region:     v.GetString(EnvAWSRegion),
	}
	cfg.Dispatch.Concurrency = v.GetInt(EnvConcurrency)
	cfg.Templates.Directory = v.GetString(EnvSMTPTemplateDir)

	cfg.Monitoring.Tracing.Enabled = v.GetBool(EnvTracingEnabled)
	cfg.Monitoring.Metrics.Namespace = v.GetString(EnvMetricsNamespace)
	cfg.Monitoring.Metrics.TextfilePath = v.GetString(EnvMetricsFile)
	cfg.Monitoring.Logging.Level = v.GetString(EnvLogLevel)
	cfg.Monitoring.Logging.Env = v.GetString(EnvLogEnv)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// providerSettings maps the provider's env keys onto its settings and
// reports the first missing required key by its env name.
func providerSettings(v *viper.Viper, pt ProviderType) (ProviderSettings, error) {
	type key struct {
		env      string
		setting  string
		required bool
		missing  string
	}

	var keys []key
	switch pt {
	case ProviderSendGrid:
		keys = []key{
			{EnvSendGridAPIKey, "api_key", true, "missing SendGrid key"},
			{EnvSendGridBaseURL, "base_url", false, ""},
		}
	case ProviderAWSSES:
		keys = []key{
			{EnvAWSRegion, "region", true, "missing AWS region"},
			{EnvSESConfigSet, "configuration_set", false, ""},
		}
	case ProviderMailgun:
		keys = []key{
			{EnvMailgunAPIKey, "api_key", true, "missing Mailgun key"},
			{EnvMailgunDomain, "domain", true, "missing Mailgun domain"},
			{EnvMailgunBaseURL, "base_url", false, ""},
		}
	case ProviderSMTP:
		keys = []key{
			{EnvSMTPHost, "host", true, "missing SMTP host"},
			{EnvSMTPPort, "port", true, "missing SMTP port"},
			{EnvSMTPUsername, "username", false, ""},
			{EnvSMTPPassword, "password", false, ""},
			{EnvSMTPTLS, "tls", false, ""},
		}
	default:
		return nil, &ValidationError{
			Field:   EnvProvider,
			Message: "invalid or unsupported provider type",
			Value:   string(pt),
		}
	}

	settings := ProviderSettings{}
	for _, k := range keys {
		val := strings.TrimSpace(v.GetString(k.env))
		if val == "" {
			if k.required {
				return nil, &ValidationError{Field: k.env, Message: k.missing}
			}
			continue
		}
		settings.Set(k.setting, val)
	}
	return settings, nil
}

// parseAddress accepts "news@example.com" or "News <news@example.com>".
// Anything unparseable is kept verbatim so Validate can report it.
func parseAddress(raw string) Address {
	addr, err := mail.ParseAddress(raw)
	if err != nil {
		return Address{Email: raw}
	}
	return Address{Name: addr.Name, Email: addr.Address}
}
