package batchmail

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name  string
		opts  []Option
		field string
	}{
		{
			name: "valid sendgrid",
			opts: []Option{WithSendGrid("SG.secret")},
		},
		{
			name:  "unknown provider",
			opts:  []Option{WithProvider("postmark", ProviderSettings{})},
			field: "provider.type",
		},
		{
			name:  "missing region",
			opts:  []Option{WithAWSSES("")},
			field: "provider.settings.region",
		},
		{
			name:  "missing mailgun domain",
			opts:  []Option{WithMailgun("key-1", " ")},
			field: "provider.settings.domain",
		},
		{
			name:  "smtp without templates",
			opts:  []Option{WithSMTP("localhost", "25")},
			field: "templates.directory",
		},
		{
			name: "smtp with templates",
			opts: []Option{WithSMTPAuth("localhost", "587", "user", "pass"), WithTemplates("./templates")},
		},
		{
			name:  "zero timeout",
			opts:  []Option{WithSendGrid("SG.secret"), WithTimeout(0)},
			field: "provider.timeout",
		},
		{
			name:  "missing sender",
			opts:  []Option{WithSendGrid("SG.secret"), WithSender("", "d-123", "")},
			field: "sender.from",
		},
		{
			name:  "invalid sender",
			opts:  []Option{WithSendGrid("SG.secret"), WithSender("not-an-address", "d-123", "")},
			field: "sender.from",
		},
		{
			name:  "missing template",
			opts:  []Option{WithSendGrid("SG.secret"), WithSender("news@example.com", " ", "")},
			field: "sender.template_id",
		},
		{
			name:  "negative concurrency",
			opts:  []Option{WithSendGrid("SG.secret"), WithConcurrency(-1)},
			field: "dispatch.concurrency",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(tt.opts...)
			err := cfg.Validate()

			if tt.field == "" {
				assert.NoError(t, err)
				return
			}

			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
			assert.True(t, IsConfigurationError(err))
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ProviderSendGrid, cfg.Provider.Type)
	assert.Equal(t, 30*time.Second, cfg.Provider.Timeout)
	assert.Equal(t, DefaultRecipientsPath, cfg.Sources.Recipients)
	assert.Equal(t, DefaultBouncesPath, cfg.Sources.Bounces)
	assert.Equal(t, DefaultFailuresPath, cfg.Sources.Failures)
	assert.Zero(t, cfg.Dispatch.Concurrency)
	assert.True(t, cfg.Monitoring.Metrics.Enabled)
}

func TestSenderConfig_ResolvedSubject(t *testing.T) {
	assert.Equal(t, "Hello", SenderConfig{Subject: " Hello "}.ResolvedSubject())
	assert.Equal(t, DefaultSubject, SenderConfig{}.ResolvedSubject())
	assert.Equal(t, DefaultSubject, SenderConfig{Subject: "\t"}.ResolvedSubject())
}

func TestWithSources_KeepsUnsetValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Apply(WithSources("s3://lists/june.csv", "", "out/failed.csv"))

	assert.Equal(t, "s3://lists/june.csv", cfg.Sources.Recipients)
	assert.Equal(t, DefaultBouncesPath, cfg.Sources.Bounces)
	assert.Equal(t, "out/failed.csv", cfg.Sources.Failures)
}

func TestProviderType(t *testing.T) {
	for _, pt := range []ProviderType{ProviderAWSSES, ProviderSendGrid, ProviderMailgun, ProviderSMTP} {
		assert.True(t, pt.Valid(), pt.String())
	}
	assert.False(t, ProviderType("").Valid())
	assert.False(t, ProviderType("postmark").Valid())
}
