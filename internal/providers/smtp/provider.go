package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net"
	"net/smtp"
	"net/textproto"
	"sort"
	"strconv"
	"time"

	"github.com/lattiq/batchmail/internal/core"
)

// Renderer renders a named local template. SMTP has no stored templates,
// so bodies are rendered here from "<template id>.html" and "<template id>.text".
type Renderer interface {
	Render(templateName string, data interface{}) (string, error)
}

// Provider implements the core.Provider interface for SMTP.
type Provider struct {
	config   core.ProviderSettings
	renderer Renderer
	dialer   net.Dialer
}

// NewProvider creates a new SMTP provider.
func NewProvider(settings core.ProviderSettings, renderer Renderer) (core.Provider, error) {
	host := settings.Get("host")
	if host == "" {
		return nil, core.NewValidationError("host", "SMTP host is required")
	}

	port := settings.Get("port")
	if port == "" {
		return nil, core.NewValidationError("port", "SMTP port is required")
	}

	// Validate port number
	if _, err := strconv.Atoi(port); err != nil {
		return nil, core.NewValidationError("port", "invalid port number: "+port)
	}

	if renderer == nil {
		return nil, core.NewValidationError("templates", "SMTP provider needs a template directory")
	}

	provider := &Provider{
		config:   settings,
		renderer: renderer,
	}

	return provider, nil
}

// Send renders the message template and delivers it over SMTP.
func (p *Provider) Send(ctx context.Context, msg *core.Message) (*core.SendResult, error) {
	host := p.config.Get("host")
	port := p.config.Get("port")

	body, err := p.buildMessage(msg)
	if err != nil {
		return nil, err
	}

	if err := p.deliver(ctx, net.JoinHostPort(host, port), msg.From.Email, msg.To.Email, body); err != nil {
		pe := core.NewRetryableProviderError("smtp", "send_error", "failed to send email: "+err.Error())
		pe.Cause = err
		return nil, pe
	}

	// Generate a simple message ID (SMTP doesn't provide one)
	messageID := fmt.Sprintf("%d@%s", time.Now().UnixNano(), host)

	return &core.SendResult{
		MessageID: messageID,
		Provider:  p.Name(),
		Timestamp: time.Now(),
	}, nil
}

// ValidateConfig validates the provider configuration.
func (p *Provider) ValidateConfig() error {
	if p.config.Get("host") == "" {
		return core.NewValidationError("host", "SMTP host is required")
	}

	port := p.config.Get("port")
	if port == "" {
		return core.NewValidationError("port", "SMTP port is required")
	}

	if _, err := strconv.Atoi(port); err != nil {
		return core.NewValidationError("port", "invalid port number: "+port)
	}

	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "smtp"
}

// deliver runs one SMTP transaction bounded by ctx.
func (p *Provider) deliver(ctx context.Context, addr, from, to string, body []byte) error {
	conn, err := p.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	host := p.config.Get("host")
	client, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return err
	}
	defer client.Close()

	if p.config.Get("tls") == "true" {
		tlsConfig := &tls.Config{
			ServerName:         host,
			InsecureSkipVerify: p.config.Get("tls_skip_verify") == "true", // #nosec G402 -- opt-in for development relays
			MinVersion:         tls.VersionTLS12,
		}
		if err := client.StartTLS(tlsConfig); err != nil {
			return err
		}
	}

	if username, password := p.config.Get("username"), p.config.Get("password"); username != "" && password != "" {
		if err := client.Auth(smtp.PlainAuth("", username, password, host)); err != nil {
			return err
		}
	}

	if err := client.Mail(from); err != nil {
		return err
	}
	if err := client.Rcpt(to); err != nil {
		return err
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}

// buildMessage renders the templates into an RFC 5322 message. With both
// bodies present the message is multipart/alternative, text part first.
func (p *Provider) buildMessage(msg *core.Message) ([]byte, error) {
	htmlBody, err := p.render(msg.TemplateID+".html", msg.TemplateVariables)
	if err != nil {
		return nil, err
	}
	textBody, err := p.render(msg.TemplateID+".text", msg.TemplateVariables)
	if err != nil {
		return nil, err
	}
	if htmlBody == "" && textBody == "" {
		return nil, core.NewProviderError("smtp", "template_not_found", "no template found for "+msg.TemplateID)
	}

	header := textproto.MIMEHeader{}
	for key, value := range msg.Headers {
		header.Set(key, value)
	}
	header.Set("From", msg.From.String())
	header.Set("To", msg.To.String())
	header.Set("Subject", mime.QEncoding.Encode("UTF-8", msg.Subject))
	header.Set("Date", time.Now().Format(time.RFC1123Z))
	header.Set("MIME-Version", "1.0")

	var body bytes.Buffer
	switch {
	case htmlBody != "" && textBody != "":
		mw := multipart.NewWriter(&body)
		header.Set("Content-Type", "multipart/alternative; boundary="+mw.Boundary())
		if err := writePart(mw, "text/plain; charset=UTF-8", textBody); err != nil {
			return nil, err
		}
		if err := writePart(mw, "text/html; charset=UTF-8", htmlBody); err != nil {
			return nil, err
		}
		if err := mw.Close(); err != nil {
			return nil, err
		}
	case htmlBody != "":
		header.Set("Content-Type", "text/html; charset=UTF-8")
		header.Set("Content-Transfer-Encoding", "quoted-printable")
		if err := writeQuoted(&body, htmlBody); err != nil {
			return nil, err
		}
	default:
		header.Set("Content-Type", "text/plain; charset=UTF-8")
		header.Set("Content-Transfer-Encoding", "quoted-printable")
		if err := writeQuoted(&body, textBody); err != nil {
			return nil, err
		}
	}

	var out bytes.Buffer
	keys := make([]string, 0, len(header))
	for key := range header {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		out.WriteString(key + ": " + header.Get(key) + "\r\n")
	}
	out.WriteString("\r\n")
	out.Write(body.Bytes())
	return out.Bytes(), nil
}

func writePart(mw *multipart.Writer, contentType, content string) error {
	part, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {contentType},
		"Content-Transfer-Encoding": {"quoted-printable"},
	})
	if err != nil {
		return err
	}
	return writeQuoted(part, content)
}

func writeQuoted(w io.Writer, content string) error {
	qp := quotedprintable.NewWriter(w)
	if _, err := qp.Write([]byte(content)); err != nil {
		return err
	}
	return qp.Close()
}

// render returns "" for a missing template so either body part may be absent.
func (p *Provider) render(name string, data map[string]any) (string, error) {
	out, err := p.renderer.Render(name, data)
	if errors.Is(err, core.ErrTemplateNotFound) {
		return "", nil
	}
	if err != nil {
		pe := core.NewProviderError("smtp", "template_render", err.Error())
		pe.Cause = err
		return "", pe
	}
	return out, nil
}
