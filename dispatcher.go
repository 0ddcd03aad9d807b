package batchmail

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/semaphore"

	"github.com/lattiq/batchmail/internal/core"
	"github.com/lattiq/batchmail/internal/metrics"
	"github.com/lattiq/batchmail/internal/providers/mailgun"
	"github.com/lattiq/batchmail/internal/providers/sendgrid"
	"github.com/lattiq/batchmail/internal/providers/ses"
	"github.com/lattiq/batchmail/internal/providers/smtp"
)

// Type aliases to re-export core types for the public API.
type (
	Provider             = core.Provider
	ProviderSettings     = core.ProviderSettings
	Address              = core.Address
	Message              = core.Message
	Recipient            = core.Recipient
	FailureRecord        = core.FailureRecord
	ExclusionSet         = core.ExclusionSet
	SendResult           = core.SendResult
	ValidationError      = core.ValidationError
	ProviderError        = core.ProviderError
	SourceReadError      = core.SourceReadError
	MalformedRecordError = core.MalformedRecordError
)

// Constructor and helper functions
var (
	NewExclusionSet             = core.NewExclusionSet
	NormalizeEmail              = core.NormalizeEmail
	FailureFor                  = core.FailureFor
	NewValidationError          = core.NewValidationError
	NewValidationErrorWithValue = core.NewValidationErrorWithValue
	NewProviderError            = core.NewProviderError
	NewRetryableProviderError   = core.NewRetryableProviderError
	IsRetryable                 = core.IsRetryable
)

// OutcomeKind classifies how a recipient resolved.
type OutcomeKind int

const (
	OutcomeSkipped OutcomeKind = iota
	OutcomeSucceeded
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSkipped:
		return metrics.OutcomeSkipped
	case OutcomeSucceeded:
		return metrics.OutcomeSucceeded
	case OutcomeFailed:
		return metrics.OutcomeFailed
	default:
		return "unknown"
	}
}

// Outcome is the resolution of one recipient. Err is a *SendFailure when
// Kind is OutcomeFailed.
type Outcome struct {
	Recipient Recipient
	Kind      OutcomeKind
	Result    *SendResult
	Err       error
}

// Summary describes a finished run.
type Summary struct {
	RunID         string
	Total         int
	Resolved      int
	Skipped       int
	Succeeded     int
	Failed        int
	MalformedRows int
	SinkErrors    int
	Duration      time.Duration
}

// Dispatcher fans a send list out to a gateway, skipping excluded addresses
// and recording failures. All methods are safe for concurrent use.
type Dispatcher struct {
	config     Config
	gateway    Provider
	sink       FailureSink
	logger     zerolog.Logger
	tracer     trace.Tracer
	metrics    *metrics.DispatchMetrics
	sem        *semaphore.Weighted
	onComplete []func(Summary)
	now        func() time.Time
	mu         sync.RWMutex
	closed     bool
}

// New creates the gateway named by config.Provider and a dispatcher around it.
func New(config Config, sink FailureSink, opts ...DispatcherOption) (*Dispatcher, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	gateway, err := NewGateway(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider: %w", err)
	}

	return NewDispatcher(config, gateway, sink, opts...)
}

// NewDispatcher creates a dispatcher that sends through gateway and records
// failures in sink.
func NewDispatcher(config Config, gateway Provider, sink FailureSink, opts ...DispatcherOption) (*Dispatcher, error) {
	if err := config.validateDispatch(); err != nil {
		return nil, err
	}
	if gateway == nil {
		return nil, ErrMissingGateway
	}
	if sink == nil {
		return nil, ErrMissingSink
	}

	d := &Dispatcher{
		config:  config,
		gateway: gateway,
		sink:    sink,
		logger:  zerolog.Nop(),
		now:     time.Now,
	}

	if config.Monitoring.Tracing.Enabled {
		d.tracer = otel.Tracer(config.Monitoring.Tracing.ServiceName)
	} else {
		d.tracer = noop.NewTracerProvider().Tracer("")
	}

	if config.Dispatch.Concurrency > 0 {
		d.sem = semaphore.NewWeighted(int64(config.Dispatch.Concurrency))
	}

	for _, opt := range opts {
		opt(d)
	}

	if d.metrics == nil && config.Monitoring.Metrics.Enabled {
		d.metrics = metrics.New(config.Monitoring.Metrics.Namespace)
	}

	return d, nil
}

// Metrics returns the dispatcher's metrics collector, or nil when disabled.
func (d *Dispatcher) Metrics() *metrics.DispatchMetrics {
	return d.metrics
}

// Run loads the exclusion set, then the send list, then dispatches. The send
// list is not read until the exclusion set has loaded, and a failed exclusion
// load aborts the run before any send.
func (d *Dispatcher) Run(ctx context.Context, exclusions ExclusionSource, recipients RecipientSource) (*Summary, error) {
	if d.isClosed() {
		return nil, ErrDispatcherClosed
	}

	d.logger.Info().Msg("reading bounced email list")
	excluded, err := exclusions.LoadExclusions(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading bounced email list: %w", err)
	}
	d.logger.Info().Int("count", excluded.Len()).Msg("bounced emails read")

	d.logger.Info().Msg("reading send list")
	list, err := recipients.LoadRecipients(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading send list: %w", err)
	}
	for _, m := range list.Malformed {
		d.logger.Warn().Int("line", m.Line).Str("reason", m.Reason).Msg("skipping malformed recipient row")
	}
	d.logger.Info().
		Int("count", len(list.Recipients)).
		Int("malformed", len(list.Malformed)).
		Msg("send list read")

	return d.dispatch(ctx, list.Recipients, excluded, len(list.Malformed))
}

// Dispatch sends to every recipient not in excluded and returns once each
// has resolved. Failed sends are appended to the failure sink before the
// completion callbacks fire. Cancelling ctx resolves recipients not yet
// submitted as failures.
func (d *Dispatcher) Dispatch(ctx context.Context, recipients []Recipient, excluded ExclusionSet) (*Summary, error) {
	if d.isClosed() {
		return nil, ErrDispatcherClosed
	}
	return d.dispatch(ctx, recipients, excluded, 0)
}

func (d *Dispatcher) dispatch(ctx context.Context, recipients []Recipient, excluded ExclusionSet, malformed int) (*Summary, error) {
	summary := &Summary{
		RunID:         uuid.NewString(),
		Total:         len(recipients),
		MalformedRows: malformed,
	}

	ctx, span := d.tracer.Start(ctx, "batchmail.Dispatcher.Dispatch",
		trace.WithAttributes(
			attribute.String("mailer.run_id", summary.RunID),
			attribute.String("mailer.provider", d.gateway.Name()),
			attribute.Int("mailer.recipients", len(recipients)),
			attribute.Int("mailer.excluded", excluded.Len()),
		),
	)
	defer span.End()

	if d.metrics != nil && malformed > 0 {
		d.metrics.MalformedRows.Add(float64(malformed))
	}

	outcomes := make(chan Outcome, len(recipients))
	done := make(chan struct{})
	go d.aggregate(summary, NewTally(len(recipients)), d.now(), outcomes, done)

	logger := d.logger.With().Str("run_id", summary.RunID).Logger()
	var wg sync.WaitGroup

	for _, r := range recipients {
		if excluded.Contains(r.Email) {
			outcomes <- Outcome{Recipient: r, Kind: OutcomeSkipped}
			continue
		}

		if err := d.acquire(ctx); err != nil {
			outcomes <- d.failed(r, err)
			continue
		}

		wg.Add(1)
		go func(r Recipient) {
			defer wg.Done()
			defer d.release()
			outcomes <- d.send(ctx, logger, r)
		}(r)
	}

	wg.Wait()
	close(outcomes)
	<-done

	span.SetAttributes(
		attribute.Int("mailer.succeeded", summary.Succeeded),
		attribute.Int("mailer.failed", summary.Failed),
		attribute.Int("mailer.skipped", summary.Skipped),
	)
	if summary.Failed > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d/%d sends failed", summary.Failed, summary.Total))
	} else {
		span.SetStatus(codes.Ok, "dispatch completed")
	}

	if path := d.config.Monitoring.Metrics.TextfilePath; d.metrics != nil && path != "" {
		if err := d.metrics.WriteTextfile(path); err != nil {
			d.logger.Error().Err(err).Str("path", path).Msg("failed to write metrics textfile")
		}
	}

	return summary, nil
}

// acquire waits for a send slot. With no concurrency cap it only checks ctx.
func (d *Dispatcher) acquire(ctx context.Context) error {
	if d.sem == nil {
		return ctx.Err()
	}
	return d.sem.Acquire(ctx, 1)
}

func (d *Dispatcher) release() {
	if d.sem != nil {
		d.sem.Release(1)
	}
}

// send performs one gateway call. It never touches shared run state; the
// outcome goes back to the aggregator.
func (d *Dispatcher) send(ctx context.Context, logger zerolog.Logger, r Recipient) Outcome {
	ctx, span := d.tracer.Start(ctx, "batchmail.Dispatcher.send",
		trace.WithAttributes(
			attribute.String("mailer.to", r.Email),
			attribute.String("mailer.provider", d.gateway.Name()),
		),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, d.config.Provider.Timeout)
	defer cancel()

	if d.metrics != nil {
		d.metrics.InFlight.Inc()
		defer d.metrics.InFlight.Dec()
	}

	start := d.now()
	result, err := d.gateway.Send(ctx, d.message(r))
	duration := d.now().Sub(start)

	if d.metrics != nil {
		d.metrics.ObserveSend(d.gateway.Name(), duration)
	}
	span.SetAttributes(attribute.Int64("mailer.provider.duration_ms", duration.Milliseconds()))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		logger.Debug().Err(err).Str("email", r.Email).Dur("duration", duration).Msg("gateway call returned error")
		return d.failed(r, err)
	}

	if result != nil {
		span.SetAttributes(attribute.String("mailer.message_id", result.MessageID))
	}
	span.SetStatus(codes.Ok, "email sent successfully")
	return Outcome{Recipient: r, Kind: OutcomeSucceeded, Result: result}
}

func (d *Dispatcher) failed(r Recipient, err error) Outcome {
	return Outcome{Recipient: r, Kind: OutcomeFailed, Err: &SendFailure{Email: r.Email, Cause: err}}
}

// message builds the templated message for one recipient.
func (d *Dispatcher) message(r Recipient) *Message {
	subject := d.config.Sender.ResolvedSubject()
	return &Message{
		From:       d.config.Sender.From,
		To:         Address{Email: r.Email},
		Subject:    subject,
		TemplateID: d.config.Sender.TemplateID,
		TemplateVariables: map[string]any{
			core.VarSubject:       subject,
			core.VarUnsubscribeID: r.UnsubscribeID,
		},
	}
}

// aggregate is the only reader of outcomes and the only writer of summary,
// tally and the failure sink for this run.
func (d *Dispatcher) aggregate(summary *Summary, tally *Tally, start time.Time, outcomes <-chan Outcome, done chan<- struct{}) {
	defer close(done)

	logger := d.logger.With().
		Str("run_id", summary.RunID).
		Str("provider", d.gateway.Name()).
		Logger()

	if tally.Complete() {
		d.complete(logger, summary, tally, start)
	}

	for o := range outcomes {
		d.record(logger, summary, o)

		last, err := tally.Resolve()
		if err != nil {
			logger.Error().Err(err).Str("email", o.Recipient.Email).Msg("outcome dropped")
			continue
		}
		if last {
			d.complete(logger, summary, tally, start)
		}
	}
}

func (d *Dispatcher) record(logger zerolog.Logger, summary *Summary, o Outcome) {
	switch o.Kind {
	case OutcomeSkipped:
		summary.Skipped++
		logger.Info().Str("email", o.Recipient.Email).Msg("message send skipped")

	case OutcomeSucceeded:
		summary.Succeeded++
		ev := logger.Info().Str("email", o.Recipient.Email)
		if o.Result != nil && o.Result.MessageID != "" {
			ev = ev.Str("message_id", o.Result.MessageID)
		}
		ev.Msg("message send success")

	case OutcomeFailed:
		summary.Failed++
		logger.Error().Err(o.Err).Str("email", o.Recipient.Email).Msg("message send failed")

		if err := d.sink.Append(FailureFor(o.Recipient)); err != nil {
			summary.SinkErrors++
			if d.metrics != nil {
				d.metrics.SinkErrors.Inc()
			}
			logger.Error().Err(err).Str("email", o.Recipient.Email).Msg("failed to record send failure")
		}
	}

	if d.metrics != nil {
		d.metrics.ObserveOutcome(d.gateway.Name(), o.Kind.String())
	}
}

func (d *Dispatcher) complete(logger zerolog.Logger, summary *Summary, tally *Tally, start time.Time) {
	summary.Resolved = tally.Resolved()
	summary.Duration = d.now().Sub(start)

	logger.Info().
		Int("total", summary.Total).
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Int("skipped", summary.Skipped).
		Int("malformed", summary.MalformedRows).
		Dur("duration", summary.Duration).
		Msg("sending complete")

	for _, fn := range d.onComplete {
		fn(*summary)
	}
}

// Close marks the dispatcher closed. It does not close the failure sink,
// which belongs to the caller.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
	return nil
}

func (d *Dispatcher) isClosed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.closed
}

// NewGateway creates the send gateway named by config.Provider.Type.
func NewGateway(config Config) (Provider, error) {
	if err := config.validateProvider(); err != nil {
		return nil, err
	}
	return createProvider(config)
}

// createProvider creates a provider instance based on type and settings.
func createProvider(config Config) (Provider, error) {
	settings := config.Provider.Settings
	switch config.Provider.Type {
	case ProviderAWSSES:
		return ses.NewProvider(settings)
	case ProviderSendGrid:
		return sendgrid.NewProvider(settings)
	case ProviderMailgun:
		return mailgun.NewProvider(settings)
	case ProviderSMTP:
		engine, err := NewTemplateEngine(config.Templates)
		if err != nil {
			return nil, fmt.Errorf("failed to create template engine: %w", err)
		}
		return smtp.NewProvider(settings, engine)
	default:
		return nil, fmt.Errorf("unsupported provider type: %s", config.Provider.Type)
	}
}
