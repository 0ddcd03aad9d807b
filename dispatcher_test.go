package batchmail

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGateway struct {
	fail  map[string]error
	delay time.Duration

	mu       sync.Mutex
	sent     []*Message
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (g *fakeGateway) Send(ctx context.Context, msg *Message) (*SendResult, error) {
	n := g.inFlight.Add(1)
	defer g.inFlight.Add(-1)
	for {
		m := g.maxSeen.Load()
		if n <= m || g.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}

	g.mu.Lock()
	g.sent = append(g.sent, msg)
	g.mu.Unlock()

	if g.delay > 0 {
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := g.fail[msg.To.Email]; err != nil {
		return nil, err
	}
	return &SendResult{MessageID: "id-" + msg.To.Email, Provider: "fake"}, nil
}

func (g *fakeGateway) ValidateConfig() error { return nil }
func (g *fakeGateway) Name() string          { return "fake" }

func (g *fakeGateway) sentTo() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.sent))
	for _, m := range g.sent {
		out = append(out, m.To.Email)
	}
	return out
}

type memSink struct {
	mu      sync.Mutex
	records []FailureRecord
	err     error
}

func (s *memSink) Append(rec FailureRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *memSink) emails() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.Email)
	}
	return out
}

func testConfig(opts ...Option) Config {
	cfg := DefaultConfig()
	cfg.Apply(
		WithSender("news@example.com", "d-123", "June update"),
		WithoutTracing(),
		WithoutMetrics(),
	)
	cfg.Apply(opts...)
	return cfg
}

func newTestDispatcher(t *testing.T, cfg Config, gw Provider, sink FailureSink, opts ...DispatcherOption) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(cfg, gw, sink, opts...)
	require.NoError(t, err)
	return d
}

func recipientsN(n int) []Recipient {
	rs := make([]Recipient, n)
	for i := range rs {
		rs[i] = Recipient{Email: fmt.Sprintf("user%d@example.com", i), UnsubscribeID: fmt.Sprintf("u%d", i)}
	}
	return rs
}

func TestDispatch_ResolvesEveryRecipientOnce(t *testing.T) {
	for _, n := range []int{0, 1, 25} {
		t.Run(fmt.Sprintf("%d recipients", n), func(t *testing.T) {
			var calls atomic.Int32
			var got Summary
			d := newTestDispatcher(t, testConfig(), &fakeGateway{}, &memSink{},
				OnComplete(func(s Summary) {
					calls.Add(1)
					got = s
				}),
			)

			summary, err := d.Dispatch(context.Background(), recipientsN(n), nil)
			require.NoError(t, err)

			assert.Equal(t, int32(1), calls.Load())
			assert.Equal(t, n, summary.Total)
			assert.Equal(t, n, summary.Resolved)
			assert.Equal(t, n, summary.Succeeded)
			assert.Equal(t, summary.Resolved, got.Resolved)
			assert.NotEmpty(t, summary.RunID)
		})
	}
}

func TestDispatch_OnCompleteRunsInOrder(t *testing.T) {
	var order []string
	d := newTestDispatcher(t, testConfig(), &fakeGateway{}, &memSink{},
		OnComplete(func(Summary) { order = append(order, "first") }),
		OnComplete(nil),
		OnComplete(func(Summary) { order = append(order, "second") }),
	)

	_, err := d.Dispatch(context.Background(), recipientsN(3), nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"first", "second"}, order)
}

func TestDispatch_SkipsExcludedAddresses(t *testing.T) {
	gw := &fakeGateway{}
	sink := &memSink{}
	d := newTestDispatcher(t, testConfig(), gw, sink)

	rs := []Recipient{
		{Email: "keep@example.com", UnsubscribeID: "1"},
		{Email: "bounced@example.com", UnsubscribeID: "2"},
		{Email: " Also.Bounced@Example.com ", UnsubscribeID: "3"},
	}
	excluded := NewExclusionSet("BOUNCED@example.com", "also.bounced@example.com")

	summary, err := d.Dispatch(context.Background(), rs, excluded)
	require.NoError(t, err)

	assert.Equal(t, []string{"keep@example.com"}, gw.sentTo())
	assert.Equal(t, 2, summary.Skipped)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 3, summary.Resolved)
	assert.Empty(t, sink.emails())
}

func TestDispatch_RecordsEachFailureOnce(t *testing.T) {
	gw := &fakeGateway{fail: map[string]error{
		"user1@example.com": errors.New("rejected"),
		"user3@example.com": NewRetryableProviderError("fake", "api_error", "unavailable"),
	}}
	sink := &memSink{}
	d := newTestDispatcher(t, testConfig(), gw, sink)

	summary, err := d.Dispatch(context.Background(), recipientsN(5), NewExclusionSet("user4@example.com"))
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Failed)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 1, summary.Skipped)
	assert.ElementsMatch(t, []string{"user1@example.com", "user3@example.com"}, sink.emails())

	sink.mu.Lock()
	defer sink.mu.Unlock()
	for _, rec := range sink.records {
		assert.Equal(t, "u"+rec.Email[4:5], rec.UnsubscribeID)
	}
}

func TestDispatch_MessageVariables(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		want    string
	}{
		{"configured subject", "June update", "June update"},
		{"fallback subject", "", DefaultSubject},
		{"blank subject", "   ", DefaultSubject},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := &fakeGateway{}
			cfg := testConfig(WithSender("news@example.com", "d-123", tt.subject))
			d := newTestDispatcher(t, cfg, gw, &memSink{})

			_, err := d.Dispatch(context.Background(), []Recipient{{Email: "a@example.com", UnsubscribeID: "unsub-a"}}, nil)
			require.NoError(t, err)

			require.Len(t, gw.sent, 1)
			msg := gw.sent[0]
			assert.Equal(t, "news@example.com", msg.From.Email)
			assert.Equal(t, "a@example.com", msg.To.Email)
			assert.Equal(t, "d-123", msg.TemplateID)
			assert.Equal(t, tt.want, msg.Subject)
			assert.Equal(t, tt.want, msg.Variable("subject"))
			assert.Equal(t, "unsub-a", msg.Variable("unsubscribeId"))
		})
	}
}

func TestDispatch_TimeoutIsFailure(t *testing.T) {
	gw := &fakeGateway{delay: time.Second}
	sink := &memSink{}
	d := newTestDispatcher(t, testConfig(WithTimeout(20*time.Millisecond)), gw, sink)

	summary, err := d.Dispatch(context.Background(), recipientsN(3), nil)
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Failed)
	assert.Len(t, sink.emails(), 3)
}

func TestDispatch_CancelledContextFailsUnsentRecipients(t *testing.T) {
	gw := &fakeGateway{}
	sink := &memSink{}
	d := newTestDispatcher(t, testConfig(), gw, sink)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := d.Dispatch(ctx, recipientsN(4), NewExclusionSet("user0@example.com"))
	require.NoError(t, err)

	assert.Empty(t, gw.sentTo())
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 3, summary.Failed)
	assert.Equal(t, 4, summary.Resolved)
	assert.ElementsMatch(t, []string{"user1@example.com", "user2@example.com", "user3@example.com"}, sink.emails())
}

func TestDispatch_ConcurrencyCap(t *testing.T) {
	gw := &fakeGateway{delay: 10 * time.Millisecond}
	d := newTestDispatcher(t, testConfig(WithConcurrency(3)), gw, &memSink{})

	summary, err := d.Dispatch(context.Background(), recipientsN(20), nil)
	require.NoError(t, err)

	assert.Equal(t, 20, summary.Succeeded)
	assert.LessOrEqual(t, gw.maxSeen.Load(), int32(3))
}

func TestDispatch_SinkErrorDoesNotAbort(t *testing.T) {
	gw := &fakeGateway{fail: map[string]error{
		"user0@example.com": errors.New("rejected"),
		"user1@example.com": errors.New("rejected"),
	}}
	sink := &memSink{err: os.ErrClosed}
	d := newTestDispatcher(t, testConfig(), gw, sink)

	summary, err := d.Dispatch(context.Background(), recipientsN(3), nil)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Failed)
	assert.Equal(t, 2, summary.SinkErrors)
	assert.Equal(t, 3, summary.Resolved)
}

func TestDispatch_Duration(t *testing.T) {
	var mu sync.Mutex
	clock := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		ts := clock
		clock = clock.Add(5 * time.Second)
		return ts
	}
	d := newTestDispatcher(t, testConfig(), &fakeGateway{}, &memSink{}, withClock(now))

	// Only skipped recipients, so the clock is read at start and at completion.
	summary, err := d.Dispatch(context.Background(),
		[]Recipient{{Email: "a@example.com"}}, NewExclusionSet("a@example.com"))
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, summary.Duration)
}

func TestDispatch_Metrics(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batchmail.prom")
	cfg := testConfig(WithMetricsTextfile(path))
	gw := &fakeGateway{fail: map[string]error{"user1@example.com": errors.New("rejected")}}
	d := newTestDispatcher(t, cfg, gw, &memSink{})
	require.NotNil(t, d.Metrics())

	_, err := d.Dispatch(context.Background(), recipientsN(4), NewExclusionSet("user0@example.com"))
	require.NoError(t, err)

	m := d.Metrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Outcomes.WithLabelValues("fake", "skipped")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Outcomes.WithLabelValues("fake", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Outcomes.WithLabelValues("fake", "failed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.InFlight))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "batchmail_dispatch_recipients_total")
}

func TestDispatch_WithTracingEnabled(t *testing.T) {
	cfg := testConfig(WithTracing("batchmail-test"))
	d := newTestDispatcher(t, cfg, &fakeGateway{}, &memSink{})

	summary, err := d.Dispatch(context.Background(), recipientsN(2), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Succeeded)
}

func TestRun_ReadsExclusionsBeforeRecipients(t *testing.T) {
	gw := &fakeGateway{}
	d := newTestDispatcher(t, testConfig(), gw, &memSink{})

	release := make(chan struct{})
	started := make(chan struct{})
	var recipientsLoaded atomic.Bool

	exclusions := ExclusionFunc(func(ctx context.Context) (ExclusionSet, error) {
		close(started)
		<-release
		return NewExclusionSet("user1@example.com"), nil
	})
	list := RecipientFunc(func(ctx context.Context) (*RecipientList, error) {
		recipientsLoaded.Store(true)
		return &RecipientList{Recipients: recipientsN(3)}, nil
	})

	type result struct {
		summary *Summary
		err     error
	}
	done := make(chan result, 1)
	go func() {
		s, err := d.Run(context.Background(), exclusions, list)
		done <- result{s, err}
	}()

	<-started
	time.Sleep(20 * time.Millisecond)
	assert.False(t, recipientsLoaded.Load())
	assert.Empty(t, gw.sentTo())

	close(release)
	res := <-done
	require.NoError(t, res.err)

	assert.True(t, recipientsLoaded.Load())
	assert.Equal(t, 1, res.summary.Skipped)
	assert.Equal(t, 2, res.summary.Succeeded)
	assert.NotContains(t, gw.sentTo(), "user1@example.com")
}

func TestRun_ExclusionLoadErrorAborts(t *testing.T) {
	gw := &fakeGateway{}
	var completed, recipientsLoaded atomic.Bool
	d := newTestDispatcher(t, testConfig(), gw, &memSink{},
		OnComplete(func(Summary) { completed.Store(true) }))

	cause := &SourceReadError{Source: "bounces", Path: "bouncedEmails.csv", Cause: io.ErrUnexpectedEOF}
	exclusions := ExclusionFunc(func(context.Context) (ExclusionSet, error) { return nil, cause })
	list := RecipientFunc(func(context.Context) (*RecipientList, error) {
		recipientsLoaded.Store(true)
		return &RecipientList{Recipients: recipientsN(2)}, nil
	})

	summary, err := d.Run(context.Background(), exclusions, list)

	assert.Nil(t, summary)
	var sre *SourceReadError
	require.ErrorAs(t, err, &sre)
	assert.Equal(t, "bounces", sre.Source)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.False(t, recipientsLoaded.Load())
	assert.False(t, completed.Load())
	assert.Empty(t, gw.sentTo())
}

func TestRun_RecipientLoadErrorAborts(t *testing.T) {
	gw := &fakeGateway{}
	d := newTestDispatcher(t, testConfig(), gw, &memSink{})

	list := RecipientFunc(func(context.Context) (*RecipientList, error) {
		return nil, &SourceReadError{Source: "recipients", Cause: io.ErrUnexpectedEOF}
	})

	_, err := d.Run(context.Background(), StaticExclusions(nil), list)

	var sre *SourceReadError
	require.ErrorAs(t, err, &sre)
	assert.Equal(t, "recipients", sre.Source)
	assert.Empty(t, gw.sentTo())
}

func TestRun_CountsMalformedRows(t *testing.T) {
	d := newTestDispatcher(t, testConfig(), &fakeGateway{}, &memSink{})

	list := RecipientFunc(func(context.Context) (*RecipientList, error) {
		return &RecipientList{
			Recipients: recipientsN(2),
			Malformed: []*MalformedRecordError{
				{Line: 3, Reason: "expected 2 fields, got 1"},
				{Line: 5, Reason: "empty email"},
			},
		}, nil
	})

	summary, err := d.Run(context.Background(), StaticExclusions(NewExclusionSet()), list)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.MalformedRows)
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 2, summary.Succeeded)
}

func TestRun_StaticSources(t *testing.T) {
	gw := &fakeGateway{}
	d := newTestDispatcher(t, testConfig(), gw, &memSink{})

	summary, err := d.Run(context.Background(),
		StaticExclusions(NewExclusionSet("b@example.com")),
		StaticRecipients(Recipient{Email: "a@example.com"}, Recipient{Email: "b@example.com"}),
	)
	require.NoError(t, err)

	assert.Equal(t, []string{"a@example.com"}, gw.sentTo())
	assert.Equal(t, 1, summary.Skipped)
}

func TestDispatcher_Closed(t *testing.T) {
	d := newTestDispatcher(t, testConfig(), &fakeGateway{}, &memSink{})
	require.NoError(t, d.Close())

	_, err := d.Dispatch(context.Background(), recipientsN(1), nil)
	assert.ErrorIs(t, err, ErrDispatcherClosed)

	_, err = d.Run(context.Background(), StaticExclusions(nil), StaticRecipients())
	assert.ErrorIs(t, err, ErrDispatcherClosed)
}

func TestNewDispatcher_Validation(t *testing.T) {
	_, err := NewDispatcher(testConfig(), nil, &memSink{})
	assert.ErrorIs(t, err, ErrMissingGateway)

	_, err = NewDispatcher(testConfig(), &fakeGateway{}, nil)
	assert.ErrorIs(t, err, ErrMissingSink)

	_, err = NewDispatcher(testConfig(WithSender("", "d-123", "")), &fakeGateway{}, &memSink{})
	assert.True(t, IsConfigurationError(err))

	// An injected gateway needs no provider settings.
	_, err = NewDispatcher(testConfig(WithProvider(ProviderMailgun, nil)), &fakeGateway{}, &memSink{})
	assert.NoError(t, err)
}

func TestNew_ValidatesProvider(t *testing.T) {
	_, err := New(testConfig(WithProvider(ProviderSendGrid, ProviderSettings{})), &memSink{})

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "provider.settings.api_key", ve.Field)

	d, err := New(testConfig(WithSendGrid("SG.secret")), &memSink{})
	require.NoError(t, err)
	assert.Equal(t, "sendgrid", d.gateway.Name())
}

func TestNewGateway(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"sendgrid", testConfig(WithSendGrid("SG.secret")), "sendgrid"},
		{"mailgun", testConfig(WithMailgunEU("key-1", "mg.example.com")), "mailgun"},
		{"smtp", testConfig(WithSMTP("localhost", "2525"), WithTemplates(t.TempDir())), "smtp"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw, err := NewGateway(tt.cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, gw.Name())
		})
	}

	_, err := NewGateway(testConfig(WithSMTP("localhost", "2525")))
	assert.True(t, IsConfigurationError(err))
}

func TestOutcomeKind_String(t *testing.T) {
	assert.Equal(t, "skipped", OutcomeSkipped.String())
	assert.Equal(t, "succeeded", OutcomeSucceeded.String())
	assert.Equal(t, "failed", OutcomeFailed.String())
	assert.Equal(t, "unknown", OutcomeKind(9).String())
}
