package completion

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-companion/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-companion/internal/completion"

// Options tunes a Dispatcher.
type Options struct {
	Model          string
	Temperature    float64
	MaxTokensEN    int
	MaxTokensJA    int
	Timeout        time.Duration
	RetryWindow    float64
	ForbiddenWords []string
	Prettifier     Prettifier
	Clock          func() time.Time
}

// OptionsFromConfig builds dispatcher options from config.
func OptionsFromConfig(cfg config.CompletionConfig) Options {
	return Options{
		Model:          cfg.Model,
		Temperature:    cfg.Temperature,
		MaxTokensEN:    cfg.MaxTokensEN,
		MaxTokensJA:    cfg.MaxTokensJA,
		Timeout:        time.Duration(cfg.TimeoutMS) * time.Millisecond,
		RetryWindow:    cfg.RetryWindow,
		ForbiddenWords: cfg.ForbiddenWords,
		Prettifier:     Prettifier{MaxWords: cfg.MaxTokensEN, MaxRunes: cfg.MaxTokensJA},
	}
}

// DispatcherStats is a point-in-time view of dispatcher counters.
type DispatcherStats struct {
	Submitted   uint64
	Completed   uint64
	Delivered   uint64
	Retries     uint64
	QuotaLocked bool
}

type slot struct {
	prompt  string
	traceID string
	text    string
	done    bool
}

// Dispatcher sends submissions to a Completer concurrently and hands results
// back strictly in submission order.
type Dispatcher struct {
	completer Completer
	opts      Options
	filter    *Filter
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	base   uint64 // sequence held by slots[0]
	slots  []*slot
	next   uint64
	closed bool

	quota     atomic.Bool
	completed atomic.Uint64
	delivered atomic.Uint64
	retries   atomic.Uint64

	logger     *slog.Logger
	tracer     trace.Tracer
	requests   metric.Int64Counter
	retryCount metric.Int64Counter
	sentinels  metric.Int64Counter
	latency    metric.Float64Histogram
}

func NewDispatcher(parent context.Context, completer Completer, opts Options, logger *slog.Logger) *Dispatcher {
	ctx, cancel := context.WithCancel(parent)
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	d := &Dispatcher{
		completer: completer,
		opts:      opts,
		filter:    NewFilter(opts.ForbiddenWords),
		now:       opts.Clock,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.With(slog.String("component", "completion-dispatcher")),
		tracer:    otel.Tracer(instrumentationName),
	}
	if err := d.initMetrics(otel.Meter(instrumentationName)); err != nil {
		d.logger.Warn("failed to initialize metrics", slogError(err))
		_ = d.initMetrics(noop.Meter{})
	}
	return d
}

func (d *Dispatcher) initMetrics(meter metric.Meter) error {
	var err error
	if d.requests, err = meter.Int64Counter("companion.completion.requests", metric.WithDescription("Completion service calls")); err != nil {
		return err
	}
	if d.retryCount, err = meter.Int64Counter("companion.completion.retries", metric.WithDescription("Completion calls retried after a transient failure")); err != nil {
		return err
	}
	if d.sentinels, err = meter.Int64Counter("companion.completion.sentinels", metric.WithDescription("Slots filled with a failure sentinel")); err != nil {
		return err
	}
	d.latency, err = meter.Float64Histogram("companion.completion.latency", metric.WithUnit("s"), metric.WithDescription("Completion call latency"))
	return err
}

// Submit reserves the next sequence for text and starts completing it in the
// background. It never blocks on the completion service.
func (d *Dispatcher) Submit(text string) uint64 {
	prompt := d.filter.Apply(text)
	s := &slot{prompt: prompt, traceID: uuid.NewString()}

	d.mu.Lock()
	seq := d.next
	d.next++
	d.slots = append(d.slots, s)
	closed := d.closed
	quota := d.quota.Load()
	if !closed && !quota {
		d.wg.Add(1)
	}
	d.mu.Unlock()

	switch {
	case closed:
		d.fill(seq, SentinelError)
	case quota:
		d.fill(seq, SentinelQuota)
	default:
		go d.run(seq, s.prompt, s.traceID)
	}
	return seq
}

// Fetch returns the contiguous run of finished results starting at the
// oldest undelivered sequence. It never blocks.
func (d *Dispatcher) Fetch() []Completion {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for n < len(d.slots) && d.slots[n].done {
		n++
	}
	if n == 0 {
		return nil
	}
	out := make([]Completion, n)
	for i := 0; i < n; i++ {
		s := d.slots[i]
		out[i] = Completion{Sequence: d.base + uint64(i), Prompt: s.prompt, Text: s.text, TraceID: s.traceID}
		d.slots[i] = nil
	}
	d.slots = d.slots[n:]
	if len(d.slots) == 0 {
		d.slots = nil
	}
	d.base += uint64(n)
	d.delivered.Add(uint64(n))
	return out
}

func (d *Dispatcher) Stats() DispatcherStats {
	d.mu.Lock()
	submitted := d.next
	d.mu.Unlock()
	return DispatcherStats{
		Submitted:   submitted,
		Completed:   d.completed.Load(),
		Delivered:   d.delivered.Load(),
		Retries:     d.retries.Load(),
		QuotaLocked: d.quota.Load(),
	}
}

// Close cancels in-flight calls and waits for every slot to be filled.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) fill(seq uint64, text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if seq < d.base {
		return
	}
	idx := seq - d.base
	if idx >= uint64(len(d.slots)) {
		return
	}
	s := d.slots[idx]
	if s.done {
		return
	}
	s.text = text
	s.done = true
	d.completed.Add(1)
}

func (d *Dispatcher) run(seq uint64, prompt, traceID string) {
	defer d.wg.Done()

	ctx, span := d.tracer.Start(d.ctx, "completion.dispatch", trace.WithAttributes(
		attribute.Int64("companion.sequence", int64(seq)),
		attribute.String("companion.trace_id", traceID),
	))
	defer span.End()

	text := d.complete(ctx, prompt, traceID)
	switch text {
	case SentinelError, SentinelQuota:
		span.SetStatus(codes.Error, text)
		d.sentinels.Add(ctx, 1, metric.WithAttributes(attribute.String("sentinel", text)))
	}
	d.fill(seq, text)
}

func (d *Dispatcher) complete(ctx context.Context, prompt, traceID string) string {
	if d.quota.Load() {
		return SentinelQuota
	}
	req := Request{
		Model:       d.opts.Model,
		Prompt:      prompt,
		Temperature: d.opts.Temperature,
		MaxTokens:   d.maxTokens(prompt),
		TraceID:     traceID,
	}
	budget := time.Duration(float64(d.opts.Timeout) * d.opts.RetryWindow)
	start := d.now()

	for attempt := 0; ; attempt++ {
		callStart := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
		out, err := d.completer.Complete(callCtx, req)
		cancel()
		d.requests.Add(ctx, 1)
		d.latency.Record(ctx, time.Since(callStart).Seconds())

		if err == nil {
			return d.opts.Prettifier.Prettify(out)
		}
		if errors.Is(err, ErrQuotaExceeded) {
			if !d.quota.Swap(true) {
				d.logger.Error("completion quota exhausted; further submissions resolve locally", slogError(err))
			}
			return SentinelQuota
		}

		elapsed := d.now().Sub(start)
		if attempt == 0 && ctx.Err() == nil && retryable(err) && elapsed < budget {
			d.retries.Add(1)
			d.retryCount.Add(ctx, 1)
			d.logger.Info("retrying completion",
				slog.String("trace_id", traceID),
				slog.Duration("elapsed", elapsed),
				slogError(err))
			continue
		}
		d.logger.Warn("completion failed",
			slog.String("trace_id", traceID),
			slog.Int("attempts", attempt+1),
			slog.Duration("elapsed", elapsed),
			slogError(err))
		return SentinelError
	}
}

func (d *Dispatcher) maxTokens(prompt string) int {
	if IsASCII(prompt) {
		return d.opts.MaxTokensEN
	}
	return d.opts.MaxTokensJA
}

func retryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= 500
	}
	return false
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
