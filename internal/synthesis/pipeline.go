package synthesis

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-companion/internal/config"
	"github.com/loqalabs/loqa-companion/internal/playback"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const instrumentationName = "github.com/loqalabs/loqa-companion/internal/synthesis"

// State is the worker's position in its throttling state machine.
type State int

const (
	StateRunning State = iota
	StateCoolingDown
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateCoolingDown:
		return "cooling_down"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Options tunes a Pipeline.
type Options struct {
	Voice             int
	Speed             float64
	Volume            float64
	AlternateVolume   float64
	Timeout           time.Duration
	Cooldown          time.Duration
	QueueSize         int
	RequestsPerSecond float64
	SkipNonJapanese   bool
	Extension         string
	// OnShed, if set, sees every request discarded by a rate-limit cooldown.
	OnShed func(Request)
}

func OptionsFromConfig(cfg config.SynthesisConfig) Options {
	return Options{
		Voice:             cfg.Voice,
		Speed:             cfg.Speed,
		Volume:            cfg.Volume,
		AlternateVolume:   cfg.AlternateVolume,
		Timeout:           time.Duration(cfg.TimeoutMS) * time.Millisecond,
		Cooldown:          time.Duration(cfg.CooldownMS) * time.Millisecond,
		QueueSize:         cfg.QueueSize,
		RequestsPerSecond: cfg.MaxRequestsPerS,
		SkipNonJapanese:   cfg.SkipNonJapanese,
	}
}

// PipelineStats is a point-in-time view of pipeline counters.
type PipelineStats struct {
	State         State
	CooldownUntil time.Time
	Queued        int
	Requests      uint64 // network calls
	CacheHits     uint64
	Delivered     uint64
	Shed          uint64 // discarded by a rate-limit cooldown
	Dropped       uint64
}

// Pipeline serializes synthesis through one worker, caches results by
// content, and hands artifacts to a Sink.
type Pipeline struct {
	synth Synthesizer
	alt   FileSynthesizer
	cache *Cache
	sink  Sink
	opts  Options

	queue   chan Request
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	state State
	until time.Time

	requests  atomic.Uint64
	cacheHits atomic.Uint64
	delivered atomic.Uint64
	shed      atomic.Uint64
	dropped   atomic.Uint64

	logger        *slog.Logger
	tracer        trace.Tracer
	callCounter   metric.Int64Counter
	hitCounter    metric.Int64Counter
	shedCounter   metric.Int64Counter
	audioDuration metric.Float64Histogram
}

// NewPipeline starts the worker. alt may be nil, in which case non-target
// text is dropped when SkipNonJapanese is set.
func NewPipeline(parent context.Context, synth Synthesizer, alt FileSynthesizer, cache *Cache, sink Sink, opts Options, logger *slog.Logger) *Pipeline {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 128
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Speed <= 0 {
		opts.Speed = 1
	}
	if opts.Volume <= 0 {
		opts.Volume = 1
	}
	if opts.AlternateVolume <= 0 {
		opts.AlternateVolume = 2
	}
	if opts.Extension == "" {
		opts.Extension = ".wav"
	}
	ctx, cancel := context.WithCancel(parent)
	p := &Pipeline{
		synth:  synth,
		alt:    alt,
		cache:  cache,
		sink:   sink,
		opts:   opts,
		queue:  make(chan Request, opts.QueueSize),
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With(slog.String("component", "synthesis-pipeline")),
		tracer: otel.Tracer(instrumentationName),
	}
	if opts.RequestsPerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	if err := p.initMetrics(otel.Meter(instrumentationName)); err != nil {
		p.logger.Warn("failed to initialize metrics", slogError(err))
		_ = p.initMetrics(noop.Meter{})
	}

	p.wg.Add(1)
	go p.run()
	return p
}

func (p *Pipeline) initMetrics(meter metric.Meter) error {
	var err error
	if p.callCounter, err = meter.Int64Counter("companion.synthesis.requests", metric.WithDescription("Synthesis service calls by outcome")); err != nil {
		return err
	}
	if p.hitCounter, err = meter.Int64Counter("companion.synthesis.cache_hits", metric.WithDescription("Requests served from the artifact cache")); err != nil {
		return err
	}
	if p.shedCounter, err = meter.Int64Counter("companion.synthesis.shed", metric.WithDescription("Requests discarded after a rate-limit cooldown")); err != nil {
		return err
	}
	p.audioDuration, err = meter.Float64Histogram("companion.synthesis.audio_duration", metric.WithUnit("s"), metric.WithDescription("Length of newly synthesized audio"))
	return err
}

// Say queues req for the worker without blocking. Requests are dropped when
// the queue is full, during a cooldown, or after termination.
func (p *Pipeline) Say(req Request) {
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" || p.ctx.Err() != nil {
		return
	}
	switch p.State() {
	case StateTerminated:
		p.dropped.Add(1)
		return
	case StateCoolingDown:
		p.shed.Add(1)
		p.shedCounter.Add(p.ctx, 1)
		p.notifyShed(req)
		return
	}
	if req.Voice == 0 {
		req.Voice = p.opts.Voice
	}
	if req.Speed <= 0 {
		req.Speed = p.opts.Speed
	}
	select {
	case p.queue <- req:
	default:
		p.dropped.Add(1)
		p.logger.Warn("synthesis queue full; dropping request", slog.Int("queue_size", p.opts.QueueSize))
	}
}

func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipeline) Stats() PipelineStats {
	p.mu.Lock()
	state, until := p.state, p.until
	p.mu.Unlock()
	return PipelineStats{
		State:         state,
		CooldownUntil: until,
		Queued:        len(p.queue),
		Requests:      p.requests.Load(),
		CacheHits:     p.cacheHits.Load(),
		Delivered:     p.delivered.Load(),
		Shed:          p.shed.Load(),
		Dropped:       p.dropped.Load(),
	}
}

// Healthy is false once the worker has terminated on quota exhaustion.
func (p *Pipeline) Healthy() bool {
	return p.State() != StateTerminated
}

func (p *Pipeline) Close() {
	p.cancel()
	p.wg.Wait()
}

func (p *Pipeline) setState(s State, until time.Time) {
	p.mu.Lock()
	p.state = s
	p.until = until
	p.mu.Unlock()
}

func (p *Pipeline) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case req := <-p.queue:
			if !p.process(req) {
				p.terminate()
				return
			}
		}
	}
}

// process handles one request and reports whether the worker may continue.
func (p *Pipeline) process(req Request) bool {
	if !IsJapanese(req.Text) && p.opts.SkipNonJapanese {
		if p.alt == nil {
			p.dropped.Add(1)
			return true
		}
		p.processAlternate(req)
		return true
	}

	key := Key(req.Voice, req.Speed, req.Text)
	if path, ok := p.cache.Lookup(key, p.opts.Extension); ok {
		p.cacheHits.Add(1)
		p.hitCounter.Add(p.ctx, 1)
		p.deliver(path, p.opts.Volume, req.Effects)
		return true
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(p.ctx); err != nil {
			return true
		}
	}

	ctx, span := p.tracer.Start(p.ctx, "synthesis.request", trace.WithAttributes(
		attribute.Int("companion.voice", req.Voice),
		attribute.Int("companion.text_runes", len([]rune(req.Text))),
	))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	data, err := p.synth.Synthesize(callCtx, req)
	cancel()
	p.requests.Add(1)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return p.handleFailure(ctx, err)
	}
	p.callCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "ok")))

	path, err := p.cache.Store(key, p.opts.Extension, data)
	if err != nil {
		p.dropped.Add(1)
		p.logger.Warn("failed to cache synthesized audio", slogError(err))
		return true
	}
	if d, err := WAVDuration(path); err == nil {
		p.audioDuration.Record(ctx, d.Seconds())
	}
	p.deliver(path, p.opts.Volume, req.Effects)
	return true
}

func (p *Pipeline) processAlternate(req Request) {
	const ext = ".mp3"
	key := AlternateKey(req.Text)
	effects := req.Effects
	effects.AltPitch = true

	if path, ok := p.cache.Lookup(key, ext); ok {
		p.cacheHits.Add(1)
		p.hitCounter.Add(p.ctx, 1)
		p.deliver(path, p.opts.AlternateVolume, effects)
		return
	}

	ctx, cancel := context.WithTimeout(p.ctx, p.opts.Timeout)
	defer cancel()
	tmp := p.cache.TempPath(key, ext)
	if err := p.alt.SynthesizeTo(ctx, req.Text, tmp); err != nil {
		p.dropped.Add(1)
		p.logger.Warn("alternate synthesis failed", slogError(err))
		return
	}
	if err := p.cache.Commit(tmp, key, ext); err != nil {
		p.dropped.Add(1)
		p.logger.Warn("failed to cache alternate audio", slogError(err))
		return
	}
	p.deliver(p.cache.Path(key, ext), p.opts.AlternateVolume, effects)
}

func (p *Pipeline) deliver(path string, volume float64, effects playback.Effects) {
	p.delivered.Add(1)
	p.sink.Play(playback.Audio{Path: path, Volume: volume, Effects: effects})
}

// handleFailure applies the status-driven transitions and reports whether
// the worker may continue.
func (p *Pipeline) handleFailure(ctx context.Context, err error) bool {
	var statusErr *StatusError
	hasStatus := errors.As(err, &statusErr)

	switch {
	case errors.Is(err, ErrQuotaExceeded),
		hasStatus && (statusErr.Code == http.StatusUnauthorized || statusErr.Code == http.StatusPaymentRequired):
		p.callCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "quota")))
		p.logger.Error("synthesis quota exhausted; speech disabled for the rest of this run", slogError(err))
		return false
	case hasStatus && statusErr.Code == http.StatusTooManyRequests:
		p.callCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "rate_limited")))
		p.cooldown()
		return true
	default:
		p.callCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "error")))
		p.dropped.Add(1)
		p.logger.Warn("synthesis failed; dropping request", slogError(err))
		return true
	}
}

// cooldown pauses the worker, then discards whatever queued up meanwhile.
func (p *Pipeline) cooldown() {
	until := time.Now().Add(p.opts.Cooldown)
	p.setState(StateCoolingDown, until)
	p.logger.Warn("synthesis rate limited; cooling down", slog.Duration("cooldown", p.opts.Cooldown))

	timer := time.NewTimer(p.opts.Cooldown)
	select {
	case <-p.ctx.Done():
		timer.Stop()
		return
	case <-timer.C:
	}

	shed := p.drain(p.notifyShed)
	p.shed.Add(uint64(shed))
	p.shedCounter.Add(p.ctx, int64(shed))
	p.setState(StateRunning, time.Time{})
	if shed > 0 {
		p.logger.Info("shed stale synthesis requests after cooldown", slog.Int("count", shed))
	}
}

func (p *Pipeline) terminate() {
	p.setState(StateTerminated, time.Time{})
	p.dropped.Add(uint64(p.drain(nil)))
}

func (p *Pipeline) drain(fn func(Request)) int {
	n := 0
	for {
		select {
		case req := <-p.queue:
			n++
			if fn != nil {
				fn(req)
			}
		default:
			return n
		}
	}
}

func (p *Pipeline) notifyShed(req Request) {
	if p.opts.OnShed != nil {
		p.opts.OnShed(req)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
