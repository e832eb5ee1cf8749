package status

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-companion/internal/bus"
	"github.com/loqalabs/loqa-companion/internal/completion"
	"github.com/loqalabs/loqa-companion/internal/config"
	"github.com/loqalabs/loqa-companion/internal/protocol"
	"github.com/loqalabs/loqa-companion/internal/synthesis"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type CompletionSource interface {
	Stats() completion.DispatcherStats
}

type SynthesisSource interface {
	Stats() synthesis.PipelineStats
}

type PlaybackSource interface {
	Active() int
	ForegroundPaused() bool
}

type BackgroundSource interface {
	Counts() (accepted, rejected uint64)
}

// Sources may be left nil for disabled pipeline stages.
type Sources struct {
	Completion CompletionSource
	Synthesis  SynthesisSource
	Playback   PlaybackSource
	Background BackgroundSource
}

// Reporter publishes a periodic pipeline heartbeat on the bus.
type Reporter struct {
	cfg       config.StatusConfig
	runtime   string
	sessionID string
	src       Sources
	bus       *bus.Client
	log       *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.RWMutex
	last protocol.Status
}

func NewReporter(cfg config.StatusConfig, runtimeName, sessionID string, src Sources, busClient *bus.Client, log *slog.Logger) *Reporter {
	r := &Reporter{
		cfg:       cfg,
		runtime:   runtimeName,
		sessionID: sessionID,
		src:       src,
		bus:       busClient,
		log:       log.With(slog.String("component", "status-reporter")),
	}
	if err := r.initMetrics(otel.Meter("github.com/loqalabs/loqa-companion/internal/status")); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return r
}

func (r *Reporter) Start(ctx context.Context) {
	if !r.cfg.Enabled {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	interval := time.Duration(r.cfg.IntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 5 * time.Second
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.publish(); err != nil {
					r.log.Warn("failed to publish status", slog.String("error", err.Error()))
				}
			}
		}
	}()
}

func (r *Reporter) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// Last returns the most recently published heartbeat.
func (r *Reporter) Last() protocol.Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

func (r *Reporter) publish() error {
	st := r.Snapshot()
	r.mu.Lock()
	r.last = st
	r.mu.Unlock()
	return r.bus.PublishJSON(protocol.SubjectStatus, st)
}

// Snapshot collects the current counters from every source.
func (r *Reporter) Snapshot() protocol.Status {
	st := protocol.Status{
		Runtime:   r.runtime,
		SessionID: r.sessionID,
		Timestamp: time.Now().UTC(),
	}
	if r.src.Completion != nil {
		s := r.src.Completion.Stats()
		st.Completion = protocol.CompletionStatus{
			Submitted:   s.Submitted,
			Delivered:   s.Delivered,
			Pending:     s.Submitted - s.Delivered,
			QuotaLocked: s.QuotaLocked,
		}
	}
	if r.src.Synthesis != nil {
		s := r.src.Synthesis.Stats()
		st.Synthesis = protocol.SynthesisStatus{
			State:     s.State.String(),
			Queued:    s.Queued,
			Requests:  s.Requests,
			CacheHits: s.CacheHits,
			Shed:      s.Shed,
			Dropped:   s.Dropped,
		}
	}
	if r.src.Playback != nil {
		st.Playback.Active = r.src.Playback.Active()
		st.Playback.ForegroundPaused = r.src.Playback.ForegroundPaused()
	}
	if r.src.Background != nil {
		st.Playback.BackgroundPushes, st.Playback.BackgroundReject = r.src.Background.Counts()
	}
	return st
}

func (r *Reporter) initMetrics(meter metric.Meter) error {
	pending, err := meter.Int64ObservableGauge("companion.completion.pending", metric.WithDescription("Submitted comments not yet delivered"))
	if err != nil {
		return err
	}
	queued, err := meter.Int64ObservableGauge("companion.synthesis.queued", metric.WithDescription("Synthesis requests waiting for the worker"))
	if err != nil {
		return err
	}
	state, err := meter.Int64ObservableGauge("companion.synthesis.state", metric.WithDescription("Synthesis worker state: 0 running, 1 cooling down, 2 terminated"))
	if err != nil {
		return err
	}
	rejected, err := meter.Int64ObservableCounter("companion.playback.background_rejected", metric.WithDescription("Background pushes refused while a track was playing"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		if r.src.Completion != nil {
			s := r.src.Completion.Stats()
			obs.ObserveInt64(pending, int64(s.Submitted-s.Delivered))
		}
		if r.src.Synthesis != nil {
			s := r.src.Synthesis.Stats()
			obs.ObserveInt64(queued, int64(s.Queued))
			obs.ObserveInt64(state, int64(s.State))
		}
		if r.src.Background != nil {
			_, n := r.src.Background.Counts()
			obs.ObserveInt64(rejected, int64(n))
		}
		return nil
	}, pending, queued, state, rejected)
	return err
}
