package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-companion/internal/bus"
	"github.com/loqalabs/loqa-companion/internal/completion"
	"github.com/loqalabs/loqa-companion/internal/config"
	"github.com/loqalabs/loqa-companion/internal/eventstore"
	"github.com/loqalabs/loqa-companion/internal/natsserver"
	"github.com/loqalabs/loqa-companion/internal/playback"
	"github.com/loqalabs/loqa-companion/internal/protocol"
	"github.com/loqalabs/loqa-companion/internal/relay"
	"github.com/loqalabs/loqa-companion/internal/status"
	"github.com/loqalabs/loqa-companion/internal/synthesis"
	"golang.org/x/sync/errgroup"
)

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	sessionID     string
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	group         errgroup.Group

	embeddedNATS *natsserver.EmbeddedServer
	bus          *bus.Client
	journal      *eventstore.Store
	coordinator  *playback.Coordinator
	voices       *playback.VoiceQueue
	background   *playback.Background
	pipeline     *synthesis.Pipeline
	dispatcher   *completion.Dispatcher
	relay        *relay.Service
	status       *status.Reporter
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:       cfg,
		logger:    logger,
		sessionID: uuid.NewString(),
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startComponents(ctx); err != nil {
		r.stopComponents()
		r.closeTelemetry()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if metricsHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("session_id", r.sessionID))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	_ = r.group.Wait()

	r.stopComponents()
	r.closeTelemetry()
	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.group.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("server", name), slog.String("error", err.Error()))
			return err
		}
		return nil
	})
}

func (r *Runtime) startComponents(ctx context.Context) error {
	var err error
	r.embeddedNATS, err = natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	busCfg := r.cfg.Bus
	if url := r.embeddedNATS.ClientURL(); url != "" {
		busCfg.Servers = []string{url}
	}
	r.bus, err = bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	if err := r.bus.EnsureStream(protocol.StreamName, []string{
		protocol.SubjectReply,
		protocol.SubjectNotify,
		protocol.SubjectSessionClose,
	}, 7*24*time.Hour); err != nil {
		r.logger.Warn("failed to ensure reply stream", slog.String("error", err.Error()))
	}

	r.journal, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open reaction journal: %w", err)
	}
	if err := r.journal.OpenSession(ctx, r.sessionID, r.cfg.RuntimeName); err != nil {
		return fmt.Errorf("failed to open journal session: %w", err)
	}

	var sink synthesis.Sink = logSink{logger: r.logger}
	if r.cfg.Playback.Enabled {
		r.coordinator, err = playback.NewCoordinator(r.cfg.Playback.Command, r.logger)
		if err != nil {
			return err
		}
		r.voices = playback.NewVoiceQueue(ctx, r.coordinator, r.cfg.Synthesis.QueueSize, r.logger)
		sink = r.voices

		r.background = playback.NewBackground(r.coordinator, r.logger)
		r.group.Go(func() error {
			r.background.Run(ctx)
			return nil
		})
		if bg := r.cfg.Playback.Background; bg.Path != "" {
			r.coordinator.PlayForeground(playback.Audio{
				Path:    bg.Path,
				Volume:  bg.Volume,
				Effects: playback.Effects{Repeat: true},
			})
		}
	}

	if r.cfg.Synthesis.Enabled {
		if err := r.startSynthesis(ctx, sink); err != nil {
			return err
		}
	}
	if r.cfg.Completion.Enabled {
		completer, err := newCompleter(r.cfg.Completion)
		if err != nil {
			return err
		}
		r.dispatcher = completion.NewDispatcher(ctx, completer, completion.OptionsFromConfig(r.cfg.Completion), r.logger)
	}

	deps := relay.Deps{
		Journal:   r.journal,
		Tracks:    r.cfg.Playback.Background.Tracks,
		SessionID: r.sessionID,
	}
	src := status.Sources{}
	if r.dispatcher != nil {
		deps.Dispatcher = r.dispatcher
		src.Completion = r.dispatcher
	}
	if r.pipeline != nil {
		deps.Speaker = r.pipeline
		src.Synthesis = r.pipeline
	}
	if r.background != nil {
		deps.Background = r.background
		src.Background = r.background
		src.Playback = r.coordinator
	}

	r.relay = relay.NewService(ctx, r.cfg.Relay, r.bus, deps, r.logger)
	if err := r.relay.Start(); err != nil {
		return fmt.Errorf("failed to start relay: %w", err)
	}

	r.status = status.NewReporter(r.cfg.Status, r.cfg.RuntimeName, r.sessionID, src, r.bus, r.logger)
	r.status.Start(ctx)
	return nil
}

func (r *Runtime) startSynthesis(ctx context.Context, sink synthesis.Sink) error {
	cfg := r.cfg.Synthesis
	cache, err := synthesis.NewCache(cfg.CacheDir, cfg.CacheIndexSize)
	if err != nil {
		return err
	}
	var synth synthesis.Synthesizer
	switch cfg.Mode {
	case "http":
		synth = synthesis.NewHTTPSynth(cfg.Endpoint, cfg.APIKey, &http.Client{})
	default:
		synth = synthesis.NewMockSynth()
	}
	var alt synthesis.FileSynthesizer
	if cfg.AlternateCommand != "" {
		if alt, err = synthesis.NewCommandSynth(cfg.AlternateCommand); err != nil {
			return err
		}
	}
	opts := synthesis.OptionsFromConfig(cfg)
	opts.OnShed = func(req synthesis.Request) {
		if err := r.journal.Append(ctx, eventstore.Entry{
			SessionID: r.sessionID,
			Kind:      eventstore.KindShed,
			Text:      req.Text,
		}); err != nil {
			r.logger.Warn("failed to journal shed request", slog.String("error", err.Error()))
		}
	}
	r.pipeline = synthesis.NewPipeline(ctx, synth, alt, cache, sink, opts, r.logger)
	return nil
}

func newCompleter(cfg config.CompletionConfig) (completion.Completer, error) {
	switch cfg.Mode {
	case "http":
		return completion.NewHTTPCompleter(cfg.Endpoint, cfg.APIKey, &http.Client{}), nil
	case "exec":
		return completion.NewExecCompleter(cfg.Command)
	case "ollama":
		return completion.NewOllamaCompleter(cfg.Endpoint, &http.Client{}), nil
	default:
		return completion.NewMockCompleter(), nil
	}
}

// stopComponents tears down in reverse start order. It tolerates a
// partially started runtime.
func (r *Runtime) stopComponents() {
	if r.status != nil {
		r.status.Close()
	}
	if r.relay != nil {
		r.relay.Close()
	}
	if r.dispatcher != nil {
		r.dispatcher.Close()
	}
	if r.pipeline != nil {
		r.pipeline.Close()
	}
	if r.voices != nil {
		r.voices.Close()
	}
	if r.coordinator != nil {
		r.coordinator.Close()
	}
	if r.journal != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.journal.CloseSession(ctx, r.sessionID); err != nil {
			r.logger.Warn("failed to close journal session", slog.String("error", err.Error()))
		}
		cancel()
		if err := r.journal.Close(); err != nil {
			r.logger.Warn("failed to close reaction journal", slog.String("error", err.Error()))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.embeddedNATS.Shutdown()
}

func (r *Runtime) closeTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

// healthy reports whether every started component is still serving.
func (r *Runtime) healthy() bool {
	if r.bus != nil && !r.bus.Healthy() {
		return false
	}
	if r.relay != nil && !r.relay.Healthy() {
		return false
	}
	return true
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if !r.healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("unhealthy"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.pipeline == nil || r.pipeline.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

// logSink stands in for the speaker when playback is disabled.
type logSink struct {
	logger *slog.Logger
}

func (s logSink) Play(a playback.Audio) {
	s.logger.Info("synthesized audio ready", slog.String("path", a.Path))
}
