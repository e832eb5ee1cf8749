package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-companion/internal/playback"

// ErrClosed is returned when spawning on a closed coordinator.
var ErrClosed = errors.New("playback coordinator closed")

type process struct {
	cmd  *exec.Cmd
	done chan struct{}
}

// Coordinator owns every player subprocess the companion starts.
// One of them may be designated the foreground track, which can be paused
// and resumed without touching one-shot sounds.
type Coordinator struct {
	command []string
	logger  *slog.Logger

	mu       sync.Mutex
	procs    map[*process]struct{}
	fg       *process
	fgPaused bool
	closed   bool
	wg       sync.WaitGroup

	spawnFailures metric.Int64Counter
}

// NewCoordinator parses command (for example "play" or "play -q") and
// appends each Audio's arguments when spawning.
func NewCoordinator(command string, logger *slog.Logger) (*Coordinator, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse playback command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("playback command empty")
	}
	c := &Coordinator{
		command: args,
		logger:  logger.With(slog.String("component", "playback-coordinator")),
		procs:   make(map[*process]struct{}),
	}
	meter := otel.Meter(instrumentationName)
	if c.spawnFailures, err = meter.Int64Counter("companion.playback.spawn_failures", metric.WithDescription("Player processes that failed to start")); err != nil {
		c.logger.Warn("failed to initialize metrics", slogError(err))
	}
	if _, err := meter.Int64ObservableGauge("companion.playback.active",
		metric.WithDescription("Live player processes"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			obs.Observe(int64(c.Active()))
			return nil
		})); err != nil {
		c.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return c, nil
}

func (c *Coordinator) spawn(a Audio) (*process, error) {
	args := append(append([]string{}, c.command[1:]...), a.Args()...)
	cmd := exec.Command(c.command[0], args...)
	configureProcess(cmd)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.mu.Unlock()

	if err := cmd.Start(); err != nil {
		if c.spawnFailures != nil {
			c.spawnFailures.Add(context.Background(), 1)
		}
		return nil, fmt.Errorf("start player for %s: %w", a.Path, err)
	}

	p := &process{cmd: cmd, done: make(chan struct{})}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, ErrClosed
	}
	c.procs[p] = struct{}{}
	c.wg.Add(1)
	c.mu.Unlock()

	go c.reap(p)
	return p, nil
}

func (c *Coordinator) reap(p *process) {
	defer c.wg.Done()
	_ = p.cmd.Wait()

	c.mu.Lock()
	delete(c.procs, p)
	if c.fg == p {
		c.fg = nil
		c.fgPaused = false
	}
	c.mu.Unlock()
	close(p.done)
}

// PlayForeground starts a as the foreground track, stopping any previous one first.
func (c *Coordinator) PlayForeground(a Audio) {
	c.StopForeground()
	p, err := c.spawn(a)
	if err != nil {
		c.logger.Warn("failed to start foreground track", slog.String("path", a.Path), slogError(err))
		return
	}
	c.mu.Lock()
	prev := c.fg
	c.fg = p
	c.fgPaused = false
	c.mu.Unlock()
	if prev != nil {
		c.stop(prev)
	}
	c.logger.Info("foreground track started", slog.String("path", a.Path))
}

// StopForeground kills the foreground track, if any, and waits for it to exit.
func (c *Coordinator) StopForeground() {
	c.mu.Lock()
	p := c.fg
	c.fg = nil
	c.fgPaused = false
	c.mu.Unlock()
	if p != nil {
		c.stop(p)
	}
}

func (c *Coordinator) stop(p *process) {
	_ = resume(p.cmd)
	_ = p.cmd.Process.Kill()
	<-p.done
}

func (c *Coordinator) PauseForeground() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fg == nil || c.fgPaused {
		return
	}
	if err := suspend(c.fg.cmd); err != nil {
		c.logger.Warn("failed to pause foreground track", slogError(err))
		return
	}
	c.fgPaused = true
}

func (c *Coordinator) ResumeForeground() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fg == nil || !c.fgPaused {
		return
	}
	if err := resume(c.fg.cmd); err != nil {
		c.logger.Warn("failed to resume foreground track", slogError(err))
		return
	}
	c.fgPaused = false
}

// ForegroundPaused reports whether a foreground track exists and is paused.
func (c *Coordinator) ForegroundPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fg != nil && c.fgPaused
}

// PlayOnce starts a without waiting for it.
func (c *Coordinator) PlayOnce(a Audio) {
	if _, err := c.spawn(a); err != nil {
		c.logger.Warn("failed to play audio", slog.String("path", a.Path), slogError(err))
	}
}

// PlayOnceBlocking plays a and returns once the player exits. If ctx ends
// first the player is killed.
func (c *Coordinator) PlayOnceBlocking(ctx context.Context, a Audio) {
	p, err := c.spawn(a)
	if err != nil {
		c.logger.Warn("failed to play audio", slog.String("path", a.Path), slogError(err))
		return
	}
	select {
	case <-p.done:
	case <-ctx.Done():
		_ = p.cmd.Process.Kill()
		<-p.done
	}
}

// Active is the number of live player processes, foreground included.
func (c *Coordinator) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.procs)
}

// Close kills every tracked player and waits for them to be reaped.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.wg.Wait()
		return
	}
	c.closed = true
	procs := make([]*process, 0, len(c.procs))
	for p := range c.procs {
		procs = append(procs, p)
	}
	c.fg = nil
	c.mu.Unlock()

	for _, p := range procs {
		_ = resume(p.cmd)
		_ = p.cmd.Process.Kill()
	}
	c.wg.Wait()
	if len(procs) > 0 {
		c.logger.Info("stopped player processes", slog.Int("count", len(procs)))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
