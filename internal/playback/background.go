package playback

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// ForegroundPlayer is the part of Coordinator the background worker drives.
type ForegroundPlayer interface {
	PauseForeground()
	ResumeForeground()
	PlayOnceBlocking(ctx context.Context, a Audio)
}

// Background plays pushed tracks over the foreground loop, one at a time.
// The handoff channel has no buffer, so a push made while a track is still
// playing is rejected instead of queued.
type Background struct {
	player ForegroundPlayer
	ch     chan Audio
	logger *slog.Logger

	pushes   atomic.Uint64
	rejected atomic.Uint64
}

func NewBackground(player ForegroundPlayer, logger *slog.Logger) *Background {
	return &Background{
		player: player,
		ch:     make(chan Audio),
		logger: logger.With(slog.String("component", "background-music")),
	}
}

// Push hands a to the worker if it is idle and reports whether it was taken.
func (b *Background) Push(a Audio) bool {
	select {
	case b.ch <- a:
		b.pushes.Add(1)
		return true
	default:
		b.rejected.Add(1)
		b.logger.Info("background track rejected; worker busy", slog.String("path", a.Path))
		return false
	}
}

// Run consumes pushed tracks until ctx ends: pause the foreground, play the
// track to completion, resume.
func (b *Background) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-b.ch:
			b.logger.Info("playing background track", slog.String("path", a.Path))
			b.player.PauseForeground()
			b.player.PlayOnceBlocking(ctx, a)
			b.player.ResumeForeground()
		}
	}
}

// Counts returns accepted and rejected push totals.
func (b *Background) Counts() (accepted, rejected uint64) {
	return b.pushes.Load(), b.rejected.Load()
}
