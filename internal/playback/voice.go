package playback

import (
	"context"
	"log/slog"
	"sync"
)

type blockingPlayer interface {
	PlayOnceBlocking(ctx context.Context, a Audio)
}

// VoiceQueue speaks synthesized lines one after another so they never overlap.
type VoiceQueue struct {
	player blockingPlayer
	queue  chan Audio
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewVoiceQueue(parent context.Context, player blockingPlayer, size int, logger *slog.Logger) *VoiceQueue {
	if size <= 0 {
		size = 32
	}
	ctx, cancel := context.WithCancel(parent)
	q := &VoiceQueue{
		player: player,
		queue:  make(chan Audio, size),
		logger: logger.With(slog.String("component", "voice-queue")),
		ctx:    ctx,
		cancel: cancel,
	}
	q.wg.Add(1)
	go q.run()
	return q
}

// Play queues a behind any line still being spoken. It drops a when the
// queue is full.
func (q *VoiceQueue) Play(a Audio) {
	if q.ctx.Err() != nil {
		return
	}
	select {
	case q.queue <- a:
	default:
		q.logger.Warn("voice queue full; dropping line", slog.String("path", a.Path))
	}
}

func (q *VoiceQueue) Len() int { return len(q.queue) }

func (q *VoiceQueue) Close() {
	q.cancel()
	q.wg.Wait()
}

func (q *VoiceQueue) run() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case a := <-q.queue:
			q.player.PlayOnceBlocking(q.ctx, a)
		}
	}
}
