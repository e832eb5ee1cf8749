package playback

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recordingPlayer struct {
	mu     sync.Mutex
	events []string
	gate   chan struct{}
	played chan Audio
}

func newRecordingPlayer() *recordingPlayer {
	return &recordingPlayer{played: make(chan Audio, 16)}
}

func (p *recordingPlayer) record(event string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPlayer) snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

func (p *recordingPlayer) PauseForeground()  { p.record("pause") }
func (p *recordingPlayer) ResumeForeground() { p.record("resume") }

func (p *recordingPlayer) PlayOnceBlocking(ctx context.Context, a Audio) {
	p.record("play " + a.Path)
	p.played <- a
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
		}
	}
}

func TestPushRejectedWithoutWorker(t *testing.T) {
	b := NewBackground(newRecordingPlayer(), newLogger())
	if b.Push(Audio{Path: "a.mp3"}) {
		t.Fatal("expected push to fail with no worker receiving")
	}
	if _, rejected := b.Counts(); rejected != 1 {
		t.Fatalf("expected one rejection, got %d", rejected)
	}
}

func TestPushBackpressure(t *testing.T) {
	player := newRecordingPlayer()
	player.gate = make(chan struct{})
	b := NewBackground(player, newLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	waitFor(t, func() bool { return b.Push(Audio{Path: "first.mp3"}) })
	select {
	case <-player.played:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never played the first track")
	}

	start := time.Now()
	if b.Push(Audio{Path: "second.mp3"}) {
		t.Fatal("expected push to be rejected while busy")
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("rejected push should not block")
	}

	close(player.gate)
	waitFor(t, func() bool { return b.Push(Audio{Path: "third.mp3"}) })
	select {
	case a := <-player.played:
		if a.Path != "third.mp3" {
			t.Fatalf("expected third track, got %s", a.Path)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker never played the third track")
	}

	events := player.snapshot()
	if len(events) < 4 || events[0] != "pause" || events[1] != "play first.mp3" || events[2] != "resume" || events[3] != "pause" {
		t.Fatalf("unexpected event order %v", events)
	}
	if accepted, _ := b.Counts(); accepted != 2 {
		t.Fatalf("expected two accepted pushes, got %d", accepted)
	}
}

func TestVoiceQueuePlaysInOrder(t *testing.T) {
	player := newRecordingPlayer()
	q := NewVoiceQueue(context.Background(), player, 8, newLogger())
	t.Cleanup(q.Close)

	for _, path := range []string{"1.wav", "2.wav", "3.wav"} {
		q.Play(Audio{Path: path})
	}
	for _, want := range []string{"1.wav", "2.wav", "3.wav"} {
		select {
		case a := <-player.played:
			if a.Path != want {
				t.Fatalf("expected %s, got %s", want, a.Path)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestVoiceQueueDropsWhenFull(t *testing.T) {
	player := newRecordingPlayer()
	player.gate = make(chan struct{})
	q := NewVoiceQueue(context.Background(), player, 1, newLogger())
	t.Cleanup(func() {
		close(player.gate)
		q.Close()
	})

	q.Play(Audio{Path: "speaking.wav"})
	<-player.played
	q.Play(Audio{Path: "queued.wav"})
	q.Play(Audio{Path: "dropped.wav"})
	if q.Len() != 1 {
		t.Fatalf("expected one queued line, got %d", q.Len())
	}
}
