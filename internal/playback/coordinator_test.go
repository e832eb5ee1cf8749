package playback

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestAudioArgs(t *testing.T) {
	a := Audio{
		Path:   "voice.wav",
		Volume: 0.5,
		Effects: Effects{
			Reverb: true,
			Pitch:  PitchLow,
			Stereo: StereoRight,
			Tempo:  TempoSlow,
			Repeat: true,
		},
	}
	want := []string{"-v", "0.5", "voice.wav", "pad", "0", "2", "reverb", "pitch", "-100", "remix", "1v0", "1v1", "tempo", "0.6", "repeat", "-"}
	if got := a.Args(); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected args\n got %v\nwant %v", got, want)
	}
}

func TestAltPitchYieldsToExplicitPitch(t *testing.T) {
	alt := Effects{AltPitch: true}.Args()
	if !reflect.DeepEqual(alt, []string{"pitch", "150"}) {
		t.Fatalf("unexpected alt pitch args %v", alt)
	}
	explicit := Effects{AltPitch: true, Pitch: PitchHigh}.Args()
	if !reflect.DeepEqual(explicit, []string{"pitch", "300"}) {
		t.Fatalf("expected explicit pitch to win, got %v", explicit)
	}
}

func TestPlayOnceBlockingPassesArguments(t *testing.T) {
	out := filepath.Join(t.TempDir(), "args.txt")
	c, err := NewCoordinator(`sh -c 'echo "$@" > `+out+`' player`, newLogger())
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	t.Cleanup(c.Close)

	c.PlayOnceBlocking(context.Background(), Audio{Path: "line.wav", Volume: 1, Effects: Effects{Pitch: PitchHigh, Tempo: TempoFast}})

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("player did not run before PlayOnceBlocking returned: %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != "-v 1 line.wav pitch 300 tempo 1.5" {
		t.Fatalf("unexpected player args %q", got)
	}
	waitFor(t, func() bool { return c.Active() == 0 })
}

func TestPlayOnceBlockingHonoursContext(t *testing.T) {
	c, err := NewCoordinator(`sh -c 'sleep 30' player`, newLogger())
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	t.Cleanup(c.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	c.PlayOnceBlocking(ctx, Audio{Path: "long.wav", Volume: 1})
	if time.Since(start) > 5*time.Second {
		t.Fatal("PlayOnceBlocking ignored context cancellation")
	}
	waitFor(t, func() bool { return c.Active() == 0 })
}

func TestSpawnFailureIsNoop(t *testing.T) {
	c, err := NewCoordinator(filepath.Join(t.TempDir(), "missing-player"), newLogger())
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	t.Cleanup(c.Close)

	c.PlayOnce(Audio{Path: "a.wav", Volume: 1})
	c.PlayOnceBlocking(context.Background(), Audio{Path: "a.wav", Volume: 1})
	c.PlayForeground(Audio{Path: "bgm.mp3", Volume: 1})
	c.PauseForeground()
	c.ResumeForeground()
	if c.Active() != 0 {
		t.Fatalf("expected no processes, got %d", c.Active())
	}
}

func TestForegroundPauseResume(t *testing.T) {
	c, err := NewCoordinator(`sh -c 'sleep 30' player`, newLogger())
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	t.Cleanup(c.Close)

	c.PlayForeground(Audio{Path: "bgm.mp3", Volume: 0.3, Effects: Effects{Repeat: true}})
	c.PlayOnce(Audio{Path: "effect.wav", Volume: 1})
	if c.Active() != 2 {
		t.Fatalf("expected foreground plus one-shot, got %d", c.Active())
	}

	c.PauseForeground()
	if !c.ForegroundPaused() {
		t.Fatal("expected foreground to be paused")
	}
	c.ResumeForeground()
	if c.ForegroundPaused() {
		t.Fatal("expected foreground to be resumed")
	}

	c.PlayForeground(Audio{Path: "other.mp3", Volume: 0.3})
	if c.Active() != 2 {
		t.Fatalf("expected replacement to stop the previous foreground, got %d processes", c.Active())
	}

	c.StopForeground()
	if c.Active() != 1 {
		t.Fatalf("expected only the one-shot to remain, got %d", c.Active())
	}
}

func TestCloseKillsEverything(t *testing.T) {
	c, err := NewCoordinator(`sh -c 'sleep 30' player`, newLogger())
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	c.PlayForeground(Audio{Path: "bgm.mp3", Volume: 1})
	c.PauseForeground()
	for i := 0; i < 3; i++ {
		c.PlayOnce(Audio{Path: "effect.wav", Volume: 1})
	}
	if c.Active() != 4 {
		t.Fatalf("expected 4 processes, got %d", c.Active())
	}

	done := make(chan struct{})
	go func() {
		c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}
	if c.Active() != 0 {
		t.Fatalf("expected all processes reaped, got %d", c.Active())
	}

	c.Close()
	c.PlayOnce(Audio{Path: "late.wav", Volume: 1})
	if c.Active() != 0 {
		t.Fatal("expected play after close to be a no-op")
	}
}
