package synthesis

import (
	"context"
	"fmt"
	"os"
	"time"
	"unicode/utf8"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const mockSampleRate = 24000

type mockSynth struct{}

// NewMockSynth returns silent WAV audio roughly as long as the text would take to read.
func NewMockSynth() Synthesizer { return &mockSynth{} }

func (m *mockSynth) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(20 * time.Millisecond):
	}
	samples := mockSampleRate / 10 * utf8.RuneCountInString(req.Text)
	if samples > mockSampleRate*10 {
		samples = mockSampleRate * 10
	}
	return silentWAV(samples)
}

func silentWAV(samples int) ([]byte, error) {
	f, err := os.CreateTemp("", "companion-mock-*.wav")
	if err != nil {
		return nil, err
	}
	name := f.Name()
	defer os.Remove(name)

	enc := wav.NewEncoder(f, mockSampleRate, 16, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: mockSampleRate},
		Data:           make([]int, samples),
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		f.Close()
		return nil, fmt.Errorf("encode mock wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return nil, fmt.Errorf("finalize mock wav: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return os.ReadFile(name)
}
