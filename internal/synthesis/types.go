package synthesis

import (
	"context"
	"errors"
	"fmt"
	"unicode"

	"github.com/loqalabs/loqa-companion/internal/playback"
)

var (
	// ErrQuotaExceeded means the synthesis account cannot serve any more requests.
	ErrQuotaExceeded = errors.New("synthesis quota exceeded")
	// ErrEmptyAudio is returned for a successful response with no body.
	ErrEmptyAudio = errors.New("synthesis returned empty audio")
)

// StatusError carries a non-2xx synthesis service response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("synthesis service returned status %d: %s", e.Code, e.Body)
}

// Request is one line to speak.
type Request struct {
	Text    string
	Voice   int
	Speed   float64
	Effects playback.Effects
}

// Synthesizer turns text into encoded audio bytes.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) ([]byte, error)
}

// FileSynthesizer writes synthesized audio for text straight to path.
type FileSynthesizer interface {
	SynthesizeTo(ctx context.Context, text, path string) error
}

// Sink receives playable artifacts in pipeline order.
type Sink interface {
	Play(a playback.Audio)
}

// IsJapanese reports whether text contains any hiragana, katakana or han.
func IsJapanese(text string) bool {
	for _, r := range text {
		if unicode.In(r, unicode.Hiragana, unicode.Katakana, unicode.Han) {
			return true
		}
	}
	return false
}
