package completion

import (
	"context"
	"errors"
	"fmt"
)

const (
	// SentinelError fills a slot whose completion failed for good.
	SentinelError = "ERROR"
	// SentinelQuota fills a slot once the completion account is out of quota.
	SentinelQuota = "QUOTA_ERROR"
)

var (
	// ErrQuotaExceeded is returned by a Completer when the account has no quota left.
	ErrQuotaExceeded = errors.New("completion quota exceeded")
	// ErrClosed is returned once the dispatcher has shut down.
	ErrClosed = errors.New("completion dispatcher closed")
)

// StatusError carries a non-2xx completion service response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("completion service returned status %d: %s", e.Code, e.Body)
}

// Request describes one completion call.
type Request struct {
	Model       string
	Prompt      string
	Temperature float64
	MaxTokens   int
	TraceID     string
}

// Completer is a pluggable completion backend.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Completion is a result delivered by Dispatcher.Fetch in submission order.
type Completion struct {
	Sequence uint64
	Prompt   string
	Text     string
	TraceID  string
}

// Failed reports whether the completion carries the generic failure sentinel.
func (c Completion) Failed() bool { return c.Text == SentinelError }

// QuotaExhausted reports whether the completion carries the quota sentinel.
func (c Completion) QuotaExhausted() bool { return c.Text == SentinelQuota }

// IsASCII reports whether every byte of s is 7-bit ASCII.
func IsASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
