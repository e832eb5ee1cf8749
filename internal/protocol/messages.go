package protocol

import "time"

// Effects mirrors playback effect toggles on the wire.
type Effects struct {
	Reverb bool   `json:"reverb,omitempty"`
	Pitch  string `json:"pitch,omitempty"`  // high, low
	Stereo string `json:"stereo,omitempty"` // left, right
	Tempo  string `json:"tempo,omitempty"`  // fast, slow
	Repeat bool   `json:"repeat,omitempty"`
}

// Comment is a classified chat comment that should receive a generated reply.
type Comment struct {
	SessionID string    `json:"session_id,omitempty"`
	User      string    `json:"user,omitempty"`
	Text      string    `json:"text"`
	Voice     int       `json:"voice,omitempty"`
	Speed     float64   `json:"speed,omitempty"`
	Effects   Effects   `json:"effects,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// SayRequest asks the synthesis pipeline to speak text verbatim.
type SayRequest struct {
	Text    string  `json:"text"`
	Voice   int     `json:"voice,omitempty"`
	Speed   float64 `json:"speed,omitempty"`
	Effects Effects `json:"effects,omitempty"`
}

// Reply is a generated reply delivered in comment order.
type Reply struct {
	SessionID string    `json:"session_id,omitempty"`
	Sequence  uint64    `json:"sequence"`
	User      string    `json:"user,omitempty"`
	Prompt    string    `json:"prompt"`
	Text      string    `json:"text"`
	TraceID   string    `json:"trace_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// BackgroundRequest asks for a background music switch.
type BackgroundRequest struct {
	Path   string  `json:"path"`
	Volume float64 `json:"volume,omitempty"`
	Repeat bool    `json:"repeat,omitempty"`
}

// BackgroundResponse answers a BackgroundRequest.
type BackgroundResponse struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// Notification is an out-of-band operator message.
type Notification struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionClose tells the upstream feed to end the broadcast session.
type SessionClose struct {
	SessionID string    `json:"session_id,omitempty"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Status is the periodic pipeline heartbeat.
type Status struct {
	Runtime    string           `json:"runtime"`
	SessionID  string           `json:"session_id"`
	Completion CompletionStatus `json:"completion"`
	Synthesis  SynthesisStatus  `json:"synthesis"`
	Playback   PlaybackStatus   `json:"playback"`
	Timestamp  time.Time        `json:"timestamp"`
}

type CompletionStatus struct {
	Submitted   uint64 `json:"submitted"`
	Delivered   uint64 `json:"delivered"`
	Pending     uint64 `json:"pending"`
	QuotaLocked bool   `json:"quota_locked"`
}

type SynthesisStatus struct {
	State     string `json:"state"`
	Queued    int    `json:"queued"`
	Requests  uint64 `json:"requests"`
	CacheHits uint64 `json:"cache_hits"`
	Shed      uint64 `json:"shed"`
	Dropped   uint64 `json:"dropped"`
}

type PlaybackStatus struct {
	Active           int    `json:"active"`
	ForegroundPaused bool   `json:"foreground_paused"`
	BackgroundPushes uint64 `json:"background_pushes"`
	BackgroundReject uint64 `json:"background_rejected"`
}

const (
	SubjectComment      = "companion.comment"
	SubjectSay          = "companion.say"
	SubjectBackground   = "companion.bgm"
	SubjectReply        = "companion.reply"
	SubjectNotify       = "companion.notify"
	SubjectSessionClose = "companion.session.close"
	SubjectStatus       = "companion.status"

	// StreamName captures replies and session events for late subscribers.
	StreamName = "COMPANION"
)
