package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-companion/internal/bus"
	"github.com/loqalabs/loqa-companion/internal/completion"
	"github.com/loqalabs/loqa-companion/internal/config"
	"github.com/loqalabs/loqa-companion/internal/eventstore"
	"github.com/loqalabs/loqa-companion/internal/playback"
	"github.com/loqalabs/loqa-companion/internal/protocol"
	"github.com/loqalabs/loqa-companion/internal/synthesis"
	"github.com/nats-io/nats.go"
)

// Dispatcher is the ordered completion boundary.
type Dispatcher interface {
	Submit(text string) uint64
	Fetch() []completion.Completion
}

// Speaker queues lines for synthesis.
type Speaker interface {
	Say(req synthesis.Request)
}

// BackgroundPusher hands off background tracks.
type BackgroundPusher interface {
	Push(a playback.Audio) bool
}

// Journal records reactions.
type Journal interface {
	Append(ctx context.Context, e eventstore.Entry) error
}

// Deps are the pipeline pieces the relay drives. Any of them may be nil
// when the matching feature is disabled.
type Deps struct {
	Dispatcher Dispatcher
	Speaker    Speaker
	Background BackgroundPusher
	Journal    Journal
	Tracks     []config.TrackConfig
	SessionID  string
}

type pendingComment struct {
	user    string
	voice   int
	speed   float64
	effects playback.Effects
}

// Service connects the bus to the completion, synthesis and playback pipeline.
type Service struct {
	cfg    config.RelayConfig
	bus    *bus.Client
	deps   Deps
	logger *slog.Logger

	subs   []*nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu             sync.Mutex
	pending        map[uint64]pendingComment
	suspendedUntil time.Time
	quotaOnce      sync.Once
	now            func() time.Time
}

func NewService(parent context.Context, cfg config.RelayConfig, busClient *bus.Client, deps Deps, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:     cfg,
		bus:     busClient,
		deps:    deps,
		logger:  logger.With(slog.String("component", "relay")),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[uint64]pendingComment),
		now:     time.Now,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	handlers := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{protocol.SubjectComment, s.handleComment},
		{protocol.SubjectSay, s.handleSay},
		{protocol.SubjectBackground, s.handleBackground},
	}
	for _, h := range handlers {
		sub, err := s.bus.Conn().Subscribe(h.subject, h.handler)
		if err != nil {
			s.drainSubs()
			return fmt.Errorf("subscribe %s: %w", h.subject, err)
		}
		s.subs = append(s.subs, sub)
	}

	if s.deps.Dispatcher != nil {
		s.wg.Add(1)
		go s.pump()
	}
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.drainSubs()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || len(s.subs) == 3
}

// Suspended reports whether reply processing is paused after quota exhaustion.
func (s *Service) Suspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now().Before(s.suspendedUntil)
}

func (s *Service) drainSubs() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
}

func (s *Service) handleComment(msg *nats.Msg) {
	var comment protocol.Comment
	if err := json.Unmarshal(msg.Data, &comment); err != nil {
		s.logger.Warn("failed to decode comment", slogError(err))
		return
	}
	text := strings.TrimSpace(comment.Text)
	if text == "" || s.deps.Dispatcher == nil {
		return
	}
	if s.Suspended() {
		s.logger.Debug("replies suspended; ignoring comment", slog.String("user", comment.User))
		return
	}

	// Hold the lock across Submit so the pending entry exists before the
	// pump can fetch the result.
	s.mu.Lock()
	seq := s.deps.Dispatcher.Submit(text)
	s.pending[seq] = pendingComment{
		user:    comment.User,
		voice:   comment.Voice,
		speed:   comment.Speed,
		effects: playback.EffectsFromProtocol(comment.Effects),
	}
	s.mu.Unlock()

	s.journal(eventstore.Entry{Kind: eventstore.KindComment, Sequence: int64(seq), User: comment.User, Text: text})
}

func (s *Service) handleSay(msg *nats.Msg) {
	var req protocol.SayRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode say request", slogError(err))
		return
	}
	if strings.TrimSpace(req.Text) == "" || s.deps.Speaker == nil {
		return
	}
	s.deps.Speaker.Say(synthesis.Request{
		Text:    req.Text,
		Voice:   req.Voice,
		Speed:   req.Speed,
		Effects: playback.EffectsFromProtocol(req.Effects),
	})
	s.journal(eventstore.Entry{Kind: eventstore.KindSay, Text: req.Text})
}

func (s *Service) handleBackground(msg *nats.Msg) {
	var req protocol.BackgroundRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.logger.Warn("failed to decode background request", slogError(err))
			s.respond(msg, protocol.BackgroundResponse{Reason: "invalid request"})
			return
		}
	}
	resp := s.pushBackground(req)
	s.respond(msg, resp)
	if resp.Accepted {
		s.journal(eventstore.Entry{Kind: eventstore.KindBGM, Text: req.Path})
	}
}

func (s *Service) pushBackground(req protocol.BackgroundRequest) protocol.BackgroundResponse {
	if s.deps.Background == nil {
		return protocol.BackgroundResponse{Reason: "background music disabled"}
	}
	audio := playback.Audio{Path: req.Path, Volume: req.Volume, Effects: playback.Effects{Repeat: req.Repeat}}
	if audio.Path == "" {
		if len(s.deps.Tracks) == 0 {
			return protocol.BackgroundResponse{Reason: "no background tracks configured"}
		}
		track := s.deps.Tracks[rand.IntN(len(s.deps.Tracks))]
		audio.Path = track.Path
		if audio.Volume <= 0 {
			audio.Volume = track.Volume
		}
	}
	if audio.Volume <= 0 {
		audio.Volume = 1
	}
	if !s.deps.Background.Push(audio) {
		return protocol.BackgroundResponse{Reason: "a track change is already playing"}
	}
	return protocol.BackgroundResponse{Accepted: true}
}

func (s *Service) respond(msg *nats.Msg, resp protocol.BackgroundResponse) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to respond to background request", slogError(err))
	}
}

func (s *Service) pump() {
	defer s.wg.Done()
	interval := time.Duration(s.cfg.PollIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			for _, c := range s.deps.Dispatcher.Fetch() {
				s.handleCompletion(c)
			}
		}
	}
}

func (s *Service) handleCompletion(c completion.Completion) {
	s.mu.Lock()
	pc := s.pending[c.Sequence]
	delete(s.pending, c.Sequence)
	s.mu.Unlock()

	entry := eventstore.Entry{TraceID: c.TraceID, Sequence: int64(c.Sequence), User: pc.user, Text: c.Text}
	switch {
	case c.QuotaExhausted():
		entry.Kind = eventstore.KindQuota
		s.journal(entry)
		s.quotaOnce.Do(func() {
			s.wg.Add(1)
			go s.quotaShutdown()
		})
		return
	case c.Failed():
		entry.Kind = eventstore.KindError
		s.journal(entry)
		s.logger.Warn("completion failed; skipping reply", slog.Uint64("sequence", c.Sequence), slog.String("trace_id", c.TraceID))
		return
	case c.Text == "":
		return
	}
	if s.Suspended() {
		return
	}

	reply := protocol.Reply{
		SessionID: s.deps.SessionID,
		Sequence:  c.Sequence,
		User:      pc.user,
		Prompt:    c.Prompt,
		Text:      c.Text,
		TraceID:   c.TraceID,
		Timestamp: s.now().UTC(),
	}
	if err := s.bus.PublishJSON(protocol.SubjectReply, reply); err != nil {
		s.logger.Warn("failed to publish reply", slogError(err))
	}
	if s.deps.Speaker != nil {
		s.deps.Speaker.Say(synthesis.Request{Text: c.Text, Voice: pc.voice, Speed: pc.speed, Effects: pc.effects})
	}
	entry.Kind = eventstore.KindReply
	s.journal(entry)
}

// quotaShutdown tells the operator and the audience, waits out the grace
// period, closes the session and suspends replies.
func (s *Service) quotaShutdown() {
	defer s.wg.Done()

	s.logger.Error("completion quota exhausted; closing the session",
		slog.Duration("grace", time.Duration(s.cfg.QuotaGraceMS)*time.Millisecond),
		slog.Duration("suspend", time.Duration(s.cfg.QuotaSuspendMS)*time.Millisecond))

	now := s.now().UTC()
	if err := s.bus.PublishJSON(protocol.SubjectNotify, protocol.Notification{
		Level:     "error",
		Message:   "completion quota exhausted; replies are disabled until the quota is restored",
		Timestamp: now,
	}); err != nil {
		s.logger.Warn("failed to publish operator notification", slogError(err))
	}
	if msg := strings.TrimSpace(s.cfg.QuotaMessage); msg != "" {
		if err := s.bus.PublishJSON(protocol.SubjectReply, protocol.Reply{SessionID: s.deps.SessionID, Text: msg, Timestamp: now}); err != nil {
			s.logger.Warn("failed to publish quota message", slogError(err))
		}
		if s.deps.Speaker != nil {
			s.deps.Speaker.Say(synthesis.Request{Text: msg})
		}
	}

	timer := time.NewTimer(time.Duration(s.cfg.QuotaGraceMS) * time.Millisecond)
	select {
	case <-s.ctx.Done():
		timer.Stop()
		return
	case <-timer.C:
	}

	s.mu.Lock()
	s.suspendedUntil = s.now().Add(time.Duration(s.cfg.QuotaSuspendMS) * time.Millisecond)
	s.mu.Unlock()

	if err := s.bus.PublishJSON(protocol.SubjectSessionClose, protocol.SessionClose{
		SessionID: s.deps.SessionID,
		Reason:    "completion quota exhausted",
		Timestamp: s.now().UTC(),
	}); err != nil {
		s.logger.Warn("failed to publish session close", slogError(err))
	}
	s.journal(eventstore.Entry{Kind: eventstore.KindSessionEnd, Text: "completion quota exhausted"})
}

func (s *Service) journal(e eventstore.Entry) {
	if s.deps.Journal == nil {
		return
	}
	if e.SessionID == "" {
		e.SessionID = s.deps.SessionID
	}
	if err := s.deps.Journal.Append(s.ctx, e); err != nil {
		s.logger.Warn("failed to journal reaction", slog.String("kind", e.Kind), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
