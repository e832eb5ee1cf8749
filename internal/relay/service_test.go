package relay

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-companion/internal/bus"
	"github.com/loqalabs/loqa-companion/internal/completion"
	"github.com/loqalabs/loqa-companion/internal/config"
	"github.com/loqalabs/loqa-companion/internal/eventstore"
	"github.com/loqalabs/loqa-companion/internal/natsserver"
	"github.com/loqalabs/loqa-companion/internal/playback"
	"github.com/loqalabs/loqa-companion/internal/protocol"
	"github.com/loqalabs/loqa-companion/internal/synthesis"
	"github.com/nats-io/nats.go"
)

type fakeDispatcher struct {
	mu      sync.Mutex
	next    uint64
	prompts []string
	ready   []completion.Completion
}

func (d *fakeDispatcher) Submit(text string) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	seq := d.next
	d.next++
	d.prompts = append(d.prompts, text)
	return seq
}

func (d *fakeDispatcher) Fetch() []completion.Completion {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.ready
	d.ready = nil
	return out
}

func (d *fakeDispatcher) complete(c completion.Completion) {
	d.mu.Lock()
	d.ready = append(d.ready, c)
	d.mu.Unlock()
}

func (d *fakeDispatcher) submitted() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.prompts...)
}

type fakeSpeaker struct {
	mu   sync.Mutex
	said []synthesis.Request
}

func (s *fakeSpeaker) Say(req synthesis.Request) {
	s.mu.Lock()
	s.said = append(s.said, req)
	s.mu.Unlock()
}

func (s *fakeSpeaker) lines() []synthesis.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]synthesis.Request(nil), s.said...)
}

type fakePusher struct {
	mu     sync.Mutex
	accept bool
	pushed []playback.Audio
}

func (p *fakePusher) Push(a playback.Audio) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.accept {
		return false
	}
	p.pushed = append(p.pushed, a)
	return true
}

type fakeJournal struct {
	mu    sync.Mutex
	kinds []string
}

func (j *fakeJournal) Append(_ context.Context, e eventstore.Entry) error {
	j.mu.Lock()
	j.kinds = append(j.kinds, e.Kind)
	j.mu.Unlock()
	return nil
}

func (j *fakeJournal) count(kind string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for _, k := range j.kinds {
		if k == kind {
			n++
		}
	}
	return n
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	logger := testLogger()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, logger)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func relayConfig() config.RelayConfig {
	return config.RelayConfig{
		Enabled:        true,
		PollIntervalMS: 10,
		QuotaMessage:   "sorry, that's all for today",
		QuotaGraceMS:   20,
		QuotaSuspendMS: 60000,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func publish(t *testing.T, client *bus.Client, subject string, v any) {
	t.Helper()
	if err := client.PublishJSON(subject, v); err != nil {
		t.Fatalf("publish %s: %v", subject, err)
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func TestCommentProducesReplyAndSpeech(t *testing.T) {
	client := startBus(t)
	dispatcher := &fakeDispatcher{}
	speaker := &fakeSpeaker{}
	journal := &fakeJournal{}

	svc := NewService(context.Background(), relayConfig(), client, Deps{
		Dispatcher: dispatcher,
		Speaker:    speaker,
		Journal:    journal,
		SessionID:  "session-1",
	}, testLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Close()
	if !svc.Healthy() {
		t.Fatal("expected healthy relay")
	}

	replies := make(chan *nats.Msg, 4)
	sub, err := client.Conn().ChanSubscribe(protocol.SubjectReply, replies)
	if err != nil {
		t.Fatalf("subscribe replies: %v", err)
	}
	defer sub.Unsubscribe()

	publish(t, client, protocol.SubjectComment, protocol.Comment{
		User:    "viewer",
		Text:    "  hello there  ",
		Voice:   8,
		Effects: protocol.Effects{Pitch: "high"},
	})
	waitFor(t, "comment submission", func() bool { return len(dispatcher.submitted()) == 1 })
	if got := dispatcher.submitted()[0]; got != "hello there" {
		t.Fatalf("expected trimmed prompt, got %q", got)
	}

	dispatcher.complete(completion.Completion{Sequence: 0, Prompt: "hello there", Text: "hi!", TraceID: "trace-0"})

	select {
	case msg := <-replies:
		var reply protocol.Reply
		if err := json.Unmarshal(msg.Data, &reply); err != nil {
			t.Fatalf("decode reply: %v", err)
		}
		if reply.Text != "hi!" || reply.User != "viewer" || reply.SessionID != "session-1" {
			t.Fatalf("unexpected reply %+v", reply)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reply")
	}

	waitFor(t, "speech", func() bool { return len(speaker.lines()) == 1 })
	line := speaker.lines()[0]
	if line.Text != "hi!" || line.Voice != 8 || line.Effects.Pitch != playback.PitchHigh {
		t.Fatalf("unexpected speech request %+v", line)
	}
	if journal.count(eventstore.KindComment) != 1 || journal.count(eventstore.KindReply) != 1 {
		t.Fatalf("unexpected journal %v", journal.kinds)
	}
}

func TestFailedCompletionIsSkipped(t *testing.T) {
	client := startBus(t)
	dispatcher := &fakeDispatcher{}
	speaker := &fakeSpeaker{}
	journal := &fakeJournal{}

	svc := NewService(context.Background(), relayConfig(), client, Deps{
		Dispatcher: dispatcher,
		Speaker:    speaker,
		Journal:    journal,
	}, testLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Close()

	dispatcher.complete(completion.Completion{Sequence: 0, Text: completion.SentinelError})
	dispatcher.complete(completion.Completion{Sequence: 1, Text: ""})
	waitFor(t, "error journal", func() bool { return journal.count(eventstore.KindError) == 1 })
	time.Sleep(30 * time.Millisecond)
	if n := len(speaker.lines()); n != 0 {
		t.Fatalf("expected no speech for failed completions, got %d", n)
	}
}

func TestQuotaClosesSessionAndSuspends(t *testing.T) {
	client := startBus(t)
	dispatcher := &fakeDispatcher{}
	speaker := &fakeSpeaker{}
	journal := &fakeJournal{}

	svc := NewService(context.Background(), relayConfig(), client, Deps{
		Dispatcher: dispatcher,
		Speaker:    speaker,
		Journal:    journal,
		SessionID:  "session-q",
	}, testLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Close()

	notify := make(chan *nats.Msg, 2)
	closed := make(chan *nats.Msg, 2)
	notifySub, err := client.Conn().ChanSubscribe(protocol.SubjectNotify, notify)
	if err != nil {
		t.Fatalf("subscribe notify: %v", err)
	}
	defer notifySub.Unsubscribe()
	closeSub, err := client.Conn().ChanSubscribe(protocol.SubjectSessionClose, closed)
	if err != nil {
		t.Fatalf("subscribe session close: %v", err)
	}
	defer closeSub.Unsubscribe()

	dispatcher.complete(completion.Completion{Sequence: 0, Text: completion.SentinelQuota})
	dispatcher.complete(completion.Completion{Sequence: 1, Text: completion.SentinelQuota})

	select {
	case <-notify:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for operator notification")
	}
	select {
	case msg := <-closed:
		var sc protocol.SessionClose
		if err := json.Unmarshal(msg.Data, &sc); err != nil {
			t.Fatalf("decode session close: %v", err)
		}
		if sc.SessionID != "session-q" {
			t.Fatalf("unexpected session id %q", sc.SessionID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for session close")
	}

	waitFor(t, "session end journal", func() bool { return journal.count(eventstore.KindSessionEnd) == 1 })
	if !svc.Suspended() {
		t.Fatal("expected relay to be suspended")
	}
	if journal.count(eventstore.KindQuota) != 2 {
		t.Fatalf("expected both quota results journaled, got %v", journal.kinds)
	}

	lines := speaker.lines()
	if len(lines) != 1 || lines[0].Text != "sorry, that's all for today" {
		t.Fatalf("expected a single apology line, got %+v", lines)
	}

	publish(t, client, protocol.SubjectComment, protocol.Comment{Text: "anyone there?"})
	time.Sleep(30 * time.Millisecond)
	if n := len(dispatcher.submitted()); n != 0 {
		t.Fatalf("expected comments to be ignored while suspended, got %d", n)
	}
}

func TestBackgroundRequestReply(t *testing.T) {
	client := startBus(t)
	pusher := &fakePusher{accept: true}

	svc := NewService(context.Background(), relayConfig(), client, Deps{
		Dispatcher: &fakeDispatcher{},
		Background: pusher,
		Tracks:     []config.TrackConfig{{Title: "rain", Path: "/music/rain.mp3", Volume: 0.4}},
	}, testLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Close()

	request := func(req protocol.BackgroundRequest) protocol.BackgroundResponse {
		t.Helper()
		data, _ := json.Marshal(req)
		msg, err := client.Conn().Request(protocol.SubjectBackground, data, 2*time.Second)
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		var resp protocol.BackgroundResponse
		if err := json.Unmarshal(msg.Data, &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		return resp
	}

	if resp := request(protocol.BackgroundRequest{}); !resp.Accepted {
		t.Fatalf("expected random track to be accepted, got %+v", resp)
	}
	if resp := request(protocol.BackgroundRequest{Path: "/music/jingle.wav"}); !resp.Accepted {
		t.Fatalf("expected explicit track to be accepted, got %+v", resp)
	}

	pusher.mu.Lock()
	pusher.accept = false
	pushed := append([]playback.Audio(nil), pusher.pushed...)
	pusher.mu.Unlock()

	if len(pushed) != 2 {
		t.Fatalf("expected 2 pushes, got %d", len(pushed))
	}
	if pushed[0].Path != "/music/rain.mp3" || pushed[0].Volume != 0.4 {
		t.Fatalf("unexpected configured track %+v", pushed[0])
	}
	if pushed[1].Volume != 1 {
		t.Fatalf("expected default volume, got %v", pushed[1].Volume)
	}

	if resp := request(protocol.BackgroundRequest{Path: "/music/jingle.wav"}); resp.Accepted || resp.Reason == "" {
		t.Fatalf("expected busy rejection, got %+v", resp)
	}
}

func TestBackgroundWithoutTracks(t *testing.T) {
	svc := NewService(context.Background(), relayConfig(), nil, Deps{Background: &fakePusher{accept: true}}, testLogger())
	if resp := svc.pushBackground(protocol.BackgroundRequest{}); resp.Accepted {
		t.Fatal("expected rejection without configured tracks")
	}
	svc = NewService(context.Background(), relayConfig(), nil, Deps{}, testLogger())
	if resp := svc.pushBackground(protocol.BackgroundRequest{Path: "x.mp3"}); resp.Accepted {
		t.Fatal("expected rejection when background is disabled")
	}
}
