package orchestrator

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/switchboardhq/switchboard/internal/channel"
	"github.com/switchboardhq/switchboard/internal/channel/adapters/terminal"
	"github.com/switchboardhq/switchboard/internal/conversation"
	"github.com/switchboardhq/switchboard/internal/engine"
	"github.com/switchboardhq/switchboard/internal/engine/enginetest"
	"github.com/switchboardhq/switchboard/internal/identity"
	"github.com/switchboardhq/switchboard/internal/threadlock"
)

type fakeResolver struct {
	mu    sync.Mutex
	users map[string]identity.User
	err   error
}

func (f *fakeResolver) Resolve(ctx context.Context, ch, uid string) (identity.User, error) {
	if f.err != nil {
		return identity.User{}, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := ch + ":" + uid
	u, ok := f.users[key]
	if !ok {
		u = identity.User{ID: "user-" + uid, DisplayName: uid}
		f.users[key] = u
	}
	return u, nil
}

type fakeCatalog struct {
	mu      sync.Mutex
	active  map[string]conversation.Conversation
	created int
	getErr  error
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{active: map[string]conversation.Conversation{}}
}

func (f *fakeCatalog) GetActive(ctx context.Context, userID string) (conversation.Conversation, error) {
	if f.getErr != nil {
		return conversation.Conversation{}, f.getErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.active[userID]
	if !ok {
		conv = conversation.Conversation{
			ID:       "c-" + userID,
			UserID:   userID,
			ThreadID: "thread-" + userID,
			Model:    "anthropic:claude-sonnet-4-5",
			IsActive: true,
		}
		f.active[userID] = conv
	}
	return conv, nil
}

func (f *fakeCatalog) CreateNew(ctx context.Context, userID, model, systemPrompt string) (conversation.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	conv := conversation.Conversation{ID: "c-new", UserID: userID, ThreadID: "aaaabbbb-new-thread", IsActive: true}
	f.active[userID] = conv
	return conv, nil
}

func (f *fakeCatalog) SwitchActive(ctx context.Context, userID, ref string) (conversation.Conversation, error) {
	return conversation.Conversation{}, conversation.ErrConversationNotFound
}

func (f *fakeCatalog) UpdateModel(ctx context.Context, id, model string) error        { return nil }
func (f *fakeCatalog) UpdateSystemPrompt(ctx context.Context, id, sp string) error    { return nil }
func (f *fakeCatalog) UpdateTitle(ctx context.Context, id, title string) error        { return nil }
func (f *fakeCatalog) ListFor(ctx context.Context, userID string) ([]conversation.Conversation, error) {
	return nil, nil
}

type recordingStream struct {
	mu     sync.Mutex
	events []channel.StreamEvent
}

func (r *recordingStream) Push(ctx context.Context, e channel.StreamEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingStream) Close(ctx context.Context) error { return nil }

func (r *recordingStream) finalText() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == channel.StreamEventFinal {
			return r.events[i].Final
		}
	}
	return ""
}

func newOrchestrator(eng engine.Engine, depth int) (*Orchestrator, *fakeCatalog) {
	cat := newFakeCatalog()
	resolver := &fakeResolver{users: map[string]identity.User{}}
	o := New(nil, resolver, cat, threadlock.NewRegistry(depth), eng, time.Second)
	return o, cat
}

func msg(uid, text string) channel.InboundMessage {
	return channel.InboundMessage{
		Channel:    channel.TypeTerminal,
		ChannelUID: uid,
		Text:       text,
		ReceivedAt: time.Now(),
	}
}

func TestHandleMessageTurn(t *testing.T) {
	fake := enginetest.New(enginetest.Script{Chunks: []string{"hi ", "there"}})
	o, _ := newOrchestrator(fake, 8)

	out := &recordingStream{}
	if err := o.HandleMessage(context.Background(), msg("alice", "hello"), out); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if got := out.finalText(); got != "hi there" {
		t.Fatalf("final = %q", got)
	}

	reqs := fake.Requests()
	if len(reqs) != 1 {
		t.Fatalf("requests = %d", len(reqs))
	}
	if reqs[0].ThreadID != "thread-user-alice" || reqs[0].Text != "hello" {
		t.Fatalf("request = %+v", reqs[0])
	}
	if reqs[0].Model != "anthropic:claude-sonnet-4-5" {
		t.Fatalf("model = %q", reqs[0].Model)
	}
}

func TestHandleMessageSerializesPerThread(t *testing.T) {
	fake := enginetest.New(
		enginetest.Script{Chunks: []string{"first"}, Delay: 50 * time.Millisecond},
		enginetest.Script{Chunks: []string{"second"}},
	)
	o, _ := newOrchestrator(fake, 8)

	var mu sync.Mutex
	var order []string
	handle := func(text string) {
		out := &recordingStream{}
		o.HandleMessage(context.Background(), msg("alice", text), out)
		mu.Lock()
		order = append(order, out.finalText())
		mu.Unlock()
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); handle("one") }()
	time.Sleep(10 * time.Millisecond) // let the first turn take the lock
	go func() { defer wg.Done(); handle("two") }()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("order = %v", order)
	}

	reqs := fake.Requests()
	if reqs[0].Text != "one" || reqs[1].Text != "two" {
		t.Fatalf("engine saw %q then %q", reqs[0].Text, reqs[1].Text)
	}
}

func TestHandleMessageLinkedIdentitiesShareThread(t *testing.T) {
	fake := enginetest.New(enginetest.Script{Chunks: []string{"ok"}})
	cat := newFakeCatalog()
	alice := identity.User{ID: "user-alice", DisplayName: "alice"}
	resolver := &fakeResolver{users: map[string]identity.User{
		"terminal:local": alice,
		"telegram:12345": alice,
	}}
	o := New(nil, resolver, cat, threadlock.NewRegistry(8), fake, time.Second)

	m1 := channel.InboundMessage{Channel: channel.TypeTerminal, ChannelUID: "local", Text: "Hello", ReceivedAt: time.Now()}
	m2 := channel.InboundMessage{Channel: channel.TypeTelegram, ChannelUID: "12345", Text: "Continue", ReceivedAt: time.Now()}
	o.HandleMessage(context.Background(), m1, &recordingStream{})
	o.HandleMessage(context.Background(), m2, &recordingStream{})

	reqs := fake.Requests()
	if len(reqs) != 2 {
		t.Fatalf("requests = %d", len(reqs))
	}
	if reqs[0].ThreadID != reqs[1].ThreadID {
		t.Fatalf("threads diverged: %q vs %q", reqs[0].ThreadID, reqs[1].ThreadID)
	}
}

func TestHandleMessageDistinctUsersRunInParallel(t *testing.T) {
	fake := enginetest.New(enginetest.Script{Chunks: []string{"ok"}, Delay: 60 * time.Millisecond})
	o, _ := newOrchestrator(fake, 8)

	start := time.Now()
	var wg sync.WaitGroup
	for _, uid := range []string{"alice", "bob", "carol"} {
		wg.Add(1)
		go func(uid string) {
			defer wg.Done()
			o.HandleMessage(context.Background(), msg(uid, "hello"), &recordingStream{})
		}(uid)
	}
	wg.Wait()

	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Fatalf("turns serialized across threads: %v", elapsed)
	}
}

func TestHandleMessageBusyReply(t *testing.T) {
	fake := enginetest.New(enginetest.Script{Chunks: []string{"slow"}, Delay: 200 * time.Millisecond})
	o, _ := newOrchestrator(fake, 1)

	go o.HandleMessage(context.Background(), msg("alice", "first"), &recordingStream{})
	time.Sleep(20 * time.Millisecond)
	go o.HandleMessage(context.Background(), msg("alice", "second"), &recordingStream{})
	time.Sleep(20 * time.Millisecond)

	out := &recordingStream{}
	if err := o.HandleMessage(context.Background(), msg("alice", "third"), out); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if got := out.finalText(); got != busyReply {
		t.Fatalf("final = %q", got)
	}
}

func TestHandleMessageCommand(t *testing.T) {
	fake := enginetest.New()
	o, cat := newOrchestrator(fake, 8)

	out := &recordingStream{}
	if err := o.HandleMessage(context.Background(), msg("alice", "/new"), out); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if cat.created != 1 {
		t.Fatalf("created = %d", cat.created)
	}
	if !strings.Contains(out.finalText(), "new conversation") {
		t.Fatalf("final = %q", out.finalText())
	}
	if len(fake.Requests()) != 0 {
		t.Fatal("command reached the engine")
	}
}

func TestHandleMessageUnknownCommandNeverReachesEngine(t *testing.T) {
	fake := enginetest.New()
	o, _ := newOrchestrator(fake, 8)

	out := &recordingStream{}
	o.HandleMessage(context.Background(), msg("alice", "/selfdestruct"), out)
	if !strings.Contains(out.finalText(), "Unknown command") {
		t.Fatalf("final = %q", out.finalText())
	}
	if len(fake.Requests()) != 0 {
		t.Fatal("unknown command reached the engine")
	}
}

func TestHandleMessageEmptyIgnored(t *testing.T) {
	fake := enginetest.New()
	o, _ := newOrchestrator(fake, 8)

	out := &recordingStream{}
	if err := o.HandleMessage(context.Background(), msg("alice", "   "), out); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if len(out.events) != 0 {
		t.Fatalf("events = %v", out.events)
	}
}

func TestHandleMessageInvokeErrorRetryReply(t *testing.T) {
	fake := enginetest.New(enginetest.Script{InvokeErr: errors.New("engine down")})
	o, _ := newOrchestrator(fake, 8)

	out := &recordingStream{}
	if err := o.HandleMessage(context.Background(), msg("alice", "hello"), out); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if got := out.finalText(); got != retryReply {
		t.Fatalf("final = %q", got)
	}
}

type syncBuffer struct {
	mu sync.Mutex
	b  strings.Builder
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

// Shutdown stops a channel before draining; the turn already streaming must
// still be delivered in full.
func TestStopThenDrainDeliversInFlightTurn(t *testing.T) {
	fake := enginetest.New(enginetest.Script{Chunks: []string{"long ", "answer"}, Delay: 60 * time.Millisecond})
	o, _ := newOrchestrator(fake, 8)

	pr, pw := io.Pipe()
	defer pw.Close()
	out := &syncBuffer{}
	a := terminal.NewWithIO(nil, pr, out)
	conn, err := a.Connect(context.Background(), func(ctx context.Context, m channel.InboundMessage, s channel.OutboundStream) error {
		return o.HandleMessage(ctx, m, s)
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	go pw.Write([]byte("hello\n"))
	deadline := time.After(time.Second)
	for len(fake.Requests()) == 0 {
		select {
		case <-deadline:
			t.Fatal("turn never reached the engine")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := conn.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := o.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	if text := out.String(); !strings.Contains(text, "long answer") {
		t.Fatalf("turn truncated by shutdown: %q", text)
	}
}

func TestDrainTimeoutAbortsLingeringTurn(t *testing.T) {
	fake := enginetest.New(enginetest.Script{Chunks: []string{"never"}, Delay: time.Second})
	cat := newFakeCatalog()
	resolver := &fakeResolver{users: map[string]identity.User{}}
	o := New(nil, resolver, cat, threadlock.NewRegistry(8), fake, 50*time.Millisecond)

	done := make(chan struct{})
	go func() {
		o.HandleMessage(context.Background(), msg("alice", "hello"), &recordingStream{})
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)

	if err := o.Drain(context.Background()); err == nil {
		t.Fatal("Drain should report the timeout")
	}
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("turn kept running past the drain timeout")
	}
}

func TestDrainWaitsForInFlight(t *testing.T) {
	fake := enginetest.New(enginetest.Script{Chunks: []string{"slow"}, Delay: 80 * time.Millisecond})
	o, _ := newOrchestrator(fake, 8)

	done := make(chan struct{})
	go func() {
		o.HandleMessage(context.Background(), msg("alice", "hello"), &recordingStream{})
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)

	if err := o.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	select {
	case <-done:
	default:
		t.Fatal("drain returned before the turn finished")
	}
}
