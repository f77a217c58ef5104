package router

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"botfleet/internal/deadletter"
	"botfleet/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeDeliverer struct {
	mu      sync.Mutex
	envs    []domain.Envelope
	err     error
	delay   time.Duration
	started chan struct{}
	once    sync.Once
}

func (f *fakeDeliverer) Deliver(ctx context.Context, env domain.Envelope) error {
	if f.started != nil {
		f.once.Do(func() { close(f.started) })
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.envs = append(f.envs, env)
	return nil
}

func (f *fakeDeliverer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.envs)
}

func (f *fakeDeliverer) envelope(i int) domain.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.envs[i]
}

type deadRecord struct {
	env   domain.Envelope
	cause string
}

type fakeSink struct {
	mu      sync.Mutex
	records []deadRecord
}

func (f *fakeSink) Write(ctx context.Context, env domain.Envelope, cause string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, deadRecord{env: env, cause: cause})
	return nil
}

func (f *fakeSink) Close() error { return nil }

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func (f *fakeSink) record(i int) deadRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[i]
}

func testEvent(agent, chat, msg string) domain.RawEvent {
	return domain.RawEvent{
		Platform:  domain.PlatformDiscord,
		AgentID:   agent,
		ChatID:    chat,
		MessageID: msg,
		SenderID:  "user-1",
		Content:   "hello " + msg,
	}
}

func startRouter(t *testing.T, d Deliverer, sink *fakeSink) (*Router, context.CancelFunc) {
	t.Helper()
	cfg := Config{QueueSize: 32, ChatQueueSize: 8, DedupeSize: 16, ChatIdle: time.Hour}
	var s deadletter.Sink
	if sink != nil {
		s = sink
	}
	r := New(cfg, d, s, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	t.Cleanup(func() {
		cancel()
		select {
		case <-r.Done():
		case <-time.After(2 * time.Second):
			t.Error("router did not stop")
		}
	})
	return r, cancel
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSubmit_ForwardsNormalizedEnvelope(t *testing.T) {
	d := &fakeDeliverer{}
	r, _ := startRouter(t, d, nil)

	r.Submit(testEvent("atlas", "chat-1", "m1"))

	waitFor(t, func() bool { return d.count() == 1 }, "envelope never delivered")
	env := d.envelope(0)
	if env.ID == "" {
		t.Error("envelope has no id")
	}
	if env.Direction != domain.DirectionInbound {
		t.Errorf("direction = %s", env.Direction)
	}
	if env.AgentID != "atlas" || env.ChatID != "chat-1" || env.MessageID != "m1" {
		t.Errorf("envelope fields lost: %+v", env)
	}
	if env.Timestamp.IsZero() {
		t.Error("zero event timestamp should be filled in")
	}
}

func TestSubmit_DropsDuplicates(t *testing.T) {
	d := &fakeDeliverer{}
	r, _ := startRouter(t, d, nil)

	ev := testEvent("atlas", "chat-1", "m1")
	r.Submit(ev)
	r.Submit(ev)
	r.Submit(testEvent("atlas", "chat-1", "m2"))

	waitFor(t, func() bool { return d.count() == 2 }, "expected two deliveries")
	time.Sleep(20 * time.Millisecond)
	if d.count() != 2 {
		t.Errorf("duplicate slipped through: %d deliveries", d.count())
	}
}

func TestSubmit_SameMessageIDAcrossChats(t *testing.T) {
	// Telegram numbers messages per chat, so id 42 in two chats is two
	// distinct messages.
	d := &fakeDeliverer{}
	r, _ := startRouter(t, d, nil)

	a := testEvent("atlas", "chat-1", "42")
	a.Platform = domain.PlatformTelegram
	b := testEvent("atlas", "chat-2", "42")
	b.Platform = domain.PlatformTelegram
	r.Submit(a)
	r.Submit(b)

	waitFor(t, func() bool { return d.count() == 2 }, "cross-chat message ids were conflated")
}

func TestPerChatOrderingPreserved(t *testing.T) {
	d := &fakeDeliverer{delay: time.Millisecond}
	r, _ := startRouter(t, d, nil)

	const n = 8
	for i := 0; i < n; i++ {
		r.Submit(testEvent("atlas", "chat-1", strconv.Itoa(i)))
	}

	waitFor(t, func() bool { return d.count() == n }, "not all envelopes delivered")
	for i := 0; i < n; i++ {
		if got := d.envelope(i).MessageID; got != strconv.Itoa(i) {
			t.Fatalf("position %d delivered message %s", i, got)
		}
	}
}

func TestChatsGetIndependentWorkers(t *testing.T) {
	d := &fakeDeliverer{delay: 5 * time.Millisecond}
	r, _ := startRouter(t, d, nil)

	r.Submit(testEvent("atlas", "chat-1", "m1"))
	r.Submit(testEvent("atlas", "chat-2", "m2"))

	waitFor(t, func() bool { return d.count() == 2 }, "both chats should deliver")
	if r.workerCount() != 2 {
		t.Errorf("worker count = %d, want 2", r.workerCount())
	}
}

func TestDeliveryFailureGoesToDeadLetter(t *testing.T) {
	d := &fakeDeliverer{err: errors.New("service exhausted retries")}
	sink := &fakeSink{}
	r, _ := startRouter(t, d, sink)

	r.Submit(testEvent("atlas", "chat-1", "m1"))

	waitFor(t, func() bool { return sink.count() == 1 }, "failed envelope never dead-lettered")
	rec := sink.record(0)
	if rec.env.MessageID != "m1" {
		t.Errorf("dead letter holds wrong envelope: %+v", rec.env)
	}
	if rec.cause == "" {
		t.Error("dead letter has no cause")
	}
}

func TestChatQueueCongestionDeadLetters(t *testing.T) {
	d := &fakeDeliverer{delay: time.Second, started: make(chan struct{})}
	sink := &fakeSink{}
	cfg := Config{QueueSize: 32, ChatQueueSize: 2, DedupeSize: 16, ChatIdle: time.Hour}
	r := New(cfg, d, sink, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Drive handle directly so queue occupancy is deterministic.
	r.handle(ctx, testEvent("atlas", "chat-1", "m1"))
	<-d.started // worker is now busy with m1, queue empty

	r.handle(ctx, testEvent("atlas", "chat-1", "m2"))
	r.handle(ctx, testEvent("atlas", "chat-1", "m3"))
	r.handle(ctx, testEvent("atlas", "chat-1", "m4")) // queue full

	if sink.count() != 1 {
		t.Fatalf("dead letters = %d, want 1", sink.count())
	}
	if rec := sink.record(0); rec.env.MessageID != "m4" || rec.cause != "chat queue congested" {
		t.Errorf("wrong dead letter: %+v cause=%q", rec.env, rec.cause)
	}
	r.stopWorkers()
}

func TestIntakeCongestionDeadLetters(t *testing.T) {
	sink := &fakeSink{}
	cfg := Config{QueueSize: 1, ChatQueueSize: 2, DedupeSize: 16, ChatIdle: time.Hour}
	r := New(cfg, &fakeDeliverer{}, sink, testLogger())
	r.intakeWait = 10 * time.Millisecond

	// No run loop consuming, so the second submit times out.
	r.Submit(testEvent("atlas", "chat-1", "m1"))
	r.Submit(testEvent("atlas", "chat-1", "m2"))

	if sink.count() != 1 {
		t.Fatalf("dead letters = %d, want 1", sink.count())
	}
	if rec := sink.record(0); rec.cause != "inbound queue congested" {
		t.Errorf("cause = %q", rec.cause)
	}
}

func TestReapRetiresIdleWorkers(t *testing.T) {
	d := &fakeDeliverer{}
	r, _ := startRouter(t, d, nil)

	r.Submit(testEvent("atlas", "chat-1", "m1"))
	waitFor(t, func() bool { return d.count() == 1 }, "envelope never delivered")

	r.reapIdle(time.Now().Add(2 * time.Hour))
	if r.workerCount() != 0 {
		t.Fatalf("worker count = %d after reap", r.workerCount())
	}

	// A fresh event for the same chat gets a fresh worker.
	r.Submit(testEvent("atlas", "chat-1", "m2"))
	waitFor(t, func() bool { return d.count() == 2 }, "reaped chat stopped delivering")
}

func TestClose_DrainsBacklog(t *testing.T) {
	d := &fakeDeliverer{delay: 2 * time.Millisecond}
	sink := &fakeSink{}
	cfg := Config{QueueSize: 32, ChatQueueSize: 16, DedupeSize: 32, ChatIdle: time.Hour}
	r := New(cfg, d, sink, testLogger())
	go r.Run(context.Background())

	const n = 10
	for i := 0; i < n; i++ {
		r.Submit(testEvent("atlas", "chat-1", strconv.Itoa(i)))
	}
	r.Close()

	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("router never drained")
	}
	if d.count() != n {
		t.Errorf("delivered %d of %d after close", d.count(), n)
	}
}

func TestSubmit_AfterCloseIsSafe(t *testing.T) {
	d := &fakeDeliverer{}
	cfg := Config{QueueSize: 4, ChatQueueSize: 2, DedupeSize: 8, ChatIdle: time.Hour}
	r := New(cfg, d, &fakeSink{}, testLogger())
	go r.Run(context.Background())

	r.Close()
	<-r.Done()
	r.Submit(testEvent("atlas", "chat-1", "m1")) // must not panic
	r.Close()                                    // repeat close is a no-op

	if d.count() != 0 {
		t.Errorf("delivered %d events after close", d.count())
	}
}
