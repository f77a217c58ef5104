package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"botfleet/internal/config"
	"botfleet/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type sendRecorder struct {
	mu    sync.Mutex
	sends []string
	err   error
}

func (s *sendRecorder) Platform() domain.Platform { return domain.PlatformDiscord }

func (s *sendRecorder) Connect(ctx context.Context, credentials []byte) error { return nil }

func (s *sendRecorder) Disconnect(ctx context.Context) error { return nil }

func (s *sendRecorder) Events() <-chan domain.RawEvent { return nil }

func (s *sendRecorder) Healthy(ctx context.Context) error { return nil }

func (s *sendRecorder) Send(ctx context.Context, chatID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sends = append(s.sends, chatID+"|"+content)
	return nil
}

func (s *sendRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sends)
}

// fakeSource scripts handle resolution: handle is returned right away,
// late only from the second lookup onward.
type fakeSource struct {
	mu      sync.Mutex
	handle  domain.Adapter
	late    domain.Adapter
	tracked bool
	calls   int
}

func (f *fakeSource) Handle(key domain.BindingKey) (domain.Adapter, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.handle != nil {
		return f.handle, true
	}
	if f.late != nil && f.calls >= 2 {
		return f.late, true
	}
	return nil, false
}

func (f *fakeSource) State(key domain.BindingKey) (domain.ConnectionState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.tracked {
		return domain.ConnectionState{}, false
	}
	return domain.ConnectionState{Key: key, Status: domain.StatusStarting}, true
}

func (f *fakeSource) lookups() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func fastConfig() Config {
	rc := config.RateConfig{PerSecond: 1000, Burst: 100}
	return Config{SendTimeout: time.Second, RetryWait: 200 * time.Millisecond, Discord: rc, Telegram: rc}
}

func TestDispatch_SendsThroughLiveConnection(t *testing.T) {
	rec := &sendRecorder{}
	src := &fakeSource{handle: rec, tracked: true}
	d := New(fastConfig(), src, testLogger())

	if err := d.Dispatch(context.Background(), "atlas", domain.PlatformDiscord, "chat-1", "hi there"); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if rec.count() != 1 {
		t.Fatalf("sends = %d, want 1", rec.count())
	}
	if rec.sends[0] != "chat-1|hi there" {
		t.Errorf("send = %q", rec.sends[0])
	}
}

func TestDispatch_UnknownBindingFailsImmediately(t *testing.T) {
	src := &fakeSource{tracked: false}
	d := New(fastConfig(), src, testLogger())

	start := time.Now()
	err := d.Dispatch(context.Background(), "ghost", domain.PlatformDiscord, "chat-1", "hi")
	if time.Since(start) > 100*time.Millisecond {
		t.Error("unknown binding should fail without waiting")
	}

	var re *domain.RoutingError
	if !errors.As(err, &re) {
		t.Fatalf("error = %v, want RoutingError", err)
	}
	if re.Reason != "no binding" {
		t.Errorf("reason = %q", re.Reason)
	}
}

func TestDispatch_WaitsOnceDuringRestart(t *testing.T) {
	rec := &sendRecorder{}
	src := &fakeSource{tracked: true, late: rec}
	cfg := fastConfig()
	cfg.RetryWait = 20 * time.Millisecond
	d := New(cfg, src, testLogger())

	if err := d.Dispatch(context.Background(), "atlas", domain.PlatformDiscord, "chat-1", "hi"); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if rec.count() != 1 {
		t.Error("reply never sent after retry")
	}
	if src.lookups() != 2 {
		t.Errorf("handle lookups = %d, want 2", src.lookups())
	}
}

func TestDispatch_RoutingErrorAfterSingleRetry(t *testing.T) {
	src := &fakeSource{tracked: true}
	cfg := fastConfig()
	cfg.RetryWait = 20 * time.Millisecond
	d := New(cfg, src, testLogger())

	err := d.Dispatch(context.Background(), "atlas", domain.PlatformDiscord, "chat-1", "hi")

	var re *domain.RoutingError
	if !errors.As(err, &re) {
		t.Fatalf("error = %v, want RoutingError", err)
	}
	if re.Reason != "no live connection" {
		t.Errorf("reason = %q", re.Reason)
	}
	if src.lookups() != 2 {
		t.Errorf("handle lookups = %d, want exactly 2", src.lookups())
	}
}

func TestDispatch_ContextCanceledDuringWait(t *testing.T) {
	src := &fakeSource{tracked: true}
	cfg := fastConfig()
	cfg.RetryWait = 5 * time.Second
	d := New(cfg, src, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := d.Dispatch(ctx, "atlas", domain.PlatformDiscord, "chat-1", "hi")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want deadline exceeded", err)
	}
	if src.lookups() != 1 {
		t.Errorf("handle lookups = %d, want 1", src.lookups())
	}
}

func TestDispatch_SendFailureIsWrapped(t *testing.T) {
	boom := errors.New("gateway send rejected")
	rec := &sendRecorder{err: boom}
	src := &fakeSource{handle: rec, tracked: true}
	d := New(fastConfig(), src, testLogger())

	err := d.Dispatch(context.Background(), "atlas", domain.PlatformDiscord, "chat-1", "hi")
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want wrapped send failure", err)
	}
}

func TestDispatch_PacesSendsPerConnection(t *testing.T) {
	rec := &sendRecorder{}
	src := &fakeSource{handle: rec, tracked: true}
	cfg := fastConfig()
	cfg.Discord = config.RateConfig{PerSecond: 50, Burst: 1}
	d := New(cfg, src, testLogger())

	ctx := context.Background()
	start := time.Now()
	d.Dispatch(ctx, "atlas", domain.PlatformDiscord, "chat-1", "one")
	d.Dispatch(ctx, "atlas", domain.PlatformDiscord, "chat-1", "two")
	elapsed := time.Since(start)

	// Second send needs a refilled token at 50/sec, so ~20ms.
	if elapsed < 15*time.Millisecond {
		t.Errorf("sends were not paced: took %v", elapsed)
	}
	if rec.count() != 2 {
		t.Errorf("sends = %d, want 2", rec.count())
	}
}

func TestForget_DropsLimiterState(t *testing.T) {
	rec := &sendRecorder{}
	src := &fakeSource{handle: rec, tracked: true}
	cfg := fastConfig()
	cfg.Discord = config.RateConfig{PerSecond: 0.1, Burst: 1}
	d := New(cfg, src, testLogger())

	key := domain.BindingKey{AgentID: "atlas", Platform: domain.PlatformDiscord}
	ctx := context.Background()
	d.Dispatch(ctx, "atlas", domain.PlatformDiscord, "chat-1", "one") // drains the burst

	d.Forget(key)

	start := time.Now()
	if err := d.Dispatch(ctx, "atlas", domain.PlatformDiscord, "chat-1", "two"); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("forgotten binding kept its drained bucket")
	}
}
