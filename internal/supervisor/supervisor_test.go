package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"botfleet/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeAdapter struct {
	key        domain.BindingKey
	connectErr error
	events     chan domain.RawEvent
	closeOnce  sync.Once

	mu           sync.Mutex
	connected    bool
	disconnected bool
	creds        []byte
	healthyErr   error
}

func (f *fakeAdapter) Platform() domain.Platform { return f.key.Platform }

func (f *fakeAdapter) Connect(ctx context.Context, credentials []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creds = credentials
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeAdapter) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	f.connected = false
	f.disconnected = true
	f.mu.Unlock()
	f.closeEvents()
	return nil
}

func (f *fakeAdapter) closeEvents() {
	f.closeOnce.Do(func() { close(f.events) })
}

func (f *fakeAdapter) Send(ctx context.Context, chatID, content string) error { return nil }

func (f *fakeAdapter) Events() <-chan domain.RawEvent { return f.events }

func (f *fakeAdapter) Healthy(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthyErr
}

func (f *fakeAdapter) setHealthy(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthyErr = err
}

func (f *fakeAdapter) wasDisconnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnected
}

func (f *fakeAdapter) lastCreds() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creds
}

// fakeFactory scripts connection outcomes: errQueue feeds one error per
// construction (nil = success), defaultErr applies once the queue runs dry.
type fakeFactory struct {
	mu         sync.Mutex
	adapters   []*fakeAdapter
	errQueue   []error
	defaultErr error
	buildErr   error
}

func (ff *fakeFactory) build(key domain.BindingKey) (domain.Adapter, error) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if ff.buildErr != nil {
		return nil, ff.buildErr
	}
	connectErr := ff.defaultErr
	if len(ff.errQueue) > 0 {
		connectErr = ff.errQueue[0]
		ff.errQueue = ff.errQueue[1:]
	}
	a := &fakeAdapter{
		key:        key,
		connectErr: connectErr,
		events:     make(chan domain.RawEvent, 8),
	}
	ff.adapters = append(ff.adapters, a)
	return a, nil
}

func (ff *fakeFactory) count() int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return len(ff.adapters)
}

func (ff *fakeFactory) adapter(i int) *fakeAdapter {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.adapters[i]
}

type recordingSink struct {
	mu     sync.Mutex
	events []domain.RawEvent
}

func (r *recordingSink) Submit(ev domain.RawEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func newTestSupervisor(ff *fakeFactory, sink EventSink) *Supervisor {
	if sink == nil {
		sink = &recordingSink{}
	}
	cfg := Config{
		MaxRetries:     2,
		BackoffBase:    time.Millisecond,
		BackoffCap:     4 * time.Millisecond,
		HealthInterval: time.Hour,
		ConnectTimeout: time.Second,
		StopTimeout:    time.Second,
	}
	return New(cfg, ff.build, sink, testLogger())
}

func testBinding(agent string, version int64, token string, state domain.DesiredState) domain.Binding {
	return domain.Binding{
		AgentID:      agent,
		Platform:     domain.PlatformDiscord,
		Credentials:  domain.BotCredentials{Token: token}.Encode(),
		DesiredState: state,
		Version:      version,
	}
}

func waitForStatus(t *testing.T, s *Supervisor, key domain.BindingKey, want domain.ConnectionStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st, ok := s.State(key); ok && st.Status == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	st, ok := s.State(key)
	t.Fatalf("connection %s never reached %s (tracked=%v, status=%s, lastError=%q)",
		key, want, ok, st.Status, st.LastError)
}

func TestReconcile_StartsEnabledBinding(t *testing.T) {
	ff := &fakeFactory{}
	s := newTestSupervisor(ff, nil)

	b := testBinding("atlas", 1, "tok-1", domain.StateEnabled)
	s.Reconcile(context.Background(), b)

	st, ok := s.State(b.Key())
	if !ok {
		t.Fatal("connection not tracked")
	}
	if st.Status != domain.StatusRunning {
		t.Fatalf("status = %s, want running", st.Status)
	}
	if st.BoundVersion != 1 {
		t.Errorf("bound version = %d", st.BoundVersion)
	}
	if ff.count() != 1 {
		t.Errorf("adapters built = %d", ff.count())
	}
	if !bytes.Contains(ff.adapter(0).lastCreds(), []byte("tok-1")) {
		t.Error("adapter did not receive the binding credentials")
	}
	if _, ok := s.Handle(b.Key()); !ok {
		t.Error("running connection should expose a handle")
	}
}

func TestReconcile_SameVersionIsNoOp(t *testing.T) {
	ff := &fakeFactory{}
	s := newTestSupervisor(ff, nil)
	b := testBinding("atlas", 1, "tok-1", domain.StateEnabled)

	s.Reconcile(context.Background(), b)
	s.Reconcile(context.Background(), b)

	if ff.count() != 1 {
		t.Errorf("repeat reconcile rebuilt the connection: %d adapters", ff.count())
	}
}

func TestReconcile_StaleVersionIgnored(t *testing.T) {
	ff := &fakeFactory{}
	s := newTestSupervisor(ff, nil)

	s.Reconcile(context.Background(), testBinding("atlas", 2, "tok-2", domain.StateEnabled))
	s.Reconcile(context.Background(), testBinding("atlas", 1, "tok-1", domain.StateEnabled))

	st, _ := s.State(domain.BindingKey{AgentID: "atlas", Platform: domain.PlatformDiscord})
	if st.BoundVersion != 2 {
		t.Errorf("bound version = %d, want 2", st.BoundVersion)
	}
	if ff.count() != 1 {
		t.Errorf("stale reconcile rebuilt the connection: %d adapters", ff.count())
	}
}

func TestReconcile_DisabledStopsConnection(t *testing.T) {
	ff := &fakeFactory{}
	s := newTestSupervisor(ff, nil)
	key := domain.BindingKey{AgentID: "atlas", Platform: domain.PlatformDiscord}

	s.Reconcile(context.Background(), testBinding("atlas", 1, "tok-1", domain.StateEnabled))
	s.Reconcile(context.Background(), testBinding("atlas", 2, "tok-1", domain.StateDisabled))

	st, _ := s.State(key)
	if st.Status != domain.StatusStopped {
		t.Fatalf("status = %s, want stopped", st.Status)
	}
	if st.BoundVersion != 2 {
		t.Errorf("bound version = %d", st.BoundVersion)
	}
	if !ff.adapter(0).wasDisconnected() {
		t.Error("adapter was not disconnected")
	}
	if _, ok := s.Handle(key); ok {
		t.Error("stopped connection must not expose a handle")
	}
}

func TestReconcile_CredentialChangeRestarts(t *testing.T) {
	ff := &fakeFactory{}
	s := newTestSupervisor(ff, nil)
	key := domain.BindingKey{AgentID: "atlas", Platform: domain.PlatformDiscord}

	s.Reconcile(context.Background(), testBinding("atlas", 1, "tok-old", domain.StateEnabled))
	s.Reconcile(context.Background(), testBinding("atlas", 2, "tok-new", domain.StateEnabled))

	if ff.count() != 2 {
		t.Fatalf("adapters built = %d, want 2", ff.count())
	}
	if !ff.adapter(0).wasDisconnected() {
		t.Error("old connection was not torn down")
	}
	if bytes.Contains(ff.adapter(1).lastCreds(), []byte("tok-old")) {
		t.Error("new connection saw the old credentials")
	}
	st, _ := s.State(key)
	if st.Status != domain.StatusRunning || st.BoundVersion != 2 {
		t.Errorf("state = %s v%d, want running v2", st.Status, st.BoundVersion)
	}
}

func TestConnectFailure_RetriesThenRecovers(t *testing.T) {
	transient := errors.New("gateway unreachable")
	ff := &fakeFactory{errQueue: []error{transient, transient, nil}}
	s := newTestSupervisor(ff, nil)
	key := domain.BindingKey{AgentID: "atlas", Platform: domain.PlatformDiscord}

	s.Reconcile(context.Background(), testBinding("atlas", 1, "tok", domain.StateEnabled))
	waitForStatus(t, s, key, domain.StatusRunning)

	if ff.count() != 3 {
		t.Errorf("connect attempts = %d, want 3", ff.count())
	}
	st, _ := s.State(key)
	if st.RetryCount != 0 {
		t.Errorf("retry count should reset on success, got %d", st.RetryCount)
	}
}

func TestConnectFailure_ExhaustsBudget(t *testing.T) {
	ff := &fakeFactory{defaultErr: errors.New("gateway unreachable")}
	s := newTestSupervisor(ff, nil)
	key := domain.BindingKey{AgentID: "atlas", Platform: domain.PlatformDiscord}

	s.Reconcile(context.Background(), testBinding("atlas", 1, "tok", domain.StateEnabled))
	waitForStatus(t, s, key, domain.StatusStopped)

	// Initial attempt plus MaxRetries.
	if ff.count() != 3 {
		t.Errorf("connect attempts = %d, want 3", ff.count())
	}
	st, _ := s.State(key)
	if st.LastError == "" {
		t.Error("exhausted connection should keep its last error")
	}

	// No further attempts once parked.
	time.Sleep(20 * time.Millisecond)
	if ff.count() != 3 {
		t.Errorf("parked connection kept retrying: %d attempts", ff.count())
	}
}

func TestConnectFailure_CredentialErrorIsPermanent(t *testing.T) {
	ff := &fakeFactory{defaultErr: fmt.Errorf("login: %w", domain.ErrCredentialInvalid)}
	s := newTestSupervisor(ff, nil)
	key := domain.BindingKey{AgentID: "atlas", Platform: domain.PlatformDiscord}

	s.Reconcile(context.Background(), testBinding("atlas", 1, "bad-tok", domain.StateEnabled))

	st, _ := s.State(key)
	if st.Status != domain.StatusError {
		t.Fatalf("status = %s, want error", st.Status)
	}
	if st.RetryCount != 0 {
		t.Errorf("permanent failure must not consume retries, got %d", st.RetryCount)
	}

	time.Sleep(20 * time.Millisecond)
	if ff.count() != 1 {
		t.Fatalf("invalid credentials were retried: %d attempts", ff.count())
	}

	// A new binding version with working credentials recovers it.
	ff.mu.Lock()
	ff.defaultErr = nil
	ff.mu.Unlock()
	s.Reconcile(context.Background(), testBinding("atlas", 2, "good-tok", domain.StateEnabled))
	waitForStatus(t, s, key, domain.StatusRunning)
}

func TestEventsReachSink(t *testing.T) {
	ff := &fakeFactory{}
	sink := &recordingSink{}
	s := newTestSupervisor(ff, sink)

	s.Reconcile(context.Background(), testBinding("atlas", 1, "tok", domain.StateEnabled))

	ff.adapter(0).events <- domain.RawEvent{
		Platform: domain.PlatformDiscord, AgentID: "atlas", ChatID: "c1", MessageID: "m1", Content: "ping",
	}

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if sink.count() != 1 {
		t.Fatalf("sink received %d events, want 1", sink.count())
	}
}

func TestConnectionLost_Reconnects(t *testing.T) {
	ff := &fakeFactory{}
	s := newTestSupervisor(ff, nil)
	key := domain.BindingKey{AgentID: "atlas", Platform: domain.PlatformDiscord}

	s.Reconcile(context.Background(), testBinding("atlas", 1, "tok", domain.StateEnabled))

	// Kill the event stream out from under the supervisor.
	ff.adapter(0).closeEvents()

	deadline := time.Now().Add(2 * time.Second)
	for ff.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if ff.count() != 2 {
		t.Fatalf("lost connection was not rebuilt: %d adapters", ff.count())
	}
	waitForStatus(t, s, key, domain.StatusRunning)
}

func TestHealthCheckFailure_Reconnects(t *testing.T) {
	ff := &fakeFactory{}
	s := newTestSupervisor(ff, nil)
	key := domain.BindingKey{AgentID: "atlas", Platform: domain.PlatformDiscord}

	s.Reconcile(context.Background(), testBinding("atlas", 1, "tok", domain.StateEnabled))
	ff.adapter(0).setHealthy(errors.New("heartbeat stale"))

	s.checkConnections(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for ff.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if ff.count() != 2 {
		t.Fatalf("unhealthy connection was not rebuilt: %d adapters", ff.count())
	}
	waitForStatus(t, s, key, domain.StatusRunning)
	if !ff.adapter(0).wasDisconnected() {
		t.Error("unhealthy adapter was not cleaned up")
	}
}

func TestRestart_RebuildsConnection(t *testing.T) {
	ff := &fakeFactory{}
	s := newTestSupervisor(ff, nil)
	key := domain.BindingKey{AgentID: "atlas", Platform: domain.PlatformDiscord}

	s.Reconcile(context.Background(), testBinding("atlas", 1, "tok", domain.StateEnabled))
	if err := s.Restart(key); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for ff.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if ff.count() != 2 {
		t.Fatalf("restart did not rebuild the connection")
	}
	waitForStatus(t, s, key, domain.StatusRunning)

	unknown := domain.BindingKey{AgentID: "ghost", Platform: domain.PlatformTelegram}
	if err := s.Restart(unknown); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Restart(unknown) = %v, want ErrNotFound", err)
	}
}

func TestRemove_TearsDownAndForgets(t *testing.T) {
	ff := &fakeFactory{}
	s := newTestSupervisor(ff, nil)
	key := domain.BindingKey{AgentID: "atlas", Platform: domain.PlatformDiscord}

	s.Reconcile(context.Background(), testBinding("atlas", 1, "tok", domain.StateEnabled))
	s.Remove(context.Background(), key, 2)

	if _, ok := s.State(key); ok {
		t.Error("removed connection still tracked")
	}
	if !ff.adapter(0).wasDisconnected() {
		t.Error("removed connection was not disconnected")
	}
}

func TestRemove_StaleTombstoneIgnored(t *testing.T) {
	ff := &fakeFactory{}
	s := newTestSupervisor(ff, nil)
	key := domain.BindingKey{AgentID: "atlas", Platform: domain.PlatformDiscord}

	s.Reconcile(context.Background(), testBinding("atlas", 5, "tok", domain.StateEnabled))
	s.Remove(context.Background(), key, 3)

	st, ok := s.State(key)
	if !ok || st.Status != domain.StatusRunning {
		t.Errorf("stale removal tore down a newer binding: tracked=%v status=%s", ok, st.Status)
	}
}

func TestShutdownAll(t *testing.T) {
	ff := &fakeFactory{}
	s := newTestSupervisor(ff, nil)

	s.Reconcile(context.Background(), testBinding("atlas", 1, "tok-a", domain.StateEnabled))
	s.Reconcile(context.Background(), testBinding("borealis", 1, "tok-b", domain.StateEnabled))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.ShutdownAll(ctx)

	for _, st := range s.States() {
		if st.Status != domain.StatusStopped {
			t.Errorf("connection %s still %s after shutdown", st.Key, st.Status)
		}
	}
	for i := 0; i < ff.count(); i++ {
		if !ff.adapter(i).wasDisconnected() {
			t.Errorf("adapter %d not disconnected", i)
		}
	}

	// No new work after shutdown.
	s.Reconcile(context.Background(), testBinding("corvus", 1, "tok-c", domain.StateEnabled))
	if _, ok := s.State(domain.BindingKey{AgentID: "corvus", Platform: domain.PlatformDiscord}); ok {
		t.Error("supervisor accepted work after shutdown")
	}
}

func TestBackoffDelay_Bounds(t *testing.T) {
	base := time.Second
	ceil := 60 * time.Second
	for retry := 1; retry <= 10; retry++ {
		exp := base << (retry - 1)
		if exp > ceil {
			exp = ceil
		}
		for i := 0; i < 20; i++ {
			d := backoffDelay(base, ceil, retry)
			if d < exp/2 || d > exp {
				t.Fatalf("retry %d: delay %v outside [%v, %v]", retry, d, exp/2, exp)
			}
		}
	}

	// Deep retry counts must not overflow past the ceiling.
	if d := backoffDelay(base, ceil, 200); d > ceil {
		t.Errorf("delay %v exceeds ceiling", d)
	}
}

func TestStates_SortedByKey(t *testing.T) {
	ff := &fakeFactory{}
	s := newTestSupervisor(ff, nil)

	s.Reconcile(context.Background(), testBinding("zephyr", 1, "tok-z", domain.StateEnabled))
	s.Reconcile(context.Background(), testBinding("atlas", 1, "tok-a", domain.StateEnabled))

	states := s.States()
	if len(states) != 2 {
		t.Fatalf("states = %d, want 2", len(states))
	}
	if states[0].Key.AgentID != "atlas" || states[1].Key.AgentID != "zephyr" {
		t.Errorf("states not sorted: %s, %s", states[0].Key, states[1].Key)
	}
}
