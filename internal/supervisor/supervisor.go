// Package supervisor owns the lifecycle of every platform connection.
// It reconciles desired state from the registry into running adapters,
// restarts failed connections with capped backoff, and keeps one
// binding's failures from touching the rest of the fleet.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"botfleet/internal/domain"
	"botfleet/internal/metrics"
)

// Factory builds a fresh adapter for one connection attempt.
type Factory func(key domain.BindingKey) (domain.Adapter, error)

// EventSink receives inbound events pumped off running connections.
type EventSink interface {
	Submit(ev domain.RawEvent)
}

// Config bounds lifecycle transitions.
type Config struct {
	MaxRetries     int           // transient failures tolerated before giving up
	BackoffBase    time.Duration // first retry delay
	BackoffCap     time.Duration // retry delay ceiling
	HealthInterval time.Duration
	ConnectTimeout time.Duration
	StopTimeout    time.Duration
}

// Supervisor drives connections toward their bindings' desired state.
type Supervisor struct {
	cfg     Config
	factory Factory
	sink    EventSink
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[domain.BindingKey]*entry
	closed  bool

	pumps sync.WaitGroup
}

func New(cfg Config, factory Factory, sink EventSink, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		factory: factory,
		sink:    sink,
		logger:  logger,
		entries: make(map[domain.BindingKey]*entry),
	}
}

// Reconcile drives one binding's connection toward its desired state.
// Safe to call concurrently and with events out of order: versions older
// than the applied one are ignored, equal versions are a no-op.
func (s *Supervisor) Reconcile(ctx context.Context, b domain.Binding) {
	e, ok := s.getOrCreate(b.Key())
	if !ok {
		return // shutting down
	}

	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	st := e.snapshot()
	if b.Version < st.BoundVersion {
		s.logger.Debug("stale binding version ignored",
			"key", b.Key(), "version", b.Version, "applied", st.BoundVersion)
		return
	}
	if b.Version == st.BoundVersion {
		return // already applied; running, retrying, or deliberately down
	}

	// Newer version: anything about the binding may have changed, so the
	// old connection comes fully down before new credentials go anywhere.
	s.stopLocked(e)
	e.apply(b)
	if !b.Enabled() {
		s.logger.Info("connection disabled", "key", b.Key(), "version", b.Version)
		return
	}
	s.startLocked(ctx, e, b)
}

// Remove tears down a connection and forgets the binding. version is the
// removal tombstone; a newer applied binding wins over a stale removal.
// version 0 removes unconditionally.
func (s *Supervisor) Remove(ctx context.Context, key domain.BindingKey, version int64) {
	e := s.lookup(key)
	if e == nil {
		return
	}

	e.lifecycleMu.Lock()
	st := e.snapshot()
	if version != 0 && st.BoundVersion > version {
		e.lifecycleMu.Unlock()
		s.logger.Debug("stale removal ignored", "key", key, "version", version)
		return
	}
	s.stopLocked(e)
	e.lifecycleMu.Unlock()

	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	s.logger.Info("connection removed", "key", key)
}

// Restart forces a stop and a fresh start with the current binding,
// resetting the retry budget. The restart proceeds in the background;
// observe progress through State.
func (s *Supervisor) Restart(key domain.BindingKey) error {
	e := s.lookup(key)
	if e == nil {
		return domain.ErrNotFound
	}
	go func() {
		e.lifecycleMu.Lock()
		defer e.lifecycleMu.Unlock()
		b := e.binding()
		s.stopLocked(e)
		if b.Version == 0 || !b.Enabled() {
			return
		}
		e.resetRetries()
		s.startLocked(context.Background(), e, b)
	}()
	return nil
}

// State reports one connection's current state.
func (s *Supervisor) State(key domain.BindingKey) (domain.ConnectionState, bool) {
	e := s.lookup(key)
	if e == nil {
		return domain.ConnectionState{}, false
	}
	return e.snapshot(), true
}

// States reports every tracked connection, ordered by key.
func (s *Supervisor) States() []domain.ConnectionState {
	entries := s.allEntries()
	out := make([]domain.ConnectionState, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// Keys lists every tracked binding key.
func (s *Supervisor) Keys() []domain.BindingKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]domain.BindingKey, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	return keys
}

// Handle returns the live adapter for a running connection. Replies must
// go through the handle so they leave on the connection that owns the
// originating chat.
func (s *Supervisor) Handle(key domain.BindingKey) (domain.Adapter, bool) {
	e := s.lookup(key)
	if e == nil {
		return nil, false
	}
	return e.runningAdapter()
}

// HealthLoop probes running connections until ctx ends.
func (s *Supervisor) HealthLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkConnections(ctx)
		}
	}
}

// checkConnections probes outside the lifecycle lock so a hung platform
// cannot freeze reconciliation; connectionLost re-checks identity before
// any verdict lands.
func (s *Supervisor) checkConnections(ctx context.Context) {
	for _, e := range s.allEntries() {
		a, ok := e.runningAdapter()
		if !ok {
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		err := a.Healthy(probeCtx)
		cancel()
		if err == nil {
			continue
		}
		s.logger.Warn("health check failed", "key", e.key, "err", err)
		s.connectionLost(e, a, fmt.Errorf("health check: %w", err))
	}
}

// ShutdownAll stops every connection and blocks until they are down or
// ctx expires. The supervisor accepts no new work afterwards.
func (s *Supervisor) ShutdownAll(ctx context.Context) {
	s.mu.Lock()
	s.closed = true
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			e.lifecycleMu.Lock()
			s.stopLocked(e)
			e.lifecycleMu.Unlock()
		}(e)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		s.pumps.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("all connections stopped")
	case <-ctx.Done():
		s.logger.Warn("connection shutdown timed out")
	}
}

func (s *Supervisor) getOrCreate(key domain.BindingKey) (*entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	e, ok := s.entries[key]
	if !ok {
		e = newEntry(key)
		s.entries[key] = e
	}
	return e, true
}

func (s *Supervisor) lookup(key domain.BindingKey) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[key]
}

func (s *Supervisor) allEntries() []*entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	return entries
}

// startLocked runs one connection attempt. Caller holds e.lifecycleMu.
func (s *Supervisor) startLocked(ctx context.Context, e *entry, b domain.Binding) {
	e.setStatus(domain.StatusStarting)

	adapter, err := s.factory(b.Key())
	if err != nil {
		// Nothing to retry: the deployment cannot build this adapter at all.
		e.fail(err.Error())
		s.logger.Error("adapter construction failed", "key", b.Key(), "err", err)
		return
	}

	connectCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	err = adapter.Connect(connectCtx, b.Credentials)
	cancel()
	if err != nil {
		s.handleFailure(e, b, err)
		return
	}

	pumpCtx, pumpCancel := context.WithCancel(context.Background())
	e.setRunning(adapter, pumpCancel)
	s.pumps.Add(1)
	go s.pump(pumpCtx, e, adapter)

	s.logger.Info("connection running", "key", b.Key(), "version", b.Version)
}

// handleFailure decides what a failed attempt (or lost connection) means:
// permanent errors park in Error with no retry, an exhausted budget
// parks in Stopped, everything else arms a backoff retry. Caller holds
// e.lifecycleMu.
func (s *Supervisor) handleFailure(e *entry, b domain.Binding, err error) {
	if domain.Permanent(err) {
		e.fail(err.Error())
		s.logger.Error("connection failed permanently", "key", b.Key(), "err", err)
		return
	}

	st := e.snapshot()
	if st.RetryCount >= s.cfg.MaxRetries {
		e.exhaust(err.Error())
		s.logger.Error("connection gave up after retries",
			"key", b.Key(), "retries", st.RetryCount, "err", err)
		return
	}

	retry := e.bumpRetry(err.Error())
	delay := backoffDelay(s.cfg.BackoffBase, s.cfg.BackoffCap, retry)
	metrics.ConnectRetries.Inc()
	s.logger.Warn("connection attempt failed, retrying",
		"key", b.Key(), "attempt", retry, "backoff", delay, "err", err)

	version := b.Version
	e.armRetry(time.AfterFunc(delay, func() {
		s.retry(b.Key(), version)
	}))
}

// retry re-attempts a connection previously parked in Error, unless a
// newer binding or an operator action got there first.
func (s *Supervisor) retry(key domain.BindingKey, version int64) {
	e := s.lookup(key)
	if e == nil {
		return
	}
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	st := e.snapshot()
	if st.Status != domain.StatusError || st.BoundVersion != version {
		return
	}
	s.startLocked(context.Background(), e, e.binding())
}

// pump moves inbound events off one adapter until its stream ends. The
// routing stack downstream is not trusted to never panic; a panic is
// contained to this one connection.
func (s *Supervisor) pump(ctx context.Context, e *entry, a domain.Adapter) {
	defer s.pumps.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("event pump panicked", "key", e.key, "panic", r)
			s.connectionLost(e, a, fmt.Errorf("event pump panicked: %v", r))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-a.Events():
			if !ok {
				s.connectionLost(e, a, fmt.Errorf("event stream closed"))
				return
			}
			s.sink.Submit(ev)
		}
	}
}

// connectionLost handles an unexpected end of a running connection. A
// deliberate stop also closes the stream, so the entry's state and the
// adapter identity decide whether anything needs doing.
func (s *Supervisor) connectionLost(e *entry, a domain.Adapter, cause error) {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	st := e.snapshot()
	if st.Status != domain.StatusRunning || e.adapter() != a {
		return
	}
	s.logger.Warn("connection lost", "key", e.key, "err", cause)

	e.clearConnection()
	s.disconnect(a)
	s.handleFailure(e, e.binding(), cause)
}

// stopLocked brings a connection fully down. Caller holds e.lifecycleMu.
func (s *Supervisor) stopLocked(e *entry) {
	e.disarmRetry()

	st := e.snapshot()
	if st.Status == domain.StatusStopped {
		return
	}
	e.setStatus(domain.StatusStopping)

	a := e.adapter()
	e.clearConnection()
	if a != nil {
		s.disconnect(a)
	}
	e.setStatus(domain.StatusStopped)
}

func (s *Supervisor) disconnect(a domain.Adapter) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StopTimeout)
	defer cancel()
	if err := a.Disconnect(ctx); err != nil {
		s.logger.Warn("adapter disconnect error", "err", err)
	}
}
