// Package watcher keeps the connection supervisor converged on the binding
// registry. It replays the registry at startup, applies watch events as they
// arrive, and runs a periodic full resync so a dropped watch event can only
// delay convergence, never prevent it.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"botfleet/internal/domain"
	"botfleet/internal/registry"
)

const syncConcurrency = 4

// Source is the registry surface the watcher consumes.
type Source interface {
	List(ctx context.Context) ([]domain.Binding, error)
	Get(ctx context.Context, agentID string, platform domain.Platform) (domain.Binding, error)
	Watch() <-chan registry.ChangeEvent
}

// Target is the supervisor surface the watcher drives.
type Target interface {
	Reconcile(ctx context.Context, b domain.Binding)
	Remove(ctx context.Context, key domain.BindingKey, version int64)
	States() []domain.ConnectionState
}

// Forgetter releases per-binding dispatch state when a binding goes away.
type Forgetter interface {
	Forget(key domain.BindingKey)
}

type Watcher struct {
	source Source
	target Target
	forget Forgetter
	resync time.Duration
	logger *slog.Logger
}

func New(source Source, target Target, forget Forgetter, resync time.Duration, logger *slog.Logger) *Watcher {
	if resync <= 0 {
		resync = time.Minute
	}
	return &Watcher{
		source: source,
		target: target,
		forget: forget,
		resync: resync,
		logger: logger,
	}
}

// Run blocks until ctx is canceled or the registry watch closes. The initial
// sync failing is fatal; after that, sync errors only log and wait for the
// next resync tick.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.syncAll(ctx); err != nil {
		return fmt.Errorf("initial binding sync: %w", err)
	}
	w.logger.Info("credential watcher started", "resync", w.resync)

	events := w.source.Watch()
	ticker := time.NewTicker(w.resync)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("credential watcher stopping")
			return nil
		case <-ticker.C:
			if err := w.syncAll(ctx); err != nil {
				w.logger.Warn("binding resync failed", "error", err)
			}
		case ev, ok := <-events:
			if !ok {
				w.logger.Info("registry watch closed, watcher stopping")
				return nil
			}
			// Reconcile can block for a full connect timeout, so events
			// apply concurrently; version gating keeps out-of-order
			// application safe.
			wg.Add(1)
			go func(ev registry.ChangeEvent) {
				defer wg.Done()
				w.apply(ctx, ev)
			}(ev)
		}
	}
}

func (w *Watcher) apply(ctx context.Context, ev registry.ChangeEvent) {
	switch ev.Op {
	case registry.OpRemove:
		w.target.Remove(ctx, ev.Key, ev.Version)
		w.forget.Forget(ev.Key)
	default:
		b, err := w.source.Get(ctx, ev.Key.AgentID, ev.Key.Platform)
		if errors.Is(err, domain.ErrNotFound) {
			// Removed again since this event was queued; the remove
			// event or the next resync finishes the job.
			return
		}
		if err != nil {
			w.logger.Warn("binding lookup failed, resync will retry",
				"binding", ev.Key, "error", err)
			return
		}
		w.target.Reconcile(ctx, b)
	}
}

// syncAll converges the supervisor on the registry's full current state:
// prunes connections whose binding is gone, then reconciles every listed
// binding with bounded parallelism.
func (w *Watcher) syncAll(ctx context.Context) error {
	bindings, err := w.source.List(ctx)
	if err != nil {
		return err
	}

	desired := make(map[domain.BindingKey]struct{}, len(bindings))
	for _, b := range bindings {
		desired[b.Key()] = struct{}{}
	}
	for _, st := range w.target.States() {
		if _, ok := desired[st.Key]; !ok {
			w.logger.Info("pruning orphaned connection", "binding", st.Key)
			w.target.Remove(ctx, st.Key, 0)
			w.forget.Forget(st.Key)
		}
	}

	sem := make(chan struct{}, syncConcurrency)
	var wg sync.WaitGroup
	for _, b := range bindings {
		sem <- struct{}{}
		wg.Add(1)
		go func(b domain.Binding) {
			defer func() { <-sem; wg.Done() }()
			w.target.Reconcile(ctx, b)
		}(b)
	}
	wg.Wait()
	return nil
}
