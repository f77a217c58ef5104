package supervisor

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"botfleet/internal/domain"
	"botfleet/internal/metrics"
)

// entry is one binding's connection slot. lifecycleMu serializes
// transitions, which can take seconds; stateMu guards the snapshot
// fields so reads never wait behind a slow connect.
type entry struct {
	key domain.BindingKey

	lifecycleMu sync.Mutex

	stateMu      sync.Mutex
	status       domain.ConnectionStatus
	boundVersion int64
	lastError    string
	retryCount   int
	since        time.Time
	bound        domain.Binding
	adpt         domain.Adapter
	pumpCancel   context.CancelFunc
	retryTimer   *time.Timer
}

func newEntry(key domain.BindingKey) *entry {
	return &entry{key: key, status: domain.StatusStopped, since: time.Now()}
}

func (e *entry) snapshot() domain.ConnectionState {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return domain.ConnectionState{
		Key:          e.key,
		Status:       e.status,
		BoundVersion: e.boundVersion,
		LastError:    e.lastError,
		RetryCount:   e.retryCount,
		Since:        e.since,
	}
}

func (e *entry) transitionLocked(next domain.ConnectionStatus) {
	if e.status == next {
		return
	}
	if g := statusGauge(e.status); g != nil {
		g.Dec()
	}
	if g := statusGauge(next); g != nil {
		g.Inc()
	}
	e.status = next
	e.since = time.Now()
}

func (e *entry) setStatus(next domain.ConnectionStatus) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	e.transitionLocked(next)
}

// apply records a newly accepted binding version. Retry bookkeeping
// starts over: the new credentials deserve a full budget.
func (e *entry) apply(b domain.Binding) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	e.bound = b
	e.boundVersion = b.Version
	e.retryCount = 0
	e.lastError = ""
}

// fail parks the connection in Error with no retry armed.
func (e *entry) fail(msg string) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	e.transitionLocked(domain.StatusError)
	e.lastError = msg
}

// exhaust parks the connection in Stopped after the retry budget ran
// out, keeping the last error visible for operators.
func (e *entry) exhaust(msg string) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	e.transitionLocked(domain.StatusStopped)
	e.lastError = msg
}

func (e *entry) bumpRetry(msg string) int {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	e.retryCount++
	e.lastError = msg
	e.transitionLocked(domain.StatusError)
	return e.retryCount
}

func (e *entry) resetRetries() {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	e.retryCount = 0
	e.lastError = ""
}

func (e *entry) armRetry(t *time.Timer) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.retryTimer != nil {
		e.retryTimer.Stop()
	}
	e.retryTimer = t
}

func (e *entry) disarmRetry() {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
}

func (e *entry) setRunning(a domain.Adapter, cancel context.CancelFunc) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	e.adpt = a
	e.pumpCancel = cancel
	e.retryCount = 0
	e.lastError = ""
	e.transitionLocked(domain.StatusRunning)
}

func (e *entry) clearConnection() {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.pumpCancel != nil {
		e.pumpCancel()
		e.pumpCancel = nil
	}
	e.adpt = nil
}

func (e *entry) adapter() domain.Adapter {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.adpt
}

func (e *entry) binding() domain.Binding {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.bound
}

func (e *entry) runningAdapter() (domain.Adapter, bool) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.status == domain.StatusRunning && e.adpt != nil {
		return e.adpt, true
	}
	return nil, false
}

func statusGauge(st domain.ConnectionStatus) *metrics.Gauge {
	switch st {
	case domain.StatusRunning:
		return metrics.ConnectionsRunning
	case domain.StatusStarting:
		return metrics.ConnectionsStarting
	case domain.StatusError:
		return metrics.ConnectionsErrored
	}
	return nil
}

// backoffDelay returns the wait before retry n (1-based): exponential
// growth capped at ceil, with equal jitter so a fleet of failing
// connections spreads its reconnects.
func backoffDelay(base, ceil time.Duration, retry int) time.Duration {
	d := base << (retry - 1)
	if d <= 0 || d > ceil {
		d = ceil
	}
	half := d / 2
	return half + time.Duration(rand.Int64N(int64(half)+1))
}
