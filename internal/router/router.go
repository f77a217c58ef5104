package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"botfleet/internal/deadletter"
	"botfleet/internal/domain"
	"botfleet/internal/metrics"
)

const intakeTimeout = 5 * time.Second

// Deliverer forwards a normalized envelope to the reasoning service.
type Deliverer interface {
	Deliver(ctx context.Context, env domain.Envelope) error
}

type Config struct {
	QueueSize     int
	ChatQueueSize int
	DedupeSize    int
	ChatIdle      time.Duration
}

// Router normalizes adapter events into envelopes, drops duplicates, and
// forwards them to the reasoning service through one serial worker per
// external chat, so replies within a chat keep their receipt order while
// unrelated chats proceed in parallel. Envelopes that cannot be forwarded
// go to the dead-letter sink, never silently to the floor.
type Router struct {
	cfg        Config
	deliver    Deliverer
	sink       deadletter.Sink
	logger     *slog.Logger
	intakeWait time.Duration

	intake chan domain.RawEvent
	done   chan struct{}

	mu     sync.RWMutex // guards closed and the intake channel lifecycle
	closed bool

	chatMu sync.Mutex
	chats  map[string]*chatWorker
	wg     sync.WaitGroup

	// seen is touched only from the run loop goroutine.
	seen map[domain.BindingKey]*recentSet
}

func New(cfg Config, deliver Deliverer, sink deadletter.Sink, logger *slog.Logger) *Router {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.ChatQueueSize <= 0 {
		cfg.ChatQueueSize = 16
	}
	if cfg.DedupeSize <= 0 {
		cfg.DedupeSize = 512
	}
	if cfg.ChatIdle <= 0 {
		cfg.ChatIdle = 5 * time.Minute
	}
	return &Router{
		cfg:        cfg,
		deliver:    deliver,
		sink:       sink,
		logger:     logger,
		intakeWait: intakeTimeout,
		intake:     make(chan domain.RawEvent, cfg.QueueSize),
		done:       make(chan struct{}),
		chats:      make(map[string]*chatWorker),
		seen:       make(map[domain.BindingKey]*recentSet),
	}
}

// Submit hands one adapter event to the router. Blocks up to intakeTimeout
// when the queue is full instead of dropping; on timeout the event goes to
// the dead-letter sink.
func (r *Router) Submit(ev domain.RawEvent) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		r.logger.Warn("event submitted after router close",
			"platform", ev.Platform, "agent", ev.AgentID)
		return
	}

	select {
	case r.intake <- ev:
		return
	default:
	}

	// Queue full: wait with timeout instead of dropping.
	r.logger.Warn("inbound queue full, waiting...",
		"platform", ev.Platform, "agent", ev.AgentID, "chat", ev.ChatID)
	timer := time.NewTimer(r.intakeWait)
	defer timer.Stop()
	select {
	case r.intake <- ev:
		r.logger.Info("event accepted after wait", "agent", ev.AgentID)
	case <-timer.C:
		r.logger.Error("inbound queue congested, dead-lettering event",
			"platform", ev.Platform, "agent", ev.AgentID, "chat", ev.ChatID)
		r.deadLetter(context.Background(), r.normalize(ev), "inbound queue congested")
	}
}

// Run consumes submitted events until ctx is canceled or Close is called.
// Close lets the backlog drain; cancellation stops immediately.
func (r *Router) Run(ctx context.Context) {
	defer close(r.done)
	r.logger.Info("inbound router started",
		"queue", cap(r.intake), "dedupe", r.cfg.DedupeSize)

	reap := time.NewTicker(r.cfg.ChatIdle)
	defer reap.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("inbound router stopping")
			r.stopWorkers()
			return
		case <-reap.C:
			r.reapIdle(time.Now())
		case ev, ok := <-r.intake:
			if !ok {
				r.stopWorkers()
				r.wg.Wait()
				r.logger.Info("inbound router drained")
				return
			}
			r.handle(ctx, ev)
		}
	}
}

// Done is closed once the run loop has exited.
func (r *Router) Done() <-chan struct{} { return r.done }

// Close stops intake and lets the run loop drain what is already queued.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.intake)
}

func (r *Router) handle(ctx context.Context, ev domain.RawEvent) {
	if r.isDuplicate(ev) {
		metrics.EnvelopesDeduped.Inc()
		r.logger.Debug("duplicate event ignored",
			"platform", ev.Platform, "agent", ev.AgentID, "message", ev.MessageID)
		return
	}

	env := r.normalize(ev)
	w := r.workerFor(ctx, env)
	select {
	case w.queue <- env:
		w.touch()
	default:
		r.logger.Warn("chat queue full, dead-lettering envelope",
			"chat", w.key, "id", env.ID)
		r.deadLetter(ctx, env, "chat queue congested")
	}
}

// Telegram message ids restart per chat, so the recent-ids cache keys on
// chat and message together. Events without a message id pass through.
func (r *Router) isDuplicate(ev domain.RawEvent) bool {
	if ev.MessageID == "" {
		return false
	}
	set, ok := r.seen[ev.Key()]
	if !ok {
		set = newRecentSet(r.cfg.DedupeSize)
		r.seen[ev.Key()] = set
	}
	return !set.Add(ev.ChatID + "/" + ev.MessageID)
}

func (r *Router) normalize(ev domain.RawEvent) domain.Envelope {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return domain.Envelope{
		ID:          uuid.NewString(),
		Platform:    ev.Platform,
		AgentID:     ev.AgentID,
		ChatID:      ev.ChatID,
		MessageID:   ev.MessageID,
		SenderID:    ev.SenderID,
		SenderName:  ev.SenderName,
		Content:     ev.Content,
		Attachments: ev.Attachments,
		Direction:   domain.DirectionInbound,
		Timestamp:   ts,
	}
}

func (r *Router) workerFor(ctx context.Context, env domain.Envelope) *chatWorker {
	key := chatKey(env)
	r.chatMu.Lock()
	defer r.chatMu.Unlock()

	w, ok := r.chats[key]
	if !ok {
		w = &chatWorker{
			key:        key,
			queue:      make(chan domain.Envelope, r.cfg.ChatQueueSize),
			lastActive: time.Now(),
		}
		r.chats[key] = w
		r.wg.Add(1)
		go r.runWorker(ctx, w)
	}
	return w
}

func (r *Router) runWorker(ctx context.Context, w *chatWorker) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-w.queue:
			if !ok {
				return
			}
			w.setBusy(true)
			r.forward(ctx, env)
			w.settle()
		}
	}
}

func (r *Router) forward(ctx context.Context, env domain.Envelope) {
	if err := r.deliver.Deliver(ctx, env); err != nil {
		r.logger.Error("envelope delivery failed",
			"id", env.ID,
			"platform", env.Platform,
			"agent", env.AgentID,
			"chat", env.ChatID,
			"error", err,
		)
		r.deadLetter(ctx, env, "reasoning delivery failed: "+err.Error())
		return
	}
	metrics.EnvelopesForwarded.Inc()
}

func (r *Router) deadLetter(ctx context.Context, env domain.Envelope, cause string) {
	metrics.EnvelopesDropped.Inc()
	if r.sink == nil {
		r.logger.Error("no dead-letter sink, envelope lost", "id", env.ID, "cause", cause)
		return
	}
	if err := r.sink.Write(ctx, env, cause); err != nil {
		r.logger.Error("dead-letter write failed, envelope lost",
			"id", env.ID, "cause", cause, "error", err)
	}
}

// reapIdle retires chat workers that have been quiet past the idle TTL.
// Runs on the run loop goroutine, so no enqueue can race the close.
func (r *Router) reapIdle(now time.Time) {
	r.chatMu.Lock()
	defer r.chatMu.Unlock()
	for key, w := range r.chats {
		if len(w.queue) == 0 && w.reapable(now, r.cfg.ChatIdle) {
			close(w.queue)
			delete(r.chats, key)
			r.logger.Debug("idle chat worker retired", "chat", key)
		}
	}
}

func (r *Router) stopWorkers() {
	r.chatMu.Lock()
	defer r.chatMu.Unlock()
	for key, w := range r.chats {
		close(w.queue)
		delete(r.chats, key)
	}
}

func (r *Router) workerCount() int {
	r.chatMu.Lock()
	defer r.chatMu.Unlock()
	return len(r.chats)
}

func chatKey(env domain.Envelope) string {
	return fmt.Sprintf("%s/%s/%s", env.Platform, env.AgentID, env.ChatID)
}

// chatWorker serializes forwarding for one external chat.
type chatWorker struct {
	key   string
	queue chan domain.Envelope

	mu         sync.Mutex
	lastActive time.Time
	busy       bool
}

func (w *chatWorker) touch() {
	w.mu.Lock()
	w.lastActive = time.Now()
	w.mu.Unlock()
}

func (w *chatWorker) setBusy(v bool) {
	w.mu.Lock()
	w.busy = v
	w.mu.Unlock()
}

func (w *chatWorker) settle() {
	w.mu.Lock()
	w.busy = false
	w.lastActive = time.Now()
	w.mu.Unlock()
}

func (w *chatWorker) reapable(now time.Time, ttl time.Duration) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.busy && now.Sub(w.lastActive) >= ttl
}
