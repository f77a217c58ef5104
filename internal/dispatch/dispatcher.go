// Package dispatch routes outbound replies back through the live platform
// connection they belong to. Replies are paced per connection with a token
// bucket sized to the platform's documented send limit, so bursts queue
// locally instead of drawing platform rate-limit bans.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"botfleet/internal/config"
	"botfleet/internal/domain"
	"botfleet/internal/metrics"
)

// HandleSource resolves live connections. The supervisor implements it.
type HandleSource interface {
	Handle(key domain.BindingKey) (domain.Adapter, bool)
	State(key domain.BindingKey) (domain.ConnectionState, bool)
}

type Config struct {
	SendTimeout time.Duration
	RetryWait   time.Duration
	Discord     config.RateConfig
	Telegram    config.RateConfig
}

type Dispatcher struct {
	cfg    Config
	source HandleSource
	logger *slog.Logger

	mu       sync.Mutex
	limiters map[domain.BindingKey]*rate.Limiter
}

func New(cfg Config, source HandleSource, logger *slog.Logger) *Dispatcher {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = 2 * time.Second
	}
	return &Dispatcher{
		cfg:      cfg,
		source:   source,
		logger:   logger,
		limiters: make(map[domain.BindingKey]*rate.Limiter),
	}
}

// Dispatch sends content to one external chat through the connection bound
// to (agentID, platform). An unknown binding fails immediately; a known but
// not-yet-running connection gets exactly one bounded wait before failing
// with RoutingError. The caller owns persistence and retry on that error.
func (d *Dispatcher) Dispatch(ctx context.Context, agentID string, platform domain.Platform, chatID, content string) error {
	key := domain.BindingKey{AgentID: agentID, Platform: platform}

	a, ok := d.source.Handle(key)
	if !ok {
		if _, tracked := d.source.State(key); !tracked {
			metrics.DispatchFailures.Inc()
			return &domain.RoutingError{Key: key, Reason: "no binding"}
		}

		// Connection may be mid-restart; wait once and look again.
		d.logger.Debug("connection not live, waiting before retry",
			"agent", agentID, "platform", platform)
		timer := time.NewTimer(d.cfg.RetryWait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		if a, ok = d.source.Handle(key); !ok {
			metrics.DispatchFailures.Inc()
			return &domain.RoutingError{Key: key, Reason: "no live connection"}
		}
	}

	if err := d.limiterFor(key).Wait(ctx); err != nil {
		return err
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()
	if err := a.Send(sendCtx, chatID, content); err != nil {
		metrics.DispatchFailures.Inc()
		d.logger.Error("reply send failed",
			"agent", agentID,
			"platform", platform,
			"chat", chatID,
			"error", err,
		)
		return fmt.Errorf("send to %s failed: %w", key, err)
	}

	metrics.DispatchSends.Inc()
	d.logger.Info("reply dispatched",
		"agent", agentID,
		"platform", platform,
		"chat", chatID,
		"length", len(content),
	)
	return nil
}

// Forget drops the rate-limiter state for a removed binding.
func (d *Dispatcher) Forget(key domain.BindingKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.limiters, key)
}

func (d *Dispatcher) limiterFor(key domain.BindingKey) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	rl, ok := d.limiters[key]
	if !ok {
		rc := d.rateFor(key.Platform)
		if rc.PerSecond <= 0 {
			rc.PerSecond = 1
		}
		if rc.Burst <= 0 {
			rc.Burst = 5
		}
		rl = rate.NewLimiter(rate.Limit(rc.PerSecond), rc.Burst)
		d.limiters[key] = rl
	}
	return rl
}

func (d *Dispatcher) rateFor(p domain.Platform) config.RateConfig {
	if p == domain.PlatformTelegram {
		return d.cfg.Telegram
	}
	return d.cfg.Discord
}
