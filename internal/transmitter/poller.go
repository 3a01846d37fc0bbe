package transmitter

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/filingworks/presubmit/internal/platform/env"
)

// Health is the process-wide connectivity state the submit step reads
// instead of probing the transmitter per batch. A recorded status goes
// stale after StaleAfter and reads as unhealthy until the next probe.
type Health struct {
	mu         sync.RWMutex
	healthy    bool
	checkedAt  time.Time
	staleAfter time.Duration
	now        func() time.Time
}

func NewHealth(staleAfter time.Duration) *Health {
	if staleAfter <= 0 {
		staleAfter = 2 * time.Minute
	}
	return &Health{staleAfter: staleAfter, now: time.Now}
}

func (h *Health) Record(healthy bool) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.healthy = healthy
	h.checkedAt = h.now()
}

// Healthy reports the last probe result, treating a stale or missing
// result as unhealthy.
func (h *Health) Healthy() bool {
	if h == nil {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.checkedAt.IsZero() {
		return false
	}
	if h.now().Sub(h.checkedAt) > h.staleAfter {
		return false
	}
	return h.healthy
}

func (h *Health) CheckedAt() time.Time {
	if h == nil {
		return time.Time{}
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.checkedAt
}

type PollerConfig struct {
	Interval   time.Duration
	StaleAfter time.Duration
}

func PollerConfigFromEnv() (PollerConfig, error) {
	interval, err := env.Duration("TRANSMITTER_POLL_INTERVAL", 30*time.Second)
	if err != nil {
		return PollerConfig{}, err
	}
	staleAfter, err := env.Duration("TRANSMITTER_POLL_STALE_AFTER", 2*time.Minute)
	if err != nil {
		return PollerConfig{}, err
	}
	cfg := PollerConfig{Interval: interval, StaleAfter: staleAfter}
	if err := cfg.Validate(); err != nil {
		return PollerConfig{}, err
	}
	return cfg, nil
}

func (c PollerConfig) Validate() error {
	if c.Interval <= 0 {
		return errors.New("TRANSMITTER_POLL_INTERVAL must be positive")
	}
	if c.StaleAfter < c.Interval {
		return errors.New("TRANSMITTER_POLL_STALE_AFTER must be >= TRANSMITTER_POLL_INTERVAL")
	}
	return nil
}

// Poller probes transmitter reachability on a fixed interval and
// records the result in the shared health cell.
type Poller struct {
	client Client
	health *Health
	logger *slog.Logger
	cfg    PollerConfig
}

func NewPoller(logger *slog.Logger, client Client, health *Health, cfg PollerConfig) *Poller {
	if client == nil || health == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{client: client, health: health, logger: logger, cfg: cfg}
}

// CheckOnce runs a single probe and records the outcome. Called once
// at startup before the scheduler may process any batch.
func (p *Poller) CheckOnce(ctx context.Context) bool {
	if p == nil {
		return false
	}
	err := p.client.Probe(ctx)
	healthy := err == nil
	p.health.Record(healthy)
	if err != nil {
		p.logger.Warn("transmitter unreachable", "error", err)
	}
	return healthy
}

// Run probes until ctx is done. Probe failures are recorded, never
// propagated; connectivity is self-healing once a probe succeeds.
func (p *Poller) Run(ctx context.Context) {
	if p == nil {
		return
	}
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			was := p.health.Healthy()
			now := p.CheckOnce(ctx)
			if was != now {
				p.logger.Info("transmitter connectivity changed", "healthy", now)
			}
		}
	}
}
