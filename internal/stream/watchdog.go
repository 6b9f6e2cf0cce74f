package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultWatchdogInterval is how often idleness is evaluated.
	DefaultWatchdogInterval = time.Minute
	// DefaultIdleThreshold is how long the audience may be absent before an
	// active broadcast is stopped.
	DefaultIdleThreshold = 30 * time.Minute
)

type broadcastStopper interface {
	Active() bool
	AutoStop(ctx context.Context, detail string) error
}

type watchdogTicker interface {
	C() <-chan time.Time
	Stop()
}

type watchdogTimeTicker struct {
	ticker *time.Ticker
}

func (t watchdogTimeTicker) C() <-chan time.Time { return t.ticker.C }

func (t watchdogTimeTicker) Stop() { t.ticker.Stop() }

type watchdogTickerFactory func(time.Duration) watchdogTicker

// WatchdogConfig configures the idle watchdog.
type WatchdogConfig struct {
	Controller broadcastStopper
	// Connections reports how many admin channel connections are attached.
	// The watchdog never fires while at least one is present.
	Connections func() int
	// LastActivity reports the most recent admin channel activity. The
	// zero time means no activity has ever been observed.
	LastActivity func() time.Time
	Logger       *slog.Logger
	Interval     time.Duration
	IdleAfter    time.Duration
}

// StartWatchdog stops a broadcast that nobody has watched for the idle
// threshold. It returns a stop function; stopping is idempotent.
func StartWatchdog(ctx context.Context, cfg WatchdogConfig) func() {
	return startWatchdogWithTicker(ctx, cfg, func(d time.Duration) watchdogTicker {
		return watchdogTimeTicker{ticker: time.NewTicker(d)}
	})
}

func startWatchdogWithTicker(ctx context.Context, cfg WatchdogConfig, newTicker watchdogTickerFactory) func() {
	if cfg.Controller == nil || cfg.LastActivity == nil {
		return func() {}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultWatchdogInterval
	}
	idleAfter := cfg.IdleAfter
	if idleAfter <= 0 {
		idleAfter = DefaultIdleThreshold
	}

	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case now := <-ticker.C():
				if !cfg.Controller.Active() {
					continue
				}
				if cfg.Connections != nil && cfg.Connections() > 0 {
					continue
				}
				last := cfg.LastActivity()
				if last.IsZero() || now.Sub(last) < idleAfter {
					continue
				}
				idleFor := now.Sub(last).Round(time.Second)
				logger.Info("stopping idle broadcast", "idle_for", idleFor.String())
				detail := fmt.Sprintf("idle for %s", idleFor)
				if err := cfg.Controller.AutoStop(workerCtx, detail); err != nil {
					logger.Error("idle auto stop failed", "error", err)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
