package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// TimeoutHandler terminates a session whose disconnect exceeded the timeout.
// The engine implements this; it archives score state and freezes the log.
type TimeoutHandler interface {
	CompleteTimedOut(ctx context.Context, sessionID string) error
}

// Sweeper periodically checks for sessions stuck in the disconnected state
// and completes them once the disconnect timeout elapses.
type Sweeper struct {
	registry *Registry
	handler  TimeoutHandler
	timeout  time.Duration
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewSweeper creates a disconnect-timeout sweeper.
func NewSweeper(registry *Registry, handler TimeoutHandler, timeout time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		registry: registry,
		handler:  handler,
		timeout:  timeout,
		interval: 15 * time.Second,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (sw *Sweeper) Running() bool {
	return sw.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (sw *Sweeper) Start(ctx context.Context) {
	sw.running.Store(true)
	defer sw.running.Store(false)

	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sw.stop:
			return
		case <-ticker.C:
			sw.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (sw *Sweeper) Stop() {
	select {
	case sw.stop <- struct{}{}:
	default:
	}
}

func (sw *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			sw.logger.Error("panic in session sweeper", "panic", fmt.Sprint(r))
		}
	}()
	sw.sweep(ctx)
}

func (sw *Sweeper) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-sw.timeout)
	for _, s := range sw.registry.ListDisconnectedBefore(cutoff) {
		if err := sw.handler.CompleteTimedOut(ctx, s.ID); err != nil {
			sw.logger.Warn("failed to time out disconnected session",
				"session_id", s.ID,
				"error", err,
			)
			continue
		}
		sw.logger.Info("completed session after disconnect timeout",
			"session_id", s.ID,
			"exam_id", s.ExamID,
			"disconnected_at", s.DisconnectedAt,
		)
	}
}
