// Package gateway ingests live detection event streams.
//
// One Gateway owns one upstream stream for one session scope. It dials the
// endpoint, reads frames, and hands parsed events to its sink in timestamp
// order per session. Transport failures are retried with exponential
// backoff and jitter up to a capped number of attempts; past the cap the
// gateway reports a persistent error status instead of retrying silently
// forever. Malformed frames are logged and dropped without terminating the
// stream.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/proctorgrid/engine/internal/metrics"
	"github.com/proctorgrid/engine/internal/retry"
	"github.com/proctorgrid/engine/internal/signal"
)

// Status is the connection state surfaced to callers.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// ErrRetriesExhausted is returned by Run when the reconnect attempt cap is
// exceeded.
var ErrRetriesExhausted = errors.New("gateway: reconnect attempts exhausted")

// Sink consumes ordered events from the gateway.
type Sink interface {
	HandleEvent(ctx context.Context, event *signal.Event)
}

// SeverityFunc reports the severity a signal type would be classified at.
// The drop policy consults it so that backpressure never discards
// high-severity evidence.
type SeverityFunc func(signal.Type) signal.Severity

// StatusFunc receives connection status changes for the gateway's scope.
type StatusFunc func(scope string, status Status)

// Config holds the gateway's reconnect and buffering policy.
type Config struct {
	// BaseDelay is the initial backoff delay, doubled per failed attempt
	// with +-25% jitter.
	BaseDelay time.Duration
	// MaxAttempts caps consecutive failed connection attempts. A successful
	// connection resets the count.
	MaxAttempts int
	// QueueCapacity bounds each session's pending-event buffer. On overflow
	// the oldest low/medium-severity event is dropped first; high-severity
	// events are never dropped.
	QueueCapacity int
}

// DefaultConfig returns the standard gateway policy.
func DefaultConfig() Config {
	return Config{
		BaseDelay:     time.Second,
		MaxAttempts:   8,
		QueueCapacity: 256,
	}
}

// Gateway ingests one event stream for one session scope.
type Gateway struct {
	endpoint string
	scope    string
	cfg      Config

	transport Transport
	sink      Sink
	severity  SeverityFunc
	onStatus  StatusFunc
	logger    *slog.Logger

	mu     sync.Mutex
	status Status
	queues map[string]*sessionQueue
}

// New creates a gateway for the given endpoint and session scope.
func New(endpoint, scope string, cfg Config, transport Transport, sink Sink, severity SeverityFunc, onStatus StatusFunc, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueCapacity < 1 {
		cfg.QueueCapacity = DefaultConfig().QueueCapacity
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultConfig().BaseDelay
	}
	return &Gateway{
		endpoint:  endpoint,
		scope:     scope,
		cfg:       cfg,
		transport: transport,
		sink:      sink,
		severity:  severity,
		onStatus:  onStatus,
		logger:    logger.With("scope", scope),
		status:    StatusDisconnected,
		queues:    make(map[string]*sessionQueue),
	}
}

// Status returns the current connection status.
func (g *Gateway) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status
}

// Run connects and pumps events until ctx is cancelled or the reconnect cap
// is exceeded. It always releases every queue and dispatcher on return,
// including on error paths.
func (g *Gateway) Run(ctx context.Context) error {
	defer g.closeQueues()

	for {
		g.setStatus(StatusConnecting)

		var conn Conn
		err := retry.Do(ctx, g.cfg.MaxAttempts, g.cfg.BaseDelay, func() error {
			metrics.GatewayReconnectsTotal.Inc()
			c, dialErr := g.transport.Dial(ctx, g.streamURL())
			if dialErr != nil {
				g.logger.Warn("dial failed", "error", dialErr)
				return dialErr
			}
			conn = c
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				g.setStatus(StatusDisconnected)
				return ctx.Err()
			}
			g.setStatus(StatusError)
			return fmt.Errorf("%w: %v", ErrRetriesExhausted, err)
		}

		g.setStatus(StatusConnected)
		g.readLoop(ctx, conn)
		_ = conn.Close()

		g.setStatus(StatusDisconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Redial. The attempt counter starts fresh because a working
		// connection was held in between.
	}
}

// readLoop pumps frames from one connection until it fails or ctx ends.
func (g *Gateway) readLoop(ctx context.Context, conn Conn) {
	for {
		if ctx.Err() != nil {
			return
		}
		data, err := conn.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				g.logger.Warn("stream read failed", "error", err)
			}
			return
		}

		event, err := signal.ParseFrame(data)
		if err != nil {
			metrics.SignalsDroppedTotal.WithLabelValues("malformed").Inc()
			g.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		g.enqueue(ctx, event)
	}
}

func (g *Gateway) streamURL() string {
	if g.scope == "" {
		return g.endpoint
	}
	sep := "?"
	if parsed, err := url.Parse(g.endpoint); err == nil && parsed.RawQuery != "" {
		sep = "&"
	}
	return g.endpoint + sep + "scope=" + url.QueryEscape(g.scope)
}

func (g *Gateway) setStatus(s Status) {
	g.mu.Lock()
	changed := g.status != s
	g.status = s
	g.mu.Unlock()

	if changed {
		g.logger.Info("gateway status changed", "status", s)
		if g.onStatus != nil {
			g.onStatus(g.scope, s)
		}
	}
}
