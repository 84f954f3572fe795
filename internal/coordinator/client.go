// Package coordinator resolves share codes into match payloads by sending a
// request to the game coordinator and waiting for the next match-info event.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/joseph-ayodele/replay-fetcher/internal/clock"
	"github.com/joseph-ayodele/replay-fetcher/internal/matchinfo"
)

// DefaultTimeout bounds the wait for a match-info event after a request.
const DefaultTimeout = 20 * time.Second

var (
	// ErrTimeout is returned when no match-info event arrives in time.
	ErrTimeout = errors.New("coordinator: match info timeout")
	// ErrNotConnected is returned by transports with no live coordinator session.
	ErrNotConnected = errors.New("coordinator: not connected")
)

// Transport carries requests to the coordinator and delivers match-info events.
type Transport interface {
	RequestMatchInfo(ctx context.Context, shareCode string) error
	// OnMatchInfo registers fn for every match-info event until unsubscribe is called.
	OnMatchInfo(fn func(matchinfo.Value)) (unsubscribe func())
}

// Client correlates a request with the first match-info event that follows it.
// Events carry no request id, so at most one Resolve is in flight at a time.
type Client struct {
	transport Transport
	logger    *slog.Logger
	clock     clock.Clock
	timeout   time.Duration

	mu sync.Mutex
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithClock(clk clock.Clock) Option {
	return func(c *Client) {
		if clk != nil {
			c.clock = clk
		}
	}
}

func NewClient(transport Transport, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		transport: transport,
		logger:    logger,
		clock:     clock.Real(),
		timeout:   DefaultTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Resolve requests match info for shareCode and returns the first event
// received afterwards. The listener is detached on every exit path.
func (c *Client) Resolve(ctx context.Context, shareCode string) (matchinfo.Value, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := c.clock.Now()
	answer := make(chan matchinfo.Value, 1)
	unsubscribe := c.transport.OnMatchInfo(func(v matchinfo.Value) {
		select {
		case answer <- v:
		default:
		}
	})
	defer unsubscribe()

	timer := c.clock.NewTimer(c.timeout)
	defer timer.Stop()
	if err := c.transport.RequestMatchInfo(ctx, shareCode); err != nil {
		c.logger.Warn("coordinator.request_error", "share_code", shareCode, "error", err)
		return matchinfo.Value{}, fmt.Errorf("request match info: %w", err)
	}
	c.logger.Debug("coordinator.request", "share_code", shareCode)

	select {
	case v := <-answer:
		c.logger.Info("coordinator.match_info", "share_code", shareCode, "elapsed_ms", c.clock.Now().Sub(start).Milliseconds())
		return v, nil
	case <-ctx.Done():
		return matchinfo.Value{}, ctx.Err()
	case <-timer.C():
		// An event that raced the timer still counts.
		select {
		case v := <-answer:
			return v, nil
		default:
		}
		c.logger.Warn("coordinator.timeout", "share_code", shareCode, "timeout", c.timeout)
		return matchinfo.Value{}, fmt.Errorf("%w after %s", ErrTimeout, c.timeout)
	}
}
