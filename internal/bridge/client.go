// Package bridge talks to the Steam session sidecar over a local socket. The
// sidecar owns the Steam login and game coordinator session; this client
// forwards match requests and chat messages and receives match-info events
// and readiness updates. Frames are CBOR items written back to back.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/replay-fetcher/constants"
	"github.com/joseph-ayodele/replay-fetcher/internal/clock"
	"github.com/joseph-ayodele/replay-fetcher/internal/coordinator"
	"github.com/joseph-ayodele/replay-fetcher/internal/matchinfo"
	"github.com/joseph-ayodele/replay-fetcher/internal/retry"
)

// ErrRemote wraps an error frame returned by the sidecar.
var ErrRemote = errors.New("bridge: sidecar error")

// Client is a reconnecting connection to the sidecar. It implements
// coordinator.Transport and notify.Social.
type Client struct {
	network string
	address string
	logger  *slog.Logger
	clock   clock.Clock
	backoff retry.Policy
	dial    func(ctx context.Context, network, address string) (net.Conn, error)

	writeMu sync.Mutex
	mu      sync.Mutex
	conn    net.Conn
	enc     *cbor.Encoder
	pending map[string]chan Frame

	listenerMu sync.Mutex
	listeners  map[uint64]func(matchinfo.Value)
	nextID     uint64

	gcReady     atomic.Bool
	socialReady atomic.Bool
	readyMu     sync.Mutex
	onGCReady   []func()
}

type Option func(*Client)

func WithClock(clk clock.Clock) Option {
	return func(c *Client) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithReconnectDelay sets the base delay of the linear reconnect backoff.
func WithReconnectDelay(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.backoff = retry.Linear(d, 30*d)
		}
	}
}

// ParseAddr splits "unix:///path", "tcp://host:port" or "host:port".
func ParseAddr(addr string) (network, address string, err error) {
	switch {
	case strings.HasPrefix(addr, "unix://"):
		network, address = "unix", strings.TrimPrefix(addr, "unix://")
	case strings.HasPrefix(addr, "tcp://"):
		network, address = "tcp", strings.TrimPrefix(addr, "tcp://")
	default:
		network, address = "tcp", addr
	}
	if address == "" {
		return "", "", fmt.Errorf("bridge: empty address in %q", addr)
	}
	return network, address, nil
}

func New(addr string, logger *slog.Logger, opts ...Option) (*Client, error) {
	network, address, err := ParseAddr(addr)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	var d net.Dialer
	c := &Client{
		network:   network,
		address:   address,
		logger:    logger,
		clock:     clock.Real(),
		backoff:   retry.Linear(time.Second, 30*time.Second),
		dial:      d.DialContext,
		pending:   map[string]chan Frame{},
		listeners: map[uint64]func(matchinfo.Value){},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Run keeps a connection to the sidecar open until ctx is done, redialing
// with linear backoff.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		conn, err := c.dial(ctx, c.network, c.address)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			attempt++
			wait := c.backoff.Backoff(attempt)
			c.logger.Warn("bridge.dial_error", "addr", c.address, "attempt", attempt, "wait", wait, "error", err)
			if err := retry.Sleep(ctx, c.clock.After, wait); err != nil {
				return err
			}
			continue
		}
		attempt = 0
		c.logger.Info("bridge.connected", "addr", c.address)
		err = c.Serve(ctx, conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("bridge.disconnected", "addr", c.address, "error", err)
	}
}

// Serve reads frames from conn until it fails or ctx is done.
func (c *Client) Serve(ctx context.Context, conn net.Conn) error {
	c.mu.Lock()
	c.conn = conn
	c.enc = newEncoder(conn)
	c.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer c.detach(conn)

	dec := newDecoder(conn)
	for {
		var f Frame
		if err := dec.Decode(&f); err != nil {
			return err
		}
		c.dispatch(f)
	}
}

func (c *Client) detach(conn net.Conn) {
	_ = conn.Close()
	c.setReadiness(false, false)

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.enc = nil
	}
	pending := c.pending
	c.pending = map[string]chan Frame{}
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
}

func (c *Client) dispatch(f Frame) {
	switch f.Type {
	case FrameStatus:
		gc, social := c.gcReady.Load(), c.socialReady.Load()
		if f.GCReady != nil {
			gc = *f.GCReady
		}
		if f.SocialReady != nil {
			social = *f.SocialReady
		}
		c.setReadiness(gc, social)
	case FrameMatchInfo:
		v, err := decodePayload(f.Payload)
		if err != nil {
			c.logger.Warn("bridge.match_info_decode_error", "error", err)
			return
		}
		c.listenerMu.Lock()
		fns := make([]func(matchinfo.Value), 0, len(c.listeners))
		for _, fn := range c.listeners {
			fns = append(fns, fn)
		}
		c.listenerMu.Unlock()
		for _, fn := range fns {
			fn(v)
		}
	case FrameRelationship, FrameChatAck, FrameError:
		c.mu.Lock()
		ch, ok := c.pending[f.ID]
		delete(c.pending, f.ID)
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("bridge.unsolicited_reply", "type", f.Type, "id", f.ID)
			return
		}
		ch <- f
		close(ch)
	default:
		c.logger.Debug("bridge.unknown_frame", "type", f.Type)
	}
}

func decodePayload(raw cbor.RawMessage) (matchinfo.Value, error) {
	if len(raw) == 0 {
		return matchinfo.Null(), nil
	}
	var x any
	if err := unmarshal(raw, &x); err != nil {
		return matchinfo.Value{}, fmt.Errorf("decode payload: %w", err)
	}
	return matchinfo.FromAny(x)
}

func (c *Client) setReadiness(gc, social bool) {
	wasGC := c.gcReady.Swap(gc)
	wasSocial := c.socialReady.Swap(social)
	if wasGC != gc || wasSocial != social {
		c.logger.Info("bridge.readiness", "gc_ready", gc, "social_ready", social)
	}
	if gc && !wasGC {
		c.readyMu.Lock()
		hooks := append([]func(){}, c.onGCReady...)
		c.readyMu.Unlock()
		for _, fn := range hooks {
			fn()
		}
	}
}

// Connected reports whether a sidecar connection is attached.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enc != nil
}

// CoordinatorReady reports whether the sidecar has a live game coordinator session.
func (c *Client) CoordinatorReady() bool { return c.gcReady.Load() }

// SocialReady reports whether the sidecar is logged on to Steam friends.
func (c *Client) SocialReady() bool { return c.socialReady.Load() }

// OnCoordinatorReady registers fn to run each time the coordinator becomes reachable.
func (c *Client) OnCoordinatorReady(fn func()) {
	c.readyMu.Lock()
	defer c.readyMu.Unlock()
	c.onGCReady = append(c.onGCReady, fn)
}

func (c *Client) send(f Frame) error {
	c.mu.Lock()
	enc := c.enc
	c.mu.Unlock()
	if enc == nil {
		return coordinator.ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := enc.Encode(f); err != nil {
		return fmt.Errorf("bridge: write %s: %w", f.Type, err)
	}
	return nil
}

// call sends f with a fresh id and waits for the reply carrying that id.
func (c *Client) call(ctx context.Context, f Frame) (Frame, error) {
	f.ID = uuid.NewString()
	ch := make(chan Frame, 1)

	c.mu.Lock()
	if c.enc == nil {
		c.mu.Unlock()
		return Frame{}, coordinator.ErrNotConnected
	}
	c.pending[f.ID] = ch
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
	}
	if err := c.send(f); err != nil {
		forget()
		return Frame{}, err
	}

	select {
	case <-ctx.Done():
		forget()
		return Frame{}, ctx.Err()
	case reply, ok := <-ch:
		if !ok {
			return Frame{}, coordinator.ErrNotConnected
		}
		if reply.Type == FrameError {
			return Frame{}, fmt.Errorf("%w: %s", ErrRemote, reply.Message)
		}
		return reply, nil
	}
}

// RequestMatchInfo asks the coordinator for the match behind shareCode. The
// answer arrives as a match_info event.
func (c *Client) RequestMatchInfo(_ context.Context, shareCode string) error {
	if !c.gcReady.Load() {
		return coordinator.ErrNotConnected
	}
	return c.send(Frame{Type: FrameRequestMatch, ShareCode: shareCode})
}

func (c *Client) OnMatchInfo(fn func(matchinfo.Value)) func() {
	c.listenerMu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.listenerMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.listenerMu.Lock()
			delete(c.listeners, id)
			c.listenerMu.Unlock()
		})
	}
}

func (c *Client) Relationship(ctx context.Context, steamID int64) (constants.Relationship, error) {
	reply, err := c.call(ctx, Frame{Type: FrameRelationshipQuery, SteamID: steamID})
	if err != nil {
		return constants.RelationshipNone, err
	}
	return constants.Relationship(reply.Relationship), nil
}

func (c *Client) SendMessage(ctx context.Context, steamID int64, text string) error {
	if !c.socialReady.Load() {
		return coordinator.ErrNotConnected
	}
	_, err := c.call(ctx, Frame{Type: FrameChatMessage, SteamID: steamID, Text: text})
	return err
}
