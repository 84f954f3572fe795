package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/joseph-ayodele/replay-fetcher/constants"
	"github.com/joseph-ayodele/replay-fetcher/internal/coordinator"
	"github.com/joseph-ayodele/replay-fetcher/internal/matchinfo"
	"github.com/joseph-ayodele/replay-fetcher/internal/resolver"
)

type sidecar struct {
	t      *testing.T
	conn   net.Conn
	enc    *cbor.Encoder
	dec    *cbor.Decoder
	closed atomic.Bool
	wg     sync.WaitGroup
}

func (s *sidecar) send(f Frame) {
	s.t.Helper()
	if err := s.enc.Encode(f); err != nil && !s.closed.Load() {
		s.t.Errorf("sidecar encode %s: %v", f.Type, err)
	}
}

func (s *sidecar) recv() Frame {
	s.t.Helper()
	var f Frame
	if err := s.dec.Decode(&f); err != nil && !s.closed.Load() {
		s.t.Errorf("sidecar decode: %v", err)
	}
	return f
}

// serve runs fn as the sidecar side of a test. Cleanup waits for it.
func (s *sidecar) serve(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func boolPtr(b bool) *bool { return &b }

func startClient(t *testing.T) (*Client, *sidecar, <-chan error) {
	t.Helper()
	c, err := New("unix:///run/test.sock", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	clientEnd, sidecarEnd := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Serve(ctx, clientEnd) }()
	sc := &sidecar{t: t, conn: sidecarEnd, enc: newEncoder(sidecarEnd), dec: newDecoder(sidecarEnd)}
	t.Cleanup(func() {
		sc.closed.Store(true)
		cancel()
		_ = sidecarEnd.Close()
		sc.wg.Wait()
	})
	waitFor(t, "connection attached", c.Connected)
	return c, sc, done
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestStatusFrameUpdatesReadiness(t *testing.T) {
	c, sc, _ := startClient(t)
	ready := make(chan struct{})
	c.OnCoordinatorReady(func() { close(ready) })

	sc.send(Frame{Type: FrameStatus, GCReady: boolPtr(true), SocialReady: boolPtr(false)})
	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		t.Fatalf("coordinator ready hook not called")
	}
	if !c.CoordinatorReady() || c.SocialReady() {
		t.Fatalf("gc=%v social=%v, want true/false", c.CoordinatorReady(), c.SocialReady())
	}

	sc.send(Frame{Type: FrameStatus, SocialReady: boolPtr(true)})
	waitFor(t, "social ready", c.SocialReady)
	if !c.CoordinatorReady() {
		t.Fatalf("partial status frame cleared gc readiness")
	}
}

func TestResolveOverBridge(t *testing.T) {
	c, sc, _ := startClient(t)
	sc.send(Frame{Type: FrameStatus, GCReady: boolPtr(true)})
	waitFor(t, "gc ready", c.CoordinatorReady)

	payload, err := encMode.Marshal(map[string]any{
		"matches": []any{map[string]any{
			"watchablematchinfo": map[string]any{"server_ip": uint64(3125406), "tv_port": uint64(128)},
			"roundstatsall":      []any{map[string]any{"reservationid": uint64(3546215765372223642)}},
		}},
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	sc.serve(func() {
		req := sc.recv()
		if req.Type != FrameRequestMatch || req.ShareCode != "CSGO-aaaaa-bbbbb-ccccc-ddddd-eeeee" {
			t.Errorf("request = %+v", req)
		}
		sc.send(Frame{Type: FrameMatchInfo, Payload: payload})
	})

	coord := coordinator.NewClient(c, nil, coordinator.WithTimeout(5*time.Second))
	v, err := coord.Resolve(context.Background(), "CSGO-aaaaa-bbbbb-ccccc-ddddd-eeeee")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	url, ok := resolver.Resolve(v)
	if !ok || url != "http://replay3125406.valve.net/730/003546215765372223642_128.dem.bz2" {
		t.Fatalf("resolved %q, %v", url, ok)
	}
}

func TestRelationshipRoundTrip(t *testing.T) {
	c, sc, _ := startClient(t)
	sc.serve(func() {
		q := sc.recv()
		if q.Type != FrameRelationshipQuery || q.SteamID != 76561198000000001 || q.ID == "" {
			t.Errorf("query = %+v", q)
		}
		sc.send(Frame{Type: FrameRelationship, ID: q.ID, Relationship: int(constants.RelationshipFriend)})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rel, err := c.Relationship(ctx, 76561198000000001)
	if err != nil {
		t.Fatalf("Relationship: %v", err)
	}
	if rel != constants.RelationshipFriend {
		t.Fatalf("relationship = %s, want friend", rel)
	}
}

func TestSendMessageRemoteError(t *testing.T) {
	c, sc, _ := startClient(t)
	sc.send(Frame{Type: FrameStatus, SocialReady: boolPtr(true)})
	waitFor(t, "social ready", c.SocialReady)

	sc.serve(func() {
		m := sc.recv()
		if m.Type != FrameChatMessage || m.Text != "hello" {
			t.Errorf("chat frame = %+v", m)
		}
		sc.send(Frame{Type: FrameError, ID: m.ID, Message: "recipient offline"})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.SendMessage(ctx, 7, "hello"); !errors.Is(err, ErrRemote) {
		t.Fatalf("err = %v, want ErrRemote", err)
	}
}

func TestDisconnectFailsPendingCalls(t *testing.T) {
	c, sc, done := startClient(t)
	sc.send(Frame{Type: FrameStatus, GCReady: boolPtr(true), SocialReady: boolPtr(true)})
	waitFor(t, "ready", c.SocialReady)

	sc.serve(func() {
		_ = sc.recv()
		sc.closed.Store(true)
		_ = sc.conn.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.Relationship(ctx, 7); !errors.Is(err, coordinator.ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Serve did not return after disconnect")
	}
	if c.CoordinatorReady() || c.SocialReady() {
		t.Fatalf("readiness survived disconnect")
	}
	if c.Connected() {
		t.Fatalf("connection still attached after disconnect")
	}
	if err := c.RequestMatchInfo(context.Background(), "CSGO-aaaaa-bbbbb-ccccc-ddddd-eeeee"); !errors.Is(err, coordinator.ErrNotConnected) {
		t.Fatalf("RequestMatchInfo err = %v, want ErrNotConnected", err)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	c, sc, _ := startClient(t)
	got := make(chan matchinfo.Value, 2)
	unsubscribe := c.OnMatchInfo(func(v matchinfo.Value) { got <- v })

	sc.send(Frame{Type: FrameMatchInfo})
	select {
	case <-got:
	case <-time.After(5 * time.Second):
		t.Fatalf("listener not called")
	}
	unsubscribe()
	unsubscribe()
	sc.send(Frame{Type: FrameMatchInfo})
	// A reply round trip guarantees the second event was dispatched.
	sc.serve(func() {
		q := sc.recv()
		sc.send(Frame{Type: FrameRelationship, ID: q.ID})
	})
	if _, err := c.Relationship(context.Background(), 1); err != nil {
		t.Fatalf("Relationship: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("listener called after unsubscribe")
	}
}

func TestParseAddr(t *testing.T) {
	cases := []struct {
		in, network, address string
		wantErr              bool
	}{
		{"unix:///run/replay-bridge.sock", "unix", "/run/replay-bridge.sock", false},
		{"tcp://127.0.0.1:7000", "tcp", "127.0.0.1:7000", false},
		{"localhost:7000", "tcp", "localhost:7000", false},
		{"unix://", "", "", true},
	}
	for _, tc := range cases {
		network, address, err := ParseAddr(tc.in)
		if (err != nil) != tc.wantErr || network != tc.network || address != tc.address {
			t.Errorf("ParseAddr(%q) = %q, %q, %v", tc.in, network, address, err)
		}
	}
}
