package liveness

import (
	"net"
	"testing"
	"time"

	"gpcore/internal/peer"
)

type fixedSource []*peer.Peer

func (s fixedSource) Peers() []*peer.Peer { return s }

func newTestPeer(t *testing.T, id uint16, queueDepth int) *peer.Peer {
	t.Helper()
	c1, c2 := net.Pipe()
	t.Cleanup(func() {
		c1.Close()
		c2.Close()
	})
	p := peer.New(id, c1, nil, queueDepth, nil)
	p.SetState(peer.StateConnected)
	return p
}

func TestSweepDisconnectsIdlePeer(t *testing.T) {
	p := newTestPeer(t, 1, 8)
	tk := New(Config{PingInterval: 30 * time.Second, ConnectionTimeout: 60 * time.Second}, fixedSource{p}, nil)

	tk.sweep(time.Now().Add(61 * time.Second))

	if p.State() != peer.StateDisconnected {
		t.Fatalf("state = %v, want Disconnected", p.State())
	}
	if got := p.CloseReason(); got != "inactivity timeout" {
		t.Fatalf("close reason = %q", got)
	}
}

func TestSweepDoesNotDisconnectBeforeTimeout(t *testing.T) {
	p := newTestPeer(t, 1, 8)
	tk := New(Config{PingInterval: 30 * time.Second, ConnectionTimeout: 60 * time.Second}, fixedSource{p}, nil)

	tk.sweep(time.Now().Add(59 * time.Second))

	if p.State() == peer.StateDisconnected {
		t.Fatal("peer disconnected before connection timeout elapsed")
	}
}

func TestSweepSendsPingWhenDue(t *testing.T) {
	p := newTestPeer(t, 1, 8)
	tk := New(Config{PingInterval: 30 * time.Second, ConnectionTimeout: 60 * time.Second}, fixedSource{p}, nil)

	tk.sweep(time.Now())
	first := p.LastPingSent()
	if first.IsZero() || first.UnixNano() == 0 {
		t.Fatal("expected ping to be sent on first sweep")
	}

	// A second sweep at the same instant must not ping again.
	tk.sweep(time.Now())
	if got := p.LastPingSent(); !got.Equal(first) {
		t.Fatalf("ping re-sent before interval: %v != %v", got, first)
	}
}

func TestSweepIgnoresNonConnectedPeers(t *testing.T) {
	p := newTestPeer(t, 1, 8)
	p.SetState(peer.StateConnecting)
	tk := New(Config{PingInterval: 30 * time.Second, ConnectionTimeout: 60 * time.Second}, fixedSource{p}, nil)

	tk.sweep(time.Now().Add(2 * time.Minute))

	if p.State() == peer.StateDisconnected {
		t.Fatal("connecting peer must not be timed out by the liveness sweep")
	}
}

func TestSweepDisconnectsOnSendQueueOverflow(t *testing.T) {
	p := newTestPeer(t, 1, 1)
	// Fill the single-slot queue so the sweep's ping cannot be enqueued.
	if err := p.SendPing(); err != nil {
		t.Fatalf("priming ping: %v", err)
	}
	tk := New(Config{PingInterval: 30 * time.Second, ConnectionTimeout: 60 * time.Second}, fixedSource{p}, nil)

	tk.sweep(time.Now().Add(45 * time.Second))

	if p.State() != peer.StateDisconnected {
		t.Fatalf("state = %v, want Disconnected", p.State())
	}
	if got := p.CloseReason(); got != "send queue overflow" {
		t.Fatalf("close reason = %q", got)
	}
}
