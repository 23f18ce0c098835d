// Package liveness runs the ping/timeout cycle over every connected peer:
// a single ticker fires every pingInterval/3, sends a Ping to peers whose
// last ping is older than pingInterval, and disconnects peers whose last
// activity is older than connectionTimeout. It shares the shape of the
// registry's cleanup ticker so the server has exactly two periodic tasks.
package liveness

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gpcore/internal/peer"
)

// PeerSource yields the current peer set each tick. *registry.Registry
// satisfies it; defining the interface here keeps liveness testable with a
// fixed slice of peers.
type PeerSource interface {
	Peers() []*peer.Peer
}

// Config holds the two intervals the ticker works against.
type Config struct {
	PingInterval      time.Duration
	ConnectionTimeout time.Duration
}

// Ticker drives the liveness cycle.
type Ticker struct {
	cfg Config
	src PeerSource
	log *slog.Logger
}

// New creates a liveness ticker over src. Zero intervals fall back to the
// configuration defaults (30s ping, 60s timeout).
func New(cfg Config, src PeerSource, log *slog.Logger) *Ticker {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = 60 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Ticker{cfg: cfg, src: src, log: log}
}

// Run fires the cycle every PingInterval/3 until ctx is cancelled.
func (t *Ticker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.PingInterval / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweep(time.Now())
		}
	}
}

// sweep applies one liveness pass over every Connected peer.
func (t *Ticker) sweep(now time.Time) {
	for _, p := range t.src.Peers() {
		if p.State() != peer.StateConnected {
			continue
		}
		if idle := now.Sub(p.LastActivity()); idle > t.cfg.ConnectionTimeout {
			t.log.Info("disconnecting inactive peer", "peer_id", p.ID(), "idle", idle)
			p.SetState(peer.StateDisconnecting)
			p.Close("inactivity timeout")
			continue
		}
		if now.Sub(p.LastPingSent()) > t.cfg.PingInterval {
			if err := p.SendPing(); err != nil {
				if errors.Is(err, peer.ErrQueueOverflow()) {
					t.log.Warn("disconnecting peer with full send queue", "peer_id", p.ID())
					p.Close("send queue overflow")
				}
			}
		}
	}
}
