// Package shutdown implements the graceful drain: stop accepting, send
// every peer a Disconnect command, give in-flight writes a short window to
// flush, close every peer's socket, release every room, and wait for the
// peers to unregister, bounded by the hard deadline.
package shutdown

import (
	"context"
	"log/slog"
	"time"

	"gpcore/internal/observer"
	"gpcore/internal/registry"
)

// flushWindow is how long in-flight writer goroutines get to deliver the
// Disconnect command before sockets are closed under them.
const flushWindow = 250 * time.Millisecond

// Coordinator drains a registry's peers and rooms on server shutdown.
type Coordinator struct {
	reg   *registry.Registry
	obs   observer.Observer
	log   *slog.Logger
	grace time.Duration
}

// New builds a Coordinator. grace is the hard deadline for the whole drain
// (default 10s).
func New(reg *registry.Registry, obs observer.Observer, log *slog.Logger, grace time.Duration) *Coordinator {
	if grace <= 0 {
		grace = 10 * time.Second
	}
	if obs == nil {
		obs = observer.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{reg: reg, obs: obs, log: log, grace: grace}
}

// Shutdown runs the drain to completion. Every peer's socket is closed
// right after the flush window; the wait for peers to unregister stops at
// the grace deadline, and peers still registered then are only logged.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.obs.Emit(observer.EventServerStopping, observer.Context{})
	c.log.Info("shutting down", "grace", c.grace, "peers", c.reg.PeerCount(), "rooms", c.reg.RoomCount())

	deadline := time.Now().Add(c.grace)
	c.reg.SetShuttingDown(true)
	if err := c.reg.Close(); err != nil {
		c.log.Debug("listener close", "error", err)
	}

	peers := c.reg.Peers()
	for _, p := range peers {
		if err := p.SendDisconnect(); err != nil {
			c.log.Debug("disconnect send failed", "peer_id", p.ID(), "error", err)
		}
	}
	c.wait(ctx, flushWindow)

	for _, p := range peers {
		p.Close("server shutdown")
	}

	for _, rm := range c.reg.Rooms() {
		for _, id := range rm.MemberIDs() {
			rm.Leave(id)
		}
		if err := c.reg.RemoveRoom(rm.Name()); err != nil {
			c.log.Warn("room removal during shutdown", "room", rm.Name(), "error", err)
		}
	}

	// Peer goroutines unregister themselves as their read loops observe the
	// closed sockets; wait for that, bounded by the hard deadline.
	for c.reg.PeerCount() > 0 && time.Now().Before(deadline) {
		c.wait(ctx, 20*time.Millisecond)
		if ctx.Err() != nil {
			break
		}
	}
	if n := c.reg.PeerCount(); n > 0 {
		c.log.Warn("peers still registered at shutdown deadline", "count", n)
	}

	c.obs.Emit(observer.EventServerStopped, observer.Context{})
	c.log.Info("shutdown complete")
}

func (c *Coordinator) wait(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
