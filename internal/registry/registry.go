// Package registry owns the server-wide peer and room maps, the accept
// loop, and the room cleanup ticker. Lock ordering is
// Registry -> Room -> Peer: handlers that need both a room and a peer lock
// must take the registry-level lookup first, then the room's lock, and
// never hold a room lock while acquiring another room's lock.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"gpcore/internal/observer"
	"gpcore/internal/peer"
	"gpcore/internal/room"
)

// Config mirrors the subset of server options the registry itself needs;
// internal/config owns loading the full set from defaults, file and env.
type Config struct {
	MaxConnections  int
	SendQueueDepth  int
	CleanupInterval time.Duration
}

// Registry is the process-wide owner of peers and rooms.
type Registry struct {
	cfg Config
	log *slog.Logger
	obs observer.Observer

	dispatcher peer.Dispatcher

	peersMu sync.RWMutex
	peers   map[uint16]*peer.Peer
	nextID  atomic.Uint32

	roomsMu sync.RWMutex
	rooms   map[string]*room.Room

	shuttingDown atomic.Bool
	listener     net.Listener
}

// New creates a Registry. dispatcher handles every decoded command from
// every peer the registry accepts (normally an *operation.Router).
func New(cfg Config, dispatcher peer.Dispatcher, obs observer.Observer, log *slog.Logger) *Registry {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 1000
	}
	if cfg.SendQueueDepth <= 0 {
		cfg.SendQueueDepth = 1024
	}
	if obs == nil {
		obs = observer.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{
		cfg:        cfg,
		log:        log,
		obs:        obs,
		dispatcher: dispatcher,
		peers:      make(map[uint16]*peer.Peer),
		rooms:      make(map[string]*room.Room),
	}
	return r
}

// ListenAndServe binds addr and accepts connections until ctx is cancelled
// or Shutdown is called. Each accepted connection gets a freshly minted
// peer id and its own goroutine running Peer.Run.
func (r *Registry) ListenAndServe(ctx context.Context, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("registry: listen %s: %w", addr, err)
	}
	r.listener = ln
	r.obs.Emit(observer.EventServerStarted, observer.Context{Extra: map[string]any{"addr": addr}})
	r.log.Info("listening", "addr", addr)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			wg.Wait()
			if r.shuttingDown.Load() || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if r.shuttingDown.Load() || r.PeerCount() >= r.cfg.MaxConnections {
			conn.Close()
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.handleConn(ctx, conn)
		}()
	}
}

func (r *Registry) handleConn(ctx context.Context, conn net.Conn) {
	id := r.allocatePeerID()
	// Connection correlation id for log lines emitted before/after the
	// numeric peer id means anything to an operator reading interleaved logs.
	connID := uuid.NewString()
	log := r.log.With("conn_id", connID)
	r.obs.Emit(observer.EventPeerConnecting, observer.Context{PeerID: id, Extra: map[string]any{
		"conn_id": connID,
		"remote":  conn.RemoteAddr().String(),
	}})

	p := peer.New(id, conn, r.dispatcher, r.cfg.SendQueueDepth, log)
	r.addPeer(p)
	defer r.removePeer(id)

	if err := p.SendVerifyConnect(); err != nil {
		log.Warn("failed to send verify-connect", "peer_id", id, "error", err)
		conn.Close()
		return
	}
	p.SetState(peer.StateConnected)
	r.obs.Emit(observer.EventPeerConnected, observer.Context{PeerID: id})

	if err := p.Run(ctx); err != nil {
		log.Debug("peer run ended", "peer_id", id, "error", err)
	}
	r.obs.Emit(observer.EventPeerDisconnecting, observer.Context{PeerID: id, Reason: p.CloseReason()})
	r.detachPeer(p)
	r.obs.Emit(observer.EventPeerDisconnected, observer.Context{PeerID: id})
}

// detachPeer cleans up after a peer whose connection has ended: the peer
// leaves its current room (triggering LEAVE broadcast and master
// reassignment) and the dispatcher drops any per-peer state it holds.
func (r *Registry) detachPeer(p *peer.Peer) {
	if name := p.CurrentRoomName(); name != "" {
		if rm, ok := r.Room(name); ok {
			rm.Leave(p.ID())
		}
	}
	if f, ok := r.dispatcher.(interface{ ForgetPeer(uint16) }); ok {
		f.ForgetPeer(p.ID())
	}
}

// allocatePeerID assigns the next 1-origin 16-bit peer id, wrapping past
// 65535 back to 1 and skipping ids still in use.
func (r *Registry) allocatePeerID() uint16 {
	for {
		n := r.nextID.Add(1)
		id := uint16(n % 65536)
		if id == 0 {
			continue
		}
		r.peersMu.RLock()
		_, taken := r.peers[id]
		r.peersMu.RUnlock()
		if !taken {
			return id
		}
	}
}

func (r *Registry) addPeer(p *peer.Peer) {
	r.peersMu.Lock()
	r.peers[p.ID()] = p
	r.peersMu.Unlock()
}

func (r *Registry) removePeer(id uint16) {
	r.peersMu.Lock()
	delete(r.peers, id)
	r.peersMu.Unlock()
}

// Peer looks up a connected peer by id.
func (r *Registry) Peer(id uint16) (*peer.Peer, bool) {
	r.peersMu.RLock()
	defer r.peersMu.RUnlock()
	p, ok := r.peers[id]
	return p, ok
}

// Peers returns a snapshot of every currently connected peer.
func (r *Registry) Peers() []*peer.Peer {
	r.peersMu.RLock()
	defer r.peersMu.RUnlock()
	out := make([]*peer.Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

// PeerCount returns the number of currently connected peers.
func (r *Registry) PeerCount() int {
	r.peersMu.RLock()
	defer r.peersMu.RUnlock()
	return len(r.peers)
}

// Room looks up a room by name.
func (r *Registry) Room(name string) (*room.Room, bool) {
	r.roomsMu.RLock()
	defer r.roomsMu.RUnlock()
	rm, ok := r.rooms[name]
	return rm, ok
}

// RoomCount returns the number of registered rooms.
func (r *Registry) RoomCount() int {
	r.roomsMu.RLock()
	defer r.roomsMu.RUnlock()
	return len(r.rooms)
}

// Rooms returns a snapshot of every room.
func (r *Registry) Rooms() []*room.Room {
	r.roomsMu.RLock()
	defer r.roomsMu.RUnlock()
	out := make([]*room.Room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		out = append(out, rm)
	}
	return out
}

// ErrRoomExists is returned by CreateRoom for a name already in use.
type ErrRoomExists struct{ Name string }

func (e *ErrRoomExists) Error() string { return fmt.Sprintf("registry: room %q already exists", e.Name) }

// ErrRoomNotEmpty is returned by RemoveRoom for a room with members.
type ErrRoomNotEmpty struct{ Name string }

func (e *ErrRoomNotEmpty) Error() string {
	return fmt.Sprintf("registry: room %q is not empty", e.Name)
}

// CreateRoom creates and registers a new room. Fails if name is taken.
func (r *Registry) CreateRoom(name string, opts room.Options) (*room.Room, error) {
	r.obs.Emit(observer.EventRoomCreating, observer.Context{RoomName: name})
	r.roomsMu.Lock()
	defer r.roomsMu.Unlock()
	if _, exists := r.rooms[name]; exists {
		return nil, &ErrRoomExists{Name: name}
	}
	rm := room.New(name, opts)
	r.rooms[name] = rm
	r.obs.Emit(observer.EventRoomCreated, observer.Context{RoomName: name})
	return rm, nil
}

// RemoveRoom unregisters a room. Refuses to remove a non-empty room.
func (r *Registry) RemoveRoom(name string) error {
	r.roomsMu.Lock()
	defer r.roomsMu.Unlock()
	rm, ok := r.rooms[name]
	if !ok {
		return nil
	}
	if rm.MemberCount() > 0 {
		return &ErrRoomNotEmpty{Name: name}
	}
	r.obs.Emit(observer.EventRoomDestroying, observer.Context{RoomName: name})
	delete(r.rooms, name)
	r.obs.Emit(observer.EventRoomDestroyed, observer.Context{RoomName: name})
	return nil
}

// RunCleanupTicker destroys rooms eligible for cleanup every
// interval until ctx is cancelled.
func (r *Registry) RunCleanupTicker(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.cleanupOnce()
		}
	}
}

func (r *Registry) cleanupOnce() {
	now := time.Now()
	r.roomsMu.Lock()
	defer r.roomsMu.Unlock()
	for name, rm := range r.rooms {
		if rm.EligibleForCleanup(now) {
			r.obs.Emit(observer.EventRoomDestroying, observer.Context{RoomName: name, Reason: "empty-room-ttl"})
			delete(r.rooms, name)
			r.obs.Emit(observer.EventRoomDestroyed, observer.Context{RoomName: name, Reason: "empty-room-ttl"})
		}
	}
}

// SetShuttingDown marks the registry as refusing new connections. Used by
// internal/shutdown during graceful drain.
func (r *Registry) SetShuttingDown(v bool) { r.shuttingDown.Store(v) }

func (r *Registry) IsShuttingDown() bool { return r.shuttingDown.Load() }

// Addr returns the bound listen address once ListenAndServe has started, or
// nil beforehand.
func (r *Registry) Addr() net.Addr {
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Close stops accepting new connections immediately.
func (r *Registry) Close() error {
	if r.listener != nil {
		return r.listener.Close()
	}
	return nil
}
