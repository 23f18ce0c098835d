// Package observer implements the server's observability hook points. The
// core emits named lifecycle events to an Observer; nothing in the core
// depends on what an Observer does with them, so a plugin manager, metrics
// sink, or audit log can all subscribe without the core knowing they
// exist.
package observer

import "log/slog"

// Event names the core emits
const (
	EventServerStarting = "server:starting"
	EventServerStarted  = "server:started"
	EventServerStopping = "server:stopping"
	EventServerStopped  = "server:stopped"

	EventPeerConnecting     = "peer:connecting"
	EventPeerConnected      = "peer:connected"
	EventPeerAuthenticating = "peer:authenticating"
	EventPeerAuthenticated  = "peer:authenticated"
	EventPeerDisconnecting  = "peer:disconnecting"
	EventPeerDisconnected   = "peer:disconnected"

	EventRoomCreating   = "room:creating"
	EventRoomCreated    = "room:created"
	EventRoomDestroying = "room:destroying"
	EventRoomDestroyed  = "room:destroyed"

	EventOperationReceived  = "operation:received"
	EventOperationProcessed = "operation:processed"
	EventEventRaised        = "event:raised"
	EventEventSent          = "event:sent"
)

// Context is the compact, read-only record attached to an emitted event.
// Observers MUST NOT mutate it; Context is a value type so the
// compiler enforces that for every field but the Extra map, which callers
// should treat as a snapshot.
type Context struct {
	PeerID   uint16
	RoomName string
	OpCode   byte
	Reason   string
	Extra    map[string]any
}

// Observer receives named lifecycle events. Implementations must return
// quickly and must not block the caller; Emit is typically called while
// holding no locks but on a hot path (every operation, every peer
// transition), so a slow Observer is a self-inflicted bottleneck.
type Observer interface {
	Emit(name string, ctx Context)
}

// Nop discards every event. It is the default when no observer is
// configured.
type Nop struct{}

func (Nop) Emit(string, Context) {}

// Multi fans every event out to each wrapped observer, in order. A nil
// element is skipped.
type Multi []Observer

func (m Multi) Emit(name string, ctx Context) {
	for _, o := range m {
		if o != nil {
			o.Emit(name, ctx)
		}
	}
}

// Slog logs every event as a structured slog record at Debug level, with
// server lifecycle events promoted to Info since they're rare and
// operationally significant.
type Slog struct {
	Log *slog.Logger
}

func NewSlog(log *slog.Logger) Slog {
	if log == nil {
		log = slog.Default()
	}
	return Slog{Log: log}
}

func (s Slog) Emit(name string, ctx Context) {
	attrs := []any{"event", name}
	if ctx.PeerID != 0 {
		attrs = append(attrs, "peer_id", ctx.PeerID)
	}
	if ctx.RoomName != "" {
		attrs = append(attrs, "room", ctx.RoomName)
	}
	if ctx.OpCode != 0 {
		attrs = append(attrs, "op_code", ctx.OpCode)
	}
	if ctx.Reason != "" {
		attrs = append(attrs, "reason", ctx.Reason)
	}
	for k, v := range ctx.Extra {
		attrs = append(attrs, k, v)
	}
	switch name {
	case EventServerStarting, EventServerStarted, EventServerStopping, EventServerStopped:
		s.Log.Info(name, attrs[1:]...)
	default:
		s.Log.Debug(name, attrs[1:]...)
	}
}
