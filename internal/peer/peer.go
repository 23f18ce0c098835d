// Package peer implements one connection's lifecycle: state machine, I/O
// loop, sequence counters, and the bounded outbound send path. It depends
// only on internal/frame, internal/command, internal/wire and
// internal/wireerr — nothing here knows about rooms or operations; Room
// membership is expressed through the MemberRef interface that Peer
// implements structurally, so internal/room never imports this package.
//
// The outbound path carries a small circuit breaker that counts failed
// writes, but the writer goroutine stops at the first failed write, so
// within one connection the breaker never reaches its threshold and no
// sends are skipped by it. A send that can't be enqueued within a short
// deadline is treated as backpressure rather than blocking forever.
package peer

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"gpcore/internal/command"
	"gpcore/internal/frame"
	"gpcore/internal/wire"
	"gpcore/internal/wireerr"
)

// State is the peer connection state machine
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

const (
	// sendQueueDepthDefault applies when the caller passes no depth;
	// Registry overrides it per the loaded configuration.
	sendQueueDepthDefault = 1024

	// sendEnqueueTimeout bounds how long SendCommand blocks trying to hand a
	// record to the writer goroutine before treating it as backpressure.
	sendEnqueueTimeout = 50 * time.Millisecond

	// circuitBreakerThreshold consecutive write failures opens the breaker.
	circuitBreakerThreshold uint32 = 5
	// circuitBreakerProbeInterval lets one send through every N skips while
	// the breaker is open, to detect recovery.
	circuitBreakerProbeInterval uint32 = 20

	// decodeErrorWindow is the rolling window over which repeated decode
	// errors accumulate before escalating to a disconnect
	decodeErrorWindow = 60 * time.Second
	// decodeErrorThreshold is the count within decodeErrorWindow that
	// escalates a contained decode error into a transport-level disconnect.
	decodeErrorThreshold = 10
)

// Dispatcher receives decoded command records for application-level
// handling. internal/operation's Router implements this; Peer never
// imports internal/operation, keeping the dependency direction one-way.
type Dispatcher interface {
	HandleCommand(p *Peer, rec command.Record)
}

// health is a small circuit breaker over consecutive outbound write
// failures.
type health struct {
	failures atomic.Uint32
	skips    atomic.Uint32
}

func (h *health) shouldSkip() bool {
	if h.failures.Load() < circuitBreakerThreshold {
		return false
	}
	s := h.skips.Add(1)
	return s%circuitBreakerProbeInterval != 0
}

func (h *health) recordFailure() {
	h.failures.Add(1)
}

func (h *health) recordSuccess() {
	h.failures.Store(0)
	h.skips.Store(0)
}

// decodeErrorTracker counts decode errors in a trailing time window using a
// small ring of timestamps, avoiding unbounded growth while still answering
// "how many in the last 60s" cheaply.
type decodeErrorTracker struct {
	mu   sync.Mutex
	ring [decodeErrorThreshold]time.Time
	next int
	n    int
}

// record adds a new decode-error timestamp and reports whether the count of
// errors within the trailing window now meets the escalation threshold.
func (t *decodeErrorTracker) record(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ring[t.next] = now
	t.next = (t.next + 1) % len(t.ring)
	if t.n < len(t.ring) {
		t.n++
	}
	if t.n < decodeErrorThreshold {
		return false
	}
	oldest := t.ring[t.next]
	return now.Sub(oldest) <= decodeErrorWindow
}

// Peer is one connected client session.
type Peer struct {
	id   uint16
	conn net.Conn
	fr   *frame.Reader
	log  *slog.Logger

	dispatcher Dispatcher

	state         atomic.Int32
	authenticated atomic.Bool

	mu               sync.RWMutex
	nickname         string
	userID           string
	customProps      wire.Hashtable
	currentRoomName  string
	isMaster         bool

	reliableSeq   atomic.Uint32
	unreliableSeq atomic.Uint32

	lastActivity     atomic.Int64
	lastPingSent     atomic.Int64
	lastPongReceived atomic.Int64

	bytesIn, bytesOut       atomic.Uint64
	messagesIn, messagesOut atomic.Uint64
	errorCount              atomic.Uint64

	health      health
	decodeErrs  decodeErrorTracker
	outbound    chan command.Record
	closeOnce   sync.Once
	done        chan struct{}
	closeReason atomic.Value // string
}

// New creates a Peer wrapping an accepted connection. The I/O loop is not
// started until Run is called.
func New(id uint16, conn net.Conn, dispatcher Dispatcher, sendQueueDepth int, log *slog.Logger) *Peer {
	if sendQueueDepth <= 0 {
		sendQueueDepth = sendQueueDepthDefault
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Peer{
		id:          id,
		conn:        conn,
		fr:          frame.NewReader(conn),
		log:         log.With("peer_id", id),
		dispatcher:  dispatcher,
		customProps: make(wire.Hashtable),
		outbound:    make(chan command.Record, sendQueueDepth),
		done:        make(chan struct{}),
	}
	p.state.Store(int32(StateConnecting))
	now := time.Now().UnixNano()
	p.lastActivity.Store(now)
	p.lastPongReceived.Store(now)
	return p
}

func (p *Peer) ID() uint16 { return p.id }

func (p *Peer) State() State { return State(p.state.Load()) }

func (p *Peer) SetState(s State) { p.state.Store(int32(s)) }

func (p *Peer) Authenticated() bool { return p.authenticated.Load() }

func (p *Peer) SetAuthenticated(v bool) { p.authenticated.Store(v) }

func (p *Peer) Nickname() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.nickname
}

func (p *Peer) SetNickname(n string) {
	p.mu.Lock()
	p.nickname = n
	p.mu.Unlock()
}

func (p *Peer) UserID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.userID
}

func (p *Peer) SetUserID(id string) {
	p.mu.Lock()
	p.userID = id
	p.mu.Unlock()
}

// CustomProperties returns a shallow copy of the peer's actor properties.
func (p *Peer) CustomProperties() wire.Hashtable {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(wire.Hashtable, len(p.customProps))
	for k, v := range p.customProps {
		out[k] = v
	}
	return out
}

// MergeCustomProperties merges the given keys into the peer's actor
// properties. Applying the same map twice is idempotent.
func (p *Peer) MergeCustomProperties(props wire.Hashtable) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, v := range props {
		p.customProps[k] = v
	}
}

// CurrentRoomName returns the room this peer currently belongs to, or "" if
// none. The association is non-owning: Peer stores only the name, Registry
// resolves it to the live *room.Room.
func (p *Peer) CurrentRoomName() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.currentRoomName
}

func (p *Peer) SetCurrentRoomName(name string) {
	p.mu.Lock()
	p.currentRoomName = name
	p.mu.Unlock()
}

func (p *Peer) IsMaster() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.isMaster
}

func (p *Peer) SetMaster(v bool) {
	p.mu.Lock()
	p.isMaster = v
	p.mu.Unlock()
}

// NextReliableSequence returns the next reliable-out sequence number,
// monotonic non-decreasing over the peer's lifetime.
func (p *Peer) NextReliableSequence() uint32 { return p.reliableSeq.Add(1) }

// NextUnreliableSequence returns the next unreliable-out sequence number.
func (p *Peer) NextUnreliableSequence() uint32 { return p.unreliableSeq.Add(1) }

func (p *Peer) RecordActivity() { p.lastActivity.Store(time.Now().UnixNano()) }

func (p *Peer) LastActivity() time.Time { return time.Unix(0, p.lastActivity.Load()) }

func (p *Peer) RecordPingSent() { p.lastPingSent.Store(time.Now().UnixNano()) }

func (p *Peer) LastPingSent() time.Time { return time.Unix(0, p.lastPingSent.Load()) }

func (p *Peer) RecordPongReceived() {
	now := time.Now().UnixNano()
	p.lastPongReceived.Store(now)
	p.lastActivity.Store(now)
}

func (p *Peer) LastPongReceived() time.Time { return time.Unix(0, p.lastPongReceived.Load()) }

func (p *Peer) RemoteAddr() string {
	if p.conn == nil {
		return ""
	}
	return p.conn.RemoteAddr().String()
}

// Stats is a point-in-time snapshot of the per-peer counters.
type Stats struct {
	BytesIn, BytesOut       uint64
	MessagesIn, MessagesOut uint64
	Errors                  uint64
}

func (p *Peer) Stats() Stats {
	return Stats{
		BytesIn:     p.bytesIn.Load(),
		BytesOut:    p.bytesOut.Load(),
		MessagesIn:  p.messagesIn.Load(),
		MessagesOut: p.messagesOut.Load(),
		Errors:      p.errorCount.Load(),
	}
}

// Run drives the peer's read loop until the connection closes, the context
// is cancelled, or the peer is disconnected. It starts the writer goroutine
// and blocks until both finish. The returned error is nil on a clean,
// locally-initiated close.
func (p *Peer) Run(ctx context.Context) error {
	// A read blocked in ReadPacket only returns once the socket is closed.
	if p.conn != nil {
		stop := context.AfterFunc(ctx, func() { p.conn.Close() })
		defer stop()
	}
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		p.runWriter(ctx)
	}()

	err := p.runReader(ctx)
	select {
	case <-p.done:
		err = nil // closed locally through Close
	default:
		if ctx.Err() != nil {
			err = ctx.Err()
		}
	}

	p.closeOnce.Do(func() { close(p.done) })
	<-writerDone
	if p.conn != nil {
		p.conn.Close()
	}
	return err
}

func (p *Peer) runReader(ctx context.Context) error {
	badSignatures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.done:
			return nil
		default:
		}

		peerID, payload, err := p.fr.ReadPacket()
		if err != nil {
			var te *wireerr.TransportError
			if errors.As(err, &te) {
				badSignatures++
				p.log.Warn("bad packet signature", "error", err, "strikes", badSignatures)
				if badSignatures >= 3 {
					return fmt.Errorf("peer %d: too many bad packets: %w", p.id, err)
				}
				continue
			}
			return err
		}
		badSignatures = 0
		_ = peerID // the wire peer-id on inbound packets is informational only
		p.bytesIn.Add(uint64(frame.HeaderSize + len(payload)))

		dec := command.NewDecoder(payload)
		for !dec.Done() {
			rec, err := dec.Next()
			if err != nil {
				p.errorCount.Add(1)
				if p.decodeErrs.record(time.Now()) {
					return fmt.Errorf("peer %d: too many decode errors: %w", p.id, err)
				}
				p.log.Debug("decode error, discarding remainder of packet", "error", err)
				break
			}
			p.RecordActivity()
			p.messagesIn.Add(1)
			p.dispatcher.HandleCommand(p, rec)
		}
	}
}

func (p *Peer) runWriter(ctx context.Context) {
	w := bufio.NewWriterSize(p.conn, 16*1024)
	defer w.Flush()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case rec, ok := <-p.outbound:
			if !ok {
				return
			}
			if p.health.shouldSkip() {
				continue
			}
			if err := p.writeRecord(w, rec); err != nil {
				p.health.recordFailure()
				p.log.Warn("write failed", "error", err)
				return
			}
			p.health.recordSuccess()
			p.messagesOut.Add(1)
		}
	}
}

func (p *Peer) writeRecord(w *bufio.Writer, rec command.Record) error {
	var buf bytes.Buffer
	if err := command.Encode(&buf, rec); err != nil {
		return err
	}
	if err := frame.WritePacket(w, p.id, buf.Bytes()); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	p.bytesOut.Add(uint64(frame.HeaderSize + buf.Len()))
	return nil
}

// SendCommand enqueues a fully-formed command record for the writer
// goroutine. Reliable/unreliable sequence assignment is the caller's
// responsibility (NextReliableSequence/NextUnreliableSequence) so batched
// sends can be ordered before entering the queue.
//
// A send that cannot be enqueued within sendEnqueueTimeout is
// backpressure; the caller should disconnect the peer with reason
// "send queue overflow".
func (p *Peer) SendCommand(rec command.Record) error {
	select {
	case p.outbound <- rec:
		return nil
	case <-p.done:
		return errClosed
	case <-time.After(sendEnqueueTimeout):
		return errQueueOverflow
	}
}

// SendResponse sends an operation response reliably.
func (p *Peer) SendResponse(opCode byte, returnCode int16, debugMessage string, params wire.ParameterTable) error {
	return p.SendCommand(command.Record{
		Kind:      command.KindSendReliable,
		Timestamp: timestampNow(),
		Sequence:  p.NextReliableSequence(),
		Payload:   command.NewResponseMessage(opCode, returnCode, debugMessage, params),
	})
}

// SendEvent sends an event, reliably; reliable is the only path Room uses
// for broadcast today (unreliable raise is left to the caller).
func (p *Peer) SendEvent(eventCode byte, params wire.ParameterTable) error {
	return p.SendCommand(command.Record{
		Kind:      command.KindSendReliable,
		Timestamp: timestampNow(),
		Sequence:  p.NextReliableSequence(),
		Payload:   command.NewEventMessage(eventCode, params),
	})
}

// SendVerifyConnect sends the handshake command that transitions the peer
// from Connecting to Connected on the client side.
func (p *Peer) SendVerifyConnect() error {
	return p.SendCommand(command.Record{Kind: command.KindVerifyConnect, Timestamp: timestampNow()})
}

// SendPing sends a keepalive ping and records the send time.
func (p *Peer) SendPing() error {
	p.RecordPingSent()
	return p.SendCommand(command.Record{Kind: command.KindPing, Timestamp: timestampNow()})
}

// SendDisconnect sends the graceful disconnect command.
func (p *Peer) SendDisconnect() error {
	return p.SendCommand(command.Record{Kind: command.KindDisconnect, Timestamp: timestampNow()})
}

// Close tears down the peer's I/O loop and underlying connection. Safe to
// call multiple times and from any goroutine.
func (p *Peer) Close(reason string) error {
	p.closeReason.Store(reason)
	p.closeOnce.Do(func() { close(p.done) })
	p.state.Store(int32(StateDisconnected))
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// CloseReason returns the reason passed to Close, if any.
func (p *Peer) CloseReason() string {
	if v, ok := p.closeReason.Load().(string); ok {
		return v
	}
	return ""
}

var (
	errClosed        = errors.New("peer: send on closed peer")
	errQueueOverflow = errors.New("peer: send queue overflow")
)

// ErrQueueOverflow is returned by SendCommand when the outbound queue could
// not accept a record within the enqueue deadline; callers should treat
// this as cause to disconnect the peer.
func ErrQueueOverflow() error { return errQueueOverflow }

func timestampNow() uint32 {
	return uint32(time.Now().UnixMilli())
}
