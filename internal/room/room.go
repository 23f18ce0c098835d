// Package room implements room membership, master-client election, event
// fan-out with optional replay caching, and empty-room TTL cleanup
// eligibility. Room never imports internal/peer: it talks to members
// through the MemberRef interface, which *peer.Peer satisfies structurally,
// keeping the Peer<->Room association non-owning and cycle-free.
//
// One RWMutex guards membership, master-id, and property/cache state;
// outbound sends to members happen after releasing the lock so a slow peer
// never blocks other room operations.
package room

import (
	"sync"
	"time"

	"gpcore/internal/wire"
)

// Event codes raised internally by Room, matching the Photon Realtime
// LoadBalancing numerics for Join/Leave/PropertiesChanged.
// MasterClientSwitched is its own distinct event rather than a property
// change. Cross-check against a reference client before changing any of
// these; clients hard-code them.
const (
	EventJoin                 byte = 255
	EventLeave                byte = 254
	EventPropertiesChanged    byte = 253
	EventMasterClientSwitched byte = 206
)

// Parameter keys used in the internally-raised events above.
const (
	ParamActorNr    byte = 254
	ParamActorProps byte = 249
	ParamGameProps  byte = 248
	ParamMasterID   byte = 247
)

// Return codes a join attempt can fail with.
const (
	ReturnOK               int16 = 0
	ReturnJoinFailedDenied int16 = 32758
	ReturnRoomClosed       int16 = 32757
	ReturnRoomFull         int16 = 32765
	ReturnRoomNotFound     int16 = 32764
)

const defaultMaxCachedEvents = 100

// MemberRef is the subset of peer.Peer that Room needs. Defined here
// (consumer side) so internal/room never imports internal/peer.
type MemberRef interface {
	ID() uint16
	Nickname() string
	CustomProperties() wire.Hashtable
	SendEvent(eventCode byte, params wire.ParameterTable) error
	SetCurrentRoomName(name string)
	SetMaster(bool)
	IsMaster() bool
}

// CachedEvent is one entry in the bounded FIFO replay cache.
type CachedEvent struct {
	Code      byte
	Params    wire.ParameterTable
	SenderID  uint16
	Timestamp time.Time
}

// Options configures a new Room. New replaces a zero MaxPlayers or
// MaxCachedEvents and a nil CustomProperties with defaults; every other
// field is used as given.
type Options struct {
	MaxPlayers       int
	IsOpen           bool
	IsVisible        bool
	Password         string
	CustomProperties wire.Hashtable
	EmptyRoomTTL     time.Duration
	PlayerTTL        time.Duration
	MaxCachedEvents  int
}

// Room is a named container of peers sharing events and properties.
type Room struct {
	name string

	mu               sync.RWMutex
	maxPlayers       int
	isOpen           bool
	isVisible        bool
	password         string
	customProps      wire.Hashtable
	members          map[uint16]MemberRef
	masterID         uint16
	emptyRoomTTL     time.Duration
	playerTTL        time.Duration
	maxCachedEvents  int
	eventCache       []CachedEvent
	lastActivity     time.Time
	autoCleanup      bool

	joins, leaves, eventsRaised int64
}

// New creates a room. name must be non-empty and unique within the caller's
// registry; uniqueness is Registry's responsibility, not Room's.
func New(name string, opts Options) *Room {
	maxPlayers := opts.MaxPlayers
	if maxPlayers <= 0 {
		maxPlayers = 500 // hard cap, also the ceiling when the creator sends none
	}
	maxCached := opts.MaxCachedEvents
	if maxCached <= 0 {
		maxCached = defaultMaxCachedEvents
	}
	props := opts.CustomProperties
	if props == nil {
		props = make(wire.Hashtable)
	}
	return &Room{
		name:            name,
		maxPlayers:      maxPlayers,
		isOpen:          opts.IsOpen,
		isVisible:       opts.IsVisible,
		password:        opts.Password,
		customProps:     props,
		members:         make(map[uint16]MemberRef),
		emptyRoomTTL:    opts.EmptyRoomTTL,
		playerTTL:       opts.PlayerTTL,
		maxCachedEvents: maxCached,
		autoCleanup:     true,
		lastActivity:    time.Now(),
	}
}

func (r *Room) Name() string { return r.name }

func (r *Room) touch() { r.lastActivity = time.Now() }

func (r *Room) LastActivity() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastActivity
}

func (r *Room) MaxPlayers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.maxPlayers
}

func (r *Room) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

func (r *Room) IsFull() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members) >= r.maxPlayers
}

func (r *Room) IsOpen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isOpen
}

func (r *Room) SetOpen(v bool) {
	r.mu.Lock()
	r.isOpen = v
	r.mu.Unlock()
}

func (r *Room) IsVisible() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isVisible
}

func (r *Room) SetVisible(v bool) {
	r.mu.Lock()
	r.isVisible = v
	r.mu.Unlock()
}

// CheckPassword reports whether candidate satisfies the room's password
// requirement. An empty stored password means the room has none and any
// candidate (including empty) is accepted.
func (r *Room) CheckPassword(candidate string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.password == "" {
		return true
	}
	return candidate == r.password
}

func (r *Room) HasPassword() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.password != ""
}

func (r *Room) CustomProperties() wire.Hashtable {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyHashtable(r.customProps)
}

func (r *Room) MasterID() uint16 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.masterID
}

// MemberIDs returns a snapshot of current member ids.
func (r *Room) MemberIDs() []uint16 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]uint16, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	return ids
}

// ActorProperties returns a snapshot of every member's custom properties,
// keyed by peer id — the actor-properties map carried in a JoinRoom
// response.
func (r *Room) ActorProperties() map[uint16]wire.Hashtable {
	r.mu.RLock()
	members := make([]MemberRef, 0, len(r.members))
	for _, m := range r.members {
		members = append(members, m)
	}
	r.mu.RUnlock()
	out := make(map[uint16]wire.Hashtable, len(members))
	for _, m := range members {
		out[m.ID()] = m.CustomProperties()
	}
	return out
}

// Summary is the compact room listing used by GetRoomList.
type Summary struct {
	Name             string
	PlayerCount      int
	MaxPlayers       int
	IsOpen           bool
	IsVisible        bool
	CustomProperties wire.Hashtable
}

func (r *Room) Summary() Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Summary{
		Name:             r.name,
		PlayerCount:      len(r.members),
		MaxPlayers:       r.maxPlayers,
		IsOpen:           r.isOpen,
		IsVisible:        r.isVisible,
		CustomProperties: copyHashtable(r.customProps),
	}
}

// JoinOutcome is the result of a successful or rejected Join attempt.
// Accepted==false leaves Room state unmodified. CachedEvents and the JOIN
// broadcast are NOT sent by Join itself — the caller must send the
// operation response to the joiner first, then call FinishJoin, so the
// join response always reaches the joiner before any event the join
// triggers.
type JoinOutcome struct {
	Accepted        bool
	FailureCode     int16
	ActorNr         uint16
	MasterClientID  uint16
	GameProperties  wire.Hashtable
	ActorProperties map[uint16]wire.Hashtable
	PlayerTTLMs     int64
	EmptyRoomTTLMs  int64
	CachedEvents    []CachedEvent
}

// Join adds p to the room. password is the candidate supplied in the join
// request; it is checked only when the room has one.
func (r *Room) Join(p MemberRef, password string) JoinOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isOpen {
		return JoinOutcome{Accepted: false, FailureCode: ReturnRoomClosed}
	}
	if _, already := r.members[p.ID()]; already {
		return JoinOutcome{Accepted: false, FailureCode: ReturnOK, ActorNr: p.ID()} // idempotent no-op join
	}
	if len(r.members) >= r.maxPlayers {
		return JoinOutcome{Accepted: false, FailureCode: ReturnRoomFull}
	}
	if r.password != "" && password != r.password {
		return JoinOutcome{Accepted: false, FailureCode: ReturnJoinFailedDenied}
	}

	r.members[p.ID()] = p
	p.SetCurrentRoomName(r.name)
	becameMaster := len(r.members) == 1
	if becameMaster {
		r.masterID = p.ID()
		p.SetMaster(true)
	}
	r.joins++
	r.touch()

	actorProps := make(map[uint16]wire.Hashtable, len(r.members))
	for _, m := range r.members {
		actorProps[m.ID()] = m.CustomProperties()
	}

	return JoinOutcome{
		Accepted:        true,
		ActorNr:         p.ID(),
		MasterClientID:  r.masterID,
		GameProperties:  copyHashtable(r.customProps),
		ActorProperties: actorProps,
		PlayerTTLMs:     r.playerTTL.Milliseconds(),
		EmptyRoomTTLMs:  r.emptyRoomTTL.Milliseconds(),
		CachedEvents:    append([]CachedEvent(nil), r.eventCache...),
	}
}

// FinishJoin delivers the cached event replay to the new member and
// broadcasts JOIN to everyone else. Call this strictly after sending the
// join operation response to p.
func (r *Room) FinishJoin(p MemberRef, outcome JoinOutcome) {
	for _, ce := range outcome.CachedEvents {
		_ = p.SendEvent(ce.Code, ce.Params)
	}
	params := wire.ParameterTable{
		ParamActorNr:    int32(p.ID()),
		ParamActorProps: p.CustomProperties(),
	}
	r.broadcastExcept(p.ID(), EventJoin, params)
}

// LeaveOutcome describes the membership change effected by Leave.
type LeaveOutcome struct {
	WasMember       bool
	WasMaster       bool
	NewMasterID     uint16
	MasterChanged   bool
	RemainingEmpty  bool
}

// Leave removes peerID from the room, reassigning master as needed, and
// broadcasts LEAVE and (if applicable) MasterClientSwitched. Unlike Join,
// Leave sends its own broadcasts: there is no response-before-event
// ordering constraint on leaving.
func (r *Room) Leave(peerID uint16) LeaveOutcome {
	r.mu.Lock()
	m, ok := r.members[peerID]
	if !ok {
		r.mu.Unlock()
		return LeaveOutcome{WasMember: false}
	}
	delete(r.members, peerID)
	m.SetCurrentRoomName("")
	wasMaster := r.masterID == peerID
	m.SetMaster(false)
	r.leaves++
	r.touch()

	out := LeaveOutcome{WasMember: true, WasMaster: wasMaster}
	if wasMaster {
		if next, ok := smallestID(r.members); ok {
			r.masterID = next
			r.members[next].SetMaster(true)
			out.NewMasterID = next
			out.MasterChanged = true
		} else {
			r.masterID = 0
		}
	}
	out.RemainingEmpty = len(r.members) == 0
	r.mu.Unlock()

	r.broadcastExcept(peerID, EventLeave, wire.ParameterTable{ParamActorNr: int32(peerID)})
	if out.MasterChanged {
		r.broadcastAll(EventMasterClientSwitched, wire.ParameterTable{ParamMasterID: int32(out.NewMasterID)})
	}
	return out
}

// RaiseEvent fans event code with params out from sender to targets (or
// every other member when targets is nil), optionally caching it for
// future joiners.
func (r *Room) RaiseEvent(senderID uint16, code byte, params wire.ParameterTable, targets []uint16, cache bool) bool {
	r.mu.Lock()
	if _, isMember := r.members[senderID]; !isMember {
		r.mu.Unlock()
		return false
	}
	if cache {
		r.eventCache = append(r.eventCache, CachedEvent{Code: code, Params: params, SenderID: senderID, Timestamp: time.Now()})
		if len(r.eventCache) > r.maxCachedEvents {
			r.eventCache = r.eventCache[len(r.eventCache)-r.maxCachedEvents:]
		}
	}
	r.eventsRaised++
	r.touch()

	var recipients []MemberRef
	if targets == nil {
		recipients = make([]MemberRef, 0, len(r.members)-1)
		for id, m := range r.members {
			if id != senderID {
				recipients = append(recipients, m)
			}
		}
	} else {
		recipients = make([]MemberRef, 0, len(targets))
		for _, id := range targets {
			if m, ok := r.members[id]; ok {
				recipients = append(recipients, m)
			}
		}
	}
	r.mu.Unlock()

	for _, m := range recipients {
		_ = m.SendEvent(code, params) // best-effort: a disconnected target silently drops
	}
	return true
}

// MergeProperties merges props into the room's game properties and
// broadcasts PropertiesChanged with the full post-merge map. Applying the
// same map twice is a no-op on the second pass.
func (r *Room) MergeProperties(props wire.Hashtable) wire.Hashtable {
	r.mu.Lock()
	for k, v := range props {
		r.customProps[k] = v
	}
	merged := copyHashtable(r.customProps)
	r.touch()
	r.mu.Unlock()

	r.broadcastAll(EventPropertiesChanged, wire.ParameterTable{ParamGameProps: merged})
	return merged
}

// EligibleForCleanup reports whether this room should be destroyed by the
// next cleanup tick.
func (r *Room) EligibleForCleanup(now time.Time) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members) == 0 && r.autoCleanup && r.emptyRoomTTL > 0 && now.Sub(r.lastActivity) > r.emptyRoomTTL
}

func (r *Room) broadcastExcept(exceptID uint16, code byte, params wire.ParameterTable) {
	r.mu.RLock()
	recipients := make([]MemberRef, 0, len(r.members))
	for id, m := range r.members {
		if id != exceptID {
			recipients = append(recipients, m)
		}
	}
	r.mu.RUnlock()
	for _, m := range recipients {
		_ = m.SendEvent(code, params)
	}
}

func (r *Room) broadcastAll(code byte, params wire.ParameterTable) {
	r.mu.RLock()
	recipients := make([]MemberRef, 0, len(r.members))
	for _, m := range r.members {
		recipients = append(recipients, m)
	}
	r.mu.RUnlock()
	for _, m := range recipients {
		_ = m.SendEvent(code, params)
	}
}

func smallestID(members map[uint16]MemberRef) (uint16, bool) {
	first := true
	var min uint16
	for id := range members {
		if first || id < min {
			min = id
			first = false
		}
	}
	return min, !first
}

func copyHashtable(h wire.Hashtable) wire.Hashtable {
	out := make(wire.Hashtable, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
