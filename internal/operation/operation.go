// Package operation dispatches decoded operation requests to handlers and
// implements the handlers themselves: Authenticate, JoinRoom,
// the overloaded LeaveRoom/CreateRoom, JoinRandomRoom, ChangeProperties,
// GetRoomList, and RaiseEvent. Router is the peer.Dispatcher every accepted
// connection is wired to (internal/registry supplies it); this package and
// internal/registry are the only non-test packages that import both
// internal/peer and internal/room.
//
// Handlers are a flat switch: one case per operation, each case owning its
// own authorization check and its own response/broadcast, rather than a
// generic return-tuple abstraction layered on top.
package operation

import (
	"fmt"
	"log/slog"
	"math/rand"
	"reflect"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"gpcore/internal/command"
	"gpcore/internal/observer"
	"gpcore/internal/peer"
	"gpcore/internal/registry"
	"gpcore/internal/room"
	"gpcore/internal/wire"
)

// Operation codes ("codes match what existing clients send").
const (
	CodeAuthenticate     byte = 230
	CodeJoinRoom         byte = 226
	CodeLeaveOrCreate    byte = 227 // overloaded: LeaveRoom if in a room, CreateRoom otherwise
	CodeJoinRandomRoom   byte = 225
	CodeChangeProperties byte = 248
	CodeGetRooms         byte = 253
	CodeGetRoomList      byte = 220 // alias of CodeGetRooms
	CodeRaiseEvent       byte = 255
)

// Return codes
const (
	ReturnOK                                int16 = 0
	ReturnOperationInvalid                  int16 = -1
	ReturnInternalServerError               int16 = -2
	ReturnOperationNotAllowedInCurrentState int16 = 32760
	ReturnJoinFailedDenied                  int16 = 32758
	ReturnRoomClosed                        int16 = 32757
	// ReturnRoomFull is 32765, keeping 32758 exclusively for
	// JoinFailedDenied so the two failure reasons never collide on the
	// wire. Some client builds expect 32758 here; see DESIGN.md.
	ReturnRoomFull     int16 = 32765
	ReturnRoomNotFound int16 = 32764
)

// Parameter byte keys for operation request/response parameter tables.
const (
	ParamNamed           byte = 0 // reserved: optional Hashtable of string-keyed aliases, see getParam
	ParamNickname        byte = 1
	ParamUserID          byte = 2
	ParamRoomName        byte = 3
	ParamMaxPlayers      byte = 4
	ParamIsOpen          byte = 5
	ParamIsVisible       byte = 6
	ParamPassword        byte = 7
	ParamGameProperties  byte = 8
	ParamActorProperties byte = 9
	ParamEventCode       byte = 10
	ParamEventData       byte = 11
	ParamEventTargets    byte = 12
	ParamCacheEvent      byte = 13
	ParamActorNr         byte = 14
	ParamMasterClientID  byte = 15
	ParamPlayerTTL       byte = 16
	ParamEmptyRoomTTL    byte = 17
	ParamRooms           byte = 18
)

// getParam reads a parameter by its canonical byte key, falling back to a
// case-insensitive match against names inside an optional Hashtable of
// string-keyed aliases carried under ParamNamed, so clients that send
// camel-case or Pascal-case named parameters instead of (or in addition
// to) the canonical byte-keyed form still resolve.
func getParam(params wire.ParameterTable, key byte, names ...string) (any, bool) {
	if v, ok := params[key]; ok {
		return v, true
	}
	named, ok := params[ParamNamed].(wire.Hashtable)
	if !ok {
		return nil, false
	}
	for _, name := range names {
		for k, v := range named {
			if ks, ok := k.(string); ok && strings.EqualFold(ks, name) {
				return v, true
			}
		}
	}
	return nil, false
}

func getString(params wire.ParameterTable, key byte, names ...string) (string, bool) {
	v, ok := getParam(params, key, names...)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func getBool(params wire.ParameterTable, key byte, names ...string) (bool, bool) {
	v, ok := getParam(params, key, names...)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// getInt accepts any of the narrowed integer wire types (byte/int16/int32)
// a client might have used to encode the value.
func getInt(params wire.ParameterTable, key byte, names ...string) (int, bool) {
	v, ok := getParam(params, key, names...)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case byte:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	default:
		return 0, false
	}
}

func getHashtable(params wire.ParameterTable, key byte, names ...string) (wire.Hashtable, bool) {
	v, ok := getParam(params, key, names...)
	if !ok {
		return nil, false
	}
	h, ok := v.(wire.Hashtable)
	return h, ok
}

func getIntList(params wire.ParameterTable, key byte, names ...string) ([]uint16, bool) {
	v, ok := getParam(params, key, names...)
	if !ok {
		return nil, false
	}
	switch arr := v.(type) {
	case []int32:
		out := make([]uint16, len(arr))
		for i, n := range arr {
			out[i] = uint16(n)
		}
		return out, true
	case wire.ObjectArray:
		out := make([]uint16, 0, len(arr))
		for _, e := range arr {
			switch n := e.(type) {
			case byte:
				out = append(out, uint16(n))
			case int16:
				out = append(out, uint16(n))
			case int32:
				out = append(out, uint16(n))
			}
		}
		return out, true
	default:
		return nil, false
	}
}

// Router dispatches every decoded command record from every accepted peer
// (it implements peer.Dispatcher) and owns the operation handlers. It is
// constructed before the Registry that will drive it — Registry needs a
// Dispatcher at construction time, and Router needs the Registry to look
// up peers/rooms — so wiring happens in two steps: NewRouter, then
// registry.New(cfg, router, ...), then router.BindRegistry(reg).
type Router struct {
	reg *registry.Registry
	obs observer.Observer
	log *slog.Logger

	defaultEmptyRoomTTL time.Duration
	defaultPlayerTTL    time.Duration
	maxCachedEvents     int

	limiterRate  rate.Limit
	limiterBurst int
	limitersMu   sync.Mutex
	limiters     map[uint16]*rate.Limiter
}

// Config holds the operation-layer defaults Router applies when a
// CreateRoom request omits them.
type Config struct {
	DefaultEmptyRoomTTL time.Duration
	DefaultPlayerTTL    time.Duration
	MaxCachedEvents     int

	// OpRateLimitPerSec/OpRateLimitBurst bound how many operation requests
	// a single peer may issue per second. Zero disables the limiter.
	OpRateLimitPerSec int
	OpRateLimitBurst  int
}

// NewRouter builds a Router. BindRegistry must be called before the first
// HandleCommand.
func NewRouter(cfg Config, obs observer.Observer, log *slog.Logger) *Router {
	if obs == nil {
		obs = observer.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	maxCached := cfg.MaxCachedEvents
	if maxCached <= 0 {
		maxCached = 100
	}
	rt := &Router{
		obs:                 obs,
		log:                 log,
		defaultEmptyRoomTTL: cfg.DefaultEmptyRoomTTL,
		defaultPlayerTTL:    cfg.DefaultPlayerTTL,
		maxCachedEvents:     maxCached,
		limiters:            make(map[uint16]*rate.Limiter),
	}
	if cfg.OpRateLimitPerSec > 0 {
		rt.limiterRate = rate.Limit(cfg.OpRateLimitPerSec)
		rt.limiterBurst = cfg.OpRateLimitBurst
		if rt.limiterBurst <= 0 {
			rt.limiterBurst = cfg.OpRateLimitPerSec
		}
	}
	return rt
}

// BindRegistry completes construction once the Registry exists.
func (rt *Router) BindRegistry(reg *registry.Registry) { rt.reg = reg }

// ForgetPeer drops a peer's rate limiter once it disconnects, so the
// limiter map doesn't retain an entry per id ever seen over the process
// lifetime.
func (rt *Router) ForgetPeer(id uint16) {
	rt.limitersMu.Lock()
	delete(rt.limiters, id)
	rt.limitersMu.Unlock()
}

func (rt *Router) allow(id uint16) bool {
	if rt.limiterRate == 0 {
		return true
	}
	rt.limitersMu.Lock()
	lim, ok := rt.limiters[id]
	if !ok {
		lim = rate.NewLimiter(rt.limiterRate, rt.limiterBurst)
		rt.limiters[id] = lim
	}
	rt.limitersMu.Unlock()
	return lim.Allow()
}

// HandleCommand implements peer.Dispatcher's per-kind dispatch.
func (rt *Router) HandleCommand(p *peer.Peer, rec command.Record) {
	switch rec.Kind {
	case command.KindPing:
		// The wire defines no distinct Pong kind; clients reuse Ping
		// bidirectionally, so a Ping arriving at the server is the client's
		// reply to a liveness-ticker Ping.
		p.RecordPongReceived()
		return
	case command.KindVerifyConnect:
		// Only ever server->client on this wire; an inbound one is ignored.
		return
	case command.KindDisconnect:
		p.Close("client requested disconnect")
		return
	case command.KindSendReliable, command.KindSendUnreliable:
		// fall through to operation dispatch below
	default:
		return
	}

	msg, ok := rec.Payload.(command.Message)
	if !ok || msg.Type != command.MessageOperationRequest || msg.Request == nil {
		return
	}
	rt.dispatchOperation(p, msg.Request)
}

func (rt *Router) dispatchOperation(p *peer.Peer, req *command.OperationRequest) {
	rt.obs.Emit(observer.EventOperationReceived, observer.Context{PeerID: p.ID(), OpCode: req.Code})

	if p.State() != peer.StateConnected {
		rt.respond(p, req.Code, ReturnOperationNotAllowedInCurrentState, "peer not connected", nil)
		return
	}
	if !rt.allow(p.ID()) {
		rt.respond(p, req.Code, ReturnOperationInvalid, "rate limit exceeded", nil)
		return
	}

	switch req.Code {
	case CodeAuthenticate:
		rt.handleAuthenticate(p, req.Parameters)
	case CodeJoinRoom:
		rt.handleJoinRoom(p, req.Parameters)
	case CodeLeaveOrCreate:
		rt.handleLeaveOrCreate(p, req.Parameters)
	case CodeJoinRandomRoom:
		rt.handleJoinRandomRoom(p, req.Parameters)
	case CodeChangeProperties:
		rt.handleChangeProperties(p, req.Parameters)
	case CodeGetRooms, CodeGetRoomList:
		rt.handleGetRoomList(p, req.Code)
	case CodeRaiseEvent:
		rt.handleRaiseEvent(p, req.Parameters)
	default:
		rt.respond(p, req.Code, ReturnOperationInvalid, "unknown operation code", nil)
	}

	rt.obs.Emit(observer.EventOperationProcessed, observer.Context{PeerID: p.ID(), OpCode: req.Code})
}

// respond sends the single OperationResponse every received operation is
// owed.
func (rt *Router) respond(p *peer.Peer, opCode byte, returnCode int16, debugMessage string, params wire.ParameterTable) {
	if err := p.SendResponse(opCode, returnCode, debugMessage, params); err != nil {
		rt.log.Debug("send response failed", "peer_id", p.ID(), "op_code", opCode, "error", err)
	}
}

func (rt *Router) currentRoom(p *peer.Peer) (*room.Room, bool) {
	name := p.CurrentRoomName()
	if name == "" {
		return nil, false
	}
	return rt.reg.Room(name)
}

// handleAuthenticate implements operation 230.
func (rt *Router) handleAuthenticate(p *peer.Peer, params wire.ParameterTable) {
	rt.obs.Emit(observer.EventPeerAuthenticating, observer.Context{PeerID: p.ID()})

	nick, ok := getString(params, ParamNickname, "nickName", "nickname")
	if !ok || nick == "" {
		nick = fmt.Sprintf("Guest_%d", time.Now().UnixMilli())
	}
	userID, ok := getString(params, ParamUserID, "userId", "userid")
	if !ok || userID == "" {
		userID = fmt.Sprintf("user_%d", time.Now().UnixMilli())
	}

	p.SetNickname(nick)
	p.SetUserID(userID)
	p.SetAuthenticated(true)

	rt.obs.Emit(observer.EventPeerAuthenticated, observer.Context{PeerID: p.ID()})
	rt.respond(p, CodeAuthenticate, ReturnOK, "", wire.ParameterTable{
		ParamNickname: nick,
		ParamUserID:   userID,
	})
}

// roomOptionsFromParams builds room.Options from a CreateRoom/JoinRoom
// (implicit-create) request's parameters, applying server defaults for
// anything the client didn't supply.
func (rt *Router) roomOptionsFromParams(params wire.ParameterTable) room.Options {
	opts := room.Options{
		IsOpen:          true,
		IsVisible:       true,
		EmptyRoomTTL:    rt.defaultEmptyRoomTTL,
		PlayerTTL:       rt.defaultPlayerTTL,
		MaxCachedEvents: rt.maxCachedEvents,
	}
	if n, ok := getInt(params, ParamMaxPlayers, "maxPlayers"); ok && n > 0 {
		if n > 500 {
			n = 500 // hard cap
		}
		opts.MaxPlayers = n
	}
	if v, ok := getBool(params, ParamIsOpen, "isOpen"); ok {
		opts.IsOpen = v
	}
	if v, ok := getBool(params, ParamIsVisible, "isVisible"); ok {
		opts.IsVisible = v
	}
	if pw, ok := getString(params, ParamPassword, "password"); ok {
		opts.Password = pw
	}
	if props, ok := getHashtable(params, ParamGameProperties, "customGameProperties", "gameProperties"); ok {
		opts.CustomProperties = props
	}
	return opts
}

func joinResponseParams(outcome room.JoinOutcome) wire.ParameterTable {
	actorProps := make(wire.Hashtable, len(outcome.ActorProperties))
	for id, props := range outcome.ActorProperties {
		actorProps[int32(id)] = props
	}
	return wire.ParameterTable{
		ParamActorNr:        int32(outcome.ActorNr),
		ParamMasterClientID: int32(outcome.MasterClientID),
		ParamGameProperties: outcome.GameProperties,
		ParamActorProperties: actorProps,
		ParamPlayerTTL:      int32(outcome.PlayerTTLMs),
		ParamEmptyRoomTTL:   int32(outcome.EmptyRoomTTLMs),
	}
}

// handleJoinRoom implements operation 226.
func (rt *Router) handleJoinRoom(p *peer.Peer, params wire.ParameterTable) {
	if !p.Authenticated() {
		rt.respond(p, CodeJoinRoom, ReturnOperationNotAllowedInCurrentState, "not authenticated", nil)
		return
	}
	name, ok := getString(params, ParamRoomName, "roomName")
	if !ok || name == "" {
		rt.respond(p, CodeJoinRoom, ReturnOperationInvalid, "missing RoomName", nil)
		return
	}
	password, _ := getString(params, ParamPassword, "password")

	rm, exists := rt.reg.Room(name)
	if !exists {
		var err error
		rm, err = rt.reg.CreateRoom(name, rt.roomOptionsFromParams(params))
		if err != nil {
			// Lost a race with another create; fall through to join the
			// room the other goroutine just created.
			rm, exists = rt.reg.Room(name)
			if !exists {
				rt.respond(p, CodeJoinRoom, ReturnRoomNotFound, err.Error(), nil)
				return
			}
		}
	}

	outcome := rm.Join(p, password)
	if !outcome.Accepted {
		if outcome.FailureCode == ReturnOK {
			// Idempotent re-join of an already-connected member.
			rt.respond(p, CodeJoinRoom, ReturnOK, "", joinResponseParams(outcome))
			return
		}
		rt.respond(p, CodeJoinRoom, outcome.FailureCode, joinFailureMessage(outcome.FailureCode), nil)
		return
	}

	// The join response must reach the joiner strictly before any event
	// the join triggers.
	rt.respond(p, CodeJoinRoom, ReturnOK, "", joinResponseParams(outcome))
	rm.FinishJoin(p, outcome)
}

func joinFailureMessage(code int16) string {
	switch code {
	case ReturnRoomClosed:
		return "room is closed"
	case ReturnRoomFull:
		return "room is full"
	case ReturnJoinFailedDenied:
		return "invalid password"
	default:
		return ""
	}
}

// handleLeaveOrCreate implements the overloaded operation 227: LeaveRoom
// when the peer is already in a room, CreateRoom otherwise.
func (rt *Router) handleLeaveOrCreate(p *peer.Peer, params wire.ParameterTable) {
	if rm, inRoom := rt.currentRoom(p); inRoom {
		rt.leaveRoom(p, rm)
		return
	}
	rt.createRoom(p, params)
}

func (rt *Router) leaveRoom(p *peer.Peer, rm *room.Room) {
	rm.Leave(p.ID())
	rt.respond(p, CodeLeaveOrCreate, ReturnOK, "", nil)
}

func (rt *Router) createRoom(p *peer.Peer, params wire.ParameterTable) {
	if !p.Authenticated() {
		rt.respond(p, CodeLeaveOrCreate, ReturnOperationNotAllowedInCurrentState, "not authenticated", nil)
		return
	}
	name, ok := getString(params, ParamRoomName, "roomName")
	if !ok || name == "" {
		rt.respond(p, CodeLeaveOrCreate, ReturnOperationInvalid, "missing RoomName", nil)
		return
	}

	rm, err := rt.reg.CreateRoom(name, rt.roomOptionsFromParams(params))
	if err != nil {
		rt.respond(p, CodeLeaveOrCreate, ReturnOperationInvalid, err.Error(), nil)
		return
	}

	password, _ := getString(params, ParamPassword, "password")
	outcome := rm.Join(p, password)
	if !outcome.Accepted {
		// Reachable when the request creates the room closed (IsOpen
		// false), or when another peer joins the brand-new room and fills
		// it between CreateRoom and Join.
		rt.respond(p, CodeLeaveOrCreate, outcome.FailureCode, joinFailureMessage(outcome.FailureCode), nil)
		return
	}
	rt.respond(p, CodeLeaveOrCreate, ReturnOK, "", joinResponseParams(outcome))
	rm.FinishJoin(p, outcome)
}

// handleJoinRandomRoom implements operation 225.
func (rt *Router) handleJoinRandomRoom(p *peer.Peer, params wire.ParameterTable) {
	if !p.Authenticated() {
		rt.respond(p, CodeJoinRandomRoom, ReturnOperationNotAllowedInCurrentState, "not authenticated", nil)
		return
	}
	maxPlayersFilter, _ := getInt(params, ParamMaxPlayers, "maxPlayers")
	filterProps, _ := getHashtable(params, ParamGameProperties, "customGameProperties", "gameProperties")

	var candidates []*room.Room
	for _, rm := range rt.reg.Rooms() {
		if !rm.IsVisible() || !rm.IsOpen() || rm.IsFull() || rm.HasPassword() {
			continue
		}
		if maxPlayersFilter > 0 && rm.MaxPlayers() > maxPlayersFilter {
			continue
		}
		if !propertiesSuperset(rm.CustomProperties(), filterProps) {
			continue
		}
		candidates = append(candidates, rm)
	}
	if len(candidates) == 0 {
		rt.respond(p, CodeJoinRandomRoom, ReturnRoomNotFound, "no matching open room", nil)
		return
	}
	rm := candidates[rand.Intn(len(candidates))]

	outcome := rm.Join(p, "")
	if !outcome.Accepted {
		rt.respond(p, CodeJoinRandomRoom, outcome.FailureCode, joinFailureMessage(outcome.FailureCode), nil)
		return
	}
	rt.respond(p, CodeJoinRandomRoom, ReturnOK, "", joinResponseParams(outcome))
	rm.FinishJoin(p, outcome)
}

// propertiesSuperset reports whether have contains every entry of want.
// Values are compared with reflect.DeepEqual: decoded wire values include
// uncomparable dynamic types (byte arrays, nested hashtables) that would
// make == panic.
func propertiesSuperset(have, want wire.Hashtable) bool {
	for k, v := range want {
		hv, ok := have[k]
		if !ok || !reflect.DeepEqual(hv, v) {
			return false
		}
	}
	return true
}

// handleChangeProperties implements operation 248.
func (rt *Router) handleChangeProperties(p *peer.Peer, params wire.ParameterTable) {
	if !p.Authenticated() {
		rt.respond(p, CodeChangeProperties, ReturnOperationNotAllowedInCurrentState, "not authenticated", nil)
		return
	}
	if gameProps, ok := getHashtable(params, ParamGameProperties, "customGameProperties", "gameProperties"); ok {
		rm, inRoom := rt.currentRoom(p)
		if !inRoom {
			rt.respond(p, CodeChangeProperties, ReturnOperationNotAllowedInCurrentState, "not in a room", nil)
			return
		}
		if !p.IsMaster() {
			rt.respond(p, CodeChangeProperties, ReturnOperationNotAllowedInCurrentState, "only the master client may change game properties", nil)
			return
		}
		rm.MergeProperties(gameProps)
	}
	if actorProps, ok := getHashtable(params, ParamActorProperties, "actorProperties"); ok {
		p.MergeCustomProperties(actorProps)
	}
	rt.respond(p, CodeChangeProperties, ReturnOK, "", nil)
}

// handleGetRoomList implements operations 253/220. The response
// echoes whichever of the two codes the client used.
func (rt *Router) handleGetRoomList(p *peer.Peer, opCode byte) {
	rooms := rt.reg.Rooms()
	out := make(wire.ObjectArray, 0, len(rooms))
	for _, rm := range rooms {
		s := rm.Summary()
		if !s.IsVisible {
			continue
		}
		out = append(out, wire.Hashtable{
			"name":             s.Name,
			"playerCount":      int32(s.PlayerCount),
			"maxPlayers":       int32(s.MaxPlayers),
			"isOpen":           s.IsOpen,
			"isVisible":        s.IsVisible,
			"customProperties": s.CustomProperties,
		})
	}
	rt.respond(p, opCode, ReturnOK, "", wire.ParameterTable{ParamRooms: out})
}

// handleRaiseEvent implements operation 255.
func (rt *Router) handleRaiseEvent(p *peer.Peer, params wire.ParameterTable) {
	rm, inRoom := rt.currentRoom(p)
	if !inRoom {
		rt.respond(p, CodeRaiseEvent, ReturnOperationNotAllowedInCurrentState, "not in a room", nil)
		return
	}
	code, ok := getInt(params, ParamEventCode, "code", "eventCode")
	if !ok {
		rt.respond(p, CodeRaiseEvent, ReturnOperationInvalid, "missing Code", nil)
		return
	}
	data, _ := getParam(params, ParamEventData, "data")
	cache, _ := getBool(params, ParamCacheEvent, "cache")
	targets, hasTargets := getIntList(params, ParamEventTargets, "targetActors", "actorNumbers")

	eventParams := wire.ParameterTable{0: data}
	var targetsArg []uint16
	if hasTargets {
		targetsArg = targets
	}

	rm.RaiseEvent(p.ID(), byte(code), eventParams, targetsArg, cache)
	rt.obs.Emit(observer.EventEventRaised, observer.Context{PeerID: p.ID(), RoomName: rm.Name(), OpCode: byte(code)})
	rt.obs.Emit(observer.EventEventSent, observer.Context{PeerID: p.ID(), RoomName: rm.Name(), OpCode: byte(code)})

	rt.respond(p, CodeRaiseEvent, ReturnOK, "", nil)
}
