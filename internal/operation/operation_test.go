package operation

import (
	"context"
	"net"
	"testing"
	"time"

	"gpcore/internal/command"
	"gpcore/internal/frame"
	"gpcore/internal/peer"
	"gpcore/internal/registry"
	"gpcore/internal/room"
	"gpcore/internal/wire"
)

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	rt := NewRouter(Config{MaxCachedEvents: 10}, nil, nil)
	reg := registry.New(registry.Config{}, rt, nil, nil)
	rt.BindRegistry(reg)
	return rt
}

func newTestPeer(t *testing.T, id uint16) (*peer.Peer, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	p := peer.New(id, server, nil, 16, nil)
	p.SetState(peer.StateConnected)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		p.Close("test done")
		client.Close()
		cancel()
	})
	go p.Run(ctx)
	return p, client
}

func sendRequest(rt *Router, p *peer.Peer, code byte, params wire.ParameterTable) {
	rt.HandleCommand(p, command.Record{
		Kind:    command.KindSendReliable,
		Payload: command.NewRequestMessage(code, params),
	})
}

func readRecord(t *testing.T, client net.Conn) command.Record {
	t.Helper()
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	fr := frame.NewReader(client)
	_, payload, err := fr.ReadPacket()
	if err != nil {
		t.Fatalf("read packet: %v", err)
	}
	dec := command.NewDecoder(payload)
	rec, err := dec.Next()
	if err != nil {
		t.Fatalf("decode record: %v", err)
	}
	return rec
}

func readResponse(t *testing.T, client net.Conn) *command.OperationResponse {
	t.Helper()
	rec := readRecord(t, client)
	msg, ok := rec.Payload.(command.Message)
	if !ok || msg.Type != command.MessageOperationResponse {
		t.Fatalf("expected operation response, got %#v", rec.Payload)
	}
	return msg.Response
}

func readEvent(t *testing.T, client net.Conn) *command.Event {
	t.Helper()
	rec := readRecord(t, client)
	msg, ok := rec.Payload.(command.Message)
	if !ok || msg.Type != command.MessageEvent {
		t.Fatalf("expected event, got %#v", rec.Payload)
	}
	return msg.Event
}

func TestAuthenticateAssignsDefaultsWhenOmitted(t *testing.T) {
	rt := newTestRouter(t)
	p, client := newTestPeer(t, 1)

	sendRequest(rt, p, CodeAuthenticate, wire.ParameterTable{})
	resp := readResponse(t, client)

	if resp.ReturnCode != ReturnOK {
		t.Fatalf("return code: want OK got %d", resp.ReturnCode)
	}
	nick, _ := resp.Parameters[ParamNickname].(string)
	if nick == "" {
		t.Fatal("expected a generated nickname")
	}
	if !p.Authenticated() {
		t.Fatal("expected peer to be authenticated")
	}
}

func TestAuthenticateHonorsSuppliedNickname(t *testing.T) {
	rt := newTestRouter(t)
	p, client := newTestPeer(t, 1)

	sendRequest(rt, p, CodeAuthenticate, wire.ParameterTable{ParamNickname: "alice", ParamUserID: "u1"})
	resp := readResponse(t, client)

	if resp.Parameters[ParamNickname] != "alice" || resp.Parameters[ParamUserID] != "u1" {
		t.Fatalf("unexpected response parameters: %#v", resp.Parameters)
	}
	if p.Nickname() != "alice" || p.UserID() != "u1" {
		t.Fatalf("peer not updated: nickname=%q userID=%q", p.Nickname(), p.UserID())
	}
}

func TestCreateAndJoinRoomElectsMasterAndBroadcastsJoin(t *testing.T) {
	rt := newTestRouter(t)
	a, aConn := newTestPeer(t, 1)
	b, bConn := newTestPeer(t, 2)

	sendRequest(rt, a, CodeAuthenticate, wire.ParameterTable{ParamNickname: "a"})
	readResponse(t, aConn)

	sendRequest(rt, a, CodeLeaveOrCreate, wire.ParameterTable{
		ParamRoomName:   "r1",
		ParamMaxPlayers: int32(2),
		ParamIsOpen:     true,
		ParamIsVisible:  true,
	})
	createResp := readResponse(t, aConn)
	if createResp.ReturnCode != ReturnOK {
		t.Fatalf("create room: want OK got %d", createResp.ReturnCode)
	}
	if !a.IsMaster() {
		t.Fatal("sole member of a new room must become master")
	}

	sendRequest(rt, b, CodeAuthenticate, wire.ParameterTable{ParamNickname: "b"})
	readResponse(t, bConn)

	sendRequest(rt, b, CodeJoinRoom, wire.ParameterTable{ParamRoomName: "r1"})
	joinResp := readResponse(t, bConn)
	if joinResp.ReturnCode != ReturnOK {
		t.Fatalf("join room: want OK got %d", joinResp.ReturnCode)
	}
	if joinResp.Parameters[ParamMasterClientID] != int32(1) {
		t.Fatalf("expected master-client-id 1, got %#v", joinResp.Parameters[ParamMasterClientID])
	}

	ev := readEvent(t, aConn)
	if ev.Code != 255 {
		t.Fatalf("expected JOIN event code 255, got %d", ev.Code)
	}
	if ev.Parameters[room.ParamActorNr] != int32(2) {
		t.Fatalf("expected JOIN event for actor 2, got %#v", ev.Parameters[room.ParamActorNr])
	}
}

func TestRaiseEventFansOutExcludingSender(t *testing.T) {
	rt := newTestRouter(t)
	a, aConn := newTestPeer(t, 1)
	b, bConn := newTestPeer(t, 2)
	c, cConn := newTestPeer(t, 3)

	for _, pr := range []struct {
		p    *peer.Peer
		conn net.Conn
	}{{a, aConn}, {b, bConn}, {c, cConn}} {
		sendRequest(rt, pr.p, CodeAuthenticate, wire.ParameterTable{})
		readResponse(t, pr.conn)
	}

	sendRequest(rt, a, CodeLeaveOrCreate, wire.ParameterTable{ParamRoomName: "r1", ParamMaxPlayers: int32(4), ParamIsOpen: true, ParamIsVisible: true})
	readResponse(t, aConn)

	sendRequest(rt, b, CodeJoinRoom, wire.ParameterTable{ParamRoomName: "r1"})
	readResponse(t, bConn)
	readEvent(t, aConn) // JOIN for b

	sendRequest(rt, c, CodeJoinRoom, wire.ParameterTable{ParamRoomName: "r1"})
	readResponse(t, cConn)
	readEvent(t, aConn) // JOIN for c
	readEvent(t, bConn) // JOIN for c

	sendRequest(rt, a, CodeRaiseEvent, wire.ParameterTable{ParamEventCode: int32(42), ParamEventData: "v"})
	opResp := readResponse(t, aConn)
	if opResp.ReturnCode != ReturnOK {
		t.Fatalf("raise event: want OK got %d", opResp.ReturnCode)
	}

	evB := readEvent(t, bConn)
	evC := readEvent(t, cConn)
	if evB.Code != 42 || evC.Code != 42 {
		t.Fatalf("expected event code 42 at both recipients, got %d and %d", evB.Code, evC.Code)
	}
}

func TestJoinRoomPasswordGate(t *testing.T) {
	rt := newTestRouter(t)
	a, aConn := newTestPeer(t, 1)
	b, bConn := newTestPeer(t, 2)

	sendRequest(rt, a, CodeAuthenticate, wire.ParameterTable{})
	readResponse(t, aConn)
	sendRequest(rt, a, CodeLeaveOrCreate, wire.ParameterTable{
		ParamRoomName: "p1", ParamIsOpen: true, ParamIsVisible: true, ParamPassword: "secret",
	})
	readResponse(t, aConn)

	sendRequest(rt, b, CodeAuthenticate, wire.ParameterTable{})
	readResponse(t, bConn)

	sendRequest(rt, b, CodeJoinRoom, wire.ParameterTable{ParamRoomName: "p1", ParamPassword: "wrong"})
	resp := readResponse(t, bConn)
	if resp.ReturnCode != ReturnJoinFailedDenied {
		t.Fatalf("wrong password: want JoinFailedDenied got %d", resp.ReturnCode)
	}

	sendRequest(rt, b, CodeJoinRoom, wire.ParameterTable{ParamRoomName: "p1", ParamPassword: "secret"})
	resp = readResponse(t, bConn)
	if resp.ReturnCode != ReturnOK {
		t.Fatalf("correct password: want OK got %d", resp.ReturnCode)
	}
	readEvent(t, aConn) // JOIN broadcast to a
}

func TestCachedEventReplayedBeforeLiveEvents(t *testing.T) {
	rt := newTestRouter(t)
	a, aConn := newTestPeer(t, 1)
	c, cConn := newTestPeer(t, 3)

	sendRequest(rt, a, CodeAuthenticate, wire.ParameterTable{})
	readResponse(t, aConn)
	sendRequest(rt, a, CodeLeaveOrCreate, wire.ParameterTable{ParamRoomName: "r1", ParamMaxPlayers: int32(4), ParamIsOpen: true, ParamIsVisible: true})
	readResponse(t, aConn)

	sendRequest(rt, a, CodeRaiseEvent, wire.ParameterTable{ParamEventCode: int32(7), ParamEventData: "x", ParamCacheEvent: true})
	readResponse(t, aConn)

	sendRequest(rt, c, CodeAuthenticate, wire.ParameterTable{})
	readResponse(t, cConn)
	sendRequest(rt, c, CodeJoinRoom, wire.ParameterTable{ParamRoomName: "r1"})
	readResponse(t, cConn)

	cached := readEvent(t, cConn)
	if cached.Code != 7 {
		t.Fatalf("expected replayed cached event code 7, got %d", cached.Code)
	}
	readEvent(t, aConn) // JOIN broadcast to a
}

func TestMasterClientSwitchesOnLeave(t *testing.T) {
	rt := newTestRouter(t)
	a, aConn := newTestPeer(t, 1)
	b, bConn := newTestPeer(t, 2)
	c, cConn := newTestPeer(t, 3)

	for _, pr := range []struct {
		p    *peer.Peer
		conn net.Conn
	}{{a, aConn}, {b, bConn}, {c, cConn}} {
		sendRequest(rt, pr.p, CodeAuthenticate, wire.ParameterTable{})
		readResponse(t, pr.conn)
	}
	sendRequest(rt, a, CodeLeaveOrCreate, wire.ParameterTable{ParamRoomName: "r1", ParamMaxPlayers: int32(4), ParamIsOpen: true, ParamIsVisible: true})
	readResponse(t, aConn)
	sendRequest(rt, b, CodeJoinRoom, wire.ParameterTable{ParamRoomName: "r1"})
	readResponse(t, bConn)
	readEvent(t, aConn)
	sendRequest(rt, c, CodeJoinRoom, wire.ParameterTable{ParamRoomName: "r1"})
	readResponse(t, cConn)
	readEvent(t, aConn)
	readEvent(t, bConn)

	sendRequest(rt, a, CodeLeaveOrCreate, wire.ParameterTable{})
	readResponse(t, aConn)

	leaveB := readEvent(t, bConn)
	if leaveB.Code != 254 {
		t.Fatalf("expected LEAVE event code 254, got %d", leaveB.Code)
	}
	switchB := readEvent(t, bConn)
	if switchB.Code != 206 {
		t.Fatalf("expected MasterClientSwitched event code 206, got %d", switchB.Code)
	}
	if !b.IsMaster() {
		t.Fatal("peer 2 (smallest remaining id) should become master")
	}
}

func TestGetRoomListReturnsOnlyVisibleRooms(t *testing.T) {
	rt := newTestRouter(t)
	if _, err := rt.reg.CreateRoom("lobby", room.Options{IsOpen: true, IsVisible: true, MaxPlayers: 4}); err != nil {
		t.Fatalf("create lobby: %v", err)
	}
	if _, err := rt.reg.CreateRoom("hidden", room.Options{IsOpen: true, IsVisible: false, MaxPlayers: 4}); err != nil {
		t.Fatalf("create hidden: %v", err)
	}

	p, client := newTestPeer(t, 1)
	sendRequest(rt, p, CodeGetRoomList, wire.ParameterTable{})
	resp := readResponse(t, client)
	if resp.Code != CodeGetRoomList || resp.ReturnCode != ReturnOK {
		t.Fatalf("response code=%d return=%d", resp.Code, resp.ReturnCode)
	}
	rooms, ok := resp.Parameters[ParamRooms].(wire.ObjectArray)
	if !ok {
		t.Fatalf("rooms parameter missing: %#v", resp.Parameters)
	}
	if len(rooms) != 1 {
		t.Fatalf("listed rooms = %d, want 1", len(rooms))
	}
	entry, ok := rooms[0].(wire.Hashtable)
	if !ok || entry["name"] != "lobby" {
		t.Fatalf("unexpected room entry: %#v", rooms[0])
	}
}

func TestJoinRandomRoomPicksMatchingOpenRoom(t *testing.T) {
	rt := newTestRouter(t)
	if _, err := rt.reg.CreateRoom("open", room.Options{IsOpen: true, IsVisible: true, MaxPlayers: 4}); err != nil {
		t.Fatalf("create: %v", err)
	}

	p, client := newTestPeer(t, 1)
	sendRequest(rt, p, CodeAuthenticate, wire.ParameterTable{})
	readResponse(t, client)

	sendRequest(rt, p, CodeJoinRandomRoom, wire.ParameterTable{})
	resp := readResponse(t, client)
	if resp.ReturnCode != ReturnOK {
		t.Fatalf("return code = %d, want OK", resp.ReturnCode)
	}
	if p.CurrentRoomName() != "open" {
		t.Fatalf("current room = %q, want open", p.CurrentRoomName())
	}
}

func TestJoinRandomRoomMatchesUncomparableFilterValues(t *testing.T) {
	rt := newTestRouter(t)
	if _, err := rt.reg.CreateRoom("tagged", room.Options{
		IsOpen:           true,
		IsVisible:        true,
		MaxPlayers:       4,
		CustomProperties: wire.Hashtable{"map": []byte{1, 2, 3}},
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	p, client := newTestPeer(t, 1)
	sendRequest(rt, p, CodeAuthenticate, wire.ParameterTable{})
	readResponse(t, client)

	// Byte-array filter values are uncomparable with ==; matching must not
	// panic and must still find the room.
	sendRequest(rt, p, CodeJoinRandomRoom, wire.ParameterTable{
		ParamGameProperties: wire.Hashtable{"map": []byte{1, 2, 3}},
	})
	resp := readResponse(t, client)
	if resp.ReturnCode != ReturnOK {
		t.Fatalf("return code = %d, want OK", resp.ReturnCode)
	}
	if p.CurrentRoomName() != "tagged" {
		t.Fatalf("current room = %q, want tagged", p.CurrentRoomName())
	}
}

func TestJoinRandomRoomWithoutCandidatesReturnsNotFound(t *testing.T) {
	rt := newTestRouter(t)
	if _, err := rt.reg.CreateRoom("hidden", room.Options{IsOpen: true, IsVisible: false, MaxPlayers: 4}); err != nil {
		t.Fatalf("create: %v", err)
	}

	p, client := newTestPeer(t, 1)
	sendRequest(rt, p, CodeAuthenticate, wire.ParameterTable{})
	readResponse(t, client)

	sendRequest(rt, p, CodeJoinRandomRoom, wire.ParameterTable{})
	resp := readResponse(t, client)
	if resp.ReturnCode != ReturnRoomNotFound {
		t.Fatalf("return code = %d, want RoomNotFound", resp.ReturnCode)
	}
}
