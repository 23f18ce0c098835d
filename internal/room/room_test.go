package room

import (
	"sync"
	"testing"
	"time"

	"gpcore/internal/wire"
)

type mockMember struct {
	id       uint16
	nickname string

	mu       sync.Mutex
	roomName string
	isMaster bool
	events   []mockEvent
	props    wire.Hashtable
}

type mockEvent struct {
	code   byte
	params wire.ParameterTable
}

func newMockMember(id uint16, nickname string) *mockMember {
	return &mockMember{id: id, nickname: nickname, props: make(wire.Hashtable)}
}

func (m *mockMember) ID() uint16       { return m.id }
func (m *mockMember) Nickname() string { return m.nickname }

func (m *mockMember) CustomProperties() wire.Hashtable {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(wire.Hashtable, len(m.props))
	for k, v := range m.props {
		out[k] = v
	}
	return out
}

func (m *mockMember) SendEvent(code byte, params wire.ParameterTable) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, mockEvent{code: code, params: params})
	return nil
}

func (m *mockMember) SetCurrentRoomName(name string) {
	m.mu.Lock()
	m.roomName = name
	m.mu.Unlock()
}

func (m *mockMember) SetMaster(v bool) {
	m.mu.Lock()
	m.isMaster = v
	m.mu.Unlock()
}

func (m *mockMember) IsMaster() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isMaster
}

func (m *mockMember) eventCodes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, len(m.events))
	for i, e := range m.events {
		out[i] = e.code
	}
	return out
}

func TestJoinFirstMemberBecomesMaster(t *testing.T) {
	r := New("r1", Options{MaxPlayers: 4, IsOpen: true, IsVisible: true})
	a := newMockMember(1, "alice")

	out := r.Join(a, "")
	if !out.Accepted {
		t.Fatalf("expected accept, got failure code %d", out.FailureCode)
	}
	if out.MasterClientID != 1 {
		t.Errorf("master: want 1 got %d", out.MasterClientID)
	}
	if !a.IsMaster() {
		t.Error("expected first joiner to be master")
	}
	if r.MasterID() != 1 {
		t.Errorf("room master id: want 1 got %d", r.MasterID())
	}
}

func TestJoinSecondMemberReceivesExistingMasterAndBroadcastsJoin(t *testing.T) {
	r := New("r1", Options{MaxPlayers: 4, IsOpen: true, IsVisible: true})
	a := newMockMember(1, "alice")
	b := newMockMember(2, "bob")

	outA := r.Join(a, "")
	r.FinishJoin(a, outA)

	outB := r.Join(b, "")
	if !outB.Accepted {
		t.Fatalf("expected accept")
	}
	if outB.MasterClientID != 1 {
		t.Errorf("join response master id: want 1 got %d", outB.MasterClientID)
	}
	r.FinishJoin(b, outB)

	codes := a.eventCodes()
	if len(codes) != 1 || codes[0] != EventJoin {
		t.Errorf("master should see one JOIN event, got %v", codes)
	}
	if len(b.eventCodes()) != 0 {
		t.Errorf("joiner should not receive its own JOIN broadcast")
	}
}

func TestJoinRejectsFullRoom(t *testing.T) {
	r := New("r1", Options{MaxPlayers: 1, IsOpen: true, IsVisible: true})
	a := newMockMember(1, "alice")
	b := newMockMember(2, "bob")

	if out := r.Join(a, ""); !out.Accepted {
		t.Fatalf("first join should succeed")
	}
	out := r.Join(b, "")
	if out.Accepted || out.FailureCode != ReturnRoomFull {
		t.Fatalf("expected RoomFull, got %#v", out)
	}
}

func TestJoinEnforcesPassword(t *testing.T) {
	r := New("r1", Options{MaxPlayers: 4, IsOpen: true, IsVisible: true, Password: "secret"})
	a := newMockMember(1, "alice")

	if out := r.Join(a, "wrong"); out.Accepted || out.FailureCode != ReturnJoinFailedDenied {
		t.Fatalf("expected JoinFailedDenied, got %#v", out)
	}
	if out := r.Join(a, "secret"); !out.Accepted {
		t.Fatalf("expected accept with correct password, got %#v", out)
	}
}

func TestJoinRejectsClosedRoom(t *testing.T) {
	r := New("r1", Options{MaxPlayers: 4, IsOpen: false, IsVisible: true})
	a := newMockMember(1, "alice")
	if out := r.Join(a, ""); out.Accepted || out.FailureCode != ReturnRoomClosed {
		t.Fatalf("expected RoomClosed, got %#v", out)
	}
}

func TestLeaveReassignsMasterToSmallestRemainingID(t *testing.T) {
	r := New("r1", Options{MaxPlayers: 4, IsOpen: true, IsVisible: true})
	a := newMockMember(1, "alice")
	b := newMockMember(2, "bob")
	c := newMockMember(3, "carol")
	r.FinishJoin(a, r.Join(a, ""))
	r.FinishJoin(b, r.Join(b, ""))
	r.FinishJoin(c, r.Join(c, ""))

	out := r.Leave(1)
	if !out.WasMaster || !out.MasterChanged || out.NewMasterID != 2 {
		t.Fatalf("unexpected leave outcome: %#v", out)
	}
	if !b.IsMaster() {
		t.Error("expected bob to become master")
	}
	bCodes := c.eventCodes()
	foundLeave, foundSwitch := false, false
	for _, c := range bCodes {
		if c == EventLeave {
			foundLeave = true
		}
		if c == EventMasterClientSwitched {
			foundSwitch = true
		}
	}
	if !foundLeave || !foundSwitch {
		t.Errorf("expected LEAVE then MasterClientSwitched, got %v", bCodes)
	}
}

func TestLeaveOnLastMemberLeavesRoomEmpty(t *testing.T) {
	r := New("r1", Options{MaxPlayers: 4, IsOpen: true, IsVisible: true})
	a := newMockMember(1, "alice")
	r.FinishJoin(a, r.Join(a, ""))

	out := r.Leave(1)
	if !out.RemainingEmpty {
		t.Error("expected room to be empty after last member leaves")
	}
	if r.MasterID() != 0 {
		t.Errorf("expected no master in empty room, got %d", r.MasterID())
	}
}

func TestRaiseEventExcludesSenderByDefault(t *testing.T) {
	r := New("r1", Options{MaxPlayers: 4, IsOpen: true, IsVisible: true})
	a := newMockMember(1, "alice")
	b := newMockMember(2, "bob")
	c := newMockMember(3, "carol")
	r.FinishJoin(a, r.Join(a, ""))
	r.FinishJoin(b, r.Join(b, ""))
	r.FinishJoin(c, r.Join(c, ""))

	// alice already holds the JOIN events for bob and carol.
	before := len(a.eventCodes())
	ok := r.RaiseEvent(1, 42, wire.ParameterTable{0: "v"}, nil, false)
	if !ok {
		t.Fatal("expected raise to succeed")
	}
	if len(a.eventCodes()) != before {
		t.Error("sender should not receive its own raised event")
	}
	if codes := b.eventCodes(); len(codes) == 0 || codes[len(codes)-1] != 42 {
		t.Errorf("bob should receive event 42, got %v", codes)
	}
	if codes := c.eventCodes(); len(codes) == 0 || codes[len(codes)-1] != 42 {
		t.Errorf("carol should receive event 42, got %v", codes)
	}
}

func TestRaiseEventCachesAndReplaysOnLaterJoin(t *testing.T) {
	r := New("r1", Options{MaxPlayers: 4, IsOpen: true, IsVisible: true})
	a := newMockMember(1, "alice")
	r.FinishJoin(a, r.Join(a, ""))

	if ok := r.RaiseEvent(1, 7, wire.ParameterTable{0: int32(1)}, nil, true); !ok {
		t.Fatal("expected raise to succeed")
	}

	c := newMockMember(3, "carol")
	out := r.Join(c, "")
	if len(out.CachedEvents) != 1 || out.CachedEvents[0].Code != 7 {
		t.Fatalf("expected one cached event of code 7, got %#v", out.CachedEvents)
	}
	r.FinishJoin(c, out)
	codes := c.eventCodes()
	if len(codes) == 0 || codes[0] != 7 {
		t.Errorf("expected cached event replayed before JOIN broadcast echo, got %v", codes)
	}
}

func TestEventCacheEvictsOldestBeyondCapacity(t *testing.T) {
	r := New("r1", Options{MaxPlayers: 4, IsOpen: true, IsVisible: true, MaxCachedEvents: 2})
	a := newMockMember(1, "alice")
	r.FinishJoin(a, r.Join(a, ""))

	r.RaiseEvent(1, 1, wire.ParameterTable{}, nil, true)
	r.RaiseEvent(1, 2, wire.ParameterTable{}, nil, true)
	r.RaiseEvent(1, 3, wire.ParameterTable{}, nil, true)

	b := newMockMember(2, "bob")
	out := r.Join(b, "")
	if len(out.CachedEvents) != 2 {
		t.Fatalf("expected cache capped at 2, got %d", len(out.CachedEvents))
	}
	if out.CachedEvents[0].Code != 2 || out.CachedEvents[1].Code != 3 {
		t.Errorf("expected oldest event evicted, got %#v", out.CachedEvents)
	}
}

func TestMergePropertiesIsIdempotentAndBroadcasts(t *testing.T) {
	r := New("r1", Options{MaxPlayers: 4, IsOpen: true, IsVisible: true})
	a := newMockMember(1, "alice")
	b := newMockMember(2, "bob")
	r.FinishJoin(a, r.Join(a, ""))
	r.FinishJoin(b, r.Join(b, ""))

	first := r.MergeProperties(wire.Hashtable{"map": "desert"})
	second := r.MergeProperties(wire.Hashtable{"map": "desert"})
	if first["map"] != second["map"] {
		t.Errorf("merge should be idempotent: %#v vs %#v", first, second)
	}
	codes := b.eventCodes()
	count := 0
	for _, c := range codes {
		if c == EventPropertiesChanged {
			count++
		}
	}
	if count != 2 {
		t.Errorf("expected 2 PropertiesChanged broadcasts, got %d", count)
	}
}

func TestEligibleForCleanup(t *testing.T) {
	r := New("r1", Options{MaxPlayers: 4, IsOpen: true, IsVisible: true, EmptyRoomTTL: 10 * time.Millisecond})
	a := newMockMember(1, "alice")
	r.FinishJoin(a, r.Join(a, ""))
	r.Leave(1)

	if r.EligibleForCleanup(time.Now()) {
		t.Error("should not be eligible immediately")
	}
	if !r.EligibleForCleanup(time.Now().Add(20 * time.Millisecond)) {
		t.Error("should be eligible after TTL elapses")
	}
}
