package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"roomsync/backend/internal/channel"
)

type rosterLog struct {
	mu      sync.Mutex
	changes [][]channel.MemberState
}

func (l *rosterLog) record(r []channel.MemberState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, r)
}

func (l *rosterLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.changes)
}

func bind(t *testing.T, tr *Tracker, ch channel.Channel) {
	t.Helper()
	if err := ch.Subscribe(context.Background(), nil); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := tr.Bind(context.Background(), ch); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
}

func hasMember(roster []channel.MemberState, id string) bool {
	for _, m := range roster {
		if m.UserID == id {
			return true
		}
	}
	return false
}

func TestTracker_SelfAlwaysPresent(t *testing.T) {
	tr := NewTracker("a", "Alice")
	defer tr.Close()
	roster := tr.Roster()
	if len(roster) != 1 || roster[0].UserID != "a" {
		t.Fatalf("Roster() = %v, want self only", roster)
	}
	if roster[0].Color == "" {
		t.Fatalf("self has no color assigned")
	}
}

// 颜色由 participantId 确定性导出，所有端一致
func TestColorFor_Deterministic(t *testing.T) {
	if ColorFor("abc") != ColorFor("abc") {
		t.Fatalf("ColorFor not deterministic")
	}
}

func TestTracker_SeesPeerJoin(t *testing.T) {
	b := channel.NewBroker()
	trA := NewTracker("a", "Alice")
	trB := NewTracker("b", "Bob")
	defer trA.Close()
	defer trB.Close()

	bind(t, trA, b.Channel("room", "a"))
	bind(t, trB, b.Channel("room", "b"))

	if !hasMember(trA.Roster(), "b") {
		t.Fatalf("a does not see b: %v", trA.Roster())
	}
	// b 通过 presence_sync 拿到 a
	if !hasMember(trB.Roster(), "a") {
		t.Fatalf("b does not see a: %v", trB.Roster())
	}
}

// 离开后的宽限窗口：窗口内名单不变，窗口过后才移除
func TestTracker_LeaveGraceWindow(t *testing.T) {
	b := channel.NewBroker()
	trA := NewTracker("a", "Alice")
	trA.grace = 50 * time.Millisecond
	defer trA.Close()
	trB := NewTracker("b", "Bob")
	defer trB.Close()

	bind(t, trA, b.Channel("room", "a"))
	chB := b.Channel("room", "b")
	bind(t, trB, chB)

	var log rosterLog
	trA.OnChange(log.record)

	chB.Unsubscribe()
	// 宽限期内：名单不变、零通知
	if !hasMember(trA.Roster(), "b") {
		t.Fatalf("b removed before grace expired")
	}
	if n := log.count(); n != 0 {
		t.Fatalf("got %d roster notifications during grace, want 0", n)
	}

	time.Sleep(120 * time.Millisecond)
	if hasMember(trA.Roster(), "b") {
		t.Fatalf("b still present after grace expired: %v", trA.Roster())
	}
	if n := log.count(); n != 1 {
		t.Fatalf("got %d roster notifications after grace, want 1", n)
	}
}

// 宽限期内回来：零抖动，一次通知都不该有
func TestTracker_RejoinWithinGraceNoFlicker(t *testing.T) {
	b := channel.NewBroker()
	trA := NewTracker("a", "Alice")
	trA.grace = 80 * time.Millisecond
	defer trA.Close()
	trB := NewTracker("b", "Bob")
	defer trB.Close()

	bind(t, trA, b.Channel("room", "a"))
	chB := b.Channel("room", "b")
	bind(t, trB, chB)

	var log rosterLog
	trA.OnChange(log.record)

	chB.Unsubscribe()
	// 瞬断后马上回来
	bind(t, trB, b.Channel("room", "b"))

	time.Sleep(160 * time.Millisecond)
	if !hasMember(trA.Roster(), "b") {
		t.Fatalf("b lost after rejoin within grace: %v", trA.Roster())
	}
	// 重新 join 会产生一次 upsert 通知，但绝不能出现“先消失再出现”的两连跳
	for _, r := range log.changes {
		if !hasMember(r, "b") {
			t.Fatalf("roster flickered: b momentarily absent")
		}
	}
}

// 整份成员快照是权威名单：不在快照里的成员走宽限后被清掉。
// 断连期间对端退了房，重连后的快照是唯一能发现这件事的地方。
func TestTracker_SyncPurgesAbsentMembers(t *testing.T) {
	tr := NewTracker("a", "Alice")
	tr.grace = 50 * time.Millisecond
	defer tr.Close()

	tr.handleJoin("b", channel.MemberState{UserID: "b", Name: "Bob"})
	if !hasMember(tr.Roster(), "b") {
		t.Fatalf("b not in roster after join")
	}

	// 新频道的快照里只剩自己
	tr.handleSync(map[string]channel.MemberState{
		"a": {UserID: "a", Name: "Alice"},
	})
	// 走宽限流程，不立刻消失
	if !hasMember(tr.Roster(), "b") {
		t.Fatalf("b removed before grace expired")
	}

	time.Sleep(120 * time.Millisecond)
	if hasMember(tr.Roster(), "b") {
		t.Fatalf("b still in roster after authoritative sync: %v", tr.Roster())
	}
	if !hasMember(tr.Roster(), "a") {
		t.Fatalf("self purged by sync")
	}
}

// 宽限期内收到带着该成员的快照：拉回 Present，不产生抖动
func TestTracker_SyncRevivesMemberWithinGrace(t *testing.T) {
	tr := NewTracker("a", "Alice")
	tr.grace = 80 * time.Millisecond
	defer tr.Close()

	tr.handleJoin("b", channel.MemberState{UserID: "b", Name: "Bob"})
	tr.handleSync(map[string]channel.MemberState{
		"a": {UserID: "a", Name: "Alice"},
	})
	tr.handleSync(map[string]channel.MemberState{
		"a": {UserID: "a", Name: "Alice"},
		"b": {UserID: "b", Name: "Bob"},
	})

	time.Sleep(160 * time.Millisecond)
	if !hasMember(tr.Roster(), "b") {
		t.Fatalf("b lost after being revived by sync: %v", tr.Roster())
	}
}

// 输入指示静默 2 秒自动落回 false
func TestTracker_TypingAutoClears(t *testing.T) {
	b := channel.NewBroker()
	trA := NewTracker("a", "Alice")
	trA.typingTTL = 50 * time.Millisecond
	defer trA.Close()
	trB := NewTracker("b", "Bob")
	defer trB.Close()

	bind(t, trA, b.Channel("room", "a"))
	bind(t, trB, b.Channel("room", "b"))

	if err := trA.Typing(context.Background()); err != nil {
		t.Fatalf("Typing() error = %v", err)
	}
	for _, m := range trB.Roster() {
		if m.UserID == "a" && !m.Typing {
			t.Fatalf("b does not see a typing")
		}
	}

	time.Sleep(120 * time.Millisecond)
	for _, m := range trB.Roster() {
		if m.UserID == "a" && m.Typing {
			t.Fatalf("typing flag not cleared after ttl")
		}
	}
}

func TestTracker_CursorPropagates(t *testing.T) {
	b := channel.NewBroker()
	trA := NewTracker("a", "Alice")
	defer trA.Close()
	trB := NewTracker("b", "Bob")
	defer trB.Close()

	bind(t, trA, b.Channel("room", "a"))
	bind(t, trB, b.Channel("room", "b"))

	pos := &channel.CursorPos{Line: 3, Column: 7}
	if err := trA.SetCursor(context.Background(), pos, nil); err != nil {
		t.Fatalf("SetCursor() error = %v", err)
	}
	for _, m := range trB.Roster() {
		if m.UserID == "a" {
			if m.Cursor == nil || m.Cursor.Line != 3 || m.Cursor.Column != 7 {
				t.Fatalf("cursor = %+v, want line=3 col=7", m.Cursor)
			}
			return
		}
	}
	t.Fatalf("a not in b's roster")
}
