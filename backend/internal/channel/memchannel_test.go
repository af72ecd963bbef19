package channel

import (
	"context"
	"testing"
)

func subscribe(t *testing.T, ch Channel) {
	t.Helper()
	if err := ch.Subscribe(context.Background(), nil); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
}

// 广播 fan-out 必须排除发送者本身（自回声抑制）
func TestBroker_FanOutExcludesSender(t *testing.T) {
	b := NewBroker()
	a := b.Channel("room", "a")
	c := b.Channel("room", "c")

	var gotA, gotC []string
	a.OnBroadcast(EventCodeChange, func(origin string, ev Event) {
		gotA = append(gotA, origin)
	})
	c.OnBroadcast(EventCodeChange, func(origin string, ev Event) {
		gotC = append(gotC, origin)
	})
	subscribe(t, a)
	subscribe(t, c)

	if err := a.Broadcast(context.Background(), CodeChangeEvent{FileID: 1, Code: "x", Timestamp: 1}); err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}
	if len(gotA) != 0 {
		t.Fatalf("sender received own broadcast: %v", gotA)
	}
	if len(gotC) != 1 || gotC[0] != "a" {
		t.Fatalf("peer got %v, want [a]", gotC)
	}
}

// 新订阅者要先收到 text_op 历史回放，再收到 sync_complete
func TestBroker_ReplayThenSyncComplete(t *testing.T) {
	b := NewBroker()
	a := b.Channel("room", "a")
	subscribe(t, a)
	if err := a.Broadcast(context.Background(), TextOpEvent{FileID: 7}); err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}
	// code_change 不进回放历史
	if err := a.Broadcast(context.Background(), CodeChangeEvent{FileID: 7, Code: "x"}); err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}

	var order []string
	late := b.Channel("room", "late")
	late.OnBroadcast(EventAll, func(origin string, ev Event) {
		order = append(order, ev.EventName())
	})
	late.OnSyncComplete(func() {
		order = append(order, "sync_complete")
	})
	subscribe(t, late)

	if len(order) != 2 || order[0] != EventTextOp || order[1] != "sync_complete" {
		t.Fatalf("replay order = %v, want [text_op sync_complete]", order)
	}
}

// 自己发过的操作不回放给自己
func TestBroker_ReplaySkipsOwnOps(t *testing.T) {
	b := NewBroker()
	a := b.Channel("room", "a")
	subscribe(t, a)
	if err := a.Broadcast(context.Background(), TextOpEvent{FileID: 1}); err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}
	a.Unsubscribe()

	again := b.Channel("room", "a")
	var replayed int
	again.OnBroadcast(EventTextOp, func(origin string, ev Event) { replayed++ })
	subscribe(t, again)
	if replayed != 0 {
		t.Fatalf("own ops replayed %d times, want 0", replayed)
	}
}

func TestBroker_PartitionFailsBroadcast(t *testing.T) {
	b := NewBroker()
	a := b.Channel("room", "a")
	subscribe(t, a)

	b.PartitionRoom("room", true)
	err := a.Broadcast(context.Background(), CodeChangeEvent{FileID: 1, Code: "x"})
	if err != ErrBroadcastReach {
		t.Fatalf("Broadcast() error = %v, want %v", err, ErrBroadcastReach)
	}
	if err := a.Presence().Track(context.Background(), MemberState{UserID: "a"}); err != ErrBroadcastReach {
		t.Fatalf("Track() error = %v, want %v", err, ErrBroadcastReach)
	}

	b.PartitionRoom("room", false)
	if err := a.Broadcast(context.Background(), CodeChangeEvent{FileID: 1, Code: "x"}); err != nil {
		t.Fatalf("Broadcast() after heal error = %v", err)
	}
}

func TestBroker_PresenceJoinLeave(t *testing.T) {
	b := NewBroker()
	a := b.Channel("room", "a")
	c := b.Channel("room", "c")

	var joins, leaves []string
	a.Presence().OnJoin(func(id string, st MemberState) { joins = append(joins, id) })
	a.Presence().OnLeave(func(id string) { leaves = append(leaves, id) })
	subscribe(t, a)
	if err := a.Presence().Track(context.Background(), MemberState{UserID: "a"}); err != nil {
		t.Fatalf("Track() error = %v", err)
	}

	subscribe(t, c)
	if err := c.Presence().Track(context.Background(), MemberState{UserID: "c"}); err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	if len(joins) != 1 || joins[0] != "c" {
		t.Fatalf("joins = %v, want [c]", joins)
	}

	c.Unsubscribe()
	if len(leaves) != 1 || leaves[0] != "c" {
		t.Fatalf("leaves = %v, want [c]", leaves)
	}
}

func TestBroker_BroadcastRequiresSubscribe(t *testing.T) {
	b := NewBroker()
	a := b.Channel("room", "a")
	if err := a.Broadcast(context.Background(), CodeChangeEvent{FileID: 1}); err != ErrNotSubscribed {
		t.Fatalf("Broadcast() error = %v, want %v", err, ErrNotSubscribed)
	}
	a.Unsubscribe()
	if err := a.Broadcast(context.Background(), CodeChangeEvent{FileID: 1}); err != ErrChannelClosed {
		t.Fatalf("Broadcast() after close error = %v, want %v", err, ErrChannelClosed)
	}
}
