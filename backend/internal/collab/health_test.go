package collab

import (
	"context"
	"sync"
	"testing"
	"time"

	"roomsync/backend/internal/channel"
)

func TestMonitor_TransitionTable(t *testing.T) {
	cases := []struct {
		from, to ConnState
		ok       bool
	}{
		{StateConnecting, StateConnected, true},
		{StateConnecting, StateReconnecting, true},
		{StateConnecting, StateDegraded, false},
		{StateConnected, StateDegraded, true},
		{StateConnected, StateReconnecting, true},
		{StateConnected, StateConnecting, false},
		{StateDegraded, StateConnected, true},
		{StateDegraded, StateReconnecting, true},
		{StateDegraded, StateConnecting, false},
		{StateReconnecting, StateConnecting, true},
		{StateReconnecting, StateConnected, false},
	}
	for _, tc := range cases {
		m := NewMonitor(nil, func(ctx context.Context) error { return nil })
		m.state = tc.from
		if got := m.transition(tc.to); got != tc.ok {
			t.Fatalf("transition %s -> %s = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
		if tc.ok && m.State() != tc.to {
			t.Fatalf("state after %s -> %s is %s", tc.from, tc.to, m.State())
		}
		if !tc.ok && m.State() != tc.from {
			t.Fatalf("illegal transition mutated state: %s", m.State())
		}
	}
}

// 心跳广播失败：判死，延迟后触发重建
func TestMonitor_HeartbeatFailureTriggersRebuild(t *testing.T) {
	broker := channel.NewBroker()
	ch := broker.Channel("room", "a")
	if err := ch.Subscribe(context.Background(), nil); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	var mu sync.Mutex
	rebuilds := 0
	var m *Monitor
	m = NewMonitor(nil, func(ctx context.Context) error {
		mu.Lock()
		rebuilds++
		mu.Unlock()
		// 重建成功：分区已恢复，挂一条新频道
		broker.PartitionRoom("room", false)
		nch := broker.Channel("room", "a")
		if err := nch.Subscribe(ctx, m.OnChannelStatus); err != nil {
			return err
		}
		m.Attach(nch)
		return nil
	})
	m.interval = 20 * time.Millisecond
	m.delay = 20 * time.Millisecond
	defer m.Close()

	m.Attach(ch)
	if m.State() != StateConnected {
		t.Fatalf("state after Attach = %s, want CONNECTED", m.State())
	}

	broker.PartitionRoom("room", true)
	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := rebuilds
		mu.Unlock()
		if n >= 1 && m.State() == StateConnected {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("rebuild not triggered: rebuilds=%d state=%s", n, m.State())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// 本机离线：降级暂停心跳，恢复后回到 CONNECTED，期间不判死
type flakyReach struct {
	mu     sync.Mutex
	online bool
}

func (r *flakyReach) Online() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.online
}

func (r *flakyReach) set(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.online = on
}

func TestMonitor_OfflineDegradesWithoutReconnect(t *testing.T) {
	broker := channel.NewBroker()
	ch := broker.Channel("room", "a")
	if err := ch.Subscribe(context.Background(), nil); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	reach := &flakyReach{online: true}
	rebuilds := 0
	m := NewMonitor(reach, func(ctx context.Context) error {
		rebuilds++
		return nil
	})
	m.interval = 20 * time.Millisecond
	defer m.Close()
	m.Attach(ch)

	reach.set(false)
	time.Sleep(100 * time.Millisecond)
	if m.State() != StateDegraded {
		t.Fatalf("state while offline = %s, want DEGRADED", m.State())
	}
	if rebuilds != 0 {
		t.Fatalf("reconnect attempted while merely offline")
	}

	reach.set(true)
	time.Sleep(100 * time.Millisecond)
	if m.State() != StateConnected {
		t.Fatalf("state after back online = %s, want CONNECTED", m.State())
	}
}

func TestMonitor_ChannelClosedDeclaresDead(t *testing.T) {
	broker := channel.NewBroker()
	ch := broker.Channel("room", "a")
	if err := ch.Subscribe(context.Background(), nil); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	done := make(chan struct{})
	var m *Monitor
	m = NewMonitor(nil, func(ctx context.Context) error {
		close(done)
		nch := broker.Channel("room", "a")
		if err := nch.Subscribe(ctx, nil); err != nil {
			return err
		}
		m.Attach(nch)
		return nil
	})
	m.delay = 10 * time.Millisecond
	defer m.Close()
	m.Attach(ch)

	m.OnChannelStatus(channel.StatusClosed)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("rebuild not triggered after CLOSED status")
	}
}
