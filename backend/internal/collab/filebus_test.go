package collab

import (
	"context"
	"sync"
	"testing"

	"roomsync/backend/internal/channel"
)

type eventLog struct {
	mu     sync.Mutex
	events []FileEvent
}

func (l *eventLog) record(ev FileEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) kinds() []FileEventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]FileEventKind, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Kind
	}
	return out
}

func TestFileBus_ApplyCreatedIdempotent(t *testing.T) {
	b := NewFileBus("a", nil)
	f := File{ID: 1, Name: "main.py", Language: "python"}

	if !b.applyCreated("x", f) {
		t.Fatalf("first applyCreated = false, want true")
	}
	// 重复投递同一个 create 必须是 no-op
	if b.applyCreated("x", f) {
		t.Fatalf("duplicate applyCreated = true, want false")
	}
	if got := len(b.Files()); got != 1 {
		t.Fatalf("len(Files()) = %d, want 1", got)
	}
}

func TestFileBus_RenameUnknownOrDeleted(t *testing.T) {
	b := NewFileBus("a", []File{{ID: 1, Name: "main.py"}})

	if b.applyRenamed("x", 99, "other.py") {
		t.Fatalf("rename of unknown id applied")
	}
	if b.applyRenamed("x", 1, "") {
		t.Fatalf("rename to empty name applied")
	}

	if !b.applyDeleted("x", 1) {
		t.Fatalf("delete = false, want true")
	}
	// 删除是终态：晚到的 rename 落空
	if b.applyRenamed("x", 1, "zombie.py") {
		t.Fatalf("rename after delete applied")
	}
	if b.applyDeleted("x", 1) {
		t.Fatalf("duplicate delete = true, want false")
	}
}

// 两个总线挂在同一个 broker 上：本地事件传一次、自己绝不重放
func TestFileBus_PropagatesOverChannel(t *testing.T) {
	broker := channel.NewBroker()
	chA := broker.Channel("room", "a")
	chB := broker.Channel("room", "b")

	busA := NewFileBus("a", nil)
	busB := NewFileBus("b", nil)
	busA.Bind(chA)
	busB.Bind(chB)

	var logA, logB eventLog
	busA.OnEvent(logA.record)
	busB.OnEvent(logB.record)

	ctx := context.Background()
	if err := chA.Subscribe(ctx, nil); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := chB.Subscribe(ctx, nil); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	f := File{ID: 42, Name: "app.go", Language: "go"}
	if err := busA.EmitCreated(ctx, chA, f); err != nil {
		t.Fatalf("EmitCreated() error = %v", err)
	}
	if err := busA.EmitRenamed(ctx, chA, 42, "server.go"); err != nil {
		t.Fatalf("EmitRenamed() error = %v", err)
	}

	// 双方文件列表一致
	filesB := busB.Files()
	if len(filesB) != 1 || filesB[0].Name != "server.go" {
		t.Fatalf("busB files = %v, want [server.go]", filesB)
	}
	// a 本地各一次，b 远端各一次，没有回声造成的重复
	if got := logA.kinds(); len(got) != 2 {
		t.Fatalf("a saw %v, want 2 events", got)
	}
	if got := logB.kinds(); len(got) != 2 || got[0] != FileCreated || got[1] != FileRenamed {
		t.Fatalf("b saw %v, want [created renamed]", got)
	}
}

// 广播失败不回滚本地状态
func TestFileBus_LocalStateSurvivesBroadcastFailure(t *testing.T) {
	broker := channel.NewBroker()
	chA := broker.Channel("room", "a")
	busA := NewFileBus("a", nil)
	busA.Bind(chA)

	ctx := context.Background()
	if err := chA.Subscribe(ctx, nil); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	broker.PartitionRoom("room", true)

	f := File{ID: 7, Name: "lost.py"}
	if err := busA.EmitCreated(ctx, chA, f); err == nil {
		t.Fatalf("EmitCreated() during partition: error = nil, want broadcast failure")
	}
	if _, ok := busA.Get(7); !ok {
		t.Fatalf("local file rolled back after broadcast failure")
	}
}
