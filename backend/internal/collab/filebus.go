package collab

import (
	"context"
	"log"
	"sync"
	"time"

	"roomsync/backend/internal/channel"
)

type FileEventKind string

const (
	FileCreated FileEventKind = "created"
	FileRenamed FileEventKind = "renamed"
	FileDeleted FileEventKind = "deleted"
)

// FileEvent 投给上层（UI）的结构事件通知
type FileEvent struct {
	Kind      FileEventKind
	File      File // created 时完整文件；renamed/deleted 只保证 ID 有效
	NewName   string
	OriginID  string
	EmittedAt time.Time
}

// FileBus 文件集结构事件总线：create/rename/delete 的幂等广播与应用。
// 不假设任何全局顺序——每类事件的幂等检查本身保证了乱序收敛：
// 同一 id 上 create/rename/delete 过滤重复后两两可交换，delete 是终态
// （delete 后到达的 rename 因 id 已不存在而自然落空）。
type FileBus struct {
	mu     sync.Mutex
	selfID string
	files  []File

	onEvent []func(FileEvent)
	// 每次结构变更后异步触发的持久化钩子（挂快照服务的 Save）
	afterMutate func()
}

func NewFileBus(selfID string, seed []File) *FileBus {
	return &FileBus{selfID: selfID, files: append([]File{}, seed...)}
}

func (b *FileBus) OnEvent(h func(FileEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onEvent = append(b.onEvent, h)
}

func (b *FileBus) AfterMutate(h func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.afterMutate = h
}

// Files 当前文件列表的快照
func (b *FileBus) Files() []File {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]File{}, b.files...)
}

// SetFiles 用快照加载结果整体替换（只在冷启动时用）
func (b *FileBus) SetFiles(files []File) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.files = append([]File{}, files...)
}

// Get 按 id 查文件
func (b *FileBus) Get(id int64) (File, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, f := range b.files {
		if f.ID == id {
			return f, true
		}
	}
	return File{}, false
}

// SetContent 更新某文件的物化内容（文本同步两条路径都走这里回写）
func (b *FileBus) SetContent(id int64, content string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.files {
		if b.files[i].ID == id {
			b.files[i].Content = content
			return true
		}
	}
	return false
}

// Bind 注册三类结构事件的频道处理器。重连后对新频道再次调用。
func (b *FileBus) Bind(ch channel.Channel) {
	ch.OnBroadcast(channel.EventFileCreated, func(origin string, ev channel.Event) {
		if origin == b.selfID {
			return // 自己发起的事件绝不重放
		}
		e := ev.(channel.FileCreatedEvent)
		b.applyCreated(origin, e.File)
	})
	ch.OnBroadcast(channel.EventFileRenamed, func(origin string, ev channel.Event) {
		if origin == b.selfID {
			return
		}
		e := ev.(channel.FileRenamedEvent)
		b.applyRenamed(origin, e.FileID, e.NewName)
	})
	ch.OnBroadcast(channel.EventFileDeleted, func(origin string, ev channel.Event) {
		if origin == b.selfID {
			return
		}
		e := ev.(channel.FileDeletedEvent)
		b.applyDeleted(origin, e.FileID)
	})
}

// EmitCreated 本地创建：先落本地列表，再广播，再触发持久化
func (b *FileBus) EmitCreated(ctx context.Context, ch channel.Channel, f File) error {
	if !b.applyCreated(b.selfID, f) {
		return nil
	}
	var err error
	if ch != nil {
		err = ch.Broadcast(ctx, channel.FileCreatedEvent{File: f})
		if err != nil {
			// 广播失败不回滚本地状态；对端靠快照或重连后的幂等事件追平
			log.Printf("broadcast file_created failed (file=%d): %v", f.ID, err)
		}
	}
	return err
}

func (b *FileBus) EmitRenamed(ctx context.Context, ch channel.Channel, id int64, newName string) error {
	if !b.applyRenamed(b.selfID, id, newName) {
		return nil
	}
	var err error
	if ch != nil {
		err = ch.Broadcast(ctx, channel.FileRenamedEvent{FileID: id, NewName: newName})
		if err != nil {
			log.Printf("broadcast file_renamed failed (file=%d): %v", id, err)
		}
	}
	return err
}

func (b *FileBus) EmitDeleted(ctx context.Context, ch channel.Channel, id int64) error {
	if !b.applyDeleted(b.selfID, id) {
		return nil
	}
	var err error
	if ch != nil {
		err = ch.Broadcast(ctx, channel.FileDeletedEvent{FileID: id})
		if err != nil {
			log.Printf("broadcast file_deleted failed (file=%d): %v", id, err)
		}
	}
	return err
}

// applyCreated 幂等：同 id 已存在则 no-op
func (b *FileBus) applyCreated(origin string, f File) bool {
	b.mu.Lock()
	for _, exist := range b.files {
		if exist.ID == f.ID {
			b.mu.Unlock()
			return false
		}
	}
	b.files = append(b.files, f)
	hs, after := b.hooksLocked()
	b.mu.Unlock()

	b.fire(hs, after, FileEvent{Kind: FileCreated, File: f, OriginID: origin, EmittedAt: time.Now()})
	return true
}

// applyRenamed 幂等：id 不存在（含已删除）则 no-op
func (b *FileBus) applyRenamed(origin string, id int64, newName string) bool {
	if newName == "" {
		return false
	}
	b.mu.Lock()
	var hit *File
	for i := range b.files {
		if b.files[i].ID == id {
			b.files[i].Name = newName
			hit = &b.files[i]
			break
		}
	}
	if hit == nil {
		b.mu.Unlock()
		return false
	}
	f := *hit
	hs, after := b.hooksLocked()
	b.mu.Unlock()

	b.fire(hs, after, FileEvent{Kind: FileRenamed, File: f, NewName: newName, OriginID: origin, EmittedAt: time.Now()})
	return true
}

// applyDeleted 幂等：id 不存在则 no-op；删除是终态
func (b *FileBus) applyDeleted(origin string, id int64) bool {
	b.mu.Lock()
	idx := -1
	for i := range b.files {
		if b.files[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		b.mu.Unlock()
		return false
	}
	f := b.files[idx]
	b.files = append(b.files[:idx], b.files[idx+1:]...)
	hs, after := b.hooksLocked()
	b.mu.Unlock()

	b.fire(hs, after, FileEvent{Kind: FileDeleted, File: f, OriginID: origin, EmittedAt: time.Now()})
	return true
}

func (b *FileBus) hooksLocked() ([]func(FileEvent), func()) {
	return append([]func(FileEvent){}, b.onEvent...), b.afterMutate
}

func (b *FileBus) fire(hs []func(FileEvent), after func(), ev FileEvent) {
	for _, h := range hs {
		h(ev)
	}
	if after != nil {
		// 结构变更后尽快落盘，但不阻塞事件路径
		go after()
	}
}
