package collab

import (
	"context"
	"errors"
	"log"
	"sync"

	"roomsync/backend/internal/channel"
	"roomsync/backend/internal/crdt"
)

var ErrDocumentClosed = errors.New("DOCUMENT_CLOSED")

// 每个未打开文件最多暂存的远端操作数，与中继回放环的容量保持一致
const backlogCap = 1024

// Engine 文本同步引擎：每个打开的文件一份独立的合并文档。
// 本地编辑同步落地、立即可见；传播是异步的，断连期间操作排队，
// 重连后按原始顺序补发。断连绝不破坏本地物化文本。
type Engine struct {
	mu     sync.Mutex
	selfID string
	ch     channel.Channel
	docs   map[int64]*DocumentHandle
	// 文件尚未打开时到达的远端操作先暂存，OpenDocument 时一次性落地。
	// 回放环只在订阅时重放一次，这里不接住就永远丢了。
	backlog map[int64][]crdt.Op
	synced  bool // 当前频道的历史回放是否已完成
}

// DocumentHandle 一个打开文件的句柄
type DocumentHandle struct {
	FileID int64

	eng      *Engine
	doc      *crdt.Doc
	seed     string
	seeded   bool
	pending  []crdt.Op // 离线期间待补发的出站操作
	onChange func(string)
	closed   bool
}

func NewEngine(selfID string) *Engine {
	return &Engine{
		selfID:  selfID,
		docs:    make(map[int64]*DocumentHandle),
		backlog: make(map[int64][]crdt.Op),
	}
}

// Bind 挂接新频道：注册 text_op 处理器和回放完成标记。
// 每条频道的回放完成后才做播种判断（见 maybeSeed）。
func (e *Engine) Bind(ch channel.Channel) {
	e.mu.Lock()
	e.ch = ch
	e.synced = false
	e.mu.Unlock()

	ch.OnBroadcast(channel.EventTextOp, func(origin string, ev channel.Event) {
		if origin == e.selfID {
			return
		}
		t := ev.(channel.TextOpEvent)
		e.applyRemote(t.FileID, t.Ops)
	})
	ch.OnSyncComplete(func() {
		e.mu.Lock()
		e.synced = true
		handles := make([]*DocumentHandle, 0, len(e.docs))
		for _, h := range e.docs {
			handles = append(handles, h)
		}
		e.mu.Unlock()
		for _, h := range handles {
			h.maybeSeed()
		}
	})
}

// OpenDocument 为文件打开协作会话。seedText 是本端已知的文件内容，
// 只有在远端文档为空时才会被播进去。
func (e *Engine) OpenDocument(fileID int64, seedText string) *DocumentHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	if h, ok := e.docs[fileID]; ok {
		return h
	}
	h := &DocumentHandle{
		FileID: fileID,
		eng:    e,
		doc:    crdt.NewDoc(e.selfID),
		seed:   seedText,
	}
	e.docs[fileID] = h
	// 打开前到达的远端操作先落地，这样播种判断看到的是真实文档
	for _, op := range e.backlog[fileID] {
		h.doc.Apply(op)
	}
	delete(e.backlog, fileID)
	if e.synced {
		// 频道早已同步完成（比如房间里第二个打开的文件），直接判断
		go h.maybeSeed()
	}
	return h
}

func (e *Engine) applyRemote(fileID int64, ops []crdt.Op) {
	e.mu.Lock()
	h := e.docs[fileID]
	if h == nil {
		buf := append(e.backlog[fileID], ops...)
		if len(buf) > backlogCap {
			buf = buf[len(buf)-backlogCap:]
		}
		e.backlog[fileID] = buf
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	h.applyRemote(ops)
}

// FlushPending 重连后按原始顺序补发所有排队操作
func (e *Engine) FlushPending(ctx context.Context) {
	e.mu.Lock()
	ch := e.ch
	handles := make([]*DocumentHandle, 0, len(e.docs))
	for _, h := range e.docs {
		handles = append(handles, h)
	}
	e.mu.Unlock()
	if ch == nil {
		return
	}
	for _, h := range handles {
		h.flushPending(ctx, ch)
	}
}

// CloseAll 房间销毁时关掉全部文档
func (e *Engine) CloseAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, h := range e.docs {
		h.closed = true
		delete(e.docs, id)
	}
	e.backlog = make(map[int64][]crdt.Op)
}

// ---- DocumentHandle ----

func (h *DocumentHandle) OnChange(f func(string)) {
	h.eng.mu.Lock()
	defer h.eng.mu.Unlock()
	h.onChange = f
}

// Text 当前物化文本
func (h *DocumentHandle) Text() string {
	h.eng.mu.Lock()
	defer h.eng.mu.Unlock()
	return h.doc.String()
}

// InsertAt 本地插入：先改本地，再尽力广播，失败进待发队列
func (h *DocumentHandle) InsertAt(ctx context.Context, idx int, text string) error {
	h.eng.mu.Lock()
	if h.closed {
		h.eng.mu.Unlock()
		return ErrDocumentClosed
	}
	ops := h.doc.InsertAt(idx, text)
	h.eng.mu.Unlock()
	return h.propagate(ctx, ops)
}

// DeleteAt 本地删除
func (h *DocumentHandle) DeleteAt(ctx context.Context, idx, count int) error {
	h.eng.mu.Lock()
	if h.closed {
		h.eng.mu.Unlock()
		return ErrDocumentClosed
	}
	ops := h.doc.DeleteAt(idx, count)
	h.eng.mu.Unlock()
	return h.propagate(ctx, ops)
}

// SetText 整文本替换：按公共前后缀求最小 delete+insert，避免全量重写日志
func (h *DocumentHandle) SetText(ctx context.Context, text string) error {
	h.eng.mu.Lock()
	if h.closed {
		h.eng.mu.Unlock()
		return ErrDocumentClosed
	}
	old := []rune(h.doc.String())
	cur := []rune(text)
	prefix := 0
	for prefix < len(old) && prefix < len(cur) && old[prefix] == cur[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(old)-prefix && suffix < len(cur)-prefix &&
		old[len(old)-1-suffix] == cur[len(cur)-1-suffix] {
		suffix++
	}
	var ops []crdt.Op
	if del := len(old) - prefix - suffix; del > 0 {
		ops = append(ops, h.doc.DeleteAt(prefix, del)...)
	}
	if ins := cur[prefix : len(cur)-suffix]; len(ins) > 0 {
		ops = append(ops, h.doc.InsertAt(prefix, string(ins))...)
	}
	h.eng.mu.Unlock()
	return h.propagate(ctx, ops)
}

func (h *DocumentHandle) propagate(ctx context.Context, ops []crdt.Op) error {
	if len(ops) == 0 {
		return nil
	}
	h.notifyChange()

	h.eng.mu.Lock()
	ch := h.eng.ch
	if ch == nil {
		h.pending = append(h.pending, ops...)
		h.eng.mu.Unlock()
		return nil
	}
	h.eng.mu.Unlock()

	err := ch.Broadcast(ctx, channel.TextOpEvent{FileID: h.FileID, Ops: ops})
	if err != nil {
		// 断连：排队等重连补发，本地文本已经是新的
		h.eng.mu.Lock()
		h.pending = append(h.pending, ops...)
		h.eng.mu.Unlock()
		log.Printf("queue %d text ops while offline (file=%d): %v", len(ops), h.FileID, err)
		return nil
	}
	return nil
}

func (h *DocumentHandle) applyRemote(ops []crdt.Op) {
	h.eng.mu.Lock()
	changed := false
	for _, op := range ops {
		if h.doc.Apply(op) {
			changed = true
		}
	}
	h.eng.mu.Unlock()
	if changed {
		h.notifyChange()
	}
}

// maybeSeed 空文档播种：回放完成后，远端文档为空且本端种子
// 不是占位内容时，把种子一次性插进去。这只是尽力而为的竞态缓解，
// 两端同时打开仍可能各播一份（已知限制，靠上层约定收敛）。
func (h *DocumentHandle) maybeSeed() {
	h.eng.mu.Lock()
	if h.closed || h.seeded {
		h.eng.mu.Unlock()
		return
	}
	h.seeded = true
	if h.doc.Len() > 0 || IsPlaceholder(h.seed) {
		h.eng.mu.Unlock()
		return
	}
	seed := h.seed
	h.eng.mu.Unlock()

	if err := h.InsertAt(context.Background(), 0, seed); err != nil {
		log.Printf("seed document failed (file=%d): %v", h.FileID, err)
	}
}

func (h *DocumentHandle) flushPending(ctx context.Context, ch channel.Channel) {
	h.eng.mu.Lock()
	if len(h.pending) == 0 {
		h.eng.mu.Unlock()
		return
	}
	ops := h.pending
	h.pending = nil
	h.eng.mu.Unlock()

	err := ch.Broadcast(ctx, channel.TextOpEvent{FileID: h.FileID, Ops: ops})
	if err != nil {
		h.eng.mu.Lock()
		// 原序放回队首，下次重连继续
		h.pending = append(ops, h.pending...)
		h.eng.mu.Unlock()
	}
}

func (h *DocumentHandle) notifyChange() {
	h.eng.mu.Lock()
	f := h.onChange
	text := h.doc.String()
	h.eng.mu.Unlock()
	if f != nil {
		f(text)
	}
}

// Close 关闭文档：立刻取消该文件的合并订阅
func (h *DocumentHandle) Close() {
	h.eng.mu.Lock()
	defer h.eng.mu.Unlock()
	h.closed = true
	delete(h.eng.docs, h.FileID)
}
