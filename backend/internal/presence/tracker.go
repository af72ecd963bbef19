package presence

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"roomsync/backend/internal/channel"
)

// 成员状态机：Joining -> Present -> (LeavePending -> Absent | Present)
type memberStatus int

const (
	statusJoining memberStatus = iota
	statusPresent
	statusLeavePending
)

const (
	// 离开后的宽限窗口：吸收瞬断，窗口内重新 join 则不产生名单抖动
	DefaultGrace = time.Second
	// 输入指示的静默清除时间
	DefaultTypingTTL = 2 * time.Second
)

// 调色板：颜色由 participantId 确定性导出，所有端看到同一个人同一个色
var palette = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231", "#911eb4",
	"#46f0f0", "#f032e6", "#bcf60c", "#008080", "#9a6324",
}

// ColorFor 按 id 的 FNV 哈希从调色板取色
func ColorFor(id string) string {
	h := fnv.New32a()
	h.Write([]byte(id))
	return palette[h.Sum32()%uint32(len(palette))]
}

type entry struct {
	state      channel.MemberState
	status     memberStatus
	leaveTimer *time.Timer
}

// Tracker 维护房间在线名单和各成员的临时状态。
// 名单变化通过 OnChange 回调推给上层（UI 永远只读这个快照）。
type Tracker struct {
	mu      sync.Mutex
	selfID  string
	self    channel.MemberState
	members map[string]*entry

	grace     time.Duration
	typingTTL time.Duration

	ch          channel.Channel
	typingTimer *time.Timer
	onChange    func([]channel.MemberState)
}

func NewTracker(selfID, name string) *Tracker {
	t := &Tracker{
		selfID:    selfID,
		members:   make(map[string]*entry),
		grace:     DefaultGrace,
		typingTTL: DefaultTypingTTL,
	}
	t.self = channel.MemberState{
		UserID: selfID,
		Name:   name,
		Color:  ColorFor(selfID),
	}
	// 本端始终出现在名单里，不等频道确认
	t.members[selfID] = &entry{state: t.self, status: statusPresent}
	return t
}

func (t *Tracker) OnChange(h func([]channel.MemberState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = h
}

// Bind 挂到频道的 presence 子协议上并宣告本端。
// 重连后对新频道重新调用即可（处理器在频道对象上，旧频道拆掉就没了）。
func (t *Tracker) Bind(ctx context.Context, ch channel.Channel) error {
	t.mu.Lock()
	t.ch = ch
	self := t.self
	t.mu.Unlock()

	pres := ch.Presence()
	pres.OnSync(t.handleSync)
	pres.OnJoin(t.handleJoin)
	pres.OnLeave(t.handleLeave)
	return pres.Track(ctx, self)
}

// handleSync 整份成员快照是权威名单：在里面的刷新，
// 不在里面的按离开走宽限流程（本端除外）。
func (t *Tracker) handleSync(members map[string]channel.MemberState) {
	t.mu.Lock()
	for id, st := range members {
		t.upsertLocked(id, st)
	}
	for id := range t.members {
		if id == t.selfID {
			continue
		}
		if _, ok := members[id]; !ok {
			t.scheduleLeaveLocked(id)
		}
	}
	t.mu.Unlock()
	t.notify()
}

func (t *Tracker) handleJoin(id string, st channel.MemberState) {
	t.mu.Lock()
	t.upsertLocked(id, st)
	t.mu.Unlock()
	t.notify()
}

// upsertLocked 插入或刷新一个成员；宽限期内回来的成员直接拉回 Present
func (t *Tracker) upsertLocked(id string, st channel.MemberState) {
	if st.Color == "" {
		st.Color = ColorFor(id)
	}
	e := t.members[id]
	if e == nil {
		t.members[id] = &entry{state: st, status: statusPresent}
		return
	}
	if e.status == statusLeavePending && e.leaveTimer != nil {
		e.leaveTimer.Stop()
		e.leaveTimer = nil
	}
	e.state = st
	e.status = statusPresent
}

func (t *Tracker) handleLeave(id string) {
	if id == t.selfID {
		return
	}
	t.mu.Lock()
	t.scheduleLeaveLocked(id)
	t.mu.Unlock()
	// 宽限期内名单保持不变，窗口内回来就是零抖动
}

// scheduleLeaveLocked 把成员标成待离开并武装宽限定时器
func (t *Tracker) scheduleLeaveLocked(id string) {
	e := t.members[id]
	if e == nil || e.status == statusLeavePending {
		return
	}
	e.status = statusLeavePending
	e.leaveTimer = time.AfterFunc(t.grace, func() {
		t.mu.Lock()
		cur := t.members[id]
		if cur == nil || cur.status != statusLeavePending {
			t.mu.Unlock()
			return
		}
		// 宽限期结束，连同光标/选区/输入标记一起清掉
		delete(t.members, id)
		t.mu.Unlock()
		t.notify()
	})
}

// Roster 当前可见名单（Present 和 LeavePending 都算在线），按 id 排序
func (t *Tracker) Roster() []channel.MemberState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rosterLocked()
}

func (t *Tracker) rosterLocked() []channel.MemberState {
	out := make([]channel.MemberState, 0, len(t.members))
	for _, e := range t.members {
		out = append(out, e.state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (t *Tracker) notify() {
	t.mu.Lock()
	h := t.onChange
	roster := t.rosterLocked()
	t.mu.Unlock()
	if h != nil {
		h(roster)
	}
}

// SetCursor 本端光标移动：只走 presence，不进合并日志
func (t *Tracker) SetCursor(ctx context.Context, pos *channel.CursorPos, sel *channel.SelectionRange) error {
	t.mu.Lock()
	t.self.Cursor = pos
	t.self.Selection = sel
	t.members[t.selfID].state = t.self
	self := t.self
	ch := t.ch
	t.mu.Unlock()
	if ch == nil {
		return nil
	}
	return ch.Presence().Track(ctx, self)
}

// Typing 每次击键广播时调用一次：置位并重新武装 2s 静默定时器，
// 定时器无打断地走完就落回 false。
func (t *Tracker) Typing(ctx context.Context) error {
	t.mu.Lock()
	if t.typingTimer != nil {
		t.typingTimer.Stop()
	}
	t.self.Typing = true
	t.members[t.selfID].state = t.self
	t.typingTimer = time.AfterFunc(t.typingTTL, func() {
		t.mu.Lock()
		t.self.Typing = false
		t.members[t.selfID].state = t.self
		self := t.self
		ch := t.ch
		t.mu.Unlock()
		if ch != nil {
			_ = ch.Presence().Track(context.Background(), self)
		}
	})
	self := t.self
	ch := t.ch
	t.mu.Unlock()
	if ch == nil {
		return nil
	}
	return ch.Presence().Track(ctx, self)
}

// Close 停掉所有定时器
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.typingTimer != nil {
		t.typingTimer.Stop()
	}
	for _, e := range t.members {
		if e.leaveTimer != nil {
			e.leaveTimer.Stop()
		}
	}
}

// String 便于日志排查
func (t *Tracker) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fmt.Sprintf("tracker(self=%s, members=%d)", t.selfID, len(t.members))
}
