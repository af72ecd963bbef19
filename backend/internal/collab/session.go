package collab

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/google/uuid"

	"roomsync/backend/internal/channel"
	"roomsync/backend/internal/presence"
	"roomsync/backend/internal/store"
)

var ErrFileNotFound = errors.New("FILE_NOT_FOUND")

// SessionConfig 打开房间需要的最小配置
type SessionConfig struct {
	RoomID        string
	UserName      string
	ParticipantID string // 留空则自动生成
}

// SessionDeps 房间会话的外部依赖。Factory 决定频道走进程内 broker
// 还是 websocket 中继；History 和 Reach 可为 nil。
type SessionDeps struct {
	Factory channel.Factory
	Store   store.RoomStore
	History *store.SnapshotHistory
	Local   LocalState
	Reach   Reachability
}

// RoomSession 房间会话门面：频道、在线名单、文本同步、结构事件、
// 快照持久化和健康监控的唯一组装点。所有子组件都由会话创建并持有，
// 生命周期与会话严格一致，Close 之后整体失效。
type RoomSession struct {
	RoomID        string
	ParticipantID string

	mu sync.Mutex
	ch channel.Channel

	factory channel.Factory
	bus     *FileBus
	engine  *Engine
	lww     *LWWSync
	tracker *presence.Tracker
	snap    *SnapshotService
	monitor *Monitor

	onContent []func(fileID int64, text string)
	cancel    context.CancelFunc
	closed    bool
}

// OpenRoom 打开（或创建）一个房间会话：加载快照、建频道、宣告 presence、
// 启动周期落盘和健康监控。返回时房间已可用。
func OpenRoom(ctx context.Context, cfg SessionConfig, deps SessionDeps) (*RoomSession, error) {
	pid := cfg.ParticipantID
	if pid == "" {
		pid = uuid.NewString()
	}

	s := &RoomSession{
		RoomID:        cfg.RoomID,
		ParticipantID: pid,
		factory:       deps.Factory,
	}
	s.bus = NewFileBus(pid, nil)
	s.engine = NewEngine(pid)
	s.lww = NewLWWSync(pid, func(fileID int64, code string) {
		s.bus.SetContent(fileID, code)
		s.fireContent(fileID, code)
	})
	s.tracker = presence.NewTracker(pid, cfg.UserName)
	s.snap = NewSnapshotService(deps.Store, deps.History, deps.Local, cfg.RoomID, pid, s.bus.Files)
	s.monitor = NewMonitor(deps.Reach, s.rebuild)

	// runCtx 是会话的生命周期上下文：周期落盘、失败重试、
	// 变更触发的落盘全挂在它上面，Close 一刀切断
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.snap.bindLifetime(runCtx)

	// 先有文件集，再上频道
	files, err := s.snap.Load(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	s.bus.SetFiles(files)
	s.bus.AfterMutate(func() {
		s.snap.Save(runCtx)
	})

	if err := s.connect(ctx); err != nil {
		// 半开的会话不能留下任何后台活动，否则监控会对着死频道无限重建
		cancel()
		s.monitor.Close()
		s.lww.Close()
		s.tracker.Close()
		return nil, err
	}
	s.snap.OnReconnect(ctx)

	go s.snap.Run(runCtx)
	return s, nil
}

// connect 建一条全新频道并把所有子组件重新挂上去。
// 首次连接和重连走同一条路径。
func (s *RoomSession) connect(ctx context.Context) error {
	ch := s.factory.Channel(s.RoomID, s.ParticipantID)

	s.engine.Bind(ch)
	s.bus.Bind(ch)
	s.lww.Bind(ch)

	if err := ch.Subscribe(ctx, s.monitor.OnChannelStatus); err != nil {
		return err
	}
	if err := s.tracker.Bind(ctx, ch); err != nil {
		log.Printf("presence track failed (room=%s): %v", s.RoomID, err)
	}

	s.mu.Lock()
	s.ch = ch
	s.mu.Unlock()

	s.monitor.Attach(ch)
	s.engine.FlushPending(ctx)
	return nil
}

// rebuild 健康监控判死后的重建回调：拆旧频道，整条重连，
// 然后补上离线期间错过的结构事件和未落盘的快照
func (s *RoomSession) rebuild(ctx context.Context) error {
	s.mu.Lock()
	old := s.ch
	s.ch = nil
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil
	}
	if old != nil {
		old.Unsubscribe()
	}
	if err := s.connect(ctx); err != nil {
		return err
	}
	s.recoverFiles(ctx)
	s.snap.OnReconnect(ctx)
	return nil
}

// recoverFiles 重连后的补课：频道不回放结构事件，断连期间对端
// 新建的文件只能从快照里找回来。重读一次快照，把缺的文件走幂等
// 的 create 流程并进本地文件集（重复的直接被吞掉）。对端离线期间
// 的删除不在这里处理，靠后续快照覆盖收敛。
func (s *RoomSession) recoverFiles(ctx context.Context) {
	files, err := s.snap.Load(ctx)
	if err != nil {
		log.Printf("reload snapshot after reconnect failed (room=%s): %v", s.RoomID, err)
		return
	}
	for _, f := range files {
		s.bus.applyCreated("", f)
	}
}

func (s *RoomSession) channel() channel.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

// ---- 对上层的查询与回调 ----

func (s *RoomSession) Files() []File { return s.bus.Files() }

func (s *RoomSession) Roster() []channel.MemberState { return s.tracker.Roster() }

func (s *RoomSession) ConnState() ConnState { return s.monitor.State() }

func (s *RoomSession) OnFileEvent(h func(FileEvent)) { s.bus.OnEvent(h) }

func (s *RoomSession) OnRosterChange(h func([]channel.MemberState)) { s.tracker.OnChange(h) }

func (s *RoomSession) OnConnStateChange(h func(ConnState)) { s.monitor.OnStateChange(h) }

// OnContentChange 远端内容更新回调（两条文本同步路径都会触发）
func (s *RoomSession) OnContentChange(h func(fileID int64, text string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onContent = append(s.onContent, h)
}

func (s *RoomSession) fireContent(fileID int64, text string) {
	s.mu.Lock()
	hs := append([]func(int64, string){}, s.onContent...)
	s.mu.Unlock()
	for _, h := range hs {
		h(fileID, text)
	}
}

// ---- 文件集操作 ----

func (s *RoomSession) CreateFile(ctx context.Context, name, language string) (File, error) {
	f := NewFile(name, language)
	err := s.bus.EmitCreated(ctx, s.channel(), f)
	return f, err
}

func (s *RoomSession) RenameFile(ctx context.Context, id int64, newName string) error {
	if _, ok := s.bus.Get(id); !ok {
		return ErrFileNotFound
	}
	return s.bus.EmitRenamed(ctx, s.channel(), id, newName)
}

func (s *RoomSession) DeleteFile(ctx context.Context, id int64) error {
	if _, ok := s.bus.Get(id); !ok {
		return ErrFileNotFound
	}
	return s.bus.EmitDeleted(ctx, s.channel(), id)
}

// ---- 文本编辑 ----

// OpenDocument 为文件开启协作会话（细粒度合并路径）。
// 物化文本的回写由会话接管，上层只需订阅 OnContentChange。
func (s *RoomSession) OpenDocument(id int64) (*DocumentHandle, error) {
	f, ok := s.bus.Get(id)
	if !ok {
		return nil, ErrFileNotFound
	}
	h := s.engine.OpenDocument(id, f.Content)
	h.OnChange(func(text string) {
		s.bus.SetContent(id, text)
		s.fireContent(id, text)
	})
	return h, nil
}

// EditWholeFile 粗粒度整文件编辑路径：去抖广播 + 输入指示
func (s *RoomSession) EditWholeFile(ctx context.Context, id int64, text string) error {
	if !s.bus.SetContent(id, text) {
		return ErrFileNotFound
	}
	s.lww.OnLocalChange(id, text)
	return s.tracker.Typing(ctx)
}

// SetCursor 本端光标/选区更新
func (s *RoomSession) SetCursor(ctx context.Context, pos *channel.CursorPos, sel *channel.SelectionRange) error {
	return s.tracker.SetCursor(ctx, pos, sel)
}

// SaveNow 立即落一次快照
func (s *RoomSession) SaveNow(ctx context.Context) error { return s.snap.Save(ctx) }

// Close 关闭会话：最后落一次盘，停掉所有子组件，退订频道。
// 幂等，重复调用无害。
func (s *RoomSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ch := s.ch
	s.ch = nil
	s.mu.Unlock()

	if err := s.snap.Save(context.Background()); err != nil {
		log.Printf("final snapshot on close failed (room=%s): %v", s.RoomID, err)
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.monitor.Close()
	s.lww.Close()
	s.tracker.Close()
	s.engine.CloseAll()
	if ch != nil {
		return ch.Unsubscribe()
	}
	return nil
}
