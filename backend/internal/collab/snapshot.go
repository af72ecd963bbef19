package collab

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sync/singleflight"

	"roomsync/backend/internal/store"
)

// 周期落盘间隔
const DefaultSaveInterval = 30 * time.Second

// SnapshotService 房间快照持久化：把整个文件集序列化成一条
// rooms 记录，版本号本端自增。并发写入没有服务端 CAS，
// 整快照粒度最后写入者赢——持久层只是耐久兜底，
// 实时一致性由频道层负责。
type SnapshotService struct {
	mu       sync.Mutex
	store    store.RoomStore
	history  *store.SnapshotHistory // 可为 nil
	local    LocalState
	roomID   string
	selfID   string
	files    func() []File
	interval time.Duration
	retrying bool
	life     context.Context // 会话生命周期，后台重试挂在它上面
	sf       singleflight.Group
	now      func() time.Time
}

func NewSnapshotService(st store.RoomStore, hist *store.SnapshotHistory, local LocalState, roomID, selfID string, files func() []File) *SnapshotService {
	return &SnapshotService{
		store:    st,
		history:  hist,
		local:    local,
		roomID:   roomID,
		selfID:   selfID,
		files:    files,
		interval: DefaultSaveInterval,
		life:     context.Background(),
		now:      time.Now,
	}
}

// bindLifetime 绑定会话生命周期上下文：它取消后不再发起任何后台重试。
// 不绑定则默认永不取消（独立使用场景）。
func (s *SnapshotService) bindLifetime(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.life = ctx
}

// Save 立即落一次盘。失败时打上待同步标记并启动后台重试，
// 对调用方永远只记日志不返回错误链路之外的状态。
func (s *SnapshotService) Save(ctx context.Context) error {
	files := ValidFiles(s.files())
	if len(files) == 0 {
		return nil // 空文件集不值得占一个版本号
	}
	if err := s.persist(ctx, files); err != nil {
		log.Printf("save room snapshot failed (room=%s): %v", s.roomID, err)
		s.local.SetNeedsSync(s.roomID, true)
		s.spawnRetry()
		return err
	}
	return nil
}

func (s *SnapshotService) persist(ctx context.Context, files []File) error {
	now := s.now()
	state := RoomState{Files: files, LastUpdated: now, LastUpdatedBy: s.selfID}
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}

	ver := s.local.Version(s.roomID) + 1
	if err := s.store.UpsertRoom(ctx, s.roomID, string(raw), ver, now); err != nil {
		return err
	}
	// 只有落盘成功才推进本端版本计数器
	s.local.SetVersion(s.roomID, ver)
	s.local.SetNeedsSync(s.roomID, false)

	if s.history != nil {
		if err := s.history.Record(ctx, s.roomID, ver, string(raw)); err != nil {
			log.Printf("record snapshot history failed (room=%s, ver=%d): %v", s.roomID, ver, err)
		}
	}
	return nil
}

// spawnRetry 后台重试直到成功，2~5 秒随机间隔。同一时刻最多一个重试协程。
// 重试挂在会话生命周期上下文上，会话关闭即停，不看调用方的 ctx。
func (s *SnapshotService) spawnRetry() {
	s.mu.Lock()
	if s.retrying {
		s.mu.Unlock()
		return
	}
	s.retrying = true
	ctx := s.life
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			s.retrying = false
			s.mu.Unlock()
		}()

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 3500 * time.Millisecond
		b.RandomizationFactor = 0.43 // 约 [2s, 5s] 的均匀抖动
		b.Multiplier = 1
		b.MaxInterval = 5 * time.Second
		b.MaxElapsedTime = 0 // 不放弃，重试到成功或 ctx 取消

		err := backoff.Retry(func() error {
			files := ValidFiles(s.files())
			if len(files) == 0 {
				return nil
			}
			return s.persist(ctx, files)
		}, backoff.WithContext(b, ctx))
		if err != nil {
			log.Printf("snapshot retry abandoned (room=%s): %v", s.roomID, err)
		}
	}()
}

// Load 加载房间快照并返回文件列表。同房间并发调用合并成一次真实查询。
// 最多尝试三次、间隔 1 秒；记录不存在或内容损坏时用默认文件自举，
// 永远不会让房间空着。
func (s *SnapshotService) Load(ctx context.Context) ([]File, error) {
	v, err, _ := s.sf.Do(s.roomID, func() (interface{}, error) {
		return s.loadOnce(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]File), nil
}

func (s *SnapshotService) loadOnce(ctx context.Context) ([]File, error) {
	var rec *store.RoomRecord
	op := func() error {
		var err error
		rec, err = s.store.GetRoom(ctx, s.roomID)
		if err == store.ErrRoomNotFound {
			// 真不存在，不用再试
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Second), 2), ctx))

	switch {
	case err == store.ErrRoomNotFound:
		return s.bootstrap(ctx), nil
	case err != nil:
		return nil, err
	}

	var state RoomState
	if jsonErr := json.Unmarshal([]byte(rec.Content), &state); jsonErr != nil {
		log.Printf("room snapshot corrupted, bootstrapping (room=%s): %v", s.roomID, jsonErr)
		return s.bootstrap(ctx), nil
	}

	files := ValidFiles(state.Files)
	if len(files) != len(state.Files) {
		log.Printf("dropped %d invalid file records (room=%s)", len(state.Files)-len(files), s.roomID)
	}
	if len(files) == 0 {
		return s.bootstrap(ctx), nil
	}

	// 对齐本端版本计数器，避免下一次落盘版本回退
	if rec.Version > s.local.Version(s.roomID) {
		s.local.SetVersion(s.roomID, rec.Version)
	}
	return files, nil
}

// bootstrap 快照缺失/损坏的兜底：一个默认文件，并立即尝试持久化
func (s *SnapshotService) bootstrap(ctx context.Context) []File {
	def := DefaultFile()
	files := []File{def}
	if err := s.persist(ctx, files); err != nil {
		log.Printf("persist bootstrap snapshot failed (room=%s): %v", s.roomID, err)
		s.local.SetNeedsSync(s.roomID, true)
		s.spawnRetry()
	}
	return files
}

// OnReconnect 重连成功后的补救：带着待同步标记就立刻落一次盘
func (s *SnapshotService) OnReconnect(ctx context.Context) {
	if s.local.NeedsSync(s.roomID) {
		s.Save(ctx)
	}
}

// Run 周期落盘循环，ctx 取消即退出。只在房间里还有文件时触发。
func (s *SnapshotService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if len(s.files()) > 0 {
				s.Save(ctx)
			}
		}
	}
}
