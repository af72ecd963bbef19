package collab

import (
	"context"
	"log"
	"sync"
	"time"

	"roomsync/backend/internal/channel"
)

// 本地编辑到广播之间的去抖窗口
const DefaultDebounce = 300 * time.Millisecond

// LWWSync 整文件覆盖同步：尚未开启协作会话的文件走这条粗粒度路径。
// 最后写入者赢，真并发下会丢更新——可接受，因为该文件还没有
// 更细的合并会话存在。
type LWWSync struct {
	mu       sync.Mutex
	selfID   string
	debounce time.Duration

	// 每个文件流的高水位：已接受的最新时间戳，早于它的更新按过期丢弃
	highWater map[int64]int64
	timers    map[int64]*time.Timer
	pending   map[int64]string

	ch    channel.Channel
	apply func(fileID int64, fullText string)
	now   func() time.Time
}

func NewLWWSync(selfID string, apply func(int64, string)) *LWWSync {
	return &LWWSync{
		selfID:    selfID,
		debounce:  DefaultDebounce,
		highWater: make(map[int64]int64),
		timers:    make(map[int64]*time.Timer),
		pending:   make(map[int64]string),
		apply:     apply,
		now:       time.Now,
	}
}

// Bind 挂接收处理器；重连后对新频道再调一次
func (s *LWWSync) Bind(ch channel.Channel) {
	s.mu.Lock()
	s.ch = ch
	s.mu.Unlock()

	ch.OnBroadcast(channel.EventCodeChange, func(origin string, ev channel.Event) {
		e := ev.(channel.CodeChangeEvent)
		s.Receive(origin, e)
	})
}

// OnLocalChange 本地整文件编辑：300ms 去抖后广播全文。
// 时间戳在编辑发生时取，先行推进本文件的高水位，
// 这样去抖窗口内到达的更旧远端更新会被正确拒掉。
func (s *LWWSync) OnLocalChange(fileID int64, fullText string) {
	s.mu.Lock()
	ts := s.now().UnixMilli()
	if ts > s.highWater[fileID] {
		s.highWater[fileID] = ts
	}
	s.pending[fileID] = fullText
	if t := s.timers[fileID]; t != nil {
		t.Stop()
	}
	s.timers[fileID] = time.AfterFunc(s.debounce, func() {
		s.flush(fileID, ts)
	})
	s.mu.Unlock()
}

func (s *LWWSync) flush(fileID int64, ts int64) {
	s.mu.Lock()
	text, ok := s.pending[fileID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.pending, fileID)
	delete(s.timers, fileID)
	ch := s.ch
	s.mu.Unlock()

	if ch == nil {
		return
	}
	err := ch.Broadcast(context.Background(), channel.CodeChangeEvent{
		FileID:    fileID,
		Code:      text,
		Timestamp: ts,
	})
	if err != nil {
		// 瞬时网络错误：丢这一拍没关系，下一次编辑或快照会带上全文
		log.Printf("broadcast code_change failed (file=%d): %v", fileID, err)
	}
}

// Receive 处理远端整文件更新：自回声忽略，过期丢弃，其余覆盖并推进高水位
func (s *LWWSync) Receive(origin string, e channel.CodeChangeEvent) {
	if origin == s.selfID {
		return
	}
	s.mu.Lock()
	if e.Timestamp < s.highWater[e.FileID] {
		s.mu.Unlock()
		log.Printf("drop stale code_change (file=%d, ts=%d)", e.FileID, e.Timestamp)
		return
	}
	s.highWater[e.FileID] = e.Timestamp
	apply := s.apply
	s.mu.Unlock()

	if apply != nil {
		apply(e.FileID, e.Code)
	}
}

// Close 取消未触发的去抖定时器
func (s *LWWSync) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
