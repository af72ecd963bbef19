package ws

import (
	"context"
	"log"
	"sync"
	"time"

	"roomsync/backend/internal/archive"
	"roomsync/backend/internal/cache"
	"roomsync/backend/internal/channel"
)

// 每房间保留的 text_op 帧上限，新成员靠回放这段历史追平文档
const opRingCap = 1024

// 心跳刷出来的 redis 成员逻辑 TTL
const presenceTTL = 15 * time.Second

// Hub 中继的房间表。实时转发全在内存完成；redis 只承载跨实例共享的
// 在线名单，kafka 只承载事后归档，两者都不在转发路径上阻塞。
type Hub struct {
	// 保护 rooms 这类 map 在并发下安全访问，加入/离开/广播都先加锁
	mu    sync.RWMutex
	rooms map[string]*relayRoom

	presence cache.PresenceCache // 可为 nil（单实例部署）
	archiver *archive.Dispatcher // 可为 nil
}

type relayRoom struct {
	// 房间里存的是连接集合而不是 participantId 集合：
	// 同一个人可开多个标签页/设备，广播要逐连接发
	conns  map[*Conn]struct{}
	ring   []channel.Envelope
	states map[string]channel.MemberState
}

func NewHub(p cache.PresenceCache, a *archive.Dispatcher) *Hub {
	return &Hub{rooms: make(map[string]*relayRoom), presence: p, archiver: a}
}

// Join 连接加入房间：回放 text_op 历史（跳过自己发过的），
// 然后发 sync_complete，最后给一份当前成员快照。
func (h *Hub) Join(ctx context.Context, c *Conn) {
	h.mu.Lock()
	r := h.rooms[c.room]
	if r == nil {
		r = &relayRoom{
			conns:  make(map[*Conn]struct{}),
			states: make(map[string]channel.MemberState),
		}
		h.rooms[c.room] = r
	}
	r.conns[c] = struct{}{}
	replay := append([]channel.Envelope{}, r.ring...)
	members := make(map[string]channel.MemberState, len(r.states))
	for id, st := range r.states {
		members[id] = st
	}
	h.mu.Unlock()

	// 多实例部署时名单的权威在 redis
	if h.presence != nil {
		if alive, err := h.presence.Alive(ctx, c.room); err != nil {
			log.Printf("load presence from redis failed (room=%s): %v", c.room, err)
		} else {
			members = alive
		}
	}

	for _, env := range replay {
		if env.Origin == c.participantID {
			continue
		}
		c.Enqueue(env)
	}
	c.Enqueue(channel.Envelope{Type: channel.FrameSyncComplete, Room: c.room})
	c.Enqueue(channel.Envelope{Type: channel.FramePresenceSync, Room: c.room, Members: members})
}

// Leave 连接退出：清名单、通知其他成员
func (h *Hub) Leave(ctx context.Context, c *Conn) {
	h.mu.Lock()
	r := h.rooms[c.room]
	if r == nil {
		h.mu.Unlock()
		return
	}
	delete(r.conns, c)
	delete(r.states, c.participantID)
	var peers []*Conn
	for peer := range r.conns {
		peers = append(peers, peer)
	}
	if len(r.conns) == 0 {
		delete(h.rooms, c.room)
	}
	h.mu.Unlock()

	if h.presence != nil {
		if err := h.presence.Remove(ctx, c.room, c.participantID); err != nil {
			log.Printf("remove presence failed (room=%s, participant=%s): %v", c.room, c.participantID, err)
		}
	}
	env := channel.Envelope{
		Type:          channel.FramePresenceLeave,
		Room:          c.room,
		ParticipantID: c.participantID,
	}
	for _, peer := range peers {
		peer.Enqueue(env)
	}
}

// HandleBroadcast 广播帧：心跳只续 TTL 不转发；其余帧留档、归档、
// 再转发给除发送者之外的所有连接。
func (h *Hub) HandleBroadcast(ctx context.Context, c *Conn, env channel.Envelope) {
	if env.Event == channel.EventHeartbeat {
		h.touchPresence(ctx, c)
		return
	}

	h.mu.Lock()
	r := h.rooms[c.room]
	if r == nil {
		h.mu.Unlock()
		return
	}
	if env.Event == channel.EventTextOp {
		r.ring = append(r.ring, env)
		if len(r.ring) > opRingCap {
			r.ring = r.ring[len(r.ring)-opRingCap:]
		}
	}
	var peers []*Conn
	for peer := range r.conns {
		if peer != c {
			peers = append(peers, peer)
		}
	}
	h.mu.Unlock()

	if h.archiver != nil {
		h.archiver.Enqueue(archive.RoomEventRecord{
			Room:    c.room,
			Event:   env.Event,
			Origin:  env.Origin,
			Payload: env.Payload,
			SentAt:  env.SentAt,
		})
	}
	for _, peer := range peers {
		peer.Enqueue(env)
	}
}

// HandleTrack presence 宣告：更新名单并把 join 推给其他成员
func (h *Hub) HandleTrack(ctx context.Context, c *Conn, env channel.Envelope) {
	if env.State == nil {
		return
	}
	h.mu.Lock()
	r := h.rooms[c.room]
	if r == nil {
		h.mu.Unlock()
		return
	}
	r.states[c.participantID] = *env.State
	var peers []*Conn
	for peer := range r.conns {
		if peer != c {
			peers = append(peers, peer)
		}
	}
	h.mu.Unlock()

	if h.presence != nil {
		if err := h.presence.Touch(ctx, c.room, c.participantID, *env.State, presenceTTL); err != nil {
			log.Printf("touch presence failed (room=%s, participant=%s): %v", c.room, c.participantID, err)
		}
	}
	out := channel.Envelope{
		Type:          channel.FramePresenceJoin,
		Room:          c.room,
		ParticipantID: c.participantID,
		State:         env.State,
	}
	for _, peer := range peers {
		peer.Enqueue(out)
	}
}

func (h *Hub) touchPresence(ctx context.Context, c *Conn) {
	h.mu.RLock()
	r := h.rooms[c.room]
	var st channel.MemberState
	if r != nil {
		st = r.states[c.participantID]
	}
	h.mu.RUnlock()
	if st.UserID == "" {
		st.UserID = c.participantID
	}
	if h.presence != nil {
		if err := h.presence.Touch(ctx, c.room, c.participantID, st, presenceTTL); err != nil {
			log.Printf("refresh presence ttl failed (room=%s, participant=%s): %v", c.room, c.participantID, err)
		}
	}
}
