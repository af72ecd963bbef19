package channel

import (
	"context"
	"sync"
	"time"
)

// 进程内 broker：单进程多会话共享的房间总线，也是测试里模拟
// 多副本并发的载体。语义对齐 ws 中继：fan-out 时跳过发送者本身，
// 近期 text_op 保留在环形缓冲里，新订阅者加入时回放并补一个
// sync_complete 标记。
type Broker struct {
	mu    sync.Mutex
	rooms map[string]*memRoom
}

type memRoom struct {
	subs        map[*MemChannel]struct{}
	members     map[string]MemberState
	ring        []Envelope
	partitioned bool
}

const memRingCap = 1024

func NewBroker() *Broker {
	return &Broker{rooms: make(map[string]*memRoom)}
}

func (b *Broker) room(name string) *memRoom {
	r := b.rooms[name]
	if r == nil {
		r = &memRoom{
			subs:    make(map[*MemChannel]struct{}),
			members: make(map[string]MemberState),
		}
		b.rooms[name] = r
	}
	return r
}

// Channel 实现 Factory 接口
func (b *Broker) Channel(room, participantID string) Channel {
	return &MemChannel{
		broker:        b,
		room:          room,
		participantID: participantID,
		handlers:      make(map[string][]func(string, Event)),
		pres:          &memPresence{},
	}
}

// PartitionRoom 模拟网络分区：true 时该房间所有广播发送失败、不再投递。
// 只给测试和本地演练用。
func (b *Broker) PartitionRoom(room string, on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.room(room).partitioned = on
}

type MemChannel struct {
	broker        *Broker
	room          string
	participantID string

	mu         sync.Mutex
	handlers   map[string][]func(origin string, ev Event)
	syncDone   []func()
	onStatus   func(Status)
	subscribed bool
	closed     bool

	pres *memPresence
}

type memPresence struct {
	ch      *MemChannel
	mu      sync.Mutex
	onSync  []func(map[string]MemberState)
	onJoin  []func(string, MemberState)
	onLeave []func(string)
}

func (c *MemChannel) Name() string { return c.room }

func (c *MemChannel) OnBroadcast(event string, h func(origin string, ev Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], h)
}

func (c *MemChannel) OnSyncComplete(h func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncDone = append(c.syncDone, h)
}

func (c *MemChannel) Presence() Presence {
	c.pres.ch = c
	return c.pres
}

func (c *MemChannel) Subscribe(ctx context.Context, onStatus func(Status)) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	c.subscribed = true
	c.onStatus = onStatus
	c.mu.Unlock()

	b := c.broker
	b.mu.Lock()
	r := b.room(c.room)
	r.subs[c] = struct{}{}
	replay := make([]Envelope, len(r.ring))
	copy(replay, r.ring)
	members := make(map[string]MemberState, len(r.members))
	for id, st := range r.members {
		members[id] = st
	}
	b.mu.Unlock()

	if onStatus != nil {
		onStatus(StatusSubscribed)
	}
	// 历史回放（跳过自己发过的），随后发 sync_complete 标记
	for _, env := range replay {
		if env.Origin == c.participantID {
			continue
		}
		c.dispatch(env)
	}
	c.mu.Lock()
	done := append([]func(){}, c.syncDone...)
	c.mu.Unlock()
	for _, h := range done {
		h()
	}
	c.pres.deliverSync(members)
	return nil
}

func (c *MemChannel) Unsubscribe() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.subscribed = false
	c.mu.Unlock()

	b := c.broker
	b.mu.Lock()
	r := b.room(c.room)
	delete(r.subs, c)
	_, tracked := r.members[c.participantID]
	delete(r.members, c.participantID)
	targets := r.snapshotSubs()
	b.mu.Unlock()

	if tracked {
		for _, t := range targets {
			t.pres.deliverLeave(c.participantID)
		}
	}
	return nil
}

func (c *MemChannel) Broadcast(ctx context.Context, ev Event) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if !c.subscribed {
		c.mu.Unlock()
		return ErrNotSubscribed
	}
	c.mu.Unlock()

	name, payload, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	env := Envelope{
		Type:    FrameBroadcast,
		Room:    c.room,
		Event:   name,
		Origin:  c.participantID,
		Payload: payload,
		SentAt:  time.Now().UnixMilli(),
	}

	b := c.broker
	b.mu.Lock()
	r := b.room(c.room)
	if r.partitioned {
		b.mu.Unlock()
		return ErrBroadcastReach
	}
	if name == EventTextOp {
		if len(r.ring) == memRingCap {
			copy(r.ring, r.ring[1:])
			r.ring = r.ring[:memRingCap-1]
		}
		r.ring = append(r.ring, env)
	}
	targets := r.snapshotSubs()
	b.mu.Unlock()

	// 锁外投递，处理器里允许再次 Broadcast
	for _, t := range targets {
		if t == c {
			continue // 自回声抑制
		}
		t.dispatch(env)
	}
	return nil
}

func (r *memRoom) snapshotSubs() []*MemChannel {
	out := make([]*MemChannel, 0, len(r.subs))
	for s := range r.subs {
		out = append(out, s)
	}
	return out
}

func (c *MemChannel) dispatch(env Envelope) {
	ev, err := DecodeEvent(env.Event, env.Payload)
	if err != nil {
		return
	}
	c.mu.Lock()
	hs := append([]func(string, Event){}, c.handlers[env.Event]...)
	hs = append(hs, c.handlers[EventAll]...)
	c.mu.Unlock()
	for _, h := range hs {
		h(env.Origin, ev)
	}
}

func (p *memPresence) Track(ctx context.Context, st MemberState) error {
	c := p.ch
	c.mu.Lock()
	if c.closed || !c.subscribed {
		c.mu.Unlock()
		return ErrNotSubscribed
	}
	c.mu.Unlock()

	b := c.broker
	b.mu.Lock()
	r := b.room(c.room)
	if r.partitioned {
		b.mu.Unlock()
		return ErrBroadcastReach
	}
	r.members[c.participantID] = st
	targets := r.snapshotSubs()
	b.mu.Unlock()

	for _, t := range targets {
		if t == c {
			continue
		}
		t.pres.deliverJoin(c.participantID, st)
	}
	return nil
}

func (p *memPresence) OnSync(h func(map[string]MemberState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onSync = append(p.onSync, h)
}

func (p *memPresence) OnJoin(h func(string, MemberState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onJoin = append(p.onJoin, h)
}

func (p *memPresence) OnLeave(h func(string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onLeave = append(p.onLeave, h)
}

func (p *memPresence) deliverSync(members map[string]MemberState) {
	p.mu.Lock()
	hs := append([]func(map[string]MemberState){}, p.onSync...)
	p.mu.Unlock()
	for _, h := range hs {
		h(members)
	}
}

func (p *memPresence) deliverJoin(id string, st MemberState) {
	p.mu.Lock()
	hs := append([]func(string, MemberState){}, p.onJoin...)
	p.mu.Unlock()
	for _, h := range hs {
		h(id, st)
	}
}

func (p *memPresence) deliverLeave(id string) {
	p.mu.Lock()
	hs := append([]func(string){}, p.onLeave...)
	p.mu.Unlock()
	for _, h := range hs {
		h(id)
	}
}
