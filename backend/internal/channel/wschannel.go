package channel

import (
	"context"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Dialer 通过 websocket 连接中继服务的频道工厂。
// BaseURL 形如 ws://127.0.0.1:8090/sync/ws
type Dialer struct {
	BaseURL string
}

func (d *Dialer) Channel(room, participantID string) Channel {
	return &WSChannel{
		base:          d.BaseURL,
		room:          room,
		participantID: participantID,
		handlers:      make(map[string][]func(string, Event)),
		pres:          &wsPresence{},
	}
}

// WSChannel 走中继的频道实现。每次 Subscribe 建立一条全新的连接，
// 重连语义由上层健康监控负责（拆掉旧频道、用工厂再造一条）。
type WSChannel struct {
	base          string
	room          string
	participantID string

	mu         sync.Mutex
	writeMu    sync.Mutex
	ws         *websocket.Conn
	handlers   map[string][]func(origin string, ev Event)
	syncDone   []func()
	onStatus   func(Status)
	subscribed bool
	closed     bool

	pres *wsPresence
}

type wsPresence struct {
	ch      *WSChannel
	mu      sync.Mutex
	onSync  []func(map[string]MemberState)
	onJoin  []func(string, MemberState)
	onLeave []func(string)
}

func (c *WSChannel) Name() string { return c.room }

func (c *WSChannel) OnBroadcast(event string, h func(origin string, ev Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], h)
}

func (c *WSChannel) OnSyncComplete(h func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncDone = append(c.syncDone, h)
}

func (c *WSChannel) Presence() Presence {
	c.pres.ch = c
	return c.pres
}

func (c *WSChannel) Subscribe(ctx context.Context, onStatus func(Status)) error {
	u := c.base + "?room=" + url.QueryEscape(c.room) + "&participant=" + url.QueryEscape(c.participantID)
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		if onStatus != nil {
			onStatus(StatusError)
		}
		return err
	}
	c.mu.Lock()
	c.ws = ws
	c.subscribed = true
	c.onStatus = onStatus
	c.mu.Unlock()

	if onStatus != nil {
		onStatus(StatusSubscribed)
	}
	go c.readLoop()
	return nil
}

func (c *WSChannel) readLoop() {
	for {
		var env Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			c.mu.Lock()
			closed := c.closed
			onStatus := c.onStatus
			c.subscribed = false
			c.mu.Unlock()
			if !closed {
				log.Printf("channel read error (room=%s): %v", c.room, err)
				if onStatus != nil {
					onStatus(StatusClosed)
				}
			}
			return
		}
		switch env.Type {
		case FrameBroadcast:
			// 中继已做发送端排除，这里再按 origin 防御一次
			if env.Origin == c.participantID {
				continue
			}
			c.dispatch(env)
		case FrameSyncComplete:
			c.mu.Lock()
			done := append([]func(){}, c.syncDone...)
			c.mu.Unlock()
			for _, h := range done {
				h()
			}
		case FramePresenceSync:
			c.pres.deliverSync(env.Members)
		case FramePresenceJoin:
			if env.State != nil {
				c.pres.deliverJoin(env.ParticipantID, *env.State)
			}
		case FramePresenceLeave:
			c.pres.deliverLeave(env.ParticipantID)
		}
	}
}

func (c *WSChannel) dispatch(env Envelope) {
	ev, err := DecodeEvent(env.Event, env.Payload)
	if err != nil {
		log.Printf("drop undecodable broadcast (room=%s, event=%s): %v", c.room, env.Event, err)
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

func (c *WSChannel) writeEnvelope(env Envelope) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if !c.subscribed || c.ws == nil {
		c.mu.Unlock()
		return ErrNotSubscribed
	}
	ws := c.ws
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteJSON(env)
}

func (c *WSChannel) Broadcast(ctx context.Context, ev Event) error {
	name, payload, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	return c.writeEnvelope(Envelope{
		Type:    FrameBroadcast,
		Room:    c.room,
		Event:   name,
		Origin:  c.participantID,
		Payload: payload,
		SentAt:  time.Now().UnixMilli(),
	})
}

func (c *WSChannel) Unsubscribe() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	c.mu.Unlock()
	if ws != nil {
		return ws.Close()
	}
	return nil
}

func (p *wsPresence) Track(ctx context.Context, st MemberState) error {
	state := st
	return p.ch.writeEnvelope(Envelope{
		Type:          FramePresenceTrack,
		Room:          p.ch.room,
		ParticipantID: p.ch.participantID,
		State:         &state,
		SentAt:        time.Now().UnixMilli(),
	})
}

func (p *wsPresence) OnSync(h func(map[string]MemberState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onSync = append(p.onSync, h)
}

func (p *wsPresence) OnJoin(h func(string, MemberState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onJoin = append(p.onJoin, h)
}

func (p *wsPresence) OnLeave(h func(string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onLeave = append(p.onLeave, h)
}

func (p *wsPresence) deliverSync(members map[string]MemberState) {
	p.mu.Lock()
	hs := append([]func(map[string]MemberState){}, p.onSync...)
	p.mu.Unlock()
	for _, h := range hs {
		h(members)
	}
}

func (p *wsPresence) deliverJoin(id string, st MemberState) {
	p.mu.Lock()
	hs := append([]func(string, MemberState){}, p.onJoin...)
	p.mu.Unlock()
	for _, h := range hs {
		h(id, st)
	}
}

func (p *wsPresence) deliverLeave(id string) {
	p.mu.Lock()
	hs := append([]func(string){}, p.onLeave...)
	p.mu.Unlock()
	for _, h := range hs {
		h(id)
	}
}
