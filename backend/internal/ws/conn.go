package ws

import (
	"context"
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"roomsync/backend/internal/channel"
)

// Conn 一条中继连接：一个参与者在一个房间里的一条 websocket
type Conn struct {
	ws            *websocket.Conn
	hub           *Hub
	room          string
	participantID string
	// send 是这条连接的出站队列；writeLoop 单协程消费，保证逐帧有序。
	// 关闭要和入队互斥：广播转发拿的是加锁前的连接快照，
	// Leave 之后仍可能有帧冲着这条连接来。
	sendMu     sync.Mutex
	sendClosed bool
	send       chan channel.Envelope
}

func NewConn(ws *websocket.Conn, hub *Hub, room, participantID string) *Conn {
	return &Conn{
		ws:            ws,
		hub:           hub,
		room:          room,
		participantID: participantID,
		send:          make(chan channel.Envelope, 32),
	}
}

// Enqueue 入队出站帧。队列满了直接丢——慢消费者不能拖垮整个房间，
// 丢掉的实时帧靠快照和重连后的回放追平。连接已关则静默丢弃。
func (c *Conn) Enqueue(env channel.Envelope) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	select {
	case c.send <- env:
	default:
		log.Printf("send queue full, drop frame (room=%s, participant=%s, type=%s)",
			c.room, c.participantID, env.Type)
	}
}

// closeSend 封死出站队列，之后的 Enqueue 全部丢弃。幂等。
func (c *Conn) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	c.sendClosed = true
	close(c.send)
}

func (c *Conn) ReadLoop(ctx context.Context) {
	defer func() {
		c.hub.Leave(ctx, c)
		c.closeSend()
	}()
	for {
		var env channel.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			log.Printf("read json error (room=%s, participant=%s): %v", c.room, c.participantID, err)
			return
		}
		switch env.Type {
		case channel.FrameBroadcast:
			env.Origin = c.participantID // 不信任客户端自报的 origin
			c.hub.HandleBroadcast(ctx, c, env)
		case channel.FramePresenceTrack:
			c.hub.HandleTrack(ctx, c, env)
		default:
			// 忽略未知帧类型
		}
	}
}

func (c *Conn) WriteLoop() {
	// 持续消费出站队列
	for env := range c.send {
		_ = c.ws.WriteJSON(env)
	}
	_ = c.ws.Close()
}
