package ws

import (
	"testing"

	"roomsync/backend/internal/channel"
)

// 连接拆掉后仍可能有并发转发打过来：广播拿的是加锁前的连接快照。
// 这种帧必须安静丢掉，不能往已关闭的队列里塞。
func TestConn_EnqueueAfterCloseDropsFrame(t *testing.T) {
	c := NewConn(nil, nil, "room", "a")
	c.closeSend()
	c.Enqueue(channel.Envelope{Type: channel.FrameBroadcast, Room: "room"})
	c.closeSend() // 幂等
}

// 队列满时丢帧而不是阻塞
func TestConn_EnqueueFullQueueDrops(t *testing.T) {
	c := NewConn(nil, nil, "room", "a")
	for i := 0; i < 40; i++ {
		c.Enqueue(channel.Envelope{Type: channel.FrameBroadcast})
	}
	if n := len(c.send); n != cap(c.send) {
		t.Fatalf("queue length = %d, want full %d", n, cap(c.send))
	}
}
