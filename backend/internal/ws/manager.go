package ws

import (
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// 全局的WebSocket upgrader（允许本地开发环境的来源）
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

type Manager struct {
	h *Hub
}

func NewManager(h *Hub) *Manager {
	return &Manager{h: h}
}

// WebSocketConnect 升级连接并接入房间。room 和 participant 从查询参数取，
// 两个都缺一不可。
func (m *Manager) WebSocketConnect(c *gin.Context) {
	room := c.Query("room")
	participant := c.Query("participant")
	if room == "" || participant == "" {
		c.String(http.StatusBadRequest, "missing room or participant")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}

	wsConn := NewConn(conn, m.h, room, participant)

	// 先启动写循环，确保 Join 回放的帧可以被及时发送
	go wsConn.WriteLoop()
	m.h.Join(c.Request.Context(), wsConn)

	// 最后再进入读循环（阻塞至连接关闭）
	wsConn.ReadLoop(c.Request.Context())
}
