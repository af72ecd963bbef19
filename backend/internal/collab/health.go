package collab

import (
	"context"
	"log"
	"sync"
	"time"

	"roomsync/backend/internal/channel"
)

// ConnState 连接健康状态机的四个状态
type ConnState string

const (
	StateConnecting   ConnState = "CONNECTING"   // 首次订阅进行中
	StateConnected    ConnState = "CONNECTED"    // 订阅成功，心跳正常
	StateDegraded     ConnState = "DEGRADED"     // 本机网络离线，暂停心跳
	StateReconnecting ConnState = "RECONNECTING" // 已判死，等待重建
)

const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultReconnectDelay    = time.Second
)

// Reachability 本机网络可达性探针
type Reachability interface {
	Online() bool
}

// AlwaysOnline 无探针环境（服务器侧、测试）的缺省实现
type AlwaysOnline struct{}

func (AlwaysOnline) Online() bool { return true }

// Monitor 连接健康监视器。合法迁移收敛在 transition 一处：
//
//	CONNECTING   -> CONNECTED | RECONNECTING
//	CONNECTED    -> DEGRADED | RECONNECTING
//	DEGRADED     -> CONNECTED | RECONNECTING
//	RECONNECTING -> CONNECTING
//
// 判死（心跳广播失败或频道 CLOSED）后等 1 秒重建，重建失败继续判死重来。
type Monitor struct {
	mu        sync.Mutex
	state     ConnState
	ch        channel.Channel
	reach     Reachability
	interval  time.Duration
	delay     time.Duration
	rebuild   func(ctx context.Context) error
	onState   []func(ConnState)
	stopBeat  chan struct{}
	closed    bool
	reconnGen int // 递增代号，吞掉过期的延迟重建
}

// NewMonitor rebuild 负责拆旧建新：重新订阅、重挂处理器、补发队列。
// 由上层（RoomSession）注入。
func NewMonitor(reach Reachability, rebuild func(ctx context.Context) error) *Monitor {
	if reach == nil {
		reach = AlwaysOnline{}
	}
	return &Monitor{
		state:    StateConnecting,
		reach:    reach,
		interval: DefaultHeartbeatInterval,
		delay:    DefaultReconnectDelay,
		rebuild:  rebuild,
	}
}

func (m *Monitor) OnStateChange(f func(ConnState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = append(m.onState, f)
}

func (m *Monitor) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// transition 唯一的状态迁移入口。非法迁移记日志并拒绝。
func (m *Monitor) transition(to ConnState) bool {
	m.mu.Lock()
	from := m.state
	ok := false
	switch from {
	case StateConnecting:
		ok = to == StateConnected || to == StateReconnecting
	case StateConnected:
		ok = to == StateDegraded || to == StateReconnecting
	case StateDegraded:
		ok = to == StateConnected || to == StateReconnecting
	case StateReconnecting:
		ok = to == StateConnecting
	}
	if !ok || m.closed {
		m.mu.Unlock()
		if !ok {
			log.Printf("reject connection state transition %s -> %s", from, to)
		}
		return false
	}
	m.state = to
	hs := append([]func(ConnState){}, m.onState...)
	m.mu.Unlock()

	for _, h := range hs {
		h(to)
	}
	return true
}

// Attach 订阅成功后挂接新频道：进入 CONNECTED 并重启心跳循环。
// 频道 CLOSED 回调也在这里接上。
func (m *Monitor) Attach(ch channel.Channel) {
	m.mu.Lock()
	if m.stopBeat != nil {
		close(m.stopBeat)
	}
	stop := make(chan struct{})
	m.stopBeat = stop
	m.ch = ch
	m.mu.Unlock()

	m.transition(StateConnected)
	go m.beatLoop(ch, stop)
}

// OnChannelStatus 接频道的订阅状态回调
func (m *Monitor) OnChannelStatus(st channel.Status) {
	switch st {
	case channel.StatusClosed, channel.StatusError:
		m.declareDead()
	}
}

func (m *Monitor) beatLoop(ch channel.Channel, stop chan struct{}) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !m.reach.Online() {
				// 本机离线：不发注定失败的心跳，也不急着重建
				m.transition(StateDegraded)
				continue
			}
			if m.State() == StateDegraded {
				m.transition(StateConnected) // 本机网络恢复
			}
			err := ch.Broadcast(context.Background(), channel.HeartbeatEvent{
				Timestamp: time.Now().UnixMilli(),
			})
			if err != nil {
				log.Printf("heartbeat failed, declaring connection dead: %v", err)
				m.declareDead()
				return
			}
		}
	}
}

// declareDead 判死：停心跳，1 秒后重建
func (m *Monitor) declareDead() {
	if !m.transition(StateReconnecting) {
		return // 已经在重连路上
	}
	m.mu.Lock()
	if m.stopBeat != nil {
		close(m.stopBeat)
		m.stopBeat = nil
	}
	m.reconnGen++
	gen := m.reconnGen
	m.mu.Unlock()

	time.AfterFunc(m.delay, func() { m.tryRebuild(gen) })
}

func (m *Monitor) tryRebuild(gen int) {
	m.mu.Lock()
	if m.closed || gen != m.reconnGen {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if !m.transition(StateConnecting) {
		return
	}
	if err := m.rebuild(context.Background()); err != nil {
		log.Printf("rebuild connection failed, will retry: %v", err)
		m.declareDead()
	}
	// 成功路径由 rebuild 内部调用 Attach 完成 CONNECTED 迁移
}

// Close 停掉心跳并冻结状态机
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.reconnGen++
	if m.stopBeat != nil {
		close(m.stopBeat)
		m.stopBeat = nil
	}
}
