package archive

import (
	"context"
	"errors"
)

// 默认的在途发送上限
const DefaultGateLimit = 100

var (
	ErrGateTimeout = errors.New("GATE_ACQUIRE_TIMEOUT")
	ErrGateRelease = errors.New("GATE_RELEASE_WITHOUT_ACQUIRE")
)

// Gate 限制同时在途的 kafka SendMessage 数量，
// 防止 worker 把瞬时拥塞放大成对 broker 的连接风暴
type Gate struct {
	slots chan struct{}
}

func NewGate(limit int) *Gate {
	if limit <= 0 {
		limit = DefaultGateLimit
	}
	return &Gate{slots: make(chan struct{}, limit)}
}

// Acquire 占一个发送额度，额度满时阻塞到 ctx 取消
func (g *Gate) Acquire(ctx context.Context) error {
	select {
	case g.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ErrGateTimeout
	}
}

// Release 归还额度。没占过额度的归还是调用方的 bug，报错不崩溃。
func (g *Gate) Release() error {
	select {
	case <-g.slots:
		return nil
	default:
		return ErrGateRelease
	}
}
