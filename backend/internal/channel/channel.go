package channel

import (
	"context"
	"encoding/json"
	"errors"
)

// 频道订阅状态（对应 supabase 风格的 SUBSCRIBED / CLOSED / CHANNEL_ERROR）
type Status string

const (
	StatusSubscribed Status = "SUBSCRIBED"
	StatusClosed     Status = "CLOSED"
	StatusError      Status = "CHANNEL_ERROR"
)

var (
	ErrChannelClosed  = errors.New("CHANNEL_CLOSED")
	ErrNotSubscribed  = errors.New("NOT_SUBSCRIBED")
	ErrBroadcastReach = errors.New("BROADCAST_UNREACHABLE")
)

// EventAll 通配事件名，OnBroadcast 注册后可收到全部广播
const EventAll = "*"

// CursorPos 光标位置（行列从 1 开始，和编辑器保持一致）
type CursorPos struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

type SelectionRange struct {
	StartLine   int `json:"startLine"`
	StartColumn int `json:"startColumn"`
	EndLine     int `json:"endLine"`
	EndColumn   int `json:"endColumn"`
}

// MemberState 成员的临时状态，走 presence 子协议，不进合并日志、不落库
type MemberState struct {
	UserID    string          `json:"userId"`
	Name      string          `json:"name"`
	Color     string          `json:"color"`
	Cursor    *CursorPos      `json:"cursor,omitempty"`
	Selection *SelectionRange `json:"selection,omitempty"`
	Typing    bool            `json:"typing"`
}

// Presence 频道的 presence 子协议
type Presence interface {
	// Track 宣告/更新本端状态（订阅或重订阅后都要重新 Track 一次）
	Track(ctx context.Context, st MemberState) error
	OnSync(h func(members map[string]MemberState))
	OnJoin(h func(participantID string, st MemberState))
	OnLeave(h func(participantID string))
}

// Channel 按房间命名的可订阅 pub/sub 频道。上层组件只依赖这个接口，
// 不关心背后是进程内 broker 还是 websocket 中继。
type Channel interface {
	Name() string
	Broadcast(ctx context.Context, ev Event) error
	// OnBroadcast 注册某事件名的处理器，EventAll 为通配。
	// origin 是发起者 participantId；本端自己的广播不会回投（自回声抑制）。
	OnBroadcast(event string, h func(origin string, ev Event))
	// OnSyncComplete 在加入房间、历史回放结束后触发一次
	OnSyncComplete(h func())
	Presence() Presence
	Subscribe(ctx context.Context, onStatus func(Status)) error
	Unsubscribe() error
}

// Factory 频道工厂。重连时健康监控会用它重建一条全新的频道。
type Factory interface {
	Channel(room, participantID string) Channel
}

// Envelope 线缆帧。broadcast / presence 两类子协议共用一个信封结构，
// 靠 Type 区分（动态 payload 只保留在 Payload 一个字段里，解码见 DecodeEvent）。
type Envelope struct {
	Type          string                 `json:"type"` // 见下方 Frame* 常量
	Room          string                 `json:"room,omitempty"`
	Event         string                 `json:"event,omitempty"`
	Origin        string                 `json:"origin,omitempty"`
	Payload       json.RawMessage        `json:"payload,omitempty"`
	ParticipantID string                 `json:"participantId,omitempty"`
	State         *MemberState           `json:"state,omitempty"`
	Members       map[string]MemberState `json:"members,omitempty"`
	SentAt        int64                  `json:"sentAt,omitempty"`
}

const (
	FrameBroadcast     = "broadcast"
	FramePresenceTrack = "presence_track"
	FramePresenceSync  = "presence_sync"
	FramePresenceJoin  = "presence_join"
	FramePresenceLeave = "presence_leave"
	FrameSyncComplete  = "sync_complete"
)
