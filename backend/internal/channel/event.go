package channel

import (
	"encoding/json"
	"errors"
	"fmt"

	"roomsync/backend/internal/crdt"
)

// 广播事件名（封闭集合）。新增事件必须同时加到 DecodeEvent 的 switch 里，
// 否则解码直接报错，属于编译期/测试期就能发现的遗漏。
const (
	EventTextOp      = "text_op"
	EventCodeChange  = "code_change"
	EventFileCreated = "file_created"
	EventFileRenamed = "file_renamed"
	EventFileDeleted = "file_deleted"
	EventHeartbeat   = "heartbeat"
)

var ErrUnknownEvent = errors.New("UNKNOWN_EVENT")

// Event 出站/入站广播事件接口（参考 ws.OutboundMessage 的写法）
type Event interface {
	EventName() string
}

func (TextOpEvent) EventName() string      { return EventTextOp }
func (CodeChangeEvent) EventName() string  { return EventCodeChange }
func (FileCreatedEvent) EventName() string { return EventFileCreated }
func (FileRenamedEvent) EventName() string { return EventFileRenamed }
func (FileDeletedEvent) EventName() string { return EventFileDeleted }
func (HeartbeatEvent) EventName() string   { return EventHeartbeat }

// FileInfo 房间文件的线上表示。
// 注意：文件处于协作编辑状态时，Content 只是最近一次落盘的内容，
// 真实内容在对应的 crdt.Doc 里。
type FileInfo struct {
	ID       int64  `json:"id"` // 创建序唯一（毫秒时间戳）
	Name     string `json:"name"`
	Language string `json:"language"`
	Content  string `json:"content"`
}

// TextOpEvent 字符级合并操作（CRDT 路径）
type TextOpEvent struct {
	FileID int64     `json:"fileId"`
	Ops    []crdt.Op `json:"ops"`
}

// CodeChangeEvent 整文件覆盖（LWW 路径，仅用于尚未开启协作会话的文件）
type CodeChangeEvent struct {
	FileID    int64  `json:"fileId"`
	Code      string `json:"code"`
	Timestamp int64  `json:"timestamp"` // 毫秒，接收端用高水位去重
}

type FileCreatedEvent struct {
	File FileInfo `json:"file"`
}

type FileRenamedEvent struct {
	FileID  int64  `json:"fileId"`
	NewName string `json:"newName"`
}

type FileDeletedEvent struct {
	FileID int64 `json:"fileId"`
}

type HeartbeatEvent struct {
	Timestamp int64 `json:"timestamp"`
}

// EncodeEvent 把事件编码成 (事件名, payload) 二元组，放进 Envelope
func EncodeEvent(ev Event) (string, json.RawMessage, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return "", nil, err
	}
	return ev.EventName(), b, nil
}

// DecodeEvent 按事件名穷举解码。未知事件名一律报错，不做动态兜底。
func DecodeEvent(name string, payload json.RawMessage) (Event, error) {
	var ev Event
	switch name {
	case EventTextOp:
		ev = &TextOpEvent{}
	case EventCodeChange:
		ev = &CodeChangeEvent{}
	case EventFileCreated:
		ev = &FileCreatedEvent{}
	case EventFileRenamed:
		ev = &FileRenamedEvent{}
	case EventFileDeleted:
		ev = &FileDeletedEvent{}
	case EventHeartbeat:
		ev = &HeartbeatEvent{}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, name)
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, ev); err != nil {
			return nil, err
		}
	}
	switch v := ev.(type) {
	case *TextOpEvent:
		return *v, nil
	case *CodeChangeEvent:
		return *v, nil
	case *FileCreatedEvent:
		return *v, nil
	case *FileRenamedEvent:
		return *v, nil
	case *FileDeletedEvent:
		return *v, nil
	case *HeartbeatEvent:
		return *v, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, name)
}
