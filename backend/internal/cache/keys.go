package cache

import "fmt"

// 键语义：
// - roomKey(roomID):   房间在线成员（ZSet<participantId, expireAtUnix>，score=expireAt）
// - statesKey(roomID): 房间内 participantId→MemberState JSON 映射（Hash）

const (
	keyRoomFmt   = "sync:room:{%s}"       // ZSet<participantId, expireAtUnix>
	keyStatesFmt = "sync:room:state:{%s}" // Hash<participantId -> MemberState JSON>
)

func roomKey(roomID string) string   { return fmt.Sprintf(keyRoomFmt, roomID) }
func statesKey(roomID string) string { return fmt.Sprintf(keyStatesFmt, roomID) }
