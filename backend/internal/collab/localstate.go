package collab

import (
	"encoding/binary"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// LocalState 本端持久化的每房间小状态：版本计数器和待同步标记。
// 版本计数器保证重启后继续递增，待同步标记保证挂着失败快照
// 退出后下次启动还能补救。
type LocalState interface {
	Version(roomID string) uint64
	SetVersion(roomID string, v uint64)
	NeedsSync(roomID string) bool
	SetNeedsSync(roomID string, on bool)
}

// MemoryLocalState 纯内存实现，测试和一次性会话用
type MemoryLocalState struct {
	mu       sync.Mutex
	versions map[string]uint64
	dirty    map[string]bool
}

func NewMemoryLocalState() *MemoryLocalState {
	return &MemoryLocalState{
		versions: make(map[string]uint64),
		dirty:    make(map[string]bool),
	}
}

func (m *MemoryLocalState) Version(roomID string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.versions[roomID]
}

func (m *MemoryLocalState) SetVersion(roomID string, v uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.versions[roomID] = v
}

func (m *MemoryLocalState) NeedsSync(roomID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dirty[roomID]
}

func (m *MemoryLocalState) SetNeedsSync(roomID string, on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirty[roomID] = on
}

var (
	bucketVersions  = []byte("versions")
	bucketNeedsSync = []byte("needs_sync")
)

// BoltLocalState bbolt 落盘实现，常驻客户端（room_agent）用
type BoltLocalState struct {
	db *bolt.DB
}

func OpenBoltLocalState(path string) (*BoltLocalState, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketVersions); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketNeedsSync)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltLocalState{db: db}, nil
}

func (b *BoltLocalState) Close() error { return b.db.Close() }

func (b *BoltLocalState) Version(roomID string) uint64 {
	var v uint64
	b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketVersions).Get([]byte(roomID))
		if len(raw) == 8 {
			v = binary.BigEndian.Uint64(raw)
		}
		return nil
	})
	return v
}

func (b *BoltLocalState) SetVersion(roomID string, v uint64) {
	b.db.Update(func(tx *bolt.Tx) error {
		var raw [8]byte
		binary.BigEndian.PutUint64(raw[:], v)
		return tx.Bucket(bucketVersions).Put([]byte(roomID), raw[:])
	})
}

func (b *BoltLocalState) NeedsSync(roomID string) bool {
	var on bool
	b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketNeedsSync).Get([]byte(roomID))
		on = len(raw) == 1 && raw[0] == 1
		return nil
	})
	return on
}

func (b *BoltLocalState) SetNeedsSync(roomID string, on bool) {
	b.db.Update(func(tx *bolt.Tx) error {
		val := []byte{0}
		if on {
			val[0] = 1
		}
		return tx.Bucket(bucketNeedsSync).Put([]byte(roomID), val)
	})
}
