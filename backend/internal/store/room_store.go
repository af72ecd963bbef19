package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrRoomNotFound = errors.New("ROOM_NOT_FOUND")

// RoomRecord rooms 表：一房间一行，version 是唯一的并发控制标记
// （乐观、快照粒度的最后写入者赢，无服务端 CAS——已知限制）。
type RoomRecord struct {
	ID        string    `gorm:"primaryKey;size:64"`
	Content   string    `gorm:"type:longtext"`
	Version   uint64    `gorm:"not null;default:0"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (RoomRecord) TableName() string { return "rooms" }

// RoomStore 房间快照存储接口（持久层唯一入口）
type RoomStore interface {
	GetRoom(ctx context.Context, roomID string) (*RoomRecord, error)
	UpsertRoom(ctx context.Context, roomID, content string, version uint64, updatedAt time.Time) error
}

type gormRoomStore struct{ db *gorm.DB }

func NewRoomStore(db *gorm.DB) RoomStore {
	return &gormRoomStore{db: db}
}

// InitMySQL 打开 gorm 连接并建表
func InitMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&RoomRecord{}); err != nil {
		return nil, err
	}
	return db, nil
}

func (s *gormRoomStore) GetRoom(ctx context.Context, roomID string) (*RoomRecord, error) {
	var rec RoomRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", roomID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// UpsertRoom 按房间 id 整行覆盖（onConflict: update）
func (s *gormRoomStore) UpsertRoom(ctx context.Context, roomID, content string, version uint64, updatedAt time.Time) error {
	rec := RoomRecord{ID: roomID, Content: content, Version: version, UpdatedAt: updatedAt}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"content", "version", "updated_at"}),
	}).Create(&rec).Error
}
