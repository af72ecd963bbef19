package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-sql-driver/mysql"
)

// SnapshotHistory 追加式快照历史表：每次成功落盘顺手留一行，
// 供审计/回滚用。尽力而为，失败不影响主链路。
type SnapshotHistory struct{ db *sql.DB }

func NewSnapshotHistory(db *sql.DB) *SnapshotHistory {
	return &SnapshotHistory{db: db}
}

func (s *SnapshotHistory) Record(ctx context.Context, roomID string, version uint64, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO room_snapshots (room_id, version, content)
		VALUES (?, ?, ?)`,
		roomID,
		version,
		content,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			// 同版本重复写入：另一参与者已经留过档，算成功
			return nil
		}
		return err
	}
	return nil
}
