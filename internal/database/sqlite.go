package database

import (
	"context"
	"fmt"
	"time"

	"github.com/npezzotti/go-relay/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type messageRow struct {
	Seq        int64  `gorm:"primaryKey;autoIncrement"`
	RoomId     string `gorm:"not null;uniqueIndex:idx_messages_room_id_id;index:idx_messages_room_sent_at,priority:1"`
	MessageId  string `gorm:"column:id;not null;uniqueIndex:idx_messages_room_id_id"`
	SenderId   string `gorm:"not null"`
	Ciphertext string `gorm:"type:text;not null"`
	SentAt     int64  `gorm:"not null;index:idx_messages_room_sent_at,priority:2"`
}

func (messageRow) TableName() string {
	return "messages"
}

type userRoomRow struct {
	UserId   string `gorm:"primaryKey"`
	RoomId   string `gorm:"primaryKey"`
	JoinedAt int64  `gorm:"not null"`
}

func (userRoomRow) TableName() string {
	return "user_rooms"
}

// SQLiteMessageStore keeps the message log in a single SQLite file.
type SQLiteMessageStore struct {
	db *gorm.DB
}

func NewSQLiteMessageStore(path string) (*SQLiteMessageStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get underlying sql.DB: %w", err)
	}
	// sqlite serializes writers; one connection also keeps ":memory:" databases shared
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&messageRow{}, &userRoomRow{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("auto migrate: %w", err)
	}

	return &SQLiteMessageStore{db: db}, nil
}

func (s *SQLiteMessageStore) Append(ctx context.Context, msg types.Message) error {
	row := messageRow{
		RoomId:     msg.RoomId,
		MessageId:  msg.Id,
		SenderId:   msg.SenderId,
		Ciphertext: msg.Ciphertext,
		SentAt:     types.UnixMilli(msg.SentAt),
	}

	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row)
	if res.Error != nil {
		return unavailable(res.Error)
	}
	if res.RowsAffected == 0 {
		var stored messageRow
		err := s.db.WithContext(ctx).
			Where("room_id = ? AND id = ?", msg.RoomId, msg.Id).
			Take(&stored).Error
		if err != nil {
			return unavailable(err)
		}
		return duplicateOf(types.Message{SenderId: stored.SenderId, Ciphertext: stored.Ciphertext}, msg)
	}

	return nil
}

func (s *SQLiteMessageStore) History(ctx context.Context, roomId string, since time.Time) ([]types.Message, error) {
	var rows []messageRow
	err := s.db.WithContext(ctx).
		Where("room_id = ? AND sent_at > ?", roomId, types.UnixMilli(since)).
		Order("sent_at ASC").
		Order("seq ASC").
		Find(&rows).Error
	if err != nil {
		return nil, unavailable(err)
	}

	messages := make([]types.Message, 0, len(rows))
	for _, r := range rows {
		messages = append(messages, types.Message{
			Id:         r.MessageId,
			RoomId:     r.RoomId,
			SenderId:   r.SenderId,
			Ciphertext: r.Ciphertext,
			SentAt:     types.FromUnixMilli(r.SentAt),
		})
	}

	return messages, nil
}

func (s *SQLiteMessageStore) RecordJoin(ctx context.Context, userId, roomId string, at time.Time) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&userRoomRow{UserId: userId, RoomId: roomId, JoinedAt: types.UnixMilli(at)}).Error
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *SQLiteMessageStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return unavailable(err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *SQLiteMessageStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
