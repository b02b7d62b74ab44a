package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/npezzotti/go-relay/internal/types"
)

const (
	appendMessageQuery = "INSERT INTO messages (room_id, id, sender_id, ciphertext, sent_at) " +
		"VALUES ($1, $2, $3, $4, $5) ON CONFLICT (room_id, id) DO NOTHING"
	historyQuery = "SELECT id, room_id, sender_id, ciphertext, sent_at FROM messages " +
		"WHERE room_id = $1 AND sent_at > $2 ORDER BY sent_at ASC, seq ASC"
	recordJoinQuery = "INSERT INTO user_rooms (user_id, room_id, joined_at) " +
		"VALUES ($1, $2, $3) ON CONFLICT (user_id, room_id) DO NOTHING"
)

const existingMessageQuery = "SELECT sender_id, ciphertext FROM messages WHERE room_id = $1 AND id = $2"

type PgMessageStore struct {
	conn *sql.DB
}

func NewPgMessageStore(dsn string) (*PgMessageStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	return &PgMessageStore{conn: db}, nil
}

func (db *PgMessageStore) Append(ctx context.Context, msg types.Message) error {
	res, err := db.conn.ExecContext(ctx, appendMessageQuery,
		msg.RoomId,
		msg.Id,
		msg.SenderId,
		msg.Ciphertext,
		types.UnixMilli(msg.SentAt),
	)
	if err != nil {
		return unavailable(err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return unavailable(err)
	}
	if n == 0 {
		var stored types.Message
		err := db.conn.QueryRowContext(ctx, existingMessageQuery, msg.RoomId, msg.Id).
			Scan(&stored.SenderId, &stored.Ciphertext)
		if err != nil {
			return unavailable(err)
		}
		return duplicateOf(stored, msg)
	}

	return nil
}

func (db *PgMessageStore) History(ctx context.Context, roomId string, since time.Time) ([]types.Message, error) {
	rows, err := db.conn.QueryContext(ctx, historyQuery, roomId, types.UnixMilli(since))
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var messages = make([]types.Message, 0)
	for rows.Next() {
		var (
			msg    types.Message
			sentAt int64
		)
		if err := rows.Scan(&msg.Id, &msg.RoomId, &msg.SenderId, &msg.Ciphertext, &sentAt); err != nil {
			return nil, unavailable(err)
		}

		msg.SentAt = types.FromUnixMilli(sentAt)
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}

	return messages, nil
}

func (db *PgMessageStore) RecordJoin(ctx context.Context, userId, roomId string, at time.Time) error {
	if _, err := db.conn.ExecContext(ctx, recordJoinQuery, userId, roomId, types.UnixMilli(at)); err != nil {
		return unavailable(err)
	}
	return nil
}

func (db *PgMessageStore) Ping(ctx context.Context) error {
	if err := db.conn.PingContext(ctx); err != nil {
		return unavailable(err)
	}
	return nil
}

func (db *PgMessageStore) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}
