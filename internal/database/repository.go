package database

import (
	"context"
	"errors"
	"time"

	"github.com/npezzotti/go-relay/internal/types"
)

var (
	ErrStoreUnavailable = errors.New("message store unavailable")
	// ErrDuplicateMessage is returned by Append when the room already holds a
	// message with the same id. Nothing is written in that case.
	ErrDuplicateMessage = errors.New("duplicate message id")
	// ErrMessageIdConflict is returned by Append when the id is already taken
	// in the room by a message from another sender or with other content.
	ErrMessageIdConflict = errors.New("message id already in use")
)

// MessageStore is the durable, append-only message log backing history replay.
type MessageStore interface {
	// Append persists msg. A replay of a stored message (same id, sender and
	// ciphertext) yields ErrDuplicateMessage; any other reuse of the id yields
	// ErrMessageIdConflict.
	Append(ctx context.Context, msg types.Message) error
	// History returns the messages of a room with SentAt after since, ascending
	// by SentAt with ties in insertion order. A zero since returns everything.
	History(ctx context.Context, roomId string, since time.Time) ([]types.Message, error)
	Ping(ctx context.Context) error
	Close() error
}

// MembershipStore records the long-lived user to room relation. It is
// independent of who is connected right now.
type MembershipStore interface {
	RecordJoin(ctx context.Context, userId, roomId string, at time.Time) error
}

type Store interface {
	MessageStore
	MembershipStore
}

// unavailable tags err as a store outage while keeping the cause.
func unavailable(err error) error {
	return errors.Join(ErrStoreUnavailable, err)
}

// duplicateOf classifies an id collision between a stored message and msg.
func duplicateOf(stored, msg types.Message) error {
	if stored.SenderId == msg.SenderId && stored.Ciphertext == msg.Ciphertext {
		return ErrDuplicateMessage
	}
	return ErrMessageIdConflict
}
