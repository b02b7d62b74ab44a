package types

import (
	"time"
)

// UserIdentity is the authenticated principal behind a connection.
type UserIdentity struct {
	Id          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
}

type Message struct {
	Id         string    `json:"id"`
	RoomId     string    `json:"roomId"`
	SenderId   string    `json:"from"`
	Ciphertext string    `json:"ciphertext"`
	SentAt     time.Time `json:"-"`
}

// UnixMilli converts t to the millisecond timestamps used on the wire.
func UnixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromUnixMilli is the inverse of UnixMilli. Zero maps to the zero time.
func FromUnixMilli(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
