package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/npezzotti/go-relay/internal/auth"
	"github.com/npezzotti/go-relay/internal/database"
	"github.com/npezzotti/go-relay/internal/types"
)

const (
	FrameAuth       = "auth"
	FrameJoin       = "join"
	FrameLeave      = "leave"
	FrameCiphertext = "ciphertext"
	FrameJoined     = "joined"
	FrameLeft       = "left"
	FrameDelivered  = "delivered"
	FrameError      = "error"
)

const (
	maxMessageIdLen = 128
	maxRoomIdLen    = 128
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrInvalidRoom    = errors.New("invalid room")
	ErrNotJoined      = errors.New("not joined to room")
)

// ClientFrame is any frame a client may send. Which fields are meaningful
// depends on Type.
type ClientFrame struct {
	Type       string `json:"type"`
	Id         string `json:"id,omitempty"`
	RoomId     string `json:"roomId,omitempty"`
	Ciphertext string `json:"ciphertext,omitempty"`
	Timestamp  *int64 `json:"timestamp,omitempty"`
	Token      string `json:"token,omitempty"`
}

type ServerFrame struct {
	Type       string `json:"type"`
	Id         string `json:"id,omitempty"`
	RoomId     string `json:"roomId,omitempty"`
	Ciphertext string `json:"ciphertext,omitempty"`
	From       string `json:"from,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"`
	Message    string `json:"message,omitempty"`

	// terminal frames are the last thing written before the socket is closed
	terminal bool
}

func parseFrame(raw []byte) (*ClientFrame, error) {
	var frame ClientFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if frame.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}

	return &frame, nil
}

func serializeFrame(frame *ServerFrame) ([]byte, error) {
	return json.Marshal(frame)
}

func JoinedFrame(roomId string) *ServerFrame {
	return &ServerFrame{Type: FrameJoined, RoomId: roomId}
}

func LeftFrame(roomId string) *ServerFrame {
	return &ServerFrame{Type: FrameLeft, RoomId: roomId}
}

// CiphertextFrame is the relayed copy of msg sent to the other members.
func CiphertextFrame(msg types.Message) *ServerFrame {
	return &ServerFrame{
		Type:       FrameCiphertext,
		Id:         msg.Id,
		RoomId:     msg.RoomId,
		Ciphertext: msg.Ciphertext,
		From:       msg.SenderId,
		Timestamp:  types.UnixMilli(msg.SentAt),
	}
}

func DeliveredFrame(msg types.Message, at time.Time) *ServerFrame {
	return &ServerFrame{
		Type:      FrameDelivered,
		Id:        msg.Id,
		RoomId:    msg.RoomId,
		Timestamp: types.UnixMilli(at),
	}
}

// ErrorFrame reports err to the client. Store failures are reported without
// their underlying cause.
func ErrorFrame(err error) *ServerFrame {
	return &ServerFrame{Type: FrameError, Message: errorMessage(err)}
}

func errorMessage(err error) string {
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		return auth.ErrUnauthenticated.Error()
	case errors.Is(err, database.ErrStoreUnavailable):
		return database.ErrStoreUnavailable.Error()
	case errors.Is(err, database.ErrMessageIdConflict):
		return "duplicate message id"
	case errors.Is(err, ErrMalformedFrame),
		errors.Is(err, ErrInvalidRoom),
		errors.Is(err, ErrNotJoined):
		return err.Error()
	default:
		return "internal error"
	}
}

// Now returns the current time truncated to the wire precision.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
