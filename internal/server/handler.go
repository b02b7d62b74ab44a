package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/go-relay/internal/database"
	"github.com/npezzotti/go-relay/internal/logging"
	"github.com/npezzotti/go-relay/internal/stats"
	"github.com/npezzotti/go-relay/internal/types"
)

// ProtocolHandler applies authenticated session frames to the registry and
// the store. It runs on the sending session's read goroutine, so frames from
// one session are handled strictly in order.
type ProtocolHandler struct {
	registry *RoomRegistry
	store    database.Store
	stats    stats.StatsProvider
	now      func() time.Time
}

func NewProtocolHandler(registry *RoomRegistry, store database.Store, st stats.StatsProvider) *ProtocolHandler {
	return &ProtocolHandler{
		registry: registry,
		store:    store,
		stats:    st,
		now:      Now,
	}
}

func (h *ProtocolHandler) Handle(s *Session, raw []byte) {
	frame, err := parseFrame(raw)
	if err != nil {
		s.log.Debug().Err(err).Msg("rejecting frame")
		s.queueMessage(ErrorFrame(err))
		return
	}

	switch frame.Type {
	case FrameJoin:
		h.join(s, frame)
	case FrameLeave:
		h.leave(s, frame)
	case FrameCiphertext:
		h.ciphertext(s, frame)
	case FrameAuth:
		s.queueMessage(ErrorFrame(fmt.Errorf("%w: already authenticated", ErrMalformedFrame)))
	default:
		s.queueMessage(ErrorFrame(fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, frame.Type)))
	}
}

func validateRoomId(roomId string) error {
	if roomId == "" {
		return fmt.Errorf("%w: missing roomId", ErrMalformedFrame)
	}
	if len(roomId) > maxRoomIdLen {
		return fmt.Errorf("%w: roomId too long", ErrInvalidRoom)
	}
	return nil
}

func (h *ProtocolHandler) join(s *Session, frame *ClientFrame) {
	if err := validateRoomId(frame.RoomId); err != nil {
		s.queueMessage(ErrorFrame(err))
		return
	}

	log := s.log.With().Str(logging.FieldRoomId, frame.RoomId).Logger()
	added := h.registry.Join(frame.RoomId, s)
	s.trackJoin(frame.RoomId)

	if added {
		log.Info().Msg("joined room")
		if err := h.store.RecordJoin(s.ctx, s.user.Id, frame.RoomId, h.now()); err != nil {
			h.stats.Incr(stats.StoreErrors)
			log.Warn().Err(err).Msg("failed to record room membership")
		}
	}

	s.queueMessage(JoinedFrame(frame.RoomId))
}

func (h *ProtocolHandler) leave(s *Session, frame *ClientFrame) {
	roomId := frame.RoomId
	if roomId == "" {
		roomId = s.CurrentRoom()
	}
	if err := validateRoomId(roomId); err != nil {
		s.queueMessage(ErrorFrame(err))
		return
	}

	if !h.registry.Leave(roomId, s) {
		errFrame := ErrorFrame(ErrNotJoined)
		errFrame.RoomId = roomId
		s.queueMessage(errFrame)
		return
	}
	s.trackLeave(roomId)

	s.log.Info().Str(logging.FieldRoomId, roomId).Msg("left room")
	s.queueMessage(LeftFrame(roomId))
}

func (h *ProtocolHandler) ciphertext(s *Session, frame *ClientFrame) {
	msg, err := h.newMessage(s, frame)
	if err != nil {
		errFrame := ErrorFrame(err)
		errFrame.Id = frame.Id
		errFrame.RoomId = frame.RoomId
		s.queueMessage(errFrame)
		return
	}

	log := s.log.With().
		Str(logging.FieldRoomId, msg.RoomId).
		Str(logging.FieldMessageId, msg.Id).
		Logger()

	if err := h.store.Append(s.ctx, msg); err != nil {
		if errors.Is(err, database.ErrDuplicateMessage) {
			// already persisted and relayed once; acknowledge again without fan-out
			log.Debug().Msg("duplicate message id")
			s.queueMessage(DeliveredFrame(msg, h.now()))
			return
		}
		if errors.Is(err, database.ErrMessageIdConflict) {
			log.Warn().Msg("message id already used by another message")
			errFrame := ErrorFrame(err)
			errFrame.Id = msg.Id
			errFrame.RoomId = msg.RoomId
			s.queueMessage(errFrame)
			return
		}

		h.stats.Incr(stats.StoreErrors)
		log.Error().Err(err).Msg("failed to persist message")
		errFrame := ErrorFrame(fmt.Errorf("%w: %v", database.ErrStoreUnavailable, err))
		errFrame.Id = msg.Id
		errFrame.RoomId = msg.RoomId
		s.queueMessage(errFrame)
		return
	}

	queued, dropped := h.registry.Fanout(msg.RoomId, s, CiphertextFrame(msg))
	h.stats.Incr(stats.MessagesRelayed)
	for i := 0; i < dropped; i++ {
		h.stats.Incr(stats.FanoutDropped)
	}
	log.Debug().Int("recipients", queued).Int("dropped", dropped).Msg("message relayed")

	s.queueMessage(DeliveredFrame(msg, h.now()))
}

// newMessage validates a ciphertext frame and builds the message it carries.
func (h *ProtocolHandler) newMessage(s *Session, frame *ClientFrame) (types.Message, error) {
	roomId := frame.RoomId
	if roomId == "" {
		roomId = s.CurrentRoom()
	}
	if err := validateRoomId(roomId); err != nil {
		return types.Message{}, err
	}
	if frame.Ciphertext == "" {
		return types.Message{}, fmt.Errorf("%w: missing ciphertext", ErrMalformedFrame)
	}
	if len(frame.Id) > maxMessageIdLen {
		return types.Message{}, fmt.Errorf("%w: id too long", ErrMalformedFrame)
	}
	if !h.registry.IsMember(roomId, s) {
		return types.Message{}, fmt.Errorf("%w %q", ErrNotJoined, roomId)
	}

	id := frame.Id
	if id == "" {
		id = uuid.NewString()
	}

	sentAt := h.now()
	if frame.Timestamp != nil && *frame.Timestamp > 0 {
		sentAt = types.FromUnixMilli(*frame.Timestamp)
	}

	return types.Message{
		Id:         id,
		RoomId:     roomId,
		SenderId:   s.user.Id,
		Ciphertext: frame.Ciphertext,
		SentAt:     sentAt,
	}, nil
}
