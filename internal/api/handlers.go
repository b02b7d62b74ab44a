package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-relay/internal/database"
	"github.com/npezzotti/go-relay/internal/logging"
	"github.com/npezzotti/go-relay/internal/types"
)

const healthTimeout = 2 * time.Second

// HistoryMessage is one entry of a room's history, shaped like a relayed
// ciphertext frame.
type HistoryMessage struct {
	Id         string `json:"id"`
	RoomId     string `json:"roomId"`
	From       string `json:"from"`
	Ciphertext string `json:"ciphertext"`
	Timestamp  int64  `json:"timestamp"`
}

func (s *RelayApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("json encode")
	}
}

func (s *RelayApp) getMessages(w http.ResponseWriter, r *http.Request) {
	roomId := r.PathValue("roomId")

	var since int64
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		var err error
		since, err = strconv.ParseInt(sinceStr, 10, 64)
		if err != nil || since < 0 {
			errResp := NewBadRequestError(fmt.Errorf("invalid since %q", sinceStr))
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	messages, err := s.store.History(r.Context(), roomId, types.FromUnixMilli(since))
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, database.ErrStoreUnavailable) {
			errResp = NewServiceUnavailableError(err)
		} else {
			errResp = NewInternalServerError(err)
		}
		s.log.Error().Err(err).Str(logging.FieldRoomId, roomId).Msg("failed to read history")
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	history := make([]HistoryMessage, 0, len(messages))
	for _, msg := range messages {
		history = append(history, HistoryMessage{
			Id:         msg.Id,
			RoomId:     msg.RoomId,
			From:       msg.SenderId,
			Ciphertext: msg.Ciphertext,
			Timestamp:  types.UnixMilli(msg.SentAt),
		})
	}

	s.writeJson(w, http.StatusOK, history)
}

func (s *RelayApp) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.log.Warn().Err(err).Msg("health check failed")
		errResp := NewServiceUnavailableError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, map[string]string{"status": "ok"})
}

// serveWs upgrades the connection and hands it to the relay. The token is
// verified by the session so that a bad token is answered with an error
// frame rather than an HTTP status.
func (s *RelayApp) serveWs(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// non-browser clients send no origin
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("error upgrading connection")
		return
	}

	if _, err := s.relay.Serve(conn, bearerToken(r)); err != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(time.Second))
		conn.Close()
	}
}
