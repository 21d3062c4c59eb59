package server

import (
	"encoding/json"
	"net/http"
	"slices"
	"sync"

	"github.com/omochice/roomchat/pkg/protocol"
	"go.uber.org/zap"
)

// roomLog keeps the most recent messages of every room.
type roomLog struct {
	mu    sync.RWMutex
	limit int
	rooms map[string][]protocol.Message
}

func newRoomLog(limit int) *roomLog {
	return &roomLog{limit: limit, rooms: make(map[string][]protocol.Message)}
}

func (l *roomLog) add(room string, msg protocol.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	msgs := append(l.rooms[room], msg)
	if l.limit > 0 && len(msgs) > l.limit {
		msgs = slices.Clone(msgs[len(msgs)-l.limit:])
	}
	l.rooms[room] = msgs
}

func (l *roomLog) messages(room string) []protocol.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.rooms[room])
}

type messagesResponse struct {
	Payload []protocol.Message `json:"payload"`
}

// handleMessages serves GET /messages?chat_id=R.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	room := r.URL.Query().Get("chat_id")
	if room == "" {
		http.Error(w, "chat_id is required", http.StatusBadRequest)
		return
	}
	msgs := s.rooms.messages(room)
	if msgs == nil {
		msgs = []protocol.Message{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(messagesResponse{Payload: msgs}); err != nil {
		s.logger.Debug("failed to write history", zap.Error(err))
	}
}
