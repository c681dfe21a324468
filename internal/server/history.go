package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/a-essam23/go-relay/internal/server/middleware"
	"github.com/a-essam23/go-relay/pkg/store"
)

// nextCursor is the sequence a client should resume catch-up from. An empty
// page echoes the request cursor so a blind retry does not restart from the
// beginning of the room.
func nextCursor(fromSeq int64, messages []store.Message) int64 {
	if len(messages) == 0 {
		return fromSeq
	}
	return messages[len(messages)-1].Seq + 1
}

// historyHandler serves paged catch-up reads straight from the durable
// store. This is the plain request/response surface; live delivery stays on
// the WebSocket side.
func (a *App) historyHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, ok := middleware.ReqMetadataFrom(r.Context())
	if !ok || reqMeta.UserID == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	roomID := r.PathValue("room")
	member, err := a.store.Membership(r.Context(), reqMeta.UserID, roomID)
	if err != nil {
		a.logger.Error("History membership check failed", slog.Any("error", err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if !member {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	fromSeq, _ := strconv.ParseInt(r.URL.Query().Get("from"), 10, 64)
	if fromSeq < 1 {
		fromSeq = 1
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > a.config.History.PageLimit {
		limit = a.config.History.PageLimit
	}

	messages, err := a.pipeline.History(r.Context(), roomID, fromSeq, limit)
	if err != nil {
		a.logger.Error("History read failed", slog.String("roomID", roomID), slog.Any("error", err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	type historyMessage struct {
		ID      string          `json:"id"`
		Room    string          `json:"room"`
		Sender  string          `json:"sender"`
		Kind    string          `json:"kind"`
		Content json.RawMessage `json:"content"`
		Seq     int64           `json:"seq"`
		SentAt  string          `json:"sentAt"`
	}
	out := make([]historyMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, historyMessage{
			ID:      m.ID,
			Room:    m.Room,
			Sender:  m.Sender,
			Kind:    string(m.Kind),
			Content: m.Content,
			Seq:     m.Seq,
			SentAt:  m.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"messages": out,
		"nextSeq":  nextCursor(fromSeq, messages),
	})
}
