package routes

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"proofwork/models"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamBuffer       = 64
	backlogPageSize    = 200
	streamPollInterval = 2 * time.Second
)

// Hub fans audit events out to connected admin streams. Slow consumers are
// dropped rather than allowed to stall the publisher.
type Hub struct {
	mu   sync.Mutex
	subs map[chan models.AuditEvent]struct{}
}

// NewHub builds an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan models.AuditEvent]struct{})}
}

// Publish delivers an event to every live subscriber without blocking.
func (h *Hub) Publish(evt models.AuditEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
			delete(h.subs, ch)
			close(ch)
		}
	}
}

// Subscribe registers a consumer; cancel must be called when done.
func (h *Hub) Subscribe() (<-chan models.AuditEvent, func()) {
	ch := make(chan models.AuditEvent, streamBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	cancel := func() {
		h.mu.Lock()
		if _, live := h.subs[ch]; live {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// streamEvents replays the audit trail from an optional cursor, then follows
// live publishes over the socket.
func (a *api) streamEvents(w http.ResponseWriter, r *http.Request) {
	var afterID uint64
	if cursor := strings.TrimSpace(r.URL.Query().Get("cursor")); cursor != "" {
		parsed, err := strconv.ParseUint(cursor, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "schema", "cursor must be a numeric event id")
			return
		}
		afterID = parsed
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	if err := a.streamAudit(r.Context(), conn, uint(afterID)); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (a *api) streamAudit(ctx context.Context, conn *websocket.Conn, afterID uint) error {
	updates, cancel := a.Stream.Subscribe()
	defer cancel()

	// Backlog first; anything published meanwhile queues in the channel.
	afterID, err := a.drainAuditBacklog(ctx, conn, afterID)
	if err != nil {
		return err
	}

	// Audit rows land in storage transactions, not through the hub, so a
	// poll backs up the publish path.
	ticker := time.NewTicker(streamPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-updates:
			if !ok {
				return nil
			}
			if evt.ID <= afterID {
				continue
			}
			if err := writeAuditEvent(ctx, conn, evt); err != nil {
				return err
			}
			afterID = evt.ID
		case <-ticker.C:
			afterID, err = a.drainAuditBacklog(ctx, conn, afterID)
			if err != nil {
				return err
			}
		}
	}
}

// drainAuditBacklog pages stored events after the cursor and returns the
// advanced cursor.
func (a *api) drainAuditBacklog(ctx context.Context, conn *websocket.Conn, afterID uint) (uint, error) {
	for {
		page, err := a.Store.ListAuditEvents(afterID, backlogPageSize)
		if err != nil {
			return afterID, err
		}
		for i := range page {
			if err := writeAuditEvent(ctx, conn, page[i]); err != nil {
				return afterID, err
			}
			afterID = page[i].ID
		}
		if len(page) < backlogPageSize {
			return afterID, nil
		}
	}
}

func writeAuditEvent(ctx context.Context, conn *websocket.Conn, evt models.AuditEvent) error {
	data, err := json.Marshal(map[string]any{
		"eventId":   evt.ID,
		"actor":     evt.Actor,
		"action":    evt.Action,
		"entityId":  evt.EntityID,
		"orgId":     evt.OrgID,
		"notes":     evt.Notes,
		"createdAt": evt.CreatedAt,
	})
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
