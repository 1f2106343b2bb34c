// Package outbox implements the transactional event log: producers insert
// events inside domain transactions, background dispatchers deliver them to
// registered handlers with at-least-once semantics.
package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"proofwork/core"
	"proofwork/models"
)

// ErrNoHandler reports a topic without a registered handler.
var ErrNoHandler = errors.New("outbox: no handler for topic")

// terminalError marks a handler failure that must not be retried.
type terminalError struct {
	err error
}

func (t terminalError) Error() string { return t.err.Error() }

func (t terminalError) Unwrap() error { return t.err }

// Terminal wraps a handler error so the dispatcher deadletters the event
// instead of retrying.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return terminalError{err: err}
}

// IsTerminal reports whether an error was marked Terminal.
func IsTerminal(err error) bool {
	var t terminalError
	return errors.As(err, &t)
}

// InsertOption adjusts one insert.
type InsertOption func(*models.OutboxEvent)

// WithAvailableAt defers delivery until the given time.
func WithAvailableAt(at time.Time) InsertOption {
	return func(evt *models.OutboxEvent) {
		evt.AvailableAt = at.UTC()
	}
}

// Insert records an event inside the caller's domain transaction. A duplicate
// (topic, idempotency key) collapses to a no-op so each key has at most one
// row. Returns whether a new event was written.
func Insert(tx *gorm.DB, topic, idempotencyKey string, payload any, opts ...InsertOption) (bool, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("outbox: encode payload: %w", err)
	}
	now := time.Now().UTC()
	evt := models.OutboxEvent{
		ID:          core.NewID(core.PrefixOutboxEvent),
		Topic:       topic,
		Payload:     string(encoded),
		Status:      core.OutboxPending,
		AvailableAt: now,
		CreatedAt:   now,
	}
	if idempotencyKey != "" {
		key := idempotencyKey
		evt.IdempotencyKey = &key
	}
	for _, opt := range opts {
		opt(&evt)
	}
	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "topic"}, {Name: "idempotency_key"}},
		DoNothing: true,
	}).Create(&evt)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Requeue revives the event for a (topic, key) pair: status back to pending,
// attempts reset, available immediately. Used when a blocked pipeline becomes
// unblocked (for example after a worker fixes a missing payout address) and
// by the admin retry surface. Returns whether an event was revived.
func Requeue(db *gorm.DB, topic, idempotencyKey string) (bool, error) {
	res := db.Model(&models.OutboxEvent{}).
		Where("topic = ? AND idempotency_key = ?", topic, idempotencyKey).
		Updates(map[string]any{
			"status":       core.OutboxPending,
			"attempts":     0,
			"available_at": time.Now().UTC(),
			"locked_at":    nil,
			"locked_by":    "",
			"last_error":   "",
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// MarkSent force-completes the event for a (topic, key) pair regardless of
// its current status. The admin break-glass payout mark uses this to stop the
// pipeline.
func MarkSent(db *gorm.DB, topic, idempotencyKey string) (bool, error) {
	now := time.Now().UTC()
	res := db.Model(&models.OutboxEvent{}).
		Where("topic = ? AND idempotency_key = ? AND status <> ?", topic, idempotencyKey, core.OutboxSent).
		Updates(map[string]any{"status": core.OutboxSent, "sent_at": now, "locked_at": nil, "locked_by": ""})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// OldestPendingAge reports how long the oldest pending event has been
// waiting. Zero when the queue is empty.
func OldestPendingAge(db *gorm.DB, now time.Time) (time.Duration, error) {
	var oldest models.OutboxEvent
	err := db.Where("status = ?", core.OutboxPending).
		Order("created_at asc").
		Select("created_at").
		First(&oldest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	age := now.Sub(oldest.CreatedAt)
	if age < 0 {
		age = 0
	}
	return age, nil
}

// List returns events filtered by status for the admin peek surface.
func List(db *gorm.DB, status core.OutboxStatus, limit int) ([]models.OutboxEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var events []models.OutboxEvent
	q := db.Order("created_at asc").Limit(limit)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if err := q.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// Prune deletes sent events older than the cutoff. Nothing calls this
// automatically; the operator CLI owns it.
func Prune(db *gorm.DB, olderThan time.Time) (int64, error) {
	res := db.Where("status = ? AND sent_at < ?", core.OutboxSent, olderThan.UTC()).
		Delete(&models.OutboxEvent{})
	return res.RowsAffected, res.Error
}
