package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"proofwork/core"
	"proofwork/models"
	"proofwork/observability"
)

const (
	defaultBatchSize    = 25
	defaultMaxAttempts  = 10
	defaultPollInterval = time.Second
)

// Event is the handler's view of one outbox row.
type Event struct {
	ID             string
	Topic          string
	IdempotencyKey string
	Payload        []byte
	Attempts       int
}

// Handler processes one event. Returning nil marks the event sent; plain
// errors retry with backoff; Terminal errors deadletter immediately. Handlers
// must be idempotent on the event's idempotency key.
type Handler func(ctx context.Context, evt Event) error

// Dispatcher drains pending events and routes them to handlers by topic.
// Multiple replicas may run concurrently; row claims skip locked rows.
type Dispatcher struct {
	db           *gorm.DB
	handlers     map[string]Handler
	instance     string
	batchSize    int
	maxAttempts  int
	pollInterval time.Duration
	now          func() time.Time
	logger       *slog.Logger
	metrics      *observability.OutboxMetrics
}

// DispatcherOption customises dispatcher behaviour.
type DispatcherOption func(*Dispatcher)

// WithBatchSize bounds how many events one pass claims.
func WithBatchSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.batchSize = n
		}
	}
}

// WithMaxAttempts overrides the deadletter threshold.
func WithMaxAttempts(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

// WithPollInterval overrides the idle polling cadence.
func WithPollInterval(interval time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.pollInterval = interval
		}
	}
}

// WithClock injects a deterministic clock for tests.
func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics attaches the outbox metrics registry.
func WithMetrics(metrics *observability.OutboxMetrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = metrics
	}
}

// NewDispatcher constructs a dispatcher over the shared database handle.
func NewDispatcher(db *gorm.DB, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		db:           db,
		handlers:     make(map[string]Handler),
		instance:     core.InstanceID(),
		batchSize:    defaultBatchSize,
		maxAttempts:  defaultMaxAttempts,
		pollInterval: defaultPollInterval,
		now:          time.Now,
		logger:       slog.Default(),
		metrics:      observability.Outbox(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register binds a handler to a topic. The last registration wins.
func (d *Dispatcher) Register(topic string, handler Handler) {
	d.handlers[topic] = handler
}

// Run drains events until the context is cancelled. Cancellation is
// cooperative between events; in-flight handlers run to completion.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		d.publishPendingAge()
		for {
			processed, err := d.ProcessBatch(ctx)
			if err != nil {
				d.logger.Error("outbox batch failed", "error", err.Error())
				break
			}
			if processed == 0 {
				break
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
}

// ProcessBatch claims up to one batch of due events and delivers them.
// Returns how many events were handled.
func (d *Dispatcher) ProcessBatch(ctx context.Context) (int, error) {
	events, err := d.claimBatch()
	if err != nil {
		return 0, err
	}
	for _, evt := range events {
		d.deliver(ctx, evt)
	}
	return len(events), nil
}

func (d *Dispatcher) claimBatch() ([]models.OutboxEvent, error) {
	now := d.now().UTC()
	var claimed []models.OutboxEvent
	if d.db.Dialector.Name() == "postgres" {
		err := d.db.Transaction(func(tx *gorm.DB) error {
			var rows []models.OutboxEvent
			err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
				Where("status = ? AND available_at <= ?", core.OutboxPending, now).
				Order("available_at asc").
				Limit(d.batchSize).
				Find(&rows).Error
			if err != nil {
				return err
			}
			for i := range rows {
				if err := d.markProcessing(tx, &rows[i], now); err != nil {
					return err
				}
				claimed = append(claimed, rows[i])
			}
			return nil
		})
		return claimed, err
	}
	var candidates []models.OutboxEvent
	err := d.db.Where("status = ? AND available_at <= ?", core.OutboxPending, now).
		Order("available_at asc").
		Limit(d.batchSize).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}
	for i := range candidates {
		res := d.db.Model(&models.OutboxEvent{}).
			Where("id = ? AND status = ?", candidates[i].ID, core.OutboxPending).
			Updates(map[string]any{"status": core.OutboxProcessing, "locked_at": now, "locked_by": d.instance})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 1 {
			candidates[i].Status = core.OutboxProcessing
			claimed = append(claimed, candidates[i])
		}
	}
	return claimed, nil
}

func (d *Dispatcher) markProcessing(tx *gorm.DB, evt *models.OutboxEvent, now time.Time) error {
	res := tx.Model(&models.OutboxEvent{}).
		Where("id = ?", evt.ID).
		Updates(map[string]any{"status": core.OutboxProcessing, "locked_at": now, "locked_by": d.instance})
	if res.Error != nil {
		return res.Error
	}
	evt.Status = core.OutboxProcessing
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, evt models.OutboxEvent) {
	key := ""
	if evt.IdempotencyKey != nil {
		key = *evt.IdempotencyKey
	}
	handler, ok := d.handlers[evt.Topic]
	if !ok {
		d.fail(evt, fmt.Errorf("%w: %s", ErrNoHandler, evt.Topic))
		return
	}
	d.metrics.RecordTransition(evt.Topic, "processing")
	started := d.now()
	err := handler(ctx, Event{
		ID:             evt.ID,
		Topic:          evt.Topic,
		IdempotencyKey: key,
		Payload:        []byte(evt.Payload),
		Attempts:       evt.Attempts,
	})
	d.metrics.ObserveHandler(evt.Topic, d.now().Sub(started))
	if err != nil {
		d.fail(evt, err)
		return
	}
	d.succeed(evt)
}

func (d *Dispatcher) succeed(evt models.OutboxEvent) {
	now := d.now().UTC()
	err := d.db.Model(&models.OutboxEvent{}).
		Where("id = ?", evt.ID).
		Updates(map[string]any{
			"status": core.OutboxSent, "sent_at": now,
			"locked_at": nil, "locked_by": "",
		}).Error
	if err != nil {
		d.logger.Error("outbox mark sent failed", "event_id", evt.ID, "error", err.Error())
		return
	}
	d.metrics.RecordTransition(evt.Topic, "sent")
}

func (d *Dispatcher) fail(evt models.OutboxEvent, handlerErr error) {
	attempts := evt.Attempts + 1
	updates := map[string]any{
		"attempts":   attempts,
		"last_error": truncateError(handlerErr),
		"locked_at":  nil,
		"locked_by":  "",
	}
	transition := "retry"
	if IsTerminal(handlerErr) || attempts >= d.maxAttempts {
		updates["status"] = core.OutboxDeadletter
		transition = "deadletter"
	} else {
		updates["status"] = core.OutboxPending
		updates["available_at"] = d.now().UTC().Add(Backoff(attempts))
	}
	err := d.db.Model(&models.OutboxEvent{}).Where("id = ?", evt.ID).Updates(updates).Error
	if err != nil {
		d.logger.Error("outbox mark failed failed", "event_id", evt.ID, "error", err.Error())
		return
	}
	d.metrics.RecordTransition(evt.Topic, transition)
	d.logger.Warn("outbox delivery failed",
		"topic", evt.Topic, "event_id", evt.ID, "attempt", attempts, "error", handlerErr.Error())
}

func (d *Dispatcher) publishPendingAge() {
	age, err := OldestPendingAge(d.db, d.now().UTC())
	if err != nil {
		d.logger.Error("outbox pending age query failed", "error", err.Error())
		return
	}
	d.metrics.SetPendingAge(age)
}

func truncateError(err error) string {
	msg := err.Error()
	if len(msg) > 1000 {
		msg = msg[:1000]
	}
	return msg
}
