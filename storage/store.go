// Package storage is the only component that issues database statements.
// Every exported operation is either read-only or runs inside a single
// transaction; operations that must be atomic with outbox emission accept
// the transaction handle through a closure.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Failure kinds surfaced to callers. Conflict retries are bounded; invariant
// failures are never retried.
var (
	ErrNotFound            = errors.New("storage: not found")
	ErrConflict            = errors.New("storage: conflict")
	ErrInvariant           = errors.New("storage: invariant violated")
	ErrInsufficientFunds   = errors.New("storage: insufficient funds")
	ErrIdempotencyConflict = errors.New("storage: idempotency key reused with different payload")
	ErrAttemptClaimed      = errors.New("storage: verification attempt claimed by another instance")
	ErrLeaseInvalid        = errors.New("storage: lease nonce mismatch")
	ErrClaimInvalid        = errors.New("storage: claim token invalid or expired")
)

const conflictRetries = 3

// Store wraps the database handle and owns all transactional boundaries.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithNow overrides the clock, used by tests.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New constructs a Store over an opened gorm handle.
func New(db *gorm.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB exposes the underlying handle for the outbox dispatcher and tests.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Now returns the store clock reading.
func (s *Store) Now() time.Time {
	return s.now().UTC()
}

// Transaction runs fn inside one database transaction.
func (s *Store) Transaction(fn func(tx *gorm.DB) error) error {
	return s.db.Transaction(fn)
}

// lockForUpdate applies a row lock on dialects that support it. SQLite
// serializes writers already.
func lockForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

// lockSkipLocked claims rows without waiting on concurrent consumers.
func lockSkipLocked(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}
	return tx
}

// onConflictDoNothing is the scoped idempotent-upsert clause.
func onConflictDoNothing() clause.OnConflict {
	return clause.OnConflict{DoNothing: true}
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

// translate maps driver errors onto the store failure kinds.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrConflict
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key value") {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

// RetryConflict runs fn up to three times, backing off with jitter on
// ErrConflict. Any other error returns immediately.
func RetryConflict(fn func() error) error {
	var err error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, ErrConflict) {
			return err
		}
		time.Sleep(time.Duration(rand.Intn(25)+5) * time.Millisecond)
	}
	return err
}

// ResetStore wipes all domain tables. Tests and development only; refused on
// postgres outside development environments.
func (s *Store) ResetStore(environment string) error {
	if s.db.Dialector.Name() == "postgres" && environment != "development" && environment != "test" {
		return fmt.Errorf("%w: reset refused in %s", ErrInvariant, environment)
	}
	tables := []string{
		"audit_events", "outbox_events", "git_hub_events", "alarm_notifications",
		"blocked_domains", "payment_intents", "billing_events", "billing_accounts",
		"payout_transfers", "payouts", "verifications", "artifacts", "submissions",
		"jobs", "bounties", "apps", "origins", "worker_payout_addresses", "workers",
		"sessions", "api_keys", "org_users", "orgs",
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		for _, table := range tables {
			if err := tx.Exec("DELETE FROM " + table).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func encodeJSON(v any) string {
	if v == nil {
		return ""
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(encoded)
}

func decodeJSON(raw string, v any) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), v)
}

// EncodeStrings serializes a string slice for a text column.
func EncodeStrings(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return encodeJSON(values)
}

// DecodeStrings parses a text column written by EncodeStrings.
func DecodeStrings(raw string) []string {
	var values []string
	if err := decodeJSON(raw, &values); err != nil {
		return nil
	}
	return values
}
