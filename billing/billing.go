// Package billing ingests funding events: Stripe checkout webhooks, admin
// top-ups, and GitHub repository events, all idempotent on their external
// identifiers.
package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"proofwork/models"
	"proofwork/observability"
	"proofwork/outbox"
	"proofwork/storage"
)

// StripeTolerance bounds how old a signed webhook timestamp may be.
const StripeTolerance = 5 * time.Minute

// Signature rejections.
var (
	ErrStripeSignature = errors.New("billing: stripe signature mismatch")
	ErrGitHubSignature = errors.New("billing: github signature mismatch")
)

// Service ingests funding events into the ledger.
type Service struct {
	store   *storage.Store
	logger  *slog.Logger
	metrics *observability.BillingMetrics
	now     func() time.Time
}

// Option configures the service.
type Option func(*Service)

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock injects a deterministic clock for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New constructs the billing service.
func New(store *storage.Store, opts ...Option) *Service {
	s := &Service{
		store:   store,
		logger:  slog.Default(),
		metrics: observability.Billing(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// VerifyStripeSignature checks a Stripe-Signature header against the raw
// body: HMAC-SHA256 over "<t>.<body>" keyed by the endpoint secret. Multiple
// v1 entries are accepted (key rotation); comparison is constant time and the
// timestamp must be within tolerance of now.
func VerifyStripeSignature(header string, body []byte, secret string, now time.Time) error {
	if secret == "" {
		return fmt.Errorf("%w: no endpoint secret configured", ErrStripeSignature)
	}
	var timestamp string
	var candidates []string
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch key {
		case "t":
			timestamp = value
		case "v1":
			candidates = append(candidates, value)
		}
	}
	if timestamp == "" || len(candidates) == 0 {
		return fmt.Errorf("%w: header missing t or v1", ErrStripeSignature)
	}
	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrStripeSignature)
	}
	age := now.Sub(time.Unix(unix, 0))
	if age < 0 {
		age = -age
	}
	if age > StripeTolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrStripeSignature)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := mac.Sum(nil)
	for _, candidate := range candidates {
		decoded, err := hex.DecodeString(candidate)
		if err != nil {
			continue
		}
		if hmac.Equal(decoded, expected) {
			return nil
		}
	}
	return ErrStripeSignature
}

// VerifyGitHubSignature checks an X-Hub-Signature-256 header
// ("sha256=<hex>") against the raw body.
func VerifyGitHubSignature(header string, body []byte, secret string) error {
	if secret == "" {
		return fmt.Errorf("%w: no webhook secret configured", ErrGitHubSignature)
	}
	provided, found := strings.CutPrefix(header, "sha256=")
	if !found {
		return fmt.Errorf("%w: header missing sha256 prefix", ErrGitHubSignature)
	}
	decoded, err := hex.DecodeString(provided)
	if err != nil {
		return fmt.Errorf("%w: bad hex", ErrGitHubSignature)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(decoded, mac.Sum(nil)) {
		return ErrGitHubSignature
	}
	return nil
}

// stripeEvent is the slice of a Stripe webhook envelope the pipeline reads.
type stripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID                string `json:"id"`
			AmountTotal       int64  `json:"amount_total"`
			Currency          string `json:"currency"`
			ClientReferenceID string `json:"client_reference_id"`
			Metadata          struct {
				OrgID string `json:"org_id"`
			} `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

// StripeResult reports how a webhook resolved.
type StripeResult struct {
	EventID string
	// Credited is false for replays and ignored event types.
	Credited    bool
	OrgID       string
	AmountCents int64
}

// IngestStripeEvent processes one verified webhook body. Only
// checkout.session.completed credits the ledger; other types acknowledge
// without effect. Replays of a seen event id are no-ops.
func (s *Service) IngestStripeEvent(body []byte) (*StripeResult, error) {
	var evt stripeEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return nil, fmt.Errorf("billing: stripe payload: %w", err)
	}
	if evt.ID == "" {
		return nil, fmt.Errorf("billing: stripe event without id")
	}
	result := &StripeResult{EventID: evt.ID}
	if evt.Type != "checkout.session.completed" {
		s.metrics.RecordWebhook("stripe", "ignored")
		return result, nil
	}
	session := evt.Data.Object
	orgID := session.Metadata.OrgID
	if orgID == "" {
		orgID = session.ClientReferenceID
	}
	if orgID == "" {
		s.metrics.RecordWebhook("stripe", "unroutable")
		return nil, fmt.Errorf("billing: checkout %s carries no org reference", session.ID)
	}
	if session.AmountTotal <= 0 {
		return nil, fmt.Errorf("billing: checkout %s amount %d", session.ID, session.AmountTotal)
	}
	if err := s.store.EnsureBillingAccount(orgID); err != nil {
		return nil, err
	}
	applied, err := s.store.ApplyBillingEvent(&models.BillingEvent{
		ID:          "stripe_evt_" + evt.ID,
		OrgID:       orgID,
		Kind:        "topup",
		AmountCents: session.AmountTotal,
		Currency:    session.Currency,
		Payload:     string(body),
	})
	if err != nil {
		return nil, err
	}
	if intent, err := s.store.GetPaymentIntentByRef("stripe", session.ID); err == nil {
		if err := s.store.SetPaymentIntentStatus(intent.ID, "completed"); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	result.Credited = applied
	result.OrgID = orgID
	result.AmountCents = session.AmountTotal
	outcome := "credited"
	if !applied {
		outcome = "replayed"
	}
	s.metrics.RecordWebhook("stripe", outcome)
	s.logger.Info("stripe checkout processed",
		"event_id", evt.ID, "org_id", orgID, "amount_cents", session.AmountTotal, "credited", applied)
	return result, nil
}

// AdminTopup credits an org from the operator surface, idempotent on the
// supplied reference.
func (s *Service) AdminTopup(orgID, reference string, amountCents int64) (bool, error) {
	if amountCents <= 0 {
		return false, fmt.Errorf("billing: topup amount %d must be positive", amountCents)
	}
	if reference == "" {
		return false, fmt.Errorf("billing: topup reference required")
	}
	if err := s.store.EnsureBillingAccount(orgID); err != nil {
		return false, err
	}
	return s.store.ApplyBillingEvent(&models.BillingEvent{
		ID:          "admin_topup_" + reference,
		OrgID:       orgID,
		Kind:        "topup",
		AmountCents: amountCents,
	})
}

// IngestGitHubEvent stores one verified delivery, keyed by its GUID.
func (s *Service) IngestGitHubEvent(deliveryID, eventType string, body []byte) (bool, error) {
	if deliveryID == "" {
		return false, fmt.Errorf("billing: github delivery without guid")
	}
	fresh, err := s.store.RecordGitHubEvent(&models.GitHubEvent{
		DeliveryID: deliveryID,
		EventType:  eventType,
		Payload:    string(body),
	})
	if err != nil {
		return false, err
	}
	outcome := "stored"
	if !fresh {
		outcome = "replayed"
	}
	s.metrics.RecordWebhook("github", outcome)
	return fresh, nil
}

// TopupCreditedHandler returns the outbox handler for billing.topup.credited.
// The credit itself happened in the producing transaction; delivery is the
// notification edge.
func (s *Service) TopupCreditedHandler() outbox.Handler {
	return func(ctx context.Context, evt outbox.Event) error {
		var payload outbox.BillingTopupCredited
		if err := json.Unmarshal(evt.Payload, &payload); err != nil {
			return outbox.Terminal(fmt.Errorf("billing.topup.credited payload: %w", err))
		}
		s.logger.Info("topup credited",
			"org_id", payload.OrgID, "event_id", payload.EventID, "amount_cents", payload.AmountCents)
		return nil
	}
}
