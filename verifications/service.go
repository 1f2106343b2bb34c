// Package verifications is the gateway between the verifier pool and the
// submission state machine: it hands out exclusive claims, enforces claim
// tokens, and resolves verdicts into submission and job transitions.
package verifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"proofwork/core"
	"proofwork/models"
	"proofwork/observability"
	"proofwork/outbox"
	"proofwork/storage"
)

// Claim TTL bounds. Verifiers may ask for any window inside these.
const (
	MinClaimTTL     = 60 * time.Second
	MaxClaimTTL     = 1800 * time.Second
	DefaultClaimTTL = 300 * time.Second
)

// Config tunes the gateway.
type Config struct {
	// MaxJobAttempts is how many rejected submissions fail a job.
	MaxJobAttempts int
}

// Service wraps the verification store operations for the verifier API.
type Service struct {
	store   *storage.Store
	cfg     Config
	logger  *slog.Logger
	metrics *observability.VerifierMetrics
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

// New constructs the verification gateway.
func New(store *storage.Store, cfg Config, opts ...Option) *Service {
	if cfg.MaxJobAttempts <= 0 {
		cfg.MaxJobAttempts = 3
	}
	s := &Service{
		store:   store,
		cfg:     cfg,
		logger:  slog.Default(),
		metrics: observability.Verifier(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BoundClaimTTL clamps a requested claim window to the allowed range. Zero
// and negative requests get the default.
func BoundClaimTTL(seconds int) time.Duration {
	if seconds <= 0 {
		return DefaultClaimTTL
	}
	ttl := time.Duration(seconds) * time.Second
	if ttl < MinClaimTTL {
		return MinClaimTTL
	}
	if ttl > MaxClaimTTL {
		return MaxClaimTTL
	}
	return ttl
}

// ClaimResult is everything a verifier needs to judge one submission.
type ClaimResult struct {
	Verification *models.Verification
	Submission   *models.Submission
	// JobSpec is the job's descriptor with sensitive keys removed.
	JobSpec map[string]any
}

// Claim grants instanceID an exclusive attempt at the submission. Unique
// index races between concurrent claimers are retried internally; a live
// claim held elsewhere surfaces as ErrAttemptClaimed.
func (s *Service) Claim(submissionID, instanceID string, ttlSec int) (*ClaimResult, error) {
	if instanceID == "" {
		return nil, fmt.Errorf("%w: verifier instance id required", storage.ErrInvariant)
	}
	ttl := BoundClaimTTL(ttlSec)

	var claim *models.Verification
	err := storage.RetryConflict(func() error {
		var claimErr error
		claim, claimErr = s.store.ClaimVerification(submissionID, instanceID, ttl)
		return claimErr
	})
	if err != nil {
		if errors.Is(err, storage.ErrAttemptClaimed) {
			s.metrics.RecordClaim("attempt_claimed")
		}
		return nil, err
	}
	s.metrics.RecordClaim("claimed")

	sub, err := s.store.GetSubmission(submissionID)
	if err != nil {
		return nil, err
	}
	job, err := s.store.GetJob(sub.JobID)
	if err != nil {
		return nil, err
	}
	descriptor, err := core.ParseDescriptor([]byte(job.TaskDescriptor), false)
	if err != nil {
		return nil, err
	}
	return &ClaimResult{
		Verification: claim,
		Submission:   sub,
		JobSpec:      descriptor.Redacted(),
	}, nil
}

// Verdict applies a verifier decision under its claim token.
func (s *Service) Verdict(verificationID, claimToken, verdict string, scorecard any, reason string) (*storage.VerdictResult, error) {
	result, err := s.store.RecordVerdict(verificationID, claimToken, verdict, scorecard, reason, s.cfg.MaxJobAttempts)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordVerdict(verdict)
	if result.Accepted {
		s.logger.Info("submission accepted",
			"submission_id", result.Submission.ID,
			"votes", result.PassVotes)
	}
	return result, nil
}

// ExpireStale lapses overdue claims and refreshes the backlog gauge.
func (s *Service) ExpireStale() (int64, error) {
	expired, err := s.store.ExpireStaleClaims()
	if err != nil {
		return 0, err
	}
	s.refreshBacklog()
	return expired, nil
}

// RequestedHandler returns the outbox handler for verification.requested.
// Delivery only signals availability: verifiers pull work through the claim
// API, so the handler validates the submission still wants judging and
// updates the backlog gauge.
func (s *Service) RequestedHandler() outbox.Handler {
	return func(ctx context.Context, evt outbox.Event) error {
		var payload outbox.VerificationRequested
		if err := json.Unmarshal(evt.Payload, &payload); err != nil {
			return outbox.Terminal(fmt.Errorf("verification.requested payload: %w", err))
		}
		sub, err := s.store.GetSubmission(payload.SubmissionID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return outbox.Terminal(err)
			}
			return err
		}
		// Terminal states mean a verifier already resolved this by the time
		// the event drained; nothing left to announce.
		if sub.Status != core.SubmissionSubmitted {
			return nil
		}
		s.refreshBacklog()
		s.logger.Info("verification queued",
			"submission_id", sub.ID, "job_id", payload.JobID, "bounty_id", payload.BountyID)
		return nil
	}
}

func (s *Service) refreshBacklog() {
	backlog, err := s.store.VerifierBacklog()
	if err != nil {
		s.logger.Error("verifier backlog query failed", "error", err.Error())
		return
	}
	s.metrics.SetBacklog(backlog)
}
