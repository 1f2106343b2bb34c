package storage

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"proofwork/core"
	"proofwork/models"
	"proofwork/outbox"
)

// SubmissionOutcome reports how an intake resolved.
type SubmissionOutcome struct {
	Submission *models.Submission
	// Replayed is set when an idempotency key matched a stored submission
	// with the same payload hash; no new row was written.
	Replayed bool
	// Duplicate is set when the dedupe key matched earlier work on the
	// bounty; the row is stored terminal and nothing is scheduled.
	Duplicate bool
}

// AddSubmission records a worker manifest against a leased job. In one
// transaction it enforces the lease, memoizes the idempotency key, applies
// bounty-wide dedupe, advances the job, and enqueues verification for
// first-sighted work.
func (s *Store) AddSubmission(sub *models.Submission, workerID, leaseNonce string) (*SubmissionOutcome, error) {
	if sub.JobID == "" || sub.BountyID == "" || sub.DedupeKey == "" {
		return nil, fmt.Errorf("%w: submission missing job, bounty, or dedupe key", ErrInvariant)
	}
	outcome := &SubmissionOutcome{}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var job models.Job
		if err := lockForUpdate(tx).First(&job, "id = ?", sub.JobID).Error; err != nil {
			return translate(err)
		}
		now := s.Now()

		// The idempotency memo is consulted before the lease: a worker
		// retrying a lost response arrives after the job moved on and its
		// lease cleared, and must still get the stored submission back.
		if sub.IdempotencyKey != nil {
			var existing models.Submission
			err := tx.First(&existing, "job_id = ? AND idempotency_key = ?", sub.JobID, *sub.IdempotencyKey).Error
			if err == nil {
				if existing.PayloadHash != sub.PayloadHash {
					return ErrIdempotencyConflict
				}
				outcome.Submission = &existing
				outcome.Replayed = true
				outcome.Duplicate = existing.Status == core.SubmissionDuplicate
				return nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}

		if err := leaseHeld(&job, workerID, leaseNonce, now); err != nil {
			return err
		}

		var priors int64
		err := tx.Model(&models.Submission{}).
			Where("bounty_id = ? AND dedupe_key = ? AND status <> ?",
				sub.BountyID, sub.DedupeKey, core.SubmissionDuplicate).
			Count(&priors).Error
		if err != nil {
			return err
		}

		if sub.ID == "" {
			sub.ID = core.NewID(core.PrefixSubmission)
		}
		sub.WorkerID = workerID
		sub.OrgID = job.OrgID
		sub.CreatedAt = now
		sub.UpdatedAt = now

		if priors > 0 {
			sub.Status = core.SubmissionDuplicate
			if err := tx.Create(sub).Error; err != nil {
				return err
			}
			if err := core.ValidateJobTransition(job.Status, core.JobDone); err != nil {
				return fmt.Errorf("%w: %v", ErrConflict, err)
			}
			err := tx.Model(&models.Job{}).Where("id = ?", job.ID).Updates(map[string]any{
				"status":                core.JobDone,
				"final_verdict":         "duplicate",
				"lease_worker_id":       nil,
				"lease_nonce":           nil,
				"lease_expires_at":      nil,
				"current_submission_id": nil,
				"updated_at":            now,
			}).Error
			if err != nil {
				return err
			}
			outcome.Submission = sub
			outcome.Duplicate = true
			return appendAudit(tx, workerID, "submission.duplicate", sub.ID, sub.OrgID, "job="+job.ID, now)
		}

		sub.Status = core.SubmissionSubmitted
		if err := tx.Create(sub).Error; err != nil {
			return err
		}
		if err := core.ValidateJobTransition(job.Status, core.JobVerifying); err != nil {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
		err = tx.Model(&models.Job{}).Where("id = ?", job.ID).Updates(map[string]any{
			"status":                core.JobVerifying,
			"current_submission_id": sub.ID,
			"lease_worker_id":       nil,
			"lease_nonce":           nil,
			"lease_expires_at":      nil,
			"updated_at":            now,
		}).Error
		if err != nil {
			return err
		}
		_, err = outbox.Insert(tx, outbox.TopicVerificationRequested, outbox.VerificationKey(sub.ID),
			outbox.VerificationRequested{SubmissionID: sub.ID, JobID: job.ID, BountyID: sub.BountyID})
		if err != nil {
			return err
		}
		outcome.Submission = sub
		return appendAudit(tx, workerID, "submission.create", sub.ID, sub.OrgID, "job="+job.ID, now)
	})
	if err != nil {
		return nil, translate(err)
	}
	return outcome, nil
}

// GetSubmissionByIdempotencyKey resolves a memoized intake, letting callers
// replay a stored response before running checks a retry could no longer
// pass.
func (s *Store) GetSubmissionByIdempotencyKey(jobID, key string) (*models.Submission, error) {
	var sub models.Submission
	err := s.db.First(&sub, "job_id = ? AND idempotency_key = ?", jobID, key).Error
	if err != nil {
		return nil, translate(err)
	}
	return &sub, nil
}

// GetSubmission loads one submission.
func (s *Store) GetSubmission(id string) (*models.Submission, error) {
	var sub models.Submission
	if err := s.db.First(&sub, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &sub, nil
}

// GetSubmissionForOrg loads a submission scoped to its owning org.
func (s *Store) GetSubmissionForOrg(id, orgID string) (*models.Submission, error) {
	var sub models.Submission
	if err := s.db.First(&sub, "id = ? AND org_id = ?", id, orgID).Error; err != nil {
		return nil, translate(err)
	}
	return &sub, nil
}

// ListSubmissionsForBounty returns a bounty's submissions, newest first.
func (s *Store) ListSubmissionsForBounty(bountyID, orgID string, limit int) ([]models.Submission, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var subs []models.Submission
	err := s.db.Where("bounty_id = ? AND org_id = ?", bountyID, orgID).
		Order("created_at desc").Limit(limit).Find(&subs).Error
	if err != nil {
		return nil, translate(err)
	}
	return subs, nil
}

// EarningsRow is one line of a worker's earnings view. Duplicates appear
// with zero amounts.
type EarningsRow struct {
	SubmissionID   string
	JobID          string
	BountyID       string
	Status         core.SubmissionState
	PayoutID       string
	NetAmountCents int64
	PayoutStatus   core.PayoutState
	CreatedAt      time.Time
}

// WorkerEarnings lists a worker's submissions joined with any payout,
// newest first.
func (s *Store) WorkerEarnings(workerID string, limit int) ([]EarningsRow, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows []EarningsRow
	err := s.db.Model(&models.Submission{}).
		Select(`submissions.id as submission_id, submissions.job_id, submissions.bounty_id,
			submissions.status, COALESCE(payouts.id, '') as payout_id,
			COALESCE(payouts.net_amount_cents, 0) as net_amount_cents,
			COALESCE(payouts.status, '') as payout_status,
			submissions.created_at`).
		Joins("LEFT JOIN payouts ON payouts.submission_id = submissions.id").
		Where("submissions.worker_id = ?", workerID).
		Order("submissions.created_at desc").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, translate(err)
	}
	return rows, nil
}
