package storage

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"proofwork/core"
	"proofwork/models"
)

// GetJob loads one job.
func (s *Store) GetJob(id string) (*models.Job, error) {
	var job models.Job
	if err := s.db.First(&job, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &job, nil
}

// GetJobForOrg loads a job scoped to its owning org.
func (s *Store) GetJobForOrg(id, orgID string) (*models.Job, error) {
	var job models.Job
	if err := s.db.First(&job, "id = ? AND org_id = ?", id, orgID).Error; err != nil {
		return nil, translate(err)
	}
	return &job, nil
}

// ListJobs returns jobs for a bounty, oldest first.
func (s *Store) ListJobs(bountyID string, limit int) ([]models.Job, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var jobs []models.Job
	err := s.db.Where("bounty_id = ?", bountyID).Order("created_at asc").Limit(limit).Find(&jobs).Error
	if err != nil {
		return nil, translate(err)
	}
	return jobs, nil
}

// OpenJobsForScheduling returns open jobs joined with their bounty columns,
// oldest first. Only the job-side predicate (status open) is applied in SQL;
// bounty-side predicates run in the scheduler so it can report why each
// candidate was skipped.
func (s *Store) OpenJobsForScheduling(limit int) ([]JobCandidate, error) {
	if limit <= 0 {
		limit = 200
	}
	var rows []JobCandidate
	err := s.db.Model(&models.Job{}).
		Select("jobs.*, bounties.status as bounty_status, bounties.allowed_origins as bounty_allowed_origins, bounties.payout_cents as bounty_payout_cents, bounties.required_proofs as bounty_required_proofs").
		Joins("JOIN bounties ON bounties.id = jobs.bounty_id").
		Where("jobs.status = ?", core.JobOpen).
		Order("jobs.created_at asc").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, translate(err)
	}
	return rows, nil
}

// JobCandidate is a job row plus the bounty columns the scheduler predicates
// read.
type JobCandidate struct {
	models.Job
	BountyStatus         core.BountyState
	BountyAllowedOrigins string
	BountyPayoutCents    int64
	BountyRequiredProofs int
}

// ClaimJob atomically leases an open job to a worker. The claim is a single
// conditional update; losing the race returns ErrConflict so the scheduler
// can move to the next candidate.
func (s *Store) ClaimJob(jobID, workerID string, ttl time.Duration) (*models.Job, error) {
	now := s.Now()
	nonce := core.NewNonce()
	expires := now.Add(ttl)
	res := s.db.Model(&models.Job{}).
		Where("id = ? AND status = ?", jobID, core.JobOpen).
		Updates(map[string]any{
			"status":           core.JobClaimed,
			"lease_worker_id":  workerID,
			"lease_nonce":      nonce,
			"lease_expires_at": expires,
			"updated_at":       now,
		})
	if res.Error != nil {
		return nil, translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: job %s not open", ErrConflict, jobID)
	}
	return s.GetJob(jobID)
}

// ReleaseJob returns a claimed job to the open pool. The caller must hold the
// lease: worker and nonce have to match or the release fails with
// ErrLeaseInvalid.
func (s *Store) ReleaseJob(jobID, workerID, nonce, reason string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var job models.Job
		if err := lockForUpdate(tx).First(&job, "id = ?", jobID).Error; err != nil {
			return translate(err)
		}
		if job.Status != core.JobClaimed {
			return fmt.Errorf("%w: job %s is %s", ErrConflict, jobID, job.Status)
		}
		if job.LeaseWorkerID == nil || *job.LeaseWorkerID != workerID ||
			job.LeaseNonce == nil || *job.LeaseNonce != nonce {
			return ErrLeaseInvalid
		}
		now := s.Now()
		err := tx.Model(&models.Job{}).Where("id = ?", jobID).Updates(map[string]any{
			"status":           core.JobOpen,
			"lease_worker_id":  nil,
			"lease_nonce":      nil,
			"lease_expires_at": nil,
			"updated_at":       now,
		}).Error
		if err != nil {
			return err
		}
		notes := ""
		if reason != "" {
			notes = "reason=" + reason
		}
		return appendAudit(tx, workerID, "job.release", jobID, job.OrgID, notes, now)
	})
}

// ReapExpiredLeases returns every claimed job whose lease has lapsed to the
// open pool. Safe to run from multiple replicas; the conditional update makes
// each job reaped exactly once.
func (s *Store) ReapExpiredLeases() (int64, error) {
	now := s.Now()
	res := s.db.Model(&models.Job{}).
		Where("status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?", core.JobClaimed, now).
		Updates(map[string]any{
			"status":           core.JobOpen,
			"lease_worker_id":  nil,
			"lease_nonce":      nil,
			"lease_expires_at": nil,
			"updated_at":       now,
		})
	if res.Error != nil {
		return 0, translate(res.Error)
	}
	return res.RowsAffected, nil
}

// leaseHeld reports whether the given worker holds a live lease on the job.
func leaseHeld(job *models.Job, workerID, nonce string, at time.Time) error {
	if job.Status != core.JobClaimed {
		return fmt.Errorf("%w: job %s is %s", ErrConflict, job.ID, job.Status)
	}
	if job.LeaseWorkerID == nil || *job.LeaseWorkerID != workerID ||
		job.LeaseNonce == nil || *job.LeaseNonce != nonce {
		return ErrLeaseInvalid
	}
	if job.LeaseExpiresAt == nil || !at.Before(*job.LeaseExpiresAt) {
		return ErrLeaseInvalid
	}
	return nil
}
