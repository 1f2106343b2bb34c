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

// ClaimVerification hands a verifier instance an exclusive attempt at a
// submission. At most one live claim exists per (submission, attempt): the
// holding instance gets its token back, any other instance gets
// ErrAttemptClaimed until the claim lapses. A lapsed claim is expired and the
// next attempt is opened in its place. Unique-index races surface as
// ErrConflict; callers retry.
func (s *Store) ClaimVerification(submissionID, instanceID string, claimTTL time.Duration) (*models.Verification, error) {
	var claim models.Verification
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var sub models.Submission
		if err := tx.First(&sub, "id = ?", submissionID).Error; err != nil {
			return translate(err)
		}
		if sub.Status != core.SubmissionSubmitted {
			return fmt.Errorf("%w: submission %s is %s", ErrConflict, sub.ID, sub.Status)
		}
		now := s.Now()
		nextAttempt := 1
		var latest models.Verification
		err := lockForUpdate(tx).
			Where("submission_id = ?", submissionID).
			Order("attempt_no desc").
			First(&latest).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			return err
		default:
			if latest.Status == core.VerificationClaimed {
				if latest.ClaimExpiresAt != nil && now.Before(*latest.ClaimExpiresAt) {
					if latest.VerifierInstanceID == instanceID {
						claim = latest
						return nil
					}
					return ErrAttemptClaimed
				}
				latest.Status = core.VerificationExpired
				latest.UpdatedAt = now
				if err := tx.Save(&latest).Error; err != nil {
					return err
				}
			}
			nextAttempt = latest.AttemptNo + 1
		}
		expires := now.Add(claimTTL)
		claim = models.Verification{
			ID:                 core.NewID(core.PrefixVerification),
			SubmissionID:       submissionID,
			AttemptNo:          nextAttempt,
			Status:             core.VerificationClaimed,
			ClaimToken:         core.NewNonce(),
			ClaimExpiresAt:     &expires,
			VerifierInstanceID: instanceID,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		return tx.Create(&claim).Error
	})
	if err != nil {
		return nil, translate(err)
	}
	return &claim, nil
}

// VerdictResult reports how a recorded verdict resolved the submission.
type VerdictResult struct {
	Verification *models.Verification
	Submission   *models.Submission
	JobStatus    core.JobState
	// Accepted is set when the submission crossed its proof threshold.
	Accepted bool
	// PassVotes counts distinct verifier instances that have passed the
	// submission so far.
	PassVotes int
}

// RecordVerdict applies a verifier's decision. A pass counts one vote per
// distinct verifier instance; at required_proofs votes the submission is
// accepted, the job closes, and settlement is enqueued. A fail rejects the
// submission and reopens the job, or fails it after maxJobAttempts rejected
// submissions.
func (s *Store) RecordVerdict(verificationID, claimToken, verdict string, scorecard any, reason string, maxJobAttempts int) (*VerdictResult, error) {
	if verdict != core.VerdictPass && verdict != core.VerdictFail {
		return nil, fmt.Errorf("%w: verdict %q", ErrInvariant, verdict)
	}
	if maxJobAttempts <= 0 {
		maxJobAttempts = 3
	}
	result := &VerdictResult{}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var ver models.Verification
		if err := lockForUpdate(tx).First(&ver, "id = ?", verificationID).Error; err != nil {
			return translate(err)
		}
		now := s.Now()
		if ver.Status != core.VerificationClaimed {
			return fmt.Errorf("%w: verification %s is %s", ErrConflict, ver.ID, ver.Status)
		}
		if ver.ClaimToken != claimToken {
			return ErrClaimInvalid
		}
		if ver.ClaimExpiresAt == nil || !now.Before(*ver.ClaimExpiresAt) {
			return ErrClaimInvalid
		}

		var sub models.Submission
		if err := lockForUpdate(tx).First(&sub, "id = ?", ver.SubmissionID).Error; err != nil {
			return translate(err)
		}
		var job models.Job
		if err := lockForUpdate(tx).First(&job, "id = ?", sub.JobID).Error; err != nil {
			return translate(err)
		}
		var bounty models.Bounty
		if err := tx.First(&bounty, "id = ?", sub.BountyID).Error; err != nil {
			return translate(err)
		}

		ver.Status = core.VerificationDecided
		ver.Verdict = verdict
		ver.Scorecard = encodeJSON(scorecard)
		ver.Reason = reason
		ver.UpdatedAt = now
		if err := tx.Save(&ver).Error; err != nil {
			return err
		}
		result.Verification = &ver

		if verdict == core.VerdictPass {
			var voters []string
			err := tx.Model(&models.Verification{}).
				Where("submission_id = ? AND verdict = ? AND status IN ?",
					sub.ID, core.VerdictPass,
					[]core.VerificationState{core.VerificationDecided, core.VerificationFinalized}).
				Distinct("verifier_instance_id").
				Pluck("verifier_instance_id", &voters).Error
			if err != nil {
				return err
			}
			result.PassVotes = len(voters)
			if result.PassVotes < bounty.RequiredProofs {
				result.Submission = &sub
				result.JobStatus = job.Status
				return nil
			}

			err = tx.Model(&models.Verification{}).
				Where("submission_id = ? AND status = ?", sub.ID, core.VerificationDecided).
				Updates(map[string]any{"status": core.VerificationFinalized, "updated_at": now}).Error
			if err != nil {
				return err
			}
			ver.Status = core.VerificationFinalized
			sub.Status = core.SubmissionAccepted
			sub.UpdatedAt = now
			if err := tx.Save(&sub).Error; err != nil {
				return err
			}
			result.Accepted = true
			result.Submission = &sub
			// A job already moved off verifying (bounty completed, admin
			// action) records the verdict but settles nothing.
			if job.Status != core.JobVerifying {
				result.JobStatus = job.Status
				return nil
			}
			err = tx.Model(&models.Job{}).Where("id = ?", job.ID).Updates(map[string]any{
				"status":                core.JobDone,
				"final_verdict":         core.VerdictPass,
				"current_submission_id": nil,
				"updated_at":            now,
			}).Error
			if err != nil {
				return err
			}
			result.JobStatus = core.JobDone
			_, err = outbox.Insert(tx, outbox.TopicPayoutRequested, outbox.PayoutKey(sub.ID),
				outbox.PayoutRequested{SubmissionID: sub.ID, WorkerID: sub.WorkerID, OrgID: sub.OrgID})
			if err != nil {
				return err
			}
			return appendAudit(tx, ver.VerifierInstanceID, "submission.accept", sub.ID, sub.OrgID,
				fmt.Sprintf("job=%s votes=%d", job.ID, result.PassVotes), now)
		}

		ver.Status = core.VerificationFinalized
		ver.UpdatedAt = now
		if err := tx.Save(&ver).Error; err != nil {
			return err
		}
		sub.Status = core.SubmissionRejected
		sub.UpdatedAt = now
		if err := tx.Save(&sub).Error; err != nil {
			return err
		}
		result.Submission = &sub
		if job.Status != core.JobVerifying {
			result.JobStatus = job.Status
			return nil
		}
		attempts := job.FailedAttempts + 1
		updates := map[string]any{
			"failed_attempts":       attempts,
			"current_submission_id": nil,
			"updated_at":            now,
		}
		if attempts >= maxJobAttempts {
			updates["status"] = core.JobFailed
			updates["final_verdict"] = core.VerdictFail
			result.JobStatus = core.JobFailed
		} else {
			updates["status"] = core.JobOpen
			result.JobStatus = core.JobOpen
		}
		if err := tx.Model(&models.Job{}).Where("id = ?", job.ID).Updates(updates).Error; err != nil {
			return err
		}
		return appendAudit(tx, ver.VerifierInstanceID, "submission.reject", sub.ID, sub.OrgID,
			fmt.Sprintf("job=%s attempts=%d", job.ID, attempts), now)
	})
	if err != nil {
		return nil, translate(err)
	}
	return result, nil
}

// ExpireStaleClaims lapses verification claims whose window passed, freeing
// the next attempt. Returns how many were expired.
func (s *Store) ExpireStaleClaims() (int64, error) {
	now := s.Now()
	res := s.db.Model(&models.Verification{}).
		Where("status = ? AND claim_expires_at < ?", core.VerificationClaimed, now).
		Updates(map[string]any{"status": core.VerificationExpired, "updated_at": now})
	if res.Error != nil {
		return 0, translate(res.Error)
	}
	return res.RowsAffected, nil
}

// VerifierBacklog counts submissions awaiting a live verifier claim.
func (s *Store) VerifierBacklog() (int64, error) {
	now := s.Now()
	var count int64
	err := s.db.Model(&models.Submission{}).
		Where("submissions.status = ?", core.SubmissionSubmitted).
		Where(`NOT EXISTS (SELECT 1 FROM verifications
			WHERE verifications.submission_id = submissions.id
			AND verifications.status = ? AND verifications.claim_expires_at > ?)`,
			core.VerificationClaimed, now).
		Count(&count).Error
	if err != nil {
		return 0, translate(err)
	}
	return count, nil
}

// GetVerification loads one verification attempt.
func (s *Store) GetVerification(id string) (*models.Verification, error) {
	var ver models.Verification
	if err := s.db.First(&ver, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &ver, nil
}

// ListVerifications returns a submission's attempts in order.
func (s *Store) ListVerifications(submissionID string) ([]models.Verification, error) {
	var vers []models.Verification
	err := s.db.Where("submission_id = ?", submissionID).Order("attempt_no asc").Find(&vers).Error
	if err != nil {
		return nil, translate(err)
	}
	return vers, nil
}
