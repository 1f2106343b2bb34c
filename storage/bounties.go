package storage

import (
	"fmt"

	"gorm.io/gorm"

	"proofwork/core"
	"proofwork/models"
)

// CreateBounty persists a draft bounty.
func (s *Store) CreateBounty(bounty *models.Bounty) error {
	if bounty.ID == "" {
		bounty.ID = core.NewID(core.PrefixBounty)
	}
	if bounty.PayoutCents <= 0 {
		return fmt.Errorf("%w: payout_cents must be positive", ErrInvariant)
	}
	if bounty.RequiredProofs <= 0 {
		bounty.RequiredProofs = 1
	}
	bounty.Status = core.BountyDraft
	return translate(s.db.Create(bounty).Error)
}

// GetBounty loads one bounty.
func (s *Store) GetBounty(id string) (*models.Bounty, error) {
	var bounty models.Bounty
	if err := s.db.First(&bounty, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &bounty, nil
}

// GetBountyForOrg loads a bounty scoped to its owning org. Rows owned by
// other tenants surface as not found.
func (s *Store) GetBountyForOrg(id, orgID string) (*models.Bounty, error) {
	var bounty models.Bounty
	if err := s.db.First(&bounty, "id = ? AND org_id = ?", id, orgID).Error; err != nil {
		return nil, translate(err)
	}
	return &bounty, nil
}

// ListBounties returns an org's bounties, optionally filtered by status,
// newest first.
func (s *Store) ListBounties(orgID string, status core.BountyState, limit int) ([]models.Bounty, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := s.db.Where("org_id = ?", orgID).Order("created_at desc").Limit(limit)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var bounties []models.Bounty
	if err := q.Find(&bounties).Error; err != nil {
		return nil, translate(err)
	}
	return bounties, nil
}

// PublishBounty moves a draft live: the publish reserves the full job budget
// against the org balance and fans out one open job per fingerprint class.
// Orgs taking a platform fee must have a fee wallet on file first.
func (s *Store) PublishBounty(id, orgID, actor string) (*models.Bounty, error) {
	var published models.Bounty
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var bounty models.Bounty
		if err := lockForUpdate(tx).First(&bounty, "id = ? AND org_id = ?", id, orgID).Error; err != nil {
			return translate(err)
		}
		// Publishing is draft-only: a republish would re-reserve the budget
		// and fan out a second set of jobs.
		if bounty.Status != core.BountyDraft {
			return fmt.Errorf("%w: bounty %s is %s", ErrConflict, bounty.ID, bounty.Status)
		}
		var org models.Org
		if err := tx.First(&org, "id = ?", orgID).Error; err != nil {
			return translate(err)
		}
		if org.PlatformFeeBps > 0 && org.PlatformFeeWallet == "" {
			return fmt.Errorf("%w: platform fee wallet required before publish", ErrInvariant)
		}
		classes := DecodeStrings(bounty.FingerprintClasses)
		if len(classes) == 0 {
			classes = []string{"default"}
		}
		now := s.Now()
		budget := bounty.PayoutCents * int64(len(classes))
		if err := reserveBudget(tx, orgID, budget, now); err != nil {
			return err
		}
		for _, class := range classes {
			job := models.Job{
				ID:               core.NewID(core.PrefixJob),
				BountyID:         bounty.ID,
				OrgID:            orgID,
				TaskType:         bounty.TaskType,
				FingerprintClass: class,
				Status:           core.JobOpen,
				TaskDescriptor:   bounty.TaskDescriptor,
				CreatedAt:        now,
				UpdatedAt:        now,
			}
			if err := tx.Create(&job).Error; err != nil {
				return err
			}
		}
		bounty.Status = core.BountyPublished
		bounty.PublishedAt = &now
		bounty.UpdatedAt = now
		if err := tx.Save(&bounty).Error; err != nil {
			return err
		}
		if err := appendAudit(tx, actor, "bounty.publish", bounty.ID, orgID,
			fmt.Sprintf("jobs=%d budget_cents=%d", len(classes), budget), now); err != nil {
			return err
		}
		published = bounty
		return nil
	})
	if err != nil {
		return nil, translate(err)
	}
	return &published, nil
}

// PauseBounty takes a published bounty out of scheduling. Jobs keep their
// state; the scheduler simply stops handing them out.
func (s *Store) PauseBounty(id, orgID, actor string) (*models.Bounty, error) {
	return s.transitionBounty(id, orgID, actor, core.BountyPaused, "bounty.pause")
}

// ResumeBounty returns a paused bounty to scheduling.
func (s *Store) ResumeBounty(id, orgID, actor string) (*models.Bounty, error) {
	return s.transitionBounty(id, orgID, actor, core.BountyPublished, "bounty.resume")
}

func (s *Store) transitionBounty(id, orgID, actor string, next core.BountyState, action string) (*models.Bounty, error) {
	var updated models.Bounty
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var bounty models.Bounty
		if err := lockForUpdate(tx).First(&bounty, "id = ? AND org_id = ?", id, orgID).Error; err != nil {
			return translate(err)
		}
		if err := core.ValidateBountyTransition(bounty.Status, next); err != nil {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
		now := s.Now()
		bounty.Status = next
		bounty.UpdatedAt = now
		if err := tx.Save(&bounty).Error; err != nil {
			return err
		}
		if err := appendAudit(tx, actor, action, bounty.ID, orgID, "", now); err != nil {
			return err
		}
		updated = bounty
		return nil
	})
	if err != nil {
		return nil, translate(err)
	}
	return &updated, nil
}

// CompleteBounty closes a bounty. Jobs still in flight expire, their leases
// clear, and the unsettled share of the publish reservation returns to the
// org's available balance.
func (s *Store) CompleteBounty(id, orgID, actor string) (*models.Bounty, error) {
	var completed models.Bounty
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var bounty models.Bounty
		if err := lockForUpdate(tx).First(&bounty, "id = ? AND org_id = ?", id, orgID).Error; err != nil {
			return translate(err)
		}
		// Completing twice would release the remainder a second time.
		if bounty.Status == core.BountyCompleted {
			return fmt.Errorf("%w: bounty %s already completed", ErrConflict, bounty.ID)
		}
		if err := core.ValidateBountyTransition(bounty.Status, core.BountyCompleted); err != nil {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
		now := s.Now()
		var totalJobs int64
		if err := tx.Model(&models.Job{}).Where("bounty_id = ?", bounty.ID).Count(&totalJobs).Error; err != nil {
			return err
		}
		var settled int64
		err := tx.Model(&models.Payout{}).
			Joins("JOIN submissions ON submissions.id = payouts.submission_id").
			Where("submissions.bounty_id = ?", bounty.ID).
			Count(&settled).Error
		if err != nil {
			return err
		}
		if remaining := totalJobs - settled; remaining > 0 {
			if err := releaseReservation(tx, orgID, bounty.PayoutCents*remaining, now); err != nil {
				return err
			}
		}
		err = tx.Model(&models.Job{}).
			Where("bounty_id = ? AND status IN ?", bounty.ID,
				[]core.JobState{core.JobOpen, core.JobClaimed, core.JobVerifying}).
			Updates(map[string]any{
				"status":                core.JobExpired,
				"lease_worker_id":       nil,
				"lease_nonce":           nil,
				"lease_expires_at":      nil,
				"current_submission_id": nil,
				"updated_at":            now,
			}).Error
		if err != nil {
			return err
		}
		bounty.Status = core.BountyCompleted
		bounty.CompletedAt = &now
		bounty.UpdatedAt = now
		if err := tx.Save(&bounty).Error; err != nil {
			return err
		}
		if err := appendAudit(tx, actor, "bounty.complete", bounty.ID, orgID, "", now); err != nil {
			return err
		}
		completed = bounty
		return nil
	})
	if err != nil {
		return nil, translate(err)
	}
	return &completed, nil
}

// JobCounts summarizes a bounty's jobs by state.
func (s *Store) JobCounts(bountyID string) (map[core.JobState]int64, error) {
	type row struct {
		Status core.JobState
		N      int64
	}
	var rows []row
	err := s.db.Model(&models.Job{}).
		Select("status, COUNT(*) as n").
		Where("bounty_id = ?", bountyID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, translate(err)
	}
	counts := make(map[core.JobState]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}
