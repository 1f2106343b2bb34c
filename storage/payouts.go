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

// PayoutSpec carries the computed settlement for one accepted submission.
type PayoutSpec struct {
	SubmissionID     string
	OrgID            string
	WorkerID         string
	Split            core.FeeSplit
	NetAddress       string
	PlatformAddress  string
	ProofworkAddress string
}

// CreatePayout writes the payout and its three transfer legs, settling the
// bounty reservation for the gross amount. Replays for a submission that
// already has a payout return the stored rows unchanged, so the
// payout.requested handler is idempotent.
func (s *Store) CreatePayout(spec PayoutSpec) (*models.Payout, []models.PayoutTransfer, error) {
	if spec.SubmissionID == "" {
		return nil, nil, fmt.Errorf("%w: submission id required", ErrInvariant)
	}
	var payout models.Payout
	var transfers []models.PayoutTransfer
	err := s.db.Transaction(func(tx *gorm.DB) error {
		err := tx.First(&payout, "submission_id = ?", spec.SubmissionID).Error
		if err == nil {
			return tx.Where("payout_id = ?", payout.ID).Order("kind asc").Find(&transfers).Error
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		now := s.Now()
		payout = models.Payout{
			ID:                core.NewID(core.PrefixPayout),
			SubmissionID:      spec.SubmissionID,
			OrgID:             spec.OrgID,
			WorkerID:          spec.WorkerID,
			AmountCents:       spec.Split.AmountCents,
			PlatformFeeCents:  spec.Split.PlatformFeeCents,
			ProofworkFeeCents: spec.Split.ProofworkFeeCents,
			NetAmountCents:    spec.Split.NetCents,
			Status:            core.PayoutPending,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := tx.Create(&payout).Error; err != nil {
			return err
		}
		legs := []struct {
			kind   string
			amount int64
			dest   string
		}{
			{core.TransferKindNet, spec.Split.NetCents, spec.NetAddress},
			{core.TransferKindPlatformFee, spec.Split.PlatformFeeCents, spec.PlatformAddress},
			{core.TransferKindProofworkFee, spec.Split.ProofworkFeeCents, spec.ProofworkAddress},
		}
		for _, leg := range legs {
			transfer := models.PayoutTransfer{
				ID:          core.NewID(core.PrefixTransfer),
				PayoutID:    payout.ID,
				Kind:        leg.kind,
				AmountCents: leg.amount,
				DestAddress: leg.dest,
				Status:      core.TransferPending,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			// Zero-valued legs never touch the rail.
			if leg.amount == 0 {
				transfer.Status = core.TransferConfirmed
				transfer.ConfirmedAt = &now
			}
			if err := tx.Create(&transfer).Error; err != nil {
				return err
			}
			transfers = append(transfers, transfer)
		}
		if err := settleReservation(tx, spec.OrgID, spec.Split.AmountCents, now); err != nil {
			return err
		}
		err = tx.Model(&models.Submission{}).Where("id = ?", spec.SubmissionID).
			Updates(map[string]any{"payout_status": string(core.PayoutPending), "updated_at": now}).Error
		if err != nil {
			return err
		}
		return appendAudit(tx, "system", "payout.create", payout.ID, spec.OrgID,
			fmt.Sprintf("amount_cents=%d net_cents=%d", payout.AmountCents, payout.NetAmountCents), now)
	})
	if err != nil {
		return nil, nil, translate(err)
	}
	return &payout, transfers, nil
}

// GetPayout loads one payout.
func (s *Store) GetPayout(id string) (*models.Payout, error) {
	var payout models.Payout
	if err := s.db.First(&payout, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &payout, nil
}

// GetPayoutBySubmission resolves a payout by its submission.
func (s *Store) GetPayoutBySubmission(submissionID string) (*models.Payout, error) {
	var payout models.Payout
	if err := s.db.First(&payout, "submission_id = ?", submissionID).Error; err != nil {
		return nil, translate(err)
	}
	return &payout, nil
}

// ListTransfers returns a payout's transfer legs.
func (s *Store) ListTransfers(payoutID string) ([]models.PayoutTransfer, error) {
	var transfers []models.PayoutTransfer
	err := s.db.Where("payout_id = ?", payoutID).Order("kind asc").Find(&transfers).Error
	if err != nil {
		return nil, translate(err)
	}
	return transfers, nil
}

// TransitionPayout locks the payout, validates the state change, and applies
// extra column updates atomically.
func (s *Store) TransitionPayout(id string, next core.PayoutState, updates map[string]any) (*models.Payout, error) {
	var payout models.Payout
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := lockForUpdate(tx).First(&payout, "id = ?", id).Error; err != nil {
			return translate(err)
		}
		if err := core.ValidatePayoutTransition(payout.Status, next); err != nil {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
		if updates == nil {
			updates = map[string]any{}
		}
		updates["status"] = next
		updates["updated_at"] = s.Now()
		if err := tx.Model(&models.Payout{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return err
		}
		return tx.First(&payout, "id = ?", id).Error
	})
	if err != nil {
		return nil, translate(err)
	}
	return &payout, nil
}

// UpdateTransfer locks one transfer leg and applies mutate under the lock.
// State changes inside mutate are validated.
func (s *Store) UpdateTransfer(id string, mutate func(*models.PayoutTransfer) error) (*models.PayoutTransfer, error) {
	var transfer models.PayoutTransfer
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := lockForUpdate(tx).First(&transfer, "id = ?", id).Error; err != nil {
			return translate(err)
		}
		prev := transfer.Status
		if err := mutate(&transfer); err != nil {
			return err
		}
		if transfer.Status != prev {
			if err := core.ValidateTransferTransition(prev, transfer.Status); err != nil {
				return fmt.Errorf("%w: %v", ErrConflict, err)
			}
		}
		transfer.UpdatedAt = s.Now()
		return tx.Save(&transfer).Error
	})
	if err != nil {
		return nil, translate(err)
	}
	return &transfer, nil
}

// FinalizePaid closes out a payout whose transfers have all confirmed:
// payout to paid, the submission flagged, and the debit written to the
// funding ledger. The balance itself moved when the reservation settled.
func (s *Store) FinalizePaid(payoutID string) (*models.Payout, error) {
	var payout models.Payout
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := lockForUpdate(tx).First(&payout, "id = ?", payoutID).Error; err != nil {
			return translate(err)
		}
		if payout.Status == core.PayoutPaid {
			return nil
		}
		var unconfirmed int64
		err := tx.Model(&models.PayoutTransfer{}).
			Where("payout_id = ? AND status <> ?", payoutID, core.TransferConfirmed).
			Count(&unconfirmed).Error
		if err != nil {
			return err
		}
		if unconfirmed > 0 {
			return fmt.Errorf("%w: %d transfers unconfirmed", ErrConflict, unconfirmed)
		}
		now := s.Now()
		if payout.Status != core.PayoutConfirmed {
			if err := core.ValidatePayoutTransition(payout.Status, core.PayoutConfirmed); err != nil {
				return fmt.Errorf("%w: %v", ErrConflict, err)
			}
		}
		if err := core.ValidatePayoutTransition(core.PayoutConfirmed, core.PayoutPaid); err != nil {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
		payout.Status = core.PayoutPaid
		payout.PaidAt = &now
		payout.UpdatedAt = now
		if err := tx.Save(&payout).Error; err != nil {
			return err
		}
		err = tx.Model(&models.Submission{}).Where("id = ?", payout.SubmissionID).
			Updates(map[string]any{"payout_status": string(core.PayoutPaid), "updated_at": now}).Error
		if err != nil {
			return err
		}
		ledger := models.BillingEvent{
			ID:          "payout_settle_" + payout.ID,
			OrgID:       payout.OrgID,
			Kind:        "payout",
			AmountCents: -payout.AmountCents,
			Currency:    "usd",
			CreatedAt:   now,
		}
		if err := tx.Clauses(onConflictDoNothing()).Create(&ledger).Error; err != nil {
			return err
		}
		return appendAudit(tx, "system", "payout.paid", payout.ID, payout.OrgID,
			fmt.Sprintf("net_cents=%d", payout.NetAmountCents), now)
	})
	if err != nil {
		return nil, translate(err)
	}
	return &payout, nil
}

// MarkPayoutFailed terminally fails a payout and its unfinished transfers.
func (s *Store) MarkPayoutFailed(payoutID, reason string) (*models.Payout, error) {
	var payout models.Payout
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := lockForUpdate(tx).First(&payout, "id = ?", payoutID).Error; err != nil {
			return translate(err)
		}
		if err := core.ValidatePayoutTransition(payout.Status, core.PayoutFailed); err != nil {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
		now := s.Now()
		payout.Status = core.PayoutFailed
		payout.FailureReason = reason
		payout.UpdatedAt = now
		if err := tx.Save(&payout).Error; err != nil {
			return err
		}
		err := tx.Model(&models.PayoutTransfer{}).
			Where("payout_id = ? AND status IN ?", payoutID,
				[]core.TransferState{core.TransferPending, core.TransferBroadcast}).
			Updates(map[string]any{"status": core.TransferFailed, "last_error": reason, "updated_at": now}).Error
		if err != nil {
			return err
		}
		err = tx.Model(&models.Submission{}).Where("id = ?", payout.SubmissionID).
			Updates(map[string]any{"payout_status": string(core.PayoutFailed), "updated_at": now}).Error
		if err != nil {
			return err
		}
		return appendAudit(tx, "system", "payout.fail", payout.ID, payout.OrgID, "reason="+reason, now)
	})
	if err != nil {
		return nil, translate(err)
	}
	return &payout, nil
}

// MarkPayoutAdmin is the break-glass override: force a payout paid or failed
// after out-of-band settlement, recording the external provider reference and
// silencing any in-flight outbox work for it.
func (s *Store) MarkPayoutAdmin(payoutID string, status core.PayoutState, provider, providerRef, reason, actor string) (*models.Payout, error) {
	if status != core.PayoutPaid && status != core.PayoutFailed {
		return nil, fmt.Errorf("%w: admin mark must be paid or failed", ErrInvariant)
	}
	var payout models.Payout
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := lockForUpdate(tx).First(&payout, "id = ?", payoutID).Error; err != nil {
			return translate(err)
		}
		if core.TerminalPayout(payout.Status) {
			return fmt.Errorf("%w: payout %s is %s", ErrConflict, payout.ID, payout.Status)
		}
		now := s.Now()
		payout.Status = status
		payout.Provider = provider
		payout.ProviderRef = providerRef
		payout.FailureReason = reason
		payout.UpdatedAt = now
		if status == core.PayoutPaid {
			payout.PaidAt = &now
		}
		if err := tx.Save(&payout).Error; err != nil {
			return err
		}
		transferStatus := core.TransferConfirmed
		if status == core.PayoutFailed {
			transferStatus = core.TransferFailed
		}
		err := tx.Model(&models.PayoutTransfer{}).
			Where("payout_id = ? AND status IN ?", payoutID,
				[]core.TransferState{core.TransferPending, core.TransferBroadcast}).
			Updates(map[string]any{"status": transferStatus, "updated_at": now}).Error
		if err != nil {
			return err
		}
		err = tx.Model(&models.Submission{}).Where("id = ?", payout.SubmissionID).
			Updates(map[string]any{"payout_status": string(status), "updated_at": now}).Error
		if err != nil {
			return err
		}
		return appendAudit(tx, actor, "payout.mark", payout.ID, payout.OrgID,
			fmt.Sprintf("status=%s provider=%s ref=%s", status, provider, providerRef), now)
	})
	if err != nil {
		return nil, translate(err)
	}
	// Stop the pipeline from re-driving the marked payout.
	if _, err := outbox.MarkSent(s.db, outbox.TopicPayoutRequested, outbox.PayoutKey(payout.SubmissionID)); err != nil {
		return nil, translate(err)
	}
	if _, err := outbox.MarkSent(s.db, outbox.TopicPayoutConfirmRequested, outbox.PayoutConfirmKey(payout.ID)); err != nil {
		return nil, translate(err)
	}
	return &payout, nil
}

// ReopenPayout revives a failed payout after the blocking condition cleared,
// for example a worker registering the payout address the first run lacked.
// Unsettled transfer legs return to pending (zero-valued legs re-confirm) and
// the net leg is repointed at netAddress.
func (s *Store) ReopenPayout(payoutID, netAddress string) (*models.Payout, error) {
	var payout models.Payout
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := lockForUpdate(tx).First(&payout, "id = ?", payoutID).Error; err != nil {
			return translate(err)
		}
		if payout.Status != core.PayoutFailed {
			return fmt.Errorf("%w: payout %s is %s, only failed payouts reopen", ErrConflict, payout.ID, payout.Status)
		}
		now := s.Now()
		payout.Status = core.PayoutPending
		payout.FailureReason = ""
		payout.UpdatedAt = now
		if err := tx.Save(&payout).Error; err != nil {
			return err
		}
		var transfers []models.PayoutTransfer
		if err := tx.Where("payout_id = ?", payoutID).Find(&transfers).Error; err != nil {
			return err
		}
		for i := range transfers {
			transfer := &transfers[i]
			if transfer.Status == core.TransferConfirmed {
				continue
			}
			updates := map[string]any{"last_error": "", "updated_at": now}
			if transfer.AmountCents == 0 {
				updates["status"] = core.TransferConfirmed
				updates["confirmed_at"] = now
			} else {
				updates["status"] = core.TransferPending
			}
			if transfer.Kind == core.TransferKindNet && netAddress != "" {
				updates["dest_address"] = netAddress
			}
			err := tx.Model(&models.PayoutTransfer{}).Where("id = ?", transfer.ID).Updates(updates).Error
			if err != nil {
				return err
			}
		}
		err := tx.Model(&models.Submission{}).Where("id = ?", payout.SubmissionID).
			Updates(map[string]any{"payout_status": string(core.PayoutPending), "updated_at": now}).Error
		if err != nil {
			return err
		}
		return appendAudit(tx, "system", "payout.reopen", payout.ID, payout.OrgID, "", now)
	})
	if err != nil {
		return nil, translate(err)
	}
	return &payout, nil
}

// ListFailedPayoutsForWorker returns a worker's failed payouts carrying the
// given failure reason, oldest first.
func (s *Store) ListFailedPayoutsForWorker(workerID, reason string) ([]models.Payout, error) {
	var payouts []models.Payout
	err := s.db.Where("worker_id = ? AND status = ? AND failure_reason = ?",
		workerID, core.PayoutFailed, reason).
		Order("created_at asc").Find(&payouts).Error
	if err != nil {
		return nil, translate(err)
	}
	return payouts, nil
}

// DailyPayoutCents sums the gross cents of payouts in flight or settled
// during the UTC day containing at. Failed payouts do not count.
func (s *Store) DailyPayoutCents(at time.Time) (int64, error) {
	at = at.UTC()
	dayStart := time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC)
	var total int64
	err := s.db.Model(&models.Payout{}).
		Where("created_at >= ? AND status <> ?", dayStart, core.PayoutFailed).
		Select("COALESCE(SUM(amount_cents), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, translate(err)
	}
	return total, nil
}

// ListPayoutsBetween returns payouts created in [from, to), oldest first,
// for reconciliation.
func (s *Store) ListPayoutsBetween(from, to time.Time) ([]models.Payout, error) {
	var payouts []models.Payout
	err := s.db.Where("created_at >= ? AND created_at < ?", from.UTC(), to.UTC()).
		Order("created_at asc").Find(&payouts).Error
	if err != nil {
		return nil, translate(err)
	}
	return payouts, nil
}

// ListTransfersForPayouts loads transfer legs for a payout id set.
func (s *Store) ListTransfersForPayouts(payoutIDs []string) ([]models.PayoutTransfer, error) {
	if len(payoutIDs) == 0 {
		return nil, nil
	}
	var transfers []models.PayoutTransfer
	err := s.db.Where("payout_id IN ?", payoutIDs).Order("payout_id asc, kind asc").Find(&transfers).Error
	if err != nil {
		return nil, translate(err)
	}
	return transfers, nil
}

// ListPayoutsByStatus returns payouts in a given state, oldest first.
func (s *Store) ListPayoutsByStatus(status core.PayoutState, limit int) ([]models.Payout, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var payouts []models.Payout
	err := s.db.Where("status = ?", status).Order("created_at asc").Limit(limit).Find(&payouts).Error
	if err != nil {
		return nil, translate(err)
	}
	return payouts, nil
}
