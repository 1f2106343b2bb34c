package storage

import (
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"proofwork/core"
	"proofwork/models"
	"proofwork/outbox"
)

// EnsureBillingAccount creates the funding account for an org if missing.
func (s *Store) EnsureBillingAccount(orgID string) error {
	account := models.BillingAccount{OrgID: orgID}
	return translate(s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&account).Error)
}

// GetBillingAccount loads an org's funding balance.
func (s *Store) GetBillingAccount(orgID string) (*models.BillingAccount, error) {
	var account models.BillingAccount
	if err := s.db.First(&account, "org_id = ?", orgID).Error; err != nil {
		return nil, translate(err)
	}
	return &account, nil
}

// ApplyBillingEvent records one funding ledger entry and applies its amount
// to the org balance. The event id carries the external identifier, so a
// replayed webhook collapses to a no-op. Top-ups additionally emit a
// billing.topup.credited outbox event. Returns whether the event was new.
func (s *Store) ApplyBillingEvent(evt *models.BillingEvent) (bool, error) {
	if evt.ID == "" {
		return false, fmt.Errorf("%w: billing event id required", ErrInvariant)
	}
	if evt.Currency == "" {
		evt.Currency = "usd"
	}
	applied := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		evt.CreatedAt = s.Now()
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(evt)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		applied = true
		if evt.AmountCents != 0 {
			res = tx.Model(&models.BillingAccount{}).
				Where("org_id = ?", evt.OrgID).
				Update("balance_cents", gorm.Expr("balance_cents + ?", evt.AmountCents))
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("%w: billing account %s", ErrNotFound, evt.OrgID)
			}
		}
		if evt.Kind == "topup" {
			_, err := outbox.Insert(tx, outbox.TopicBillingTopupCredited, outbox.TopupKey(evt.ID), outbox.BillingTopupCredited{
				OrgID:       evt.OrgID,
				EventID:     evt.ID,
				AmountCents: evt.AmountCents,
			})
			if err != nil {
				return err
			}
		}
		return appendAudit(tx, "system", "billing."+evt.Kind, evt.ID, evt.OrgID,
			fmt.Sprintf("amount_cents=%d currency=%s", evt.AmountCents, evt.Currency), s.Now())
	})
	if err != nil {
		return false, translate(err)
	}
	return applied, nil
}

// reserveBudget earmarks cents against the org balance inside the caller's
// transaction. Available funds are balance minus existing reservations.
func reserveBudget(tx *gorm.DB, orgID string, cents int64, at time.Time) error {
	if cents < 0 {
		return fmt.Errorf("%w: negative reservation %d", ErrInvariant, cents)
	}
	if cents == 0 {
		return nil
	}
	var account models.BillingAccount
	if err := lockForUpdate(tx).First(&account, "org_id = ?", orgID).Error; err != nil {
		return translate(err)
	}
	if account.BalanceCents-account.ReservedCents < cents {
		return fmt.Errorf("%w: need %d cents, %d available", ErrInsufficientFunds,
			cents, account.BalanceCents-account.ReservedCents)
	}
	account.ReservedCents += cents
	account.UpdatedAt = at
	return tx.Save(&account).Error
}

// releaseReservation returns earmarked cents to the available pool.
func releaseReservation(tx *gorm.DB, orgID string, cents int64, at time.Time) error {
	if cents <= 0 {
		return nil
	}
	var account models.BillingAccount
	if err := lockForUpdate(tx).First(&account, "org_id = ?", orgID).Error; err != nil {
		return translate(err)
	}
	if account.ReservedCents < cents {
		return fmt.Errorf("%w: releasing %d cents with %d reserved", ErrInvariant, cents, account.ReservedCents)
	}
	account.ReservedCents -= cents
	account.UpdatedAt = at
	return tx.Save(&account).Error
}

// settleReservation converts earmarked cents into spent funds: both the
// reservation and the balance shrink by the settled amount.
func settleReservation(tx *gorm.DB, orgID string, cents int64, at time.Time) error {
	if cents <= 0 {
		return nil
	}
	var account models.BillingAccount
	if err := lockForUpdate(tx).First(&account, "org_id = ?", orgID).Error; err != nil {
		return translate(err)
	}
	if account.ReservedCents < cents || account.BalanceCents < cents {
		return fmt.Errorf("%w: settling %d cents with balance=%d reserved=%d",
			ErrInvariant, cents, account.BalanceCents, account.ReservedCents)
	}
	account.ReservedCents -= cents
	account.BalanceCents -= cents
	account.UpdatedAt = at
	return tx.Save(&account).Error
}

// QuotaSnapshot summarizes an org's scheduling quota consumption.
type QuotaSnapshot struct {
	DayCents   int64
	MonthCents int64
	OpenJobs   int64
}

// QuotaUsage reports payouts accrued in the current UTC day and month plus
// jobs currently in flight, against which the org caps are enforced.
func (s *Store) QuotaUsage(orgID string, at time.Time) (QuotaSnapshot, error) {
	at = at.UTC()
	dayStart := time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC)
	monthStart := time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, time.UTC)
	var snap QuotaSnapshot
	err := s.db.Model(&models.Payout{}).
		Where("org_id = ? AND created_at >= ? AND status <> ?", orgID, dayStart, core.PayoutFailed).
		Select("COALESCE(SUM(amount_cents), 0)").
		Scan(&snap.DayCents).Error
	if err != nil {
		return snap, translate(err)
	}
	err = s.db.Model(&models.Payout{}).
		Where("org_id = ? AND created_at >= ? AND status <> ?", orgID, monthStart, core.PayoutFailed).
		Select("COALESCE(SUM(amount_cents), 0)").
		Scan(&snap.MonthCents).Error
	if err != nil {
		return snap, translate(err)
	}
	err = s.db.Model(&models.Job{}).
		Where("org_id = ? AND status IN ?", orgID, []core.JobState{core.JobOpen, core.JobClaimed, core.JobVerifying}).
		Count(&snap.OpenJobs).Error
	if err != nil {
		return snap, translate(err)
	}
	return snap, nil
}

// CreatePaymentIntent mirrors a provider checkout session.
func (s *Store) CreatePaymentIntent(intent *models.PaymentIntent) error {
	if intent.ID == "" {
		intent.ID = core.NewID(core.PrefixIntent)
	}
	return translate(s.db.Create(intent).Error)
}

// GetPaymentIntentByRef resolves a checkout by provider reference.
func (s *Store) GetPaymentIntentByRef(provider, ref string) (*models.PaymentIntent, error) {
	var intent models.PaymentIntent
	err := s.db.First(&intent, "provider = ? AND provider_ref = ?", provider, ref).Error
	if err != nil {
		return nil, translate(err)
	}
	return &intent, nil
}

// SetPaymentIntentStatus advances a checkout mirror.
func (s *Store) SetPaymentIntentStatus(id, status string) error {
	res := s.db.Model(&models.PaymentIntent{}).Where("id = ?", id).
		Updates(map[string]any{"status": status, "updated_at": s.Now()})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListBillingEvents returns the funding ledger for an org, newest first.
func (s *Store) ListBillingEvents(orgID string, limit int) ([]models.BillingEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var events []models.BillingEvent
	err := s.db.Where("org_id = ?", orgID).Order("created_at desc").Limit(limit).Find(&events).Error
	if err != nil {
		return nil, translate(err)
	}
	return events, nil
}
