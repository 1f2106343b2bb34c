package storage

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"proofwork/core"
	"proofwork/models"
)

// CreateWorker registers an anonymous agent.
func (s *Store) CreateWorker(worker *models.Worker) error {
	if worker.ID == "" {
		worker.ID = core.NewID(core.PrefixWorker)
	}
	return translate(s.db.Create(worker).Error)
}

// GetWorker loads one worker.
func (s *Store) GetWorker(id string) (*models.Worker, error) {
	var worker models.Worker
	if err := s.db.First(&worker, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &worker, nil
}

// GetWorkerByTokenHash resolves a worker credential.
func (s *Store) GetWorkerByTokenHash(hash string) (*models.Worker, error) {
	var worker models.Worker
	if err := s.db.First(&worker, "token_hash = ?", hash).Error; err != nil {
		return nil, translate(err)
	}
	return &worker, nil
}

// TouchWorkerSeen records scheduler contact.
func (s *Store) TouchWorkerSeen(id string) error {
	now := s.Now()
	return translate(s.db.Model(&models.Worker{}).Where("id = ?", id).Update("last_seen_at", now).Error)
}

// BanWorker blocks future claims and revokes every active lease the worker
// holds. Leased jobs return to open.
func (s *Store) BanWorker(id, reason, actor string) error {
	now := s.Now()
	return translate(s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Worker{}).
			Where("id = ? AND banned_at IS NULL", id).
			Updates(map[string]any{"banned_at": now, "ban_reason": reason})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var worker models.Worker
			if err := tx.First(&worker, "id = ?", id).Error; err != nil {
				return err
			}
			return nil
		}
		if err := tx.Model(&models.Job{}).
			Where("lease_worker_id = ? AND status = ?", id, core.JobClaimed).
			Updates(map[string]any{
				"status":           core.JobOpen,
				"lease_worker_id":  nil,
				"lease_nonce":      nil,
				"lease_expires_at": nil,
			}).Error; err != nil {
			return err
		}
		return appendAudit(tx, actor, "worker.ban", id, "", reason, now)
	}))
}

// UpsertPayoutAddress binds or replaces a worker settlement address for one
// chain.
func (s *Store) UpsertPayoutAddress(addr *models.WorkerPayoutAddress) error {
	if addr.ID == "" {
		addr.ID = core.NewID(core.PrefixPayoutAddr)
	}
	return translate(s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "worker_id"}, {Name: "chain"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"address", "status", "verified_at", "updated_at",
		}),
	}).Create(addr).Error)
}

// GetPayoutAddress resolves a worker's address for one chain.
func (s *Store) GetPayoutAddress(workerID, chain string) (*models.WorkerPayoutAddress, error) {
	var addr models.WorkerPayoutAddress
	err := s.db.First(&addr, "worker_id = ? AND chain = ?", workerID, chain).Error
	if err != nil {
		return nil, translate(err)
	}
	return &addr, nil
}
