package storage

import (
	"time"

	"gorm.io/gorm"

	"proofwork/models"
)

func appendAudit(tx *gorm.DB, actor, action, entityID, orgID, notes string, at time.Time) error {
	event := models.AuditEvent{
		Actor:     actor,
		Action:    action,
		EntityID:  entityID,
		OrgID:     orgID,
		Notes:     notes,
		CreatedAt: at,
	}
	return tx.Create(&event).Error
}

// AppendAudit records a privileged or lifecycle action outside a domain
// transaction.
func (s *Store) AppendAudit(actor, action, entityID, orgID, notes string) error {
	return translate(appendAudit(s.db, actor, action, entityID, orgID, notes, s.Now()))
}

// ListAuditEvents returns the newest audit rows, optionally after a cursor id.
func (s *Store) ListAuditEvents(afterID uint, limit int) ([]models.AuditEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var events []models.AuditEvent
	q := s.db.Order("id asc").Limit(limit)
	if afterID > 0 {
		q = q.Where("id > ?", afterID)
	}
	if err := q.Find(&events).Error; err != nil {
		return nil, translate(err)
	}
	return events, nil
}
