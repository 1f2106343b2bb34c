package storage

import (
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"proofwork/core"
	"proofwork/models"
)

// CreateOrigin registers a pending (org, url) pair with its challenge token.
// The URL must already be normalized by the caller.
func (s *Store) CreateOrigin(origin *models.Origin) error {
	if origin.ID == "" {
		origin.ID = core.NewID(core.PrefixOrigin)
	}
	if origin.State == "" {
		origin.State = core.OriginPending
	}
	return translate(s.db.Create(origin).Error)
}

// GetOrigin loads one origin scoped to its org.
func (s *Store) GetOrigin(orgID, id string) (*models.Origin, error) {
	var origin models.Origin
	err := s.db.First(&origin, "id = ? AND org_id = ?", id, orgID).Error
	if err != nil {
		return nil, translate(err)
	}
	return &origin, nil
}

// ListOrigins returns all origins of one org.
func (s *Store) ListOrigins(orgID string) ([]models.Origin, error) {
	var origins []models.Origin
	err := s.db.Where("org_id = ?", orgID).Order("created_at asc").Find(&origins).Error
	if err != nil {
		return nil, translate(err)
	}
	return origins, nil
}

// MarkOriginVerified transitions pending to verified recording the method.
func (s *Store) MarkOriginVerified(orgID, id, method string) error {
	now := s.Now()
	res := s.db.Model(&models.Origin{}).
		Where("id = ? AND org_id = ? AND state = ?", id, orgID, core.OriginPending).
		Updates(map[string]any{"state": core.OriginVerified, "method": method, "verified_at": now})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: origin %s not pending", ErrConflict, id)
	}
	return nil
}

// RevokeOrigin terminates an origin. Revocation is terminal.
func (s *Store) RevokeOrigin(orgID, id, actor string) error {
	now := s.Now()
	return translate(s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Origin{}).
			Where("id = ? AND org_id = ? AND state <> ?", id, orgID, core.OriginRevoked).
			Updates(map[string]any{"state": core.OriginRevoked, "revoked_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return appendAudit(tx, actor, "origin.revoke", id, orgID, "", now)
	}))
}

// OriginStates maps normalized origin URLs of one org to their states.
func (s *Store) OriginStates(orgID string, urls []string) (map[string]core.OriginState, error) {
	states := make(map[string]core.OriginState, len(urls))
	if len(urls) == 0 {
		return states, nil
	}
	var origins []models.Origin
	err := s.db.Where("org_id = ? AND origin_url IN ?", orgID, urls).Find(&origins).Error
	if err != nil {
		return nil, translate(err)
	}
	for _, origin := range origins {
		states[origin.OriginURL] = origin.State
	}
	return states, nil
}

// AddBlockedDomain inserts into the global deny-list, idempotently.
func (s *Store) AddBlockedDomain(domain, reason, actor string) error {
	now := s.Now()
	entry := models.BlockedDomain{Domain: domain, Reason: reason, AddedBy: actor, CreatedAt: now}
	return translate(s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&entry)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		return appendAudit(tx, actor, "blocked_domain.add", domain, "", reason, now)
	}))
}

// RemoveBlockedDomain deletes a deny-list entry.
func (s *Store) RemoveBlockedDomain(domain, actor string) error {
	now := s.Now()
	return translate(s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&models.BlockedDomain{}, "domain = ?", domain)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return appendAudit(tx, actor, "blocked_domain.remove", domain, "", "", now)
	}))
}

// ListBlockedDomains returns the global deny-list.
func (s *Store) ListBlockedDomains() ([]models.BlockedDomain, error) {
	var domains []models.BlockedDomain
	if err := s.db.Order("domain asc").Find(&domains).Error; err != nil {
		return nil, translate(err)
	}
	return domains, nil
}

// IsDomainBlocked reports whether a host falls under any deny-list entry.
// Matching is label-aligned suffix matching.
func (s *Store) IsDomainBlocked(host string) (bool, error) {
	domains, err := s.ListBlockedDomains()
	if err != nil {
		return false, err
	}
	for _, entry := range domains {
		if core.HostMatchesDomain(host, entry.Domain) {
			return true, nil
		}
	}
	return false, nil
}
