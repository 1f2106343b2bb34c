package storage

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"proofwork/core"
	"proofwork/models"
)

// CreateOrg persists a new tenant together with its billing account.
func (s *Store) CreateOrg(org *models.Org) error {
	if org.ID == "" {
		org.ID = core.NewID(core.PrefixOrg)
	}
	if org.PlatformFeeBps < 0 || org.PlatformFeeBps > core.BpsDenominator {
		return fmt.Errorf("%w: platform fee bps %d", ErrInvariant, org.PlatformFeeBps)
	}
	return translate(s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(org).Error; err != nil {
			return err
		}
		account := &models.BillingAccount{OrgID: org.ID}
		return tx.Create(account).Error
	}))
}

// GetOrg loads one tenant.
func (s *Store) GetOrg(id string) (*models.Org, error) {
	var org models.Org
	if err := s.db.First(&org, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &org, nil
}

// UpdateOrg saves tenant settings.
func (s *Store) UpdateOrg(org *models.Org) error {
	if org.PlatformFeeBps < 0 || org.PlatformFeeBps > core.BpsDenominator {
		return fmt.Errorf("%w: platform fee bps %d", ErrInvariant, org.PlatformFeeBps)
	}
	return translate(s.db.Save(org).Error)
}

// CreateOrgUser persists a console login. Email is stored lowercased and is
// globally unique.
func (s *Store) CreateOrgUser(user *models.OrgUser) error {
	if user.ID == "" {
		user.ID = core.NewID(core.PrefixOrgUser)
	}
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	if user.Email == "" {
		return fmt.Errorf("%w: email required", ErrInvariant)
	}
	return translate(s.db.Create(user).Error)
}

// GetOrgUserByEmail resolves a login by lowercased email.
func (s *Store) GetOrgUserByEmail(email string) (*models.OrgUser, error) {
	var user models.OrgUser
	err := s.db.First(&user, "email = ?", strings.ToLower(strings.TrimSpace(email))).Error
	if err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

// CreateSession opens a console session.
func (s *Store) CreateSession(session *models.Session) error {
	if session.ID == "" {
		session.ID = core.NewID(core.PrefixSession)
	}
	return translate(s.db.Create(session).Error)
}

// GetSession loads a session; revoked or expired sessions return ErrNotFound.
func (s *Store) GetSession(id string) (*models.Session, error) {
	var session models.Session
	if err := s.db.First(&session, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	if session.RevokedAt != nil || s.Now().After(session.ExpiresAt) {
		return nil, ErrNotFound
	}
	return &session, nil
}

// RevokeSession terminates a session. The transition is terminal.
func (s *Store) RevokeSession(id string) error {
	now := s.Now()
	res := s.db.Model(&models.Session{}).
		Where("id = ? AND revoked_at IS NULL", id).
		Update("revoked_at", now)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateAPIKey stores a new bearer credential hash.
func (s *Store) CreateAPIKey(key *models.APIKey) error {
	if key.ID == "" {
		key.ID = core.NewID(core.PrefixAPIKey)
	}
	return translate(s.db.Create(key).Error)
}

// GetAPIKeyByHash resolves an unrevoked credential by token hash.
func (s *Store) GetAPIKeyByHash(hash string) (*models.APIKey, error) {
	var key models.APIKey
	err := s.db.First(&key, "token_hash = ? AND revoked_at IS NULL", hash).Error
	if err != nil {
		return nil, translate(err)
	}
	return &key, nil
}

// RevokeAPIKey terminates a credential.
func (s *Store) RevokeAPIKey(id string) error {
	now := s.Now()
	res := s.db.Model(&models.APIKey{}).
		Where("id = ? AND revoked_at IS NULL", id).
		Update("revoked_at", now)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchAPIKey records credential use. Failures are ignored by callers.
func (s *Store) TouchAPIKey(id string, at time.Time) error {
	return translate(s.db.Model(&models.APIKey{}).Where("id = ?", id).Update("last_used_at", at).Error)
}
