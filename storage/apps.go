package storage

import (
	"fmt"
	"strings"

	"gorm.io/gorm"

	"proofwork/core"
	"proofwork/models"
)

// App statuses.
const (
	AppActive   = "active"
	AppDisabled = "disabled"
)

// CreateApp registers a task type under an org. Task types are globally
// unique among non-system apps.
func (s *Store) CreateApp(app *models.App) error {
	if app.ID == "" {
		app.ID = core.NewID(core.PrefixApp)
	}
	app.Slug = strings.ToLower(strings.TrimSpace(app.Slug))
	app.TaskType = strings.TrimSpace(app.TaskType)
	if app.Slug == "" || app.TaskType == "" {
		return fmt.Errorf("%w: slug and task_type required", ErrInvariant)
	}
	if app.Status == "" {
		app.Status = AppActive
	}
	return translate(s.db.Transaction(func(tx *gorm.DB) error {
		var count int64
		err := tx.Model(&models.App{}).
			Where("task_type = ? AND org_id <> ? AND org_id <> ?", app.TaskType, core.SystemOrgID, app.OrgID).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w: task_type %q already registered", ErrConflict, app.TaskType)
		}
		return tx.Create(app).Error
	}))
}

// GetApp loads one app scoped to its org.
func (s *Store) GetApp(orgID, id string) (*models.App, error) {
	var app models.App
	if err := s.db.First(&app, "id = ? AND org_id = ?", id, orgID).Error; err != nil {
		return nil, translate(err)
	}
	return &app, nil
}

// GetAppByTaskType resolves the app owning a task type, preferring the
// caller's org over the built-in system org.
func (s *Store) GetAppByTaskType(orgID, taskType string) (*models.App, error) {
	var apps []models.App
	err := s.db.
		Where("task_type = ? AND org_id IN ?", taskType, []string{orgID, core.SystemOrgID}).
		Find(&apps).Error
	if err != nil {
		return nil, translate(err)
	}
	if len(apps) == 0 {
		return nil, ErrNotFound
	}
	for i := range apps {
		if apps[i].OrgID == orgID {
			return &apps[i], nil
		}
	}
	return &apps[0], nil
}

// ListApps returns all apps of one org.
func (s *Store) ListApps(orgID string) ([]models.App, error) {
	var apps []models.App
	err := s.db.Where("org_id = ?", orgID).Order("slug asc").Find(&apps).Error
	if err != nil {
		return nil, translate(err)
	}
	return apps, nil
}

// SetAppStatus enables or disables an app. Disabled apps block new bounty
// creation for their task type.
func (s *Store) SetAppStatus(orgID, id, status, actor string) error {
	if status != AppActive && status != AppDisabled {
		return fmt.Errorf("%w: app status %q", ErrInvariant, status)
	}
	now := s.Now()
	return translate(s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.App{}).
			Where("id = ? AND org_id = ?", id, orgID).
			Update("status", status)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return appendAudit(tx, actor, "app."+status, id, orgID, "", now)
	}))
}
