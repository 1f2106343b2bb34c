package storage

import (
	"fmt"

	"gorm.io/gorm"

	"proofwork/core"
	"proofwork/models"
	"proofwork/outbox"
)

// CreateArtifact registers an upload slot in the staging bucket.
func (s *Store) CreateArtifact(art *models.Artifact) error {
	if art.ID == "" {
		art.ID = core.NewID(core.PrefixArtifact)
	}
	if art.StorageKey == "" {
		return fmt.Errorf("%w: storage key required", ErrInvariant)
	}
	art.Status = core.ArtifactUploaded
	art.BucketKind = core.BucketStaging
	return translate(s.db.Create(art).Error)
}

// GetArtifact loads one artifact.
func (s *Store) GetArtifact(id string) (*models.Artifact, error) {
	var art models.Artifact
	if err := s.db.First(&art, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &art, nil
}

// CompleteArtifact records the uploaded bytes' digest and size and enqueues
// the scan. Completing an artifact twice re-emits nothing: the scan event key
// is the artifact id.
func (s *Store) CompleteArtifact(id, sha256 string, sizeBytes int64) (*models.Artifact, error) {
	var art models.Artifact
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := lockForUpdate(tx).First(&art, "id = ?", id).Error; err != nil {
			return translate(err)
		}
		if art.Status != core.ArtifactUploaded {
			return fmt.Errorf("%w: artifact %s is %s", ErrConflict, art.ID, art.Status)
		}
		now := s.Now()
		art.SHA256 = sha256
		art.SizeBytes = sizeBytes
		art.UpdatedAt = now
		if err := tx.Save(&art).Error; err != nil {
			return err
		}
		_, err := outbox.Insert(tx, outbox.TopicArtifactScanRequested, outbox.ArtifactScanKey(art.ID),
			outbox.ArtifactScanRequested{ArtifactID: art.ID, StorageKey: art.StorageKey})
		return err
	})
	if err != nil {
		return nil, translate(err)
	}
	return &art, nil
}

// ApplyScanResult resolves the scan: clean artifacts move to the clean
// bucket, infected ones are blocked into quarantine. A result for an
// already-resolved artifact is a no-op.
func (s *Store) ApplyScanResult(id string, clean bool, detail string) (*models.Artifact, error) {
	var art models.Artifact
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := lockForUpdate(tx).First(&art, "id = ?", id).Error; err != nil {
			return translate(err)
		}
		if art.Status != core.ArtifactUploaded {
			return nil
		}
		now := s.Now()
		if clean {
			art.Status = core.ArtifactScanned
			art.BucketKind = core.BucketClean
		} else {
			art.Status = core.ArtifactBlocked
			art.BucketKind = core.BucketQuarantine
		}
		art.ScanResult = detail
		art.UpdatedAt = now
		if err := tx.Save(&art).Error; err != nil {
			return err
		}
		action := "artifact.scanned"
		if !clean {
			action = "artifact.blocked"
		}
		return appendAudit(tx, "system", action, art.ID, art.OrgID, detail, now)
	})
	if err != nil {
		return nil, translate(err)
	}
	return &art, nil
}

// ArtifactsByIDs loads a set of artifacts preserving no particular order.
func (s *Store) ArtifactsByIDs(ids []string) ([]models.Artifact, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var arts []models.Artifact
	if err := s.db.Where("id IN ?", ids).Find(&arts).Error; err != nil {
		return nil, translate(err)
	}
	return arts, nil
}
