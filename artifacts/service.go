// Package artifacts manages evidence uploads: presigned staging slots,
// completion digests, malware scanning, and download authorization.
package artifacts

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"proofwork/core"
	"proofwork/models"
	"proofwork/outbox"
	"proofwork/storage"
)

// Scan deadlines. The scanner call is bounded separately from the liveness
// ping so a wedged daemon fails fast.
const (
	ScanTimeout = 15 * time.Second
	PingTimeout = 2 * time.Second
)

// DefaultPresignTTL bounds how long an upload slot stays writable.
const DefaultPresignTTL = 15 * time.Minute

// Upload rejections.
var (
	ErrBlockedContentType = errors.New("artifacts: blocked content type")
	ErrOversize           = errors.New("artifacts: declared size over cap")
	ErrForbidden          = errors.New("artifacts: caller may not access this artifact")
	ErrBadSignature       = errors.New("artifacts: invalid upload signature")
)

// Scanner is the malware-scan surface. A clamd adapter implements it in
// production; absence routes resolution through the internal scan-result
// endpoint.
type Scanner interface {
	Ping(ctx context.Context) error
	Scan(ctx context.Context, storageKey string) (clean bool, detail string, err error)
}

// Config tunes the upload surface.
type Config struct {
	MaxUploadBytes      int64
	BlockedContentTypes []string
	// SignSecret keys the presigned PUT URLs.
	SignSecret string
	PresignTTL time.Duration
}

// Service owns artifact intake.
type Service struct {
	store   *storage.Store
	cfg     Config
	scanner Scanner
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures the service.
type Option func(*Service)

// WithScanner attaches a malware scanner.
func WithScanner(scanner Scanner) Option {
	return func(s *Service) { s.scanner = scanner }
}

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock injects a deterministic clock for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New constructs the artifact service.
func New(store *storage.Store, cfg Config, opts ...Option) *Service {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 25 << 20
	}
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = DefaultPresignTTL
	}
	s := &Service{store: store, cfg: cfg, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PresignRequest describes one upload slot.
type PresignRequest struct {
	OrgID       string
	WorkerID    string
	ContentType string
	SizeBytes   int64
}

// Presigned is the created slot plus its writable URL.
type Presigned struct {
	Artifact *models.Artifact
	// PutURL is an opaque signed path the upload proxy honours with PUT
	// until ExpiresAt.
	PutURL    string
	ExpiresAt time.Time
}

// Presign validates the declared upload and creates a staging artifact.
func (s *Service) Presign(req PresignRequest) (*Presigned, error) {
	contentType := strings.ToLower(strings.TrimSpace(req.ContentType))
	for _, blocked := range s.cfg.BlockedContentTypes {
		if contentType == strings.ToLower(strings.TrimSpace(blocked)) {
			return nil, fmt.Errorf("%w: %s", ErrBlockedContentType, contentType)
		}
	}
	if req.SizeBytes <= 0 || req.SizeBytes > s.cfg.MaxUploadBytes {
		return nil, fmt.Errorf("%w: %d bytes against %d cap", ErrOversize, req.SizeBytes, s.cfg.MaxUploadBytes)
	}
	art := &models.Artifact{
		OrgID:       req.OrgID,
		WorkerID:    req.WorkerID,
		ContentType: contentType,
		StorageKey:  "staging/" + core.NewNonce(),
	}
	if err := s.store.CreateArtifact(art); err != nil {
		return nil, err
	}
	expires := s.now().UTC().Add(s.cfg.PresignTTL)
	return &Presigned{
		Artifact:  art,
		PutURL:    s.signPutURL(art.ID, expires),
		ExpiresAt: expires,
	}, nil
}

func (s *Service) signPutURL(artifactID string, expires time.Time) string {
	exp := strconv.FormatInt(expires.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(s.cfg.SignSecret))
	mac.Write([]byte(artifactID + "\x00" + exp))
	sig := hex.EncodeToString(mac.Sum(nil))
	return fmt.Sprintf("/uploads/put/%s?exp=%s&sig=%s", artifactID, exp, url.QueryEscape(sig))
}

// VerifyPutURL checks an upload proxy request's signature and expiry.
func (s *Service) VerifyPutURL(artifactID, exp, sig string) error {
	unix, err := strconv.ParseInt(exp, 10, 64)
	if err != nil {
		return ErrBadSignature
	}
	if s.now().UTC().After(time.Unix(unix, 0)) {
		return fmt.Errorf("%w: expired", ErrBadSignature)
	}
	mac := hmac.New(sha256.New, []byte(s.cfg.SignSecret))
	mac.Write([]byte(artifactID + "\x00" + exp))
	expected := hex.EncodeToString(mac.Sum(nil))
	decoded, err := url.QueryUnescape(sig)
	if err != nil {
		return ErrBadSignature
	}
	if !hmac.Equal([]byte(decoded), []byte(expected)) {
		return ErrBadSignature
	}
	return nil
}

// Complete records the uploaded digest and schedules the scan.
func (s *Service) Complete(artifactID, sha256Hex string, sizeBytes int64) (*models.Artifact, error) {
	if sizeBytes <= 0 || sizeBytes > s.cfg.MaxUploadBytes {
		return nil, fmt.Errorf("%w: %d bytes against %d cap", ErrOversize, sizeBytes, s.cfg.MaxUploadBytes)
	}
	if len(sha256Hex) != 64 {
		return nil, fmt.Errorf("artifacts: sha256 must be 64 hex chars")
	}
	if _, err := hex.DecodeString(sha256Hex); err != nil {
		return nil, fmt.Errorf("artifacts: sha256 not hex: %w", err)
	}
	return s.store.CompleteArtifact(artifactID, strings.ToLower(sha256Hex), sizeBytes)
}

// ResolveScan applies an external scan verdict, the path used by
// POST /internal/artifacts/{id}/scan-result.
func (s *Service) ResolveScan(artifactID string, clean bool, detail string) (*models.Artifact, error) {
	return s.store.ApplyScanResult(artifactID, clean, detail)
}

// ScanHandler returns the outbox handler for artifact.scan.requested. With a
// scanner attached it resolves inline; without one the event completes and
// resolution waits on the scan-result endpoint.
func (s *Service) ScanHandler() outbox.Handler {
	return func(ctx context.Context, evt outbox.Event) error {
		var payload outbox.ArtifactScanRequested
		if err := json.Unmarshal(evt.Payload, &payload); err != nil {
			return outbox.Terminal(fmt.Errorf("artifact.scan.requested payload: %w", err))
		}
		art, err := s.store.GetArtifact(payload.ArtifactID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return outbox.Terminal(err)
			}
			return err
		}
		if art.Status != core.ArtifactUploaded {
			return nil
		}
		if s.scanner == nil {
			s.logger.Info("artifact awaiting external scan", "artifact_id", art.ID)
			return nil
		}

		pingCtx, cancel := context.WithTimeout(ctx, PingTimeout)
		err = s.scanner.Ping(pingCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("scanner unavailable: %w", err)
		}
		scanCtx, cancel := context.WithTimeout(ctx, ScanTimeout)
		clean, detail, err := s.scanner.Scan(scanCtx, payload.StorageKey)
		cancel()
		if err != nil {
			return fmt.Errorf("scan %s: %w", art.ID, err)
		}
		if _, err := s.store.ApplyScanResult(art.ID, clean, detail); err != nil {
			return err
		}
		if !clean {
			s.logger.Warn("artifact quarantined", "artifact_id", art.ID, "detail", detail)
		}
		return nil
	}
}

// AuthorizeDownload admits the owning org's principals and the uploading
// worker; everyone else is refused. Blocked artifacts never serve.
func (s *Service) AuthorizeDownload(art *models.Artifact, orgID, workerID string) error {
	if art.Status == core.ArtifactBlocked {
		return fmt.Errorf("%w: quarantined", ErrForbidden)
	}
	if orgID != "" && art.OrgID == orgID {
		return nil
	}
	if workerID != "" && art.WorkerID == workerID {
		return nil
	}
	return ErrForbidden
}
