// Package submissions validates and ingests worker manifests. The engine
// owns every admission check between a leased job and the stored submission;
// the storage layer owns the transaction that records it.
package submissions

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"proofwork/core"
	"proofwork/models"
	"proofwork/storage"
)

// Sentinel rejections mapped onto the HTTP taxonomy by the gateway.
var (
	ErrStaleJob        = errors.New("submissions: job exceeded its freshness window")
	ErrOriginViolation = errors.New("submissions: finalUrl outside the bounty's allowed origins")
	ErrInvalidArtifact = errors.New("submissions: artifact missing, foreign, or not clean")
	ErrSchema          = errors.New("submissions: manifest failed validation")
)

// Result is the observed outcome a worker reports.
type Result struct {
	Expected string `json:"expected,omitempty"`
	Observed string `json:"observed"`
	Outcome  string `json:"outcome,omitempty"`
}

// ArtifactRef points at one uploaded artifact from a manifest or index.
type ArtifactRef struct {
	ArtifactID string `json:"artifactId,omitempty"`
	Kind       string `json:"kind"`
	Label      string `json:"label,omitempty"`
	SHA256     string `json:"sha256,omitempty"`
	URL        string `json:"url,omitempty"`
}

// Manifest is the structured portion of a worker submission.
type Manifest struct {
	FinalURL   string         `json:"finalUrl,omitempty"`
	ReproSteps []string       `json:"reproSteps,omitempty"`
	Result     *Result        `json:"result"`
	Worker     map[string]any `json:"worker,omitempty"`
	Artifacts  []ArtifactRef  `json:"artifacts,omitempty"`
}

// ArtifactIndex enumerates every artifact a submission references.
type ArtifactIndex struct {
	Artifacts []ArtifactRef `json:"artifacts"`
}

// Request is one intake call.
type Request struct {
	JobID          string
	WorkerID       string
	LeaseNonce     string
	IdempotencyKey string
	Manifest       json.RawMessage
	ArtifactIndex  json.RawMessage
}

// Engine runs the submission admission checks.
type Engine struct {
	store *storage.Store
	now   func() time.Time
}

// Option configures the engine.
type Option func(*Engine)

// WithClock injects a deterministic clock for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New constructs an Engine over the store.
func New(store *storage.Store, opts ...Option) *Engine {
	e := &Engine{store: store, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Submit validates one worker manifest against its job and records it. The
// returned outcome distinguishes fresh intake, idempotent replay, and
// duplicate suppression.
func (e *Engine) Submit(req Request) (*storage.SubmissionOutcome, error) {
	job, err := e.store.GetJob(req.JobID)
	if err != nil {
		return nil, err
	}

	// A retry whose first attempt already landed replays the stored
	// submission before any check a moved-on job would fail.
	if req.IdempotencyKey != "" {
		if existing, err := e.store.GetSubmissionByIdempotencyKey(req.JobID, req.IdempotencyKey); err == nil {
			hash, hashErr := payloadHash(req.Manifest, req.ArtifactIndex)
			if hashErr != nil {
				return nil, fmt.Errorf("%w: %v", ErrSchema, hashErr)
			}
			if existing.PayloadHash != hash {
				return nil, storage.ErrIdempotencyConflict
			}
			return &storage.SubmissionOutcome{
				Submission: existing,
				Replayed:   true,
				Duplicate:  existing.Status == core.SubmissionDuplicate,
			}, nil
		} else if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}

	var manifest Manifest
	if err := json.Unmarshal(req.Manifest, &manifest); err != nil {
		return nil, fmt.Errorf("%w: manifest: %v", ErrSchema, err)
	}
	if manifest.Result == nil || strings.TrimSpace(manifest.Result.Observed) == "" {
		return nil, fmt.Errorf("%w: result.observed is required", ErrSchema)
	}
	var index ArtifactIndex
	if len(req.ArtifactIndex) > 0 {
		if err := json.Unmarshal(req.ArtifactIndex, &index); err != nil {
			return nil, fmt.Errorf("%w: artifactIndex: %v", ErrSchema, err)
		}
	}

	descriptor, err := core.ParseDescriptor([]byte(job.TaskDescriptor), false)
	if err != nil {
		return nil, fmt.Errorf("%w: stored descriptor: %v", ErrSchema, err)
	}
	if e.now().UTC().Sub(job.CreatedAt) > descriptor.FreshnessSLA() {
		return nil, ErrStaleJob
	}

	bounty, err := e.store.GetBounty(job.BountyID)
	if err != nil {
		return nil, err
	}
	if err := e.checkOrigin(manifest.FinalURL, bounty); err != nil {
		return nil, err
	}
	if err := e.checkArtifacts(job, req.WorkerID, manifest, index); err != nil {
		return nil, err
	}
	if err := checkRequiredArtifacts(descriptor, index); err != nil {
		return nil, err
	}

	hash, err := payloadHash(req.Manifest, req.ArtifactIndex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	sub := &models.Submission{
		JobID:         job.ID,
		BountyID:      job.BountyID,
		Manifest:      string(req.Manifest),
		ArtifactIndex: string(req.ArtifactIndex),
		DedupeKey:     core.DedupeKey(job.BountyID, manifest.Result.Observed),
		PayloadHash:   hash,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		sub.IdempotencyKey = &key
	}
	return e.store.AddSubmission(sub, req.WorkerID, req.LeaseNonce)
}

// checkOrigin enforces that a declared finalUrl is same-origin with one of
// the bounty's allowed origins. Comparison is scheme+host+port exact, so
// suffix lookalikes such as example.com.evil never pass.
func (e *Engine) checkOrigin(finalURL string, bounty *models.Bounty) error {
	if strings.TrimSpace(finalURL) == "" {
		return nil
	}
	allowed := storage.DecodeStrings(bounty.AllowedOrigins)
	if len(allowed) == 0 {
		return nil
	}
	for _, origin := range allowed {
		if core.SameOrigin(finalURL, origin) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrOriginViolation, finalURL)
}

// checkArtifacts resolves every referenced artifact and requires each to be
// scanned clean and owned by the submitting context.
func (e *Engine) checkArtifacts(job *models.Job, workerID string, manifest Manifest, index ArtifactIndex) error {
	refs := make([]ArtifactRef, 0, len(manifest.Artifacts)+len(index.Artifacts))
	refs = append(refs, manifest.Artifacts...)
	refs = append(refs, index.Artifacts...)

	ids := make([]string, 0, len(refs))
	seen := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		id := ref.ArtifactID
		if id == "" {
			id = artifactIDFromURL(ref.URL)
		}
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil
	}
	artifacts, err := e.store.ArtifactsByIDs(ids)
	if err != nil {
		return err
	}
	byID := make(map[string]models.Artifact, len(artifacts))
	for _, art := range artifacts {
		byID[art.ID] = art
	}
	for _, id := range ids {
		art, ok := byID[id]
		if !ok {
			return fmt.Errorf("%w: %s not found", ErrInvalidArtifact, id)
		}
		if art.OrgID != job.OrgID && art.WorkerID != workerID {
			return fmt.Errorf("%w: %s belongs to another tenant", ErrInvalidArtifact, id)
		}
		if art.Status == core.ArtifactBlocked {
			return fmt.Errorf("%w: %s is quarantined", ErrInvalidArtifact, id)
		}
		if art.Status != core.ArtifactScanned {
			return fmt.Errorf("%w: %s not yet scanned", ErrInvalidArtifact, id)
		}
	}
	return nil
}

// checkRequiredArtifacts enforces the descriptor's output_spec: each entry
// needs count artifacts matching its kind and optional label prefix.
func checkRequiredArtifacts(descriptor *core.TaskDescriptor, index ArtifactIndex) error {
	if descriptor == nil || descriptor.OutputSpec == nil {
		return nil
	}
	for _, required := range descriptor.OutputSpec.RequiredArtifacts {
		matched := 0
		for _, ref := range index.Artifacts {
			if ref.Kind != required.Kind {
				continue
			}
			if required.LabelPrefix != "" && !strings.HasPrefix(ref.Label, required.LabelPrefix) {
				continue
			}
			matched++
		}
		if matched < required.Count {
			return fmt.Errorf("%w: output_spec wants %d %q artifacts, got %d",
				ErrSchema, required.Count, required.Kind, matched)
		}
	}
	return nil
}

// artifactIDFromURL extracts an artifact id from a download URL path such as
// /api/artifacts/art_abc123/download.
func artifactIDFromURL(raw string) string {
	if raw == "" {
		return ""
	}
	for _, segment := range strings.Split(raw, "/") {
		if strings.HasPrefix(segment, core.PrefixArtifact) {
			return segment
		}
	}
	return ""
}

// payloadHash binds an idempotency key to the exact submitted payload.
func payloadHash(manifest, index json.RawMessage) (string, error) {
	var decodedManifest, decodedIndex any
	if err := json.Unmarshal(manifest, &decodedManifest); err != nil {
		return "", err
	}
	if len(index) > 0 {
		if err := json.Unmarshal(index, &decodedIndex); err != nil {
			return "", err
		}
	}
	return core.PayloadHash(map[string]any{
		"manifest":      decodedManifest,
		"artifactIndex": decodedIndex,
	})
}
