package submissions

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"proofwork/core"
	"proofwork/models"
	"proofwork/storage"
)

func setupStore(t *testing.T) *storage.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return storage.New(db)
}

type fixture struct {
	store  *storage.Store
	org    *models.Org
	worker *models.Worker
	bounty *models.Bounty
	job    *models.Job
	nonce  string
}

func setupLeasedJob(t *testing.T, descriptor string, allowedOrigins ...string) *fixture {
	t.Helper()
	store := setupStore(t)
	org := &models.Org{Name: "Acme Research"}
	if err := store.CreateOrg(org); err != nil {
		t.Fatalf("create org: %v", err)
	}
	evt := &models.BillingEvent{ID: "seed_" + org.ID, OrgID: org.ID, Kind: "adjustment", AmountCents: 10000}
	if _, err := store.ApplyBillingEvent(evt); err != nil {
		t.Fatalf("seed balance: %v", err)
	}
	worker := &models.Worker{TokenHash: core.NewNonce()}
	if err := store.CreateWorker(worker); err != nil {
		t.Fatalf("create worker: %v", err)
	}
	bounty := &models.Bounty{
		OrgID:          org.ID,
		Title:          "Reproduce the checkout crash",
		PayoutCents:    500,
		TaskDescriptor: descriptor,
		AllowedOrigins: storage.EncodeStrings(allowedOrigins),
	}
	if err := store.CreateBounty(bounty); err != nil {
		t.Fatalf("create bounty: %v", err)
	}
	if _, err := store.PublishBounty(bounty.ID, org.ID, "test"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	jobs, err := store.ListJobs(bounty.ID, 1)
	if err != nil || len(jobs) == 0 {
		t.Fatalf("list jobs: %v", err)
	}
	job, err := store.ClaimJob(jobs[0].ID, worker.ID, 10*time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	return &fixture{store: store, org: org, worker: worker, bounty: bounty, job: job, nonce: *job.LeaseNonce}
}

func manifestJSON(t *testing.T, observed, finalURL string) json.RawMessage {
	t.Helper()
	m := map[string]any{
		"result": map[string]any{"expected": "checkout succeeds", "observed": observed, "outcome": "failure"},
	}
	if finalURL != "" {
		m["finalUrl"] = finalURL
	}
	raw, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}
	return raw
}

func TestSubmitHappyPath(t *testing.T) {
	fx := setupLeasedJob(t, "")
	engine := New(fx.store)

	outcome, err := engine.Submit(Request{
		JobID:      fx.job.ID,
		WorkerID:   fx.worker.ID,
		LeaseNonce: fx.nonce,
		Manifest:   manifestJSON(t, "cart total doubles", ""),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if outcome.Duplicate || outcome.Replayed {
		t.Fatal("first submission must be fresh")
	}
	job, err := fx.store.GetJob(fx.job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != core.JobVerifying {
		t.Fatalf("job = %s, want verifying", job.Status)
	}
	if job.CurrentSubmissionID == nil || *job.CurrentSubmissionID != outcome.Submission.ID {
		t.Fatal("current_submission_id must point at the new submission")
	}
}

func TestSubmitLeaseInvalid(t *testing.T) {
	fx := setupLeasedJob(t, "")
	engine := New(fx.store)
	_, err := engine.Submit(Request{
		JobID:      fx.job.ID,
		WorkerID:   fx.worker.ID,
		LeaseNonce: "wrong-nonce",
		Manifest:   manifestJSON(t, "cart total doubles", ""),
	})
	if !errors.Is(err, storage.ErrLeaseInvalid) {
		t.Fatalf("err = %v, want ErrLeaseInvalid", err)
	}
}

func TestSubmitStaleJob(t *testing.T) {
	fx := setupLeasedJob(t, `{"freshness_sla_sec":1}`)
	late := time.Now().UTC().Add(120 * time.Second)
	engine := New(fx.store, WithClock(func() time.Time { return late }))
	_, err := engine.Submit(Request{
		JobID:      fx.job.ID,
		WorkerID:   fx.worker.ID,
		LeaseNonce: fx.nonce,
		Manifest:   manifestJSON(t, "cart total doubles", ""),
	})
	if !errors.Is(err, ErrStaleJob) {
		t.Fatalf("err = %v, want ErrStaleJob", err)
	}
}

func TestSubmitOriginViolation(t *testing.T) {
	fx := setupLeasedJob(t, "", "https://example.com")
	engine := New(fx.store)
	_, err := engine.Submit(Request{
		JobID:      fx.job.ID,
		WorkerID:   fx.worker.ID,
		LeaseNonce: fx.nonce,
		Manifest:   manifestJSON(t, "cart total doubles", "https://example.com.evil/end"),
	})
	if !errors.Is(err, ErrOriginViolation) {
		t.Fatalf("err = %v, want ErrOriginViolation", err)
	}

	outcome, err := engine.Submit(Request{
		JobID:      fx.job.ID,
		WorkerID:   fx.worker.ID,
		LeaseNonce: fx.nonce,
		Manifest:   manifestJSON(t, "cart total doubles", "https://example.com/checkout"),
	})
	if err != nil {
		t.Fatalf("same-origin submit: %v", err)
	}
	if outcome.Submission.Status != core.SubmissionSubmitted {
		t.Fatalf("status = %s", outcome.Submission.Status)
	}
}

func TestSubmitIdempotencyReplayAndConflict(t *testing.T) {
	fx := setupLeasedJob(t, "")
	engine := New(fx.store)
	manifest := manifestJSON(t, "cart total doubles", "")

	first, err := engine.Submit(Request{
		JobID: fx.job.ID, WorkerID: fx.worker.ID, LeaseNonce: fx.nonce,
		IdempotencyKey: "idem_submit_1", Manifest: manifest,
	})
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	// Replay after the job moved to verifying still returns the stored row.
	second, err := engine.Submit(Request{
		JobID: fx.job.ID, WorkerID: fx.worker.ID, LeaseNonce: fx.nonce,
		IdempotencyKey: "idem_submit_1", Manifest: manifest,
	})
	if err != nil {
		t.Fatalf("replay submit: %v", err)
	}
	if !second.Replayed || second.Submission.ID != first.Submission.ID {
		t.Fatal("replay must return the original submission")
	}
	var count int64
	if err := fx.store.DB().Model(&models.Submission{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("submissions = %d, want 1", count)
	}

	// Same key, mutated payload.
	_, err = engine.Submit(Request{
		JobID: fx.job.ID, WorkerID: fx.worker.ID, LeaseNonce: fx.nonce,
		IdempotencyKey: "idem_submit_1", Manifest: manifestJSON(t, "cart total triples", ""),
	})
	if !errors.Is(err, storage.ErrIdempotencyConflict) {
		t.Fatalf("err = %v, want ErrIdempotencyConflict", err)
	}
}

func TestSubmitBlockedArtifact(t *testing.T) {
	fx := setupLeasedJob(t, "")
	art := &models.Artifact{
		OrgID:       fx.org.ID,
		WorkerID:    fx.worker.ID,
		ContentType: "image/png",
		StorageKey:  "staging/" + core.NewNonce(),
	}
	if err := fx.store.CreateArtifact(art); err != nil {
		t.Fatalf("create artifact: %v", err)
	}
	if _, err := fx.store.CompleteArtifact(art.ID, "abcd1234", 9); err != nil {
		t.Fatalf("complete artifact: %v", err)
	}
	if _, err := fx.store.ApplyScanResult(art.ID, false, "Eicar-Test-Signature"); err != nil {
		t.Fatalf("scan: %v", err)
	}

	engine := New(fx.store)
	index, _ := json.Marshal(map[string]any{
		"artifacts": []map[string]any{{"artifactId": art.ID, "kind": "screenshot"}},
	})
	_, err := engine.Submit(Request{
		JobID: fx.job.ID, WorkerID: fx.worker.ID, LeaseNonce: fx.nonce,
		Manifest: manifestJSON(t, "cart total doubles", ""), ArtifactIndex: index,
	})
	if !errors.Is(err, ErrInvalidArtifact) {
		t.Fatalf("err = %v, want ErrInvalidArtifact", err)
	}
}

func TestSubmitRequiredArtifactsUnsatisfied(t *testing.T) {
	descriptor := `{"output_spec":{"required_artifacts":[{"kind":"screenshot","count":1}]}}`
	fx := setupLeasedJob(t, descriptor)
	engine := New(fx.store)
	_, err := engine.Submit(Request{
		JobID: fx.job.ID, WorkerID: fx.worker.ID, LeaseNonce: fx.nonce,
		Manifest: manifestJSON(t, "cart total doubles", ""),
	})
	if !errors.Is(err, ErrSchema) {
		t.Fatalf("err = %v, want ErrSchema", err)
	}
}

func TestDuplicateSuppressionAcrossJobs(t *testing.T) {
	fx := setupLeasedJob(t, "")
	engine := New(fx.store)

	// Second job on the same bounty for another worker.
	secondJob := &models.Job{
		ID:               core.NewID(core.PrefixJob),
		BountyID:         fx.bounty.ID,
		OrgID:            fx.org.ID,
		FingerprintClass: "desktop_eu",
		Status:           core.JobOpen,
	}
	if err := fx.store.DB().Create(secondJob).Error; err != nil {
		t.Fatalf("seed second job: %v", err)
	}
	otherWorker := &models.Worker{TokenHash: core.NewNonce()}
	if err := fx.store.CreateWorker(otherWorker); err != nil {
		t.Fatalf("create worker: %v", err)
	}
	leased, err := fx.store.ClaimJob(secondJob.ID, otherWorker.ID, 10*time.Minute)
	if err != nil {
		t.Fatalf("claim second: %v", err)
	}

	if _, err := engine.Submit(Request{
		JobID: fx.job.ID, WorkerID: fx.worker.ID, LeaseNonce: fx.nonce,
		Manifest: manifestJSON(t, "Cart  Total DOUBLES", ""),
	}); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	outcome, err := engine.Submit(Request{
		JobID: secondJob.ID, WorkerID: otherWorker.ID, LeaseNonce: *leased.LeaseNonce,
		Manifest: manifestJSON(t, "cart total doubles", ""),
	})
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if !outcome.Duplicate || outcome.Submission.Status != core.SubmissionDuplicate {
		t.Fatal("normalized-equal observed content must be suppressed")
	}
	job, err := fx.store.GetJob(secondJob.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != core.JobDone {
		t.Fatalf("duplicate closes the job, got %s", job.Status)
	}
}
