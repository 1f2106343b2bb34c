package verifications

import (
	"context"
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
	"proofwork/outbox"
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
	store      *storage.Store
	org        *models.Org
	worker     *models.Worker
	job        *models.Job
	submission *models.Submission
}

func seedSubmittedWork(t *testing.T, requiredProofs int) *fixture {
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
		RequiredProofs: requiredProofs,
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
		t.Fatalf("claim job: %v", err)
	}
	outcome, err := store.AddSubmission(&models.Submission{
		JobID:       job.ID,
		BountyID:    bounty.ID,
		Manifest:    `{"result":{"observed":"cart total doubles"}}`,
		DedupeKey:   core.DedupeKey(bounty.ID, "cart total doubles"),
		PayloadHash: core.HashToken("payload"),
	}, worker.ID, *job.LeaseNonce)
	if err != nil {
		t.Fatalf("add submission: %v", err)
	}
	return &fixture{store: store, org: org, worker: worker, job: job, submission: outcome.Submission}
}

func TestBoundClaimTTL(t *testing.T) {
	cases := []struct {
		in   int
		want time.Duration
	}{
		{0, DefaultClaimTTL},
		{-5, DefaultClaimTTL},
		{10, MinClaimTTL},
		{300, 300 * time.Second},
		{7200, MaxClaimTTL},
	}
	for _, tc := range cases {
		if got := BoundClaimTTL(tc.in); got != tc.want {
			t.Fatalf("BoundClaimTTL(%d) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestClaimSingleFlight(t *testing.T) {
	fx := seedSubmittedWork(t, 1)
	svc := New(fx.store, Config{})

	first, err := svc.Claim(fx.submission.ID, "verifier-a", 300)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if first.Verification.ClaimToken == "" {
		t.Fatal("claim must carry a token")
	}
	if first.Submission.ID != fx.submission.ID {
		t.Fatal("claim must return the submission")
	}

	// Same instance gets its token back, not a new attempt.
	again, err := svc.Claim(fx.submission.ID, "verifier-a", 300)
	if err != nil {
		t.Fatalf("re-claim: %v", err)
	}
	if again.Verification.ID != first.Verification.ID || again.Verification.ClaimToken != first.Verification.ClaimToken {
		t.Fatal("same instance must see the same live claim")
	}

	if _, err := svc.Claim(fx.submission.ID, "verifier-b", 300); !errors.Is(err, storage.ErrAttemptClaimed) {
		t.Fatalf("err = %v, want ErrAttemptClaimed", err)
	}
}

func TestVerdictPassAcceptsAndEnqueuesPayout(t *testing.T) {
	fx := seedSubmittedWork(t, 1)
	svc := New(fx.store, Config{})

	claim, err := svc.Claim(fx.submission.ID, "verifier-a", 300)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	result, err := svc.Verdict(claim.Verification.ID, claim.Verification.ClaimToken,
		core.VerdictPass, map[string]any{"score": 0.97}, "")
	if err != nil {
		t.Fatalf("verdict: %v", err)
	}
	if !result.Accepted || result.Submission.Status != core.SubmissionAccepted {
		t.Fatalf("accepted=%v status=%s", result.Accepted, result.Submission.Status)
	}
	if result.JobStatus != core.JobDone {
		t.Fatalf("job = %s, want done", result.JobStatus)
	}

	var evt models.OutboxEvent
	err = fx.store.DB().First(&evt, "topic = ? AND idempotency_key = ?",
		outbox.TopicPayoutRequested, outbox.PayoutKey(fx.submission.ID)).Error
	if err != nil {
		t.Fatalf("payout.requested missing: %v", err)
	}
}

func TestVerdictBadTokenRejected(t *testing.T) {
	fx := seedSubmittedWork(t, 1)
	svc := New(fx.store, Config{})
	claim, err := svc.Claim(fx.submission.ID, "verifier-a", 300)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	_, err = svc.Verdict(claim.Verification.ID, "not-the-token", core.VerdictPass, nil, "")
	if !errors.Is(err, storage.ErrClaimInvalid) {
		t.Fatalf("err = %v, want ErrClaimInvalid", err)
	}
}

func TestVerdictFailReopensThenFailsJob(t *testing.T) {
	fx := seedSubmittedWork(t, 1)
	svc := New(fx.store, Config{MaxJobAttempts: 2})

	claim, err := svc.Claim(fx.submission.ID, "verifier-a", 300)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	result, err := svc.Verdict(claim.Verification.ID, claim.Verification.ClaimToken,
		core.VerdictFail, nil, "steps not reproducible")
	if err != nil {
		t.Fatalf("verdict: %v", err)
	}
	if result.Submission.Status != core.SubmissionRejected || result.JobStatus != core.JobOpen {
		t.Fatalf("status=%s job=%s", result.Submission.Status, result.JobStatus)
	}

	// A second rejected submission crosses the attempt cap.
	job, err := fx.store.ClaimJob(fx.job.ID, fx.worker.ID, 10*time.Minute)
	if err != nil {
		t.Fatalf("re-claim job: %v", err)
	}
	outcome, err := fx.store.AddSubmission(&models.Submission{
		JobID:       job.ID,
		BountyID:    fx.submission.BountyID,
		Manifest:    `{"result":{"observed":"checkout hangs"}}`,
		DedupeKey:   core.DedupeKey(fx.submission.BountyID, "checkout hangs"),
		PayloadHash: core.HashToken("payload-2"),
	}, fx.worker.ID, *job.LeaseNonce)
	if err != nil {
		t.Fatalf("second submission: %v", err)
	}
	claim, err = svc.Claim(outcome.Submission.ID, "verifier-a", 300)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	result, err = svc.Verdict(claim.Verification.ID, claim.Verification.ClaimToken,
		core.VerdictFail, nil, "still not reproducible")
	if err != nil {
		t.Fatalf("verdict: %v", err)
	}
	if result.JobStatus != core.JobFailed {
		t.Fatalf("job = %s, want failed", result.JobStatus)
	}
}

func TestDistinctInstancesRequiredForMultiProof(t *testing.T) {
	fx := seedSubmittedWork(t, 2)
	svc := New(fx.store, Config{})

	claim, err := svc.Claim(fx.submission.ID, "verifier-a", 300)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	result, err := svc.Verdict(claim.Verification.ID, claim.Verification.ClaimToken, core.VerdictPass, nil, "")
	if err != nil {
		t.Fatalf("first verdict: %v", err)
	}
	if result.Accepted || result.PassVotes != 1 {
		t.Fatalf("accepted=%v votes=%d after one instance", result.Accepted, result.PassVotes)
	}

	claim, err = svc.Claim(fx.submission.ID, "verifier-b", 300)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	result, err = svc.Verdict(claim.Verification.ID, claim.Verification.ClaimToken, core.VerdictPass, nil, "")
	if err != nil {
		t.Fatalf("second verdict: %v", err)
	}
	if !result.Accepted || result.PassVotes != 2 {
		t.Fatalf("accepted=%v votes=%d after two instances", result.Accepted, result.PassVotes)
	}
}

func TestExpiredClaimOpensNextAttempt(t *testing.T) {
	fx := seedSubmittedWork(t, 1)
	svc := New(fx.store, Config{})

	claim, err := svc.Claim(fx.submission.ID, "verifier-a", 60)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	past := time.Now().UTC().Add(-time.Minute)
	err = fx.store.DB().Model(&models.Verification{}).
		Where("id = ?", claim.Verification.ID).
		Update("claim_expires_at", past).Error
	if err != nil {
		t.Fatalf("age claim: %v", err)
	}

	takeover, err := svc.Claim(fx.submission.ID, "verifier-b", 300)
	if err != nil {
		t.Fatalf("takeover: %v", err)
	}
	if takeover.Verification.AttemptNo != claim.Verification.AttemptNo+1 {
		t.Fatalf("attempt = %d, want %d", takeover.Verification.AttemptNo, claim.Verification.AttemptNo+1)
	}
	lapsed, err := fx.store.GetVerification(claim.Verification.ID)
	if err != nil {
		t.Fatalf("get lapsed: %v", err)
	}
	if lapsed.Status != core.VerificationExpired {
		t.Fatalf("lapsed claim = %s, want expired", lapsed.Status)
	}
}

func TestRequestedHandler(t *testing.T) {
	fx := seedSubmittedWork(t, 1)
	svc := New(fx.store, Config{})
	handler := svc.RequestedHandler()

	payload, _ := json.Marshal(outbox.VerificationRequested{
		SubmissionID: fx.submission.ID, JobID: fx.job.ID, BountyID: fx.submission.BountyID,
	})
	if err := handler(context.Background(), outbox.Event{Topic: outbox.TopicVerificationRequested, Payload: payload}); err != nil {
		t.Fatalf("handler: %v", err)
	}

	missing, _ := json.Marshal(outbox.VerificationRequested{SubmissionID: "sub_missing"})
	err := handler(context.Background(), outbox.Event{Topic: outbox.TopicVerificationRequested, Payload: missing})
	if !outbox.IsTerminal(err) {
		t.Fatalf("err = %v, want terminal", err)
	}

	err = handler(context.Background(), outbox.Event{Topic: outbox.TopicVerificationRequested, Payload: []byte("{")})
	if !outbox.IsTerminal(err) {
		t.Fatalf("malformed payload err = %v, want terminal", err)
	}
}
