package storage

import (
	"errors"
	"testing"
	"time"

	"proofwork/core"
	"proofwork/models"
	"proofwork/outbox"
)

func TestClaimVerificationSingleFlight(t *testing.T) {
	s := setupStore(t)
	org := seedOrg(t, s, 5000)
	worker := seedWorker(t, s)
	_, jobs := seedPublishedBounty(t, s, org.ID, 1000)
	sub := submitWork(t, s, jobs[0].ID, worker.ID, "obs-1")

	claim, err := s.ClaimVerification(sub.ID, "inst-a", time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claim.AttemptNo != 1 || claim.Status != core.VerificationClaimed {
		t.Fatalf("claim = attempt %d status %s", claim.AttemptNo, claim.Status)
	}
	if claim.ClaimToken == "" {
		t.Fatal("expected a claim token")
	}

	// The holding instance gets the same claim back.
	again, err := s.ClaimVerification(sub.ID, "inst-a", time.Minute)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if again.ID != claim.ID || again.ClaimToken != claim.ClaimToken {
		t.Fatalf("reclaim returned %s/%s, want %s/%s", again.ID, again.ClaimToken, claim.ID, claim.ClaimToken)
	}

	if _, err := s.ClaimVerification(sub.ID, "inst-b", time.Minute); !errors.Is(err, ErrAttemptClaimed) {
		t.Fatalf("expected attempt claimed for other instance, got %v", err)
	}

	if _, err := s.ClaimVerification("sub_missing", "inst-a", time.Minute); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestClaimVerificationTakeoverAfterExpiry(t *testing.T) {
	now := time.Now().UTC()
	s := setupStoreClock(t, func() time.Time { return now })
	org := seedOrg(t, s, 5000)
	worker := seedWorker(t, s)
	_, jobs := seedPublishedBounty(t, s, org.ID, 1000)
	sub := submitWork(t, s, jobs[0].ID, worker.ID, "obs-1")

	if _, err := s.ClaimVerification(sub.ID, "inst-a", time.Minute); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	now = now.Add(61 * time.Second)

	takeover, err := s.ClaimVerification(sub.ID, "inst-b", time.Minute)
	if err != nil {
		t.Fatalf("takeover: %v", err)
	}
	if takeover.AttemptNo != 2 || takeover.VerifierInstanceID != "inst-b" {
		t.Fatalf("takeover = attempt %d by %s", takeover.AttemptNo, takeover.VerifierInstanceID)
	}
	vers, err := s.ListVerifications(sub.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(vers) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(vers))
	}
	if vers[0].Status != core.VerificationExpired {
		t.Fatalf("lapsed attempt = %s, want expired", vers[0].Status)
	}
	if vers[1].Status != core.VerificationClaimed {
		t.Fatalf("live attempt = %s, want claimed", vers[1].Status)
	}
}

func TestRecordVerdictPassAcceptsSubmission(t *testing.T) {
	s := setupStore(t)
	org := seedOrg(t, s, 5000)
	worker := seedWorker(t, s)
	_, jobs := seedPublishedBounty(t, s, org.ID, 1000)
	sub := submitWork(t, s, jobs[0].ID, worker.ID, "obs-1")

	result := passVerdict(t, s, sub.ID, "inst-a")
	if !result.Accepted || result.PassVotes != 1 {
		t.Fatalf("result = accepted=%v votes=%d", result.Accepted, result.PassVotes)
	}
	if result.Submission.Status != core.SubmissionAccepted {
		t.Fatalf("submission = %s", result.Submission.Status)
	}
	if result.Verification.Status != core.VerificationFinalized {
		t.Fatalf("verification = %s", result.Verification.Status)
	}
	if result.JobStatus != core.JobDone {
		t.Fatalf("job status = %s", result.JobStatus)
	}

	job, err := s.GetJob(jobs[0].ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != core.JobDone || job.FinalVerdict != core.VerdictPass {
		t.Fatalf("job = %s verdict %s", job.Status, job.FinalVerdict)
	}
	if job.CurrentSubmissionID != nil {
		t.Fatal("expected current submission cleared")
	}
	outboxEvent(t, s, outbox.TopicPayoutRequested, outbox.PayoutKey(sub.ID))

	// The attempt is finalized: a late verdict on it conflicts, and the
	// accepted submission takes no further claims.
	if _, err := s.RecordVerdict(result.Verification.ID, result.Verification.ClaimToken, core.VerdictPass, nil, "", 3); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict on finalized attempt, got %v", err)
	}
	if _, err := s.ClaimVerification(sub.ID, "inst-b", time.Minute); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict claiming accepted submission, got %v", err)
	}
}

func TestRecordVerdictCountsDistinctInstances(t *testing.T) {
	s := setupStore(t)
	org := seedOrg(t, s, 5000)
	worker := seedWorker(t, s)
	bounty := seedBountyWithProofs(t, s, org.ID, 1000, 2)
	jobs, err := s.ListJobs(bounty.ID, 0)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	sub := submitWork(t, s, jobs[0].ID, worker.ID, "obs-1")

	first := passVerdict(t, s, sub.ID, "inst-a")
	if first.Accepted || first.PassVotes != 1 {
		t.Fatalf("first = accepted=%v votes=%d", first.Accepted, first.PassVotes)
	}
	if first.Submission.Status != core.SubmissionSubmitted {
		t.Fatalf("submission after first pass = %s", first.Submission.Status)
	}

	// A second pass from the same instance does not add a vote.
	repeat := passVerdict(t, s, sub.ID, "inst-a")
	if repeat.Accepted || repeat.PassVotes != 1 {
		t.Fatalf("repeat = accepted=%v votes=%d", repeat.Accepted, repeat.PassVotes)
	}

	second := passVerdict(t, s, sub.ID, "inst-b")
	if !second.Accepted || second.PassVotes != 2 {
		t.Fatalf("second = accepted=%v votes=%d", second.Accepted, second.PassVotes)
	}
	if second.JobStatus != core.JobDone {
		t.Fatalf("job status = %s", second.JobStatus)
	}
	vers, err := s.ListVerifications(sub.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(vers) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(vers))
	}
	for _, ver := range vers {
		if ver.Status != core.VerificationFinalized {
			t.Fatalf("attempt %d = %s, want finalized", ver.AttemptNo, ver.Status)
		}
	}
	outboxEvent(t, s, outbox.TopicPayoutRequested, outbox.PayoutKey(sub.ID))
}

func TestRecordVerdictFailReopensThenFailsJob(t *testing.T) {
	s := setupStore(t)
	org := seedOrg(t, s, 5000)
	worker := seedWorker(t, s)
	_, jobs := seedPublishedBounty(t, s, org.ID, 1000)
	jobID := jobs[0].ID

	sub1 := submitWork(t, s, jobID, worker.ID, "obs-1")
	claim1, err := s.ClaimVerification(sub1.ID, "inst-a", time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	res1, err := s.RecordVerdict(claim1.ID, claim1.ClaimToken, core.VerdictFail, nil, "no crash observed", 2)
	if err != nil {
		t.Fatalf("fail verdict: %v", err)
	}
	if res1.Accepted || res1.JobStatus != core.JobOpen {
		t.Fatalf("res1 = accepted=%v job=%s", res1.Accepted, res1.JobStatus)
	}
	if res1.Submission.Status != core.SubmissionRejected {
		t.Fatalf("submission = %s", res1.Submission.Status)
	}
	if res1.Verification.Status != core.VerificationFinalized {
		t.Fatalf("verification = %s", res1.Verification.Status)
	}
	job, err := s.GetJob(jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.FailedAttempts != 1 {
		t.Fatalf("failed attempts = %d", job.FailedAttempts)
	}

	// A second rejected submission hits the attempt cap and fails the job
	// for good.
	sub2 := submitWork(t, s, jobID, worker.ID, "obs-2")
	claim2, err := s.ClaimVerification(sub2.ID, "inst-a", time.Minute)
	if err != nil {
		t.Fatalf("claim second: %v", err)
	}
	res2, err := s.RecordVerdict(claim2.ID, claim2.ClaimToken, core.VerdictFail, nil, "still no crash", 2)
	if err != nil {
		t.Fatalf("second fail: %v", err)
	}
	if res2.JobStatus != core.JobFailed {
		t.Fatalf("job status = %s, want failed", res2.JobStatus)
	}
	job, err = s.GetJob(jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != core.JobFailed || job.FinalVerdict != core.VerdictFail || job.FailedAttempts != 2 {
		t.Fatalf("job = %s verdict=%s attempts=%d", job.Status, job.FinalVerdict, job.FailedAttempts)
	}
	if _, err := s.ClaimJob(jobID, worker.ID, time.Minute); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected failed job unclaimable, got %v", err)
	}
}

func TestRecordVerdictClaimGuards(t *testing.T) {
	now := time.Now().UTC()
	s := setupStoreClock(t, func() time.Time { return now })
	org := seedOrg(t, s, 5000)
	worker := seedWorker(t, s)
	_, jobs := seedPublishedBounty(t, s, org.ID, 1000)
	sub := submitWork(t, s, jobs[0].ID, worker.ID, "obs-1")

	claim, err := s.ClaimVerification(sub.ID, "inst-a", time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := s.RecordVerdict(claim.ID, "bogus-token", core.VerdictPass, nil, "", 3); !errors.Is(err, ErrClaimInvalid) {
		t.Fatalf("expected claim invalid for wrong token, got %v", err)
	}
	if _, err := s.RecordVerdict(claim.ID, claim.ClaimToken, "maybe", nil, "", 3); !errors.Is(err, ErrInvariant) {
		t.Fatalf("expected invariant for bad verdict, got %v", err)
	}
	if _, err := s.RecordVerdict("ver_missing", claim.ClaimToken, core.VerdictPass, nil, "", 3); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := s.RecordVerdict(claim.ID, claim.ClaimToken, core.VerdictPass, nil, "", 3); !errors.Is(err, ErrClaimInvalid) {
		t.Fatalf("expected claim invalid after expiry, got %v", err)
	}
}

func TestVerifierBacklogAndStaleClaims(t *testing.T) {
	now := time.Now().UTC()
	s := setupStoreClock(t, func() time.Time { return now })
	org := seedOrg(t, s, 5000)
	worker := seedWorker(t, s)
	_, jobs := seedPublishedBounty(t, s, org.ID, 1000, "chrome", "firefox")

	subA := submitWork(t, s, jobs[0].ID, worker.ID, "obs-a")
	submitWork(t, s, jobs[1].ID, worker.ID, "obs-b")

	backlog, err := s.VerifierBacklog()
	if err != nil {
		t.Fatalf("backlog: %v", err)
	}
	if backlog != 2 {
		t.Fatalf("backlog = %d, want 2", backlog)
	}

	if _, err := s.ClaimVerification(subA.ID, "inst-a", time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if backlog, _ = s.VerifierBacklog(); backlog != 1 {
		t.Fatalf("backlog with live claim = %d, want 1", backlog)
	}

	now = now.Add(2 * time.Minute)
	if backlog, _ = s.VerifierBacklog(); backlog != 2 {
		t.Fatalf("backlog after lapse = %d, want 2", backlog)
	}
	expired, err := s.ExpireStaleClaims()
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expired = %d, want 1", expired)
	}
	vers, err := s.ListVerifications(subA.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(vers) != 1 || vers[0].Status != core.VerificationExpired {
		t.Fatalf("attempts = %+v", vers)
	}
}

// seedBountyWithProofs publishes a single-class bounty that needs the given
// number of distinct pass votes.
func seedBountyWithProofs(t *testing.T, s *Store, orgID string, payoutCents int64, proofs int) *models.Bounty {
	t.Helper()
	bounty := &models.Bounty{
		OrgID:          orgID,
		Title:          "Multi-proof",
		PayoutCents:    payoutCents,
		RequiredProofs: proofs,
	}
	if err := s.CreateBounty(bounty); err != nil {
		t.Fatalf("create bounty: %v", err)
	}
	published, err := s.PublishBounty(bounty.ID, orgID, "user_test")
	if err != nil {
		t.Fatalf("publish bounty: %v", err)
	}
	return published
}
