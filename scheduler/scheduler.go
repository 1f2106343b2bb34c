// Package scheduler hands claimable jobs to eligible workers under
// short-term exclusive leases and reaps the leases that lapse.
package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"proofwork/core"
	"proofwork/models"
	"proofwork/observability"
	"proofwork/outbox"
	"proofwork/storage"
)

// Sentinel outcomes surfaced to the gateway.
var (
	ErrWorkerBanned = errors.New("scheduler: worker banned")
	ErrStaleJob     = errors.New("scheduler: job exceeded its freshness window")
	ErrLeaseTaken   = errors.New("scheduler: lease already taken")
)

// Config tunes scheduling behaviour.
type Config struct {
	LeaseTTL             time.Duration
	MaxOutboxPendingAge  time.Duration
	UniversalWorkerPause bool
	// CandidateLimit bounds how many open jobs one pass examines.
	CandidateLimit int
}

// Filters are the worker-supplied constraints on /jobs/next.
type Filters struct {
	RequireJobID    string
	RequireBountyID string
	TaskType        string
	ExcludeJobIDs   []string
	CapabilityTags  []string
}

// NextResult is the outcome of one scheduling pass. Either Job is set with a
// live lease, or NextSteps explains why the worker should idle.
type NextResult struct {
	Job        *models.Job
	Descriptor map[string]any
	NextSteps  []string
}

// Scheduler evaluates admission predicates and grants leases.
type Scheduler struct {
	store   *storage.Store
	cfg     Config
	now     func() time.Time
	logger  *slog.Logger
	metrics *observability.SchedulerMetrics
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock injects a deterministic clock for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics attaches the scheduler metrics registry.
func WithMetrics(metrics *observability.SchedulerMetrics) Option {
	return func(s *Scheduler) {
		s.metrics = metrics
	}
}

// New constructs a Scheduler over the store.
func New(store *storage.Store, cfg Config, opts ...Option) *Scheduler {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 10 * time.Minute
	}
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = 200
	}
	s := &Scheduler{store: store, cfg: cfg, now: time.Now, logger: slog.Default(), metrics: observability.Scheduler()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NextJob runs the admission predicates in order over the open-job pool and
// leases the first candidate that passes all of them. A nil Job with
// NextSteps means idle.
func (s *Scheduler) NextJob(worker *models.Worker, filters Filters) (*NextResult, error) {
	if worker.BannedAt != nil {
		return nil, ErrWorkerBanned
	}
	if s.cfg.UniversalWorkerPause {
		s.recordIdle("universal_pause")
		return &NextResult{NextSteps: []string{
			"Worker intake is paused platform-wide. Poll again later.",
		}}, nil
	}
	if idle, err := s.outboxBackpressure(); err != nil {
		return nil, err
	} else if idle != nil {
		return idle, nil
	}

	candidates, err := s.store.OpenJobsForScheduling(s.cfg.CandidateLimit)
	if err != nil {
		return nil, err
	}
	orgs := make(map[string]*models.Org)
	quotaOK := make(map[string]bool)
	for i := range candidates {
		candidate := &candidates[i]
		ok, err := s.admit(candidate, worker, filters, orgs, quotaOK)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		job, err := s.store.ClaimJob(candidate.ID, worker.ID, s.cfg.LeaseTTL)
		if errors.Is(err, storage.ErrConflict) {
			// Lost the race; the next candidate may still be open.
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := s.store.TouchWorkerSeen(worker.ID); err != nil {
			s.logger.Warn("touch worker failed", "worker_id", worker.ID, "error", err.Error())
		}
		s.recordClaim(job.FingerprintClass)
		return &NextResult{Job: job, Descriptor: s.redactedDescriptor(job)}, nil
	}
	s.recordIdle("no_candidates")
	return &NextResult{NextSteps: []string{
		"No claimable jobs matched your capabilities and filters. Poll again shortly.",
	}}, nil
}

// ClaimJob leases one specific job for a worker after re-running the
// job-level predicates. Freshness failures surface as ErrStaleJob, claim
// races as ErrLeaseTaken.
func (s *Scheduler) ClaimJob(jobID string, worker *models.Worker) (*models.Job, error) {
	if worker.BannedAt != nil {
		return nil, ErrWorkerBanned
	}
	job, err := s.store.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != core.JobOpen {
		return nil, ErrLeaseTaken
	}
	if !s.fresh(job.TaskDescriptor, job.CreatedAt) {
		return nil, ErrStaleJob
	}
	leased, err := s.store.ClaimJob(jobID, worker.ID, s.cfg.LeaseTTL)
	if errors.Is(err, storage.ErrConflict) {
		return nil, ErrLeaseTaken
	}
	if err != nil {
		return nil, err
	}
	s.recordClaim(leased.FingerprintClass)
	return leased, nil
}

// Release returns a leased job early. The worker must present its nonce.
func (s *Scheduler) Release(jobID, workerID, nonce, reason string) error {
	return s.store.ReleaseJob(jobID, workerID, nonce, reason)
}

// Reap sweeps lapsed leases back into the open pool and expires stale
// verification claims. Both transitions are idempotent and replica-safe.
func (s *Scheduler) Reap() (int64, error) {
	reaped, err := s.store.ReapExpiredLeases()
	if err != nil {
		return 0, err
	}
	if _, err := s.store.ExpireStaleClaims(); err != nil {
		return reaped, err
	}
	if reaped > 0 {
		s.recordReaped(reaped)
		s.logger.Info("leases reaped", "count", reaped)
	}
	return reaped, nil
}

// admit applies predicates 3-10 of the admission order to one candidate.
func (s *Scheduler) admit(candidate *storage.JobCandidate, worker *models.Worker, filters Filters, orgs map[string]*models.Org, quotaOK map[string]bool) (bool, error) {
	// Bounty must be live.
	if candidate.BountyStatus != core.BountyPublished {
		return false, nil
	}

	// Org quota and budget.
	allowed, checked := quotaOK[candidate.OrgID]
	if !checked {
		org, err := s.orgFor(candidate.OrgID, orgs)
		if err != nil {
			return false, err
		}
		allowed, err = s.withinQuota(org)
		if err != nil {
			return false, err
		}
		quotaOK[candidate.OrgID] = allowed
	}
	if !allowed {
		return false, nil
	}

	// Every allowed origin must be verified and off the deny-list.
	origins := storage.DecodeStrings(candidate.BountyAllowedOrigins)
	if len(origins) > 0 {
		states, err := s.store.OriginStates(candidate.OrgID, origins)
		if err != nil {
			return false, err
		}
		for _, origin := range origins {
			if states[origin] != core.OriginVerified {
				return false, nil
			}
			host, err := core.OriginHost(origin)
			if err != nil {
				return false, nil
			}
			blocked, err := s.store.IsDomainBlocked(host)
			if err != nil {
				return false, err
			}
			if blocked {
				return false, nil
			}
		}
	}

	// Freshness.
	if !s.fresh(candidate.TaskDescriptor, candidate.CreatedAt) {
		return false, nil
	}

	// Worker capabilities must cover the descriptor's tags.
	descriptor, err := core.ParseDescriptor([]byte(candidate.TaskDescriptor), false)
	if err != nil {
		// An unparseable stored descriptor never schedules.
		return false, nil
	}
	if !supersetOf(worker.Capabilities, descriptor.Capabilities()) {
		return false, nil
	}
	if len(filters.CapabilityTags) > 0 && !containsAll(filters.CapabilityTags, descriptor.Capabilities()) {
		return false, nil
	}

	// Worker-supplied filters.
	if filters.RequireJobID != "" && candidate.ID != filters.RequireJobID {
		return false, nil
	}
	if filters.RequireBountyID != "" && candidate.BountyID != filters.RequireBountyID {
		return false, nil
	}
	if filters.TaskType != "" && candidate.TaskType != filters.TaskType {
		return false, nil
	}
	for _, excluded := range filters.ExcludeJobIDs {
		if candidate.ID == excluded {
			return false, nil
		}
	}

	// Fingerprint compatibility. A worker that declares no classes accepts
	// any environment.
	classes := storage.DecodeStrings(worker.FingerprintClasses)
	if len(classes) > 0 && !contains(classes, candidate.FingerprintClass) {
		return false, nil
	}
	return true, nil
}

func (s *Scheduler) orgFor(orgID string, cache map[string]*models.Org) (*models.Org, error) {
	if org, ok := cache[orgID]; ok {
		return org, nil
	}
	org, err := s.store.GetOrg(orgID)
	if err != nil {
		return nil, err
	}
	cache[orgID] = org
	return org, nil
}

// withinQuota checks the org's daily/monthly cents caps and open-job ceiling.
// A zero cap is unlimited.
func (s *Scheduler) withinQuota(org *models.Org) (bool, error) {
	if org.DailyCentsCap == 0 && org.MonthlyCentsCap == 0 && org.MaxOpenJobs == 0 {
		return true, nil
	}
	usage, err := s.store.QuotaUsage(org.ID, s.now())
	if err != nil {
		return false, err
	}
	if org.DailyCentsCap > 0 && usage.DayCents >= org.DailyCentsCap {
		return false, nil
	}
	if org.MonthlyCentsCap > 0 && usage.MonthCents >= org.MonthlyCentsCap {
		return false, nil
	}
	if org.MaxOpenJobs > 0 && usage.OpenJobs > int64(org.MaxOpenJobs) {
		return false, nil
	}
	return true, nil
}

func (s *Scheduler) outboxBackpressure() (*NextResult, error) {
	if s.cfg.MaxOutboxPendingAge <= 0 {
		return nil, nil
	}
	age, err := outbox.OldestPendingAge(s.store.DB(), s.now().UTC())
	if err != nil {
		return nil, err
	}
	if age <= s.cfg.MaxOutboxPendingAge {
		return nil, nil
	}
	s.recordIdle("outbox_backpressure")
	return &NextResult{NextSteps: []string{
		fmt.Sprintf("Outbox queue lag high (oldest pending event is %s old). New jobs are held back until the backlog drains.", age.Round(time.Second)),
	}}, nil
}

// Fresh reports whether a job is inside its descriptor's freshness window.
func (s *Scheduler) Fresh(job *models.Job) bool {
	return s.fresh(job.TaskDescriptor, job.CreatedAt)
}

func (s *Scheduler) fresh(rawDescriptor string, createdAt time.Time) bool {
	descriptor, err := core.ParseDescriptor([]byte(rawDescriptor), false)
	if err != nil {
		return false
	}
	return s.now().UTC().Sub(createdAt) <= descriptor.FreshnessSLA()
}

func (s *Scheduler) redactedDescriptor(job *models.Job) map[string]any {
	descriptor, err := core.ParseDescriptor([]byte(job.TaskDescriptor), false)
	if err != nil || descriptor == nil {
		return nil
	}
	return descriptor.Redacted()
}

func (s *Scheduler) recordClaim(class string) {
	if s.metrics != nil {
		s.metrics.RecordClaim(class)
	}
}

func (s *Scheduler) recordIdle(reason string) {
	if s.metrics != nil {
		s.metrics.RecordIdle(reason)
	}
}

func (s *Scheduler) recordReaped(n int64) {
	if s.metrics != nil {
		s.metrics.RecordReaped(int(n))
	}
}

// supersetOf reports whether the declared CSV/JSON capability set covers all
// required tags.
func supersetOf(declared string, required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := storage.DecodeStrings(declared)
	if have == nil {
		have = strings.FieldsFunc(declared, func(r rune) bool { return r == ',' || r == ' ' })
	}
	return containsAll(have, required)
}

func containsAll(have, want []string) bool {
	for _, tag := range want {
		if !contains(have, tag) {
			return false
		}
	}
	return true
}

func contains(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
