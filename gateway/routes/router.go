// Package routes wires the Proofwork HTTP surface: worker, verifier, buyer,
// billing, and admin endpoints over one chi router.
package routes

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"proofwork/artifacts"
	"proofwork/billing"
	"proofwork/config"
	"proofwork/gateway/auth"
	"proofwork/gateway/middleware"
	"proofwork/observability"
	"proofwork/origins"
	"proofwork/payouts"
	"proofwork/scheduler"
	"proofwork/storage"
	"proofwork/submissions"
	"proofwork/verifications"
)

// Version is stamped by the build; /api/version reports it.
var Version = "dev"

const (
	requestTimeout = 30 * time.Second
	maxBodyBytes   = 1 << 20
)

// Deps carries every service the route tree dispatches into.
type Deps struct {
	Config        *config.Config
	Store         *storage.Store
	Scheduler     *scheduler.Scheduler
	Engine        *submissions.Engine
	Verifications *verifications.Service
	Payouts       *payouts.Service
	Billing       *billing.Service
	Artifacts     *artifacts.Service
	Origins       *origins.Service
	Authenticator *auth.Authenticator
	Sessions      *auth.SessionManager
	Stream        *Hub
	Logger        *slog.Logger
}

type api struct {
	Deps
	registerLimiter *scheduler.RateLimiter
	jobsLimiter     *scheduler.RateLimiter
}

// New assembles the router.
func New(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	a := &api{
		Deps:            deps,
		registerLimiter: scheduler.NewRateLimiter(scheduler.RegisterPerMinute, 0),
		jobsLimiter:     scheduler.NewRateLimiter(scheduler.JobsNextPerMinute, 0),
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins:   deps.Config.CORSAllowOrigins,
		AllowCredentials: true,
	}))
	r.Use(middleware.Metrics(observability.Requests()))
	r.Use(chimw.Timeout(requestTimeout))
	r.Use(middleware.Authenticate(deps.Authenticator, deps.Sessions))

	r.Route("/health", func(h chi.Router) {
		h.Get("/healthz", a.healthz)
		h.Get("/readyz", a.readyz)
		h.Handle("/metrics", promhttp.Handler())
	})
	r.Get("/api/version", a.version)

	r.Route("/api", func(r chi.Router) {
		// Worker surface.
		r.Post("/workers/register", a.registerWorker)
		r.Post("/workers/payout-address", a.upsertPayoutAddress)
		r.Get("/workers/earnings", a.workerEarnings)
		r.Get("/jobs/next", a.jobsNext)
		r.Get("/jobs/{id}", a.getJob)
		r.Post("/jobs/{id}/claim", a.claimJob)
		r.Post("/jobs/{id}/release", a.releaseJob)
		r.Post("/jobs/{id}/submit", a.submitJob)

		// Verifier surface.
		r.Post("/verifier/claim", a.verifierClaim)
		r.Post("/verifier/verdict", a.verifierVerdict)

		// Buyer surface.
		r.Post("/bounties", a.createBounty)
		r.Get("/bounties", a.listBounties)
		r.Get("/bounties/{id}", a.getBounty)
		r.Post("/bounties/{id}/publish", a.publishBounty)
		r.Post("/bounties/{id}/pause", a.pauseBounty)
		r.Post("/bounties/{id}/resume", a.resumeBounty)
		r.Post("/bounties/{id}/complete", a.completeBounty)
		r.Get("/bounties/{id}/jobs", a.listBountyJobs)
		r.Get("/bounties/{id}/submissions", a.listBountySubmissions)

		r.Post("/apps", a.createApp)
		r.Get("/apps", a.listApps)
		r.Post("/apps/{id}/status", a.setAppStatus)

		r.Post("/origins", a.addOrigin)
		r.Get("/origins", a.listOrigins)
		r.Post("/origins/{id}/verify", a.verifyOrigin)
		r.Post("/origins/{id}/revoke", a.revokeOrigin)

		// Uploads and artifacts.
		r.Post("/uploads/presign", a.presignUpload)
		r.Post("/uploads/complete", a.completeUpload)
		r.Get("/artifacts/{id}/download", a.downloadArtifact)

		// Billing.
		r.Get("/billing/balance", a.billingBalance)
		r.Post("/billing/stripe/webhook", a.stripeWebhook)
		r.Post("/events/github", a.githubWebhook)

		// Alarms.
		r.Post("/alarms/sns", a.ingestAlarm)

		// Console sessions.
		r.Post("/console/signup", a.consoleSignup)
		r.Post("/console/login", a.consoleLogin)
		r.Post("/console/logout", a.consoleLogout)
		r.Get("/console/me", a.consoleMe)

		// Admin.
		r.Route("/admin", func(ad chi.Router) {
			ad.Use(a.requireAdmin)
			ad.Post("/workers/{id}/ban", a.banWorker)
			ad.Post("/orgs/{id}/topup", a.adminTopup)
			ad.Get("/blocked-domains", a.listBlockedDomains)
			ad.Post("/blocked-domains", a.addBlockedDomain)
			ad.Delete("/blocked-domains/{domain}", a.removeBlockedDomain)
			ad.Post("/origins/{id}/approve", a.approveOrigin)
			ad.Post("/origins/{id}/reject", a.rejectOrigin)
			ad.Post("/payouts/{id}/mark", a.markPayout)
			ad.Get("/alarms", a.listAlarms)
			ad.Get("/outbox", a.peekOutbox)
			ad.Post("/outbox/retry", a.retryOutbox)
			ad.Get("/stream/events", a.streamEvents)
		})
	})

	// Internal plane: upload proxy target and operational hooks.
	r.Put("/uploads/put/{id}", a.putUpload)
	r.Post("/internal/reap-leases", a.reapLeases)
	r.Post("/internal/artifacts/{id}/scan-result", a.scanResult)

	return r
}

func (a *api) version(w http.ResponseWriter, _ *http.Request) {
	respondData(w, map[string]string{"version": Version, "environment": a.Config.Environment})
}

func (a *api) healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// readyz proves the database answers before the instance takes traffic.
func (a *api) readyz(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := a.Store.DB().DB()
	if err == nil {
		err = sqlDB.PingContext(r.Context())
	}
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "internal", "database unavailable")
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// principal guards.

func (a *api) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := middleware.PrincipalFrom(r.Context())
		if principal == nil {
			respondError(w, http.StatusUnauthorized, "auth", "admin token required")
			return
		}
		if !principal.IsAdmin() {
			respondError(w, http.StatusForbidden, "forbidden", "admin token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *api) workerPrincipal(w http.ResponseWriter, r *http.Request) *auth.Principal {
	principal := middleware.PrincipalFrom(r.Context())
	if principal == nil || principal.Kind != auth.KindWorker {
		respondError(w, http.StatusUnauthorized, "auth", "worker token required")
		return nil
	}
	return principal
}

func (a *api) verifierPrincipal(w http.ResponseWriter, r *http.Request) *auth.Principal {
	principal := middleware.PrincipalFrom(r.Context())
	if principal == nil || !principal.CanVerify() {
		respondError(w, http.StatusUnauthorized, "auth", "verifier token required")
		return nil
	}
	return principal
}

// orgPrincipal admits buyer tokens and console sessions; both carry an org.
func (a *api) orgPrincipal(w http.ResponseWriter, r *http.Request) *auth.Principal {
	principal := middleware.PrincipalFrom(r.Context())
	if principal == nil {
		respondError(w, http.StatusUnauthorized, "auth", "buyer token or session required")
		return nil
	}
	if principal.Kind != auth.KindBuyer && principal.Kind != auth.KindSession {
		respondError(w, http.StatusForbidden, "forbidden", "buyer token or session required")
		return nil
	}
	return principal
}
