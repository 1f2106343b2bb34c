// Command proofworkd runs the Proofwork control plane: the HTTP API, the
// outbox dispatcher, and the lease reaper in one process.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/glebarez/sqlite"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"proofwork/artifacts"
	"proofwork/billing"
	"proofwork/config"
	"proofwork/gateway/auth"
	"proofwork/gateway/routes"
	"proofwork/observability/logging"
	telemetry "proofwork/observability/otel"
	"proofwork/origins"
	"proofwork/outbox"
	"proofwork/payouts"
	"proofwork/payouts/wallet"
	"proofwork/scheduler"
	"proofwork/storage"
	"proofwork/submissions"
	"proofwork/verifications"
)

const (
	shutdownTimeout = 10 * time.Second
	reapInterval    = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "proofworkd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	logger := logging.SetupWith("proofworkd", cfg.Environment, logging.Options{FilePath: cfg.LogFile})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if otelCfg, enabled := telemetry.FromEnv("proofworkd", cfg.Environment); enabled {
		shutdown, err := telemetry.Init(ctx, otelCfg)
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
	}

	db, err := openDatabase(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	if cfg.SkipMigrations {
		logger.Warn("skipping migrations on operator request")
	} else if err := storage.RunMigrations(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	store := storage.New(db)

	rail, err := buildRail(ctx, cfg, logger)
	if err != nil {
		return err
	}
	var policy *payouts.Policy
	if cfg.PayoutPolicyFile != "" {
		policy, err = payouts.LoadPolicy(cfg.PayoutPolicyFile)
		if err != nil {
			return fmt.Errorf("payout policy: %w", err)
		}
	}

	sched := scheduler.New(store, scheduler.Config{
		LeaseTTL:             cfg.LeaseTTL,
		MaxOutboxPendingAge:  cfg.MaxOutboxPendingAge,
		UniversalWorkerPause: cfg.UniversalWorkerPause,
	}, scheduler.WithLogger(logger))
	engine := submissions.New(store)
	verif := verifications.New(store, verifications.Config{
		MaxJobAttempts: cfg.MaxVerificationAttempts,
	}, verifications.WithLogger(logger))
	payoutOpts := []payouts.Option{payouts.WithLogger(logger)}
	if policy != nil {
		payoutOpts = append(payoutOpts, payouts.WithPolicy(policy))
	}
	pay := payouts.New(store, rail, payouts.Config{
		ProofworkFeeBps:       cfg.ProofworkFeeBps,
		ProofworkFeeWallet:    cfg.ProofworkFeeWalletBase,
		ConfirmationsRequired: cfg.BaseConfirmationsRequired,
	}, payoutOpts...)
	bill := billing.New(store, billing.WithLogger(logger))
	arts := artifacts.New(store, artifacts.Config{
		MaxUploadBytes:      cfg.MaxUploadBytes,
		BlockedContentTypes: cfg.BlockedUploadContentTypes,
		SignSecret:          cfg.UploadSignSecret,
	}, artifacts.WithLogger(logger))
	origin := origins.New(store, origins.WithLogger(logger))

	dispatcher := outbox.NewDispatcher(db,
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithLogger(logger))
	dispatcher.Register(outbox.TopicVerificationRequested, verif.RequestedHandler())
	dispatcher.Register(outbox.TopicPayoutRequested, pay.RequestedHandler())
	dispatcher.Register(outbox.TopicPayoutConfirmRequested, pay.ConfirmHandler())
	dispatcher.Register(outbox.TopicArtifactScanRequested, arts.ScanHandler())
	dispatcher.Register(outbox.TopicBillingTopupCredited, bill.TopupCreditedHandler())
	go func() {
		if err := dispatcher.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("outbox dispatcher stopped", "error", err)
		}
	}()

	go reapLoop(ctx, sched, verif, logger)

	handler := routes.New(routes.Deps{
		Config:        cfg,
		Store:         store,
		Scheduler:     sched,
		Engine:        engine,
		Verifications: verif,
		Payouts:       pay,
		Billing:       bill,
		Artifacts:     arts,
		Origins:       origin,
		Authenticator: auth.NewAuthenticator(store, cfg.AdminToken, cfg.VerifierToken),
		Sessions:      auth.NewSessionManager(store, cfg.SessionJWTSecret),
		Stream:        routes.NewHub(),
		Logger:        logger,
	})
	if cfg.OTLPEndpoint != "" {
		handler = otelhttp.NewHandler(handler, "proofworkd")
	}

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr, "environment", cfg.Environment)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// openDatabase picks the gorm dialector from the URL scheme: postgres in
// production, sqlite files for development.
func openDatabase(url string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		dialector = postgres.Open(url)
	default:
		dialector = sqlite.Open(url)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// buildRail wires the Base settlement rail when an RPC endpoint is
// configured. Without one, payout broadcasts fail closed and stay reopenable
// once the rail comes up.
func buildRail(ctx context.Context, cfg *config.Config, logger *slog.Logger) (payouts.SettlementRail, error) {
	if cfg.BaseRPCURL == "" {
		logger.Warn("BASE_RPC_URL unset; payout settlement rail disabled")
		return disabledRail{}, nil
	}
	client, err := ethclient.DialContext(ctx, cfg.BaseRPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial base rpc: %w", err)
	}
	signer, err := wallet.NewEnvSigner(cfg.KMSPayoutKeyID)
	if err != nil {
		return nil, fmt.Errorf("payout signer: %w", err)
	}
	token := cfg.BaseUSDCAddress
	if cfg.BasePayoutSplitterAddress != "" {
		token = cfg.BasePayoutSplitterAddress
	}
	return wallet.NewRail(client, signer, wallet.Config{
		ChainID:  cfg.BaseChainID,
		Token:    common.HexToAddress(token),
		GasLimit: cfg.BaseGasLimit,
	}), nil
}

type disabledRail struct{}

func (disabledRail) Transfer(context.Context, string, int64) (*wallet.Broadcast, error) {
	return nil, fmt.Errorf("settlement rail not configured")
}

func (disabledRail) Confirm(context.Context, string) (*wallet.Confirmation, error) {
	return nil, fmt.Errorf("settlement rail not configured")
}

// reapLoop expires worker leases and verifier claims on a fixed cadence.
func reapLoop(ctx context.Context, sched *scheduler.Scheduler, verif *verifications.Service, logger *slog.Logger) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := sched.Reap(); err != nil {
				logger.Error("lease reap failed", "error", err)
			} else if n > 0 {
				logger.Info("reaped expired leases", "count", n)
			}
			if n, err := verif.ExpireStale(); err != nil {
				logger.Error("claim expiry failed", "error", err)
			} else if n > 0 {
				logger.Info("expired stale verifier claims", "count", n)
			}
		}
	}
}
