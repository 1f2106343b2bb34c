// Package config loads the Proofwork runtime configuration from the
// environment, optionally overlaid on a TOML file. Environment always wins
// over the file; the file wins over defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults applied when neither environment nor file supplies a value.
const (
	DefaultListenAddr              = ":8080"
	DefaultEnvironment             = "development"
	DefaultMinPayoutCents          = 100
	DefaultMaxOutboxPendingAgeSec  = 300
	DefaultLeaseTTLSec             = 600
	DefaultMaxVerificationAttempts = 3
	DefaultOutboxMaxAttempts       = 10
	DefaultBaseChainID             = 8453
	DefaultBaseConfirmations       = 3
	DefaultBaseGasLimit            = 120000
	DefaultProofworkFeeBps         = 100
	DefaultMaxProofworkFeeBps      = 500
	DefaultMaxUploadBytes          = 25 << 20
)

// Config is the full runtime configuration of the daemon.
type Config struct {
	DatabaseURL string
	ListenAddr  string
	Environment string

	AdminToken       string
	VerifierToken    string
	SessionJWTSecret string
	UploadSignSecret string

	MinPayoutCents          int64
	EnableTaskDescriptor    bool
	TaskDescriptorStrict    bool
	UniversalWorkerPause    bool
	MaxOutboxPendingAge     time.Duration
	LeaseTTL                time.Duration
	MaxVerificationAttempts int
	OutboxMaxAttempts       int
	MaxUploadBytes          int64

	CORSAllowOrigins          []string
	BlockedUploadContentTypes []string

	StripeWebhookSecret string
	GitHubWebhookSecret string

	BaseRPCURL                string
	BaseChainID               int64
	BaseUSDCAddress           string
	BasePayoutSplitterAddress string
	BaseConfirmationsRequired uint64
	BaseGasLimit              uint64
	ProofworkFeeBps           int64
	MaxProofworkFeeBps        int64
	ProofworkFeeWalletBase    string
	KMSPayoutKeyID            string
	PayoutPolicyFile          string

	LogFile        string
	OTLPEndpoint   string
	SkipMigrations bool
}

// fileConfig mirrors the TOML overlay. Only keys an operator would pin in a
// file are exposed; secrets stay in the environment.
type fileConfig struct {
	DatabaseURL             string   `toml:"DatabaseURL"`
	ListenAddr              string   `toml:"ListenAddr"`
	Environment             string   `toml:"Environment"`
	MinPayoutCents          int64    `toml:"MinPayoutCents"`
	MaxOutboxPendingAgeSec  int64    `toml:"MaxOutboxPendingAgeSec"`
	LeaseTTLSec             int64    `toml:"LeaseTTLSec"`
	MaxVerificationAttempts int      `toml:"MaxVerificationAttempts"`
	OutboxMaxAttempts       int      `toml:"OutboxMaxAttempts"`
	CORSAllowOrigins        []string `toml:"CORSAllowOrigins"`
	BaseRPCURL              string   `toml:"BaseRPCURL"`
	BaseChainID             int64    `toml:"BaseChainID"`
	BaseUSDCAddress         string   `toml:"BaseUSDCAddress"`
	ProofworkFeeBps         int64    `toml:"ProofworkFeeBps"`
	MaxProofworkFeeBps      int64    `toml:"MaxProofworkFeeBps"`
	PayoutPolicyFile        string   `toml:"PayoutPolicyFile"`
	LogFile                 string   `toml:"LogFile"`
}

// FromEnv builds the configuration. Missing required variables and fee caps
// outside policy are hard errors; the daemon refuses to start on them.
func FromEnv() (*Config, error) {
	var file fileConfig
	if path := strings.TrimSpace(os.Getenv("PROOFWORK_CONFIG")); path != "" {
		if _, err := toml.DecodeFile(path, &file); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	cfg := &Config{
		DatabaseURL: getEnvDefault("DATABASE_URL", file.DatabaseURL),
		ListenAddr:  getEnvDefault("LISTEN_ADDR", fallback(file.ListenAddr, DefaultListenAddr)),
		Environment: getEnvDefault("ENVIRONMENT", fallback(file.Environment, DefaultEnvironment)),

		AdminToken:       os.Getenv("ADMIN_TOKEN"),
		VerifierToken:    os.Getenv("VERIFIER_TOKEN"),
		SessionJWTSecret: os.Getenv("SESSION_JWT_SECRET"),
		UploadSignSecret: getEnvDefault("UPLOAD_SIGN_SECRET", os.Getenv("SESSION_JWT_SECRET")),

		MinPayoutCents:          parseInt64Env("MIN_PAYOUT_CENTS", fallbackInt64(file.MinPayoutCents, DefaultMinPayoutCents)),
		EnableTaskDescriptor:    parseBoolEnv("ENABLE_TASK_DESCRIPTOR", true),
		TaskDescriptorStrict:    parseBoolEnv("TASK_DESCRIPTOR_STRICT", false),
		UniversalWorkerPause:    parseBoolEnv("UNIVERSAL_WORKER_PAUSE", false),
		MaxOutboxPendingAge:     time.Duration(parseInt64Env("MAX_OUTBOX_PENDING_AGE_SEC", fallbackInt64(file.MaxOutboxPendingAgeSec, DefaultMaxOutboxPendingAgeSec))) * time.Second,
		LeaseTTL:                time.Duration(parseInt64Env("LEASE_TTL_SEC", fallbackInt64(file.LeaseTTLSec, DefaultLeaseTTLSec))) * time.Second,
		MaxVerificationAttempts: parseIntEnv("MAX_VERIFICATION_ATTEMPTS", fallbackInt(file.MaxVerificationAttempts, DefaultMaxVerificationAttempts)),
		OutboxMaxAttempts:       parseIntEnv("OUTBOX_MAX_ATTEMPTS", fallbackInt(file.OutboxMaxAttempts, DefaultOutboxMaxAttempts)),
		MaxUploadBytes:          parseInt64Env("MAX_UPLOAD_BYTES", DefaultMaxUploadBytes),

		CORSAllowOrigins:          mergeCSV(parseCSVEnv("CORS_ALLOW_ORIGINS"), file.CORSAllowOrigins),
		BlockedUploadContentTypes: parseCSVEnv("BLOCKED_UPLOAD_CONTENT_TYPES"),

		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		GitHubWebhookSecret: os.Getenv("GITHUB_WEBHOOK_SECRET"),

		BaseRPCURL:                getEnvDefault("BASE_RPC_URL", file.BaseRPCURL),
		BaseChainID:               parseInt64Env("BASE_CHAIN_ID", fallbackInt64(file.BaseChainID, DefaultBaseChainID)),
		BaseUSDCAddress:           getEnvDefault("BASE_USDC_ADDRESS", file.BaseUSDCAddress),
		BasePayoutSplitterAddress: os.Getenv("BASE_PAYOUT_SPLITTER_ADDRESS"),
		BaseConfirmationsRequired: uint64(parseInt64Env("BASE_CONFIRMATIONS_REQUIRED", DefaultBaseConfirmations)),
		BaseGasLimit:              uint64(parseInt64Env("BASE_GAS_LIMIT", DefaultBaseGasLimit)),
		ProofworkFeeBps:           parseInt64Env("PROOFWORK_FEE_BPS", fallbackInt64(file.ProofworkFeeBps, DefaultProofworkFeeBps)),
		MaxProofworkFeeBps:        parseInt64Env("MAX_PROOFWORK_FEE_BPS", fallbackInt64(file.MaxProofworkFeeBps, DefaultMaxProofworkFeeBps)),
		ProofworkFeeWalletBase:    os.Getenv("PROOFWORK_FEE_WALLET_BASE"),
		KMSPayoutKeyID:            os.Getenv("KMS_PAYOUT_KEY_ID"),
		PayoutPolicyFile:          getEnvDefault("PAYOUT_POLICY_FILE", file.PayoutPolicyFile),

		LogFile:        getEnvDefault("LOG_FILE", file.LogFile),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		SkipMigrations: parseBoolEnv("SKIP_MIGRATIONS", false),
	}

	var missing []string
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if cfg.AdminToken == "" {
		missing = append(missing, "ADMIN_TOKEN")
	}
	if cfg.VerifierToken == "" {
		missing = append(missing, "VERIFIER_TOKEN")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("config: required variables missing: %s", strings.Join(missing, ", "))
	}
	if cfg.MinPayoutCents < 0 {
		return nil, fmt.Errorf("config: MIN_PAYOUT_CENTS %d is negative", cfg.MinPayoutCents)
	}
	if cfg.ProofworkFeeBps < 0 || cfg.MaxProofworkFeeBps < 0 {
		return nil, fmt.Errorf("config: fee bps must be non-negative")
	}
	if cfg.ProofworkFeeBps > cfg.MaxProofworkFeeBps {
		return nil, fmt.Errorf("config: PROOFWORK_FEE_BPS %d exceeds MAX_PROOFWORK_FEE_BPS %d",
			cfg.ProofworkFeeBps, cfg.MaxProofworkFeeBps)
	}
	if cfg.LeaseTTL <= 0 {
		return nil, fmt.Errorf("config: LEASE_TTL_SEC must be positive")
	}
	return cfg, nil
}

func getEnvDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func fallback(value, def string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return def
}

func fallbackInt(value, def int) int {
	if value != 0 {
		return value
	}
	return def
}

func fallbackInt64(value, def int64) int64 {
	if value != 0 {
		return value
	}
	return def
}

func parseIntEnv(key string, def int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return def
}

func parseInt64Env(key string, def int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return def
}

func parseBoolEnv(key string, def bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return def
}

func parseCSVEnv(key string) []string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	fields := strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ';' || r == ' '
	})
	return fields
}

func mergeCSV(env, file []string) []string {
	if len(env) > 0 {
		return env
	}
	return file
}
