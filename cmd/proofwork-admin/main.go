// Command proofwork-admin drives the operator surface of a running
// control plane: worker bans, ledger top-ups, the origin denylist, payout
// reconciliation, and the outbox queue.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"golang.org/x/term"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"proofwork/observability/logging"
	"proofwork/payouts/recon"
	"proofwork/storage"
)

const (
	defaultAddr    = "http://localhost:8080"
	requestTimeout = 30 * time.Second
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "ban-worker":
		err = runBanWorker(os.Args[2:])
	case "topup":
		err = runTopup(os.Args[2:])
	case "blocked-domain":
		err = runBlockedDomain(os.Args[2:])
	case "payout-mark":
		err = runPayoutMark(os.Args[2:])
	case "alarms":
		err = runAlarms(os.Args[2:])
	case "outbox":
		err = runOutbox(os.Args[2:])
	case "recon":
		err = runRecon(os.Args[2:])
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("proofwork-admin <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  ban-worker      Ban a worker and void its open leases")
	fmt.Println("  topup           Credit an org ledger out of band")
	fmt.Println("  blocked-domain  list | add | remove entries on the origin denylist")
	fmt.Println("  payout-mark     Reconcile a payout settled or failed externally")
	fmt.Println("  alarms          Show recent infrastructure alarms")
	fmt.Println("  outbox          Inspect the outbox, or retry a deadlettered event")
	fmt.Println("  recon           Run a settlement reconciliation against the database")
	fmt.Println()
	fmt.Println("Common flags: -addr (server URL), -token (admin token; falls back to")
	fmt.Println("ADMIN_TOKEN, then an interactive prompt).")
}

// client is a thin wrapper over the admin HTTP surface.
type client struct {
	addr  string
	token string
	http  *http.Client
}

// commonFlags registers -addr and -token on fs and returns a client builder
// to invoke after fs.Parse.
func commonFlags(fs *flag.FlagSet) func() (*client, error) {
	addr := fs.String("addr", envDefault("PROOFWORK_ADDR", defaultAddr), "Base URL of the control plane")
	token := fs.String("token", "", "Admin token (defaults to ADMIN_TOKEN)")
	return func() (*client, error) {
		resolved := *token
		if resolved == "" {
			resolved = os.Getenv("ADMIN_TOKEN")
		}
		if resolved == "" {
			prompted, err := promptToken()
			if err != nil {
				return nil, err
			}
			resolved = prompted
		}
		if resolved == "" {
			return nil, fmt.Errorf("admin token required (set -token or ADMIN_TOKEN)")
		}
		return &client{
			addr:  strings.TrimRight(*addr, "/"),
			token: resolved,
			http:  &http.Client{Timeout: requestTimeout},
		}, nil
	}
}

func promptToken() (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", nil
	}
	fmt.Fprint(os.Stderr, "Admin token: ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

type envelope struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// call performs a request and decodes the response envelope, returning the
// data payload.
func (c *client) call(method, path string, body any) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequest(method, c.addr+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%s %s: HTTP %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if !env.OK {
		if env.Error != nil {
			return nil, fmt.Errorf("%s %s: %s: %s", method, path, env.Error.Code, env.Error.Message)
		}
		return nil, fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}
	return env.Data, nil
}

func printData(data json.RawMessage) {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return
	}
	fmt.Println(pretty.String())
}

func runBanWorker(args []string) error {
	fs := flag.NewFlagSet("ban-worker", flag.ExitOnError)
	build := commonFlags(fs)
	reason := fs.String("reason", "", "Reason recorded on the ban")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: proofwork-admin ban-worker [flags] <worker-id>")
	}
	c, err := build()
	if err != nil {
		return err
	}
	if _, err := c.call(http.MethodPost, "/api/admin/workers/"+url.PathEscape(fs.Arg(0))+"/ban",
		map[string]string{"reason": *reason}); err != nil {
		return err
	}
	fmt.Printf("Banned worker %s\n", fs.Arg(0))
	return nil
}

func runTopup(args []string) error {
	fs := flag.NewFlagSet("topup", flag.ExitOnError)
	build := commonFlags(fs)
	amount := fs.Int64("amount", 0, "Amount to credit, in cents")
	reference := fs.String("reference", "", "Idempotent reference for the credit")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: proofwork-admin topup [flags] <org-id>")
	}
	if *amount <= 0 {
		return fmt.Errorf("-amount must be a positive cent value")
	}
	if strings.TrimSpace(*reference) == "" {
		return fmt.Errorf("-reference is required; repeats with the same reference are no-ops")
	}
	c, err := build()
	if err != nil {
		return err
	}
	data, err := c.call(http.MethodPost, "/api/admin/orgs/"+url.PathEscape(fs.Arg(0))+"/topup",
		map[string]any{"amountCents": *amount, "reference": *reference})
	if err != nil {
		return err
	}
	var result struct {
		Credited bool `json:"credited"`
	}
	if err := json.Unmarshal(data, &result); err == nil && !result.Credited {
		fmt.Printf("Reference %q already credited; no change\n", *reference)
		return nil
	}
	fmt.Printf("Credited %d cents to %s\n", *amount, fs.Arg(0))
	return nil
}

func runBlockedDomain(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: proofwork-admin blocked-domain <list|add|remove> [flags] [domain]")
	}
	sub, rest := args[0], args[1:]
	fs := flag.NewFlagSet("blocked-domain "+sub, flag.ExitOnError)
	build := commonFlags(fs)
	reason := fs.String("reason", "", "Reason recorded on the denylist entry")
	fs.Parse(rest)
	c, err := build()
	if err != nil {
		return err
	}
	switch sub {
	case "list":
		data, err := c.call(http.MethodGet, "/api/admin/blocked-domains", nil)
		if err != nil {
			return err
		}
		printData(data)
		return nil
	case "add":
		if fs.NArg() != 1 {
			return fmt.Errorf("usage: proofwork-admin blocked-domain add [flags] <domain>")
		}
		if _, err := c.call(http.MethodPost, "/api/admin/blocked-domains",
			map[string]string{"domain": fs.Arg(0), "reason": *reason}); err != nil {
			return err
		}
		fmt.Printf("Blocked %s\n", fs.Arg(0))
		return nil
	case "remove":
		if fs.NArg() != 1 {
			return fmt.Errorf("usage: proofwork-admin blocked-domain remove [flags] <domain>")
		}
		if _, err := c.call(http.MethodDelete, "/api/admin/blocked-domains/"+url.PathEscape(fs.Arg(0)), nil); err != nil {
			return err
		}
		fmt.Printf("Unblocked %s\n", fs.Arg(0))
		return nil
	default:
		return fmt.Errorf("unknown blocked-domain subcommand %q", sub)
	}
}

func runPayoutMark(args []string) error {
	fs := flag.NewFlagSet("payout-mark", flag.ExitOnError)
	build := commonFlags(fs)
	status := fs.String("status", "", `Final status: "paid" or "failed"`)
	provider := fs.String("provider", "", "Settlement provider that handled the payout")
	providerRef := fs.String("provider-ref", "", "Provider-side reference (tx hash, transfer id)")
	reason := fs.String("reason", "", "Failure reason when -status=failed")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: proofwork-admin payout-mark [flags] <payout-id>")
	}
	if *status != "paid" && *status != "failed" {
		return fmt.Errorf(`-status must be "paid" or "failed"`)
	}
	c, err := build()
	if err != nil {
		return err
	}
	data, err := c.call(http.MethodPost, "/api/admin/payouts/"+url.PathEscape(fs.Arg(0))+"/mark",
		map[string]string{
			"status":      *status,
			"provider":    *provider,
			"providerRef": *providerRef,
			"reason":      *reason,
		})
	if err != nil {
		return err
	}
	printData(data)
	return nil
}

func runAlarms(args []string) error {
	fs := flag.NewFlagSet("alarms", flag.ExitOnError)
	build := commonFlags(fs)
	limit := fs.Int("limit", 50, "Maximum alarms to show")
	fs.Parse(args)
	c, err := build()
	if err != nil {
		return err
	}
	data, err := c.call(http.MethodGet, fmt.Sprintf("/api/admin/alarms?limit=%d", *limit), nil)
	if err != nil {
		return err
	}
	printData(data)
	return nil
}

func runOutbox(args []string) error {
	if len(args) > 0 && args[0] == "retry" {
		fs := flag.NewFlagSet("outbox retry", flag.ExitOnError)
		build := commonFlags(fs)
		topic := fs.String("topic", "", "Topic of the deadlettered event")
		key := fs.String("key", "", "Idempotency key of the deadlettered event")
		fs.Parse(args[1:])
		if *topic == "" || *key == "" {
			return fmt.Errorf("usage: proofwork-admin outbox retry -topic <topic> -key <idempotency-key>")
		}
		c, err := build()
		if err != nil {
			return err
		}
		data, err := c.call(http.MethodPost, "/api/admin/outbox/retry",
			map[string]string{"topic": *topic, "idempotencyKey": *key})
		if err != nil {
			return err
		}
		printData(data)
		return nil
	}

	fs := flag.NewFlagSet("outbox", flag.ExitOnError)
	build := commonFlags(fs)
	status := fs.String("status", "deadletter", "Queue slice to show: pending, sent, deadletter")
	limit := fs.Int("limit", 50, "Maximum events to show")
	fs.Parse(args)
	c, err := build()
	if err != nil {
		return err
	}
	data, err := c.call(http.MethodGet,
		fmt.Sprintf("/api/admin/outbox?status=%s&limit=%d", url.QueryEscape(*status), *limit), nil)
	if err != nil {
		return err
	}
	printData(data)
	return nil
}

// runRecon talks to the database directly rather than the API: settlement
// reports join tables the HTTP surface never exposes.
func runRecon(args []string) error {
	fs := flag.NewFlagSet("recon", flag.ExitOnError)
	databaseURL := fs.String("db", os.Getenv("DATABASE_URL"), "Database URL (defaults to DATABASE_URL)")
	day := fs.String("day", "", "UTC day to reconcile, YYYY-MM-DD (default: yesterday)")
	outputDir := fs.String("out", "", "Report output directory")
	dryRun := fs.Bool("dry-run", false, "Detect anomalies without writing report files")
	fs.Parse(args)
	if *databaseURL == "" {
		return fmt.Errorf("database URL required (set -db or DATABASE_URL)")
	}

	start := time.Now().UTC().AddDate(0, 0, -1).Truncate(24 * time.Hour)
	if *day != "" {
		parsed, err := time.Parse("2006-01-02", *day)
		if err != nil {
			return fmt.Errorf("parse -day: %w", err)
		}
		start = parsed.UTC()
	}
	end := start.Add(24 * time.Hour)

	var dialector gorm.Dialector
	if strings.HasPrefix(*databaseURL, "postgres://") || strings.HasPrefix(*databaseURL, "postgresql://") {
		dialector = postgres.Open(*databaseURL)
	} else {
		dialector = sqlite.Open(*databaseURL)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	logger := logging.SetupWith("proofwork-admin", "production", logging.Options{})
	reconciler, err := recon.New(recon.Config{
		Store:     storage.New(db),
		OutputDir: *outputDir,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	result, err := reconciler.Run(context.Background(), start, end, *dryRun)
	if err != nil {
		return err
	}

	fmt.Printf("Reconciled %s: %d payouts, %d anomalies\n",
		start.Format("2006-01-02"), len(result.Rows), len(result.Anomalies))
	for _, anomaly := range result.Anomalies {
		fmt.Printf("  %-36s %s: %s\n", anomaly.PayoutID, anomaly.Type, anomaly.Details)
	}
	if !*dryRun {
		fmt.Printf("Reports: %s, %s\n", result.CSVPath, result.ParquetPath)
	}
	if len(result.Anomalies) > 0 {
		os.Exit(1)
	}
	return nil
}

func envDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
