// Package recon materialises settlement reports: a day of payouts joined
// with their transfer legs and ledger debits, written as CSV and Parquet for
// the finance pipeline, with anomalies pushed through an alert hook.
package recon

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"proofwork/core"
	"proofwork/models"
	"proofwork/storage"
)

// Anomaly types the reconciler raises.
const (
	AnomalyPaidUnconfirmed = "paid_without_confirmed_transfers"
	AnomalySumMismatch     = "sum_mismatch"
	AnomalyOrphanTransfer  = "orphaned_transfer"
	AnomalyMissingDebit    = "missing_ledger_debit"
)

// Anomaly is one settlement inconsistency requiring operator review.
type Anomaly struct {
	Type     string
	PayoutID string
	Details  string
}

// AlertFunc is invoked for every anomaly detected during a run.
type AlertFunc func(ctx context.Context, anomaly Anomaly) error

// Config captures the reconciler's dependencies.
type Config struct {
	Store     *storage.Store
	OutputDir string
	Alert     AlertFunc
	Logger    *slog.Logger
}

// Reconciler joins payouts, transfers and billing events over a window.
type Reconciler struct {
	store     *storage.Store
	outputDir string
	alert     AlertFunc
	logger    *slog.Logger
}

// ReportRow is one payout in the report.
type ReportRow struct {
	PayoutID          string
	SubmissionID      string
	OrgID             string
	WorkerID          string
	AmountCents       int64
	PlatformFeeCents  int64
	ProofworkFeeCents int64
	NetAmountCents    int64
	Status            string
	FailureReason     string
	TxHashes          string
	CreatedAt         time.Time
	PaidAt            *time.Time
}

// Result summarises a reconciliation run.
type Result struct {
	Start       time.Time
	End         time.Time
	Rows        []ReportRow
	Anomalies   []Anomaly
	CSVPath     string
	ParquetPath string
}

// New builds a reconciler.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, errors.New("recon: store is required")
	}
	outputDir := cfg.OutputDir
	if strings.TrimSpace(outputDir) == "" {
		outputDir = filepath.Join("proofwork-data", "recon")
	}
	alert := cfg.Alert
	if alert == nil {
		alert = func(context.Context, Anomaly) error { return nil }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: cfg.Store, outputDir: outputDir, alert: alert, logger: logger}, nil
}

// Run reconciles payouts created in [start, end) and writes the report
// files. dryRun skips the files but still raises anomalies.
func (r *Reconciler) Run(ctx context.Context, start, end time.Time, dryRun bool) (*Result, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("recon: end before start")
	}
	payouts, err := r.store.ListPayoutsBetween(start, end)
	if err != nil {
		return nil, fmt.Errorf("recon: load payouts: %w", err)
	}
	ids := make([]string, 0, len(payouts))
	for _, p := range payouts {
		ids = append(ids, p.ID)
	}
	transfers, err := r.store.ListTransfersForPayouts(ids)
	if err != nil {
		return nil, fmt.Errorf("recon: load transfers: %w", err)
	}
	transfersByPayout := make(map[string][]models.PayoutTransfer)
	known := make(map[string]bool, len(ids))
	for _, id := range ids {
		known[id] = true
	}
	for _, t := range transfers {
		transfersByPayout[t.PayoutID] = append(transfersByPayout[t.PayoutID], t)
	}

	result := &Result{Start: start, End: end}
	for _, payout := range payouts {
		legs := transfersByPayout[payout.ID]
		var legSum int64
		var hashes []string
		confirmed := 0
		for _, leg := range legs {
			legSum += leg.AmountCents
			if leg.TxHash != "" {
				hashes = append(hashes, leg.TxHash)
			}
			if leg.Status == core.TransferConfirmed {
				confirmed++
			}
		}
		if len(legs) > 0 && legSum != payout.AmountCents {
			result.Anomalies = append(result.Anomalies, r.raise(ctx, Anomaly{
				Type:     AnomalySumMismatch,
				PayoutID: payout.ID,
				Details:  fmt.Sprintf("legs sum %d cents, payout %d", legSum, payout.AmountCents),
			}))
		}
		if payout.Status == core.PayoutPaid {
			if confirmed != len(legs) || len(legs) == 0 {
				result.Anomalies = append(result.Anomalies, r.raise(ctx, Anomaly{
					Type:     AnomalyPaidUnconfirmed,
					PayoutID: payout.ID,
					Details:  fmt.Sprintf("%d of %d transfers confirmed", confirmed, len(legs)),
				}))
			}
			if !r.debitExists(payout.ID, payout.OrgID) {
				result.Anomalies = append(result.Anomalies, r.raise(ctx, Anomaly{
					Type:     AnomalyMissingDebit,
					PayoutID: payout.ID,
					Details:  "paid payout without a ledger debit event",
				}))
			}
		}
		result.Rows = append(result.Rows, ReportRow{
			PayoutID:          payout.ID,
			SubmissionID:      payout.SubmissionID,
			OrgID:             payout.OrgID,
			WorkerID:          payout.WorkerID,
			AmountCents:       payout.AmountCents,
			PlatformFeeCents:  payout.PlatformFeeCents,
			ProofworkFeeCents: payout.ProofworkFeeCents,
			NetAmountCents:    payout.NetAmountCents,
			Status:            string(payout.Status),
			FailureReason:     payout.FailureReason,
			TxHashes:          strings.Join(hashes, " "),
			CreatedAt:         payout.CreatedAt,
			PaidAt:            payout.PaidAt,
		})
	}
	for _, t := range transfers {
		if !known[t.PayoutID] {
			result.Anomalies = append(result.Anomalies, r.raise(ctx, Anomaly{
				Type:     AnomalyOrphanTransfer,
				PayoutID: t.PayoutID,
				Details:  fmt.Sprintf("transfer %s references unknown payout", t.ID),
			}))
		}
	}

	if dryRun {
		return result, nil
	}
	runDir := filepath.Join(r.outputDir, start.UTC().Format("20060102"))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("recon: ensure output dir: %w", err)
	}
	result.CSVPath = filepath.Join(runDir, "payouts.csv")
	if err := writeCSV(result.CSVPath, result.Rows); err != nil {
		return nil, err
	}
	result.ParquetPath = filepath.Join(runDir, "payouts.parquet")
	if err := writeParquet(result.ParquetPath, result.Rows); err != nil {
		return nil, err
	}
	r.logger.Info("recon report written",
		"csv", result.CSVPath, "parquet", result.ParquetPath,
		"rows", len(result.Rows), "anomalies", len(result.Anomalies))
	return result, nil
}

func (r *Reconciler) debitExists(payoutID, orgID string) bool {
	events, err := r.store.ListBillingEvents(orgID, 500)
	if err != nil {
		return false
	}
	for _, evt := range events {
		if evt.ID == "payout_settle_"+payoutID {
			return true
		}
	}
	return false
}

func (r *Reconciler) raise(ctx context.Context, anomaly Anomaly) Anomaly {
	if err := r.alert(ctx, anomaly); err != nil {
		r.logger.Error("recon alert delivery failed", "type", anomaly.Type, "error", err.Error())
	}
	return anomaly
}

func writeCSV(path string, rows []ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{
		"payout_id", "submission_id", "org_id", "worker_id",
		"amount_cents", "platform_fee_cents", "proofwork_fee_cents", "net_amount_cents",
		"status", "failure_reason", "tx_hashes", "created_at", "paid_at",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("recon: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.PayoutID,
			row.SubmissionID,
			row.OrgID,
			row.WorkerID,
			fmt.Sprintf("%d", row.AmountCents),
			fmt.Sprintf("%d", row.PlatformFeeCents),
			fmt.Sprintf("%d", row.ProofworkFeeCents),
			fmt.Sprintf("%d", row.NetAmountCents),
			row.Status,
			row.FailureReason,
			row.TxHashes,
			row.CreatedAt.UTC().Format(time.RFC3339),
			formatTime(row.PaidAt),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("recon: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("recon: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	PayoutID          string `parquet:"name=payout_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	SubmissionID      string `parquet:"name=submission_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	OrgID             string `parquet:"name=org_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	WorkerID          string `parquet:"name=worker_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	AmountCents       int64  `parquet:"name=amount_cents, type=INT64"`
	PlatformFeeCents  int64  `parquet:"name=platform_fee_cents, type=INT64"`
	ProofworkFeeCents int64  `parquet:"name=proofwork_fee_cents, type=INT64"`
	NetAmountCents    int64  `parquet:"name=net_amount_cents, type=INT64"`
	Status            string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	FailureReason     string `parquet:"name=failure_reason, type=BYTE_ARRAY, convertedtype=UTF8"`
	TxHashes          string `parquet:"name=tx_hashes, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt         string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	PaidAt            string `parquet:"name=paid_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeParquet(path string, rows []ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			PayoutID:          row.PayoutID,
			SubmissionID:      row.SubmissionID,
			OrgID:             row.OrgID,
			WorkerID:          row.WorkerID,
			AmountCents:       row.AmountCents,
			PlatformFeeCents:  row.PlatformFeeCents,
			ProofworkFeeCents: row.ProofworkFeeCents,
			NetAmountCents:    row.NetAmountCents,
			Status:            row.Status,
			FailureReason:     row.FailureReason,
			TxHashes:          row.TxHashes,
			CreatedAt:         row.CreatedAt.UTC().Format(time.RFC3339),
			PaidAt:            formatTime(row.PaidAt),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("recon: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("recon: close parquet file: %w", err)
	}
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
