/*
reconcile.go - Per-file reconciliation orchestrator

PURPOSE:
  Runs one uploaded grid through header detection, row classification and
  identity resolution, and issues the person and ledger upserts, all inside
  one store transaction.

ORDERING:
  Rows are processed strictly in file order. Within-file duplicate
  detection depends on it (BatchMemory), so rows are never parallelized.

FAILURE SEMANTICS:
  - Bad cells never fail a row; they normalize to empty/zero.
  - Empty grid / missing header: rejected before any transaction.
  - Any store error, timeout or key exhaustion: the whole transaction
    rolls back and a *BatchError is returned. Retry the whole file.

RUN LOG:
  Every attempt, committed or aborted, is recorded through the optional
  RunLog, outside the batch transaction.

EXAMPLE:
  rec := roster.NewReconciler(store, roster.NewResolver(nil))
  report, err := rec.Import(ctx, grid, "march-batch.xlsx")
*/
package roster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Options tune a Reconciler.
type Options struct {
	HeaderScanRows int
	Tx             TxOptions
	EmailDomain    string
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		HeaderScanRows: DefaultHeaderScanRows,
		Tx:             DefaultTxOptions,
		EmailDomain:    DefaultEmailDomain,
	}
}

// Report summarizes a committed import.
type Report struct {
	RunID     string
	Source    string
	HeaderRow int // 0-based index of the header row

	Rows          int // data rows after the header
	Accepted      int
	Skipped       map[Verdict]int
	Created       int
	Updated       int
	LedgerEntries int

	// Count is the number of students in the registry after commit.
	Count int
}

// SkippedTotal returns the number of discarded rows.
func (r Report) SkippedTotal() int {
	n := 0
	for _, c := range r.Skipped {
		n += c
	}
	return n
}

// =============================================================================
// RECONCILER
// =============================================================================

type Reconciler struct {
	Store       TxStore
	Runs        RunLog // optional
	Resolver    *Resolver
	Credentials CredentialFunc
	Clock       func() time.Time
	Logger      *slog.Logger
	Options     Options
}

// NewReconciler wires a Reconciler with production defaults. If store
// also implements RunLog it is used to record runs.
func NewReconciler(store TxStore, resolver *Resolver) *Reconciler {
	if resolver == nil {
		resolver = NewResolver(nil)
	}
	r := &Reconciler{
		Store:       store,
		Resolver:    resolver,
		Credentials: BcryptCredential(DefaultCredentialCost),
		Clock:       time.Now,
		Logger:      slog.Default(),
		Options:     DefaultOptions(),
	}
	if runs, ok := store.(RunLog); ok {
		r.Runs = runs
	}
	return r
}

// Import reconciles grid into the registry as one atomic batch.
// source names the upload in logs and the run log.
func (r *Reconciler) Import(ctx context.Context, grid Grid, source string) (Report, error) {
	now := r.now()
	report := Report{
		RunID:   uuid.Must(uuid.NewV7()).String(),
		Source:  source,
		Skipped: make(map[Verdict]int),
	}
	log := r.logger().With("run_id", report.RunID, "source", source)

	if len(grid) == 0 {
		return r.fail(ctx, log, report, now, &BatchError{RunID: report.RunID, Kind: ErrEmptyInput})
	}
	cols, headerRow, err := LocateHeader(grid, r.Options.HeaderScanRows)
	if err != nil {
		return r.fail(ctx, log, report, now, &BatchError{RunID: report.RunID, Kind: err})
	}
	report.HeaderRow = headerRow

	log.Info("import started", "rows", len(grid)-headerRow-1, "header_row", headerRow+1)

	var (
		progress Report
		line     int
	)
	err = r.Store.WithTx(ctx, r.Options.Tx, func(ctx context.Context, reg Registry) error {
		progress = report
		progress.Skipped = make(map[Verdict]int)
		mem := NewBatchMemory()

		for i := headerRow + 1; i < len(grid); i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			line = i + 1
			if err := r.reconcileRow(ctx, reg, mem, grid[i], cols, line, now, &progress, log); err != nil {
				return err
			}
		}
		line = 0
		return nil
	})
	if err != nil {
		return r.fail(ctx, log, report, now, &BatchError{
			RunID: report.RunID,
			Line:  line,
			Kind:  ClassifyStoreError(err),
			Err:   err,
		})
	}
	report = progress

	count, err := r.Store.CountByRole(ctx, RoleStudent)
	if err != nil {
		// The batch is committed; only the summary is missing.
		err = fmt.Errorf("import committed, counting students failed: %w: %w", ErrStoreUnavailable, err)
		log.Error("post-commit count failed", "error", err)
		r.record(ctx, log, report, RunCommitted, now, err)
		return report, err
	}
	report.Count = count

	log.Info("import committed",
		"accepted", report.Accepted,
		"skipped", report.SkippedTotal(),
		"created", report.Created,
		"updated", report.Updated,
		"ledger_entries", report.LedgerEntries,
		"students", report.Count,
	)
	r.record(ctx, log, report, RunCommitted, now, nil)
	return report, nil
}

func (r *Reconciler) reconcileRow(ctx context.Context, reg Registry, mem *BatchMemory, row RawRow, cols ColumnMap, line int, now time.Time, progress *Report, log *slog.Logger) error {
	progress.Rows++

	cls := ClassifyRow(row, cols, line)
	if !cls.Accepted() {
		progress.Skipped[cls.Verdict]++
		if cls.Verdict != VerdictNoName {
			log.Debug("row skipped", "line", line, "verdict", cls.Verdict, "name", cls.Record.Name)
		}
		return nil
	}
	progress.Accepted++
	rec := cls.Record

	res, err := r.Resolver.Resolve(ctx, reg, mem, rec)
	if err != nil {
		return err
	}

	person := BuildPerson(res, rec, now)
	if person.Email == "" {
		person.Email = PlaceholderEmail(person.Key, r.Options.EmailDomain)
	}
	if person.CredentialHash == "" && r.Credentials != nil {
		hash, err := r.Credentials(person.Key)
		if err != nil {
			return fmt.Errorf("credential for %q: %w", person.Key, err)
		}
		person.CredentialHash = hash
	}
	if err := reg.UpsertPerson(ctx, person); err != nil {
		return err
	}
	if res.IsUpdate() {
		progress.Updated++
	} else {
		progress.Created++
	}

	if entry, ok := BuildLedgerEntry(res.Key, rec, now); ok {
		if err := reg.UpsertLedgerEntry(ctx, entry); err != nil {
			return err
		}
		progress.LedgerEntries++
	}

	log.Debug("row reconciled",
		"line", line,
		"key", res.Key,
		"update", res.IsUpdate(),
		"synthetic", res.Synthetic,
		"suffixed", res.Suffixed,
	)
	return nil
}

// fail logs and records an aborted run. The returned report carries only
// the run identity; Count is 0 because nothing was committed.
func (r *Reconciler) fail(ctx context.Context, log *slog.Logger, report Report, started time.Time, err *BatchError) (Report, error) {
	level := slog.LevelError
	if IsClientError(err) {
		level = slog.LevelWarn
	}
	log.Log(ctx, level, "import aborted", "error", err, "retryable", IsRetryable(err))

	aborted := Report{RunID: report.RunID, Source: report.Source, Skipped: map[Verdict]int{}}
	r.record(ctx, log, aborted, RunAborted, started, err)
	return aborted, err
}

func (r *Reconciler) record(ctx context.Context, log *slog.Logger, report Report, status RunStatus, started time.Time, runErr error) {
	if r.Runs == nil {
		return
	}
	run := ImportRun{
		ID:            report.RunID,
		Source:        report.Source,
		Status:        status,
		Rows:          report.Rows,
		Accepted:      report.Accepted,
		Skipped:       report.SkippedTotal(),
		Created:       report.Created,
		Updated:       report.Updated,
		LedgerEntries: report.LedgerEntries,
		Count:         report.Count,
		StartedAt:     started,
		CompletedAt:   r.now(),
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	// The batch context may already be past its deadline.
	if err := r.Runs.RecordRun(context.WithoutCancel(ctx), run); err != nil {
		log.Warn("recording import run failed", "error", err)
	}
}

func (r *Reconciler) now() time.Time {
	if r.Clock != nil {
		return r.Clock()
	}
	return time.Now()
}

func (r *Reconciler) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// AsBatchError extracts the *BatchError from err, if any.
func AsBatchError(err error) (*BatchError, bool) {
	var be *BatchError
	ok := errors.As(err, &be)
	return be, ok
}
