/*
Package sqlite provides a SQLite-backed implementation of the roster storage interfaces.

PURPOSE:
  Implements roster.TxStore (person registry + ledger) and roster.RunLog
  using SQLite. In production, the same patterns apply to PostgreSQL - only
  minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  roster.Registry: scoped lookups + upserts used inside a batch
  roster.Store:    read-side queries for the API and CLI
  roster.TxStore:  one SQL transaction per uploaded file
  roster.RunLog:   import attempt history

KEY TABLES:
  persons:        one row per CanonicalKey, upserted, never deleted
  ledger_entries: one row per person key (LEDGER-<key>), upserted
  import_runs:    one row per import attempt, written outside the batch

INDEXES:
  - persons primary key: prefix search is a range scan on it
  - idx_persons_role: CountByRole after every commit
  - ledger_entries.person_key UNIQUE: at most one entry per person

CONCURRENCY:
  One write transaction at a time, guarded by a semaphore so waiting is
  bounded by TxOptions.MaxWait. Transactions begin IMMEDIATE, so two
  batches can never both see a base key as free. Reads inside a
  transaction go through the sql.Tx and observe its own writes.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/roster.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  rec := roster.NewReconciler(store, nil)

SEE ALSO:
  - roster/store.go: Interface definitions
  - roster/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/roster-engine/roster"
)

const (
	// Fixed width so stored timestamps sort as text.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

	// DefaultBusyTimeout is how long SQLite itself retries a locked database.
	DefaultBusyTimeout = 5 * time.Second
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db     *sql.DB
	writer chan struct{}
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=%d",
		dbPath, DefaultBusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, writer: make(chan struct{}, 1)}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", roster.ErrStoreUnavailable, err)
	}
	return nil
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS persons (
		key TEXT PRIMARY KEY,
		base_key TEXT NOT NULL,
		name TEXT NOT NULL,
		course TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL UNIQUE,
		credential_hash TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL,
		status TEXT NOT NULL,
		total_fees TEXT NOT NULL DEFAULT '0',
		amount_paid TEXT NOT NULL DEFAULT '0',
		pending_amount TEXT NOT NULL DEFAULT '0',
		payment_mode TEXT NOT NULL DEFAULT '',
		study_mode TEXT NOT NULL DEFAULT '',
		duration TEXT NOT NULL DEFAULT '',
		institution TEXT NOT NULL DEFAULT '',
		join_date TEXT NOT NULL DEFAULT '',
		end_date TEXT NOT NULL DEFAULT '',
		synthetic INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_persons_role ON persons(role);
	CREATE INDEX IF NOT EXISTS idx_persons_base_key ON persons(base_key);

	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		person_key TEXT NOT NULL UNIQUE REFERENCES persons(key),
		items_json TEXT NOT NULL,
		subtotal TEXT NOT NULL,
		total TEXT NOT NULL,
		amount_paid TEXT NOT NULL,
		balance_due TEXT NOT NULL,
		status TEXT NOT NULL,
		payment_mode TEXT NOT NULL DEFAULT '',
		issue_date TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS import_runs (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		status TEXT NOT NULL,
		row_count INTEGER NOT NULL DEFAULT 0,
		accepted INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		created INTEGER NOT NULL DEFAULT 0,
		updated INTEGER NOT NULL DEFAULT 0,
		ledger_entries INTEGER NOT NULL DEFAULT 0,
		student_count INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		completed_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_import_runs_started ON import_runs(started_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// REGISTRY (roster.Registry interface)
// =============================================================================

const personColumns = `key, base_key, name, course, email, credential_hash, role, status,
	total_fees, amount_paid, pending_amount, payment_mode, study_mode, duration,
	institution, join_date, end_date, synthetic, created_at, updated_at`

func (s *Store) FindByKeyPrefix(ctx context.Context, prefix string) ([]roster.PersonRecord, error) {
	return findByKeyPrefix(ctx, s.db, prefix)
}

func findByKeyPrefix(ctx context.Context, q querier, prefix string) ([]roster.PersonRecord, error) {
	if prefix == "" {
		return queryPersons(ctx, q, `SELECT `+personColumns+` FROM persons ORDER BY key`)
	}
	// Range on the primary key: key >= prefix AND key < next(prefix)
	return queryPersons(ctx, q,
		`SELECT `+personColumns+` FROM persons WHERE key >= ? AND key < ? ORDER BY key`,
		prefix, prefixUpperBound(prefix))
}

func (s *Store) FindByKeyExact(ctx context.Context, key roster.CanonicalKey) (*roster.PersonRecord, error) {
	return findByKeyExact(ctx, s.db, key)
}

func findByKeyExact(ctx context.Context, q querier, key roster.CanonicalKey) (*roster.PersonRecord, error) {
	persons, err := queryPersons(ctx, q, `SELECT `+personColumns+` FROM persons WHERE key = ?`, string(key))
	if err != nil || len(persons) == 0 {
		return nil, err
	}
	return &persons[0], nil
}

func (s *Store) UpsertPerson(ctx context.Context, p roster.PersonRecord) error {
	return upsertPerson(ctx, s.db, p)
}

func upsertPerson(ctx context.Context, q querier, p roster.PersonRecord) error {
	query := `
		INSERT INTO persons (` + personColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			name = excluded.name,
			course = excluded.course,
			email = excluded.email,
			credential_hash = excluded.credential_hash,
			role = excluded.role,
			status = excluded.status,
			total_fees = excluded.total_fees,
			amount_paid = excluded.amount_paid,
			pending_amount = excluded.pending_amount,
			payment_mode = excluded.payment_mode,
			study_mode = excluded.study_mode,
			duration = excluded.duration,
			institution = excluded.institution,
			join_date = excluded.join_date,
			end_date = excluded.end_date,
			updated_at = excluded.updated_at
	`
	_, err := q.ExecContext(ctx, query,
		string(p.Key), p.BaseKey, p.Name, p.Course, p.Email, p.CredentialHash,
		string(p.Role), string(p.Status),
		p.TotalFees, p.AmountPaid, p.PendingAmount,
		p.PaymentMode, p.StudyMode, p.Duration, p.Institution, p.JoinDate, p.EndDate,
		p.Synthetic,
		p.CreatedAt.UTC().Format(timeLayout), p.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return classify(err, p.Key, "upsert person")
	}
	return nil
}

func (s *Store) UpsertLedgerEntry(ctx context.Context, e roster.LedgerEntry) error {
	return upsertLedgerEntry(ctx, s.db, e)
}

func upsertLedgerEntry(ctx context.Context, q querier, e roster.LedgerEntry) error {
	items, err := json.Marshal(e.Items)
	if err != nil {
		return fmt.Errorf("encode ledger items: %w", err)
	}

	query := `
		INSERT INTO ledger_entries (id, person_key, items_json, subtotal, total, amount_paid,
			balance_due, status, payment_mode, issue_date, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			items_json = excluded.items_json,
			subtotal = excluded.subtotal,
			total = excluded.total,
			amount_paid = excluded.amount_paid,
			balance_due = excluded.balance_due,
			status = excluded.status,
			payment_mode = excluded.payment_mode,
			issue_date = excluded.issue_date,
			updated_at = excluded.updated_at
	`
	_, err = q.ExecContext(ctx, query,
		e.ID, string(e.PersonKey), string(items),
		e.Subtotal, e.Total, e.AmountPaid, e.BalanceDue,
		string(e.Status), e.PaymentMode, e.IssueDate,
		e.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return classify(err, e.PersonKey, "upsert ledger entry")
	}
	return nil
}

// =============================================================================
// READ SIDE (roster.Store interface)
// =============================================================================

func (s *Store) CountByRole(ctx context.Context, role roster.Role) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM persons WHERE role = ?`, string(role)).Scan(&count)
	if err != nil {
		return 0, classify(err, "", "count persons")
	}
	return count, nil
}

func (s *Store) ListPersons(ctx context.Context, role roster.Role) ([]roster.PersonRecord, error) {
	if role == "" {
		return queryPersons(ctx, s.db, `SELECT `+personColumns+` FROM persons ORDER BY key`)
	}
	return queryPersons(ctx, s.db, `SELECT `+personColumns+` FROM persons WHERE role = ? ORDER BY key`, string(role))
}

func (s *Store) GetLedgerEntry(ctx context.Context, key roster.CanonicalKey) (*roster.LedgerEntry, error) {
	query := `
		SELECT id, person_key, items_json, subtotal, total, amount_paid, balance_due,
			status, payment_mode, issue_date, updated_at
		FROM ledger_entries WHERE id = ?
	`
	var (
		e                  roster.LedgerEntry
		personKey, status  string
		itemsJSON, updated string
	)
	err := s.db.QueryRowContext(ctx, query, roster.LedgerID(key)).Scan(
		&e.ID, &personKey, &itemsJSON, &e.Subtotal, &e.Total, &e.AmountPaid, &e.BalanceDue,
		&status, &e.PaymentMode, &e.IssueDate, &updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, key, "get ledger entry")
	}
	if err := json.Unmarshal([]byte(itemsJSON), &e.Items); err != nil {
		return nil, fmt.Errorf("decode ledger items of %s: %w", e.ID, err)
	}
	e.PersonKey = roster.CanonicalKey(personKey)
	e.Status = roster.LedgerStatus(status)
	e.UpdatedAt, _ = time.Parse(timeLayout, updated)
	return &e, nil
}

func queryPersons(ctx context.Context, q querier, query string, args ...any) ([]roster.PersonRecord, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err, "", "query persons")
	}
	defer rows.Close()

	var persons []roster.PersonRecord
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, err
		}
		persons = append(persons, p)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "", "query persons")
	}
	return persons, nil
}

func scanPerson(rows *sql.Rows) (roster.PersonRecord, error) {
	var (
		p                 roster.PersonRecord
		key, role, status string
		created, updated  string
	)
	if err := rows.Scan(
		&key, &p.BaseKey, &p.Name, &p.Course, &p.Email, &p.CredentialHash, &role, &status,
		&p.TotalFees, &p.AmountPaid, &p.PendingAmount,
		&p.PaymentMode, &p.StudyMode, &p.Duration, &p.Institution, &p.JoinDate, &p.EndDate,
		&p.Synthetic, &created, &updated,
	); err != nil {
		return roster.PersonRecord{}, fmt.Errorf("scan person: %w", err)
	}
	p.Key = roster.CanonicalKey(key)
	p.Role = roster.Role(role)
	p.Status = roster.PersonStatus(status)
	p.CreatedAt, _ = time.Parse(timeLayout, created)
	p.UpdatedAt, _ = time.Parse(timeLayout, updated)
	return p, nil
}

// =============================================================================
// TRANSACTIONS (roster.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, opts roster.TxOptions, fn func(context.Context, roster.Registry) error) error {
	if err := s.acquire(ctx, opts.MaxWait); err != nil {
		return err
	}
	defer func() { <-s.writer }()

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err, "", "begin transaction")
	}
	defer sqlTx.Rollback()

	if err := fn(ctx, &txStore{tx: sqlTx}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", roster.ErrTransactionTimeout, err)
	}
	if err := sqlTx.Commit(); err != nil {
		return classify(err, "", "commit")
	}
	return nil
}

func (s *Store) acquire(ctx context.Context, maxWait time.Duration) error {
	var expired <-chan time.Time
	if maxWait > 0 {
		timer := time.NewTimer(maxWait)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case s.writer <- struct{}{}:
		return nil
	case <-expired:
		return fmt.Errorf("%w: write lock not acquired within %s", roster.ErrTransactionTimeout, maxWait)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// txStore is the Registry view of an open transaction.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) FindByKeyPrefix(ctx context.Context, prefix string) ([]roster.PersonRecord, error) {
	return findByKeyPrefix(ctx, ts.tx, prefix)
}

func (ts *txStore) FindByKeyExact(ctx context.Context, key roster.CanonicalKey) (*roster.PersonRecord, error) {
	return findByKeyExact(ctx, ts.tx, key)
}

func (ts *txStore) UpsertPerson(ctx context.Context, p roster.PersonRecord) error {
	return upsertPerson(ctx, ts.tx, p)
}

func (ts *txStore) UpsertLedgerEntry(ctx context.Context, e roster.LedgerEntry) error {
	return upsertLedgerEntry(ctx, ts.tx, e)
}

// =============================================================================
// RUN LOG (roster.RunLog interface)
// =============================================================================

// RecordRun saves an import run, replacing an earlier record with the same ID.
func (s *Store) RecordRun(ctx context.Context, r roster.ImportRun) error {
	query := `
		INSERT INTO import_runs (id, source, status, row_count, accepted, skipped, created,
			updated, ledger_entries, student_count, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			row_count = excluded.row_count,
			accepted = excluded.accepted,
			skipped = excluded.skipped,
			created = excluded.created,
			updated = excluded.updated,
			ledger_entries = excluded.ledger_entries,
			student_count = excluded.student_count,
			error = excluded.error,
			completed_at = excluded.completed_at
	`
	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.Source, string(r.Status), r.Rows, r.Accepted, r.Skipped, r.Created,
		r.Updated, r.LedgerEntries, r.Count, r.Error,
		r.StartedAt.UTC().Format(timeLayout), r.CompletedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return classify(err, "", "record import run")
	}
	return nil
}

// ListRuns returns the most recent runs first. limit <= 0 means all.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]roster.ImportRun, error) {
	query := `
		SELECT id, source, status, row_count, accepted, skipped, created, updated,
			ledger_entries, student_count, error, started_at, completed_at
		FROM import_runs
		ORDER BY started_at DESC, id DESC
	`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err, "", "list import runs")
	}
	defer rows.Close()

	var runs []roster.ImportRun
	for rows.Next() {
		var (
			r                  roster.ImportRun
			status             string
			started, completed string
		)
		if err := rows.Scan(
			&r.ID, &r.Source, &status, &r.Rows, &r.Accepted, &r.Skipped, &r.Created, &r.Updated,
			&r.LedgerEntries, &r.Count, &r.Error, &started, &completed,
		); err != nil {
			return nil, fmt.Errorf("scan import run: %w", err)
		}
		r.Status = roster.RunStatus(status)
		r.StartedAt, _ = time.Parse(timeLayout, started)
		r.CompletedAt, _ = time.Parse(timeLayout, completed)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

// prefixUpperBound returns the smallest string greater than every string
// starting with prefix. Keys are ASCII, so bumping the last byte suffices.
func prefixUpperBound(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xFF {
			b[i]++
			return string(b[:i+1])
		}
	}
	return prefix + "\xff"
}

// classify wraps a driver error with the matching roster error kind.
func classify(err error, key roster.CanonicalKey, op string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, roster.ErrTransactionTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}

	var se sqlite3.Error
	if errors.As(err, &se) {
		switch {
		case se.ExtendedCode == sqlite3.ErrConstraintUnique,
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
			return &roster.ConflictError{Key: key, Err: fmt.Errorf("%s: %w", op, err)}
		case se.Code == sqlite3.ErrBusy, se.Code == sqlite3.ErrLocked:
			return fmt.Errorf("%s: %w: %w", op, roster.ErrTransactionConflict, err)
		}
	}
	return fmt.Errorf("%s: %w: %w", op, roster.ErrStoreUnavailable, err)
}
