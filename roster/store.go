/*
store.go - Persistence ports for the reconciliation engine

PURPOSE:
  Defines the narrow interface between the reconciliation algorithm and
  whatever database holds the registry. The engine needs exactly two
  scoped lookups and two idempotent upserts inside a transaction; the
  rest is for read-side callers (API, CLI).

KEY INTERFACES:
  Registry: lookups + upserts, the only thing a running batch touches
  Store:    Registry plus read-side queries
  TxStore:  Store with all-or-nothing transactions
  RunLog:   audit trail of import attempts

TRANSACTION CONTRACT:
  - Reads through the Registry handed to WithTx observe that
    transaction's own uncommitted writes.
  - If fn returns an error, nothing fn wrote survives.
  - WithTx waits at most TxOptions.MaxWait to start and aborts with
    ErrTransactionTimeout if the whole fn runs past TxOptions.Timeout.
  - Two concurrent WithTx calls must not both observe a base key as free.

IMPLEMENTATIONS:
  - store/sqlite: production SQLite
  - roster/store: in-memory, for tests and dev

SEE ALSO:
  - reconcile.go: the only WithTx caller in the engine
*/
package roster

import (
	"context"
	"time"
)

// =============================================================================
// REGISTRY - What the engine reads and writes inside a batch
// =============================================================================

// Registry is the transactional view handed to a batch.
type Registry interface {
	// FindByKeyPrefix returns every person whose key starts with prefix,
	// ordered by key. Scoped: implementations must not scan the table.
	FindByKeyPrefix(ctx context.Context, prefix string) ([]PersonRecord, error)

	// FindByKeyExact returns the person at key, or nil.
	FindByKeyExact(ctx context.Context, key CanonicalKey) (*PersonRecord, error)

	// UpsertPerson writes p at p.Key, replacing any previous version.
	UpsertPerson(ctx context.Context, p PersonRecord) error

	// UpsertLedgerEntry writes e at e.ID, replacing any previous version.
	UpsertLedgerEntry(ctx context.Context, e LedgerEntry) error
}

// =============================================================================
// STORE - Registry plus read-side queries
// =============================================================================

type Store interface {
	Registry

	// CountByRole returns how many persons carry role.
	CountByRole(ctx context.Context, role Role) (int, error)

	// ListPersons returns persons with role (all roles if empty), by key.
	ListPersons(ctx context.Context, role Role) ([]PersonRecord, error)

	// GetLedgerEntry returns the ledger entry of a person, or nil.
	GetLedgerEntry(ctx context.Context, key CanonicalKey) (*LedgerEntry, error)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxOptions bounds a transaction.
type TxOptions struct {
	MaxWait time.Duration // how long to wait for the write lock
	Timeout time.Duration // total execution budget, 0 = none
}

// DefaultTxOptions mirrors the upload endpoint's limits.
var DefaultTxOptions = TxOptions{
	MaxWait: 5 * time.Second,
	Timeout: 60 * time.Second,
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction. fn receives a context
	// carrying the execution deadline and the transaction's Registry.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, opts TxOptions, fn func(ctx context.Context, reg Registry) error) error
}

// =============================================================================
// RUN LOG - Separate from the registry, survives aborted batches
// =============================================================================

type RunLog interface {
	RecordRun(ctx context.Context, run ImportRun) error
	ListRuns(ctx context.Context, limit int) ([]ImportRun, error)
}
