/*
Package roster provides the bulk roster reconciliation engine.

PURPOSE:
  Merges a semi-structured enrollment spreadsheet into the person registry
  and the fee ledger. Each row is either a new person, a re-enrollment of
  a known person, a correction to a known record, or noise. The engine
  decides which using only a name, a (possibly missing or shared) contact
  number and a course label.

KEY CONCEPTS IN THIS FILE (types.go):
  - Grid / RawRow: untyped cells as produced by a spreadsheet decoder
  - NormalizedRecord: the canonical projection of one row
  - CanonicalKey: the registry key (contact number or synthetic placeholder)
  - PersonRecord: the registry entity, upserted never duplicated
  - LedgerEntry: one fee ledger entry per person, overwritten never summed
  - ImportRun: audit record of one upload

PIPELINE:
  Grid -> LocateHeader -> ClassifyRow -> Resolver.Resolve -> upserts
  All upserts of one file run inside one Store transaction.

SEE ALSO:
  - normalize.go: cell -> scalar conversion
  - resolver.go: identity resolution (the core algorithm)
  - reconcile.go: the per-file orchestrator
  - store.go: persistence ports
*/
package roster

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RAW INPUT
// =============================================================================

// RawRow is one positional row of untyped cell values.
type RawRow []any

// Grid is a decoded sheet: rows x columns of raw cells.
type Grid []RawRow

// GridFromStrings adapts a [][]string (the shape excelize and encoding/csv
// return) to a Grid.
func GridFromStrings(rows [][]string) Grid {
	g := make(Grid, len(rows))
	for i, row := range rows {
		r := make(RawRow, len(row))
		for j, cell := range row {
			r[j] = cell
		}
		g[i] = r
	}
	return g
}

// =============================================================================
// NORMALIZED RECORD
// =============================================================================

// NormalizedRecord is the canonical projection of one accepted row.
// Downstream code never sees raw cells.
type NormalizedRecord struct {
	Line int // 1-based row number in the grid

	Name       string
	RawContact string
	Contact    string // digits only, may be short or empty

	TotalFees     decimal.Decimal
	AmountPaid    decimal.Decimal
	PendingAmount decimal.Decimal

	Course      string
	JoinDate    string // YYYY-MM-DD, raw text when unparsed, or ""
	EndDate     string
	PaymentMode string
	StudyMode   string
	Duration    string
	Institution string
}

// HasContact reports whether the cleaned contact is long enough to anchor
// an identity.
func (r NormalizedRecord) HasContact() bool {
	return len(r.Contact) >= MinContactDigits
}

// MinContactDigits is the shortest digit run treated as a usable contact.
const MinContactDigits = 5

// =============================================================================
// IDENTIFIERS
// =============================================================================

// CanonicalKey addresses a person in the registry: a real contact number
// or a synthetic placeholder, optionally followed by "-NNNN".
type CanonicalKey string

// Base returns the key without its collision suffix.
func (k CanonicalKey) Base() string {
	s := string(k)
	if i := strings.IndexByte(s, '-'); i >= 0 {
		return s[:i]
	}
	return s
}

// LedgerID is the derived ledger entry id for a person key.
func LedgerID(key CanonicalKey) string {
	return "LEDGER-" + string(key)
}

// =============================================================================
// PERSON RECORD
// =============================================================================

type Role string

const (
	RoleStudent Role = "student"
)

type PersonStatus string

const (
	StatusActive PersonStatus = "active"
)

// PersonRecord is the registry entity. The engine reads and upserts it,
// never deletes it.
type PersonRecord struct {
	Key     CanonicalKey
	BaseKey string

	Name   string
	Course string

	Email          string
	CredentialHash string `json:"-"`

	Role   Role
	Status PersonStatus

	TotalFees     decimal.Decimal
	AmountPaid    decimal.Decimal
	PendingAmount decimal.Decimal

	PaymentMode string
	StudyMode   string
	Duration    string
	Institution string
	JoinDate    string
	EndDate     string

	Synthetic bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// LEDGER ENTRY
// =============================================================================

type LedgerStatus string

const (
	LedgerPaid    LedgerStatus = "PAID"
	LedgerPartial LedgerStatus = "PARTIAL"
)

// LineItem is a single invoiced line.
type LineItem struct {
	Description string          `json:"description"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Amount      decimal.Decimal `json:"amount"`
}

// LedgerEntry is the invoice-like record bound 1:1 to a person key.
// INVARIANT: at most one per CanonicalKey; monetary fields are overwritten
// with the latest row, never accumulated.
type LedgerEntry struct {
	ID        string
	PersonKey CanonicalKey

	Items      []LineItem
	Subtotal   decimal.Decimal
	Total      decimal.Decimal
	AmountPaid decimal.Decimal
	BalanceDue decimal.Decimal
	Status     LedgerStatus

	PaymentMode string
	IssueDate   string // YYYY-MM-DD

	UpdatedAt time.Time
}

// =============================================================================
// IMPORT RUN
// =============================================================================

type RunStatus string

const (
	RunCommitted RunStatus = "committed"
	RunAborted   RunStatus = "aborted"
)

// ImportRun records one import attempt, committed or not.
type ImportRun struct {
	ID     string
	Source string
	Status RunStatus

	Rows          int
	Accepted      int
	Skipped       int
	Created       int
	Updated       int
	LedgerEntries int
	Count         int

	Error string

	StartedAt   time.Time
	CompletedAt time.Time
}
