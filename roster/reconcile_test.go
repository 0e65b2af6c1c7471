package roster_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/roster-engine/roster"
	"github.com/warp/roster-engine/roster/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var testNow = time.Date(2025, time.June, 1, 10, 0, 0, 0, time.UTC)

func newTestReconciler(t *testing.T, st roster.TxStore, digits ...string) *roster.Reconciler {
	t.Helper()
	rec := roster.NewReconciler(st, roster.NewResolver(roster.NewSequenceRandom(digits...)))
	rec.Credentials = func(key roster.CanonicalKey) (string, error) { return "hash:" + string(key), nil }
	rec.Clock = func() time.Time { return testNow }
	return rec
}

func amount(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// scenarioGrid has two banner rows, an exact repeat and a contact-less row.
func scenarioGrid() roster.Grid {
	return roster.Grid{
		{"Enrollment export"},
		{},
		{"Name", "Contact No.", "Amount"},
		{"Ravi", "9876543210", "5000"},
		{"Ravi", "9876543210", "5000"},
		{"Priya", "", "3000"},
	}
}

func personAt(t *testing.T, st roster.Store, key string) roster.PersonRecord {
	t.Helper()
	p, err := st.FindByKeyExact(context.Background(), roster.CanonicalKey(key))
	require.NoError(t, err)
	require.NotNil(t, p, "no person at %s", key)
	return *p
}

func ledgerAt(t *testing.T, st roster.Store, key string) roster.LedgerEntry {
	t.Helper()
	e, err := st.GetLedgerEntry(context.Background(), roster.CanonicalKey(key))
	require.NoError(t, err)
	require.NotNil(t, e, "no ledger entry for %s", key)
	return *e
}

// =============================================================================
// HAPPY PATH
// =============================================================================

func TestImport_Scenario(t *testing.T) {
	// GIVEN: Header at row index 2, an exact repeat of Ravi, Priya without contact
	// WHEN: Importing into an empty registry
	// THEN: One Ravi at his contact, one Priya at a synthetic key, two ledger entries

	ctx := context.Background()
	st := store.NewTxMemory()
	rec := newTestReconciler(t, st, "12345")

	report, err := rec.Import(ctx, scenarioGrid(), "scenario.xlsx")
	require.NoError(t, err)

	assert.Equal(t, 2, report.HeaderRow)
	assert.Equal(t, 3, report.Rows)
	assert.Equal(t, 3, report.Accepted)
	assert.Equal(t, 2, report.Created)
	assert.Equal(t, 1, report.Updated)
	assert.Equal(t, 2, report.Count)

	ravi := personAt(t, st, "9876543210")
	assert.Equal(t, "Ravi", ravi.Name)
	assert.Equal(t, "9876543210@students.invalid", ravi.Email)
	assert.Equal(t, "hash:9876543210", ravi.CredentialHash)
	assert.False(t, ravi.Synthetic)

	entry := ledgerAt(t, st, "9876543210")
	assert.True(t, amount("5000").Equal(entry.Total))
	assert.True(t, amount("5000").Equal(entry.AmountPaid))
	assert.Equal(t, roster.LedgerPaid, entry.Status)
	assert.Equal(t, "2025-06-01", entry.IssueDate)
	require.Len(t, entry.Items, 1)
	assert.Equal(t, "Course fee", entry.Items[0].Description)

	priya := personAt(t, st, "9999912345")
	assert.Equal(t, "Priya", priya.Name)
	assert.True(t, priya.Synthetic)
	assert.True(t, amount("3000").Equal(ledgerAt(t, st, "9999912345").Total))
}

func TestImport_Idempotent(t *testing.T) {
	// GIVEN: The scenario file already imported
	// WHEN: The same file is imported again with a different random source
	// THEN: Registry and ledger are unchanged, identity fields preserved

	ctx := context.Background()
	st := store.NewTxMemory()

	_, err := newTestReconciler(t, st, "12345").Import(ctx, scenarioGrid(), "first.xlsx")
	require.NoError(t, err)
	before, err := st.ListPersons(ctx, "")
	require.NoError(t, err)

	second := newTestReconciler(t, st, "55555")
	second.Clock = func() time.Time { return testNow.Add(24 * time.Hour) }
	report, err := second.Import(ctx, scenarioGrid(), "again.xlsx")
	require.NoError(t, err)

	assert.Equal(t, 0, report.Created)
	assert.Equal(t, 3, report.Updated)
	assert.Equal(t, 2, report.Count)

	after, err := st.ListPersons(ctx, "")
	require.NoError(t, err)
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].Key, after[i].Key)
		assert.Equal(t, before[i].CreatedAt, after[i].CreatedAt)
		assert.Equal(t, before[i].Email, after[i].Email)
		assert.Equal(t, before[i].CredentialHash, after[i].CredentialHash)
	}
	assert.True(t, amount("5000").Equal(ledgerAt(t, st, "9876543210").Total))
	assert.True(t, amount("3000").Equal(ledgerAt(t, st, "9999912345").AmountPaid))
}

func TestImport_ReorderedFileConverges(t *testing.T) {
	ctx := context.Background()
	st := store.NewTxMemory()

	_, err := newTestReconciler(t, st, "12345").Import(ctx, scenarioGrid(), "a.xlsx")
	require.NoError(t, err)

	reordered := roster.Grid{
		{"Contact No.", "Amount", "Name"},
		{"", "3000", "Priya"},
		{"9876543210", "5000", "Ravi"},
	}
	report, err := newTestReconciler(t, st, "99999").Import(ctx, reordered, "b.csv")
	require.NoError(t, err)
	assert.Equal(t, 0, report.Created)
	assert.Equal(t, 2, report.Count)
}

func TestImport_SharedContactDifferentCourses(t *testing.T) {
	// GIVEN: Same person enrolled in two courses on one phone
	// THEN: Two records, base key and a suffixed sibling, each with its ledger entry

	ctx := context.Background()
	st := store.NewTxMemory()
	grid := roster.Grid{
		{"Name", "Contact", "Course", "Fees", "Paid"},
		{"Ravi", "9876543210", "Go", "5000", "5000"},
		{"Ravi", "9876543210", "Rust", "8000", "2000"},
	}

	report, err := newTestReconciler(t, st, "0042").Import(ctx, grid, "courses.xlsx")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Created)
	assert.Equal(t, 2, report.Count)

	assert.Equal(t, "Go", personAt(t, st, "9876543210").Course)
	rust := personAt(t, st, "9876543210-0042")
	assert.Equal(t, "Rust", rust.Course)
	assert.Equal(t, "9876543210", rust.BaseKey)

	entry := ledgerAt(t, st, "9876543210-0042")
	assert.Equal(t, roster.LedgerPartial, entry.Status)
	assert.True(t, amount("6000").Equal(entry.BalanceDue))

	// Re-upload resolves each course to its own key
	report, err = newTestReconciler(t, st, "0099").Import(ctx, grid, "courses.xlsx")
	require.NoError(t, err)
	assert.Equal(t, 0, report.Created)
	assert.Equal(t, 2, report.Count)
}

func TestImport_SkipsNoiseRows(t *testing.T) {
	ctx := context.Background()
	st := store.NewTxMemory()
	grid := roster.Grid{
		{"Name", "Contact", "Fees", "Paid"},
		{"Ravi", "9876543210", "5000", "0"},
		{"", "", "", ""},
		{"Ghost", "12", "0", "0"},
		{"Total", "", "5000", "0"},
	}

	report, err := newTestReconciler(t, st).Import(ctx, grid, "noise.xlsx")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Accepted)
	assert.Equal(t, 3, report.SkippedTotal())
	assert.Equal(t, 1, report.Skipped[roster.VerdictGhost])
	assert.Equal(t, 1, report.Skipped[roster.VerdictSummary])
	assert.Equal(t, 0, report.LedgerEntries, "nothing paid, no ledger entry")
	assert.Equal(t, 1, report.Count)
}

func TestImport_LedgerOverwritesNotAccumulates(t *testing.T) {
	ctx := context.Background()
	st := store.NewTxMemory()
	rec := newTestReconciler(t, st)
	header := roster.RawRow{"Name", "Contact", "Total Fees", "Paid till now", "Joining Date"}

	_, err := rec.Import(ctx, roster.Grid{header, {"Ravi", "9876543210", "5000", "2000", "45432"}}, "march.xlsx")
	require.NoError(t, err)
	entry := ledgerAt(t, st, "9876543210")
	assert.Equal(t, roster.LedgerPartial, entry.Status)
	assert.Equal(t, "2024-05-20", entry.IssueDate)

	_, err = rec.Import(ctx, roster.Grid{header, {"Ravi", "9876543210", "5000", "5000", "19-05-2025"}}, "april.xlsx")
	require.NoError(t, err)
	entry = ledgerAt(t, st, "9876543210")
	assert.True(t, amount("5000").Equal(entry.AmountPaid))
	assert.True(t, entry.BalanceDue.IsZero())
	assert.Equal(t, roster.LedgerPaid, entry.Status)
	assert.Equal(t, "2025-05-19", entry.IssueDate)
	assert.Equal(t, "2025-05-19", personAt(t, st, "9876543210").JoinDate)
}

// =============================================================================
// REJECTED FILES
// =============================================================================

func TestImport_ClientErrors(t *testing.T) {
	ctx := context.Background()
	st := store.NewTxMemory()
	rec := newTestReconciler(t, st)

	report, err := rec.Import(ctx, nil, "empty.xlsx")
	assert.ErrorIs(t, err, roster.ErrEmptyInput)
	assert.True(t, roster.IsClientError(err))
	assert.Equal(t, 0, report.Count)

	_, err = rec.Import(ctx, roster.Grid{{"Name", "Course"}, {"Ravi", "Go"}}, "noheader.xlsx")
	assert.ErrorIs(t, err, roster.ErrHeaderNotFound)
	assert.False(t, roster.IsRetryable(err))

	runs, err := st.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, roster.RunAborted, runs[0].Status)
	assert.Equal(t, "noheader.xlsx", runs[0].Source)
}

// failingStore fails the nth person upsert inside a transaction.
type failingStore struct {
	*store.TxMemory
	failAt int
	err    error
}

func (f *failingStore) WithTx(ctx context.Context, opts roster.TxOptions, fn func(context.Context, roster.Registry) error) error {
	return f.TxMemory.WithTx(ctx, opts, func(ctx context.Context, reg roster.Registry) error {
		return fn(ctx, &failingRegistry{Registry: reg, store: f})
	})
}

type failingRegistry struct {
	roster.Registry
	store *failingStore
	calls int
}

func (r *failingRegistry) UpsertPerson(ctx context.Context, p roster.PersonRecord) error {
	r.calls++
	if r.calls == r.store.failAt {
		return r.store.err
	}
	return r.Registry.UpsertPerson(ctx, p)
}

func TestImport_AtomicRollback(t *testing.T) {
	// GIVEN: A store that fails on the third person write
	// WHEN: Importing a four row file
	// THEN: Nothing is persisted and the error names the failing row

	ctx := context.Background()
	st := &failingStore{TxMemory: store.NewTxMemory(), failAt: 3, err: errors.New("disk full")}
	grid := roster.Grid{
		{"Name", "Contact", "Fees"},
		{"A", "1111111111", "100"},
		{"B", "2222222222", "100"},
		{"C", "3333333333", "100"},
		{"D", "4444444444", "100"},
	}

	report, err := newTestReconciler(t, st).Import(ctx, grid, "partial.xlsx")
	require.Error(t, err)
	assert.ErrorIs(t, err, roster.ErrStoreUnavailable)
	assert.True(t, roster.IsRetryable(err))
	assert.Equal(t, 0, report.Count)

	be, ok := roster.AsBatchError(err)
	require.True(t, ok)
	assert.Equal(t, 4, be.Line)
	assert.EqualError(t, be.Err, "disk full")

	count, err := st.CountByRole(ctx, roster.RoleStudent)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	none, err := st.GetLedgerEntry(ctx, "1111111111")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestImport_ConflictIsRetryable(t *testing.T) {
	ctx := context.Background()
	st := &failingStore{
		TxMemory: store.NewTxMemory(),
		failAt:   1,
		err:      &roster.ConflictError{Key: "1111111111", Err: errors.New("unique violation")},
	}
	grid := roster.Grid{{"Name", "Contact", "Fees"}, {"A", "1111111111", "100"}}

	_, err := newTestReconciler(t, st).Import(ctx, grid, "race.xlsx")
	assert.ErrorIs(t, err, roster.ErrTransactionConflict)
	assert.True(t, roster.IsRetryable(err))
}

func TestImport_WaitTimeout(t *testing.T) {
	// GIVEN: Another batch holds the write transaction
	// WHEN: A second import cannot start within MaxWait
	// THEN: It fails with a retryable timeout and writes nothing

	ctx := context.Background()
	st := store.NewTxMemory()

	holding := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- st.WithTx(ctx, roster.TxOptions{}, func(context.Context, roster.Registry) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	rec := newTestReconciler(t, st)
	rec.Options.Tx = roster.TxOptions{MaxWait: 20 * time.Millisecond, Timeout: time.Second}
	_, err := rec.Import(ctx, scenarioGrid(), "blocked.xlsx")

	close(release)
	require.NoError(t, <-done)

	assert.ErrorIs(t, err, roster.ErrTransactionTimeout)
	assert.True(t, roster.IsRetryable(err))
	count, cerr := st.CountByRole(ctx, roster.RoleStudent)
	require.NoError(t, cerr)
	assert.Equal(t, 0, count)
}

func TestImport_RecordsCommittedRun(t *testing.T) {
	ctx := context.Background()
	st := store.NewTxMemory()

	report, err := newTestReconciler(t, st, "12345").Import(ctx, scenarioGrid(), "scenario.xlsx")
	require.NoError(t, err)

	runs, err := st.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	run := runs[0]
	assert.Equal(t, report.RunID, run.ID)
	assert.Equal(t, roster.RunCommitted, run.Status)
	assert.Equal(t, 3, run.Accepted)
	assert.Equal(t, 2, run.Count)
	assert.Empty(t, run.Error)
}

func TestImport_ManyNewPersonsWithDefaults(t *testing.T) {
	// GIVEN: A first upload of 600 distinct students
	// WHEN: Importing with the production credential hashing and timeouts
	// THEN: The batch commits within the transaction timeout

	ctx := context.Background()
	st := store.NewTxMemory()
	rec := roster.NewReconciler(st, nil)

	const n = 600
	g := roster.Grid{{"Name", "Contact No.", "Amount"}}
	for i := range n {
		g = append(g, roster.RawRow{fmt.Sprintf("Student %d", i), fmt.Sprintf("98%08d", i), "1000"})
	}

	report, err := rec.Import(ctx, g, "first-upload.csv")
	require.NoError(t, err)
	assert.Equal(t, n, report.Created)
	assert.Equal(t, n, report.Count)

	p := personAt(t, st, "9800000042")
	assert.NotEmpty(t, p.CredentialHash)
}

func TestImport_ContactLessRowLeavesRealPrefixContactAlone(t *testing.T) {
	// GIVEN: A real student whose contact starts with the synthetic prefix
	// WHEN: A later file lists the same name without a contact
	// THEN: A new synthetic record is created and the real one is unchanged

	ctx := context.Background()
	st := store.NewTxMemory()

	_, err := newTestReconciler(t, st).Import(ctx, roster.Grid{
		{"Name", "Contact", "Amount"},
		{"Ravi", "9999988888", "5000"},
	}, "first.csv")
	require.NoError(t, err)

	report, err := newTestReconciler(t, st, "12345").Import(ctx, roster.Grid{
		{"Name", "Contact", "Amount"},
		{"Ravi", "", "100"},
	}, "second.csv")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 0, report.Updated)

	existing := personAt(t, st, "9999988888")
	assert.False(t, existing.Synthetic)
	assert.True(t, existing.TotalFees.Equal(amount("5000")))

	synthetic := personAt(t, st, "9999912345")
	assert.True(t, synthetic.Synthetic)
	assert.True(t, synthetic.TotalFees.Equal(amount("100")))
}
