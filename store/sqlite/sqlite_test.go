package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/roster-engine/roster"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func person(key, name, course string) roster.PersonRecord {
	k := roster.CanonicalKey(key)
	now := time.Date(2025, time.March, 3, 9, 30, 0, 0, time.UTC)
	return roster.PersonRecord{
		Key:        k,
		BaseKey:    k.Base(),
		Name:       name,
		Course:     course,
		Email:      roster.PlaceholderEmail(k, ""),
		Role:       roster.RoleStudent,
		Status:     roster.StatusActive,
		TotalFees:  decimal.RequireFromString("5000"),
		AmountPaid: decimal.RequireFromString("1250.50"),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// =============================================================================
// REGISTRY
// =============================================================================

func TestPersonRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	p := person("9876543210", "Ravi", "Go")
	p.Synthetic = true
	p.JoinDate = "2025-05-19"
	require.NoError(t, store.UpsertPerson(ctx, p))

	got, err := store.FindByKeyExact(ctx, "9876543210")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Ravi", got.Name)
	assert.True(t, got.Synthetic)
	assert.Equal(t, "2025-05-19", got.JoinDate)
	assert.True(t, p.AmountPaid.Equal(got.AmountPaid))
	assert.True(t, p.CreatedAt.Equal(got.CreatedAt))

	missing, err := store.FindByKeyExact(ctx, "0000000000")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestUpsertPerson_OverwritesFields(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.UpsertPerson(ctx, person("9876543210", "Ravi", "Go")))
	updated := person("9876543210", "Ravi Kumar", "Go")
	updated.AmountPaid = decimal.RequireFromString("5000")
	require.NoError(t, store.UpsertPerson(ctx, updated))

	got, err := store.FindByKeyExact(ctx, "9876543210")
	require.NoError(t, err)
	assert.Equal(t, "Ravi Kumar", got.Name)
	assert.True(t, decimal.RequireFromString("5000").Equal(got.AmountPaid))

	count, err := store.CountByRole(ctx, roster.RoleStudent)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestFindByKeyPrefix_Scoped(t *testing.T) {
	// GIVEN: A base key, two suffixed siblings and unrelated keys
	// WHEN: Searching by the base
	// THEN: Only keys starting with the base come back, ordered

	ctx := context.Background()
	store := newTestStore(t)
	for _, key := range []string{"9876543210-0042", "9876543210", "9876543211", "9876543210-0007", "1234567890"} {
		require.NoError(t, store.UpsertPerson(ctx, person(key, "x", "")))
	}

	found, err := store.FindByKeyPrefix(ctx, "9876543210")
	require.NoError(t, err)
	var keys []roster.CanonicalKey
	for _, p := range found {
		keys = append(keys, p.Key)
	}
	assert.Equal(t, []roster.CanonicalKey{"9876543210", "9876543210-0007", "9876543210-0042"}, keys)

	found, err = store.FindByKeyPrefix(ctx, "99999")
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestPrefixUpperBound(t *testing.T) {
	assert.Equal(t, "9876543211", prefixUpperBound("9876543210"))
	assert.Equal(t, "9999:", prefixUpperBound("99999"))
}

func TestEmailUniqueIsConflict(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	a := person("1111111111", "A", "")
	b := person("2222222222", "B", "")
	b.Email = a.Email
	require.NoError(t, store.UpsertPerson(ctx, a))

	err := store.UpsertPerson(ctx, b)
	require.Error(t, err)
	assert.ErrorIs(t, err, roster.ErrTransactionConflict)
	var ce *roster.ConflictError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, roster.CanonicalKey("2222222222"), ce.Key)
}

// =============================================================================
// LEDGER
// =============================================================================

func TestLedgerEntryRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.UpsertPerson(ctx, person("9876543210", "Ravi", "Go")))

	rec := roster.NormalizedRecord{
		Course:     "Go",
		TotalFees:  decimal.RequireFromString("5000"),
		AmountPaid: decimal.RequireFromString("2000"),
		JoinDate:   "2025-05-19",
	}
	entry, ok := roster.BuildLedgerEntry("9876543210", rec, time.Now())
	require.True(t, ok)
	require.NoError(t, store.UpsertLedgerEntry(ctx, entry))

	got, err := store.GetLedgerEntry(ctx, "9876543210")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "LEDGER-9876543210", got.ID)
	assert.Equal(t, roster.LedgerPartial, got.Status)
	assert.True(t, decimal.RequireFromString("3000").Equal(got.BalanceDue))
	require.Len(t, got.Items, 1)
	assert.Equal(t, "Go", got.Items[0].Description)
	assert.True(t, decimal.RequireFromString("5000").Equal(got.Items[0].Amount))

	none, err := store.GetLedgerEntry(ctx, "0000000000")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestLedgerEntryRequiresPerson(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	entry, ok := roster.BuildLedgerEntry("5555555555", roster.NormalizedRecord{AmountPaid: decimal.NewFromInt(10)}, time.Now())
	require.True(t, ok)
	assert.Error(t, store.UpsertLedgerEntry(ctx, entry))
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestWithTx_ReadsOwnWrites(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	err := store.WithTx(ctx, roster.DefaultTxOptions, func(ctx context.Context, reg roster.Registry) error {
		if err := reg.UpsertPerson(ctx, person("9876543210", "Ravi", "Go")); err != nil {
			return err
		}
		found, err := reg.FindByKeyPrefix(ctx, "9876543210")
		if err != nil {
			return err
		}
		assert.Len(t, found, 1)
		return nil
	})
	require.NoError(t, err)
}

func TestWithTx_RollbackOnError(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	boom := errors.New("boom")

	err := store.WithTx(ctx, roster.DefaultTxOptions, func(ctx context.Context, reg roster.Registry) error {
		if err := reg.UpsertPerson(ctx, person("9876543210", "Ravi", "Go")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	count, err := store.CountByRole(ctx, roster.RoleStudent)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestWithTx_ExecutionTimeout(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	err := store.WithTx(ctx, roster.TxOptions{Timeout: 10 * time.Millisecond}, func(ctx context.Context, reg roster.Registry) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.Equal(t, roster.ErrTransactionTimeout, roster.ClassifyStoreError(err))
}

// =============================================================================
// END TO END
// =============================================================================

func TestReconcilerOnSQLite(t *testing.T) {
	// GIVEN: The SQLite store behind a Reconciler
	// WHEN: Importing a file twice
	// THEN: The registry converges and both runs are logged

	ctx := context.Background()
	store := newTestStore(t)
	rec := roster.NewReconciler(store, roster.NewResolver(roster.NewSequenceRandom("12345", "0042")))
	rec.Credentials = roster.BcryptCredential(4)

	grid := roster.Grid{
		{"Roster"},
		{"Name", "Contact No.", "Course", "Total Fees", "Paid"},
		{"Ravi", "9876543210", "Go", "₹5,000", "5000"},
		{"Ravi", "9876543210", "Rust", "8000", "1000"},
		{"Priya", "", "Go", "3000", "3000"},
		{"Total", "", "", "16000", "9000"},
	}

	first, err := rec.Import(ctx, grid, "roster.xlsx")
	require.NoError(t, err)
	assert.Equal(t, 3, first.Created)
	assert.Equal(t, 3, first.Count)

	second, err := rec.Import(ctx, grid, "roster.xlsx")
	require.NoError(t, err)
	assert.Equal(t, 0, second.Created)
	assert.Equal(t, 3, second.Updated)
	assert.Equal(t, 3, second.Count)

	ravi, err := store.FindByKeyExact(ctx, "9876543210")
	require.NoError(t, err)
	require.NotNil(t, ravi)
	assert.NotEmpty(t, ravi.CredentialHash)

	runs, err := store.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second.RunID, runs[0].ID)
	assert.Equal(t, roster.RunCommitted, runs[1].Status)
}
