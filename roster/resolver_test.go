package roster_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/roster-engine/roster"
	"github.com/warp/roster-engine/roster/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func seedPerson(t *testing.T, m *store.Memory, key, name, course string) {
	t.Helper()
	putPerson(t, m, key, name, course, false)
}

func seedSyntheticPerson(t *testing.T, m *store.Memory, key, name, course string) {
	t.Helper()
	putPerson(t, m, key, name, course, true)
}

func putPerson(t *testing.T, m *store.Memory, key, name, course string, synthetic bool) {
	t.Helper()
	k := roster.CanonicalKey(key)
	require.NoError(t, m.UpsertPerson(context.Background(), roster.PersonRecord{
		Key:       k,
		BaseKey:   k.Base(),
		Name:      name,
		Course:    course,
		Role:      roster.RoleStudent,
		Status:    roster.StatusActive,
		Synthetic: synthetic,
		CreatedAt: time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
	}))
}

func record(name, contact, course string) roster.NormalizedRecord {
	return roster.NormalizedRecord{Name: name, RawContact: contact, Contact: roster.CleanContact(contact), Course: course}
}

// =============================================================================
// CONTACT-ANCHORED RESOLUTION
// =============================================================================

func TestResolve_NewContactUsesBase(t *testing.T) {
	ctx := context.Background()
	reg := store.NewMemory()
	r := roster.NewResolver(roster.NewSequenceRandom("0001"))

	res, err := r.Resolve(ctx, reg, roster.NewBatchMemory(), record("Ravi", "9876543210", "Go"))
	require.NoError(t, err)
	assert.Equal(t, roster.CanonicalKey("9876543210"), res.Key)
	assert.False(t, res.IsUpdate())
	assert.False(t, res.Suffixed)
	assert.False(t, res.Synthetic)
}

func TestResolve_SameEnrollmentReusesKey(t *testing.T) {
	// GIVEN: Ravi/Go already stored under a suffixed key
	// WHEN: The same person and course is uploaded again, different casing
	// THEN: The stored key is reused and the row is an update

	ctx := context.Background()
	reg := store.NewMemory()
	seedPerson(t, reg, "9876543210", "Sita", "Art")
	seedPerson(t, reg, "9876543210-0420", "Ravi Kumar", "Go")
	r := roster.NewResolver(roster.NewSequenceRandom("0001"))

	res, err := r.Resolve(ctx, reg, roster.NewBatchMemory(), record(" ravi  KUMAR", "98765-43210", "go"))
	require.NoError(t, err)
	assert.Equal(t, roster.CanonicalKey("9876543210-0420"), res.Key)
	require.True(t, res.IsUpdate())
	assert.Equal(t, "Ravi Kumar", res.Existing.Name)
}

func TestResolve_SharedContactGetsSuffix(t *testing.T) {
	// GIVEN: The base key belongs to a different enrollment
	// THEN: A base-NNNN key is minted

	ctx := context.Background()
	reg := store.NewMemory()
	seedPerson(t, reg, "9876543210", "Ravi", "Go")
	r := roster.NewResolver(roster.NewSequenceRandom("42"))

	res, err := r.Resolve(ctx, reg, roster.NewBatchMemory(), record("Ravi", "9876543210", "Rust"))
	require.NoError(t, err)
	assert.Equal(t, roster.CanonicalKey("9876543210-0042"), res.Key)
	assert.Equal(t, "9876543210", res.BaseKey)
	assert.True(t, res.Suffixed)
	assert.False(t, res.IsUpdate())
}

func TestResolve_LiteralPrefixIgnoresLongerContacts(t *testing.T) {
	// GIVEN: A stored contact that merely starts with the row's contact
	// THEN: It is not a variant, the row gets the plain base key

	ctx := context.Background()
	reg := store.NewMemory()
	seedPerson(t, reg, "987650000", "Other", "Go")
	r := roster.NewResolver(roster.NewSequenceRandom("0001"))

	res, err := r.Resolve(ctx, reg, roster.NewBatchMemory(), record("Ravi", "98765", "Go"))
	require.NoError(t, err)
	assert.Equal(t, roster.CanonicalKey("98765"), res.Key)
}

func TestResolve_SeenInBatchGetsSuffix(t *testing.T) {
	// GIVEN: Two different people share a phone within one file
	// WHEN: The first is resolved but not yet visible in the registry
	// THEN: The second still gets a suffixed key

	ctx := context.Background()
	reg := store.NewMemory()
	mem := roster.NewBatchMemory()
	r := roster.NewResolver(roster.NewSequenceRandom("7777"))

	first, err := r.Resolve(ctx, reg, mem, record("Ravi", "9876543210", "Go"))
	require.NoError(t, err)
	second, err := r.Resolve(ctx, reg, mem, record("Meena", "9876543210", "Go"))
	require.NoError(t, err)

	assert.Equal(t, roster.CanonicalKey("9876543210"), first.Key)
	assert.Equal(t, roster.CanonicalKey("9876543210-7777"), second.Key)
	assert.Equal(t, 1, mem.Len())
}

// =============================================================================
// MINTING AND COLLISIONS
// =============================================================================

func TestResolve_RetriesCollidingSuffix(t *testing.T) {
	ctx := context.Background()
	reg := store.NewMemory()
	seedPerson(t, reg, "9876543210", "Ravi", "Go")
	seedPerson(t, reg, "9876543210-0001", "Ravi", "Rust")
	r := roster.NewResolver(roster.NewSequenceRandom("0001", "0002"))

	res, err := r.Resolve(ctx, reg, roster.NewBatchMemory(), record("Ravi", "9876543210", "Python"))
	require.NoError(t, err)
	assert.Equal(t, roster.CanonicalKey("9876543210-0002"), res.Key)
}

func TestResolve_KeySpaceExhausted(t *testing.T) {
	ctx := context.Background()
	reg := store.NewMemory()
	seedPerson(t, reg, "9876543210", "Ravi", "Go")
	seedPerson(t, reg, "9876543210-0001", "Ravi", "Rust")
	r := roster.NewResolver(roster.NewSequenceRandom("0001"))
	r.MaxAttempts = 3

	_, err := r.Resolve(ctx, reg, roster.NewBatchMemory(), record("Ravi", "9876543210", "Python"))
	assert.ErrorIs(t, err, roster.ErrKeySpaceExhausted)
}

// =============================================================================
// SYNTHETIC KEYS
// =============================================================================

func TestResolve_SyntheticMinted(t *testing.T) {
	ctx := context.Background()
	reg := store.NewMemory()
	r := roster.NewResolver(roster.NewSequenceRandom("12345"))

	res, err := r.Resolve(ctx, reg, roster.NewBatchMemory(), record("Priya", "", "Go"))
	require.NoError(t, err)
	assert.Equal(t, roster.CanonicalKey("9999912345"), res.Key)
	assert.True(t, res.Synthetic)
}

func TestResolve_SyntheticReusedByName(t *testing.T) {
	// GIVEN: Priya was stored under a synthetic key by an earlier upload
	// WHEN: A contact-less Priya row arrives again
	// THEN: The same synthetic key is reused

	ctx := context.Background()
	reg := store.NewMemory()
	seedSyntheticPerson(t, reg, "9999954321", "Priya", "Go")
	r := roster.NewResolver(roster.NewSequenceRandom("11111"))

	res, err := r.Resolve(ctx, reg, roster.NewBatchMemory(), record("PRIYA", "n/a", "Go"))
	require.NoError(t, err)
	assert.Equal(t, roster.CanonicalKey("9999954321"), res.Key)
	assert.True(t, res.IsUpdate())
}

func TestResolve_SyntheticIgnoresRealContactWithPrefix(t *testing.T) {
	// GIVEN: A real person whose phone number starts with the synthetic prefix
	// WHEN: A contact-less row with the same name arrives
	// THEN: A fresh synthetic key is minted and the real record is untouched

	ctx := context.Background()
	reg := store.NewMemory()
	seedPerson(t, reg, "9999988888", "Ravi", "")
	r := roster.NewResolver(roster.NewSequenceRandom("12345"))

	res, err := r.Resolve(ctx, reg, roster.NewBatchMemory(), record("Ravi", "", ""))
	require.NoError(t, err)
	assert.Equal(t, roster.CanonicalKey("9999912345"), res.Key)
	assert.True(t, res.Synthetic)
	assert.False(t, res.IsUpdate())
}

func TestResolve_SyntheticSkipsTakenKey(t *testing.T) {
	ctx := context.Background()
	reg := store.NewMemory()
	seedPerson(t, reg, "9999912345", "Someone Else", "")
	r := roster.NewResolver(roster.NewSequenceRandom("12345", "67890"))

	res, err := r.Resolve(ctx, reg, roster.NewBatchMemory(), record("Priya", "", ""))
	require.NoError(t, err)
	assert.Equal(t, roster.CanonicalKey("9999967890"), res.Key)
}

func TestCanonicalKey_Base(t *testing.T) {
	assert.Equal(t, "9876543210", roster.CanonicalKey("9876543210-0042").Base())
	assert.Equal(t, "9876543210", roster.CanonicalKey("9876543210").Base())
	assert.Equal(t, "LEDGER-9876543210-0042", roster.LedgerID("9876543210-0042"))
}
