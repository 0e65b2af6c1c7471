/*
resolver.go - Identity resolution

PURPOSE:
  Decides which CanonicalKey an accepted row is upserted under. Contact
  numbers are the natural identity anchor but are not unique in practice
  (shared family phones, re-enrollment under a new course), and some rows
  have no contact at all. The (name, course) pair disambiguates within a
  shared contact; a "-NNNN" suffix keeps each distinct (contact, name,
  course) triple addressable while still discoverable by prefix search.

ALGORITHM:
  Step A - synthesize a base key when the row has no usable contact:
    reuse the base of an existing synthetic record with the same name,
    otherwise mint <prefix><5 digits>.

  Step B - resolve the base key against its variants (base, base-NNNN):
    name+course match among variants -> reuse that exact key
    base already seen in this file    -> mint base-NNNN
    base taken by someone else        -> mint base-NNNN
    otherwise                         -> base as-is
    The base is remembered in BatchMemory in every case.

COLLISIONS:
  Every minted key is checked against the registry and against keys
  claimed earlier in the batch, and re-drawn up to MaxAttempts times.

SEE ALSO:
  - names.go: MatchKey, the comparison used for names and courses
  - random.go: injectable digit source
*/
package roster

import (
	"context"
	"fmt"
	"strings"
)

const (
	// DefaultSyntheticPrefix marks keys that carry no real contact.
	DefaultSyntheticPrefix = "99999"

	// DefaultMaxAttempts bounds re-draws of a colliding minted key.
	DefaultMaxAttempts = 16

	syntheticDigits = 5
	suffixDigits    = 4
)

// =============================================================================
// BATCH MEMORY
// =============================================================================

// BatchMemory remembers the base keys decided earlier in the current file
// and every key minted by this batch. Lives for one transaction.
type BatchMemory struct {
	bases   map[string]struct{}
	claimed map[CanonicalKey]struct{}
}

func NewBatchMemory() *BatchMemory {
	return &BatchMemory{
		bases:   make(map[string]struct{}),
		claimed: make(map[CanonicalKey]struct{}),
	}
}

// Seen reports whether base was resolved earlier in this file.
func (m *BatchMemory) Seen(base string) bool {
	_, ok := m.bases[base]
	return ok
}

// Remember records base as resolved.
func (m *BatchMemory) Remember(base string) {
	m.bases[base] = struct{}{}
}

func (m *BatchMemory) claim(key CanonicalKey) { m.claimed[key] = struct{}{} }

func (m *BatchMemory) claimedKey(key CanonicalKey) bool {
	_, ok := m.claimed[key]
	return ok
}

// Len returns how many distinct base keys the batch has seen.
func (m *BatchMemory) Len() int { return len(m.bases) }

// =============================================================================
// RESOLUTION
// =============================================================================

// Resolution is the outcome for one row.
type Resolution struct {
	Key     CanonicalKey
	BaseKey string

	// Existing is the record currently stored at Key, nil for a new person.
	Existing *PersonRecord

	Synthetic bool // base key was fabricated, the row had no contact
	Suffixed  bool // Key is base-NNNN minted by this row
}

// IsUpdate reports whether the row updates a known person.
func (r Resolution) IsUpdate() bool { return r.Existing != nil }

// =============================================================================
// RESOLVER
// =============================================================================

type Resolver struct {
	Random          RandomSource
	SyntheticPrefix string
	MaxAttempts     int
}

// NewResolver returns a Resolver with the default prefix and attempt bound.
// A nil source means crypto/rand.
func NewResolver(random RandomSource) *Resolver {
	if random == nil {
		random = CryptoRandom{}
	}
	return &Resolver{
		Random:          random,
		SyntheticPrefix: DefaultSyntheticPrefix,
		MaxAttempts:     DefaultMaxAttempts,
	}
}

// Resolve determines the canonical key for an accepted row.
func (r *Resolver) Resolve(ctx context.Context, reg Registry, mem *BatchMemory, rec NormalizedRecord) (Resolution, error) {
	res := Resolution{BaseKey: rec.Contact}

	if !rec.HasContact() {
		base, err := r.syntheticBase(ctx, reg, mem, rec.Name)
		if err != nil {
			return Resolution{}, err
		}
		res.BaseKey = base
		res.Synthetic = true
	}

	seen := mem.Seen(res.BaseKey)
	mem.Remember(res.BaseKey)

	variants, err := r.variants(ctx, reg, res.BaseKey)
	if err != nil {
		return Resolution{}, err
	}

	if match := matchEnrollment(variants, rec.Name, rec.Course); match != nil {
		res.Key = match.Key
		res.Existing = match
		return res, nil
	}

	if seen || baseTaken(variants, res.BaseKey) {
		key, err := r.mint(ctx, reg, mem, func() CanonicalKey {
			return CanonicalKey(res.BaseKey + "-" + r.Random.Digits(suffixDigits))
		})
		if err != nil {
			return Resolution{}, err
		}
		res.Key = key
		res.Suffixed = true
		return res, nil
	}

	res.Key = CanonicalKey(res.BaseKey)
	mem.claim(res.Key)
	return res, nil
}

// syntheticBase finds or mints the base key of a contact-less row.
// Lookup is by name among synthetic records only, so the key is stable
// across re-uploads.
func (r *Resolver) syntheticBase(ctx context.Context, reg Registry, mem *BatchMemory, name string) (string, error) {
	candidates, err := reg.FindByKeyPrefix(ctx, r.prefix())
	if err != nil {
		return "", fmt.Errorf("synthetic key lookup: %w", err)
	}
	for _, p := range candidates {
		// Real contacts can share the prefix; they are never reused here.
		if p.Synthetic && SameLabel(p.Name, name) {
			return p.Key.Base(), nil
		}
	}

	key, err := r.mint(ctx, reg, mem, func() CanonicalKey {
		return CanonicalKey(r.prefix() + r.Random.Digits(syntheticDigits))
	})
	if err != nil {
		return "", err
	}
	return string(key), nil
}

// variants returns the base record and its suffixed siblings. The store's
// prefix search is literal, so "98765" would also return "987650000";
// those are filtered out here.
func (r *Resolver) variants(ctx context.Context, reg Registry, base string) ([]PersonRecord, error) {
	found, err := reg.FindByKeyPrefix(ctx, base)
	if err != nil {
		return nil, fmt.Errorf("variant lookup for %q: %w", base, err)
	}
	var out []PersonRecord
	for _, p := range found {
		k := string(p.Key)
		if k == base || strings.HasPrefix(k, base+"-") {
			out = append(out, p)
		}
	}
	return out, nil
}

// mint draws keys from next until one is free in both the registry and
// the batch, or MaxAttempts is exhausted.
func (r *Resolver) mint(ctx context.Context, reg Registry, mem *BatchMemory, next func() CanonicalKey) (CanonicalKey, error) {
	attempts := r.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	for i := 0; i < attempts; i++ {
		key := next()
		if mem.claimedKey(key) || mem.Seen(string(key)) {
			continue
		}
		existing, err := reg.FindByKeyExact(ctx, key)
		if err != nil {
			return "", fmt.Errorf("minted key check: %w", err)
		}
		if existing == nil {
			mem.claim(key)
			return key, nil
		}
	}
	return "", ErrKeySpaceExhausted
}

func (r *Resolver) prefix() string {
	if r.SyntheticPrefix == "" {
		return DefaultSyntheticPrefix
	}
	return r.SyntheticPrefix
}

// matchEnrollment returns the first variant with the same name and course.
func matchEnrollment(variants []PersonRecord, name, course string) *PersonRecord {
	nameKey, courseKey := MatchKey(name), MatchKey(course)
	for i := range variants {
		if MatchKey(variants[i].Name) == nameKey && MatchKey(variants[i].Course) == courseKey {
			p := variants[i]
			return &p
		}
	}
	return nil
}

func baseTaken(variants []PersonRecord, base string) bool {
	for _, p := range variants {
		if string(p.Key) == base {
			return true
		}
	}
	return false
}
