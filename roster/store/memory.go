// Package store provides in-memory roster.TxStore implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/warp/roster-engine/roster"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu      sync.RWMutex
	persons map[roster.CanonicalKey]roster.PersonRecord
	index   []roster.CanonicalKey // sorted, for prefix search
	ledger  map[string]roster.LedgerEntry
	runs    []roster.ImportRun
}

func NewMemory() *Memory {
	return &Memory{
		persons: make(map[roster.CanonicalKey]roster.PersonRecord),
		ledger:  make(map[string]roster.LedgerEntry),
	}
}

func (m *Memory) FindByKeyPrefix(ctx context.Context, prefix string) ([]roster.PersonRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.prefixLocked(prefix), nil
}

// prefixLocked walks the sorted index from the first key >= prefix.
func (m *Memory) prefixLocked(prefix string) []roster.PersonRecord {
	i := sort.Search(len(m.index), func(i int) bool {
		return string(m.index[i]) >= prefix
	})
	var out []roster.PersonRecord
	for ; i < len(m.index) && strings.HasPrefix(string(m.index[i]), prefix); i++ {
		out = append(out, m.persons[m.index[i]])
	}
	return out
}

func (m *Memory) FindByKeyExact(ctx context.Context, key roster.CanonicalKey) (*roster.PersonRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.persons[key]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

// UpsertPerson writes outside any transaction.
func (m *Memory) UpsertPerson(ctx context.Context, p roster.PersonRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putPersonLocked(p)
	return nil
}

func (m *Memory) putPersonLocked(p roster.PersonRecord) {
	if _, ok := m.persons[p.Key]; !ok {
		// Binary search for insertion point, keeps index sorted
		i := sort.Search(len(m.index), func(i int) bool {
			return m.index[i] >= p.Key
		})
		m.index = append(m.index, "")
		copy(m.index[i+1:], m.index[i:])
		m.index[i] = p.Key
	}
	m.persons[p.Key] = p
}

func (m *Memory) UpsertLedgerEntry(ctx context.Context, e roster.LedgerEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ledger[e.ID] = e
	return nil
}

func (m *Memory) CountByRole(ctx context.Context, role roster.Role) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, p := range m.persons {
		if p.Role == role {
			n++
		}
	}
	return n, nil
}

func (m *Memory) ListPersons(ctx context.Context, role roster.Role) ([]roster.PersonRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []roster.PersonRecord
	for _, k := range m.index {
		p := m.persons[k]
		if role == "" || p.Role == role {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *Memory) GetLedgerEntry(ctx context.Context, key roster.CanonicalKey) (*roster.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.ledger[roster.LedgerID(key)]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

// RecordRun appends or replaces a run by ID.
func (m *Memory) RecordRun(ctx context.Context, run roster.ImportRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.runs {
		if m.runs[i].ID == run.ID {
			m.runs[i] = run
			return nil
		}
	}
	m.runs = append(m.runs, run)
	return nil
}

// ListRuns returns the most recent runs first. limit <= 0 means all.
func (m *Memory) ListRuns(ctx context.Context, limit int) ([]roster.ImportRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]roster.ImportRun, 0, len(m.runs))
	for i := len(m.runs) - 1; i >= 0; i-- {
		out = append(out, m.runs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support. One transaction runs at
// a time; writes are staged in the transaction's view and applied on
// commit, so readers outside never observe a partial batch.
type TxMemory struct {
	*Memory
	writer chan struct{}
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory(), writer: make(chan struct{}, 1)}
}

// WithTx executes fn within a transaction.
func (tm *TxMemory) WithTx(ctx context.Context, opts roster.TxOptions, fn func(context.Context, roster.Registry) error) error {
	if err := tm.acquire(ctx, opts.MaxWait); err != nil {
		return err
	}
	defer func() { <-tm.writer }()

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	view := &txMemoryView{
		parent:  tm.Memory,
		persons: make(map[roster.CanonicalKey]roster.PersonRecord),
		ledger:  make(map[string]roster.LedgerEntry),
	}
	if err := fn(ctx, view); err != nil {
		// Rollback: drop the staged writes
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", roster.ErrTransactionTimeout, err)
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()
	for _, p := range view.persons {
		tm.putPersonLocked(p)
	}
	for id, e := range view.ledger {
		tm.ledger[id] = e
	}
	return nil
}

func (tm *TxMemory) acquire(ctx context.Context, maxWait time.Duration) error {
	if maxWait <= 0 {
		select {
		case tm.writer <- struct{}{}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	timer := time.NewTimer(maxWait)
	defer timer.Stop()
	select {
	case tm.writer <- struct{}{}:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: write lock not acquired within %s", roster.ErrTransactionTimeout, maxWait)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// txMemoryView reads through to the parent and sees its own staged writes.
type txMemoryView struct {
	parent  *Memory
	persons map[roster.CanonicalKey]roster.PersonRecord
	ledger  map[string]roster.LedgerEntry
}

func (tv *txMemoryView) FindByKeyPrefix(ctx context.Context, prefix string) ([]roster.PersonRecord, error) {
	committed, err := tv.parent.FindByKeyPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}
	merged := make(map[roster.CanonicalKey]roster.PersonRecord, len(committed))
	for _, p := range committed {
		merged[p.Key] = p
	}
	for k, p := range tv.persons {
		if strings.HasPrefix(string(k), prefix) {
			merged[k] = p
		}
	}
	out := make([]roster.PersonRecord, 0, len(merged))
	for _, p := range merged {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (tv *txMemoryView) FindByKeyExact(ctx context.Context, key roster.CanonicalKey) (*roster.PersonRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p, ok := tv.persons[key]; ok {
		return &p, nil
	}
	return tv.parent.FindByKeyExact(ctx, key)
}

func (tv *txMemoryView) UpsertPerson(ctx context.Context, p roster.PersonRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tv.persons[p.Key] = p
	return nil
}

func (tv *txMemoryView) UpsertLedgerEntry(ctx context.Context, e roster.LedgerEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tv.ledger[e.ID] = e
	return nil
}
