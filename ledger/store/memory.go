// Package store provides in-process ledger.TxStore implementations.
package store

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/warp/trainer-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every record in maps guarded by one RWMutex. WithTx holds the
// write lock for the whole transaction, so writers are fully serialized.
type Memory struct {
	mu   sync.RWMutex
	data memoryData
}

type memoryData struct {
	clients  map[ledger.ClientID]ledger.Client
	punches  map[ledger.PunchID]ledger.Punch
	payments []ledger.Payment
	rates    []ledger.RateChange
	audit    []ledger.AuditEntry
}

var _ ledger.TxStore = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{data: memoryData{
		clients: make(map[ledger.ClientID]ledger.Client),
		punches: make(map[ledger.PunchID]ledger.Punch),
	}}
}

func (m *Memory) GetClient(_ context.Context, trainerID ledger.TrainerID, id ledger.ClientID, includeDeleted bool) (*ledger.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.getClient(trainerID, id, includeDeleted)
}

func (m *Memory) ListClients(_ context.Context, trainerID ledger.TrainerID, includeDeleted bool) ([]ledger.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.listClients(trainerID, includeDeleted), nil
}

func (m *Memory) AllClients(_ context.Context) ([]ledger.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.listClients("", false), nil
}

func (m *Memory) GetPunch(_ context.Context, trainerID ledger.TrainerID, id ledger.PunchID) (*ledger.Punch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.getPunch(trainerID, id)
}

func (m *Memory) ListPunches(_ context.Context, trainerID ledger.TrainerID, clientID ledger.ClientID, filter ledger.PunchFilter) ([]ledger.Punch, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	punches, total := m.data.listPunches(trainerID, clientID, filter)
	return punches, total, nil
}

func (m *Memory) ListPayments(_ context.Context, trainerID ledger.TrainerID, clientID ledger.ClientID, page ledger.Page) ([]ledger.Payment, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	payments, total := m.data.listPayments(trainerID, clientID, page)
	return payments, total, nil
}

func (m *Memory) ListRateHistory(_ context.Context, trainerID ledger.TrainerID, clientID ledger.ClientID) ([]ledger.RateChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.listRates(trainerID, clientID), nil
}

func (m *Memory) ListAudit(_ context.Context, trainerID ledger.TrainerID, clientID ledger.ClientID) ([]ledger.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.listAudit(trainerID, clientID), nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	snapshot := m.data.snapshot()
	if err := fn(&txMemoryView{data: &m.data}); err != nil {
		m.data = snapshot
		return err
	}
	return nil
}

func (d *memoryData) snapshot() memoryData {
	return memoryData{
		clients:  maps.Clone(d.clients),
		punches:  maps.Clone(d.punches),
		payments: slices.Clone(d.payments),
		rates:    slices.Clone(d.rates),
		audit:    slices.Clone(d.audit),
	}
}

// txMemoryView is the Tx handed to WithTx callbacks. The parent lock is
// already held, so nothing here locks.
type txMemoryView struct {
	data *memoryData
}

func (tv *txMemoryView) GetClient(_ context.Context, trainerID ledger.TrainerID, id ledger.ClientID, includeDeleted bool) (*ledger.Client, error) {
	return tv.data.getClient(trainerID, id, includeDeleted)
}

func (tv *txMemoryView) ListClients(_ context.Context, trainerID ledger.TrainerID, includeDeleted bool) ([]ledger.Client, error) {
	return tv.data.listClients(trainerID, includeDeleted), nil
}

func (tv *txMemoryView) GetPunch(_ context.Context, trainerID ledger.TrainerID, id ledger.PunchID) (*ledger.Punch, error) {
	return tv.data.getPunch(trainerID, id)
}

func (tv *txMemoryView) ListPunches(_ context.Context, trainerID ledger.TrainerID, clientID ledger.ClientID, filter ledger.PunchFilter) ([]ledger.Punch, int, error) {
	punches, total := tv.data.listPunches(trainerID, clientID, filter)
	return punches, total, nil
}

func (tv *txMemoryView) ListPayments(_ context.Context, trainerID ledger.TrainerID, clientID ledger.ClientID, page ledger.Page) ([]ledger.Payment, int, error) {
	payments, total := tv.data.listPayments(trainerID, clientID, page)
	return payments, total, nil
}

func (tv *txMemoryView) ListRateHistory(_ context.Context, trainerID ledger.TrainerID, clientID ledger.ClientID) ([]ledger.RateChange, error) {
	return tv.data.listRates(trainerID, clientID), nil
}

func (tv *txMemoryView) ListAudit(_ context.Context, trainerID ledger.TrainerID, clientID ledger.ClientID) ([]ledger.AuditEntry, error) {
	return tv.data.listAudit(trainerID, clientID), nil
}

// LockClient is a plain read: the transaction already holds the store lock.
func (tv *txMemoryView) LockClient(_ context.Context, trainerID ledger.TrainerID, id ledger.ClientID, includeDeleted bool) (*ledger.Client, error) {
	return tv.data.getClient(trainerID, id, includeDeleted)
}

func (tv *txMemoryView) InsertClient(_ context.Context, c *ledger.Client) error {
	if _, exists := tv.data.clients[c.ID]; exists {
		return ledger.ErrConflict
	}
	c.Version = 1
	tv.data.clients[c.ID] = *c
	return nil
}

func (tv *txMemoryView) UpdateClient(_ context.Context, c *ledger.Client) error {
	stored, ok := tv.data.clients[c.ID]
	if !ok || stored.TrainerID != c.TrainerID {
		return &ledger.NotFoundError{Kind: "client", ID: string(c.ID)}
	}
	if stored.Version != c.Version {
		return ledger.ErrConflict
	}
	c.Version++
	tv.data.clients[c.ID] = *c
	return nil
}

func (tv *txMemoryView) InsertPunch(_ context.Context, p *ledger.Punch) error {
	if _, exists := tv.data.punches[p.ID]; exists {
		return ledger.ErrConflict
	}
	tv.data.punches[p.ID] = *p
	return nil
}

func (tv *txMemoryView) UpdatePunch(_ context.Context, p *ledger.Punch) error {
	stored, ok := tv.data.punches[p.ID]
	if !ok || stored.TrainerID != p.TrainerID || stored.IsDeleted {
		return &ledger.NotFoundError{Kind: "punch", ID: string(p.ID)}
	}
	tv.data.punches[p.ID] = *p
	return nil
}

func (tv *txMemoryView) InsertPayment(_ context.Context, p *ledger.Payment) error {
	tv.data.payments = append(tv.data.payments, *p)
	return nil
}

func (tv *txMemoryView) InsertRateChange(_ context.Context, r *ledger.RateChange) error {
	tv.data.rates = append(tv.data.rates, *r)
	return nil
}

func (tv *txMemoryView) AppendAudit(_ context.Context, e *ledger.AuditEntry) error {
	if e.Details == nil {
		return &ledger.ValidationError{Field: "details", Reason: "details are required"}
	}
	tv.data.audit = append(tv.data.audit, *e)
	return nil
}

// =============================================================================
// QUERIES (caller holds the lock)
// =============================================================================

func (d *memoryData) getClient(trainerID ledger.TrainerID, id ledger.ClientID, includeDeleted bool) (*ledger.Client, error) {
	c, ok := d.clients[id]
	if !ok || c.TrainerID != trainerID || (c.IsDeleted && !includeDeleted) {
		return nil, &ledger.NotFoundError{Kind: "client", ID: string(id)}
	}
	return &c, nil
}

// listClients filters by trainer; an empty trainerID matches every trainer.
func (d *memoryData) listClients(trainerID ledger.TrainerID, includeDeleted bool) []ledger.Client {
	var result []ledger.Client
	for _, c := range d.clients {
		if trainerID != "" && c.TrainerID != trainerID {
			continue
		}
		if c.IsDeleted && !includeDeleted {
			continue
		}
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Name != result[j].Name {
			return result[i].Name < result[j].Name
		}
		return result[i].ID < result[j].ID
	})
	return result
}

func (d *memoryData) getPunch(trainerID ledger.TrainerID, id ledger.PunchID) (*ledger.Punch, error) {
	p, ok := d.punches[id]
	if !ok || p.TrainerID != trainerID {
		return nil, &ledger.NotFoundError{Kind: "punch", ID: string(id)}
	}
	return &p, nil
}

func (d *memoryData) listPunches(trainerID ledger.TrainerID, clientID ledger.ClientID, filter ledger.PunchFilter) ([]ledger.Punch, int) {
	var all []ledger.Punch
	for _, p := range d.punches {
		if p.TrainerID != trainerID || p.ClientID != clientID {
			continue
		}
		if p.IsDeleted && !filter.IncludeRemoved {
			continue
		}
		all = append(all, p)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].PunchDate.Equal(all[j].PunchDate) {
			return all[i].PunchDate.After(all[j].PunchDate)
		}
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})
	return paginate(all, filter.Page), len(all)
}

func (d *memoryData) listPayments(trainerID ledger.TrainerID, clientID ledger.ClientID, page ledger.Page) ([]ledger.Payment, int) {
	var all []ledger.Payment
	for _, p := range d.payments {
		if p.TrainerID == trainerID && p.ClientID == clientID {
			all = append(all, p)
		}
	}
	// Insertion order is creation order; reverse-stable on payment date.
	slices.Reverse(all)
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].PaymentDate.After(all[j].PaymentDate)
	})
	return paginate(all, page), len(all)
}

func (d *memoryData) listRates(trainerID ledger.TrainerID, clientID ledger.ClientID) []ledger.RateChange {
	var result []ledger.RateChange
	for _, r := range d.rates {
		if r.TrainerID == trainerID && r.ClientID == clientID {
			result = append(result, r)
		}
	}
	return result
}

func (d *memoryData) listAudit(trainerID ledger.TrainerID, clientID ledger.ClientID) []ledger.AuditEntry {
	var result []ledger.AuditEntry
	for i := len(d.audit) - 1; i >= 0; i-- {
		e := d.audit[i]
		if e.TrainerID == trainerID && e.ClientID == clientID {
			result = append(result, e)
		}
	}
	return result
}

func paginate[T any](items []T, page ledger.Page) []T {
	page = page.Normalize()
	if page.Offset >= len(items) {
		return []T{}
	}
	end := min(page.Offset+page.Limit, len(items))
	return items[page.Offset:end]
}
