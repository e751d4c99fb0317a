package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/trebuchet-org/treb-relay/internal/domain/models"
	"github.com/trebuchet-org/treb-relay/internal/usecase"
)

const auditRetention = 10_000

type walletState struct {
	seeded   bool
	next     uint64
	recycled map[uint64]struct{}
	inflight map[uint64]struct{}
	audit    []models.NonceAuditEntry
}

// Allocator is an in-memory NonceAllocator with the same semantics as the
// Redis one: recycled-first acquisition, raise-only sync, bounded audit. A
// single mutex serializes everything, which is the point.
type Allocator struct {
	chain usecase.ChainClient

	mu      sync.Mutex
	wallets map[string]*walletState
}

// NewAllocator creates an in-memory allocator seeded from the chain client.
func NewAllocator(chain usecase.ChainClient) *Allocator {
	return &Allocator{chain: chain, wallets: make(map[string]*walletState)}
}

var _ usecase.NonceAllocator = (*Allocator)(nil)

func stateKey(chainID uint64, wallet common.Address) string {
	return fmt.Sprintf("%d:%s", chainID, wallet.Hex())
}

// state returns the wallet's entry, seeding from the chain on first use.
// Callers must hold the mutex.
func (a *Allocator) state(ctx context.Context, chainID uint64, wallet common.Address) (*walletState, error) {
	key := stateKey(chainID, wallet)
	st, ok := a.wallets[key]
	if !ok {
		st = &walletState{
			recycled: make(map[uint64]struct{}),
			inflight: make(map[uint64]struct{}),
		}
		a.wallets[key] = st
	}
	if !st.seeded {
		count, err := a.chain.TransactionCount(ctx, chainID, wallet)
		if err != nil {
			return nil, fmt.Errorf("seeding nonce for %s: %w", wallet.Hex(), err)
		}
		st.next = count
		st.seeded = true
	}
	return st, nil
}

func (a *Allocator) Acquire(ctx context.Context, chainID uint64, wallet common.Address, queueID string) (uint64, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, err := a.state(ctx, chainID, wallet)
	if err != nil {
		return 0, false, err
	}

	var pool []uint64
	for n := range st.recycled {
		pool = append(pool, n)
	}
	sort.Slice(pool, func(i, j int) bool { return pool[i] < pool[j] })
	for _, n := range pool {
		delete(st.recycled, n)
		if _, busy := st.inflight[n]; busy {
			continue
		}
		a.record(st, n, queueID)
		return n, true, nil
	}

	n := st.next
	st.next++
	a.record(st, n, queueID)
	return n, false, nil
}

func (a *Allocator) record(st *walletState, nonce uint64, queueID string) {
	st.audit = append(st.audit, models.NonceAuditEntry{Nonce: nonce, QueueID: queueID})
	if len(st.audit) > auditRetention {
		st.audit = st.audit[len(st.audit)-auditRetention:]
	}
}

func (a *Allocator) MarkInFlight(ctx context.Context, chainID uint64, wallet common.Address, nonce uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, err := a.state(ctx, chainID, wallet)
	if err != nil {
		return err
	}
	st.inflight[nonce] = struct{}{}
	return nil
}

func (a *Allocator) ClearInFlight(ctx context.Context, chainID uint64, wallet common.Address, nonce uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, err := a.state(ctx, chainID, wallet)
	if err != nil {
		return err
	}
	delete(st.inflight, nonce)
	return nil
}

func (a *Allocator) Recycle(ctx context.Context, chainID uint64, wallet common.Address, nonce uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, err := a.state(ctx, chainID, wallet)
	if err != nil {
		return err
	}
	st.recycled[nonce] = struct{}{}
	return nil
}

func (a *Allocator) SyncFromChain(ctx context.Context, chainID uint64, wallet common.Address) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, err := a.state(ctx, chainID, wallet)
	if err != nil {
		return err
	}
	count, err := a.chain.TransactionCount(ctx, chainID, wallet)
	if err != nil {
		return err
	}
	if count > st.next {
		st.next = count
	}
	// Nonces the chain has moved past can never be broadcast again.
	for n := range st.recycled {
		if n < st.next {
			delete(st.recycled, n)
		}
	}
	return nil
}

func (a *Allocator) Reset(ctx context.Context, chainID uint64, wallet common.Address) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.wallets, stateKey(chainID, wallet))
	_, err := a.state(ctx, chainID, wallet)
	return err
}

func (a *Allocator) Inspect(ctx context.Context, chainID uint64, wallet common.Address) (*models.NonceSnapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, err := a.state(ctx, chainID, wallet)
	if err != nil {
		return nil, err
	}
	snap := &models.NonceSnapshot{ChainID: chainID, Wallet: wallet, Next: st.next}
	for n := range st.recycled {
		snap.Recycled = append(snap.Recycled, n)
	}
	for n := range st.inflight {
		snap.InFlight = append(snap.InFlight, n)
	}
	sort.Slice(snap.Recycled, func(i, j int) bool { return snap.Recycled[i] < snap.Recycled[j] })
	sort.Slice(snap.InFlight, func(i, j int) bool { return snap.InFlight[i] < snap.InFlight[j] })
	return snap, nil
}

func (a *Allocator) Audit(ctx context.Context, chainID uint64, wallet common.Address, limit int64) ([]models.NonceAuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, err := a.state(ctx, chainID, wallet)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > int64(len(st.audit)) {
		limit = int64(len(st.audit))
	}
	// Newest first.
	out := make([]models.NonceAuditEntry, 0, limit)
	for i := len(st.audit) - 1; i >= 0 && int64(len(out)) < limit; i-- {
		out = append(out, st.audit[i])
	}
	return out, nil
}

func (a *Allocator) PruneAudit(ctx context.Context) error {
	// Bounded at insert time.
	return nil
}
