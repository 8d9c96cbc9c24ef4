// Package userstate implements the per-sender accounting table, §4.C:
// lazily-loaded nonce tracking, the minimum in-queue fee, and the
// running proof/fee counts the Admission Engine and Finalizer consult
// on every decision.
package userstate

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/eth2030/proofgateway/batchqueue"
	"github.com/eth2030/proofgateway/types"
)

// Record is one sender's cached accounting state, §3.
type Record struct {
	Nonce            *uint256.Int // next expected nonce
	MinFee           *uint256.Int // min max_fee among this sender's queued entries; MAX if none
	ProofsInBatch    int          // count of this sender's entries currently queued
	TotalFeesInQueue *uint256.Int // sum of max_fee across this sender's queued entries
}

func newRecord(nonce *uint256.Int) *Record {
	return &Record{
		Nonce:            nonce,
		MinFee:           types.MaxUint256(),
		ProofsInBatch:    0,
		TotalFeesInQueue: new(uint256.Int),
	}
}

// NonceFetcher looks up a sender's next expected nonce from the
// settlement contract (§4.D step 8). Accepting this as an injected
// function, rather than importing the settlement package directly,
// keeps userstate free of any transport dependency, mirroring the
// teacher's own StateReader abstraction in txpool/account_tracker.go.
type NonceFetcher func(ctx context.Context, addr common.Address) (*uint256.Int, error)

// Table is the per-sender accounting table. Safe for concurrent use.
type Table struct {
	mu      sync.RWMutex
	records map[common.Address]*Record
}

// New creates an empty Table.
func New() *Table {
	return &Table{records: make(map[common.Address]*Record)}
}

// GetOrInit returns addr's record, creating it via fetchNonce on first
// contact (§3 "Lifecycle": created on the sender's first admitted
// message after process start). fetchNonce is called without the
// table lock held, so a settlement round-trip never blocks other
// senders.
func (t *Table) GetOrInit(ctx context.Context, addr common.Address, fetchNonce NonceFetcher) (Record, error) {
	t.mu.RLock()
	rec, ok := t.records[addr]
	t.mu.RUnlock()
	if ok {
		return *rec, nil
	}

	nonce, err := fetchNonce(ctx, addr)
	if err != nil {
		return Record{}, err
	}

	t.mu.Lock()
	if rec, ok := t.records[addr]; ok {
		// Another goroutine initialized addr while we were fetching.
		t.mu.Unlock()
		return *rec, nil
	}
	rec = newRecord(nonce)
	t.records[addr] = rec
	t.mu.Unlock()
	return *rec, nil
}

// Get returns a snapshot of addr's record without initializing it. The
// returned value is a copy, matching the teacher's GetInfo convention
// in txpool/account_tracker.go, so callers never observe a torn read
// racing a concurrent update.
func (t *Table) Get(addr common.Address) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[addr]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// UpdateAfterAdmit reflects a fresh admission (§4.D step 10, "expected
// == msg_nonce" branch): the sender's expected nonce is set to
// nextNonce, and the new entry's fee joins the running totals.
func (t *Table) UpdateAfterAdmit(addr common.Address, nextNonce, fee *uint256.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[addr]
	if !ok {
		rec = newRecord(nextNonce)
		t.records[addr] = rec
	}
	rec.Nonce = nextNonce
	rec.ProofsInBatch++
	if fee.Cmp(rec.MinFee) < 0 {
		rec.MinFee = fee
	}
	rec.TotalFeesInQueue = new(uint256.Int).Add(rec.TotalFeesInQueue, fee)
}

// UpdateAfterReplace reflects an accepted replacement (§4.D.1): the
// proof count and nonce are unchanged, but the fee totals and min_fee
// must account for the swap from oldFee to newFee.
func (t *Table) UpdateAfterReplace(addr common.Address, oldFee, newFee *uint256.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[addr]
	if !ok {
		return
	}
	total := new(uint256.Int).Sub(rec.TotalFeesInQueue, oldFee)
	rec.TotalFeesInQueue = new(uint256.Int).Add(total, newFee)
	if newFee.Cmp(rec.MinFee) < 0 {
		rec.MinFee = newFee
	}
}

// RecomputeFromQueue rebuilds every sender's (proofs_in_batch, min_fee,
// total_fees_in_queue) from the residual queue after a finalization
// (§4.C, §4.E step 3). Senders with no residual entries are left at
// (0, MAX, 0); their Nonce is untouched, since nonce tracking survives
// regardless of what remains queued.
func (t *Table) RecomputeFromQueue(entries []*batchqueue.Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	counts := make(map[common.Address]int, len(t.records))
	minFees := make(map[common.Address]*uint256.Int, len(t.records))
	totals := make(map[common.Address]*uint256.Int, len(t.records))

	for _, e := range entries {
		counts[e.Sender]++
		fee := e.NoncedData.MaxFee
		if cur, ok := minFees[e.Sender]; !ok || fee.Cmp(cur) < 0 {
			minFees[e.Sender] = fee
		}
		if cur, ok := totals[e.Sender]; ok {
			totals[e.Sender] = new(uint256.Int).Add(cur, fee)
		} else {
			totals[e.Sender] = new(uint256.Int).Set(fee)
		}
	}

	for addr, rec := range t.records {
		rec.ProofsInBatch = counts[addr]
		if min, ok := minFees[addr]; ok {
			rec.MinFee = min
		} else {
			rec.MinFee = types.MaxUint256()
		}
		if total, ok := totals[addr]; ok {
			rec.TotalFeesInQueue = total
		} else {
			rec.TotalFeesInQueue = new(uint256.Int)
		}
	}
}

// Reset discards every tracked sender, the global-reset path (§4.E
// step 10 / §9 "Global state / singletons").
func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = make(map[common.Address]*Record)
}

// Len returns the number of tracked senders.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}
