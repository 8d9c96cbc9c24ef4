// Package batchqueue implements the priority batch queue, §4.B: an
// ordered multiset of pending entries keyed by (max_fee ascending,
// nonce descending), with an operation that extracts the largest
// economically-viable prefix for finalization.
package batchqueue

import (
	"container/heap"
	"errors"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/eth2030/proofgateway/types"
)

// ReplyHandle is the write-only, concurrency-safe handle to an
// entry's originating connection (§4.F). Defined here, not imported
// from connhandler, so batchqueue has no dependency on the transport
// layer; connhandler's handle type satisfies this interface. Send
// tolerates an already-closed connection silently, per §4.F.
type ReplyHandle interface {
	Send(reply types.Reply) error
	Closed() bool
	// Close tears down the underlying connection. Called on a
	// superseded entry's handle when a replacement is accepted, §4.D.1.
	Close() error
}

// Entry is one queued verification request, §3.
type Entry struct {
	NoncedData types.NoncedVerificationData
	Commitment types.Commitment
	Sender     common.Address
	Signature  []byte
	Reply      ReplyHandle

	index int // heap index, maintained by container/heap
}

// EncodedSize returns the approximate canonical-encoding byte size of
// the entry, used by TryBuildBatch's size cutoff (§4.B). It sums the
// RLP encoding of the nonced data with the raw signature length; this
// slightly under-counts, since the signature's own RLP string header
// and the enclosing message's list header are not included, but it is
// a stable, deterministic approximation of "serialized size".
func (e *Entry) EncodedSize() (int, error) {
	enc, err := e.NoncedData.CanonicalBytes()
	if err != nil {
		return 0, err
	}
	return len(enc) + len(e.Signature), nil
}

// Errors returned by Queue operations.
var (
	ErrDuplicateEntry   = errors.New("batchqueue: (sender, nonce) already queued")
	ErrNotFound         = errors.New("batchqueue: no entry for (sender, nonce)")
	ErrBatchCostTooHigh = errors.New("batchqueue: no prefix is economically viable at this gas price")
)

// priorityHeap orders entries by (max_fee ascending, nonce descending),
// §3's stated priority key: the marginal-fee extraction scans from the
// lowest-paying end, and within one sender a tie on fee favors keeping
// the lowest nonce reachable in the remainder.
type priorityHeap []*Entry

func (h priorityHeap) Len() int { return len(h) }

func (h priorityHeap) Less(i, j int) bool {
	cmp := h[i].NoncedData.MaxFee.Cmp(h[j].NoncedData.MaxFee)
	if cmp != 0 {
		return cmp < 0 // min-heap on max_fee: lowest-paying first
	}
	return h[i].NoncedData.Nonce.Cmp(h[j].NoncedData.Nonce) > 0 // nonce descending
}

func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *priorityHeap) Push(x interface{}) {
	e := x.(*Entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *priorityHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

type senderNonceKey struct {
	sender common.Address
	nonce  [32]byte
}

// Queue is the priority batch queue. Safe for concurrent use.
type Queue struct {
	mu    sync.RWMutex
	h     priorityHeap
	byKey map[senderNonceKey]*Entry
}

// New creates an empty Queue.
func New() *Queue {
	q := &Queue{byKey: make(map[senderNonceKey]*Entry)}
	heap.Init(&q.h)
	return q
}

func keyFor(sender common.Address, nonce *uint256.Int) senderNonceKey {
	return senderNonceKey{sender: sender, nonce: nonce.Bytes32()}
}

// Push inserts entry. Returns ErrDuplicateEntry if (sender, nonce) is
// already present — callers must Remove (or use Replace) first.
func (q *Queue) Push(e *Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := keyFor(e.Sender, e.NoncedData.Nonce)
	if _, exists := q.byKey[key]; exists {
		return ErrDuplicateEntry
	}
	heap.Push(&q.h, e)
	q.byKey[key] = e
	return nil
}

// Remove deletes the unique entry matching (sender, nonce). Returns
// ErrNotFound if no such entry exists.
func (q *Queue) Remove(sender common.Address, nonce *uint256.Int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(sender, nonce)
}

func (q *Queue) removeLocked(sender common.Address, nonce *uint256.Int) error {
	key := keyFor(sender, nonce)
	e, ok := q.byKey[key]
	if !ok {
		return ErrNotFound
	}
	if e.index >= 0 && e.index < len(q.h) {
		heap.Remove(&q.h, e.index)
	}
	delete(q.byKey, key)
	return nil
}

// Replace substitutes the entry at (sender, nonce) with a new entry
// carrying the same nonce but an updated fee/signature/reply handle —
// the replacement path of §4.D.1. The old entry (with its reply
// handle) is returned to the caller, who is responsible for retiring it.
func (q *Queue) Replace(sender common.Address, nonce *uint256.Int, next *Entry) (old *Entry, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := keyFor(sender, nonce)
	old, ok := q.byKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	if old.index >= 0 && old.index < len(q.h) {
		heap.Remove(&q.h, old.index)
	}
	delete(q.byKey, key)

	heap.Push(&q.h, next)
	q.byKey[key] = next
	return old, nil
}

// Get returns the entry at (sender, nonce), if present.
func (q *Queue) Get(sender common.Address, nonce *uint256.Int) (*Entry, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	e, ok := q.byKey[keyFor(sender, nonce)]
	return e, ok
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.h)
}

// Iter returns all entries in priority order (max_fee ascending, nonce
// descending on ties). The returned slice is a snapshot; mutating the
// queue afterward does not affect it.
func (q *Queue) Iter() []*Entry {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.sortedLocked()
}

func (q *Queue) sortedLocked() []*Entry {
	out := make([]*Entry, len(q.h))
	copy(out, q.h)
	sort.Slice(out, func(i, j int) bool {
		cmp := out[i].NoncedData.MaxFee.Cmp(out[j].NoncedData.MaxFee)
		if cmp != 0 {
			return cmp < 0
		}
		return out[i].NoncedData.Nonce.Cmp(out[j].NoncedData.Nonce) > 0
	})
	return out
}

// GetBySender returns a sender's queued entries ordered by nonce
// ascending (the order in which fee-monotonicity invariant 2 applies).
func (q *Queue) GetBySender(sender common.Address) []*Entry {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var out []*Entry
	for _, e := range q.h {
		if e.Sender == sender {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].NoncedData.Nonce.Cmp(out[j].NoncedData.Nonce) < 0
	})
	return out
}

// MinFeeForSender returns the minimum max_fee among sender's queued
// entries, and types.MaxUint256() if the sender has none — the sentinel
// used throughout the user-state table (§3, §9).
func (q *Queue) MinFeeForSender(sender common.Address) *uint256.Int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	min := types.MaxUint256()
	for _, e := range q.h {
		if e.Sender != sender {
			continue
		}
		if e.NoncedData.MaxFee.Cmp(min) < 0 {
			min = e.NoncedData.MaxFee
		}
	}
	return min
}

// perProofGas amortizes a constant per-batch gas cost over N proofs,
// per the fee formula in spec.md §6: (constant + per_proof*N) / N.
// Integer division rounds down, matching the original's Solidity-style
// arithmetic (core/constants.rs).
func perProofGas(constantGas, perProofGasCost uint64, n int) uint64 {
	if n <= 0 {
		return 0
	}
	total := constantGas + perProofGasCost*uint64(n)
	return total / uint64(n)
}

// GasModel supplies the two gas constants TryBuildBatch needs to
// compute the per-proof amortized cost at a candidate batch size.
type GasModel struct {
	ConstantGas     uint64
	PerProofGasCost uint64
}

// TryBuildBatch computes the largest contiguous, highest-paying prefix
// of the priority-ordered queue — §4.B's two-sided economic cutoff: at
// batch size N, the amortized per-proof fee (gasPrice * perProofGas(N))
// must not exceed the lowest max_fee inside the prefix, and must
// strictly exceed the highest max_fee of whatever remains outside it.
// maxBytes additionally bounds the prefix's total encoded size.
//
// Entries are considered from the highest-max_fee end of the priority
// ordering inward; the first (largest) N that satisfies every
// condition wins. Returns ErrBatchCostTooHigh if no nonempty prefix
// qualifies.
func (q *Queue) TryBuildBatch(gasPrice *uint256.Int, gm GasModel, maxBytes int) (remaining, finalized []*Entry, err error) {
	q.mu.RLock()
	ordered := q.sortedLocked() // ascending by max_fee
	q.mu.RUnlock()

	n := len(ordered)
	if n == 0 {
		return nil, nil, ErrBatchCostTooHigh
	}

	sizes := make([]int, n)
	for i, e := range ordered {
		sz, err := e.EncodedSize()
		if err != nil {
			return nil, nil, err
		}
		sizes[i] = sz
	}

	// k is the cutoff index: ordered[k:] is the candidate finalized
	// prefix (highest max_fee entries), ordered[:k] remains queued.
	// Starting at k=0 tries the largest possible batch first.
	for k := 0; k < n; k++ {
		candidate := ordered[k:]
		total := 0
		for _, sz := range sizes[k:] {
			total += sz
		}
		if total > maxBytes {
			continue
		}

		gas := perProofGas(gm.ConstantGas, gm.PerProofGasCost, len(candidate))
		perProofFee := new(uint256.Int).Mul(gasPrice, new(uint256.Int).SetUint64(gas))

		lowestInside := candidate[0].NoncedData.MaxFee // ascending: first is lowest
		if perProofFee.Cmp(lowestInside) > 0 {
			continue // the cheapest payer inside can't afford it
		}

		if k > 0 {
			highestOutside := ordered[k-1].NoncedData.MaxFee
			if perProofFee.Cmp(highestOutside) <= 0 {
				continue // an excluded entry would actually have been willing to pay
			}
		}

		return ordered[:k], candidate, nil
	}

	return nil, nil, ErrBatchCostTooHigh
}

// Reset empties the queue and returns every entry that was in it, for
// the global reset path (§4.E step 10 / §4.H "Reset" terminal state).
func (q *Queue) Reset() []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Entry, len(q.h))
	copy(out, q.h)
	q.h = nil
	q.byKey = make(map[senderNonceKey]*Entry)
	return out
}

// ReplaceAll atomically swaps the queue's contents with entries — used
// by the finalizer after extracting a batch to install `remaining`
// (§4.E step 3) without a window where both old and new entries are
// simultaneously absent from lookups.
func (q *Queue) ReplaceAll(entries []*Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.h = make(priorityHeap, 0, len(entries))
	q.byKey = make(map[senderNonceKey]*Entry, len(entries))
	for _, e := range entries {
		e.index = len(q.h)
		q.h = append(q.h, e)
		q.byKey[keyFor(e.Sender, e.NoncedData.Nonce)] = e
	}
	heap.Init(&q.h)
}
