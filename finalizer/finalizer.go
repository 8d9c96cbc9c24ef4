// Package finalizer implements the Block-Triggered Finalizer, §4.E: on
// every observed new block, decide whether the queue is ready to
// finalize a batch, and if so run the extract → commit → upload →
// register → notify pipeline exactly once at a time.
package finalizer

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"sort"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/eth2030/proofgateway/batchqueue"
	"github.com/eth2030/proofgateway/config"
	"github.com/eth2030/proofgateway/internal/logging"
	"github.com/eth2030/proofgateway/merkletree"
	"github.com/eth2030/proofgateway/types"
	"github.com/eth2030/proofgateway/userstate"
)

// batchBucket is the object-store bucket finalized batch bytes are
// uploaded under, §4.E step 7.
const batchBucket = "batches"

// ObjectStore is the collaborator interface used to persist a
// finalized batch's serialized bytes, §4.E step 7 / §D.10. Defined
// here rather than imported from objectstore, the same
// dependency-injection approach as userstate.NonceFetcher.
type ObjectStore interface {
	Put(ctx context.Context, bucket, key string, data []byte) error
}

// GasParams carries the gas pricing the settlement adapter attaches to
// a CreateNewTask submission, §4.E step 8 / §4.G.
type GasParams struct {
	GasPrice *uint256.Int
}

// GasPriceReader supplies the current gas price, primary-then-fallback
// per §4.E step 1; the multiplexing itself lives in the settlement
// adapter (§4.G).
type GasPriceReader interface {
	CurrentGasPrice(ctx context.Context) (*uint256.Int, error)
}

// TaskRegistrar is the settlement-adapter call that registers a
// finalized batch on-chain, §4.E step 8.
type TaskRegistrar interface {
	CreateNewTask(ctx context.Context, root [32]byte, dataPointer string, paddedLeaves [][32]byte, signatures [][]byte, fees []*uint256.Int, gasParams GasParams) error
}

// Finalizer drives the block-triggered pipeline against a shared queue
// and user-state table.
type Finalizer struct {
	cfg       config.Config
	queue     *batchqueue.Queue
	users     *userstate.Table
	gasPrice  GasPriceReader
	store     ObjectStore
	registrar TaskRegistrar
	gasModel  batchqueue.GasModel

	postingBatch       atomic.Bool
	lastFinalizedBlock atomic.Uint64

	log *logging.Logger
}

// New constructs a Finalizer.
func New(cfg config.Config, queue *batchqueue.Queue, users *userstate.Table, gasPrice GasPriceReader, store ObjectStore, registrar TaskRegistrar, gasModel batchqueue.GasModel) *Finalizer {
	return &Finalizer{
		cfg:       cfg,
		queue:     queue,
		users:     users,
		gasPrice:  gasPrice,
		store:     store,
		registrar: registrar,
		gasModel:  gasModel,
		log:       logging.Default().Module("finalizer"),
	}
}

// Run consumes block numbers from blocks (the primary+fallback
// multiplexed feed, §D.10's blockfeed.Subscribe) until ctx is
// cancelled or the channel closes. Non-strictly-increasing block
// numbers are skipped, per §4.E.
func (f *Finalizer) Run(ctx context.Context, blocks <-chan uint64) {
	var lastObserved uint64
	var seen bool
	for {
		select {
		case <-ctx.Done():
			return
		case block, ok := <-blocks:
			if !ok {
				return
			}
			if seen && block <= lastObserved {
				continue
			}
			lastObserved = block
			seen = true
			f.OnBlock(ctx, block)
		}
	}
}

// OnBlock evaluates the readiness predicate for blockNumber and, if
// ready, runs the finalization pipeline. Exported so tests (and a
// synchronous caller) can drive it without a channel.
func (f *Finalizer) OnBlock(ctx context.Context, blockNumber uint64) {
	qlen := f.queue.Len()
	if qlen < 2 {
		return
	}
	lengthReady := qlen >= f.cfg.MinBatchLen
	intervalReady := blockNumber >= f.lastFinalizedBlock.Load()+f.cfg.MaxBlockInterval
	if !lengthReady && !intervalReady {
		return
	}
	if !f.postingBatch.CompareAndSwap(false, true) {
		return // a finalization is already in progress
	}
	f.runPipeline(ctx, blockNumber)
}

func (f *Finalizer) runPipeline(ctx context.Context, blockNumber uint64) {
	defer f.postingBatch.Store(false)

	gasPrice, err := f.gasPrice.CurrentGasPrice(ctx)
	if err != nil {
		f.log.Error("query gas price", "err", err)
		return
	}

	remaining, finalized, err := f.queue.TryBuildBatch(gasPrice, f.gasModel, f.cfg.MaxBatchSize)
	if errors.Is(err, batchqueue.ErrBatchCostTooHigh) {
		return
	}
	if err != nil {
		f.log.Error("try_build_batch", "err", err)
		return
	}
	if len(finalized) < 2 {
		// A singleton batch is disallowed at the finalizer level, §4.E:
		// the commitment library requires a non-trivial tree. The
		// cutoff search in TryBuildBatch can still return a one-entry
		// slice from a queue with more than one entry queued, so this
		// is checked independently of OnBlock's readiness gate.
		return
	}

	f.queue.ReplaceAll(remaining)
	f.users.RecomputeFromQueue(remaining)

	root, indexOf, paddedLeaves, err := buildMerkle(finalized)
	if err != nil {
		f.log.Error("build merkle tree", "err", err)
		f.failBatch(ctx, finalized, root)
		return
	}

	data, err := encodeBatch(finalized)
	if err != nil {
		f.log.Error("encode batch", "err", err)
		f.failBatch(ctx, finalized, root)
		return
	}

	key := hex.EncodeToString(root[:]) + ".json"
	if err := f.store.Put(ctx, batchBucket, key, data); err != nil {
		f.log.Error("upload batch", "err", err)
		f.failBatch(ctx, finalized, root)
		return
	}

	sigs := make([][]byte, len(finalized))
	fees := make([]*uint256.Int, len(finalized))
	for i, e := range finalized {
		sigs[i] = e.Signature
		fees[i] = e.NoncedData.MaxFee
	}
	gasParams := GasParams{GasPrice: gasPrice}

	if err := f.registrar.CreateNewTask(ctx, root, key, paddedLeaves, sigs, fees, gasParams); err != nil {
		f.log.Error("create new task", "err", err)
		f.failBatch(ctx, finalized, root)
		return
	}

	f.lastFinalizedBlock.Store(blockNumber)

	tree, err := merkletree.Build(paddedLeaves)
	if err != nil {
		// Unreachable: buildMerkle already validated this leaf set.
		f.log.Error("rebuild merkle tree for paths", "err", err)
		return
	}

	for _, e := range ascendingByNonce(finalized) {
		idx := indexOf[entryKey(e)]
		path, err := tree.Path(idx)
		if err != nil {
			f.log.Error("build inclusion path", "sender", e.Sender, "err", err)
			continue
		}
		e.Reply.Send(types.Reply{
			Code:        types.ReplyBatchInclusionData,
			Root:        root,
			BatchIndex:  uint64(idx),
			MerklePath:  path,
			SenderNonce: e.NoncedData.Nonce,
		})
	}
}

// failBatch implements §4.E step 10: every entry that was extracted
// from the queue is told its batch could not be registered, and the
// queue/user-state table are fully reset — there is no partial-batch
// recovery path.
func (f *Finalizer) failBatch(ctx context.Context, finalized []*batchqueue.Entry, root [32]byte) {
	for _, e := range finalized {
		e.Reply.Send(types.Reply{Code: types.ReplyCreateNewTaskError, Root: root})
	}
	f.queue.Reset()
	f.users.Reset()
}

type entryID struct {
	sender common.Address
	nonce  [32]byte
}

func entryKey(e *batchqueue.Entry) entryID {
	return entryID{sender: e.Sender, nonce: e.NoncedData.Nonce.Bytes32()}
}

// buildMerkle pads finalized's commitments to a power of two (§4.A
// invariant 6) and builds the tree, returning the root and a lookup
// from entry to its (padded) leaf index.
func buildMerkle(finalized []*batchqueue.Entry) (root [32]byte, indexOf map[entryID]int, paddedLeaves [][32]byte, err error) {
	if len(finalized) == 0 {
		return [32]byte{}, nil, nil, errors.New("finalizer: cannot build merkle tree over an empty batch")
	}

	leaves := make([][32]byte, len(finalized))
	indexOf = make(map[entryID]int, len(finalized))
	for i, e := range finalized {
		leaves[i] = merkletree.LeafHash(e.Commitment)
		indexOf[entryKey(e)] = i
	}

	padded := merkletree.PadToPowerOfTwo(leaves)
	tree, err := merkletree.Build(padded)
	if err != nil {
		return [32]byte{}, nil, nil, err
	}
	return tree.Root(), indexOf, padded, nil
}

// encodeBatch serializes finalized with the same canonical RLP codec
// used for a single client message, §4.E step 4.
func encodeBatch(finalized []*batchqueue.Entry) ([]byte, error) {
	msgs := make([]types.ClientMessage, len(finalized))
	for i, e := range finalized {
		msgs[i] = types.ClientMessage{NoncedData: e.NoncedData, Signature: e.Signature}
	}
	return types.EncodeBatch(msgs)
}

// ascendingByNonce orders finalized for reply delivery, §4.E step 9:
// "ascending-nonce order (reverse of the priority extraction order)".
// Entries are grouped by sender address (ascending, for determinism)
// and ordered by ascending nonce within each sender.
func ascendingByNonce(finalized []*batchqueue.Entry) []*batchqueue.Entry {
	out := make([]*batchqueue.Entry, len(finalized))
	copy(out, finalized)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Sender != out[j].Sender {
			return bytes.Compare(out[i].Sender.Bytes(), out[j].Sender.Bytes()) < 0
		}
		return out[i].NoncedData.Nonce.Cmp(out[j].NoncedData.Nonce) < 0
	})
	return out
}
