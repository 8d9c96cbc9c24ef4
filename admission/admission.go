// Package admission implements the Admission Engine, §4.D: the
// gatekeeping sequence every inbound client message passes through
// before it becomes a queued entry, and the replacement semantics of
// §4.D.1.
package admission

import (
	"bytes"
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/eth2030/proofgateway/batchqueue"
	"github.com/eth2030/proofgateway/config"
	"github.com/eth2030/proofgateway/internal/logging"
	"github.com/eth2030/proofgateway/merkletree"
	"github.com/eth2030/proofgateway/types"
	"github.com/eth2030/proofgateway/userstate"
)

// BalanceReader answers the two balance questions the Admission Engine
// needs from the external ledger, §4.D steps 4/9. Defined here, not
// imported from settlement, mirroring userstate.NonceFetcher's
// dependency-injection approach so this package never imports the
// transport-level settlement client (settlement.Adapter satisfies it).
type BalanceReader interface {
	// UserBalance returns addr's current balance in the payment
	// service contract.
	UserBalance(ctx context.Context, addr common.Address) (*uint256.Int, error)
	// IsUnlocked reports whether addr's balance is flagged "unlocked"
	// (withdrawal requested, funds no longer usable for fee payment).
	IsUnlocked(ctx context.Context, addr common.Address) (bool, error)
}

// Verifier is the injectable pre-verification predicate, §4.D step 6 /
// §4.H. Dispatching by proving system is the verify package's job;
// admission only needs one function of this shape.
type Verifier func(systemID types.ProvingSystemID, proof, publicInput, verificationKey []byte) bool

// ErrMalformedMessage is returned by Admit when the raw frame fails to
// decode — §4.D step 1's "drop silently" case. Callers must not send
// any reply for this error; there is no sender to reply to yet.
var ErrMalformedMessage = errors.New("admission: malformed message frame")

// Engine runs the admission sequence against the shared queue and
// user-state table.
type Engine struct {
	cfg      config.Config
	queue    *batchqueue.Queue
	users    *userstate.Table
	balances BalanceReader
	verify   Verifier
	fetch    userstate.NonceFetcher
	log      *logging.Logger
}

// New constructs an Engine. fetchNonce and balances are required
// collaborators (typically backed by the settlement package);
// verifier may be nil, which behaves as if pre-verification always
// passes (still gated by cfg.PreVerificationEnabled).
func New(cfg config.Config, queue *batchqueue.Queue, users *userstate.Table, balances BalanceReader, verify Verifier, fetchNonce userstate.NonceFetcher) *Engine {
	return &Engine{
		cfg:      cfg,
		queue:    queue,
		users:    users,
		balances: balances,
		verify:   verify,
		fetch:    fetchNonce,
		log:      logging.Default().Module("admission"),
	}
}

// Admit runs the full §4.D sequence against a raw inbound frame and a
// reply handle for the originating connection. It returns
// (nil, ErrMalformedMessage) for an undecodable frame — the caller
// must not reply. For every other outcome it returns a non-nil Reply
// the caller should send back over reply's connection.
func (e *Engine) Admit(ctx context.Context, raw []byte, reply batchqueue.ReplyHandle) (*types.Reply, error) {
	// 1. Deserialize message; if invalid, drop silently.
	msg, err := types.DecodeClientMessage(raw)
	if err != nil {
		return nil, ErrMalformedMessage
	}

	// 2. Chain ID check.
	if msg.NoncedData.ChainID != e.cfg.ChainID {
		return &types.Reply{Code: types.ReplyInvalidChainId}, nil
	}

	// 3. Recover signer.
	sender, err := recoverSender(msg)
	if err != nil {
		return &types.Reply{Code: types.ReplyInvalidSignature}, nil
	}

	// 4. Balance-unlocked check.
	unlocked, err := e.balances.IsUnlocked(ctx, sender)
	if err != nil {
		e.log.Error("check unlock status", "sender", sender, "err", err)
		return &types.Reply{Code: types.ReplyInsufficientBalance}, nil
	}
	if unlocked {
		return &types.Reply{Code: types.ReplyInsufficientBalance}, nil
	}

	// 5. Proof size limit.
	if len(msg.NoncedData.Request.Proof) > e.cfg.MaxProofSize {
		return &types.Reply{Code: types.ReplyProofTooLarge}, nil
	}

	// 6. Pre-verification.
	if e.cfg.PreVerificationEnabled && e.verify != nil {
		req := msg.NoncedData.Request
		if !e.verify(req.ProvingSystemID, req.Proof, req.PublicInput, req.VerificationKey) {
			return &types.Reply{Code: types.ReplyInvalidProof}, nil
		}
	}

	// 7. Minimum fee.
	if msg.NoncedData.MaxFee.Cmp(e.cfg.MinFeePerProof) < 0 && !e.isNonPaying(sender) {
		return &types.Reply{Code: types.ReplyInvalidMaxFee}, nil
	}

	// 8. Ensure user-state exists.
	user, err := e.users.GetOrInit(ctx, sender, e.fetch)
	if err != nil {
		e.log.Error("fetch nonce", "sender", sender, "err", err)
		return &types.Reply{Code: types.ReplyInsufficientBalance}, nil
	}

	// 9. Aggregate balance check.
	balance, err := e.balances.UserBalance(ctx, sender)
	if err != nil {
		e.log.Error("fetch balance", "sender", sender, "err", err)
		return &types.Reply{Code: types.ReplyInsufficientBalance}, nil
	}
	required := new(uint256.Int).Mul(
		new(uint256.Int).SetUint64(uint64(user.ProofsInBatch+1)),
		e.cfg.MinFeePerProof,
	)
	if balance.Cmp(required) < 0 && !e.isNonPaying(sender) {
		return &types.Reply{Code: types.ReplyInsufficientBalance}, nil
	}

	// 10. Nonce comparison.
	cmp := user.Nonce.Cmp(msg.NoncedData.Nonce)
	switch {
	case cmp < 0:
		// expected < msg_nonce: a gap.
		return &types.Reply{Code: types.ReplyInvalidNonce}, nil

	case cmp == 0:
		// Fresh admit.
		if msg.NoncedData.MaxFee.Cmp(user.MinFee) > 0 {
			return &types.Reply{Code: types.ReplyInvalidMaxFee}, nil
		}
		entry, err := e.buildEntry(msg, sender, reply)
		if err != nil {
			return nil, err
		}
		if err := e.queue.Push(entry); err != nil {
			// A concurrent duplicate slipped in; treat as a gap rather
			// than silently dropping the client's message.
			return &types.Reply{Code: types.ReplyInvalidNonce}, nil
		}
		nextNonce := new(uint256.Int).AddUint64(msg.NoncedData.Nonce, 1)
		e.users.UpdateAfterAdmit(sender, nextNonce, msg.NoncedData.MaxFee)

	default:
		// expected > msg_nonce: replacement candidate.
		return e.replace(sender, msg, reply)
	}

	// 11. Success.
	return &types.Reply{Code: types.ReplyValid}, nil
}

// replace implements §4.D.1.
func (e *Engine) replace(sender common.Address, msg types.ClientMessage, reply batchqueue.ReplyHandle) (*types.Reply, error) {
	existing, ok := e.queue.Get(sender, msg.NoncedData.Nonce)
	if !ok {
		return &types.Reply{Code: types.ReplyInvalidNonce}, nil
	}

	oldFee := existing.NoncedData.MaxFee
	newFee := msg.NoncedData.MaxFee
	if newFee.Cmp(oldFee) <= 0 {
		return &types.Reply{Code: types.ReplyInvalidReplacementMessage}, nil
	}

	// No entry of the same sender with a lower nonce may have a lower
	// fee than newFee (protects invariant 2: fee monotonicity).
	for _, other := range e.queue.GetBySender(sender) {
		if other.NoncedData.Nonce.Cmp(msg.NoncedData.Nonce) >= 0 {
			continue
		}
		if other.NoncedData.MaxFee.Cmp(newFee) < 0 {
			return &types.Reply{Code: types.ReplyInvalidReplacementMessage}, nil
		}
	}

	next, err := e.buildEntry(msg, sender, reply)
	if err != nil {
		return nil, err
	}
	old, err := e.queue.Replace(sender, msg.NoncedData.Nonce, next)
	if err != nil {
		return &types.Reply{Code: types.ReplyInvalidNonce}, nil
	}
	// The old reply handle is retired: nothing further will ever be
	// sent on it for this (sender, nonce) slot, and a replacement may
	// legitimately arrive on a fresh connection while the stale one is
	// still open, so it must be closed explicitly rather than left to
	// linger.
	if old.Reply != nil {
		old.Reply.Close()
	}

	e.users.UpdateAfterReplace(sender, oldFee, newFee)
	return &types.Reply{Code: types.ReplyValid}, nil
}

func (e *Engine) buildEntry(msg types.ClientMessage, sender common.Address, reply batchqueue.ReplyHandle) (*batchqueue.Entry, error) {
	commitment := merkletree.CommitRequest(msg.NoncedData.Request)
	return &batchqueue.Entry{
		NoncedData: msg.NoncedData,
		Commitment: commitment,
		Sender:     sender,
		Signature:  msg.Signature,
		Reply:      reply,
	}, nil
}

func (e *Engine) isNonPaying(sender common.Address) bool {
	if e.cfg.NonPaying == nil {
		return false
	}
	return common.HexToAddress(e.cfg.NonPaying.SenderAddr) == sender
}

// recoverSender recovers the Ethereum address that produced msg's
// 65-byte [R || S || V] signature over the canonical encoding of its
// nonced data, grounded on crypto/signature_recovery.go's recovery
// pipeline but using go-ethereum's real secp256k1 bindings rather than
// the teacher's from-scratch recovery math.
func recoverSender(msg types.ClientMessage) (common.Address, error) {
	if len(msg.Signature) != 65 {
		return common.Address{}, errors.New("admission: signature must be 65 bytes")
	}
	hash, err := msg.NoncedData.SigningHash()
	if err != nil {
		return common.Address{}, err
	}

	sig := make([]byte, 65)
	copy(sig, msg.Signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pub, err := gethcrypto.SigToPub(hash[:], sig)
	if err != nil {
		return common.Address{}, err
	}
	addr := gethcrypto.PubkeyToAddress(*pub)
	if bytes.Equal(addr.Bytes(), (common.Address{}).Bytes()) {
		return common.Address{}, errors.New("admission: recovered zero address")
	}
	return addr, nil
}
