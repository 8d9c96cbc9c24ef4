package admission

import (
	"context"
	"crypto/ecdsa"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/eth2030/proofgateway/batchqueue"
	"github.com/eth2030/proofgateway/config"
	"github.com/eth2030/proofgateway/types"
	"github.com/eth2030/proofgateway/userstate"
)

type fakeReply struct{ closed bool }

func (f *fakeReply) Closed() bool             { return f.closed }
func (f *fakeReply) Send(r types.Reply) error { return nil }
func (f *fakeReply) Close() error             { f.closed = true; return nil }

type fakeBalances struct {
	balance  *uint256.Int
	unlocked bool
}

func (b *fakeBalances) UserBalance(ctx context.Context, addr common.Address) (*uint256.Int, error) {
	return b.balance, nil
}

func (b *fakeBalances) IsUnlocked(ctx context.Context, addr common.Address) (bool, error) {
	return b.unlocked, nil
}

func alwaysZeroNonce(ctx context.Context, addr common.Address) (*uint256.Int, error) {
	return new(uint256.Int), nil
}

// signedMessage builds a ClientMessage signed by key and returns its raw
// wire encoding alongside the signer's address.
func signedMessage(t *testing.T, key *ecdsa.PrivateKey, nonce, maxFee uint64, chainID uint64) ([]byte, common.Address) {
	t.Helper()
	addr := gethcrypto.PubkeyToAddress(key.PublicKey)

	data := types.NoncedVerificationData{
		Request: types.VerificationRequest{
			ProvingSystemID:       types.ProvingSystemGroth16,
			Proof:                 []byte{1, 2, 3},
			PublicInput:           []byte{4},
			VerificationKey:       []byte{5, 6},
			ProofGeneratorAddress: addr,
		},
		Nonce:                 uint256.NewInt(nonce),
		MaxFee:                uint256.NewInt(maxFee),
		ChainID:               chainID,
		PaymentServiceAddress: common.Address{},
	}
	hash, err := data.SigningHash()
	if err != nil {
		t.Fatalf("SigningHash: %v", err)
	}
	sig, err := gethcrypto.Sign(hash[:], key)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	raw, err := types.EncodeClientMessage(types.ClientMessage{NoncedData: data, Signature: sig})
	if err != nil {
		t.Fatalf("EncodeClientMessage: %v", err)
	}
	return raw, addr
}

func newTestEngine(t *testing.T, balances BalanceReader) (*Engine, *batchqueue.Queue, *userstate.Table) {
	t.Helper()
	cfg := config.Default()
	cfg.MinFeePerProofWei = "10"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	queue := batchqueue.New()
	users := userstate.New()
	e := New(cfg, queue, users, balances, nil, alwaysZeroNonce)
	return e, queue, users
}

func TestAdmitFreshMessageValid(t *testing.T) {
	key, err := gethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	e, queue, _ := newTestEngine(t, &fakeBalances{balance: uint256.NewInt(1_000_000)})

	raw, addr := signedMessage(t, key, 0, 100, 1)
	reply, err := e.Admit(context.Background(), raw, &fakeReply{})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if reply.Code != types.ReplyValid {
		t.Fatalf("Code = %v, want Valid", reply.Code)
	}
	if queue.Len() != 1 {
		t.Fatalf("queue.Len() = %d, want 1", queue.Len())
	}
	if _, ok := queue.Get(addr, uint256.NewInt(0)); !ok {
		t.Fatal("expected entry at nonce 0")
	}
}

func TestAdmitMalformedFrameDropsSilently(t *testing.T) {
	e, _, _ := newTestEngine(t, &fakeBalances{balance: uint256.NewInt(1_000_000)})
	reply, err := e.Admit(context.Background(), []byte{0xff, 0x00}, &fakeReply{})
	if err != ErrMalformedMessage {
		t.Fatalf("err = %v, want ErrMalformedMessage", err)
	}
	if reply != nil {
		t.Fatal("expected nil reply for a malformed frame")
	}
}

func TestAdmitWrongChainID(t *testing.T) {
	key, _ := gethcrypto.GenerateKey()
	e, _, _ := newTestEngine(t, &fakeBalances{balance: uint256.NewInt(1_000_000)})

	raw, _ := signedMessage(t, key, 0, 100, 999)
	reply, err := e.Admit(context.Background(), raw, &fakeReply{})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if reply.Code != types.ReplyInvalidChainId {
		t.Fatalf("Code = %v, want InvalidChainId", reply.Code)
	}
}

func TestAdmitUnlockedBalanceRejected(t *testing.T) {
	key, _ := gethcrypto.GenerateKey()
	e, _, _ := newTestEngine(t, &fakeBalances{balance: uint256.NewInt(1_000_000), unlocked: true})

	raw, _ := signedMessage(t, key, 0, 100, 1)
	reply, err := e.Admit(context.Background(), raw, &fakeReply{})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if reply.Code != types.ReplyInsufficientBalance {
		t.Fatalf("Code = %v, want InsufficientBalance", reply.Code)
	}
}

func TestAdmitBelowMinFeeRejected(t *testing.T) {
	key, _ := gethcrypto.GenerateKey()
	e, _, _ := newTestEngine(t, &fakeBalances{balance: uint256.NewInt(1_000_000)})

	raw, _ := signedMessage(t, key, 0, 1, 1) // MinFeePerProofWei = 10
	reply, err := e.Admit(context.Background(), raw, &fakeReply{})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if reply.Code != types.ReplyInvalidMaxFee {
		t.Fatalf("Code = %v, want InvalidMaxFee", reply.Code)
	}
}

func TestAdmitInsufficientBalanceRejected(t *testing.T) {
	key, _ := gethcrypto.GenerateKey()
	e, _, _ := newTestEngine(t, &fakeBalances{balance: uint256.NewInt(1)})

	raw, _ := signedMessage(t, key, 0, 100, 1)
	reply, err := e.Admit(context.Background(), raw, &fakeReply{})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if reply.Code != types.ReplyInsufficientBalance {
		t.Fatalf("Code = %v, want InsufficientBalance", reply.Code)
	}
}

func TestAdmitNonceGapRejected(t *testing.T) {
	key, _ := gethcrypto.GenerateKey()
	e, _, _ := newTestEngine(t, &fakeBalances{balance: uint256.NewInt(1_000_000)})

	raw, _ := signedMessage(t, key, 5, 100, 1) // expected nonce is 0
	reply, err := e.Admit(context.Background(), raw, &fakeReply{})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if reply.Code != types.ReplyInvalidNonce {
		t.Fatalf("Code = %v, want InvalidNonce", reply.Code)
	}
}

func TestAdmitFreshAdmitFeeAboveMinFeeRejected(t *testing.T) {
	key, _ := gethcrypto.GenerateKey()
	e, _, _ := newTestEngine(t, &fakeBalances{balance: uint256.NewInt(1_000_000)})

	// First entry establishes user.min_fee = 100.
	raw0, _ := signedMessage(t, key, 0, 100, 1)
	if reply, err := e.Admit(context.Background(), raw0, &fakeReply{}); err != nil || reply.Code != types.ReplyValid {
		t.Fatalf("first Admit: reply=%v err=%v", reply, err)
	}

	// Second entry at nonce 1 with a higher fee violates invariant 2.
	raw1, _ := signedMessage(t, key, 1, 500, 1)
	reply, err := e.Admit(context.Background(), raw1, &fakeReply{})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if reply.Code != types.ReplyInvalidMaxFee {
		t.Fatalf("Code = %v, want InvalidMaxFee", reply.Code)
	}
}

func TestAdmitReplacementAccepted(t *testing.T) {
	key, _ := gethcrypto.GenerateKey()
	e, queue, _ := newTestEngine(t, &fakeBalances{balance: uint256.NewInt(1_000_000)})
	addr := gethcrypto.PubkeyToAddress(key.PublicKey)

	raw0, _ := signedMessage(t, key, 0, 100, 1)
	if reply, err := e.Admit(context.Background(), raw0, &fakeReply{}); err != nil || reply.Code != types.ReplyValid {
		t.Fatalf("first Admit: reply=%v err=%v", reply, err)
	}

	// Re-submit nonce 0 with a strictly higher fee: a replacement.
	raw0b, _ := signedMessage(t, key, 0, 150, 1)
	reply, err := e.Admit(context.Background(), raw0b, &fakeReply{})
	if err != nil {
		t.Fatalf("Admit (replace): %v", err)
	}
	if reply.Code != types.ReplyValid {
		t.Fatalf("Code = %v, want Valid", reply.Code)
	}

	got, ok := queue.Get(addr, uint256.NewInt(0))
	if !ok || got.NoncedData.MaxFee.Uint64() != 150 {
		t.Fatal("expected replaced entry with fee 150")
	}
}

func TestAdmitReplacementLowerFeeRejected(t *testing.T) {
	key, _ := gethcrypto.GenerateKey()
	e, _, _ := newTestEngine(t, &fakeBalances{balance: uint256.NewInt(1_000_000)})

	raw0, _ := signedMessage(t, key, 0, 100, 1)
	if reply, err := e.Admit(context.Background(), raw0, &fakeReply{}); err != nil || reply.Code != types.ReplyValid {
		t.Fatalf("first Admit: reply=%v err=%v", reply, err)
	}

	raw0b, _ := signedMessage(t, key, 0, 50, 1) // lower, not higher
	reply, err := e.Admit(context.Background(), raw0b, &fakeReply{})
	if err != nil {
		t.Fatalf("Admit (replace): %v", err)
	}
	if reply.Code != types.ReplyInvalidReplacementMessage {
		t.Fatalf("Code = %v, want InvalidReplacementMessage", reply.Code)
	}
}

func TestAdmitReplacementNoExistingEntry(t *testing.T) {
	key, _ := gethcrypto.GenerateKey()
	e, _, _ := newTestEngine(t, &fakeBalances{balance: uint256.NewInt(1_000_000)})

	// Admit nonce 1 first (a gap, so it's rejected) — instead directly
	// drive the replacement branch by admitting nonce 0, then "replacing"
	// a nonce that was never queued is impossible via Admit's nonce
	// comparison (expected stays 0 until a fresh admit succeeds), so this
	// exercises the branch through a second sender's untouched state:
	// expected(0) > msg_nonce requires msg_nonce < 0, which is
	// impossible for an unsigned nonce. Replacement-with-no-entry is
	// instead reached once a sender has advanced past a nonce whose
	// entry was since finalized and removed from the queue.
	raw0, _ := signedMessage(t, key, 0, 100, 1)
	if reply, err := e.Admit(context.Background(), raw0, &fakeReply{}); err != nil || reply.Code != types.ReplyValid {
		t.Fatalf("first Admit: reply=%v err=%v", reply, err)
	}
	addr := gethcrypto.PubkeyToAddress(key.PublicKey)
	// Simulate finalization removing the entry while the sender's
	// expected nonce stays at 1, so nonce 0 now has no queued entry to
	// replace.
	if err := e.queue.Remove(addr, uint256.NewInt(0)); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	raw0b, _ := signedMessage(t, key, 0, 150, 1)
	reply, err := e.Admit(context.Background(), raw0b, &fakeReply{})
	if err != nil {
		t.Fatalf("Admit (replace): %v", err)
	}
	if reply.Code != types.ReplyInvalidNonce {
		t.Fatalf("Code = %v, want InvalidNonce", reply.Code)
	}
}
