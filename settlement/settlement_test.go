package settlement

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/eth2030/proofgateway/config"
	"github.com/eth2030/proofgateway/finalizer"
)

type fakeTransport struct {
	nonce       *uint256.Int
	balance     *uint256.Int
	unlockBlock *uint256.Int
	gas         *uint256.Int
	err         error
	revertErr   *ErrTransactionReverted
	taskCalls   int
	calls       int
}

func (f *fakeTransport) userNonce(ctx context.Context, addr common.Address) (*uint256.Int, error) {
	f.calls++
	if f.revertErr != nil {
		return nil, f.revertErr
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.nonce, nil
}

func (f *fakeTransport) userBalance(ctx context.Context, addr common.Address) (*uint256.Int, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.balance, nil
}

func (f *fakeTransport) userUnlockBlock(ctx context.Context, addr common.Address) (*uint256.Int, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.unlockBlock, nil
}

func (f *fakeTransport) gasPrice(ctx context.Context) (*uint256.Int, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.gas, nil
}

func (f *fakeTransport) createNewTask(ctx context.Context, req createNewTaskRequest) error {
	f.taskCalls++
	if f.revertErr != nil {
		return f.revertErr
	}
	return f.err
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.MaxRetries = 2
	cfg.MinRetryDelayMS = 1
	cfg.MaxRetryDelayMS = 2
	cfg.BackoffFactor = 2
	return cfg
}

func TestUserNonceUsesPrimary(t *testing.T) {
	primary := &fakeTransport{nonce: uint256.NewInt(7)}
	fallback := &fakeTransport{nonce: uint256.NewInt(99)}
	a := newAdapter(testConfig(), primary, fallback)

	got, err := a.UserNonce(context.Background(), common.Address{})
	if err != nil {
		t.Fatalf("UserNonce: %v", err)
	}
	if got.Uint64() != 7 {
		t.Fatalf("got %d, want 7", got.Uint64())
	}
	if fallback.calls != 0 {
		t.Fatalf("fallback.calls = %d, want 0", fallback.calls)
	}
}

func TestUserNonceFallsBackOnTransientError(t *testing.T) {
	primary := &fakeTransport{err: errors.New("connection reset")}
	fallback := &fakeTransport{nonce: uint256.NewInt(3)}
	a := newAdapter(testConfig(), primary, fallback)

	got, err := a.UserNonce(context.Background(), common.Address{})
	if err != nil {
		t.Fatalf("UserNonce: %v", err)
	}
	if got.Uint64() != 3 {
		t.Fatalf("got %d, want 3", got.Uint64())
	}
	if fallback.calls == 0 {
		t.Fatalf("fallback was never consulted")
	}
}

func TestCreateNewTaskDoesNotFallBackOnRevert(t *testing.T) {
	primary := &fakeTransport{revertErr: &ErrTransactionReverted{Kind: RevertBatchAlreadySubmitted}}
	fallback := &fakeTransport{}
	a := newAdapter(testConfig(), primary, fallback)

	err := a.CreateNewTask(context.Background(), [32]byte{}, "ptr", nil, nil, nil, finalizer.GasParams{GasPrice: uint256.NewInt(1)})
	var reverted *ErrTransactionReverted
	if !errors.As(err, &reverted) {
		t.Fatalf("err = %v, want *ErrTransactionReverted", err)
	}
	if fallback.taskCalls != 0 {
		t.Fatalf("fallback.taskCalls = %d, want 0 (reverts must not retry on fallback)", fallback.taskCalls)
	}
}

func TestIsUnlockedTrueWhenNonzero(t *testing.T) {
	primary := &fakeTransport{unlockBlock: uint256.NewInt(42)}
	a := newAdapter(testConfig(), primary, &fakeTransport{})

	unlocked, err := a.IsUnlocked(context.Background(), common.Address{})
	if err != nil {
		t.Fatalf("IsUnlocked: %v", err)
	}
	if !unlocked {
		t.Fatalf("IsUnlocked = false, want true for nonzero unlock block")
	}
}

func TestIsUnlockedFalseWhenZero(t *testing.T) {
	primary := &fakeTransport{unlockBlock: new(uint256.Int)}
	a := newAdapter(testConfig(), primary, &fakeTransport{})

	unlocked, err := a.IsUnlocked(context.Background(), common.Address{})
	if err != nil {
		t.Fatalf("IsUnlocked: %v", err)
	}
	if unlocked {
		t.Fatalf("IsUnlocked = true, want false for zero unlock block")
	}
}

func TestCreateNewTaskDerivesAggregatorFee(t *testing.T) {
	primary := &fakeTransport{}
	a := newAdapter(testConfig(), primary, &fakeTransport{})

	err := a.CreateNewTask(context.Background(), [32]byte{}, "ptr", nil, nil, nil, finalizer.GasParams{GasPrice: uint256.NewInt(1000)})
	if err != nil {
		t.Fatalf("CreateNewTask: %v", err)
	}
	if primary.taskCalls != 1 {
		t.Fatalf("primary.taskCalls = %d, want 1", primary.taskCalls)
	}
}

func TestBumpedGasPriceScalesWithIteration(t *testing.T) {
	a := newAdapter(testConfig(), &fakeTransport{}, &fakeTransport{})

	first := a.BumpedGasPrice(uint256.NewInt(100), uint256.NewInt(50), 0)
	second := a.BumpedGasPrice(uint256.NewInt(100), uint256.NewInt(50), 1)
	if second.Cmp(first) <= 0 {
		t.Fatalf("second bump (%s) should exceed first (%s)", second, first)
	}
}

func TestBumpedGasPriceUsesMaxOfPreviousAndCurrent(t *testing.T) {
	a := newAdapter(testConfig(), &fakeTransport{}, &fakeTransport{})

	fromCurrent := a.BumpedGasPrice(uint256.NewInt(10), uint256.NewInt(1000), 0)
	fromPrevious := a.BumpedGasPrice(uint256.NewInt(1000), uint256.NewInt(10), 0)
	if fromCurrent.Cmp(fromPrevious) != 0 {
		t.Fatalf("bump should depend only on max(previous, current): got %s vs %s", fromCurrent, fromPrevious)
	}
}

func TestAllRetriesExhaustedReturnsLastError(t *testing.T) {
	boom := errors.New("boom")
	primary := &fakeTransport{err: boom}
	fallback := &fakeTransport{err: boom}
	a := newAdapter(testConfig(), primary, fallback)

	_, err := a.UserBalance(context.Background(), common.Address{})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if primary.calls != a.cfg.MaxRetries+1 {
		t.Fatalf("primary.calls = %d, want %d", primary.calls, a.cfg.MaxRetries+1)
	}
}
