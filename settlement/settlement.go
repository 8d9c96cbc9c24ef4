// Package settlement implements the External Settlement Adapter, §4.G:
// a primary/fallback gRPC client for the three read operations the
// Admission Engine depends on (nonce, balance, unlock status) and the
// on-chain task registration the Finalizer depends on, with retry,
// revert classification, and stuck-submission gas bumping.
package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/eth2030/proofgateway/config"
	"github.com/eth2030/proofgateway/finalizer"
	"github.com/eth2030/proofgateway/internal/logging"
)

// Adapter is the settlement collaborator backing admission.BalanceReader,
// finalizer.GasPriceReader, finalizer.TaskRegistrar, and (via UserNonce)
// userstate.NonceFetcher.
type Adapter struct {
	cfg      config.Config
	primary  transport
	fallback transport
	log      *logging.Logger
}

// Dial constructs an Adapter with gRPC primary and fallback endpoints.
func Dial(cfg config.Config, primaryAddr, fallbackAddr string) (*Adapter, error) {
	primary, err := dialGRPC(primaryAddr)
	if err != nil {
		return nil, err
	}
	fallback, err := dialGRPC(fallbackAddr)
	if err != nil {
		return nil, err
	}
	return newAdapter(cfg, primary, fallback), nil
}

func newAdapter(cfg config.Config, primary, fallback transport) *Adapter {
	return &Adapter{
		cfg:      cfg,
		primary:  primary,
		fallback: fallback,
		log:      logging.Default().Module("settlement"),
	}
}

// withFallback calls fn against the primary transport; on any
// non-revert failure it retries the whole read against the fallback,
// §4.G ("on a non-revert transient failure on primary, retry on
// fallback; on revert, do not retry on fallback").
func (a *Adapter) withFallback(ctx context.Context, policy config.RetryPolicy, fn func(context.Context, transport) error) error {
	err := withRetry(ctx, policy, func(ctx context.Context) error { return fn(ctx, a.primary) })
	if err == nil {
		return nil
	}
	var reverted *ErrTransactionReverted
	if errors.As(err, &reverted) {
		return err
	}
	return withRetry(ctx, policy, func(ctx context.Context) error { return fn(ctx, a.fallback) })
}

// UserNonce satisfies userstate.NonceFetcher's signature.
func (a *Adapter) UserNonce(ctx context.Context, addr common.Address) (*uint256.Int, error) {
	var out *uint256.Int
	err := a.withFallback(ctx, a.cfg.ReadPolicy(), func(ctx context.Context, t transport) error {
		v, err := t.userNonce(ctx, addr)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// UserBalance satisfies admission.BalanceReader.
func (a *Adapter) UserBalance(ctx context.Context, addr common.Address) (*uint256.Int, error) {
	var out *uint256.Int
	err := a.withFallback(ctx, a.cfg.ReadPolicy(), func(ctx context.Context, t transport) error {
		v, err := t.userBalance(ctx, addr)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// IsUnlocked satisfies admission.BalanceReader. A nonzero unlock block
// means the sender has begun withdrawing their deposit and their
// balance is no longer safely reserved for fees.
func (a *Adapter) IsUnlocked(ctx context.Context, addr common.Address) (bool, error) {
	var out *uint256.Int
	err := a.withFallback(ctx, a.cfg.ReadPolicy(), func(ctx context.Context, t transport) error {
		v, err := t.userUnlockBlock(ctx, addr)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		return false, err
	}
	return !out.IsZero(), nil
}

// CurrentGasPrice satisfies finalizer.GasPriceReader.
func (a *Adapter) CurrentGasPrice(ctx context.Context) (*uint256.Int, error) {
	var out *uint256.Int
	err := a.withFallback(ctx, a.cfg.ReadPolicy(), func(ctx context.Context, t transport) error {
		v, err := t.gasPrice(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// CreateNewTask satisfies finalizer.TaskRegistrar. The aggregator fee
// and respond-to-task fee limit are derived from gas_params, not
// configured directly: fee_for_aggregator = gas_price * multiplier /
// divider, and the respond limit scales that by its own
// multiplier/divider pair. No aggregator gas amount enters the product.
func (a *Adapter) CreateNewTask(ctx context.Context, root [32]byte, dataPointer string, paddedLeaves [][32]byte, signatures [][]byte, fees []*uint256.Int, gasParams finalizer.GasParams) error {
	if gasParams.GasPrice == nil {
		return fmt.Errorf("settlement: CreateNewTask requires a non-nil gas price")
	}
	feeForAggregator := new(uint256.Int).Mul(gasParams.GasPrice, uint256.NewInt(a.cfg.DefaultAggregatorFeeMultiplier))
	feeForAggregator = feeForAggregator.Div(feeForAggregator, uint256.NewInt(a.cfg.AggregatorFeeDivider))

	respondLimit := new(uint256.Int).Mul(feeForAggregator, uint256.NewInt(a.cfg.RespondToTaskFeeLimitMultiplier))
	respondLimit = respondLimit.Div(respondLimit, uint256.NewInt(a.cfg.RespondToTaskFeeLimitDivider))

	req := createNewTaskRequest{
		Root:                  root,
		DataPointer:           dataPointer,
		PaddedLeaves:          paddedLeaves,
		Signatures:            signatures,
		Fees:                  fees,
		GasPrice:              gasParams.GasPrice,
		FeeForAggregator:      feeForAggregator,
		RespondToTaskFeeLimit: respondLimit,
	}

	return a.withFallback(ctx, a.cfg.SubmitPolicy(), func(ctx context.Context, t transport) error {
		return t.createNewTask(ctx, req)
	})
}

// BumpedGasPrice implements §4.G's cancellation-path gas bump formula:
// base_multiplier + step*iteration, over a fixed percentage divider,
// applied to max(previousGasPrice, currentGasPrice). It only computes
// the price; the adapter does not itself detect a stuck submission or
// send a replacing self-transfer, and nothing in the gateway calls this
// outside its tests. The formula is generalized from
// txpool/price_bumper.go's urgent-tier base-fee multiplier and
// txpool/price_oracle.go's percentile margin, both of which scale a
// base value by a multiplier/divider pair rather than a flat bump.
func (a *Adapter) BumpedGasPrice(previousGasPrice, currentGasPrice *uint256.Int, iteration uint64) *uint256.Int {
	base := previousGasPrice
	if base == nil || currentGasPrice.Cmp(base) > 0 {
		base = currentGasPrice
	}
	multiplier := a.cfg.OverrideGasMultiplierBase + a.cfg.GasPriceIncrementStep*iteration
	bumped := new(uint256.Int).Mul(base, uint256.NewInt(multiplier))
	return bumped.Div(bumped, uint256.NewInt(config.DefaultPercentageDivider))
}
