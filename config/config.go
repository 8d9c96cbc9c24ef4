// Package config loads and validates the proof-batching gateway's
// configuration. Loading is an external collaborator per spec: the core
// packages (admission, batchqueue, finalizer, settlement) accept an
// already-populated Config value and never read the filesystem or
// environment themselves.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/holiman/uint256"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Default fee constants, grounded in the original batcher's
// core/constants.rs: these are the values the distilled spec leaves as
// "enumerated; recognized options" without assigning numbers.
const (
	DefaultAggregatorFeeMultiplier       = 150
	DefaultAggregatorFeeDivider          = 100
	DefaultRespondToTaskFeeLimitMultiplier = 250
	DefaultRespondToTaskFeeLimitDivider     = 100
	DefaultGasPricePercentageMultiplier  = 110
	DefaultPercentageDivider             = 100
)

// NonPayingConfig describes the single whitelisted sender allowed to
// submit at max_fee = 0, bypassing the minimum-fee and balance checks
// (§4.D steps 7 and 9; original lib.rs whitelist). ReplacementSigningKey
// and ReplacementAddr are loaded and validated but not used by admission.
type NonPayingConfig struct {
	SenderAddr            string `yaml:"sender_addr"`
	ReplacementSigningKey  string `yaml:"replacement_signing_key"`
	ReplacementAddr        string `yaml:"replacement_addr"`
}

// Config holds every recognized gateway option (spec.md §6).
type Config struct {
	ChainID          uint64 `yaml:"chain_id"`
	MaxProofSize     int    `yaml:"max_proof_size"`
	MaxBatchSize     int    `yaml:"max_batch_size"`
	MinBatchLen      int    `yaml:"min_batch_len"`
	MaxBlockInterval uint64 `yaml:"max_block_interval"`

	PreVerificationEnabled bool `yaml:"pre_verification_enabled"`

	MinFeePerProofWei string `yaml:"min_fee_per_proof"`

	DefaultAggregatorFeeMultiplier        uint64 `yaml:"default_aggregator_fee_multiplier"`
	AggregatorFeeDivider                  uint64 `yaml:"aggregator_fee_divider"`
	RespondToTaskFeeLimitMultiplier       uint64 `yaml:"respond_to_task_fee_limit_multiplier"`
	RespondToTaskFeeLimitDivider          uint64 `yaml:"respond_to_task_fee_limit_divider"`
	OverrideGasMultiplierBase             uint64 `yaml:"override_gas_multiplier_base"`
	GasPriceIncrementStep                 uint64 `yaml:"gas_price_increment_step"`

	TransactionWaitTimeoutSeconds int `yaml:"transaction_wait_timeout_seconds"`

	MaxRetries      int `yaml:"max_retries"`
	MinRetryDelayMS int `yaml:"min_retry_delay_ms"`
	MaxRetryDelayMS int `yaml:"max_retry_delay_ms"`
	BackoffFactor   int `yaml:"backoff_factor"`

	ListenAddr string `yaml:"listen_addr"`
	AdminAddr  string `yaml:"admin_addr"`
	JWTSecret  string `yaml:"jwt_secret"`

	// External collaborator endpoints; these are operational wiring,
	// not part of spec.md's enumerated business-logic config keys.
	SettlementPrimaryAddr  string `yaml:"settlement_primary_addr"`
	SettlementFallbackAddr string `yaml:"settlement_fallback_addr"`
	ObjectStoreAddr        string `yaml:"object_store_addr"`
	ChainRPCPrimary        string `yaml:"chain_rpc_primary"`
	ChainRPCFallback       string `yaml:"chain_rpc_fallback"`
	BlockPollInterval      int    `yaml:"block_poll_interval_ms"`

	NonPaying *NonPayingConfig `yaml:"non_paying"`

	// MinFeePerProof is parsed from MinFeePerProofWei during Validate.
	MinFeePerProof *uint256.Int `yaml:"-"`
}

// Default returns a Config carrying the defaults this project adopts
// from the original batcher's fee constants (SPEC_FULL §C.1).
func Default() Config {
	return Config{
		ChainID:                          1,
		MaxProofSize:                     2 * 1024 * 1024,
		MaxBatchSize:                     16 * 1024 * 1024,
		MinBatchLen:                      2,
		MaxBlockInterval:                 10,
		PreVerificationEnabled:           true,
		MinFeePerProofWei:                "1",
		DefaultAggregatorFeeMultiplier:   DefaultAggregatorFeeMultiplier,
		AggregatorFeeDivider:             DefaultAggregatorFeeDivider,
		RespondToTaskFeeLimitMultiplier:  DefaultRespondToTaskFeeLimitMultiplier,
		RespondToTaskFeeLimitDivider:     DefaultRespondToTaskFeeLimitDivider,
		OverrideGasMultiplierBase:        DefaultGasPricePercentageMultiplier,
		GasPriceIncrementStep:            10,
		TransactionWaitTimeoutSeconds:    180,
		MaxRetries:                       5,
		MinRetryDelayMS:                  200,
		MaxRetryDelayMS:                  30_000,
		BackoffFactor:                    2,
		ListenAddr:                       ":8443",
		AdminAddr:                        ":8444",
		SettlementPrimaryAddr:            "localhost:9090",
		SettlementFallbackAddr:           "localhost:9091",
		ObjectStoreAddr:                  "localhost:6379",
		ChainRPCPrimary:                  "http://localhost:8545",
		ChainRPCFallback:                 "http://localhost:8546",
		BlockPollInterval:                4_000,
	}
}

// Load reads a YAML config file at path, overlays any `.env` file in
// the current working directory (via godotenv) onto the process
// environment, then
// validates the result. The `.env` overlay only populates JWTSecret and
// NonPaying.ReplacementSigningKey today, since those are the two fields
// operators are expected to keep out of the checked-in YAML.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	_ = godotenv.Load() // missing .env is not an error; overrides are optional

	if v := os.Getenv("GATEWAY_JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("GATEWAY_NON_PAYING_SIGNING_KEY"); v != "" && cfg.NonPaying != nil {
		cfg.NonPaying.ReplacementSigningKey = v
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks Config for internal consistency and parses
// MinFeePerProofWei into MinFeePerProof.
func (c *Config) Validate() error {
	if c.ChainID == 0 {
		return errors.New("config: chain_id must be positive")
	}
	if c.MaxProofSize <= 0 {
		return errors.New("config: max_proof_size must be positive")
	}
	if c.MaxBatchSize <= 0 {
		return errors.New("config: max_batch_size must be positive")
	}
	if c.MinBatchLen < 2 {
		return errors.New("config: min_batch_len must be at least 2 (singleton batches are disallowed)")
	}
	if c.MaxBlockInterval == 0 {
		return errors.New("config: max_block_interval must be positive")
	}
	if c.AggregatorFeeDivider == 0 || c.RespondToTaskFeeLimitDivider == 0 {
		return errors.New("config: fee dividers must be nonzero")
	}
	if c.MaxRetries <= 0 {
		return errors.New("config: max_retries must be positive")
	}
	if c.MinRetryDelayMS <= 0 || c.MaxRetryDelayMS < c.MinRetryDelayMS {
		return errors.New("config: retry delay bounds are invalid")
	}
	if c.BackoffFactor < 1 {
		return errors.New("config: backoff_factor must be at least 1")
	}
	if c.BlockPollInterval <= 0 {
		return errors.New("config: block_poll_interval_ms must be positive")
	}

	fee, err := parseFeeWei(c.MinFeePerProofWei)
	if err != nil {
		return fmt.Errorf("config: invalid min_fee_per_proof: %w", err)
	}
	if fee.IsZero() {
		return errors.New("config: min_fee_per_proof must be nonzero")
	}
	c.MinFeePerProof = fee

	if c.NonPaying != nil {
		if c.NonPaying.SenderAddr == "" || c.NonPaying.ReplacementAddr == "" {
			return errors.New("config: non_paying requires sender_addr and replacement_addr")
		}
	}
	return nil
}

// parseFeeWei accepts either a "0x"-prefixed hex literal or a plain
// decimal string, matching how operators are likely to write a wei
// amount in YAML.
func parseFeeWei(s string) (*uint256.Int, error) {
	if len(s) >= 2 && (s[0:2] == "0x" || s[0:2] == "0X") {
		return uint256.FromHex(s)
	}
	return uint256.FromDecimal(s)
}

// ReadPolicy and SubmitPolicy split the original batcher's single retry
// concept (spec.md §4.G) into the two distinct exponential-backoff
// shapes the original source actually uses (SPEC_FULL §C.2): short
// bounded retries for RPC reads, and a long-running bump sequence for
// stuck submissions.
type RetryPolicy struct {
	MaxRetries int
	MinDelayMS int
	MaxDelayMS int
	Factor     int
}

// ReadPolicy returns the retry policy for settlement read calls
// (UserNonce, UserBalance, UserUnlockBlock, gas price).
func (c Config) ReadPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: c.MaxRetries,
		MinDelayMS: c.MinRetryDelayMS,
		MaxDelayMS: c.MaxRetryDelayMS,
		Factor:     c.BackoffFactor,
	}
}

// SubmitPolicy returns the retry policy governing CreateNewTask
// submission and gas-price bump iterations; it allows substantially
// more attempts than ReadPolicy, mirroring the original's BUMP_* vs.
// ETHEREUM_CALL_* constant split.
func (c Config) SubmitPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: c.MaxRetries * 6,
		MinDelayMS: c.MinRetryDelayMS * 5,
		MaxDelayMS: c.MaxRetryDelayMS,
		Factor:     c.BackoffFactor,
	}
}
