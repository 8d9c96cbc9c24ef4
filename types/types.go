// Package types holds the wire- and queue-level value types shared by
// every component of the proof-batching gateway: the verification
// request submitted by clients, the nonced/signed envelope around it,
// and the four-part commitment that actually enters a batch.
package types

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ProvingSystemID tags which proof system a VerificationRequest targets.
type ProvingSystemID uint8

const (
	ProvingSystemUnknown ProvingSystemID = iota
	ProvingSystemGroth16                 // universal preprocessing (Groth16-style) schemes
	ProvingSystemSTARK                   // STARK-based receipts
	ProvingSystemSP1                     // succinct zkVM proofs
	ProvingSystemStateProof               // structural-integrity checks over externally produced protocol states
)

// String returns a human-readable name for the proving system.
func (p ProvingSystemID) String() string {
	switch p {
	case ProvingSystemGroth16:
		return "groth16"
	case ProvingSystemSTARK:
		return "stark"
	case ProvingSystemSP1:
		return "sp1"
	case ProvingSystemStateProof:
		return "state_proof"
	default:
		return "unknown"
	}
}

// VerificationRequest is the client-supplied proof bundle, §3.
type VerificationRequest struct {
	ProvingSystemID       ProvingSystemID
	Proof                 []byte
	PublicInput           []byte
	VerificationKey       []byte
	ProofGeneratorAddress common.Address
}

// NoncedVerificationData is a VerificationRequest plus the fields that
// make it a unit of signing, §3.
type NoncedVerificationData struct {
	Request              VerificationRequest
	Nonce                *uint256.Int
	MaxFee               *uint256.Int
	ChainID              uint64
	PaymentServiceAddress common.Address
}

// ClientMessage is a signed NoncedVerificationData, §3. Signature is a
// 65-byte [R || S || V] ECDSA signature recovering to Sender.
type ClientMessage struct {
	NoncedData NoncedVerificationData
	Signature  []byte
}

// Commitment is the four-tuple that actually enters the Merkle tree; it
// never contains the raw proof, §3.
type Commitment struct {
	ProofCommitment       [32]byte
	PublicInputCommitment [32]byte
	SystemCommitment      [32]byte // commit(proving_system_id || verification_key)
	ProofGeneratorAddress common.Address
}

// MaxUint256 returns the saturated sentinel used for "no entries" in a
// user's min-fee tracking, §9.
func MaxUint256() *uint256.Int {
	return new(uint256.Int).SetAllOne()
}
