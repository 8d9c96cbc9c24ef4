package types

import (
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

// ReplyCode enumerates every outcome the Admission Engine or Finalizer
// can send back to a client connection, §4.D / §4.E.
type ReplyCode uint8

const (
	ReplyValid ReplyCode = iota
	ReplyInvalidChainId
	ReplyInvalidSignature
	ReplyInsufficientBalance
	ReplyProofTooLarge
	ReplyInvalidProof
	ReplyInvalidMaxFee
	ReplyInvalidNonce
	ReplyInvalidReplacementMessage
	ReplyCreateNewTaskError
	ReplyBatchInclusionData
)

// String returns a human-readable reply name, used in logging.
func (c ReplyCode) String() string {
	switch c {
	case ReplyValid:
		return "Valid"
	case ReplyInvalidChainId:
		return "InvalidChainId"
	case ReplyInvalidSignature:
		return "InvalidSignature"
	case ReplyInsufficientBalance:
		return "InsufficientBalance"
	case ReplyProofTooLarge:
		return "ProofTooLarge"
	case ReplyInvalidProof:
		return "InvalidProof"
	case ReplyInvalidMaxFee:
		return "InvalidMaxFee"
	case ReplyInvalidNonce:
		return "InvalidNonce"
	case ReplyInvalidReplacementMessage:
		return "InvalidReplacementMessage"
	case ReplyCreateNewTaskError:
		return "CreateNewTaskError"
	case ReplyBatchInclusionData:
		return "BatchInclusionData"
	default:
		return "unknown"
	}
}

// Reply is the single outbound message shape the Admission Engine and
// Finalizer produce; only the fields relevant to Code are populated.
type Reply struct {
	Code ReplyCode

	// Populated for ReplyCreateNewTaskError and ReplyBatchInclusionData.
	Root [32]byte

	// Populated for ReplyBatchInclusionData only, §4.E step 9.
	BatchIndex  uint64
	MerklePath  [][32]byte
	SenderNonce *uint256.Int
}

// rlpReply is Reply's wire form, §4.F ("responses are serialized with
// a canonical deterministic binary encoding"). SenderNonce is encoded
// as a fixed-width field like every other 256-bit value on the wire
// (types/encoding.go); it is simply zero for reply codes that don't
// use it.
type rlpReply struct {
	Code        uint8
	Root        [32]byte
	BatchIndex  uint64
	MerklePath  [][32]byte
	SenderNonce [32]byte
}

// EncodeReply returns the canonical wire encoding of a Reply.
func EncodeReply(r Reply) ([]byte, error) {
	var nonce [32]byte
	if r.SenderNonce != nil {
		nonce = r.SenderNonce.Bytes32()
	}
	return rlp.EncodeToBytes(rlpReply{
		Code:        uint8(r.Code),
		Root:        r.Root,
		BatchIndex:  r.BatchIndex,
		MerklePath:  r.MerklePath,
		SenderNonce: nonce,
	})
}

// DecodeReply parses a wire frame into a Reply (used by clients and by
// tests that exercise the wire format end to end).
func DecodeReply(raw []byte) (Reply, error) {
	var w rlpReply
	if err := rlp.DecodeBytes(raw, &w); err != nil {
		return Reply{}, err
	}
	return Reply{
		Code:        ReplyCode(w.Code),
		Root:        w.Root,
		BatchIndex:  w.BatchIndex,
		MerklePath:  w.MerklePath,
		SenderNonce: new(uint256.Int).SetBytes(w.SenderNonce[:]),
	}, nil
}
