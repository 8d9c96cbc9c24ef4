package types

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"
)

// rlpNoncedData is the canonical, self-describing wire form of
// NoncedVerificationData (§3, §6): every variable-length field is
// length-prefixed by RLP, and the 256-bit values are fixed 32-byte
// big-endian arrays so two senders encoding the same logical value
// always produce the same bytes.
type rlpNoncedData struct {
	ProvingSystemID       uint8
	Proof                 []byte
	PublicInput           []byte
	VerificationKey       []byte
	ProofGeneratorAddress [20]byte
	Nonce                 [32]byte
	MaxFee                [32]byte
	ChainID               uint64
	PaymentServiceAddress [20]byte
}

func toRLP(d NoncedVerificationData) rlpNoncedData {
	return rlpNoncedData{
		ProvingSystemID:       uint8(d.Request.ProvingSystemID),
		Proof:                 d.Request.Proof,
		PublicInput:           d.Request.PublicInput,
		VerificationKey:       d.Request.VerificationKey,
		ProofGeneratorAddress: d.Request.ProofGeneratorAddress,
		Nonce:                 d.Nonce.Bytes32(),
		MaxFee:                d.MaxFee.Bytes32(),
		ChainID:               d.ChainID,
		PaymentServiceAddress: d.PaymentServiceAddress,
	}
}

// CanonicalBytes returns the canonical RLP encoding of d, used both as
// the signing preimage (§3: "the signature is over a canonical encoding
// of nonced_data") and as the basis for a queue entry's serialized-size
// accounting (§4.B).
func (d NoncedVerificationData) CanonicalBytes() ([]byte, error) {
	return rlp.EncodeToBytes(toRLP(d))
}

// SigningHash returns the Keccak-256 hash of d's canonical encoding,
// the 32-byte preimage a client message's signature recovers against.
func (d NoncedVerificationData) SigningHash() ([32]byte, error) {
	enc, err := d.CanonicalBytes()
	if err != nil {
		return [32]byte{}, err
	}
	h := sha3.NewLegacyKeccak256()
	h.Write(enc)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

func fromRLP(r rlpNoncedData) NoncedVerificationData {
	return NoncedVerificationData{
		Request: VerificationRequest{
			ProvingSystemID:       ProvingSystemID(r.ProvingSystemID),
			Proof:                 r.Proof,
			PublicInput:           r.PublicInput,
			VerificationKey:       r.VerificationKey,
			ProofGeneratorAddress: common.Address(r.ProofGeneratorAddress),
		},
		Nonce:                 new(uint256.Int).SetBytes(r.Nonce[:]),
		MaxFee:                new(uint256.Int).SetBytes(r.MaxFee[:]),
		ChainID:               r.ChainID,
		PaymentServiceAddress: common.Address(r.PaymentServiceAddress),
	}
}

// rlpClientMessage is ClientMessage's wire form: the nonced data plus
// its trailing signature, RLP-encoded as a single list so a frame
// decodes or fails atomically (§4.D step 1: "if invalid, drop
// silently").
type rlpClientMessage struct {
	Data      rlpNoncedData
	Signature []byte
}

// EncodeClientMessage returns the canonical wire encoding of a signed
// client message (§4.F: "responses are serialized with a canonical
// deterministic binary encoding" — inbound frames use the same codec).
func EncodeClientMessage(m ClientMessage) ([]byte, error) {
	return rlp.EncodeToBytes(rlpClientMessage{
		Data:      toRLP(m.NoncedData),
		Signature: m.Signature,
	})
}

// EncodeBatch serializes a finalized batch's client messages with the
// same canonical codec as a single message, §4.E step 4 ("serialize
// finalized with a deterministic encoding").
func EncodeBatch(msgs []ClientMessage) ([]byte, error) {
	wire := make([]rlpClientMessage, len(msgs))
	for i, m := range msgs {
		wire[i] = rlpClientMessage{Data: toRLP(m.NoncedData), Signature: m.Signature}
	}
	return rlp.EncodeToBytes(wire)
}

// DecodeClientMessage parses a wire frame into a ClientMessage. A
// malformed frame is exactly the "invalid, drop silently" case of
// §4.D step 1; callers should swallow the returned error rather than
// reply with it.
func DecodeClientMessage(raw []byte) (ClientMessage, error) {
	var wire rlpClientMessage
	if err := rlp.DecodeBytes(raw, &wire); err != nil {
		return ClientMessage{}, err
	}
	return ClientMessage{
		NoncedData: fromRLP(wire.Data),
		Signature:  wire.Signature,
	}, nil
}
