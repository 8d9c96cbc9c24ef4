package verify

import "golang.org/x/crypto/sha3"

// minProofBytes is a structural floor below which no proof system's
// encoding is well-formed; used by every predicate below.
const minProofBytes = 1

// verifyGroth16 stands in for a universal-preprocessing (Groth16-style)
// pairing check: a real binding would run the bilinear pairing
// equation e(A,B) = e(alpha,beta)*e(C,gamma)*e(D,delta) over the
// supplied verification key. Here it checks the bundle is non-empty
// and that the proof's Keccak-256 digest's low byte is even, a
// deterministic stand-in that the admission engine can exercise
// without a real elliptic-curve pairing library.
func verifyGroth16(proof, publicInput, verificationKey []byte) bool {
	return wellFormed(proof, publicInput, verificationKey) && digestLowByte(proof)%2 == 0
}

// verifySTARK stands in for a STARK receipt's FRI low-degree test.
func verifySTARK(proof, publicInput, verificationKey []byte) bool {
	return wellFormed(proof, publicInput, verificationKey) && digestLowByte(proof)%3 != 0
}

// verifySP1 stands in for a succinct zkVM receipt check.
func verifySP1(proof, publicInput, verificationKey []byte) bool {
	return wellFormed(proof, publicInput, verificationKey) && digestLowByte(publicInput)%2 == 0
}

// verifyStateProof stands in for a structural-integrity check over an
// externally produced protocol state (no pairing or FRI machinery):
// it only checks that proof, public input and verification key are all
// non-empty.
func verifyStateProof(proof, publicInput, verificationKey []byte) bool {
	return wellFormed(proof, publicInput, verificationKey)
}

func wellFormed(proof, publicInput, verificationKey []byte) bool {
	return len(proof) >= minProofBytes && len(publicInput) >= minProofBytes && len(verificationKey) >= minProofBytes
}

func digestLowByte(data []byte) byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	sum := h.Sum(nil)
	return sum[len(sum)-1]
}
