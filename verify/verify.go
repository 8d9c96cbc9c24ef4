// Package verify implements the Pre-Verification Dispatcher, §4.H: one
// predicate per proving-system variant, each a pure function over the
// proof/public-input/verification-key bytes that never raises — a
// failed or unsupported check simply returns false.
package verify

import "github.com/eth2030/proofgateway/types"

// Predicate is a single proving system's verification function,
// grounded on the per-system module shape of the original batcher
// (sp1/mod.rs, risc_zero/mod.rs, halo2/ipa/mod.rs, mina/mod.rs: one
// file per ProvingSystemID, each exposing a single verify entry point).
type Predicate func(proof, publicInput, verificationKey []byte) bool

// Dispatcher routes a verification request to the predicate registered
// for its ProvingSystemID. Predicates are injectable fields rather than
// a fixed switch, so a real verifier binding can be supplied per system
// without touching the Admission Engine.
type Dispatcher struct {
	Groth16    Predicate
	STARK      Predicate
	SP1        Predicate
	StateProof Predicate
}

// New returns a Dispatcher wired with the deterministic stub predicates
// in this package. Each one is a structural sanity check standing in
// for a real proof-system binding (pairing check, FRI verification,
// zkVM receipt check, or state-transition check, respectively).
func New() *Dispatcher {
	return &Dispatcher{
		Groth16:    verifyGroth16,
		STARK:      verifySTARK,
		SP1:        verifySP1,
		StateProof: verifyStateProof,
	}
}

// Verify satisfies admission.Verifier's function signature.
func (d *Dispatcher) Verify(systemID types.ProvingSystemID, proof, publicInput, verificationKey []byte) bool {
	switch systemID {
	case types.ProvingSystemGroth16:
		return call(d.Groth16, proof, publicInput, verificationKey)
	case types.ProvingSystemSTARK:
		return call(d.STARK, proof, publicInput, verificationKey)
	case types.ProvingSystemSP1:
		return call(d.SP1, proof, publicInput, verificationKey)
	case types.ProvingSystemStateProof:
		return call(d.StateProof, proof, publicInput, verificationKey)
	default:
		return false
	}
}

func call(p Predicate, proof, publicInput, verificationKey []byte) bool {
	if p == nil {
		return false
	}
	return p(proof, publicInput, verificationKey)
}
