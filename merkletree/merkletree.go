// Package merkletree implements the commitment and batch-Merkle-tree
// machinery of §4.A: hashing a verification request's public fields
// into a Commitment, building a binary Merkle tree over a batch's
// leaves, and producing per-leaf inclusion paths.
//
// The tree is represented as a flat array indexed by generalized
// index (root at 1, children of node i at 2i/2i+1), the same
// convention the teacher's beacon-chain Merkle multi-proof code uses
// for SSZ proofs (crypto/merkle_multi_proof.go) — generalized here
// from a zero-filled tree to the spec's repeat-last padding policy
// and from SSZ leaves to VerificationCommitments.
package merkletree

import (
	"errors"

	"golang.org/x/crypto/sha3"

	"github.com/eth2030/proofgateway/types"
)

// Domain-separation prefixes, so that commit(proof), commit(public_input)
// and commit(system||vk) can never collide even on identical byte
// strings. Mirrors the teacher's convention of hashing distinguishable
// structures rather than raw concatenation.
var (
	domainProof       = []byte("proofgateway/commit/proof\x00")
	domainPublicInput = []byte("proofgateway/commit/public_input\x00")
	domainSystemVK    = []byte("proofgateway/commit/system_vk\x00")
	domainLeaf        = []byte("proofgateway/merkle/leaf\x00")
	domainNode        = []byte("proofgateway/merkle/node\x00")
)

// Keccak256 hashes data with domain-separated Keccak-256, the same
// primitive go-ethereum uses throughout, invoked directly here (rather
// than through crypto.Keccak256) so the commitment scheme has no
// dependency on go-ethereum's transaction/account types.
func keccak256(chunks ...[]byte) [32]byte {
	h := sha3.NewLegacyKeccak256()
	for _, c := range chunks {
		h.Write(c)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// CommitRequest computes the four domain-separated hashes for a
// verification request, §3/§4.A. Pure and deterministic: identical
// requests always yield byte-identical commitments (invariant 5).
func CommitRequest(req types.VerificationRequest) types.Commitment {
	var sysID [1]byte
	sysID[0] = byte(req.ProvingSystemID)

	return types.Commitment{
		ProofCommitment:       keccak256(domainProof, req.Proof),
		PublicInputCommitment: keccak256(domainPublicInput, req.PublicInput),
		SystemCommitment:      keccak256(domainSystemVK, sysID[:], req.VerificationKey),
		ProofGeneratorAddress: req.ProofGeneratorAddress,
	}
}

// LeafHash concatenates a commitment's four sub-commitments in a fixed
// order and hashes the result, §4.A.
func LeafHash(c types.Commitment) [32]byte {
	return keccak256(domainLeaf,
		c.ProofCommitment[:],
		c.PublicInputCommitment[:],
		c.SystemCommitment[:],
		c.ProofGeneratorAddress.Bytes(),
	)
}

func hashPair(left, right [32]byte) [32]byte {
	return keccak256(domainNode, left[:], right[:])
}

// PadToPowerOfTwo repeats the last leaf until the slice length is a
// power of two, invariant 6. A nil/empty input is returned unchanged
// (callers must reject empty batches before building a tree, §4.A).
func PadToPowerOfTwo(leaves [][32]byte) [][32]byte {
	n := len(leaves)
	if n == 0 {
		return leaves
	}
	size := 1
	for size < n {
		size *= 2
	}
	if size == n {
		return leaves
	}
	padded := make([][32]byte, size)
	copy(padded, leaves)
	last := leaves[n-1]
	for i := n; i < size; i++ {
		padded[i] = last
	}
	return padded
}

// ErrEmptyLeafSet is returned by Build when given no leaves.
var ErrEmptyLeafSet = errors.New("merkletree: cannot build a tree over zero leaves")

// Tree is a binary Merkle tree over a padded leaf set, flat-indexed by
// generalized index the way crypto/merkle_multi_proof.go represents
// SSZ trees: tree[1] is the root, tree[2i]/tree[2i+1] are node i's
// children, leaves occupy the back half of the array.
type Tree struct {
	nodes [][32]byte // generalized-index array, len = 2*size
	size  int        // number of leaf slots (power of two)
}

// Build constructs a Tree over leaves, which must already be padded to
// a power of two (see PadToPowerOfTwo). Returns ErrEmptyLeafSet for an
// empty input.
func Build(paddedLeaves [][32]byte) (*Tree, error) {
	n := len(paddedLeaves)
	if n == 0 {
		return nil, ErrEmptyLeafSet
	}
	if n&(n-1) != 0 {
		return nil, errors.New("merkletree: leaf count is not a power of two")
	}

	nodes := make([][32]byte, 2*n)
	copy(nodes[n:], paddedLeaves)
	for i := n - 1; i >= 1; i-- {
		nodes[i] = hashPair(nodes[2*i], nodes[2*i+1])
	}
	return &Tree{nodes: nodes, size: n}, nil
}

// Root returns the tree's root hash.
func (t *Tree) Root() [32]byte {
	if t == nil || len(t.nodes) < 2 {
		return [32]byte{}
	}
	return t.nodes[1]
}

// Len returns the number of (padded) leaves in the tree.
func (t *Tree) Len() int { return t.size }

// Path returns the authentication path for leaf index i: the sibling
// hash at every level from the leaf up to (but excluding) the root,
// ordered leaf-to-root. Verifying against Root() means repeatedly
// hashing the running value with each path entry, left/right
// determined by the bit of i at that level.
func (t *Tree) Path(i int) ([][32]byte, error) {
	if t == nil || i < 0 || i >= t.size {
		return nil, errors.New("merkletree: leaf index out of range")
	}
	gi := uint64(t.size + i)
	var path [][32]byte
	for gi > 1 {
		sibling := gi ^ 1
		path = append(path, t.nodes[sibling])
		gi /= 2
	}
	return path, nil
}

// VerifyPath reconstructs a root from a leaf hash, its index, and an
// authentication path, and reports whether it matches root.
func VerifyPath(root [32]byte, leaf [32]byte, index int, path [][32]byte) bool {
	cur := leaf
	idx := index
	for _, sibling := range path {
		if idx%2 == 0 {
			cur = hashPair(cur, sibling)
		} else {
			cur = hashPair(sibling, cur)
		}
		idx /= 2
	}
	return cur == root
}
