package main

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// merkleHash is the fast Merkle tree node function: a single SHA-256
// compression over the 64-byte concatenation of the children, with no
// padding and no length block. Used by the Merkle map and the share MMR.
func merkleHash(left, right chainhash.Hash) chainhash.Hash {
	var block [64]byte
	copy(block[:32], left[:])
	copy(block[32:], right[:])
	state := sha256IV
	sha256Compress(&state, block[:])
	var out chainhash.Hash
	for i, v := range state {
		out[i*4] = byte(v >> 24)
		out[i*4+1] = byte(v >> 16)
		out[i*4+2] = byte(v >> 8)
		out[i*4+3] = byte(v)
	}
	return out
}

// hashNodes is the classic Bitcoin interior node: double SHA-256 over the
// concatenated children.
func hashNodes(left, right chainhash.Hash) chainhash.Hash {
	var buf [64]byte
	copy(buf[:32], left[:])
	copy(buf[32:], right[:])
	return doubleSHA256(buf[:])
}

func blockTxLeaves(block *wire.MsgBlock) []chainhash.Hash {
	leaves := make([]chainhash.Hash, 0, len(block.Transactions))
	for _, tx := range block.Transactions {
		leaves = append(leaves, tx.TxHash())
	}
	return leaves
}

// merkleRoot computes the Bitcoin transaction tree root, pairing an odd
// trailing node with itself at each level.
func merkleRoot(leaves []chainhash.Hash) chainhash.Hash {
	if len(leaves) == 0 {
		return chainhash.Hash{}
	}
	level := append([]chainhash.Hash(nil), leaves...)
	for len(level) > 1 {
		next := level[:0]
		for i := 0; i < len(level); i += 2 {
			j := i + 1
			if j == len(level) {
				j = i
			}
			next = append(next, hashNodes(level[i], level[j]))
		}
		level = next
	}
	return level[0]
}

func blockMerkleRoot(block *wire.MsgBlock) chainhash.Hash {
	return merkleRoot(blockTxLeaves(block))
}

// merkleBranch returns the sibling hashes proving leaves[position] up to the
// root, bottom first.
func merkleBranch(leaves []chainhash.Hash, position uint32) []chainhash.Hash {
	var branch []chainhash.Hash
	level := append([]chainhash.Hash(nil), leaves...)
	pos := position
	for len(level) > 1 {
		sib := pos ^ 1
		if sib >= uint32(len(level)) {
			sib = pos
		}
		branch = append(branch, level[sib])
		next := level[:0]
		for i := 0; i < len(level); i += 2 {
			j := i + 1
			if j == len(level) {
				j = i
			}
			next = append(next, hashNodes(level[i], level[j]))
		}
		level = next
		pos >>= 1
	}
	return branch
}

func blockMerkleBranch(block *wire.MsgBlock, position uint32) []chainhash.Hash {
	return merkleBranch(blockTxLeaves(block), position)
}

// merkleRootFromBranch lifts a leaf through its branch. The position selects
// which side the leaf occupies at each level.
func merkleRootFromBranch(leaf chainhash.Hash, branch []chainhash.Hash, position uint32) chainhash.Hash {
	hash := leaf
	for _, sibling := range branch {
		if position&1 == 1 {
			hash = hashNodes(sibling, hash)
		} else {
			hash = hashNodes(hash, sibling)
		}
		position >>= 1
	}
	return hash
}

// stableMerkleBranch proves leaves[position] while omitting the levels where
// the node is paired with its own duplicate, so the proof does not change
// when the duplication pattern does. Returns the branch and the path bits
// for the levels that remain.
func stableMerkleBranch(leaves []chainhash.Hash, position uint32) ([]chainhash.Hash, uint32) {
	var branch []chainhash.Hash
	var path uint32
	var bit uint32 = 1
	level := append([]chainhash.Hash(nil), leaves...)
	pos := position
	for len(level) > 1 {
		sib := pos ^ 1
		if sib < uint32(len(level)) {
			branch = append(branch, level[sib])
			if pos&1 == 1 {
				path |= bit
			}
			bit <<= 1
		}
		next := level[:0]
		for i := 0; i < len(level); i += 2 {
			j := i + 1
			if j == len(level) {
				j = i
			}
			next = append(next, hashNodes(level[i], level[j]))
		}
		level = next
		pos >>= 1
	}
	return branch, path
}

// stableMerkleRootFromBranch reverses stableMerkleBranch for a proof of the
// final leaf of a tree with the given leaf count.
func stableMerkleRootFromBranch(leaf chainhash.Hash, branch []chainhash.Hash, numLeaves uint32) chainhash.Hash {
	if numLeaves == 0 {
		return chainhash.Hash{}
	}
	hash := leaf
	pos := numLeaves - 1
	size := numLeaves
	idx := 0
	for size > 1 {
		sib := pos ^ 1
		if sib < size {
			if idx >= len(branch) {
				return chainhash.Hash{}
			}
			if pos&1 == 1 {
				hash = hashNodes(branch[idx], hash)
			} else {
				hash = hashNodes(hash, branch[idx])
			}
			idx++
		} else {
			hash = hashNodes(hash, hash)
		}
		pos >>= 1
		size = (size + 1) / 2
	}
	return hash
}

// merkleMapBranchNode is one level of a Merkle map proof: the number of key
// bits skipped before this level, then the sibling hash.
type merkleMapBranchNode struct {
	Skip    uint8
	Sibling chainhash.Hash
}

func mapKeyBit(key *chainhash.Hash, bit uint32) bool {
	return key[bit/8]>>(bit%8)&1 == 1
}

// merkleMapRootFromBranch lifts a value through a Merkle map proof. Key bits
// are consumed least-significant first, from the leaf upward; skipped bits
// denote levels collapsed because the subtree held a single entry. A proof
// that would consume more than 256 key bits is malformed and reported via
// invalid.
func merkleMapRootFromBranch(value chainhash.Hash, branch []merkleMapBranchNode, key chainhash.Hash, invalid *bool) chainhash.Hash {
	if invalid != nil {
		*invalid = false
	}
	hash := value
	var bitsUsed uint32
	for _, node := range branch {
		bitsUsed += uint32(node.Skip)
		if bitsUsed >= 256 {
			if invalid != nil {
				*invalid = true
			}
			return hash
		}
		if mapKeyBit(&key, bitsUsed) {
			hash = merkleHash(node.Sibling, hash)
		} else {
			hash = merkleHash(hash, node.Sibling)
		}
		bitsUsed++
	}
	return hash
}

// MmrAccumulator is an append-only Merkle mountain range over share hashes.
// Only the peaks are retained; the root is the right fold of the peaks with
// the fast Merkle node function.
type MmrAccumulator struct {
	leafCount uint64
	peaks     []chainhash.Hash
}

func (m *MmrAccumulator) Empty() bool {
	return m.leafCount == 0
}

func (m *MmrAccumulator) Size() uint64 {
	return m.leafCount
}

func (m *MmrAccumulator) Append(leaf chainhash.Hash) {
	m.peaks = append(m.peaks, leaf)
	m.leafCount++
	// A new peak merges with its left neighbor once for every trailing zero
	// bit of the new leaf count, mirroring binary carry propagation.
	for n := m.leafCount; n&1 == 0; n >>= 1 {
		last := len(m.peaks) - 1
		m.peaks[last-1] = merkleHash(m.peaks[last-1], m.peaks[last])
		m.peaks = m.peaks[:last]
	}
}

func (m *MmrAccumulator) GetHash() chainhash.Hash {
	if len(m.peaks) == 0 {
		return chainhash.Hash{}
	}
	hash := m.peaks[len(m.peaks)-1]
	for i := len(m.peaks) - 2; i >= 0; i-- {
		hash = merkleHash(m.peaks[i], hash)
	}
	return hash
}

func (m *MmrAccumulator) serialize(dst []byte) []byte {
	dst = appendSerVarInt(dst, m.leafCount)
	for _, peak := range m.peaks {
		dst = append(dst, peak[:]...)
	}
	return dst
}

func (m *MmrAccumulator) deserialize(raw []byte) (int, error) {
	count, n, err := readSerVarInt(raw)
	if err != nil {
		return 0, err
	}
	npeaks := popcount64(count)
	if len(raw) < n+32*npeaks {
		return 0, errTruncatedShare
	}
	m.leafCount = count
	m.peaks = make([]chainhash.Hash, npeaks)
	for i := range m.peaks {
		copy(m.peaks[i][:], raw[n+32*i:])
	}
	return n + 32*npeaks, nil
}

func popcount64(v uint64) int {
	n := 0
	for ; v != 0; v &= v - 1 {
		n++
	}
	return n
}
