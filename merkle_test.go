package main

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

func testLeaves(n int) []chainhash.Hash {
	leaves := make([]chainhash.Hash, n)
	for i := range leaves {
		leaves[i] = doubleSHA256([]byte{byte('a' + i)})
	}
	return leaves
}

func TestMerkleBranchLiftsToRoot(t *testing.T) {
	for n := 1; n <= 9; n++ {
		leaves := testLeaves(n)
		root := merkleRoot(leaves)
		for pos := 0; pos < n; pos++ {
			branch := merkleBranch(leaves, uint32(pos))
			got := merkleRootFromBranch(leaves[pos], branch, uint32(pos))
			if got != root {
				t.Fatalf("n=%d pos=%d: branch lift %v != root %v", n, pos, got, root)
			}
		}
	}
}

func TestStableMerkleBranchLastLeaf(t *testing.T) {
	for n := 1; n <= 12; n++ {
		leaves := testLeaves(n)
		root := merkleRoot(leaves)
		branch, _ := stableMerkleBranch(leaves, uint32(n-1))
		got := stableMerkleRootFromBranch(leaves[n-1], branch, uint32(n))
		if got != root {
			t.Fatalf("n=%d: stable branch lift %v != root %v", n, got, root)
		}
		// Self-paired levels are omitted, so for odd-width levels the stable
		// branch of the last leaf is shorter than the plain branch.
		plain := merkleBranch(leaves, uint32(n-1))
		if len(branch) > len(plain) {
			t.Fatalf("n=%d: stable branch longer than plain branch", n)
		}
	}
}

func TestMerkleMapRootEmptyBranch(t *testing.T) {
	value := doubleSHA256([]byte("value"))
	key := hashFromByte(0x5a)
	invalid := true
	got := merkleMapRootFromBranch(value, nil, key, &invalid)
	if invalid {
		t.Fatal("empty branch reported invalid")
	}
	// With no siblings the proof is the identity: the single map entry is
	// the root.
	if got != value {
		t.Fatalf("empty branch root %v != value %v", got, value)
	}
}

func TestMerkleMapRootFollowsKeyBits(t *testing.T) {
	value := doubleSHA256([]byte("value"))
	sibling := doubleSHA256([]byte("sibling"))

	// Key bit 0 clear: value hashes on the left.
	var key chainhash.Hash
	branch := []merkleMapBranchNode{{Skip: 0, Sibling: sibling}}
	got := merkleMapRootFromBranch(value, branch, key, nil)
	if got != merkleHash(value, sibling) {
		t.Fatal("clear key bit should place value on the left")
	}

	// Key bit 0 set: value hashes on the right.
	key[0] = 0x01
	got = merkleMapRootFromBranch(value, branch, key, nil)
	if got != merkleHash(sibling, value) {
		t.Fatal("set key bit should place value on the right")
	}

	// Skip moves the consumed bit position.
	key = chainhash.Hash{}
	key[0] = 0x08 // bit 3
	branch = []merkleMapBranchNode{{Skip: 3, Sibling: sibling}}
	got = merkleMapRootFromBranch(value, branch, key, nil)
	if got != merkleHash(sibling, value) {
		t.Fatal("skip count should land on key bit 3")
	}
}

func TestMerkleMapRootInvalidPath(t *testing.T) {
	value := doubleSHA256([]byte("value"))
	sibling := doubleSHA256([]byte("sibling"))
	branch := []merkleMapBranchNode{
		{Skip: 255, Sibling: sibling},
		{Skip: 255, Sibling: sibling},
	}
	invalid := false
	merkleMapRootFromBranch(value, branch, chainhash.Hash{}, &invalid)
	if !invalid {
		t.Fatal("over-long key path not reported invalid")
	}
}

func TestMmrAccumulatorRoots(t *testing.T) {
	leaves := testLeaves(9)

	var mmr MmrAccumulator
	if !mmr.Empty() || mmr.GetHash() != (chainhash.Hash{}) {
		t.Fatal("empty accumulator should have the zero root")
	}

	mmr.Append(leaves[0])
	if mmr.GetHash() != leaves[0] {
		t.Fatal("single leaf should pass through")
	}

	mmr.Append(leaves[1])
	ab := merkleHash(leaves[0], leaves[1])
	if mmr.GetHash() != ab {
		t.Fatal("two leaves should combine to one peak")
	}

	mmr.Append(leaves[2])
	if mmr.GetHash() != merkleHash(ab, leaves[2]) {
		t.Fatal("three-leaf root mismatch")
	}

	mmr.Append(leaves[3])
	cd := merkleHash(leaves[2], leaves[3])
	abcd := merkleHash(ab, cd)
	if mmr.GetHash() != abcd {
		t.Fatal("four-leaf root mismatch")
	}

	mmr.Append(leaves[4])
	if mmr.GetHash() != merkleHash(abcd, leaves[4]) {
		t.Fatal("five-leaf root mismatch")
	}

	mmr.Append(leaves[5])
	ef := merkleHash(leaves[4], leaves[5])
	if mmr.GetHash() != merkleHash(abcd, ef) {
		t.Fatal("six-leaf root mismatch")
	}

	mmr.Append(leaves[6])
	efg := merkleHash(ef, leaves[6])
	if mmr.GetHash() != merkleHash(abcd, efg) {
		t.Fatal("seven-leaf root mismatch")
	}

	mmr.Append(leaves[7])
	gh := merkleHash(leaves[6], leaves[7])
	efgh := merkleHash(ef, gh)
	abcdefgh := merkleHash(abcd, efgh)
	if mmr.GetHash() != abcdefgh {
		t.Fatal("eight-leaf root mismatch")
	}

	mmr.Append(leaves[8])
	if mmr.GetHash() != merkleHash(abcdefgh, leaves[8]) {
		t.Fatal("nine-leaf root mismatch")
	}
	if mmr.Size() != 9 {
		t.Fatalf("size = %d; want 9", mmr.Size())
	}
}

func TestMmrSerializationRoundTrip(t *testing.T) {
	var mmr MmrAccumulator
	for _, leaf := range testLeaves(7) {
		mmr.Append(leaf)
	}
	raw := mmr.serialize(nil)

	var got MmrAccumulator
	n, err := got.deserialize(raw)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if n != len(raw) {
		t.Fatalf("consumed %d of %d bytes", n, len(raw))
	}
	if got.Size() != mmr.Size() || got.GetHash() != mmr.GetHash() {
		t.Fatal("round trip changed the accumulator")
	}
}
