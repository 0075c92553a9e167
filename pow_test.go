package main

import (
	"math"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

func TestCompactToBigDiff1(t *testing.T) {
	target := compactToBig(0x1d00ffff)
	if target.Cmp(diff1Target) != 0 {
		t.Fatalf("compactToBig(1d00ffff) = %x; want diff1 target", target)
	}
}

func TestDifficultyFromBits(t *testing.T) {
	if diff := difficultyFromBits(0x1d00ffff); math.Abs(diff-1.0) > 1e-9 {
		t.Fatalf("difficulty at 1d00ffff = %v; want 1.0", diff)
	}
	if diff := difficultyFromBits(0x1c00ffff); math.Abs(diff-256.0) > 1e-6 {
		t.Fatalf("difficulty at 1c00ffff = %v; want 256", diff)
	}
	if difficultyFromBits(0) != 0 {
		t.Fatal("zero bits should yield zero difficulty")
	}
}

func TestCheckProofOfWorkBoundary(t *testing.T) {
	bits := uint32(0x200000ff)
	target := compactToBig(bits)

	// A hash exactly at the target passes.
	var at chainhash.Hash
	copy(at[:], reverseBytes(target.FillBytes(make([]byte, 32))))
	if !checkProofOfWork(at, bits, 0) {
		t.Fatal("hash equal to target rejected")
	}

	// One above the target fails.
	over := new(chainhash.Hash)
	copy(over[:], at[:])
	over[0]++
	if checkProofOfWork(*over, bits, 0) {
		t.Fatal("hash above target accepted")
	}

	// Bias widens the target enough to accept it again.
	if !checkProofOfWork(*over, bits, 1) {
		t.Fatal("bias did not widen the target")
	}
}

func TestCheckProofOfWorkZeroTarget(t *testing.T) {
	if checkProofOfWork(hashFromByte(0), 0, 0) {
		t.Fatal("zero target should reject everything")
	}
}

func TestClampDifficulty(t *testing.T) {
	client := &StratumClient{}
	if got := clampDifficulty(client, 5.0); got != 5.0 {
		t.Fatalf("no override: %v", got)
	}
	if got := clampDifficulty(client, 0.0000001); got != minimumDifficulty {
		t.Fatalf("floor not applied: %v", got)
	}
	client.minDiff = 64
	if got := clampDifficulty(client, 5.0); got != 64 {
		t.Fatalf("mindiff override not applied: %v", got)
	}
	client.minDiff = 0.00001
	if got := clampDifficulty(client, 5.0); got != minimumDifficulty {
		t.Fatalf("mindiff below floor should clamp to the floor: %v", got)
	}
}
