package main

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/wire"
)

func TestUpdateBlockFinalTransaction(t *testing.T) {
	bf := blockFinalTx()
	root := hashFromByte(0x99)

	if !updateBlockFinalTransaction(bf, root) {
		t.Fatal("commitment slot not found")
	}
	script := bf.TxOut[len(bf.TxOut)-1].PkScript
	if !bytes.Equal(script[len(script)-36:len(script)-4], root[:]) {
		t.Fatal("slot not rewritten")
	}
	if !bytes.Equal(script[len(script)-4:], commitmentIdentifier[:]) {
		t.Fatal("identifier clobbered")
	}

	// A transaction without the identifier tail has no slot.
	plain := simpleTx(1)
	if updateBlockFinalTransaction(plain, root) {
		t.Fatal("slot reported on a transaction without one")
	}
}

func TestWitnessCommitmentLifecycle(t *testing.T) {
	tpl := makeTestTemplate(templateOptions{witness: true, blockFinal: true, extraTxs: 2})
	work := NewStratumWork(&BlockIndex{Hash: hashFromByte(1)}, 101, tpl, true)

	cb := work.Block().Transactions[0].Copy()
	bf := work.Block().Transactions[len(work.Block().Transactions)-1].Copy()

	cb2, bf2, branch := updateSegwitCommitment(work, cb, bf)
	idx := witnessCommitmentIndex(cb2)
	if idx == -1 {
		t.Fatal("no witness commitment generated")
	}
	if len(cb2.TxIn[0].Witness) != 1 || len(cb2.TxIn[0].Witness[0]) != 32 {
		t.Fatal("witness reserved value missing")
	}

	// Regenerating replaces rather than stacks commitments.
	cb3, _, _ := updateSegwitCommitment(work, cb2, bf2)
	count := 0
	for _, out := range cb3.TxOut {
		probe := wire.MsgTx{TxOut: []*wire.TxOut{out}}
		if witnessCommitmentIndex(&probe) != -1 {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("commitment outputs = %d; want 1", count)
	}

	// The branch lifts the customized coinbase to the tree over the
	// customized transaction set.
	leaves := blockTxLeaves(work.Block())
	leaves[0] = cb2.TxHash()
	leaves[len(leaves)-1] = bf2.TxHash()
	if merkleRootFromBranch(cb2.TxHash(), branch, 0) != merkleRoot(leaves) {
		t.Fatal("refreshed branch does not match the customized tree")
	}

	// A mutated block-final transaction changes the commitment.
	bfMut := bf.Copy()
	updateBlockFinalTransaction(bfMut, hashFromByte(0x99))
	cb4, _, _ := updateSegwitCommitment(work, cb, bfMut)
	if bytes.Equal(cb4.TxOut[witnessCommitmentIndex(cb4)].PkScript, cb2.TxOut[idx].PkScript) {
		t.Fatal("commitment ignores block-final mutation")
	}
}

func TestSerializeCoinbaseSplit(t *testing.T) {
	nonce := bytes.Repeat([]byte{0xab}, extraNonceTotalSize)
	scriptSig, err := coinbaseScriptSig(101, nonce)
	if err != nil {
		t.Fatal(err)
	}
	cb := wire.NewMsgTx(wire.TxVersion)
	cb.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: 0xffffffff},
		SignatureScript:  scriptSig,
		Sequence:         0xffffffff,
	})
	cb.AddTxOut(&wire.TxOut{Value: 1, PkScript: []byte{0x51}})

	cb1, cb2, err := serializeCoinbaseSplit(cb)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := cb.SerializeNoWitness(&buf); err != nil {
		t.Fatal(err)
	}
	full := buf.Bytes()

	var joined []byte
	joined = append(joined, cb1...)
	joined = append(joined, nonce...)
	joined = append(joined, cb2...)
	if !bytes.Equal(joined, full) {
		t.Fatal("cb1 || nonce || cb2 does not reproduce the serialization")
	}
	if bytes.Contains(cb1, nonce) || bytes.Contains(cb2, nonce) {
		t.Fatal("nonce bytes leaked into a split half")
	}
}

func TestJobIDCommitsToTemplate(t *testing.T) {
	a := makeTestTemplate(templateOptions{nTime: 1700000000, extraTxs: 1})
	b := makeTestTemplate(templateOptions{nTime: 1700000001, extraTxs: 1})
	workA := NewStratumWork(&BlockIndex{}, 101, a, false)
	workB := NewStratumWork(&BlockIndex{}, 101, b, false)
	if workA.JobID() == workB.JobID() {
		t.Fatal("distinct templates share a job id")
	}
	if workA.JobID() != workA.JobID() {
		t.Fatal("job id not stable")
	}
}
