package main

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// BlockTemplate is a candidate block assembled by the node: the transactions
// and header fields, plus whether the assembler appended a block-final
// transaction carrying commitment slots.
type BlockTemplate struct {
	Block           wire.MsgBlock
	HasBlockFinalTx bool
}

// StratumWork is an immutable work template. Customization for a particular
// miner always operates on copies; the stored block is the canonical form
// whose hash is the job id.
type StratumWork struct {
	prevBlockIndex *BlockIndex
	template       BlockTemplate
	cbBranch       []chainhash.Hash
	witnessEnabled bool
	// The height is serialized into the coinbase string. Once work has been
	// customized there is no further need for chain context, so only the
	// height is retained.
	height int64
}

func NewStratumWork(prev *BlockIndex, height int64, template BlockTemplate, witnessEnabled bool) *StratumWork {
	w := &StratumWork{
		prevBlockIndex: prev,
		template:       template,
		witnessEnabled: witnessEnabled,
		height:         height,
	}
	if !witnessEnabled {
		// Without witness commitments the coinbase branch never changes, so
		// compute it once. With witnesses it must be rebuilt per
		// customization because the coinbase mutates.
		w.cbBranch = blockMerkleBranch(&w.template.Block, 0)
	}
	return w
}

func (w *StratumWork) Block() *wire.MsgBlock {
	return &w.template.Block
}

func (w *StratumWork) JobID() chainhash.Hash {
	return w.template.Block.BlockHash()
}

var witnessCommitmentHeader = []byte{0xaa, 0x21, 0xa9, 0xed}

// witnessCommitmentIndex locates the coinbase output holding the segwit
// commitment, or -1.
func witnessCommitmentIndex(cb *wire.MsgTx) int {
	for i, out := range cb.TxOut {
		script := out.PkScript
		if len(script) >= 38 && script[0] == txscript.OP_RETURN && script[1] == 0x24 &&
			bytes.Equal(script[2:6], witnessCommitmentHeader) {
			return i
		}
	}
	return -1
}

// generateCoinbaseCommitment recomputes the segwit commitment for a block
// whose coinbase and block-final transaction have been swapped in, appending
// a fresh commitment output and the reserved witness value.
func generateCoinbaseCommitment(block *wire.MsgBlock) {
	cb := block.Transactions[0]

	var witnessNonce [32]byte
	if len(cb.TxIn) > 0 {
		cb.TxIn[0].Witness = wire.TxWitness{witnessNonce[:]}
	}

	leaves := make([]chainhash.Hash, len(block.Transactions))
	// The coinbase wtxid is defined to be zero.
	for i := 1; i < len(block.Transactions); i++ {
		leaves[i] = block.Transactions[i].WitnessHash()
	}
	witnessRoot := merkleRoot(leaves)

	var buf [64]byte
	copy(buf[:32], witnessRoot[:])
	copy(buf[32:], witnessNonce[:])
	commitment := doubleSHA256(buf[:])

	script := make([]byte, 0, 38)
	script = append(script, txscript.OP_RETURN, 0x24)
	script = append(script, witnessCommitmentHeader...)
	script = append(script, commitment[:]...)
	cb.TxOut = append(cb.TxOut, &wire.TxOut{Value: 0, PkScript: script})
}

// updateSegwitCommitment rebuilds the segwit commitment after the coinbase or
// block-final transaction has been customized, and returns the refreshed
// coinbase Merkle branch. Both cb and bf are replaced with the recommitted
// forms.
func updateSegwitCommitment(work *StratumWork, cb, bf *wire.MsgTx) (*wire.MsgTx, *wire.MsgTx, []chainhash.Hash) {
	block2 := work.template.Block
	block2.Transactions = append([]*wire.MsgTx(nil), work.template.Block.Transactions...)
	block2.Transactions[len(block2.Transactions)-1] = bf
	block2.Transactions[0] = cb.Copy()

	// Erase any existing commitments before generating the new one.
	for {
		commitpos := witnessCommitmentIndex(block2.Transactions[0])
		if commitpos == -1 {
			break
		}
		outs := block2.Transactions[0].TxOut
		block2.Transactions[0].TxOut = append(outs[:commitpos], outs[commitpos+1:]...)
	}
	generateCoinbaseCommitment(&block2)

	return block2.Transactions[0], block2.Transactions[len(block2.Transactions)-1], blockMerkleBranch(&block2, 0)
}

// updateBlockFinalTransaction rewrites the merge-mining commitment slot at
// the tail of the block-final transaction. The slot is the 32 bytes
// preceding the commitment identifier at the very end of the last output's
// script. Returns false when the transaction carries no slot.
func updateBlockFinalTransaction(bf *wire.MsgTx, commitment chainhash.Hash) bool {
	if len(bf.TxOut) == 0 {
		return false
	}
	script := bf.TxOut[len(bf.TxOut)-1].PkScript
	if len(script) < 36 {
		return false
	}
	if !bytes.Equal(script[len(script)-4:], commitmentIdentifier[:]) {
		return false
	}
	copy(script[len(script)-36:len(script)-4], commitment[:])
	return true
}

// serializeCoinbaseSplit serializes the coinbase without witness data and
// splits it around the 12-byte extranonce at the tail of the scriptSig,
// returning the prefix up to (and excluding) the extranonce and the suffix
// after it.
func serializeCoinbaseSplit(cb *wire.MsgTx) (cb1, cb2 []byte, err error) {
	var buf bytes.Buffer
	if err := cb.SerializeNoWitness(&buf); err != nil {
		return nil, nil, err
	}
	ds := buf.Bytes()
	if len(ds) < 4+1+32+4+1 {
		return nil, nil, fmt.Errorf("serialized transaction is too small to be parsed; is this even a coinbase?")
	}
	scriptlen := int(ds[4+1+32+4])
	pos := 4 + 1 + 32 + 4 + 1 + scriptlen
	if len(ds) < pos {
		return nil, nil, fmt.Errorf("customized coinbase transaction does not contain extranonce field at expected location")
	}
	cb1 = append([]byte(nil), ds[:pos-extraNonceTotalSize]...)
	cb2 = append([]byte(nil), ds[pos:]...)
	return cb1, cb2, nil
}

// coinbaseScriptSig builds the height push followed by the combined
// extranonce push.
func coinbaseScriptSig(height int64, nonce []byte) ([]byte, error) {
	return txscript.NewScriptBuilder().AddInt64(height).AddData(nonce).Script()
}
