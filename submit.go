package main

import (
	"bytes"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// submitBlock rebuilds the exact block a miner worked on from its submission
// parameters, checks proof of work against the main chain target and every
// authorized auxiliary target, and routes whatever the share satisfies.
// Callers hold both the chain lock and the server mutex.
func (s *StratumServer) submitBlock(client *StratumClient, jobID chainhash.Hash, mmRoot chainhash.Hash, work *StratumWork, extranonce2 []byte, nTime, nNonce uint32, nVersion int32) (bool, error) {
	if len(work.Block().Transactions) == 0 {
		msg := "submitBlock: no transactions in block template; unable to submit work"
		logger.Debug(msg)
		return false, fmt.Errorf("%s", msg)
	}
	cb := work.Block().Transactions[0].Copy()
	if len(cb.TxIn) != 1 {
		msg := "submitBlock: unexpected number of inputs; is this even a coinbase transaction?"
		logger.Debug(msg)
		return false, fmt.Errorf("%s", msg)
	}
	nonce := client.extraNonce1(jobID)
	if len(nonce)+len(extranonce2) != extraNonceTotalSize {
		msg := fmt.Sprintf("submitBlock: unexpected combined nonce length: extranonce1(%d) + extranonce2(%d) != %d; unable to submit work", len(nonce), len(extranonce2), extraNonceTotalSize)
		logger.Debug(msg)
		return false, fmt.Errorf("%s", msg)
	}
	nonce = append(nonce, extranonce2...)
	scriptSig, err := coinbaseScriptSig(work.height, nonce)
	if err != nil {
		return false, err
	}
	cb.TxIn[0].SignatureScript = scriptSig
	if len(cb.TxOut) == 0 {
		msg := "submitBlock: coinbase transaction is missing outputs; unable to customize work to miner"
		logger.Debug(msg)
		return false, fmt.Errorf("%s", msg)
	}
	if bytes.Equal(cb.TxOut[0].PkScript, opFalseScript) {
		cb.TxOut[0].PkScript = client.payout
	}

	bf := work.Block().Transactions[len(work.Block().Transactions)-1].Copy()
	if work.template.HasBlockFinalTx {
		if updateBlockFinalTransaction(bf, mmRoot) {
			logger.Debug("updated merge-mining commitment in block-final transaction")
		}
	}

	cbBranch := work.cbBranch
	if work.witnessEnabled {
		cb, bf, cbBranch = updateSegwitCommitment(work, cb, bf)
		logger.Debug("updated segwit commitment in coinbase")
	}

	hdr := work.Block().Header
	hdr.MerkleRoot = merkleRootFromBranch(cb.TxHash(), cbBranch, 0)
	hdr.Timestamp = time.Unix(int64(nTime), 0)
	hdr.Nonce = nNonce
	hdr.Version = nVersion

	res := false
	hash := hdr.BlockHash()
	if checkProofOfWork(hash, hdr.Bits, 0) {
		logger.Info("GOT BLOCK!!!", "miner", client.addrString, "hash", hash.String())
		block := wire.MsgBlock{Header: hdr}
		block.Transactions = append([]*wire.MsgTx(nil), work.Block().Transactions...)
		block.Transactions[0] = cb
		if work.witnessEnabled {
			block.Transactions[len(block.Transactions)-1] = bf
		}
		block.Header.MerkleRoot = blockMerkleRoot(&block)
		res, err = s.node.ProcessNewBlock(&block)
		if err != nil {
			logger.Error("submit block to node failed", "hash", hash.String(), "error", err)
		}
		s.noteFoundBlock(client, work, hash)
	} else {
		logger.Info("NEW SHARE!!!", "miner", client.addrString, "hash", hash.String())
	}
	s.noteShareEvent("main", "", client.addrString, hash, difficultyFromBits(hdr.Bits))

	// Check whether the work also satisfies any of the auxiliary header
	// requirements, and submit where it does.
	if work.witnessEnabled && work.template.HasBlockFinalTx {
		if entry, ok := client.mmWork[mmRoot]; ok {
			proof := buildAuxProof(work, cb, bf, &hdr)
			for chainid, auxwork := range entry.work {
				auth, ok := client.mmAuth[chainid]
				if !ok {
					logger.Debug("got share for chain we aren't authorized for; unable to submit work")
					continue
				}
				s.mergeMine.SubmitAuxShare(chainid, auth.Username, auxwork, proof)
				if checkProofOfWork(hash, auxwork.Bits, auxwork.Bias) {
					logger.Info("GOT AUX CHAIN BLOCK!!!", "chainid", hashHex(chainid), "user", auth.Username, "commit", auxwork.Commit.String(), "hash", hash.String())
				} else {
					logger.Info("NEW AUX CHAIN SHARE!!!", "chainid", hashHex(chainid), "user", auth.Username, "commit", auxwork.Commit.String(), "hash", hash.String())
				}
				s.noteShareEvent("aux", hashHex(chainid), auth.Username, hash, difficultyFromBits(auxwork.Bits))
			}
		}
	}

	if res {
		client.sendWork = true
	}

	return res, nil
}

// buildAuxProof assembles the proof an auxiliary chain needs: the midstate of
// the block-final transaction up to its trailing commitment slot, and the
// stable Merkle path from the (customized) transaction set to the root.
func buildAuxProof(work *StratumWork, cb, bf *wire.MsgTx, hdr *wire.BlockHeader) AuxProof {
	var proof AuxProof

	var buf bytes.Buffer
	// The block-final transaction is serialized in full, then truncated
	// before the 40 trailing bytes: the 32-byte commitment slot, the 4-byte
	// commitment identifier, and nLockTime.
	_ = bf.Serialize(&buf)
	ds := buf.Bytes()
	if len(ds) > 40 {
		ds = ds[:len(ds)-40]
	} else {
		ds = nil
	}
	h := newSHA256Stream()
	h.Write(ds)
	state, buffered, processed := h.Midstate()
	proof.MidstateHash = state
	proof.MidstateBuffer = buffered
	proof.MidstateLength = uint32(processed)
	proof.LockTime = bf.LockTime

	leaves := blockTxLeaves(work.Block())
	leaves[0] = cb.TxHash()
	leaves[len(leaves)-1] = bf.TxHash()
	branch, _ := stableMerkleBranch(leaves, uint32(len(leaves)-1))
	proof.AuxBranch = branch
	proof.NumTxns = uint32(len(leaves))

	proof.Version = hdr.Version
	proof.PrevBlock = hdr.PrevBlock
	proof.Time = uint32(hdr.Timestamp.Unix())
	proof.Bits = hdr.Bits
	proof.Nonce = hdr.Nonce

	return proof
}
