package main

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// submitSecondStage verifies a share against an externally supplied work
// unit. The share is always forwarded to the auxiliary chain, which knows
// its own value for it; proof of work is checked locally only to classify
// the log line. Callers hold the server mutex.
func (s *StratumServer) submitSecondStage(client *StratumClient, chainID ChainID, work *SecondStageWork, extranonce2 []byte, nTime, nNonce uint32, nVersion int32) bool {
	auth, ok := client.mmAuth[chainID]
	if !ok {
		logger.Debug("got second stage share for chain we aren't authorized for; unable to submit work")
		return false
	}

	extranonce1 := client.extraNonce1(chainID)

	s.mergeMine.SubmitSecondStageShare(chainID, auth.Username, *work, SecondStageProof{
		ExtraNonce1: extranonce1,
		ExtraNonce2: extranonce2,
		Version:     nVersion,
		Time:        nTime,
		Nonce:       nNonce,
	})

	// The coinbase is the two supplied halves around the spliced extranonce.
	h := newSHA256Stream()
	h.Write(work.CB1)
	h.Write(extranonce1)
	h.Write(extranonce2)
	h.Write(work.CB2)
	first := h.Sum()
	second := sha256Sum(first[:])
	var leaf chainhash.Hash
	copy(leaf[:], second[:])

	hdr := wire.BlockHeader{
		Version:    nVersion,
		PrevBlock:  work.PrevBlock,
		MerkleRoot: merkleRootFromBranch(leaf, work.CBBranch, 0),
		Timestamp:  time.Unix(int64(nTime), 0),
		Bits:       work.Bits,
		Nonce:      nNonce,
	}
	hash := hdr.BlockHash()

	res := checkProofOfWork(hash, work.Bits, 0)
	if res {
		logger.Info("GOT AUX CHAIN SECOND STAGE BLOCK!!!", "chainid", hashHex(chainID), "user", auth.Username, "hash", hash.String())
	} else {
		logger.Info("NEW AUX CHAIN SECOND STAGE SHARE!!!", "chainid", hashHex(chainID), "user", auth.Username, "hash", hash.String())
	}
	s.noteShareEvent("second-stage", hashHex(chainID), auth.Username, hash, work.Diff)

	if res {
		client.sendWork = true
	}

	return res
}
