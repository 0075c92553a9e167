package main

import (
	"bytes"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
)

var opFalseScript = []byte{txscript.OP_FALSE}

// auxWorkMerkleRoot commits a set of per-chain aux work under one Merkle-map
// root.
func auxWorkMerkleRoot(mmwork map[ChainID]AuxWork) (chainhash.Hash, error) {
	// If there is nothing to commit to, then the default zero hash is as
	// good as any other value.
	if len(mmwork) == 0 {
		return chainhash.Hash{}, nil
	}
	// The commitment structure supports an effectively limitless number of
	// auxiliary commitments under the root, but proof generation for
	// arbitrary trees has not been written yet.
	if len(mmwork) != 1 {
		return chainhash.Hash{}, fmt.Errorf("auxWorkMerkleRoot: more than one merge-mining commitment is not yet supported")
	}
	for chainid, work := range mmwork {
		return merkleMapRootFromBranch(work.Commit, nil, chainid, nil), nil
	}
	return chainhash.Hash{}, nil
}

func clampDifficulty(client *StratumClient, diff float64) float64 {
	if client.minDiff > 0 {
		diff = client.minDiff
	}
	if diff < minimumDifficulty {
		diff = minimumDifficulty
	}
	return diff
}

// extraNonceMessage builds the optional mining.set_extranonce notification.
// Nothing is sent to clients that never subscribed to extranonce updates.
func (s *StratumServer) extraNonceMessage(client *StratumClient, jobID chainhash.Hash) []StratumMessage {
	if !client.supportsExtraNonce {
		return nil
	}
	msg := StratumMessage{
		ID:     client.nextID,
		Method: "mining.set_extranonce",
		Params: []any{hexEncode(client.extraNonce1(jobID)), extraNonce2Size},
	}
	client.nextID++
	return []StratumMessage{msg}
}

// getWorkUnit produces the full notification group for one client: the
// optional set_extranonce, then set_difficulty, then mining.notify. It
// refreshes the template store first when the refresh policy demands it.
// Callers hold both the chain lock and the server mutex.
func (s *StratumServer) getWorkUnit(client *StratumClient) ([]StratumMessage, error) {
	if !client.authorized {
		return nil, &stratumError{Code: rpcInvalidRequest, Message: "stratum client not authorized; use mining.authorize first, with a payout address as the username"}
	}

	// A pending second-stage unit preempts main chain work.
	var hint *ChainID
	if client.lastSecondStage != nil {
		hint = &client.lastSecondStage.chainID
	}
	if chainID, work := s.mergeMine.GetSecondStageWork(hint); work != nil {
		return s.secondStageWorkUnit(client, chainID, work), nil
	}
	client.lastSecondStage = nil
	if len(s.secondStages) > 0 {
		s.secondStages = make(map[string]secondStageEntry)
	}

	now := time.Now().Unix()
	tip := s.node.Tip()
	if tip == nil {
		return nil, &stratumError{Code: rpcNotConnected, Message: "node tip not available"}
	}
	txUpdated := s.node.TransactionsUpdated()
	if s.templates.needsRefresh(tip.Hash, txUpdated, now) {
		template, err := s.node.CreateNewBlock(opFalseScript)
		if err != nil {
			return nil, &stratumError{Code: rpcOutOfMemory, Message: fmt.Sprintf("block assembly failed: %v", err)}
		}
		// So that the block hash which names the job is well defined.
		template.Block.Header.MerkleRoot = blockMerkleRoot(&template.Block)
		work := NewStratumWork(tip, int64(tip.Height)+1, *template, s.node.IsWitnessEnabled(tip))
		s.templates.insert(work, tip.Hash, txUpdated, now)
		pruneMergeMineWork(client, now)
	}

	work := s.templates.current()
	jobID := s.templates.curJobID

	cb := work.Block().Transactions[0].Copy()
	bf := work.Block().Transactions[len(work.Block().Transactions)-1].Copy()

	// First customization: insert the merge-mine commitment, which needs a
	// block-final transaction to carry it.
	hasMergeMining := false
	var mmRoot chainhash.Hash
	if work.template.HasBlockFinalTx {
		mmwork := s.mergeMine.GetWork(client.mmAuth)
		if len(mmwork) == 0 {
			logger.Debug("no auxiliary work commitments to add to block template", "miner", client.addrString, "remote", client.peer())
		} else {
			root, err := auxWorkMerkleRoot(mmwork)
			if err != nil {
				return nil, err
			}
			mmRoot = root
			if _, ok := client.mmWork[mmRoot]; !ok {
				client.mmWork[mmRoot] = mmWorkEntry{stamp: uint64(time.Now().UnixMilli()), work: mmwork}
			}
			if updateBlockFinalTransaction(bf, mmRoot) {
				logger.Debug("updated merge-mining commitment in block-final transaction")
				hasMergeMining = true
			}
		}
	} else if len(client.mmAuth) > 0 {
		logger.Debug("cannot add merge-mining commitments to block template; no block-final transaction")
	}

	cbBranch := work.cbBranch
	if work.witnessEnabled {
		cb, bf, cbBranch = updateSegwitCommitment(work, cb, bf)
		logger.Debug("updated segwit commitment in coinbase")
	}

	diff := clampDifficulty(client, difficultyFromBits(work.Block().Header.Bits))

	setDifficulty := StratumMessage{
		ID:     client.nextID,
		Method: "mining.set_difficulty",
		Params: []any{diff},
	}
	client.nextID++

	// Splice the extranonce into the coinbase: the session extranonce1
	// followed by a zeroed extranonce2 placeholder the miner will iterate.
	nonce := client.extraNonce1(jobID)
	nonce = append(nonce, make([]byte, extraNonce2Size)...)
	scriptSig, err := coinbaseScriptSig(work.height, nonce)
	if err != nil {
		return nil, err
	}
	cb.TxIn[0].SignatureScript = scriptSig
	if bytes.Equal(cb.TxOut[0].PkScript, opFalseScript) {
		cb.TxOut[0].PkScript = client.payout
	}

	cb1, cb2, err := serializeCoinbaseSplit(cb)
	if err != nil {
		return nil, err
	}

	jobName := hashHex(jobID)
	if hasMergeMining {
		jobName += ":" + hashHex(mmRoot)
	}

	branch := make([]any, 0, len(cbBranch))
	for _, hash := range cbBranch {
		branch = append(branch, hashHex(hash))
	}

	hdr := work.Block().Header
	delta := updateBlockTime(&hdr, tip)
	logger.Debug("updated the timestamp of block template", "delta_seconds", delta)

	cleanJobs := !client.haveLastTip || client.lastTip != tip.Hash
	client.lastTip = tip.Hash
	client.haveLastTip = true

	notify := StratumMessage{
		ID:     client.nextID,
		Method: "mining.notify",
		Params: []any{
			jobName,
			hashHex(swapPrevHashWords(hdr.PrevBlock)),
			hexEncode(cb1),
			hexEncode(cb2),
			branch,
			hexInt4(uint32(hdr.Version)),
			hexInt4(hdr.Bits),
			hexInt4(uint32(hdr.Timestamp.Unix())),
			cleanJobs,
		},
	}
	client.nextID++

	msgs := s.extraNonceMessage(client, jobID)
	msgs = append(msgs, setDifficulty, notify)
	return msgs, nil
}

// secondStageWorkUnit delivers an externally supplied work unit using the
// same message shape as main chain work. The job id travels with a leading
// colon so submissions route back here.
func (s *StratumServer) secondStageWorkUnit(client *StratumClient, chainID ChainID, work *SecondStageWork) []StratumMessage {
	diff := clampDifficulty(client, work.Diff)

	setDifficulty := StratumMessage{
		ID:     client.nextID,
		Method: "mining.set_difficulty",
		Params: []any{diff},
	}
	client.nextID++

	branch := make([]any, 0, len(work.CBBranch))
	for _, hash := range work.CBBranch {
		branch = append(branch, hashHex(hash))
	}

	cleanJobs := true
	if client.lastSecondStage != nil &&
		client.lastSecondStage.chainID == chainID &&
		client.lastSecondStage.prevBlock == work.PrevBlock {
		cleanJobs = false
	}

	notify := StratumMessage{
		ID:     client.nextID,
		Method: "mining.notify",
		Params: []any{
			":" + work.JobID,
			hashHex(swapPrevHashWords(work.PrevBlock)),
			hexEncode(work.CB1),
			hexEncode(work.CB2),
			branch,
			hexInt4(uint32(work.Version)),
			hexInt4(work.Bits),
			hexInt4(work.Time),
			cleanJobs,
		},
	}
	client.nextID++

	s.secondStages[work.JobID] = secondStageEntry{chainID: chainID, work: *work}
	client.lastSecondStage = &secondStageKey{chainID: chainID, prevBlock: work.PrevBlock}

	// Note: the extranonce is keyed by the chain id, not the job id.
	msgs := s.extraNonceMessage(client, chainID)
	msgs = append(msgs, setDifficulty, notify)
	return msgs
}
