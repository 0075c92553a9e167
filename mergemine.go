package main

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// ChainID names an auxiliary chain by its aux-pow path.
type ChainID = chainhash.Hash

// AuxWork is one unit of merge-mining work delivered by an auxiliary chain:
// the commitment to embed under the merge-mining root, and the target the
// auxiliary chain will accept shares at.
type AuxWork struct {
	Timestamp uint64
	JobID     string
	Commit    chainhash.Hash
	Bits      uint32
	Bias      uint8
}

// AuxProof carries everything an auxiliary chain needs to verify that a main
// chain block commits to its work: the midstate of the partially hashed
// block-final transaction, the Merkle path from that transaction to the block
// root, and the header fields.
type AuxProof struct {
	MidstateHash   [32]byte
	MidstateBuffer []byte
	MidstateLength uint32
	LockTime       uint32
	AuxBranch      []chainhash.Hash
	NumTxns        uint32

	Version   int32
	PrevBlock chainhash.Hash
	Time      uint32
	Bits      uint32
	Nonce     uint32
}

// SecondStageWork is a complete work unit supplied by an auxiliary chain.
// The server splices the extranonce between cb1 and cb2 and verifies; it
// performs no assembly of its own.
type SecondStageWork struct {
	Timestamp uint64
	Diff      float64
	JobID     string
	PrevBlock chainhash.Hash
	CB1       []byte
	CB2       []byte
	CBBranch  []chainhash.Hash
	Version   int32
	Bits      uint32
	Time      uint32
}

type SecondStageProof struct {
	ExtraNonce1 []byte
	ExtraNonce2 []byte
	Version     int32
	Time        uint32
	Nonce       uint32
}

// mmAuth is the (username, password) pair forwarded to an auxiliary chain.
type mmAuth struct {
	Username string
	Password string
}

// MergeMineClient is the upstream merge-mining subsystem. The production
// implementation maintains RPC connections to auxiliary chain servers; that
// plumbing lives outside this server, which only consumes the interface.
type MergeMineClient interface {
	// Register subscribes a mining client to an auxiliary chain so work
	// notifications for that miner start flowing.
	Register(chainid ChainID, username, password string)
	// GetWork maps each authorized chain to its current aux work, omitting
	// chains with nothing pending.
	GetWork(auth map[ChainID]mmAuth) map[ChainID]AuxWork
	// GetSecondStageWork returns a pending second-stage unit, if any. A
	// non-nil hint names the chain the caller is already working on and the
	// same work is returned while it remains valid.
	GetSecondStageWork(hint *ChainID) (ChainID, *SecondStageWork)
	// SubmitAuxShare forwards a share satisfying (or plausibly satisfying)
	// an auxiliary chain target.
	SubmitAuxShare(chainid ChainID, username string, work AuxWork, proof AuxProof)
	// SubmitSecondStageShare forwards a completed second-stage share.
	SubmitSecondStageShare(chainid ChainID, username string, work SecondStageWork, proof SecondStageProof)
	// Reconnect re-establishes any dropped upstream connections.
	Reconnect()
}

// disabledMergeMine is the MergeMineClient used when no merge-mining
// upstreams are configured: no work, and submissions are dropped with a log
// line so misconfigured miners are visible.
type disabledMergeMine struct{}

func (disabledMergeMine) Register(chainid ChainID, username, password string) {}

func (disabledMergeMine) GetWork(auth map[ChainID]mmAuth) map[ChainID]AuxWork {
	return nil
}

func (disabledMergeMine) GetSecondStageWork(hint *ChainID) (ChainID, *SecondStageWork) {
	return ChainID{}, nil
}

func (disabledMergeMine) SubmitAuxShare(chainid ChainID, username string, work AuxWork, proof AuxProof) {
	logger.Debug("dropping aux share; merge-mining disabled", "chainid", hashHex(chainid), "user", username)
}

func (disabledMergeMine) SubmitSecondStageShare(chainid ChainID, username string, work SecondStageWork, proof SecondStageProof) {
	logger.Debug("dropping second stage share; merge-mining disabled", "chainid", hashHex(chainid), "user", username)
}

func (disabledMergeMine) Reconnect() {}
