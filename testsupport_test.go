package main

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// mainnetTestAddress is a well-known P2PKH address (the genesis coinbase
// destination), valid on mainnet.
const mainnetTestAddress = "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"

// testBits is a regtest-grade compact target, loose enough that a short
// nonce search finds conforming headers.
const testBits = uint32(0x207fffff)

func zeroHash() chainhash.Hash {
	return chainhash.Hash{}
}

func timeUnix(t uint32) time.Time {
	return time.Unix(int64(t), 0)
}

func hashFromByte(b byte) chainhash.Hash {
	var h chainhash.Hash
	for i := range h {
		h[i] = b
	}
	return h
}

// simpleTx builds a minimal non-witness spend for padding blocks.
func simpleTx(seed byte) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	prev := hashFromByte(seed)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: prev, Index: 0},
		SignatureScript:  []byte{0x51},
		Sequence:         0xffffffff,
	})
	tx.AddTxOut(&wire.TxOut{Value: 1000, PkScript: []byte{0x51}})
	return tx
}

// blockFinalTx builds a transaction whose last output ends with an empty
// 32-byte commitment slot and the commitment identifier.
func blockFinalTx() *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: hashFromByte(0xbf), Index: 1},
		Sequence:         0xffffffff,
	})
	script := make([]byte, 0, 38)
	script = append(script, 0x6a, 0x24)
	script = append(script, make([]byte, 32)...)
	script = append(script, commitmentIdentifier[:]...)
	tx.AddTxOut(&wire.TxOut{Value: 0, PkScript: script})
	return tx
}

type templateOptions struct {
	witness    bool
	blockFinal bool
	nTime      int64
	extraTxs   int
}

func makeTestTemplate(opts templateOptions) BlockTemplate {
	if opts.nTime == 0 {
		opts.nTime = time.Now().Unix()
	}
	cbScript, err := coinbaseScriptSig(101, make([]byte, extraNonceTotalSize))
	if err != nil {
		panic(err)
	}
	cb := wire.NewMsgTx(wire.TxVersion)
	cb.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: 0xffffffff},
		SignatureScript:  cbScript,
		Sequence:         0xffffffff,
	})
	cb.AddTxOut(&wire.TxOut{Value: 50 * 1e8, PkScript: append([]byte(nil), opFalseScript...)})

	block := wire.MsgBlock{
		Header: wire.BlockHeader{
			Version:   0x20000000,
			PrevBlock: hashFromByte(0x11),
			Timestamp: time.Unix(opts.nTime, 0),
			Bits:      testBits,
		},
		Transactions: []*wire.MsgTx{cb},
	}
	for i := 0; i < opts.extraTxs; i++ {
		block.Transactions = append(block.Transactions, simpleTx(byte(0x20+i)))
	}
	if opts.blockFinal {
		block.Transactions = append(block.Transactions, blockFinalTx())
	}
	block.Header.MerkleRoot = blockMerkleRoot(&block)
	return BlockTemplate{Block: block, HasBlockFinalTx: opts.blockFinal}
}

// fakeNode is an in-process NodeClient serving a canned template.
type fakeNode struct {
	mu        sync.Mutex
	tip       *BlockIndex
	template  BlockTemplate
	witness   bool
	txCounter uint64
	tipCh     chan struct{}

	submitted []*wire.MsgBlock
	accept    bool
}

func newFakeNode(template BlockTemplate, witness bool) *fakeNode {
	return &fakeNode{
		tip: &BlockIndex{
			Hash:   template.Block.Header.PrevBlock,
			Height: 100,
			Bits:   template.Block.Header.Bits,
			Time:   uint32(template.Block.Header.Timestamp.Unix()) - 600,
		},
		template: template,
		witness:  witness,
		accept:   true,
		tipCh:    make(chan struct{}, 1),
	}
}

func (n *fakeNode) Tip() *BlockIndex {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.tip
}

func (n *fakeNode) TransactionsUpdated() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.txCounter
}

func (n *fakeNode) CreateNewBlock(payoutScript []byte) (*BlockTemplate, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	tpl := n.template
	tpl.Block.Transactions = append([]*wire.MsgTx(nil), n.template.Block.Transactions...)
	for i, tx := range tpl.Block.Transactions {
		tpl.Block.Transactions[i] = tx.Copy()
	}
	return &tpl, nil
}

func (n *fakeNode) IsWitnessEnabled(tip *BlockIndex) bool {
	return n.witness
}

func (n *fakeNode) ProcessNewBlock(block *wire.MsgBlock) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.submitted = append(n.submitted, block)
	return n.accept, nil
}

func (n *fakeNode) TipChange() <-chan struct{} {
	return n.tipCh
}

// fakeMergeMine records submissions and optionally serves aux or
// second-stage work.
type fakeMergeMine struct {
	mu          sync.Mutex
	work        map[ChainID]AuxWork
	secondStage *SecondStageWork
	secondChain ChainID

	registered   []ChainID
	auxShares    []AuxProof
	secondShares []SecondStageProof
	secondUsers  []string
}

func (m *fakeMergeMine) Register(chainid ChainID, username, password string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registered = append(m.registered, chainid)
}

func (m *fakeMergeMine) GetWork(auth map[ChainID]mmAuth) map[ChainID]AuxWork {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[ChainID]AuxWork)
	for chainid := range auth {
		if work, ok := m.work[chainid]; ok {
			out[chainid] = work
		}
	}
	return out
}

func (m *fakeMergeMine) GetSecondStageWork(hint *ChainID) (ChainID, *SecondStageWork) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.secondStage == nil {
		return ChainID{}, nil
	}
	work := *m.secondStage
	return m.secondChain, &work
}

func (m *fakeMergeMine) SubmitAuxShare(chainid ChainID, username string, work AuxWork, proof AuxProof) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auxShares = append(m.auxShares, proof)
}

func (m *fakeMergeMine) SubmitSecondStageShare(chainid ChainID, username string, work SecondStageWork, proof SecondStageProof) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secondShares = append(m.secondShares, proof)
	m.secondUsers = append(m.secondUsers, username)
}

func (m *fakeMergeMine) Reconnect() {}

func newTestServer(node NodeClient, mergeMine MergeMineClient) *StratumServer {
	cfg := Config{network: "mainnet"}
	shareChain, _ := SelectShareParams(shareChainNameMain)
	return NewStratumServer(cfg, node, mergeMine, shareChain)
}

// authorizeTestClient runs the authorize handler directly against a client.
func authorizeTestClient(s *StratumServer, client *StratumClient, username, password string) error {
	s.chainMu.Lock()
	defer s.chainMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.miningAuthorize(client, []any{username, password})
	return err
}

// buildWorkUnit runs getWorkUnit under the proper locks.
func buildWorkUnit(s *StratumServer, client *StratumClient) ([]StratumMessage, error) {
	s.chainMu.Lock()
	defer s.chainMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getWorkUnit(client)
}

// newLoopbackClient builds a client whose connection discards writes.
func newLoopbackClient() *StratumClient {
	server, client := net.Pipe()
	go func() {
		_, _ = io.Copy(io.Discard, client)
	}()
	return newStratumClient(server)
}
