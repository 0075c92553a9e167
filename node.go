package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/pebbe/zmq4"
)

// BlockIndex is the slice of chain state the server needs about a block: its
// identity, height, and header timestamp (for template freshening).
type BlockIndex struct {
	Hash   chainhash.Hash
	Height int32
	Bits   uint32
	Time   uint32
}

// NodeClient is the host node as seen by the stratum server. The production
// implementation speaks JSON-RPC to an attached node; tests supply fakes.
type NodeClient interface {
	// Tip returns the best block, or nil before the first sync.
	Tip() *BlockIndex
	// TransactionsUpdated is a counter that advances whenever the mempool
	// contents change.
	TransactionsUpdated() uint64
	// CreateNewBlock assembles a candidate block paying to the given script.
	CreateNewBlock(payoutScript []byte) (*BlockTemplate, error)
	// IsWitnessEnabled reports whether segwit rules are active on top of tip.
	IsWitnessEnabled(tip *BlockIndex) bool
	// ProcessNewBlock submits a solved block. The bool reports acceptance.
	ProcessNewBlock(block *wire.MsgBlock) (bool, error)
	// TipChange delivers a signal whenever the best block may have moved.
	TipChange() <-chan struct{}
}

// rpcNode attaches to a node over JSON-RPC, with an optional ZMQ hashblock
// subscription feeding the tip-change channel. pollTip re-polls the tip every
// five seconds without ZMQ, and every thirty seconds with it.
type rpcNode struct {
	rpc *RPCClient
	cfg Config

	mu        sync.Mutex
	tip       *BlockIndex
	witness   bool
	txCounter atomic.Uint64

	tipCh chan struct{}
}

func newRPCNode(rpc *RPCClient, cfg Config) *rpcNode {
	return &rpcNode{
		rpc:   rpc,
		cfg:   cfg,
		tipCh: make(chan struct{}, 1),
	}
}

func (n *rpcNode) Tip() *BlockIndex {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.tip
}

func (n *rpcNode) TransactionsUpdated() uint64 {
	return n.txCounter.Load()
}

func (n *rpcNode) IsWitnessEnabled(tip *BlockIndex) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.witness
}

func (n *rpcNode) TipChange() <-chan struct{} {
	return n.tipCh
}

func (n *rpcNode) signalTipChange() {
	select {
	case n.tipCh <- struct{}{}:
	default:
	}
}

// gbtResult mirrors the getblocktemplate fields the server consumes.
type gbtResult struct {
	Bits          string   `json:"bits"`
	CurTime       int64    `json:"curtime"`
	Height        int64    `json:"height"`
	Version       int32    `json:"version"`
	Previous      string   `json:"previousblockhash"`
	CoinbaseValue int64    `json:"coinbasevalue"`
	Rules         []string `json:"rules"`
	Transactions  []struct {
		Data string `json:"data"`
	} `json:"transactions"`
	// blockfinaltxn is delivered by nodes whose consensus carries a
	// block-final transaction with commitment slots.
	BlockFinal *struct {
		Data string `json:"data"`
	} `json:"blockfinaltxn"`
}

// CreateNewBlock builds a wire block from a fresh template. The coinbase
// pays the placeholder script; customization swaps the real payout in later.
func (n *rpcNode) CreateNewBlock(payoutScript []byte) (*BlockTemplate, error) {
	var tpl gbtResult
	params := map[string]any{
		"rules":        []string{"segwit"},
		"capabilities": []string{"coinbasetxn", "workid", "coinbase/append"},
	}
	if err := n.rpc.callCtx(context.Background(), "getblocktemplate", []any{params}, &tpl); err != nil {
		return nil, fmt.Errorf("getblocktemplate: %w", err)
	}

	prev, err := chainhash.NewHashFromStr(tpl.Previous)
	if err != nil {
		return nil, fmt.Errorf("decode previousblockhash: %w", err)
	}
	bits, err := parseHexInt4(tpl.Bits, "bits")
	if err != nil {
		return nil, err
	}

	witness := false
	for _, rule := range tpl.Rules {
		if rule == "segwit" || rule == "!segwit" {
			witness = true
		}
	}

	cb, err := placeholderCoinbase(tpl.Height, tpl.CoinbaseValue, payoutScript)
	if err != nil {
		return nil, err
	}

	block := wire.MsgBlock{
		Header: wire.BlockHeader{
			Version:   tpl.Version,
			PrevBlock: *prev,
			Timestamp: time.Unix(tpl.CurTime, 0),
			Bits:      bits,
		},
		Transactions: []*wire.MsgTx{cb},
	}
	for i, tx := range tpl.Transactions {
		mtx, err := decodeTxHex(tx.Data)
		if err != nil {
			return nil, fmt.Errorf("decode template tx %d: %w", i, err)
		}
		block.Transactions = append(block.Transactions, mtx)
	}
	hasBlockFinal := false
	if tpl.BlockFinal != nil {
		bf, err := decodeTxHex(tpl.BlockFinal.Data)
		if err != nil {
			return nil, fmt.Errorf("decode block-final tx: %w", err)
		}
		block.Transactions = append(block.Transactions, bf)
		hasBlockFinal = true
	}

	n.mu.Lock()
	n.witness = witness
	n.tip = &BlockIndex{
		Hash:   *prev,
		Height: int32(tpl.Height) - 1,
		Bits:   bits,
		Time:   uint32(tpl.CurTime),
	}
	n.mu.Unlock()

	return &BlockTemplate{Block: block, HasBlockFinalTx: hasBlockFinal}, nil
}

func (n *rpcNode) ProcessNewBlock(block *wire.MsgBlock) (bool, error) {
	var buf bytes.Buffer
	if err := block.Serialize(&buf); err != nil {
		return false, err
	}
	var result any
	if err := n.rpc.callCtx(context.Background(), "submitblock", []any{hex.EncodeToString(buf.Bytes())}, &result); err != nil {
		return false, err
	}
	// submitblock returns null on acceptance, a reject reason otherwise.
	if result == nil {
		return true, nil
	}
	return false, fmt.Errorf("submitblock: %v", result)
}

// syncTip refreshes the cached tip from the node and reports whether it
// moved.
func (n *rpcNode) syncTip(ctx context.Context) (bool, error) {
	var hashStr string
	if err := n.rpc.callCtx(ctx, "getbestblockhash", nil, &hashStr); err != nil {
		return false, err
	}

	n.mu.Lock()
	cached := n.tip
	n.mu.Unlock()
	if cached != nil && cached.Hash.String() == hashStr {
		return false, nil
	}

	var header struct {
		Height int64  `json:"height"`
		Time   int64  `json:"time"`
		Bits   string `json:"bits"`
	}
	if err := n.rpc.callCtx(ctx, "getblockheader", []any{hashStr, true}, &header); err != nil {
		return false, fmt.Errorf("getblockheader: %w", err)
	}
	hash, err := chainhash.NewHashFromStr(hashStr)
	if err != nil {
		return false, err
	}
	bits, err := parseHexInt4(header.Bits, "bits")
	if err != nil {
		return false, err
	}

	n.mu.Lock()
	n.tip = &BlockIndex{Hash: *hash, Height: int32(header.Height), Bits: bits, Time: uint32(header.Time)}
	n.mu.Unlock()

	n.txCounter.Add(1)
	n.signalTipChange()
	return true, nil
}

// placeholderCoinbase builds the assembler's coinbase: the height push
// required by consensus and a single output paying the placeholder script.
// Customization later rewrites both the scriptSig and the payout.
func placeholderCoinbase(height, value int64, payoutScript []byte) (*wire.MsgTx, error) {
	scriptSig, err := coinbaseScriptSig(height, make([]byte, extraNonceTotalSize))
	if err != nil {
		return nil, err
	}
	cb := wire.NewMsgTx(wire.TxVersion)
	cb.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: 0xffffffff},
		SignatureScript:  scriptSig,
		Sequence:         0xffffffff,
	})
	cb.AddTxOut(&wire.TxOut{Value: value, PkScript: append([]byte(nil), payoutScript...)})
	return cb, nil
}

func decodeTxHex(data string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(data)
	if err != nil {
		return nil, err
	}
	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return tx, nil
}

// watchMempool advances the transactions-updated counter by polling the
// node's mempool size and bumping the counter whenever the size changes.
func (n *rpcNode) watchMempool(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	lastCount := -1
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var info struct {
				Size int `json:"size"`
			}
			if err := n.rpc.callCtx(ctx, "getmempoolinfo", nil, &info); err != nil {
				continue
			}
			if info.Size != lastCount {
				lastCount = info.Size
				n.txCounter.Add(1)
			}
		}
	}
}

// pollTip keeps the cached tip fresh for deployments without ZMQ, and
// backstops missed notifications for those with it.
func pollTip(ctx context.Context, n *rpcNode) {
	interval := 5 * time.Second
	if n.cfg.ZMQHashBlockAddr != "" {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := n.syncTip(ctx); err != nil {
				logger.Debug("tip poll failed", "error", err)
			}
		}
	}
}

// watchZMQ subscribes to the node's hashblock notifications and converts
// them into tip-change signals. Errors reconnect with a delay; pollTip's
// thirty-second poll covers any gap.
func (n *rpcNode) watchZMQ(ctx context.Context) {
	addr := n.cfg.ZMQHashBlockAddr
	if addr == "" {
		return
	}
	for ctx.Err() == nil {
		sub, err := zmq4.NewSocket(zmq4.SUB)
		if err != nil {
			logger.Error("zmq socket", "error", err)
			return
		}
		_ = sub.SetRcvtimeo(time.Second)
		if err := sub.Connect(addr); err != nil {
			logger.Warn("zmq connect failed", "addr", addr, "error", err)
			_ = sub.Close()
			time.Sleep(5 * time.Second)
			continue
		}
		_ = sub.SetSubscribe("hashblock")
		logger.Info("zmq tip watcher connected", "addr", addr)

		for ctx.Err() == nil {
			parts, err := sub.RecvMessageBytes(0)
			if err != nil {
				if zmq4.AsErrno(err) == zmq4.Errno(syscall.EAGAIN) {
					continue
				}
				logger.Warn("zmq receive failed", "error", err)
				break
			}
			if len(parts) >= 2 && string(parts[0]) == "hashblock" {
				logger.Debug("zmq block notification", "block_hash", hex.EncodeToString(parts[1]))
				if _, err := n.syncTip(ctx); err != nil {
					logger.Warn("tip sync after zmq notification failed", "error", err)
				}
			}
		}
		_ = sub.Close()
		time.Sleep(time.Second)
	}
}
