package main

import (
	"bufio"
	"crypto/rand"
	"net"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// secondStageKey identifies the second-stage unit a client was last notified
// of: the auxiliary chain and the previous-block hash it extends.
type secondStageKey struct {
	chainID   ChainID
	prevBlock chainhash.Hash
}

// mmWorkEntry is one generated merge-mining commitment set, remembered so a
// later submission referencing its root can rebuild the aux proofs.
type mmWorkEntry struct {
	stamp uint64 // milliseconds
	work  map[ChainID]AuxWork
}

// StratumClient is the per-connection state. Handler methods and the watcher
// both touch it, always under the server mutex; only the raw connection
// writes take the dedicated write lock.
type StratumClient struct {
	id      string
	conn    net.Conn
	scanner *bufio.Scanner

	writeMu      sync.Mutex
	writeScratch []byte

	// nextID numbers server-initiated notifications.
	nextID int

	// secret seeds the extranonce1 derivation for this session.
	secret [32]byte

	userAgent string

	authorized bool
	addr       btcutil.Address
	addrString string
	payout     []byte
	minDiff    float64

	// mmAuth maps each authorized auxiliary chain to the credentials
	// forwarded upstream; mmWork remembers generated commitment sets by
	// their Merkle-map root.
	mmAuth map[ChainID]mmAuth
	mmWork map[chainhash.Hash]mmWorkEntry

	versionRollingMask uint32

	lastTip         chainhash.Hash
	haveLastTip     bool
	lastSecondStage *secondStageKey
	sendWork        bool

	supportsExtraNonce bool
}

func newStratumClient(conn net.Conn) *StratumClient {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxStratumLineSize)
	scanner.Split(scanStratumLines)
	c := &StratumClient{
		id:      conn.RemoteAddr().String(),
		conn:    conn,
		scanner: scanner,
		mmAuth:  make(map[ChainID]mmAuth),
		mmWork:  make(map[chainhash.Hash]mmWorkEntry),
	}
	c.genSecret()
	return c
}

func (c *StratumClient) genSecret() {
	if _, err := rand.Read(c.secret[:]); err != nil {
		// The random source failing is unrecoverable for session setup.
		panic(err)
	}
}

// extraNonce1 derives the miner-visible extranonce1 for a job. It is
// deterministic for the session and, once the miner has subscribed to
// extranonce updates, bound to the job id as well.
func (c *StratumClient) extraNonce1(jobID chainhash.Hash) []byte {
	h := newSHA256Stream()
	h.Write(c.secret[:])
	if c.supportsExtraNonce {
		h.Write(jobID[:])
	}
	sum := h.Sum()
	return append([]byte(nil), sum[:extraNonce1Size]...)
}

func (c *StratumClient) peer() string {
	return c.id
}
