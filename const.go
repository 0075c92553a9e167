package main

import "time"

const (
	// Combined extranonce spliced into the coinbase scriptSig: the
	// server-assigned half followed by the miner-iterated half.
	extraNonce1Size     = 8
	extraNonce2Size     = 4
	extraNonceTotalSize = extraNonce1Size + extraNonce2Size

	// maxStratumLineSize bounds a single request line; anything longer is a
	// protocol error and the connection is dropped.
	maxStratumLineSize = 64 * 1024

	stratumWriteTimeout = 60 * time.Second

	// versionRollingAllowed is the portion of nVersion miners may roll.
	versionRollingAllowed = uint32(0x1fffe000)

	// blockWatcherInterval is the periodic wake of the block watcher when no
	// tip change arrives.
	blockWatcherInterval = 15 * time.Second

	// minimumDifficulty floors the difficulty ever sent to a miner.
	minimumDifficulty = 0.001
)
