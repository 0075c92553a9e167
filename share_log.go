package main

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	_ "modernc.org/sqlite"
)

// shareLog journals accepted-share events to a local sqlite database. The
// server only emits events; aggregation and payout accounting live outside
// this process.
type shareLog struct {
	db   *sql.DB
	stmt *sql.Stmt
}

func openShareLog(path string) (*shareLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open share log: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS share_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			at INTEGER NOT NULL,
			kind TEXT NOT NULL,
			chain TEXT NOT NULL,
			miner TEXT NOT NULL,
			hash TEXT NOT NULL,
			difficulty REAL NOT NULL
		);
		CREATE INDEX IF NOT EXISTS share_events_at ON share_events(at);
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init share log schema: %w", err)
	}
	stmt, err := db.Prepare(`INSERT INTO share_events (at, kind, chain, miner, hash, difficulty) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("prepare share log insert: %w", err)
	}
	return &shareLog{db: db, stmt: stmt}, nil
}

func (l *shareLog) record(kind, chain, miner, hash string, difficulty float64) {
	if _, err := l.stmt.Exec(time.Now().Unix(), kind, chain, miner, hash, difficulty); err != nil {
		logger.Warn("share log insert failed", "error", err)
	}
}

func (l *shareLog) Close() {
	if l.stmt != nil {
		_ = l.stmt.Close()
	}
	if l.db != nil {
		_ = l.db.Close()
	}
}

// noteShareEvent records one emitted share event. kind is "main", "aux", or
// "second-stage"; chain is empty for the main chain.
func (s *StratumServer) noteShareEvent(kind, chain, miner string, hash chainhash.Hash, difficulty float64) {
	if s.shareLog == nil {
		return
	}
	s.shareLog.record(kind, chain, miner, hash.String(), difficulty)
}
