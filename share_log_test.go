package main

import (
	"path/filepath"
	"testing"
)

func TestShareLogRecordsEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shares.db")
	log, err := openShareLog(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer log.Close()

	log.record("main", "", "miner-a", hashFromByte(1).String(), 1.5)
	log.record("aux", hashHex(hashFromByte(2)), "miner-b", hashFromByte(3).String(), 64)

	rows, err := log.db.Query(`SELECT kind, miner, difficulty FROM share_events ORDER BY id`)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	defer rows.Close()

	type event struct {
		kind  string
		miner string
		diff  float64
	}
	var events []event
	for rows.Next() {
		var e event
		if err := rows.Scan(&e.kind, &e.miner, &e.diff); err != nil {
			t.Fatalf("scan: %v", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d; want 2", len(events))
	}
	if events[0].kind != "main" || events[0].miner != "miner-a" || events[0].diff != 1.5 {
		t.Fatalf("first event = %+v", events[0])
	}
	if events[1].kind != "aux" || events[1].diff != 64 {
		t.Fatalf("second event = %+v", events[1])
	}
}
