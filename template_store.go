package main

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const (
	// maxWorkTemplates bounds how many block templates are retained; the
	// oldest is dropped once the cap is exceeded.
	maxWorkTemplates = 30
	// workTemplateExpirySeconds ages out templates by their block timestamp.
	workTemplateExpirySeconds = 900
)

// templateStore holds the job-id -> work template map together with the
// refresh bookkeeping the work builder needs to decide when a new template
// is due. All access happens under the server mutex.
type templateStore struct {
	templates map[chainhash.Hash]*StratumWork

	curJobID      chainhash.Hash
	curTip        chainhash.Hash
	haveTip       bool
	txUpdatedLast uint64
	lastUpdate    int64 // unix seconds of the last template build
}

func newTemplateStore() *templateStore {
	return &templateStore{
		templates: make(map[chainhash.Hash]*StratumWork),
	}
}

func (ts *templateStore) lookup(jobID chainhash.Hash) *StratumWork {
	return ts.templates[jobID]
}

func (ts *templateStore) current() *StratumWork {
	return ts.templates[ts.curJobID]
}

func (ts *templateStore) size() int {
	return len(ts.templates)
}

// needsRefresh reports whether a new template must be built: the tip moved,
// the mempool advanced and the last build is at least five seconds old, or
// the current job has been evicted.
func (ts *templateStore) needsRefresh(tip chainhash.Hash, txUpdated uint64, now int64) bool {
	if !ts.haveTip || ts.curTip != tip {
		return true
	}
	if txUpdated != ts.txUpdatedLast && now-ts.lastUpdate >= 5 {
		return true
	}
	if _, ok := ts.templates[ts.curJobID]; !ok {
		return true
	}
	return false
}

// insert records a freshly built template as current and runs the eviction
// pass: templates whose block timestamp has fallen out of the expiry window
// are dropped, and if the store still exceeds its cap the single oldest goes.
// The template just inserted is never evicted, even with a stale timestamp.
func (ts *templateStore) insert(work *StratumWork, tip chainhash.Hash, txUpdated uint64, now int64) {
	jobID := work.JobID()
	ts.templates[jobID] = work
	ts.curJobID = jobID
	ts.curTip = tip
	ts.haveTip = true
	ts.txUpdatedLast = txUpdated
	ts.lastUpdate = now

	logger.Debug("new stratum block template", "total", len(ts.templates), "job_id", hashHex(jobID))

	var oldJobIDs []chainhash.Hash
	for id, tmpl := range ts.templates {
		// If, for whatever reason, the new work was generated with an old
		// nTime, don't erase it!
		if id == jobID {
			continue
		}
		if tmpl.Block().Header.Timestamp.Unix() < now-workTemplateExpirySeconds {
			oldJobIDs = append(oldJobIDs, id)
		}
	}
	for _, id := range oldJobIDs {
		delete(ts.templates, id)
		logger.Debug("removed outdated stratum block template", "total", len(ts.templates), "job_id", hashHex(id))
	}
	// Still over the cap: drop the single oldest of the survivors.
	if len(ts.templates) > maxWorkTemplates {
		var oldestJobID chainhash.Hash
		haveOldest := false
		oldestTime := now
		for id, tmpl := range ts.templates {
			if id == jobID {
				continue
			}
			if blockTime := tmpl.Block().Header.Timestamp.Unix(); blockTime <= oldestTime {
				oldestJobID = id
				haveOldest = true
				oldestTime = blockTime
			}
		}
		if haveOldest {
			delete(ts.templates, oldestJobID)
			logger.Debug("removed oldest stratum block template", "total", len(ts.templates), "job_id", hashHex(oldestJobID))
		}
	}
}

// pruneMergeMineWork applies the same retention rule to a client's stored
// merge-mining work sets, whose timestamps are in milliseconds.
func pruneMergeMineWork(client *StratumClient, now int64) {
	nowMillis := uint64(now) * 1000
	cutoff := nowMillis - workTemplateExpirySeconds*1000

	var oldIDs []chainhash.Hash
	for root, entry := range client.mmWork {
		if entry.stamp < cutoff {
			oldIDs = append(oldIDs, root)
		}
	}
	for _, root := range oldIDs {
		delete(client.mmWork, root)
		logger.Debug("removed outdated merge-mining work unit", "miner", client.addrString, "remote", client.id, "total", len(client.mmWork), "mm_root", hashHex(root))
	}
	if len(client.mmWork) > maxWorkTemplates {
		var oldestID chainhash.Hash
		haveOldest := false
		oldestStamp := nowMillis
		for root, entry := range client.mmWork {
			if entry.stamp <= oldestStamp {
				oldestID = root
				haveOldest = true
				oldestStamp = entry.stamp
			}
		}
		if haveOldest {
			delete(client.mmWork, oldestID)
			logger.Debug("removed oldest merge-mining work unit", "miner", client.addrString, "remote", client.id, "total", len(client.mmWork), "mm_root", hashHex(oldestID))
		}
	}
}
