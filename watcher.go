package main

import (
	"time"

	"github.com/hako/durafmt"
	"github.com/remeh/sizedwaitgroup"
)

// blockWatcher waits for new blocks and sends updated work to miners. Wake
// sources are the periodic timer, the node's tip-change signal, and the
// interrupt path.
func (s *StratumServer) blockWatcher() {
	defer close(s.watcherDone)

	ticker := time.NewTicker(blockWatcherInterval)
	defer ticker.Stop()

	var txnsUpdatedLast uint64
	lastStatus := time.Now()

	for {
		timedOut := false
		select {
		case <-ticker.C:
			timedOut = true
		case <-s.node.TipChange():
		case <-s.watcherWake:
		}

		// Attempt to re-establish any merge-mine connections that have been
		// dropped.
		s.mergeMine.Reconnect()

		if timedOut {
			// Timeout: only push work if the mempool advanced meanwhile.
			next := s.node.TransactionsUpdated()
			if next == txnsUpdatedLast {
				if time.Since(lastStatus) >= time.Hour {
					s.logStatus(&lastStatus)
				}
				continue
			}
			txnsUpdatedLast = next
		}

		s.mu.Lock()
		if s.shutdown {
			s.mu.Unlock()
			return
		}
		clients := make([]*StratumClient, 0, len(s.subscriptions))
		for client := range s.subscriptions {
			clients = append(clients, client)
		}
		s.mu.Unlock()

		// Either a new block, updated transactions, or updated merge-mining
		// commitments. Push refreshed work to every miner that needs it,
		// fanning the writes out with a bounded group so one slow socket
		// cannot stall the rest.
		swg := sizedwaitgroup.New(8)
		for _, client := range clients {
			payload, send := s.refreshClientWork(client)
			if !send {
				continue
			}
			swg.Add()
			go func(client *StratumClient, msgs []StratumMessage, errReply *StratumResponse) {
				defer swg.Done()
				var err error
				if errReply != nil {
					err = client.writeJSON(*errReply)
				} else {
					err = client.writeMessages(msgs)
				}
				if err != nil {
					logger.Debug("sending stratum work unit failed", "remote", client.peer(), "error", err)
				}
			}(client, payload.msgs, payload.errReply)
		}
		swg.Wait()

		if time.Since(lastStatus) >= time.Hour {
			s.logStatus(&lastStatus)
		}
	}
}

type workPayload struct {
	msgs     []StratumMessage
	errReply *StratumResponse
}

// refreshClientWork decides whether a client needs an updated work unit and
// builds it. Clients already working on the current tip with a stored
// commitment set under the current merge-mining root (or on the current
// second-stage unit) are skipped; typically that is just the miner who found
// the block and was sent fresh work in the submit path moments ago. A client
// with nothing stored under that root is offered work again.
func (s *StratumServer) refreshClientWork(client *StratumClient) (workPayload, bool) {
	s.chainMu.Lock()
	defer s.chainMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if !client.authorized {
		return workPayload{}, false
	}

	var hint *ChainID
	if client.lastSecondStage != nil {
		hint = &client.lastSecondStage.chainID
	}
	chainID, secondStage := s.mergeMine.GetSecondStageWork(hint)
	if secondStage != nil && client.lastSecondStage != nil &&
		client.lastSecondStage.chainID == chainID &&
		client.lastSecondStage.prevBlock == secondStage.PrevBlock {
		return workPayload{}, false
	}
	if secondStage == nil {
		tip := s.node.Tip()
		mmwork := s.mergeMine.GetWork(client.mmAuth)
		mmRoot, err := auxWorkMerkleRoot(mmwork)
		if err == nil && tip != nil && client.haveLastTip && client.lastTip == tip.Hash {
			if _, ok := client.mmWork[mmRoot]; ok {
				return workPayload{}, false
			}
		}
	}

	msgs, err := s.getWorkUnit(client)
	if err != nil {
		logger.Debug("error generating updated work for stratum client", "remote", client.peer(), "error", err)
		reply := errorReply(nil, err)
		return workPayload{errReply: &reply}, true
	}
	return workPayload{msgs: msgs}, true
}

func (s *StratumServer) logStatus(lastStatus *time.Time) {
	s.mu.Lock()
	clients := len(s.subscriptions)
	templates := s.templates.size()
	s.mu.Unlock()
	uptime := durafmt.Parse(time.Since(s.startTime).Round(time.Second)).LimitFirstN(2)
	logger.Info("stratum server status", "clients", clients, "templates", templates, "uptime", uptime.String())
	*lastStatus = time.Now()
}
