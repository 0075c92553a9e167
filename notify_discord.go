package main

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/bwmarrin/discordgo"
)

// foundBlockNotifier announces solved blocks to a Discord channel. Entirely
// optional; when unconfigured the server logs and moves on.
type foundBlockNotifier struct {
	session   *discordgo.Session
	channelID string
}

func newFoundBlockNotifier(token, channelID string) (*foundBlockNotifier, error) {
	if token == "" || channelID == "" {
		return nil, nil
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &foundBlockNotifier{session: session, channelID: channelID}, nil
}

func (n *foundBlockNotifier) notify(miner string, height int64, hash chainhash.Hash) {
	msg := fmt.Sprintf("Block %d found by %s\n`%s`", height, miner, hash.String())
	if _, err := n.session.ChannelMessageSend(n.channelID, msg); err != nil {
		logger.Warn("discord block notification failed", "error", err)
	}
}

// noteFoundBlock fires the found-block side effects off the submit path.
// The notification itself runs outside the server mutex.
func (s *StratumServer) noteFoundBlock(client *StratumClient, work *StratumWork, hash chainhash.Hash) {
	if s.notifier == nil {
		return
	}
	go s.notifier.notify(client.addrString, work.height, hash)
}
