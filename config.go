package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml"
)

type Config struct {
	// Stratum service.
	StratumPort    int      `toml:"stratum_port"`
	StratumBind    []string `toml:"stratum_bind"`
	StratumAllowIP []string `toml:"stratum_allow_ip"`

	// Share chain selection: "solo" or "main".
	ShareChain string `toml:"share_chain"`

	// Host node RPC.
	RPCURL        string `toml:"rpc_url"`
	RPCUser       string `toml:"rpc_user"`
	RPCPass       string `toml:"rpc_pass"`
	RPCCookiePath string `toml:"rpc_cookie_path"`

	// Node ZMQ notifications (optional; the periodic tip poll covers gaps).
	ZMQHashBlockAddr string `toml:"zmq_hashblock_addr"`

	// Merge-mining chain aliases usable in the authorize password:
	// name -> 64-hex aux-pow path.
	MergeMineChains map[string]string `toml:"merge_mine_chains"`

	// Logging.
	LogLevel string `toml:"log_level"`
	LogFile  string `toml:"log_file"`

	// Optional accepted-share event journal.
	ShareLogPath string `toml:"share_log_path"`

	// Optional found-block Discord notifications.
	DiscordBotToken  string `toml:"discord_bot_token"`
	DiscordChannelID string `toml:"discord_channel_id"`

	network string
}

var configExample = []byte(`# goStratum configuration

# Stratum listen port; stratum_bind entries without a port use this.
# stratum_port = 9638
# stratum_bind = ["0.0.0.0"]

# Restrict miner connections to these subnets (empty allows everyone).
# stratum_allow_ip = ["10.0.0.0/8", "192.168.1.5"]

# Share chain: "solo" or "main".
# share_chain = "main"

# Host node RPC endpoint and credentials (or auth cookie).
rpc_url = "http://127.0.0.1:8332"
# rpc_user = "rpcuser"
# rpc_pass = "rpcpass"
# rpc_cookie_path = "~/.node/.cookie"

# Node ZMQ block notifications, e.g. "tcp://127.0.0.1:28332".
# zmq_hashblock_addr = ""

# Merge-mining chain aliases for the authorize password.
# [merge_mine_chains]
# examplechain = "c1b8a2...64 hex characters...00ff"

# log_level = "info"
# log_file = ""

# share_log_path = ""

# discord_bot_token = ""
# discord_channel_id = ""
`)

func loadConfig(path string) (Config, error) {
	cfg := Config{
		ShareChain: shareChainNameMain,
		LogLevel:   "info",
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if werr := os.WriteFile(path, configExample, 0o644); werr == nil {
				logger.Info("wrote example config", "path", path)
			}
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if cfg.ShareChain == "" {
		cfg.ShareChain = shareChainNameMain
	}
	return cfg, nil
}

func validateConfig(cfg Config) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("rpc_url is required")
	}
	if cfg.StratumPort < 0 || cfg.StratumPort > 65535 {
		return fmt.Errorf("stratum_port out of range: %d", cfg.StratumPort)
	}
	for name, id := range cfg.MergeMineChains {
		if _, err := parseUint256(id, "merge_mine_chains."+name); err != nil {
			return err
		}
	}
	return nil
}

// stratumEndpoints expands the bind list into host:port endpoints, falling
// back to a wildcard bind on the network's default port.
func (cfg Config) stratumEndpoints() []string {
	port := cfg.StratumPort
	if port == 0 {
		port = defaultStratumPort(cfg.network)
	}
	if len(cfg.StratumBind) == 0 {
		return []string{fmt.Sprintf(":%d", port)}
	}
	endpoints := make([]string, 0, len(cfg.StratumBind))
	for _, bind := range cfg.StratumBind {
		bind = strings.TrimSpace(bind)
		if bind == "" {
			continue
		}
		if hasPort(bind) {
			endpoints = append(endpoints, bind)
		} else {
			endpoints = append(endpoints, net.JoinHostPort(bind, strconv.Itoa(port)))
		}
	}
	return endpoints
}

func hasPort(endpoint string) bool {
	idx := strings.LastIndexByte(endpoint, ':')
	if idx == -1 || strings.HasSuffix(endpoint, "]") {
		return false
	}
	// An unbracketed IPv6 literal has more than one colon and no port.
	if strings.Count(endpoint, ":") > 1 && !strings.Contains(endpoint, "]") {
		return false
	}
	port, err := strconv.Atoi(endpoint[idx+1:])
	return err == nil && port > 0 && port <= 65535
}

func splitCommaList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

// mergeMineChainNames resolves the configured chain aliases. Entries were
// validated at startup; anything unparsable here is skipped.
func (cfg Config) mergeMineChainNames() map[string]ChainID {
	names := make(map[string]ChainID, len(cfg.MergeMineChains))
	for name, id := range cfg.MergeMineChains {
		chainid, err := parseUint256(id, name)
		if err != nil {
			continue
		}
		names[name] = chainid
	}
	return names
}
