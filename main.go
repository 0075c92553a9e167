package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
)

func main() {
	configFlag := flag.String("config", "gostratum.toml", "path to config file")
	networkFlag := flag.String("network", "", "network: mainnet, testnet, regtest")
	shareChainFlag := flag.String("sharechain", "", "share chain: solo or main")
	stratumPortFlag := flag.Int("stratumport", 0, "override stratum listen port")
	stratumBindFlag := flag.String("stratumbind", "", "comma-separated bind endpoints")
	stratumAllowFlag := flag.String("stratumallowip", "", "comma-separated allowed subnets")
	logLevelFlag := flag.String("log-level", "", "override log level (debug/info/warn/error)")
	flag.Parse()

	cfg, err := loadConfig(*configFlag)
	if err != nil {
		fatal("config", err)
	}
	cfg.network = strings.ToLower(*networkFlag)
	if *stratumPortFlag != 0 {
		cfg.StratumPort = *stratumPortFlag
	}
	if *stratumBindFlag != "" {
		cfg.StratumBind = splitCommaList(*stratumBindFlag)
	}
	if *stratumAllowFlag != "" {
		cfg.StratumAllowIP = splitCommaList(*stratumAllowFlag)
	}
	if err := validateConfig(cfg); err != nil {
		fatal("config", err)
	}
	SetChainParams(cfg.network)

	logLevelName := cfg.LogLevel
	if *logLevelFlag != "" {
		logLevelName = *logLevelFlag
	}
	level, err := parseLogLevel(logLevelName)
	if err != nil {
		fatal("log level", err)
	}
	setLogLevel(level)
	debugLogging = level <= logLevelDebug
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fatal("log file", err)
		}
		logger.configureWriter(f, true)
	}
	defer logger.Stop()

	shareChainName := cfg.ShareChain
	if *shareChainFlag != "" {
		shareChainName = *shareChainFlag
	}
	shareChain, err := SelectShareParams(shareChainName)
	if err != nil {
		fatal("share chain", err)
	}

	logger.Info("starting stratum server", "network", ChainParams().Name, "share_chain", shareChain.Name, "sha256", sha256ImplementationName())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rpcClient := NewRPCClient(cfg)
	node := newRPCNode(rpcClient, cfg)
	if _, err := node.syncTip(ctx); err != nil {
		fatal("node tip sync", err)
	}
	go node.watchZMQ(ctx)
	go node.watchMempool(ctx)
	go pollTip(ctx, node)

	server := NewStratumServer(cfg, node, nil, shareChain)

	if cfg.ShareLogPath != "" {
		shareLog, err := openShareLog(cfg.ShareLogPath)
		if err != nil {
			fatal("share log", err)
		}
		server.shareLog = shareLog
	}
	if notifier, err := newFoundBlockNotifier(cfg.DiscordBotToken, cfg.DiscordChannelID); err != nil {
		logger.Warn("discord notifier disabled", "error", err)
	} else if notifier != nil {
		server.notifier = notifier
	}

	if !server.InitStratumServer() {
		fatal("stratum server", errors.New("unable to bind any stratum endpoint"))
	}

	<-ctx.Done()
	logger.Info("shutdown requested")
	server.InterruptStratumServer()
	server.StopStratumServer()
}
