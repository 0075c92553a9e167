package main

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"
)

// secondStageEntry binds a delivered second-stage unit to its chain.
type secondStageEntry struct {
	chainID ChainID
	work    SecondStageWork
}

// StratumServer owns all server-mutable state: the template store, the
// second-stage store, the subscription set, and the bound listeners. One
// mutex guards the lot; the node-side chain lock is always taken first.
type StratumServer struct {
	cfg        Config
	node       NodeClient
	mergeMine  MergeMineClient
	shareChain ShareChainParams
	chainNames map[string]ChainID

	// chainMu is the host's chain lock, held around template construction
	// and aux work queries. Acquire before mu.
	chainMu sync.Locker

	mu            sync.Mutex
	templates     *templateStore
	secondStages  map[string]secondStageEntry
	subscriptions map[*StratumClient]struct{}
	listeners     []net.Listener
	shutdown      bool

	allowSubnets []*net.IPNet

	watcherWake    chan struct{}
	watcherDone    chan struct{}
	watcherStarted bool
	connWg         sync.WaitGroup

	shareLog *shareLog
	notifier *foundBlockNotifier

	startTime time.Time
}

func NewStratumServer(cfg Config, node NodeClient, mergeMine MergeMineClient, shareChain ShareChainParams) *StratumServer {
	if mergeMine == nil {
		mergeMine = disabledMergeMine{}
	}
	return &StratumServer{
		cfg:           cfg,
		node:          node,
		mergeMine:     mergeMine,
		shareChain:    shareChain,
		chainNames:    cfg.mergeMineChainNames(),
		chainMu:       &sync.Mutex{},
		templates:     newTemplateStore(),
		secondStages:  make(map[string]secondStageEntry),
		subscriptions: make(map[*StratumClient]struct{}),
		watcherWake:   make(chan struct{}, 1),
		watcherDone:   make(chan struct{}),
		startTime:     time.Now(),
	}
}

// SetChainLock injects the host's chain lock adapter. By default the server
// uses a private mutex, which is correct for an out-of-process node.
func (s *StratumServer) SetChainLock(l sync.Locker) {
	if l != nil {
		s.chainMu = l
	}
}

// InitStratumServer binds the configured endpoints and starts the accept
// loops and the block watcher. A false return means no endpoint could be
// bound; the caller decides whether that is fatal.
func (s *StratumServer) InitStratumServer() bool {
	subnets, err := parseSubnetAllowList(s.cfg.StratumAllowIP)
	if err != nil {
		logger.Error("invalid stratum allow list", "error", err)
		return false
	}
	s.allowSubnets = subnets
	if len(subnets) > 0 {
		var allowed []string
		for _, subnet := range subnets {
			allowed = append(allowed, subnet.String())
		}
		logger.Info("allowing stratum connections from", "subnets", strings.Join(allowed, " "))
	}

	endpoints := s.cfg.stratumEndpoints()
	s.mu.Lock()
	for _, endpoint := range endpoints {
		ln, err := net.Listen("tcp", endpoint)
		if err != nil {
			logger.Error("binding stratum endpoint failed", "endpoint", endpoint, "error", err)
			continue
		}
		logger.Info("binding stratum on address", "endpoint", endpoint)
		s.listeners = append(s.listeners, ln)
	}
	bound := len(s.listeners)
	s.mu.Unlock()

	if bound == 0 {
		logger.Error("unable to bind any endpoint for stratum server")
		return false
	}

	for _, ln := range s.listeners {
		go s.acceptLoop(ln)
	}
	s.watcherStarted = true
	go s.blockWatcher()

	logger.Info("initialized stratum server")
	return true
}

// InterruptStratumServer stops accepting new connections and tells the block
// watcher to wind down. Existing connections continue until Stop.
func (s *StratumServer) InterruptStratumServer() {
	s.mu.Lock()
	s.shutdown = true
	listeners := append([]net.Listener(nil), s.listeners...)
	s.mu.Unlock()

	for _, ln := range listeners {
		logger.Info("interrupting stratum service", "endpoint", ln.Addr().String())
		_ = ln.Close()
	}
	select {
	case s.watcherWake <- struct{}{}:
	default:
	}
}

// StopStratumServer tears down connections and frees all held templates.
func (s *StratumServer) StopStratumServer() {
	s.mu.Lock()
	for client := range s.subscriptions {
		logger.Debug("closing stratum server connection due to process termination", "remote", client.peer())
		_ = client.conn.Close()
	}
	s.subscriptions = make(map[*StratumClient]struct{})
	s.listeners = nil
	s.templates = newTemplateStore()
	s.mu.Unlock()

	s.connWg.Wait()
	if s.watcherStarted {
		<-s.watcherDone
	}

	if s.shareLog != nil {
		s.shareLog.Close()
	}
}

func (s *StratumServer) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.shutdown
			s.mu.Unlock()
			if closing || errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warn("stratum accept failed", "error", err)
			continue
		}
		if !s.clientAllowed(conn.RemoteAddr()) {
			logger.Debug("rejected connection from disallowed subnet", "remote", conn.RemoteAddr().String())
			_ = conn.Close()
			continue
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			// Shares are latency sensitive; send small packets immediately.
			_ = tcp.SetNoDelay(true)
		}

		client := newStratumClient(conn)
		s.mu.Lock()
		if s.shutdown {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.subscriptions[client] = struct{}{}
		s.mu.Unlock()
		logger.Debug("accepted stratum connection", "remote", client.peer())

		s.connWg.Add(1)
		go s.serveClient(client)
	}
}

func (s *StratumServer) clientAllowed(addr net.Addr) bool {
	if len(s.allowSubnets) == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, subnet := range s.allowSubnets {
		if subnet.Contains(ip) {
			return true
		}
	}
	return false
}

func parseSubnetAllowList(entries []string) ([]*net.IPNet, error) {
	var subnets []*net.IPNet
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				return nil, fmt.Errorf("invalid allow list entry %q", entry)
			}
			bitlen := 32
			if ip.To4() == nil {
				bitlen = 128
			}
			subnets = append(subnets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bitlen, bitlen)})
			continue
		}
		_, subnet, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid allow list entry %q: %w", entry, err)
		}
		subnets = append(subnets, subnet)
	}
	return subnets, nil
}

// serveClient is the per-connection read loop: line-delimited JSON requests
// in, replies and pending work out.
func (s *StratumServer) serveClient(client *StratumClient) {
	defer s.connWg.Done()
	defer s.dropClient(client)

	for client.scanner.Scan() {
		line := bytes.TrimSpace(client.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		logger.Debug("received stratum request", "remote", client.peer(), "line", string(line))

		reply, respond := s.handleLine(client, line)
		if respond {
			if err := client.writeJSON(reply); err != nil {
				logger.Debug("sending stratum response failed", "remote", client.peer(), "error", err)
				return
			}
		}

		// If required, send new work to the client.
		if err := s.flushPendingWork(client); err != nil {
			logger.Debug("sending stratum work unit failed", "remote", client.peer(), "error", err)
			return
		}
	}

	switch err := client.scanner.Err(); {
	case err == nil:
		logger.Debug("remote disconnect received on stratum connection", "remote", client.peer())
	case errors.Is(err, bufio.ErrTooLong):
		logger.Warn("closing stratum connection for oversized request line", "remote", client.peer(), "limit_bytes", maxStratumLineSize)
	case errors.Is(err, net.ErrClosed):
		logger.Debug("remote disconnect received on stratum connection", "remote", client.peer())
	default:
		logger.Debug("error detected on stratum connection", "remote", client.peer(), "error", err)
	}
}

// scanStratumLines is a bufio.Scanner split function where either CR or LF
// terminates a request; the empty token a CRLF pair leaves behind is skipped
// by the read loop.
func scanStratumLines(data []byte, atEOF bool) (int, []byte, error) {
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// handleLine parses and dispatches one request, returning the reply and
// whether one should be written.
func (s *StratumServer) handleLine(client *StratumClient, line []byte) (StratumResponse, bool) {
	var req StratumRequest
	if err := fastJSONUnmarshal(line, &req); err != nil {
		return errorReply(nil, &stratumError{Code: rpcParseError, Message: "parse error"}), true
	}
	if req.Method == "" {
		// A JSON-RPC reply from the miner; ignore it.
		var probe map[string]any
		if err := fastJSONUnmarshal(line, &probe); err != nil {
			return errorReply(req.ID, &stratumError{Code: rpcParseError, Message: "parse error"}), true
		}
		if _, ok := probe["result"]; ok {
			logger.Debug("ignoring json-rpc response", "remote", client.peer())
			return StratumResponse{}, false
		}
		return errorReply(req.ID, &stratumError{Code: rpcMethodNotFound, Message: "method '' not found"}), true
	}

	handler, ok := stratumDispatch[req.Method]
	if !ok {
		return errorReply(req.ID, &stratumError{Code: rpcMethodNotFound, Message: fmt.Sprintf("method '%s' not found", req.Method)}), true
	}

	s.chainMu.Lock()
	s.mu.Lock()
	result, err := handler(s, client, req.Params)
	s.mu.Unlock()
	s.chainMu.Unlock()

	if err != nil {
		return errorReply(req.ID, err), true
	}
	return StratumResponse{Result: result, Error: nil, ID: req.ID}, true
}

// flushPendingWork delivers a work unit when a handler or the verifier
// flagged the client for one.
func (s *StratumServer) flushPendingWork(client *StratumClient) error {
	s.chainMu.Lock()
	s.mu.Lock()
	pending := client.sendWork
	var msgs []StratumMessage
	var err error
	if pending {
		msgs, err = s.getWorkUnit(client)
		client.sendWork = false
	}
	s.mu.Unlock()
	s.chainMu.Unlock()

	if !pending {
		return nil
	}
	if err != nil {
		logger.Debug("error generating work for stratum client", "remote", client.peer(), "error", err)
		return client.writeJSON(errorReply(nil, err))
	}
	logger.Debug("sending stratum work unit", "remote", client.peer())
	return client.writeMessages(msgs)
}

func (s *StratumServer) dropClient(client *StratumClient) {
	s.mu.Lock()
	delete(s.subscriptions, client)
	s.mu.Unlock()
	_ = client.conn.Close()
	logger.Debug("closing stratum connection", "remote", client.peer())
}

func (c *StratumClient) writeJSON(v any) error {
	b, err := fastJSONMarshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	return c.writeBytes(b)
}

// writeMessages sends a work-unit group as consecutive lines with no
// interleaving from other writers.
func (c *StratumClient) writeMessages(msgs []StratumMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	buf := c.writeScratch[:0]
	for _, msg := range msgs {
		b, err := fastJSONMarshal(msg)
		if err != nil {
			return err
		}
		buf = append(buf, b...)
		buf = append(buf, '\n')
	}
	c.writeScratch = buf[:0]
	return c.writeBytesLocked(buf)
}

func (c *StratumClient) writeBytes(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.writeBytesLocked(b)
}

func (c *StratumClient) writeBytesLocked(b []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(stratumWriteTimeout)); err != nil {
		return err
	}
	for len(b) > 0 {
		n, err := c.conn.Write(b)
		if n > 0 {
			b = b[n:]
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrUnexpectedEOF
		}
	}
	return nil
}
