package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
)

type StratumRequest struct {
	ID     any    `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

type StratumResponse struct {
	Result any `json:"result"`
	Error  any `json:"error"`
	ID     any `json:"id"`
}

// StratumMessage is a server-initiated notification.
type StratumMessage struct {
	ID     any    `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// JSON-RPC error codes shared with the node RPC surface.
const (
	rpcParseError       = -32700
	rpcMethodNotFound   = -32601
	rpcInternalError    = -32603
	rpcInvalidRequest   = -32600
	rpcInvalidParameter = -8
	rpcOutOfMemory      = -7
	rpcNotConnected     = -9
	rpcInInitialDownload = -10
)

// stratumError carries the JSON-RPC code for failures that must surface to
// the miner as structured errors.
type stratumError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *stratumError) Error() string {
	return e.Message
}

func errInvalidParams(format string, args ...any) *stratumError {
	return &stratumError{Code: rpcInvalidParameter, Message: fmt.Sprintf(format, args...)}
}

func errorReply(id any, err error) StratumResponse {
	if serr, ok := err.(*stratumError); ok {
		return StratumResponse{Result: nil, Error: serr, ID: id}
	}
	return StratumResponse{Result: nil, Error: &stratumError{Code: rpcInternalError, Message: err.Error()}, ID: id}
}

type stratumHandler func(s *StratumServer, client *StratumClient, params []any) (any, error)

// stratumDispatch is the compile-time method table.
var stratumDispatch = map[string]stratumHandler{
	"mining.subscribe":            (*StratumServer).miningSubscribe,
	"mining.authorize":            (*StratumServer).miningAuthorize,
	"mining.configure":            (*StratumServer).miningConfigure,
	"mining.submit":               (*StratumServer).miningSubmit,
	"mining.extranonce.subscribe": (*StratumServer).miningExtraNonceSubscribe,
}

func boundParams(method string, params []any, min, max int) error {
	if len(params) < min {
		return errInvalidParams("%s expects at least %d parameters; received %d", method, min, len(params))
	}
	if len(params) > max {
		return errInvalidParams("%s receives no more than %d parameters; got %d", method, max, len(params))
	}
	return nil
}

func paramString(params []any, i int, name string) (string, error) {
	s, ok := params[i].(string)
	if !ok {
		return "", errInvalidParams("%s must be a string", name)
	}
	return s, nil
}

func (s *StratumServer) miningSubscribe(client *StratumClient, params []any) (any, error) {
	if err := boundParams("mining.subscribe", params, 0, 2); err != nil {
		return nil, err
	}

	if len(params) >= 1 {
		ua, err := paramString(params, 0, "user agent")
		if err != nil {
			return nil, err
		}
		client.userAgent = ua
		logger.Debug("received subscription from client", "user_agent", ua, "remote", client.peer())
	}

	// params[1] would be the subscription id for session resume, which is
	// not supported.

	// Some mining proxies (e.g. Nicehash) reject connections that don't see
	// a plausible difficulty and notify subscription on connect. The values
	// are cosmetic and overridden by the real work delivery messages; the
	// difficulty even goes out in serialized float format, as expected.
	subscriptions := []any{
		[]any{"mining.set_difficulty", "1e+06"},
		[]any{"mining.notify", "ae6812eb4cd7735a302a8a9dd95cf71f"},
	}

	// The zero job id only enters the derivation when the client already
	// subscribed to extranonce updates.
	en1 := client.extraNonce1(chainhash.Hash{})

	return []any{subscriptions, hexEncode(en1), extraNonce2Size}, nil
}

func (s *StratumServer) miningAuthorize(client *StratumClient, params []any) (any, error) {
	if err := boundParams("mining.authorize", params, 1, 2); err != nil {
		return nil, err
	}

	username, err := paramString(params, 0, "username")
	if err != nil {
		return nil, err
	}
	username = strings.TrimSpace(username)

	// The password is not used for authentication. It instead carries a
	// comma-separated list of merge-mining options.
	password := ""
	if len(params) >= 2 {
		password, err = paramString(params, 1, "password")
		if err != nil {
			return nil, err
		}
		password = strings.TrimSpace(password)
	}

	mmauth := s.parseMergeMineOptions(password)

	// An optional "+D" suffix on the username requests a minimum share
	// difficulty.
	minDiff := 0.0
	if pos := strings.IndexByte(username, '+'); pos != -1 {
		suffix := strings.TrimSpace(username[pos+1:])
		minDiff, err = strconv.ParseFloat(suffix, 64)
		if err != nil {
			return nil, errInvalidParams("invalid minimum difficulty suffix: %s", suffix)
		}
		username = strings.TrimSpace(username[:pos])
	}

	addr, err := btcutil.DecodeAddress(username, ChainParams())
	if err != nil || !addr.IsForNet(ChainParams()) {
		return nil, errInvalidParams("invalid payout address: %s", username)
	}
	payout, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, errInvalidParams("invalid payout address: %s", username)
	}

	client.addr = addr
	client.addrString = addr.String()
	client.payout = payout
	client.mmAuth = mmauth
	for chainid, auth := range client.mmAuth {
		s.mergeMine.Register(chainid, auth.Username, auth.Password)
	}
	client.minDiff = minDiff
	client.authorized = true
	client.sendWork = true

	logger.Info("authorized stratum miner", "miner", client.addrString, "remote", client.peer(), "mindiff", minDiff)

	return true, nil
}

// parseMergeMineOptions interprets the authorize password as merge-mining
// credentials: NAME=USER[:PASS] selects a configured chain by symbolic name,
// a 64-hex key selects one by aux-pow path, and a bare address claims the
// default aux-pow path for this network. Unknown options are logged and
// skipped; the first entry wins for any duplicated chain.
func (s *StratumServer) parseMergeMineOptions(password string) map[ChainID]mmAuth {
	mmauth := make(map[ChainID]mmAuth)
	for _, opt := range strings.Split(password, ",") {
		opt = strings.TrimSpace(opt)
		if opt == "" {
			continue
		}
		if pos := strings.IndexByte(opt, '='); pos != -1 {
			key := strings.TrimRight(opt[:pos], " \t")
			value := strings.TrimLeft(opt[pos+1:], " \t")
			username := value
			authPassword := ""
			if cpos := strings.IndexByte(value, ':'); cpos != -1 {
				username = value[:cpos]
				authPassword = value[cpos+1:]
			}
			if chainid, ok := s.chainNames[key]; ok {
				logger.Debug("merge-mine chain by name", "name", key, "chainid", hashHex(chainid), "username", username)
				if _, dup := mmauth[chainid]; dup {
					logger.Debug("duplicate merge-mine chain; skipping", "chainid", hashHex(chainid))
					continue
				}
				mmauth[chainid] = mmAuth{Username: username, Password: authPassword}
				continue
			}
			chainid, err := parseUint256(key, "chainid")
			if err != nil {
				logger.Debug("skipping unrecognized stratum password keyword option", "option", opt)
				continue
			}
			if isImplausibleChainID(chainid) {
				// At least 24 bytes are empty. Gonna go out on a limb and say
				// this wasn't a hex-encoded aux-pow path.
				logger.Debug("skipping unrecognized stratum password keyword option", "option", opt)
				continue
			}
			if _, dup := mmauth[chainid]; dup {
				logger.Debug("duplicate merge-mine chain; skipping", "chainid", hashHex(chainid))
				continue
			}
			logger.Debug("merge-mine chain", "chainid", hashHex(chainid), "username", username)
			mmauth[chainid] = mmAuth{Username: username, Password: authPassword}
			continue
		}
		if addr, err := btcutil.DecodeAddress(opt, ChainParams()); err == nil && addr.IsForNet(ChainParams()) {
			chainid := defaultAuxPowPath(ChainParams())
			if _, dup := mmauth[chainid]; dup {
				logger.Debug("duplicate merge-mine chain; skipping", "chainid", hashHex(chainid))
				continue
			}
			logger.Debug("merge-mine chain (default)", "chainid", hashHex(chainid), "username", addr.String())
			mmauth[chainid] = mmAuth{Username: addr.String(), Password: "x"}
			continue
		}
		logger.Debug("skipping unrecognized stratum password option", "option", opt)
	}
	return mmauth
}

func isImplausibleChainID(chainid ChainID) bool {
	for _, b := range chainid[8:] {
		if b != 0 {
			return false
		}
	}
	return true
}

func (s *StratumServer) miningConfigure(client *StratumClient, params []any) (any, error) {
	if err := boundParams("mining.configure", params, 2, 2); err != nil {
		return nil, err
	}

	extensions, ok := params[0].([]any)
	if !ok {
		return nil, errInvalidParams("extensions must be an array")
	}
	config, ok := params[1].(map[string]any)
	if !ok {
		return nil, errInvalidParams("extension parameters must be an object")
	}

	res := make(map[string]any)
	for _, ext := range extensions {
		name, ok := ext.(string)
		if !ok {
			return nil, errInvalidParams("extension name must be a string")
		}
		switch name {
		case "version-rolling":
			maskStr, ok := config["version-rolling.mask"].(string)
			if !ok {
				return nil, errInvalidParams("version-rolling.mask must be a hex string")
			}
			mask, err := parseHexInt4(maskStr, "version-rolling.mask")
			if err != nil {
				return nil, err
			}
			client.versionRollingMask = mask & versionRollingAllowed
			res["version-rolling"] = true
			res["version-rolling.mask"] = hexInt4(client.versionRollingMask)
			logger.Debug("received version rolling request", "remote", client.peer(), "mask", hexInt4(client.versionRollingMask))
		default:
			logger.Debug("unrecognized stratum extension", "extension", name, "remote", client.peer())
		}
	}

	return res, nil
}

func (s *StratumServer) miningSubmit(client *StratumClient, params []any) (any, error) {
	if err := boundParams("mining.submit", params, 5, 6); err != nil {
		return nil, err
	}
	// First parameter is the client username, which is ignored.

	id, err := paramString(params, 1, "job_id")
	if err != nil {
		return nil, err
	}

	en2Str, err := paramString(params, 2, "extranonce2")
	if err != nil {
		return nil, err
	}
	extranonce2, err := parseHexBytes(en2Str, "extranonce2")
	if err != nil {
		return nil, err
	}
	if len(extranonce2) != extraNonce2Size {
		return nil, errInvalidParams("extranonce2 is wrong length (received %d bytes; expected %d bytes)", len(extranonce2), extraNonce2Size)
	}

	nTimeStr, err := paramString(params, 3, "nTime")
	if err != nil {
		return nil, err
	}
	nTime, err := parseHexInt4(nTimeStr, "nTime")
	if err != nil {
		return nil, err
	}
	nNonceStr, err := paramString(params, 4, "nNonce")
	if err != nil {
		return nil, err
	}
	nNonce, err := parseHexInt4(nNonceStr, "nNonce")
	if err != nil {
		return nil, err
	}

	if len(id) > 0 && id[0] == ':' {
		// Second stage work unit.
		jobID := id[1:]
		entry, ok := s.secondStages[jobID]
		if !ok {
			logger.Debug("received completed share for unknown second stage work", "job_id", id)
			client.sendWork = true
			return false, nil
		}

		nVersion := entry.work.Version
		if len(params) > 5 {
			bitsStr, err := paramString(params, 5, "nVersion")
			if err != nil {
				return nil, err
			}
			bits, err := parseHexInt4(bitsStr, "nVersion")
			if err != nil {
				return nil, err
			}
			nVersion = rollVersion(nVersion, bits, client.versionRollingMask)
		}

		s.submitSecondStage(client, entry.chainID, &entry.work, extranonce2, nTime, nNonce, nVersion)
		return true, nil
	}

	var mmRoot chainhash.Hash
	if pos := strings.IndexByte(id, ':'); pos != -1 {
		mmRoot, err = parseUint256(id[pos+1:], "mmroot")
		if err != nil {
			return nil, err
		}
		id = id[:pos]
	}
	jobID, err := parseUint256(id, "job_id")
	if err != nil {
		return nil, err
	}

	work := s.templates.lookup(jobID)
	if work == nil {
		logger.Debug("received completed share for unknown job_id", "job_id", hashHex(jobID))
		client.sendWork = true
		return false, nil
	}

	nVersion := work.Block().Header.Version
	if len(params) > 5 {
		bitsStr, err := paramString(params, 5, "nVersion")
		if err != nil {
			return nil, err
		}
		bits, err := parseHexInt4(bitsStr, "nVersion")
		if err != nil {
			return nil, err
		}
		nVersion = rollVersion(nVersion, bits, client.versionRollingMask)
	}

	if _, err := s.submitBlock(client, jobID, mmRoot, work, extranonce2, nTime, nNonce, nVersion); err != nil {
		return nil, err
	}
	return true, nil
}

// rollVersion merges the miner-submitted version bits under the negotiated
// mask; bits outside the mask always come from the template.
func rollVersion(version int32, submitted, mask uint32) int32 {
	return int32(uint32(version)&^mask | submitted&mask)
}

func (s *StratumServer) miningExtraNonceSubscribe(client *StratumClient, params []any) (any, error) {
	if err := boundParams("mining.extranonce.subscribe", params, 0, 0); err != nil {
		return nil, err
	}
	client.supportsExtraNonce = true
	return true, nil
}
