//go:build !nojsonsimd

package main

import (
	"reflect"

	"github.com/bytedance/sonic"
)

func init() {
	// Sonic compiles codecs at first use. Pretouching the stratum and node
	// RPC message types at startup keeps that compile off the first miner's
	// request path.
	//
	// Errors are best-effort; we fall back to normal behavior if pretouch fails.
	_ = sonic.Pretouch(reflect.TypeOf(StratumRequest{}))
	_ = sonic.Pretouch(reflect.TypeOf(StratumResponse{}))
	_ = sonic.Pretouch(reflect.TypeOf(StratumMessage{}))
	_ = sonic.Pretouch(reflect.TypeOf(rpcRequest{}))
	_ = sonic.Pretouch(reflect.TypeOf(rpcResponse{}))
}
