package main

import (
	"errors"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// commitmentIdentifier terminates a share-chain commitment inside a
// transaction: the 32-byte commitment slot is immediately followed by these
// four bytes, which are in turn followed only by nLockTime.
var commitmentIdentifier = [4]byte{0x4b, 0x4a, 0x49, 0x48}

var errTruncatedShare = errors.New("truncated share record")

// MinerWitness identifies the miner a share pays out to as a raw segwit
// destination. The witness version is kept generic so future program types
// serialize without changes here.
type MinerWitness struct {
	Version uint64
	Program []byte
}

// ShareWitness proves a share's commitment inside a bitcoin block: the
// Merkle-map branch from the share commitment up to the coinbase slot, the
// coinbase transaction split around that slot, the transaction branch to the
// block root, and the header fields (the Merkle root is recomputed, so the
// share chain path is stored in its place).
type ShareWitness struct {
	Commit         []merkleMapBranchNode
	CB1            []byte
	LockTime       uint32
	Branch         []chainhash.Hash
	Version        int32
	PrevBlock      chainhash.Hash
	ShareChainPath chainhash.Hash
	Time           uint32
	Bits           uint32
	Nonce          uint32
}

// Share is one record of the share chain. The header fields describe the
// share itself; the witness ties it to the bitcoin block that produced it.
type Share struct {
	Version    uint32
	Bits       uint32
	Height     uint32
	TotalWork  chainhash.Hash
	PrevShares MmrAccumulator
	Miner      MinerWitness
	Wit        ShareWitness
}

// GetBlockHeader deterministically reconstructs the bitcoin block header this
// share was mined in. A malformed Merkle-map proof is reported through
// mutated rather than an error so callers can still ban on the share hash.
func (s *Share) GetBlockHeader(mutated *bool) wire.BlockHeader {
	if mutated != nil {
		*mutated = false
	}

	// Hash the fixed-size share header. Only the MMR root enters the hash,
	// never the peaks themselves.
	var ser []byte
	ser = appendUint32LE(ser, s.Version)
	ser = appendUint32LE(ser, s.Bits)
	ser = appendUint32LE(ser, s.Height)
	ser = append(ser, s.TotalWork[:]...)
	root := s.PrevShares.GetHash()
	ser = append(ser, root[:]...)
	ser = appendSerVarInt(ser, s.Miner.Version)
	ser = appendSerVarInt(ser, uint64(len(s.Miner.Program)))
	ser = append(ser, s.Miner.Program...)
	hash := doubleSHA256(ser)

	// Lift the share hash through the commitment map to the value stored in
	// the coinbase slot.
	invalid := false
	hash = merkleMapRootFromBranch(hash, s.Wit.Commit, s.Wit.ShareChainPath, &invalid)
	if invalid && mutated != nil {
		*mutated = true
	}

	// Rebuild the coinbase hash around the commitment slot.
	cb := newSHA256Stream()
	cb.Write(s.Wit.CB1)
	cb.Write(hash[:])
	cb.Write(commitmentIdentifier[:])
	var lt [4]byte
	lt[0] = byte(s.Wit.LockTime)
	lt[1] = byte(s.Wit.LockTime >> 8)
	lt[2] = byte(s.Wit.LockTime >> 16)
	lt[3] = byte(s.Wit.LockTime >> 24)
	cb.Write(lt[:])
	first := cb.Sum()
	second := sha256Sum(first[:])
	copy(hash[:], second[:])

	// The coinbase is always the left-most leaf.
	merkle := merkleRootFromBranch(hash, s.Wit.Branch, 0)

	return wire.BlockHeader{
		Version:    s.Wit.Version,
		PrevBlock:  s.Wit.PrevBlock,
		MerkleRoot: merkle,
		Timestamp:  time.Unix(int64(s.Wit.Time), 0),
		Bits:       s.Wit.Bits,
		Nonce:      s.Wit.Nonce,
	}
}

// GetHash is the proof-of-work hash of the share, which is the hash of the
// reconstructed block header.
func (s *Share) GetHash() chainhash.Hash {
	hdr := s.GetBlockHeader(nil)
	return hdr.BlockHash()
}

// Serialize appends the full share record. Vector lengths use the compressed
// varint form so typical records stay small.
func (s *Share) Serialize(dst []byte) []byte {
	dst = appendUint32LE(dst, s.Version)
	dst = appendUint32LE(dst, s.Bits)
	dst = appendUint32LE(dst, s.Height)
	dst = append(dst, s.TotalWork[:]...)
	dst = s.PrevShares.serialize(dst)
	dst = appendSerVarInt(dst, s.Miner.Version)
	dst = appendSerVarInt(dst, uint64(len(s.Miner.Program)))
	dst = append(dst, s.Miner.Program...)
	dst = s.Wit.serialize(dst)
	return dst
}

func (s *Share) Deserialize(raw []byte) error {
	var err error
	if s.Version, err = readUint32LE(raw); err != nil {
		return err
	}
	raw = raw[4:]
	if s.Bits, err = readUint32LE(raw); err != nil {
		return err
	}
	raw = raw[4:]
	if s.Height, err = readUint32LE(raw); err != nil {
		return err
	}
	raw = raw[4:]
	if len(raw) < 32 {
		return errTruncatedShare
	}
	copy(s.TotalWork[:], raw)
	raw = raw[32:]
	n, err := s.PrevShares.deserialize(raw)
	if err != nil {
		return err
	}
	raw = raw[n:]
	if s.Miner.Version, n, err = readSerVarInt(raw); err != nil {
		return err
	}
	raw = raw[n:]
	proglen, n, err := readSerVarInt(raw)
	if err != nil {
		return err
	}
	raw = raw[n:]
	if uint64(len(raw)) < proglen {
		return errTruncatedShare
	}
	s.Miner.Program = append([]byte(nil), raw[:proglen]...)
	raw = raw[proglen:]
	return s.Wit.deserialize(raw)
}

func (w *ShareWitness) serialize(dst []byte) []byte {
	// The commit branch can span up to 256 levels, so its length gets the
	// varint treatment too.
	dst = appendSerVarInt(dst, uint64(len(w.Commit)))
	for _, node := range w.Commit {
		dst = append(dst, node.Skip)
		dst = append(dst, node.Sibling[:]...)
	}
	dst = appendSerVarInt(dst, uint64(len(w.CB1)))
	dst = append(dst, w.CB1...)
	dst = appendUint32LE(dst, w.LockTime)
	dst = appendSerVarInt(dst, uint64(len(w.Branch)))
	for _, hash := range w.Branch {
		dst = append(dst, hash[:]...)
	}
	dst = appendUint32LE(dst, uint32(w.Version))
	dst = append(dst, w.PrevBlock[:]...)
	dst = append(dst, w.ShareChainPath[:]...)
	dst = appendUint32LE(dst, w.Time)
	dst = appendUint32LE(dst, w.Bits)
	dst = appendUint32LE(dst, w.Nonce)
	return dst
}

func (w *ShareWitness) deserialize(raw []byte) error {
	count, n, err := readSerVarInt(raw)
	if err != nil {
		return err
	}
	raw = raw[n:]
	if count > 256 {
		return errors.New("commit branch too long")
	}
	w.Commit = make([]merkleMapBranchNode, count)
	for i := range w.Commit {
		if len(raw) < 33 {
			return errTruncatedShare
		}
		w.Commit[i].Skip = raw[0]
		copy(w.Commit[i].Sibling[:], raw[1:33])
		raw = raw[33:]
	}
	cblen, n, err := readSerVarInt(raw)
	if err != nil {
		return err
	}
	raw = raw[n:]
	if uint64(len(raw)) < cblen {
		return errTruncatedShare
	}
	w.CB1 = append([]byte(nil), raw[:cblen]...)
	raw = raw[cblen:]
	if w.LockTime, err = readUint32LE(raw); err != nil {
		return err
	}
	raw = raw[4:]
	blen, n, err := readSerVarInt(raw)
	if err != nil {
		return err
	}
	raw = raw[n:]
	w.Branch = make([]chainhash.Hash, blen)
	for i := range w.Branch {
		if len(raw) < 32 {
			return errTruncatedShare
		}
		copy(w.Branch[i][:], raw[:32])
		raw = raw[32:]
	}
	v, err := readUint32LE(raw)
	if err != nil {
		return err
	}
	w.Version = int32(v)
	raw = raw[4:]
	if len(raw) < 64 {
		return errTruncatedShare
	}
	copy(w.PrevBlock[:], raw[:32])
	copy(w.ShareChainPath[:], raw[32:64])
	raw = raw[64:]
	if w.Time, err = readUint32LE(raw); err != nil {
		return err
	}
	raw = raw[4:]
	if w.Bits, err = readUint32LE(raw); err != nil {
		return err
	}
	raw = raw[4:]
	if w.Nonce, err = readUint32LE(raw); err != nil {
		return err
	}
	return nil
}
