// Package responder owns the operator signing key, the gas queue that
// serializes concurrent responses onto it, and the per-appointment
// in-flight tracker. See spec.md §4.4, §4.5, §4.3.2.
package responder

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Locator mirrors pkg/appointment.Locator's shape without importing that
// package: responder only ever needs the raw 32 bytes to recognize which
// appointment an in-flight item belongs to.
type Locator [32]byte

// Identifier is a TransactionIdentifier (spec.md §3): the structural
// fingerprint used to recognize our own broadcast on chain, independent
// of which nonce or gas price it eventually lands with.
type Identifier struct {
	ChainID  *big.Int
	To       common.Address
	Calldata []byte
	Value    *big.Int
	GasLimit uint64
}

// Key returns a fixed-width fingerprint suitable for map keys and
// equality checks.
func (id Identifier) Key() common.Hash {
	value := id.Value
	if value == nil {
		value = big.NewInt(0)
	}
	chainID := id.ChainID
	if chainID == nil {
		chainID = big.NewInt(0)
	}
	buf := make([]byte, 0, 20+len(id.Calldata)+32+32+8)
	buf = append(buf, id.To.Bytes()...)
	buf = append(buf, id.Calldata...)
	buf = append(buf, common.LeftPadBytes(value.Bytes(), 32)...)
	buf = append(buf, common.LeftPadBytes(chainID.Bytes(), 32)...)
	var gl [8]byte
	for i := 0; i < 8; i++ {
		gl[7-i] = byte(id.GasLimit >> (8 * i))
	}
	buf = append(buf, gl[:]...)
	return crypto.Keccak256Hash(buf)
}

// Equal reports whether id and other fingerprint the same transaction.
func (id Identifier) Equal(other Identifier) bool {
	return id.Key() == other.Key()
}

// Request is what the multi-responder queues: the transaction's identity,
// which appointment it answers, and the gas limit to submit with (spec.md
// §4.4's GasQueueItem.request).
type Request struct {
	Identifier Identifier
	Locator    Locator
	GasLimit   uint64
}
