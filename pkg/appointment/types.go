// Package appointment defines the signed job description a customer hires
// the watchtower for, and the durable store that keeps it. See spec.md §3
// and §4.6.
package appointment

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Mode is the appointment's closed response-strategy enumeration. The
// source this spec was distilled from treated the mode integer as {0,1}
// in some paths and accepted any number in others; this pins it to {0,1}
// per spec.md §9 — callers must reject anything else before it reaches
// here.
type Mode uint8

const (
	ModeEventTriggered Mode = 0
	ModeRelay          Mode = 1
)

// Valid reports whether m is one of the two recognized modes.
func (m Mode) Valid() bool {
	return m == ModeEventTriggered || m == ModeRelay
}

// Locator is the customer-chosen appointment identifier (spec.md §3's
// "customerChosenId"). It is opaque to the core — customers mint it
// however their client wants — so it is carried as a fixed-width byte
// array rather than a watchtower-generated id.
type Locator [32]byte

// Hex renders the locator as a 0x-prefixed hex string.
func (l Locator) Hex() string { return hexutil.Encode(l[:]) }

func (l Locator) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.Hex())
}

func (l *Locator) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return fmt.Errorf("appointment: decode locator: %w", err)
	}
	if len(b) != len(l) {
		return fmt.Errorf("appointment: locator must be %d bytes, got %d", len(l), len(b))
	}
	copy(l[:], b)
	return nil
}

// EventFilter names the contract event a spec.ModeEventTriggered
// appointment watches for, plus constraints on its indexed arguments.
// A zero-hash entry in Topics matches any value at that position.
type EventFilter struct {
	Contract common.Address
	Topics   []common.Hash // Topics[0] is the event signature hash
}

// Payload is the response transaction's content, prior to nonce/gas
// assignment (those are the gas queue's job).
type Payload struct {
	Target   common.Address
	Calldata []byte
	GasLimit uint64
}

// Appointment is the immutable job description of spec.md §3. Two
// appointments with the same Locator are compared by Nonce: a strictly
// greater nonce wins; equal nonce with differing content is a protocol
// error, which Store.AddOrUpdateByLocator reports as ErrEqualNonceMismatch.
type Appointment struct {
	Locator     Locator
	Customer    common.Address
	Nonce       uint64
	EventFilter EventFilter
	Payload     Payload
	StartBlock  uint64
	EndBlock    uint64
	Mode        Mode
	Refund      *big.Int
	PaymentHash common.Hash
	Signature   []byte
}
