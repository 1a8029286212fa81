// Package receipt builds and signs the appointment acceptance receipt
// spec.md §6 defines: the byte-exact encoding the on-chain accountability
// contract expects, signed with the watchtower's own key (distinct from
// the operator response key pkg/responder holds).
package receipt

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Receipt is what the core emits on appointment acceptance (spec.md §6).
type Receipt struct {
	Locator           [32]byte
	StartBlock        uint64
	EndBlock          uint64
	ChallengePeriod   uint64
	EncryptedPayload  []byte
	TxSize            uint64
	TxFee             *big.Int
	CipherID          uint8
	CustomerSignature []byte
	WatchtowerPubKey  []byte
	WatchtowerSig     []byte
}

// abiArguments mirrors the accountability contract's receipt tuple
// layout. Field order here is load-bearing: it is what makes Encode's
// output byte-exact with what the contract expects to recover on chain.
var abiArguments = abi.Arguments{
	{Type: mustType("bytes32")}, // locator
	{Type: mustType("uint64")},  // startBlock
	{Type: mustType("uint64")},  // endBlock
	{Type: mustType("uint64")},  // challengePeriod
	{Type: mustType("bytes")},   // encryptedPayload
	{Type: mustType("uint64")},  // txSize
	{Type: mustType("uint256")}, // txFee
	{Type: mustType("uint8")},   // cipherId
	{Type: mustType("bytes")},   // customerSignature
	{Type: mustType("bytes")},   // watchtowerPubKey
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(fmt.Sprintf("receipt: invalid abi type %q: %v", t, err))
	}
	return typ
}

// Encode ABI-encodes everything but the watchtower's own signature — that
// signature is computed over this encoding's hash, so it cannot be part
// of the input.
func (r Receipt) Encode() ([]byte, error) {
	txFee := r.TxFee
	if txFee == nil {
		txFee = big.NewInt(0)
	}
	packed, err := abiArguments.Pack(
		r.Locator,
		r.StartBlock,
		r.EndBlock,
		r.ChallengePeriod,
		r.EncryptedPayload,
		r.TxSize,
		txFee,
		r.CipherID,
		r.CustomerSignature,
		r.WatchtowerPubKey,
	)
	if err != nil {
		return nil, fmt.Errorf("receipt: abi encode: %w", err)
	}
	return packed, nil
}

// Sign sets WatchtowerPubKey to key's public key, computes the watchtower's
// signature over Encode's output, and returns a copy of r with both
// WatchtowerPubKey and WatchtowerSig populated.
func Sign(r Receipt, key *ecdsa.PrivateKey) (Receipt, error) {
	r.WatchtowerPubKey = crypto.FromECDSAPub(&key.PublicKey)
	encoded, err := r.Encode()
	if err != nil {
		return Receipt{}, err
	}
	hash := crypto.Keccak256Hash(encoded)
	sig, err := crypto.Sign(hash.Bytes(), key)
	if err != nil {
		return Receipt{}, fmt.Errorf("receipt: sign: %w", err)
	}
	r.WatchtowerSig = sig
	return r, nil
}

// Signer abstracts producing a signature over a digest, so callers that
// hold a key behind another abstraction (e.g. ethrpc.KeySigner) don't need
// to hand their raw *ecdsa.PrivateKey to this package.
type Signer interface {
	SignDigest(hash common.Hash) (sig []byte, pubKey []byte, err error)
}

// SignWith is Sign's indirection over a Signer instead of a raw key.
func SignWith(r Receipt, s Signer) (Receipt, error) {
	encoded, err := r.Encode()
	if err != nil {
		return Receipt{}, err
	}
	// WatchtowerPubKey is part of the signed encoding, but a Signer reports
	// its public key only alongside a signature: the first signature learns
	// the key, the second covers the encoding that carries it.
	_, pubKey, err := s.SignDigest(crypto.Keccak256Hash(encoded))
	if err != nil {
		return Receipt{}, fmt.Errorf("receipt: sign: %w", err)
	}
	r.WatchtowerPubKey = pubKey
	if encoded, err = r.Encode(); err != nil {
		return Receipt{}, err
	}
	hash := crypto.Keccak256Hash(encoded)
	sig, _, err := s.SignDigest(hash)
	if err != nil {
		return Receipt{}, fmt.Errorf("receipt: sign: %w", err)
	}
	r.WatchtowerSig = sig
	return r, nil
}

// Verify reports whether sig over Encode()'s hash recovers pubKey.
func Verify(r Receipt, pubKey []byte, sig []byte) (bool, error) {
	encoded, err := r.Encode()
	if err != nil {
		return false, err
	}
	hash := crypto.Keccak256Hash(encoded)
	recovered, err := crypto.SigToPub(hash.Bytes(), sig)
	if err != nil {
		return false, fmt.Errorf("receipt: recover signer: %w", err)
	}
	return common.Bytes2Hex(crypto.FromECDSAPub(recovered)) == common.Bytes2Hex(pubKey), nil
}
