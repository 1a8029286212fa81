package ethrpc

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// KeySigner implements responder.OperatorSigner over a raw ECDSA key,
// grounded on the teacher's CreateTransactor/GetPublicAddress pattern.
// The multi-responder is the only collaborator that ever holds one
// (spec.md §4.5, §5).
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewKeySigner wraps key.
func NewKeySigner(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// KeySignerFromHex parses a hex-encoded private key, matching the
// teacher's PrivateKeyToHex/HexToECDSA round trip.
func KeySignerFromHex(hexKey string) (*KeySigner, error) {
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("ethrpc: parse operator key: %w", err)
	}
	return NewKeySigner(key), nil
}

// Address returns the operator account address.
func (s *KeySigner) Address() common.Address { return s.address }

// SignTransaction signs tx for chainID using types.LatestSignerForChainID,
// the newest signer go-ethereum offers for that chain id, which also
// signs legacy-shaped transactions.
func (s *KeySigner) SignTransaction(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
	if err != nil {
		return nil, fmt.Errorf("ethrpc: sign transaction: %w", err)
	}
	return signed, nil
}

// SignDigest implements receipt.Signer over the same key.
func (s *KeySigner) SignDigest(hash common.Hash) ([]byte, []byte, error) {
	sig, err := crypto.Sign(hash.Bytes(), s.key)
	if err != nil {
		return nil, nil, fmt.Errorf("ethrpc: sign digest: %w", err)
	}
	return sig, crypto.FromECDSAPub(&s.key.PublicKey), nil
}
