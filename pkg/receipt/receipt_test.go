package receipt

import (
	"crypto/ecdsa"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

type rawKeySigner struct {
	key *ecdsa.PrivateKey
}

func (s rawKeySigner) SignDigest(hash common.Hash) ([]byte, []byte, error) {
	sig, err := crypto.Sign(hash.Bytes(), s.key)
	if err != nil {
		return nil, nil, err
	}
	return sig, crypto.FromECDSAPub(&s.key.PublicKey), nil
}

func sampleReceipt() Receipt {
	var locator [32]byte
	locator[31] = 3
	return Receipt{
		Locator:           locator,
		StartBlock:        10,
		EndBlock:          110,
		ChallengePeriod:   100,
		EncryptedPayload:  []byte("ciphertext"),
		TxSize:            21000,
		TxFee:             big.NewInt(1_000_000_000),
		CipherID:          1,
		CustomerSignature: []byte{1, 2, 3},
	}
}

func TestSignAndVerify(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	signed, err := Sign(sampleReceipt(), key)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if len(signed.WatchtowerSig) == 0 {
		t.Fatal("signed receipt has no signature")
	}

	ok, err := Verify(signed, signed.WatchtowerPubKey, signed.WatchtowerSig)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Fatal("Verify returned false for a validly signed receipt")
	}
}

func TestVerifyRejectsTamperedReceipt(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signed, err := Sign(sampleReceipt(), key)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	signed.EndBlock = 9999 // mutate after signing

	ok, err := Verify(signed, signed.WatchtowerPubKey, signed.WatchtowerSig)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Fatal("Verify returned true for a tampered receipt")
	}
}

func TestSignWithMatchesSign(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer := rawKeySigner{key: key}

	viaSign, err := Sign(sampleReceipt(), key)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	viaSignWith, err := SignWith(sampleReceipt(), signer)
	if err != nil {
		t.Fatalf("SignWith: %v", err)
	}

	if string(viaSign.WatchtowerPubKey) != string(viaSignWith.WatchtowerPubKey) {
		t.Fatal("SignWith produced a different public key than Sign")
	}
}
