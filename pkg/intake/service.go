// Package intake validates and accepts new appointments (spec.md §3, §4.6)
// and issues the signed receipt spec.md §6 promises the customer in return.
package intake

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/pisawatch/tower/pkg/appointment"
	"github.com/pisawatch/tower/pkg/receipt"
	"github.com/pisawatch/tower/pkg/store"
)

var (
	// ErrBadSignature is returned when the customer signature over the
	// appointment's content does not recover to the claimed customer.
	ErrBadSignature = errors.New("intake: appointment signature invalid")

	// ErrWindowTooShort is returned when EndBlock is not after StartBlock.
	ErrWindowTooShort = errors.New("intake: appointment window too short")

	// ErrWindowTooLong is returned when EndBlock - StartBlock exceeds the
	// configured maximum, which would pin the appointment in the tracked
	// set indefinitely.
	ErrWindowTooLong = errors.New("intake: appointment window too long")

	// ErrStartBlockPast is returned when StartBlock is already behind the
	// current chain head by the configured lead time or more.
	ErrStartBlockPast = errors.New("intake: start block already in the past")
)

// HeightSource reports the chain height appointment windows are validated
// against.
type HeightSource interface {
	CurrentHeight() uint64
}

// Config bounds what appointments intake will accept.
type Config struct {
	MinStartBlockLeadTime uint64
	MaxEndBlockWindow     uint64
	DefaultChallengePeriod uint64
}

// Service wires the appointment store, a chain height source, and the
// watchtower's own signing key into the single entry point that turns a
// customer's signed request into a tracked appointment and a receipt.
type Service struct {
	kv           store.KV
	appointments *appointment.Store
	height       HeightSource
	signer       receipt.Signer
	cfg          Config
}

// NewService wires s's collaborators.
func NewService(kv store.KV, appointments *appointment.Store, height HeightSource, signer receipt.Signer, cfg Config) *Service {
	return &Service{kv: kv, appointments: appointments, height: height, signer: signer, cfg: cfg}
}

// Request is the customer-submitted appointment together with the receipt
// fields the watchtower signs over.
type Request struct {
	Appointment      appointment.Appointment
	EncryptedPayload []byte
	CipherID         uint8
}

// Accept validates req, stores the appointment, and returns a receipt
// signed with the watchtower's key.
func (s *Service) Accept(req Request) (receipt.Receipt, error) {
	a := req.Appointment

	if !a.Mode.Valid() {
		return receipt.Receipt{}, appointment.ErrInvalidMode
	}
	if err := verifySignature(a); err != nil {
		return receipt.Receipt{}, err
	}

	height := s.height.CurrentHeight()
	if a.StartBlock+s.cfg.MinStartBlockLeadTime <= height {
		return receipt.Receipt{}, ErrStartBlockPast
	}
	if a.EndBlock <= a.StartBlock {
		return receipt.Receipt{}, ErrWindowTooShort
	}
	if a.EndBlock-a.StartBlock > s.cfg.MaxEndBlockWindow {
		return receipt.Receipt{}, ErrWindowTooLong
	}

	batch := s.kv.NewBatch()
	if err := s.appointments.AddOrUpdateByLocator(&batch, a); err != nil {
		return receipt.Receipt{}, fmt.Errorf("intake: store appointment %s: %w", a.Locator.Hex(), err)
	}
	if err := batch.Commit(); err != nil {
		return receipt.Receipt{}, fmt.Errorf("intake: commit appointment %s: %w", a.Locator.Hex(), err)
	}

	challengePeriod := s.cfg.DefaultChallengePeriod
	r := receipt.Receipt{
		Locator:           a.Locator,
		StartBlock:        a.StartBlock,
		EndBlock:          a.EndBlock,
		ChallengePeriod:   challengePeriod,
		EncryptedPayload:  req.EncryptedPayload,
		TxSize:            uint64(len(a.Payload.Calldata)),
		TxFee:             big.NewInt(0),
		CipherID:          req.CipherID,
		CustomerSignature: a.Signature,
	}
	signed, err := receipt.SignWith(r, s.signer)
	if err != nil {
		return receipt.Receipt{}, fmt.Errorf("intake: sign receipt for %s: %w", a.Locator.Hex(), err)
	}
	return signed, nil
}

// SigningHash is the digest the customer's Signature must cover: every
// field of the appointment except the signature itself.
func SigningHash(a appointment.Appointment) common.Hash {
	var buf []byte
	buf = append(buf, a.Locator[:]...)
	buf = append(buf, a.Customer.Bytes()...)
	buf = append(buf, common.LeftPadBytes(new(big.Int).SetUint64(a.Nonce).Bytes(), 8)...)
	buf = append(buf, a.EventFilter.Contract.Bytes()...)
	for _, topic := range a.EventFilter.Topics {
		buf = append(buf, topic.Bytes()...)
	}
	buf = append(buf, a.Payload.Target.Bytes()...)
	buf = append(buf, a.Payload.Calldata...)
	buf = append(buf, common.LeftPadBytes(new(big.Int).SetUint64(a.Payload.GasLimit).Bytes(), 8)...)
	buf = append(buf, common.LeftPadBytes(new(big.Int).SetUint64(a.StartBlock).Bytes(), 8)...)
	buf = append(buf, common.LeftPadBytes(new(big.Int).SetUint64(a.EndBlock).Bytes(), 8)...)
	buf = append(buf, byte(a.Mode))
	if a.Refund != nil {
		buf = append(buf, common.LeftPadBytes(a.Refund.Bytes(), 32)...)
	}
	buf = append(buf, a.PaymentHash.Bytes()...)
	return crypto.Keccak256Hash(buf)
}

func verifySignature(a appointment.Appointment) error {
	if len(a.Signature) != 65 {
		return ErrBadSignature
	}
	hash := SigningHash(a)
	pubKey, err := crypto.SigToPub(hash.Bytes(), a.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if crypto.PubkeyToAddress(*pubKey) != a.Customer {
		return ErrBadSignature
	}
	return nil
}
