package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/pisawatch/tower/pkg/receipt"
)

// ReceiptArchive persists issued receipts to Postgres for customer-facing
// lookup and dispute support; the watchtower's own liveness never depends
// on it (the durable KV store is authoritative).
type ReceiptArchive struct {
	client *Client
}

// NewReceiptArchive wraps client.
func NewReceiptArchive(client *Client) *ReceiptArchive {
	return &ReceiptArchive{client: client}
}

// Put archives r under locator (hex-encoded) for customer.
func (a *ReceiptArchive) Put(ctx context.Context, locatorHex, customer string, r receipt.Receipt) error {
	_, err := a.client.ExecContext(ctx, `
		INSERT INTO receipts (
			locator, customer, start_block, end_block, challenge_period,
			cipher_id, encrypted_payload, customer_signature,
			watchtower_pub_key, watchtower_signature
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (locator) DO NOTHING`,
		locatorHex, customer, r.StartBlock, r.EndBlock, r.ChallengePeriod,
		r.CipherID, r.EncryptedPayload, r.CustomerSignature,
		r.WatchtowerPubKey, r.WatchtowerSig,
	)
	if err != nil {
		return fmt.Errorf("database: archive receipt %s: %w", locatorHex, err)
	}
	return nil
}

// Get looks up the archived receipt for locatorHex.
func (a *ReceiptArchive) Get(ctx context.Context, locatorHex string) (receipt.Receipt, error) {
	var r receipt.Receipt
	row := a.client.QueryRowContext(ctx, `
		SELECT start_block, end_block, challenge_period, cipher_id,
		       encrypted_payload, customer_signature, watchtower_pub_key, watchtower_signature
		FROM receipts WHERE locator = $1`, locatorHex)
	err := row.Scan(&r.StartBlock, &r.EndBlock, &r.ChallengePeriod, &r.CipherID,
		&r.EncryptedPayload, &r.CustomerSignature, &r.WatchtowerPubKey, &r.WatchtowerSig)
	if err == sql.ErrNoRows {
		return receipt.Receipt{}, ErrNotFound
	}
	if err != nil {
		return receipt.Receipt{}, fmt.Errorf("database: get receipt %s: %w", locatorHex, err)
	}
	if raw, err := hexutil.Decode(locatorHex); err == nil && len(raw) == len(r.Locator) {
		copy(r.Locator[:], raw)
	}
	return r, nil
}

// ByCustomer lists every locator archived for customer.
func (a *ReceiptArchive) ByCustomer(ctx context.Context, customer string) ([]string, error) {
	rows, err := a.client.QueryContext(ctx, `SELECT locator FROM receipts WHERE customer = $1 ORDER BY issued_at`, customer)
	if err != nil {
		return nil, fmt.Errorf("database: list receipts for %s: %w", customer, err)
	}
	defer rows.Close()

	var locators []string
	for rows.Next() {
		var l string
		if err := rows.Scan(&l); err != nil {
			return nil, err
		}
		locators = append(locators, l)
	}
	return locators, rows.Err()
}
