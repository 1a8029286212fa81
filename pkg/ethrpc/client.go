// Package ethrpc adapts a live go-ethereum node to the read-only
// chainfollow.NodeClient contract and the handful of write operations the
// responder needs. See spec.md §6.
package ethrpc

import (
	"context"
	"fmt"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Client wraps an ethclient.Client, grounded on the teacher's
// pkg/ethereum.Client.
type Client struct {
	client  *ethclient.Client
	chainID *big.Int
}

// NewClient dials url and confirms the node reports chainID.
func NewClient(ctx context.Context, url string, chainID *big.Int) (*Client, error) {
	c, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("ethrpc: dial %s: %w", url, err)
	}
	reported, err := c.ChainID(ctx)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("ethrpc: chain id from %s: %w", url, err)
	}
	if reported.Cmp(chainID) != 0 {
		c.Close()
		return nil, fmt.Errorf("ethrpc: node at %s reports chain id %s, want %s", url, reported, chainID)
	}
	return &Client{client: c, chainID: chainID}, nil
}

// ChainID returns the chain id this client was constructed with.
func (c *Client) ChainID() *big.Int { return c.chainID }

// BlockNumber implements chainfollow.NodeClient.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := c.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("ethrpc: block number: %w", err)
	}
	return n, nil
}

// BlockByHash implements chainfollow.NodeClient.
func (c *Client) BlockByHash(ctx context.Context, hash common.Hash) (*types.Block, error) {
	b, err := c.client.BlockByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("ethrpc: block by hash %s: %w", hash.Hex(), err)
	}
	return b, nil
}

// BlockByNumber implements chainfollow.NodeClient.
func (c *Client) BlockByNumber(ctx context.Context, number uint64) (*types.Block, error) {
	b, err := c.client.BlockByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return nil, fmt.Errorf("ethrpc: block by number %d: %w", number, err)
	}
	return b, nil
}

// LogsForBlock implements chainfollow.NodeClient.
func (c *Client) LogsForBlock(ctx context.Context, hash common.Hash) ([]types.Log, error) {
	logs, err := c.client.FilterLogs(ctx, ethereum.FilterQuery{BlockHash: &hash})
	if err != nil {
		return nil, fmt.Errorf("ethrpc: logs for block %s: %w", hash.Hex(), err)
	}
	return logs, nil
}

// GetCode implements the getCode(address) node call of spec.md §6. No
// package in this module calls it.
func (c *Client) GetCode(ctx context.Context, addr common.Address) ([]byte, error) {
	code, err := c.client.CodeAt(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("ethrpc: code at %s: %w", addr.Hex(), err)
	}
	return code, nil
}

// GetTransactionCount implements getTransactionCount(addr, pending|latest).
func (c *Client) GetTransactionCount(ctx context.Context, addr common.Address, pending bool) (uint64, error) {
	if pending {
		n, err := c.client.PendingNonceAt(ctx, addr)
		if err != nil {
			return 0, fmt.Errorf("ethrpc: pending nonce for %s: %w", addr.Hex(), err)
		}
		return n, nil
	}
	n, err := c.client.NonceAt(ctx, addr, nil)
	if err != nil {
		return 0, fmt.Errorf("ethrpc: nonce for %s: %w", addr.Hex(), err)
	}
	return n, nil
}

// PendingNonceAt implements responder.NonceSource.
func (c *Client) PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	return c.GetTransactionCount(ctx, addr, true)
}

// GetBalance implements getBalance(address); also implements
// responder.BalanceProvider.
func (c *Client) GetBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	return c.BalanceAt(ctx, addr)
}

// BalanceAt implements responder.BalanceProvider.
func (c *Client) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	balance, err := c.client.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("ethrpc: balance of %s: %w", addr.Hex(), err)
	}
	return balance, nil
}

// GetGasPrice implements getGasPrice().
func (c *Client) GetGasPrice(ctx context.Context) (*big.Int, error) {
	price, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("ethrpc: suggest gas price: %w", err)
	}
	return price, nil
}

// SendRawTransaction implements sendRawTransaction(bytes); also
// implements responder.Broadcaster.
func (c *Client) SendRawTransaction(ctx context.Context, raw []byte) error {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return fmt.Errorf("ethrpc: decode raw transaction: %w", err)
	}
	if err := c.client.SendTransaction(ctx, tx); err != nil {
		return fmt.Errorf("ethrpc: send transaction %s: %w", tx.Hash().Hex(), err)
	}
	return nil
}

// Underlying exposes the wrapped ethclient for collaborators that need a
// capability this adapter doesn't narrow to, such as eth_getLogs over an
// arbitrary range. No package in this module calls it.
func (c *Client) Underlying() *ethclient.Client { return c.client }

// Close releases the underlying connection.
func (c *Client) Close() { c.client.Close() }
