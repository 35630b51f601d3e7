package api

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/snapcoin/snapd/internal/core"
	"github.com/snapcoin/snapd/internal/crypto"
	"github.com/snapcoin/snapd/internal/utxo"
)

// Client talks to a node's query API. It implements the wallet
// data-provider interface, so transactions and blocks can be built against
// a remote node. Safe for concurrent use; requests are serialized over one
// connection.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
}

// Connect dials a query API server.
func Connect(address string) (*Client, error) {
	conn, err := net.Dial("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial api %s: %w", address, err)
	}
	return &Client{conn: conn}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) roundTrip(req *Request) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := writeFrame(c.conn, req); err != nil {
		return nil, err
	}
	var resp Response
	if err := readFrame(c.conn, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	return &resp, nil
}

// GetHeight returns the remote chain height.
func (c *Client) GetHeight() (uint64, error) {
	resp, err := c.roundTrip(&Request{Type: ReqHeight})
	if err != nil {
		return 0, err
	}
	return resp.Height, nil
}

// GetBlock fetches a block by hash; ok is false when unknown.
func (c *Client) GetBlock(hash crypto.Hash) (*core.Block, bool, error) {
	resp, err := c.roundTrip(&Request{Type: ReqBlock, Hash: hash[:]})
	if err != nil {
		return nil, false, err
	}
	if !resp.Found {
		return nil, false, nil
	}
	block, err := core.DecodeBlockBytes(resp.Payload)
	if err != nil {
		return nil, false, fmt.Errorf("decode block: %w", err)
	}
	return block, true, nil
}

// GetBlockHashByHeight returns the hash at a height; ok is false when the
// height is beyond the tip.
func (c *Client) GetBlockHashByHeight(height uint64) (crypto.Hash, bool, error) {
	resp, err := c.roundTrip(&Request{Type: ReqBlockHash, Height: height})
	if err != nil {
		return crypto.Hash{}, false, err
	}
	if !resp.Found {
		return crypto.Hash{}, false, nil
	}
	hash, err := hashFromBytes(resp.Hash)
	return hash, err == nil, err
}

// GetBlockHeight returns the height of the block with the given hash.
func (c *Client) GetBlockHeight(hash crypto.Hash) (uint64, bool, error) {
	resp, err := c.roundTrip(&Request{Type: ReqBlockHeight, Hash: hash[:]})
	if err != nil {
		return 0, false, err
	}
	return resp.Height, resp.Found, nil
}

// GetTransaction fetches a confirmed transaction by id.
func (c *Client) GetTransaction(id crypto.Hash) (*core.Transaction, bool, error) {
	resp, err := c.roundTrip(&Request{Type: ReqTransaction, Hash: id[:]})
	if err != nil {
		return nil, false, err
	}
	if !resp.Found {
		return nil, false, nil
	}
	tx, err := decodeTransaction(resp.Payload)
	if err != nil {
		return nil, false, fmt.Errorf("decode transaction: %w", err)
	}
	return tx, true, nil
}

// GetTransactionsOfAddress lists ids of confirmed transactions paying the
// address.
func (c *Client) GetTransactionsOfAddress(address crypto.Public) ([]crypto.Hash, error) {
	resp, err := c.roundTrip(&Request{Type: ReqTransactionsOfAddress, Address: address[:]})
	if err != nil {
		return nil, err
	}
	ids := make([]crypto.Hash, 0, len(resp.Hashes))
	for _, raw := range resp.Hashes {
		id, err := hashFromBytes(raw)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// GetAvailableOutputs lists the spendable outputs of an address.
func (c *Client) GetAvailableOutputs(address crypto.Public) ([]utxo.AvailableOutput, error) {
	resp, err := c.roundTrip(&Request{Type: ReqAvailableUTXOs, Address: address[:]})
	if err != nil {
		return nil, err
	}
	outs := make([]utxo.AvailableOutput, 0, len(resp.UTXOs))
	for _, u := range resp.UTXOs {
		id, err := hashFromBytes(u.TransactionID)
		if err != nil {
			return nil, err
		}
		outs = append(outs, utxo.AvailableOutput{
			TransactionID: id,
			Index:         u.Index,
			Output:        core.TransactionOutput{Amount: u.Amount, Receiver: address},
		})
	}
	return outs, nil
}

// GetBalance returns the confirmed balance of an address.
func (c *Client) GetBalance(address crypto.Public) (uint64, error) {
	resp, err := c.roundTrip(&Request{Type: ReqBalance, Address: address[:]})
	if err != nil {
		return 0, err
	}
	return resp.Amount, nil
}

// GetReward returns the block reward at the remote tip height.
func (c *Client) GetReward() (uint64, error) {
	resp, err := c.roundTrip(&Request{Type: ReqReward})
	if err != nil {
		return 0, err
	}
	return resp.Amount, nil
}

// GetPeers lists the node's connected peer addresses.
func (c *Client) GetPeers() ([]string, error) {
	resp, err := c.roundTrip(&Request{Type: ReqPeers})
	if err != nil {
		return nil, err
	}
	return resp.Peers, nil
}

// GetMempool fetches the node's pending transactions.
func (c *Client) GetMempool() ([]*core.Transaction, error) {
	resp, err := c.roundTrip(&Request{Type: ReqMempool})
	if err != nil {
		return nil, err
	}
	txs := make([]*core.Transaction, 0, len(resp.Payloads))
	for _, raw := range resp.Payloads {
		tx, err := decodeTransaction(raw)
		if err != nil {
			return nil, fmt.Errorf("decode mempool transaction: %w", err)
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

// SubmitBlock submits a mined block to the node.
func (c *Client) SubmitBlock(block *core.Block) error {
	_, err := c.roundTrip(&Request{Type: ReqNewBlock, Payload: block.EncodeToBytes()})
	return err
}

// SubmitTransaction submits a transaction to the node's mempool.
func (c *Client) SubmitTransaction(tx *core.Transaction) error {
	_, err := c.roundTrip(&Request{Type: ReqNewTransaction, Payload: encodeTransaction(tx)})
	return err
}

// GetBlockDifficulty returns the node's current block target.
func (c *Client) GetBlockDifficulty() ([32]byte, error) {
	resp, err := c.roundTrip(&Request{Type: ReqDifficulty})
	if err != nil {
		return [32]byte{}, err
	}
	return bufFromBytes(resp.BlockDifficulty)
}

// GetTransactionDifficulty returns the node's consensus transaction target.
func (c *Client) GetTransactionDifficulty() ([32]byte, error) {
	resp, err := c.roundTrip(&Request{Type: ReqDifficulty})
	if err != nil {
		return [32]byte{}, err
	}
	return bufFromBytes(resp.TransactionDifficulty)
}

// GetLiveTransactionDifficulty returns the mempool-decayed transaction
// target wallets must mine new transactions against.
func (c *Client) GetLiveTransactionDifficulty() ([32]byte, error) {
	resp, err := c.roundTrip(&Request{Type: ReqDifficulty})
	if err != nil {
		return [32]byte{}, err
	}
	return bufFromBytes(resp.LiveTransactionDifficulty)
}

func bufFromBytes(b []byte) ([32]byte, error) {
	var buf [32]byte
	if len(b) != len(buf) {
		return buf, fmt.Errorf("target must be %d bytes, got %d", len(buf), len(b))
	}
	copy(buf[:], b)
	return buf, nil
}
