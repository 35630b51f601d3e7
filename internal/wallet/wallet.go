// Package wallet builds transactions and blocks on top of a blockchain
// data provider. The provider may be the local facade or a query-API
// client, so wallets work the same against an in-process or remote node.
package wallet

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/snapcoin/snapd/internal/core"
	"github.com/snapcoin/snapd/internal/crypto"
	"github.com/snapcoin/snapd/internal/difficulty"
	"github.com/snapcoin/snapd/internal/economics"
	"github.com/snapcoin/snapd/internal/utxo"
)

// ErrInsufficientFunds is returned when the sender's unspent outputs do not
// cover the requested payments.
var ErrInsufficientFunds = errors.New("insufficient funds to complete operation")

// DataProvider is the read surface wallets need to assemble transactions
// and blocks.
type DataProvider interface {
	GetHeight() (uint64, error)
	GetBlockHashByHeight(height uint64) (crypto.Hash, bool, error)
	GetBlockDifficulty() ([32]byte, error)
	GetTransactionDifficulty() ([32]byte, error)
	GetAvailableOutputs(address crypto.Public) ([]utxo.AvailableOutput, error)
}

// Receiver is one payment of a transaction under construction.
type Receiver struct {
	Address crypto.Public
	Amount  uint64
}

// BuildTransaction assembles and signs a transaction paying the receivers
// from the sender's unspent outputs, largest first, with any change
// returned to the sender. The transaction's proof of work is not computed;
// use MineTransaction.
func BuildTransaction(provider DataProvider, sender crypto.Private, receivers []Receiver) (*core.Transaction, error) {
	var target uint64
	for _, r := range receivers {
		target += r.Amount
	}

	senderPub := sender.ToPublic()
	available, err := provider.GetAvailableOutputs(senderPub)
	if err != nil {
		return nil, fmt.Errorf("fetch available outputs: %w", err)
	}
	sort.Slice(available, func(i, j int) bool {
		return available[i].Output.Amount > available[j].Output.Amount
	})

	var (
		used  []utxo.AvailableOutput
		funds uint64
	)
	for _, out := range available {
		used = append(used, out)
		funds += out.Output.Amount
		if funds >= target {
			break
		}
	}
	if funds < target {
		return nil, ErrInsufficientFunds
	}

	outputs := make([]core.TransactionOutput, 0, len(receivers)+1)
	for _, r := range receivers {
		outputs = append(outputs, core.TransactionOutput{Amount: r.Amount, Receiver: r.Address})
	}
	if funds > target {
		outputs = append(outputs, core.TransactionOutput{Amount: funds - target, Receiver: senderPub})
	}

	inputs := make([]core.TransactionInput, len(used))
	signers := make([]crypto.Private, len(used))
	for i, out := range used {
		inputs[i] = core.TransactionInput{
			TransactionID: out.TransactionID,
			OutputIndex:   out.Index,
			OutputOwner:   senderPub,
		}
		signers[i] = sender
	}
	return core.NewTransaction(inputs, outputs, signers)
}

// MineTransaction computes the transaction's proof of work against target
// and re-signs every input with sender.
func MineTransaction(tx *core.Transaction, sender crypto.Private, target [32]byte) error {
	signers := make([]crypto.Private, len(tx.Inputs))
	for i := range signers {
		signers[i] = sender
	}
	return tx.ComputePow(difficulty.FromBuf(target), signers, 0)
}

// BuildBlock assembles a block over the given transactions, appending the
// coinbase that pays the dev fee and the miner and mining the coinbase id.
// The block's own proof of work is not computed; use (*core.Block).ComputePow.
// The input transactions are assumed valid at the provider's current height.
func BuildBlock(provider DataProvider, transactions []*core.Transaction, miner crypto.Public) (*core.Block, error) {
	height, err := provider.GetHeight()
	if err != nil {
		return nil, fmt.Errorf("fetch height: %w", err)
	}
	txDiff, err := provider.GetTransactionDifficulty()
	if err != nil {
		return nil, fmt.Errorf("fetch transaction difficulty: %w", err)
	}
	blockDiff, err := provider.GetBlockDifficulty()
	if err != nil {
		return nil, fmt.Errorf("fetch block difficulty: %w", err)
	}

	reward := economics.GetBlockReward(height)
	devFee := economics.CalculateDevFee(reward)
	coinbase := &core.Transaction{
		Timestamp: uint64(time.Now().Unix()),
		// A random starting nonce keeps coinbases built in the same second
		// for the same miner and reward from sharing an id.
		Nonce: rand.Uint64(),
		Outputs: []core.TransactionOutput{
			{Amount: devFee, Receiver: economics.DevWallet},
			{Amount: reward - devFee, Receiver: miner},
		},
	}
	if err := coinbase.ComputePow(difficulty.FromBuf(txDiff), nil, 0); err != nil {
		return nil, fmt.Errorf("mine coinbase: %w", err)
	}

	previous := economics.GenesisPreviousBlockHash
	if height > 0 {
		prev, ok, err := provider.GetBlockHashByHeight(height - 1)
		if err != nil {
			return nil, fmt.Errorf("fetch previous hash: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("no block hash at height %d", height-1)
		}
		previous = prev
	}

	all := make([]*core.Transaction, 0, len(transactions)+1)
	all = append(all, transactions...)
	all = append(all, coinbase)
	return core.NewBlock(all, blockDiff, txDiff, previous), nil
}
