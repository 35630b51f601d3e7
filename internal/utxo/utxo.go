// Package utxo maintains the unspent transaction output set: a map from
// (transaction id, output index) to (owner, amount). The set is mutated
// only by the blockchain facade, under its write lock, by applying or
// unapplying whole blocks.
package utxo

import (
	"errors"
	"fmt"
	"sync"

	"github.com/snapcoin/snapd/internal/core"
	"github.com/snapcoin/snapd/internal/crypto"
)

// ErrMissingUtxo is returned when a referenced output is not in the set.
var ErrMissingUtxo = errors.New("referenced output is not unspent")

// Outpoint identifies one transaction output.
type Outpoint struct {
	TransactionID crypto.Hash
	Index         uint32
}

// Entry is the unspent value held at an outpoint.
type Entry struct {
	Owner  crypto.Public
	Amount uint64
}

// AvailableOutput is one spendable output of an address, as returned to
// wallets: the output, the transaction it came from, and its index there.
type AvailableOutput struct {
	TransactionID crypto.Hash
	Output        core.TransactionOutput
	Index         uint32
}

// Set is the live UTXO set.
type Set struct {
	mu      sync.RWMutex
	entries map[Outpoint]Entry
}

// NewSet returns an empty UTXO set.
func NewSet() *Set {
	return &Set{entries: make(map[Outpoint]Entry)}
}

// Apply consumes every input and inserts every output of the block's
// transactions, in block order, so later transactions may spend outputs
// created earlier in the same block. The set is untouched when any input is
// missing.
func (s *Set) Apply(block *core.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Dry run against an overlay first: Apply is all-or-nothing.
	spent := make(map[Outpoint]struct{})
	created := make(map[Outpoint]struct{})
	for _, tx := range block.Transactions {
		for i := range tx.Inputs {
			op := Outpoint{tx.Inputs[i].TransactionID, tx.Inputs[i].OutputIndex}
			if _, dup := spent[op]; dup {
				return fmt.Errorf("%w: %s:%d spent twice in block", ErrMissingUtxo, op.TransactionID.Base36(), op.Index)
			}
			_, inSet := s.entries[op]
			_, inBlock := created[op]
			if !inSet && !inBlock {
				return fmt.Errorf("%w: %s:%d", ErrMissingUtxo, op.TransactionID.Base36(), op.Index)
			}
			spent[op] = struct{}{}
		}
		if tx.TransactionID == nil {
			return errors.New("block transaction has no id")
		}
		for i := range tx.Outputs {
			created[Outpoint{*tx.TransactionID, uint32(i)}] = struct{}{}
		}
	}

	for _, tx := range block.Transactions {
		for i := range tx.Inputs {
			delete(s.entries, Outpoint{tx.Inputs[i].TransactionID, tx.Inputs[i].OutputIndex})
		}
		for i := range tx.Outputs {
			s.entries[Outpoint{*tx.TransactionID, uint32(i)}] = Entry{
				Owner:  tx.Outputs[i].Receiver,
				Amount: tx.Outputs[i].Amount,
			}
		}
	}
	return nil
}

// Unapply reverses a previously applied block: outputs are removed and
// inputs restored. The original amounts are reconstructed by resolving the
// referenced prior transactions, typically from the block store.
func (s *Set) Unapply(block *core.Block, resolve func(crypto.Hash) (*core.Transaction, bool)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(block.Transactions) - 1; i >= 0; i-- {
		tx := block.Transactions[i]
		if tx.TransactionID == nil {
			return errors.New("block transaction has no id")
		}
		for j := range tx.Outputs {
			delete(s.entries, Outpoint{*tx.TransactionID, uint32(j)})
		}
		for j := range tx.Inputs {
			in := &tx.Inputs[j]
			prev, ok := resolve(in.TransactionID)
			if !ok {
				return fmt.Errorf("cannot restore input: transaction %s not found", in.TransactionID.Base36())
			}
			if int(in.OutputIndex) >= len(prev.Outputs) {
				return fmt.Errorf("cannot restore input: output index %d out of range", in.OutputIndex)
			}
			s.entries[Outpoint{in.TransactionID, in.OutputIndex}] = Entry{
				Owner:  in.OutputOwner,
				Amount: prev.Outputs[in.OutputIndex].Amount,
			}
		}
	}
	return nil
}

// Get returns the entry at an outpoint.
func (s *Set) Get(op Outpoint) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[op]
	return e, ok
}

// Size returns the number of unspent outputs.
func (s *Set) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// BalanceOf sums the unspent amounts owned by an address.
func (s *Set) BalanceOf(address crypto.Public) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var balance uint64
	for _, e := range s.entries {
		if e.Owner == address {
			balance += e.Amount
		}
	}
	return balance
}

// AvailableOutputs lists the spendable outputs of an address.
func (s *Set) AvailableOutputs(address crypto.Public) []AvailableOutput {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var outs []AvailableOutput
	for op, e := range s.entries {
		if e.Owner == address {
			outs = append(outs, AvailableOutput{
				TransactionID: op.TransactionID,
				Output:        core.TransactionOutput{Amount: e.Amount, Receiver: e.Owner},
				Index:         op.Index,
			})
		}
	}
	return outs
}
