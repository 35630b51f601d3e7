package utxo

import (
	"errors"
	"testing"

	"github.com/snapcoin/snapd/internal/core"
	"github.com/snapcoin/snapd/internal/crypto"
)

var (
	alice = crypto.Public{1}
	bob   = crypto.Public{2}
)

func idOf(tx *core.Transaction) crypto.Hash {
	id := tx.ComputeID()
	tx.TransactionID = &id
	return id
}

// coinbaseTo mints amount to addr and returns the transaction with its id
// attached.
func coinbaseTo(addr crypto.Public, amount uint64, nonce uint64) *core.Transaction {
	tx := &core.Transaction{
		Timestamp: 1_700_000_000,
		Nonce:     nonce,
		Outputs:   []core.TransactionOutput{{Amount: amount, Receiver: addr}},
	}
	idOf(tx)
	return tx
}

func blockOf(txs ...*core.Transaction) *core.Block {
	return &core.Block{Transactions: txs}
}

func TestApplyAndQueries(t *testing.T) {
	s := NewSet()
	cb := coinbaseTo(alice, 1000, 0)
	if err := s.Apply(blockOf(cb)); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if got := s.BalanceOf(alice); got != 1000 {
		t.Errorf("balance = %d, want 1000", got)
	}
	if got := s.BalanceOf(bob); got != 0 {
		t.Errorf("bob balance = %d, want 0", got)
	}

	outs := s.AvailableOutputs(alice)
	if len(outs) != 1 || outs[0].Output.Amount != 1000 || outs[0].Index != 0 {
		t.Errorf("available outputs = %+v", outs)
	}
}

func TestApplySpendMovesFunds(t *testing.T) {
	s := NewSet()
	cb := coinbaseTo(alice, 1000, 0)
	if err := s.Apply(blockOf(cb)); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	spend := &core.Transaction{
		Timestamp: 1_700_000_001,
		Inputs: []core.TransactionInput{{
			TransactionID: *cb.TransactionID,
			OutputIndex:   0,
			OutputOwner:   alice,
		}},
		Outputs: []core.TransactionOutput{
			{Amount: 400, Receiver: bob},
			{Amount: 600, Receiver: alice},
		},
	}
	idOf(spend)
	if err := s.Apply(blockOf(spend)); err != nil {
		t.Fatalf("Apply spend: %v", err)
	}

	if got := s.BalanceOf(alice); got != 600 {
		t.Errorf("alice balance = %d, want 600", got)
	}
	if got := s.BalanceOf(bob); got != 400 {
		t.Errorf("bob balance = %d, want 400", got)
	}
	if _, ok := s.Get(Outpoint{*cb.TransactionID, 0}); ok {
		t.Error("spent output still in the set")
	}
}

func TestApplyIntraBlockChain(t *testing.T) {
	s := NewSet()
	cb := coinbaseTo(alice, 500, 0)
	spend := &core.Transaction{
		Timestamp: 1_700_000_001,
		Inputs: []core.TransactionInput{{
			TransactionID: *cb.TransactionID,
			OutputIndex:   0,
			OutputOwner:   alice,
		}},
		Outputs: []core.TransactionOutput{{Amount: 500, Receiver: bob}},
	}
	idOf(spend)

	// Same block: spend consumes the coinbase created one slot earlier.
	if err := s.Apply(blockOf(cb, spend)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := s.BalanceOf(bob); got != 500 {
		t.Errorf("bob balance = %d, want 500", got)
	}
}

func TestApplyMissingInputLeavesSetUntouched(t *testing.T) {
	s := NewSet()
	cb := coinbaseTo(alice, 500, 0)
	if err := s.Apply(blockOf(cb)); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	ghost := &core.Transaction{
		Timestamp: 1_700_000_002,
		Inputs: []core.TransactionInput{{
			TransactionID: crypto.NewHash([]byte("never existed")),
			OutputIndex:   0,
			OutputOwner:   alice,
		}},
		Outputs: []core.TransactionOutput{{Amount: 1, Receiver: bob}},
	}
	idOf(ghost)

	err := s.Apply(blockOf(ghost))
	if !errors.Is(err, ErrMissingUtxo) {
		t.Errorf("err = %v, want ErrMissingUtxo", err)
	}
	if s.Size() != 1 || s.BalanceOf(alice) != 500 {
		t.Error("failed apply mutated the set")
	}
}

func TestApplyRejectsDoubleSpendWithinBlock(t *testing.T) {
	s := NewSet()
	cb := coinbaseTo(alice, 500, 0)
	if err := s.Apply(blockOf(cb)); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	mkSpend := func(nonce uint64, to crypto.Public) *core.Transaction {
		tx := &core.Transaction{
			Timestamp: 1_700_000_003,
			Nonce:     nonce,
			Inputs: []core.TransactionInput{{
				TransactionID: *cb.TransactionID,
				OutputIndex:   0,
				OutputOwner:   alice,
			}},
			Outputs: []core.TransactionOutput{{Amount: 500, Receiver: to}},
		}
		idOf(tx)
		return tx
	}

	err := s.Apply(blockOf(mkSpend(1, bob), mkSpend(2, crypto.Public{3})))
	if !errors.Is(err, ErrMissingUtxo) {
		t.Errorf("err = %v, want ErrMissingUtxo", err)
	}
	if s.BalanceOf(alice) != 500 {
		t.Error("double-spending block mutated the set")
	}
}

func TestUnapplyRestoresPriorState(t *testing.T) {
	s := NewSet()
	cb := coinbaseTo(alice, 1000, 0)
	blk1 := blockOf(cb)
	if err := s.Apply(blk1); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	spend := &core.Transaction{
		Timestamp: 1_700_000_001,
		Inputs: []core.TransactionInput{{
			TransactionID: *cb.TransactionID,
			OutputIndex:   0,
			OutputOwner:   alice,
		}},
		Outputs: []core.TransactionOutput{
			{Amount: 250, Receiver: bob},
			{Amount: 750, Receiver: alice},
		},
	}
	idOf(spend)
	blk2 := blockOf(spend)
	if err := s.Apply(blk2); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	resolve := func(h crypto.Hash) (*core.Transaction, bool) {
		if h == *cb.TransactionID {
			return cb, true
		}
		return nil, false
	}
	if err := s.Unapply(blk2, resolve); err != nil {
		t.Fatalf("Unapply: %v", err)
	}

	if got := s.BalanceOf(alice); got != 1000 {
		t.Errorf("alice balance after unapply = %d, want 1000", got)
	}
	if got := s.BalanceOf(bob); got != 0 {
		t.Errorf("bob balance after unapply = %d, want 0", got)
	}
	e, ok := s.Get(Outpoint{*cb.TransactionID, 0})
	if !ok || e.Owner != alice || e.Amount != 1000 {
		t.Error("coinbase output not restored")
	}
}

func TestUnapplyNeedsProvenance(t *testing.T) {
	s := NewSet()
	cb := coinbaseTo(alice, 100, 0)
	if err := s.Apply(blockOf(cb)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	spend := &core.Transaction{
		Timestamp: 1_700_000_001,
		Inputs: []core.TransactionInput{{
			TransactionID: *cb.TransactionID,
			OutputIndex:   0,
			OutputOwner:   alice,
		}},
		Outputs: []core.TransactionOutput{{Amount: 100, Receiver: bob}},
	}
	idOf(spend)
	blk := blockOf(spend)
	if err := s.Apply(blk); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	err := s.Unapply(blk, func(crypto.Hash) (*core.Transaction, bool) { return nil, false })
	if err == nil {
		t.Error("Unapply succeeded without provenance")
	}
}
