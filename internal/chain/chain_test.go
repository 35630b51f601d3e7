package chain_test

import (
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/snapcoin/snapd/internal/chain"
	"github.com/snapcoin/snapd/internal/core"
	"github.com/snapcoin/snapd/internal/crypto"
	"github.com/snapcoin/snapd/internal/economics"
	"github.com/snapcoin/snapd/internal/wallet"
	"github.com/snapcoin/snapd/testutil"
)

func TestGenesisAndSpend(t *testing.T) {
	bc := testutil.NewTestChain(t)
	privA := testutil.MustPrivate(t)
	pubA := privA.ToPublic()
	privB := testutil.MustPrivate(t)
	pubB := privB.ToPublic()

	// Mine the genesis block to A.
	testutil.MineBlock(t, bc, nil, pubA)
	if bc.GetHeight() != 1 {
		t.Fatalf("height = %d, want 1", bc.GetHeight())
	}
	reward0 := economics.GetBlockReward(0)
	fee0 := economics.CalculateDevFee(reward0)
	if got := bc.BalanceOf(pubA); got != reward0-fee0 {
		t.Fatalf("balance(A) after genesis = %d, want %d", got, reward0-fee0)
	}

	// Spend 10 snap from A to B, change back to A, inside the next block.
	sent := economics.ToNano(10.0)
	tx := testutil.BuildMinedTransaction(t, bc, privA, []wallet.Receiver{{Address: pubB, Amount: sent}})
	testutil.MineBlock(t, bc, []*core.Transaction{tx}, pubA)

	reward1 := economics.GetBlockReward(1)
	fee1 := economics.CalculateDevFee(reward1)
	wantA := reward0 - fee0 + reward1 - fee1 - sent
	if got := bc.BalanceOf(pubA); got != wantA {
		t.Errorf("balance(A) = %d, want %d", got, wantA)
	}
	if got := bc.BalanceOf(pubB); got != sent {
		t.Errorf("balance(B) = %d, want %d", got, sent)
	}
	if got := bc.BalanceOf(economics.DevWallet); got != fee0+fee1 {
		t.Errorf("balance(dev) = %d, want %d", got, fee0+fee1)
	}
}

func TestInvalidPreviousHash(t *testing.T) {
	bc := testutil.NewTestChain(t)
	miner := testutil.MustPrivate(t).ToPublic()
	testutil.MineBlock(t, bc, nil, miner)
	testutil.MineBlock(t, bc, nil, miner)
	tip := bc.GetLastHash()

	block := testutil.BuildMinedBlock(t, bc, nil, miner)
	block.Meta.PreviousBlock = crypto.Hash{} // genesis previous at height 2
	block.Meta.Hash = nil
	if err := block.ComputePow(0); err != nil {
		t.Fatalf("ComputePow: %v", err)
	}

	err := bc.AddBlock(block, false)
	if !errors.Is(err, chain.ErrInvalidPreviousBlockHash) {
		t.Errorf("err = %v, want ErrInvalidPreviousBlockHash", err)
	}
	if bc.GetLastHash() != tip {
		t.Error("tip changed after rejected block")
	}
}

func TestReorgByPop(t *testing.T) {
	bc := testutil.NewTestChain(t)
	privA := testutil.MustPrivate(t)
	pubA := privA.ToPublic()

	b0 := testutil.MineBlock(t, bc, nil, pubA)
	balanceAfter0 := bc.BalanceOf(pubA)
	testutil.MineBlock(t, bc, nil, pubA)
	testutil.MineBlock(t, bc, nil, pubA)
	if bc.GetHeight() != 3 {
		t.Fatalf("height = %d, want 3", bc.GetHeight())
	}

	if err := bc.PopBlock(); err != nil {
		t.Fatalf("PopBlock: %v", err)
	}
	if err := bc.PopBlock(); err != nil {
		t.Fatalf("PopBlock: %v", err)
	}

	if bc.GetHeight() != 1 {
		t.Errorf("height = %d, want 1", bc.GetHeight())
	}
	if bc.GetLastHash() != *b0.Meta.Hash {
		t.Error("tip hash does not match the height-0 block")
	}
	if got := bc.BalanceOf(pubA); got != balanceAfter0 {
		t.Errorf("balance(A) = %d, want %d", got, balanceAfter0)
	}
}

func TestDoubleSpendAcrossBlocksRejected(t *testing.T) {
	bc := testutil.NewTestChain(t)
	privA := testutil.MustPrivate(t)
	pubA := privA.ToPublic()
	pubB := testutil.MustPrivate(t).ToPublic()
	pubC := testutil.MustPrivate(t).ToPublic()

	testutil.MineBlock(t, bc, nil, pubA)

	// Spend A's coinbase output to B, confirmed.
	tx1 := testutil.BuildMinedTransaction(t, bc, privA, []wallet.Receiver{{Address: pubB, Amount: 1000}})
	testutil.MineBlock(t, bc, []*core.Transaction{tx1}, pubA)

	// A second spend of the same outpoint no longer resolves in the UTXO
	// set.
	tx2 := &core.Transaction{
		Timestamp: tx1.Timestamp,
		Inputs:    append([]core.TransactionInput{}, tx1.Inputs...),
		Outputs:   []core.TransactionOutput{{Amount: 1000, Receiver: pubC}},
	}
	if err := wallet.MineTransaction(tx2, privA, bc.GetLiveTransactionDifficulty(0)); err != nil {
		t.Fatalf("MineTransaction: %v", err)
	}
	if err := bc.ValidateTransactionNow(tx2, 0); !errors.Is(err, chain.ErrMissingUtxo) {
		t.Errorf("err = %v, want ErrMissingUtxo", err)
	}
}

func TestValidateTransactionNowRejectsBadSignature(t *testing.T) {
	bc := testutil.NewTestChain(t)
	privA := testutil.MustPrivate(t)
	pubB := testutil.MustPrivate(t).ToPublic()
	testutil.MineBlock(t, bc, nil, privA.ToPublic())

	tx := testutil.BuildMinedTransaction(t, bc, privA, []wallet.Receiver{{Address: pubB, Amount: 500}})
	tx.Inputs[0].Signature[0] ^= 0x01
	if err := bc.ValidateTransactionNow(tx, 0); !errors.Is(err, chain.ErrInvalidSignature) {
		t.Errorf("err = %v, want ErrInvalidSignature", err)
	}
}

func TestValidateTransactionNowRejectsMintedValue(t *testing.T) {
	bc := testutil.NewTestChain(t)
	privA := testutil.MustPrivate(t)
	pubB := testutil.MustPrivate(t).ToPublic()
	testutil.MineBlock(t, bc, nil, privA.ToPublic())

	tx := testutil.BuildMinedTransaction(t, bc, privA, []wallet.Receiver{{Address: pubB, Amount: 500}})
	// Inflate an output beyond the inputs and re-mine so only the value
	// rule can fail.
	tx.Outputs[0].Amount = economics.GetBlockReward(0) * 10
	if err := wallet.MineTransaction(tx, privA, bc.GetLiveTransactionDifficulty(0)); err != nil {
		t.Fatalf("MineTransaction: %v", err)
	}
	if err := bc.ValidateTransactionNow(tx, 0); !errors.Is(err, chain.ErrInsufficientFunds) {
		t.Errorf("err = %v, want ErrInsufficientFunds", err)
	}
}

func TestValidateTransactionNowRejectsExpired(t *testing.T) {
	bc := testutil.NewTestChain(t)
	privA := testutil.MustPrivate(t)
	pubB := testutil.MustPrivate(t).ToPublic()
	testutil.MineBlock(t, bc, nil, privA.ToPublic())

	tx := testutil.BuildMinedTransaction(t, bc, privA, []wallet.Receiver{{Address: pubB, Amount: 500}})
	tx.Timestamp -= 10 * economics.ExpirationTime
	if err := wallet.MineTransaction(tx, privA, bc.GetLiveTransactionDifficulty(0)); err != nil {
		t.Fatalf("MineTransaction: %v", err)
	}
	if err := bc.ValidateTransactionNow(tx, 0); !errors.Is(err, chain.ErrExpiredTransaction) {
		t.Errorf("err = %v, want ErrExpiredTransaction", err)
	}
}

func TestIntraBlockSpendChain(t *testing.T) {
	bc := testutil.NewTestChain(t)
	privA := testutil.MustPrivate(t)
	pubA := privA.ToPublic()
	pubB := testutil.MustPrivate(t).ToPublic()
	pubC := testutil.MustPrivate(t).ToPublic()

	testutil.MineBlock(t, bc, nil, pubA)

	// tx1 spends A's coinbase and tx2 spends tx1's change output; both
	// confirm in the same block.
	tx1 := testutil.BuildMinedTransaction(t, bc, privA, []wallet.Receiver{{Address: pubB, Amount: 2500}})
	tx2, err := core.NewTransaction(
		[]core.TransactionInput{{TransactionID: *tx1.TransactionID, OutputIndex: 1, OutputOwner: pubA}},
		[]core.TransactionOutput{{Amount: 1000, Receiver: pubC}},
		[]crypto.Private{privA},
	)
	if err != nil {
		t.Fatalf("NewTransaction: %v", err)
	}
	if err := wallet.MineTransaction(tx2, privA, bc.GetLiveTransactionDifficulty(0)); err != nil {
		t.Fatalf("MineTransaction: %v", err)
	}
	testutil.MineBlock(t, bc, []*core.Transaction{tx1, tx2}, pubA)
	if got := bc.BalanceOf(pubB); got != 2500 {
		t.Errorf("balance(B) = %d, want 2500", got)
	}
	if got := bc.BalanceOf(pubC); got != 1000 {
		t.Errorf("balance(C) = %d, want 1000", got)
	}
}

func TestReopenReplaysState(t *testing.T) {
	dir := t.TempDir()
	bc, err := chain.Open(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	privA := testutil.MustPrivate(t)
	pubA := privA.ToPublic()

	block, err := wallet.BuildBlock(wallet.NewChainProvider(bc), nil, pubA)
	if err != nil {
		t.Fatalf("BuildBlock: %v", err)
	}
	if err := block.ComputePow(0); err != nil {
		t.Fatalf("ComputePow: %v", err)
	}
	if err := bc.AddBlock(block, false); err != nil {
		t.Fatalf("AddBlock: %v", err)
	}
	wantBalance := bc.BalanceOf(pubA)

	reopened, err := chain.Open(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.GetHeight() != 1 {
		t.Errorf("reopened height = %d, want 1", reopened.GetHeight())
	}
	if got := reopened.BalanceOf(pubA); got != wantBalance {
		t.Errorf("reopened balance = %d, want %d", got, wantBalance)
	}
	if reopened.GetLastHash() != bc.GetLastHash() {
		t.Error("reopened tip mismatch")
	}
}
