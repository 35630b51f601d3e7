// Package testutil provides shared fixtures for chain, node, and API
// tests: generated keys, opened test chains, and mined blocks.
package testutil

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/snapcoin/snapd/internal/chain"
	"github.com/snapcoin/snapd/internal/core"
	"github.com/snapcoin/snapd/internal/crypto"
	"github.com/snapcoin/snapd/internal/difficulty"
	"github.com/snapcoin/snapd/internal/economics"
	"github.com/snapcoin/snapd/internal/wallet"
)

// MustPrivate generates a private key or fails the test.
func MustPrivate(t *testing.T) crypto.Private {
	t.Helper()
	p, err := crypto.NewRandomPrivate()
	if err != nil {
		t.Fatalf("generate private key: %v", err)
	}
	return p
}

// NewTestChain opens an empty blockchain in a temp directory.
func NewTestChain(t *testing.T) *chain.Blockchain {
	t.Helper()
	bc, err := chain.Open(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("open test chain: %v", err)
	}
	return bc
}

// BuildMinedBlock assembles a block over txs paying miner and computes its
// proof of work, without appending it.
func BuildMinedBlock(t *testing.T, bc *chain.Blockchain, txs []*core.Transaction, miner crypto.Public) *core.Block {
	t.Helper()
	block, err := wallet.BuildBlock(wallet.NewChainProvider(bc), txs, miner)
	if err != nil {
		t.Fatalf("build block: %v", err)
	}
	if err := block.ComputePow(0); err != nil {
		t.Fatalf("mine block: %v", err)
	}
	return block
}

// MineBlock builds, mines, and appends a block over txs paying miner.
func MineBlock(t *testing.T, bc *chain.Blockchain, txs []*core.Transaction, miner crypto.Public) *core.Block {
	t.Helper()
	block := BuildMinedBlock(t, bc, txs, miner)
	if err := bc.AddBlock(block, false); err != nil {
		t.Fatalf("append block: %v", err)
	}
	return block
}

// easyTarget is the widest possible difficulty buffer: any hash meets it.
func easyTarget() [32]byte {
	var buf [32]byte
	for i := range buf {
		buf[i] = 0xff
	}
	return buf
}

// MinedBlock builds a standalone mined block extending prev at the given
// height, with a correct coinbase and wide-open targets. Used by store and
// light-node tests that have no chain facade.
func MinedBlock(t *testing.T, prev crypto.Hash, height uint64) *core.Block {
	t.Helper()
	reward := economics.GetBlockReward(height)
	devFee := economics.CalculateDevFee(reward)
	coinbase := &core.Transaction{
		Timestamp: uint64(time.Now().Unix()),
		Outputs: []core.TransactionOutput{
			{Amount: devFee, Receiver: economics.DevWallet},
			{Amount: reward - devFee, Receiver: economics.DevWallet},
		},
	}
	if err := coinbase.ComputePow(difficulty.MaxTarget(), nil, 0); err != nil {
		t.Fatalf("mine coinbase: %v", err)
	}
	block := core.NewBlock([]*core.Transaction{coinbase}, easyTarget(), easyTarget(), prev)
	if err := block.ComputePow(0); err != nil {
		t.Fatalf("mine block: %v", err)
	}
	return block
}

// SignedTransaction builds a structurally valid signed transaction spending
// a fictitious prior output of sender, mined against the widest target.
func SignedTransaction(t *testing.T, sender crypto.Private) *core.Transaction {
	t.Helper()
	tx, err := core.NewTransaction(
		[]core.TransactionInput{{
			TransactionID: crypto.NewHash([]byte("prior")),
			OutputIndex:   0,
			OutputOwner:   sender.ToPublic(),
		}},
		[]core.TransactionOutput{{Amount: 100, Receiver: sender.ToPublic()}},
		[]crypto.Private{sender},
	)
	if err != nil {
		t.Fatalf("build transaction: %v", err)
	}
	if err := tx.ComputePow(difficulty.MaxTarget(), []crypto.Private{sender}, 0); err != nil {
		t.Fatalf("mine transaction: %v", err)
	}
	return tx
}

// BuildMinedTransaction builds a signed transaction paying receivers from
// sender and mines its id against the chain's live transaction target.
func BuildMinedTransaction(t *testing.T, bc *chain.Blockchain, sender crypto.Private, receivers []wallet.Receiver) *core.Transaction {
	t.Helper()
	tx, err := wallet.BuildTransaction(wallet.NewChainProvider(bc), sender, receivers)
	if err != nil {
		t.Fatalf("build transaction: %v", err)
	}
	if err := wallet.MineTransaction(tx, sender, bc.GetLiveTransactionDifficulty(0)); err != nil {
		t.Fatalf("mine transaction: %v", err)
	}
	return tx
}
