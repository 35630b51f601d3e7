package lightnode

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/snapcoin/snapd/internal/chain"
	"github.com/snapcoin/snapd/internal/core"
	"github.com/snapcoin/snapd/internal/crypto"
	"github.com/snapcoin/snapd/internal/node"
	"github.com/snapcoin/snapd/internal/p2p"
	"github.com/snapcoin/snapd/testutil"
)

func openLight(t *testing.T) *LightNode {
	t.Helper()
	ln, err := Open(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return ln
}

func TestAcceptBlockStoresMetadataOnly(t *testing.T) {
	ln := openLight(t)
	block := testutil.MinedBlock(t, crypto.Hash{}, 0)

	if err := ln.AcceptBlock(block); err != nil {
		t.Fatalf("AcceptBlock: %v", err)
	}
	if ln.MetaStore().GetHeight() != 1 {
		t.Errorf("height = %d, want 1", ln.MetaStore().GetHeight())
	}
	meta, ok := ln.MetaStore().GetMetaByHash(*block.Meta.Hash)
	if !ok || *meta.Hash != *block.Meta.Hash {
		t.Error("metadata not stored")
	}
}

func TestAcceptBlockRejectsBrokenChain(t *testing.T) {
	ln := openLight(t)
	first := testutil.MinedBlock(t, crypto.Hash{}, 0)
	if err := ln.AcceptBlock(first); err != nil {
		t.Fatalf("AcceptBlock: %v", err)
	}

	fork := testutil.MinedBlock(t, crypto.NewHash([]byte("elsewhere")), 1)
	if err := ln.AcceptBlock(fork); !errors.Is(err, chain.ErrInvalidPreviousBlockHash) {
		t.Errorf("err = %v, want ErrInvalidPreviousBlockHash", err)
	}
}

func TestAcceptBlockDeduplicates(t *testing.T) {
	ln := openLight(t)
	block := testutil.MinedBlock(t, crypto.Hash{}, 0)
	if err := ln.AcceptBlock(block); err != nil {
		t.Fatalf("AcceptBlock: %v", err)
	}
	// A replay is silently ignored, not an error.
	if err := ln.AcceptBlock(block); err != nil {
		t.Errorf("replay err = %v, want nil", err)
	}
	if ln.MetaStore().GetHeight() != 1 {
		t.Error("replay stored twice")
	}
}

func TestAcceptBlockRejectsFutureTimestamp(t *testing.T) {
	ln := openLight(t)
	block := testutil.MinedBlock(t, crypto.Hash{}, 0)
	block.Meta.Timestamp = uint64(time.Now().Unix()) + chain.TimestampDrift + 60
	block.Meta.Hash = nil
	if err := block.ComputePow(0); err != nil {
		t.Fatalf("ComputePow: %v", err)
	}
	if err := ln.AcceptBlock(block); !errors.Is(err, chain.ErrInvalidBlockTimestamp) {
		t.Errorf("err = %v, want ErrInvalidBlockTimestamp", err)
	}
}

func TestAcceptTransactionValidatesWithoutUtxo(t *testing.T) {
	ln := openLight(t)
	priv := testutil.MustPrivate(t)
	tx := testutil.SignedTransaction(t, priv)

	events := ln.Events().Subscribe()
	if err := ln.AcceptTransaction(tx); err != nil {
		t.Fatalf("AcceptTransaction: %v", err)
	}
	select {
	case ev := <-events:
		if _, ok := ev.(node.TransactionEvent); !ok {
			t.Errorf("event = %T, want TransactionEvent", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no transaction event")
	}

	// Bad signature rejected even without a ledger.
	bad := testutil.SignedTransaction(t, testutil.MustPrivate(t))
	bad.Inputs[0].Signature[0] ^= 0x01
	if err := ln.AcceptTransaction(bad); !errors.Is(err, chain.ErrInvalidSignature) {
		t.Errorf("err = %v, want ErrInvalidSignature", err)
	}
}

func TestAcceptTransactionRejectsNoInputs(t *testing.T) {
	ln := openLight(t)
	tx := &core.Transaction{
		Timestamp: uint64(time.Now().Unix()),
		Outputs:   []core.TransactionOutput{{Amount: 1, Receiver: crypto.Public{1}}},
	}
	id := tx.ComputeID()
	tx.TransactionID = &id
	if err := ln.AcceptTransaction(tx); !errors.Is(err, chain.ErrNoInputs) {
		t.Errorf("err = %v, want ErrNoInputs", err)
	}
}

func TestLightBehaviorServesMetaNotBodies(t *testing.T) {
	ln := openLight(t)
	block := testutil.MinedBlock(t, crypto.Hash{}, 0)
	if err := ln.AcceptBlock(block); err != nil {
		t.Fatalf("AcceptBlock: %v", err)
	}
	behavior := ln.Behavior()

	resp, err := behavior.OnMessage(nil, p2p.NewMessage(p2p.GetBlockMeta{BlockHash: *block.Meta.Hash}))
	if err != nil {
		t.Fatalf("OnMessage: %v", err)
	}
	metaResp := resp.Command.(p2p.GetBlockMetadataResponse)
	if metaResp.Metadata == nil || *metaResp.Metadata.Hash != *block.Meta.Hash {
		t.Error("metadata not served")
	}

	// Body requests are answered empty.
	resp, err = behavior.OnMessage(nil, p2p.NewMessage(p2p.GetBlock{BlockHash: *block.Meta.Hash}))
	if err != nil {
		t.Fatalf("OnMessage: %v", err)
	}
	if blockResp := resp.Command.(p2p.GetBlockResponse); blockResp.Block != nil {
		t.Error("light node served a block body")
	}

	resp, err = behavior.OnMessage(nil, p2p.NewMessage(p2p.GetTransactionMerkleProof{Block: *block.Meta.Hash}))
	if err != nil {
		t.Fatalf("OnMessage: %v", err)
	}
	if proofResp := resp.Command.(p2p.GetTransactionMerkleProofResponse); proofResp.Proof != nil {
		t.Error("light node served a merkle proof")
	}

	// Ping reports the metadata height.
	resp, err = behavior.OnMessage(nil, p2p.NewMessage(p2p.Ping{Height: 0}))
	if err != nil {
		t.Fatalf("OnMessage: %v", err)
	}
	if pong := resp.Command.(p2p.Pong); pong.Height != 1 {
		t.Errorf("pong height = %d, want 1", pong.Height)
	}
}
