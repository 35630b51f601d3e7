package node

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/snapcoin/snapd/internal/chain"
	"github.com/snapcoin/snapd/internal/core"
	"github.com/snapcoin/snapd/internal/crypto"
	"github.com/snapcoin/snapd/internal/economics"
	"github.com/snapcoin/snapd/internal/mempool"
	"github.com/snapcoin/snapd/internal/p2p"
	"github.com/snapcoin/snapd/internal/wallet"
	"github.com/snapcoin/snapd/testutil"
)

func newTestNode(t *testing.T, opts ...Option) *Node {
	t.Helper()
	return New(testutil.NewTestChain(t), mempool.New(zap.NewNop()), zap.NewNop(), opts...)
}

func TestSubmitBlockUpdatesStateAndMempool(t *testing.T) {
	n := newTestNode(t)
	privA := testutil.MustPrivate(t)
	pubA := privA.ToPublic()

	events := n.Events().Subscribe()

	genesis := testutil.BuildMinedBlock(t, n.Chain(), nil, pubA)
	if err := n.SubmitBlock(genesis, nil); err != nil {
		t.Fatalf("SubmitBlock: %v", err)
	}

	tx := testutil.BuildMinedTransaction(t, n.Chain(), privA, []wallet.Receiver{{Address: pubA, Amount: 100}})
	if err := n.SubmitTransaction(tx, nil); err != nil {
		t.Fatalf("SubmitTransaction: %v", err)
	}
	if n.Mempool().Size() != 1 {
		t.Fatalf("mempool size = %d, want 1", n.Mempool().Size())
	}

	block := testutil.BuildMinedBlock(t, n.Chain(), []*core.Transaction{tx}, pubA)
	if err := n.SubmitBlock(block, nil); err != nil {
		t.Fatalf("SubmitBlock: %v", err)
	}

	// Confirmed transactions leave the mempool.
	if n.Mempool().Size() != 0 {
		t.Errorf("mempool size = %d, want 0", n.Mempool().Size())
	}
	if n.Chain().GetHeight() != 2 {
		t.Errorf("height = %d, want 2", n.Chain().GetHeight())
	}

	// The chain-events stream carries block and transaction events.
	var sawBlock, sawTx bool
	for i := 0; i < 3; i++ {
		select {
		case ev := <-events:
			switch ev.(type) {
			case BlockEvent:
				sawBlock = true
			case TransactionEvent:
				sawTx = true
			}
		case <-time.After(time.Second):
			t.Fatal("chain event not delivered")
		}
	}
	if !sawBlock || !sawTx {
		t.Error("missing chain events")
	}
}

func TestSubmitTransactionDoubleSpendExcluded(t *testing.T) {
	n := newTestNode(t)
	privA := testutil.MustPrivate(t)
	pubB := testutil.MustPrivate(t).ToPublic()
	pubC := testutil.MustPrivate(t).ToPublic()

	if err := n.SubmitBlock(testutil.BuildMinedBlock(t, n.Chain(), nil, privA.ToPublic()), nil); err != nil {
		t.Fatalf("SubmitBlock: %v", err)
	}

	tx1 := testutil.BuildMinedTransaction(t, n.Chain(), privA, []wallet.Receiver{{Address: pubB, Amount: 100}})
	if err := n.SubmitTransaction(tx1, nil); err != nil {
		t.Fatalf("first SubmitTransaction: %v", err)
	}

	// A second transaction spending the same coinbase output.
	tx2 := &core.Transaction{
		Timestamp: uint64(time.Now().Unix()),
		Inputs:    append([]core.TransactionInput{}, tx1.Inputs...),
		Outputs:   []core.TransactionOutput{{Amount: 100, Receiver: pubC}},
	}
	if err := wallet.MineTransaction(tx2, privA, n.Chain().GetLiveTransactionDifficulty(n.Mempool().Size())); err != nil {
		t.Fatalf("MineTransaction: %v", err)
	}
	if err := n.SubmitTransaction(tx2, nil); !errors.Is(err, chain.ErrDoubleSpend) {
		t.Errorf("err = %v, want ErrDoubleSpend", err)
	}
	if n.Mempool().Size() != 1 {
		t.Errorf("mempool size = %d, want 1", n.Mempool().Size())
	}
}

// recordingBehavior records NewTransaction/NewBlock pushes from the node
// under test.
type recordingBehavior struct {
	mu       sync.Mutex
	received []p2p.Command
}

func (b *recordingBehavior) OnMessage(_ *p2p.Peer, msg *p2p.Message) (*p2p.Message, error) {
	switch msg.Command.(type) {
	case p2p.Connect:
		return msg.MakeResponse(p2p.AcknowledgeConnection{}), nil
	case p2p.NewBlock, p2p.NewTransaction:
		b.mu.Lock()
		b.received = append(b.received, msg.Command)
		b.mu.Unlock()
	}
	return nil, nil
}
func (b *recordingBehavior) Height() uint64                   { return 0 }
func (b *recordingBehavior) OnRemoteHeight(*p2p.Peer, uint64) {}
func (b *recordingBehavior) OnKill(*p2p.Peer)                 {}

func (b *recordingBehavior) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.received)
}

// attachPeer wires a remote stub to the node over an in-memory connection
// and registers the node-side session.
func attachPeer(t *testing.T, n *Node, remote p2p.Behavior) (*p2p.Peer, *p2p.Peer) {
	t.Helper()
	connLocal, connRemote := net.Pipe()
	local := p2p.NewPeer(connLocal, n.Behavior(), zap.NewNop())
	remotePeer := p2p.NewPeer(connRemote, remote, zap.NewNop())
	local.Start()
	remotePeer.Start()
	n.RegisterPeer(local)
	t.Cleanup(func() {
		local.Kill()
		remotePeer.Kill()
	})
	return local, remotePeer
}

func TestGossipSkipsOrigin(t *testing.T) {
	n := newTestNode(t)
	privA := testutil.MustPrivate(t)

	originRemote := &recordingBehavior{}
	otherRemote := &recordingBehavior{}
	originLocal, _ := attachPeer(t, n, originRemote)
	attachPeer(t, n, otherRemote)

	if err := n.SubmitBlock(testutil.BuildMinedBlock(t, n.Chain(), nil, privA.ToPublic()), originLocal); err != nil {
		t.Fatalf("SubmitBlock: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for otherRemote.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("gossip never reached the other peer")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if originRemote.count() != 0 {
		t.Error("gossip echoed back to the origin peer")
	}
}

// servingBehavior serves a source chain, answering GetBlock with staggered
// delays so responses arrive out of order.
type servingBehavior struct {
	chain *chain.Blockchain
}

func (b *servingBehavior) OnMessage(peer *p2p.Peer, msg *p2p.Message) (*p2p.Message, error) {
	switch cmd := msg.Command.(type) {
	case p2p.Connect:
		return msg.MakeResponse(p2p.AcknowledgeConnection{}), nil
	case p2p.Ping:
		return msg.MakeResponse(p2p.Pong{Height: b.chain.GetHeight()}), nil
	case p2p.GetBlockHashes:
		var hashes []crypto.Hash
		for h := cmd.Start; h < cmd.End; h++ {
			hash, ok := b.chain.GetBlockHashByHeight(h)
			if !ok {
				break
			}
			hashes = append(hashes, hash)
		}
		return msg.MakeResponse(p2p.GetBlockHashesResponse{BlockHashes: hashes}), nil
	case p2p.GetBlock:
		block, _ := b.chain.GetBlockByHash(cmd.BlockHash)
		height, _ := b.chain.GetBlockHeightByHash(cmd.BlockHash)
		resp := msg.MakeResponse(p2p.GetBlockResponse{Block: block})
		// Lower heights answer slower, so within every in-flight window
		// the responses arrive in roughly reverse height order.
		delay := time.Duration(50-int(height%10)*5) * time.Millisecond
		go func() {
			time.Sleep(delay)
			peer.Send(resp)
		}()
		return nil, nil
	}
	return nil, nil
}
func (b *servingBehavior) Height() uint64                   { return b.chain.GetHeight() }
func (b *servingBehavior) OnRemoteHeight(*p2p.Peer, uint64) {}
func (b *servingBehavior) OnKill(*p2p.Peer)                 {}

func TestIBDAppliesOutOfOrderResponsesInOrder(t *testing.T) {
	source := testutil.NewTestChain(t)
	miner := testutil.MustPrivate(t).ToPublic()
	const chainLen = 50
	// Blocks are stamped one target time apart, ending in the past, so the
	// block target never tightens and every block mines in few attempts.
	start := uint64(time.Now().Unix()) - chainLen*economics.TargetTime
	for i := 0; i < chainLen; i++ {
		block, err := wallet.BuildBlock(wallet.NewChainProvider(source), nil, miner)
		if err != nil {
			t.Fatalf("BuildBlock: %v", err)
		}
		block.Meta.Timestamp = start + uint64(i)*economics.TargetTime
		if err := block.ComputePow(0); err != nil {
			t.Fatalf("ComputePow: %v", err)
		}
		if err := source.AddBlock(block, false); err != nil {
			t.Fatalf("AddBlock: %v", err)
		}
	}

	fresh := newTestNode(t)
	local, _ := attachPeer(t, fresh, &servingBehavior{chain: source})

	if err := fresh.syncToPeer(local, chainLen); err != nil {
		t.Fatalf("syncToPeer: %v", err)
	}

	if got := fresh.Chain().GetHeight(); got != chainLen {
		t.Fatalf("height = %d, want %d", got, chainLen)
	}
	for h := uint64(0); h < chainLen; h++ {
		want, _ := source.GetBlockHashByHeight(h)
		got, ok := fresh.Chain().GetBlockHashByHeight(h)
		if !ok || got != want {
			t.Fatalf("hash mismatch at height %d", h)
		}
	}
}

// bogusTailBehavior serves a real chain but advertises one extra hash that
// resolves to no block.
type bogusTailBehavior struct {
	servingBehavior
}

func (b *bogusTailBehavior) OnMessage(peer *p2p.Peer, msg *p2p.Message) (*p2p.Message, error) {
	if cmd, ok := msg.Command.(p2p.GetBlockHashes); ok {
		var hashes []crypto.Hash
		for h := cmd.Start; h < cmd.End; h++ {
			hash, ok := b.chain.GetBlockHashByHeight(h)
			if !ok {
				hashes = append(hashes, crypto.NewHash([]byte("missing")))
				break
			}
			hashes = append(hashes, hash)
		}
		return msg.MakeResponse(p2p.GetBlockHashesResponse{BlockHashes: hashes}), nil
	}
	return b.servingBehavior.OnMessage(peer, msg)
}

func TestIBDFailureLeavesPrefixIntact(t *testing.T) {
	source := testutil.NewTestChain(t)
	miner := testutil.MustPrivate(t).ToPublic()
	for i := 0; i < 5; i++ {
		testutil.MineBlock(t, source, nil, miner)
	}

	fresh := newTestNode(t)
	local, _ := attachPeer(t, fresh, &bogusTailBehavior{servingBehavior{chain: source}})

	// The sixth hash resolves to no block: the sync must fail without
	// rolling back the applied prefix.
	if err := fresh.syncToPeer(local, 6); err == nil {
		t.Fatal("sync succeeded despite a missing block")
	}
	if got := fresh.Chain().GetHeight(); got != 5 {
		t.Errorf("height = %d, want the applied prefix of 5", got)
	}
}

func TestBehaviorServesQueries(t *testing.T) {
	n := newTestNode(t)
	miner := testutil.MustPrivate(t).ToPublic()
	block := testutil.BuildMinedBlock(t, n.Chain(), nil, miner)
	if err := n.SubmitBlock(block, nil); err != nil {
		t.Fatalf("SubmitBlock: %v", err)
	}

	behavior := n.Behavior()
	req := p2p.NewMessage(p2p.GetBlock{BlockHash: *block.Meta.Hash})
	resp, err := behavior.OnMessage(nil, req)
	if err != nil {
		t.Fatalf("OnMessage: %v", err)
	}
	got, ok := resp.Command.(p2p.GetBlockResponse)
	if !ok || got.Block == nil || *got.Block.Meta.Hash != *block.Meta.Hash {
		t.Error("GetBlock not served")
	}
	if resp.ID != req.ID {
		t.Error("response id does not mirror request")
	}

	// Merkle proof for the coinbase verifies against the block root.
	proofReq := p2p.NewMessage(p2p.GetTransactionMerkleProof{
		Block:         *block.Meta.Hash,
		TransactionID: block.TransactionIDs()[0],
	})
	resp, err = behavior.OnMessage(nil, proofReq)
	if err != nil {
		t.Fatalf("OnMessage proof: %v", err)
	}
	proofResp, ok := resp.Command.(p2p.GetTransactionMerkleProofResponse)
	if !ok || proofResp.Proof == nil {
		t.Fatal("proof not served")
	}
	if !proofResp.Proof.Verify(block.TransactionIDs()[0], block.Meta.MerkleRoot) {
		t.Error("served proof does not verify")
	}

	// Unknown block: null proof.
	resp, _ = behavior.OnMessage(nil, p2p.NewMessage(p2p.GetTransactionMerkleProof{
		Block: crypto.NewHash([]byte("unknown")),
	}))
	if nullResp := resp.Command.(p2p.GetTransactionMerkleProofResponse); nullResp.Proof != nil {
		t.Error("proof served for unknown block")
	}
}
