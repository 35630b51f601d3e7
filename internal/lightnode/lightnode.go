// Package lightnode implements the header-only node flavor: it persists
// block metadata, tracks difficulty, and relays chain events, but stores no
// block bodies and keeps no UTXO set.
package lightnode

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/snapcoin/snapd/internal/chain"
	"github.com/snapcoin/snapd/internal/core"
	"github.com/snapcoin/snapd/internal/crypto"
	"github.com/snapcoin/snapd/internal/difficulty"
	"github.com/snapcoin/snapd/internal/node"
	"github.com/snapcoin/snapd/internal/p2p"
	"github.com/snapcoin/snapd/internal/store"
)

const (
	// chainEventCapacity is the light node's per-subscriber event buffer.
	chainEventCapacity = 12

	seenTransactionsCap = 1000
	seenBlocksCap       = 100
)

// LightNode holds the light node's state: metadata store, difficulty, the
// bounded duplicate-suppression sets, and the peer registry.
type LightNode struct {
	logger *zap.Logger
	metas  *store.MetaStore
	diff   *difficulty.State
	events *node.Broadcaster

	mu        sync.RWMutex
	seenTxs   *p2p.BoundedSet[crypto.Hash]
	seenBlcks *p2p.BoundedSet[crypto.Hash]

	peersMu sync.RWMutex
	peers   map[string]*p2p.Peer
}

// Open builds a light node over the metadata store at dir.
func Open(dir string, logger *zap.Logger) (*LightNode, error) {
	metas, err := store.OpenMetaStore(dir, logger)
	if err != nil {
		return nil, err
	}
	return &LightNode{
		logger:    logger,
		metas:     metas,
		diff:      difficulty.NewState(uint64(time.Now().Unix())),
		events:    node.NewBroadcaster(chainEventCapacity),
		seenTxs:   p2p.NewBoundedSet[crypto.Hash](seenTransactionsCap),
		seenBlcks: p2p.NewBoundedSet[crypto.Hash](seenBlocksCap),
		peers:     make(map[string]*p2p.Peer),
	}, nil
}

// MetaStore returns the underlying metadata store.
func (ln *LightNode) MetaStore() *store.MetaStore { return ln.metas }

// Events returns the light chain-events stream.
func (ln *LightNode) Events() *node.Broadcaster { return ln.events }

// Behavior returns the light node's peer dispatch table.
func (ln *LightNode) Behavior() p2p.Behavior { return &lightBehavior{node: ln} }

// RegisterPeer adds a session to the registry.
func (ln *LightNode) RegisterPeer(peer *p2p.Peer) {
	ln.peersMu.Lock()
	ln.peers[peer.Address] = peer
	ln.peersMu.Unlock()
}

// RemovePeer drops a dead session.
func (ln *LightNode) RemovePeer(address string) {
	ln.peersMu.Lock()
	delete(ln.peers, address)
	ln.peersMu.Unlock()
}

// AcceptBlock validates a block against the light rule set — metadata
// self-consistency, chain continuity, timestamp drift, and proof of work
// against the current block target — then persists its metadata, retargets,
// and publishes a chain event. Bodies are not stored.
func (ln *LightNode) AcceptBlock(block *core.Block) error {
	if err := block.CheckMeta(); err != nil {
		return fmt.Errorf("%w: %v", chain.ErrInvalidBlockHash, err)
	}
	blockHash := *block.Meta.Hash

	ln.mu.Lock()
	dup := ln.seenBlcks.Contains(blockHash)
	if !dup {
		ln.seenBlcks.Insert(blockHash)
	}
	ln.mu.Unlock()
	if dup {
		return nil
	}

	if block.Meta.PreviousBlock != ln.metas.GetLastHash() {
		return chain.ErrInvalidPreviousBlockHash
	}
	now := uint64(time.Now().Unix())
	if block.Meta.Timestamp > now+chain.TimestampDrift {
		return chain.ErrInvalidBlockTimestamp
	}
	if len(block.Transactions) > core.MaxTransactionsPerBlock {
		return chain.ErrTooManyTransactions
	}
	if !difficulty.Meets(blockHash, ln.diff.BlockDifficulty()) {
		return chain.ErrInsufficientDifficulty
	}

	if err := ln.metas.SaveMeta(&block.Meta); err != nil {
		return err
	}
	ln.diff.Update(block)

	ln.logger.Info("new block accepted", zap.String("hash", blockHash.Base36()))
	ln.events.Publish(node.BlockEvent{Block: block})
	return nil
}

// AcceptTransaction validates a transaction against the light rule set —
// id, proof of work against the live transaction target, signatures, and
// structural limits; no UTXO check — and publishes a chain event.
func (ln *LightNode) AcceptTransaction(tx *core.Transaction) error {
	if err := tx.CheckCompleteness(); err != nil {
		return fmt.Errorf("%w: %v", chain.ErrInvalidTransactionID, err)
	}
	id := *tx.TransactionID

	ln.mu.Lock()
	dup := ln.seenTxs.Contains(id)
	if !dup {
		ln.seenTxs.Insert(id)
	}
	ln.mu.Unlock()
	if dup {
		return nil
	}

	now := uint64(time.Now().Unix())
	if tx.Timestamp > now+chain.TimestampDrift {
		return chain.ErrExpiredTransaction
	}
	if !difficulty.Meets(id, ln.diff.LiveTransactionDifficulty(0)) {
		return chain.ErrInsufficientDifficulty
	}
	if len(tx.Inputs)+len(tx.Outputs) > core.MaxTransactionIO {
		return chain.ErrTooMuchIO
	}
	if len(tx.Inputs) == 0 {
		return chain.ErrNoInputs
	}

	msg := tx.SigningBytes()
	for i := range tx.Inputs {
		in := &tx.Inputs[i]
		if in.Signature == nil || !in.Signature.Validate(in.OutputOwner, msg) {
			return fmt.Errorf("%w: input %d", chain.ErrInvalidSignature, i)
		}
	}

	ln.events.Publish(node.TransactionEvent{Transaction: tx})
	return nil
}

// lightBehavior is the light node's dispatch table. Requests that need
// block bodies are answered empty: this node serves metadata only.
type lightBehavior struct {
	node *LightNode
}

func (b *lightBehavior) OnMessage(peer *p2p.Peer, msg *p2p.Message) (*p2p.Message, error) {
	ln := b.node
	switch cmd := msg.Command.(type) {
	case p2p.Connect:
		return msg.MakeResponse(p2p.AcknowledgeConnection{}), nil

	case p2p.Ping:
		return msg.MakeResponse(p2p.Pong{Height: ln.metas.GetHeight()}), nil

	case p2p.GetPeers:
		return msg.MakeResponse(p2p.SendPeers{}), nil

	case p2p.NewBlock:
		if err := ln.AcceptBlock(cmd.Block); err != nil {
			return msg.MakeResponse(p2p.NewBlockResolved{}), fmt.Errorf("incoming block rejected: %w", err)
		}
		return msg.MakeResponse(p2p.NewBlockResolved{}), nil

	case p2p.NewTransaction:
		if err := ln.AcceptTransaction(cmd.Transaction); err != nil {
			return msg.MakeResponse(p2p.NewTransactionResolved{}), fmt.Errorf("incoming transaction rejected: %w", err)
		}
		return msg.MakeResponse(p2p.NewTransactionResolved{}), nil

	case p2p.GetBlock:
		// No bodies stored.
		return msg.MakeResponse(p2p.GetBlockResponse{}), nil

	case p2p.GetBlockHashes:
		var hashes []crypto.Hash
		for h := cmd.Start; h < cmd.End; h++ {
			hash, ok := ln.metas.GetHashByHeight(h)
			if !ok {
				break
			}
			hashes = append(hashes, hash)
		}
		return msg.MakeResponse(p2p.GetBlockHashesResponse{BlockHashes: hashes}), nil

	case p2p.GetTransactionMerkleProof:
		// Proofs need bodies.
		return msg.MakeResponse(p2p.GetTransactionMerkleProofResponse{}), nil

	case p2p.GetBlockMeta:
		meta, ok := ln.metas.GetMetaByHash(cmd.BlockHash)
		if !ok {
			return msg.MakeResponse(p2p.GetBlockMetadataResponse{}), nil
		}
		return msg.MakeResponse(p2p.GetBlockMetadataResponse{Metadata: meta}), nil

	default:
		return nil, fmt.Errorf("unhandled command %T", msg.Command)
	}
}

func (b *lightBehavior) Height() uint64 {
	return b.node.metas.GetHeight()
}

func (b *lightBehavior) OnRemoteHeight(*p2p.Peer, uint64) {
	// A light node does not bulk-download bodies; it follows the tip from
	// gossip only.
}

func (b *lightBehavior) OnKill(peer *p2p.Peer) {
	b.node.RemovePeer(peer.Address)
}
