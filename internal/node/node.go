package node

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/snapcoin/snapd/internal/chain"
	"github.com/snapcoin/snapd/internal/core"
	"github.com/snapcoin/snapd/internal/crypto"
	"github.com/snapcoin/snapd/internal/mempool"
	"github.com/snapcoin/snapd/internal/metrics"
	"github.com/snapcoin/snapd/internal/p2p"
)

// chainEventCapacity is the per-subscriber buffer of the full node's
// chain-events stream.
const chainEventCapacity = 64

// Node is the full node's shared state: the chain, the mempool, the
// connected-peers registry, and the chain-events stream. Peers hold a
// handle to the node; the registry holds the only strong reference to each
// peer session.
type Node struct {
	logger  *zap.Logger
	chain   *chain.Blockchain
	mempool *mempool.Pool
	events  *Broadcaster

	// addrBook is optional; when present, gossiped addresses persist.
	addrBook *p2p.AddressBook

	// fullIBD disables the tail-fast-path transaction hashing skip.
	fullIBD bool

	// processing serializes acceptance so two concurrent NewBlock commands
	// cannot both pass the previous-equals-tip check.
	processing sync.Mutex

	isSyncing atomic.Bool

	peersMu sync.RWMutex
	peers   map[string]*p2p.Peer

	lastSeenMu    sync.RWMutex
	lastSeenBlock crypto.Hash
}

// Option configures a Node.
type Option func(*Node)

// WithAddressBook persists learned peer addresses.
func WithAddressBook(book *p2p.AddressBook) Option {
	return func(n *Node) { n.addrBook = book }
}

// WithFullIBD forces full transaction verification during initial block
// download, at the cost of a much slower sync.
func WithFullIBD() Option {
	return func(n *Node) { n.fullIBD = true }
}

// New assembles a full node over an opened chain and mempool. The mempool's
// expiry sweeps feed the chain-events stream.
func New(bc *chain.Blockchain, pool *mempool.Pool, logger *zap.Logger, opts ...Option) *Node {
	n := &Node{
		logger:  logger,
		chain:   bc,
		mempool: pool,
		events:  NewBroadcaster(chainEventCapacity),
		peers:   make(map[string]*p2p.Peer),
	}
	for _, opt := range opts {
		opt(n)
	}
	pool.OnExpire(func(ids []crypto.Hash) {
		for _, id := range ids {
			n.events.Publish(TransactionExpirationEvent{TransactionID: id})
		}
		metrics.MempoolSize.Set(float64(pool.Size()))
	})
	return n
}

// Chain returns the underlying blockchain facade.
func (n *Node) Chain() *chain.Blockchain { return n.chain }

// Mempool returns the underlying transaction pool.
func (n *Node) Mempool() *mempool.Pool { return n.mempool }

// Events returns the chain-events stream.
func (n *Node) Events() *Broadcaster { return n.events }

// Behavior returns the peer dispatch table of this node.
func (n *Node) Behavior() p2p.Behavior { return &fullBehavior{node: n} }

// RegisterPeer adds a session to the registry and records its address.
func (n *Node) RegisterPeer(peer *p2p.Peer) {
	n.peersMu.Lock()
	n.peers[peer.Address] = peer
	count := len(n.peers)
	n.peersMu.Unlock()
	metrics.PeersConnected.Set(float64(count))

	if n.addrBook != nil {
		if err := n.addrBook.Add(peer.Address); err != nil {
			n.logger.Warn("address book update failed", zap.Error(err))
		}
	}
}

// RemovePeer drops a dead session from the registry.
func (n *Node) RemovePeer(address string) {
	n.peersMu.Lock()
	delete(n.peers, address)
	count := len(n.peers)
	n.peersMu.Unlock()
	metrics.PeersConnected.Set(float64(count))
}

// Peers snapshots the connected sessions.
func (n *Node) Peers() []*p2p.Peer {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()
	out := make([]*p2p.Peer, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, p)
	}
	return out
}

// PeerAddresses lists the currently connected peer addresses.
func (n *Node) PeerAddresses() []string {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()
	out := make([]string, 0, len(n.peers))
	for addr := range n.peers {
		out = append(out, addr)
	}
	return out
}

// Broadcast queues a message to every connected peer except origin.
func (n *Node) Broadcast(msg *p2p.Message, origin *p2p.Peer) {
	for _, peer := range n.Peers() {
		if peer != origin {
			peer.Send(msg)
		}
	}
}

// ExchangePeers asks a freshly connected peer for its peer list and merges
// the addresses into the address book.
func (n *Node) ExchangePeers(peer *p2p.Peer) {
	if n.addrBook == nil {
		return
	}
	resp, err := peer.Request(p2p.NewMessage(p2p.GetPeers{}))
	if err != nil {
		n.logger.Debug("peer exchange failed",
			zap.String("peer", peer.Address),
			zap.Error(err),
		)
		return
	}
	sendPeers, ok := resp.Command.(p2p.SendPeers)
	if !ok {
		return
	}
	for _, addr := range sendPeers.Peers {
		if err := n.addrBook.Add(addr); err != nil {
			n.logger.Warn("address book update failed", zap.Error(err))
			return
		}
	}
}

func (n *Node) lastSeen() crypto.Hash {
	n.lastSeenMu.RLock()
	defer n.lastSeenMu.RUnlock()
	return n.lastSeenBlock
}

func (n *Node) setLastSeen(hash crypto.Hash) {
	n.lastSeenMu.Lock()
	n.lastSeenBlock = hash
	n.lastSeenMu.Unlock()
}

// SubmitBlock accepts a block into the chain and, on success, clears its
// transactions from the mempool, publishes a chain event, and gossips it to
// every peer but origin. origin is nil for locally mined blocks.
func (n *Node) SubmitBlock(block *core.Block, origin *p2p.Peer) error {
	n.processing.Lock()
	defer n.processing.Unlock()

	if err := n.chain.AddBlock(block, false); err != nil {
		metrics.BlocksRejected.Inc()
		return err
	}
	n.afterBlockAccepted(block, origin)
	return nil
}

// submitSyncedBlock is SubmitBlock for blocks arriving through initial
// block download, where deep-history payload hashing may be skipped and
// gossip is suppressed.
func (n *Node) submitSyncedBlock(block *core.Block, skipTxHashing bool) error {
	n.processing.Lock()
	defer n.processing.Unlock()

	if err := n.chain.AddBlock(block, skipTxHashing); err != nil {
		metrics.BlocksRejected.Inc()
		return err
	}

	n.mempool.Spend(block.TransactionIDs())
	n.setLastSeen(*block.Meta.Hash)
	metrics.BlocksAccepted.Inc()
	metrics.ChainHeight.Set(float64(n.chain.GetHeight()))
	metrics.MempoolSize.Set(float64(n.mempool.Size()))
	n.events.Publish(BlockEvent{Block: block})
	return nil
}

func (n *Node) afterBlockAccepted(block *core.Block, origin *p2p.Peer) {
	n.mempool.Spend(block.TransactionIDs())
	n.setLastSeen(*block.Meta.Hash)

	metrics.BlocksAccepted.Inc()
	metrics.ChainHeight.Set(float64(n.chain.GetHeight()))
	metrics.MempoolSize.Set(float64(n.mempool.Size()))

	n.events.Publish(BlockEvent{Block: block})
	n.Broadcast(p2p.NewMessage(p2p.NewBlock{Block: block}), origin)

	n.logger.Info("new block accepted",
		zap.String("hash", block.Meta.Hash.Base36()),
		zap.Uint64("height", n.chain.GetHeight()),
	)
}

// SubmitTransaction validates a transaction against the chain and the
// mempool's double-spend exclusion, admits it, publishes a chain event, and
// gossips it to every peer but origin.
func (n *Node) SubmitTransaction(tx *core.Transaction, origin *p2p.Peer) error {
	n.processing.Lock()
	defer n.processing.Unlock()

	if err := n.chain.ValidateTransactionNow(tx, n.mempool.Size()); err != nil {
		metrics.TransactionsRejected.Inc()
		return err
	}
	if !n.mempool.ValidateNoConflict(tx) {
		metrics.TransactionsRejected.Inc()
		return chain.ErrDoubleSpend
	}

	n.mempool.Add(tx)
	metrics.TransactionsAccepted.Inc()
	metrics.MempoolSize.Set(float64(n.mempool.Size()))

	n.events.Publish(TransactionEvent{Transaction: tx})
	n.Broadcast(p2p.NewMessage(p2p.NewTransaction{Transaction: tx}), origin)

	n.logger.Info("new transaction accepted",
		zap.String("id", tx.TransactionID.Base36()),
	)
	return nil
}
