package node

import (
	"fmt"

	"github.com/snapcoin/snapd/internal/crypto"
	"github.com/snapcoin/snapd/internal/p2p"
)

// fullBehavior is the full node's dispatch table for inbound peer commands.
type fullBehavior struct {
	node *Node
}

func (b *fullBehavior) OnMessage(peer *p2p.Peer, msg *p2p.Message) (*p2p.Message, error) {
	n := b.node
	switch cmd := msg.Command.(type) {
	case p2p.Connect:
		return msg.MakeResponse(p2p.AcknowledgeConnection{}), nil

	case p2p.Ping:
		local := n.chain.GetHeight()
		resp := msg.MakeResponse(p2p.Pong{Height: local})
		if cmd.Height > local {
			n.StartSync(peer, cmd.Height)
		}
		return resp, nil

	case p2p.GetPeers:
		return msg.MakeResponse(p2p.SendPeers{Peers: n.PeerAddresses()}), nil

	case p2p.NewBlock:
		if cmd.Block.Meta.Hash != nil && *cmd.Block.Meta.Hash != n.lastSeen() {
			if err := n.SubmitBlock(cmd.Block, peer); err != nil {
				return msg.MakeResponse(p2p.NewBlockResolved{}), fmt.Errorf("incoming block rejected: %w", err)
			}
		}
		return msg.MakeResponse(p2p.NewBlockResolved{}), nil

	case p2p.NewTransaction:
		if cmd.Transaction.TransactionID == nil {
			return msg.MakeResponse(p2p.NewTransactionResolved{}), fmt.Errorf("incoming transaction has no id")
		}
		id := *cmd.Transaction.TransactionID
		if peer.HasSeenTransaction(id) {
			return msg.MakeResponse(p2p.NewTransactionResolved{}), nil
		}
		if err := n.SubmitTransaction(cmd.Transaction, peer); err != nil {
			return msg.MakeResponse(p2p.NewTransactionResolved{}), fmt.Errorf("incoming transaction rejected: %w", err)
		}
		peer.MarkSeenTransaction(id)
		return msg.MakeResponse(p2p.NewTransactionResolved{}), nil

	case p2p.GetBlock:
		block, _ := n.chain.GetBlockByHash(cmd.BlockHash)
		return msg.MakeResponse(p2p.GetBlockResponse{Block: block}), nil

	case p2p.GetBlockHashes:
		var hashes []crypto.Hash
		for h := cmd.Start; h < cmd.End; h++ {
			hash, ok := n.chain.GetBlockHashByHeight(h)
			if !ok {
				break
			}
			hashes = append(hashes, hash)
		}
		return msg.MakeResponse(p2p.GetBlockHashesResponse{BlockHashes: hashes}), nil

	case p2p.GetTransactionMerkleProof:
		block, ok := n.chain.GetBlockByHash(cmd.Block)
		if !ok {
			return msg.MakeResponse(p2p.GetTransactionMerkleProofResponse{}), nil
		}
		proof, ok := crypto.CreateMerkleProof(block.TransactionIDs(), cmd.TransactionID)
		if !ok {
			return msg.MakeResponse(p2p.GetTransactionMerkleProofResponse{}), nil
		}
		return msg.MakeResponse(p2p.GetTransactionMerkleProofResponse{Proof: &proof}), nil

	case p2p.GetBlockMeta:
		block, ok := n.chain.GetBlockByHash(cmd.BlockHash)
		if !ok {
			return msg.MakeResponse(p2p.GetBlockMetadataResponse{}), nil
		}
		return msg.MakeResponse(p2p.GetBlockMetadataResponse{Metadata: &block.Meta}), nil

	default:
		// Response commands arriving outside a pending request slot.
		return nil, fmt.Errorf("unhandled command %T", msg.Command)
	}
}

func (b *fullBehavior) Height() uint64 {
	return b.node.chain.GetHeight()
}

func (b *fullBehavior) OnRemoteHeight(peer *p2p.Peer, remoteHeight uint64) {
	b.node.StartSync(peer, remoteHeight)
}

func (b *fullBehavior) OnKill(peer *p2p.Peer) {
	b.node.RemovePeer(peer.Address)
}
