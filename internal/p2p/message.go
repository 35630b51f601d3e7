// Package p2p implements the node's wire protocol: a tagged command union
// framed by a fixed 8-byte header, per-connection peer sessions with
// request/response correlation, the accepting listener, and the persistent
// address book.
package p2p

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"

	"github.com/snapcoin/snapd/internal/core"
	"github.com/snapcoin/snapd/internal/crypto"
	"github.com/snapcoin/snapd/internal/version"
	"github.com/snapcoin/snapd/pkg/codec"
)

// MaxMessageBytes caps a single payload. A larger declared size closes the
// connection.
const MaxMessageBytes = 8 << 20

var (
	// ErrMessageTooLarge means a frame declared a payload over the cap.
	ErrMessageTooLarge = errors.New("message payload exceeds size limit")

	// ErrVersionMismatch means the remote speaks a different protocol
	// version.
	ErrVersionMismatch = errors.New("protocol version mismatch")
)

// Command tags, in declaration order of the union.
const (
	tagConnect uint32 = iota
	tagAcknowledgeConnection
	tagPing
	tagPong
	tagGetPeers
	tagSendPeers
	tagNewBlock
	tagNewBlockResolved
	tagNewTransaction
	tagNewTransactionResolved
	tagGetBlock
	tagGetBlockResponse
	tagGetBlockHashes
	tagGetBlockHashesResponse
	tagGetTransactionMerkleProof
	tagGetTransactionMerkleProofResponse
	tagGetBlockMeta
	tagGetBlockMetadataResponse
)

// Command is one variant of the protocol's tagged union.
type Command interface {
	tag() uint32
	encode(w *codec.Writer)
}

// Connect opens a session; the remote answers AcknowledgeConnection.
type Connect struct{}

// AcknowledgeConnection confirms a Connect.
type AcknowledgeConnection struct{}

// Ping probes liveness and advertises the sender's height.
type Ping struct{ Height uint64 }

// Pong answers a Ping with the responder's height.
type Pong struct{ Height uint64 }

// GetPeers asks for the remote's connected peer addresses.
type GetPeers struct{}

// SendPeers answers GetPeers.
type SendPeers struct{ Peers []string }

// NewBlock announces a freshly mined or relayed block.
type NewBlock struct{ Block *core.Block }

// NewBlockResolved confirms a NewBlock was processed.
type NewBlockResolved struct{}

// NewTransaction announces a pending transaction.
type NewTransaction struct{ Transaction *core.Transaction }

// NewTransactionResolved confirms a NewTransaction was processed.
type NewTransactionResolved struct{}

// GetBlock requests a block body by hash.
type GetBlock struct{ BlockHash crypto.Hash }

// GetBlockResponse answers GetBlock; Block is nil when unknown.
type GetBlockResponse struct{ Block *core.Block }

// GetBlockHashes requests the hashes at heights [Start, End).
type GetBlockHashes struct{ Start, End uint64 }

// GetBlockHashesResponse answers GetBlockHashes.
type GetBlockHashesResponse struct{ BlockHashes []crypto.Hash }

// GetTransactionMerkleProof requests an inclusion proof of a transaction
// in a block.
type GetTransactionMerkleProof struct {
	Block         crypto.Hash
	TransactionID crypto.Hash
}

// GetTransactionMerkleProofResponse answers with the proof, or nil when the
// block or transaction is unknown.
type GetTransactionMerkleProofResponse struct{ Proof *crypto.MerkleProof }

// GetBlockMeta requests block metadata only, for light peers.
type GetBlockMeta struct{ BlockHash crypto.Hash }

// GetBlockMetadataResponse answers GetBlockMeta; Metadata is nil when
// unknown.
type GetBlockMetadataResponse struct{ Metadata *core.BlockMetadata }

func (Connect) tag() uint32                           { return tagConnect }
func (AcknowledgeConnection) tag() uint32             { return tagAcknowledgeConnection }
func (Ping) tag() uint32                              { return tagPing }
func (Pong) tag() uint32                              { return tagPong }
func (GetPeers) tag() uint32                          { return tagGetPeers }
func (SendPeers) tag() uint32                         { return tagSendPeers }
func (NewBlock) tag() uint32                          { return tagNewBlock }
func (NewBlockResolved) tag() uint32                  { return tagNewBlockResolved }
func (NewTransaction) tag() uint32                    { return tagNewTransaction }
func (NewTransactionResolved) tag() uint32            { return tagNewTransactionResolved }
func (GetBlock) tag() uint32                          { return tagGetBlock }
func (GetBlockResponse) tag() uint32                  { return tagGetBlockResponse }
func (GetBlockHashes) tag() uint32                    { return tagGetBlockHashes }
func (GetBlockHashesResponse) tag() uint32            { return tagGetBlockHashesResponse }
func (GetTransactionMerkleProof) tag() uint32         { return tagGetTransactionMerkleProof }
func (GetTransactionMerkleProofResponse) tag() uint32 { return tagGetTransactionMerkleProofResponse }
func (GetBlockMeta) tag() uint32                      { return tagGetBlockMeta }
func (GetBlockMetadataResponse) tag() uint32          { return tagGetBlockMetadataResponse }

func (Connect) encode(*codec.Writer)               {}
func (AcknowledgeConnection) encode(*codec.Writer) {}

func (c Ping) encode(w *codec.Writer) { w.WriteU64(c.Height) }
func (c Pong) encode(w *codec.Writer) { w.WriteU64(c.Height) }

func (GetPeers) encode(*codec.Writer) {}

func (c SendPeers) encode(w *codec.Writer) {
	w.WriteCount(len(c.Peers))
	for _, p := range c.Peers {
		w.WriteString(p)
	}
}

func (c NewBlock) encode(w *codec.Writer) { c.Block.Encode(w) }

func (NewBlockResolved) encode(*codec.Writer) {}

func (c NewTransaction) encode(w *codec.Writer) { c.Transaction.Encode(w) }

func (NewTransactionResolved) encode(*codec.Writer) {}

func (c GetBlock) encode(w *codec.Writer) { w.WriteRaw(c.BlockHash[:]) }

func (c GetBlockResponse) encode(w *codec.Writer) {
	w.WriteOption(c.Block != nil)
	if c.Block != nil {
		c.Block.Encode(w)
	}
}

func (c GetBlockHashes) encode(w *codec.Writer) {
	w.WriteU64(c.Start)
	w.WriteU64(c.End)
}

func (c GetBlockHashesResponse) encode(w *codec.Writer) {
	w.WriteCount(len(c.BlockHashes))
	for i := range c.BlockHashes {
		w.WriteRaw(c.BlockHashes[i][:])
	}
}

func (c GetTransactionMerkleProof) encode(w *codec.Writer) {
	w.WriteRaw(c.Block[:])
	w.WriteRaw(c.TransactionID[:])
}

func (c GetTransactionMerkleProofResponse) encode(w *codec.Writer) {
	w.WriteOption(c.Proof != nil)
	if c.Proof != nil {
		w.WriteCount(len(c.Proof.Steps))
		for i := range c.Proof.Steps {
			step := &c.Proof.Steps[i]
			w.WriteRaw(step.Sibling[:])
			if step.Left {
				w.WriteU8(1)
			} else {
				w.WriteU8(0)
			}
		}
	}
}

func (c GetBlockMeta) encode(w *codec.Writer) { w.WriteRaw(c.BlockHash[:]) }

func (c GetBlockMetadataResponse) encode(w *codec.Writer) {
	w.WriteOption(c.Metadata != nil)
	if c.Metadata != nil {
		c.Metadata.Encode(w)
	}
}

func decodeCommand(tag uint32, r *codec.Reader) (Command, error) {
	switch tag {
	case tagConnect:
		return Connect{}, nil
	case tagAcknowledgeConnection:
		return AcknowledgeConnection{}, nil
	case tagPing:
		h, err := r.ReadU64()
		return Ping{Height: h}, err
	case tagPong:
		h, err := r.ReadU64()
		return Pong{Height: h}, err
	case tagGetPeers:
		return GetPeers{}, nil
	case tagSendPeers:
		n, err := r.ReadCount(4)
		if err != nil {
			return nil, err
		}
		cmd := SendPeers{Peers: make([]string, n)}
		for i := range cmd.Peers {
			if cmd.Peers[i], err = r.ReadString(); err != nil {
				return nil, err
			}
		}
		return cmd, nil
	case tagNewBlock:
		block, err := core.DecodeBlock(r)
		return NewBlock{Block: block}, err
	case tagNewBlockResolved:
		return NewBlockResolved{}, nil
	case tagNewTransaction:
		tx, err := core.DecodeTransaction(r)
		return NewTransaction{Transaction: tx}, err
	case tagNewTransactionResolved:
		return NewTransactionResolved{}, nil
	case tagGetBlock:
		cmd := GetBlock{}
		err := r.ReadRaw(cmd.BlockHash[:])
		return cmd, err
	case tagGetBlockResponse:
		present, err := r.ReadOption()
		if err != nil || !present {
			return GetBlockResponse{}, err
		}
		block, err := core.DecodeBlock(r)
		return GetBlockResponse{Block: block}, err
	case tagGetBlockHashes:
		cmd := GetBlockHashes{}
		var err error
		if cmd.Start, err = r.ReadU64(); err != nil {
			return nil, err
		}
		cmd.End, err = r.ReadU64()
		return cmd, err
	case tagGetBlockHashesResponse:
		n, err := r.ReadCount(crypto.HashSize)
		if err != nil {
			return nil, err
		}
		cmd := GetBlockHashesResponse{BlockHashes: make([]crypto.Hash, n)}
		for i := range cmd.BlockHashes {
			if err := r.ReadRaw(cmd.BlockHashes[i][:]); err != nil {
				return nil, err
			}
		}
		return cmd, nil
	case tagGetTransactionMerkleProof:
		cmd := GetTransactionMerkleProof{}
		if err := r.ReadRaw(cmd.Block[:]); err != nil {
			return nil, err
		}
		err := r.ReadRaw(cmd.TransactionID[:])
		return cmd, err
	case tagGetTransactionMerkleProofResponse:
		present, err := r.ReadOption()
		if err != nil || !present {
			return GetTransactionMerkleProofResponse{}, err
		}
		n, err := r.ReadCount(crypto.HashSize + 1)
		if err != nil {
			return nil, err
		}
		proof := &crypto.MerkleProof{Steps: make([]crypto.MerkleProofStep, n)}
		for i := range proof.Steps {
			if err := r.ReadRaw(proof.Steps[i].Sibling[:]); err != nil {
				return nil, err
			}
			side, err := r.ReadU8()
			if err != nil {
				return nil, err
			}
			proof.Steps[i].Left = side != 0
		}
		return GetTransactionMerkleProofResponse{Proof: proof}, nil
	case tagGetBlockMeta:
		cmd := GetBlockMeta{}
		err := r.ReadRaw(cmd.BlockHash[:])
		return cmd, err
	case tagGetBlockMetadataResponse:
		present, err := r.ReadOption()
		if err != nil || !present {
			return GetBlockMetadataResponse{}, err
		}
		meta, err := core.DecodeBlockMetadata(r)
		return GetBlockMetadataResponse{Metadata: meta}, err
	default:
		return nil, fmt.Errorf("unknown command tag %d", tag)
	}
}

// Message is one framed protocol exchange: the request id correlates a
// response to its request.
type Message struct {
	Version uint16
	ID      uint16
	Command Command
}

// NewMessage wraps a command with the current protocol version and a random
// request id.
func NewMessage(cmd Command) *Message {
	return &Message{
		Version: version.Protocol,
		ID:      uint16(rand.Uint32()),
		Command: cmd,
	}
}

// MakeResponse wraps a command mirroring this message's id.
func (m *Message) MakeResponse(cmd Command) *Message {
	return &Message{Version: version.Protocol, ID: m.ID, Command: cmd}
}

// Serialize renders the message as [8-byte header][payload]. The header is
// version, id, and payload size, all big-endian; the payload is the
// canonical encoding of the tagged command.
func (m *Message) Serialize() []byte {
	payload := codec.NewWriter()
	payload.WriteTag(m.Command.tag())
	m.Command.encode(payload)

	buf := make([]byte, 8, 8+payload.Len())
	binary.BigEndian.PutUint16(buf[0:2], m.Version)
	binary.BigEndian.PutUint16(buf[2:4], m.ID)
	binary.BigEndian.PutUint32(buf[4:8], uint32(payload.Len()))
	return append(buf, payload.Bytes()...)
}

// WriteTo writes the framed message to w.
func (m *Message) WriteTo(w io.Writer) error {
	_, err := w.Write(m.Serialize())
	return err
}

// ReadMessage reads one framed message from r. A version mismatch or an
// oversized payload is an error; callers close the connection.
func ReadMessage(r io.Reader) (*Message, error) {
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	ver := binary.BigEndian.Uint16(header[0:2])
	id := binary.BigEndian.Uint16(header[2:4])
	size := binary.BigEndian.Uint32(header[4:8])

	if ver != version.Protocol {
		return nil, fmt.Errorf("%w: remote %d, local %d", ErrVersionMismatch, ver, version.Protocol)
	}
	if size > MaxMessageBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	cr := codec.NewReader(payload)
	tag, err := cr.ReadTag()
	if err != nil {
		return nil, err
	}
	cmd, err := decodeCommand(tag, cr)
	if err != nil {
		return nil, err
	}
	if err := cr.Finish(); err != nil {
		return nil, err
	}
	return &Message{Version: ver, ID: id, Command: cmd}, nil
}
