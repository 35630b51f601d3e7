package p2p

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/snapcoin/snapd/internal/core"
	"github.com/snapcoin/snapd/internal/crypto"
	"github.com/snapcoin/snapd/internal/version"
)

func testBlock(t *testing.T) *core.Block {
	t.Helper()
	easy := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	var easyBuf [32]byte
	for i := range easyBuf {
		easyBuf[i] = 0xff
	}

	cb := &core.Transaction{
		Timestamp: uint64(time.Now().Unix()),
		Outputs: []core.TransactionOutput{
			{Amount: 200, Receiver: crypto.Public{1}},
			{Amount: 9800, Receiver: crypto.Public{2}},
		},
	}
	if err := cb.ComputePow(easy, nil, 0); err != nil {
		t.Fatalf("mine coinbase: %v", err)
	}
	b := core.NewBlock([]*core.Transaction{cb}, easyBuf, easyBuf, crypto.NewHash([]byte("prev")))
	if err := b.ComputePow(0); err != nil {
		t.Fatalf("mine block: %v", err)
	}
	return b
}

func TestMessageRoundTripAllVariants(t *testing.T) {
	block := testBlock(t)
	proof, ok := crypto.CreateMerkleProof([]crypto.Hash{
		crypto.NewHash([]byte("a")),
		crypto.NewHash([]byte("b")),
		crypto.NewHash([]byte("c")),
	}, crypto.NewHash([]byte("b")))
	if !ok {
		t.Fatal("proof not created")
	}

	commands := []Command{
		Connect{},
		AcknowledgeConnection{},
		Ping{Height: 7},
		Pong{Height: 9},
		GetPeers{},
		SendPeers{Peers: []string{"10.0.0.1:9000", "10.0.0.2:9000"}},
		NewBlock{Block: block},
		NewBlockResolved{},
		NewTransaction{Transaction: block.Transactions[0]},
		NewTransactionResolved{},
		GetBlock{BlockHash: crypto.NewHash([]byte("x"))},
		GetBlockResponse{Block: block},
		GetBlockResponse{},
		GetBlockHashes{Start: 3, End: 12},
		GetBlockHashesResponse{BlockHashes: []crypto.Hash{crypto.NewHash([]byte("h"))}},
		GetTransactionMerkleProof{Block: crypto.NewHash([]byte("blk")), TransactionID: crypto.NewHash([]byte("tx"))},
		GetTransactionMerkleProofResponse{Proof: &proof},
		GetTransactionMerkleProofResponse{},
		GetBlockMeta{BlockHash: crypto.NewHash([]byte("m"))},
		GetBlockMetadataResponse{Metadata: &block.Meta},
		GetBlockMetadataResponse{},
	}

	for _, cmd := range commands {
		msg := NewMessage(cmd)
		data := msg.Serialize()

		decoded, err := ReadMessage(bytes.NewReader(data))
		if err != nil {
			t.Fatalf("%T: ReadMessage: %v", cmd, err)
		}
		if decoded.ID != msg.ID || decoded.Version != msg.Version {
			t.Errorf("%T: header lost in round trip", cmd)
		}
		if !bytes.Equal(decoded.Serialize(), data) {
			t.Errorf("%T: encoding is not a round trip", cmd)
		}
	}
}

func TestReadMessageRejectsOversizePayload(t *testing.T) {
	var header [8]byte
	binary.BigEndian.PutUint16(header[0:2], version.Protocol)
	binary.BigEndian.PutUint32(header[4:8], MaxMessageBytes+1)

	_, err := ReadMessage(bytes.NewReader(header[:]))
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("err = %v, want ErrMessageTooLarge", err)
	}
}

func TestReadMessageRejectsVersionMismatch(t *testing.T) {
	msg := NewMessage(Ping{Height: 1})
	data := msg.Serialize()
	binary.BigEndian.PutUint16(data[0:2], version.Protocol+1)

	if _, err := ReadMessage(bytes.NewReader(data)); err == nil {
		t.Error("foreign protocol version accepted")
	}
}

func TestReadMessageRejectsUnknownTag(t *testing.T) {
	msg := NewMessage(Ping{Height: 1})
	data := msg.Serialize()
	// Overwrite the command tag (first 4 payload bytes, little-endian).
	binary.LittleEndian.PutUint32(data[8:12], 999)

	if _, err := ReadMessage(bytes.NewReader(data)); err == nil {
		t.Error("unknown command tag accepted")
	}
}

func TestMakeResponseMirrorsID(t *testing.T) {
	req := NewMessage(Ping{Height: 1})
	resp := req.MakeResponse(Pong{Height: 2})
	if resp.ID != req.ID {
		t.Error("response id does not mirror request id")
	}
}

func TestBoundedSet(t *testing.T) {
	s := NewBoundedSet[int](3)
	s.Insert(1)
	s.Insert(2)
	s.Insert(3)
	s.Insert(1) // duplicate: no-op
	if s.Len() != 3 {
		t.Fatalf("len = %d, want 3", s.Len())
	}

	s.Insert(4) // evicts 1, the oldest
	if s.Contains(1) {
		t.Error("oldest member not evicted")
	}
	if !s.Contains(2) || !s.Contains(3) || !s.Contains(4) {
		t.Error("wrong member evicted")
	}
}
