package core

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/snapcoin/snapd/internal/crypto"
	"github.com/snapcoin/snapd/pkg/codec"
)

// MaxTransactionsPerBlock bounds the transaction count of one block.
const MaxTransactionsPerBlock = 512

// BlockMetadata is the header of a block. Hash, when present, is the
// SHA-256 of the canonical encoding of all preceding fields.
type BlockMetadata struct {
	PreviousBlock crypto.Hash
	MerkleRoot    crypto.Hash
	Timestamp     uint64
	Nonce         uint64
	// TransactionDifficulty is the 256-bit big-endian upper bound every
	// transaction id in the block must satisfy.
	TransactionDifficulty [32]byte
	// BlockDifficulty is the 256-bit big-endian upper bound the block hash
	// must satisfy.
	BlockDifficulty [32]byte
	TxCount         uint32
	Hash            *crypto.Hash
}

// HashPreimage is the canonical encoding of all fields preceding Hash.
func (m *BlockMetadata) HashPreimage() []byte {
	w := codec.NewWriter()
	w.WriteRaw(m.PreviousBlock[:])
	w.WriteRaw(m.MerkleRoot[:])
	w.WriteU64(m.Timestamp)
	w.WriteU64(m.Nonce)
	w.WriteRaw(m.TransactionDifficulty[:])
	w.WriteRaw(m.BlockDifficulty[:])
	w.WriteU32(m.TxCount)
	return w.Bytes()
}

// ComputeHash derives the metadata hash from the current fields.
func (m *BlockMetadata) ComputeHash() crypto.Hash {
	return crypto.NewHash(m.HashPreimage())
}

// CheckCompleteness verifies the hash is attached and matches the fields.
func (m *BlockMetadata) CheckCompleteness() error {
	if m.Hash == nil {
		return errors.New("block has no hash attached")
	}
	if !m.Hash.CompareWithData(m.HashPreimage()) {
		return fmt.Errorf("block hash %s does not match its content", m.Hash.Base36())
	}
	return nil
}

// Encode appends the canonical encoding including the optional hash.
func (m *BlockMetadata) Encode(w *codec.Writer) {
	w.WriteRaw(m.HashPreimage())
	w.WriteOption(m.Hash != nil)
	if m.Hash != nil {
		w.WriteRaw(m.Hash[:])
	}
}

// DecodeBlockMetadata reads one block metadata record from r.
func DecodeBlockMetadata(r *codec.Reader) (*BlockMetadata, error) {
	m := &BlockMetadata{}
	var err error
	if err = r.ReadRaw(m.PreviousBlock[:]); err != nil {
		return nil, err
	}
	if err = r.ReadRaw(m.MerkleRoot[:]); err != nil {
		return nil, err
	}
	if m.Timestamp, err = r.ReadU64(); err != nil {
		return nil, err
	}
	if m.Nonce, err = r.ReadU64(); err != nil {
		return nil, err
	}
	if err = r.ReadRaw(m.TransactionDifficulty[:]); err != nil {
		return nil, err
	}
	if err = r.ReadRaw(m.BlockDifficulty[:]); err != nil {
		return nil, err
	}
	if m.TxCount, err = r.ReadU32(); err != nil {
		return nil, err
	}
	present, err := r.ReadOption()
	if err != nil {
		return nil, err
	}
	if present {
		var h crypto.Hash
		if err := r.ReadRaw(h[:]); err != nil {
			return nil, err
		}
		m.Hash = &h
	}
	return m, nil
}

// Block is a batch of transactions under one proof-of-work header.
type Block struct {
	Meta         BlockMetadata
	Transactions []*Transaction
}

// NewBlock assembles a block over the given transactions, stamped with the
// current time. The hash is left unset until ComputePow fixes the nonce.
func NewBlock(transactions []*Transaction, blockDifficulty, transactionDifficulty [32]byte, previousBlock crypto.Hash) *Block {
	return &Block{
		Meta: BlockMetadata{
			PreviousBlock:         previousBlock,
			MerkleRoot:            TransactionMerkleRoot(transactions),
			Timestamp:             uint64(time.Now().Unix()),
			TransactionDifficulty: transactionDifficulty,
			BlockDifficulty:       blockDifficulty,
			TxCount:               uint32(len(transactions)),
		},
		Transactions: transactions,
	}
}

// TransactionMerkleRoot computes the Merkle root over the transaction ids.
// Transactions without an id contribute the zero hash; a complete block
// never contains one.
func TransactionMerkleRoot(transactions []*Transaction) crypto.Hash {
	leaves := make([]crypto.Hash, len(transactions))
	for i, tx := range transactions {
		if tx.TransactionID != nil {
			leaves[i] = *tx.TransactionID
		}
	}
	return crypto.MerkleRoot(leaves)
}

// TransactionIDs returns the ids of all transactions in block order.
func (b *Block) TransactionIDs() []crypto.Hash {
	ids := make([]crypto.Hash, 0, len(b.Transactions))
	for _, tx := range b.Transactions {
		if tx.TransactionID != nil {
			ids = append(ids, *tx.TransactionID)
		}
	}
	return ids
}

// ComputePow searches for a nonce whose metadata hash is at most the block
// difficulty and attaches the hash. maxAttempts of 0 means unbounded.
func (b *Block) ComputePow(maxAttempts uint64) error {
	target := new(big.Int).SetBytes(b.Meta.BlockDifficulty[:])
	for attempt := uint64(0); maxAttempts == 0 || attempt < maxAttempts; attempt++ {
		h := b.Meta.ComputeHash()
		if h.Big().Cmp(target) <= 0 {
			b.Meta.Hash = &h
			return nil
		}
		b.Meta.Nonce++
	}
	return ErrPowNotFound
}

// CheckMeta verifies the metadata hash, the declared transaction count, and
// the Merkle root against the block's transactions.
func (b *Block) CheckMeta() error {
	if err := b.Meta.CheckCompleteness(); err != nil {
		return err
	}
	if int(b.Meta.TxCount) != len(b.Transactions) {
		return fmt.Errorf("declared %d transactions, block carries %d", b.Meta.TxCount, len(b.Transactions))
	}
	if b.Meta.MerkleRoot != TransactionMerkleRoot(b.Transactions) {
		return errors.New("merkle root does not match block transactions")
	}
	return nil
}

// Encode appends the canonical encoding of the block.
func (b *Block) Encode(w *codec.Writer) {
	b.Meta.Encode(w)
	w.WriteCount(len(b.Transactions))
	for _, tx := range b.Transactions {
		tx.Encode(w)
	}
}

// EncodeToBytes returns the canonical encoding of the block.
func (b *Block) EncodeToBytes() []byte {
	w := codec.NewWriter()
	b.Encode(w)
	return w.Bytes()
}

// DecodeBlock reads one block from r.
func DecodeBlock(r *codec.Reader) (*Block, error) {
	meta, err := DecodeBlockMetadata(r)
	if err != nil {
		return nil, err
	}
	// timestamp + nonce + two counts + id presence tag
	n, err := r.ReadCount(8 + 8 + 4 + 4 + 4)
	if err != nil {
		return nil, err
	}
	txs := make([]*Transaction, n)
	for i := range txs {
		if txs[i], err = DecodeTransaction(r); err != nil {
			return nil, err
		}
	}
	return &Block{Meta: *meta, Transactions: txs}, nil
}

// DecodeBlockBytes decodes a block from a full canonical buffer, rejecting
// trailing bytes.
func DecodeBlockBytes(data []byte) (*Block, error) {
	r := codec.NewReader(data)
	b, err := DecodeBlock(r)
	if err != nil {
		return nil, err
	}
	if err := r.Finish(); err != nil {
		return nil, err
	}
	return b, nil
}
