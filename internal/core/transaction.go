// Package core defines the block and transaction model: immutable data
// types with derived identifiers, their canonical encoding, and
// self-consistency checks. The canonical bytes produced here are used for
// hashing preimages, wire payloads, and on-disk files alike.
package core

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/snapcoin/snapd/internal/crypto"
	"github.com/snapcoin/snapd/pkg/codec"
)

// MaxTransactionIO bounds len(inputs) + len(outputs) of one transaction.
const MaxTransactionIO = 64

// ErrPowNotFound is returned when a nonce search exhausts its attempt
// budget without meeting the target.
var ErrPowNotFound = errors.New("proof-of-work nonce not found")

// TransactionInput references a prior unspent output. The owner key is
// embedded so signature validation needs no ledger lookup.
type TransactionInput struct {
	TransactionID crypto.Hash
	OutputIndex   uint32
	OutputOwner   crypto.Public
	// Signature is nil until the input is signed.
	Signature *crypto.Signature
}

// TransactionOutput pays an amount of nano to a receiver.
type TransactionOutput struct {
	Amount   uint64
	Receiver crypto.Public
}

// Transaction is a signed value transfer. A coinbase transaction has no
// inputs and appears only as the last transaction of a block.
type Transaction struct {
	Timestamp uint64
	Nonce     uint64
	Inputs    []TransactionInput
	Outputs   []TransactionOutput
	// TransactionID, when present, is the hash of the signing preimage.
	TransactionID *crypto.Hash
}

// NewTransaction builds a transaction stamped with the current time and
// signs every input with the corresponding signer. The id is left unset
// until ComputePow fixes the nonce.
func NewTransaction(inputs []TransactionInput, outputs []TransactionOutput, signers []crypto.Private) (*Transaction, error) {
	if len(signers) != len(inputs) {
		return nil, fmt.Errorf("have %d signers for %d inputs", len(signers), len(inputs))
	}
	tx := &Transaction{
		Timestamp: uint64(time.Now().Unix()),
		Inputs:    inputs,
		Outputs:   outputs,
	}
	tx.sign(signers)
	return tx, nil
}

func (tx *Transaction) sign(signers []crypto.Private) {
	msg := tx.SigningBytes()
	for i := range tx.Inputs {
		sig := signers[i].Sign(msg)
		tx.Inputs[i].Signature = &sig
	}
}

// IsCoinbase reports whether the transaction mints the block reward.
func (tx *Transaction) IsCoinbase() bool {
	return len(tx.Inputs) == 0
}

// SigningBytes is the canonical encoding of the transaction without input
// signatures and without the id. It is both the id preimage and the message
// signed by every input owner.
func (tx *Transaction) SigningBytes() []byte {
	w := codec.NewWriter()
	w.WriteU64(tx.Timestamp)
	w.WriteU64(tx.Nonce)
	w.WriteCount(len(tx.Inputs))
	for i := range tx.Inputs {
		in := &tx.Inputs[i]
		w.WriteRaw(in.TransactionID[:])
		w.WriteU32(in.OutputIndex)
		w.WriteRaw(in.OutputOwner[:])
	}
	w.WriteCount(len(tx.Outputs))
	for i := range tx.Outputs {
		out := &tx.Outputs[i]
		w.WriteU64(out.Amount)
		w.WriteRaw(out.Receiver[:])
	}
	return w.Bytes()
}

// ComputeID derives the transaction id from the current fields.
func (tx *Transaction) ComputeID() crypto.Hash {
	return crypto.NewHash(tx.SigningBytes())
}

// ComputePow searches for a nonce whose resulting id is at most target, then
// attaches the id and re-signs the inputs with the provided signers (the
// nonce is part of the signed preimage). maxAttempts of 0 means unbounded.
func (tx *Transaction) ComputePow(target *big.Int, signers []crypto.Private, maxAttempts uint64) error {
	if len(signers) != len(tx.Inputs) {
		return fmt.Errorf("have %d signers for %d inputs", len(signers), len(tx.Inputs))
	}
	for attempt := uint64(0); maxAttempts == 0 || attempt < maxAttempts; attempt++ {
		id := tx.ComputeID()
		if id.Big().Cmp(target) <= 0 {
			tx.TransactionID = &id
			tx.sign(signers)
			return nil
		}
		tx.Nonce++
	}
	return ErrPowNotFound
}

// CheckCompleteness verifies that the id is attached and matches the
// recomputed preimage hash.
func (tx *Transaction) CheckCompleteness() error {
	if tx.TransactionID == nil {
		return errors.New("transaction has no id attached")
	}
	if !tx.TransactionID.CompareWithData(tx.SigningBytes()) {
		return fmt.Errorf("transaction id %s does not match its content", tx.TransactionID.Base36())
	}
	return nil
}

// InputSum returns the sum of amounts of the given resolved input values.
func InputSum(amounts []uint64) uint64 {
	var sum uint64
	for _, a := range amounts {
		sum += a
	}
	return sum
}

// OutputSum returns the total amount paid by the outputs.
func (tx *Transaction) OutputSum() uint64 {
	var sum uint64
	for i := range tx.Outputs {
		sum += tx.Outputs[i].Amount
	}
	return sum
}

// Encode appends the full canonical encoding, including signatures and the
// optional id.
func (tx *Transaction) Encode(w *codec.Writer) {
	w.WriteU64(tx.Timestamp)
	w.WriteU64(tx.Nonce)
	w.WriteCount(len(tx.Inputs))
	for i := range tx.Inputs {
		in := &tx.Inputs[i]
		w.WriteRaw(in.TransactionID[:])
		w.WriteU32(in.OutputIndex)
		w.WriteRaw(in.OutputOwner[:])
		w.WriteOption(in.Signature != nil)
		if in.Signature != nil {
			w.WriteRaw(in.Signature[:])
		}
	}
	w.WriteCount(len(tx.Outputs))
	for i := range tx.Outputs {
		out := &tx.Outputs[i]
		w.WriteU64(out.Amount)
		w.WriteRaw(out.Receiver[:])
	}
	w.WriteOption(tx.TransactionID != nil)
	if tx.TransactionID != nil {
		w.WriteRaw(tx.TransactionID[:])
	}
}

// DecodeTransaction reads one transaction from r.
func DecodeTransaction(r *codec.Reader) (*Transaction, error) {
	tx := &Transaction{}
	var err error
	if tx.Timestamp, err = r.ReadU64(); err != nil {
		return nil, err
	}
	if tx.Nonce, err = r.ReadU64(); err != nil {
		return nil, err
	}

	// txid + index + owner + presence tag
	nIn, err := r.ReadCount(crypto.HashSize + 4 + crypto.KeySize + 4)
	if err != nil {
		return nil, err
	}
	tx.Inputs = make([]TransactionInput, nIn)
	for i := range tx.Inputs {
		in := &tx.Inputs[i]
		if err := r.ReadRaw(in.TransactionID[:]); err != nil {
			return nil, err
		}
		if in.OutputIndex, err = r.ReadU32(); err != nil {
			return nil, err
		}
		if err := r.ReadRaw(in.OutputOwner[:]); err != nil {
			return nil, err
		}
		present, err := r.ReadOption()
		if err != nil {
			return nil, err
		}
		if present {
			var sig crypto.Signature
			if err := r.ReadRaw(sig[:]); err != nil {
				return nil, err
			}
			in.Signature = &sig
		}
	}

	nOut, err := r.ReadCount(8 + crypto.KeySize)
	if err != nil {
		return nil, err
	}
	tx.Outputs = make([]TransactionOutput, nOut)
	for i := range tx.Outputs {
		out := &tx.Outputs[i]
		if out.Amount, err = r.ReadU64(); err != nil {
			return nil, err
		}
		if err := r.ReadRaw(out.Receiver[:]); err != nil {
			return nil, err
		}
	}

	present, err := r.ReadOption()
	if err != nil {
		return nil, err
	}
	if present {
		var id crypto.Hash
		if err := r.ReadRaw(id[:]); err != nil {
			return nil, err
		}
		tx.TransactionID = &id
	}
	return tx, nil
}
