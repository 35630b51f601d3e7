// Package api implements the node's query API: a length-framed CBOR
// request/response protocol over TCP. The server is a pure shim over the
// core's read and submit operations; no admission logic lives here. The
// client implements the wallet data-provider interface so wallets can run
// against a remote node.
package api

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// maxFrameBytes caps one API frame.
const maxFrameBytes = 8 << 20

// ErrFrameTooLarge means a frame declared a payload over the cap.
var ErrFrameTooLarge = errors.New("api frame exceeds size limit")

// RequestType enumerates the query API operations.
type RequestType uint8

const (
	ReqHeight RequestType = iota + 1
	ReqBlock
	ReqBlockHash
	ReqTransaction
	ReqTransactionsOfAddress
	ReqAvailableUTXOs
	ReqBalance
	ReqReward
	ReqPeers
	ReqMempool
	ReqNewBlock
	ReqNewTransaction
	ReqDifficulty
	ReqBlockHeight
)

// Request is one query API request. Blocks and transactions travel as
// their canonical encodings inside the CBOR envelope.
type Request struct {
	Type    RequestType `cbor:"1,keyasint"`
	Hash    []byte      `cbor:"2,keyasint,omitempty"`
	Height  uint64      `cbor:"3,keyasint,omitempty"`
	Address []byte      `cbor:"4,keyasint,omitempty"`
	Payload []byte      `cbor:"5,keyasint,omitempty"`
}

// UTXO is one spendable output in an AvailableUTXOs response.
type UTXO struct {
	TransactionID []byte `cbor:"1,keyasint"`
	Index         uint32 `cbor:"2,keyasint"`
	Amount        uint64 `cbor:"3,keyasint"`
}

// Response mirrors a Request. Error is set when the operation failed;
// Found distinguishes a missing entity from a zero value.
type Response struct {
	Type                  RequestType `cbor:"1,keyasint"`
	Error                 string      `cbor:"2,keyasint,omitempty"`
	Found                 bool        `cbor:"3,keyasint,omitempty"`
	Height                uint64      `cbor:"4,keyasint,omitempty"`
	Hash                  []byte      `cbor:"5,keyasint,omitempty"`
	Payload               []byte      `cbor:"6,keyasint,omitempty"`
	Payloads              [][]byte    `cbor:"7,keyasint,omitempty"`
	Hashes                [][]byte    `cbor:"8,keyasint,omitempty"`
	UTXOs                 []UTXO      `cbor:"9,keyasint,omitempty"`
	Amount                uint64      `cbor:"10,keyasint,omitempty"`
	Peers                 []string    `cbor:"11,keyasint,omitempty"`
	BlockDifficulty       []byte      `cbor:"12,keyasint,omitempty"`
	TransactionDifficulty []byte      `cbor:"13,keyasint,omitempty"`
	// LiveTransactionDifficulty is the mempool-decayed transaction target
	// new transactions must be mined against.
	LiveTransactionDifficulty []byte `cbor:"14,keyasint,omitempty"`
}

// writeFrame writes a 4-byte big-endian length prefix followed by the CBOR
// encoding of v.
func writeFrame(w io.Writer, v any) error {
	data, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// readFrame reads one length-prefixed CBOR frame into v.
func readFrame(r io.Reader, v any) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return err
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size > maxFrameBytes {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return err
	}
	return cbor.Unmarshal(data, v)
}
