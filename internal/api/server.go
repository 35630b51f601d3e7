package api

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/snapcoin/snapd/internal/core"
	"github.com/snapcoin/snapd/internal/crypto"
	"github.com/snapcoin/snapd/internal/economics"
	"github.com/snapcoin/snapd/internal/node"
	"github.com/snapcoin/snapd/pkg/codec"
)

// Server serves the query API over a full node.
type Server struct {
	node     *node.Node
	logger   *zap.Logger
	listener net.Listener
}

// NewServer builds a query API server over n.
func NewServer(n *node.Node, logger *zap.Logger) *Server {
	return &Server{node: n, logger: logger}
}

// Listen binds the given TCP port, falling back to an ephemeral port when
// it is taken, and serves until ctx is cancelled.
func (s *Server) Listen(ctx context.Context, port int) error {
	listener, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		listener, err = net.Listen("tcp", "0.0.0.0:0")
		if err != nil {
			return fmt.Errorf("bind api listener: %w", err)
		}
	}
	s.listener = listener
	s.logger.Info("api listening", zap.String("addr", listener.Addr().String()))

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn("api accept failed", zap.Error(err))
				continue
			}
			go s.serveConn(conn)
		}
	}()
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	for {
		var req Request
		if err := readFrame(conn, &req); err != nil {
			return
		}
		resp := s.handle(&req)
		if err := writeFrame(conn, resp); err != nil {
			return
		}
	}
}

func (s *Server) handle(req *Request) *Response {
	bc := s.node.Chain()
	resp := &Response{Type: req.Type}

	switch req.Type {
	case ReqHeight:
		resp.Height = bc.GetHeight()

	case ReqBlock:
		hash, err := hashFromBytes(req.Hash)
		if err != nil {
			resp.Error = err.Error()
			break
		}
		if block, ok := bc.GetBlockByHash(hash); ok {
			resp.Found = true
			resp.Payload = block.EncodeToBytes()
		}

	case ReqBlockHash:
		if hash, ok := bc.GetBlockHashByHeight(req.Height); ok {
			resp.Found = true
			resp.Hash = hash[:]
		}

	case ReqBlockHeight:
		hash, err := hashFromBytes(req.Hash)
		if err != nil {
			resp.Error = err.Error()
			break
		}
		if height, ok := bc.GetBlockHeightByHash(hash); ok {
			resp.Found = true
			resp.Height = height
		}

	case ReqTransaction:
		id, err := hashFromBytes(req.Hash)
		if err != nil {
			resp.Error = err.Error()
			break
		}
		if tx, ok := bc.GetTransaction(id); ok {
			resp.Found = true
			resp.Payload = encodeTransaction(tx)
		}

	case ReqTransactionsOfAddress:
		address, err := publicFromBytes(req.Address)
		if err != nil {
			resp.Error = err.Error()
			break
		}
		for _, id := range bc.GetTransactionsOfAddress(address) {
			resp.Hashes = append(resp.Hashes, id[:])
		}

	case ReqAvailableUTXOs:
		address, err := publicFromBytes(req.Address)
		if err != nil {
			resp.Error = err.Error()
			break
		}
		for _, out := range bc.AvailableOutputs(address) {
			resp.UTXOs = append(resp.UTXOs, UTXO{
				TransactionID: out.TransactionID[:],
				Index:         out.Index,
				Amount:        out.Output.Amount,
			})
		}

	case ReqBalance:
		address, err := publicFromBytes(req.Address)
		if err != nil {
			resp.Error = err.Error()
			break
		}
		resp.Amount = bc.BalanceOf(address)

	case ReqReward:
		resp.Amount = economics.GetBlockReward(bc.GetHeight())

	case ReqPeers:
		resp.Peers = s.node.PeerAddresses()

	case ReqMempool:
		for _, tx := range s.node.Mempool().GetAll() {
			resp.Payloads = append(resp.Payloads, encodeTransaction(tx))
		}

	case ReqNewBlock:
		block, err := core.DecodeBlockBytes(req.Payload)
		if err != nil {
			resp.Error = err.Error()
			break
		}
		if err := s.node.SubmitBlock(block, nil); err != nil {
			resp.Error = err.Error()
		}

	case ReqNewTransaction:
		tx, err := decodeTransaction(req.Payload)
		if err != nil {
			resp.Error = err.Error()
			break
		}
		if err := s.node.SubmitTransaction(tx, nil); err != nil {
			resp.Error = err.Error()
		}

	case ReqDifficulty:
		blockDiff := bc.GetBlockDifficulty()
		txDiff := bc.GetTransactionDifficulty()
		liveDiff := bc.GetLiveTransactionDifficulty(s.node.Mempool().Size())
		resp.BlockDifficulty = blockDiff[:]
		resp.TransactionDifficulty = txDiff[:]
		resp.LiveTransactionDifficulty = liveDiff[:]

	default:
		resp.Error = fmt.Sprintf("unknown request type %d", req.Type)
	}
	return resp
}

func hashFromBytes(b []byte) (crypto.Hash, error) {
	if len(b) != crypto.HashSize {
		return crypto.Hash{}, fmt.Errorf("hash must be %d bytes, got %d", crypto.HashSize, len(b))
	}
	var h crypto.Hash
	copy(h[:], b)
	return h, nil
}

func publicFromBytes(b []byte) (crypto.Public, error) {
	if len(b) != crypto.KeySize {
		return crypto.Public{}, fmt.Errorf("address must be %d bytes, got %d", crypto.KeySize, len(b))
	}
	var p crypto.Public
	copy(p[:], b)
	return p, nil
}

func encodeTransaction(tx *core.Transaction) []byte {
	w := codec.NewWriter()
	tx.Encode(w)
	return w.Bytes()
}

func decodeTransaction(data []byte) (*core.Transaction, error) {
	r := codec.NewReader(data)
	tx, err := core.DecodeTransaction(r)
	if err != nil {
		return nil, err
	}
	if err := r.Finish(); err != nil {
		return nil, err
	}
	return tx, nil
}
