package p2p

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/snapcoin/snapd/internal/crypto"
)

const (
	// PingInterval is how often a peer probes its remote with Ping.
	PingInterval = 5 * time.Second

	// RequestTimeout bounds how long a request waits for its response.
	RequestTimeout = 10 * time.Second

	// sendQueueSize bounds the outbound FIFO queue.
	sendQueueSize = 256

	// seenTransactionsCap bounds the per-peer duplicate-transaction set.
	seenTransactionsCap = 1000

	// txRatePerSecond and txRateBurst bound how fast one peer may push
	// transactions at us.
	txRatePerSecond = 20
	txRateBurst     = 50
)

var (
	// ErrPeerDisconnected means the session died before the operation
	// completed.
	ErrPeerDisconnected = errors.New("peer disconnected")

	// ErrRequestTimeout means no response arrived within RequestTimeout.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrUnexpectedResponse means the remote answered with a different
	// command than the request implies.
	ErrUnexpectedResponse = errors.New("unexpected response command")
)

// Behavior is the node-flavor-specific half of a peer session: it answers
// inbound requests and reacts to remote height advertisements. Full and
// light nodes provide different implementations.
type Behavior interface {
	// OnMessage handles an inbound request and returns the response to
	// send, or nil for none.
	OnMessage(peer *Peer, msg *Message) (*Message, error)

	// Height returns the local chain height advertised in pings.
	Height() uint64

	// OnRemoteHeight is called when a pong reports the remote ahead of us.
	OnRemoteHeight(peer *Peer, remoteHeight uint64)

	// OnKill is called once when the session dies.
	OnKill(peer *Peer)
}

// Peer is one TCP connection: a reader decoding and dispatching frames, a
// writer draining the outbound queue, and a pinger probing height. All
// three exit when the shared context is cancelled.
type Peer struct {
	Address string

	conn     net.Conn
	behavior Behavior
	logger   *zap.Logger
	limiter  *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	sendCh chan *Message

	mu      sync.RWMutex
	pending map[uint16]chan *Message
	seenTxs *BoundedSet[crypto.Hash]

	killOnce sync.Once
	wg       sync.WaitGroup
}

// NewPeer wraps an established connection. Call Start to begin the session.
func NewPeer(conn net.Conn, behavior Behavior, logger *zap.Logger) *Peer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Peer{
		Address:  conn.RemoteAddr().String(),
		conn:     conn,
		behavior: behavior,
		logger:   logger,
		limiter:  rate.NewLimiter(rate.Limit(txRatePerSecond), txRateBurst),
		ctx:      ctx,
		cancel:   cancel,
		sendCh:   make(chan *Message, sendQueueSize),
		pending:  make(map[uint16]chan *Message),
		seenTxs:  NewBoundedSet[crypto.Hash](seenTransactionsCap),
	}
}

// Dial connects to address and performs the Connect handshake.
func Dial(address string, behavior Behavior, logger *zap.Logger) (*Peer, error) {
	conn, err := net.DialTimeout("tcp", address, RequestTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	p := NewPeer(conn, behavior, logger)
	p.Start()

	resp, err := p.Request(NewMessage(Connect{}))
	if err != nil {
		p.Kill()
		return nil, fmt.Errorf("handshake with %s: %w", address, err)
	}
	if _, ok := resp.Command.(AcknowledgeConnection); !ok {
		p.Kill()
		return nil, fmt.Errorf("handshake with %s: %w", address, ErrUnexpectedResponse)
	}
	return p, nil
}

// Start launches the reader, writer, and pinger tasks.
func (p *Peer) Start() {
	p.wg.Add(3)
	go p.readLoop()
	go p.writeLoop()
	go p.pingLoop()
}

func (p *Peer) readLoop() {
	defer p.wg.Done()
	for {
		msg, err := ReadMessage(p.conn)
		if err != nil {
			if p.ctx.Err() == nil {
				p.logger.Debug("peer read failed",
					zap.String("peer", p.Address),
					zap.Error(err),
				)
			}
			p.Kill()
			return
		}
		if p.resolvePending(msg) {
			continue
		}
		p.dispatch(msg)
	}
}

// resolvePending fulfils a waiting request slot, if any.
func (p *Peer) resolvePending(msg *Message) bool {
	p.mu.Lock()
	slot, ok := p.pending[msg.ID]
	if ok {
		delete(p.pending, msg.ID)
	}
	p.mu.Unlock()
	if ok {
		slot <- msg
	}
	return ok
}

func (p *Peer) dispatch(msg *Message) {
	if _, isTx := msg.Command.(NewTransaction); isTx && !p.limiter.Allow() {
		p.logger.Warn("transaction flood throttled", zap.String("peer", p.Address))
		return
	}

	resp, err := p.behavior.OnMessage(p, msg)
	if err != nil {
		p.logger.Warn("inbound message rejected",
			zap.String("peer", p.Address),
			zap.Error(err),
		)
	}
	if resp != nil {
		p.Send(resp)
	}
}

func (p *Peer) writeLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case msg := <-p.sendCh:
			if err := msg.WriteTo(p.conn); err != nil {
				if p.ctx.Err() == nil {
					p.logger.Debug("peer write failed",
						zap.String("peer", p.Address),
						zap.Error(err),
					)
				}
				p.Kill()
				return
			}
		}
	}
}

func (p *Peer) pingLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
		}

		local := p.behavior.Height()
		resp, err := p.Request(NewMessage(Ping{Height: local}))
		if err != nil {
			p.logger.Debug("ping failed",
				zap.String("peer", p.Address),
				zap.Error(err),
			)
			p.Kill()
			return
		}
		pong, ok := resp.Command.(Pong)
		if !ok {
			continue
		}
		if pong.Height > local {
			p.behavior.OnRemoteHeight(p, pong.Height)
		}
	}
}

// Send enqueues a message on the outbound FIFO. Messages are dropped once
// the session is dead.
func (p *Peer) Send(msg *Message) {
	select {
	case p.sendCh <- msg:
	case <-p.ctx.Done():
	}
}

// Request enqueues a message and waits for the response carrying the same
// id, up to RequestTimeout.
func (p *Peer) Request(msg *Message) (*Message, error) {
	slot := make(chan *Message, 1)
	p.mu.Lock()
	p.pending[msg.ID] = slot
	p.mu.Unlock()

	p.Send(msg)

	timer := time.NewTimer(RequestTimeout)
	defer timer.Stop()
	select {
	case resp := <-slot:
		return resp, nil
	case <-timer.C:
		p.dropPending(msg.ID)
		return nil, ErrRequestTimeout
	case <-p.ctx.Done():
		p.dropPending(msg.ID)
		return nil, ErrPeerDisconnected
	}
}

func (p *Peer) dropPending(id uint16) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

// HasSeenTransaction reports whether this peer already relayed the id.
func (p *Peer) HasSeenTransaction(id crypto.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.seenTxs.Contains(id)
}

// MarkSeenTransaction records a relayed transaction id; the set is bounded
// FIFO.
func (p *Peer) MarkSeenTransaction(id crypto.Hash) {
	p.mu.Lock()
	p.seenTxs.Insert(id)
	p.mu.Unlock()
}

// Kill terminates the session: the context is cancelled, the socket closed,
// pending requests unblocked, and the behavior's on-kill hook run. Safe to
// call more than once.
func (p *Peer) Kill() {
	p.killOnce.Do(func() {
		p.cancel()
		p.conn.Close()

		p.mu.Lock()
		for id := range p.pending {
			delete(p.pending, id)
		}
		p.mu.Unlock()

		p.behavior.OnKill(p)
		p.logger.Info("peer session closed", zap.String("peer", p.Address))
	})
}

// Done is closed when the session has died.
func (p *Peer) Done() <-chan struct{} {
	return p.ctx.Done()
}

// Wait blocks until all three session tasks have exited.
func (p *Peer) Wait() {
	p.wg.Wait()
}
