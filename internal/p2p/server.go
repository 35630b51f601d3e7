package p2p

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"
)

// Server accepts inbound peer connections and hands each to a fresh peer
// session.
type Server struct {
	logger   *zap.Logger
	behavior Behavior

	// onPeer registers an accepted session with the node's peer registry.
	onPeer func(*Peer)

	listener net.Listener
}

// NewServer builds an accepting listener. onPeer is invoked for every
// accepted session before its tasks start.
func NewServer(behavior Behavior, onPeer func(*Peer), logger *zap.Logger) *Server {
	return &Server{
		logger:   logger,
		behavior: behavior,
		onPeer:   onPeer,
	}
}

// Listen binds the given TCP port, falling back to an ephemeral port when
// it is taken, and accepts until ctx is cancelled.
func (s *Server) Listen(ctx context.Context, port int) error {
	listener, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		listener, err = net.Listen("tcp", "0.0.0.0:0")
		if err != nil {
			return fmt.Errorf("bind p2p listener: %w", err)
		}
	}
	s.listener = listener
	s.logger.Info("node listening", zap.String("addr", listener.Addr().String()))

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
				s.logger.Warn("accept failed", zap.Error(err))
				continue
			}
			peer := NewPeer(conn, s.behavior, s.logger)
			s.onPeer(peer)
			peer.Start()
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
