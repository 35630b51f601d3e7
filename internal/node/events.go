// Package node implements the full node: peer dispatch, block and
// transaction acceptance, gossip fan-out, and initial block download.
package node

import (
	"sync"

	"github.com/snapcoin/snapd/internal/core"
	"github.com/snapcoin/snapd/internal/crypto"
)

// ChainEvent is one entry of the chain-events stream consumed by the API
// server and by peer sessions for fan-out.
type ChainEvent interface{ chainEvent() }

// BlockEvent signals an accepted block.
type BlockEvent struct {
	Block *core.Block
}

// TransactionEvent signals a transaction admitted to the mempool.
type TransactionEvent struct {
	Transaction *core.Transaction
}

// TransactionExpirationEvent signals a transaction swept from the mempool.
type TransactionExpirationEvent struct {
	TransactionID crypto.Hash
}

func (BlockEvent) chainEvent()                 {}
func (TransactionEvent) chainEvent()           {}
func (TransactionExpirationEvent) chainEvent() {}

// Broadcaster fans chain events out to subscribers over bounded channels.
// A subscriber that falls behind loses events rather than stalling the
// chain; subscribers are expected to be resync-capable.
type Broadcaster struct {
	mu       sync.Mutex
	capacity int
	subs     []chan ChainEvent
}

// NewBroadcaster returns a broadcaster whose subscriber channels hold
// capacity events.
func NewBroadcaster(capacity int) *Broadcaster {
	return &Broadcaster{capacity: capacity}
}

// Subscribe registers a new subscriber channel.
func (b *Broadcaster) Subscribe() <-chan ChainEvent {
	ch := make(chan ChainEvent, b.capacity)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Publish delivers an event to every subscriber, dropping it for any whose
// channel is full.
func (b *Broadcaster) Publish(event ChainEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
}
