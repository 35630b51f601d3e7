// Package mempool holds validated-but-unconfirmed transactions, bucketed
// by expiry timestamp. Callers validate before Add; the pool's own job is
// expiry and double-spend exclusion.
package mempool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/snapcoin/snapd/internal/core"
	"github.com/snapcoin/snapd/internal/crypto"
	"github.com/snapcoin/snapd/internal/economics"
)

// watchdogInterval is how often expired buckets are swept.
const watchdogInterval = 500 * time.Millisecond

// Pool is the mempool. All methods are safe for concurrent use.
type Pool struct {
	mu sync.RWMutex
	// pending maps expiry timestamp to the transactions expiring then.
	pending map[uint64][]*core.Transaction

	logger *zap.Logger

	// onExpire, when set, receives the ids of swept transactions.
	onExpire func([]crypto.Hash)
}

// New returns an empty pool.
func New(logger *zap.Logger) *Pool {
	return &Pool{
		pending: make(map[uint64][]*core.Transaction),
		logger:  logger,
	}
}

// OnExpire registers a callback invoked with the ids of transactions
// removed by the watchdog. Must be set before StartWatchdog.
func (p *Pool) OnExpire(fn func([]crypto.Hash)) {
	p.onExpire = fn
}

// Add inserts a transaction expiring ExpirationTime from now. The caller
// must have fully validated it first.
func (p *Pool) Add(tx *core.Transaction) {
	expiry := uint64(time.Now().Unix()) + economics.ExpirationTime
	p.mu.Lock()
	p.pending[expiry] = append(p.pending[expiry], tx)
	p.mu.Unlock()
}

// GetAll returns every pending transaction.
func (p *Pool) GetAll() []*core.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var all []*core.Transaction
	for _, txs := range p.pending {
		all = append(all, txs...)
	}
	return all
}

// Size returns the number of pending transactions.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, txs := range p.pending {
		n += len(txs)
	}
	return n
}

// ValidateNoConflict reports whether tx shares no input outpoint with any
// pending transaction. False means admitting tx would double-spend.
func (p *Pool) ValidateNoConflict(tx *core.Transaction) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, txs := range p.pending {
		for _, pending := range txs {
			for i := range pending.Inputs {
				for j := range tx.Inputs {
					if pending.Inputs[i].TransactionID == tx.Inputs[j].TransactionID &&
						pending.Inputs[i].OutputIndex == tx.Inputs[j].OutputIndex {
						return false
					}
				}
			}
		}
	}
	return true
}

// Spend removes the listed transaction ids, called after a block confirms
// them. Emptied buckets are dropped.
func (p *Pool) Spend(ids []crypto.Hash) {
	spent := make(map[crypto.Hash]struct{}, len(ids))
	for _, id := range ids {
		spent[id] = struct{}{}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for expiry, txs := range p.pending {
		kept := txs[:0]
		for _, tx := range txs {
			if tx.TransactionID != nil {
				if _, ok := spent[*tx.TransactionID]; ok {
					continue
				}
			}
			kept = append(kept, tx)
		}
		if len(kept) == 0 {
			delete(p.pending, expiry)
		} else {
			p.pending[expiry] = kept
		}
	}
}

// StartWatchdog sweeps every bucket whose expiry is at or before now, every
// 500 ms, until ctx is cancelled.
func (p *Pool) StartWatchdog(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(watchdogInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.sweep(uint64(time.Now().Unix()))
			}
		}
	}()
}

// sweep removes all buckets with key <= now and reports the expired ids.
func (p *Pool) sweep(now uint64) {
	var expired []crypto.Hash

	p.mu.Lock()
	for expiry, txs := range p.pending {
		if expiry > now {
			continue
		}
		for _, tx := range txs {
			if tx.TransactionID != nil {
				expired = append(expired, *tx.TransactionID)
			}
		}
		delete(p.pending, expiry)
	}
	p.mu.Unlock()

	if len(expired) == 0 {
		return
	}
	p.logger.Debug("transactions expired", zap.Int("count", len(expired)))
	if p.onExpire != nil {
		p.onExpire(expired)
	}
}
