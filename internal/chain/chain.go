// Package chain implements the blockchain facade: the single entry point
// for mutating the chain. It owns the block store, the UTXO set, and the
// difficulty state behind one readers-writer lock and enforces every
// validation rule before any mutation.
package chain

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/snapcoin/snapd/internal/core"
	"github.com/snapcoin/snapd/internal/crypto"
	"github.com/snapcoin/snapd/internal/difficulty"
	"github.com/snapcoin/snapd/internal/economics"
	"github.com/snapcoin/snapd/internal/store"
	"github.com/snapcoin/snapd/internal/utxo"
)

// TimestampDrift is how far into the future a block or transaction
// timestamp may run ahead of the local clock, in seconds.
const TimestampDrift = 120

// Blockchain owns the chain state. AddBlock and PopBlock take the write
// lock; queries take the read lock.
type Blockchain struct {
	mu sync.RWMutex

	store  *store.BlockStore
	utxos  *utxo.Set
	diff   *difficulty.State
	logger *zap.Logger

	// tipMeta caches the tip block's metadata so timestamp checks do not
	// re-read the tip file on every append. Nil while the chain is empty.
	tipMeta *core.BlockMetadata
}

// Open builds a blockchain over the store directory, replaying every stored
// block through the UTXO set and difficulty engine to reconstruct the live
// state.
func Open(dir string, logger *zap.Logger) (*Blockchain, error) {
	blockStore, err := store.OpenBlockStore(dir, logger)
	if err != nil {
		return nil, err
	}

	bc := &Blockchain{
		store:  blockStore,
		utxos:  utxo.NewSet(),
		diff:   difficulty.NewState(uint64(time.Now().Unix())),
		logger: logger,
	}

	height := blockStore.GetHeight()
	for h := uint64(0); h < height; h++ {
		block, ok := blockStore.GetByHeight(h)
		if !ok {
			return nil, fmt.Errorf("replay: block %d unreadable", h)
		}
		if err := bc.utxos.Apply(block); err != nil {
			return nil, fmt.Errorf("replay: apply block %d: %w", h, err)
		}
		bc.diff.Update(block)
		bc.tipMeta = &block.Meta
	}
	return bc, nil
}

// AddBlock validates and appends a block at the tip. skipTxHashing elides
// the per-transaction id recomputation and signature checks; it is safe
// only for deep-history blocks during initial block download, where a valid
// proof of work plus a matching Merkle root vouches for the payload.
func (bc *Blockchain) AddBlock(block *core.Block, skipTxHashing bool) error {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	// 1. Hash attached and correct.
	if err := block.Meta.CheckCompleteness(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBlockHash, err)
	}

	// 2. Extends the tip.
	if block.Meta.PreviousBlock != bc.store.GetLastHash() {
		return ErrInvalidPreviousBlockHash
	}

	// 3. Timestamp monotonic and within drift.
	now := uint64(time.Now().Unix())
	if bc.tipMeta != nil && block.Meta.Timestamp < bc.tipMeta.Timestamp {
		return ErrInvalidBlockTimestamp
	}
	if block.Meta.Timestamp > now+TimestampDrift {
		return ErrInvalidBlockTimestamp
	}

	// 4. Transaction count limit.
	if len(block.Transactions) > core.MaxTransactionsPerBlock {
		return ErrTooManyTransactions
	}

	// 5. Last transaction is a well-formed coinbase.
	height := bc.store.GetHeight()
	if err := checkCoinbase(block, height); err != nil {
		return err
	}

	// 6. Merkle root and declared count match the payload.
	if int(block.Meta.TxCount) != len(block.Transactions) ||
		block.Meta.MerkleRoot != core.TransactionMerkleRoot(block.Transactions) {
		return ErrInvalidMerkleRoot
	}

	// 7. Proof of work. The declared targets must equal the consensus
	// state, and the hash must meet the block target.
	if block.Meta.BlockDifficulty != bc.diff.BlockDifficulty() ||
		block.Meta.TransactionDifficulty != bc.diff.TransactionDifficulty() {
		return fmt.Errorf("%w: declared targets do not match consensus", ErrInsufficientDifficulty)
	}
	if !difficulty.Meets(*block.Meta.Hash, block.Meta.BlockDifficulty) {
		return ErrInsufficientDifficulty
	}

	// 8. Every transaction validates, with earlier transactions of this
	// block visible to later ones.
	overlay := newOverlay(bc.utxos)
	txTarget := difficulty.FromBuf(block.Meta.TransactionDifficulty)
	for i, tx := range block.Transactions {
		isCoinbase := i == len(block.Transactions)-1
		if isCoinbase {
			if err := bc.validateCoinbasePow(tx, txTarget, skipTxHashing); err != nil {
				return err
			}
		} else {
			if err := bc.validateTransaction(tx, overlay, txTarget, now, skipTxHashing); err != nil {
				return err
			}
		}
		overlay.stage(tx)
	}

	// 9. Mutate: persist, apply, retarget. Validation is complete, so a
	// UTXO apply failure after a successful persist violates the facade's
	// all-or-nothing contract and has no safe recovery.
	if err := bc.store.Append(block); err != nil {
		return err
	}
	if err := bc.utxos.Apply(block); err != nil {
		bc.logger.Fatal("utxo apply failed after block persisted",
			zap.String("block", block.Meta.Hash.Base36()),
			zap.Error(err),
		)
	}
	bc.diff.Update(block)
	bc.tipMeta = &block.Meta

	bc.logger.Info("block appended",
		zap.Uint64("height", height),
		zap.String("hash", block.Meta.Hash.Base36()),
		zap.Int("transactions", len(block.Transactions)),
	)
	return nil
}

// checkCoinbase enforces that the block's last transaction mints exactly
// the height's reward, split dev fee first, miner remainder second.
func checkCoinbase(block *core.Block, height uint64) error {
	if len(block.Transactions) == 0 {
		return fmt.Errorf("%w: block has no transactions", ErrInvalidCoinbase)
	}
	cb := block.Transactions[len(block.Transactions)-1]
	if !cb.IsCoinbase() {
		return fmt.Errorf("%w: last transaction has inputs", ErrInvalidCoinbase)
	}
	// Only the last transaction may be a coinbase.
	for _, tx := range block.Transactions[:len(block.Transactions)-1] {
		if tx.IsCoinbase() {
			return fmt.Errorf("%w: coinbase before the last slot", ErrInvalidCoinbase)
		}
	}
	if len(cb.Outputs) != 2 {
		return fmt.Errorf("%w: expected 2 outputs, got %d", ErrInvalidCoinbase, len(cb.Outputs))
	}
	reward := economics.GetBlockReward(height)
	devFee := economics.CalculateDevFee(reward)
	if cb.Outputs[0].Receiver != economics.DevWallet || cb.Outputs[0].Amount != devFee {
		return fmt.Errorf("%w: dev output mismatch", ErrInvalidCoinbase)
	}
	if cb.Outputs[1].Amount != reward-devFee {
		return fmt.Errorf("%w: miner output mismatch", ErrInvalidCoinbase)
	}
	return nil
}

// validateCoinbasePow checks the coinbase id and its transaction-level
// proof of work.
func (bc *Blockchain) validateCoinbasePow(tx *core.Transaction, txTarget *big.Int, skipTxHashing bool) error {
	if tx.TransactionID == nil {
		return fmt.Errorf("%w: coinbase has no id", ErrInvalidTransactionID)
	}
	if !skipTxHashing {
		if err := tx.CheckCompleteness(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidTransactionID, err)
		}
	}
	if tx.TransactionID.Big().Cmp(txTarget) > 0 {
		return fmt.Errorf("%w: coinbase id above transaction target", ErrInsufficientDifficulty)
	}
	return nil
}

// validateTransaction runs the full non-coinbase rule set against view,
// which reflects the confirmed UTXO set plus this block's earlier
// transactions.
func (bc *Blockchain) validateTransaction(tx *core.Transaction, view *overlayView, txTarget *big.Int, now uint64, skipTxHashing bool) error {
	// (a) id attached and correct.
	if tx.TransactionID == nil {
		return fmt.Errorf("%w: no id attached", ErrInvalidTransactionID)
	}
	if !skipTxHashing {
		if err := tx.CheckCompleteness(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidTransactionID, err)
		}
	}

	// (b) transaction proof of work.
	if tx.TransactionID.Big().Cmp(txTarget) > 0 {
		return fmt.Errorf("%w: transaction %s", ErrInsufficientDifficulty, tx.TransactionID.Base36())
	}

	// (c) structural limits.
	if len(tx.Inputs)+len(tx.Outputs) > core.MaxTransactionIO {
		return ErrTooMuchIO
	}
	if len(tx.Inputs) == 0 {
		return ErrNoInputs
	}

	// (d) signatures.
	if !skipTxHashing {
		msg := tx.SigningBytes()
		for i := range tx.Inputs {
			in := &tx.Inputs[i]
			if in.Signature == nil || !in.Signature.Validate(in.OutputOwner, msg) {
				return fmt.Errorf("%w: transaction %s input %d", ErrInvalidSignature, tx.TransactionID.Base36(), i)
			}
		}
	}

	// (e) inputs unspent and owned as claimed; (f) no value minted.
	var inputSum uint64
	for i := range tx.Inputs {
		in := &tx.Inputs[i]
		entry, ok := view.lookup(utxo.Outpoint{TransactionID: in.TransactionID, Index: in.OutputIndex})
		if !ok {
			return fmt.Errorf("%w: %s:%d", ErrMissingUtxo, in.TransactionID.Base36(), in.OutputIndex)
		}
		if entry.Owner != in.OutputOwner {
			return fmt.Errorf("%w: owner mismatch on %s:%d", ErrMissingUtxo, in.TransactionID.Base36(), in.OutputIndex)
		}
		inputSum += entry.Amount
	}
	if tx.OutputSum() > inputSum {
		return ErrInsufficientFunds
	}

	// (g) timestamp drift. The excess of inputs over outputs is burned.
	if tx.Timestamp > now+TimestampDrift {
		return ErrExpiredTransaction
	}
	return nil
}

// ValidateTransactionNow runs the non-coinbase rule set against the
// confirmed UTXO set and the live transaction target. Used for mempool
// admission; the expiry lower bound applies here and not to transactions
// arriving inside historical blocks.
func (bc *Blockchain) ValidateTransactionNow(tx *core.Transaction, mempoolSize int) error {
	bc.mu.RLock()
	defer bc.mu.RUnlock()

	now := uint64(time.Now().Unix())
	liveTarget := difficulty.FromBuf(bc.diff.LiveTransactionDifficulty(mempoolSize))
	if err := bc.validateTransaction(tx, newOverlay(bc.utxos), liveTarget, now, false); err != nil {
		return err
	}
	if tx.Timestamp+economics.ExpirationTime < now {
		return ErrExpiredTransaction
	}
	return nil
}

// PopBlock removes the tip block, restoring the UTXO set and the previous
// difficulty state. Blocks and UTXO entries can be popped repeatedly, but
// the difficulty state keeps a single level of history: a second
// consecutive pop leaves it unrewound and logs a warning. It is used by
// tests and administrative tooling, never triggered by the network.
func (bc *Blockchain) PopBlock() error {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	popped, err := bc.store.PopLast()
	if err != nil {
		return err
	}
	err = bc.utxos.Unapply(popped, func(id crypto.Hash) (*core.Transaction, bool) {
		return bc.findTransaction(id)
	})
	if err != nil {
		bc.logger.Fatal("utxo unapply failed after block removed",
			zap.String("block", popped.Meta.Hash.Base36()),
			zap.Error(err),
		)
	}
	if err := bc.diff.Unapply(); err != nil {
		bc.logger.Warn("difficulty state not rewound", zap.Error(err))
	}

	if height := bc.store.GetHeight(); height == 0 {
		bc.tipMeta = nil
	} else if tip, ok := bc.store.GetByHeight(height - 1); ok {
		bc.tipMeta = &tip.Meta
	}

	bc.logger.Info("block popped", zap.String("hash", popped.Meta.Hash.Base36()))
	return nil
}

// findTransaction scans the chain newest-first for a transaction id.
// Callers hold at least the read lock.
func (bc *Blockchain) findTransaction(id crypto.Hash) (*core.Transaction, bool) {
	for h := bc.store.GetHeight(); h > 0; h-- {
		block, ok := bc.store.GetByHeight(h - 1)
		if !ok {
			continue
		}
		for _, tx := range block.Transactions {
			if tx.TransactionID != nil && *tx.TransactionID == id {
				return tx, true
			}
		}
	}
	return nil, false
}

// GetHeight returns the chain height.
func (bc *Blockchain) GetHeight() uint64 {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.store.GetHeight()
}

// GetLastHash returns the tip hash.
func (bc *Blockchain) GetLastHash() crypto.Hash {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.store.GetLastHash()
}

// GetBlockByHash returns the block with the given hash.
func (bc *Blockchain) GetBlockByHash(hash crypto.Hash) (*core.Block, bool) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.store.GetByHash(hash)
}

// GetBlockByHeight returns the block at the given height.
func (bc *Blockchain) GetBlockByHeight(height uint64) (*core.Block, bool) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.store.GetByHeight(height)
}

// GetBlockHashByHeight returns the hash indexed at the given height.
func (bc *Blockchain) GetBlockHashByHeight(height uint64) (crypto.Hash, bool) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.store.GetHashByHeight(height)
}

// GetBlockHeightByHash returns the height of the block with the given hash.
func (bc *Blockchain) GetBlockHeightByHash(hash crypto.Hash) (uint64, bool) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.store.GetHeightByHash(hash)
}

// GetTransaction scans the chain for a confirmed transaction.
func (bc *Blockchain) GetTransaction(id crypto.Hash) (*core.Transaction, bool) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.findTransaction(id)
}

// GetTransactionsOfAddress returns the ids of confirmed transactions that
// pay the given address.
func (bc *Blockchain) GetTransactionsOfAddress(address crypto.Public) []crypto.Hash {
	bc.mu.RLock()
	defer bc.mu.RUnlock()

	var ids []crypto.Hash
	for h := uint64(0); h < bc.store.GetHeight(); h++ {
		block, ok := bc.store.GetByHeight(h)
		if !ok {
			continue
		}
		for _, tx := range block.Transactions {
			if tx.TransactionID == nil {
				continue
			}
			for i := range tx.Outputs {
				if tx.Outputs[i].Receiver == address {
					ids = append(ids, *tx.TransactionID)
					break
				}
			}
		}
	}
	return ids
}

// BalanceOf returns the confirmed balance of an address.
func (bc *Blockchain) BalanceOf(address crypto.Public) uint64 {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.utxos.BalanceOf(address)
}

// AvailableOutputs returns the spendable outputs of an address.
func (bc *Blockchain) AvailableOutputs(address crypto.Public) []utxo.AvailableOutput {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.utxos.AvailableOutputs(address)
}

// GetBlockDifficulty returns the current block target.
func (bc *Blockchain) GetBlockDifficulty() [32]byte {
	return bc.diff.BlockDifficulty()
}

// GetTransactionDifficulty returns the current transaction target.
func (bc *Blockchain) GetTransactionDifficulty() [32]byte {
	return bc.diff.TransactionDifficulty()
}

// GetLiveTransactionDifficulty returns the transaction target decayed by
// the mempool size.
func (bc *Blockchain) GetLiveTransactionDifficulty(mempoolSize int) [32]byte {
	return bc.diff.LiveTransactionDifficulty(mempoolSize)
}

// overlayView resolves outpoints against the confirmed set plus the staged
// effects of earlier transactions in the block being validated.
type overlayView struct {
	base    *utxo.Set
	spent   map[utxo.Outpoint]struct{}
	created map[utxo.Outpoint]utxo.Entry
}

func newOverlay(base *utxo.Set) *overlayView {
	return &overlayView{
		base:    base,
		spent:   make(map[utxo.Outpoint]struct{}),
		created: make(map[utxo.Outpoint]utxo.Entry),
	}
}

func (v *overlayView) lookup(op utxo.Outpoint) (utxo.Entry, bool) {
	if _, gone := v.spent[op]; gone {
		return utxo.Entry{}, false
	}
	if e, ok := v.created[op]; ok {
		return e, true
	}
	return v.base.Get(op)
}

// stage records a validated transaction's effects for later transactions
// in the same block.
func (v *overlayView) stage(tx *core.Transaction) {
	for i := range tx.Inputs {
		v.spent[utxo.Outpoint{TransactionID: tx.Inputs[i].TransactionID, Index: tx.Inputs[i].OutputIndex}] = struct{}{}
	}
	if tx.TransactionID == nil {
		return
	}
	for i := range tx.Outputs {
		v.created[utxo.Outpoint{TransactionID: *tx.TransactionID, Index: uint32(i)}] = utxo.Entry{
			Owner:  tx.Outputs[i].Receiver,
			Amount: tx.Outputs[i].Amount,
		}
	}
}
