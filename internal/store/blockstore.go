// Package store provides durable, height-indexed persistence for blocks
// (full nodes) and block metadata (light nodes). One file per height;
// appends are atomic via write-temp, fsync, rename.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/snapcoin/snapd/internal/core"
	"github.com/snapcoin/snapd/internal/crypto"
	"github.com/snapcoin/snapd/internal/economics"
)

// ErrIncorrectPreviousBlock is returned when an appended block does not
// extend the current tip.
var ErrIncorrectPreviousBlock = errors.New("previous block hash does not match the last added block")

// ErrEmptyStore is returned by PopLast on an empty store.
var ErrEmptyStore = errors.New("store is empty")

// BlockStore persists full blocks, one file per height, with in-memory
// height and hash indices rebuilt from disk on open.
type BlockStore struct {
	mu sync.RWMutex

	dir      string
	logger   *zap.Logger
	height   uint64
	lastHash crypto.Hash
	byHash   map[crypto.Hash]uint64
	byHeight map[uint64]crypto.Hash
}

// OpenBlockStore opens (or creates) a block store rooted at dir and rebuilds
// the indices by decoding every block file in height order. A block file
// that fails to decode is fatal: the store refuses to open over a corrupt
// chain prefix.
func OpenBlockStore(dir string, logger *zap.Logger) (*BlockStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	s := &BlockStore{
		dir:      dir,
		logger:   logger,
		lastHash: economics.GenesisPreviousBlockHash,
		byHash:   make(map[crypto.Hash]uint64),
		byHeight: make(map[uint64]crypto.Hash),
	}

	for h := uint64(0); ; h++ {
		data, err := os.ReadFile(s.blockPath(h))
		if errors.Is(err, os.ErrNotExist) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read block %d: %w", h, err)
		}
		block, err := core.DecodeBlockBytes(data)
		if err != nil {
			return nil, fmt.Errorf("decode block %d: %w", h, err)
		}
		if block.Meta.Hash == nil {
			return nil, fmt.Errorf("block %d on disk has no hash", h)
		}
		s.byHash[*block.Meta.Hash] = h
		s.byHeight[h] = *block.Meta.Hash
		s.lastHash = *block.Meta.Hash
		s.height = h + 1
	}

	if s.height > 0 {
		logger.Info("block store opened",
			zap.String("dir", dir),
			zap.Uint64("height", s.height),
			zap.String("tip", s.lastHash.Base36()),
		)
	}
	return s, nil
}

// Append persists a block at the next height. It fails with
// ErrIncorrectPreviousBlock unless the block extends the tip (or carries the
// genesis previous hash at height 0). Success is returned only after the
// block file exists on disk; indices update only after the rename.
func (s *BlockStore) Append(block *core.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if block.Meta.Hash == nil {
		return errors.New("block has no hash attached")
	}
	if block.Meta.PreviousBlock != s.lastHash {
		return ErrIncorrectPreviousBlock
	}

	if err := writeAtomic(s.blockPath(s.height), block.EncodeToBytes()); err != nil {
		return err
	}

	s.byHash[*block.Meta.Hash] = s.height
	s.byHeight[s.height] = *block.Meta.Hash
	s.lastHash = *block.Meta.Hash
	s.height++
	return nil
}

// GetByHeight reads the block stored at the given height.
func (s *BlockStore) GetByHeight(height uint64) (*core.Block, bool) {
	s.mu.RLock()
	inRange := height < s.height
	s.mu.RUnlock()
	if !inRange {
		return nil, false
	}

	data, err := os.ReadFile(s.blockPath(height))
	if err != nil {
		return nil, false
	}
	block, err := core.DecodeBlockBytes(data)
	if err != nil {
		s.logger.Error("corrupt block on disk",
			zap.Uint64("height", height),
			zap.Error(err),
		)
		return nil, false
	}
	return block, true
}

// GetByHash reads the block with the given hash.
func (s *BlockStore) GetByHash(hash crypto.Hash) (*core.Block, bool) {
	s.mu.RLock()
	height, ok := s.byHash[hash]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return s.GetByHeight(height)
}

// GetHeight returns the number of stored blocks.
func (s *BlockStore) GetHeight() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.height
}

// GetLastHash returns the tip hash, or the genesis previous hash when empty.
func (s *BlockStore) GetLastHash() crypto.Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastHash
}

// GetHashByHeight returns the hash of the block at the given height.
func (s *BlockStore) GetHashByHeight(height uint64) (crypto.Hash, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hash, ok := s.byHeight[height]
	return hash, ok
}

// GetHeightByHash returns the height of the block with the given hash.
func (s *BlockStore) GetHeightByHash(hash crypto.Hash) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.byHash[hash]
	return h, ok
}

// PopLast removes the tip block: file and both index entries go together
// under the store's write lock. The removed block is returned.
func (s *BlockStore) PopLast() (*core.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.height == 0 {
		return nil, ErrEmptyStore
	}
	tipHeight := s.height - 1

	data, err := os.ReadFile(s.blockPath(tipHeight))
	if err != nil {
		return nil, fmt.Errorf("read tip block: %w", err)
	}
	block, err := core.DecodeBlockBytes(data)
	if err != nil {
		return nil, fmt.Errorf("decode tip block: %w", err)
	}

	if err := os.Remove(s.blockPath(tipHeight)); err != nil {
		return nil, fmt.Errorf("remove tip block: %w", err)
	}

	delete(s.byHash, *block.Meta.Hash)
	delete(s.byHeight, tipHeight)
	s.height = tipHeight
	if tipHeight == 0 {
		s.lastHash = economics.GenesisPreviousBlockHash
	} else {
		s.lastHash = block.Meta.PreviousBlock
	}
	return block, nil
}

func (s *BlockStore) blockPath(height uint64) string {
	return filepath.Join(s.dir, fmt.Sprintf("block-%d.dat", height))
}

// writeAtomic writes data to path via a temp file, fsync, and rename.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
