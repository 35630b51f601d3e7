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
	"github.com/snapcoin/snapd/pkg/codec"
)

// MetaStore persists block metadata only, one meta-<height>.dat file per
// height. It is the light node's replacement for BlockStore.
type MetaStore struct {
	mu sync.RWMutex

	dir      string
	logger   *zap.Logger
	height   uint64
	lastHash crypto.Hash
	byHash   map[crypto.Hash]uint64
	byHeight map[uint64]crypto.Hash
}

// OpenMetaStore opens (or creates) a metadata store rooted at dir and
// rebuilds the indices from disk.
func OpenMetaStore(dir string, logger *zap.Logger) (*MetaStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	s := &MetaStore{
		dir:      dir,
		logger:   logger,
		lastHash: economics.GenesisPreviousBlockHash,
		byHash:   make(map[crypto.Hash]uint64),
		byHeight: make(map[uint64]crypto.Hash),
	}

	for h := uint64(0); ; h++ {
		meta, ok := s.readMeta(h)
		if !ok {
			break
		}
		if meta.Hash == nil {
			return nil, fmt.Errorf("metadata %d on disk has no hash", h)
		}
		s.byHash[*meta.Hash] = h
		s.byHeight[h] = *meta.Hash
		s.lastHash = *meta.Hash
		s.height = h + 1
	}
	return s, nil
}

// SaveMeta persists metadata at the next height, enforcing chain continuity.
func (s *MetaStore) SaveMeta(meta *core.BlockMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if meta.Hash == nil {
		return errors.New("metadata has no hash attached")
	}
	if meta.PreviousBlock != s.lastHash {
		return ErrIncorrectPreviousBlock
	}

	w := codec.NewWriter()
	meta.Encode(w)
	if err := writeAtomic(s.metaPath(s.height), w.Bytes()); err != nil {
		return err
	}

	s.byHash[*meta.Hash] = s.height
	s.byHeight[s.height] = *meta.Hash
	s.lastHash = *meta.Hash
	s.height++
	return nil
}

// GetHeight returns the number of stored metadata records.
func (s *MetaStore) GetHeight() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.height
}

// GetLastHash returns the tip hash, or the genesis previous hash when empty.
func (s *MetaStore) GetLastHash() crypto.Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastHash
}

// GetMetaByHeight reads the metadata stored at the given height.
func (s *MetaStore) GetMetaByHeight(height uint64) (*core.BlockMetadata, bool) {
	s.mu.RLock()
	inRange := height < s.height
	s.mu.RUnlock()
	if !inRange {
		return nil, false
	}
	return s.readMeta(height)
}

// GetMetaByHash reads the metadata with the given hash.
func (s *MetaStore) GetMetaByHash(hash crypto.Hash) (*core.BlockMetadata, bool) {
	s.mu.RLock()
	height, ok := s.byHash[hash]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return s.readMeta(height)
}

// GetHashByHeight returns the hash indexed at the given height.
func (s *MetaStore) GetHashByHeight(height uint64) (crypto.Hash, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hash, ok := s.byHeight[height]
	return hash, ok
}

func (s *MetaStore) readMeta(height uint64) (*core.BlockMetadata, bool) {
	data, err := os.ReadFile(s.metaPath(height))
	if err != nil {
		return nil, false
	}
	r := codec.NewReader(data)
	meta, err := core.DecodeBlockMetadata(r)
	if err != nil || r.Finish() != nil {
		s.logger.Error("corrupt metadata on disk",
			zap.Uint64("height", height),
			zap.Error(err),
		)
		return nil, false
	}
	return meta, true
}

func (s *MetaStore) metaPath(height uint64) string {
	return filepath.Join(s.dir, fmt.Sprintf("meta-%d.dat", height))
}
