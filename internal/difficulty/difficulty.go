// Package difficulty maintains the two retargeted proof-of-work targets of
// the chain: the block target and the transaction target. Both are 256-bit
// big-endian upper bounds; a hash is valid iff its unsigned big-endian value
// is at most the target. Lower target means harder work.
package difficulty

import (
	"errors"
	"math"
	"math/big"
	"sync"

	"github.com/snapcoin/snapd/internal/core"
	"github.com/snapcoin/snapd/internal/economics"
)

// factorScale is the fixed-point denominator used when applying a float
// adjustment factor to a big integer target. One millionth granularity keeps
// the retarget deterministic across platforms.
const factorScale = 1_000_000

var (
	// maxTarget is 2^256 - 1, the easiest possible target.
	maxTarget = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

	// minTarget floors both targets at 1.
	minTarget = big.NewInt(1)
)

// ErrNoSnapshot is returned by Unapply when no prior state is buffered.
var ErrNoSnapshot = errors.New("difficulty: no snapshot to restore")

// snapshot is one entry of the 1-deep history ring used by Unapply. Only a
// single level of rewind is supported; deeper reorgs require a full resync.
type snapshot struct {
	blockTarget    *big.Int
	txTarget       *big.Int
	lastBlockTS    uint64
	lastRetargetTS uint64
	initialized    bool
}

// State tracks the live difficulty targets. All methods are safe for
// concurrent use.
type State struct {
	mu sync.RWMutex

	blockTarget    *big.Int
	txTarget       *big.Int
	lastBlockTS    uint64
	lastRetargetTS uint64

	// initialized flips on the first Update. Until then no inter-block
	// time exists, so the block target is not retargeted; this keeps the
	// state a pure function of chain content and makes replay after a
	// restart reproduce identical targets.
	initialized bool

	prev *snapshot
}

// NewState returns the default state: both targets wide open, timestamps
// seeded with now.
func NewState(now uint64) *State {
	return &State{
		blockTarget:    new(big.Int).Set(maxTarget),
		txTarget:       new(big.Int).Set(maxTarget),
		lastBlockTS:    now,
		lastRetargetTS: now,
	}
}

// BlockDifficulty returns the current block target as a 32-byte big-endian
// buffer.
func (s *State) BlockDifficulty() [32]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ToBuf(s.blockTarget)
}

// TransactionDifficulty returns the current transaction target as a 32-byte
// big-endian buffer.
func (s *State) TransactionDifficulty() [32]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ToBuf(s.txTarget)
}

// LastBlockTimestamp returns the timestamp of the last retargeting block.
func (s *State) LastBlockTimestamp() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastBlockTS
}

// Update retargets both targets from an appended block and snapshots the
// prior state for a potential single-level rewind.
//
// Block target: scaled by clamp(Δt/TargetTime, 1-MaxDiffChange,
// 1+MaxDiffChange), so slow blocks raise the target (easier) and fast
// blocks lower it.
//
// Transaction target: divided by clamp(txCount/TxTarget, 1-MaxDiffChange,
// 1+MaxDiffChange), so over-full blocks tighten per-transaction work.
func (s *State) Update(block *core.Block) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.prev = &snapshot{
		blockTarget:    new(big.Int).Set(s.blockTarget),
		txTarget:       new(big.Int).Set(s.txTarget),
		lastBlockTS:    s.lastBlockTS,
		lastRetargetTS: s.lastRetargetTS,
		initialized:    s.initialized,
	}

	if s.initialized {
		deltaT := float64(0)
		if block.Meta.Timestamp > s.lastBlockTS {
			deltaT = float64(block.Meta.Timestamp - s.lastBlockTS)
		}
		blockFactor := clampFactor(deltaT / economics.TargetTime)
		s.blockTarget = clampTarget(scaleTarget(s.blockTarget, blockFactor))
	}

	txFactor := clampFactor(float64(len(block.Transactions)) / economics.TxTarget)
	s.txTarget = clampTarget(divideTarget(s.txTarget, txFactor))

	s.lastBlockTS = block.Meta.Timestamp
	s.lastRetargetTS = block.Meta.Timestamp
	s.initialized = true
}

// Unapply restores the state recorded before the most recent Update. Only
// one level of history is kept.
func (s *State) Unapply() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prev == nil {
		return ErrNoSnapshot
	}
	s.blockTarget = s.prev.blockTarget
	s.txTarget = s.prev.txTarget
	s.lastBlockTS = s.prev.lastBlockTS
	s.lastRetargetTS = s.prev.lastRetargetTS
	s.initialized = s.prev.initialized
	s.prev = nil
	return nil
}

// ForceTargets overrides both targets, bypassing retargeting. Used by
// administrative tooling and tests; never called on the network path.
func (s *State) ForceTargets(blockTarget, txTarget *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blockTarget = clampTarget(new(big.Int).Set(blockTarget))
	s.txTarget = clampTarget(new(big.Int).Set(txTarget))
}

// LiveTransactionDifficulty returns the transaction target decayed by the
// current mempool size: target * (1-DifficultyDecayPerTx)^mempoolSize,
// clamped to [1, 2^256-1]. Admission gets harder as the mempool fills.
func (s *State) LiveTransactionDifficulty(mempoolSize int) [32]byte {
	s.mu.RLock()
	base := new(big.Int).Set(s.txTarget)
	s.mu.RUnlock()
	return ToBuf(LiveTransactionTarget(base, mempoolSize))
}

// LiveTransactionTarget applies the mempool decay to an arbitrary base
// target.
func LiveTransactionTarget(base *big.Int, mempoolSize int) *big.Int {
	decay := math.Pow(1-economics.DifficultyDecayPerTx, float64(mempoolSize))
	return clampTarget(scaleTarget(base, decay))
}

// Meets reports whether a 32-byte hash satisfies a 32-byte big-endian
// target. Comparison is unsigned.
func Meets(hash [32]byte, target [32]byte) bool {
	h := new(big.Int).SetBytes(hash[:])
	return h.Cmp(new(big.Int).SetBytes(target[:])) <= 0
}

// ToBuf renders a target as a 32-byte big-endian buffer.
func ToBuf(target *big.Int) [32]byte {
	var buf [32]byte
	target.FillBytes(buf[:])
	return buf
}

// FromBuf parses a 32-byte big-endian buffer into a target.
func FromBuf(buf [32]byte) *big.Int {
	return new(big.Int).SetBytes(buf[:])
}

// MaxTarget returns a copy of the easiest possible target.
func MaxTarget() *big.Int {
	return new(big.Int).Set(maxTarget)
}

func clampFactor(f float64) float64 {
	return math.Min(math.Max(f, 1-economics.MaxDiffChange), 1+economics.MaxDiffChange)
}

// scaleTarget multiplies a target by a float factor in fixed point.
func scaleTarget(target *big.Int, factor float64) *big.Int {
	num := big.NewInt(int64(math.Round(factor * factorScale)))
	out := new(big.Int).Mul(target, num)
	return out.Div(out, big.NewInt(factorScale))
}

// divideTarget divides a target by a float factor in fixed point.
func divideTarget(target *big.Int, factor float64) *big.Int {
	den := big.NewInt(int64(math.Round(factor * factorScale)))
	if den.Sign() <= 0 {
		den = big.NewInt(1)
	}
	out := new(big.Int).Mul(target, big.NewInt(factorScale))
	return out.Div(out, den)
}

func clampTarget(target *big.Int) *big.Int {
	if target.Cmp(minTarget) < 0 {
		return new(big.Int).Set(minTarget)
	}
	if target.Cmp(maxTarget) > 0 {
		return new(big.Int).Set(maxTarget)
	}
	return target
}
