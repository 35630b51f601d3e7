// Package economics holds the monetary constants and reward schedule.
package economics

import (
	"math"

	"github.com/snapcoin/snapd/internal/crypto"
)

// NanoToSnap is the number of nano units per snap. Funds are stored as
// uint64 nano amounts.
const NanoToSnap = 100_000_000

// TargetTime is the target seconds between blocks.
const TargetTime = 20

// TxTarget is the target number of transactions per block.
const TxTarget = 100

// MaxDiffChange bounds the per-block relative change of both targets.
const MaxDiffChange = 0.8

// HalvingInterval is the number of blocks between reward halvings.
const HalvingInterval = 210_000

// MinReward is the smallest possible block reward in nano.
const MinReward = 1

// DevFee is the fraction of each block reward paid to the dev wallet.
const DevFee = 0.02

// DifficultyDecayPerTx is the fraction of the live transaction target
// decayed per transaction currently in the mempool.
const DifficultyDecayPerTx = 0.005

// ExpirationTime is the mempool transaction lifetime in seconds.
const ExpirationTime = TargetTime * 10

// InitialReward is the block reward at height 0, in nano.
var InitialReward = ToNano(100.0)

// GenesisPreviousBlockHash is the previous-block hash of the genesis block.
var GenesisPreviousBlockHash = crypto.ZeroHash

// DevWallet is the fixed public key receiving the dev fee.
var DevWallet = crypto.Public{
	234, 96, 97, 87, 97, 239, 56, 52, 234, 43, 146, 76, 74, 153, 196,
	117, 237, 99, 76, 101, 164, 71, 29, 247, 192, 124, 101, 198, 234,
	19, 244, 157,
}

// ToSnap converts a nano amount to snap. Lossy.
func ToSnap(nano uint64) float64 {
	return float64(nano) / NanoToSnap
}

// ToNano converts a snap amount to nano, rounded to nearest.
func ToNano(snap float64) uint64 {
	return uint64(math.Round(snap * NanoToSnap))
}

// GetBlockReward returns the total reward for a block at the given height.
// The reward halves every HalvingInterval blocks and never drops below
// MinReward.
func GetBlockReward(height uint64) uint64 {
	halvings := height / HalvingInterval
	if halvings >= 64 {
		return MinReward
	}
	reward := InitialReward >> halvings
	if reward < MinReward {
		return MinReward
	}
	return reward
}

// TotalReward returns the sum of rewards for heights [0, upToHeight).
func TotalReward(upToHeight uint64) uint64 {
	var total uint64
	for h := uint64(0); h < upToHeight; h++ {
		total += GetBlockReward(h)
	}
	return total
}

// CalculateDevFee returns the dev share of a block reward, truncated.
func CalculateDevFee(blockReward uint64) uint64 {
	return uint64(float64(blockReward) * DevFee)
}
