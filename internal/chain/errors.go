package chain

import "errors"

// Validation failure kinds. Validation happens before any mutation, so a
// returned error never leaves shared state poisoned.
var (
	ErrInvalidPreviousBlockHash = errors.New("previous block hash does not match the chain tip")
	ErrInvalidBlockHash         = errors.New("block hash does not match block contents")
	ErrInvalidMerkleRoot        = errors.New("merkle root does not match block transactions")
	ErrInvalidBlockTimestamp    = errors.New("block timestamp outside the allowed window")
	ErrInsufficientDifficulty   = errors.New("hash does not meet the required difficulty target")
	ErrTooManyTransactions      = errors.New("block exceeds the transaction limit")
	ErrInvalidCoinbase          = errors.New("coinbase transaction is malformed")
	ErrInvalidTransactionID     = errors.New("transaction id does not match transaction contents")
	ErrInvalidSignature         = errors.New("input signature does not verify")
	ErrMissingUtxo              = errors.New("input references an output that is not unspent")
	ErrDoubleSpend              = errors.New("input conflicts with a pending transaction")
	ErrInsufficientFunds        = errors.New("outputs exceed inputs")
	ErrTooMuchIO                = errors.New("transaction exceeds the input/output limit")
	ErrNoInputs                 = errors.New("transaction has no inputs")
	ErrExpiredTransaction       = errors.New("transaction timestamp outside the allowed window")
)
