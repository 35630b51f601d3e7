package wallet

import (
	"github.com/snapcoin/snapd/internal/chain"
	"github.com/snapcoin/snapd/internal/crypto"
	"github.com/snapcoin/snapd/internal/utxo"
)

// ChainProvider adapts the local blockchain facade to the DataProvider
// interface.
type ChainProvider struct {
	Chain *chain.Blockchain
}

// NewChainProvider wraps a local blockchain.
func NewChainProvider(bc *chain.Blockchain) *ChainProvider {
	return &ChainProvider{Chain: bc}
}

func (p *ChainProvider) GetHeight() (uint64, error) {
	return p.Chain.GetHeight(), nil
}

func (p *ChainProvider) GetBlockHashByHeight(height uint64) (crypto.Hash, bool, error) {
	hash, ok := p.Chain.GetBlockHashByHeight(height)
	return hash, ok, nil
}

func (p *ChainProvider) GetBlockDifficulty() ([32]byte, error) {
	return p.Chain.GetBlockDifficulty(), nil
}

func (p *ChainProvider) GetTransactionDifficulty() ([32]byte, error) {
	return p.Chain.GetTransactionDifficulty(), nil
}

func (p *ChainProvider) GetAvailableOutputs(address crypto.Public) ([]utxo.AvailableOutput, error) {
	return p.Chain.AvailableOutputs(address), nil
}
