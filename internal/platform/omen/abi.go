// Package omen talks to Omen prediction markets on Gnosis Chain: the subgraph
// for pool snapshots, the FixedProductMarketMaker and ConditionalTokens
// contracts for trading, and the ERC-20 collateral for balances and
// allowances.
package omen

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// fpmmABI covers the FixedProductMarketMaker entry points the engine uses.
const fpmmABI = `[
	{"name":"buy","type":"function","stateMutability":"nonpayable",
	 "inputs":[{"name":"investmentAmount","type":"uint256"},{"name":"outcomeIndex","type":"uint256"},{"name":"minOutcomeTokensToBuy","type":"uint256"}],
	 "outputs":[]},
	{"name":"sell","type":"function","stateMutability":"nonpayable",
	 "inputs":[{"name":"returnAmount","type":"uint256"},{"name":"outcomeIndex","type":"uint256"},{"name":"maxOutcomeTokensToSell","type":"uint256"}],
	 "outputs":[]},
	{"name":"calcBuyAmount","type":"function","stateMutability":"view",
	 "inputs":[{"name":"investmentAmount","type":"uint256"},{"name":"outcomeIndex","type":"uint256"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"name":"calcSellAmount","type":"function","stateMutability":"view",
	 "inputs":[{"name":"returnAmount","type":"uint256"},{"name":"outcomeIndex","type":"uint256"}],
	 "outputs":[{"name":"outcomeTokenSellAmount","type":"uint256"}]}
]`

// ctfABI covers the ConditionalTokens calls: complete-set minting and ERC-1155
// operator approval.
const ctfABI = `[
	{"name":"splitPosition","type":"function","stateMutability":"nonpayable",
	 "inputs":[{"name":"collateralToken","type":"address"},{"name":"parentCollectionId","type":"bytes32"},{"name":"conditionId","type":"bytes32"},{"name":"partition","type":"uint256[]"},{"name":"amount","type":"uint256"}],
	 "outputs":[]},
	{"name":"isApprovedForAll","type":"function","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"},{"name":"operator","type":"address"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"name":"setApprovalForAll","type":"function","stateMutability":"nonpayable",
	 "inputs":[{"name":"operator","type":"address"},{"name":"approved","type":"bool"}],
	 "outputs":[]}
]`

// erc20ABI covers the collateral token calls.
const erc20ABI = `[
	{"name":"approve","type":"function","stateMutability":"nonpayable",
	 "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"name":"allowance","type":"function","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"name":"balanceOf","type":"function","stateMutability":"view",
	 "inputs":[{"name":"account","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"name":"decimals","type":"function","stateMutability":"view",
	 "inputs":[],
	 "outputs":[{"name":"","type":"uint8"}]}
]`

// contractABIs holds the parsed ABIs. They are constants, so a parse failure
// is reported on first use.
type contractABIs struct {
	fpmm  abi.ABI
	ctf   abi.ABI
	erc20 abi.ABI
}

var (
	abisOnce sync.Once
	abis     contractABIs
	abisErr  error
)

func loadABIs() (*contractABIs, error) {
	abisOnce.Do(func() {
		var err error
		if abis.fpmm, err = abi.JSON(strings.NewReader(fpmmABI)); err != nil {
			abisErr = fmt.Errorf("omen: parse fpmm abi: %w", err)
			return
		}
		if abis.ctf, err = abi.JSON(strings.NewReader(ctfABI)); err != nil {
			abisErr = fmt.Errorf("omen: parse conditional tokens abi: %w", err)
			return
		}
		if abis.erc20, err = abi.JSON(strings.NewReader(erc20ABI)); err != nil {
			abisErr = fmt.Errorf("omen: parse erc20 abi: %w", err)
		}
	})
	if abisErr != nil {
		return nil, abisErr
	}
	return &abis, nil
}
