package omen

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/omenarb/internal/domain"
)

// ErrReverted marks a mined transaction whose receipt status is failure.
// Reverted transactions are not retried.
var ErrReverted = errors.New("transaction reverted")

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// ContractCaller performs read-only contract calls.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Backend is the JSON-RPC surface the executor needs. *ethclient.Client
// satisfies it.
type Backend interface {
	ContractCaller
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// PoolSource resolves the snapshot a trade refers to. The executor reads the
// outcome index, condition id, collateral token and decimals from it.
type PoolSource interface {
	GetPool(ctx context.Context, marketID string) (domain.Pool, error)
}

// ChainConfig configures a ChainExecutor.
type ChainConfig struct {
	// Collateral is the ERC-20 token whose balance GetBalance reports.
	Collateral        string
	ConditionalTokens string
	// Decimals seeds the token precision cache, keyed by lowercased address.
	Decimals map[string]int32

	GasLimit      uint64  // zero estimates per transaction
	GasMultiplier float64 // applied to estimates
	ApproveMax    bool    // approve the maximum uint256 instead of the exact amount

	MaxRetries     int
	RetryBackoff   time.Duration
	ReceiptPoll    time.Duration
	ReceiptTimeout time.Duration
}

func (c *ChainConfig) defaults() {
	if c.GasMultiplier <= 0 {
		c.GasMultiplier = 1.2
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 2 * time.Second
	}
	if c.ReceiptPoll <= 0 {
		c.ReceiptPoll = 2 * time.Second
	}
	if c.ReceiptTimeout <= 0 {
		c.ReceiptTimeout = 2 * time.Minute
	}
}

// ChainExecutor implements domain.ExecutionLayer against the Omen contracts.
// Every state-changing call is signed locally, sent, and waited on until its
// receipt is mined.
type ChainExecutor struct {
	backend Backend
	key     *ecdsa.PrivateKey
	from    common.Address
	pools   PoolSource
	cfg     ChainConfig
	abis    *contractABIs
	logger  *slog.Logger

	mu       sync.Mutex // serialises nonce assignment and send
	chainID  *big.Int
	decMu    sync.Mutex
	decimals map[string]int32
}

// NewChainExecutor creates an executor signing with key.
func NewChainExecutor(backend Backend, key *ecdsa.PrivateKey, pools PoolSource, cfg ChainConfig, logger *slog.Logger) (*ChainExecutor, error) {
	if key == nil {
		return nil, errors.New("omen: chain executor: private key is required")
	}
	if !common.IsHexAddress(cfg.Collateral) {
		return nil, fmt.Errorf("omen: chain executor: invalid collateral address %q", cfg.Collateral)
	}
	if !common.IsHexAddress(cfg.ConditionalTokens) {
		return nil, fmt.Errorf("omen: chain executor: invalid conditional tokens address %q", cfg.ConditionalTokens)
	}
	parsed, err := loadABIs()
	if err != nil {
		return nil, err
	}
	cfg.defaults()

	decimals := make(map[string]int32, len(cfg.Decimals))
	for k, v := range cfg.Decimals {
		decimals[strings.ToLower(k)] = v
	}
	return &ChainExecutor{
		backend:  backend,
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		pools:    pools,
		cfg:      cfg,
		abis:     parsed,
		logger:   logger.With(slog.String("component", "chain_executor")),
		decimals: decimals,
	}, nil
}

// Account returns the signing address.
func (c *ChainExecutor) Account() string { return c.from.Hex() }

// SubmitTrade encodes and sends one leg. Buys go to the market maker's buy,
// sells to its sell with Limit as the return amount, and mints to the
// conditional tokens' splitPosition over the full outcome partition. The
// returned id is the transaction hash.
func (c *ChainExecutor) SubmitTrade(ctx context.Context, trade domain.Trade) (string, error) {
	pool, err := c.pools.GetPool(ctx, trade.MarketID)
	if err != nil {
		return "", fmt.Errorf("omen: submit trade: %w", err)
	}
	dec := pool.Decimals
	if dec <= 0 {
		dec = domain.DefaultDecimals
	}
	if !common.IsHexAddress(trade.MarketID) {
		return "", domain.NewPreconditionError(trade.MarketID, "market id is not a contract address")
	}
	market := common.HexToAddress(trade.MarketID)

	var (
		to   common.Address
		data []byte
	)
	switch trade.Direction {
	case domain.DirectionBuy:
		idx := pool.OutcomeIndex(trade.Outcome)
		if idx < 0 {
			return "", domain.NewPreconditionError(trade.MarketID, "unknown outcome %q", trade.Outcome)
		}
		to = market
		data, err = c.abis.fpmm.Pack("buy",
			domain.ToMinorUnits(trade.Amount, dec), big.NewInt(int64(idx)), domain.ToMinorUnits(trade.Limit, dec))

	case domain.DirectionSell:
		idx := pool.OutcomeIndex(trade.Outcome)
		if idx < 0 {
			return "", domain.NewPreconditionError(trade.MarketID, "unknown outcome %q", trade.Outcome)
		}
		if trade.Limit <= 0 {
			return "", domain.NewPreconditionError(trade.MarketID, "sell of %q needs a return amount", trade.Outcome)
		}
		to = market
		data, err = c.abis.fpmm.Pack("sell",
			domain.ToMinorUnits(trade.Limit, dec), big.NewInt(int64(idx)), domain.ToMinorUnits(trade.Amount, dec))

	case domain.DirectionMint:
		if pool.ConditionID == "" {
			return "", domain.NewPreconditionError(trade.MarketID, "pool has no condition id")
		}
		partition := make([]*big.Int, len(pool.Outcomes))
		for i := range partition {
			partition[i] = new(big.Int).Lsh(big.NewInt(1), uint(i))
		}
		to = common.HexToAddress(c.cfg.ConditionalTokens)
		data, err = c.abis.ctf.Pack("splitPosition",
			common.HexToAddress(pool.CollateralToken), [32]byte{}, common.HexToHash(pool.ConditionID),
			partition, domain.ToMinorUnits(trade.Amount, dec))

	default:
		return "", fmt.Errorf("omen: submit trade: unknown direction %q", trade.Direction)
	}
	if err != nil {
		return "", fmt.Errorf("omen: pack %s: %w", trade.Direction, err)
	}

	hash, err := c.transact(ctx, to, data)
	if err != nil {
		return "", fmt.Errorf("omen: %s %s %s: %w", trade.Direction, trade.MarketID, trade.Outcome, err)
	}
	c.logger.InfoContext(ctx, "trade mined",
		slog.String("market", trade.MarketID),
		slog.String("direction", string(trade.Direction)),
		slog.String("outcome", trade.Outcome),
		slog.Float64("amount", trade.Amount),
		slog.String("tx", hash.Hex()),
	)
	return hash.Hex(), nil
}

// GetBalance returns the collateral balance of account in whole tokens. An
// empty account means the signing address.
func (c *ChainExecutor) GetBalance(ctx context.Context, account string) (float64, error) {
	owner := c.from
	if account != "" {
		if !common.IsHexAddress(account) {
			return 0, fmt.Errorf("omen: balance: invalid account %q", account)
		}
		owner = common.HexToAddress(account)
	}
	raw, err := c.callUint(ctx, c.cfg.Collateral, c.abis.erc20, "balanceOf", owner)
	if err != nil {
		return 0, fmt.Errorf("omen: balance: %w", err)
	}
	dec, err := c.tokenDecimals(ctx, c.cfg.Collateral)
	if err != nil {
		return 0, fmt.Errorf("omen: balance: %w", err)
	}
	return domain.FromMinorUnits(raw, dec), nil
}

// EnsureAllowance makes sure spender may move amount of token on behalf of
// the signer. The conditional tokens contract is ERC-1155 and is approved as
// an operator; anything else is treated as ERC-20.
func (c *ChainExecutor) EnsureAllowance(ctx context.Context, token, spender string, amount float64) error {
	if !common.IsHexAddress(token) || !common.IsHexAddress(spender) {
		return fmt.Errorf("omen: allowance: invalid token %q or spender %q", token, spender)
	}
	spenderAddr := common.HexToAddress(spender)

	if strings.EqualFold(token, c.cfg.ConditionalTokens) {
		approved, err := c.isApprovedForAll(ctx, spenderAddr)
		if err != nil {
			return fmt.Errorf("omen: allowance: %w", err)
		}
		if approved {
			return nil
		}
		data, err := c.abis.ctf.Pack("setApprovalForAll", spenderAddr, true)
		if err != nil {
			return fmt.Errorf("omen: pack setApprovalForAll: %w", err)
		}
		if _, err := c.transact(ctx, common.HexToAddress(token), data); err != nil {
			return fmt.Errorf("omen: setApprovalForAll %s: %w", spender, err)
		}
		return nil
	}

	dec, err := c.tokenDecimals(ctx, token)
	if err != nil {
		return fmt.Errorf("omen: allowance: %w", err)
	}
	need := domain.ToMinorUnits(amount, dec)
	current, err := c.callUint(ctx, token, c.abis.erc20, "allowance", c.from, spenderAddr)
	if err != nil {
		return fmt.Errorf("omen: allowance: %w", err)
	}
	if current.Cmp(need) >= 0 {
		return nil
	}

	approve := need
	if c.cfg.ApproveMax {
		approve = maxUint256
	}
	data, err := c.abis.erc20.Pack("approve", spenderAddr, approve)
	if err != nil {
		return fmt.Errorf("omen: pack approve: %w", err)
	}
	if _, err := c.transact(ctx, common.HexToAddress(token), data); err != nil {
		return fmt.Errorf("omen: approve %s for %s: %w", token, spender, err)
	}
	return nil
}

func (c *ChainExecutor) isApprovedForAll(ctx context.Context, operator common.Address) (bool, error) {
	out, err := c.call(ctx, c.cfg.ConditionalTokens, c.abis.ctf, "isApprovedForAll", c.from, operator)
	if err != nil {
		return false, err
	}
	approved, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("isApprovedForAll: unexpected %T", out[0])
	}
	return approved, nil
}

// tokenDecimals returns the precision of token, asking the contract once.
func (c *ChainExecutor) tokenDecimals(ctx context.Context, token string) (int32, error) {
	key := strings.ToLower(token)
	c.decMu.Lock()
	d, ok := c.decimals[key]
	c.decMu.Unlock()
	if ok {
		return d, nil
	}

	out, err := c.call(ctx, token, c.abis.erc20, "decimals")
	if err != nil {
		return 0, err
	}
	v, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("decimals: unexpected %T", out[0])
	}
	c.decMu.Lock()
	c.decimals[key] = int32(v)
	c.decMu.Unlock()
	return int32(v), nil
}

func (c *ChainExecutor) call(ctx context.Context, contract string, parsed abi.ABI, method string, args ...any) ([]any, error) {
	return callContract(ctx, c.backend, contract, parsed, method, args...)
}

func (c *ChainExecutor) callUint(ctx context.Context, contract string, parsed abi.ABI, method string, args ...any) (*big.Int, error) {
	return callUint(ctx, c.backend, contract, parsed, method, args...)
}

// transact sends data to `to` and waits for the receipt. Failures before the
// node accepted the transaction are retried with exponential backoff; once a
// transaction is in the mempool it is never resent, so a receipt timeout or
// revert is returned as is.
func (c *ChainExecutor) transact(ctx context.Context, to common.Address, data []byte) (common.Hash, error) {
	var (
		hash common.Hash
		err  error
	)
	for attempt := 0; ; attempt++ {
		hash, err = c.send(ctx, to, data)
		if err == nil {
			break
		}
		if attempt >= c.cfg.MaxRetries || ctx.Err() != nil {
			return common.Hash{}, err
		}
		wait := c.cfg.RetryBackoff << attempt
		c.logger.WarnContext(ctx, "send failed, retrying",
			slog.String("to", to.Hex()),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", wait),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return common.Hash{}, ctx.Err()
		case <-time.After(wait):
		}
	}

	if err := c.waitMined(ctx, hash); err != nil {
		return hash, err
	}
	return hash, nil
}

// send signs and submits one legacy transaction.
func (c *ChainExecutor) send(ctx context.Context, to common.Address, data []byte) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.chainID == nil {
		id, err := c.backend.ChainID(ctx)
		if err != nil {
			return common.Hash{}, fmt.Errorf("chain id: %w", err)
		}
		c.chainID = id
	}
	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("nonce: %w", err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("gas price: %w", err)
	}
	gas := c.cfg.GasLimit
	if gas == 0 {
		est, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: c.from, To: &to, Data: data})
		if err != nil {
			return common.Hash{}, fmt.Errorf("estimate gas: %w", err)
		}
		gas = uint64(float64(est) * c.cfg.GasMultiplier)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &to,
		Value:    big.NewInt(0),
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send: %w", err)
	}
	return signed.Hash(), nil
}

// waitMined polls for the receipt until it appears or ReceiptTimeout passes.
func (c *ChainExecutor) waitMined(ctx context.Context, hash common.Hash) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.ReceiptPoll)
	defer ticker.Stop()

	var lastErr error
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				return fmt.Errorf("%w: %s", ErrReverted, hash.Hex())
			}
			return nil
		case errors.Is(err, ethereum.NotFound):
		default:
			lastErr = err
		}

		select {
		case <-ctx.Done():
			if lastErr != nil {
				return fmt.Errorf("wait receipt %s: %w (last error: %v)", hash.Hex(), ctx.Err(), lastErr)
			}
			return fmt.Errorf("wait receipt %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// callContract packs a view call, runs it at the latest block and unpacks the
// outputs.
func callContract(ctx context.Context, caller ContractCaller, contract string, parsed abi.ABI, method string, args ...any) ([]any, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	to := common.HexToAddress(contract)
	res, err := caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	out, err := parsed.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: empty result", method)
	}
	return out, nil
}

func callUint(ctx context.Context, caller ContractCaller, contract string, parsed abi.ABI, method string, args ...any) (*big.Int, error) {
	out, err := callContract(ctx, caller, contract, parsed, method, args...)
	if err != nil {
		return nil, err
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected %T", method, out[0])
	}
	return v, nil
}

var _ domain.ExecutionLayer = (*ChainExecutor)(nil)
