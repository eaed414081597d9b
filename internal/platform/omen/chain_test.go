package omen

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"io"
	"log/slog"
	"math"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/omenarb/internal/amm"
	"github.com/alanyoungcy/omenarb/internal/domain"
)

const (
	testMarket     = "0x1111111111111111111111111111111111111111"
	testCollateral = "0x2222222222222222222222222222222222222222"
	testCTF        = "0x3333333333333333333333333333333333333333"
	testCondition  = "0x00000000000000000000000000000000000000000000000000000000000000c0"
)

var testChainID = big.NewInt(100)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// fakeChain answers view calls from in-memory state and records sent
// transactions.
type fakeChain struct {
	mu sync.Mutex

	reserves []float64
	fee      float64

	balance   *big.Int
	allowance *big.Int
	approved  bool

	failSends int
	sendCalls int
	sent      []*types.Transaction
	status    uint64
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		reserves:  []float64{12, 8},
		fee:       0.02,
		balance:   big.NewInt(0),
		allowance: big.NewInt(0),
		status:    types.ReceiptStatusSuccessful,
	}
}

func (f *fakeChain) method(data []byte) (*abi.Method, error) {
	parsed, err := loadABIs()
	if err != nil {
		return nil, err
	}
	for _, a := range []abi.ABI{parsed.fpmm, parsed.ctf, parsed.erc20} {
		if m, err := a.MethodById(data[:4]); err == nil {
			return m, nil
		}
	}
	return nil, errors.New("unknown selector")
}

func (f *fakeChain) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	m, err := f.method(msg.Data)
	if err != nil {
		return nil, err
	}
	args, err := m.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}
	switch m.Name {
	case "balanceOf":
		return m.Outputs.Pack(f.balance)
	case "decimals":
		return m.Outputs.Pack(uint8(18))
	case "allowance":
		return m.Outputs.Pack(f.allowance)
	case "isApprovedForAll":
		return m.Outputs.Pack(f.approved)
	case "calcBuyAmount":
		inv := domain.FromMinorUnits(args[0].(*big.Int), 18)
		idx := int(args[1].(*big.Int).Int64())
		return m.Outputs.Pack(domain.ToMinorUnits(amm.CalcBuyAmount(f.reserves, idx, inv, f.fee), 18))
	case "calcSellAmount":
		ret := domain.FromMinorUnits(args[0].(*big.Int), 18)
		idx := int(args[1].(*big.Int).Int64())
		tokens, ok := amm.CalcSellAmount(f.reserves, idx, ret, f.fee)
		if !ok {
			return nil, errors.New("execution reverted")
		}
		return m.Outputs.Pack(domain.ToMinorUnits(tokens, 18))
	}
	return nil, errors.New("unexpected call " + m.Name)
}

func (f *fakeChain) ChainID(context.Context) (*big.Int, error) { return testChainID, nil }

func (f *fakeChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeChain) SuggestGasPrice(context.Context) (*big.Int, error) { return big.NewInt(1e9), nil }

func (f *fakeChain) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) { return 100_000, nil }

func (f *fakeChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls++
	if f.failSends > 0 {
		f.failSends--
		return errors.New("connection reset")
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeChain) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &types.Receipt{Status: f.status}, nil
}

func (f *fakeChain) lastTx(t *testing.T) (*types.Transaction, *abi.Method, []any) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		t.Fatal("no transaction sent")
	}
	tx := f.sent[len(f.sent)-1]
	m, err := f.method(tx.Data())
	if err != nil {
		t.Fatalf("decode tx: %v", err)
	}
	args, err := m.Inputs.Unpack(tx.Data()[4:])
	if err != nil {
		t.Fatalf("unpack %s: %v", m.Name, err)
	}
	return tx, m, args
}

type poolMap map[string]domain.Pool

func (p poolMap) GetPool(_ context.Context, id string) (domain.Pool, error) {
	pool, ok := p[id]
	if !ok {
		return domain.Pool{}, domain.ErrNotFound
	}
	return pool, nil
}

func testPool() domain.Pool {
	pool := amm.NewBinaryPool(testMarket, 12, 8, 0.02)
	pool.CollateralToken = testCollateral
	pool.ConditionID = testCondition
	pool.Decimals = 18
	return pool
}

func newTestExecutor(t *testing.T, chain *fakeChain) (*ChainExecutor, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	exec, err := NewChainExecutor(chain, key, poolMap{testMarket: testPool()}, ChainConfig{
		Collateral:        testCollateral,
		ConditionalTokens: testCTF,
		MaxRetries:        2,
		RetryBackoff:      time.Millisecond,
		ReceiptPoll:       time.Millisecond,
		ReceiptTimeout:    time.Second,
	}, discardLogger())
	if err != nil {
		t.Fatalf("NewChainExecutor: %v", err)
	}
	return exec, key
}

func wei(v float64) *big.Int { return domain.ToMinorUnits(v, 18) }

func TestSubmitBuy(t *testing.T) {
	chain := newFakeChain()
	exec, key := newTestExecutor(t, chain)

	id, err := exec.SubmitTrade(context.Background(), domain.Trade{
		MarketID: testMarket, Direction: domain.DirectionBuy, Outcome: "No",
		Amount: 2, Unit: domain.UnitCollateral, Limit: 3.5,
	})
	if err != nil {
		t.Fatalf("SubmitTrade: %v", err)
	}

	tx, m, args := chain.lastTx(t)
	if id != tx.Hash().Hex() {
		t.Errorf("id = %s, want tx hash %s", id, tx.Hash().Hex())
	}
	if *tx.To() != common.HexToAddress(testMarket) {
		t.Errorf("to = %s, want market", tx.To().Hex())
	}
	if m.Name != "buy" {
		t.Fatalf("method = %s, want buy", m.Name)
	}
	if args[0].(*big.Int).Cmp(wei(2)) != 0 || args[1].(*big.Int).Int64() != 1 || args[2].(*big.Int).Cmp(wei(3.5)) != 0 {
		t.Errorf("buy args = %v", args)
	}
	if want := uint64(float64(100_000) * 1.2); tx.Gas() != want {
		t.Errorf("gas = %d, want estimate with multiplier", tx.Gas())
	}

	sender, err := types.Sender(types.NewEIP155Signer(testChainID), tx)
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	if sender != crypto.PubkeyToAddress(key.PublicKey) {
		t.Errorf("sender = %s, want signer", sender.Hex())
	}
}

func TestSubmitSell(t *testing.T) {
	chain := newFakeChain()
	exec, _ := newTestExecutor(t, chain)
	ctx := context.Background()

	_, err := exec.SubmitTrade(ctx, domain.Trade{
		MarketID: testMarket, Direction: domain.DirectionSell, Outcome: "Yes", Amount: 4, Unit: domain.UnitOutcomeToken,
	})
	if !errors.Is(err, domain.ErrPreconditionViolation) {
		t.Fatalf("sell without limit: err = %v, want precondition violation", err)
	}
	if chain.sendCalls != 0 {
		t.Fatal("sell without limit reached the chain")
	}

	if _, err := exec.SubmitTrade(ctx, domain.Trade{
		MarketID: testMarket, Direction: domain.DirectionSell, Outcome: "Yes", Amount: 4, Unit: domain.UnitOutcomeToken, Limit: 1.5,
	}); err != nil {
		t.Fatalf("SubmitTrade: %v", err)
	}
	_, m, args := chain.lastTx(t)
	if m.Name != "sell" {
		t.Fatalf("method = %s, want sell", m.Name)
	}
	if args[0].(*big.Int).Cmp(wei(1.5)) != 0 || args[1].(*big.Int).Int64() != 0 || args[2].(*big.Int).Cmp(wei(4)) != 0 {
		t.Errorf("sell args = %v", args)
	}
}

func TestSubmitMint(t *testing.T) {
	chain := newFakeChain()
	exec, _ := newTestExecutor(t, chain)

	if _, err := exec.SubmitTrade(context.Background(), domain.Trade{
		MarketID: testMarket, Direction: domain.DirectionMint, Amount: 3, Unit: domain.UnitCollateral,
	}); err != nil {
		t.Fatalf("SubmitTrade: %v", err)
	}
	tx, m, args := chain.lastTx(t)
	if m.Name != "splitPosition" {
		t.Fatalf("method = %s, want splitPosition", m.Name)
	}
	if *tx.To() != common.HexToAddress(testCTF) {
		t.Errorf("to = %s, want conditional tokens", tx.To().Hex())
	}
	if args[0].(common.Address) != common.HexToAddress(testCollateral) {
		t.Errorf("collateral = %v", args[0])
	}
	if args[1].([32]byte) != [32]byte{} {
		t.Errorf("parent collection = %x, want zero", args[1])
	}
	if common.Hash(args[2].([32]byte)) != common.HexToHash(testCondition) {
		t.Errorf("condition = %x", args[2])
	}
	partition := args[3].([]*big.Int)
	if len(partition) != 2 || partition[0].Int64() != 1 || partition[1].Int64() != 2 {
		t.Errorf("partition = %v, want [1 2]", partition)
	}
	if args[4].(*big.Int).Cmp(wei(3)) != 0 {
		t.Errorf("amount = %v", args[4])
	}
}

func TestSubmitUnknownMarket(t *testing.T) {
	exec, _ := newTestExecutor(t, newFakeChain())
	_, err := exec.SubmitTrade(context.Background(), domain.Trade{
		MarketID: "0x4444444444444444444444444444444444444444", Direction: domain.DirectionBuy, Outcome: "Yes", Amount: 1,
	})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestEnsureAllowanceERC20(t *testing.T) {
	chain := newFakeChain()
	chain.allowance = wei(10)
	exec, _ := newTestExecutor(t, chain)
	ctx := context.Background()

	if err := exec.EnsureAllowance(ctx, testCollateral, testMarket, 5); err != nil {
		t.Fatalf("EnsureAllowance: %v", err)
	}
	if chain.sendCalls != 0 {
		t.Fatal("sufficient allowance sent an approve")
	}

	if err := exec.EnsureAllowance(ctx, testCollateral, testMarket, 20); err != nil {
		t.Fatalf("EnsureAllowance: %v", err)
	}
	tx, m, args := chain.lastTx(t)
	if m.Name != "approve" || *tx.To() != common.HexToAddress(testCollateral) {
		t.Fatalf("sent %s to %s, want approve on collateral", m.Name, tx.To().Hex())
	}
	if args[0].(common.Address) != common.HexToAddress(testMarket) || args[1].(*big.Int).Cmp(wei(20)) != 0 {
		t.Errorf("approve args = %v", args)
	}
}

func TestEnsureAllowanceConditionalTokens(t *testing.T) {
	chain := newFakeChain()
	exec, _ := newTestExecutor(t, chain)
	ctx := context.Background()

	if err := exec.EnsureAllowance(ctx, testCTF, testMarket, 4); err != nil {
		t.Fatalf("EnsureAllowance: %v", err)
	}
	tx, m, args := chain.lastTx(t)
	if m.Name != "setApprovalForAll" || *tx.To() != common.HexToAddress(testCTF) {
		t.Fatalf("sent %s to %s, want setApprovalForAll on conditional tokens", m.Name, tx.To().Hex())
	}
	if args[0].(common.Address) != common.HexToAddress(testMarket) || args[1] != true {
		t.Errorf("setApprovalForAll args = %v", args)
	}

	chain.approved = true
	before := chain.sendCalls
	if err := exec.EnsureAllowance(ctx, testCTF, testMarket, 4); err != nil {
		t.Fatalf("EnsureAllowance: %v", err)
	}
	if chain.sendCalls != before {
		t.Error("approved operator sent another approval")
	}
}

func TestSendRetriedBeforeMempool(t *testing.T) {
	chain := newFakeChain()
	chain.failSends = 1
	exec, _ := newTestExecutor(t, chain)

	if _, err := exec.SubmitTrade(context.Background(), domain.Trade{
		MarketID: testMarket, Direction: domain.DirectionBuy, Outcome: "Yes", Amount: 1, Limit: 1,
	}); err != nil {
		t.Fatalf("SubmitTrade: %v", err)
	}
	if chain.sendCalls != 2 || len(chain.sent) != 1 {
		t.Errorf("send calls = %d, sent = %d; want 2 and 1", chain.sendCalls, len(chain.sent))
	}
}

func TestSendGivesUpAfterRetries(t *testing.T) {
	chain := newFakeChain()
	chain.failSends = 10
	exec, _ := newTestExecutor(t, chain)

	_, err := exec.SubmitTrade(context.Background(), domain.Trade{
		MarketID: testMarket, Direction: domain.DirectionBuy, Outcome: "Yes", Amount: 1, Limit: 1,
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if chain.sendCalls != 3 {
		t.Errorf("send calls = %d, want 1 + 2 retries", chain.sendCalls)
	}
}

func TestRevertNotRetried(t *testing.T) {
	chain := newFakeChain()
	chain.status = types.ReceiptStatusFailed
	exec, _ := newTestExecutor(t, chain)

	_, err := exec.SubmitTrade(context.Background(), domain.Trade{
		MarketID: testMarket, Direction: domain.DirectionBuy, Outcome: "Yes", Amount: 1, Limit: 1,
	})
	if !errors.Is(err, ErrReverted) {
		t.Fatalf("err = %v, want ErrReverted", err)
	}
	if chain.sendCalls != 1 {
		t.Errorf("send calls = %d, want 1", chain.sendCalls)
	}
}

func TestGetBalance(t *testing.T) {
	chain := newFakeChain()
	chain.balance = wei(12.5)
	exec, _ := newTestExecutor(t, chain)

	got, err := exec.GetBalance(context.Background(), "")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if math.Abs(got-12.5) > 1e-12 {
		t.Errorf("balance = %v, want 12.5", got)
	}
	if _, err := exec.GetBalance(context.Background(), "not-an-address"); err == nil {
		t.Error("expected error for invalid account")
	}
}

func TestNewChainExecutorValidates(t *testing.T) {
	key, _ := crypto.GenerateKey()
	if _, err := NewChainExecutor(newFakeChain(), nil, poolMap{}, ChainConfig{Collateral: testCollateral, ConditionalTokens: testCTF}, discardLogger()); err == nil {
		t.Error("expected error without key")
	}
	if _, err := NewChainExecutor(newFakeChain(), key, poolMap{}, ChainConfig{Collateral: "xdai", ConditionalTokens: testCTF}, discardLogger()); err == nil {
		t.Error("expected error for invalid collateral")
	}
}

func TestRouterOracleMatchesClosedForm(t *testing.T) {
	chain := newFakeChain()
	oracle := NewRouterOracle(chain, 0)
	pool := testPool()
	ctx := context.Background()

	for _, tc := range []struct {
		outcome string
		idx     int
		amount  float64
	}{
		{"Yes", 0, 1},
		{"No", 1, 2.5},
	} {
		t.Run(tc.outcome, func(t *testing.T) {
			got, err := oracle.SimulateBuy(ctx, pool, tc.outcome, tc.amount)
			if err != nil {
				t.Fatalf("SimulateBuy: %v", err)
			}
			want := amm.CalcBuyAmount(chain.reserves, tc.idx, tc.amount, chain.fee)
			if math.Abs(got-want) > 1e-9 {
				t.Errorf("SimulateBuy = %v, want %v", got, want)
			}

			got, err = oracle.SimulateSell(ctx, pool, tc.outcome, tc.amount)
			if err != nil {
				t.Fatalf("SimulateSell: %v", err)
			}
			want = amm.SellReturn(chain.reserves, tc.idx, tc.amount, chain.fee)
			if math.Abs(got-want) > 1e-6 {
				t.Errorf("SimulateSell = %v, want %v", got, want)
			}
		})
	}

	if _, err := oracle.SimulateBuy(ctx, pool, "Maybe", 1); !errors.Is(err, domain.ErrPreconditionViolation) {
		t.Errorf("unknown outcome err = %v", err)
	}
}
