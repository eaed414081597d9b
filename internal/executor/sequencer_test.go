package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/omenarb/internal/amm"
	"github.com/alanyoungcy/omenarb/internal/arbitrage"
	"github.com/alanyoungcy/omenarb/internal/domain"
)

type fakeLayer struct {
	mu         sync.Mutex
	balance    float64
	balanceErr error
	failAt     int // 1-based submit index that fails; 0 never
	onSubmit   func(n int)
	submitted  []domain.Trade
	allowances []string
	reads      int
}

func (f *fakeLayer) SubmitTrade(_ context.Context, trade domain.Trade) (string, error) {
	f.mu.Lock()
	n := len(f.submitted) + 1
	if f.failAt == n {
		f.mu.Unlock()
		return "", errors.New("rpc: nonce too low")
	}
	f.submitted = append(f.submitted, trade)
	if trade.Direction != domain.DirectionSell {
		f.balance -= trade.Amount
	}
	hook := f.onSubmit
	f.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return fmt.Sprintf("0xtx%d", n), nil
}

func (f *fakeLayer) GetBalance(context.Context, string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	return f.balance, f.balanceErr
}

func (f *fakeLayer) EnsureAllowance(_ context.Context, token, spender string, _ float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allowances = append(f.allowances, token+"->"+spender)
	return nil
}

type nopSink struct{}

func (nopSink) Report(context.Context, domain.Record) {}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPool(pYes, pNo float64) domain.Pool {
	return domain.Pool{
		MarketID:        "0xfpmm",
		Outcomes:        []string{"Yes", "No"},
		Reserves:        map[string]float64{"Yes": 100, "No": 100},
		Probabilities:   map[string]float64{"Yes": pYes, "No": pNo},
		CollateralToken: "0xwxdai",
		Open:            true,
	}
}

func testSequencer(layer *fakeLayer) *Sequencer {
	return NewSequencer(layer, amm.NewLinear(), nopSink{}, SequencerConfig{
		Account:           "0xme",
		ConditionalTokens: "0xctf",
		SlippageTolerance: 0.01,
	}, discardLogger())
}

func opportunity(class domain.Classification, sets int) domain.Opportunity {
	return domain.Opportunity{ID: "opp-1", MarketID: "0xfpmm", Classification: class, Size: domain.Found(sets, sets)}
}

func TestSequencerMintThenSell(t *testing.T) {
	layer := &fakeLayer{balance: 1000}
	exec, err := testSequencer(layer).Execute(context.Background(), testPool(0.6, 0.55), opportunity(domain.Overestimated, 10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exec.Status != domain.ExecCompleted || exec.Committed != 3 {
		t.Fatalf("status %s committed %d, want completed/3", exec.Status, exec.Committed)
	}
	wantOrder := []domain.Direction{domain.DirectionMint, domain.DirectionSell, domain.DirectionSell}
	for i, d := range wantOrder {
		if layer.submitted[i].Direction != d {
			t.Errorf("leg %d direction = %s, want %s", i, layer.submitted[i].Direction, d)
		}
	}
	if layer.submitted[1].Amount != 10 || layer.submitted[2].Amount != 10 {
		t.Errorf("sell legs must carry the minted amount, got %v and %v", layer.submitted[1].Amount, layer.submitted[2].Amount)
	}
	if exec.Justification == "" {
		t.Error("missing justification")
	}
}

func TestSequencerMintScalesDownProportionally(t *testing.T) {
	layer := &fakeLayer{balance: 4.7}
	exec, err := testSequencer(layer).Execute(context.Background(), testPool(0.6, 0.55), opportunity(domain.Overestimated, 10))
	if err != nil {
		t.Fatal(err)
	}
	if len(layer.submitted) != 3 {
		t.Fatalf("submitted %d trades, want 3", len(layer.submitted))
	}
	for _, tr := range layer.submitted {
		if tr.Amount != 4 {
			t.Errorf("%s leg amount = %v, want 4", tr.Direction, tr.Amount)
		}
	}
	if exec.Status != domain.ExecCompleted {
		t.Errorf("status = %s", exec.Status)
	}
}

func TestSequencerMintSkipsWithoutFunds(t *testing.T) {
	layer := &fakeLayer{balance: 0.5}
	exec, err := testSequencer(layer).Execute(context.Background(), testPool(0.6, 0.55), opportunity(domain.Overestimated, 10))
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != domain.ExecSkipped || len(layer.submitted) != 0 {
		t.Errorf("status %s, %d submitted; want skipped with none", exec.Status, len(layer.submitted))
	}
}

func TestSequencerBuyThenSellGatesLegs(t *testing.T) {
	layer := &fakeLayer{balance: 1000}
	exec, err := testSequencer(layer).Execute(context.Background(), testPool(0.4, 0.45), opportunity(domain.Underestimated, 20))
	if err != nil {
		t.Fatal(err)
	}
	// Buying is profitable against the complete-set value; selling straight
	// back at the same price is not, so both sells are gated.
	if exec.Committed != 2 {
		t.Fatalf("committed %d, want 2", exec.Committed)
	}
	for _, tr := range layer.submitted {
		if tr.Direction != domain.DirectionBuy {
			t.Errorf("unexpected %s leg", tr.Direction)
		}
	}
	if len(exec.Decisions) != 4 {
		t.Fatalf("decisions = %d, want 4", len(exec.Decisions))
	}
	for _, d := range exec.Decisions[2:] {
		if d.Executed || d.Reason == "" {
			t.Errorf("sell decision %+v should be a reported skip", d)
		}
	}
	if layer.reads != 2 {
		t.Errorf("balance read %d times, want once per buy leg", layer.reads)
	}
}

func TestSequencerBuySideShortfallIsSkipped(t *testing.T) {
	tests := []struct {
		name     string
		balance  float64
		required float64
	}{
		{"covers no leg", 1, 17},
		{"covers first leg only", 10, 17},
		{"just short of the set", 16.99, 17},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			layer := &fakeLayer{balance: tt.balance}
			exec, err := testSequencer(layer).Execute(context.Background(), testPool(0.4, 0.45), opportunity(domain.Underestimated, 20))
			if err != nil {
				t.Fatal(err)
			}
			if exec.Status != domain.ExecSkipped || len(layer.submitted) != 0 {
				t.Fatalf("status %s with %d trades %+v, want skipped with none", exec.Status, len(layer.submitted), layer.submitted)
			}
			if len(exec.Decisions) != 1 {
				t.Fatalf("decisions = %d, want a single buy-side skip", len(exec.Decisions))
			}
			d := exec.Decisions[0]
			if d.Executed || d.Direction != domain.DirectionBuy || d.Outcome != "" {
				t.Errorf("decision %+v should skip the whole buy side", d)
			}
			if math.Abs(d.Amount-tt.required) > 1e-9 {
				t.Errorf("required = %v, want %v", d.Amount, tt.required)
			}
			if !strings.Contains(d.Reason, domain.ErrInsufficientFunds.Error()) {
				t.Errorf("reason %q does not report the shortfall", d.Reason)
			}
		})
	}
}

func TestSequencerBuySideAbortsWhenBalanceDropsMidSequence(t *testing.T) {
	layer := &fakeLayer{balance: 17}
	layer.onSubmit = func(n int) {
		if n == 1 {
			layer.mu.Lock()
			layer.balance = 5
			layer.mu.Unlock()
		}
	}
	exec, err := testSequencer(layer).Execute(context.Background(), testPool(0.4, 0.45), opportunity(domain.Underestimated, 20))
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want insufficient funds", err)
	}
	var seqErr *SequenceError
	if !errors.As(err, &seqErr) {
		t.Fatalf("err %T is not a SequenceError", err)
	}
	if seqErr.Committed != 1 || seqErr.Outcome != "No" || seqErr.Direction != domain.DirectionBuy {
		t.Errorf("SequenceError = %+v", seqErr)
	}
	if exec.Status != domain.ExecPartial {
		t.Errorf("status = %s, want partial", exec.Status)
	}
	if len(layer.submitted) != 1 {
		t.Errorf("submitted %d trades, want only the first buy", len(layer.submitted))
	}
}

// premiumOracle buys at the pool price and sells at a premium over it.
type premiumOracle struct{ premium float64 }

func (premiumOracle) SimulateBuy(_ context.Context, pool domain.Pool, o string, in float64) (float64, error) {
	return in / pool.Probabilities[o], nil
}

func (p premiumOracle) SimulateSell(_ context.Context, pool domain.Pool, o string, in float64) (float64, error) {
	return in * pool.Probabilities[o] * p.premium, nil
}

func TestSequencerSellsEveryTokenBought(t *testing.T) {
	layer := &fakeLayer{balance: 1000}
	seq := NewSequencer(layer, premiumOracle{premium: 1.5}, nopSink{}, SequencerConfig{
		Account:           "0xme",
		ConditionalTokens: "0xctf",
		SlippageTolerance: 0.05,
	}, discardLogger())
	exec, err := seq.Execute(context.Background(), testPool(0.4, 0.45), opportunity(domain.Underestimated, 20))
	if err != nil {
		t.Fatal(err)
	}
	if exec.Committed != 4 || len(layer.submitted) != 4 {
		t.Fatalf("committed %d, want all four legs", exec.Committed)
	}
	for i, tr := range layer.submitted[:2] {
		if math.Abs(tr.Limit-20*0.95) > 1e-9 {
			t.Errorf("buy %d limit = %v, want tolerance-adjusted minimum 19", i, tr.Limit)
		}
	}
	for i, tr := range layer.submitted[2:] {
		if tr.Direction != domain.DirectionSell || math.Abs(tr.Amount-20) > 1e-9 {
			t.Errorf("sell %d = %+v, want all 20 tokens received", i, tr)
		}
	}
}

func TestSequencerAbortsOnSubmitFailure(t *testing.T) {
	layer := &fakeLayer{balance: 1000, failAt: 2}
	exec, err := testSequencer(layer).Execute(context.Background(), testPool(0.6, 0.55), opportunity(domain.Overestimated, 10))
	if !errors.Is(err, domain.ErrExecutionFailure) {
		t.Fatalf("err = %v, want execution failure", err)
	}
	var seqErr *SequenceError
	if !errors.As(err, &seqErr) {
		t.Fatalf("err %T is not a SequenceError", err)
	}
	if seqErr.Committed != 1 || seqErr.Leg != 1 || seqErr.Outcome != "Yes" || seqErr.Direction != domain.DirectionSell {
		t.Errorf("SequenceError = %+v", seqErr)
	}
	if exec.Status != domain.ExecPartial {
		t.Errorf("status = %s, want partial", exec.Status)
	}
	if len(layer.submitted) != 1 {
		t.Errorf("legs after the failure must not run, got %d submitted", len(layer.submitted))
	}
}

func TestSequencerReportsCommittedOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	layer := &fakeLayer{balance: 1000}
	layer.onSubmit = func(n int) {
		if n == 1 {
			cancel()
		}
	}
	_, err := testSequencer(layer).Execute(ctx, testPool(0.6, 0.55), opportunity(domain.Overestimated, 10))
	var seqErr *SequenceError
	if !errors.As(err, &seqErr) || !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want cancelled SequenceError", err)
	}
	if seqErr.Committed != 1 {
		t.Errorf("Committed = %d, want 1", seqErr.Committed)
	}
}

func TestSequencerPerOutcomeTolerance(t *testing.T) {
	layer := &fakeLayer{balance: 1000}
	seq := NewSequencer(layer, amm.NewLinear(), nopSink{}, SequencerConfig{
		Account:           "0xme",
		ConditionalTokens: "0xctf",
		SlippageTolerance: 0.01,
		OutcomeTolerance:  map[string]float64{"No": 0.5},
	}, discardLogger())
	exec, err := seq.Execute(context.Background(), testPool(0.6, 0.55), opportunity(domain.Overestimated, 10))
	if err != nil {
		t.Fatal(err)
	}
	if exec.Committed != 2 {
		t.Errorf("committed %d, want mint and Yes sell only", exec.Committed)
	}
}

type fakeStatus struct {
	closed map[string]bool
	calls  int
}

func (f *fakeStatus) IsOpen(_ context.Context, id string) (bool, error) {
	f.calls++
	return !f.closed[id], nil
}

func pairFixture() (arbitrage.PairPlan, map[string]domain.Pool) {
	main := testPool(0.55, 0.45)
	main.MarketID = "0xmain"
	related := testPool(0.40, 0.62)
	related.MarketID = "0xrelated"
	plan := arbitrage.PairPlan{
		PairID:        "pair-1",
		ProfitPerUnit: 0.18,
		Yes:           arbitrage.PairLeg{MarketID: "0xrelated", Outcome: "Yes", Price: 0.40, Stake: 4.7},
		No:            arbitrage.PairLeg{MarketID: "0xmain", Outcome: "No", Price: 0.45, Stake: 5.3},
	}
	return plan, map[string]domain.Pool{"0xmain": main, "0xrelated": related}
}

func TestPairExecutorPlacesBothLegs(t *testing.T) {
	layer := &fakeLayer{balance: 100}
	status := &fakeStatus{}
	plan, pools := pairFixture()
	pe := NewPairExecutor(layer, status, amm.NewLinear(), nopSink{}, SequencerConfig{Account: "0xme", SlippageTolerance: 0.01}, discardLogger())

	exec, err := pe.Execute(context.Background(), plan, pools)
	if err != nil {
		t.Fatal(err)
	}
	if exec.Committed != 2 || exec.Status != domain.ExecCompleted {
		t.Fatalf("committed %d status %s", exec.Committed, exec.Status)
	}
	if layer.submitted[0].MarketID != "0xrelated" || layer.submitted[1].MarketID != "0xmain" {
		t.Errorf("legs out of order: %+v", layer.submitted)
	}
	if status.calls != 4 {
		t.Errorf("IsOpen called %d times, want both markets before each leg", status.calls)
	}
}

func TestPairExecutorStopsWhenMarketCloses(t *testing.T) {
	layer := &fakeLayer{balance: 100}
	status := &fakeStatus{closed: map[string]bool{}}
	layer.onSubmit = func(int) { status.closed["0xmain"] = true }
	plan, pools := pairFixture()
	pe := NewPairExecutor(layer, status, amm.NewLinear(), nopSink{}, SequencerConfig{Account: "0xme"}, discardLogger())

	exec, err := pe.Execute(context.Background(), plan, pools)
	if !errors.Is(err, domain.ErrMarketClosed) {
		t.Fatalf("err = %v, want ErrMarketClosed", err)
	}
	if exec.Committed != 1 || exec.Status != domain.ExecPartial {
		t.Errorf("committed %d status %s, want 1/partial", exec.Committed, exec.Status)
	}
}

func TestPairExecutorScalesStake(t *testing.T) {
	layer := &fakeLayer{balance: 5}
	plan, pools := pairFixture()
	pe := NewPairExecutor(layer, &fakeStatus{}, amm.NewLinear(), nopSink{}, SequencerConfig{Account: "0xme"}, discardLogger())

	if _, err := pe.Execute(context.Background(), plan, pools); err != nil {
		t.Fatal(err)
	}
	got := layer.submitted[0].Amount / layer.submitted[1].Amount
	want := plan.Yes.Stake / plan.No.Stake
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("stake ratio %v, want %v", got, want)
	}
}

func TestDedup(t *testing.T) {
	d := NewDedup(time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	key := OpportunityKey(domain.Opportunity{MarketID: "0xm", Classification: domain.Overestimated})
	if d.IsDuplicate(key) {
		t.Fatal("first sighting reported as duplicate")
	}
	if !d.IsDuplicate(key) {
		t.Fatal("second sighting inside the window not suppressed")
	}
	if d.IsDuplicate(OpportunityKey(domain.Opportunity{MarketID: "0xm", Classification: domain.Underestimated})) {
		t.Error("opposite classification should not be suppressed")
	}

	now = now.Add(2 * time.Minute)
	d.Cleanup()
	if d.Len() != 0 {
		t.Errorf("Len after cleanup = %d", d.Len())
	}
	if d.IsDuplicate(key) {
		t.Error("expired key still suppressed")
	}
	d.Forget(key)
	if d.IsDuplicate(key) {
		t.Error("forgotten key still suppressed")
	}
}
