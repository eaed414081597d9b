package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alanyoungcy/omenarb/internal/amm"
	"github.com/alanyoungcy/omenarb/internal/arbitrage"
	"github.com/alanyoungcy/omenarb/internal/domain"
	"github.com/alanyoungcy/omenarb/internal/server/handler"
	"github.com/alanyoungcy/omenarb/internal/service"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeArb struct {
	opps   []domain.Opportunity
	execs  map[string]domain.Execution
	scans  int
	limits []int
}

func (f *fakeArb) ListRecent(_ context.Context, limit int) ([]domain.Opportunity, error) {
	f.limits = append(f.limits, limit)
	return f.opps, nil
}

func (f *fakeArb) ListExecutions(context.Context, int) ([]domain.Execution, error) {
	return nil, nil
}

func (f *fakeArb) GetExecution(_ context.Context, id string) (domain.Execution, error) {
	e, ok := f.execs[id]
	if !ok {
		return domain.Execution{}, domain.ErrNotFound
	}
	return e, nil
}

func (f *fakeArb) RunCycle(context.Context) (service.CycleStats, error) {
	f.scans++
	return service.CycleStats{Markets: 4, Detected: 1}, nil
}

type fakePairs struct {
	created []domain.CorrelatedPair
	pairs   map[string]domain.CorrelatedPair
}

func (f *fakePairs) Create(_ context.Context, mainID, relatedID, correlation, rationale string) (domain.CorrelatedPair, error) {
	if arbitrage.SameMarket(mainID, relatedID) {
		return domain.CorrelatedPair{}, domain.NewPreconditionError(mainID, "a market cannot be paired with itself")
	}
	p := domain.CorrelatedPair{ID: "p1", MainID: mainID, RelatedID: relatedID, Correlation: domain.ParseCorrelation(correlation), Rationale: rationale, Enabled: true}
	f.created = append(f.created, p)
	return p, nil
}

func (f *fakePairs) List(context.Context) ([]domain.CorrelatedPair, error) { return f.created, nil }

func (f *fakePairs) Get(_ context.Context, id string) (domain.CorrelatedPair, error) {
	p, ok := f.pairs[id]
	if !ok {
		return domain.CorrelatedPair{}, domain.ErrNotFound
	}
	return p, nil
}

func (f *fakePairs) Evaluate(_ context.Context, pair domain.CorrelatedPair) (arbitrage.PairPlan, map[string]domain.Pool, error) {
	main := domain.PairQuote{MarketID: pair.MainID, PYes: 0.3, PNo: 0.7, YesLabel: "Yes", NoLabel: "No"}
	related := domain.PairQuote{MarketID: pair.RelatedID, PYes: 0.5, PNo: 0.5, YesLabel: "Yes", NoLabel: "No"}
	plan, err := arbitrage.EvaluatePair(pair, main, related, 10)
	return plan, nil, err
}

func (f *fakePairs) Disable(_ context.Context, id string) error {
	if _, ok := f.pairs[id]; !ok {
		return domain.ErrNotFound
	}
	return nil
}

func (f *fakePairs) RunCycle(context.Context) (service.PairStats, error) {
	return service.PairStats{Pairs: len(f.pairs)}, nil
}

type fakeBlobs struct {
	files map[string]string
}

func (b *fakeBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	body, ok := b.files[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

func (b *fakeBlobs) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	var out []domain.BlobInfo
	for p, body := range b.files {
		if strings.HasPrefix(p, prefix) {
			out = append(out, domain.BlobInfo{Path: p, Size: int64(len(body))})
		}
	}
	return out, nil
}

func (b *fakeBlobs) Exists(_ context.Context, path string) (bool, error) {
	_, ok := b.files[path]
	return ok, nil
}

type fakeRunner struct{ runs int }

func (r *fakeRunner) RunOnce(context.Context) (service.ArchiveStats, error) {
	r.runs++
	return service.ArchiveStats{Opportunities: 7}, nil
}

type testEnv struct {
	handler http.Handler
	arb     *fakeArb
	pairs   *fakePairs
	runner  *fakeRunner
}

func newTestEnv(t *testing.T, apiKey string) *testEnv {
	t.Helper()
	logger := discardLogger()
	env := &testEnv{
		arb: &fakeArb{
			opps:  []domain.Opportunity{{ID: "o1", MarketID: "0xabc", Classification: domain.Underestimated}},
			execs: map[string]domain.Execution{"e1": {ID: "e1", Status: domain.ExecCompleted}},
		},
		pairs: &fakePairs{pairs: map[string]domain.CorrelatedPair{
			"p1": {ID: "p1", MainID: "0xmain", RelatedID: "0xrel", Correlation: domain.ParseCorrelation("near_perfect_positive"), Enabled: true},
		}},
		runner: &fakeRunner{},
	}
	blobs := &fakeBlobs{files: map[string]string{
		"archive/opportunities/2026-01.jsonl": `{"id":"o0"}` + "\n",
		"archive/audit/2026-01.jsonl":         `{"id":1}` + "\n",
	}}
	sizing := service.NewSizingService(nil, 18, amm.DefaultMarketMoveConfig(), logger)

	env.handler = NewHandler(Config{APIKey: apiKey}, Handlers{
		Health:  handler.NewHealthHandler(logger),
		Status:  handler.NewStatusHandler("full", "fpmm", false),
		Arb:     handler.NewArbHandler(env.arb, logger),
		Pairs:   handler.NewPairHandler(env.pairs, logger),
		Sizing:  handler.NewSizingHandler(sizing, logger),
		Archive: handler.NewArchiveHandler(blobs, env.runner, logger),
	}, nil, nil, logger)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, r)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestReadEndpoints(t *testing.T) {
	env := newTestEnv(t, "")
	tests := []struct {
		name string
		path string
		want int
		key  string
	}{
		{"health", "/api/health", http.StatusOK, "status"},
		{"status", "/api/status", http.StatusOK, "mode"},
		{"opportunities", "/api/opportunities/recent?limit=5", http.StatusOK, "opportunities"},
		{"executions empty list", "/api/executions", http.StatusOK, "executions"},
		{"execution by id", "/api/executions/e1", http.StatusOK, "status"},
		{"execution missing", "/api/executions/nope", http.StatusNotFound, "error"},
		{"pair plan", "/api/pairs/p1/plan", http.StatusOK, "profit_per_unit"},
		{"pair plan missing", "/api/pairs/zz/plan", http.StatusNotFound, "error"},
		{"archive list", "/api/archive?kind=audit", http.StatusOK, "files"},
		{"archive bad kind", "/api/archive?kind=orders", http.StatusBadRequest, "error"},
		{"archive bad path", "/api/archive/file?path=../secrets", http.StatusBadRequest, "error"},
		{"archive missing file", "/api/archive/file?path=archive/executions/2020-01.jsonl", http.StatusNotFound, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, tt.path, "")
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
			if _, ok := decode(t, rec)[tt.key]; !ok {
				t.Errorf("response %s lacks %q", rec.Body.String(), tt.key)
			}
		})
	}
	if got := env.arb.limits; len(got) != 1 || got[0] != 5 {
		t.Errorf("limit passed = %v, want [5]", got)
	}
}

func TestExecutionsNeverNull(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.do(t, http.MethodGet, "/api/executions", "")
	if !strings.Contains(rec.Body.String(), `"executions":[]`) {
		t.Errorf("body = %s, want empty array", rec.Body.String())
	}
}

func TestArchiveFileStreams(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.do(t, http.MethodGet, "/api/archive/file?path=archive/opportunities/2026-01.jsonl", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("content type = %q", ct)
	}
	if rec.Body.String() != `{"id":"o0"}`+"\n" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestCreatePair(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(t, http.MethodPost, "/api/pairs",
		`{"main_market_id":"0xA","related_market_id":"0xB","correlation":"near_perfect_positive","rationale":"same event"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if len(env.pairs.created) != 1 || env.pairs.created[0].Rationale != "same event" {
		t.Errorf("created = %+v", env.pairs.created)
	}

	rec = env.do(t, http.MethodPost, "/api/pairs", `{"main_market_id":"0xA","related_market_id":"0xa"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("self-pair status = %d, want 422", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/pairs", `{"main":"0xA"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown field status = %d, want 400", rec.Code)
	}
}

func TestMutatingEndpoints(t *testing.T) {
	env := newTestEnv(t, "")

	if rec := env.do(t, http.MethodPost, "/api/arbitrage/scan", ""); rec.Code != http.StatusOK || decode(t, rec)["markets"] != float64(4) {
		t.Errorf("scan: %d %s", rec.Code, rec.Body.String())
	}
	if env.arb.scans != 1 {
		t.Errorf("scans = %d", env.arb.scans)
	}
	if rec := env.do(t, http.MethodPost, "/api/pairs/run", ""); rec.Code != http.StatusOK {
		t.Errorf("pairs run: %d", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, "/api/pairs/p1", ""); rec.Code != http.StatusNoContent {
		t.Errorf("disable: %d", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, "/api/pairs/zz", ""); rec.Code != http.StatusNotFound {
		t.Errorf("disable missing: %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/archive/run", ""); rec.Code != http.StatusOK || env.runner.runs != 1 {
		t.Errorf("archive run: %d runs=%d", rec.Code, env.runner.runs)
	}
}

func TestSizingEndpoints(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(t, http.MethodPost, "/api/sizing/market-move", `{"target":0.6,"reserve_yes":50,"reserve_no":50}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("market-move status = %d body %s", rec.Code, rec.Body.String())
	}
	move := decode(t, rec)
	if move["amount"].(float64) <= 0 || move["converged"] != true {
		t.Errorf("move = %v", move)
	}

	rec = env.do(t, http.MethodPost, "/api/sizing/kelly",
		`{"outcome":"Yes","probability":0.7,"confidence":1,"bankroll":100,"reserve_chosen":50,"reserve_other":50}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("kelly status = %d body %s", rec.Code, rec.Body.String())
	}
	if _, ok := decode(t, rec)["bet_minor"]; !ok {
		t.Errorf("kelly body = %s", rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, "/api/sizing/kelly", `{"outcome":"Yes","probability":1.5,"confidence":1,"bankroll":1}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("bad probability status = %d, want 422", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/sizing/kelly", `{"market_id":"0xabc","outcome":"Yes","probability":0.5,"confidence":1,"bankroll":1}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("market without provider status = %d, want 422", rec.Code)
	}
}

func TestAuthGuardsWrites(t *testing.T) {
	env := newTestEnv(t, "k")

	if rec := env.do(t, http.MethodGet, "/api/opportunities/recent", ""); rec.Code != http.StatusOK {
		t.Errorf("read without key = %d, want 200", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/arbitrage/scan", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("write without key = %d, want 401", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/arbitrage/scan", "", "Authorization", "Bearer k"); rec.Code != http.StatusOK {
		t.Errorf("write with key = %d, want 200", rec.Code)
	}
}

func TestHealthReportsFailingDependency(t *testing.T) {
	h := handler.NewHealthHandler(discardLogger()).
		WithCheck("postgres", func(context.Context) error { return nil }).
		WithCheck("redis", func(context.Context) error { return context.DeadlineExceeded })
	handlerUnderTest := NewHandler(Config{}, Handlers{Health: h}, nil, nil, discardLogger())

	rec := httptest.NewRecorder()
	handlerUnderTest.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode(t, rec)
	deps := body["dependencies"].(map[string]any)
	if body["status"] != "degraded" || deps["postgres"] != "ok" || deps["redis"] == "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestServerShutdown(t *testing.T) {
	srv := NewServer(Config{Port: 0}, Handlers{}, nil, nil, discardLogger())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}
