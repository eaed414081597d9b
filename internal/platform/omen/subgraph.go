package omen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/omenarb/internal/amm"
	"github.com/alanyoungcy/omenarb/internal/domain"
)

const (
	// subgraphPageSize is the largest page The Graph serves per query.
	subgraphPageSize = 1000
	// feeDecimals is the precision of the FPMM fee field (1e18 = 100%).
	feeDecimals int32 = 18
)

// SubgraphConfig configures the Omen subgraph client.
type SubgraphConfig struct {
	URL    string
	APIKey string
	// Decimals maps lowercased collateral token addresses to their precision.
	// Unknown tokens use domain.DefaultDecimals.
	Decimals map[string]int32
	// CollateralRates maps lowercased collateral token addresses to collateral
	// units per token. Unknown tokens use 1.
	CollateralRates map[string]float64
	Timeout         time.Duration

	// RateLimit bounds queries per RateWindow across every process sharing
	// the limiter. Zero disables throttling.
	RateLimit  int
	RateWindow time.Duration
}

// SubgraphClient is a GraphQL client for the Omen subgraph. It implements
// domain.SnapshotProvider and domain.MarketStatusChecker.
type SubgraphClient struct {
	cfg        SubgraphConfig
	httpClient *http.Client
	limiter    domain.RateLimiter
	pageSize   int
	now        func() time.Time
}

// NewSubgraphClient creates a subgraph client. limiter may be nil.
func NewSubgraphClient(cfg SubgraphConfig, limiter domain.RateLimiter) *SubgraphClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Second
	}
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	return &SubgraphClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    limiter,
		pageSize:   subgraphPageSize,
		now:        time.Now,
	}
}

// graphqlRequest is the standard GraphQL request envelope.
type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

// graphqlResponse is the standard GraphQL response envelope.
type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// fpmmFields is the selection shared by snapshot and status queries.
const fpmmFields = `
	id
	title
	collateralToken
	fee
	outcomes
	outcomeTokenAmounts
	outcomeTokenMarginalPrices
	openingTimestamp
	answerFinalizedTimestamp
	conditions { id }
`

// rawFPMM mirrors the subgraph's FixedProductMarketMaker entity. BigInt and
// BigDecimal fields arrive as strings.
type rawFPMM struct {
	ID                         string   `json:"id"`
	Title                      string   `json:"title"`
	CollateralToken            string   `json:"collateralToken"`
	Fee                        string   `json:"fee"`
	Outcomes                   []string `json:"outcomes"`
	OutcomeTokenAmounts        []string `json:"outcomeTokenAmounts"`
	OutcomeTokenMarginalPrices []string `json:"outcomeTokenMarginalPrices"`
	OpeningTimestamp           *string  `json:"openingTimestamp"`
	AnswerFinalizedTimestamp   *string  `json:"answerFinalizedTimestamp"`
	Conditions                 []struct {
		ID string `json:"id"`
	} `json:"conditions"`
}

// GetPoolSnapshot fetches one market maker and converts it into a Pool.
// Malformed entities are reported as precondition violations so the caller
// skips the market.
func (c *SubgraphClient) GetPoolSnapshot(ctx context.Context, marketID string) (domain.Pool, error) {
	raw, err := c.fetchFPMM(ctx, marketID)
	if err != nil {
		return domain.Pool{}, fmt.Errorf("omen: pool snapshot: %w", err)
	}
	pool, err := c.toPool(raw)
	if err != nil {
		return domain.Pool{}, err
	}
	return pool, nil
}

// IsOpen reports whether the market still accepts trades: its answer is not
// finalized and its question has not opened yet.
func (c *SubgraphClient) IsOpen(ctx context.Context, marketID string) (bool, error) {
	raw, err := c.fetchFPMM(ctx, marketID)
	if err != nil {
		return false, fmt.Errorf("omen: market status: %w", err)
	}
	return c.isOpen(raw), nil
}

// GetMarkets pages through market makers ordered by id and returns the ids
// matching filter.
func (c *SubgraphClient) GetMarkets(ctx context.Context, filter domain.MarketFilter) ([]string, error) {
	query := `
		query Markets($first: Int!, $where: FixedProductMarketMaker_filter!) {
			fixedProductMarketMakers(first: $first, orderBy: id, orderDirection: asc, where: $where) {
				id
				outcomeSlotCount
			}
		}
	`

	var (
		ids    []string
		cursor string
	)
	for {
		first := c.pageSize
		if filter.Limit > 0 && filter.Limit-len(ids) < first {
			first = filter.Limit - len(ids)
		}
		where := c.marketWhere(filter, cursor)

		data, err := c.doQuery(ctx, query, map[string]any{"first": first, "where": where})
		if err != nil {
			return nil, fmt.Errorf("omen: list markets: %w", err)
		}
		var page struct {
			Markets []struct {
				ID               string `json:"id"`
				OutcomeSlotCount *int   `json:"outcomeSlotCount"`
			} `json:"fixedProductMarketMakers"`
		}
		if err := json.Unmarshal(data, &page); err != nil {
			return nil, fmt.Errorf("omen: decode markets: %w", err)
		}

		for _, m := range page.Markets {
			if filter.MaxOutcomes > 0 && m.OutcomeSlotCount != nil && *m.OutcomeSlotCount > filter.MaxOutcomes {
				continue
			}
			ids = append(ids, m.ID)
		}
		if len(page.Markets) < first || (filter.Limit > 0 && len(ids) >= filter.Limit) {
			return ids, nil
		}
		cursor = page.Markets[len(page.Markets)-1].ID
	}
}

func (c *SubgraphClient) marketWhere(filter domain.MarketFilter, cursor string) map[string]any {
	where := map[string]any{}
	if cursor != "" {
		where["id_gt"] = cursor
	}
	if filter.Collateral != "" {
		where["collateralToken"] = strings.ToLower(filter.Collateral)
	}
	if filter.MinLiquidity > 0 {
		where["scaledLiquidityParameter_gte"] = strconv.FormatFloat(filter.MinLiquidity, 'f', -1, 64)
	}
	if filter.OpenOnly {
		where["openingTimestamp_gt"] = strconv.FormatInt(c.now().Unix(), 10)
		where["answerFinalizedTimestamp"] = nil
	}
	return where
}

func (c *SubgraphClient) fetchFPMM(ctx context.Context, marketID string) (rawFPMM, error) {
	query := `
		query Market($id: ID!) {
			fixedProductMarketMaker(id: $id) {` + fpmmFields + `}
		}
	`
	data, err := c.doQuery(ctx, query, map[string]any{"id": strings.ToLower(marketID)})
	if err != nil {
		return rawFPMM{}, err
	}
	var result struct {
		FPMM *rawFPMM `json:"fixedProductMarketMaker"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return rawFPMM{}, fmt.Errorf("decode market %s: %w", marketID, err)
	}
	if result.FPMM == nil {
		return rawFPMM{}, fmt.Errorf("market %s: %w", marketID, domain.ErrNotFound)
	}
	return *result.FPMM, nil
}

func (c *SubgraphClient) isOpen(raw rawFPMM) bool {
	if raw.AnswerFinalizedTimestamp != nil {
		return false
	}
	if raw.OpeningTimestamp == nil {
		return true
	}
	opening, err := strconv.ParseInt(*raw.OpeningTimestamp, 10, 64)
	if err != nil {
		return false
	}
	return opening > c.now().Unix()
}

// toPool converts the entity. Reserves are scaled by the collateral token's
// decimals and rate; probabilities come from the marginal prices when the
// subgraph has them and from the reserves otherwise.
func (c *SubgraphClient) toPool(raw rawFPMM) (domain.Pool, error) {
	n := len(raw.OutcomeTokenAmounts)
	if n == 0 {
		return domain.Pool{}, domain.NewPreconditionError(raw.ID, "market maker has no outcome token amounts")
	}
	outcomes := raw.Outcomes
	if len(outcomes) != n {
		return domain.Pool{}, domain.NewPreconditionError(raw.ID, "%d outcome labels for %d reserves", len(outcomes), n)
	}

	token := strings.ToLower(raw.CollateralToken)
	decimals := c.decimals(token)
	rate := c.rate(token)

	reserves := make([]float64, n)
	for i, s := range raw.OutcomeTokenAmounts {
		v, err := domain.ParseMinorUnits(s, decimals)
		if err != nil {
			return domain.Pool{}, domain.NewPreconditionError(raw.ID, "reserve %d %q: %v", i, s, err)
		}
		reserves[i] = v * rate
	}

	probs := make([]float64, n)
	if len(raw.OutcomeTokenMarginalPrices) == n {
		for i, s := range raw.OutcomeTokenMarginalPrices {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return domain.Pool{}, domain.NewPreconditionError(raw.ID, "marginal price %d %q: %v", i, s, err)
			}
			probs[i] = v
		}
	} else {
		probs = amm.ImpliedProbabilities(reserves)
	}

	var fee float64
	if raw.Fee != "" {
		v, err := domain.ParseMinorUnits(raw.Fee, feeDecimals)
		if err != nil {
			return domain.Pool{}, domain.NewPreconditionError(raw.ID, "fee %q: %v", raw.Fee, err)
		}
		fee = v
	}

	pool := domain.Pool{
		MarketID:        raw.ID,
		Title:           raw.Title,
		Outcomes:        append([]string(nil), outcomes...),
		Reserves:        make(map[string]float64, n),
		Probabilities:   make(map[string]float64, n),
		Fee:             domain.Fee{Rate: fee},
		CollateralRate:  rate,
		CollateralToken: raw.CollateralToken,
		Decimals:        decimals,
		Open:            c.isOpen(raw),
		FetchedAt:       c.now().UTC(),
	}
	if len(raw.Conditions) > 0 {
		pool.ConditionID = raw.Conditions[0].ID
	}
	for i, o := range outcomes {
		pool.Reserves[o] = reserves[i]
		pool.Probabilities[o] = probs[i]
	}
	if err := pool.Validate(); err != nil {
		return domain.Pool{}, err
	}
	return pool, nil
}

func (c *SubgraphClient) decimals(token string) int32 {
	if d, ok := c.cfg.Decimals[token]; ok {
		return d
	}
	return domain.DefaultDecimals
}

func (c *SubgraphClient) rate(token string) float64 {
	if r, ok := c.cfg.CollateralRates[token]; ok && r > 0 {
		return r
	}
	return 1
}

// doQuery executes a GraphQL query against the subgraph endpoint and returns
// the raw "data" field from the response.
func (c *SubgraphClient) doQuery(ctx context.Context, query string, variables map[string]any) (json.RawMessage, error) {
	if c.limiter != nil && c.cfg.RateLimit > 0 {
		if err := c.limiter.Wait(ctx, "subgraph", c.cfg.RateLimit, c.cfg.RateWindow); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	jsonBody, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return nil, fmt.Errorf("marshal graphql request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	var gqlResp graphqlResponse
	if err := json.Unmarshal(body, &gqlResp); err != nil {
		return nil, fmt.Errorf("decode graphql response: %w", err)
	}
	if len(gqlResp.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %s", gqlResp.Errors[0].Message)
	}
	return gqlResp.Data, nil
}

var (
	_ domain.SnapshotProvider    = (*SubgraphClient)(nil)
	_ domain.MarketStatusChecker = (*SubgraphClient)(nil)
)
