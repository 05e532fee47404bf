package fetcher

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"vaultwatch/internal/vault"
)

// SubQuery caps connection pages at 100 nodes.
const maxPageSize = 100

// Options tune behaviour shared by the indexer adapters.
type Options struct {
	// PageSize is the number of nodes requested per page when listing.
	PageSize int
	// DebtDecimals is the precision of the stablecoin the debt is denominated in. Unit prices are scaled
	// to debt base units so the priced ratio compares like with like.
	DebtDecimals int32
}

func (o *Options) normalize() {
	if o.PageSize <= 0 || o.PageSize > maxPageSize {
		o.PageSize = maxPageSize
	}
	if o.DebtDecimals <= 0 {
		o.DebtDecimals = 12
	}
}

type connection[N any] struct {
	Nodes []N `json:"nodes"`
}

// queryNodes runs a single-page query and returns the nodes under field.
func queryNodes[N any](ctx context.Context, gql *GraphQL, query, field string, vars map[string]any) ([]N, error) {
	var data map[string]connection[N]
	if err := gql.Query(ctx, query, vars, &data); err != nil {
		return nil, err
	}
	conn, ok := data[field]
	if !ok {
		return nil, vault.Malformed("graphql response lacks %q", field)
	}
	return conn.Nodes, nil
}

// queryAllNodes pages through a connection with first/offset until a short page comes back. query must
// declare $first and $offset.
func queryAllNodes[N any](ctx context.Context, gql *GraphQL, query, field string, vars map[string]any, pageSize int) ([]N, error) {
	var all []N
	for offset := 0; ; offset += pageSize {
		pageVars := maps.Clone(vars)
		if pageVars == nil {
			pageVars = make(map[string]any, 2)
		}
		pageVars["first"] = pageSize
		pageVars["offset"] = offset

		nodes, err := queryNodes[N](ctx, gql, query, field, pageVars)
		if err != nil {
			return nil, fmt.Errorf("%s page at offset %d: %w", field, offset, err)
		}
		all = append(all, nodes...)
		if len(nodes) < pageSize {
			return all, nil
		}
	}
}

const latestCycleQuery = `query {
  hourlyPositions(first: 1, orderBy: TIMESTAMP_DESC) {
    nodes { id timestamp }
  }
}`

const cycleRangeQuery = `query ($from: Datetime!, $to: Datetime!, $first: Int!, $offset: Int!) {
  hourlyPositions(filter: {timestamp: {greaterThan: $from, lessThanOrEqualTo: $to}}, orderBy: ID_ASC, first: $first, offset: $offset) {
    nodes { id }
  }
}`

const cycleUntilQuery = `query ($to: Datetime!, $first: Int!, $offset: Int!) {
  hourlyPositions(filter: {timestamp: {lessThanOrEqualTo: $to}}, orderBy: ID_ASC, first: $first, offset: $offset) {
    nodes { id }
  }
}`

type cycleNode struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
}

// cycleFeed reads the per-cycle snapshot table both networks expose.
type cycleFeed struct {
	gql      *GraphQL
	pageSize int
	logger   zerolog.Logger
}

func (f cycleFeed) latest(ctx context.Context) (vault.CycleMarker, error) {
	nodes, err := queryNodes[cycleNode](ctx, f.gql, latestCycleQuery, "hourlyPositions", nil)
	if err != nil {
		return vault.CycleMarker{}, err
	}
	if len(nodes) == 0 {
		return vault.CycleMarker{}, vault.NotFound("no cycle recorded yet")
	}
	return parseMarker(nodes[0].Timestamp)
}

// delta lists the positions touched in (since, until]. Records span several cycles when the watermark
// lags, so ids are de-duplicated across the whole range.
func (f cycleFeed) delta(ctx context.Context, since, until vault.CycleMarker) ([]string, error) {
	if until.IsZero() {
		return nil, errors.New("cycle delta requested for an empty marker")
	}
	if !until.After(since) {
		return nil, nil
	}

	query, vars := cycleUntilQuery, map[string]any{"to": rawMarker(until)}
	if !since.IsZero() {
		query = cycleRangeQuery
		vars["from"] = rawMarker(since)
	}
	nodes, err := queryAllNodes[cycleNode](ctx, f.gql, query, "hourlyPositions", vars, f.pageSize)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(nodes))
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		id, err := PositionIDFromDelta(n.ID)
		if err != nil {
			f.logger.Warn().Err(err).Msg("skipping malformed delta record")
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}

// rawMarker echoes the timestamp text the indexer reported, so range filters compare like for like.
func rawMarker(m vault.CycleMarker) string {
	if m.Raw != "" {
		return m.Raw
	}
	return m.At.UTC().Format("2006-01-02T15:04:05.999999999")
}

// positionFields is the raw shape of a position record shared by both networks.
type positionFields struct {
	ID           string
	OwnerID      string
	CollateralID string
	Deposit      flexString
	Debt         flexString
	TxCount      flexString
	UpdateAt     string
	UpdateBlock  string
}

func (f positionFields) toPosition() (vault.Position, error) {
	id := strings.TrimSpace(f.ID)
	if id == "" {
		return vault.Position{}, vault.Malformed("position without id")
	}
	owner, collateral := strings.TrimSpace(f.OwnerID), strings.TrimSpace(f.CollateralID)
	if owner == "" || collateral == "" {
		o, c, ok := strings.Cut(id, "-")
		if !ok || o == "" || c == "" {
			return vault.Position{}, vault.Malformed("position %q lacks owner or collateral", id)
		}
		if owner == "" {
			owner = o
		}
		if collateral == "" {
			collateral = c
		}
	}

	deposit, err := parseAmount("position "+id+" deposit", f.Deposit)
	if err != nil {
		return vault.Position{}, err
	}
	debt, err := parseAmount("position "+id+" debit", f.Debt)
	if err != nil {
		return vault.Position{}, err
	}
	txCount, err := parseInt("position "+id+" txCount", f.TxCount)
	if err != nil {
		return vault.Position{}, err
	}
	updatedAt, err := parseOptionalTimestamp("position "+id+" updateAt", f.UpdateAt)
	if err != nil {
		return vault.Position{}, err
	}

	return vault.Position{
		ID:             id,
		OwnerID:        owner,
		CollateralID:   collateral,
		Deposit:        deposit,
		Debt:           debt,
		TxCount:        int(txCount),
		UpdatedAt:      updatedAt,
		UpdatedAtBlock: strings.TrimSpace(f.UpdateBlock),
	}, nil
}

// convertPositions normalises a batch, skipping (and logging) records that cannot be parsed.
func convertPositions(fields []positionFields, logger zerolog.Logger) []vault.Position {
	out := make([]vault.Position, 0, len(fields))
	for _, f := range fields {
		pos, err := f.toPosition()
		if err != nil {
			logger.Warn().Err(err).Str("position", f.ID).Msg("skipping malformed position record")
			continue
		}
		out = append(out, pos)
	}
	return out
}

type paramsNode struct {
	ID                      string     `json:"id"`
	CollateralID            string     `json:"collateralId"`
	MaximumTotalDebitValue  flexString `json:"maximumTotalDebitValue"`
	InterestRatePerSec      flexString `json:"interestRatePerSec"`
	LiquidationRatio        flexString `json:"liquidationRatio"`
	LiquidationPenalty      flexString `json:"liquidationPenalty"`
	RequiredCollateralRatio flexString `json:"requiredCollateralRatio"`
	UpdateAt                string     `json:"updateAt"`
}

func (n paramsNode) toParams(collateralID string) (vault.CollateralParams, error) {
	out := vault.CollateralParams{ID: n.ID, CollateralID: n.CollateralID}
	if out.CollateralID == "" {
		out.CollateralID = collateralID
	}

	var err error
	if out.LiquidationRatio, err = parseOptionalAmount("liquidationRatio", n.LiquidationRatio); err != nil {
		return vault.CollateralParams{}, err
	}
	if out.LiquidationPenalty, err = parseOptionalAmount("liquidationPenalty", n.LiquidationPenalty); err != nil {
		return vault.CollateralParams{}, err
	}
	if out.RequiredCollateralRatio, err = parseOptionalAmount("requiredCollateralRatio", n.RequiredCollateralRatio); err != nil {
		return vault.CollateralParams{}, err
	}
	if out.MaximumTotalDebitValue, err = parseOptionalAmount("maximumTotalDebitValue", n.MaximumTotalDebitValue); err != nil {
		return vault.CollateralParams{}, err
	}
	if out.InterestRatePerSec, err = parseOptionalAmount("interestRatePerSec", n.InterestRatePerSec); err != nil {
		return vault.CollateralParams{}, err
	}
	if out.UpdatedAt, err = parseOptionalTimestamp("updateAt", n.UpdateAt); err != nil {
		return vault.CollateralParams{}, err
	}
	return out, nil
}

// debtUnitPrice converts a USD price into the price of one whole collateral unit expressed in debt base
// units.
func debtUnitPrice(usd decimal.Decimal, debtDecimals int32) decimal.Decimal {
	return usd.Shift(debtDecimals)
}
