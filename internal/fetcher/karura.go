package fetcher

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"vaultwatch/internal/risk"
	"vaultwatch/internal/vault"
)

const karuraPositionFields = `id ownerId collateralId depositAmount debitAmount txCount updateAt updateAtBlockId`

var (
	karuraPositionsQuery = fmt.Sprintf(`query ($first: Int!, $offset: Int!) {
  positions(orderBy: ID_ASC, first: $first, offset: $offset) {
    nodes { %s }
  }
}`, karuraPositionFields)

	karuraPositionQuery = fmt.Sprintf(`query ($id: String!) {
  positions(filter: {id: {equalTo: $id}}, first: 1) {
    nodes { %s }
  }
}`, karuraPositionFields)

	karuraOwnerPositionsQuery = fmt.Sprintf(`query ($owner: String!, $first: Int!, $offset: Int!) {
  positions(filter: {ownerId: {equalTo: $owner}}, orderBy: ID_ASC, first: $first, offset: $offset) {
    nodes { %s }
  }
}`, karuraPositionFields)
)

const karuraCollateralQuery = `query ($id: String!) {
  collaterals(filter: {id: {equalTo: $id}}, first: 1) {
    nodes { id name decimals }
  }
}`

const karuraParamsQuery = `query ($id: String!) {
  collateralParams(filter: {collateralId: {equalTo: $id}}, first: 1) {
    nodes {
      id collateralId maximumTotalDebitValue interestRatePerSec
      liquidationRatio liquidationPenalty requiredCollateralRatio updateAt
    }
  }
}`

type karuraPositionNode struct {
	ID              string     `json:"id"`
	OwnerID         string     `json:"ownerId"`
	CollateralID    string     `json:"collateralId"`
	DepositAmount   flexString `json:"depositAmount"`
	DebitAmount     flexString `json:"debitAmount"`
	TxCount         flexString `json:"txCount"`
	UpdateAt        string     `json:"updateAt"`
	UpdateAtBlockID string     `json:"updateAtBlockId"`
}

func (n karuraPositionNode) fields() positionFields {
	return positionFields{
		ID:           n.ID,
		OwnerID:      n.OwnerID,
		CollateralID: n.CollateralID,
		Deposit:      n.DepositAmount,
		Debt:         n.DebitAmount,
		TxCount:      n.TxCount,
		UpdateAt:     n.UpdateAt,
		UpdateBlock:  n.UpdateAtBlockID,
	}
}

type karuraCollateralNode struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Decimals flexString `json:"decimals"`
}

// Karura reads the Karura loans indexer. Its collateral records carry no price, so ratios use the raw
// formula unless a PriceOracle is attached.
type Karura struct {
	gql    *GraphQL
	oracle PriceOracle
	opts   Options
	feed   cycleFeed
	logger zerolog.Logger
	now    func() time.Time
}

// NewKarura constructs the Karura adapter. oracle may be nil.
func NewKarura(gql *GraphQL, oracle PriceOracle, opts Options, logger zerolog.Logger) *Karura {
	opts.normalize()
	l := logger.With().Str("component", "fetcher").Str("network", "karura").Logger()
	return &Karura{
		gql:    gql,
		oracle: oracle,
		opts:   opts,
		feed:   cycleFeed{gql: gql, pageSize: opts.PageSize, logger: l},
		logger: l,
		now:    time.Now,
	}
}

// Network returns the network name.
func (k *Karura) Network() string { return "karura" }

// Formula is priced once an oracle supplies prices, raw otherwise.
func (k *Karura) Formula() risk.Formula {
	if k.oracle != nil {
		return risk.FormulaPriced
	}
	return risk.FormulaRaw
}

// FetchPositions lists every position.
func (k *Karura) FetchPositions(ctx context.Context) ([]vault.Position, error) {
	nodes, err := queryAllNodes[karuraPositionNode](ctx, k.gql, karuraPositionsQuery, "positions", nil, k.opts.PageSize)
	if err != nil {
		return nil, fmt.Errorf("fetch karura positions: %w", err)
	}
	return convertPositions(karuraFields(nodes), k.logger), nil
}

// FetchPosition loads a single position by id.
func (k *Karura) FetchPosition(ctx context.Context, id string) (vault.Position, error) {
	nodes, err := queryNodes[karuraPositionNode](ctx, k.gql, karuraPositionQuery, "positions", map[string]any{"id": id})
	if err != nil {
		return vault.Position{}, fmt.Errorf("fetch karura position %s: %w", id, err)
	}
	if len(nodes) == 0 {
		return vault.Position{}, vault.NotFound("position %s", id)
	}
	return nodes[0].fields().toPosition()
}

// FetchPositionsByOwner lists the positions of one account.
func (k *Karura) FetchPositionsByOwner(ctx context.Context, ownerID string) ([]vault.Position, error) {
	nodes, err := queryAllNodes[karuraPositionNode](ctx, k.gql, karuraOwnerPositionsQuery, "positions", map[string]any{"owner": ownerID}, k.opts.PageSize)
	if err != nil {
		return nil, fmt.Errorf("fetch karura positions of %s: %w", ownerID, err)
	}
	return convertPositions(karuraFields(nodes), k.logger), nil
}

// FetchCollateralReference loads the collateral record and, with an oracle attached, its price.
func (k *Karura) FetchCollateralReference(ctx context.Context, collateralID string) (vault.CollateralReference, error) {
	nodes, err := queryNodes[karuraCollateralNode](ctx, k.gql, karuraCollateralQuery, "collaterals", map[string]any{"id": collateralID})
	if err != nil {
		return vault.CollateralReference{}, fmt.Errorf("fetch karura collateral %s: %w", collateralID, err)
	}
	if len(nodes) == 0 {
		return vault.CollateralReference{}, vault.NotFound("collateral %s", collateralID)
	}

	decimals, err := parseInt("collateral "+collateralID+" decimals", nodes[0].Decimals)
	if err != nil {
		return vault.CollateralReference{}, err
	}
	ref := vault.CollateralReference{
		ID:        collateralID,
		Name:      nodes[0].Name,
		Decimals:  int32(decimals),
		FetchedAt: k.now().UTC(),
	}

	if k.oracle != nil {
		usd, err := k.oracle.FetchPrice(ctx, collateralID)
		if err != nil {
			return vault.CollateralReference{}, fmt.Errorf("price %s: %w", collateralID, err)
		}
		ref.Price = decimal.NewNullDecimal(debtUnitPrice(usd, k.opts.DebtDecimals))
	}
	return ref, nil
}

// FetchCollateralParams loads the liquidation parameters of a collateral.
func (k *Karura) FetchCollateralParams(ctx context.Context, collateralID string) (vault.CollateralParams, error) {
	nodes, err := queryNodes[paramsNode](ctx, k.gql, karuraParamsQuery, "collateralParams", map[string]any{"id": collateralID})
	if err != nil {
		return vault.CollateralParams{}, fmt.Errorf("fetch karura collateral params %s: %w", collateralID, err)
	}
	if len(nodes) == 0 {
		return vault.CollateralParams{}, vault.NotFound("collateral params for %s", collateralID)
	}
	return nodes[0].toParams(collateralID)
}

// FetchLatestCycleMarker returns the timestamp of the newest hourly snapshot.
func (k *Karura) FetchLatestCycleMarker(ctx context.Context) (vault.CycleMarker, error) {
	return k.feed.latest(ctx)
}

// FetchCycleDelta lists the positions touched in the cycles (since, until].
func (k *Karura) FetchCycleDelta(ctx context.Context, since, until vault.CycleMarker) ([]string, error) {
	return k.feed.delta(ctx, since, until)
}

// Close releases transport resources.
func (k *Karura) Close() {
	k.gql.Close()
	if c, ok := k.oracle.(interface{ Close() }); ok {
		c.Close()
	}
}

func karuraFields(nodes []karuraPositionNode) []positionFields {
	out := make([]positionFields, len(nodes))
	for i, n := range nodes {
		out[i] = n.fields()
	}
	return out
}
