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

const acalaPositionFields = `id ownerId collateralId collateralAmount debitAmount`

var (
	acalaPositionsQuery = fmt.Sprintf(`query ($first: Int!, $offset: Int!) {
  loanPositions(orderBy: ID_ASC, first: $first, offset: $offset) {
    nodes { %s }
  }
}`, acalaPositionFields)

	acalaPositionQuery = fmt.Sprintf(`query ($id: String!) {
  loanPositions(filter: {id: {equalTo: $id}}, first: 1) {
    nodes { %s }
  }
}`, acalaPositionFields)

	acalaOwnerPositionsQuery = fmt.Sprintf(`query ($owner: String!, $first: Int!, $offset: Int!) {
  loanPositions(filter: {ownerId: {equalTo: $owner}}, orderBy: ID_ASC, first: $first, offset: $offset) {
    nodes { %s }
  }
}`, acalaPositionFields)
)

const acalaTokenQuery = `query ($id: String!) {
  tokens(filter: {id: {equalTo: $id}}, first: 1) {
    nodes { id name decimal price }
  }
}`

const acalaParamsQuery = `query ($id: String!) {
  loanParams(filter: {collateralId: {equalTo: $id}}, first: 1) {
    nodes {
      id collateralId maximumTotalDebitValue interestRatePerSec
      liquidationRatio liquidationPenalty requiredCollateralRatio
    }
  }
}`

type acalaPositionNode struct {
	ID               string     `json:"id"`
	OwnerID          string     `json:"ownerId"`
	CollateralID     string     `json:"collateralId"`
	CollateralAmount flexString `json:"collateralAmount"`
	DebitAmount      flexString `json:"debitAmount"`
}

func (n acalaPositionNode) fields() positionFields {
	return positionFields{
		ID:           n.ID,
		OwnerID:      n.OwnerID,
		CollateralID: n.CollateralID,
		Deposit:      n.CollateralAmount,
		Debt:         n.DebitAmount,
	}
}

type acalaTokenNode struct {
	ID      string     `json:"id"`
	Name    string     `json:"name"`
	Decimal flexString `json:"decimal"`
	Price   flexString `json:"price"`
}

// Acala reads the Acala indexer, which carries token prices, so ratios use the priced formula.
// Position, token and parameter data live on the main endpoint; the cycle feed lives on the loans
// endpoint.
type Acala struct {
	main   *GraphQL
	loans  *GraphQL
	opts   Options
	feed   cycleFeed
	logger zerolog.Logger
	now    func() time.Time
}

// NewAcala constructs the Acala adapter.
func NewAcala(main, loans *GraphQL, opts Options, logger zerolog.Logger) *Acala {
	opts.normalize()
	l := logger.With().Str("component", "fetcher").Str("network", "acala").Logger()
	return &Acala{
		main:   main,
		loans:  loans,
		opts:   opts,
		feed:   cycleFeed{gql: loans, pageSize: opts.PageSize, logger: l},
		logger: l,
		now:    time.Now,
	}
}

// Network returns the network name.
func (a *Acala) Network() string { return "acala" }

// Formula reports the priced ratio formula.
func (a *Acala) Formula() risk.Formula { return risk.FormulaPriced }

// FetchPositions lists every loan position.
func (a *Acala) FetchPositions(ctx context.Context) ([]vault.Position, error) {
	nodes, err := queryAllNodes[acalaPositionNode](ctx, a.main, acalaPositionsQuery, "loanPositions", nil, a.opts.PageSize)
	if err != nil {
		return nil, fmt.Errorf("fetch acala positions: %w", err)
	}
	return convertPositions(acalaFields(nodes), a.logger), nil
}

// FetchPosition loads a single position by id.
func (a *Acala) FetchPosition(ctx context.Context, id string) (vault.Position, error) {
	nodes, err := queryNodes[acalaPositionNode](ctx, a.main, acalaPositionQuery, "loanPositions", map[string]any{"id": id})
	if err != nil {
		return vault.Position{}, fmt.Errorf("fetch acala position %s: %w", id, err)
	}
	if len(nodes) == 0 {
		return vault.Position{}, vault.NotFound("position %s", id)
	}
	return nodes[0].fields().toPosition()
}

// FetchPositionsByOwner lists the positions of one account.
func (a *Acala) FetchPositionsByOwner(ctx context.Context, ownerID string) ([]vault.Position, error) {
	nodes, err := queryAllNodes[acalaPositionNode](ctx, a.main, acalaOwnerPositionsQuery, "loanPositions", map[string]any{"owner": ownerID}, a.opts.PageSize)
	if err != nil {
		return nil, fmt.Errorf("fetch acala positions of %s: %w", ownerID, err)
	}
	return convertPositions(acalaFields(nodes), a.logger), nil
}

// FetchCollateralReference loads the token record, including its USD price.
func (a *Acala) FetchCollateralReference(ctx context.Context, collateralID string) (vault.CollateralReference, error) {
	nodes, err := queryNodes[acalaTokenNode](ctx, a.main, acalaTokenQuery, "tokens", map[string]any{"id": collateralID})
	if err != nil {
		return vault.CollateralReference{}, fmt.Errorf("fetch acala token %s: %w", collateralID, err)
	}
	if len(nodes) == 0 {
		return vault.CollateralReference{}, vault.NotFound("token %s", collateralID)
	}

	node := nodes[0]
	decimals, err := parseInt("token "+collateralID+" decimal", node.Decimal)
	if err != nil {
		return vault.CollateralReference{}, err
	}
	ref := vault.CollateralReference{
		ID:        collateralID,
		Name:      node.Name,
		Decimals:  int32(decimals),
		FetchedAt: a.now().UTC(),
	}

	price, err := parseOptionalAmount("token "+collateralID+" price", node.Price)
	if err != nil {
		return vault.CollateralReference{}, err
	}
	if price != nil {
		usd := decimal.NewFromBigInt(price, -18)
		ref.Price = decimal.NewNullDecimal(debtUnitPrice(usd, a.opts.DebtDecimals))
	}
	return ref, nil
}

// FetchCollateralParams loads the loan parameters of a collateral.
func (a *Acala) FetchCollateralParams(ctx context.Context, collateralID string) (vault.CollateralParams, error) {
	nodes, err := queryNodes[paramsNode](ctx, a.main, acalaParamsQuery, "loanParams", map[string]any{"id": collateralID})
	if err != nil {
		return vault.CollateralParams{}, fmt.Errorf("fetch acala loan params %s: %w", collateralID, err)
	}
	if len(nodes) == 0 {
		return vault.CollateralParams{}, vault.NotFound("loan params for %s", collateralID)
	}
	return nodes[0].toParams(collateralID)
}

// FetchLatestCycleMarker returns the timestamp of the newest hourly snapshot.
func (a *Acala) FetchLatestCycleMarker(ctx context.Context) (vault.CycleMarker, error) {
	return a.feed.latest(ctx)
}

// FetchCycleDelta lists the positions touched in the cycles (since, until].
func (a *Acala) FetchCycleDelta(ctx context.Context, since, until vault.CycleMarker) ([]string, error) {
	return a.feed.delta(ctx, since, until)
}

// Close releases transport resources.
func (a *Acala) Close() {
	a.main.Close()
	if a.loans != a.main {
		a.loans.Close()
	}
}

func acalaFields(nodes []acalaPositionNode) []positionFields {
	out := make([]positionFields, len(nodes))
	for i, n := range nodes {
		out[i] = n.fields()
	}
	return out
}
