package fetcher

import (
	"context"

	"github.com/shopspring/decimal"

	"vaultwatch/internal/risk"
	"vaultwatch/internal/vault"
)

// Source is the normalised contract every network adapter implements. The monitor and the classifier
// only ever see this view of the indexer.
type Source interface {
	// Network names the adapter ("acala", "karura").
	Network() string
	// Formula is the collateral ratio formula matching the fields this network populates.
	Formula() risk.Formula

	FetchPositions(ctx context.Context) ([]vault.Position, error)
	FetchPosition(ctx context.Context, id string) (vault.Position, error)
	FetchPositionsByOwner(ctx context.Context, ownerID string) ([]vault.Position, error)
	FetchCollateralReference(ctx context.Context, collateralID string) (vault.CollateralReference, error)
	FetchCollateralParams(ctx context.Context, collateralID string) (vault.CollateralParams, error)
	FetchLatestCycleMarker(ctx context.Context) (vault.CycleMarker, error)
	// FetchCycleDelta returns the distinct position ids touched in every cycle after since up to and
	// including until. A zero since has no lower bound.
	FetchCycleDelta(ctx context.Context, since, until vault.CycleMarker) ([]string, error)

	Close()
}

// PriceOracle supplies unit prices for networks whose indexer carries none.
type PriceOracle interface {
	FetchPrice(ctx context.Context, collateralID string) (decimal.Decimal, error)
}
