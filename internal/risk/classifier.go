package risk

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"vaultwatch/internal/vault"
)

// Formula selects how the collateral ratio of a position is derived from the data a network exposes.
type Formula int

const (
	// FormulaRaw compares deposit and debt amounts directly, both normalised by the collateral precision.
	FormulaRaw Formula = iota
	// FormulaPriced values the deposit at the collateral unit price before comparing it with the debt.
	FormulaPriced
)

func (f Formula) String() string {
	if f == FormulaPriced {
		return "priced"
	}
	return "raw"
}

var (
	hundred     = decimal.NewFromInt(100)
	ratioScale  = int32(-18)
	defaultRed  = decimal.NewFromInt(10)
	defaultWarn = decimal.NewFromInt(20)
)

// Thresholds are deviation percentages: below Red is red, below Yellow is yellow.
type Thresholds struct {
	Red    decimal.Decimal
	Yellow decimal.Decimal
}

// DefaultThresholds returns the 10% / 20% buckets.
func DefaultThresholds() Thresholds {
	return Thresholds{Red: defaultRed, Yellow: defaultWarn}
}

// Assessment is the outcome of classifying one position.
type Assessment struct {
	CollateralRatioPct  decimal.Decimal
	LiquidationRatioPct decimal.Decimal
	DeviationPct        decimal.Decimal
	Zone                vault.Zone
}

// Classifier turns a position and its collateral data into a zone. It holds no mutable state.
type Classifier struct {
	formula    Formula
	thresholds Thresholds
}

// New builds a classifier. Zero thresholds fall back to the defaults.
func New(formula Formula, thresholds Thresholds) Classifier {
	if thresholds.Red.IsZero() && thresholds.Yellow.IsZero() {
		thresholds = DefaultThresholds()
	}
	return Classifier{formula: formula, thresholds: thresholds}
}

// Formula reports which ratio formula the classifier applies.
func (c Classifier) Formula() Formula {
	return c.formula
}

// Classify returns only the zone of the position.
func (c Classifier) Classify(pos vault.Position, ref vault.CollateralReference, params vault.CollateralParams) (vault.Zone, error) {
	a, err := c.Assess(pos, ref, params)
	if err != nil {
		return vault.ZoneNone, err
	}
	return a.Zone, nil
}

// Assess computes collateral ratio, liquidation ratio and deviation, all in percent.
func (c Classifier) Assess(pos vault.Position, ref vault.CollateralReference, params vault.CollateralParams) (Assessment, error) {
	if isZero(params.LiquidationRatio) {
		return Assessment{}, vault.InvalidRatio("liquidation ratio missing for collateral %s", pos.CollateralID)
	}
	if isZero(pos.Debt) {
		return Assessment{}, vault.InvalidRatio("debt is zero for position %s", pos.ID)
	}

	collateralPct, err := c.collateralRatio(pos, ref)
	if err != nil {
		return Assessment{}, err
	}

	liquidationPct := decimal.NewFromBigInt(params.LiquidationRatio, ratioScale).Mul(hundred)
	deviation := collateralPct.Sub(liquidationPct).Mul(hundred).Div(liquidationPct)

	return Assessment{
		CollateralRatioPct:  collateralPct,
		LiquidationRatioPct: liquidationPct,
		DeviationPct:        deviation,
		Zone:                c.zoneFor(deviation),
	}, nil
}

func (c Classifier) collateralRatio(pos vault.Position, ref vault.CollateralReference) (decimal.Decimal, error) {
	deposit := decimal.NewFromBigInt(orZero(pos.Deposit), -ref.Decimals)

	switch c.formula {
	case FormulaPriced:
		if !ref.HasPrice() {
			return decimal.Decimal{}, vault.InvalidRatio("price unavailable for collateral %s", ref.ID)
		}
		debt := decimal.NewFromBigInt(pos.Debt, 0)
		return deposit.Mul(ref.Price.Decimal).Div(debt).Mul(hundred), nil
	case FormulaRaw:
		debt := decimal.NewFromBigInt(pos.Debt, -ref.Decimals)
		return deposit.Div(debt).Mul(hundred), nil
	default:
		return decimal.Decimal{}, fmt.Errorf("unknown ratio formula %d", c.formula)
	}
}

func (c Classifier) zoneFor(deviation decimal.Decimal) vault.Zone {
	switch {
	case deviation.LessThan(c.thresholds.Red):
		return vault.ZoneRed
	case deviation.LessThan(c.thresholds.Yellow):
		return vault.ZoneYellow
	default:
		return vault.ZoneNone
	}
}

func isZero(v *big.Int) bool {
	return v == nil || v.Sign() == 0
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
