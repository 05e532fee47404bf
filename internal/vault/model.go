package vault

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Position is a borrower's collateral/debt pair for one collateral type, as last reported by the indexer.
type Position struct {
	ID             string
	OwnerID        string
	CollateralID   string
	Deposit        *big.Int
	Debt           *big.Int
	TxCount        int
	UpdatedAt      time.Time
	UpdatedAtBlock string
}

// Clone returns a deep copy of the position.
func (p Position) Clone() Position {
	clone := p
	if p.Deposit != nil {
		clone.Deposit = new(big.Int).Set(p.Deposit)
	}
	if p.Debt != nil {
		clone.Debt = new(big.Int).Set(p.Debt)
	}
	return clone
}

type positionJSON struct {
	ID             string     `json:"id"`
	OwnerID        string     `json:"ownerId"`
	CollateralID   string     `json:"collateralId"`
	DepositAmount  string     `json:"depositAmount"`
	DebitAmount    string     `json:"debitAmount"`
	TxCount        int        `json:"txCount,omitempty"`
	UpdatedAt      *time.Time `json:"updateAt,omitempty"`
	UpdatedAtBlock string     `json:"updateAtBlockId,omitempty"`
}

// MarshalJSON renders amounts as base-10 strings so no precision is lost on the wire.
func (p Position) MarshalJSON() ([]byte, error) {
	out := positionJSON{
		ID:             p.ID,
		OwnerID:        p.OwnerID,
		CollateralID:   p.CollateralID,
		DepositAmount:  amountString(p.Deposit),
		DebitAmount:    amountString(p.Debt),
		TxCount:        p.TxCount,
		UpdatedAtBlock: p.UpdatedAtBlock,
	}
	if !p.UpdatedAt.IsZero() {
		ts := p.UpdatedAt.UTC()
		out.UpdatedAt = &ts
	}
	return json.Marshal(out)
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// CollateralReference carries the display metadata and (optionally) the unit price of a collateral.
type CollateralReference struct {
	ID        string
	Name      string
	Decimals  int32
	Price     decimal.NullDecimal
	FetchedAt time.Time
}

// HasPrice reports whether the network variant supplied a unit price.
func (r CollateralReference) HasPrice() bool {
	return r.Price.Valid
}

// CollateralParams holds the liquidation parameters of a collateral type. Ratios are fixed-point 1e18.
type CollateralParams struct {
	ID                      string
	CollateralID            string
	LiquidationRatio        *big.Int
	LiquidationPenalty      *big.Int
	RequiredCollateralRatio *big.Int
	MaximumTotalDebitValue  *big.Int
	InterestRatePerSec      *big.Int
	UpdatedAt               time.Time
}

// Zone is the risk bucket of a position.
type Zone int

const (
	ZoneNone Zone = iota
	ZoneYellow
	ZoneRed
)

func (z Zone) String() string {
	switch z {
	case ZoneYellow:
		return "yellow"
	case ZoneRed:
		return "red"
	default:
		return "none"
	}
}

// ParseZone maps a zone name back to its value.
func ParseZone(s string) (Zone, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "":
		return ZoneNone, nil
	case "yellow":
		return ZoneYellow, nil
	case "red":
		return ZoneRed, nil
	}
	return ZoneNone, fmt.Errorf("unknown zone %q", s)
}

// CycleMarker identifies an indexer update batch. Raw is the exact value the indexer reported and is
// echoed back when querying that batch's deltas.
type CycleMarker struct {
	At  time.Time
	Raw string
}

// After reports whether m is strictly later than other.
func (m CycleMarker) After(other CycleMarker) bool {
	return m.At.After(other.At)
}

// IsZero reports whether no cycle has been observed yet.
func (m CycleMarker) IsZero() bool {
	return m.At.IsZero()
}

func (m CycleMarker) String() string {
	if m.IsZero() {
		return "none"
	}
	return m.At.UTC().Format(time.RFC3339)
}
