package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// CycleRecord is the persisted summary of one processed indexer cycle.
type CycleRecord struct {
	CycleTS     time.Time
	Network     string
	Kind        string
	Touched     int
	Classified  int
	Skipped     int
	YellowCount int
	RedCount    int
	DurationMS  int64
	Status      string
	Error       *string
	CreatedAt   time.Time
}

// AlertRecord captures a zone transition that was alerted on, for de-duplication/auditing.
type AlertRecord struct {
	ID           int64
	CycleTS      time.Time
	PositionID   string
	OwnerID      string
	CollateralID string
	FromZone     string
	ToZone       string
	RatioPct     decimal.Decimal
	Channels     []string
	CreatedAt    time.Time
}
