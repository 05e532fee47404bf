package fetcher

import (
	"math/big"
	"strconv"
	"strings"
	"time"

	gethmath "github.com/ethereum/go-ethereum/common/math"

	"vaultwatch/internal/vault"
)

// flexString accepts a JSON string, number or null. SubQuery renders BigInt columns as strings but
// numeric columns as numbers.
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	text := strings.TrimSpace(string(data))
	switch {
	case text == "null":
		*s = ""
	case strings.HasPrefix(text, `"`):
		unquoted, err := strconv.Unquote(text)
		if err != nil {
			return err
		}
		*s = flexString(unquoted)
	default:
		*s = flexString(text)
	}
	return nil
}

func (s flexString) String() string { return strings.TrimSpace(string(s)) }

// parseAmount parses a required non-negative base-10 (or 0x hex) integer.
func parseAmount(field string, raw flexString) (*big.Int, error) {
	text := raw.String()
	if text == "" {
		return nil, vault.Malformed("%s is empty", field)
	}
	v, ok := gethmath.ParseBig256(text)
	if !ok {
		return nil, vault.Malformed("%s %q is not an integer", field, text)
	}
	if v.Sign() < 0 {
		return nil, vault.Malformed("%s %q is negative", field, text)
	}
	return v, nil
}

// parseOptionalAmount is parseAmount that maps an empty value to nil.
func parseOptionalAmount(field string, raw flexString) (*big.Int, error) {
	if raw.String() == "" {
		return nil, nil
	}
	return parseAmount(field, raw)
}

func parseInt(field string, raw flexString) (int64, error) {
	text := raw.String()
	if text == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, vault.Malformed("%s %q is not an integer", field, text)
	}
	return v, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// parseTimestamp accepts RFC 3339 and the zone-less form the indexer uses for timestamp columns;
// zone-less values are UTC.
func parseTimestamp(field, raw string) (time.Time, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return time.Time{}, vault.Malformed("%s is empty", field)
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.ParseInLocation(layout, text, time.UTC); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, vault.Malformed("%s %q is not a timestamp", field, text)
}

func parseOptionalTimestamp(field, raw string) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return time.Time{}, nil
	}
	return parseTimestamp(field, raw)
}

// PositionIDFromDelta reduces a per-cycle delta id "<owner>-<collateral>-<suffix>" to the position id
// "<owner>-<collateral>".
func PositionIDFromDelta(deltaID string) (string, error) {
	parts := strings.Split(deltaID, "-")
	if len(parts) < 3 {
		return "", vault.Malformed("delta id %q has %d segments", deltaID, len(parts))
	}
	for _, p := range parts {
		if p == "" {
			return "", vault.Malformed("delta id %q has an empty segment", deltaID)
		}
	}
	return parts[0] + "-" + parts[1], nil
}

// parseMarker turns an indexer timestamp into a CycleMarker, keeping the raw value for echoing back.
func parseMarker(raw string) (vault.CycleMarker, error) {
	ts, err := parseTimestamp("cycle timestamp", raw)
	if err != nil {
		return vault.CycleMarker{}, err
	}
	return vault.CycleMarker{At: ts, Raw: strings.TrimSpace(raw)}, nil
}
