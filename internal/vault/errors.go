package vault

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrTransientSource marks network or timeout failures talking to the indexer.
	ErrTransientSource = errors.New("transient source error")
	// ErrNotFound marks a collateral or position the indexer has no record of.
	ErrNotFound = errors.New("not found")
	// ErrInvalidRatio marks a position whose ratios are undefined (zero debt, zero liquidation ratio, no price).
	ErrInvalidRatio = errors.New("invalid ratio")
	// ErrMalformedData marks an identifier, amount or timestamp the indexer returned in an unusable shape.
	ErrMalformedData = errors.New("malformed data")
)

type kindError struct {
	kind error
	err  error
}

func (e *kindError) Error() string {
	return e.kind.Error() + ": " + e.err.Error()
}

func (e *kindError) Unwrap() []error {
	return []error{e.kind, e.err}
}

// Transient tags err as a transient source failure, keeping it inspectable with errors.Is/As.
func Transient(err error) error {
	if err == nil || errors.Is(err, ErrTransientSource) {
		return err
	}
	return &kindError{kind: ErrTransientSource, err: err}
}

// NotFound builds an ErrNotFound with context.
func NotFound(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrNotFound}, args...)...)
}

// Malformed builds an ErrMalformedData with context.
func Malformed(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrMalformedData}, args...)...)
}

// InvalidRatio builds an ErrInvalidRatio with context.
func InvalidRatio(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidRatio}, args...)...)
}

// IsTransient reports whether err should be retried later rather than treated as a data problem.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransientSource) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Kind returns a short label of the taxonomy class of err, used for log fields and metric labels.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidRatio):
		return "invalid_ratio"
	case errors.Is(err, ErrMalformedData):
		return "malformed"
	case IsTransient(err):
		return "transient"
	default:
		return "other"
	}
}
