package common

import (
	"context"
	"errors"
	"fmt"
)

// InputError reports caller input that can never succeed: an ambiguous or
// unknown symbol, a malformed CSV row, an invalid market code. Never retried.
type InputError struct {
	Op     string
	Input  string
	Reason error
}

func (e *InputError) Error() string {
	if e.Input == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Reason)
	}
	return fmt.Sprintf("%s %q: %v", e.Op, e.Input, e.Reason)
}

func (e *InputError) Unwrap() error { return e.Reason }

// NewInputError builds an InputError from a formatted reason.
func NewInputError(op, input, format string, args ...any) *InputError {
	return &InputError{Op: op, Input: input, Reason: fmt.Errorf(format, args...)}
}

// ProviderError is any failure talking to an external data source.
type ProviderError struct {
	Provider string
	Symbol   string
	Status   int // HTTP status when known
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("provider %s (%s): status %d: %v", e.Provider, e.Symbol, e.Status, e.Err)
	}
	return fmt.Sprintf("provider %s (%s): %v", e.Provider, e.Symbol, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Provider error reasons.
var (
	ErrEmptyResponse = errors.New("empty response")
	ErrRateLimited   = errors.New("rate limited")
	ErrNotSupported  = errors.New("not supported by provider")
)

// NewProviderError wraps err for provider/symbol. Context cancellation and
// deadline errors are kept in the chain so callers can still test for them.
func NewProviderError(provider, symbol string, status int, err error) *ProviderError {
	return &ProviderError{Provider: provider, Symbol: symbol, Status: status, Err: err}
}

// DataQualityWarning describes a problem with one field of one row. The row
// is still processed with the affected derived column left null.
type DataQualityWarning struct {
	AssetID string
	Field   string
	Kind    string
	Detail  string
}

// Data quality warning kinds.
const (
	WarnMissingColumn  = "missing_column"
	WarnZeroPrice      = "zero_price"
	WarnUnparseable    = "unparseable"
	WarnTTMUndefined   = "ttm_undefined"
	WarnFXMissing      = "fx_missing"
	WarnCurrencyFilled = "currency_heuristic"
	WarnNonPositiveEPS = "non_positive_eps"
)

func (w DataQualityWarning) Error() string {
	return fmt.Sprintf("data quality %s on %s.%s: %s", w.Kind, w.AssetID, w.Field, w.Detail)
}

// Log writes the warning at warn level with field-level detail.
func (w DataQualityWarning) Log(logger *Logger) {
	logger.Warn().
		Str("asset_id", w.AssetID).
		Str("field", w.Field).
		Str("kind", w.Kind).
		Str("detail", w.Detail).
		Msg("Data quality warning")
}

// StorageError is a constraint or IO failure in the persistence layer.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsInputError reports whether err is or wraps an InputError.
func IsInputError(err error) bool {
	var target *InputError
	return errors.As(err, &target)
}

// IsProviderError reports whether err is or wraps a ProviderError.
func IsProviderError(err error) bool {
	var target *ProviderError
	return errors.As(err, &target)
}

// IsStorageError reports whether err is or wraps a StorageError.
func IsStorageError(err error) bool {
	var target *StorageError
	return errors.As(err, &target)
}

// IsCancelled reports whether err comes from context cancellation or timeout.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Exit codes shared by the CLI entry points.
const (
	ExitOK          = 0
	ExitInput       = 1
	ExitUnrecovered = 2
)

// ExitCode maps an error to a process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case IsInputError(err):
		return ExitInput
	default:
		return ExitUnrecovered
	}
}
