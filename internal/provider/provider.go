// Package provider resolves normalized postal codes into address records and
// classifies every way a lookup can fail.
package provider

import (
	"context"
	"strconv"
	"strings"

	"cep-etl/internal/sink"
)

// FailureKind tags a failed lookup. The zero value means "no failure".
type FailureKind string

const (
	KindTimeout          FailureKind = "timeout"
	KindRequestException FailureKind = "request_exception"
	KindDecodeError      FailureKind = "decode_error"
	KindNotFound         FailureKind = "not_found"
	KindInvalidFormat    FailureKind = "invalid_format"

	httpErrorPrefix = "http_error:"
)

// HTTPError builds the kind for a response whose status is outside 2xx.
func HTTPError(status int) FailureKind {
	return FailureKind(httpErrorPrefix + strconv.Itoa(status))
}

// Family returns the kind without its parameter, e.g. "http_error" for
// "http_error:500". Useful as a low-cardinality metric label.
func (k FailureKind) Family() string {
	if strings.HasPrefix(string(k), httpErrorPrefix) {
		return strings.TrimSuffix(httpErrorPrefix, ":")
	}
	return string(k)
}

// Provider performs one remote lookup.
//
// Fetch returns either a record or a failure kind, never both and never
// neither. worker identifies the calling worker; implementations may keep
// per-worker resources keyed by it, so a given worker id must only ever be
// used by one goroutine at a time.
type Provider interface {
	Fetch(ctx context.Context, worker int, code string) (*sink.Record, FailureKind)
	// Target returns the lookup target (the endpoint URL) for code.
	Target(code string) string
}
