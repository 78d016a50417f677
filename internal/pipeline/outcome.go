package pipeline

import (
	"context"
	"time"

	"cep-etl/internal/cep"
	"cep-etl/internal/metrics"
	"cep-etl/internal/provider"
	"cep-etl/internal/sink"
)

// FailureRecord builds the error-ledger record of one failed lookup.
// normalized and target are empty when normalization failed.
func FailureRecord(raw, normalized, target string, kind provider.FailureKind) *sink.Record {
	rec := sink.NewRecord()
	rec.Set(sink.KeyRaw, raw)
	rec.Set(sink.KeyNormalized, normalized)
	rec.Set(sink.KeyTarget, target)
	rec.Set(sink.KeyKind, string(kind))
	return rec
}

// resolve turns one raw code into exactly one outcome record. ok reports
// whether rec is a success record.
func (r *Runner) resolve(ctx context.Context, worker int, raw string) (rec *sink.Record, ok bool) {
	code, valid := cep.Normalize(raw)
	if !valid {
		r.metrics.Lookup(string(provider.KindInvalidFormat))
		return FailureRecord(raw, "", "", provider.KindInvalidFormat), false
	}

	start := time.Now()
	rec, kind := r.provider.Fetch(ctx, worker, code)
	r.metrics.ObserveLookup(time.Since(start))

	if kind == "" && rec != nil {
		r.metrics.Lookup(metrics.OutcomeSuccess)
		return rec, true
	}
	if kind == "" {
		// A provider that returns neither slot has nothing usable to decode.
		kind = provider.KindDecodeError
	}
	r.metrics.Lookup(kind.Family())
	return FailureRecord(raw, code, r.provider.Target(code), kind), false
}
