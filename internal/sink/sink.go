package sink

import "context"

// Sink defines the behaviour expected from any persistence destination used by
// the pipeline (line-delimited files, XML files, the error ledger, document
// stores, etc.).
//
// A single Sink instance is shared by every worker, so Write must be safe for
// concurrent use. File-backed sinks serialize writes internally; store-backed
// sinks rely on the store's own atomic upsert.
type Sink interface {
	// Write persists the provided record and returns an error if the
	// operation fails for any reason.
	Write(ctx context.Context, rec *Record) error
}

// Opener is implemented by sinks that need framing before the first write,
// such as the XML root element.
type Opener interface {
	Open(ctx context.Context) error
}

// Closer is implemented by sinks that hold resources or need a footer after
// the last write.
type Closer interface {
	Close() error
}

// Namer lets a sink report a short name used in logs and metrics.
type Namer interface {
	Name() string
}
