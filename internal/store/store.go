// Package store persists address documents keyed by postal code with upsert
// semantics. Postgres is the primary backend; SQLite serves single-machine
// runs and tests.
package store

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrNotFound is returned by Get when no document exists for the key.
var ErrNotFound = errors.New("document not found")

// Store is a document collection keyed by postal code.
type Store interface {
	// Upsert inserts doc under key, replacing any document already stored
	// under the same key. doc must be a JSON object.
	Upsert(ctx context.Context, key string, doc []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Count(ctx context.Context) (int64, error)
	Migrate(ctx context.Context) error
	Close() error
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Open connects to the store named by uri, verifies the connection and
// creates the collection if needed. Supported schemes are postgres://,
// postgresql:// and sqlite://<path>.
func Open(ctx context.Context, uri, database, collection string) (Store, error) {
	if !identRe.MatchString(database) {
		return nil, eris.Errorf("store: invalid database name %q", database)
	}
	if !identRe.MatchString(collection) {
		return nil, eris.Errorf("store: invalid collection name %q", collection)
	}

	var (
		st  Store
		err error
	)
	switch {
	case strings.HasPrefix(uri, "postgres://"), strings.HasPrefix(uri, "postgresql://"):
		st, err = NewPostgres(ctx, uri, database, collection)
	case strings.HasPrefix(uri, "sqlite://"):
		st, err = NewSQLite(strings.TrimPrefix(uri, "sqlite://"), database, collection)
	default:
		return nil, eris.Errorf("store: unsupported uri scheme in %q", redact(uri))
	}
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

// redact hides credentials before a URI is logged or wrapped into an error.
func redact(uri string) string {
	at := strings.LastIndex(uri, "@")
	scheme := strings.Index(uri, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return uri
	}
	return uri[:scheme+3] + "***" + uri[at:]
}
