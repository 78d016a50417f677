package sink

import (
	"context"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

// RedisSink mirrors success records into Redis as JSON strings keyed by
// postal code. SET overwrites, so repeated codes behave as an upsert.
type RedisSink struct {
	client goredis.UniversalClient
	prefix string
}

func NewRedisSink(client goredis.UniversalClient, prefix string) *RedisSink {
	return &RedisSink{client: client, prefix: prefix}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Write(ctx context.Context, rec *Record) error {
	key, err := DocumentKey(rec)
	if err != nil {
		return err
	}
	doc, err := rec.MarshalJSON()
	if err != nil {
		return eris.Wrap(err, "redis: encode record")
	}
	if err := s.client.Set(ctx, s.prefix+key, doc, 0).Err(); err != nil {
		return eris.Wrapf(err, "redis: set %s%s", s.prefix, key)
	}
	return nil
}

func (s *RedisSink) Close() error {
	return eris.Wrap(s.client.Close(), "redis: close")
}
