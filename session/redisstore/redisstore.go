// Package redisstore implements session.Store on Redis. Records are written
// with SET PX so Redis expires them natively.
//
// Example:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	store := redisstore.New(client, redisstore.WithKeyPrefix("relay:session:"))
package redisstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dpup/authrelay/errors"
	"github.com/dpup/authrelay/session"
	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix is prepended to the subject to form the Redis key.
const DefaultKeyPrefix = "session:"

// Option configures the store.
type Option func(*Store)

// WithKeyPrefix overrides the default key prefix of "session:".
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// WithClock replaces time.Now when computing record expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New returns a store backed by the given client. The client is owned by the
// caller.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		rdb:    client,
		prefix: DefaultKeyPrefix,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open parses a redis:// URL and returns a store with its own client. Close
// releases the client.
func Open(url string, opts ...Option) (*Store, error) {
	o, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.WithReason(err, "config_error")
	}
	s := New(redis.NewClient(o), opts...)
	s.owned = true
	return s, nil
}

// Store is a Redis backed session.Store.
type Store struct {
	rdb    redis.UniversalClient
	prefix string
	now    func() time.Time
	owned  bool
}

var _ session.Store = (*Store)(nil)

func (s *Store) Put(ctx context.Context, subject, token string, ttl time.Duration) error {
	rec, err := session.NewRecord(subject, token, ttl, s.now())
	if err != nil {
		return err
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, 0)
	}
	return translateError(s.rdb.Set(ctx, s.key(subject), payload, ttl).Err())
}

func (s *Store) Get(ctx context.Context, subject string) (string, bool, error) {
	data, err := s.rdb.Get(ctx, s.key(subject)).Bytes()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, translateError(err)
	}
	var rec session.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return "", false, errors.Wrap(err, 0)
	}
	if rec.Expired(s.now()) {
		return "", false, nil
	}
	return rec.Token, true, nil
}

func (s *Store) Delete(ctx context.Context, subject string) error {
	return translateError(s.rdb.Del(ctx, s.key(subject)).Err())
}

// Ping checks connectivity, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return translateError(s.rdb.Ping(ctx).Err())
}

// Close closes the client if it was created by Open.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.rdb.Close()
}

func (s *Store) key(subject string) string {
	return s.prefix + subject
}

// translateError passes cancellation through untouched and treats every other
// client error as the store being unavailable.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return session.Unavailable(err)
}
