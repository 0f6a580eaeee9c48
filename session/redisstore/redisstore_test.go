package redisstore

import (
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dpup/authrelay/session"
	"github.com/dpup/authrelay/session/sessiontests"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisStore(t *testing.T) {
	sessiontests.Run(t, func(t *testing.T) sessiontests.Harness {
		mr, client := newMiniredis(t)
		clock := sessiontests.NewClock()
		s := New(client, WithClock(clock.Now))
		return sessiontests.Harness{
			Store: s,
			Advance: func(d time.Duration) {
				clock.Advance(d)
				mr.FastForward(d)
			},
		}
	})
}

func TestKeyExpiresNatively(t *testing.T) {
	mr, client := newMiniredis(t)
	s := New(client, WithKeyPrefix("authrelay:"))
	ctx := t.Context()

	require.NoError(t, s.Put(ctx, "u1", "tok1", time.Minute))
	assert.True(t, mr.Exists("authrelay:u1"))
	assert.Equal(t, time.Minute, mr.TTL("authrelay:u1"))

	require.NoError(t, s.Put(ctx, "u1", "tok2", time.Hour))
	assert.Equal(t, time.Hour, mr.TTL("authrelay:u1"), "overwrite resets the ttl")

	mr.FastForward(time.Hour)
	assert.False(t, mr.Exists("authrelay:u1"))

	_, ok, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoredRecordShape(t *testing.T) {
	mr, client := newMiniredis(t)
	s := New(client, WithClock(func() time.Time { return time.Unix(1_700_000_000, 0).UTC() }))

	require.NoError(t, s.Put(t.Context(), "u1", "tok1", time.Minute))

	raw, err := mr.Get("u1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"token":"tok1","expiresAt":"2023-11-14T22:14:20Z"}`, raw)
}

func TestUndecodableRecord(t *testing.T) {
	mr, client := newMiniredis(t)
	s := New(client)
	require.NoError(t, mr.Set("u1", "not json"))

	_, ok, err := s.Get(t.Context(), "u1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, session.ErrUnavailable)
	assert.False(t, ok)
}

// Set REDIS_ADDR (e.g. localhost:6379) to also run the suite against a real
// server.
func TestRedisStoreLiveServer(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Ping(t.Context()).Err())

	sessiontests.Run(t, func(t *testing.T) sessiontests.Harness {
		// A unique prefix per subtest keeps runs isolated on a shared server.
		s := New(client, WithKeyPrefix("authrelay-test:"+uuid.NewString()+":"))
		return sessiontests.Harness{Store: s, Advance: time.Sleep}
	})
}

func TestUnreachableServer(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { client.Close() })
	s := New(client)
	ctx := t.Context()

	err := s.Put(ctx, "u1", "tok1", time.Minute)
	require.ErrorIs(t, err, session.ErrUnavailable)
	assert.NotContains(t, err.Error(), "tok1")

	_, _, err = s.Get(ctx, "u1")
	require.ErrorIs(t, err, session.ErrUnavailable)

	require.ErrorIs(t, s.Delete(ctx, "u1"), session.ErrUnavailable)
	require.ErrorIs(t, s.Ping(ctx), session.ErrUnavailable)
}

func TestPutValidatesBeforeNetwork(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	t.Cleanup(func() { client.Close() })

	err := New(client).Put(t.Context(), "", "tok", time.Minute)
	require.ErrorIs(t, err, session.ErrInvalidRecord)
}

func TestOpen(t *testing.T) {
	s, err := Open("redis://localhost:6379/2", WithKeyPrefix("x:"))
	require.NoError(t, err)
	assert.Equal(t, "x:u1", s.key("u1"))
	require.NoError(t, s.Close())

	_, err = Open("not a url")
	require.Error(t, err)
}
