package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestTrack(t *testing.T) {
	observedZapCore, observedLogs := observer.New(zap.InfoLevel)
	observedLogger := zap.New(observedZapCore)

	ctx := With(t.Context(), NewZapLogger(observedLogger))
	Track(ctx, "foo", "bar") // Should be passed on to child logger.

	ctx2 := With(ctx, FromContext(ctx).Named("nested"))
	Track(ctx2, "baz", "bam") // Should not propagate to root logger.

	Info(ctx, "root log")
	Info(ctx2, "nested log")

	require.Equal(t, 2, observedLogs.Len())
	allLogs := observedLogs.All()
	assert.Equal(t, "root log", allLogs[0].Message)
	assert.ElementsMatch(t, []zap.Field{
		zap.String("foo", "bar"),
	}, allLogs[0].Context)

	assert.Equal(t, "nested log", allLogs[1].Message)
	assert.ElementsMatch(t, []zap.Field{
		zap.String("foo", "bar"),
		zap.String("baz", "bam"),
	}, allLogs[1].Context)
}

func TestFromContextWithoutLogger(t *testing.T) {
	// Must not panic when nothing is attached.
	Info(context.Background(), "dropped")
	assert.NotNil(t, FromContext(context.Background()))
}

func TestEnsureLogger(t *testing.T) {
	core, _ := observer.New(zap.InfoLevel)
	l := NewZapLogger(zap.New(core))

	ctx := With(t.Context(), l)
	assert.Same(t, l, FromContext(EnsureLogger(ctx)), "existing logger should be kept")

	assert.NotNil(t, FromContext(EnsureLogger(t.Context())))
}

func TestSubject(t *testing.T) {
	core, obs := observer.New(zap.InfoLevel)
	ctx := With(t.Context(), NewZapLogger(zap.New(core)))

	Infow(ctx, "session stored", Subject("u1")...)

	require.Equal(t, 1, obs.Len())
	assert.Contains(t, obs.All()[0].Context, zap.String("subject", "u1"))
}

func TestWithSubject(t *testing.T) {
	core, obs := observer.New(zap.InfoLevel)
	ctx := With(t.Context(), NewZapLogger(zap.New(core)))

	Info(WithSubject(ctx, "u1"), "session issued")
	Info(ctx, "unscoped")

	require.Equal(t, 2, obs.Len())
	assert.Equal(t, []zap.Field{zap.String("subject", "u1")}, obs.All()[0].Context)
	assert.Empty(t, obs.All()[1].Context, "parent scope is not modified")
}

func TestTrackSubject(t *testing.T) {
	core, obs := observer.New(zap.InfoLevel)
	ctx := With(t.Context(), NewZapLogger(zap.New(core)))

	TrackSubject(ctx, "u1")
	Info(ctx, "request completed")

	require.Equal(t, 1, obs.Len())
	assert.Equal(t, []zap.Field{zap.String("subject", "u1")}, obs.All()[0].Context)
}
