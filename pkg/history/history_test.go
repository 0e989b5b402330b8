package history

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyvo/bundlecdn/pkg/bundle"
)

func TestNewRecord(t *testing.T) {
	created := time.Unix(100, 0)
	started := created.Add(time.Second)
	finished := started.Add(3 * time.Second)

	ok := NewRecord("b1", "k", created, started, finished, nil)
	assert.Equal(t, bundle.StatusReady, ok.Status)
	assert.Equal(t, 3*time.Second, ok.Duration)
	assert.Nil(t, ok.Err())

	failed := NewRecord("b2", "k", created, started, finished, bundle.CompileFailed("package not found", "nonexistent-pkg"))
	assert.Equal(t, bundle.StatusFailed, failed.Status)
	state := failed.State()
	require.NotNil(t, state.Error)
	assert.Equal(t, bundle.KindCompile, state.Error.Kind)
	assert.Equal(t, "nonexistent-pkg", state.Error.Package)
	assert.Equal(t, "b2", state.BuildID)
}

func TestMemStore(t *testing.T) {
	ctx := context.Background()
	s, err := NewMemStore(3)
	require.NoError(t, err)

	_, err = s.Last(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	base := time.Unix(1000, 0)
	for i := 0; i < 4; i++ {
		rec := NewRecord(fmt.Sprintf("b%d", i), bundle.Key(fmt.Sprintf("k%d", i%2)), base, base, base.Add(time.Duration(i)*time.Second), nil)
		require.NoError(t, s.Record(ctx, rec))
	}

	last, err := s.Last(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "b3", last.ID)

	recs, err := s.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recs, 3, "bounded to the configured size")
	assert.Equal(t, "b3", recs[0].ID, "newest first")

	recs, err = s.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("BUNDLER_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("BUNDLER_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := NewPostgresStore(ctx, dsn)
	require.NoError(t, err)
	defer s.Close()

	key := bundle.Key("history-test-" + uuid.NewString())
	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.Record(ctx, NewRecord(uuid.NewString(), key, now, now, now.Add(time.Second), nil)))
	failed := NewRecord(uuid.NewString(), key, now, now, now.Add(2*time.Second), bundle.CompileFailed("boom", "left-pad"))
	require.NoError(t, s.Record(ctx, failed))

	last, err := s.Last(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, failed.ID, last.ID)
	assert.Equal(t, bundle.StatusFailed, last.Status)
	assert.Equal(t, "left-pad", last.ErrorPackage)
	assert.Equal(t, 2*time.Second, last.Duration)

	_, err = s.Last(ctx, "history-test-missing-"+bundle.Key(uuid.NewString()))
	assert.ErrorIs(t, err, ErrNotFound)
}
