package storage

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/angzarr-io/angzarr/gen/angzarrpb"
	"github.com/angzarr-io/angzarr/internal/angerr"
)

// requirePgDSN skips the test unless ANGZARR_TEST_PG_DSN names a reachable
// Postgres instance -- PgStore has no in-memory mode.
func requirePgDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("ANGZARR_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("ANGZARR_TEST_PG_DSN not set, skipping postgres integration test")
	}
	return dsn
}

// newTestPgStore opens a fresh PgStore and gives each test its own domain
// name (derived from t.Name()) so tests sharing one database don't collide
// on stream keys.
func newTestPgStore(t *testing.T) (*PgStore, string) {
	t.Helper()
	dsn := requirePgDSN(t)
	store, err := NewPgStore(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store, "pgtest_" + t.Name()
}

func TestPgStore_AppendAndLoad(t *testing.T) {
	store, domain := newTestPgStore(t)
	ctx := context.Background()
	key := StreamKey{Domain: domain, Root: [16]byte{0x01}}

	pages := []*angzarrpb.EventPage{
		{Event: &anypb.Any{TypeUrl: "orders.v1.OrderPlaced"}},
		{Event: &anypb.Any{TypeUrl: "orders.v1.OrderShipped"}},
	}
	stamped, err := store.Append(ctx, key, pages, 0, false)
	require.NoError(t, err)
	require.Len(t, stamped, 2)
	assert.Equal(t, uint32(0), stamped[0].GetSequence())
	assert.Equal(t, uint32(1), stamped[1].GetSequence())

	seq, ok, err := store.Tail(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint32(1), seq)
}

func TestPgStore_Append_ConcurrencyConflict(t *testing.T) {
	store, domain := newTestPgStore(t)
	ctx := context.Background()
	key := StreamKey{Domain: domain, Root: [16]byte{0x02}}

	_, err := store.Append(ctx, key, []*angzarrpb.EventPage{{Event: &anypb.Any{TypeUrl: "a"}}}, 0, false)
	require.NoError(t, err)

	_, err = store.Append(ctx, key, []*angzarrpb.EventPage{{Event: &anypb.Any{TypeUrl: "b"}}}, 0, false)
	require.Error(t, err)
	ce := angerr.As(err)
	require.NotNil(t, ce)
	assert.Equal(t, angerr.ConcurrencyConflict, ce.Kind)
}

func TestPgStore_SnapshotRoundTrip(t *testing.T) {
	store, domain := newTestPgStore(t)
	ctx := context.Background()
	key := StreamKey{Domain: domain, Root: [16]byte{0x03}}
	cover := &angzarrpb.Cover{Domain: domain, Root: &angzarrpb.UUID{Value: key.Root[:]}}

	require.NoError(t, store.WriteSnapshot(ctx, &angzarrpb.Snapshot{Cover: cover, Sequence: 5}))

	got, err := store.ReadSnapshot(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, uint32(5), got.GetSequence())

	require.NoError(t, store.WriteSnapshot(ctx, &angzarrpb.Snapshot{Cover: cover, Sequence: 9}))
	got, err = store.ReadSnapshot(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, uint32(9), got.GetSequence(), "write must upsert, not duplicate")
}

func TestPgStore_PositionMonotonic(t *testing.T) {
	store, domain := newTestPgStore(t)
	ctx := context.Background()
	key := StreamKey{Domain: domain, Root: [16]byte{0x04}}

	require.NoError(t, store.SetPosition(ctx, "proj-a", key, 5))
	require.NoError(t, store.SetPosition(ctx, "proj-a", key, 2))

	seq, ok, err := store.GetPosition(ctx, "proj-a", key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(5), seq, "position must not regress")
}
