package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainerrors "licensectl/internal/errors"
	"licensectl/internal/shared/testutil"
)

func TestMachineStoreSave(t *testing.T) {
	ctx := context.Background()

	t.Run("insert and versioned update", func(t *testing.T) {
		s := NewMachineStore(0)
		m := testutil.NewMachine("acme", "fp-1", t0)
		require.NoError(t, s.Save(ctx, m))
		assert.Equal(t, int64(1), m.Version)

		m.Hostname = "renamed"
		require.NoError(t, s.Save(ctx, m))
		assert.Equal(t, int64(2), m.Version)
	})

	t.Run("stale version is rejected", func(t *testing.T) {
		s := NewMachineStore(0)
		m := testutil.NewMachine("acme", "fp-1", t0)
		require.NoError(t, s.Save(ctx, m))

		stale := m.Clone()
		require.NoError(t, s.Save(ctx, m))
		require.ErrorIs(t, s.Save(ctx, stale), domainerrors.ErrConcurrencyConflict)
	})

	t.Run("missing identifiers are rejected", func(t *testing.T) {
		s := NewMachineStore(0)
		m := testutil.NewMachine("acme", "fp-1", t0)
		m.ID = ""
		require.ErrorIs(t, s.Save(ctx, m), domainerrors.ErrInvalidInput)

		m = testutil.NewMachine("acme", "", t0)
		require.ErrorIs(t, s.Save(ctx, m), domainerrors.ErrInvalidInput)
	})
}

func TestMachineStoreLookupsAndLists(t *testing.T) {
	ctx := context.Background()
	s := NewMachineStore(0)

	for _, fp := range []string{"fp-b", "fp-a"} {
		require.NoError(t, s.Save(ctx, testutil.NewMachine("acme", fp, t0)))
	}
	require.NoError(t, s.Save(ctx, testutil.NewMachine("rival", "fp-z", t0)))

	m, err := s.GetByFingerprint(ctx, "fp-a")
	require.NoError(t, err)
	got, err := s.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "fp-a", got.Fingerprint)

	_, err = s.GetByFingerprint(ctx, "fp-ghost")
	require.ErrorIs(t, err, domainerrors.ErrNotFound)

	byClient, err := s.ListByClient(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, byClient, 2)
	assert.Equal(t, "fp-a", byClient[0].Fingerprint)
	assert.Equal(t, "fp-b", byClient[1].Fingerprint)

	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	clients, err := s.ListClients(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"acme", "rival"}, clients)
}

func TestUsageLog(t *testing.T) {
	ctx := context.Background()

	t.Run("query window is half open", func(t *testing.T) {
		s := NewMachineStore(0)
		for i := 0; i < 5; i++ {
			ev := testutil.HeartbeatEvent("acme", "fp-1", t0.Add(time.Duration(i)*time.Minute), 50)
			require.NoError(t, s.AppendUsageEvent(ctx, ev))
		}

		events, err := s.QueryUsageEvents(ctx, "acme", t0.Add(time.Minute), t0.Add(3*time.Minute))
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, t0.Add(time.Minute), events[0].Timestamp)
		assert.Equal(t, t0.Add(2*time.Minute), events[1].Timestamp)
	})

	t.Run("retention prunes against the newest event", func(t *testing.T) {
		s := NewMachineStore(time.Hour)
		old := testutil.HeartbeatEvent("acme", "fp-1", t0, 50)
		require.NoError(t, s.AppendUsageEvent(ctx, old))

		fresh := testutil.HeartbeatEvent("acme", "fp-1", t0.Add(2*time.Hour), 50)
		require.NoError(t, s.AppendUsageEvent(ctx, fresh))

		events, err := s.QueryUsageEvents(ctx, "acme", t0.Add(-time.Hour), t0.Add(3*time.Hour))
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, fresh.Timestamp, events[0].Timestamp)
	})

	t.Run("clients are isolated", func(t *testing.T) {
		s := NewMachineStore(0)
		require.NoError(t, s.AppendUsageEvent(ctx, testutil.HeartbeatEvent("acme", "fp-1", t0, 50)))

		events, err := s.QueryUsageEvents(ctx, "rival", t0.Add(-time.Hour), t0.Add(time.Hour))
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("empty client id is rejected", func(t *testing.T) {
		s := NewMachineStore(0)
		ev := testutil.HeartbeatEvent("", "fp-1", t0, 50)
		require.ErrorIs(t, s.AppendUsageEvent(ctx, ev), domainerrors.ErrInvalidInput)
	})
}
