package pointerstore

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/ruteri/tee-keysync/interfaces"
	"github.com/ruteri/tee-keysync/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(storage.NewMemoryBackend(t.Name(), logger), logger)
}

func TestFetchMissing(t *testing.T) {
	s := newTestStore(t)

	ptr, err := s.Fetch(context.Background(), "zone-a", interfaces.KeyClassTLK)
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)
	assert.False(t, ptr.Exists())
	assert.Equal(t, interfaces.ZoneID("zone-a"), ptr.Zone)

	all, err := s.FetchAll(context.Background(), "zone-a")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestCommitCreateThenUpdate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first := uuid.New()
	ptr, err := s.Commit(ctx, interfaces.CurrentKeyPointer{Zone: "zone-a", Class: interfaces.KeyClassA, CurrentKeyID: first})
	require.NoError(t, err)
	assert.True(t, ptr.Exists())

	fetched, err := s.Fetch(ctx, "zone-a", interfaces.KeyClassA)
	require.NoError(t, err)
	assert.Equal(t, ptr, fetched)

	// A second creator loses.
	_, err = s.Commit(ctx, interfaces.CurrentKeyPointer{Zone: "zone-a", Class: interfaces.KeyClassA, CurrentKeyID: uuid.New()})
	assert.ErrorIs(t, err, interfaces.ErrVersionConflict)

	second := uuid.New()
	fetched.CurrentKeyID = second
	updated, err := s.Commit(ctx, fetched)
	require.NoError(t, err)
	assert.NotEqual(t, ptr.RemoteVersionTag, updated.RemoteVersionTag)

	// The stale view conflicts.
	ptr.CurrentKeyID = uuid.New()
	_, err = s.Commit(ctx, ptr)
	assert.ErrorIs(t, err, interfaces.ErrVersionConflict)

	final, err := s.Fetch(ctx, "zone-a", interfaces.KeyClassA)
	require.NoError(t, err)
	assert.Equal(t, second, final.CurrentKeyID)
}

func TestConcurrentCommitsSingleWinner(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	base, err := s.Commit(ctx, interfaces.CurrentKeyPointer{Zone: "zone-a", Class: interfaces.KeyClassTLK, CurrentKeyID: uuid.New()})
	require.NoError(t, err)

	const writers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	var winners []uuid.UUID
	conflicts := 0

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			proposal := base
			proposal.CurrentKeyID = uuid.New()
			_, err := s.Commit(ctx, proposal)

			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners = append(winners, proposal.CurrentKeyID)
			} else if assert.ErrorIs(t, err, interfaces.ErrVersionConflict) {
				conflicts++
			}
		}()
	}
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, writers-1, conflicts)

	final, err := s.Fetch(ctx, "zone-a", interfaces.KeyClassTLK)
	require.NoError(t, err)
	assert.Equal(t, winners[0], final.CurrentKeyID)
}
