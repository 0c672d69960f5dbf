package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secret.vault/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now().Truncate(time.Millisecond)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newSecret(clock *fakeClock, viewLimit int, ttl time.Duration) *models.Secret {
	now := clock.Now()
	return &models.Secret{
		Ciphertext:      []byte{0x00, 0x01, 0xfe, 0xff, 'c', 't'},
		Nonce:           []byte("123456789012"),
		PasswordHash:    "$2a$10$hash",
		ExpirationHours: 1,
		ViewLimit:       viewLimit,
		NotifyEmail:     "owner@example.com",
		ExpiresAt:       now.Add(ttl),
		CreatedAt:       now,
	}
}

// testStoreImplementation runs the behavior every Store must share.
func testStoreImplementation(t *testing.T, newStore func(t *testing.T, clock *fakeClock, hook ExpiryHook) Store) {
	ctx := context.Background()

	t.Run("InsertAndFetch", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, clock, nil)

		in := newSecret(clock, 3, time.Hour)
		id, err := s.Insert(ctx, in)
		require.NoError(t, err)
		assert.NotEmpty(t, id)
		assert.Equal(t, id, in.ID)

		got, err := s.FetchForCheck(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, in.Ciphertext, got.Ciphertext)
		assert.Equal(t, in.Nonce, got.Nonce)
		assert.Equal(t, in.PasswordHash, got.PasswordHash)
		assert.Equal(t, in.NotifyEmail, got.NotifyEmail)
		assert.Equal(t, 3, got.ViewLimit)
		assert.Equal(t, 0, got.ViewCount)
		assert.True(t, in.ExpiresAt.Equal(got.ExpiresAt))

		// Fetching is not a reveal.
		again, err := s.FetchForCheck(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 0, again.ViewCount)
	})

	t.Run("FetchUnknown", func(t *testing.T) {
		s := newStore(t, newFakeClock(), nil)
		_, err := s.FetchForCheck(ctx, "does-not-exist")
		assert.True(t, errors.Is(err, ErrNotFound))
		_, err = s.RevealMutate(ctx, "does-not-exist")
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("InsertAlreadyExpired", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, clock, nil)
		_, err := s.Insert(ctx, newSecret(clock, 1, -time.Second))
		assert.True(t, errors.Is(err, ErrExpired))
	})

	t.Run("InsertDuplicateID", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, clock, nil)

		id, err := s.Insert(ctx, newSecret(clock, 3, time.Hour))
		require.NoError(t, err)
		_, err = s.RevealMutate(ctx, id)
		require.NoError(t, err)

		other := newSecret(clock, 10, time.Hour)
		other.ID = id
		other.Ciphertext = []byte("other")
		_, err = s.Insert(ctx, other)
		assert.True(t, errors.Is(err, ErrDuplicateID), "got %v", err)

		got, err := s.FetchForCheck(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 1, got.ViewCount)
		assert.Equal(t, 3, got.ViewLimit)
		assert.Equal(t, []byte{0x00, 0x01, 0xfe, 0xff, 'c', 't'}, got.Ciphertext)
	})

	t.Run("RevealCountsDownAndDeletes", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, clock, nil)

		id, err := s.Insert(ctx, newSecret(clock, 3, time.Hour))
		require.NoError(t, err)

		for i, want := range []int{2, 1, 0} {
			res, err := s.RevealMutate(ctx, id)
			require.NoError(t, err, "reveal %d", i+1)
			assert.Equal(t, want, res.RemainingViews)
			assert.Equal(t, want == 0, res.IsLastView)
			assert.Equal(t, i, res.Secret.ViewCount, "result is the pre-mutation record")
			assert.Equal(t, []byte{0x00, 0x01, 0xfe, 0xff, 'c', 't'}, res.Secret.Ciphertext)
		}

		_, err = s.RevealMutate(ctx, id)
		assert.True(t, errors.Is(err, ErrNotFound))
		_, err = s.FetchForCheck(ctx, id)
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("ExpiryBeatsViewBudget", func(t *testing.T) {
		clock := newFakeClock()
		var expired atomic.Int32
		s := newStore(t, clock, func(context.Context, string) { expired.Add(1) })

		id, err := s.Insert(ctx, newSecret(clock, 10, time.Hour))
		require.NoError(t, err)

		_, err = s.RevealMutate(ctx, id)
		require.NoError(t, err)

		clock.Advance(time.Hour)

		_, err = s.FetchForCheck(ctx, id)
		assert.True(t, errors.Is(err, ErrNotFound))
		_, err = s.RevealMutate(ctx, id)
		assert.True(t, errors.Is(err, ErrNotFound))
		assert.Equal(t, int32(1), expired.Load())
	})

	t.Run("DeleteIsIdempotent", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, clock, nil)

		id, err := s.Insert(ctx, newSecret(clock, 1, time.Hour))
		require.NoError(t, err)

		require.NoError(t, s.Delete(ctx, id))
		require.NoError(t, s.Delete(ctx, id))
		require.NoError(t, s.Delete(ctx, "never-existed"))

		_, err = s.RevealMutate(ctx, id)
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("ConcurrentLastView", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, clock, nil)

		for _, limit := range []int{1, 3} {
			id, err := s.Insert(ctx, newSecret(clock, limit, time.Hour))
			require.NoError(t, err)

			const revealers = 16
			var (
				wg        sync.WaitGroup
				successes atomic.Int32
				lastViews atomic.Int32
				notFound  atomic.Int32
			)
			wg.Add(revealers)
			for range revealers {
				go func() {
					defer wg.Done()
					res, err := s.RevealMutate(ctx, id)
					switch {
					case err == nil:
						successes.Add(1)
						if res.IsLastView {
							lastViews.Add(1)
						}
					case errors.Is(err, ErrNotFound), errors.Is(err, ErrExhausted):
						notFound.Add(1)
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, int32(limit), successes.Load(), "limit %d", limit)
			assert.Equal(t, int32(1), lastViews.Load(), "exactly one last view for limit %d", limit)
			assert.Equal(t, int32(revealers-limit), notFound.Load())
		}
	})

	t.Run("IndependentIDs", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, clock, nil)

		const n = 20
		ids := make([]string, n)
		for i := range ids {
			id, err := s.Insert(ctx, newSecret(clock, 1, time.Hour))
			require.NoError(t, err)
			ids[i] = id
		}

		var wg sync.WaitGroup
		wg.Add(n)
		for i := range ids {
			go func(id string) {
				defer wg.Done()
				res, err := s.RevealMutate(ctx, id)
				if assert.NoError(t, err, fmt.Sprintf("id %s", id)) {
					assert.True(t, res.IsLastView)
				}
			}(ids[i])
		}
		wg.Wait()
	})
}
