package rowid

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func seeker(last int64, empty bool) (LastKeySeeker, *int) {
	calls := 0
	return SeekFunc(func() (int64, bool, error) {
		calls++
		return last, empty, nil
	}), &calls
}

func TestNext_EmptyTableStartsAtOne(t *testing.T) {
	t.Parallel()

	c := NewCache(2)
	s, calls := seeker(0, true)

	key, random, err := c.Next(s)
	require.NoError(t, err)
	require.False(t, random)
	require.Equal(t, int64(1), key)
	require.Equal(t, int64(1), c.Load())

	key, _, err = c.Next(s)
	require.NoError(t, err)
	require.Equal(t, int64(2), key)
	require.Equal(t, 1, *calls)
}

func TestNext_SeeksLastKey(t *testing.T) {
	t.Parallel()

	c := NewCache(2)
	s, calls := seeker(41, false)

	key, random, err := c.Next(s)
	require.NoError(t, err)
	require.False(t, random)
	require.Equal(t, int64(42), key)
	require.Equal(t, 1, *calls)
}

func TestNext_ConcurrentCallersGetDistinctKeys(t *testing.T) {
	t.Parallel()

	c := NewCache(2)
	s := SeekFunc(func() (int64, bool, error) { return 100, false, nil })

	const goroutines, perGoroutine = 8, 200
	keys := make(chan int64, goroutines*perGoroutine)
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				key, _, err := c.Next(s)
				if err == nil {
					keys <- key
				}
			}
		}()
	}
	wg.Wait()
	close(keys)

	seen := make(map[int64]bool)
	for key := range keys {
		require.False(t, seen[key], "key %d handed out twice", key)
		seen[key] = true
	}
	require.Len(t, seen, goroutines*perGoroutine)
	require.Equal(t, int64(100+goroutines*perGoroutine), c.Load())
}

func TestNext_SeekError(t *testing.T) {
	t.Parallel()

	boom := errors.New("io")
	c := NewCache(2)
	_, _, err := c.Next(SeekFunc(func() (int64, bool, error) { return 0, false, boom }))
	require.ErrorIs(t, err, boom)
	require.Zero(t, c.Load())
}

func TestNext_MaxRowidSwitchesToRandom(t *testing.T) {
	t.Parallel()

	c := NewCache(2)
	s, calls := seeker(MaxRowid, false)

	_, random, err := c.Next(s)
	require.NoError(t, err)
	require.True(t, random)

	// exhausted cache answers without seeking
	_, random, err = c.Next(s)
	require.NoError(t, err)
	require.True(t, random)
	require.Equal(t, 1, *calls)

	c.Set(5)
	c.Observe(MaxRowid)
	_, random, err = c.Next(s)
	require.NoError(t, err)
	require.True(t, random)
}

func TestObserve(t *testing.T) {
	t.Parallel()

	c := NewCache(2)

	// an empty cache is not initialized by observation
	c.Observe(10)
	require.Zero(t, c.Load())

	c.Set(10)
	c.Observe(5)
	require.Equal(t, int64(10), c.Load())
	c.Observe(20)
	require.Equal(t, int64(20), c.Load())

	key, _, err := c.Next(SeekFunc(func() (int64, bool, error) {
		t.Fatal("initialized cache must not seek")
		return 0, false, nil
	}))
	require.NoError(t, err)
	require.Equal(t, int64(21), key)

	c.Invalidate()
	require.Zero(t, c.Load())
}

func TestObserve_ConcurrentNeverDecreases(t *testing.T) {
	t.Parallel()

	c := NewCache(2)
	c.Set(1)

	const workers, per = 8, 500
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			prev := int64(0)
			for i := 1; i <= per; i++ {
				c.Observe(int64(i*workers + w))
				cur := c.Load()
				if cur < prev {
					t.Errorf("cache decreased from %d to %d", prev, cur)
					return
				}
				prev = cur
			}
		}(w)
	}
	wg.Wait()

	require.Equal(t, int64(per*workers+workers-1), c.Load())
}

func TestRegistry_OpenClose(t *testing.T) {
	t.Parallel()

	r, err := NewRegistry(2)
	require.NoError(t, err)

	c := r.Open(7)
	require.Zero(t, c.Load())
	c.Set(100)
	r.Close(c)

	next := r.Open(7)
	require.Equal(t, int64(100), next.Load())

	// a lagging cursor does not move the registry backwards
	stale := NewCache(7)
	stale.Set(50)
	r.Close(stale)
	v, ok := r.Known(7)
	require.True(t, ok)
	require.Equal(t, int64(100), v)

	// empty caches are not recorded
	r.Close(NewCache(8))
	_, ok = r.Known(8)
	require.False(t, ok)

	r.Forget(7)
	require.Zero(t, r.Open(7).Load())
}

func TestRegistry_Evicts(t *testing.T) {
	t.Parallel()

	r, err := NewRegistry(2)
	require.NoError(t, err)

	for id := uint64(1); id <= 3; id++ {
		c := NewCache(id)
		c.Set(int64(id))
		r.Close(c)
	}

	_, ok := r.Known(1)
	require.False(t, ok)
	_, ok = r.Known(3)
	require.True(t, ok)

	r.Purge()
	_, ok = r.Known(3)
	require.False(t, ok)
}

func TestRetry_SucceedsAfterReset(t *testing.T) {
	t.Parallel()

	runs, resets := 0, 0
	err := Retry(context.Background(), DefaultMaxRetry, func(context.Context) error {
		runs++
		if runs < 3 {
			return ErrRowidCorrupted
		}
		return nil
	}, func() error {
		resets++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, runs)
	require.Equal(t, 2, resets)
}

func TestRetry_Bounded(t *testing.T) {
	t.Parallel()

	runs := 0
	err := Retry(context.Background(), DefaultMaxRetry, func(context.Context) error {
		runs++
		return ErrRowidCorrupted
	}, func() error { return nil })

	var re *RetryExhaustedError
	require.True(t, errors.As(err, &re))
	require.Equal(t, DefaultMaxRetry+1, runs)
	require.Equal(t, runs, re.Attempts)
	require.ErrorIs(t, err, ErrRowidCorrupted)
}

func TestRetry_ZeroRetries(t *testing.T) {
	t.Parallel()

	runs := 0
	err := Retry(context.Background(), 0, func(context.Context) error {
		runs++
		return ErrRowidCorrupted
	}, nil)
	require.Error(t, err)
	require.Equal(t, 1, runs)
}

func TestRetry_OtherErrorsPropagate(t *testing.T) {
	t.Parallel()

	boom := errors.New("constraint")
	runs := 0
	err := Retry(context.Background(), DefaultMaxRetry, func(context.Context) error {
		runs++
		return boom
	}, nil)
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, runs)
}

func TestRetry_ContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	runs := 0
	err := Retry(ctx, DefaultMaxRetry, func(context.Context) error {
		runs++
		if runs == 2 {
			cancel()
		}
		return ErrRowidCorrupted
	}, func() error { return nil })
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 2, runs)
}

func TestRetry_ResetFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("reset")
	err := Retry(context.Background(), DefaultMaxRetry, func(context.Context) error {
		return ErrRowidCorrupted
	}, func() error { return boom })
	require.ErrorIs(t, err, boom)
}
