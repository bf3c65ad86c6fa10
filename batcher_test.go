package gbptree

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBatcherCoalesces(t *testing.T) {
	const N = 50

	var writes, batches, covered atomic.Int64

	b := NewBatcher(func() error {
		w := writes.Load()
		time.Sleep(2 * time.Millisecond)
		batches.Add(1)
		covered.Store(w)

		return nil
	})

	var wg sync.WaitGroup

	for i := 0; i < N; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			w := writes.Add(1)

			err := b.Do()
			assert.NoError(t, err)

			assert.GreaterOrEqual(t, covered.Load(), w, "call must be covered by a batch started after it")
		}()
	}

	wg.Wait()

	assert.Less(t, batches.Load(), int64(N))
	t.Logf("calls %d  batches %d", N, batches.Load())
}

func TestBatcherStickyError(t *testing.T) {
	fail := errors.New("sync failed")

	var calls int

	b := NewBatcher(func() error {
		calls++

		if calls == 2 {
			return fail
		}

		return nil
	})

	assert.NoError(t, b.Do())
	assert.NoError(t, b.Err())

	assert.ErrorIs(t, b.Do(), fail)
	assert.ErrorIs(t, b.Do(), fail)
	assert.ErrorIs(t, b.Err(), fail)

	assert.Equal(t, 2, calls)
}
