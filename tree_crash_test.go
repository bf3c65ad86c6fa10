package gbptree

import (
	"errors"
	"math"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type faultyBack struct {
	*MemBack

	page int64
	fail atomic.Bool

	// writeAfter > 0 fails the write with that number, counting from one.
	writeAfter atomic.Int64
}

var (
	errFaultyRead  = errors.New("faulty read")
	errFaultyWrite = errors.New("faulty write")
)

func (b *faultyBack) WriteAt(p []byte, off int64) (int, error) {
	if b.writeAfter.Load() > 0 && b.writeAfter.Add(-1) == 0 {
		return 0, errFaultyWrite
	}

	return b.MemBack.WriteAt(p, off)
}

func (b *faultyBack) ReadAt(p []byte, off int64) (int, error) {
	if b.fail.Load() && off >= MinValidID*b.page {
		return 0, errFaultyRead
	}

	return b.MemBack.ReadAt(p, off)
}

// crashedTree writes a stable generation and then a crashed one.
// It returns the file as it was at the crash.
func crashedTree(t *testing.T) *MemBack {
	t.Helper()

	rnd := rand.New(rand.NewSource(3))

	tr, b := newTestTree(t, nil)

	putAll(t, tr, shuffled(rnd, keysRange(0, 1000)), func(k int64) int64 { return k })
	require.NoError(t, tr.Checkpoint())

	w, err := tr.Writer()
	require.NoError(t, err)

	for _, k := range shuffled(rnd, keysRange(1000, 1500)) {
		require.NoError(t, w.Put(k, k))
	}

	for k := int64(0); k < 300; k += 2 {
		_, _, err = w.Remove(k)
		require.NoError(t, err)
	}

	for k := int64(500); k < 600; k++ {
		require.NoError(t, w.Put(k, -k))
	}

	require.NoError(t, w.Close())

	return b.Snapshot()
}

func TestTreeCrashRecoveryDeferred(t *testing.T) {
	b := crashedTree(t)

	var audit AuditLog

	c := testConfig(t)
	c.Cleanup = CleanupDeferred
	c.Monitor = &audit

	tr, err := Open[int64, int64](b, Int64Layout{}, c)
	require.NoError(t, err)

	s := tr.Stat()
	assert.True(t, s.CleanupPending)
	assert.Equal(t, Pack(3, 5), s.Generation, "crashed generation 4 is skipped")

	// readers see the last checkpoint
	ks, vs := collect(t, tr, math.MinInt64, math.MaxInt64)
	assert.Equal(t, keysRange(0, 1000), ks)
	assert.Equal(t, keysRange(0, 1000), vs)

	r, err := tr.ConsistencyCheck()
	require.NoError(t, err)
	assert.NotZero(t, r.CrashPointers)
	assert.Equal(t, int64(1000), r.Entries)

	assert.ErrorIs(t, tr.Checkpoint(), ErrCleanupPending)

	j := tr.CleanupJob()
	require.NotNil(t, j)
	assert.True(t, j.Needed())

	var opened atomic.Bool

	go func() {
		w, err := tr.Writer()
		if !assert.NoError(t, err) {
			return
		}

		opened.Store(true)

		assert.NoError(t, w.Close())
	}()

	time.Sleep(20 * time.Millisecond)
	assert.False(t, opened.Load(), "writer must wait for cleanup")

	j.Run(NewExecutor(4))

	assert.False(t, j.Needed())
	assert.False(t, j.HasFailed())
	assert.NoError(t, j.Cause())
	assert.Equal(t, r.CrashPointers, j.Stats().CrashPointers)
	assert.Equal(t, int64(0), j.Stats().Garbage)

	assert.NotZero(t, audit.Count(EventCrashPointerCleaned))

	j.Close()
	j.Close()

	assert.Equal(t, 1, audit.Count(EventCleanupClosed))
	assert.Eventually(t, opened.Load, time.Second, time.Millisecond)

	assert.False(t, tr.Stat().CleanupPending)

	checkTree(t, tr, 1000)

	putAll(t, tr, keysRange(2000, 2100), func(k int64) int64 { return k })

	require.NoError(t, tr.Checkpoint())
	require.NoError(t, tr.Close())

	tr, err = Open[int64, int64](b, Int64Layout{}, testConfig(t))
	require.NoError(t, err)

	assert.Nil(t, tr.CleanupJob())

	ks, _ = collect(t, tr, math.MinInt64, math.MaxInt64)
	assert.Equal(t, append(keysRange(0, 1000), keysRange(2000, 2100)...), ks)

	checkTree(t, tr, 1100)
}

func TestTreeCrashRecoveryImmediate(t *testing.T) {
	b := crashedTree(t)

	tr, err := Open[int64, int64](b, Int64Layout{}, testConfig(t))
	require.NoError(t, err)

	j := tr.CleanupJob()
	require.NotNil(t, j)
	assert.False(t, j.Needed())
	assert.NotZero(t, j.Stats().CrashPointers)

	assert.False(t, tr.Stat().CleanupPending)

	checkTree(t, tr, 1000)

	// the crashed generation is written again
	putAll(t, tr, keysRange(1000, 1500), func(k int64) int64 { return k })

	checkTree(t, tr, 1500)

	require.NoError(t, tr.Close())
}

func TestTreeCrashRepeated(t *testing.T) {
	rnd := rand.New(rand.NewSource(4))

	tr, b := newTestTree(t, nil)

	model := map[int64]int64{}

	for round := 0; round < 5; round++ {
		w, err := tr.Writer()
		require.NoError(t, err)

		for i := 0; i < 300; i++ {
			k := rnd.Int63n(2000)

			if rnd.Intn(3) == 0 {
				_, _, err = w.Remove(k)
				delete(model, k)
			} else {
				err = w.Put(k, int64(round))
				model[k] = int64(round)
			}

			require.NoError(t, err)
		}

		require.NoError(t, w.Close())
		require.NoError(t, tr.Checkpoint())

		// lost writes
		putAll(t, tr, shuffled(rnd, keysRange(3000, 3200)), func(k int64) int64 { return k })

		b = b.Snapshot()

		tr, err = Open[int64, int64](b, Int64Layout{}, testConfig(t))
		require.NoError(t, err)

		ks, vs := collect(t, tr, math.MinInt64, math.MaxInt64)
		require.Len(t, ks, len(model), "round %d", round)

		for i, k := range ks {
			assert.Equal(t, model[k], vs[i], "key %d", k)
		}

		checkTree(t, tr, int64(len(model)))
	}
}

func TestTreeCrashGarbage(t *testing.T) {
	tr, b := newTestTree(t, nil)

	putAll(t, tr, keysRange(0, 100), func(k int64) int64 { return k })

	g := tr.generation()

	for i := 0; i < 3; i++ {
		_, err := tr.fl.AcquireNewID(g.Stable(), g.Unstable())
		require.NoError(t, err)
	}

	require.NoError(t, tr.Checkpoint())

	r, err := tr.ConsistencyCheck()
	require.NoError(t, err)
	assert.Equal(t, int64(3), r.Garbage)

	c := testConfig(t)
	c.Cleanup = CleanupDeferred

	tr, err = Open[int64, int64](b.Snapshot(), Int64Layout{}, c)
	require.NoError(t, err)

	j := tr.CleanupJob()
	require.NotNil(t, j)

	j.Run(nil)
	j.Close()

	require.False(t, j.HasFailed(), "cause: %v", j.Cause())
	assert.Equal(t, int64(3), j.Stats().Garbage)

	checkTree(t, tr, 100)
}

func TestTreeCleanupFailure(t *testing.T) {
	fb := &faultyBack{
		MemBack: crashedTree(t),
		page:    0x100,
	}

	var audit AuditLog

	c := testConfig(t)
	c.Cleanup = CleanupDeferred
	c.Monitor = &audit

	tr, err := Open[int64, int64](fb, Int64Layout{}, c)
	require.NoError(t, err)

	j := tr.CleanupJob()
	require.NotNil(t, j)

	assert.False(t, tr.Lock().TryCleanerLock(), "job holds the cleaner lock")

	fb.fail.Store(true)

	j.Run(nil)

	assert.True(t, j.HasFailed())
	assert.True(t, j.Needed())
	assert.ErrorIs(t, j.Cause(), errFaultyRead)

	j.Close()

	assert.Equal(t, 1, audit.Count(EventCleanupClosed))

	if assert.True(t, tr.Lock().TryCleanerLock(), "close must release the cleaner lock") {
		tr.Lock().CleanerUnlock()
	}

	assert.True(t, tr.Stat().CleanupPending)
	assert.ErrorIs(t, tr.Checkpoint(), ErrCleanupPending)

	fb.fail.Store(false)

	j.Run(nil)
	assert.True(t, j.HasFailed(), "closed job doesn't run")

	assert.ErrorIs(t, tr.Close(), ErrCleanupPending)

	// the file is still recoverable
	tr, err = Open[int64, int64](fb.MemBack, Int64Layout{}, testConfig(t))
	require.NoError(t, err)

	checkTree(t, tr, 1000)
	require.NoError(t, tr.Close())
}

func TestSeekCorruptedNode(t *testing.T) {
	c := testConfig(t)
	c.MaxTripCount = 5

	tr, _ := newTestTree(t, c)

	putAll(t, tr, keysRange(0, 500), func(k int64) int64 { return k })

	p := make([]byte, tr.pf.PageSize())

	root := tr.rootRef()
	id, gen := root.id, root.gen

	for {
		require.NoError(t, tr.pf.Read(id, p))

		if isLeaf(p) {
			break
		}

		var ok bool
		id, gen, ok = tr.node.f.childAt(p, 0)
		require.True(t, ok)
	}

	// the leftmost leaf claims to be newer than the pointer to it
	setNodeGen(p, gen+10)
	require.NoError(t, tr.pf.Write(id, p))

	_, _, err := tr.Get(0)
	assert.ErrorIs(t, err, ErrTreeInconsistency)

	v, ok, err := tr.Get(499)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(499), v)

	s := tr.Seek(math.MinInt64, math.MaxInt64)
	assert.False(t, s.Next())
	assert.ErrorIs(t, s.Err(), ErrTreeInconsistency)

	var e *TreeInconsistencyError
	if assert.True(t, errors.As(s.Err(), &e)) {
		assert.Equal(t, id, e.ID)
	}
}

func TestSeekPointerBelowMinValid(t *testing.T) {
	tr, _ := newTestTree(t, nil)

	putAll(t, tr, keysRange(0, 500), func(k int64) int64 { return k })

	root := tr.rootRef()
	p := make([]byte, tr.pf.PageSize())

	require.NoError(t, tr.pf.Read(root.id, p))
	require.False(t, isLeaf(p))

	tr.node.f.setChildAt(p, 0, 1, root.gen)
	require.NoError(t, tr.pf.Write(root.id, p))

	_, _, err := tr.Get(0)

	var e *TreeInconsistencyError
	require.True(t, errors.As(err, &e), "err: %v", err)
	assert.Equal(t, "read", e.Op)
	assert.Equal(t, int64(1), e.ID)
}

func TestTreeWriteFailure(t *testing.T) {
	var evens []int64
	for k := int64(0); k < 600; k += 2 {
		evens = append(evens, k)
	}

	failed := 0

	for n := 1; n < 40; n++ {
		fb := &faultyBack{
			MemBack: NewMemBack(0),
			page:    0x100,
		}

		tr, err := Open[int64, int64](fb, Int64Layout{}, testConfig(t))
		require.NoError(t, err)

		putAll(t, tr, evens, func(k int64) int64 { return k })
		require.NoError(t, tr.Checkpoint())

		fb.writeAfter.Store(int64(n))

		w, err := tr.Writer()
		require.NoError(t, err)

		err = w.Put(101, 101)
		if err == nil {
			// the put needs fewer writes
			fb.writeAfter.Store(0)

			require.NoError(t, w.Close())
			require.NoError(t, tr.Close())

			break
		}

		failed++

		assert.ErrorIs(t, err, errFaultyWrite, "write %d", n)

		assert.ErrorIs(t, w.Put(103, 103), ErrWriteFailed)
		require.NoError(t, w.Close())

		assert.ErrorIs(t, tr.Checkpoint(), ErrWriteFailed)
		assert.ErrorIs(t, tr.Close(), ErrWriteFailed)

		// readers still work on the last checkpoint
		tr, err = Open[int64, int64](fb.MemBack, Int64Layout{}, testConfig(t))
		require.NoError(t, err, "write %d", n)

		ks, _ := collect(t, tr, math.MinInt64, math.MaxInt64)
		assert.Equal(t, evens, ks, "write %d", n)

		checkTree(t, tr, int64(len(evens)))

		putAll(t, tr, []int64{101}, func(k int64) int64 { return k })
		require.NoError(t, tr.Checkpoint())

		checkTree(t, tr, int64(len(evens))+1)
		require.NoError(t, tr.Close())
	}

	assert.Greater(t, failed, 2)
}

type countingExecutor struct {
	g errgroup.Group

	submitted atomic.Int64
	done      atomic.Int64
}

func (e *countingExecutor) Go(f func() error) {
	e.submitted.Add(1)

	e.g.Go(func() error {
		defer e.done.Add(1)

		time.Sleep(time.Millisecond)

		return f()
	})
}

func (e *countingExecutor) Wait() error { return e.g.Wait() }

func TestCleanupJobExecutor(t *testing.T) {
	c := testConfig(t)
	c.Cleanup = CleanupDeferred

	tr, err := Open[int64, int64](crashedTree(t), Int64Layout{}, c)
	require.NoError(t, err)

	j := tr.CleanupJob()
	require.NotNil(t, j)

	var exec countingExecutor

	j.Run(&exec)

	require.False(t, j.HasFailed(), "cause: %v", j.Cause())
	assert.Greater(t, exec.submitted.Load(), int64(1))
	assert.Equal(t, exec.submitted.Load(), exec.done.Load(), "run returned before all subtrees were walked")
	assert.NotZero(t, j.Stats().CrashPointers)

	j.Close()

	checkTree(t, tr, 1000)
}
