package gbptree

import (
	"tlog.app/go/errors"
)

type (
	// Writer modifies the tree. It's not safe for concurrent use,
	// but several parallel Writers may be open at once.
	// Mergers and aggregators may be called more than once per operation.
	Writer[K, V any] struct {
		t *Tree[K, V]

		batched bool
		closed  bool

		s structureWriter[K, V]
		o writeOp[K, V]
	}

	opKind int

	writeOp[K, V any] struct {
		kind   opKind
		key    K
		value  V
		merger ValueMerger[K, V]

		removed V
		found   bool
	}
)

const (
	opMerge opKind = iota
	opMergeIfExists
	opRemove
)

// Writer opens a parallel writer session.
// It waits for crash cleanup and checkpoint in progress.
func (t *Tree[K, V]) Writer() (*Writer[K, V], error) {
	return t.openWriter(false)
}

// BatchWriter opens an exclusive writer session.
// It fails with ErrWriterBusy if any other writer is open.
func (t *Tree[K, V]) BatchWriter() (*Writer[K, V], error) {
	return t.openWriter(true)
}

func (t *Tree[K, V]) openWriter(batched bool) (*Writer[K, V], error) {
	if t.c.ReadOnly {
		return nil, ErrReadOnly
	}

	if t.isClosed() {
		return nil, ErrClosed
	}

	defer t.sess.Unlock()
	t.sess.Lock()

	if t.batched || batched && t.writers != 0 {
		return nil, ErrWriterBusy
	}

	if t.writers == 0 {
		// wait for the cleaner to finish but don't block it from now on
		t.lock.WriterAndCleanerLock()
		t.lock.CleanerUnlock()
	}

	t.writers++

	if batched {
		t.batched = true
		t.coord.structure.Lock()
	}

	w := &Writer[K, V]{
		t:       t,
		batched: batched,
	}

	w.s.init(t)

	return w, nil
}

func (w *Writer[K, V]) Close() error {
	if w.closed {
		return nil
	}

	w.closed = true

	t := w.t

	defer t.sess.Unlock()
	t.sess.Lock()

	if w.batched {
		t.batched = false
		t.coord.structure.Unlock()
	}

	t.writers--

	if t.writers == 0 {
		t.lock.WriterUnlock()
	}

	return nil
}

// Put inserts or overwrites the value.
func (w *Writer[K, V]) Put(k K, v V) error {
	return w.Merge(k, v, Overwrite[K, V]())
}

// Merge inserts the value or resolves the conflict with m if the key exists.
func (w *Writer[K, V]) Merge(k K, v V, m ValueMerger[K, V]) error {
	w.o = writeOp[K, V]{kind: opMerge, key: k, value: v, merger: m}

	return w.apply(&w.o)
}

// MergeIfExists changes the value only if the key exists.
func (w *Writer[K, V]) MergeIfExists(k K, v V, m ValueMerger[K, V]) error {
	w.o = writeOp[K, V]{kind: opMergeIfExists, key: k, value: v, merger: m}

	return w.apply(&w.o)
}

// Aggregate inserts the value or aggregates it with the existing one.
func (w *Writer[K, V]) Aggregate(k K, v V, a ValueAggregator[V]) error {
	return w.Merge(k, v, Aggregating[K, V](a))
}

// Remove removes the key and returns its value.
// Removing an absent key changes nothing.
func (w *Writer[K, V]) Remove(k K) (v V, ok bool, err error) {
	w.o = writeOp[K, V]{kind: opRemove, key: k}

	err = w.apply(&w.o)
	if err != nil {
		return v, false, err
	}

	return w.o.removed, w.o.found, nil
}

func (w *Writer[K, V]) apply(op *writeOp[K, V]) (err error) {
	if w.closed {
		return ErrClosed
	}

	t := w.t

	if kl, ok := t.l.(KeyLimiter); ok && t.l.KeySize(op.key) > kl.MaxKeySize() {
		return errors.Wrap(ErrKeyTooLarge, "key size %d", t.l.KeySize(op.key))
	}

	err = t.writeFailure()
	if err != nil {
		return err
	}

	if w.batched {
		return t.writeFailed(w.s.pessimistic(op))
	}

	err = w.s.optimistic(op)
	if !errors.Is(err, errRetryPessimistic) {
		return t.writeFailed(err)
	}

	op.removed, op.found = t.l.NewValue(), false

	defer t.coord.structure.Unlock()
	t.coord.structure.Lock()

	return t.writeFailed(w.s.pessimistic(op))
}
