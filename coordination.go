package gbptree

import (
	"sync"
	"sync/atomic"
)

const leafLatches = 64

type (
	// writerCoordination decides which writes may run in parallel.
	//
	// A write that changes a single leaf of the unstable generation
	// holds the structure lock shared and the leaf latch.
	// Everything else, successors, splits, merges, holds it exclusively.
	writerCoordination struct {
		structure sync.RWMutex

		latches [leafLatches]sync.Mutex

		optimistic  atomic.Int64
		pessimistic atomic.Int64

		// changes is incremented before and after each structural change
		// and by checkpoints, it's odd while a change is in progress.
		changes atomic.Uint64
	}

	leafChange int

	WriteStats struct {
		Optimistic  int64
		Pessimistic int64
	}
)

const (
	changeNone leafChange = iota
	changeInsert
	changeReplace
	changeRemove
)

func (c *writerCoordination) latch(id int64) *sync.Mutex {
	return &c.latches[uint64(id)%leafLatches]
}

// WriteStats returns how many writes completed in parallel and exclusive modes.
func (t *Tree[K, V]) WriteStats() WriteStats {
	return WriteStats{
		Optimistic:  t.coord.optimistic.Load(),
		Pessimistic: t.coord.pessimistic.Load(),
	}
}

// optimistic applies op if it touches only one leaf already in the unstable generation.
// It returns errRetryPessimistic otherwise.
func (w *structureWriter[K, V]) optimistic(op *writeOp[K, V]) (err error) {
	t := w.t
	c := &t.coord

	defer c.structure.RUnlock()
	c.structure.RLock()

	g := t.generation()
	root := t.rootRef()

	id, pgen := root.id, root.gen
	p := w.page(0)

	for depth := 0; ; depth++ {
		if depth > maxTreeDepth {
			return inconsistency("write", id, pgen, "tree is too deep")
		}

		err = w.readNode(id, pgen, p, g)
		if err != nil {
			return err
		}

		if isLeaf(p) {
			break
		}

		var pos int
		pos, w.tmp, err = t.node.childPos(p, op.key, w.tmp)
		if err != nil {
			return err
		}

		var ok bool
		id, pgen, ok = t.node.f.childAt(p, pos)
		if !ok {
			return inconsistency("write", id, pgen, "broken child pointer at %d", pos)
		}
	}

	l := c.latch(id)
	defer l.Unlock()
	l.Lock()

	// other parallel writers may have changed the leaf
	err = w.readNode(id, pgen, p, g)
	if err != nil {
		return err
	}

	if nodeGen(p) != g.Unstable() {
		return errRetryPessimistic
	}

	ch, pos, raw, err := w.decide(op, p, g)
	if err != nil {
		return err
	}

	n := keyCount(p)
	f := t.node.f

	switch ch {
	case changeNone:
		c.optimistic.Add(1)
		return nil
	case changeInsert:
		if f.overflow(p, n, true, len(raw)) == overflowYes {
			return w.abandon(raw, g)
		}

		f.insertAt(p, raw, pos, n)
	case changeReplace:
		old := f.rawAt(p, pos, true, nil)

		if !t.node.rawFits(p, true, raw, old) {
			return w.abandon(raw, g)
		}

		f.replaceAt(p, raw, pos, n, true)

		err = t.node.freeRaw(old, g)
		if err != nil {
			return err
		}
	case changeRemove:
		old := f.rawAt(p, pos, true, nil)

		f.removeAt(p, pos, n)

		if id != root.id && t.node.underflow(p) {
			return errRetryPessimistic
		}

		err = t.node.freeRaw(old, g)
		if err != nil {
			return err
		}
	}

	err = t.pf.Write(id, p)
	if err != nil {
		return err
	}

	c.optimistic.Add(1)

	return nil
}

func (w *structureWriter[K, V]) abandon(raw []byte, g Generation) error {
	err := w.t.node.freeRaw(raw, g)
	if err != nil {
		return err
	}

	return errRetryPessimistic
}

// decide finds what op changes in leaf p. The new raw entry is encoded
// for insert and replace.
func (w *structureWriter[K, V]) decide(op *writeOp[K, V], p []byte, g Generation) (ch leafChange, pos int, raw []byte, err error) {
	t := w.t

	var found bool

	pos, found, w.tmp, err = t.node.search(p, op.key, true, w.tmp)
	if err != nil {
		return
	}

	if !found {
		if op.kind != opMerge {
			return changeNone, pos, nil, nil
		}

		raw, err = t.node.encodeLeaf(nil, op.key, op.value, g)

		return changeInsert, pos, raw, err
	}

	ek, ev, err := t.node.entryAt(p, pos, t.l.NewKey(), t.l.NewValue())
	if err != nil {
		return
	}

	if op.kind == opRemove {
		op.removed, op.found = ev, true

		return changeRemove, pos, nil, nil
	}

	nv, res := op.merger.Merge(ek, op.key, ev, op.value)

	switch res {
	case MergeUnchanged:
		return changeNone, pos, nil, nil
	case MergeRemoved:
		return changeRemove, pos, nil, nil
	}

	raw, err = t.node.encodeLeaf(nil, ek, nv, g)

	return changeReplace, pos, raw, err
}
