package gbptree

import (
	"tlog.app/go/errors"
)

type (
	ConsistencyReport struct {
		Nodes   int64
		Leaves  int64
		Entries int64
		Depth   int

		// CrashPointers are pointers written in crashed generations, cleanup job removes them.
		CrashPointers int64
		// Garbage pages are neither reachable nor free.
		Garbage int64
		Free    int64
	}

	consistencyChecker[K, V any] struct {
		t *Tree[K, V]
		w *walker[K, V]
		g Generation

		pages [][]byte

		leaves []leafLinks
		depth  int

		r ConsistencyReport
	}

	leafLinks struct {
		id, left, right int64
	}
)

// ConsistencyCheck walks the whole tree and checks key order, sibling links,
// generations and page accounting. It doesn't change anything.
// It waits for open writers to close.
func (t *Tree[K, V]) ConsistencyCheck() (r ConsistencyReport, err error) {
	if t.isClosed() {
		return r, ErrClosed
	}

	defer t.lock.WriterUnlock()
	t.lock.WriterLock()

	g := t.generation()

	c := &consistencyChecker[K, V]{
		t:     t,
		w:     newWalker(t, g, false),
		g:     g,
		depth: -1,
	}

	root := t.rootRef()

	err = c.check(root.id, root.gen, nil, nil, 0)
	if err != nil {
		return c.r, err
	}

	err = c.checkLinks()
	if err != nil {
		return c.r, err
	}

	before := c.w.seen.GetCardinality()

	garbage, err := c.w.garbage()
	if err != nil {
		return c.r, err
	}

	c.r.Free = int64(c.w.seen.GetCardinality() - before)
	c.r.Garbage = int64(len(garbage))
	c.r.Nodes = c.w.nodes.Load()
	c.r.CrashPointers = c.w.crash.Load()

	return c.r, nil
}

func (c *consistencyChecker[K, V]) page(depth int) []byte {
	for len(c.pages) <= depth {
		c.pages = append(c.pages, make([]byte, c.t.pf.PageSize()))
	}

	return c.pages[depth]
}

// check verifies subtree id has keys in [lo, hi). Nil bound means unbounded.
func (c *consistencyChecker[K, V]) check(id, gen int64, lo, hi *K, depth int) (err error) {
	t := c.t
	l := t.l

	if depth > maxTreeDepth {
		return inconsistency("check", id, gen, "tree is too deep")
	}

	p := c.page(depth)

	children, err := c.w.visit(id, gen, p)
	if err != nil {
		return err
	}

	leaf := isLeaf(p)
	n := keyCount(p)

	keys := make([]K, n)

	for i := range keys {
		keys[i], err = t.node.keyAt(p, i, leaf, l.NewKey())
		if err != nil {
			return errors.Wrap(err, "node %#x key %d", id, i)
		}

		if i > 0 && l.Compare(keys[i-1], keys[i]) >= 0 {
			return inconsistency("check", id, gen, "keys %d and %d are out of order", i-1, i)
		}

		if lo != nil && l.Compare(keys[i], *lo) < 0 || hi != nil && l.Compare(keys[i], *hi) >= 0 {
			return inconsistency("check", id, gen, "key %d is out of the parent range", i)
		}
	}

	if leaf {
		if c.depth == -1 {
			c.depth = depth
		}

		if depth != c.depth {
			return inconsistency("check", id, gen, "leaf at depth %d, expected %d", depth, c.depth)
		}

		left, lok := readGSPP(leftGSPP(p), c.g)
		right, rok := readGSPP(rightGSPP(p), c.g)
		if !lok || !rok {
			return inconsistency("check", id, gen, "broken sibling pointer")
		}

		c.leaves = append(c.leaves, leafLinks{id: id, left: left.id, right: right.id})

		c.r.Leaves++
		c.r.Entries += int64(n)
		c.r.Depth = depth + 1

		return nil
	}

	for i, ch := range children {
		clo, chi := lo, hi

		if i > 0 {
			clo = &keys[i-1]
		}

		if i < n {
			chi = &keys[i]
		}

		err = c.check(ch.id, ch.gen, clo, chi, depth+1)
		if err != nil {
			return err
		}
	}

	return nil
}

func (c *consistencyChecker[K, V]) checkLinks() error {
	for i, lf := range c.leaves {
		left, right := int64(NilPage), int64(NilPage)

		if i > 0 {
			left = c.leaves[i-1].id
		}

		if i+1 < len(c.leaves) {
			right = c.leaves[i+1].id
		}

		if lf.left != left || lf.right != right {
			return inconsistency("check", lf.id, 0, "sibling links %#x <- -> %#x, expected %#x <- -> %#x", lf.left, lf.right, left, right)
		}
	}

	return nil
}
