package gbptree

import (
	"tlog.app/go/errors"
)

type (
	// structureWriter applies writes walking from the root to a leaf
	// and propagating structural changes back up the path.
	structureWriter[K, V any] struct {
		t *Tree[K, V]

		path  []level
		pages [][]byte

		sib, sib2, cur2, upd []byte

		tmp K
	}

	level struct {
		id   int64 // page the node was read from
		pgen int64 // generation of the pointer to the node
		pos  int   // child position taken, internal nodes only
		p    []byte
	}

	// propagation is a change a child asks its parent to make.
	propagation struct {
		mid  int64 // new id of the child at pos
		left int64 // new id of the child at pos-1

		rightKey   []byte // insert key with right child after pos
		rightChild int64

		leftKey []byte // new separator at pos-1

		removeRight    bool // remove key pos-1 with child pos
		removeLeftmost bool // remove key 0 with child 0
	}
)

func noPropagation() propagation {
	return propagation{mid: NilPage, left: NilPage, rightChild: NilPage}
}

func (pr *propagation) any() bool {
	return pr.mid != NilPage || pr.left != NilPage || pr.rightKey != nil || pr.leftKey != nil || pr.removeRight || pr.removeLeftmost
}

func (w *structureWriter[K, V]) init(t *Tree[K, V]) {
	ps := t.pf.PageSize()

	w.t = t
	w.tmp = t.l.NewKey()
	w.sib = make([]byte, ps)
	w.sib2 = make([]byte, ps)
	w.cur2 = make([]byte, ps)
	w.upd = make([]byte, ps)
}

func (w *structureWriter[K, V]) page(depth int) []byte {
	for len(w.pages) <= depth {
		w.pages = append(w.pages, make([]byte, w.t.pf.PageSize()))
	}

	return w.pages[depth]
}

// readNode reads a node reachable from the current root.
// Writers always see fully propagated changes, so any successor is an inconsistency.
func (w *structureWriter[K, V]) readNode(id, pgen int64, p []byte, g Generation) error {
	t := w.t

	if id < MinValidID || id >= t.fl.LastID() {
		return inconsistency("write", id, pgen, "bad pointer")
	}

	err := t.pf.Read(id, p)
	if err != nil {
		return err
	}

	if pageType(p) != pageTypeTreeNode {
		return inconsistency("write", id, pgen, "not a tree node: type %d", pageType(p))
	}

	if gen := nodeGen(p); gen > pgen {
		return inconsistency("write", id, pgen, "node gen %d is newer than pointer", gen)
	}

	if nodeFormatID(p) != t.node.f.id() || !t.node.f.check(p, keyCount(p), isLeaf(p)) {
		return inconsistency("write", id, pgen, "bad node layout")
	}

	succ, ok := readGSPP(successorGSPP(p), g)
	if !ok || succ.id != NilPage {
		return inconsistency("write", id, pgen, "successor pointer where none expected: %#x", succ.id)
	}

	return nil
}

func (w *structureWriter[K, V]) acquire(g Generation) (int64, error) {
	return w.t.fl.AcquireNewID(g.Stable(), g.Unstable())
}

func (w *structureWriter[K, V]) release(id int64, g Generation) error {
	return w.t.fl.ReleaseID(g.Stable(), g.Unstable(), id)
}

func (w *structureWriter[K, V]) event(k EventKind, g Generation, id, other int64) {
	w.t.mon.Event(Event{Kind: k, Stable: g.Stable(), Unstable: g.Unstable(), ID: id, Other: other})
}

// target returns where a modified node is written to: in place
// if it's of the unstable generation, or a new successor page.
func (w *structureWriter[K, V]) target(id int64, stable bool, g Generation) (int64, error) {
	if !stable {
		return id, nil
	}

	return w.acquire(g)
}

func (w *structureWriter[K, V]) pessimistic(op *writeOp[K, V]) (err error) {
	t := w.t

	t.coord.changes.Add(1)
	defer t.coord.changes.Add(1)

	g := t.generation()
	root := t.rootRef()

	w.path = w.path[:0]

	id, pgen := root.id, root.gen

	for depth := 0; ; depth++ {
		if depth > maxTreeDepth {
			return inconsistency("write", id, pgen, "tree is too deep")
		}

		p := w.page(depth)

		err = w.readNode(id, pgen, p, g)
		if err != nil {
			return err
		}

		lv := level{id: id, pgen: pgen, pos: -1, p: p}

		if isLeaf(p) {
			w.path = append(w.path, lv)
			break
		}

		lv.pos, w.tmp, err = t.node.childPos(p, op.key, w.tmp)
		if err != nil {
			return err
		}

		w.path = append(w.path, lv)

		var ok bool
		id, pgen, ok = t.node.f.childAt(p, lv.pos)
		if !ok {
			return inconsistency("write", lv.id, lv.pgen, "broken child pointer at %d", lv.pos)
		}
	}

	i := len(w.path) - 1

	pr, err := w.leaf(op, i, g)
	if err != nil {
		return err
	}

	for i--; i >= 0 && pr.any(); i-- {
		pr, err = w.internal(i, pr, g)
		if err != nil {
			return err
		}
	}

	if pr.any() {
		err = w.rootChange(pr, g)
		if err != nil {
			return err
		}
	}

	t.coord.pessimistic.Add(1)

	return nil
}

func (w *structureWriter[K, V]) leaf(op *writeOp[K, V], i int, g Generation) (pr propagation, err error) {
	t := w.t
	f := t.node.f
	lv := &w.path[i]
	p := lv.p
	u := g.Unstable()

	pr = noPropagation()

	ch, pos, raw, err := w.decide(op, p, g)
	if err != nil || ch == changeNone {
		return pr, err
	}

	stable := nodeGen(p) < u
	setNodeGen(p, u)

	n := keyCount(p)

	switch ch {
	case changeReplace:
		old := f.rawAt(p, pos, true, nil)

		if t.node.rawFits(p, true, raw, old) {
			f.replaceAt(p, raw, pos, n, true)

			err = t.node.freeRaw(old, g)
			if err != nil {
				return pr, err
			}

			return w.commitPlain(lv, stable, g)
		}

		f.removeAt(p, pos, n)
		n--

		err = t.node.freeRaw(old, g)
		if err != nil {
			return pr, err
		}
	case changeRemove:
		old := f.rawAt(p, pos, true, nil)

		f.removeAt(p, pos, n)

		err = t.node.freeRaw(old, g)
		if err != nil {
			return pr, err
		}

		if i > 0 && t.node.underflow(p) {
			return w.underflow(i, stable, g)
		}

		return w.commitPlain(lv, stable, g)
	}

	if f.overflow(p, n, true, len(raw)) != overflowYes {
		f.insertAt(p, raw, pos, n)

		return w.commitPlain(lv, stable, g)
	}

	return w.splitLeaf(lv, stable, pos, n, raw, g)
}

func (w *structureWriter[K, V]) commitPlain(lv *level, stable bool, g Generation) (pr propagation, err error) {
	pr = noPropagation()

	target, err := w.target(lv.id, stable, g)
	if err != nil {
		return pr, err
	}

	if target != lv.id {
		pr.mid = target
	}

	err = w.commitLeaf(lv.id, target, lv.p, stable, stable, g)

	return pr, err
}

func (w *structureWriter[K, V]) splitLeaf(lv *level, stable bool, pos, n int, raw []byte, g Generation) (pr propagation, err error) {
	t := w.t
	u := g.Unstable()
	p := lv.p

	pr = noPropagation()

	target, err := w.target(lv.id, stable, g)
	if err != nil {
		return pr, err
	}

	if target != lv.id {
		pr.mid = target
	}

	rid, err := w.acquire(g)
	if err != nil {
		return pr, err
	}

	right, ok := readGSPP(rightGSPP(p), g)
	if !ok {
		return pr, inconsistency("split", lv.id, lv.pgen, "broken right sibling pointer")
	}

	ratio := t.node.ratio
	if t.node.appendSplit && pos == n && right.id == NilPage {
		ratio = 1
	}

	r := w.sib
	t.node.f.init(r, true, u)

	t.node.splitLeaf(p, r, pos, raw, ratio)

	writeGSPP(leftGSPP(r), g, target)
	writeGSPP(rightGSPP(r), g, right.id)
	writeGSPP(rightGSPP(p), g, rid)

	err = t.pf.Write(rid, r)
	if err != nil {
		return pr, err
	}

	err = w.commitLeaf(lv.id, target, p, stable, false, g)
	if err != nil {
		return pr, err
	}

	if right.id != NilPage {
		err = w.setSibling(right.id, false, rid, g)
		if err != nil {
			return pr, err
		}
	}

	pr.rightKey, err = t.node.promote(r, g)
	if err != nil {
		return pr, err
	}

	pr.rightChild = rid

	w.event(EventSplit, g, target, rid)

	return pr, nil
}

// underflow handles a leaf which became less than half full after removal.
func (w *structureWriter[K, V]) underflow(i int, stable bool, g Generation) (pr propagation, err error) {
	t := w.t
	u := g.Unstable()
	lv := &w.path[i]
	parent := &w.path[i-1]
	p := lv.p
	c := parent.pos

	pr = noPropagation()

	if c == 0 {
		if keyCount(p) != 0 || keyCount(parent.p) == 0 {
			return w.commitPlain(lv, stable, g)
		}

		// empty leftmost child: unlink it
		left, lok := readGSPP(leftGSPP(p), g)
		right, rok := readGSPP(rightGSPP(p), g)
		if !lok || !rok {
			return pr, inconsistency("remove", lv.id, lv.pgen, "broken sibling pointer")
		}

		if left.id != NilPage {
			err = w.setSibling(left.id, true, right.id, g)
			if err != nil {
				return pr, err
			}
		}

		if right.id != NilPage {
			err = w.setSibling(right.id, false, left.id, g)
			if err != nil {
				return pr, err
			}
		}

		err = w.release(lv.id, g)
		if err != nil {
			return pr, err
		}

		pr.removeLeftmost = true

		w.event(EventMerge, g, right.id, lv.id)

		return pr, nil
	}

	lid, lgen, ok := t.node.f.childAt(parent.p, c-1)
	if !ok {
		return pr, inconsistency("remove", parent.id, parent.pgen, "broken child pointer at %d", c-1)
	}

	lp := w.sib

	err = w.readNode(lid, lgen, lp, g)
	if err != nil {
		return pr, err
	}

	if !isLeaf(lp) {
		return pr, inconsistency("remove", lid, lgen, "left sibling is not a leaf")
	}

	if r, ok := readGSPP(rightGSPP(lp), g); !ok || r.id != lv.id {
		return pr, inconsistency("remove", lid, lgen, "left sibling points to %#x instead of %#x", r.id, lv.id)
	}

	lstable := nodeGen(lp) < u

	if t.node.canMerge(lp, p) {
		setNodeGen(lp, u)

		ltarget, err := w.target(lid, lstable, g)
		if err != nil {
			return pr, err
		}

		if ltarget != lid {
			pr.left = ltarget
		}

		right, ok := readGSPP(rightGSPP(p), g)
		if !ok {
			return pr, inconsistency("remove", lv.id, lv.pgen, "broken right sibling pointer")
		}

		t.node.merge(lp, p)
		writeGSPP(rightGSPP(lp), g, right.id)

		err = w.commitLeaf(lid, ltarget, lp, lstable, true, g)
		if err != nil {
			return pr, err
		}

		err = w.release(lv.id, g)
		if err != nil {
			return pr, err
		}

		pr.removeRight = true

		w.event(EventMerge, g, ltarget, lv.id)

		return pr, nil
	}

	if t.node.underflow(lp) {
		return w.commitPlain(lv, stable, g)
	}

	lp2, p2 := w.sib2, w.cur2
	copy(lp2, lp)
	copy(p2, p)

	t.node.rebalance(lp2, p2)

	sep, err := t.node.promote(p2, g)
	if err != nil {
		return pr, err
	}

	if !t.node.rawFits(parent.p, false, sep, t.node.f.rawAt(parent.p, c-1, false, nil)) {
		err = t.node.freeRaw(sep, g)
		if err != nil {
			return pr, err
		}

		return w.commitPlain(lv, stable, g)
	}

	setNodeGen(lp2, u)

	ltarget, err := w.target(lid, lstable, g)
	if err != nil {
		return pr, err
	}

	target, err := w.target(lv.id, stable, g)
	if err != nil {
		return pr, err
	}

	if ltarget != lid {
		pr.left = ltarget
	}

	if target != lv.id {
		pr.mid = target
	}

	writeGSPP(rightGSPP(lp2), g, target)
	writeGSPP(leftGSPP(p2), g, ltarget)

	err = w.commitLeaf(lid, ltarget, lp2, lstable, false, g)
	if err != nil {
		return pr, err
	}

	err = w.commitLeaf(lv.id, target, p2, false, stable, g)
	if err != nil {
		return pr, err
	}

	pr.leftKey = sep

	w.event(EventRebalance, g, ltarget, target)

	return pr, nil
}

// commitLeaf writes leaf p to target. If target is a new successor of orig
// the successor pointer is set and orig is released.
// Siblings are pointed to target if asked.
func (w *structureWriter[K, V]) commitLeaf(orig, target int64, p []byte, fixLeft, fixRight bool, g Generation) (err error) {
	err = w.commitNode(orig, target, p, g)
	if err != nil {
		return err
	}

	if fixLeft {
		left, ok := readGSPP(leftGSPP(p), g)
		if !ok {
			return inconsistency("commit", target, g.Unstable(), "broken left sibling pointer")
		}

		if left.id != NilPage {
			err = w.setSibling(left.id, true, target, g)
			if err != nil {
				return err
			}
		}
	}

	if fixRight {
		right, ok := readGSPP(rightGSPP(p), g)
		if !ok {
			return inconsistency("commit", target, g.Unstable(), "broken right sibling pointer")
		}

		if right.id != NilPage {
			err = w.setSibling(right.id, false, target, g)
			if err != nil {
				return err
			}
		}
	}

	return nil
}

func (w *structureWriter[K, V]) commitNode(orig, target int64, p []byte, g Generation) (err error) {
	t := w.t

	err = t.pf.Write(target, p)
	if err != nil {
		return err
	}

	if target == orig {
		return nil
	}

	err = t.pf.Update(orig, w.upd, func(op []byte) (bool, error) {
		writeGSPP(successorGSPP(op), g, target)
		return true, nil
	})
	if err != nil {
		return errors.Wrap(err, "set successor")
	}

	err = w.release(orig, g)
	if err != nil {
		return err
	}

	w.event(EventSuccessor, g, orig, target)

	return nil
}

// setSibling points the left or right sibling pointer of leaf id to to.
func (w *structureWriter[K, V]) setSibling(id int64, right bool, to int64, g Generation) error {
	return w.t.pf.Update(id, w.upd, func(p []byte) (bool, error) {
		if pageType(p) != pageTypeTreeNode || !isLeaf(p) {
			return false, inconsistency("sibling", id, g.Unstable(), "not a leaf: type %d", pageType(p))
		}

		writeGSPP(siblingGSPP(p, right), g, to)

		return true, nil
	})
}

func (w *structureWriter[K, V]) internal(i int, pr propagation, g Generation) (out propagation, err error) {
	t := w.t
	f := t.node.f
	lv := &w.path[i]
	p := lv.p
	c := lv.pos
	u := g.Unstable()

	out = noPropagation()

	stable := nodeGen(p) < u
	setNodeGen(p, u)

	target, err := w.target(lv.id, stable, g)
	if err != nil {
		return out, err
	}

	if target != lv.id {
		out.mid = target
	}

	n := keyCount(p)

	if pr.mid != NilPage {
		f.setChildAt(p, c, pr.mid, u)
	}

	if pr.left != NilPage {
		f.setChildAt(p, c-1, pr.left, u)
	}

	if pr.leftKey != nil {
		old := f.rawAt(p, c-1, false, nil)

		if !f.replaceAt(p, pr.leftKey, c-1, n, false) {
			return out, inconsistency("rebalance", lv.id, lv.pgen, "separator doesn't fit")
		}

		err = t.node.freeRaw(old, g)
		if err != nil {
			return out, err
		}
	}

	if pr.removeRight || pr.removeLeftmost {
		kpos := c - 1
		if pr.removeLeftmost {
			kpos = 0
		}

		old := f.rawAt(p, kpos, false, nil)

		if pr.removeRight {
			f.removeKeyAndRightChildAt(p, kpos, n)
		} else {
			f.removeKeyAndLeftChildAt(p, kpos, n)
		}

		n--

		err = t.node.freeRaw(old, g)
		if err != nil {
			return out, err
		}
	}

	if pr.rightKey != nil {
		if f.overflow(p, n, false, len(pr.rightKey)) != overflowYes {
			f.insertKeyAndRightChildAt(p, pr.rightKey, pr.rightChild, u, c, n)
		} else {
			rid, err := w.acquire(g)
			if err != nil {
				return out, err
			}

			ratio := t.node.ratio
			if t.node.appendSplit && c == n {
				ratio = 1
			}

			r := w.sib
			f.init(r, false, u)

			out.rightKey, err = t.node.splitInternal(p, r, c, pr.rightKey, pr.rightChild, u, ratio)
			if err != nil {
				return out, errors.Wrap(err, "node %#x", lv.id)
			}

			out.rightChild = rid

			err = t.pf.Write(rid, r)
			if err != nil {
				return out, err
			}

			w.event(EventSplit, g, target, rid)
		}
	}

	err = w.commitNode(lv.id, target, p, g)
	if err != nil {
		return out, err
	}

	if i == 0 && out.rightKey == nil && keyCount(p) == 0 {
		return noPropagation(), w.shrink(target, p, g)
	}

	return out, nil
}

// rootChange applies propagation from the root node to the root pointer.
func (w *structureWriter[K, V]) rootChange(pr propagation, g Generation) error {
	t := w.t
	u := g.Unstable()

	child := w.path[0].id
	if pr.mid != NilPage {
		child = pr.mid
	}

	if pr.rightKey == nil {
		t.setRoot(child, u)
		return nil
	}

	id, err := w.acquire(g)
	if err != nil {
		return err
	}

	p := w.sib2
	t.node.f.init(p, false, u)
	t.node.f.setChildAt(p, 0, child, u)
	t.node.f.insertKeyAndRightChildAt(p, pr.rightKey, pr.rightChild, u, 0, 0)

	err = t.pf.Write(id, p)
	if err != nil {
		return err
	}

	t.setRoot(id, u)

	w.event(EventGrow, g, child, id)

	return nil
}

// shrink replaces the root internal node without keys by its only child.
func (w *structureWriter[K, V]) shrink(id int64, p []byte, g Generation) (err error) {
	t := w.t

	child, gen, ok := t.node.f.childAt(p, 0)
	if !ok {
		return inconsistency("shrink", id, g.Unstable(), "broken child pointer")
	}

	err = w.release(id, g)
	if err != nil {
		return err
	}

	w.event(EventShrink, g, id, child)

	q := w.sib2

	for {
		err = w.readNode(child, gen, q, g)
		if err != nil {
			return err
		}

		if isLeaf(q) || keyCount(q) != 0 {
			break
		}

		next, ngen, ok := t.node.f.childAt(q, 0)
		if !ok {
			return inconsistency("shrink", child, gen, "broken child pointer")
		}

		err = w.release(child, g)
		if err != nil {
			return err
		}

		w.event(EventShrink, g, child, next)

		child, gen = next, ngen
	}

	t.setRoot(child, gen)

	return nil
}
