package gbptree

import (
	"fmt"
	"io"
)

// DebugDump prints the tree structure from the root.
// Keys and values are printed with fmt.
func (t *Tree[K, V]) DebugDump(w io.Writer) error {
	root := t.rootRef()

	fmt.Fprintf(w, "root %#x gen %d  %v\n", root.id, root.gen, t.generation())

	return t.debugDump(w, 0, root.id, root.gen)
}

func (t *Tree[K, V]) debugDump(w io.Writer, d int, id, gen int64) error {
	const pad = "                                                              "

	p := make([]byte, t.pf.PageSize())

	id, gen, err := t.readNode(id, gen, p)
	if err != nil {
		return err
	}

	g := t.generation()
	n := keyCount(p)
	ind := pad[:min(d*4, len(pad))]

	if isLeaf(p) {
		left, _ := readGSPP(leftGSPP(p), g)
		right, _ := readGSPP(rightGSPP(p), g)

		fmt.Fprintf(w, "%vleaf %#x gen %d  keys %d  siblings %#x <- -> %#x\n", ind, id, nodeGen(p), n, left.id, right.id)

		for i := 0; i < n; i++ {
			k, v, err := t.node.entryAt(p, i, t.l.NewKey(), t.l.NewValue())
			if err != nil {
				return err
			}

			fmt.Fprintf(w, "%v    %-40.40v -> %.40v\n", ind, k, v)
		}

		return nil
	}

	fmt.Fprintf(w, "%vnode %#x gen %d  keys %d\n", ind, id, nodeGen(p), n)

	for i := 0; i <= n; i++ {
		cid, cgen, _ := t.node.f.childAt(p, i)

		err = t.debugDump(w, d+1, cid, cgen)
		if err != nil {
			return err
		}

		if i == n {
			break
		}

		k, err := t.node.keyAt(p, i, false, t.l.NewKey())
		if err != nil {
			return err
		}

		fmt.Fprintf(w, "%v  %-40.40v\n", ind, k)
	}

	return nil
}
