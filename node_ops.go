package gbptree

import (
	"encoding/binary"

	"tlog.app/go/errors"
)

/*
	Raw entry encoding

	fixed format
	leaf:     key [ks]byte, value [vs]byte
	internal: key [ks]byte

	dynamic format
	leaf:     flags byte (0), klen uint16, key, value
	internal: flags byte (0), key
	any:      flags byte (1), offload id uint64

	offload record: klen uint32, key, value
*/

const (
	rawInline  = 0
	rawOffload = 1

	rawOffloadSize = 1 + 8
)

type (
	// treeNode interprets raw entries of a node format with a Layout.
	treeNode[K, V any] struct {
		f   nodeFormat
		l   Layout[K, V]
		off *offloadStore // nil for fixed format

		fixed bool
		ks    int // fixed key size

		maxInline int

		ratio       float64
		appendSplit bool
	}
)

func newTreeNode[K, V any](f nodeFormat, l Layout[K, V], off *offloadStore, c *Config) *treeNode[K, V] {
	n := &treeNode[K, V]{
		f:           f,
		l:           l,
		fixed:       f.id() == FormatFixed,
		ratio:       c.SplitRatio,
		appendSplit: c.AppendOptimizedSplit,
	}

	if n.fixed {
		n.ks = l.KeySize(l.NewKey())
	} else {
		n.off = off
		n.maxInline = f.totalSpace(false)/4 - dynInternalSlot - dynBlobHeader
	}

	return n
}

func (n *treeNode[K, V]) encodeLeaf(buf []byte, k K, v V, g Generation) ([]byte, error) {
	if n.fixed {
		buf = n.l.AppendKey(buf, k)
		buf = n.l.AppendValue(buf, v)

		return buf, nil
	}

	kl := n.l.KeySize(k)

	if 3+kl+n.l.ValueSize(v) <= n.maxInline {
		buf = append(buf, rawInline)
		buf = binary.BigEndian.AppendUint16(buf, uint16(kl))
		buf = n.l.AppendKey(buf, k)
		buf = n.l.AppendValue(buf, v)

		return buf, nil
	}

	rec := binary.BigEndian.AppendUint32(nil, uint32(kl))
	rec = n.l.AppendKey(rec, k)
	rec = n.l.AppendValue(rec, v)

	return n.offloadRaw(buf, rec, g)
}

func (n *treeNode[K, V]) encodeKey(buf []byte, k K, g Generation) ([]byte, error) {
	if n.fixed {
		return n.l.AppendKey(buf, k), nil
	}

	kl := n.l.KeySize(k)

	if 1+kl <= n.maxInline {
		buf = append(buf, rawInline)
		buf = n.l.AppendKey(buf, k)

		return buf, nil
	}

	rec := binary.BigEndian.AppendUint32(nil, uint32(kl))
	rec = n.l.AppendKey(rec, k)

	return n.offloadRaw(buf, rec, g)
}

func (n *treeNode[K, V]) offloadRaw(buf, rec []byte, g Generation) ([]byte, error) {
	id, err := n.off.write(rec, g)
	if err != nil {
		return nil, errors.Wrap(err, "offload")
	}

	buf = append(buf, rawOffload)
	buf = binary.BigEndian.AppendUint64(buf, uint64(id))

	return buf, nil
}

// split returns key and value bytes of the raw entry.
func (n *treeNode[K, V]) split(raw []byte, leaf bool, nodeGen int64) (key, val []byte, err error) {
	if n.fixed {
		return raw[:n.ks], raw[n.ks:], nil
	}

	if len(raw) == 0 {
		return nil, nil, inconsistency("decode", NilPage, nodeGen, "empty raw entry")
	}

	switch raw[0] {
	case rawInline:
		if !leaf {
			return raw[1:], nil, nil
		}

		if len(raw) < 3 {
			return nil, nil, inconsistency("decode", NilPage, nodeGen, "short raw entry: %d", len(raw))
		}

		kl := int(binary.BigEndian.Uint16(raw[1:]))
		if 3+kl > len(raw) {
			return nil, nil, inconsistency("decode", NilPage, nodeGen, "bad key length: %d of %d", kl, len(raw))
		}

		return raw[3 : 3+kl], raw[3+kl:], nil
	case rawOffload:
		if len(raw) != rawOffloadSize {
			return nil, nil, inconsistency("decode", NilPage, nodeGen, "bad offload entry length: %d", len(raw))
		}

		id := int64(binary.BigEndian.Uint64(raw[1:]))

		rec, err := n.off.read(id, nodeGen)
		if err != nil {
			return nil, nil, err
		}

		if len(rec) < 4 {
			return nil, nil, inconsistency("decode", id, nodeGen, "short offload record: %d", len(rec))
		}

		kl := int(binary.BigEndian.Uint32(rec))
		if 4+kl > len(rec) {
			return nil, nil, inconsistency("decode", id, nodeGen, "bad offload key length: %d of %d", kl, len(rec))
		}

		return rec[4 : 4+kl], rec[4+kl:], nil
	default:
		return nil, nil, inconsistency("decode", NilPage, nodeGen, "bad raw entry flags: %x", raw[0])
	}
}

// offloadID returns offload record id referenced by raw entry or NilPage.
func (n *treeNode[K, V]) offloadID(raw []byte) int64 {
	if n.fixed || len(raw) != rawOffloadSize || raw[0] != rawOffload {
		return NilPage
	}

	return int64(binary.BigEndian.Uint64(raw[1:]))
}

// freeRaw releases offload pages owned by raw entry.
func (n *treeNode[K, V]) freeRaw(raw []byte, g Generation) error {
	id := n.offloadID(raw)
	if id == NilPage {
		return nil
	}

	return n.off.free(id, g)
}

func (n *treeNode[K, V]) keyAt(p []byte, pos int, leaf bool, into K) (K, error) {
	var raw []byte
	if n.fixed {
		raw = n.f.keyBytes(p, pos, leaf)
	} else {
		raw = n.f.rawAt(p, pos, leaf, nil)
	}

	kb, _, err := n.split(raw, leaf, nodeGen(p))
	if err != nil {
		return into, err
	}

	return n.l.ReadKey(kb, into), nil
}

func (n *treeNode[K, V]) entryAt(p []byte, pos int, k K, v V) (K, V, error) {
	raw := n.f.rawAt(p, pos, true, nil)

	kb, vb, err := n.split(raw, true, nodeGen(p))
	if err != nil {
		return k, v, err
	}

	return n.l.ReadKey(kb, k), n.l.ReadValue(vb, v), nil
}

// search finds the first position with key >= k.
func (n *treeNode[K, V]) search(p []byte, k K, leaf bool, tmp K) (pos int, found bool, _ K, err error) {
	lo, hi := 0, keyCount(p)

	for lo < hi {
		m := int(uint(lo+hi) >> 1)

		tmp, err = n.keyAt(p, m, leaf, tmp)
		if err != nil {
			return 0, false, tmp, err
		}

		c := n.l.Compare(tmp, k)
		if c == 0 {
			return m, true, tmp, nil
		}

		if c < 0 {
			lo = m + 1
		} else {
			hi = m
		}
	}

	return lo, false, tmp, nil
}

// childPos returns the child position to descend for key k.
func (n *treeNode[K, V]) childPos(p []byte, k K, tmp K) (int, K, error) {
	pos, found, tmp, err := n.search(p, k, false, tmp)
	if found {
		pos++
	}

	return pos, tmp, err
}

// promote converts the first leaf entry of p into an internal key.
func (n *treeNode[K, V]) promote(p []byte, g Generation) ([]byte, error) {
	if n.fixed {
		return append([]byte{}, n.f.keyBytes(p, 0, true)...), nil
	}

	k, err := n.keyAt(p, 0, true, n.l.NewKey())
	if err != nil {
		return nil, err
	}

	return n.encodeKey(nil, k, g)
}

func (n *treeNode[K, V]) raws(p []byte, leaf bool) [][]byte {
	cnt := keyCount(p)
	r := make([][]byte, cnt)

	for i := range r {
		r[i] = n.f.rawAt(p, i, leaf, nil)
	}

	return r
}

func (n *treeNode[K, V]) entrySpace(raw []byte, leaf bool) int {
	if n.fixed {
		if leaf {
			return n.f.totalSpace(true) / n.f.maxKeyCount(true)
		}

		return n.f.totalSpace(false) / n.f.maxKeyCount(false)
	}

	return len(raw) + n.f.entryOverhead(leaf)
}

// fits reports whether entries fit into an empty node.
func (n *treeNode[K, V]) fits(raws [][]byte, leaf bool) bool {
	if n.fixed {
		return len(raws) <= n.f.maxKeyCount(leaf)
	}

	s := 0
	for _, r := range raws {
		s += n.entrySpace(r, leaf)
	}

	// internal nodes also keep the leftmost child slot, it's outside of totalSpace
	return s <= n.f.totalSpace(leaf)
}

// splitPoint returns how many of entries to keep in the left node.
// Both parts are non-empty and fit into a node.
func (n *treeNode[K, V]) splitPoint(raws [][]byte, leaf bool, ratio float64) int {
	total := 0
	for _, r := range raws {
		total += n.entrySpace(r, leaf)
	}

	keep := 0
	acc := 0

	for keep < len(raws) && float64(acc+n.entrySpace(raws[keep], leaf)) <= float64(total)*ratio {
		acc += n.entrySpace(raws[keep], leaf)
		keep++
	}

	if keep < 1 {
		keep = 1
	}

	if keep > len(raws)-1 {
		keep = len(raws) - 1
	}

	for keep > 1 && !n.fits(raws[:keep], leaf) {
		keep--
	}

	for keep < len(raws)-1 && !n.fits(raws[keep:], leaf) {
		keep++
	}

	return keep
}

// fill resets the node and writes entries into it.
func (n *treeNode[K, V]) fill(p []byte, raws [][]byte) {
	n.f.reset(p, true)

	for i, r := range raws {
		n.f.insertAt(p, r, i, i)
	}
}

// splitLeaf distributes entries of full left plus raw inserted at pos
// between left and right. Right must be initialized.
func (n *treeNode[K, V]) splitLeaf(left, right []byte, pos int, raw []byte, ratio float64) {
	raws := n.raws(left, true)

	raws = append(raws, nil)
	copy(raws[pos+1:], raws[pos:])
	raws[pos] = raw

	keep := n.splitPoint(raws, true, ratio)

	n.fill(left, raws[:keep])
	n.fill(right, raws[keep:])
}

type childRef struct {
	id, gen int64
}

func (n *treeNode[K, V]) children(p []byte) (r []childRef, err error) {
	cnt := keyCount(p)
	r = make([]childRef, cnt+1)

	for i := range r {
		var ok bool

		r[i].id, r[i].gen, ok = n.f.childAt(p, i)
		if !ok {
			return nil, inconsistency("split", NilPage, nodeGen(p), "broken child pointer at %d", i)
		}
	}

	return r, nil
}

func (n *treeNode[K, V]) fillInternal(p []byte, keys [][]byte, ch []childRef) {
	n.f.reset(p, false)
	n.f.setChildAt(p, 0, ch[0].id, ch[0].gen)

	for i, k := range keys {
		n.f.insertKeyAndRightChildAt(p, k, ch[i+1].id, ch[i+1].gen, i, i)
	}
}

// splitInternal inserts key with right child at pos into full left and
// distributes entries between left and right. The middle key is returned
// to be inserted into the parent.
func (n *treeNode[K, V]) splitInternal(left, right []byte, pos int, raw []byte, child, gen int64, ratio float64) ([]byte, error) {
	keys := n.raws(left, false)

	ch, err := n.children(left)
	if err != nil {
		return nil, err
	}

	keys = append(keys, nil)
	copy(keys[pos+1:], keys[pos:])
	keys[pos] = raw

	ch = append(ch, childRef{})
	copy(ch[pos+2:], ch[pos+1:])
	ch[pos+1] = childRef{id: child, gen: gen}

	m := n.splitPoint(keys, false, ratio)
	if m == len(keys)-1 && m > 1 {
		m--
	}

	n.fillInternal(left, keys[:m], ch[:m+1])
	n.fillInternal(right, keys[m+1:], ch[m+1:])

	return keys[m], nil
}

// underflow reports whether a leaf is less than half full.
func (n *treeNode[K, V]) underflow(p []byte) bool {
	cnt := keyCount(p)

	if n.fixed {
		return cnt < (n.f.maxKeyCount(true)+1)/2
	}

	return usedSpace(n.f, p, cnt, true) < n.f.totalSpace(true)/2
}

// canMerge reports whether entries of both leaves fit into one.
func (n *treeNode[K, V]) canMerge(left, right []byte) bool {
	return n.fits(append(n.raws(left, true), n.raws(right, true)...), true)
}

// merge moves all the right entries to the end of left.
func (n *treeNode[K, V]) merge(left, right []byte) {
	n.fill(left, append(n.raws(left, true), n.raws(right, true)...))
}

// rebalance evens out entries between two leaves.
func (n *treeNode[K, V]) rebalance(left, right []byte) {
	raws := append(n.raws(left, true), n.raws(right, true)...)

	keep := n.splitPoint(raws, true, 0.5)

	n.fill(left, raws[:keep])
	n.fill(right, raws[keep:])
}

// rawFits reports whether raw can be inserted or, with old != nil, replace old.
func (n *treeNode[K, V]) rawFits(p []byte, leaf bool, raw, old []byte) bool {
	cnt := keyCount(p)

	if old == nil {
		return n.f.overflow(p, cnt, leaf, len(raw)) != overflowYes
	}

	if n.fixed {
		return true
	}

	return n.f.availableSpace(p, cnt, leaf)+len(old) >= len(raw)+dynBlobHeader
}
