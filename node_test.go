package gbptree

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFixedNode(t testing.TB, page int64) *treeNode[int64, int64] {
	t.Helper()

	f, err := newFixedFormat(page, 8, 8)
	require.NoError(t, err)

	return newTreeNode[int64, int64](f, Int64Layout{}, nil, &Config{SplitRatio: 0.5})
}

func newTestDynamicNode(t testing.TB, page int64) (*treeNode[[]byte, []byte], *FreeList) {
	t.Helper()

	pf, fl := newTestFreeList(t, page, nil)

	f, err := newDynamicFormat(page, 0, 0)
	require.NoError(t, err)

	n := newTreeNode[[]byte, []byte](f, BytesLayout{}, &offloadStore{pf: pf, ids: fl}, &Config{SplitRatio: 0.5})

	return n, fl
}

func nodeInsert[K, V any](t testing.TB, n *treeNode[K, V], p []byte, k K, v V, g Generation) {
	t.Helper()

	pos, found, _, err := n.search(p, k, true, n.l.NewKey())
	require.NoError(t, err)
	require.False(t, found)

	raw, err := n.encodeLeaf(nil, k, v, g)
	require.NoError(t, err)

	cnt := keyCount(p)
	require.NotEqual(t, overflowYes, n.f.overflow(p, cnt, true, len(raw)))

	n.f.insertAt(p, raw, pos, cnt)
}

func nodeKeys[K, V any](t testing.TB, n *treeNode[K, V], p []byte) (r []K) {
	t.Helper()

	for i := 0; i < keyCount(p); i++ {
		k, err := n.keyAt(p, i, isLeaf(p), n.l.NewKey())
		require.NoError(t, err)

		r = append(r, k)
	}

	return r
}

func TestFixedNodeLeaf(t *testing.T) {
	n := newTestFixedNode(t, 0x100)
	g := Pack(1, 2)

	max := n.f.maxKeyCount(true)
	require.Equal(t, 10, max)

	p := make([]byte, 0x100)
	n.f.init(p, true, 2)

	for _, k := range []int64{50, 10, 90, 30, 70, 20, 80, 40, 60, 100} {
		nodeInsert(t, n, p, k, -k, g)
	}

	assert.Equal(t, []int64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}, nodeKeys(t, n, p))
	assert.Equal(t, overflowYes, n.f.overflow(p, keyCount(p), true, 16))
	assert.True(t, n.f.check(p, keyCount(p), true))

	pos, found, _, err := n.search(p, 40, true, 0)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 3, pos)

	k, v, err := n.entryAt(p, pos, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(40), k)
	assert.Equal(t, int64(-40), v)

	pos, found, _, err = n.search(p, 45, true, 0)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 4, pos)

	pos, _, _, err = n.search(p, 1000, true, 0)
	require.NoError(t, err)
	assert.Equal(t, 10, pos)

	// split with insert
	raw, err := n.encodeLeaf(nil, 45, -45, g)
	require.NoError(t, err)

	right := make([]byte, 0x100)
	n.f.init(right, true, 2)

	n.splitLeaf(p, right, 4, raw, 0.5)

	lk, rk := nodeKeys(t, n, p), nodeKeys(t, n, right)
	assert.Equal(t, []int64{10, 20, 30, 40, 45, 50, 60, 70, 80, 90, 100}, append(lk, rk...))
	assert.NotEmpty(t, lk)
	assert.NotEmpty(t, rk)
	assert.InDelta(t, len(lk), len(rk), 1)

	assert.False(t, n.underflow(p))

	for keyCount(right) > 3 {
		n.f.removeAt(right, 0, keyCount(right))
	}

	assert.True(t, n.underflow(right))
	assert.True(t, n.canMerge(p, right))

	n.merge(p, right)
	assert.Equal(t, []int64{10, 20, 30, 40, 45, 80, 90, 100}, nodeKeys(t, n, p))
}

func TestFixedNodeInternal(t *testing.T) {
	n := newTestFixedNode(t, 0x100)

	max := n.f.maxKeyCount(false)
	require.Equal(t, 7, max)

	p := make([]byte, 0x100)
	n.f.init(p, false, 2)
	n.f.setChildAt(p, 0, 100, 2)

	for i := 0; i < max; i++ {
		k := int64(i+1) * 10
		n.f.insertKeyAndRightChildAt(p, Int64Layout{}.AppendKey(nil, k), 101+int64(i), 2, i, i)
	}

	// key 25 goes to the child right of 20
	pos, _, err := n.childPos(p, 25, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, pos)

	// equal key goes right
	pos, _, err = n.childPos(p, 20, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, pos)

	pos, _, err = n.childPos(p, 5, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, pos)

	right := make([]byte, 0x100)
	n.f.init(right, false, 2)

	mid, err := n.splitInternal(p, right, 7, Int64Layout{}.AppendKey(nil, 80), 200, 2, 0.5)
	require.NoError(t, err)

	midKey := Int64Layout{}.ReadKey(mid, 0)

	lk, rk := nodeKeys(t, n, p), nodeKeys(t, n, right)
	all := append(append(lk, midKey), rk...)

	assert.Equal(t, []int64{10, 20, 30, 40, 50, 60, 70, 80}, all)

	lc, err := n.children(p)
	require.NoError(t, err)

	rc, err := n.children(right)
	require.NoError(t, err)

	assert.Len(t, lc, len(lk)+1)
	assert.Len(t, rc, len(rk)+1)

	ids := []int64{}
	for _, c := range append(lc, rc...) {
		ids = append(ids, c.id)
	}

	assert.Equal(t, []int64{100, 101, 102, 103, 104, 105, 106, 107, 200}, ids)

	n.f.removeKeyAndLeftChildAt(right, 0, keyCount(right))

	rc2, err := n.children(right)
	require.NoError(t, err)
	assert.Equal(t, rc[1].id, rc2[0].id)
}

func TestFixedNodeSplitBrokenChild(t *testing.T) {
	n := newTestFixedNode(t, 0x100)

	p := make([]byte, 0x100)
	n.f.init(p, false, 2)
	n.f.setChildAt(p, 0, 100, 2)

	for i := 0; i < n.f.maxKeyCount(false); i++ {
		n.f.insertKeyAndRightChildAt(p, Int64Layout{}.AppendKey(nil, int64(i+1)*10), 101+int64(i), 2, i, i)
	}

	n.f.setChildAt(p, 3, NilPage, 0)

	before := append([]byte{}, p...)

	right := make([]byte, 0x100)
	n.f.init(right, false, 2)

	_, err := n.splitInternal(p, right, 7, Int64Layout{}.AppendKey(nil, 80), 200, 2, 0.5)
	assert.ErrorIs(t, err, ErrTreeInconsistency)
	assert.Equal(t, before, p, "node must stay untouched")
}

func TestDynamicNodeLeaf(t *testing.T) {
	n, _ := newTestDynamicNode(t, 0x200)
	g := Pack(1, 2)

	p := make([]byte, 0x200)
	n.f.init(p, true, 2)

	for i := 0; i < 10; i++ {
		k := []byte(fmt.Sprintf("key_%03d", i*10))
		nodeInsert(t, n, p, k, []byte(fmt.Sprintf("value_%d", i)), g)
	}

	assert.True(t, n.f.check(p, keyCount(p), true))

	pos, found, _, err := n.search(p, []byte("key_050"), true, nil)
	require.NoError(t, err)
	require.True(t, found)

	k, v, err := n.entryAt(p, pos, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("key_050"), k)
	assert.Equal(t, []byte("value_5"), v)

	avail := n.f.availableSpace(p, keyCount(p), true)

	n.f.removeAt(p, pos, keyCount(p))

	assert.Greater(t, n.f.(*dynamicFormat).dead(p), 0)
	assert.Greater(t, n.f.availableSpace(p, keyCount(p), true), avail)
	assert.True(t, n.f.check(p, keyCount(p), true))

	raw, err := n.encodeLeaf(nil, []byte("key_060"), []byte("much longer value than before"), g)
	require.NoError(t, err)

	pos, found, _, err = n.search(p, []byte("key_060"), true, nil)
	require.NoError(t, err)
	require.True(t, found)

	ok := n.f.replaceAt(p, raw, pos, keyCount(p), true)
	require.True(t, ok)

	n.f.defragment(p, keyCount(p), true)
	assert.Equal(t, 0, n.f.(*dynamicFormat).dead(p))
	assert.True(t, n.f.check(p, keyCount(p), true))

	_, v, err = n.entryAt(p, pos, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("much longer value than before"), v)

	var exp [][]byte
	for i := 0; i < 10; i++ {
		if i != 5 {
			exp = append(exp, []byte(fmt.Sprintf("key_%03d", i*10)))
		}
	}

	assert.Equal(t, exp, nodeKeys(t, n, p))

	// broken blob offset must be detected
	n.f.(*dynamicFormat).setBlobOff(p, 0, true, 0x10)
	assert.False(t, n.f.check(p, keyCount(p), true))
}

func TestDynamicNodeOffload(t *testing.T) {
	n, fl := newTestDynamicNode(t, 0x200)
	g := Pack(1, 2)

	big := make([]byte, 3*0x200)
	for i := range big {
		big[i] = byte(i)
	}

	raw, err := n.encodeLeaf(nil, []byte("key"), big, g)
	require.NoError(t, err)
	require.Equal(t, rawOffloadSize, len(raw))

	id := n.offloadID(raw)
	require.NotEqual(t, int64(NilPage), id)

	k, v, err := n.split(raw, true, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte("key"), k)
	assert.Equal(t, big, v)

	// referencing node older than the record
	_, _, err = n.split(raw, true, 1)
	assert.ErrorIs(t, err, ErrTreeInconsistency)

	last := fl.LastID()

	require.NoError(t, n.freeRaw(raw, g))

	free := 0
	require.NoError(t, fl.visit(func(_ int64, list bool) {
		if !list {
			free++
		}
	}))

	assert.Equal(t, 4, free)
	assert.Equal(t, last, fl.LastID())

	small, err := n.encodeLeaf(nil, []byte("key"), []byte("value"), g)
	require.NoError(t, err)
	assert.Equal(t, int64(NilPage), n.offloadID(small))
	assert.NoError(t, n.freeRaw(small, g))
}

func TestDynamicNodeSplitPoint(t *testing.T) {
	n, _ := newTestDynamicNode(t, 0x200)
	g := Pack(1, 2)

	p := make([]byte, 0x200)
	n.f.init(p, true, 2)

	var raw []byte
	var i int

	for i = 0; ; i++ {
		var err error

		raw, err = n.encodeLeaf(nil, []byte(fmt.Sprintf("k%04d", i)), make([]byte, 20), g)
		require.NoError(t, err)

		if n.f.overflow(p, keyCount(p), true, len(raw)) == overflowYes {
			break
		}

		n.f.insertAt(p, raw, i, i)
	}

	right := make([]byte, 0x200)
	n.f.init(right, true, 2)

	n.splitLeaf(p, right, i, raw, 0.5)

	assert.Equal(t, i+1, keyCount(p)+keyCount(right))
	assert.InDelta(t, keyCount(p), keyCount(right), 1)

	n.rebalance(p, right)
	assert.InDelta(t, keyCount(p), keyCount(right), 1)
}
