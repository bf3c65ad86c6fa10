package gbptree

import (
	"bytes"
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBytesTree(t testing.TB, c *Config) (*Tree[[]byte, []byte], *MemBack) {
	t.Helper()

	if c == nil {
		c = testConfig(t)
		c.PageSize = 0x400
	}

	b := NewMemBack(0)

	tr, err := Open[[]byte, []byte](b, BytesLayout{MaxKey: 600}, c)
	require.NoError(t, err)

	return tr, b
}

func randBytes(rnd *rand.Rand, n int) []byte {
	p := make([]byte, n)
	rnd.Read(p)

	return p
}

func bytesKey(rnd *rand.Rand, i int) []byte {
	k := fmt.Appendf(nil, "key_%05d_", i)

	// some keys don't fit a node inline
	if i%17 == 0 {
		return append(k, bytes.Repeat([]byte{'x'}, 300)...)
	}

	return append(k, bytes.Repeat([]byte{'k'}, rnd.Intn(40))...)
}

func bytesValue(rnd *rand.Rand) []byte {
	switch rnd.Intn(4) {
	case 0:
		return randBytes(rnd, 200+rnd.Intn(3000))
	default:
		return randBytes(rnd, 1+rnd.Intn(30))
	}
}

func checkBytesModel(t *testing.T, tr *Tree[[]byte, []byte], model map[string][]byte) {
	t.Helper()

	exp := make([]string, 0, len(model))
	for k := range model {
		exp = append(exp, k)
	}

	sort.Strings(exp)

	l := BytesLayout{MaxKey: 600}

	ks, vs := collect(t, tr, l.InitializeAsLowest(nil), l.InitializeAsHighest(nil))
	require.Len(t, ks, len(exp))

	for i, k := range ks {
		if !assert.Equal(t, exp[i], string(k)) {
			return
		}

		assert.Equal(t, model[exp[i]], vs[i], "key %q", k)
	}

	checkTree(t, tr, int64(len(model)))
}

func TestBytesTreeOffload(t *testing.T) {
	rnd := rand.New(rand.NewSource(5))

	tr, b := newTestBytesTree(t, nil)

	model := map[string][]byte{}
	keys := make([][]byte, 400)

	for i := range keys {
		keys[i] = bytesKey(rnd, i)
	}

	for i := 0; i < 3000; i++ {
		k := keys[rnd.Intn(len(keys))]

		w, err := tr.Writer()
		require.NoError(t, err)

		if rnd.Intn(4) == 0 {
			v, ok, err := w.Remove(k)
			require.NoError(t, err)

			old, had := model[string(k)]
			assert.Equal(t, had, ok)

			if had {
				assert.Equal(t, old, v)
			}

			delete(model, string(k))
		} else {
			v := bytesValue(rnd)

			require.NoError(t, w.Put(k, v))
			model[string(k)] = v
		}

		require.NoError(t, w.Close())

		if i%500 == 499 {
			require.NoError(t, tr.Checkpoint())
			checkBytesModel(t, tr, model)
		}
	}

	require.NoError(t, tr.Close())

	c := testConfig(t)
	c.PageSize = 0x400

	tr, err := Open[[]byte, []byte](b, BytesLayout{MaxKey: 600}, c)
	require.NoError(t, err)

	checkBytesModel(t, tr, model)

	for k, v := range model {
		got, ok, err := tr.Get([]byte(k))
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, v, got)
	}
}

func TestBytesTreeOverwriteLarge(t *testing.T) {
	rnd := rand.New(rand.NewSource(6))

	tr, _ := newTestBytesTree(t, nil)

	k := []byte("large")
	large := randBytes(rnd, 5000)

	w, err := tr.Writer()
	require.NoError(t, err)

	require.NoError(t, w.Put(k, large))

	v, ok, err := tr.Get(k)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, large, v)

	require.NoError(t, w.Put(k, []byte("small")))

	v, ok, err = tr.Get(k)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("small"), v)

	err = w.Put(bytes.Repeat([]byte{'a'}, 601), []byte("v"))
	assert.ErrorIs(t, err, ErrKeyTooLarge)

	require.NoError(t, w.Close())

	r := checkTree(t, tr, 1)
	assert.NotZero(t, r.Free, "offload pages are released")
}

func TestBytesTreeCrash(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))

	tr, b := newTestBytesTree(t, nil)

	model := map[string][]byte{}

	w, err := tr.Writer()
	require.NoError(t, err)

	for i := 0; i < 200; i++ {
		k, v := bytesKey(rnd, i), bytesValue(rnd)

		require.NoError(t, w.Put(k, v))
		model[string(k)] = v
	}

	require.NoError(t, w.Close())
	require.NoError(t, tr.Checkpoint())

	w, err = tr.Writer()
	require.NoError(t, err)

	for i := 100; i < 300; i++ {
		require.NoError(t, w.Put(bytesKey(rnd, i), bytesValue(rnd)))
	}

	require.NoError(t, w.Close())

	c := testConfig(t)
	c.PageSize = 0x400

	tr, err = Open[[]byte, []byte](b.Snapshot(), BytesLayout{MaxKey: 600}, c)
	require.NoError(t, err)

	checkBytesModel(t, tr, model)
}
