package gbptree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testState(seq int64) treeState {
	return treeState{
		Seq:      seq,
		Page:     0x200,
		Format:   FormatDynamic,
		Clean:    seq%2 == 0,
		Stable:   seq + 1,
		Unstable: seq + 2,
		Root:     0x10 + seq,
		RootGen:  seq + 1,
		Layout:   BytesLayout{}.Identifier(),
		Major:    1,
		Minor:    2,
		Free: FreelistState{
			LastID:    0x100,
			ReadPage:  2,
			ReadPos:   3,
			WritePage: 0x20,
			WritePos:  4,
		},
	}
}

func TestStateEncode(t *testing.T) {
	p := make([]byte, 0x200)

	st := testState(5)
	st.encode(p)

	assert.Equal(t, "gbptree001  200\n", string(p[:0x10]))

	got, err := decodeState(p)
	require.NoError(t, err)
	assert.Equal(t, st, got)

	p[stateOffRoot+7] ^= 1

	_, err = decodeState(p)
	assert.ErrorIs(t, err, ErrPageChecksum)

	_, err = decodeState(make([]byte, 0x200))
	assert.Error(t, err)
}

func TestStateReadNewest(t *testing.T) {
	b := NewMemBack(0)
	pf := NewPagedFile(b, 0x200)

	for seq := int64(0); seq < 5; seq++ {
		st := testState(seq)
		require.NoError(t, writeState(pf, &st))
	}

	// page size is taken from the header
	st, slot, err := readState(b, DefaultPageSize)
	require.NoError(t, err)
	assert.Equal(t, int64(4), st.Seq)
	assert.Equal(t, int64(0), slot)

	// torn write of the newest state
	_, err = b.WriteAt([]byte("garbage"), 0x20)
	require.NoError(t, err)

	st, slot, err = readState(b, 0x200)
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.Seq)
	assert.Equal(t, int64(1), slot)

	_, err = b.WriteAt([]byte("garbage"), 0x220)
	require.NoError(t, err)

	_, _, err = readState(b, 0x200)
	assert.ErrorIs(t, err, ErrNoValidState)
}
