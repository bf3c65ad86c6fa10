package gbptree

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemBack(t *testing.T) {
	b := NewMemBack(0)

	assert.Equal(t, int64(0), b.Size())

	err := b.Truncate(0x200)
	require.NoError(t, err)

	_, err = b.WriteAt([]byte("PAGE2 content"), 0x100)
	assert.NoError(t, err)

	_, err = b.WriteAt([]byte("PAGE1 content"), 0)
	assert.NoError(t, err)

	assert.NoError(t, b.Sync())

	p := make([]byte, 13)
	_, err = b.ReadAt(p, 0x100)
	assert.NoError(t, err)
	assert.Equal(t, []byte("PAGE2 content"), p)

	err = b.Truncate(0x100)
	require.NoError(t, err)

	_, err = b.ReadAt(p, 0)
	assert.NoError(t, err)
	assert.Equal(t, []byte("PAGE1 content"), p)

	_, err = b.ReadAt(p, 0x100)
	assert.Error(t, err)

	err = b.Truncate(0x200)
	require.NoError(t, err)

	_, err = b.ReadAt(p, 0x100)
	assert.NoError(t, err)
	assert.Equal(t, make([]byte, 13), p, "grown space must be zeroed")
}

func TestMemBackSnapshot(t *testing.T) {
	b := NewMemBack(0x100)

	_, err := b.WriteAt([]byte("before"), 0)
	require.NoError(t, err)

	s := b.Snapshot()

	_, err = b.WriteAt([]byte("after_"), 0)
	require.NoError(t, err)

	p := make([]byte, 6)
	_, err = s.ReadAt(p, 0)
	require.NoError(t, err)

	assert.Equal(t, []byte("before"), p)
}

func TestFileBack(t *testing.T) {
	b, err := OpenFileBack(t.TempDir()+"/file_back", os.O_CREATE|os.O_RDWR)
	require.NoError(t, err)

	defer func() {
		assert.NoError(t, b.Close())
	}()

	assert.Equal(t, int64(0), b.Size())

	require.NoError(t, b.Truncate(0x400))
	assert.Equal(t, int64(0x400), b.Size())

	_, err = b.WriteAt([]byte("header"), 0x100)
	require.NoError(t, err)
	require.NoError(t, b.Sync())

	p := make([]byte, 6)
	_, err = b.ReadAt(p, 0x100)
	require.NoError(t, err)
	assert.Equal(t, []byte("header"), p)
}

func TestFileBackReadOnly(t *testing.T) {
	name := t.TempDir() + "/file_back"

	b, err := OpenFileBack(name, os.O_CREATE|os.O_RDWR)
	require.NoError(t, err)

	require.NoError(t, b.Truncate(0x200))
	require.NoError(t, b.Close())

	b, err = OpenFileBack(name, os.O_RDONLY)
	require.NoError(t, err)

	defer func() {
		assert.NoError(t, b.Close())
	}()

	assert.Equal(t, int64(0x200), b.Size())

	_, err = b.WriteAt([]byte("header"), 0)
	assert.Error(t, err)
}
