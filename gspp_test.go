package gbptree

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGSPPEmpty(t *testing.T) {
	p := make([]byte, gsppSize)

	r, ok := readGSPP(p, Pack(1, 2))
	assert.True(t, ok)
	assert.Equal(t, int64(NilPage), r.id)
}

func TestGSPPGenerations(t *testing.T) {
	p := make([]byte, gsppSize)

	writeGSPP(p, Pack(1, 2), 10)

	r, ok := readGSPP(p, Pack(1, 2))
	assert.True(t, ok)
	assert.Equal(t, gsppRead{id: 10, gen: 2}, r)

	// checkpoint, 2 is stable now
	g := Pack(2, 3)

	writeGSPP(p, g, 20)
	writeGSPP(p, g, 30) // same generation overwrites the same slot

	r, ok = readGSPP(p, g)
	assert.True(t, ok)
	assert.Equal(t, gsppRead{id: 30, gen: 3}, r)

	assert.Equal(t, int64(10), readSlot(p).id, "stable slot must stay")

	// crash in 3
	g = Pack(2, 4)

	r, ok = readGSPP(p, g)
	assert.True(t, ok)
	assert.Equal(t, gsppRead{id: 10, gen: 2}, r)

	assert.Equal(t, 1, countCrashedGSPP(p, g))
	assert.Equal(t, 1, cleanCrashedGSPP(p, g))
	assert.Equal(t, 0, countCrashedGSPP(p, g))

	r, ok = readGSPP(p, g)
	assert.True(t, ok)
	assert.Equal(t, gsppRead{id: 10, gen: 2}, r)

	writeGSPP(p, g, 40)

	r, ok = readGSPP(p, g)
	assert.True(t, ok)
	assert.Equal(t, gsppRead{id: 40, gen: 4}, r)
}

func TestGSPPNil(t *testing.T) {
	p := make([]byte, gsppSize)

	writeGSPP(p, Pack(1, 2), 10)
	writeGSPP(p, Pack(2, 3), NilPage)

	r, ok := readGSPP(p, Pack(2, 3))
	assert.True(t, ok)
	assert.Equal(t, int64(NilPage), r.id)

	r, ok = readGSPP(p, Pack(2, 4))
	assert.True(t, ok)
	assert.Equal(t, int64(10), r.id, "nil of crashed generation is ignored")
}

func TestGSPPBroken(t *testing.T) {
	p := make([]byte, gsppSize)

	writeGSPP(p, Pack(1, 2), 10)
	writeGSPP(p, Pack(2, 3), 20)

	p[5] ^= 0xff

	r, ok := readGSPP(p, Pack(2, 3))
	assert.True(t, ok)
	assert.Equal(t, int64(20), r.id)

	p[slotSize+5] ^= 0xff

	_, ok = readGSPP(p, Pack(2, 3))
	assert.False(t, ok)

	assert.Equal(t, 2, cleanCrashedGSPP(p, Pack(2, 3)), "broken slots are zeroed")

	r, ok = readGSPP(p, Pack(2, 3))
	assert.True(t, ok)
	assert.Equal(t, int64(NilPage), r.id)
}

func TestChildSlot(t *testing.T) {
	p := make([]byte, slotSize)

	_, _, ok := readChild(p)
	assert.False(t, ok)

	writeSlot(p, 0x123456789a, 7)

	id, gen, ok := readChild(p)
	assert.True(t, ok)
	assert.Equal(t, int64(0x123456789a), id)
	assert.Equal(t, int64(7), gen)

	assert.Panics(t, func() { writeSlot(p, maxPointer+1, 1) })
}
