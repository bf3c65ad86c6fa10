package gbptree

import (
	"encoding/binary"

	"tlog.app/go/errors"
)

/*
	Dynamic size format

	leaf:     offsets [n]uint16, ..., heap
	internal: child0 slot, [n]{offset uint16, child slot}, ..., heap

	heap grows from the end of the page to the start
	heap entry: len uint16, raw [len]byte

	Removed entries leave dead space in the heap until the node is defragmented.
*/

type (
	dynamicFormat struct {
		page int
	}
)

const (
	dynLeafSlot     = 2
	dynInternalSlot = 2 + slotSize
	dynBlobHeader   = 2
)

var _ nodeFormat = &dynamicFormat{}

func newDynamicFormat(page int64, ks, vs int) (nodeFormat, error) {
	if page > 0x8000 {
		return nil, errors.New("page %#x is too big for dynamic format", page)
	}

	return &dynamicFormat{page: int(page)}, nil
}

func (f *dynamicFormat) id() byte { return FormatDynamic }

func (f *dynamicFormat) init(p []byte, leaf bool, gen int64) {
	initNode(p, leaf, FormatDynamic, gen)
	f.setHeap(p, f.page)
}

func (f *dynamicFormat) reset(p []byte, leaf bool) {
	setKeyCount(p, 0)
	f.setHeap(p, f.page)
	f.setDead(p, 0)

	for i := nodeHeaderSize; i < len(p); i++ {
		p[i] = 0
	}
}

func (f *dynamicFormat) heap(p []byte) int {
	h := int(binary.BigEndian.Uint16(p[nodeOffHeap:]))
	if h == 0 {
		return f.page
	}

	return h
}

func (f *dynamicFormat) setHeap(p []byte, h int) {
	binary.BigEndian.PutUint16(p[nodeOffHeap:], uint16(h))
}

func (f *dynamicFormat) dead(p []byte) int {
	return int(binary.BigEndian.Uint16(p[nodeOffDead:]))
}

func (f *dynamicFormat) setDead(p []byte, d int) {
	binary.BigEndian.PutUint16(p[nodeOffDead:], uint16(d))
}

func (f *dynamicFormat) slotOff(pos int, leaf bool) int {
	if leaf {
		return nodeHeaderSize + pos*dynLeafSlot
	}

	return nodeHeaderSize + slotSize + pos*dynInternalSlot
}

func (f *dynamicFormat) slotSize(leaf bool) int {
	if leaf {
		return dynLeafSlot
	}

	return dynInternalSlot
}

func (f *dynamicFormat) blobOff(p []byte, pos int, leaf bool) int {
	return int(binary.BigEndian.Uint16(p[f.slotOff(pos, leaf):]))
}

func (f *dynamicFormat) setBlobOff(p []byte, pos int, leaf bool, off int) {
	binary.BigEndian.PutUint16(p[f.slotOff(pos, leaf):], uint16(off))
}

func (f *dynamicFormat) blob(p []byte, off int) []byte {
	l := int(binary.BigEndian.Uint16(p[off:]))
	return p[off : off+dynBlobHeader+l]
}

func (f *dynamicFormat) keyBytes(p []byte, pos int, leaf bool) []byte {
	off := f.blobOff(p, pos, leaf)
	return f.blob(p, off)[dynBlobHeader:]
}

func (f *dynamicFormat) rawAt(p []byte, pos int, leaf bool, buf []byte) []byte {
	return append(buf, f.keyBytes(p, pos, leaf)...)
}

func (f *dynamicFormat) childOff(pos int) int {
	if pos == 0 {
		return nodeHeaderSize
	}

	return f.slotOff(pos-1, false) + 2
}

func (f *dynamicFormat) childAt(p []byte, pos int) (id, gen int64, ok bool) {
	return readChild(p[f.childOff(pos):])
}

func (f *dynamicFormat) setChildAt(p []byte, pos int, id, gen int64) {
	writeSlot(p[f.childOff(pos):], id, gen)
}

// addBlob writes raw into the heap. Caller checks there is enough contiguous space.
func (f *dynamicFormat) addBlob(p []byte, raw []byte) int {
	h := f.heap(p) - dynBlobHeader - len(raw)

	binary.BigEndian.PutUint16(p[h:], uint16(len(raw)))
	copy(p[h+dynBlobHeader:], raw)

	f.setHeap(p, h)

	return h
}

func (f *dynamicFormat) killBlob(p []byte, off int) {
	l := int(binary.BigEndian.Uint16(p[off:]))
	f.setDead(p, f.dead(p)+dynBlobHeader+l)
}

func (f *dynamicFormat) insertSlot(p []byte, pos, n int, leaf bool) {
	ss := f.slotSize(leaf)
	st := f.slotOff(pos, leaf)
	end := f.slotOff(n, leaf)

	copy(p[st+ss:end+ss], p[st:end])
}

func (f *dynamicFormat) removeSlot(p []byte, pos, n int, leaf bool) {
	ss := f.slotSize(leaf)
	st := f.slotOff(pos, leaf)
	end := f.slotOff(n, leaf)

	copy(p[st:], p[st+ss:end])
	zero(p[end-ss : end])
}

func (f *dynamicFormat) ensureContiguous(p []byte, n int, leaf bool, need int) {
	if f.heap(p)-f.slotOff(n, leaf) >= need {
		return
	}

	f.defragment(p, n, leaf)
}

func (f *dynamicFormat) insertAt(p []byte, raw []byte, pos, n int) {
	f.ensureContiguous(p, n, true, dynLeafSlot+dynBlobHeader+len(raw))

	off := f.addBlob(p, raw)

	f.insertSlot(p, pos, n, true)
	f.setBlobOff(p, pos, true, off)

	setKeyCount(p, n+1)
}

func (f *dynamicFormat) insertKeyAndRightChildAt(p []byte, raw []byte, child, gen int64, pos, n int) {
	f.ensureContiguous(p, n, false, dynInternalSlot+dynBlobHeader+len(raw))

	off := f.addBlob(p, raw)

	f.insertSlot(p, pos, n, false)
	f.setBlobOff(p, pos, false, off)
	writeSlot(p[f.slotOff(pos, false)+2:], child, gen)

	setKeyCount(p, n+1)
}

func (f *dynamicFormat) removeAt(p []byte, pos, n int) {
	f.killBlob(p, f.blobOff(p, pos, true))
	f.removeSlot(p, pos, n, true)

	setKeyCount(p, n-1)
}

func (f *dynamicFormat) removeKeyAndRightChildAt(p []byte, pos, n int) {
	f.killBlob(p, f.blobOff(p, pos, false))
	f.removeSlot(p, pos, n, false)

	setKeyCount(p, n-1)
}

func (f *dynamicFormat) removeKeyAndLeftChildAt(p []byte, pos, n int) {
	f.killBlob(p, f.blobOff(p, pos, false))

	// move right child of the key into the left child place
	id, gen, _ := f.childAt(p, pos+1)
	f.setChildAt(p, pos, id, gen)

	f.removeSlot(p, pos, n, false)

	setKeyCount(p, n-1)
}

func (f *dynamicFormat) replaceAt(p []byte, raw []byte, pos, n int, leaf bool) bool {
	off := f.blobOff(p, pos, leaf)
	old := f.blob(p, off)

	if f.availableSpace(p, n, leaf)+len(old) < dynBlobHeader+len(raw) {
		return false
	}

	f.killBlob(p, off)
	f.setBlobOff(p, pos, leaf, 0)

	f.ensureContiguous(p, n, leaf, dynBlobHeader+len(raw))

	off = f.addBlob(p, raw)
	f.setBlobOff(p, pos, leaf, off)

	return true
}

func (f *dynamicFormat) overflow(p []byte, n int, leaf bool, rawLen int) overflow {
	need := f.slotSize(leaf) + dynBlobHeader + rawLen

	if f.heap(p)-f.slotOff(n, leaf) >= need {
		return overflowNo
	}

	if f.availableSpace(p, n, leaf) >= need {
		return overflowNoNeedDefrag
	}

	return overflowYes
}

func (f *dynamicFormat) availableSpace(p []byte, n int, leaf bool) int {
	return f.heap(p) - f.slotOff(n, leaf) + f.dead(p)
}

func (f *dynamicFormat) totalSpace(leaf bool) int {
	return f.page - f.slotOff(0, leaf)
}

func (f *dynamicFormat) entryOverhead(leaf bool) int {
	return f.slotSize(leaf) + dynBlobHeader
}

// defragment compacts the heap. Slots with zero offset have no blob.
func (f *dynamicFormat) defragment(p []byte, n int, leaf bool) {
	if f.dead(p) == 0 {
		return
	}

	blobs := make([][]byte, n)
	for i := 0; i < n; i++ {
		off := f.blobOff(p, i, leaf)
		if off == 0 {
			continue
		}

		blobs[i] = append([]byte{}, f.blob(p, off)[dynBlobHeader:]...)
	}

	zero(p[f.slotOff(n, leaf):])
	f.setHeap(p, f.page)
	f.setDead(p, 0)

	for i, b := range blobs {
		if b == nil {
			continue
		}

		f.setBlobOff(p, i, leaf, f.addBlob(p, b))
	}
}

func (f *dynamicFormat) maxKeyCount(leaf bool) int {
	return f.totalSpace(leaf) / (f.slotSize(leaf) + dynBlobHeader + 1)
}

func (f *dynamicFormat) check(p []byte, n int, leaf bool) bool {
	if n < 0 || n > f.maxKeyCount(leaf) {
		return false
	}

	end := f.slotOff(n, leaf)
	h := f.heap(p)

	if h < end || h > f.page || f.dead(p) > f.page-h {
		return false
	}

	for i := 0; i < n; i++ {
		off := f.blobOff(p, i, leaf)
		if off < h || off+dynBlobHeader > f.page {
			return false
		}

		l := int(binary.BigEndian.Uint16(p[off:]))
		if off+dynBlobHeader+l > f.page {
			return false
		}
	}

	return true
}
