package gbptree

import "tlog.app/go/errors"

/*
	Fixed size format

	leaf:     keys [max]key, values [max]value
	internal: keys [max]key, children [max+1]slot
*/

type (
	fixedFormat struct {
		page   int
		ks, vs int

		maxLeaf, maxInternal int
	}
)

var _ nodeFormat = &fixedFormat{}

func newFixedFormat(page int64, ks, vs int) (nodeFormat, error) {
	f := &fixedFormat{
		page: int(page),
		ks:   ks,
		vs:   vs,
	}

	if ks <= 0 || vs < 0 {
		return nil, errors.New("fixed format needs positive key size: %d/%d", ks, vs)
	}

	f.maxLeaf = (f.page - nodeHeaderSize) / (ks + vs)
	f.maxInternal = (f.page - nodeHeaderSize - slotSize) / (ks + slotSize)

	if f.maxLeaf < 3 || f.maxInternal < 3 {
		return nil, errors.New("page %#x is too small for key %d value %d", page, ks, vs)
	}

	return f, nil
}

func (f *fixedFormat) id() byte { return FormatFixed }

func (f *fixedFormat) init(p []byte, leaf bool, gen int64) {
	initNode(p, leaf, FormatFixed, gen)
}

func (f *fixedFormat) reset(p []byte, leaf bool) {
	setKeyCount(p, 0)

	for i := nodeHeaderSize; i < len(p); i++ {
		p[i] = 0
	}
}

func (f *fixedFormat) keyOff(pos int) int {
	return nodeHeaderSize + pos*f.ks
}

func (f *fixedFormat) valueOff(pos int) int {
	return nodeHeaderSize + f.maxLeaf*f.ks + pos*f.vs
}

func (f *fixedFormat) childOff(pos int) int {
	return nodeHeaderSize + f.maxInternal*f.ks + pos*slotSize
}

func (f *fixedFormat) keyBytes(p []byte, pos int, leaf bool) []byte {
	st := f.keyOff(pos)
	return p[st : st+f.ks]
}

func (f *fixedFormat) valueBytes(p []byte, pos int) []byte {
	st := f.valueOff(pos)
	return p[st : st+f.vs]
}

func (f *fixedFormat) rawAt(p []byte, pos int, leaf bool, buf []byte) []byte {
	buf = append(buf, f.keyBytes(p, pos, leaf)...)

	if leaf {
		buf = append(buf, f.valueBytes(p, pos)...)
	}

	return buf
}

func (f *fixedFormat) childAt(p []byte, pos int) (id, gen int64, ok bool) {
	return readChild(p[f.childOff(pos):])
}

func (f *fixedFormat) setChildAt(p []byte, pos int, id, gen int64) {
	writeSlot(p[f.childOff(pos):], id, gen)
}

func (f *fixedFormat) insertAt(p []byte, raw []byte, pos, n int) {
	ko := f.keyOff(pos)
	copy(p[ko+f.ks:f.keyOff(n+1)], p[ko:f.keyOff(n)])
	copy(p[ko:], raw[:f.ks])

	vo := f.valueOff(pos)
	copy(p[vo+f.vs:f.valueOff(n+1)], p[vo:f.valueOff(n)])
	copy(p[vo:vo+f.vs], raw[f.ks:])

	setKeyCount(p, n+1)
}

func (f *fixedFormat) insertKeyAndRightChildAt(p []byte, raw []byte, child, gen int64, pos, n int) {
	ko := f.keyOff(pos)
	copy(p[ko+f.ks:f.keyOff(n+1)], p[ko:f.keyOff(n)])
	copy(p[ko:], raw[:f.ks])

	co := f.childOff(pos + 1)
	copy(p[co+slotSize:f.childOff(n+2)], p[co:f.childOff(n+1)])
	writeSlot(p[co:], child, gen)

	setKeyCount(p, n+1)
}

func (f *fixedFormat) removeAt(p []byte, pos, n int) {
	ko := f.keyOff(pos)
	copy(p[ko:], p[ko+f.ks:f.keyOff(n)])
	zero(p[f.keyOff(n-1):f.keyOff(n)])

	vo := f.valueOff(pos)
	copy(p[vo:], p[vo+f.vs:f.valueOff(n)])
	zero(p[f.valueOff(n-1):f.valueOff(n)])

	setKeyCount(p, n-1)
}

func (f *fixedFormat) removeKeyAndRightChildAt(p []byte, pos, n int) {
	f.removeKey(p, pos, n)
	f.removeChild(p, pos+1, n+1)

	setKeyCount(p, n-1)
}

func (f *fixedFormat) removeKeyAndLeftChildAt(p []byte, pos, n int) {
	f.removeKey(p, pos, n)
	f.removeChild(p, pos, n+1)

	setKeyCount(p, n-1)
}

func (f *fixedFormat) removeKey(p []byte, pos, n int) {
	ko := f.keyOff(pos)
	copy(p[ko:], p[ko+f.ks:f.keyOff(n)])
	zero(p[f.keyOff(n-1):f.keyOff(n)])
}

func (f *fixedFormat) removeChild(p []byte, pos, children int) {
	co := f.childOff(pos)
	copy(p[co:], p[co+slotSize:f.childOff(children)])
	zero(p[f.childOff(children-1):f.childOff(children)])
}

func (f *fixedFormat) replaceAt(p []byte, raw []byte, pos, n int, leaf bool) bool {
	copy(f.keyBytes(p, pos, leaf), raw[:f.ks])

	if leaf {
		copy(f.valueBytes(p, pos), raw[f.ks:])
	}

	return true
}

func (f *fixedFormat) overflow(p []byte, n int, leaf bool, rawLen int) overflow {
	if n+1 > f.maxKeyCount(leaf) {
		return overflowYes
	}

	return overflowNo
}

func (f *fixedFormat) entrySize(leaf bool) int {
	if leaf {
		return f.ks + f.vs
	}

	return f.ks + slotSize
}

func (f *fixedFormat) availableSpace(p []byte, n int, leaf bool) int {
	return (f.maxKeyCount(leaf) - n) * f.entrySize(leaf)
}

func (f *fixedFormat) totalSpace(leaf bool) int {
	return f.maxKeyCount(leaf) * f.entrySize(leaf)
}

func (f *fixedFormat) entryOverhead(leaf bool) int {
	if leaf {
		return 0
	}

	return slotSize
}

func (f *fixedFormat) defragment(p []byte, n int, leaf bool) {}

func (f *fixedFormat) maxKeyCount(leaf bool) int {
	if leaf {
		return f.maxLeaf
	}

	return f.maxInternal
}

func (f *fixedFormat) check(p []byte, n int, leaf bool) bool {
	return n >= 0 && n <= f.maxKeyCount(leaf)
}

func zero(p []byte) {
	for i := range p {
		p[i] = 0
	}
}
