package gbptree

import (
	"tlog.app/go/errors"
)

type (
	// nodeFormat is the byte level layout of tree node entries.
	// Leaf entries are raw key-value records, internal entries are raw keys
	// with child pointers. What the raw bytes mean is up to treeNode.
	//
	// Internal node with n keys has n+1 children.
	// Key i separates child i (keys less than key i) from child i+1.
	nodeFormat interface {
		id() byte

		init(p []byte, leaf bool, gen int64)
		// reset drops all entries keeping the header.
		reset(p []byte, leaf bool)

		rawAt(p []byte, pos int, leaf bool, buf []byte) []byte
		keyBytes(p []byte, pos int, leaf bool) []byte
		childAt(p []byte, pos int) (id, gen int64, ok bool)
		setChildAt(p []byte, pos int, id, gen int64)

		insertAt(p []byte, raw []byte, pos, n int)
		insertKeyAndRightChildAt(p []byte, raw []byte, child, gen int64, pos, n int)
		removeAt(p []byte, pos, n int)
		removeKeyAndRightChildAt(p []byte, pos, n int)
		removeKeyAndLeftChildAt(p []byte, pos, n int)
		// replaceAt replaces a leaf entry or an internal key in place.
		// It returns false and leaves p untouched if raw doesn't fit.
		replaceAt(p []byte, raw []byte, pos, n int, leaf bool) bool

		overflow(p []byte, n int, leaf bool, rawLen int) overflow
		availableSpace(p []byte, n int, leaf bool) int
		totalSpace(leaf bool) int
		entryOverhead(leaf bool) int
		defragment(p []byte, n int, leaf bool)

		maxKeyCount(leaf bool) int

		// check validates entry layout so that accessors don't go out of the page.
		check(p []byte, n int, leaf bool) bool
	}

	overflow int
)

const (
	overflowNo overflow = iota
	overflowNoNeedDefrag
	overflowYes
)

const (
	FormatAuto byte = iota
	FormatFixed
	FormatDynamic
)

// nodeFormats is the registry of known on-page formats.
var nodeFormats = map[byte]func(page int64, ks, vs int) (nodeFormat, error){
	FormatFixed:   newFixedFormat,
	FormatDynamic: newDynamicFormat,
}

func newNodeFormat(id byte, page int64, ks, vs int) (nodeFormat, error) {
	f, ok := nodeFormats[id]
	if !ok {
		return nil, errors.New("unsupported node format: %d", id)
	}

	return f(page, ks, vs)
}

func (o overflow) String() string {
	switch o {
	case overflowNo:
		return "no"
	case overflowNoNeedDefrag:
		return "no_need_defrag"
	case overflowYes:
		return "yes"
	default:
		return "unknown"
	}
}

func usedSpace(f nodeFormat, p []byte, n int, leaf bool) int {
	return f.totalSpace(leaf) - f.availableSpace(p, n, leaf)
}
