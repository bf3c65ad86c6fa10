package gbptree

import (
	"encoding/binary"
	"hash/crc32"
)

/*
	Generation safe pointer slot

	00: gen      uint32
	04: pointer  uint48
	0a: checksum uint16 // low bits of crc32 over gen and pointer

	All zero slot is empty.

	Pointers that may be rewritten in a node of stable generation
	(successor and siblings) are stored as a pair of slots.
	A write in the unstable generation never touches the slot
	holding the newest stable pointer, so after a crash
	the stable pointer is still there.
*/

const (
	slotSize = 12
	gsppSize = 2 * slotSize

	maxPointer = 1<<48 - 1
)

type (
	pointerSlot struct {
		gen int64
		id  int64
		ok  bool // checksum matches
	}

	gsppRead struct {
		id, gen int64
	}
)

func slotChecksum(p []byte) uint16 {
	return uint16(crc32.ChecksumIEEE(p[:10]))
}

func readSlot(p []byte) (s pointerSlot) {
	s.gen = int64(binary.BigEndian.Uint32(p))
	s.id = int64(binary.BigEndian.Uint64(p[2:]) & maxPointer)
	sum := binary.BigEndian.Uint16(p[10:])

	if s.gen == 0 && s.id == 0 && sum == 0 {
		s.ok = true
		s.id = NilPage

		return
	}

	s.ok = sum == slotChecksum(p)

	return
}

func (s pointerSlot) empty() bool { return s.ok && s.gen == 0 && s.id == NilPage }

func writeSlot(p []byte, id, gen int64) {
	if id == NilPage {
		for i := range p[:slotSize] {
			p[i] = 0
		}

		return
	}

	if id < 0 || id > maxPointer {
		panic("pointer out of range")
	}

	binary.BigEndian.PutUint64(p[2:], uint64(id)) // overwrites gen low bytes, set below
	binary.BigEndian.PutUint32(p, uint32(gen))
	binary.BigEndian.PutUint16(p[10:], slotChecksum(p))
}

// readGSPP picks the pointer valid for generation g.
// Slots written in a crashed generation are ignored.
// ok is false if both slots are broken or the valid ones disagree.
func readGSPP(p []byte, g Generation) (r gsppRead, ok bool) {
	r, ok = readGSPP0(p, g)
	if r.id == 0 {
		r.id = NilPage
	}

	return
}

func readGSPP0(p []byte, g Generation) (r gsppRead, ok bool) {
	a := readSlot(p)
	b := readSlot(p[slotSize:])

	va := a.ok && !a.empty() && !g.crashed(a.gen)
	vb := b.ok && !b.empty() && !g.crashed(b.gen)

	switch {
	case va && vb && a.gen == b.gen:
		if a.id != b.id {
			return gsppRead{id: NilPage}, false
		}

		return gsppRead{id: a.id, gen: a.gen}, true
	case va && (!vb || a.gen > b.gen):
		return gsppRead{id: a.id, gen: a.gen}, true
	case vb:
		return gsppRead{id: b.id, gen: b.gen}, true
	}

	if !a.ok && !b.ok {
		return gsppRead{id: NilPage}, false
	}

	return gsppRead{id: NilPage}, true
}

// writeGSPP writes id in the unstable generation of g.
func writeGSPP(p []byte, g Generation, id int64) {
	a := readSlot(p)
	b := readSlot(p[slotSize:])

	u := g.Unstable()

	slot := func(s pointerSlot) int {
		switch {
		case s.ok && s.gen == u && !s.empty():
			return 3
		case !s.ok, s.empty(), g.crashed(s.gen):
			return 2
		default:
			return 1
		}
	}

	sa, sb := slot(a), slot(b)

	var dst []byte

	switch {
	case sa > sb:
		dst = p
	case sb > sa:
		dst = p[slotSize:]
	case a.gen <= b.gen: // both stable: keep the newer one
		dst = p
	default:
		dst = p[slotSize:]
	}

	if id == NilPage {
		// nil written in the unstable generation must still hide the stable pointer
		writeNilSlot(dst, u)
		return
	}

	writeSlot(dst, id, u)
}

// writeNilSlot stores a pointer to page 0 that is never a valid node.
func writeNilSlot(p []byte, gen int64) {
	binary.BigEndian.PutUint64(p[2:], 0)
	binary.BigEndian.PutUint32(p, uint32(gen))
	binary.BigEndian.PutUint16(p[10:], slotChecksum(p))
}

// cleanCrashedGSPP zeroes slots of crashed generations.
func cleanCrashedGSPP(p []byte, g Generation) (n int) {
	for _, s := range [][]byte{p[:slotSize], p[slotSize:gsppSize]} {
		sl := readSlot(s)
		if sl.empty() {
			continue
		}

		if sl.ok && !g.crashed(sl.gen) {
			continue
		}

		writeSlot(s, NilPage, 0)
		n++
	}

	return n
}

func resetGSPP(p []byte) {
	for i := range p[:gsppSize] {
		p[i] = 0
	}
}

func readChild(p []byte) (id, gen int64, ok bool) {
	s := readSlot(p)
	return s.id, s.gen, s.ok && !s.empty()
}

// countCrashedGSPP counts slots cleanCrashedGSPP would zero.
func countCrashedGSPP(p []byte, g Generation) (n int) {
	for _, s := range [][]byte{p[:slotSize], p[slotSize:gsppSize]} {
		sl := readSlot(s)
		if sl.empty() || sl.ok && !g.crashed(sl.gen) {
			continue
		}

		n++
	}

	return n
}
