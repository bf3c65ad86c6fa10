package gbptree

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"strconv"

	"tlog.app/go/errors"
)

const Version = "001"

/*
	State page layout

	Pages 0 and 1 hold tree state. They are written in turns,
	the valid one with the highest sequence number wins.

	00: gbptreeVVVPPPPP\n // VVV - Version, PPPPP - page size in hex
	10: crc32    uint32
	14: format   byte
	15: clean    byte
	18: seq      uint64
	20: stable   uint32
	24: unstable uint32
	28: root     uint64
	30: root gen uint32
	38: layout   uint64
	40: major    uint32
	44: minor    uint32
	48: last id  uint64
	50: free list read page  uint64
	58: free list write page uint64
	60: free list read pos   uint32
	64: free list write pos  uint32
	68: end
*/

const (
	stateOffSum      = 0x10
	stateOffFormat   = 0x14
	stateOffClean    = 0x15
	stateOffSeq      = 0x18
	stateOffStable   = 0x20
	stateOffUnstable = 0x24
	stateOffRoot     = 0x28
	stateOffRootGen  = 0x30
	stateOffLayout   = 0x38
	stateOffMajor    = 0x40
	stateOffMinor    = 0x44
	stateOffLastID   = 0x48
	stateOffReadPage = 0x50
	stateOffWrite    = 0x58
	stateOffReadPos  = 0x60
	stateOffWritePos = 0x64
	stateSize        = 0x68
)

type (
	treeState struct {
		Seq  int64
		Page int64

		Format byte
		Clean  bool

		Stable, Unstable int64

		Root, RootGen int64

		Layout       uint64
		Major, Minor int

		Free FreelistState
	}
)

var checksumTable = crc32.MakeTable(crc32.Castagnoli)

func stateHeader(page int64) string {
	return fmt.Sprintf("gbptree%3s%5x\n", Version, page)
}

func (s *treeState) encode(p []byte) {
	zero(p)

	copy(p, stateHeader(s.Page))

	p[stateOffFormat] = s.Format
	if s.Clean {
		p[stateOffClean] = 1
	}

	binary.BigEndian.PutUint64(p[stateOffSeq:], uint64(s.Seq))
	binary.BigEndian.PutUint32(p[stateOffStable:], uint32(s.Stable))
	binary.BigEndian.PutUint32(p[stateOffUnstable:], uint32(s.Unstable))
	binary.BigEndian.PutUint64(p[stateOffRoot:], uint64(s.Root))
	binary.BigEndian.PutUint32(p[stateOffRootGen:], uint32(s.RootGen))
	binary.BigEndian.PutUint64(p[stateOffLayout:], s.Layout)
	binary.BigEndian.PutUint32(p[stateOffMajor:], uint32(s.Major))
	binary.BigEndian.PutUint32(p[stateOffMinor:], uint32(s.Minor))
	binary.BigEndian.PutUint64(p[stateOffLastID:], uint64(s.Free.LastID))
	binary.BigEndian.PutUint64(p[stateOffReadPage:], uint64(s.Free.ReadPage))
	binary.BigEndian.PutUint64(p[stateOffWrite:], uint64(s.Free.WritePage))
	binary.BigEndian.PutUint32(p[stateOffReadPos:], uint32(s.Free.ReadPos))
	binary.BigEndian.PutUint32(p[stateOffWritePos:], uint32(s.Free.WritePos))

	sum := crc32.Checksum(p[:stateSize], checksumTable)
	binary.BigEndian.PutUint32(p[stateOffSum:], sum)
}

func decodeState(p []byte) (s treeState, err error) {
	page, err := parseStateHeader(p)
	if err != nil {
		return s, err
	}

	rsum := binary.BigEndian.Uint32(p[stateOffSum:])

	var q [stateSize]byte
	copy(q[:], p)
	binary.BigEndian.PutUint32(q[stateOffSum:], 0)

	if crc32.Checksum(q[:], checksumTable) != rsum {
		return s, ErrPageChecksum
	}

	s = treeState{
		Seq:      int64(binary.BigEndian.Uint64(p[stateOffSeq:])),
		Page:     page,
		Format:   p[stateOffFormat],
		Clean:    p[stateOffClean] != 0,
		Stable:   int64(binary.BigEndian.Uint32(p[stateOffStable:])),
		Unstable: int64(binary.BigEndian.Uint32(p[stateOffUnstable:])),
		Root:     int64(binary.BigEndian.Uint64(p[stateOffRoot:])),
		RootGen:  int64(binary.BigEndian.Uint32(p[stateOffRootGen:])),
		Layout:   binary.BigEndian.Uint64(p[stateOffLayout:]),
		Major:    int(binary.BigEndian.Uint32(p[stateOffMajor:])),
		Minor:    int(binary.BigEndian.Uint32(p[stateOffMinor:])),
		Free: FreelistState{
			LastID:    int64(binary.BigEndian.Uint64(p[stateOffLastID:])),
			ReadPage:  int64(binary.BigEndian.Uint64(p[stateOffReadPage:])),
			WritePage: int64(binary.BigEndian.Uint64(p[stateOffWrite:])),
			ReadPos:   int(binary.BigEndian.Uint32(p[stateOffReadPos:])),
			WritePos:  int(binary.BigEndian.Uint32(p[stateOffWritePos:])),
		},
	}

	if s.Stable < MinGeneration || s.Unstable <= s.Stable || s.Unstable > MaxGeneration {
		return s, errors.New("bad state generation: %d/%d", s.Stable, s.Unstable)
	}

	return s, nil
}

func parseStateHeader(p []byte) (int64, error) {
	if len(p) < 0x10 || string(p[:7]) != "gbptree" || p[15] != '\n' {
		return 0, errors.New("not a gbptree file")
	}

	if v := string(p[7:10]); v != Version {
		return 0, errors.New("unsupported version: %q", v)
	}

	page, err := strconv.ParseInt(string(trimSpace(p[10:15])), 16, 64)
	if err != nil {
		return 0, errors.Wrap(err, "parse page size")
	}

	return page, nil
}

func trimSpace(p []byte) []byte {
	for len(p) != 0 && p[0] == ' ' {
		p = p[1:]
	}

	return p
}

// readState returns the newest valid state and its page.
func readState(b Back, page int64) (s treeState, slot int64, err error) {
	var hdr [0x10]byte

	_, err = b.ReadAt(hdr[:], 0)
	if err != nil {
		return s, 0, errors.Wrap(err, "read header")
	}

	if hp, err := parseStateHeader(hdr[:]); err == nil && hp >= 0x100 && hp&(hp-1) == 0 {
		page = hp
	}

	p := make([]byte, page)
	slot = NilPage

	var errs [2]error

	for i := int64(0); i < 2; i++ {
		_, err = b.ReadAt(p, i*page)
		if err != nil {
			return s, 0, errors.Wrap(err, "read state page %d", i)
		}

		st, err := decodeState(p)
		if err != nil {
			errs[i] = err
			continue
		}

		if st.Page != page {
			errs[i] = errors.New("page size mismatch: %#x, expected %#x", st.Page, page)
			continue
		}

		if slot == NilPage || st.Seq > s.Seq {
			s = st
			slot = i
		}
	}

	if slot == NilPage {
		return s, 0, errors.Wrap(ErrNoValidState, "%v; %v", errs[0], errs[1])
	}

	return s, slot, nil
}

func writeState(pf *PagedFile, s *treeState) error {
	p := make([]byte, pf.PageSize())

	s.encode(p)

	return pf.Write(s.Seq&1, p)
}
