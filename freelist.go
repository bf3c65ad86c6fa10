package gbptree

import (
	"encoding/binary"
	"sync"

	"tlog.app/go/errors"
)

/*
	Free list page layout

	00: pageType byte
	08: gen      uint32
	0c: next     uint64
	18: entries  [n]{gen uint32, id uint64}

	Free list is a queue of pages. Released ids are appended at the write position,
	acquired ids are taken from the read position. An id released in generation g
	is handed out again only after g became stable.

	Only entries after the checkpointed write position and the next pointer
	of the write page are ever written in place, so the checkpointed
	part of the queue survives a crash.
*/

const (
	freelistOffGen  = 0x08
	freelistOffNext = 0x0c
	freelistHeader  = 0x18
	freelistEntry   = 12
)

type (
	// FreeList is the id provider for tree pages.
	FreeList struct {
		pf  *PagedFile
		mon Monitor

		mu sync.Mutex

		lastID int64

		readPage  int64
		readPos   int
		writePage int64
		writePos  int

		// fully consumed free list pages waiting to be released
		released []freeEntry

		per int

		rbuf   []byte
		rbufID int64
		wbuf   []byte
	}

	FreelistState struct {
		LastID    int64
		ReadPage  int64
		ReadPos   int
		WritePage int64
		WritePos  int
	}

	freeEntry struct {
		id, gen int64
	}
)

// initFreeList creates empty free list with its first page at id.
func initFreeList(pf *PagedFile, id int64, gen int64, mon Monitor) (*FreeList, error) {
	fl := newFreeList(pf, FreelistState{
		LastID:    id + 1,
		ReadPage:  id,
		WritePage: id,
	}, mon)

	fl.initPage(fl.wbuf, gen)

	err := pf.Write(id, fl.wbuf)
	if err != nil {
		return nil, errors.Wrap(err, "write free list page")
	}

	return fl, nil
}

// openFreeList restores the free list from checkpointed state.
func openFreeList(pf *PagedFile, st FreelistState, mon Monitor) (*FreeList, error) {
	fl := newFreeList(pf, st, mon)

	if st.ReadPage < MinValidID || st.WritePage < MinValidID || st.LastID <= st.WritePage || st.LastID <= st.ReadPage {
		return nil, inconsistency("freelist", st.WritePage, 0, "bad state %+v", st)
	}

	if st.ReadPos < 0 || st.ReadPos >= fl.per || st.WritePos < 0 || st.WritePos >= fl.per {
		return nil, inconsistency("freelist", st.WritePage, 0, "bad positions %+v", st)
	}

	err := pf.Read(st.WritePage, fl.wbuf)
	if err != nil {
		return nil, errors.Wrap(err, "read free list write page")
	}

	if pageType(fl.wbuf) != pageTypeFreelist {
		return nil, inconsistency("freelist", st.WritePage, 0, "not a free list page: type %d", pageType(fl.wbuf))
	}

	return fl, nil
}

func newFreeList(pf *PagedFile, st FreelistState, mon Monitor) *FreeList {
	if mon == nil {
		mon = NopMonitor{}
	}

	return &FreeList{
		pf:        pf,
		mon:       mon,
		lastID:    st.LastID,
		readPage:  st.ReadPage,
		readPos:   st.ReadPos,
		writePage: st.WritePage,
		writePos:  st.WritePos,
		per:       int(pf.PageSize()-freelistHeader) / freelistEntry,
		rbuf:      make([]byte, pf.PageSize()),
		rbufID:    NilPage,
		wbuf:      make([]byte, pf.PageSize()),
	}
}

func (fl *FreeList) initPage(p []byte, gen int64) {
	zero(p)
	p[nodeOffType] = pageTypeFreelist
	binary.BigEndian.PutUint32(p[freelistOffGen:], uint32(gen))
}

// AcquireNewID returns an unused page id. The page is zeroed.
func (fl *FreeList) AcquireNewID(stable, unstable int64) (id int64, err error) {
	defer fl.mu.Unlock()
	fl.mu.Lock()

	id, err = fl.take(stable, unstable)
	if err != nil {
		return NilPage, err
	}

	if id == NilPage {
		id = fl.grow()
	}

	err = fl.pf.Zero(id)
	if err != nil {
		return NilPage, err
	}

	fl.mon.Event(Event{Kind: EventAcquire, Stable: stable, Unstable: unstable, ID: id})

	return id, nil
}

func (fl *FreeList) grow() int64 {
	id := fl.lastID
	fl.lastID++

	return id
}

func (fl *FreeList) empty() bool {
	return fl.readPage == fl.writePage && fl.readPos == fl.writePos
}

func (fl *FreeList) readEntry(page int64, pos int) (e freeEntry, next int64, err error) {
	var p []byte

	if page == fl.writePage {
		p = fl.wbuf
	} else {
		if fl.rbufID != page {
			err = fl.pf.Read(page, fl.rbuf)
			if err != nil {
				return e, NilPage, errors.Wrap(err, "read free list page")
			}

			if pageType(fl.rbuf) != pageTypeFreelist {
				fl.rbufID = NilPage
				return e, NilPage, inconsistency("freelist", page, 0, "not a free list page: type %d", pageType(fl.rbuf))
			}

			fl.rbufID = page
		}

		p = fl.rbuf
	}

	st := freelistHeader + pos*freelistEntry

	e.gen = int64(binary.BigEndian.Uint32(p[st:]))
	e.id = int64(binary.BigEndian.Uint64(p[st+4:]))
	next = int64(binary.BigEndian.Uint64(p[freelistOffNext:]))

	return e, next, nil
}

// take returns a reusable id from the queue head or NilPage.
func (fl *FreeList) take(stable, unstable int64) (int64, error) {
	if fl.empty() {
		return NilPage, nil
	}

	e, next, err := fl.readEntry(fl.readPage, fl.readPos)
	if err != nil {
		return NilPage, err
	}

	if e.gen > stable {
		return NilPage, nil
	}

	if e.id < MinValidID || e.id >= fl.lastID {
		return NilPage, inconsistency("freelist", fl.readPage, e.gen, "bad free id %#x at %d", e.id, fl.readPos)
	}

	fl.readPos++

	if fl.readPos == fl.per {
		fl.released = append(fl.released, freeEntry{id: fl.readPage, gen: unstable})

		fl.readPage = next
		fl.readPos = 0
	}

	return e.id, nil
}

// ReleaseID marks id free. It's reused after generation unstable is checkpointed.
func (fl *FreeList) ReleaseID(stable, unstable, id int64) (err error) {
	defer fl.mu.Unlock()
	fl.mu.Lock()

	if id < MinValidID || id >= fl.lastID {
		return inconsistency("release", id, unstable, "id out of range [%#x, %#x)", MinValidID, fl.lastID)
	}

	err = fl.put(id, unstable)
	if err != nil {
		return err
	}

	fl.mon.Event(Event{Kind: EventRelease, Stable: stable, Unstable: unstable, ID: id})

	return fl.drain()
}

func (fl *FreeList) drain() error {
	for len(fl.released) != 0 {
		e := fl.released[0]
		fl.released = fl.released[1:]

		err := fl.put(e.id, e.gen)
		if err != nil {
			return err
		}
	}

	return nil
}

func (fl *FreeList) put(id, gen int64) error {
	st := freelistHeader + fl.writePos*freelistEntry

	binary.BigEndian.PutUint32(fl.wbuf[st:], uint32(gen))
	binary.BigEndian.PutUint64(fl.wbuf[st+4:], uint64(id))

	fl.writePos++

	if fl.writePos < fl.per {
		return fl.pf.Write(fl.writePage, fl.wbuf)
	}

	// page is full: link the next one. New free list pages are always taken from the end
	// so writing the queue never consumes it.
	next := fl.grow()

	binary.BigEndian.PutUint64(fl.wbuf[freelistOffNext:], uint64(next))

	err := fl.pf.Write(fl.writePage, fl.wbuf)
	if err != nil {
		return err
	}

	if fl.rbufID == fl.writePage {
		fl.rbufID = NilPage
	}

	fl.initPage(fl.wbuf, gen)

	err = fl.pf.Write(next, fl.wbuf)
	if err != nil {
		return err
	}

	fl.writePage = next
	fl.writePos = 0

	return nil
}

// flush releases consumed free list pages. Called before checkpoint.
func (fl *FreeList) flush() error {
	defer fl.mu.Unlock()
	fl.mu.Lock()

	return fl.drain()
}

func (fl *FreeList) State() FreelistState {
	defer fl.mu.Unlock()
	fl.mu.Lock()

	return FreelistState{
		LastID:    fl.lastID,
		ReadPage:  fl.readPage,
		ReadPos:   fl.readPos,
		WritePage: fl.writePage,
		WritePos:  fl.writePos,
	}
}

func (fl *FreeList) LastID() int64 {
	defer fl.mu.Unlock()
	fl.mu.Lock()

	return fl.lastID
}

// visit calls f for every id the free list accounts for:
// free ids and the free list pages themselves.
func (fl *FreeList) visit(f func(id int64, listPage bool)) error {
	defer fl.mu.Unlock()
	fl.mu.Lock()

	page, pos := fl.readPage, fl.readPos
	f(page, true)

	for i := int64(0); page != fl.writePage || pos != fl.writePos; i++ {
		if i > fl.lastID*int64(fl.per) {
			return inconsistency("freelist", page, 0, "free list loop")
		}

		e, next, err := fl.readEntry(page, pos)
		if err != nil {
			return err
		}

		f(e.id, false)

		pos++
		if pos == fl.per {
			if next < MinValidID || next >= fl.lastID {
				return inconsistency("freelist", page, 0, "bad next page %#x", next)
			}

			page, pos = next, 0
			f(page, true)
		}
	}

	for _, e := range fl.released {
		f(e.id, false)
	}

	return nil
}
