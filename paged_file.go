package gbptree

import (
	"sync"
	"sync/atomic"

	"tlog.app/go/errors"
)

const pageLatches = 64

type (
	// PagedFile reads and writes whole pages on top of Back.
	// Each page read or write is atomic with respect to other page operations
	// so readers always get a page image some writer committed.
	PagedFile struct {
		b    Back
		page int64

		latches [pageLatches]sync.RWMutex

		growmu sync.Mutex
		pages  atomic.Int64

		zero []byte
	}
)

const growStep = 16

func NewPagedFile(b Back, page int64) *PagedFile {
	f := &PagedFile{
		b:    b,
		page: page,
		zero: make([]byte, page),
	}

	f.pages.Store(b.Size() / page)

	return f
}

func (f *PagedFile) PageSize() int64 { return f.page }

// Pages returns the number of pages the file can hold now.
func (f *PagedFile) Pages() int64 { return f.pages.Load() }

func (f *PagedFile) latch(id int64) *sync.RWMutex {
	return &f.latches[uint64(id)%pageLatches]
}

func (f *PagedFile) Read(id int64, p []byte) error {
	if id < 0 || id >= f.pages.Load() {
		return errors.New("read page %#x: out of file (%#x pages)", id, f.pages.Load())
	}

	l := f.latch(id)
	l.RLock()
	_, err := f.b.ReadAt(p[:f.page], id*f.page)
	l.RUnlock()

	if err != nil {
		return errors.Wrap(err, "read page %#x", id)
	}

	return nil
}

func (f *PagedFile) Write(id int64, p []byte) error {
	err := f.Ensure(id)
	if err != nil {
		return err
	}

	l := f.latch(id)
	l.Lock()
	_, err = f.b.WriteAt(p[:f.page], id*f.page)
	l.Unlock()

	if err != nil {
		return errors.Wrap(err, "write page %#x", id)
	}

	return nil
}

// Zero writes an all-zero page.
func (f *PagedFile) Zero(id int64) error {
	return f.Write(id, f.zero)
}

// Update reads the page into buf, calls fn and writes buf back if fn says so.
// The page is write latched for the whole call.
func (f *PagedFile) Update(id int64, buf []byte, fn func(p []byte) (bool, error)) error {
	if id < 0 || id >= f.pages.Load() {
		return errors.New("update page %#x: out of file (%#x pages)", id, f.pages.Load())
	}

	buf = buf[:f.page]

	l := f.latch(id)
	defer l.Unlock()
	l.Lock()

	_, err := f.b.ReadAt(buf, id*f.page)
	if err != nil {
		return errors.Wrap(err, "read page %#x", id)
	}

	write, err := fn(buf)
	if err != nil || !write {
		return err
	}

	_, err = f.b.WriteAt(buf, id*f.page)
	if err != nil {
		return errors.Wrap(err, "write page %#x", id)
	}

	return nil
}

// Ensure grows the file so that it contains page id.
func (f *PagedFile) Ensure(id int64) error {
	if id < f.pages.Load() {
		return nil
	}

	defer f.growmu.Unlock()
	f.growmu.Lock()

	n := f.pages.Load()
	if id < n {
		return nil
	}

	n = (id + growStep) &^ (growStep - 1)

	err := f.b.Truncate(n * f.page)
	if err != nil {
		return errors.Wrap(err, "grow file to %#x pages", n)
	}

	f.pages.Store(n)

	return nil
}

func (f *PagedFile) Sync() error {
	return f.b.Sync()
}
