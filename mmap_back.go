//go:build linux || darwin

package gbptree

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"
	"tlog.app/go/errors"
)

type (
	// MmapBack keeps the whole file mapped.
	// Writes to one page must be serialized by the caller, PagedFile does that.
	MmapBack struct {
		rw bool
		mu sync.RWMutex
		f  *os.File
		d  []byte
	}
)

var _ Back = &MmapBack{}

// Mmap opens file n with os.OpenFile flags and maps it.
// The mapping is writable if flags has os.O_WRONLY or os.O_RDWR.
func Mmap(n string, flags int) (*MmapBack, error) {
	f, err := os.OpenFile(n, flags, 0640)
	if err != nil {
		return nil, errors.Wrap(err, "open")
	}

	return MmapFile(f, flags&(os.O_WRONLY|os.O_RDWR) != 0)
}

func MmapFile(f *os.File, rw bool) (_ *MmapBack, err error) {
	b := &MmapBack{
		rw: rw,
		f:  f,
	}

	inf, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "stat")
	}

	if inf.Size() == 0 {
		return b, nil
	}

	err = b.mmap(inf.Size())
	if err != nil {
		return nil, err
	}

	return b, nil
}

func (b *MmapBack) Close() error {
	err := b.unmap()
	if err != nil {
		return err
	}

	return b.f.Close()
}

func (b *MmapBack) unmap() error {
	if b.d == nil {
		return nil
	}

	err := unix.Munmap(b.d)
	if err != nil {
		return errors.Wrap(err, "munmap")
	}

	b.d = nil

	return nil
}

func (b *MmapBack) mmap(size int64) (err error) {
	prot := unix.PROT_READ
	if b.rw {
		prot |= unix.PROT_WRITE
	}

	b.d, err = unix.Mmap(int(b.f.Fd()), 0, int(size), prot, unix.MAP_SHARED)
	if err != nil {
		return errors.Wrap(err, "mmap")
	}

	return nil
}

func (b *MmapBack) ReadAt(p []byte, off int64) (int, error) {
	defer b.mu.RUnlock()
	b.mu.RLock()

	if off < 0 || off+int64(len(p)) > int64(len(b.d)) {
		return 0, errors.New("read out of range: %x+%x of %x", off, len(p), len(b.d))
	}

	return copy(p, b.d[off:]), nil
}

func (b *MmapBack) WriteAt(p []byte, off int64) (int, error) {
	defer b.mu.RUnlock()
	b.mu.RLock()

	if !b.rw {
		return 0, ErrReadOnly
	}

	if off < 0 || off+int64(len(p)) > int64(len(b.d)) {
		return 0, errors.New("write out of range: %x+%x of %x", off, len(p), len(b.d))
	}

	return copy(b.d[off:], p), nil
}

func (b *MmapBack) Truncate(s int64) (err error) {
	defer b.mu.Unlock()
	b.mu.Lock()

	err = b.unmap()
	if err != nil {
		return
	}

	err = b.f.Truncate(s)
	if err != nil {
		return errors.Wrap(err, "truncate")
	}

	if s == 0 {
		return nil
	}

	return b.mmap(s)
}

func (b *MmapBack) Size() int64 {
	defer b.mu.RUnlock()
	b.mu.RLock()

	if b.d != nil {
		return int64(len(b.d))
	}

	inf, err := b.f.Stat()
	if err != nil {
		return 0
	}

	return inf.Size()
}

func (b *MmapBack) Sync() error {
	defer b.mu.RUnlock()
	b.mu.RLock()

	if b.d == nil {
		return nil
	}

	return unix.Msync(b.d, unix.MS_SYNC)
}
