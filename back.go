package gbptree

import (
	"io"
	"os"
	"sync"

	"tlog.app/go/errors"
)

const (
	KB = 1 << 10
	MB = 1 << 20
	GB = 1 << 30
)

type (
	// Back is the storage the paged file lives in.
	Back interface {
		io.ReaderAt
		io.WriterAt

		Size() int64
		Truncate(size int64) error
		Sync() error
	}

	MemBack struct {
		mu sync.RWMutex
		d  []byte
	}

	FileBack struct {
		f *os.File
	}
)

var (
	_ Back = &MemBack{}
	_ Back = &FileBack{}
)

func NewMemBack(size int64) *MemBack {
	return &MemBack{
		d: make([]byte, size),
	}
}

func (b *MemBack) ReadAt(p []byte, off int64) (int, error) {
	defer b.mu.RUnlock()
	b.mu.RLock()

	if off < 0 || off+int64(len(p)) > int64(len(b.d)) {
		return 0, errors.New("read out of range: %x+%x of %x", off, len(p), len(b.d))
	}

	return copy(p, b.d[off:]), nil
}

func (b *MemBack) WriteAt(p []byte, off int64) (int, error) {
	defer b.mu.Unlock()
	b.mu.Lock()

	if off < 0 || off+int64(len(p)) > int64(len(b.d)) {
		return 0, errors.New("write out of range: %x+%x of %x", off, len(p), len(b.d))
	}

	return copy(b.d[off:], p), nil
}

func (b *MemBack) Truncate(s int64) error {
	defer b.mu.Unlock()
	b.mu.Lock()

	if cap(b.d) >= int(s) {
		l := len(b.d)
		b.d = b.d[:s]

		for i := l; i < int(s); i++ {
			b.d[i] = 0
		}

		return nil
	}

	c := make([]byte, s)
	copy(c, b.d)
	b.d = c

	return nil
}

func (b *MemBack) Size() int64 {
	defer b.mu.RUnlock()
	b.mu.RLock()

	return int64(len(b.d))
}

func (b *MemBack) Sync() error {
	return nil
}

// Snapshot copies the current content. Tests use it to simulate a crash:
// everything not in the snapshot is lost.
func (b *MemBack) Snapshot() *MemBack {
	defer b.mu.RUnlock()
	b.mu.RLock()

	c := make([]byte, len(b.d))
	copy(c, b.d)

	return &MemBack{d: c}
}

// OpenFileBack opens the file with os.OpenFile flags.
func OpenFileBack(name string, flags int) (*FileBack, error) {
	f, err := os.OpenFile(name, flags, 0640)
	if err != nil {
		return nil, errors.Wrap(err, "open")
	}

	return &FileBack{f: f}, nil
}

func NewFileBack(f *os.File) *FileBack {
	return &FileBack{f: f}
}

func (b *FileBack) ReadAt(p []byte, off int64) (int, error) {
	return b.f.ReadAt(p, off)
}

func (b *FileBack) WriteAt(p []byte, off int64) (int, error) {
	return b.f.WriteAt(p, off)
}

func (b *FileBack) Truncate(s int64) error {
	return b.f.Truncate(s)
}

func (b *FileBack) Size() int64 {
	inf, err := b.f.Stat()
	if err != nil {
		return 0
	}

	return inf.Size()
}

func (b *FileBack) Sync() error {
	return b.f.Sync()
}

func (b *FileBack) Close() error {
	return b.f.Close()
}
