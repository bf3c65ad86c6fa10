package gbptree

import (
	"bytes"
	"encoding/binary"
	"math"
)

type (
	// Layout defines how keys and values are compared and serialized.
	//
	// Read functions may reuse into and return it.
	// Append functions append the encoded key or value to b.
	// Fixed size layouts must always encode to KeySize and ValueSize bytes.
	Layout[K, V any] interface {
		NewKey() K
		NewValue() V

		CopyKey(dst, src K) K
		CopyValue(dst, src V) V

		Compare(a, b K) int

		KeySize(k K) int
		ValueSize(v V) int

		AppendKey(b []byte, k K) []byte
		AppendValue(b []byte, v V) []byte

		ReadKey(p []byte, into K) K
		ReadValue(p []byte, into V) V

		InitializeAsLowest(k K) K
		InitializeAsHighest(k K) K

		FixedSize() bool

		// Identifier and versions are stored in the tree state
		// and checked when the tree is opened.
		Identifier() uint64
		MajorVersion() int
		MinorVersion() int
	}

	// KeyLimiter is implemented by layouts with limited key size.
	KeyLimiter interface {
		MaxKeySize() int
	}

	// Int64Layout is fixed size layout with int64 keys and values.
	Int64Layout struct{}

	// BytesLayout is dynamic size layout with byte slice keys and values
	// compared lexicographically.
	BytesLayout struct {
		// MaxKey is the max key length. Zero means 1 KB.
		MaxKey int
	}
)

var (
	_ Layout[int64, int64]   = Int64Layout{}
	_ Layout[[]byte, []byte] = BytesLayout{}
)

func (Int64Layout) NewKey() int64   { return 0 }
func (Int64Layout) NewValue() int64 { return 0 }

func (Int64Layout) CopyKey(dst, src int64) int64   { return src }
func (Int64Layout) CopyValue(dst, src int64) int64 { return src }

func (Int64Layout) Compare(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func (Int64Layout) KeySize(int64) int   { return 8 }
func (Int64Layout) ValueSize(int64) int { return 8 }

func (Int64Layout) AppendKey(b []byte, k int64) []byte {
	return binary.BigEndian.AppendUint64(b, uint64(k))
}

func (Int64Layout) AppendValue(b []byte, v int64) []byte {
	return binary.BigEndian.AppendUint64(b, uint64(v))
}

func (Int64Layout) ReadKey(p []byte, into int64) int64 {
	return int64(binary.BigEndian.Uint64(p))
}

func (Int64Layout) ReadValue(p []byte, into int64) int64 {
	return int64(binary.BigEndian.Uint64(p))
}

func (Int64Layout) InitializeAsLowest(int64) int64  { return math.MinInt64 }
func (Int64Layout) InitializeAsHighest(int64) int64 { return math.MaxInt64 }

func (Int64Layout) FixedSize() bool { return true }

func (Int64Layout) Identifier() uint64 { return 0x696e74363400_0001 }
func (Int64Layout) MajorVersion() int  { return 1 }
func (Int64Layout) MinorVersion() int  { return 0 }

func (BytesLayout) NewKey() []byte   { return nil }
func (BytesLayout) NewValue() []byte { return nil }

func (BytesLayout) CopyKey(dst, src []byte) []byte   { return append(dst[:0], src...) }
func (BytesLayout) CopyValue(dst, src []byte) []byte { return append(dst[:0], src...) }

func (BytesLayout) Compare(a, b []byte) int { return bytes.Compare(a, b) }

func (BytesLayout) KeySize(k []byte) int   { return len(k) }
func (BytesLayout) ValueSize(v []byte) int { return len(v) }

func (BytesLayout) AppendKey(b, k []byte) []byte   { return append(b, k...) }
func (BytesLayout) AppendValue(b, v []byte) []byte { return append(b, v...) }

func (BytesLayout) ReadKey(p, into []byte) []byte   { return append(into[:0], p...) }
func (BytesLayout) ReadValue(p, into []byte) []byte { return append(into[:0], p...) }

func (BytesLayout) InitializeAsLowest(k []byte) []byte { return k[:0] }

// InitializeAsHighest returns a key greater than any key of allowed size.
func (l BytesLayout) InitializeAsHighest(k []byte) []byte {
	k = k[:0]

	for i := 0; i <= l.MaxKeySize(); i++ {
		k = append(k, 0xff)
	}

	return k
}

func (l BytesLayout) MaxKeySize() int {
	if l.MaxKey == 0 {
		return 1 * KB
	}

	return l.MaxKey
}

func (BytesLayout) FixedSize() bool { return false }

func (BytesLayout) Identifier() uint64 { return 0x627974657300_0001 }
func (BytesLayout) MajorVersion() int  { return 1 }
func (BytesLayout) MinorVersion() int  { return 0 }
