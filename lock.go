package gbptree

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"tlog.app/go/loc"
)

type (
	// Lock is the tree-wide lock with two independent bits.
	// Writer bit is held by open writers, cleaner bit by the crash cleanup job.
	// Checkpoint holds both.
	Lock struct {
		state atomic.Uint32
	}
)

const (
	lockWriter uint32 = 1 << iota
	lockCleaner
)

var (
	lockInitialInterval = 50 * time.Microsecond
	lockMaxInterval     = 10 * time.Millisecond
)

func (l *Lock) WriterLock()   { l.lock(lockWriter) }
func (l *Lock) WriterUnlock() { l.unlock(lockWriter) }

func (l *Lock) CleanerLock()   { l.lock(lockCleaner) }
func (l *Lock) CleanerUnlock() { l.unlock(lockCleaner) }

func (l *Lock) WriterAndCleanerLock()   { l.lock(lockWriter | lockCleaner) }
func (l *Lock) WriterAndCleanerUnlock() { l.unlock(lockWriter | lockCleaner) }

func (l *Lock) TryWriterLock() bool  { return l.tryLock(lockWriter) }
func (l *Lock) TryCleanerLock() bool { return l.tryLock(lockCleaner) }

func (l *Lock) lock(bits uint32) {
	var b *backoff.ExponentialBackOff

	for !l.tryLock(bits) {
		if b == nil {
			b = backoff.NewExponentialBackOff()
			b.InitialInterval = lockInitialInterval
			b.MaxInterval = lockMaxInterval
			b.MaxElapsedTime = 0
			b.Reset()
		}

		time.Sleep(b.NextBackOff())
	}
}

func (l *Lock) tryLock(bits uint32) bool {
	for {
		s := l.state.Load()
		if s&bits != 0 {
			return false
		}

		if l.state.CompareAndSwap(s, s|bits) {
			return true
		}
	}
}

func (l *Lock) unlock(bits uint32) {
	for {
		s := l.state.Load()
		if s&bits != bits {
			panic(fmt.Sprintf("unlock %v: not held (state %v) at %v", lockBits(bits), lockBits(s), loc.Caller(2)))
		}

		if l.state.CompareAndSwap(s, s&^bits) {
			return
		}
	}
}

func (l *Lock) String() string {
	return lockBits(l.state.Load()).String()
}

type lockBits uint32

func (b lockBits) String() string {
	var s []string

	if uint32(b)&lockWriter != 0 {
		s = append(s, "writer")
	}
	if uint32(b)&lockCleaner != 0 {
		s = append(s, "cleaner")
	}

	if len(s) == 0 {
		return "unlocked"
	}

	return strings.Join(s, "+")
}
