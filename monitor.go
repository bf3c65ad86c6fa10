package gbptree

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nikandfor/hacked/low"
)

type (
	EventKind byte

	// Event is a structural change of the tree.
	// ID is the node or page the event is about, Other is the related one:
	// new right sibling on split, successor id, new root on grow and shrink,
	// and so on.
	Event struct {
		Kind     EventKind
		Stable   int64
		Unstable int64
		ID       int64
		Other    int64
	}

	// Monitor receives structural events. It's called synchronously
	// from writers so it must be fast and safe for concurrent use.
	Monitor interface {
		Event(e Event)
	}

	NopMonitor struct{}

	// AuditLog keeps all the events in memory in binary form.
	AuditLog struct {
		mu  sync.Mutex
		buf low.Buf
	}

	SlogMonitor struct {
		Logger *slog.Logger
		Level  slog.Level
	}

	multiMonitor []Monitor
)

const (
	EventSplit EventKind = 1 + iota
	EventMerge
	EventRebalance
	EventSuccessor
	EventGrow
	EventShrink
	EventAcquire
	EventRelease
	EventCheckpoint
	EventCrashPointerCleaned
	EventGarbageReclaimed
	EventCleanupClosed
)

const auditRecord = 32

var eventNames = []string{
	EventSplit:               "split",
	EventMerge:               "merge",
	EventRebalance:           "rebalance",
	EventSuccessor:           "successor",
	EventGrow:                "grow",
	EventShrink:              "shrink",
	EventAcquire:             "acquire",
	EventRelease:             "release",
	EventCheckpoint:          "checkpoint",
	EventCrashPointerCleaned: "crash_pointer_cleaned",
	EventGarbageReclaimed:    "garbage_reclaimed",
	EventCleanupClosed:       "cleanup_closed",
}

func (k EventKind) String() string {
	if int(k) < len(eventNames) && eventNames[k] != "" {
		return eventNames[k]
	}

	return fmt.Sprintf("event(%d)", k)
}

func (e Event) String() string {
	return fmt.Sprintf("%v %d/%d %#x %#x", e.Kind, e.Stable, e.Unstable, e.ID, e.Other)
}

func (NopMonitor) Event(Event) {}

func (l *AuditLog) Event(e Event) {
	var r [auditRecord]byte

	r[0] = byte(e.Kind)
	binary.BigEndian.PutUint32(r[4:], uint32(e.Stable))
	binary.BigEndian.PutUint32(r[8:], uint32(e.Unstable))
	binary.BigEndian.PutUint64(r[12:], uint64(e.ID))
	binary.BigEndian.PutUint64(r[20:], uint64(e.Other))

	defer l.mu.Unlock()
	l.mu.Lock()

	l.buf = append(l.buf, r[:]...)
}

// Events decodes the log.
func (l *AuditLog) Events() []Event {
	defer l.mu.Unlock()
	l.mu.Lock()

	r := make([]Event, 0, len(l.buf)/auditRecord)

	for st := 0; st+auditRecord <= len(l.buf); st += auditRecord {
		p := l.buf[st:]

		r = append(r, Event{
			Kind:     EventKind(p[0]),
			Stable:   int64(binary.BigEndian.Uint32(p[4:])),
			Unstable: int64(binary.BigEndian.Uint32(p[8:])),
			ID:       int64(binary.BigEndian.Uint64(p[12:])),
			Other:    int64(binary.BigEndian.Uint64(p[20:])),
		})
	}

	return r
}

// Count returns the number of events of the kind.
func (l *AuditLog) Count(k EventKind) (n int) {
	defer l.mu.Unlock()
	l.mu.Lock()

	for st := 0; st < len(l.buf); st += auditRecord {
		if EventKind(l.buf[st]) == k {
			n++
		}
	}

	return n
}

func (l *AuditLog) Reset() {
	defer l.mu.Unlock()
	l.mu.Lock()

	l.buf = l.buf[:0]
}

func (m SlogMonitor) Event(e Event) {
	m.Logger.LogAttrs(context.Background(), m.Level, "tree event",
		slog.String("kind", e.Kind.String()),
		slog.Int64("stable", e.Stable),
		slog.Int64("unstable", e.Unstable),
		slog.Int64("id", e.ID),
		slog.Int64("other", e.Other),
	)
}

// Monitors combines monitors into one.
func Monitors(ms ...Monitor) Monitor {
	return multiMonitor(ms)
}

func (ms multiMonitor) Event(e Event) {
	for _, m := range ms {
		m.Event(e)
	}
}
