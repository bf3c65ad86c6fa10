package gbptree

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"tlog.app/go/errors"
)

type (
	// Tree is a generation stamped crash recoverable B+tree.
	//
	// Readers never block. Writers modify the unstable generation,
	// Checkpoint makes it stable.
	Tree[K, V any] struct {
		b  Back
		pf *PagedFile
		c  Config
		l  Layout[K, V]

		log *slog.Logger
		mon Monitor

		node *treeNode[K, V]
		fl   *FreeList

		lock  Lock
		coord writerCoordination

		gen  atomic.Uint64
		root atomic.Pointer[rootRef]

		cp *Batcher

		mu             sync.Mutex
		seq            int64
		closed         bool
		cleanupPending bool
		job            *CleanupJob

		// failed is the first error of a write which could leave
		// the unstable generation half changed. Such a generation
		// is never checkpointed, the next Open recovers the last one.
		failed error

		sess    sync.Mutex
		writers int
		batched bool
	}

	Stat struct {
		Generation Generation
		Root       int64
		RootGen    int64
		PageSize   int64
		Format     byte
		LastID     int64
		Pages      int64
		Free       FreelistState

		CleanupPending bool
	}
)

// Open opens the tree in b or creates a new one if b is empty.
func Open[K, V any](b Back, l Layout[K, V], c *Config) (t *Tree[K, V], err error) {
	cfg, err := c.withDefaults()
	if err != nil {
		return nil, err
	}

	t = &Tree[K, V]{
		b:   b,
		c:   cfg,
		l:   l,
		log: cfg.Logger,
		mon: cfg.Monitor,
		seq: -1,
	}

	t.cp = NewBatcher(t.checkpointNow)

	if b.Size() == 0 {
		if cfg.ReadOnly {
			return nil, errors.Wrap(ErrReadOnly, "create")
		}

		err = t.create()
		if err != nil {
			return nil, errors.Wrap(err, "create")
		}

		return t, nil
	}

	err = t.openExisting()
	if err != nil {
		return nil, err
	}

	if t.job != nil && cfg.Cleanup == CleanupImmediate {
		t.job.Run(nil)
		t.job.Close()

		if t.job.HasFailed() {
			return nil, errors.Wrap(t.job.Cause(), "crash cleanup")
		}
	}

	return t, nil
}

func (t *Tree[K, V]) format() (byte, error) {
	f := t.c.Format

	if f == FormatAuto {
		f = FormatDynamic

		if t.l.FixedSize() {
			f = FormatFixed
		}
	}

	if f == FormatFixed && !t.l.FixedSize() {
		return 0, errors.New("fixed format needs fixed size layout")
	}

	return f, nil
}

func (t *Tree[K, V]) setup(format byte) (err error) {
	t.pf = NewPagedFile(t.b, t.c.PageSize)

	ks := t.l.KeySize(t.l.NewKey())
	vs := t.l.ValueSize(t.l.NewValue())

	f, err := newNodeFormat(format, t.c.PageSize, ks, vs)
	if err != nil {
		return err
	}

	t.node = newTreeNode(f, t.l, nil, &t.c)

	return nil
}

func (t *Tree[K, V]) setupOffload() {
	if !t.node.fixed {
		t.node.off = &offloadStore{pf: t.pf, ids: t.fl}
	}
}

func (t *Tree[K, V]) create() (err error) {
	format, err := t.format()
	if err != nil {
		return err
	}

	err = t.b.Truncate(MinValidID * t.c.PageSize)
	if err != nil {
		return errors.Wrap(err, "truncate")
	}

	err = t.setup(format)
	if err != nil {
		return err
	}

	g := Pack(MinGeneration, MinGeneration+1)
	t.gen.Store(uint64(g))

	t.fl, err = initFreeList(t.pf, MinValidID, g.Unstable(), t.mon)
	if err != nil {
		return err
	}

	t.setupOffload()

	id, err := t.fl.AcquireNewID(g.Stable(), g.Unstable())
	if err != nil {
		return errors.Wrap(err, "acquire root")
	}

	p := make([]byte, t.c.PageSize)
	t.node.f.init(p, true, g.Unstable())

	err = t.pf.Write(id, p)
	if err != nil {
		return errors.Wrap(err, "write root")
	}

	t.root.Store(&rootRef{id: id, gen: g.Unstable()})

	err = t.checkpoint(false)
	if err != nil {
		return err
	}

	t.log.Info("tree created", "page", t.c.PageSize, "format", format, "root", id)

	return nil
}

func (t *Tree[K, V]) openExisting() (err error) {
	st, slot, err := readState(t.b, t.c.PageSize)
	if err != nil {
		return errors.Wrap(err, "read state")
	}

	if st.Layout != t.l.Identifier() || st.Major != t.l.MajorVersion() || st.Minor > t.l.MinorVersion() {
		return errors.Wrap(ErrLayoutMismatch, "tree %x v%d.%d, layout %x v%d.%d",
			st.Layout, st.Major, st.Minor, t.l.Identifier(), t.l.MajorVersion(), t.l.MinorVersion())
	}

	if t.c.Format != FormatAuto && t.c.Format != st.Format {
		return errors.Wrap(ErrLayoutMismatch, "tree format %d, expected %d", st.Format, t.c.Format)
	}

	if st.Format == FormatFixed && !t.l.FixedSize() {
		return errors.Wrap(ErrLayoutMismatch, "fixed format tree with dynamic layout")
	}

	t.c.PageSize = st.Page

	err = t.setup(st.Format)
	if err != nil {
		return err
	}

	t.fl, err = openFreeList(t.pf, st.Free, t.mon)
	if err != nil {
		return errors.Wrap(err, "open free list")
	}

	t.setupOffload()

	g := Pack(st.Stable, st.Unstable)
	if !st.Clean {
		// skip the crashed generation so its pointers are never taken as valid
		g = Pack(st.Stable, st.Unstable+1)
	}

	t.gen.Store(uint64(g))
	t.root.Store(&rootRef{id: st.Root, gen: st.RootGen})
	t.seq = st.Seq

	t.log.Info("tree opened", "page", st.Page, "format", st.Format, "state_slot", slot, "seq", st.Seq,
		"clean", st.Clean, "stable", g.Stable(), "unstable", g.Unstable(), "root", st.Root)

	if t.c.ReadOnly {
		return nil
	}

	err = t.writeState(false, g)
	if err != nil {
		return errors.Wrap(err, "mark dirty")
	}

	if !st.Clean {
		t.cleanupPending = true
		t.job = newCleanupJob(t, &t.lock, t.c.CleanupConcurrency)

		t.log.Warn("tree was not closed cleanly, crash cleanup needed", "policy", t.c.Cleanup)
	}

	return nil
}

func (t *Tree[K, V]) generation() Generation {
	return Generation(t.gen.Load())
}

func (t *Tree[K, V]) rootRef() rootRef {
	return *t.root.Load()
}

func (t *Tree[K, V]) setRoot(id, gen int64) {
	t.root.Store(&rootRef{id: id, gen: gen})
}

func (t *Tree[K, V]) isClosed() bool {
	defer t.mu.Unlock()
	t.mu.Lock()

	return t.closed
}

// Checkpoint makes everything written so far stable.
// It waits for open writers to close.
func (t *Tree[K, V]) Checkpoint() (err error) {
	t.mu.Lock()
	closed, pending := t.closed, t.cleanupPending
	t.mu.Unlock()

	switch {
	case closed:
		return ErrClosed
	case t.c.ReadOnly:
		return ErrReadOnly
	case pending:
		return ErrCleanupPending
	}

	err = t.writeFailure()
	if err != nil {
		return err
	}

	return t.cp.Do()
}

// writeFailed records err as the tree write failure if it's the first one.
func (t *Tree[K, V]) writeFailed(err error) error {
	if err == nil {
		return nil
	}

	defer t.mu.Unlock()
	t.mu.Lock()

	if t.failed == nil {
		t.failed = err
		t.log.Error("write failed, checkpoints are disabled until reopen", "err", err)
	}

	return err
}

func (t *Tree[K, V]) writeFailure() error {
	defer t.mu.Unlock()
	t.mu.Lock()

	if t.failed == nil {
		return nil
	}

	return errors.Wrap(ErrWriteFailed, "%v", t.failed)
}

func (t *Tree[K, V]) checkpointNow() error {
	defer t.lock.WriterAndCleanerUnlock()
	t.lock.WriterAndCleanerLock()

	return t.checkpoint(false)
}

// checkpoint is called with writer and cleaner locks held.
func (t *Tree[K, V]) checkpoint(clean bool) (err error) {
	err = t.writeFailure()
	if err != nil {
		return err
	}

	err = t.fl.flush()
	if err != nil {
		return errors.Wrap(err, "flush free list")
	}

	err = t.sync()
	if err != nil {
		return err
	}

	g := t.generation()
	next := Pack(g.Unstable(), g.Unstable()+1)

	err = t.writeState(clean, next)
	if err != nil {
		return errors.Wrap(err, "write state")
	}

	t.gen.Store(uint64(next))
	t.coord.changes.Add(2)

	t.mon.Event(Event{Kind: EventCheckpoint, Stable: next.Stable(), Unstable: next.Unstable(), ID: t.rootRef().id})
	t.log.Debug("checkpoint", "stable", next.Stable(), "unstable", next.Unstable(), "clean", clean)

	return nil
}

func (t *Tree[K, V]) writeState(clean bool, g Generation) (err error) {
	defer t.mu.Unlock()
	t.mu.Lock()

	root := t.rootRef()

	st := treeState{
		Seq:      t.seq + 1,
		Page:     t.c.PageSize,
		Format:   t.node.f.id(),
		Clean:    clean,
		Stable:   g.Stable(),
		Unstable: g.Unstable(),
		Root:     root.id,
		RootGen:  root.gen,
		Layout:   t.l.Identifier(),
		Major:    t.l.MajorVersion(),
		Minor:    t.l.MinorVersion(),
		Free:     t.fl.State(),
	}

	err = writeState(t.pf, &st)
	if err != nil {
		return err
	}

	err = t.sync()
	if err != nil {
		return err
	}

	t.seq = st.Seq

	return nil
}

func (t *Tree[K, V]) sync() error {
	if t.c.NoSync {
		return nil
	}

	err := t.pf.Sync()
	if err != nil {
		return errors.Wrap(err, "sync")
	}

	return nil
}

// Close checkpoints the tree and marks it clean.
// If crash cleanup didn't finish the last checkpoint is kept
// and ErrCleanupPending is returned. The same goes for ErrWriteFailed
// after a failed write.
func (t *Tree[K, V]) Close() (err error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}

	job := t.job
	t.mu.Unlock()

	if t.c.ReadOnly {
		t.markClosed()
		return nil
	}

	if job != nil {
		job.Close()
	}

	t.lock.WriterAndCleanerLock()
	defer t.lock.WriterAndCleanerUnlock()

	t.mu.Lock()
	pending := t.cleanupPending
	t.mu.Unlock()

	if pending {
		t.markClosed()

		return errors.Wrap(ErrCleanupPending, "close")
	}

	err = t.cp.Err()
	if err == nil {
		err = t.checkpoint(true)
	}

	t.markClosed()

	if err != nil {
		return errors.Wrap(err, "close")
	}

	t.log.Info("tree closed", "generation", t.generation())

	return nil
}

func (t *Tree[K, V]) markClosed() {
	defer t.mu.Unlock()
	t.mu.Lock()

	t.closed = true
}

// CleanupJob returns crash cleanup job or nil if no cleanup is needed.
// The job must be closed, writers wait for it.
func (t *Tree[K, V]) CleanupJob() *CleanupJob {
	defer t.mu.Unlock()
	t.mu.Lock()

	return t.job
}

func (t *Tree[K, V]) cleanupFinished(ok bool) {
	defer t.mu.Unlock()
	t.mu.Lock()

	if ok {
		t.cleanupPending = false
	}
}

func (t *Tree[K, V]) Stat() Stat {
	t.mu.Lock()
	pending := t.cleanupPending
	t.mu.Unlock()

	root := t.rootRef()
	fs := t.fl.State()

	return Stat{
		Generation:     t.generation(),
		Root:           root.id,
		RootGen:        root.gen,
		PageSize:       t.c.PageSize,
		Format:         t.node.f.id(),
		LastID:         fs.LastID,
		Pages:          t.pf.Pages(),
		Free:           fs,
		CleanupPending: pending,
	}
}

// Layout returns the tree layout.
func (t *Tree[K, V]) Layout() Layout[K, V] { return t.l }

// Lock returns the tree-wide lock.
func (t *Tree[K, V]) Lock() *Lock { return &t.lock }
