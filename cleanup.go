package gbptree

import (
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"golang.org/x/sync/errgroup"
	"tlog.app/go/errors"
)

type (
	// Executor runs tasks in parallel. errgroup.Group is one.
	Executor interface {
		Go(f func() error)
		Wait() error
	}

	// CleanupJob removes traces of a crash: pointers written in generations
	// which never reached a checkpoint and pages nothing refers to.
	//
	// The job holds the cleaner lock from its creation until Close,
	// writers wait for it to close.
	CleanupJob struct {
		t    cleaner
		lock *Lock
		conc int

		mu      sync.Mutex
		cond    sync.Cond
		state   cleanupState
		running bool
		closed  bool
		cause   error
		stats   CleanupStats
	}

	CleanupStats struct {
		Nodes         int64
		CrashPointers int64
		Garbage       int64
	}

	cleanupState int

	cleaner interface {
		crashCleanup(exec Executor) (CleanupStats, error)
		cleanupFinished(ok bool)
		cleanupClosed(st CleanupStats, cause error)
	}

	// walker visits every node reachable from the root.
	walker[K, V any] struct {
		t   *Tree[K, V]
		g   Generation
		fix bool

		mu   sync.Mutex
		seen *roaring64.Bitmap

		nodes atomic.Int64
		crash atomic.Int64
	}
)

const (
	cleanupNeeded cleanupState = iota
	cleanupRunning
	cleanupClean
	cleanupFailed
)

var _ Executor = &errgroup.Group{}

// NewExecutor returns an Executor running at most n tasks at once.
func NewExecutor(n int) Executor {
	var g errgroup.Group

	if n > 0 {
		g.SetLimit(n)
	}

	return &g
}

func newCleanupJob(t cleaner, l *Lock, conc int) *CleanupJob {
	j := &CleanupJob{
		t:    t,
		lock: l,
		conc: conc,
	}

	j.cond.L = &j.mu

	l.CleanerLock()

	return j
}

// Needed reports whether the job hasn't completed successfully yet.
func (j *CleanupJob) Needed() bool {
	defer j.mu.Unlock()
	j.mu.Lock()

	return j.state != cleanupClean
}

func (j *CleanupJob) HasFailed() bool {
	defer j.mu.Unlock()
	j.mu.Lock()

	return j.state == cleanupFailed
}

// Cause returns the error the last run failed with.
func (j *CleanupJob) Cause() error {
	defer j.mu.Unlock()
	j.mu.Lock()

	return j.cause
}

func (j *CleanupJob) Stats() CleanupStats {
	defer j.mu.Unlock()
	j.mu.Lock()

	return j.stats
}

// Run does the cleanup. Subtrees are walked in parallel using exec,
// nil means the default executor. Failure is reported by HasFailed and Cause.
// A failed job may be run again.
func (j *CleanupJob) Run(exec Executor) {
	j.mu.Lock()

	if j.closed || j.running || j.state == cleanupClean {
		j.mu.Unlock()
		return
	}

	j.running = true
	j.state = cleanupRunning
	j.mu.Unlock()

	if exec == nil {
		exec = NewExecutor(j.conc)
	}

	st, err := j.t.crashCleanup(exec)

	j.mu.Lock()

	j.running = false
	j.stats = st
	j.cause = err

	if err != nil {
		j.state = cleanupFailed
	} else {
		j.state = cleanupClean
	}

	j.cond.Broadcast()
	j.mu.Unlock()

	j.t.cleanupFinished(err == nil)
}

// Close waits for Run in progress and releases the cleaner lock.
// It's safe to call it more than once.
func (j *CleanupJob) Close() {
	j.mu.Lock()

	for j.running {
		j.cond.Wait()
	}

	if j.closed {
		j.mu.Unlock()
		return
	}

	j.closed = true
	st, cause := j.stats, j.cause

	j.mu.Unlock()

	j.lock.CleanerUnlock()

	j.t.cleanupClosed(st, cause)
}

func (s cleanupState) String() string {
	switch s {
	case cleanupNeeded:
		return "needed"
	case cleanupRunning:
		return "running"
	case cleanupClean:
		return "clean"
	case cleanupFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (t *Tree[K, V]) crashCleanup(exec Executor) (st CleanupStats, err error) {
	g := t.generation()

	t.log.Info("crash cleanup started", "stable", g.Stable(), "unstable", g.Unstable())

	w := newWalker(t, g, true)

	err = w.walk(exec)

	st.Nodes = w.nodes.Load()
	st.CrashPointers = w.crash.Load()

	if err != nil {
		t.log.Error("crash cleanup failed", "err", err, "nodes", st.Nodes)
		return st, errors.Wrap(err, "walk tree")
	}

	garbage, err := w.garbage()
	if err != nil {
		return st, err
	}

	for _, id := range garbage {
		err = t.fl.ReleaseID(g.Stable(), g.Unstable(), int64(id))
		if err != nil {
			return st, errors.Wrap(err, "release garbage")
		}

		t.mon.Event(Event{Kind: EventGarbageReclaimed, Stable: g.Stable(), Unstable: g.Unstable(), ID: int64(id)})
	}

	st.Garbage = int64(len(garbage))

	t.log.Info("crash cleanup finished", "nodes", st.Nodes, "crash_pointers", st.CrashPointers, "garbage", st.Garbage)

	return st, nil
}

func (t *Tree[K, V]) cleanupClosed(st CleanupStats, cause error) {
	g := t.generation()

	t.mon.Event(Event{Kind: EventCleanupClosed, Stable: g.Stable(), Unstable: g.Unstable(), ID: st.Garbage, Other: st.CrashPointers})

	if cause != nil {
		t.log.Warn("crash cleanup closed unfinished", "cause", cause)
	}
}

func newWalker[K, V any](t *Tree[K, V], g Generation, fix bool) *walker[K, V] {
	return &walker[K, V]{
		t:    t,
		g:    g,
		fix:  fix,
		seen: roaring64.New(),
	}
}

// walk visits the root and then its subtrees in parallel.
func (w *walker[K, V]) walk(exec Executor) error {
	root := w.t.rootRef()
	p := make([]byte, w.t.pf.PageSize())

	children, err := w.visit(root.id, root.gen, p)
	if err != nil {
		return err
	}

	for _, ch := range children {
		ch := ch

		exec.Go(func() error {
			return w.subtree(ch)
		})
	}

	return exec.Wait()
}

func (w *walker[K, V]) subtree(ch childRef) error {
	p := make([]byte, w.t.pf.PageSize())
	stack := []childRef{ch}

	for len(stack) != 0 {
		c := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		children, err := w.visit(c.id, c.gen, p)
		if err != nil {
			return err
		}

		stack = append(stack, children...)
	}

	return nil
}

// visit checks node id, cleans its crashed pointers if asked
// and marks the node and its offload pages as reachable.
func (w *walker[K, V]) visit(id, pgen int64, p []byte) (children []childRef, err error) {
	t := w.t

	if id < MinValidID || id >= t.fl.LastID() {
		return nil, inconsistency("walk", id, pgen, "bad pointer")
	}

	var crashed int

	if w.fix {
		err = t.pf.Update(id, p, func(p []byte) (bool, error) {
			if pageType(p) != pageTypeTreeNode {
				return false, inconsistency("walk", id, pgen, "not a tree node: type %d", pageType(p))
			}

			crashed = 0
			nodeGSPPs(p, func(_ string, s []byte) {
				crashed += cleanCrashedGSPP(s, w.g)
			})

			return crashed != 0, nil
		})
	} else {
		err = t.pf.Read(id, p)
		if err == nil && pageType(p) != pageTypeTreeNode {
			err = inconsistency("walk", id, pgen, "not a tree node: type %d", pageType(p))
		}

		nodeGSPPs(p, func(_ string, s []byte) {
			crashed += countCrashedGSPP(s, w.g)
		})
	}
	if err != nil {
		return nil, err
	}

	if crashed != 0 {
		w.crash.Add(int64(crashed))

		if w.fix {
			t.mon.Event(Event{Kind: EventCrashPointerCleaned, Stable: w.g.Stable(), Unstable: w.g.Unstable(), ID: id, Other: int64(crashed)})
		}
	}

	if gen := nodeGen(p); gen > pgen {
		return nil, inconsistency("walk", id, pgen, "node gen %d is newer than pointer", gen)
	}

	n := keyCount(p)
	leaf := isLeaf(p)

	if nodeFormatID(p) != t.node.f.id() || !t.node.f.check(p, n, leaf) {
		return nil, inconsistency("walk", id, pgen, "bad node layout")
	}

	if s, ok := readGSPP(successorGSPP(p), w.g); !ok || s.id != NilPage {
		return nil, inconsistency("walk", id, pgen, "reachable node has successor %#x", s.id)
	}

	err = w.mark(id)
	if err != nil {
		return nil, err
	}

	w.nodes.Add(1)

	for i := 0; i < n; i++ {
		oid := t.node.offloadID(t.node.f.rawAt(p, i, leaf, nil))
		if oid == NilPage {
			continue
		}

		var merr error

		err = t.node.off.visit(oid, func(pid int64) {
			if merr == nil {
				merr = w.mark(pid)
			}
		})
		if err == nil {
			err = merr
		}
		if err != nil {
			return nil, err
		}
	}

	if leaf {
		return nil, nil
	}

	for i := 0; i <= n; i++ {
		cid, cgen, ok := t.node.f.childAt(p, i)
		if !ok {
			return nil, inconsistency("walk", id, pgen, "broken child pointer at %d", i)
		}

		children = append(children, childRef{id: cid, gen: cgen})
	}

	return children, nil
}

func (w *walker[K, V]) mark(id int64) error {
	defer w.mu.Unlock()
	w.mu.Lock()

	if !w.seen.CheckedAdd(uint64(id)) {
		return inconsistency("walk", id, 0, "page is reachable twice")
	}

	return nil
}

// garbage returns ids which are neither reachable nor free.
func (w *walker[K, V]) garbage() ([]uint64, error) {
	t := w.t

	var err error

	ferr := t.fl.visit(func(id int64, _ bool) {
		if err == nil {
			err = w.mark(id)
		}
	})
	if ferr != nil {
		return nil, errors.Wrap(ferr, "free list")
	}
	if err != nil {
		return nil, errors.Wrap(err, "free list")
	}

	all := roaring64.New()
	all.AddRange(uint64(MinValidID), uint64(t.fl.LastID()))
	all.AndNot(w.seen)

	return all.ToArray(), nil
}
