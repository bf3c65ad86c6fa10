package gbptree

import (
	"fmt"

	"tlog.app/go/errors"
)

type (
	seekState int

	// Seeker iterates over a key range.
	// It doesn't block writers and restarts from the root
	// when it finds the tree changed under it.
	//
	// Key and Value are valid until the next call to Next.
	Seeker[K, V any] struct {
		t *Tree[K, V]
		l Layout[K, V]

		from, to K
		desc     bool

		state   seekState
		catchup rootCatchup

		p, q []byte
		id   int64
		gen  int64 // generation of the pointer we came by
		pos  int

		key   K
		value V

		last    K
		hasLast bool

		tmp K

		err error
	}

	restartError struct {
		from   int64
		reason string
	}
)

const (
	seekAtRoot seekState = iota
	seekDescending
	seekAtLeaf
	seekIterating
	seekExhausted
	seekClosed
)

const (
	maxTreeDepth      = 64
	maxSuccessorChain = 64
)

func (e *restartError) Error() string {
	return fmt.Sprintf("restart from %#x: %s", e.from, e.reason)
}

func restart(from int64, reason string, args ...interface{}) error {
	if len(args) != 0 {
		reason = fmt.Sprintf(reason, args...)
	}

	return &restartError{from: from, reason: reason}
}

// Seek returns a Seeker over [from, to) if from < to
// or over (to, from] in descending order if from > to.
func (t *Tree[K, V]) Seek(from, to K) *Seeker[K, V] {
	s := t.newSeeker()

	s.from = t.l.CopyKey(s.from, from)
	s.to = t.l.CopyKey(s.to, to)

	switch c := t.l.Compare(from, to); {
	case c == 0:
		s.state = seekExhausted
	case c > 0:
		s.desc = true
	}

	if t.isClosed() {
		s.fail(ErrClosed)
	}

	return s
}

func (t *Tree[K, V]) newSeeker() *Seeker[K, V] {
	return &Seeker[K, V]{
		t:       t,
		l:       t.l,
		from:    t.l.NewKey(),
		to:      t.l.NewKey(),
		key:     t.l.NewKey(),
		value:   t.l.NewValue(),
		last:    t.l.NewKey(),
		tmp:     t.l.NewKey(),
		catchup: newRootCatchup(t.rootRef, t.coord.changes.Load, t.c.MaxTripCount),
		p:       make([]byte, t.pf.PageSize()),
		q:       make([]byte, t.pf.PageSize()),
	}
}

// Get returns the value of the key.
func (t *Tree[K, V]) Get(k K) (v V, ok bool, err error) {
	if t.isClosed() {
		return v, false, ErrClosed
	}

	s := t.newSeeker()

	r := t.rootRef()
	s.id, s.gen = r.id, r.gen

	for {
		err = s.descend(k)
		if err == nil {
			var pos int
			var found bool

			pos, found, s.tmp, err = t.node.search(s.p, k, true, s.tmp)
			if err == nil && !found {
				return v, false, nil
			}

			if err == nil {
				_, v, err = t.node.entryAt(s.p, pos, s.tmp, t.l.NewValue())
				if err == nil {
					return v, true, nil
				}
			}
		}

		err = s.restartOrFail(err)
		if err != nil {
			return v, false, err
		}
	}
}

// Next advances to the next entry.
func (s *Seeker[K, V]) Next() bool {
	for s.state != seekExhausted && s.state != seekClosed {
		ok, err := s.advance()
		if err != nil {
			err = s.restartOrFail(err)
			if err != nil {
				s.fail(err)
				return false
			}

			continue
		}

		if ok {
			return true
		}
	}

	return false
}

func (s *Seeker[K, V]) Key() K   { return s.key }
func (s *Seeker[K, V]) Value() V { return s.value }

func (s *Seeker[K, V]) Err() error { return s.err }

func (s *Seeker[K, V]) Close() error {
	s.state = seekClosed

	return nil
}

func (s *Seeker[K, V]) fail(err error) {
	s.err = err
	s.state = seekExhausted
}

// restartOrFail turns a restart condition into a new root to descend from.
// Other errors are returned.
func (s *Seeker[K, V]) restartOrFail(err error) error {
	var r *restartError

	switch {
	case errors.As(err, &r):
	case errors.Is(err, ErrTreeInconsistency) && !fatalInconsistency(err):
		// stale page content, like a reused offload page
		r = &restartError{from: s.id, reason: err.Error()}
	default:
		return err
	}

	root, err := s.catchup.catchup(r.from, r.reason)
	if err != nil {
		s.t.log.Warn("seek gave up", "from", r.from, "reason", r.reason)
		return err
	}

	s.id, s.gen = root.id, root.gen
	s.state = seekDescending

	return nil
}

func (s *Seeker[K, V]) advance() (bool, error) {
	switch s.state {
	case seekAtRoot:
		r := s.t.rootRef()
		s.id, s.gen = r.id, r.gen
		s.state = seekDescending

		return false, nil
	case seekDescending:
		err := s.descend(s.bound())
		if err != nil {
			return false, err
		}

		s.state = seekAtLeaf

		return false, nil
	case seekAtLeaf:
		err := s.position()
		if err != nil {
			return false, err
		}

		s.state = seekIterating

		return false, nil
	case seekIterating:
	default:
		return false, nil
	}

	if s.pos < 0 || s.pos >= keyCount(s.p) {
		return false, s.moveToSibling()
	}

	k, v, err := s.t.node.entryAt(s.p, s.pos, s.key, s.value)
	if err != nil {
		return false, err
	}

	s.key, s.value = k, v

	if s.desc {
		s.pos--
	} else {
		s.pos++
	}

	if c := s.l.Compare(k, s.to); !s.desc && c >= 0 || s.desc && c <= 0 {
		s.state = seekExhausted
		return false, nil
	}

	if s.hasLast {
		if c := s.l.Compare(k, s.last); !s.desc && c <= 0 || s.desc && c >= 0 {
			return false, nil
		}
	}

	s.last = s.l.CopyKey(s.last, k)
	s.hasLast = true
	s.catchup.progress()

	return true, nil
}

// bound is the key to descend by: from at the start, the last returned key after restart.
func (s *Seeker[K, V]) bound() K {
	if s.hasLast {
		return s.last
	}

	return s.from
}

func (s *Seeker[K, V]) position() error {
	pos, found, tmp, err := s.t.node.search(s.p, s.bound(), true, s.tmp)
	s.tmp = tmp
	if err != nil {
		return err
	}

	switch {
	case !s.desc && found && s.hasLast:
		pos++
	case s.desc && !(found && !s.hasLast):
		pos--
	}

	s.pos = pos

	return nil
}

// descend walks from s.id down to the leaf for key k.
func (s *Seeker[K, V]) descend(k K) (err error) {
	t := s.t

	for depth := 0; ; depth++ {
		if depth > maxTreeDepth {
			return restart(s.id, "tree is too deep")
		}

		s.id, s.gen, err = s.readNode(s.id, s.gen, s.p)
		if err != nil {
			return err
		}

		if isLeaf(s.p) {
			return nil
		}

		var pos int
		pos, s.tmp, err = t.node.childPos(s.p, k, s.tmp)
		if err != nil {
			return err
		}

		id, gen, ok := t.node.f.childAt(s.p, pos)
		if !ok {
			return restart(s.id, "broken child pointer at %d", pos)
		}

		s.id, s.gen = id, gen
	}
}

// readNode reads node id into p following successor pointers.
// It returns the id and the pointer generation of the node actually read.
func (s *Seeker[K, V]) readNode(id, pgen int64, p []byte) (int64, int64, error) {
	return s.t.readNode(id, pgen, p)
}

func (t *Tree[K, V]) readNode(id, pgen int64, p []byte) (int64, int64, error) {
	g := t.generation()

	for i := 0; ; i++ {
		if id < MinValidID {
			return id, pgen, inconsistency("read", id, pgen, "pointer below min valid id")
		}

		if id >= t.pf.Pages() {
			return id, pgen, restart(id, "pointer out of file")
		}

		err := t.pf.Read(id, p)
		if err != nil {
			return id, pgen, err
		}

		if pageType(p) != pageTypeTreeNode {
			return id, pgen, restart(id, "not a tree node: type %d", pageType(p))
		}

		if gen := nodeGen(p); gen > pgen {
			return id, pgen, restart(id, "node gen %d is newer than pointer gen %d", gen, pgen)
		}

		if nodeFormatID(p) != t.node.f.id() || !t.node.f.check(p, keyCount(p), isLeaf(p)) {
			return id, pgen, restart(id, "bad node layout")
		}

		succ, ok := readGSPP(successorGSPP(p), g)
		if !ok {
			return id, pgen, restart(id, "broken successor pointer")
		}

		if succ.id == NilPage {
			return id, pgen, nil
		}

		if i >= maxSuccessorChain {
			return id, pgen, restart(id, "successor chain is too long")
		}

		id, pgen = succ.id, succ.gen
	}
}

func (s *Seeker[K, V]) moveToSibling() error {
	g := s.t.generation()
	right := !s.desc

	sib, ok := readGSPP(siblingGSPP(s.p, right), g)
	if !ok {
		return restart(s.id, "broken sibling pointer")
	}

	if sib.id == NilPage {
		s.state = seekExhausted
		return nil
	}

	id, gen, err := s.readNode(sib.id, sib.gen, s.q)
	if err != nil {
		return err
	}

	if !isLeaf(s.q) {
		return restart(s.id, "sibling %#x is not a leaf", id)
	}

	back, ok := readGSPP(siblingGSPP(s.q, !right), g)
	if !ok || back.id != s.id {
		return restart(s.id, "sibling %#x points back to %#x", id, back.id)
	}

	s.p, s.q = s.q, s.p
	s.id, s.gen = id, gen

	if right {
		s.pos = 0
	} else {
		s.pos = keyCount(s.p) - 1
	}

	return nil
}

func fatalInconsistency(err error) bool {
	var e *TreeInconsistencyError

	return errors.As(err, &e) && e.Op == "read"
}
