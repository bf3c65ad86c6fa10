package gbptree

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

type (
	rootRef struct {
		id, gen int64
	}

	// rootCatchup hands out a fresh root to a restarting traversal
	// and gives up when it keeps restarting from the same node
	// while the tree doesn't change.
	rootCatchup struct {
		root    func() rootRef
		changes func() uint64
		max     int

		from  int64
		seen  uint64
		count int

		wait *backoff.ExponentialBackOff
	}
)

func newRootCatchup(root func() rootRef, changes func() uint64, max int) rootCatchup {
	return rootCatchup{
		root:    root,
		changes: changes,
		max:     max,
		from:    NilPage,
	}
}

// catchup is called when traversal found inconsistency at node from.
// changes is odd while a structural change is in progress.
// Restarts during a change or after it are not counted as trips.
func (c *rootCatchup) catchup(from int64, reason string) (rootRef, error) {
	v := c.changes()

	switch {
	case v&1 == 1:
		c.from, c.seen, c.count = from, v, 0
		c.pause()
	case from != c.from || v != c.seen:
		c.from, c.seen, c.count = from, v, 1
	default:
		c.count++
	}

	if c.count >= c.max {
		return rootRef{}, inconsistency("seek", from, 0, "restarted %d times from the same node: %s", c.count, reason)
	}

	return c.root(), nil
}

// pause lets the writer finish the change.
func (c *rootCatchup) pause() {
	if c.wait == nil {
		c.wait = backoff.NewExponentialBackOff()
		c.wait.InitialInterval = lockInitialInterval
		c.wait.MaxInterval = lockMaxInterval
		c.wait.MaxElapsedTime = 0
		c.wait.Reset()
	}

	time.Sleep(c.wait.NextBackOff())
}

// progress resets the trip counter.
func (c *rootCatchup) progress() {
	c.from = NilPage
	c.count = 0

	if c.wait != nil {
		c.wait.Reset()
	}
}
