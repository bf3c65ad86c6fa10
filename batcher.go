package gbptree

import (
	"sync"
)

// Batcher coalesces concurrent calls into batches.
// A caller waits for a batch started after its call,
// so its call is covered by the batch result.
// The first error is sticky: all the following batches return it.
type Batcher struct {
	mu   sync.Mutex
	cond sync.Cond

	batch   int
	running bool
	err     error

	do func() error
}

func NewBatcher(do func() error) *Batcher {
	b := &Batcher{
		do: do,
	}

	b.cond.L = &b.mu

	return b
}

func (b *Batcher) Do() error {
	defer b.mu.Unlock()
	b.mu.Lock()

	bt := b.batch + 1
	if b.running {
		bt++
	}

	for b.batch < bt && b.err == nil {
		if b.running {
			b.cond.Wait()
			continue
		}

		b.running = true
		b.mu.Unlock()

		err := b.do()

		b.mu.Lock()
		b.running = false
		b.batch++
		b.err = err
		b.cond.Broadcast()
	}

	return b.err
}

func (b *Batcher) Err() error {
	defer b.mu.Unlock()
	b.mu.Lock()

	return b.err
}
