package gbptree

import "fmt"

// Generation is a stable and unstable generation pair packed into one word.
// Stable is the last checkpointed generation, unstable is the one being written.
type Generation uint64

const (
	MinGeneration int64 = 1
	MaxGeneration int64 = 1<<32 - 1
)

// Pack panics if either generation doesn't fit into 32 bits
// or is below MinGeneration.
func Pack(stable, unstable int64) Generation {
	checkGeneration(stable)
	checkGeneration(unstable)

	return Generation(uint64(stable)<<32 | uint64(unstable))
}

func (g Generation) Stable() int64 {
	return int64(g >> 32)
}

func (g Generation) Unstable() int64 {
	return int64(g & 0xffffffff)
}

func (g Generation) Unpack() (stable, unstable int64) {
	return g.Stable(), g.Unstable()
}

func (g Generation) String() string {
	return fmt.Sprintf("gen %d/%d", g.Stable(), g.Unstable())
}

func checkGeneration(g int64) {
	if g < MinGeneration || g > MaxGeneration {
		panic(fmt.Sprintf("generation out of range: %d not in [%d, %d]", g, MinGeneration, MaxGeneration))
	}
}

// crashed reports whether a pointer written in gen belongs to a generation
// that was being written when the tree crashed and never reached a checkpoint.
func (g Generation) crashed(gen int64) bool {
	return gen > g.Stable() && gen != g.Unstable()
}
