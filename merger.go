package gbptree

type (
	MergeResult int

	// ValueMerger resolves a write to a key that already exists.
	ValueMerger[K, V any] interface {
		Merge(existingKey, newKey K, existingValue, newValue V) (V, MergeResult)
	}

	// ValueAggregator combines the existing value with an added one.
	ValueAggregator[V any] interface {
		Aggregate(existing, add V) V
	}

	MergerFunc[K, V any] func(existingKey, newKey K, existingValue, newValue V) (V, MergeResult)

	AggregatorFunc[V any] func(existing, add V) V

	overwrite[K, V any]    struct{}
	keepExisting[K, V any] struct{}

	aggregating[K, V any] struct {
		a ValueAggregator[V]
	}

	// SumInt64 adds values.
	SumInt64 struct{}
)

const (
	// MergeUnchanged keeps the existing value.
	MergeUnchanged MergeResult = iota
	// MergeReplaced stores the returned value, it's the new value.
	MergeReplaced
	// MergeMerged stores the returned value, it's a combination of both.
	MergeMerged
	// MergeRemoved removes the entry.
	MergeRemoved
)

func (f MergerFunc[K, V]) Merge(ek, nk K, ev, nv V) (V, MergeResult) { return f(ek, nk, ev, nv) }

func (f AggregatorFunc[V]) Aggregate(existing, add V) V { return f(existing, add) }

// Overwrite replaces the existing value with the new one.
func Overwrite[K, V any]() ValueMerger[K, V] { return overwrite[K, V]{} }

// KeepExisting leaves the existing value.
func KeepExisting[K, V any]() ValueMerger[K, V] { return keepExisting[K, V]{} }

// Aggregating stores the aggregate of the existing and the new value.
func Aggregating[K, V any](a ValueAggregator[V]) ValueMerger[K, V] {
	return aggregating[K, V]{a: a}
}

func (overwrite[K, V]) Merge(_, _ K, _, nv V) (V, MergeResult) { return nv, MergeReplaced }

func (keepExisting[K, V]) Merge(_, _ K, ev, _ V) (V, MergeResult) { return ev, MergeUnchanged }

func (a aggregating[K, V]) Merge(_, _ K, ev, nv V) (V, MergeResult) {
	return a.a.Aggregate(ev, nv), MergeMerged
}

func (SumInt64) Aggregate(existing, add int64) int64 { return existing + add }

func (r MergeResult) String() string {
	switch r {
	case MergeUnchanged:
		return "unchanged"
	case MergeReplaced:
		return "replaced"
	case MergeMerged:
		return "merged"
	case MergeRemoved:
		return "removed"
	default:
		return "unknown"
	}
}
