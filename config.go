package gbptree

import (
	"io"
	"log/slog"
	"runtime"

	"tlog.app/go/errors"
)

type (
	CleanupPolicy int

	// Config is tree options. Zero values mean defaults.
	Config struct {
		PageSize int64

		// MaxTripCount is how many times in a row a seek may restart
		// from the same node before it fails with inconsistency.
		MaxTripCount int

		// SplitRatio is the part of entries kept in the left node on split.
		SplitRatio float64

		// AppendOptimizedSplit keeps everything in the left node
		// when a key is appended to the rightmost leaf.
		AppendOptimizedSplit bool

		// Format is node format: FormatAuto, FormatFixed or FormatDynamic.
		// Auto picks fixed for fixed size layouts.
		Format byte

		Cleanup            CleanupPolicy
		CleanupConcurrency int

		NoSync   bool
		ReadOnly bool

		Logger  *slog.Logger
		Monitor Monitor
	}
)

const (
	// CleanupImmediate runs crash cleanup inside Open.
	CleanupImmediate CleanupPolicy = iota
	// CleanupDeferred leaves the job to the caller, see Tree.CleanupJob.
	CleanupDeferred
)

var (
	DefaultPageSize     int64 = 8 * KB
	DefaultMaxTripCount       = 10
	DefaultSplitRatio         = 0.5
)

func (c *Config) withDefaults() (r Config, err error) {
	if c != nil {
		r = *c
	}

	if r.PageSize == 0 {
		r.PageSize = DefaultPageSize
	}

	if r.PageSize < 0x100 || r.PageSize > 0x80000 || r.PageSize&(r.PageSize-1) != 0 {
		return r, errors.New("bad page size: %#x", r.PageSize)
	}

	if r.MaxTripCount == 0 {
		r.MaxTripCount = DefaultMaxTripCount
	}

	if r.MaxTripCount < 1 {
		return r, errors.New("bad max trip count: %d", r.MaxTripCount)
	}

	if r.SplitRatio == 0 {
		r.SplitRatio = DefaultSplitRatio
	}

	if r.SplitRatio <= 0 || r.SplitRatio >= 1 {
		return r, errors.New("bad split ratio: %v", r.SplitRatio)
	}

	if r.CleanupConcurrency == 0 {
		r.CleanupConcurrency = runtime.GOMAXPROCS(0)
	}

	if r.Logger == nil {
		r.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if r.Monitor == nil {
		r.Monitor = NopMonitor{}
	}

	return r, nil
}

func (p CleanupPolicy) String() string {
	switch p {
	case CleanupImmediate:
		return "immediate"
	case CleanupDeferred:
		return "deferred"
	default:
		return "unknown"
	}
}
