//go:build linux || darwin

package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"tlog.app/go/errors"

	"nikand.dev/go/gbptree"
)

type opts struct {
	file    string
	layout  string
	mmap    bool
	verbose bool
}

func main() {
	var o opts

	root := &cobra.Command{
		Use:           "gbptree",
		Short:         "inspect and repair gbptree files",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	root.PersistentFlags().StringVarP(&o.file, "file", "f", "", "tree file")
	root.PersistentFlags().StringVarP(&o.layout, "layout", "l", "bytes", "key-value layout: bytes or int64")
	root.PersistentFlags().BoolVar(&o.mmap, "mmap", false, "access the file with mmap")
	root.PersistentFlags().BoolVarP(&o.verbose, "verbose", "v", false, "log tree events")

	stat := &cobra.Command{
		Use:   "stat",
		Short: "print tree state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(true, statCmd[[]byte, []byte], statCmd[int64, int64])
		},
	}

	dump := &cobra.Command{
		Use:   "dump",
		Short: "print tree nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(true, dumpCmd[[]byte, []byte], dumpCmd[int64, int64])
		},
	}

	var quote bool

	list := &cobra.Command{
		Use:   "list [from [to]]",
		Short: "print entries in range",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(true, func(t *gbptree.Tree[[]byte, []byte]) error {
				l := t.Layout()

				from := l.InitializeAsLowest(l.NewKey())
				to := l.InitializeAsHighest(l.NewKey())

				if len(args) > 0 {
					from = []byte(args[0])
				}
				if len(args) > 1 {
					to = []byte(args[1])
				}

				return listCmd(t, from, to, func(k, v []byte) {
					if quote {
						fmt.Printf("%q  %q\n", k, v)
					} else {
						fmt.Printf("%s  %s\n", k, v)
					}
				})
			}, func(t *gbptree.Tree[int64, int64]) error {
				return listCmd(t, minInt64, maxInt64, func(k, v int64) {
					fmt.Printf("%d  %d\n", k, v)
				})
			})
		},
	}

	list.Flags().BoolVarP(&quote, "quote", "q", false, "quote keys and values")

	check := &cobra.Command{
		Use:   "check",
		Short: "check tree consistency",
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(true, checkCmd[[]byte, []byte], checkCmd[int64, int64])
		},
	}

	var conc int

	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "run crash cleanup and checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(false, cleanupCmd[[]byte, []byte](conc), cleanupCmd[int64, int64](conc))
		},
	}

	cleanup.Flags().IntVarP(&conc, "jobs", "j", 0, "cleanup concurrency")

	root.AddCommand(stat, dump, list, check, cleanup)

	err := root.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

const (
	minInt64 = -1 << 63
	maxInt64 = 1<<63 - 1
)

func (o *opts) run(ro bool, fb func(*gbptree.Tree[[]byte, []byte]) error, fi func(*gbptree.Tree[int64, int64]) error) error {
	switch o.layout {
	case "bytes":
		return open(o, ro, gbptree.BytesLayout{}, fb)
	case "int64":
		return open(o, ro, gbptree.Int64Layout{}, fi)
	default:
		return errors.New("unsupported layout: %q", o.layout)
	}
}

func open[K, V any](o *opts, ro bool, l gbptree.Layout[K, V], f func(*gbptree.Tree[K, V]) error) (err error) {
	if o.file == "" {
		return errors.New("file expected")
	}

	flags := os.O_RDWR
	if ro {
		flags = os.O_RDONLY
	}

	var b interface {
		gbptree.Back
		Close() error
	}

	if o.mmap {
		b, err = gbptree.Mmap(o.file, flags)
	} else {
		b, err = gbptree.OpenFileBack(o.file, flags)
	}
	if err != nil {
		return err
	}

	defer func() {
		e := b.Close()
		if err == nil && e != nil {
			err = errors.Wrap(e, "close file")
		}
	}()

	if b.Size() == 0 {
		return errors.New("empty file: %v", o.file)
	}

	c := &gbptree.Config{
		ReadOnly: ro,
		Cleanup:  gbptree.CleanupDeferred,
	}

	if o.verbose {
		c.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
		c.Monitor = gbptree.SlogMonitor{Logger: c.Logger, Level: slog.LevelDebug}
	}

	t, err := gbptree.Open(b, l, c)
	if err != nil {
		return errors.Wrap(err, "open tree")
	}

	defer func() {
		e := t.Close()
		if err == nil && e != nil {
			err = errors.Wrap(e, "close tree")
		}
	}()

	return f(t)
}

func statCmd[K, V any](t *gbptree.Tree[K, V]) error {
	s := t.Stat()

	fmt.Printf("generation   %v\n", s.Generation)
	fmt.Printf("root         %#x  gen %d\n", s.Root, s.RootGen)
	fmt.Printf("page size    %#x\n", s.PageSize)
	fmt.Printf("format       %d\n", s.Format)
	fmt.Printf("pages        %d  last id %#x\n", s.Pages, s.LastID)
	fmt.Printf("free list    read %#x:%d  write %#x:%d\n", s.Free.ReadPage, s.Free.ReadPos, s.Free.WritePage, s.Free.WritePos)
	fmt.Printf("needs cleanup %v\n", s.CleanupPending)

	return nil
}

func dumpCmd[K, V any](t *gbptree.Tree[K, V]) error {
	return t.DebugDump(os.Stdout)
}

func listCmd[K, V any](t *gbptree.Tree[K, V], from, to K, f func(K, V)) (err error) {
	s := t.Seek(from, to)
	defer func() {
		e := s.Close()
		if err == nil {
			err = e
		}
	}()

	for s.Next() {
		f(s.Key(), s.Value())
	}

	return s.Err()
}

func checkCmd[K, V any](t *gbptree.Tree[K, V]) error {
	r, err := t.ConsistencyCheck()
	if err != nil {
		return err
	}

	fmt.Printf("nodes %d  leaves %d  entries %d  depth %d\n", r.Nodes, r.Leaves, r.Entries, r.Depth)
	fmt.Printf("crash pointers %d  garbage %d  free %d\n", r.CrashPointers, r.Garbage, r.Free)

	return nil
}

func cleanupCmd[K, V any](conc int) func(t *gbptree.Tree[K, V]) error {
	return func(t *gbptree.Tree[K, V]) error {
		j := t.CleanupJob()
		if j == nil || !j.Needed() {
			fmt.Printf("clean\n")
			return nil
		}

		var exec gbptree.Executor
		if conc != 0 {
			exec = gbptree.NewExecutor(conc)
		}

		j.Run(exec)
		j.Close()

		if j.HasFailed() {
			return errors.Wrap(j.Cause(), "cleanup")
		}

		s := j.Stats()
		fmt.Printf("nodes %d  crash pointers %d  garbage %d\n", s.Nodes, s.CrashPointers, s.Garbage)

		return t.Checkpoint()
	}
}
