package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tetratelabs/jitmem"
	"github.com/tetratelabs/jitmem/internal/codecache"
	"github.com/tetratelabs/jitmem/internal/monitor"
)

func main() {
	doMain(os.Stdout, os.Stderr, os.Exit)
}

// doMain is separated out for the purpose of unit testing.
func doMain(stdOut, stdErr io.Writer, exit func(code int)) {
	flag.CommandLine.SetOutput(stdErr)

	var help bool
	flag.BoolVar(&help, "h", false, "print usage")

	flag.Parse()

	if help || flag.NArg() == 0 {
		printUsage(stdErr)
		exit(0)
	}

	subCmd := flag.Arg(0)
	switch subCmd {
	case "run":
		doRun(flag.Args()[1:], stdOut, stdErr, exit)
	case "config":
		doConfig(flag.Args()[1:], stdOut, stdErr, exit)
	default:
		fmt.Fprintln(stdErr, "invalid command")
		printUsage(stdErr)
		exit(1)
	}
}

func doConfig(args []string, stdOut, stdErr io.Writer, exit func(code int)) {
	flags := flag.NewFlagSet("config", flag.ExitOnError)
	flags.SetOutput(stdErr)

	var help bool
	flags.BoolVar(&help, "h", false, "print usage")

	configPath := configFlag(flags)

	_ = flags.Parse(args)

	if help {
		printConfigUsage(stdErr, flags)
		exit(0)
	}

	c, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "error reading config: %v\n", err)
		exit(1)
	}
	b, err := marshalConfig(c)
	if err != nil {
		fmt.Fprintf(stdErr, "error writing config: %v\n", err)
		exit(1)
	}
	_, _ = stdOut.Write(b)
	exit(0)
}

func doRun(args []string, stdOut, stdErr io.Writer, exit func(code int)) {
	flags := flag.NewFlagSet("run", flag.ExitOnError)
	flags.SetOutput(stdErr)

	var help bool
	flags.BoolVar(&help, "h", false, "print usage")

	var verbose bool
	flags.BoolVar(&verbose, "v", false, "log code cache events to stderr")

	configPath := configFlag(flags)

	var w workload
	flags.IntVar(&w.threads, "threads", 4, "number of compilation threads")
	flags.IntVar(&w.methods, "methods", 1000, "number of methods each compilation thread compiles")
	flags.IntVar(&w.size, "size", 256, "size in bytes of a method body")
	flags.IntVar(&w.loaders, "loaders", 4, "number of class loaders the methods are spread over")

	_ = flags.Parse(args)

	if help {
		printRunUsage(stdErr, flags)
		exit(0)
	}

	if w.threads <= 0 || w.methods <= 0 || w.size <= 0 || w.loaders <= 0 {
		fmt.Fprintln(stdErr, "threads, methods, size and loaders must be positive")
		printRunUsage(stdErr, flags)
		exit(1)
	}

	c, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "error reading config: %v\n", err)
		exit(1)
	}
	if w.threads > c.MaxCompilationThreads() {
		c = c.WithMaxCompilationThreads(w.threads)
	}
	c = c.WithLogger(newLogger(stdErr, verbose))

	host := jitmem.NewProcessHost()
	s, err := jitmem.NewSession(c, host)
	if err != nil {
		fmt.Fprintf(stdErr, "error starting session: %v\n", err)
		exit(1)
	}

	w.session, w.host = s, host
	res, err := w.run(context.Background())
	if err == nil {
		err = w.sweep(&res)
	}
	if err != nil {
		_ = s.Close()
		fmt.Fprintf(stdErr, "error running workload: %v\n", err)
		exit(1)
	}

	printStats(stdOut, res, s.Manager().Stats())
	if err = s.Close(); err != nil {
		fmt.Fprintf(stdErr, "error closing session: %v\n", err)
		exit(1)
	}
	exit(0)
}

func newLogger(stdErr io.Writer, verbose bool) *zap.Logger {
	level := zapcore.WarnLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	encoder := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	return zap.New(zapcore.NewCore(encoder, zapcore.AddSync(stdErr), level))
}

// workload simulates compilation threads writing method bodies.
type workload struct {
	threads, methods, size, loaders int

	session *jitmem.Session
	host    *jitmem.ProcessHost
}

type result struct {
	compiled, failed, unloaded, reclaimed, disclaimed int
}

// run compiles the methods on w.threads goroutines. Every eighth method is
// recorded as a faint block.
func (w *workload) run(ctx context.Context) (res result, err error) {
	var (
		mux sync.Mutex
		wg  sync.WaitGroup
	)
	wg.Add(w.threads)
	for i := 0; i < w.threads; i++ {
		tid := monitor.ThreadID(i)
		go func() {
			defer wg.Done()
			compiled, failed, threadErr := w.compile(ctx, tid)
			mux.Lock()
			defer mux.Unlock()
			res.compiled += compiled
			res.failed += failed
			err = multierr.Append(err, threadErr)
		}()
	}
	wg.Wait()
	return
}

func (w *workload) compile(ctx context.Context, tid monitor.ThreadID) (compiled, failed int, err error) {
	m := w.session.Manager()
	monitors := w.session.Monitors()
	for i := 0; i < w.methods; i++ {
		ref := w.methodRef(tid, i)
		w.host.StartCompiling(tid, ref.Method)
		monitors.ReadAcquireClassUnloadMonitor(tid)
		md, err := w.install(ctx, m, tid, ref)
		monitors.ReadReleaseClassUnloadMonitor(tid)
		w.host.StopCompiling(tid)

		switch {
		case errors.Is(err, codecache.ErrCodeCacheFull):
			return compiled, failed + w.methods - i, nil
		case errors.Is(err, codecache.ErrCacheFull), errors.Is(err, codecache.ErrTrampolinesFull):
			failed++
		case err != nil:
			return compiled, failed, fmt.Errorf("thread %d: %w", tid, err)
		default:
			compiled++
			if i%8 == 7 {
				m.AddFaintCacheBlock(md, 0)
			}
		}
	}
	return
}

// install writes the body of ref to a code cache and resolves it as a call
// target.
func (w *workload) install(ctx context.Context, m *codecache.Manager, tid monitor.ThreadID, ref codecache.MethodRef) (*codecache.MethodMetadata, error) {
	c, err := m.ReserveCodeCacheWait(ctx, false, w.size, tid)
	if err != nil {
		return nil, err
	}
	defer c.Unreserve()

	block, err := c.AllocateBytes(tid, w.size)
	if err != nil {
		return nil, err
	}
	for i := range block.Code {
		block.Code[i] = 0xcc
	}
	if _, err = c.FindOrAddResolvedMethod(ref, block.Start); err != nil {
		return nil, err
	}
	return &codecache.MethodMetadata{Ref: ref, Cache: c, Start: block.Start, Size: block.Size()}, nil
}

func (w *workload) methodRef(tid monitor.ThreadID, i int) codecache.MethodRef {
	method := uint64(int(tid)*w.methods + i + 1)
	return codecache.MethodRef{
		Method: codecache.MethodID(method),
		Class:  codecache.ClassID(method/16 + 1),
		Loader: codecache.LoaderID(method%uint64(w.loaders) + 1),
	}
}

// sweep unloads the first class loader, then reclaims faint blocks and
// disclaims free pages.
func (w *workload) sweep(res *result) (err error) {
	m := w.session.Manager()
	before := m.Stats().ResolvedMethods
	if err = w.session.UnloadClasses(1); err != nil {
		return
	}
	res.unloaded = before - m.Stats().ResolvedMethods
	if res.reclaimed, err = w.session.ReclaimFaintBlocks(); err != nil {
		return
	}
	res.disclaimed = m.DisclaimAllCodeCaches()
	return
}

func printStats(stdOut io.Writer, res result, s codecache.Stats) {
	fmt.Fprintf(stdOut, "methods compiled:\t%d\n", res.compiled)
	fmt.Fprintf(stdOut, "methods failed:\t\t%d\n", res.failed)
	fmt.Fprintf(stdOut, "call targets unloaded:\t%d\n", res.unloaded)
	fmt.Fprintf(stdOut, "faint blocks reclaimed:\t%d\n", res.reclaimed)
	fmt.Fprintf(stdOut, "code caches disclaimed:\t%d\n", res.disclaimed)
	fmt.Fprintf(stdOut, "code caches:\t\t%d\n", s.NumCaches)
	fmt.Fprintf(stdOut, "total bytes:\t\t%d\n", s.TotalBytes)
	fmt.Fprintf(stdOut, "used bytes:\t\t%d\n", s.UsedBytes)
	fmt.Fprintf(stdOut, "free bytes:\t\t%d\n", s.FreeBytes)
	fmt.Fprintf(stdOut, "resolved methods:\t%d\n", s.ResolvedMethods)
	fmt.Fprintf(stdOut, "faint blocks:\t\t%d\n", s.FaintBlocks)
	fmt.Fprintf(stdOut, "code cache full:\t%t\n", s.CodeCacheFull)
	fmt.Fprintf(stdOut, "low space:\t\t%t\n", s.LowSpace)
}

func configFlag(flags *flag.FlagSet) *string {
	return flags.String("config", "", "TOML file overriding the default configuration. "+
		"Print the defaults with 'jitmem config'.")
}

func printUsage(stdErr io.Writer) {
	fmt.Fprintln(stdErr, "jitmem CLI")
	fmt.Fprintln(stdErr)
	fmt.Fprintln(stdErr, "Usage:\n  jitmem <command>")
	fmt.Fprintln(stdErr)
	fmt.Fprintln(stdErr, "Commands:")
	fmt.Fprintln(stdErr, "  run\t\tRuns a synthetic compilation workload and prints code cache statistics")
	fmt.Fprintln(stdErr, "  config\tPrints the effective configuration as TOML")
}

func printRunUsage(stdErr io.Writer, flags *flag.FlagSet) {
	fmt.Fprintln(stdErr, "jitmem CLI")
	fmt.Fprintln(stdErr)
	fmt.Fprintln(stdErr, "Usage:\n  jitmem run <options>")
	fmt.Fprintln(stdErr)
	fmt.Fprintln(stdErr, "Options:")
	flags.PrintDefaults()
}

func printConfigUsage(stdErr io.Writer, flags *flag.FlagSet) {
	fmt.Fprintln(stdErr, "jitmem CLI")
	fmt.Fprintln(stdErr)
	fmt.Fprintln(stdErr, "Usage:\n  jitmem config <options>")
	fmt.Fprintln(stdErr)
	fmt.Fprintln(stdErr, "Options:")
	flags.PrintDefaults()
}
