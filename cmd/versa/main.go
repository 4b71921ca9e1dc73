// Versa CLI - runs the basic-block-versioning JIT on built-in workloads
// and serves its introspection API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/versa/jit"
	"github.com/chazu/versa/jit/snapshot"
	"github.com/chazu/versa/journal"
	"github.com/chazu/versa/manifest"
	"github.com/chazu/versa/server"
	"github.com/chazu/versa/vm"
)

var log = commonlog.GetLogger("versa")

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// verbosity is a flag that counts its occurrences: -v -v is 2.
type verbosity int

func (v *verbosity) String() string   { return strconv.Itoa(int(*v)) }
func (v *verbosity) IsBoolFlag() bool { return true }

func (v *verbosity) Set(s string) error {
	on, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	if on {
		*v++
	}
	return nil
}

type options struct {
	configPath  string
	verbose     verbosity
	threshold   int
	maxVersions int
	stats       bool
	statsOut    string
	journal     string
	addr        string
	iterations  int
}

func run(args []string, stdout, stderr io.Writer) int {
	var o options
	fs := flag.NewFlagSet("versa", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.configPath, "config", "", "Configuration file (default: versa.toml in this or a parent directory)")
	fs.Var(&o.verbose, "v", "Verbose logging (repeat for more)")
	fs.IntVar(&o.threshold, "threshold", 0, "Calls before a method is compiled")
	fs.IntVar(&o.maxVersions, "max-versions", 0, "Versions compiled per block")
	fs.BoolVar(&o.stats, "stats", false, "Count side exits per opcode")
	fs.StringVar(&o.statsOut, "stats-out", "", "Write a CBOR stats snapshot to this file when done")
	fs.StringVar(&o.journal, "journal", "", "Record compile and invalidation events in this SQLite file")
	fs.StringVar(&o.addr, "addr", "", "Introspection server address")
	fs.IntVar(&o.iterations, "n", 0, "Workload iterations (default: per demo)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: versa [options] <command> [args]\n\n")
		fmt.Fprintf(stderr, "Commands:\n")
		fmt.Fprintf(stderr, "  run <demo>          Run a workload and print the JIT report\n")
		fmt.Fprintf(stderr, "  disasm <demo>       Run a workload and list the compiled blocks\n")
		fmt.Fprintf(stderr, "  serve [demo]        Run a workload in a loop and serve introspection\n")
		fmt.Fprintf(stderr, "  stats               Print the report of a running server\n")
		fmt.Fprintf(stderr, "  stats-dump <file>   Print a snapshot written by -stats-out\n")
		fmt.Fprintf(stderr, "\nDemos:\n")
		for _, name := range demoNames() {
			fmt.Fprintf(stderr, "  %-10s %s\n", name, demos[name].about)
		}
		fmt.Fprintf(stderr, "\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	cfg, err := loadConfig(&o, fs)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	configureLogging(cfg, o.verbose)

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "run":
		err = withArg(rest, "demo", func(name string) error { return runDemo(name, cfg, &o, stdout) })
	case "disasm":
		err = withArg(rest, "demo", func(name string) error { return disasmDemo(name, cfg, &o, stdout) })
	case "serve":
		name := "poly"
		if len(rest) > 0 {
			name = rest[0]
		}
		err = serve(name, cfg, &o)
	case "stats":
		err = remoteStats(cfg, stdout)
	case "stats-dump":
		err = withArg(rest, "file", func(path string) error { return dumpStats(path, stdout) })
	default:
		fmt.Fprintf(stderr, "Unknown command %q\n\n", cmd)
		fs.Usage()
		return 2
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func withArg(args []string, what string, fn func(string) error) error {
	if len(args) != 1 {
		return fmt.Errorf("expected one %s argument, got %d", what, len(args))
	}
	return fn(args[0])
}

// loadConfig reads the configuration file and applies the flags that were
// set on the command line.
func loadConfig(o *options, fs *flag.FlagSet) (*manifest.Config, error) {
	var cfg *manifest.Config
	var err error
	if o.configPath != "" {
		cfg, err = manifest.LoadFile(o.configPath)
	} else {
		cfg, err = manifest.FindAndLoad(".")
	}
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = manifest.Default()
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "threshold":
			cfg.JIT.CallThreshold = o.threshold
		case "max-versions":
			cfg.JIT.MaxVersions = o.maxVersions
		case "stats":
			cfg.JIT.Stats = o.stats
		case "journal":
			cfg.JIT.Journal = o.journal
		case "addr":
			cfg.Server.Address = o.addr
		}
	})
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func configureLogging(cfg *manifest.Config, v verbosity) {
	var path *string
	if cfg.Log.File != "" {
		path = &cfg.Log.File
	}
	commonlog.Configure(cfg.Log.Verbosity+int(v), path)
}

// session is a VM with its engine and journal, built from a configuration.
type session struct {
	vm      *vm.VM
	engine  *jit.Engine
	journal *journal.Journal
}

func newSession(cfg *manifest.Config) (*session, error) {
	v := vm.NewVM()
	v.Profiler.SetThreshold(uint64(cfg.JIT.CallThreshold))
	s := &session{vm: v}
	if !cfg.JIT.Enabled {
		log.Notice("JIT disabled, interpreting only")
		return s, nil
	}

	opts := jit.Options{
		InlineSize:    cfg.JIT.InlineSize,
		OutlinedSize:  cfg.JIT.OutlinedSize,
		MaxVersions:   cfg.JIT.MaxVersions,
		VerifyContext: cfg.JIT.VerifyContext,
		Stats:         cfg.JIT.Stats,
	}
	if cfg.JIT.Journal != "" {
		j, err := journal.Open(cfg.JIT.Journal)
		if err != nil {
			return nil, err
		}
		s.journal = j
		opts.Sink = j
	}
	s.engine = jit.New(v, opts)
	return s, nil
}

func (s *session) requireEngine() error {
	if s.engine == nil {
		return errors.New("the JIT is disabled in the configuration")
	}
	return nil
}

func (s *session) Close() error {
	if s.journal == nil {
		return nil
	}
	if err := s.journal.Close(); err != nil {
		return err
	}
	if n := s.journal.Dropped(); n > 0 {
		log.Warningf("journal dropped %d events", n)
	}
	return nil
}

// execDemo runs a demo to completion on a fresh session.
func execDemo(name string, cfg *manifest.Config, o *options) (*session, vm.Value, int, error) {
	d, err := lookupDemo(name)
	if err != nil {
		return nil, vm.Nil, 0, err
	}
	n := o.iterations
	if n <= 0 {
		n = d.iterations
	}
	s, err := newSession(cfg)
	if err != nil {
		return nil, vm.Nil, 0, err
	}
	st, err := d.setup(s.vm, n)
	if err != nil {
		s.Close()
		return nil, vm.Nil, 0, fmt.Errorf("set up %s: %w", name, err)
	}

	w := s.vm.NewWorker()
	defer w.Close()
	last := vm.Nil
	start := time.Now()
	for i := 0; i < n; i++ {
		if last, err = st(w, i); err != nil {
			s.Close()
			return nil, vm.Nil, 0, fmt.Errorf("%s iteration %d: %w", name, i, err)
		}
	}
	log.Infof("%s: %d iterations in %s", name, n, time.Since(start))
	return s, last, n, nil
}

func runDemo(name string, cfg *manifest.Config, o *options, stdout io.Writer) error {
	s, last, n, err := execDemo(name, cfg, o)
	if err != nil {
		return err
	}
	defer s.Close()

	fmt.Fprintf(stdout, "%s: %d iterations, last result %s\n", name, n, s.vm.Format(last))
	if s.engine == nil {
		return nil
	}
	snap := snapshot.Capture(s.engine)
	if o.statsOut != "" {
		if err := snap.Write(o.statsOut); err != nil {
			return err
		}
		log.Infof("wrote stats snapshot to %s", o.statsOut)
	}
	fmt.Fprintln(stdout)
	return snap.Print(stdout)
}

func disasmDemo(name string, cfg *manifest.Config, o *options, stdout io.Writer) error {
	s, _, _, err := execDemo(name, cfg, o)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.requireEngine(); err != nil {
		return err
	}

	for _, b := range s.engine.Blocks() {
		text, err := s.engine.Disasm(b.Serial)
		if err != nil {
			return err
		}
		if b.Invalidated {
			fmt.Fprintln(stdout, "; (invalidated)")
		}
		fmt.Fprintln(stdout, text)
	}
	return nil
}

// serve runs the demo in rounds on the server's worker until interrupted.
func serve(name string, cfg *manifest.Config, o *options) error {
	d, err := lookupDemo(name)
	if err != nil {
		return err
	}
	n := o.iterations
	if n <= 0 {
		n = d.iterations
	}
	s, err := newSession(cfg)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.requireEngine(); err != nil {
		return err
	}
	st, err := d.setup(s.vm, n)
	if err != nil {
		return fmt.Errorf("set up %s: %w", name, err)
	}

	srv := server.New(s.engine)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		srv.Stop()
	}()

	if addr := cfg.Server.GRPCAddress; addr != "" {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return err
		}
		go func() {
			if err := srv.ServeGRPC(lis); err != nil {
				log.Errorf("gRPC server: %s", err)
			}
		}()
	}

	go func() {
		for round := 1; ctx.Err() == nil; round++ {
			_, err := srv.Worker().Do(func(w *vm.Interpreter) (any, error) {
				for i := 0; i < n; i++ {
					if _, err := st(w, i); err != nil {
						return nil, err
					}
				}
				return nil, nil
			})
			if errors.Is(err, server.ErrWorkerStopped) {
				return
			}
			if err != nil {
				log.Errorf("%s round %d: %s", name, round, err)
				return
			}
			log.Debugf("%s round %d done", name, round)
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
		}
	}()

	if err := srv.ListenAndServe(cfg.Server.Address); err != nil {
		return err
	}
	if o.statsOut != "" {
		return snapshot.Capture(s.engine).Write(o.statsOut)
	}
	return nil
}

func remoteStats(cfg *manifest.Config, stdout io.Writer) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := server.NewClient(nil, cfg.Server.Address).GetStats(ctx)
	if err != nil {
		return fmt.Errorf("query %s: %w", cfg.Server.Address, err)
	}
	if res.Snapshot == nil {
		return fmt.Errorf("query %s: empty response", cfg.Server.Address)
	}
	return res.Snapshot.Print(stdout)
}

func dumpStats(path string, stdout io.Writer) error {
	snap, err := snapshot.Read(path)
	if err != nil {
		return err
	}
	return snap.Print(stdout)
}
