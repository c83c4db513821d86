package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"tapline/internal/config"
	"tapline/internal/coverage"
	"tapline/internal/engine"
	"tapline/internal/filter"
	"tapline/internal/guest"
	"tapline/internal/instrument"
	"tapline/internal/luainst"
	"tapline/internal/observ"
	"tapline/internal/source"
	"tapline/internal/trace"
	"tapline/internal/ui"
)

var runCmd = &cobra.Command{
	Use:   "run [files...]",
	Short: "Evaluate tag-tree sources under instrumentation",
	Long: `Evaluate tag-tree sources in one context. Without arguments the sources
listed in [run].main of tapline.toml are evaluated. The first Ctrl+C
interrupts running code, the second cancels the context.`,
	Args: cobra.ArbitraryArgs,
	RunE: runExecution,
}

func init() {
	runCmd.Flags().Int64("statement-limit", 0, "cancel the context after this many statements (0 disables)")
	runCmd.Flags().StringSlice("limit-sources", nil, "glob patterns of sources counted by --statement-limit")
	runCmd.Flags().String("coverage", "", "write a coverage snapshot to file")
	runCmd.Flags().StringSlice("coverage-tags", nil, "tags counted by coverage (default STATEMENT)")
	runCmd.Flags().StringArray("script", nil, "attach a Lua instrumentation script (repeatable)")
	runCmd.Flags().String("errors", "", "listener failure policy (throw|log)")
	runCmd.Flags().String("ui", "auto", "progress UI (auto|on|off)")
	runCmd.Flags().Bool("parallel", false, "evaluate every file on its own thread")
	runCmd.Flags().Int("max-depth", 0, "maximum guest call depth")
	runCmd.Flags().Duration("interrupt-timeout", 5*time.Second, "how long Ctrl+C waits for running code to stop")
}

type runOptions struct {
	files            []string
	statementLimit   int64
	limitSources     []string
	coverageOut      string
	coverageTags     []instrument.Tag
	scripts          []string
	errors           instrument.ErrorPolicy
	ui               uiMode
	parallel         bool
	maxDepth         int
	safepointTimeout time.Duration
	interruptTimeout time.Duration
	quiet            bool
	timings          bool
}

// readRunOptions merges tapline.toml with the flags. Flags win when set.
func readRunOptions(cmd *cobra.Command, cfg *config.Config, args []string) (*runOptions, error) {
	flags := cmd.Flags()
	opts := &runOptions{
		files:            args,
		statementLimit:   cfg.Limits.StatementLimit,
		limitSources:     cfg.Limits.StatementSources,
		coverageOut:      cfg.Coverage.Output,
		coverageTags:     cfg.CoverageTags(),
		scripts:          cfg.Run.Scripts,
		maxDepth:         cfg.Engine.MaxDepth,
		safepointTimeout: cfg.Engine.SafepointTimeout.Duration,
	}
	if len(opts.files) == 0 {
		opts.files = cfg.Run.Main
	}
	if len(opts.files) == 0 {
		return nil, errors.New("no sources to run: pass files or set [run].main in tapline.toml")
	}

	var err error
	if flags.Changed("statement-limit") {
		if opts.statementLimit, err = flags.GetInt64("statement-limit"); err != nil {
			return nil, err
		}
		if opts.statementLimit < 0 {
			return nil, fmt.Errorf("--statement-limit must not be negative, got %d", opts.statementLimit)
		}
	}
	if flags.Changed("limit-sources") {
		if opts.limitSources, err = flags.GetStringSlice("limit-sources"); err != nil {
			return nil, err
		}
	}
	if flags.Changed("coverage") {
		if opts.coverageOut, err = flags.GetString("coverage"); err != nil {
			return nil, err
		}
	}
	if flags.Changed("coverage-tags") {
		names, err := flags.GetStringSlice("coverage-tags")
		if err != nil {
			return nil, err
		}
		opts.coverageTags = opts.coverageTags[:0]
		for _, name := range names {
			tag, err := instrument.ParseTag(name)
			if err != nil {
				return nil, fmt.Errorf("--coverage-tags: %w", err)
			}
			opts.coverageTags = append(opts.coverageTags, tag)
		}
	}
	extra, err := flags.GetStringArray("script")
	if err != nil {
		return nil, err
	}
	opts.scripts = append(append([]string(nil), opts.scripts...), extra...)

	policy := cfg.Engine.InstrumentErrors
	if flags.Changed("errors") {
		if policy, err = flags.GetString("errors"); err != nil {
			return nil, err
		}
	}
	if opts.errors, err = instrument.ParseErrorPolicy(policy); err != nil {
		return nil, fmt.Errorf("--errors: %w", err)
	}

	uiValue, err := flags.GetString("ui")
	if err != nil {
		return nil, err
	}
	if opts.ui, err = readUIMode(uiValue); err != nil {
		return nil, err
	}
	if opts.parallel, err = flags.GetBool("parallel"); err != nil {
		return nil, err
	}
	if flags.Changed("max-depth") {
		if opts.maxDepth, err = flags.GetInt("max-depth"); err != nil {
			return nil, err
		}
	}
	if opts.interruptTimeout, err = flags.GetDuration("interrupt-timeout"); err != nil {
		return nil, err
	}
	if opts.quiet, err = cmd.Root().PersistentFlags().GetBool("quiet"); err != nil {
		return nil, err
	}
	if opts.timings, err = cmd.Root().PersistentFlags().GetBool("timings"); err != nil {
		return nil, err
	}
	return opts, nil
}

func runExecution(cmd *cobra.Command, args []string) error {
	opts, err := readRunOptions(cmd, configFrom(cmd), args)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	tracer := trace.FromContext(ctx)
	timer := observ.NewTimer()
	stderr := cmd.ErrOrStderr()

	useUI := shouldUseTUI(opts.ui, opts.quiet)
	var stdout io.Writer = cmd.OutOrStdout()
	var held *lockedBuffer
	if useUI {
		// вывод программы копится до закрытия progress view
		held = &lockedBuffer{}
		stdout = held
	}

	eng := engine.New(engine.Config{
		Language: guest.New(guest.Options{Stdout: stdout, Stderr: stderr, MaxDepth: opts.maxDepth}),
		Tracer:   tracer,
		Instrument: instrument.Options{
			Errors: opts.errors,
			OnError: func(err *instrument.InstrumentError) {
				fmt.Fprintf(stderr, "instrument: %v\n", err)
			},
		},
		SafepointTimeout: opts.safepointTimeout,
		ExitNotifier: engine.ExitFunc(func(_ context.Context, c *engine.Context, code int) error {
			if !opts.quiet {
				fmt.Fprintf(stderr, "%s: exiting with code %d\n", c, code)
			}
			return nil
		}),
	})
	defer func() {
		if err := eng.Close(context.Background()); err != nil {
			fmt.Fprintf(stderr, "engine: close: %v\n", err)
		}
	}()
	inst := eng.Instrumenter()

	phase := timer.Begin("attach")
	for _, path := range opts.scripts {
		script, err := luainst.LoadFile(path, luainst.Options{Output: stderr})
		if err != nil {
			timer.End(phase, "failed")
			return err
		}
		defer script.Close()
		if _, err := script.Attach(inst); err != nil {
			timer.End(phase, "failed")
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	var tracker *coverage.Tracker
	if opts.coverageOut != "" {
		tracker, err = coverage.Start(inst, coverage.Options{
			Tags:     opts.coverageTags,
			Discover: discoverSections(opts.coverageTags),
		})
		if err != nil {
			timer.End(phase, "failed")
			return fmt.Errorf("coverage: %w", err)
		}
	}
	timer.End(phase, fmt.Sprintf("%d scripts", len(opts.scripts)))

	phase = timer.Begin("load")
	files := make([]*source.File, 0, len(opts.files))
	for _, path := range opts.files {
		f, err := eng.LoadFile(path)
		if err != nil {
			timer.End(phase, "failed")
			return err
		}
		files = append(files, f)
	}
	timer.End(phase, fmt.Sprintf("%d files", len(files)))

	limits, err := buildLimits(opts, stderr)
	if err != nil {
		return err
	}
	c, err := eng.NewContext(engine.ContextOptions{Name: "main", Limits: limits})
	if err != nil {
		return err
	}

	stopSignals := watchSignals(c, opts.interruptTimeout, stderr)
	defer stopSignals()

	phase = timer.Begin("eval")
	evaluate := func(events chan<- ui.Event) error {
		return evalFiles(ctx, c, files, opts.parallel, events)
	}
	if useUI {
		err = runWithUI("tapline run", opts.files, evaluate)
		if _, werr := cmd.OutOrStdout().Write(held.Bytes()); werr != nil && err == nil {
			err = werr
		}
	} else {
		err = evaluate(nil)
	}
	timer.End(phase, c.State().String())
	if err != nil && !succeeded(err) {
		dumpRing(stderr, tracer, c)
	}

	if cerr := c.Close(context.Background(), true); cerr != nil && err == nil {
		err = cerr
	}

	if tracker != nil {
		tracker.Stop()
		report := tracker.Snapshot()
		if serr := coverage.Save(opts.coverageOut, report); serr != nil {
			fmt.Fprintf(stderr, "coverage: %v\n", serr)
		} else if !opts.quiet {
			fmt.Fprintf(stderr, "coverage: %.1f%% written to %s\n", report.Percent(), opts.coverageOut)
		}
	}
	if opts.timings {
		fmt.Fprint(stderr, timer.Summary())
	}
	return exitStatus(err)
}

// evalFiles evaluates files in c, one at a time unless parallel is set.
// events may be nil.
func evalFiles(ctx context.Context, c *engine.Context, files []*source.File, parallel bool, events chan<- ui.Event) error {
	send := func(ev ui.Event) {
		if events != nil {
			events <- ev
		}
	}
	stopTicker := func() {}
	if events != nil {
		stopTicker = reportState(c, events)
	}
	defer stopTicker()

	g, gctx := errgroup.WithContext(engine.WithThread(ctx, nil))
	if !parallel {
		g.SetLimit(1)
	}
	for _, f := range files {
		g.Go(func() error {
			send(ui.Event{File: f.Path, Status: ui.StatusRunning})
			_, err := c.Eval(gctx, f)
			send(ui.Event{File: f.Path, Status: statusOf(err), Statements: c.Statements()})
			return err
		})
	}
	return g.Wait()
}

// reportState periodically sends the context state to the progress view.
func reportState(c *engine.Context, events chan<- ui.Event) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				ev := ui.Event{State: c.State().String(), Threads: len(c.Threads()), Statements: c.Statements()}
				select {
				case events <- ev:
				case <-done:
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func statusOf(err error) ui.Status {
	var ce *engine.ContextError
	switch {
	case err == nil:
		return ui.StatusDone
	case errors.As(err, &ce) && ce.Kind == engine.KindExited:
		return ui.StatusDone
	case errors.As(err, &ce):
		return ui.StatusCancelled
	default:
		return ui.StatusError
	}
}

// exitStatus turns an exited context into the process exit code.
func exitStatus(err error) error {
	var ce *engine.ContextError
	if !errors.As(err, &ce) {
		return err
	}
	switch ce.Kind {
	case engine.KindExited:
		if ce.ExitCode == 0 {
			return nil
		}
		return &exitError{code: ce.ExitCode}
	case engine.KindInterrupted:
		return &exitError{code: 130}
	}
	return err
}

// succeeded reports whether err is a clean guest exit.
func succeeded(err error) bool {
	var ce *engine.ContextError
	return errors.As(err, &ce) && ce.Kind == engine.KindExited && ce.ExitCode == 0
}

// dumpRing prints the ring-buffered trace events of c after a failed run.
func dumpRing(w io.Writer, tracer trace.Tracer, c *engine.Context) {
	ring := trace.Ring(tracer)
	if ring == nil {
		return
	}
	fmt.Fprintf(w, "trace: last events of %s\n", c)
	if err := ring.Dump(w, trace.FormatText, trace.OwnedBy(c.ID())); err != nil {
		fmt.Fprintf(w, "trace: dump: %v\n", err)
	}
}

func buildLimits(opts *runOptions, stderr io.Writer) (*engine.ResourceLimits, error) {
	if opts.statementLimit == 0 {
		return nil, nil
	}
	limits := &engine.ResourceLimits{
		StatementLimit: opts.statementLimit,
		OnLimit: func(ev engine.LimitEvent) {
			if !opts.quiet {
				fmt.Fprintf(stderr, "%s: statement limit of %d reached\n", ev.Context, ev.Limit)
			}
		},
	}
	if len(opts.limitSources) > 0 {
		pred, err := filter.Glob(opts.limitSources...)
		if err != nil {
			return nil, fmt.Errorf("--limit-sources: %w", err)
		}
		limits.StatementSources = pred
	}
	return limits, nil
}

// discoverSections lists the positions coverage should report for a source.
func discoverSections(tags []instrument.Tag) coverage.DiscoverFunc {
	if len(tags) == 0 {
		tags = []instrument.Tag{instrument.TagStatement}
	}
	return func(f *source.File) []source.Section {
		prog, err := guest.Parse(f)
		if err != nil {
			return nil
		}
		var out []source.Section
		for _, tag := range tags {
			out = append(out, prog.Sections(tag)...)
		}
		return out
	}
}

// watchSignals interrupts c on the first Ctrl+C and cancels it on the second.
func watchSignals(c *engine.Context, timeout time.Duration, stderr io.Writer) (stop func()) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt)
	done := make(chan struct{})
	go func() {
		count := 0
		for {
			select {
			case <-done:
				return
			case <-sigCh:
				count++
				if count == 1 {
					fmt.Fprintln(stderr, "interrupting (press Ctrl+C again to cancel)")
					go func() {
						if err := c.Interrupt(context.Background(), timeout); err != nil {
							fmt.Fprintf(stderr, "interrupt: %v\n", err)
						}
					}()
					continue
				}
				if err := c.Cancel(context.Background()); err != nil {
					fmt.Fprintf(stderr, "cancel: %v\n", err)
				}
				return
			}
		}
	}()
	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

// lockedBuffer collects guest output written from several threads.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Bytes()
}
