package suiterunner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync/atomic"

	"github.com/sourcegraph/conc/pool"

	"github.com/ethereum-optimism/infra/op-suiterunner/engine"
	"github.com/ethereum-optimism/infra/op-suiterunner/exitcodes"
	"github.com/ethereum-optimism/infra/op-suiterunner/observer"
	"github.com/ethereum-optimism/infra/op-suiterunner/registry"
	"github.com/ethereum-optimism/infra/op-suiterunner/runner"
	"github.com/ethereum-optimism/infra/op-suiterunner/service"
	"github.com/ethereum-optimism/infra/op-suiterunner/stream"
	"github.com/ethereum-optimism/infra/op-suiterunner/types"
	"github.com/ethereum-optimism/infra/op-suiterunner/wiki"
	"github.com/ethereum-optimism/optimism/op-service/cliapp"
)

// App implements the cliapp.Lifecycle interface.
var _ cliapp.Lifecycle = &App{}

// App runs suites from the command line, periodically, or on request over HTTP.
type App struct {
	ctx       context.Context
	config    *Config
	version   string
	out       io.Writer
	executor  *SuiteExecutor
	progress  *runner.ProgressTracker
	observer  *observer.Broadcaster
	service   *service.Service
	scheduler RunScheduler
	formatter ResultFormatter
	results   []*runner.RunResult

	running atomic.Bool

	shutdownCallback func(error) // Callback to signal application shutdown
}

type options struct {
	out      io.Writer
	importer wiki.Importer
	engines  runner.EngineFactory
}

// Option customizes an App
type Option func(*options)

// WithOutput sends suite reports and the result table to w instead of stdout
func WithOutput(w io.Writer) Option {
	return func(o *options) { o.out = w }
}

// WithImporter refreshes auto-updated imported pages before they run
func WithImporter(importer wiki.Importer) Option {
	return func(o *options) { o.importer = importer }
}

// WithEngines replaces the go test engines built from the configuration
func WithEngines(engines runner.EngineFactory) Option {
	return func(o *options) { o.engines = engines }
}

func New(ctx context.Context, config *Config, version string, shutdownCallback func(error), opts ...Option) (*App, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}

	config.Log.Debug("Creating suite runner with config",
		"pages", config.PagesFile,
		"workdir", config.WorkDir,
		"suites", config.Suites,
		"serve", config.Serve,
		"runInterval", config.RunInterval,
		"historyDir", config.HistoryDir)

	store, err := wiki.NewFileStore(wiki.Config{
		Log:     config.Log,
		File:    config.PagesFile,
		WorkDir: config.WorkDir,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load pages: %w", err)
	}

	o := options{out: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}
	engines := o.engines
	if engines == nil {
		configured, err := engine.NewEngines(config.Engines, config.WorkDir, config.Log)
		if err != nil {
			return nil, fmt.Errorf("failed to create engines: %w", err)
		}
		config.Log.Debug("Engines configured", "engines", configured.Keys())
		engines = configured
	}

	reg := registry.New(registry.Config{Log: config.Log})
	orchestrator, err := runner.NewOrchestrator(runner.Config{
		Engines:  engines,
		Registry: reg,
		Log:      config.Log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	progress := runner.NewProgressTracker(config.Log, config.ProgressInterval)

	var broadcaster *observer.Broadcaster
	var observerListener runner.Listener
	if config.Observer.Enabled {
		broadcaster = observer.NewBroadcaster(config.Log, config.Observer.BufferSize, config.Observer.AllowAllOrigins)
		observerListener = broadcaster
	}

	executor, err := NewSuiteExecutor(ExecutorConfig{
		Store:        store,
		Importer:     o.importer,
		Orchestrator: orchestrator,
		Progress:     progress,
		Observer:     observerListener,
		HistoryDir:   config.HistoryDir,
		RecentRuns:   config.RecentRuns,
		Log:          config.Log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create executor: %w", err)
	}
	config.Log.Info("suiterunner.New: loaded pages and created executor", "pages", store.Len())

	a := &App{
		ctx:              ctx,
		config:           config,
		version:          version,
		out:              o.out,
		executor:         executor,
		progress:         progress,
		observer:         broadcaster,
		scheduler:        NewIntervalScheduler(config.RunInterval, config.RunOnce, config.Log),
		formatter:        NewConsoleResultFormatter(config.Log, true),
		shutdownCallback: shutdownCallback,
	}
	if config.Serve {
		var events http.Handler
		if broadcaster != nil {
			events = broadcaster
		}
		responder := NewSuiteResponder(executor, events, config.Log)
		if config.RunRateLimit > 0 {
			responder.WithRunRateLimit(config.RunRateLimit, config.RunBurst)
		}
		a.service = service.New(config.Server, responder.Router())
	}
	a.scheduler.RegisterCallback(a.runSuites)
	return a, nil
}

// Start serves requests and runs the command line suites.
// Start implements the cliapp.Lifecycle interface.
func (a *App) Start(ctx context.Context) error {
	// Set up panic recovery to ensure we exit with code 2 for runtime errors
	defer func() {
		if r := recover(); r != nil {
			a.config.Log.Error("Runtime error occurred", "error", r)
			os.Exit(exitcodes.RuntimeErr)
		}
	}()

	a.ctx = ctx
	a.running.Store(true)

	if a.service != nil {
		a.service.Start(ctx)
	}

	if len(a.config.Suites) == 0 {
		a.config.Log.Info("op-suiterunner serving", "version", a.version)
		return nil
	}

	if a.config.RunOnce {
		a.config.Log.Info("Starting op-suiterunner in run-once mode", "suites", a.config.Suites)
	} else {
		a.config.Log.Info("Starting op-suiterunner in continuous mode", "suites", a.config.Suites, "interval", a.config.RunInterval)
	}

	err := a.scheduler.Start(ctx)
	if a.service != nil {
		// failing suites never stop the server
		if err != nil {
			a.config.Log.Error("Suite run failed", "error", err)
		}
		return nil
	}
	if err != nil {
		return err
	}

	if a.config.RunOnce && a.shutdownCallback != nil {
		a.config.Log.Info("Suites completed, exiting (run-once mode)")
		// Only need to call this when we're in run-once mode and all suites passed
		go func() {
			a.shutdownCallback(nil)
		}()
	}
	return nil
}

// runSuites runs every command line suite, concurrently up to the configured
// limit, then prints the reports in suite order followed by the result table.
func (a *App) runSuites(ctx context.Context) error {
	suites := a.config.Suites
	results := make([]*runner.RunResult, len(suites))
	outputs := make([]bytes.Buffer, len(suites))
	errs := make([]error, len(suites))

	p := pool.New()
	if a.config.Concurrency > 0 {
		p = p.WithMaxGoroutines(a.config.Concurrency)
	}
	for i, suite := range suites {
		p.Go(func() {
			results[i], errs[i] = a.runSuite(ctx, suite, &outputs[i])
		})
	}
	p.Wait()

	var runErr error
	for i := range suites {
		if _, err := a.out.Write(outputs[i].Bytes()); err != nil {
			a.config.Log.Warn("Failed to write suite report", "suite", suites[i], "err", err)
		}
		if errs[i] != nil {
			runErr = errors.Join(runErr, errs[i])
		}
	}

	finished := make([]*runner.RunResult, 0, len(results))
	for _, r := range results {
		if r != nil {
			finished = append(finished, r)
		}
	}
	a.results = finished
	if len(finished) > 0 {
		if err := a.formatter.FormatResults(a.out, finished); err != nil {
			a.config.Log.Warn("Failed to format results", "err", err)
		}
	}

	if runErr != nil {
		return NewRuntimeError(runErr)
	}
	switch worstExitCode(finished) {
	case exitcodes.Success:
		return nil
	case exitcodes.TestFailure:
		return NewTestFailureError(totalSummary(finished))
	default:
		return NewRuntimeError(fmt.Errorf("suite runs did not complete: %s", totalSummary(finished)))
	}
}

func (a *App) runSuite(ctx context.Context, suitePath string, out io.Writer) (*runner.RunResult, error) {
	ticket := a.executor.Registry().IssueTicket()
	gate := stream.NewGate(stream.NewWriterStream(out))
	defer gate.Close(exitcodes.RuntimeErr)

	result, err := a.executor.Run(ctx, ticket, SuiteRequest{
		SuitePath: suitePath,
		Filter:    a.config.Filter.For(suitePath),
		Options:   runner.RunOptions{Debug: a.config.Debug},
		Format:    a.config.Format,
		NoHistory: a.config.NoHistory,
	}, gate)
	if err != nil {
		_, _ = fmt.Fprintf(gate, "%v\n", err)
		return nil, fmt.Errorf("suite %s: %w", suitePath, err)
	}
	gate.Close(result.ExitCode())
	a.config.Log.Info("Suite run completed", "suite", suitePath, "ticket", ticket, "state", result.State, "summary", result.Summary)
	return result, nil
}

func totalSummary(results []*runner.RunResult) types.TestSummary {
	var total types.TestSummary
	for _, r := range results {
		total.Add(r.Summary)
	}
	return total
}

// Results returns the results of the last command line run
func (a *App) Results() []*runner.RunResult {
	return a.results
}

// Stop stops the op-suiterunner service.
// Stop implements the cliapp.Lifecycle interface.
func (a *App) Stop(ctx context.Context) error {
	a.config.Log.Info("Stopping op-suiterunner")

	if !a.running.CompareAndSwap(true, false) {
		a.config.Log.Debug("Service already stopped, nothing to do")
		return nil
	}

	var errs error
	if err := a.scheduler.Stop(); err != nil {
		errs = errors.Join(errs, err)
	}
	if err := a.scheduler.WaitForShutdown(ctx); err != nil {
		errs = errors.Join(errs, err)
	}
	if a.service != nil {
		if err := a.service.Shutdown(); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	if a.observer != nil {
		a.observer.Close()
	}
	a.progress.Stop()

	a.config.Log.Info("op-suiterunner stopped")
	return errs
}

// Stopped returns true if the op-suiterunner service is stopped.
// Stopped implements the cliapp.Lifecycle interface.
func (a *App) Stopped() bool {
	return !a.running.Load()
}
