package cli

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/g960059/devicebench/internal/config"
	"github.com/g960059/devicebench/internal/console"
	"github.com/g960059/devicebench/internal/db"
	"github.com/g960059/devicebench/internal/metrics"
	"github.com/g960059/devicebench/internal/model"
	"github.com/g960059/devicebench/internal/notify"
	"github.com/g960059/devicebench/internal/screenshot"
	"github.com/g960059/devicebench/internal/state"
	"github.com/g960059/devicebench/internal/transport"
)

type Runner struct {
	baseURL string
	client  *http.Client
	in      io.Reader
	out     io.Writer
	errOut  io.Writer
	env     func(string) (string, bool)
}

// commandActions maps CLI command names to action names.
var commandActions = map[string]string{
	"reserve":    model.ActionReserve,
	"release":    model.ActionRelease,
	"alert-test": model.ActionAlertTest,
	"metrics":    model.ActionMetrics,
	"run-test":   model.ActionRunTest,
}

func NewRunner(out, errOut io.Writer) *Runner {
	return NewRunnerWithClient("", nil, out, errOut)
}

// NewRunnerWithClient pins the backend URL and HTTP client. An empty baseURL
// leaves the URL to the config file, environment and flags.
func NewRunnerWithClient(baseURL string, client *http.Client, out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Runner{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		in:      os.Stdin,
		out:     &lockedWriter{w: out},
		errOut:  &lockedWriter{w: errOut},
		env:     os.LookupEnv,
	}
}

// lockedWriter serializes writes from dispatched actions and the command itself.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// WithInput sets the reader the session command consumes.
func (r *Runner) WithInput(in io.Reader) *Runner {
	r.in = in
	return r
}

// WithEnv replaces the environment lookup used for DEVICEBENCH_* variables.
func (r *Runner) WithEnv(lookup func(string) (string, bool)) *Runner {
	r.env = lookup
	return r
}

type globalOptions struct {
	configPath string
	backendURL string
	dbPath     string
	noHistory  bool
	logLevel   string
}

func parseGlobalArgs(args []string) (globalOptions, []string, error) {
	var opts globalOptions
	rest := make([]string, 0, len(args))
	valued := map[string]*string{
		"--config":    &opts.configPath,
		"--backend":   &opts.backendURL,
		"--db":        &opts.dbPath,
		"--log-level": &opts.logLevel,
	}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if len(rest) > 0 {
			rest = append(rest, arg)
			continue
		}
		if arg == "--no-history" {
			opts.noHistory = true
			continue
		}
		name, value, hasValue := strings.Cut(arg, "=")
		dst, ok := valued[name]
		if !ok {
			rest = append(rest, arg)
			continue
		}
		if !hasValue {
			if i+1 >= len(args) {
				return globalOptions{}, nil, fmt.Errorf("%s requires value", name)
			}
			value = args[i+1]
			i++
		}
		*dst = value
	}
	return opts, rest, nil
}

func (r *Runner) Run(ctx context.Context, args []string) int {
	opts, rest, err := parseGlobalArgs(args)
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if len(rest) == 0 {
		r.printUsage()
		return 2
	}
	cfg, err := r.loadConfig(opts)
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	env := &environment{cfg: cfg, logger: newLogger(r.errOut, cfg.LogLevel)}

	cmd := rest[0]
	if action, ok := commandActions[cmd]; ok {
		if action == model.ActionRunTest {
			return r.runTest(ctx, env, rest[1:])
		}
		return r.runAction(ctx, env, cmd, action, rest[1:])
	}
	switch cmd {
	case "health":
		return r.runHealth(ctx, env, rest[1:])
	case "session":
		return r.runSession(ctx, env, rest[1:])
	case "history":
		return r.runHistory(ctx, env, rest[1:])
	case "last-delta":
		return r.runLastDelta(ctx, env, rest[1:])
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown command: %s\n", cmd)
		r.printUsage()
		return 2
	}
}

func (r *Runner) loadConfig(opts globalOptions) (config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return config.Config{}, err
	}
	cfg.ApplyEnv(r.env)
	if r.baseURL != "" {
		cfg.BackendURL = r.baseURL
	}
	if opts.backendURL != "" {
		cfg.BackendURL = strings.TrimRight(opts.backendURL, "/")
	}
	if opts.dbPath != "" {
		cfg.DBPath = opts.dbPath
	}
	if opts.noHistory {
		cfg.HistoryEnabled = false
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// environment carries what one command invocation resolved and opened.
type environment struct {
	cfg    config.Config
	logger *slog.Logger
	store  *db.Store
}

func (e *environment) openStore(ctx context.Context) (*db.Store, error) {
	if e.store != nil {
		return e.store, nil
	}
	if !e.cfg.HistoryEnabled {
		return nil, errors.New("history is disabled")
	}
	store, err := db.OpenMigrated(ctx, e.cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	e.store = store
	return store, nil
}

func (e *environment) close() {
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			e.logger.Warn("close history", "err", err)
		}
	}
}

// openConsole builds a probed console. History write failures never fail a command,
// so an unavailable store only disables journaling.
func (r *Runner) openConsole(ctx context.Context, env *environment) (*console.Console, error) {
	opts := console.Options{
		Notifier: notify.NewWriterSink(r.out),
		Logger:   env.logger,
	}
	if env.cfg.HistoryEnabled {
		store, err := env.openStore(ctx)
		if err != nil {
			env.logger.Warn("history unavailable", "err", err)
		} else {
			opts.Journal = store
		}
	}
	if env.cfg.ScreenshotDir != "" {
		dir, err := screenshot.NewDirStore(env.cfg.ScreenshotDir)
		if err != nil {
			return nil, err
		}
		opts.Allocator = dir
	}
	sender := transport.NewWithClient(env.cfg.BackendURL, r.client).WithRequestTimeout(env.cfg.RequestTimeout)
	c := console.New(sender, opts)
	c.Probe(ctx)
	return c, nil
}

func (r *Runner) runHealth(ctx context.Context, env *environment, args []string) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	defer env.close()
	env.cfg.HistoryEnabled = false
	c, err := r.openConsole(ctx, env)
	if err != nil {
		return r.handleErr(err)
	}
	defer c.Close() //nolint:errcheck

	snap := c.Snapshot()
	if *jsonOut {
		report, _ := c.Health()
		return r.writeJSON(map[string]any{
			"status":          snap.Status,
			"phone_connected": report.PhoneConnected,
			"phone_busy":      report.PhoneBusy,
		}, snap.Status == state.StatusConnected)
	}
	_, _ = fmt.Fprintln(r.out, snap.Output)
	if snap.Status != state.StatusConnected {
		return 1
	}
	if report, ok := c.Health(); ok {
		_, _ = fmt.Fprintf(r.out, "\nphone connected: %t\nphone busy: %t\n", report.PhoneConnected, report.PhoneBusy)
	}
	return 0
}

func (r *Runner) runAction(ctx context.Context, env *environment, cmd, action string, args []string) int {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	defer env.close()
	c, err := r.openConsole(ctx, env)
	if err != nil {
		return r.handleErr(err)
	}
	defer c.Close() //nolint:errcheck

	run, err := c.Invoke(ctx, action)
	if err != nil {
		if errors.Is(err, state.ErrDisconnected) {
			_, _ = fmt.Fprintln(r.out, c.Snapshot().Output)
		}
		return r.handleErr(err)
	}
	_, _ = fmt.Fprintln(r.out, c.Snapshot().Output)
	if run.Outcome != model.OutcomeSuccess {
		return 1
	}
	if action == model.ActionMetrics {
		if m := c.Snapshot().DeviceMetrics; m != nil {
			_, _ = fmt.Fprintf(r.out, "\nbattery: %s\ncpu: %s\nmemory: %s\n", m.Battery, m.CPU, m.Memory)
		}
	}
	return 0
}

func (r *Runner) runTest(ctx context.Context, env *environment, args []string) int {
	fs := flag.NewFlagSet("run-test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	savePath := fs.String("save", "", "write the screenshot to this path")
	jsonOut := fs.Bool("json", false, "output the hardware delta as JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	defer env.close()
	c, err := r.openConsole(ctx, env)
	if err != nil {
		return r.handleErr(err)
	}
	defer c.Close() //nolint:errcheck

	run, err := c.RunTest(ctx)
	if err != nil {
		if errors.Is(err, state.ErrDisconnected) {
			_, _ = fmt.Fprintln(r.out, c.Snapshot().Output)
		}
		return r.handleErr(err)
	}
	snap := c.Snapshot()
	if *jsonOut && snap.HardwareDelta != nil {
		if code := r.writeJSON(snap.HardwareDelta, true); code != 0 {
			return code
		}
	} else {
		_, _ = fmt.Fprintln(r.out, snap.Output)
		if snap.HardwareDelta != nil {
			_, _ = fmt.Fprintln(r.out)
			r.printDelta(*snap.HardwareDelta)
		}
	}
	if run.Outcome != model.OutcomeSuccess {
		return 1
	}
	if *savePath != "" && snap.Screenshot != nil {
		data, err := snap.Screenshot.Bytes()
		if err != nil {
			return r.handleErr(err)
		}
		if err := os.WriteFile(*savePath, data, 0o644); err != nil {
			return r.handleErr(fmt.Errorf("save screenshot: %w", err))
		}
		_, _ = fmt.Fprintf(r.errOut, "screenshot saved: %s (%d bytes)\n", *savePath, len(data))
	}
	return 0
}

func (r *Runner) runHistory(ctx context.Context, env *environment, args []string) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	limit := fs.Int("limit", 20, "max runs to list")
	action := fs.String("action", "", "only runs of this action")
	jsonOut := fs.Bool("json", false, "output JSON")
	prune := fs.Duration("prune", 0, "first delete runs older than this age")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if *limit <= 0 || *prune < 0 {
		_, _ = fmt.Fprintln(r.errOut, "usage: devicebench history [--limit <n>] [--action <name>] [--prune <age>] [--json]")
		return 2
	}
	defer env.close()
	store, err := env.openStore(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	if *prune > 0 {
		n, err := store.PruneBefore(ctx, time.Now().Add(-*prune))
		if err != nil {
			return r.handleErr(err)
		}
		_, _ = fmt.Fprintf(r.errOut, "pruned %d runs\n", n)
	}
	name := *action
	if mapped, ok := commandActions[name]; ok {
		name = mapped
	}
	runs, err := store.ListActionRuns(ctx, db.ListOptions{Action: name, Limit: *limit})
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		items := make([]historyItem, 0, len(runs))
		for _, run := range runs {
			items = append(items, newHistoryItem(run))
		}
		return r.writeJSON(map[string]any{"runs": items}, true)
	}
	if len(runs) == 0 {
		_, _ = fmt.Fprintln(r.out, "no runs recorded")
		return 0
	}
	for _, run := range runs {
		_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\t%s\t%s\n",
			run.SettledAt.Local().Format("2006-01-02 15:04:05"),
			run.Action,
			run.Outcome,
			run.Duration().Round(time.Millisecond),
			run.Message,
		)
	}
	return 0
}

type historyItem struct {
	RunID      string `json:"run_id"`
	Action     string `json:"action"`
	Endpoint   string `json:"endpoint"`
	Outcome    string `json:"outcome"`
	Message    string `json:"message"`
	StartedAt  string `json:"started_at"`
	SettledAt  string `json:"settled_at"`
	DurationMs int64  `json:"duration_ms"`
}

func newHistoryItem(run model.ActionRun) historyItem {
	return historyItem{
		RunID:      run.RunID,
		Action:     run.Action,
		Endpoint:   run.Endpoint,
		Outcome:    string(run.Outcome),
		Message:    run.Message,
		StartedAt:  run.StartedAt.UTC().Format(time.RFC3339Nano),
		SettledAt:  run.SettledAt.UTC().Format(time.RFC3339Nano),
		DurationMs: run.Duration().Milliseconds(),
	}
}

func (r *Runner) runLastDelta(ctx context.Context, env *environment, args []string) int {
	fs := flag.NewFlagSet("last-delta", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	defer env.close()
	store, err := env.openStore(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	rec, err := store.LatestHardwareDelta(ctx)
	if errors.Is(err, db.ErrNotFound) {
		_, _ = fmt.Fprintln(r.out, "no hardware delta recorded")
		return 1
	}
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.writeJSON(map[string]any{
			"run_id":      rec.RunID,
			"recorded_at": rec.RecordedAt.UTC().Format(time.RFC3339Nano),
			"delta":       rec.Delta,
		}, true)
	}
	_, _ = fmt.Fprintf(r.out, "run %s at %s\n\n", rec.RunID, rec.RecordedAt.Local().Format("2006-01-02 15:04:05"))
	r.printDelta(rec.Delta)
	return 0
}

func (r *Runner) printDelta(d metrics.HardwareDelta) {
	v := d.View()
	s := d.Summary()
	rows := [][2]string{
		{"launch time", v.LaunchTime},
		{"cpu before", v.CPUBefore},
		{"cpu after", v.CPUAfter},
		{"ram before", v.RAMBefore},
		{"ram after", v.RAMAfter},
		{"ram diff", v.RAMDiff},
		{"battery before", v.BatteryBefore},
		{"battery after", v.BatteryAfter},
		{"battery drain", v.BatteryDrain},
	}
	for _, row := range rows {
		_, _ = fmt.Fprintf(r.out, "%-15s %s\n", row[0]+":", row[1])
	}
	_, _ = fmt.Fprintf(r.out, "\nsummary: launch %s ms, cpu %s, memory %s, battery %s\n",
		strconv.FormatFloat(s.LaunchTimeMs, 'f', -1, 64), s.CPU, s.Memory, s.BatteryLevel)
}

func (r *Runner) writeJSON(v any, ok bool) int {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return r.handleErr(err)
	}
	if !ok {
		return 1
	}
	return 0
}

func (r *Runner) handleErr(err error) int {
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	return 1
}

func (r *Runner) printUsage() {
	_, _ = fmt.Fprintln(r.errOut, "usage: devicebench [--config <path>] [--backend <url>] [--db <path>] [--no-history] [--log-level <level>] <health|reserve|release|alert-test|metrics|run-test|session|history|last-delta> ...")
}
