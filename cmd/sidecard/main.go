// Command sidecard runs the context-management sidecar process: it
// watches live assistant transcripts, persists sessions/memories/
// checkpoints, evaluates fold/spawn thresholds, and serves a dashboard
// HTTP/SSE surface.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/sevlyar/go-daemon"

	"github.com/ctxfold/sidecar/internal/config"
	"github.com/ctxfold/sidecar/internal/eventbus"
	"github.com/ctxfold/sidecar/internal/fold"
	"github.com/ctxfold/sidecar/internal/httpapi"
	"github.com/ctxfold/sidecar/internal/llmclient"
	. "github.com/ctxfold/sidecar/internal/logging"
	"github.com/ctxfold/sidecar/internal/memoryindex"
	"github.com/ctxfold/sidecar/internal/scheduler"
	"github.com/ctxfold/sidecar/internal/store"
	"github.com/ctxfold/sidecar/internal/watcher"
)

var version = "dev"

// CLI defines the command-line interface.
type CLI struct {
	Debug  bool   `help:"Enable debug logging" short:"d"`
	Trace  bool   `help:"Enable trace logging" short:"t"`
	Config string `help:"Config file path" short:"c" type:"path"`

	Run     RunCmd     `cmd:"" default:"withargs" help:"Run the sidecar in the foreground"`
	Start   StartCmd   `cmd:"" help:"Start the sidecar as a background daemon"`
	Stop    StopCmd    `cmd:"" help:"Stop the background daemon"`
	Status  StatusCmd  `cmd:"" help:"Show whether the daemon is running"`
	Version VersionCmd `cmd:"" help:"Show version"`
}

// Context is passed to every command.
type Context struct {
	Debug  bool
	Trace  bool
	Config string
}

// RuntimePaths holds derived paths for daemon operation.
type RuntimePaths struct {
	DataDir string
	PidFile string
	LogFile string
}

func loadRuntimePaths(cfgPath string) (*config.Config, *RuntimePaths, error) {
	loadResult, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	dataDir := filepath.Dir(loadResult.Config.Store.Path)
	return loadResult.Config, &RuntimePaths{
		DataDir: dataDir,
		PidFile: filepath.Join(dataDir, "sidecard.pid"),
		LogFile: filepath.Join(dataDir, "sidecard.log"),
	}, nil
}

// RunCmd runs the sidecar in the foreground (the default command).
type RunCmd struct{}

func (r *RunCmd) Run(ctx *Context) error {
	return runSidecar(ctx)
}

// StartCmd daemonizes the sidecar.
type StartCmd struct{}

func (s *StartCmd) Run(ctx *Context) error {
	_, paths, err := loadRuntimePaths(ctx.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}

	if err := os.MkdirAll(paths.DataDir, 0750); err != nil {
		return err
	}
	if isRunningAt(paths.PidFile) {
		return fmt.Errorf("sidecard already running")
	}

	cntxt := &daemon.Context{
		PidFileName: paths.PidFile,
		PidFilePerm: 0644,
		LogFileName: paths.LogFile,
		LogFilePerm: 0640,
		WorkDir:     "./",
		Umask:       027,
	}

	d, err := cntxt.Reborn()
	if err != nil {
		return fmt.Errorf("daemonize: %w", err)
	}
	if d != nil {
		L_info("sidecard started", "pid", d.Pid, "dataDir", paths.DataDir)
		return nil
	}
	defer cntxt.Release() //nolint:errcheck

	return runSidecar(ctx)
}

// StopCmd stops the background daemon.
type StopCmd struct{}

func (s *StopCmd) Run(ctx *Context) error {
	_, paths, err := loadRuntimePaths(ctx.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	pid, running := getPidFromFile(paths.PidFile)
	if !running {
		L_info("sidecard not running")
		return nil
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("process not found: %w", err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to stop: %w", err)
	}
	L_info("sidecard stopped", "pid", pid)
	os.Remove(paths.PidFile)
	return nil
}

// StatusCmd reports whether the daemon is running.
type StatusCmd struct{}

func (s *StatusCmd) Run(ctx *Context) error {
	_, paths, err := loadRuntimePaths(ctx.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	pid, running := getPidFromFile(paths.PidFile)
	if !running {
		fmt.Println("sidecard: not running")
		return nil
	}
	fmt.Printf("sidecard: running (pid %d)\n", pid)
	return nil
}

// VersionCmd prints the build version.
type VersionCmd struct{}

func (v *VersionCmd) Run(ctx *Context) error {
	fmt.Println("sidecard " + version)
	return nil
}

func getPidFromFile(pidFile string) (int, bool) {
	pidBytes, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(pidBytes)))
	if err != nil {
		return 0, false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return pid, false
	}
	if err := process.Signal(syscall.Signal(0)); err != nil {
		return pid, false
	}
	return pid, true
}

func isRunningAt(pidFile string) bool {
	_, running := getPidFromFile(pidFile)
	return running
}

// runSidecar wires every component together and blocks until a shutdown
// signal arrives.
func runSidecar(ctx *Context) error {
	L_info("starting sidecard", "version", version)

	loadResult, err := config.Load(ctx.Config)
	if err != nil {
		return err
	}
	cfg := loadResult.Config
	L_debug("config loaded", "path", loadResult.SourcePath)

	if dbPath := os.Getenv("CTXFOLD_DB"); dbPath != "" {
		cfg.Store.Path = dbPath
	}

	st, err := store.Open(store.Options{
		Path:          cfg.Store.Path,
		WALMode:       cfg.Store.WALMode,
		BusyTimeoutMs: cfg.Store.BusyTimeoutMs,
		ProbeVector:   cfg.Store.EnableVectorIf,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	llm, err := llmclient.New(cfg.LLM, os.Getenv("ANTHROPIC_API_KEY"), os.Getenv("OPENAI_API_KEY"))
	if err != nil {
		L_warn("llmclient: unavailable, compress/embed/spawn handoff will degrade", "error", err)
		llm = nil
	}

	w := watcher.New(st, nil, cfg.Watcher)

	bus := eventbus.New(eventbus.Options{
		QueueDepth:       cfg.EventBus.QueueDepth,
		KeepaliveSeconds: cfg.EventBus.KeepaliveSeconds,
		Status:           func() any { return w.Status().Payload() },
	})
	defer bus.Stop()
	w.SetPublisher(bus)
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}
	if err := w.Start(home); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer w.Stop()

	foldEngine := fold.NewEngine(cfg.Fold.ProviderConfigPath, convertThresholdOverrides(cfg.Fold.ThresholdOverrides))

	index := memoryindex.New(st, llm)

	sched := scheduler.New(st, index, cfg.Curation)
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	server := httpapi.New(cfg.HTTP.Listen, st, bus, foldEngine, llm)
	serveErrCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil {
			serveErrCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		L_info("received signal", "signal", sig)
	case err := <-serveErrCh:
		L_error("http server failed", "error", err)
		return err
	}

	SetShuttingDown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		L_warn("http server shutdown", "error", err)
	}
	return nil
}

func convertThresholdOverrides(in map[string]config.ProviderTable) map[string]fold.ThresholdOverride {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]fold.ThresholdOverride, len(in))
	for name, t := range in {
		out[name] = fold.ThresholdOverride{Checkpoint: t.Checkpoint, Safety: t.Safety, Compress: t.Compress, Spawn: t.Spawn}
	}
	return out
}

func main() {
	cli := CLI{}
	parsed := kong.Parse(&cli,
		kong.Name("sidecard"),
		kong.Description("Context-management sidecar for coding-assistant sessions"),
		kong.UsageOnError(),
	)

	level := LevelInfo
	if cli.Trace {
		level = LevelTrace
	} else if cli.Debug {
		level = LevelDebug
	}
	Init(&Config{Level: level, ShowCaller: true})

	err := parsed.Run(&Context{Debug: cli.Debug, Trace: cli.Trace, Config: cli.Config})
	if err != nil {
		L_fatal("command failed", "error", err)
	}
}
