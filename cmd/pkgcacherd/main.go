// Command pkgcacherd is the pkg-cacher daemon entrypoint: it parses CLI
// flags, loads and validates configuration, wires the store/fetcher/
// coordinator/handler stack, and dispatches to one of the three listener
// modes (spec.md §4.7). Structured like any-hub's main.go: flag parsing ->
// config load -> logger init -> component wiring -> serve.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/pkgcacher/pkgcacher/internal/admin"
	_ "github.com/pkgcacher/pkgcacher/internal/classify/debian"
	_ "github.com/pkgcacher/pkgcacher/internal/classify/redhat"
	"github.com/pkgcacher/pkgcacher/internal/config"
	"github.com/pkgcacher/pkgcacher/internal/coordinator"
	"github.com/pkgcacher/pkgcacher/internal/fetcher"
	"github.com/pkgcacher/pkgcacher/internal/handler"
	"github.com/pkgcacher/pkgcacher/internal/listener"
	"github.com/pkgcacher/pkgcacher/internal/lockmgr"
	"github.com/pkgcacher/pkgcacher/internal/logging"
	"github.com/pkgcacher/pkgcacher/internal/metaindex"
	"github.com/pkgcacher/pkgcacher/internal/store"
	"github.com/pkgcacher/pkgcacher/internal/streamer"
	"github.com/pkgcacher/pkgcacher/internal/version"
)

// runMode selects one of spec.md §4.7's three listener shapes.
type runMode string

const (
	modeStandalone runMode = "standalone"
	modeInetd      runMode = "inetd"
	modeCGI        runMode = "cgi"
)

// cliOptions summarizes parsed CLI flags, kept separate from main() to
// stay testable.
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	mode        runMode
	proxyProto  bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("pkgcacherd", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
		modeFlag   string
		proxyProto bool
	)

	fs.StringVar(&configFlag, "config", "", "config file path (default ./pkgcacher.toml, overridable via PKGCACHER_CONFIG)")
	fs.BoolVar(&checkOnly, "check-config", false, "validate configuration and exit")
	fs.BoolVar(&showVer, "version", false, "print version and exit")
	fs.StringVar(&modeFlag, "mode", "", "listener mode: standalone, inetd, or cgi (default: standalone, or cgi when GATEWAY_INTERFACE is set)")
	fs.BoolVar(&proxyProto, "proxy-protocol", false, "unwrap PROXY protocol v1/v2 headers on each accepted connection (standalone mode only)")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("parsing flags: %w", err)
	}

	path := os.Getenv("PKGCACHER_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "pkgcacher.toml"
	}

	mode := runMode(modeFlag)
	if mode == "" {
		if os.Getenv("GATEWAY_INTERFACE") != "" {
			mode = modeCGI
		} else {
			mode = modeStandalone
		}
	}
	switch mode {
	case modeStandalone, modeInetd, modeCGI:
	default:
		return cliOptions{}, fmt.Errorf("unknown -mode %q (want standalone, inetd, or cgi)", mode)
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
		mode:        mode,
		proxyProto:  proxyProto,
	}, nil
}

func run(opts cliOptions) int {
	if opts.showVersion {
		fmt.Fprintln(stdOut, version.Full())
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "loading config: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "initializing logger: %v\n", err)
		return 1
	}
	logging.ApplyLevel(logger, cfg.Debug)

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["vhosts"] = len(cfg.KnownVhosts())
		fields["result"] = "ok"
		logger.WithFields(fields).Info("configuration validated")
		return 0
	}

	rt := config.NewRuntime(cfg)

	locks, err := lockmgr.New(cfg.CacheDir)
	if err != nil {
		fmt.Fprintf(stdErr, "initializing lock manager: %v\n", err)
		return 1
	}

	st, err := store.New(cfg.CacheDir, locks)
	if err != nil {
		fmt.Fprintf(stdErr, "initializing store: %v\n", err)
		return 1
	}

	idx, err := metaindex.Open(filepath.Join(cfg.CacheDir, "private", "metaindex.db"))
	if err != nil {
		logger.WithFields(logging.FaultFields("config", "opening metaindex: "+err.Error())).Warn("metaindex unavailable, falling back to disk-only revalidation")
		idx = nil
	} else {
		defer idx.Close()
	}

	fe, err := fetcher.New(cfg, st)
	if err != nil {
		fmt.Fprintf(stdErr, "initializing fetcher: %v\n", err)
		return 1
	}

	coord := coordinator.New(rt, st, fe, locks)
	if idx != nil {
		coord = coord.WithIndex(idx)
	}

	access, err := logging.NewAccessLog(cfg.LogDir)
	if err != nil {
		fmt.Fprintf(stdErr, "initializing access log: %v\n", err)
		return 1
	}
	defer access.Close()

	// Reader stall shares fetch_timeout's budget (spec.md §4.1: "Reader
	// stall: same budget").
	streamOpts := streamer.Options{StallTimeout: cfg.FetchTimeout.DurationValue()}
	h := handler.New(rt, st, coord, access, logger, streamOpts)

	fields := logging.BaseFields("startup", opts.configPath)
	fields["vhosts"] = len(cfg.KnownVhosts())
	fields["daemon_port"] = cfg.DaemonPort
	fields["mode"] = string(opts.mode)
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("pkgcacherd starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()
	installReloadHandlers(ctx, rt, logger, opts.configPath)

	adminApp, adminErr := startAdmin(rt, st, logger)
	if adminErr != nil {
		fmt.Fprintf(stdErr, "starting admin server: %v\n", adminErr)
		return 1
	}
	if adminApp != nil {
		defer adminApp.Shutdown()
	}

	if err := serve(ctx, opts, cfg, h, logger); err != nil {
		fmt.Fprintf(stdErr, "serving: %v\n", err)
		return 1
	}
	return 0
}

// serve dispatches to the configured listener mode.
func serve(ctx context.Context, opts cliOptions, cfg *config.Config, h http.Handler, logger *logrus.Logger) error {
	switch opts.mode {
	case modeInetd:
		return listener.Inetd(h)
	case modeCGI:
		return listener.CGI(h)
	default:
		logger.WithFields(logrus.Fields{"action": "listen", "port": cfg.DaemonPort, "addr": cfg.DaemonAddr}).Info("standalone listener starting")
		return listener.Standalone(ctx, cfg, h, opts.proxyProto)
	}
}

// startAdmin binds the diagnostics-only admin surface (spec.md's expanded
// admin section) when admin_port is configured, returning a nil app
// otherwise; the daemon runs perfectly well with no admin surface bound.
func startAdmin(rt *config.Runtime, st *store.Store, logger *logrus.Logger) (interface{ Shutdown() error }, error) {
	cfg := rt.Current()
	if cfg.AdminPort == 0 {
		return nil, nil
	}

	app, err := admin.NewApp(admin.AppOptions{Logger: logger, Runtime: rt, Store: st})
	if err != nil {
		return nil, err
	}

	addr := fmt.Sprintf("%s:%d", cfg.AdminAddr, cfg.AdminPort)
	go func() {
		if err := app.Listen(addr); err != nil {
			logger.WithFields(logging.FaultFields("config", "admin listener stopped: "+err.Error())).Warn("admin listener stopped")
		}
	}()
	logger.WithFields(logrus.Fields{"action": "listen", "component": "admin", "addr": addr}).Info("admin listener starting")

	return app, nil
}

// installReloadHandlers wires SIGHUP (reload) and SIGUSR1 (debug toggle),
// spec.md §5's two config-affecting signals distinct from SIGTERM shutdown.
func installReloadHandlers(ctx context.Context, rt *config.Runtime, logger *logrus.Logger, configPath string) {
	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	toggle := make(chan os.Signal, 1)
	signal.Notify(toggle, syscall.SIGUSR1)

	go func() {
		for {
			select {
			case <-ctx.Done():
				signal.Stop(reload)
				signal.Stop(toggle)
				return
			case <-reload:
				handleReload(rt, logger, configPath)
			case <-toggle:
				debug := rt.ToggleDebug()
				logging.ApplyLevel(logger, debug)
				logger.WithFields(logrus.Fields{"action": "debug_toggle", "debug": debug}).Info("debug flag toggled")
			}
		}
	}()
}

func handleReload(rt *config.Runtime, logger *logrus.Logger, configPath string) {
	candidate, err := config.Load(configPath)
	if err != nil {
		logger.WithFields(logging.FaultFields("config", "reload: loading config: "+err.Error())).Warn("reload failed")
		return
	}
	if err := rt.Reload(candidate); err != nil {
		logger.WithFields(logging.FaultFields("config", "reload: "+err.Error())).Warn("reload rejected")
		return
	}
	logger.WithFields(logging.BaseFields("reload", configPath)).Info("configuration reloaded")
}
