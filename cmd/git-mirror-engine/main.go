// Command git-mirror-engine runs the sync engine standalone: it loads an
// engine config file plus a YAML list of repo pairs into the reference
// in-memory store, then starts the scheduler loop and a metrics/pprof HTTP
// server. A real deployment would instead wire the engine package to a REST
// API and a database-backed store; those are out of scope here.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"runtime/debug"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"

	"github.com/mirrorbot/repo-mirror/engine"
	"github.com/mirrorbot/repo-mirror/store"
	"github.com/mirrorbot/repo-mirror/store/memstore"
)

var (
	loggerLevel = new(slog.LevelVar)
	logger      *slog.Logger

	levelStrings = map[string]slog.Level{
		"trace": slog.Level(-8),
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
)

func init() {
	loggerLevel.Set(slog.LevelInfo)
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: loggerLevel,
	}))
}

func envString(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if ok {
		return value
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if ok {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
		return fallback
	}
	return fallback
}

func usage() {
	fmt.Fprintf(os.Stderr, "NAME:\n")
	fmt.Fprintf(os.Stderr, "\tgit-mirror-engine - periodically mirrors registered source repositories to destination repositories.\n")
	fmt.Fprintf(os.Stderr, "\nUsage:\n")
	fmt.Fprintf(os.Stderr, "\tgit-mirror-engine [global options]\n")
	fmt.Fprintf(os.Stderr, "\nGLOBAL OPTIONS:\n")
	fmt.Fprintf(os.Stderr, "\t-log-level value         (default: 'info') Log level [$LOG_LEVEL]\n")
	fmt.Fprintf(os.Stderr, "\t-config value            (default: '/etc/git-mirror-engine/config.yaml') Absolute path to the engine config file. [$ENGINE_CONFIG]\n")
	fmt.Fprintf(os.Stderr, "\t-pairs value             (default: '/etc/git-mirror-engine/pairs.yaml') Absolute path to the bootstrap repo pairs file. [$ENGINE_PAIRS]\n")
	fmt.Fprintf(os.Stderr, "\t-watch-config value      (default: true) watch the config file for changes and reload when changed. [$ENGINE_WATCH_CONFIG]\n")
	fmt.Fprintf(os.Stderr, "\t-http-bind-address value (default: ':9002') The address the web server binds to. [$ENGINE_HTTP_BIND]\n")

	os.Exit(2)
}

// bootstrapPairs is the on-disk shape used to seed the reference store when
// running standalone; a real deployment's REST layer would populate the
// store directly instead of reading this file.
type bootstrapPairs struct {
	Pairs []store.RepoPair `yaml:"pairs"`
}

func loadBootstrapPairs(path string) ([]store.RepoPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("unable to read pairs file: %w", err)
	}
	var bp bootstrapPairs
	if err := yaml.Unmarshal(data, &bp); err != nil {
		return nil, fmt.Errorf("unable to decode pairs file: %w", err)
	}
	return bp.Pairs, nil
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())

	flagLogLevel := flag.String("log-level", envString("LOG_LEVEL", "info"), "Log level")
	flagConfig := flag.String("config", envString("ENGINE_CONFIG", "/etc/git-mirror-engine/config.yaml"), "Absolute path to the engine config file")
	flagPairs := flag.String("pairs", envString("ENGINE_PAIRS", "/etc/git-mirror-engine/pairs.yaml"), "Absolute path to the bootstrap repo pairs file")
	flagWatchConfig := flag.Bool("watch-config", envBool("ENGINE_WATCH_CONFIG", true), "watch the config file for changes and reload when changed")
	flagHTTPBind := flag.String("http-bind-address", envString("ENGINE_HTTP_BIND", ":9002"), "The address the web server binds to")
	flagVersion := flag.Bool("version", false, "git-mirror-engine version")

	flag.Usage = usage
	flag.Parse()

	info, _ := debug.ReadBuildInfo()

	if *flagVersion || (flag.NArg() == 1 && flag.Arg(0) == "version") {
		fmt.Printf("version=%s go=%s\n", info.Main.Version, info.GoVersion)
		return
	}

	if v, ok := levelStrings[strings.ToLower(*flagLogLevel)]; ok {
		loggerLevel.Set(v)
	}

	logger.Info("version", "app", info.Main.Version, "go", info.GoVersion)
	logger.Info("config", "path", *flagConfig, "watch", *flagWatchConfig)

	registry := prometheus.NewRegistry()

	st := memstore.New()
	pairs, err := loadBootstrapPairs(*flagPairs)
	if err != nil {
		logger.Error("unable to load bootstrap pairs", "error", err)
		os.Exit(1)
	}
	for _, p := range pairs {
		st.Seed(p)
	}
	logger.Info("loaded bootstrap pairs", "count", len(pairs))

	eng, err := engine.NewFromConfigFile(*flagConfig, st, logger.With("logger", "engine"), registry)
	if err != nil {
		logger.Error("unable to create engine", "error", err)
		os.Exit(1)
	}

	if err := eng.CleanupOrphanedDirs(ctx); err != nil {
		logger.Error("unable to clean up orphaned mirror dirs", "error", err)
	}

	if err := eng.Start(ctx); err != nil {
		logger.Error("unable to start engine", "error", err)
		os.Exit(1)
	}

	if *flagWatchConfig {
		go eng.WatchConfigFile(ctx, *flagConfig, 10*time.Second)
	}

	server := &http.Server{
		Addr:              *flagHTTPBind,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       5 * time.Second,
		ReadHeaderTimeout: 1 * time.Second,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	server.Handler = mux

	go func() {
		logger.Info("starting web server", "addr", *flagHTTPBind)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server terminated", "error", err)
		}
	}()

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop

	logger.Info("shutting down...")
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("failed to shutdown http server", "error", err)
	}
	cancel()

	stopped := make(chan struct{})
	go func() {
		eng.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		logger.Info("engine stopped")
		os.Exit(0)
	case <-stop:
		logger.Info("second signal received, terminating")
		os.Exit(1)
	}
}
