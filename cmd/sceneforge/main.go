package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sceneforge/pkg/autofix"
	"sceneforge/pkg/brain"
	"sceneforge/pkg/config"
	"sceneforge/pkg/contextmgr"
	"sceneforge/pkg/dispatch"
	"sceneforge/pkg/events"
	"sceneforge/pkg/generate"
	"sceneforge/pkg/httpapi"
	"sceneforge/pkg/limiter"
	"sceneforge/pkg/llm"
	"sceneforge/pkg/logx"
	"sceneforge/pkg/metrics"
	"sceneforge/pkg/scene"
	"sceneforge/pkg/tokens"
	"sceneforge/pkg/turn"
)

// Version information - set by goreleaser via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "sceneforge.yaml", "Path to config file")
		listenAddr  = flag.String("listen", "", "Listen address (overrides config)")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("sceneforge %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
		os.Exit(0)
	}

	os.Exit(run(*configPath, *listenAddr))
}

// run contains the main application logic and returns an exit code, so
// defers execute before the process exits.
func run(configPath, listenAddr string) int {
	logger := logx.NewLogger("main")

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if listenAddr != "" {
		cfg.Server.ListenAddr = listenAddr
	}

	store, err := scene.Open(cfg.DBPath)
	if err != nil {
		logger.Error("failed to open scene store: %v", err)
		return 1
	}
	defer store.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewRecorder(registry)

	counter, err := tokens.NewCounter()
	if err != nil {
		logger.Error("failed to initialize token counter: %v", err)
		return 1
	}

	lim := limiter.New(cfg)
	defer lim.Close()

	brainClient, err := buildClient(cfg, cfg.Brain.Model)
	if err != nil {
		logger.Error("failed to build decision model client: %v", err)
		return 1
	}
	generateClient, err := buildClient(cfg, cfg.Generate.Model)
	if err != nil {
		logger.Error("failed to build generation model client: %v", err)
		return 1
	}
	lim.EnsureModel(cfg.ModelFor(cfg.Brain.Model))
	lim.EnsureModel(cfg.ModelFor(cfg.Generate.Model))

	bus := events.NewBus()
	eventLog, err := events.NewLogWriter(cfg.EventLogDir)
	if err != nil {
		logger.Error("failed to open event log: %v", err)
		return 1
	}
	defer eventLog.Close()
	eventLog.Attach(bus)

	generator := generate.New(
		generateClient,
		cfg.ModelFor(cfg.Generate.Model),
		lim,
		counter,
		recorder,
		time.Duration(cfg.Generate.RequestTimeout)*time.Second,
	)
	dispatcher := dispatch.New(store, generator)
	engine := brain.NewEngine(brainClient, time.Duration(cfg.Brain.RequestTimeout)*time.Second, recorder)

	queue := autofix.New(store, dispatcher, bus, cfg.AutoFix, nil, recorder)
	queue.Attach()
	defer queue.Close()

	assembler := contextmgr.NewAssembler(store, cfg.Brain.RecentTurns)
	turns := turn.NewHandler(store, assembler, engine, dispatcher, queue)

	mux := http.NewServeMux()
	httpapi.NewServer(turns, bus, queue, store).Register(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("sceneforge %s listening on %s", version, cfg.Server.ListenAddr)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received %s, shutting down", sig)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed: %v", err)
			return 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete: %v", err)
	}
	return 0
}

// buildClient constructs the retry-wrapped LLM client for a configured model.
func buildClient(cfg *config.Config, model string) (llm.Client, error) {
	mc := cfg.ModelFor(model)
	key, err := cfg.APIKeyFor(mc.Provider)
	if err != nil {
		return nil, err
	}

	var client llm.Client
	switch mc.Provider {
	case config.ProviderOpenAI:
		client = llm.NewOpenAIClient(key, model)
	default:
		client = llm.NewClaudeClient(key, model)
	}
	return llm.NewRetryableClient(client, llm.DefaultRetryConfig), nil
}
