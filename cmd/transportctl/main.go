// Package main is a small demo/ops CLI for exercising a Transport against
// configured nodes: issue one request, print pool status, or serve the
// debug status page.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pquentin/elastic-transport-go/internal/buildinfo"
	"github.com/pquentin/elastic-transport-go/internal/config"
	"github.com/pquentin/elastic-transport-go/nodepool"
	"github.com/pquentin/elastic-transport-go/statuspage"
	"github.com/pquentin/elastic-transport-go/transport"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if flag.NArg() == 0 {
		printUsage()
		return
	}

	switch flag.Arg(0) {
	case "request":
		if flag.NArg() < 3 {
			fmt.Fprintln(os.Stderr, "usage: transportctl request <method> <target>")
			os.Exit(1)
		}
		runRequest(logger, *configPath, flag.Arg(1), flag.Arg(2))
	case "status":
		runStatus(logger, *configPath)
	case "serve-status":
		runServeStatus(logger, *configPath)
	case "version":
		fmt.Println(buildinfo.String())
		for k, v := range buildinfo.BuildInfo() {
			fmt.Printf("  %-12s %s\n", k+":", v)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("transportctl - elastic-transport-go demo client")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  request <method> <target>   Perform one request and print the response")
	fmt.Println("  status                      Print pool alive/dead counts once")
	fmt.Println("  serve-status                Serve the HTML status page")
	fmt.Println("  version                     Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

func loadConfig(configPath string) (*config.Config, error) {
	path, err := config.FindConfig(configPath)
	if err != nil {
		return config.Default(), nil
	}
	return config.Load(path)
}

func buildTransport(cfg *config.Config, logger *slog.Logger) (*transport.Transport, error) {
	maxRetries := *cfg.MaxRetries
	persistPath := ""
	if cfg.Persistence.Enabled {
		persistPath = cfg.Persistence.Path
	}

	var selector nodepool.Selector
	if factory, ok := nodepool.SelectorFactories[cfg.NodeSelector]; ok {
		selector = factory()
	}

	return transport.New(transport.Options{
		Nodes:                   cfg.NodeConfigs(),
		Selector:                selector,
		RandomizeNodesInPool:    cfg.RandomizeNodesInPool,
		DeadBackoffFactor:       cfg.DeadBackoffFactor,
		MaxDeadBackoff:          time.Duration(cfg.MaxDeadBackoffSec * float64(time.Second)),
		MaxRetries:              &maxRetries,
		RetryOnStatus:           cfg.RetryOnStatusSet(),
		RetryOnTimeout:          cfg.RetryOnTimeout,
		PersistPath:             persistPath,
		SniffOnStart:            cfg.Sniffing.OnStart,
		SniffBeforeRequests:     cfg.Sniffing.BeforeRequests,
		SniffOnNodeFailure:      cfg.Sniffing.OnNodeFailure,
		MinDelayBetweenSniffing: time.Duration(cfg.Sniffing.MinDelayBetweenSniffingSec * float64(time.Second)),
		SniffTimeout:            time.Duration(cfg.Sniffing.SniffTimeoutSec * float64(time.Second)),
		Logger:                  logger,
	})
}

func runRequest(logger *slog.Logger, configPath, method, target string) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	t, err := buildTransport(cfg, logger)
	if err != nil {
		logger.Error("failed to build transport", "error", err)
		os.Exit(1)
	}
	defer t.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	meta, body, err := t.PerformRequest(ctx, method, target, transport.RequestOptions{})
	if err != nil {
		logger.Error("request failed", "error", err)
		os.Exit(1)
	}

	fmt.Printf("status=%d\n", meta.Status)
	if body != nil {
		fmt.Printf("body=%v\n", body)
	}
}

func runStatus(logger *slog.Logger, configPath string) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	t, err := buildTransport(cfg, logger)
	if err != nil {
		logger.Error("failed to build transport", "error", err)
		os.Exit(1)
	}
	defer t.Close()

	alive, dead := t.PoolCounts()
	fmt.Printf("alive=%d dead=%d\n", alive, dead)
}

func runServeStatus(logger *slog.Logger, configPath string) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	t, err := buildTransport(cfg, logger)
	if err != nil {
		logger.Error("failed to build transport", "error", err)
		os.Exit(1)
	}
	defer t.Close()

	mux := http.NewServeMux()
	mux.Handle("/status", statuspage.NewForNodePool(t.Pool(), t.Sniffer()))

	addr := cfg.StatusPage.Address
	if addr == "" {
		addr = "localhost"
	}
	port := cfg.StatusPage.Port
	if port == 0 {
		port = 9999
	}
	listenAddr := fmt.Sprintf("%s:%d", addr, port)

	srv := &http.Server{Addr: listenAddr, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving status page", "addr", listenAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("status page server failed", "error", err)
		os.Exit(1)
	}
}
