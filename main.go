package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"render-export/internal/combiner"
	"render-export/internal/export"
	"render-export/internal/filesystem"
	"render-export/internal/handlers"
	"render-export/internal/history"
	"render-export/internal/logging"
	"render-export/internal/memory"
	"render-export/internal/metrics"
	"render-export/internal/middleware"
	"render-export/internal/startup"
)

func main() {
	startTime := time.Now()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.Warn("Failed to load .env file: %v", err)
	}
	if err := logging.Setup("", logging.FileConfigFromEnv()); err != nil {
		logging.Warn("Failed to set up log file: %v", err)
	}
	defer logging.Close()

	mem := memory.ConfigureFromEnv()

	config, err := startup.LoadConfig()
	if err != nil {
		startup.LogFatal("Configuration error: %v", err)
	}

	metrics.InitializeMetrics()
	metrics.SetAppInfo(startup.Version, startup.Commit, startup.GoVersion)

	filesystem.SetDefaultVolumeResolver(filesystem.NewVolumeResolver(map[string]string{
		"work":   config.WorkDir,
		"output": config.OutputRoot,
	}))
	filesystem.SetObserver(metrics.NewFilesystemObserver())

	// History is optional; a broken database only loses the ledger.
	var (
		store    *history.Store
		recorder export.Recorder
		ledger   handlers.HistoryStore
	)
	if config.HistoryPath != "" {
		historyStart := time.Now()
		store, err = history.Open(context.Background(), config.HistoryPath)
		startup.LogHistoryInit(time.Since(historyStart), err)
		if err == nil {
			recorder = store
			ledger = store
		}
	}

	exportConfig, err := startup.ExportConfig(config, mem.ContainerLimit, recorder)
	if err != nil {
		startup.LogFatal("Export configuration error: %v", err)
	}
	startup.LogMuxToolInit(exportConfig.Combiner)
	startup.LogWorkerInit(config)
	service := export.NewService(exportConfig, config.MaxConcurrentExports, config.ExportRetention)

	collector := metrics.NewCollector(service, time.Minute)
	collector.Start()

	h := handlers.New(service, ledger, exportConfig.Profiler, config.OutputRoot)

	router := mux.NewRouter()
	h.RegisterRoutes(router)
	router.Use(middleware.Metrics(middleware.DefaultMetricsConfig()))
	startup.LogHTTPRoutes(router, config.LogHealthChecks)

	loggingConfig := middleware.DefaultLoggingConfig()
	loggingConfig.LogHealthChecks = config.LogHealthChecks
	loggingConfig.LogProgressPolls = config.LogProgressPolls
	compressed := middleware.Compression(middleware.DefaultCompressionConfig())(router)
	handler := middleware.Logger(loggingConfig)(compressed)

	srv := &http.Server{
		Addr:              ":" + config.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	var metricsSrv *http.Server
	if config.MetricsEnabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{
			Addr:         ":" + config.MetricsPort,
			Handler:      metricsMux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  30 * time.Second,
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Error("Metrics server error: %v", err)
			}
		}()
	}

	// Prune the ledger once a day
	pruneStop := make(chan struct{})
	pruneStopped := make(chan struct{})
	if store != nil {
		go pruneHistory(store, pruneStop, pruneStopped)
	} else {
		close(pruneStopped)
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		handleShutdown(srv, metricsSrv, service, exportConfig.Combiner, collector, config.CancelGrace+config.ShutdownGrace)

		close(pruneStop)
		<-pruneStopped
		if store != nil {
			startup.LogShutdownStep("Closing history database")
			if err := store.Close(); err != nil {
				logging.Warn("History close error: %v", err)
			} else {
				startup.LogShutdownStepComplete("History database closed")
			}
		}
		startup.LogShutdownComplete()
	}()

	startup.LogServerStarted(startup.ServerConfig{
		Port:            config.Port,
		MetricsPort:     config.MetricsPort,
		MetricsEnabled:  config.MetricsEnabled,
		StartupDuration: time.Since(startTime),
	})
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		startup.LogFatal("Server error: %v", err)
	}
	<-shutdownDone
}

const historyRetention = 30 * 24 * time.Hour

func pruneHistory(store *history.Store, stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		n, err := store.Prune(context.Background(), time.Now().Add(-historyRetention))
		if err != nil {
			logging.Warn("History prune failed: %v", err)
		} else if n > 0 {
			logging.Info("Pruned %d export(s) from history", n)
		}
		store.UpdateMetrics()

		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

func handleShutdown(srv, metricsSrv *http.Server, service *export.Service, comb *combiner.Combiner, collector *metrics.Collector, grace time.Duration) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	startup.LogShutdownInitiated(sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	startup.LogShutdownStep("Shutting down HTTP server")
	if err := srv.Shutdown(ctx); err != nil {
		logging.Warn("Server shutdown error: %v", err)
	} else {
		startup.LogShutdownStepComplete("HTTP server stopped")
	}

	startup.LogShutdownStep("Cancelling running exports")
	exportCtx, exportCancel := context.WithTimeout(ctx, grace+5*time.Second)
	if err := service.Shutdown(exportCtx); err != nil {
		logging.Warn("Exports did not stop in time: %v", err)
	} else {
		startup.LogShutdownStepComplete("Exports stopped")
	}
	exportCancel()

	// Combining outlives export cancellation, so stop any concat still
	// running.
	startup.LogShutdownStep("Stopping mux processes")
	comb.Cleanup()
	startup.LogShutdownStepComplete("Mux processes stopped")

	collector.Stop()

	if metricsSrv != nil {
		startup.LogShutdownStep("Shutting down metrics server")
		if err := metricsSrv.Shutdown(ctx); err != nil {
			logging.Warn("Metrics server shutdown error: %v", err)
		} else {
			startup.LogShutdownStepComplete("Metrics server stopped")
		}
	}
}
