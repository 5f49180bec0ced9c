// Package main is the grps serving process: it composes the config
// loader, loggers, metrics aggregator, system monitor, executor and the
// HTTP/RPC transports, then blocks until a transport dies or the process
// is signalled.
//
// Startup order is fixed; any failure before the sockets bind exits
// non-zero without listening:
//  1. PID and VERSION files are written next to the process.
//  2. Both configuration documents are loaded and validated.
//  3. The two rotating logs are installed.
//  4. The metrics aggregator starts and the built-in metric names are
//     seeded with zeroed series.
//  5. The system monitor starts (installing the GPU memory cap when
//     configured).
//  6. The executor loads every model and installs every batcher.
//  7. The bounded predict worker pool is created.
//  8. HTTP starts; with framework http+grpc the RPC transport starts in
//     parallel.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/grps-serving/grps/pkg/config"
	"github.com/grps-serving/grps/pkg/executor"
	"github.com/grps-serving/grps/pkg/grpslog"
	"github.com/grps-serving/grps/pkg/health"
	"github.com/grps-serving/grps/pkg/httpapi"
	"github.com/grps-serving/grps/pkg/metrics"
	"github.com/grps-serving/grps/pkg/plugin"
	"github.com/grps-serving/grps/pkg/rpcapi"
	"github.com/grps-serving/grps/pkg/sysmonitor"
)

const version = "1.0.0"

// userRegistry returns the registry the executor resolves customized
// inferer and converter names against while it walks the model list; this
// build registers no factories in it.
func userRegistry() *plugin.Registry {
	return plugin.New()
}

func main() {
	if err := run(userRegistry()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(registry *plugin.Registry) error {
	if err := writeProcessFiles(); err != nil {
		return err
	}

	loaded, err := config.Load(config.InferenceConfigPath, config.ServerConfigPath)
	if err != nil {
		return err
	}

	loggers, err := grpslog.Init(grpslog.Config{
		Dir:         loaded.Server.Log.LogDir,
		BackupCount: loaded.Server.Log.LogBackupCount,
		Level:       slog.LevelInfo,
	})
	if err != nil {
		return err
	}
	loggers.Framework.Info("grps server starting", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	proc := metrics.InitMetrics("grps", "server")
	proc.SetServiceInfo(version)

	agg := metrics.New(0)
	agg.RegisterPredictMetrics()
	agg.SetDropHook(func() { proc.AddQueueDropped(1) })
	go agg.Run(ctx)
	go agg.RunDumper(ctx, loggers.MonitorLogPath())

	monitor, err := sysmonitor.New(agg, nil, loaded.Server.GPU, time.Second, loggers)
	if err != nil {
		return err
	}
	if err := monitor.Start(ctx); err != nil {
		return err
	}

	exec, err := executor.Build(&loaded.Inference, executor.Hooks{
		Registry:       registry,
		MaxConcurrency: loaded.Server.MaxConcurrency,
		OnBatch:        proc.RecordBatch,
	})
	if err != nil {
		return err
	}
	defer exec.Stop()

	ready := &health.Latch{}
	workers := semaphore.NewWeighted(int64(loaded.Server.MaxConcurrency))

	httpSrv := httpapi.New(exec, loaded, loggers, agg, proc,
		loaded.Server.Interface, loaded.Server.MaxConnections, workers, ready)

	errCh := make(chan error, 2)

	httpAddr := fmt.Sprintf("%s:%d", loaded.Server.Interface.Host, loaded.Server.Interface.Port[0])
	hs := &http.Server{Addr: httpAddr, Handler: httpSrv.Handler()}
	go func() {
		loggers.Framework.Info("http server listening", "addr", httpAddr)
		errCh <- hs.ListenAndServe()
	}()

	var rpcSrv *rpcapi.Server
	if loaded.Server.Interface.Framework == config.FrameworkHTTPGRPC {
		svc := rpcapi.NewService(exec, loaded, loggers, agg, proc, ready, workers)
		rpcSrv = rpcapi.NewServer(svc, loggers,
			loaded.Server.Interface.Host, loaded.Server.Interface.Port[1],
			loaded.Server.MaxConnections)
		go func() {
			errCh <- rpcSrv.Run(ctx)
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case sig := <-quit:
		loggers.Framework.Info("received shutdown signal", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	_ = hs.Shutdown(shutdownCtx)
	if rpcSrv != nil {
		rpcSrv.GracefulStop()
	}
	loggers.Framework.Info("grps server stopped")
	return nil
}

// writeProcessFiles dumps PID and VERSION plain-text files in the working
// directory.
func writeProcessFiles() error {
	if err := os.WriteFile("PID", []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return fmt.Errorf("write PID file: %w", err)
	}
	if err := os.WriteFile("VERSION", []byte(version+"\n"), 0o644); err != nil {
		return fmt.Errorf("write VERSION file: %w", err)
	}
	return nil
}
