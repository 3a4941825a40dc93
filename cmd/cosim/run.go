package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/signalsfoundry/vehicle-cosim/ensemble"
	"github.com/signalsfoundry/vehicle-cosim/internal/config"
	"github.com/signalsfoundry/vehicle-cosim/internal/control"
	"github.com/signalsfoundry/vehicle-cosim/internal/logging"
	"github.com/signalsfoundry/vehicle-cosim/internal/observability"
	"github.com/signalsfoundry/vehicle-cosim/internal/record"
	"github.com/signalsfoundry/vehicle-cosim/internal/scenario"
	"github.com/spf13/cobra"
)

type runFlags struct {
	metricsAddr string
	grpcAddr    string
	recordPath  string
	runID       string
	endTime     float64
	realtime    bool
	quiet       bool
}

func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run [scenario.yaml]",
		Short: "run a co-simulation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenario(cmd.Context(), args[0], f, cmd.OutOrStdout(), cmd.Flags().Changed("realtime"))
		},
	}
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "HTTP address for Prometheus /metrics (disabled when empty)")
	cmd.Flags().StringVar(&f.grpcAddr, "grpc-addr", "", "TCP address for the run-control gRPC server (disabled when empty)")
	cmd.Flags().StringVar(&f.recordPath, "record", "", "override record.path from the scenario")
	cmd.Flags().StringVar(&f.runID, "run-id", "", "run identifier (generated when empty)")
	cmd.Flags().Float64Var(&f.endTime, "end", 0, "override simulation.end_time when positive")
	cmd.Flags().BoolVar(&f.realtime, "realtime", false, "pace macro-steps against wall-clock time")
	cmd.Flags().BoolVarP(&f.quiet, "quiet", "q", false, "suppress the periodic status line")
	return cmd
}

func runScenario(ctx context.Context, path string, f runFlags, out io.Writer, realtimeSet bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	log := logging.NewFromEnv()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID := f.runID
	if runID == "" {
		runID = logging.NewRunID()
	}

	tracing := observability.TracingConfigFromEnv()
	tracing.RunID = runID
	shutdownTracing, err := observability.InitTracing(ctx, tracing, log)
	if err != nil {
		return fmt.Errorf("initialising tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if f.recordPath != "" {
		cfg.Record.Path = f.recordPath
	}
	if f.endTime > 0 {
		cfg.Simulation.EndTime = f.endTime
	}
	if realtimeSet {
		cfg.Simulation.Realtime = f.realtime
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	runMetrics, err := observability.NewRunCollector(reg)
	if err != nil {
		return err
	}
	controlMetrics, err := observability.NewControlCollector(reg)
	if err != nil {
		return err
	}
	metricsSrv := serveMetrics(f.metricsAddr, controlMetrics.Handler(), log)

	var store *record.Store
	if cfg.Record.Path != "" {
		if store, err = record.Open(cfg.Record.Path); err != nil {
			return err
		}
		defer store.Close()
	}

	svc := control.NewService(nil, store, log)
	var grpcSrv *control.Server
	if f.grpcAddr != "" {
		lis, err := net.Listen("tcp", f.grpcAddr)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", f.grpcAddr, err)
		}
		grpcSrv = control.NewServer(svc, controlMetrics, log)
		go func() {
			if err := grpcSrv.Serve(lis); err != nil {
				log.Error(ctx, "gRPC server exited", logging.Err(err))
			}
		}()
	}

	var progress io.Writer
	if !f.quiet {
		progress = out
	}
	run, err := scenario.Build(ctx, cfg, scenario.Options{
		Logger:   log,
		Metrics:  runMetrics,
		RunID:    runID,
		Progress: progress,
		Store:    store,
	})
	if err != nil {
		shutdownServers(grpcSrv, metricsSrv)
		return err
	}
	svc.Attach(run.Orchestrator)
	unsubscribe := run.Ensemble.Subscribe(func(ensemble.Event) {
		controlMetrics.SetUnitCounts(unitCounts(run.Ensemble))
	})

	start := time.Now()
	res := run.Execute(ctx)
	unsubscribe()
	closeErr := run.Close()
	shutdownServers(grpcSrv, metricsSrv)

	fmt.Fprintf(out, "run %s: %s at t=%.3f after %d steps (%s wall)\n",
		run.ID, res.State, res.FinalTime, res.Steps, time.Since(start).Round(time.Millisecond))
	if res.ExitCode() != 0 {
		return errors.Join(fmt.Errorf("run %s did not finish: %w", run.ID, res.Err), closeErr)
	}
	return closeErr
}

func unitCounts(ens *ensemble.Ensemble) map[string]int {
	counts := make(map[string]int)
	for _, p := range ens.All() {
		counts[p.State().String()]++
	}
	return counts
}

func serveMetrics(addr string, metrics http.Handler, log logging.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}

func shutdownServers(grpcSrv *control.Server, metricsSrv *http.Server) {
	if grpcSrv != nil {
		grpcSrv.Stop()
	}
	if metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(ctx)
	}
}
