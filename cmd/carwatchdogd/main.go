// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/antimetal/carwatchdogd/internal/metrics"
	"github.com/antimetal/carwatchdogd/internal/watchdog/admin"
	"github.com/antimetal/carwatchdogd/internal/watchdog/collection"
	"github.com/antimetal/carwatchdogd/internal/watchdog/delta"
	"github.com/antimetal/carwatchdogd/internal/watchdog/pkgname"
	"github.com/antimetal/carwatchdogd/internal/watchdog/sampler"
	"github.com/antimetal/carwatchdogd/internal/watchdog/supervisor"
)

var (
	hostProcPath       string
	systemUID          int32
	appUIDThreshold    int32
	topNCategory       int
	topNSubcategory    int
	boottimeInterval   time.Duration
	periodicInterval   time.Duration
	periodicBufferSize int
	metricsAddr        string
	healthSocket       string
	adminSocket        string
	devMode            bool
)

func main() {
	root := &cobra.Command{
		Use:   "carwatchdogd",
		Short: "Automotive resource-watchdog daemon",
	}

	run := &cobra.Command{
		Use:   "run",
		Short: "Run the watchdog daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context())
		},
	}
	run.Flags().StringVar(&hostProcPath, "host-proc", "/proc", "path to the (possibly namespaced) /proc tree")
	run.Flags().Int32Var(&systemUID, "system-uid", 1000, "effective UID authorized for privileged admin/supervisor calls")
	run.Flags().Int32Var(&appUIDThreshold, "app-uid-threshold", pkgname.DefaultAppUIDThreshold, "lowest UID treated as an installed app rather than a system service")
	run.Flags().IntVar(&topNCategory, "top-n", 10, "top-N entries kept per UID I/O or process category")
	run.Flags().IntVar(&topNSubcategory, "top-n-sub", 5, "top-N entries kept per process subcategory")
	run.Flags().DurationVar(&boottimeInterval, "boottime-interval", collection.DefaultBoottimeCollectionInterval, "boot-time sampling interval")
	run.Flags().DurationVar(&periodicInterval, "periodic-interval", collection.DefaultPeriodicCollectionInterval, "periodic sampling interval")
	run.Flags().IntVar(&periodicBufferSize, "periodic-buffer-size", collection.DefaultPeriodicCollectionBufferSize, "number of periodic records retained")
	run.Flags().StringVar(&metricsAddr, "metrics-bind-address", ":9090", "address the /metrics endpoint binds to; '0' disables it")
	run.Flags().StringVar(&healthSocket, "health-socket", "/run/carwatchdogd/health.sock", "unix socket serving the grpc health service")
	run.Flags().StringVar(&adminSocket, "admin-socket", "/run/carwatchdogd/admin.sock", "unix socket serving the §4.6 admin surface to carctl")
	run.Flags().BoolVar(&devMode, "dev", false, "use a human-readable development logger instead of the production JSON one")

	root.AddCommand(run)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDaemon(ctx context.Context) error {
	logger, err := newLogger()
	if err != nil {
		return fmt.Errorf("unable to build logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.New()

	set := buildSamplerSet(logger)

	names := pkgname.New(logger, noopPkgService{}, pkgname.WithAppUIDThreshold(appUIDThreshold))
	names.Start(ctx)
	defer names.Close()

	m := metrics.New()

	ctl := collection.New(logger, clk, set, delta.NewEngine(), names, collection.Config{
		TopNPerCategory:              topNCategory,
		TopNPerSubcategory:           topNSubcategory,
		BoottimeCollectionInterval:   boottimeInterval,
		PeriodicCollectionInterval:   periodicInterval,
		PeriodicCollectionBufferSize: periodicBufferSize,
	}, m)
	if err := ctl.Start(); err != nil {
		return fmt.Errorf("unable to start collection controller: %w", err)
	}
	defer ctl.Terminate()

	sup := supervisor.New(logger, clk, stubShutdownOracle{}, m)
	sup.Start()
	defer sup.Terminate()

	stopMetrics := startMetricsServer(logger, m)
	defer stopMetrics()

	stopHealth, err := startHealthServer(logger, healthSocket)
	if err != nil {
		return fmt.Errorf("unable to start health server: %w", err)
	}
	defer stopHealth()

	stopAdmin, err := startAdminServer(logger, admin.New(ctl, sup, systemUID))
	if err != nil {
		return fmt.Errorf("unable to start admin server: %w", err)
	}
	defer stopAdmin()

	logger.Info("carwatchdogd started")
	<-ctx.Done()
	logger.Info("carwatchdogd shutting down")
	return nil
}

// buildSamplerSet wires the three real /proc samplers. Each probes its
// own path at construction and reports itself disabled rather than
// erroring, per the samplers' own Enabled() contract; the admin dump
// reports whichever sources came up unavailable on this host.
func buildSamplerSet(logger logr.Logger) *sampler.Set {
	procDir := sampler.ProcDirSource
	procStat := sampler.ProcStatSource
	uidIO := sampler.UIDIOSource
	if hostProcPath != "" && hostProcPath != "/proc" {
		procDir = hostProcPath
		procStat = hostProcPath + "/stat"
		uidIO = hostProcPath + "/uid_io/stats"
	}
	return &sampler.Set{
		UIDIO:   sampler.NewUidIoStats(logger, uidIO),
		System:  sampler.NewProcStat(logger, procStat),
		Process: sampler.NewProcPidStat(logger, procDir),
	}
}

func newLogger() (logr.Logger, error) {
	if devMode {
		zl, err := zap.NewDevelopment()
		if err != nil {
			return logr.Logger{}, err
		}
		return zapr.NewLogger(zl), nil
	}
	zl, err := zap.NewProduction()
	if err != nil {
		return logr.Logger{}, err
	}
	return zapr.NewLogger(zl), nil
}

func startMetricsServer(logger logr.Logger, m *metrics.Metrics) func() {
	if metricsAddr == "0" {
		return func() {}
	}
	srv := &http.Server{Addr: metricsAddr, Handler: m.Handler()}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(err, "metrics server exited")
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func startHealthServer(logger logr.Logger, sockPath string) (func(), error) {
	_ = os.Remove(sockPath)
	l, err := net.Listen("unix", sockPath)
	if err != nil {
		return nil, err
	}
	healthSrv := health.NewServer()
	healthSrv.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	grpcServer := grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthSrv)
	go func() {
		if err := grpcServer.Serve(l); err != nil {
			logger.V(1).Info("health server stopped", "err", err)
		}
	}()
	return grpcServer.GracefulStop, nil
}

func startAdminServer(logger logr.Logger, d *admin.Dispatcher) (func(), error) {
	_ = os.Remove(adminSocket)
	l, err := net.Listen("unix", adminSocket)
	if err != nil {
		return nil, err
	}
	svc := admin.NewService(d)
	go func() {
		if err := admin.Serve(l, svc); err != nil {
			logger.V(1).Info("admin server stopped", "err", err)
		}
	}()
	return func() { _ = l.Close() }, nil
}

// stubShutdownOracle answers supervisor.SystemOracle. The real
// implementation reads the platform's shutdown/reboot state (§1's "a
// single boolean oracle" external collaborator); this default always
// reports a running system and exists so the binary links and runs
// standalone for development.
type stubShutdownOracle struct{}

func (stubShutdownOracle) IsShuttingDown() bool { return false }

// noopPkgService answers pkgname.Service. The real package-name lookup
// daemon is an external collaborator (§6); this default returns "unknown"
// for every UID so callers fall back to the stringified UID.
type noopPkgService struct{}

func (noopPkgService) GetNamesForUids(ctx context.Context, uids []int32) ([]string, error) {
	return make([]string, len(uids)), nil
}
