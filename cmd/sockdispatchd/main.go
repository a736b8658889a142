package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/SkynetNext/sockdispatch/internal/api"
	"github.com/SkynetNext/sockdispatch/internal/config"
	"github.com/SkynetNext/sockdispatch/internal/core"
	"github.com/SkynetNext/sockdispatch/internal/discovery"
	"github.com/SkynetNext/sockdispatch/internal/dispatch"
	"github.com/SkynetNext/sockdispatch/internal/healthcheck"
	"github.com/SkynetNext/sockdispatch/internal/middleware"
	"github.com/SkynetNext/sockdispatch/internal/observability"
	"github.com/SkynetNext/sockdispatch/internal/protocol/tcp"
	"github.com/SkynetNext/sockdispatch/internal/protocol/udp"
	"github.com/SkynetNext/sockdispatch/internal/security"
	"github.com/SkynetNext/sockdispatch/pkg/ebpf"
	"github.com/SkynetNext/sockdispatch/pkg/xlog"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		xlog.Errorf("Failed to load config: %v", err)
		os.Exit(1)
	}

	if err := xlog.Init(cfg.Log); err != nil {
		xlog.Errorf("Failed to initialize logging: %v", err)
		os.Exit(1)
	}
	xlog.Infof("Starting sockdispatch %s...", observability.Version)

	if err := run(cfg); err != nil {
		xlog.Errorf("%v", err)
		os.Exit(1)
	}
	xlog.Infof("Server exited")
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = config.FindConfigFile()
	}
	if path == "" {
		cfg := config.LoadConfig()
		return cfg, cfg.Validate()
	}
	return config.LoadConfigFromFile(path)
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := observability.InitTracing(cfg.Tracing)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	opts := dispatch.Options{
		MaxDestinations: cfg.Dispatcher.MaxDestinations,
		MaxBindings:     cfg.Dispatcher.MaxBindings,
		Workers:         cfg.Dispatcher.Workers,
	}
	if cfg.Mirror.Enabled {
		mirror, err := ebpf.NewKernelMirror(cfg.Mirror.PinPath, cfg.Dispatcher.MaxBindings, cfg.Dispatcher.MaxDestinations)
		if err != nil {
			xlog.Warnf("Kernel mirror disabled: %v", err)
		} else {
			defer mirror.Close()
			if mirror.IsEnabled() {
				opts.Mirror = mirror
			}
		}
	}

	d, err := dispatch.New(opts)
	if err != nil {
		return err
	}
	defer d.Close()

	resolver := discovery.NewK8sServiceDiscovery()
	if discovery.IsRunningInK8s() {
		xlog.Infof("Running in Kubernetes, namespace %s, pod %s", resolver.Namespace(), discovery.GetPodName())
	}

	backends, err := startBackends(ctx, d, cfg, resolver)
	if err != nil {
		return err
	}
	defer backends.Close()

	sources, err := bindingSources(ctx, cfg)
	if err != nil {
		return err
	}
	defer sources.stop()

	reloader, err := sources.runReloader(ctx, d)
	if err != nil {
		return err
	}

	sec := security.NewManager(cfg.Security)

	var audit *middleware.AuditLogger
	if cfg.Audit.Enabled {
		audit = middleware.NewAuditLogger(cfg.Audit, xlog.With("audit").Zerolog())
		defer audit.Close()
	}

	listenerOpts := core.ListenerOptions{
		TCPAddrs:       cfg.Server.TCPListenAddrs,
		UDPAddrs:       cfg.Server.UDPListenAddrs,
		MaxConnections: cfg.Server.MaxConnections,
		Security:       sec,
		Audit:          audit,
	}
	upstreams := backends.upstreams()
	if up := cfg.Server.DefaultUpstream; up != "" {
		listenerOpts.PassTCP = tcp.NewProxy(up, cfg.Server.DialTimeout, resolver)
		listenerOpts.PassUDP = udp.NewForwarder(up, cfg.Server.DialTimeout, resolver)
		upstreams = append(upstreams, up)
	}
	listener := core.NewListener(d, listenerOpts)

	monitor := healthcheck.NewMonitor(d, cfg.Monitor.Interval, upstreams...)
	monitor.Start()
	defer monitor.Stop()

	reg := prometheus.DefaultRegisterer
	if err := reg.Register(middleware.NewCollector(d, "sockdispatch")); err != nil {
		return err
	}

	admin := api.NewAdminAPI(d, reloader, sec)

	server := core.NewServer(cfg, listener, admin, prometheus.DefaultGatherer)
	if err := server.Start(ctx); err != nil {
		return err
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	xlog.Infof("Received %s, shutting down server...", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Lifecycle.ShutdownTimeout)
	defer shutdownCancel()
	server.GracefulShutdown(shutdownCtx)
	cancel()

	if errors.Is(shutdownCtx.Err(), context.DeadlineExceeded) {
		xlog.Warnf("Shutdown timeout exceeded")
	}
	return nil
}
