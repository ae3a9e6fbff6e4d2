// Command broker runs the goofydeck home-automation bridge daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kardianos/service"

	"github.com/wozt/goofydeck/internal/config"
	"github.com/wozt/goofydeck/internal/reactor"
	"github.com/wozt/goofydeck/internal/upstream"
)

const (
	serviceName        = "goofydeck"
	serviceDisplayName = "goofydeck home-automation broker"
	serviceDescription = "Bridges a home-automation event bus to local clients over a unix socket"
)

// daemon implements kardianos/service.Interface so the broker can run
// under a system service manager as well as in the foreground.
type daemon struct {
	cfg    *config.Config
	cancel context.CancelFunc
}

func (d *daemon) Start(s service.Service) error {
	go d.run()
	return nil
}

func (d *daemon) Stop(s service.Service) error {
	slog.Info("stop requested")
	if d.cancel != nil {
		d.cancel()
	}
	return nil
}

func (d *daemon) run() {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	defer cancel()

	if err := runBroker(ctx, d.cfg); err != nil {
		slog.Error("broker exited with error", "error", err)
		os.Exit(1)
	}
}

func main() {
	var (
		configPath  = flag.String("config", "", "path to config file (default: "+config.DefaultConfigPath+")")
		doInstall   = flag.Bool("install", false, "install as a system service")
		doUninstall = flag.Bool("uninstall", false, "uninstall the system service")
		doRun       = flag.Bool("run", false, "run in the foreground (non-service mode)")
	)
	flag.Parse()

	initLogger("info")

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	initLogger(cfg.LogLevel)

	svcConfig := &service.Config{
		Name:        serviceName,
		DisplayName: serviceDisplayName,
		Description: serviceDescription,
	}

	d := &daemon{cfg: cfg}
	svc, err := service.New(d, svcConfig)
	if err != nil {
		slog.Error("failed to create service", "error", err)
		os.Exit(1)
	}

	switch {
	case *doInstall:
		if err := svc.Install(); err != nil {
			slog.Error("failed to install service", "error", err)
			os.Exit(1)
		}
		fmt.Println("service installed:", serviceName)

	case *doUninstall:
		if err := svc.Stop(); err != nil {
			slog.Warn("failed to stop service (may not be running)", "error", err)
		}
		if err := svc.Uninstall(); err != nil {
			slog.Error("failed to uninstall service", "error", err)
			os.Exit(1)
		}
		fmt.Println("service uninstalled:", serviceName)

	case *doRun, service.Interactive():
		// SIGPIPE is ignored so a write to a client socket that has
		// already been dropped fails with EPIPE instead of killing
		// the process (spec.md §6).
		signal.Ignore(syscall.SIGPIPE)
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		if err := runBroker(ctx, cfg); err != nil {
			slog.Error("broker exited with error", "error", err)
			os.Exit(1)
		}

	default:
		if err := svc.Run(); err != nil {
			slog.Error("service run failed", "error", err)
			os.Exit(1)
		}
	}
}

// runBroker wires the two long-lived tasks together: the session
// supervisor (upstream connection, reconnect with backoff) and the
// broker reactor (listening socket, clients, fan-out). They are
// connected by two buffered channels, the direct Go translation of
// spec.md §5's mutex-and-wake-pipe queues.
func runBroker(ctx context.Context, cfg *config.Config) error {
	slog.Info("starting goofydeck broker", "socket", cfg.SocketPath)

	reqCh := make(chan upstream.Request, 1024)
	notifCh := make(chan upstream.Notification, 256)
	stop := make(chan struct{})

	env := config.NewEnvironment(cfg)
	go upstream.Supervise(env, reqCh, notifCh, stop)

	b := reactor.New(reactor.Config{
		SocketPath: cfg.SocketPath,
		SocketMode: cfg.SocketMode,
	}, reqCh, notifCh)

	errCh := make(chan error, 1)
	go func() { errCh <- b.Run(stop) }()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
		close(stop)
		<-errCh
		return nil
	case err := <-errCh:
		close(stop)
		return err
	}
}

func initLogger(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
