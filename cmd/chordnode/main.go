// Command chordnode runs a single Chord overlay ring node: it joins (or
// starts) a ring over UDP and exposes a debug/lookup HTTP surface
// alongside it.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"chordring/chordnode"
	"chordring/internal/bootstrap"
	"chordring/internal/config"
	"chordring/internal/httpapi"
	"chordring/internal/logger"
	zapfactory "chordring/internal/logger/zap"
	"chordring/internal/obsmetrics"
	"chordring/internal/telemetry"
)

var defaultConfigPath = "config/node/config.yaml"

var opt struct {
	ConfigPath string
	JoinPoint  string
	Help       bool
}

func init() {
	pflag.StringVarP(&opt.ConfigPath, "config", "c", defaultConfigPath, "path to configuration file")
	pflag.StringVarP(&opt.JoinPoint, "join", "j", "", "address of an existing ring member to join (overrides config)")
	pflag.BoolVarP(&opt.Help, "help", "h", false, "show this help text")
}

func main() {
	pflag.Parse()
	if opt.Help {
		fmt.Printf("usage: %s [options]\n\noptions:\n%s", os.Args[0], pflag.CommandLine.FlagUsages())
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(opt.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: load configuration from %q: %v\n", opt.ConfigPath, err)
		os.Exit(1)
	}
	if err := cfg.ValidateConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "error: invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if opt.JoinPoint != "" {
		cfg.DHT.Bootstrap.Mode = "static"
		cfg.DHT.Bootstrap.Peers = []string{opt.JoinPoint}
	}

	var lgr logger.Logger
	if cfg.Logger.Active {
		zapLog, err := zapfactory.New(cfg.Logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: initialize logger: %v\n", err)
			os.Exit(1)
		}
		defer func() { _ = zapLog.Sync() }()
		lgr = zapfactory.NewZapAdapter(zapLog)
	} else {
		lgr = logger.Nop()
	}
	cfg.LogConfig(lgr)

	host := cfg.Node.Host
	if host == "" {
		host = cfg.Node.Bind
	}

	n, err := chordnode.New(lgr.Named("node"), cfg.DHT.IDBits, host, cfg.Node.ChordPort, cfg.Node.AppPort, obsmetrics.Default())
	if err != nil {
		lgr.Error("failed to construct node", logger.F("err", err))
		os.Exit(1)
	}

	shutdownTracer := telemetry.InitTracer(cfg.Telemetry.Tracing, "chordring-node", host)
	defer shutdownTracer(context.Background())

	var bs bootstrap.Bootstrap
	switch cfg.DHT.Bootstrap.Mode {
	case "route53":
		bs, err = bootstrap.NewRoute53Bootstrap(cfg.DHT.Bootstrap.Route53)
		if err != nil {
			lgr.Error("failed to initialize route53 bootstrap", logger.F("err", err))
			os.Exit(1)
		}
	case "static":
		bs = bootstrap.NewStaticBootstrap(cfg.DHT.Bootstrap.Peers)
	default:
		bs = bootstrap.NewStaticBootstrap(nil)
	}

	discoverCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	peers, err := bs.Discover(discoverCtx)
	cancel()
	if err != nil {
		lgr.Error("failed to resolve bootstrap peers", logger.F("err", err))
		os.Exit(1)
	}
	if len(peers) > 0 {
		n.SetJoinPoint(peers[0])
		lgr.Info("joining existing ring", logger.F("join_point", peers[0]))
	} else {
		lgr.Info("no peers discovered, starting a new ring")
	}

	if err := n.Init(); err != nil {
		lgr.Error("failed to initialize node", logger.F("err", err))
		os.Exit(1)
	}
	if err := n.Start(); err != nil {
		lgr.Error("failed to start node", logger.F("err", err))
		os.Exit(1)
	}
	lgr.Info("node servicing", logger.F("state", n.State()))

	registerCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := bs.Register(registerCtx, host, cfg.Node.AppPort); err != nil {
		lgr.Warn("failed to register node with bootstrap", logger.F("err", err))
	}
	cancel()

	var httpSrv *httpapi.Server
	httpErr := make(chan error, 1)
	if cfg.Metrics.Enabled {
		httpSrv = httpapi.New(n, obsmetrics.Default(), cfg.Metrics.ListenAddr, lgr.Named("httpapi"))
		go func() { httpErr <- httpSrv.Start() }()
		lgr.Debug("debug HTTP server started", logger.F("addr", cfg.Metrics.ListenAddr))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		lgr.Info("shutdown signal received, stopping gracefully")
	case err := <-httpErr:
		lgr.Error("debug HTTP server terminated unexpectedly", logger.F("err", err))
	}

	deregisterCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := bs.Deregister(deregisterCtx, host); err != nil {
		lgr.Warn("failed to deregister node", logger.F("err", err))
	}
	cancel()

	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := httpSrv.Stop(shutdownCtx); err != nil {
			lgr.Warn("HTTP server shutdown error", logger.F("err", err))
		}
		cancel()
	}

	n.Stop()
	lgr.Info("node stopped")
}
