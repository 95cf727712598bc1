package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/netplane/dpcap/pkg/bridge"
	"github.com/netplane/dpcap/pkg/config"
	"github.com/netplane/dpcap/pkg/control"
	"github.com/netplane/dpcap/pkg/extcap"
	"github.com/netplane/dpcap/pkg/health"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

type cliArgs struct {
	// extcap protocol arguments, as invoked by the consumer.
	listInterfaces bool
	listDLTs       bool
	listConfig     bool
	capture        bool
	iface          string
	fifo           string
	captureFilter  string
	controlIn      string
	controlOut     string

	// bridge arguments.
	configPath string
	agentHost  string
	agentPort  int
	sinkIP     string
	sinkPort   int
	socketPath string
	debug      bool
}

func main() {
	os.Exit(run())
}

func run() int {
	var (
		args        cliArgs
		showVersion bool
	)

	flag.BoolVar(&args.listInterfaces, "extcap-interfaces", false, "list available interfaces")
	flag.StringVar(&args.iface, "extcap-interface", "", "interface to capture from")
	flag.BoolVar(&args.listDLTs, "extcap-dlts", false, "list DLTs for the interface")
	flag.BoolVar(&args.listConfig, "extcap-config", false, "list configuration options")
	flag.StringVar(&args.captureFilter, "extcap-capture-filter", "", "capture filter (unsupported, ignored)")
	flag.BoolVar(&args.capture, "capture", false, "start capture")
	flag.StringVar(&args.fifo, "fifo", "", "path to the consumer-created pipe or FIFO")
	flag.StringVar(&args.controlIn, "extcap-control-in", "", "control input pipe (unused)")
	flag.StringVar(&args.controlOut, "extcap-control-out", "", "control output pipe (unused)")

	flag.StringVar(&args.configPath, "config", "", "path to configuration file")
	flag.StringVar(&args.agentHost, "agent-host", "", "dataplane control agent host")
	flag.IntVar(&args.agentPort, "agent-port", 0, "dataplane control agent port")
	flag.StringVar(&args.sinkIP, "sink-ip", "", "address the dataplane sends packets to")
	flag.IntVar(&args.sinkPort, "sink-port", 0, "port the dataplane sends packets to")
	flag.StringVar(&args.socketPath, "socket-path", "", "local-socket transport path (enables the proxy)")
	flag.BoolVar(&args.debug, "debug", false, "enable debug logging")
	flag.BoolVar(&showVersion, "version", false, "show version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("dpcap %s (commit: %s, built: %s)\n", version, commit, buildDate)
		return 0
	}

	cfg, err := loadConfig(args.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}
	applyArgs(cfg, &args)

	// During capture the consumer owns stdout and keeps the process
	// attached to it, so logs must go to a file.
	logger, err := newLogger(cfg, args.capture)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	agent := control.NewClient(cfg.Agent.Host, cfg.Agent.Port, cfg.Agent.Timeout, logger)

	switch {
	case args.listInterfaces:
		return listInterfaces(agent, cfg, logger)
	case args.listDLTs:
		extcap.WriteDLTs(os.Stdout)
		return 0
	case args.listConfig:
		extcap.WriteConfig(os.Stdout)
		return 0
	case args.capture:
		return runCapture(cfg, &args, agent, logger)
	}

	fmt.Fprintln(os.Stderr, "no valid command specified, use --help for options")
	return 1
}

func listInterfaces(agent *control.Client, cfg *config.Config, logger *zap.Logger) int {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Agent.Timeout)
	defer cancel()

	interfaces, err := agent.FetchInterfaces(ctx)
	if err != nil {
		logger.Error("failed to list interfaces", zap.Error(err))
		fmt.Fprintf(os.Stderr, "failed to list interfaces: %v\n", err)
		return 1
	}

	extcap.WriteInterfaces(os.Stdout, interfaces, cfg.Agent.Host)
	return 0
}

func runCapture(cfg *config.Config, args *cliArgs, agent *control.Client, logger *zap.Logger) int {
	if args.fifo == "" {
		fmt.Fprintln(os.Stderr, "capture requires --fifo")
		return 1
	}
	if args.iface == "" {
		fmt.Fprintln(os.Stderr, "capture requires --extcap-interface")
		return 1
	}

	ifaceID, err := extcap.ParseInterfaceValue(args.iface)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	logger.Info("starting capture",
		zap.String("version", version),
		zap.Uint32("sw_if_index", ifaceID),
		zap.String("output", args.fifo),
	)

	session := bridge.NewSession(cfg, bridge.Options{
		InterfaceID:     ifaceID,
		OutputPath:      args.fifo,
		SinkIP:          cfg.Session.SinkIP,
		ProxySocketPath: cfg.Proxy.SocketPath,
		CaptureRX:       true,
		CaptureTX:       true,
	}, agent, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := session.Start(ctx); err != nil {
		logger.Error("failed to start capture", zap.Error(err))
		fmt.Fprintf(os.Stderr, "failed to start capture: %v\n", err)
		return 1
	}

	var healthSrv *health.Server
	if cfg.Health.Enabled {
		healthSrv = health.NewServer(cfg.Health.Addr, version, session.Snapshot, logger)
		if err := healthSrv.Start(ctx); err != nil {
			logger.Warn("health server failed to start", zap.Error(err))
			healthSrv = nil
		} else {
			healthSrv.SetReady(true)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	waitDone := make(chan struct{})
	go func() {
		session.Wait(ctx)
		close(waitDone)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case <-waitDone:
		logger.Info("capture ended")
	}

	// A second signal during teardown must not re-run cleanup; Stop is
	// idempotent and the timer caps a stuck teardown.
	stopDone := make(chan struct{})
	go func() {
		session.Stop()
		close(stopDone)
	}()
	select {
	case <-stopDone:
	case <-time.After(cfg.Session.JoinTimeout + cfg.Agent.Timeout):
		logger.Error("shutdown timed out, forcing exit")
		return 1
	}

	if healthSrv != nil {
		healthSrv.Stop()
	}

	if err := session.Err(); err != nil {
		logger.Error("capture failed", zap.Error(err))
		fmt.Fprintf(os.Stderr, "capture failed: %v\n", err)
		return 1
	}

	logger.Info("capture finished cleanly")
	return 0
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaults := []string{
		"configs/dpcap.yaml",
		"/etc/dpcap/dpcap.yaml",
	}
	for _, p := range defaults {
		if _, err := os.Stat(p); err == nil {
			return config.Load(p)
		}
	}

	cfg := config.DefaultConfig()
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// applyArgs layers CLI flags on top of the file/env configuration.
func applyArgs(cfg *config.Config, args *cliArgs) {
	if args.agentHost != "" {
		cfg.Agent.Host = args.agentHost
	}
	if args.agentPort != 0 {
		cfg.Agent.Port = args.agentPort
	}
	if args.sinkIP != "" {
		cfg.Session.SinkIP = args.sinkIP
	}
	if args.sinkPort != 0 {
		cfg.Session.SinkPort = args.sinkPort
	}
	if args.socketPath != "" {
		cfg.Proxy.SocketPath = args.socketPath
	}
	if args.debug {
		cfg.LogLevel = "debug"
	}
}

func newLogger(cfg *config.Config, toFile bool) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch cfg.LogLevel {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zcfg.Encoding = "console"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if toFile {
		logDir := cfg.LogDir
		if logDir == "" {
			logDir = filepath.Join(os.TempDir(), "dpcap-logs")
		}
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		name := fmt.Sprintf("dpcap_%s.log", time.Now().Format("2006-01-02T15-04-05.000000"))
		zcfg.OutputPaths = []string{filepath.Join(logDir, name)}
		zcfg.ErrorOutputPaths = zcfg.OutputPaths
	} else {
		zcfg.OutputPaths = []string{"stderr"}
		zcfg.ErrorOutputPaths = []string{"stderr"}
	}

	return zcfg.Build()
}
