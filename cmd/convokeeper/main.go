// Command convokeeper drives the sync core from a terminal: it registers the
// installation, logs identities in and out, sends messages and runs sync passes.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/and161185/convokeeper/internal/backend"
	"github.com/and161185/convokeeper/internal/config"
	"github.com/and161185/convokeeper/internal/observ"
	"github.com/and161185/convokeeper/internal/transport"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

type contextKey int

const (
	contextKeyConfig contextKey = iota
	contextKeyBackend
	contextKeyLogger
)

func getConfig(ctx *cli.Context) config.SDK {
	return ctx.Context.Value(contextKeyConfig).(config.SDK)
}

func getBackend(ctx *cli.Context) *backend.Backend {
	return ctx.Context.Value(contextKeyBackend).(*backend.Backend)
}

func getLogger(ctx *cli.Context) *zap.Logger {
	return ctx.Context.Value(contextKeyLogger).(*zap.Logger)
}

// loadConfig layers command line flags over the file and environment settings.
func loadConfig(ctx *cli.Context) (config.SDK, error) {
	cfg, err := config.Load(ctx.String("config"), ctx.String("env-file"))
	if err != nil {
		return config.SDK{}, err
	}
	if ctx.IsSet("addr") {
		cfg.APIAddr = ctx.String("addr")
	}
	if ctx.IsSet("container") {
		cfg.ContainerDir = ctx.String("container")
	}
	if ctx.IsSet("cacert") {
		cfg.CACert = ctx.String("cacert")
	}
	if ctx.IsSet("insecure") {
		cfg.Insecure = ctx.Bool("insecure")
	}
	if ctx.IsSet("log-level") {
		cfg.LogLevel = ctx.String("log-level")
	}
	if err := cfg.Validate(); err != nil {
		return config.SDK{}, err
	}
	return cfg, nil
}

// prepareApp starts the orchestrator with protected storage available, the way
// a host application does on launch.
func prepareApp(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log, err := observ.NewLogger(cfg.Env, cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	cc, err := transport.Dial(cfg.APIAddr, transport.DialOptions{
		CACert:   cfg.CACert,
		Insecure: cfg.Insecure,
		Plain:    ctx.Bool("plaintext"),
	})
	if err != nil {
		return fmt.Errorf("dial %s: %w", cfg.APIAddr, err)
	}
	b := backend.New(backend.Config{
		ContainerDir:         cfg.ContainerDir,
		Environment:          cfg.Environment(version, runtime.GOOS),
		Transport:            transport.NewGRPC(cc, log.Named("transport")),
		HousekeepingInterval: cfg.HousekeepingInterval,
		MessageFetchInterval: cfg.MessageFetchInterval,
		Logger:               log,
	})
	if err := b.ProtectedDataDidBecomeAvailable(ctx.Context); err != nil {
		log.Warn("persisted state not loaded", zap.Error(err))
	}

	newCtx := context.WithValue(ctx.Context, contextKeyConfig, cfg)
	newCtx = context.WithValue(newCtx, contextKeyBackend, b)
	newCtx = context.WithValue(newCtx, contextKeyLogger, log)
	ctx.Context = newCtx
	return nil
}

// requiresRegistration prepares the app and registers it with the configured
// app credentials, which every operation except register itself needs.
func requiresRegistration(ctx *cli.Context) error {
	if err := prepareApp(ctx); err != nil {
		return err
	}
	if _, err := getBackend(ctx).Register(ctx.Context, getConfig(ctx).AppCredentials()); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	return nil
}

// shutdown saves dirty records and stops the orchestrator.
func shutdown(ctx *cli.Context) error {
	v := ctx.Context.Value(contextKeyBackend)
	if v == nil {
		return nil
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := v.(*backend.Backend).Close(closeCtx)
	_ = getLogger(ctx).Sync()
	return err
}

func main() {
	app := &cli.App{
		Name:    "convokeeper",
		Usage:   "Sync a feedback conversation with its backend",
		Version: fmt.Sprintf("%s (%s)", version, buildDate),
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "Path to YAML config file", EnvVars: []string{config.EnvPrefix + "CONFIG"}},
			&cli.StringFlag{Name: "env-file", Usage: "Path to .env file"},
			&cli.StringFlag{Name: "addr", Usage: "Backend address (host:port)"},
			&cli.StringFlag{Name: "container", Usage: "Directory holding the local records"},
			&cli.StringFlag{Name: "cacert", Usage: "CA certificate (PEM)"},
			&cli.BoolFlag{Name: "insecure", Usage: "Skip certificate verification (dev)"},
			&cli.BoolFlag{Name: "plaintext", Usage: "Connect without TLS (local backend only)"},
			&cli.StringFlag{Name: "log-level", Usage: "Log level"},
		},
		Commands: []*cli.Command{
			registerCommand,
			loginCommand,
			logoutCommand,
			updateTokenCommand,
			whoamiCommand,
			statusCommand,
			profileCommand,
			sendCommand,
			messagesCommand,
			readCommand,
			attachmentCommand,
			engageCommand,
			syncCommand,
		},
	}
	for _, cmd := range app.Commands {
		cmd.After = shutdown
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
