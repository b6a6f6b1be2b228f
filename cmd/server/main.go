package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/spf13/cobra"

	"github.com/Tyrowin/lanchat/internal/server"
)

const shutdownTimeout = 15 * time.Second

type options struct {
	configPath string
	envFile    string
	tcpAddr    string
	httpAddr   string
	logLevel   string
	noConsole  bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "lanchat",
		Short: "LAN chat relay",
		Long: `lanchat relays text, private and file messages between clients on a
local network. Clients speak newline-delimited JSON over TCP or WebSocket.

Configuration is read from defaults, an optional YAML file, a .env file,
the environment and finally these flags.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	flags.StringVar(&opts.envFile, "env-file", ".env", "path to a .env file")
	flags.StringVar(&opts.tcpAddr, "tcp-addr", "", "TCP listen address (overrides TCP_ADDR)")
	flags.StringVar(&opts.httpAddr, "http-addr", "", "HTTP listen address (overrides HTTP_ADDR)")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn or error")
	flags.BoolVar(&opts.noConsole, "no-console", false, "do not read operator commands from stdin")
	return cmd
}

func run(cmd *cobra.Command, opts *options) error {
	logger, err := newLogger(opts.logLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	if err := server.LoadDotEnv(opts.envFile); err != nil {
		return err
	}
	cfg, err := server.LoadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("tcp-addr") {
		cfg.TCPAddr = opts.tcpAddr
	}
	if cmd.Flags().Changed("http-addr") {
		cfg.HTTPAddr = opts.httpAddr
	}

	srv := server.New(cfg, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := srv.ListenAndServe(ctx); err != nil {
			logger.Error("relay stopped", "error", err)
			stopProcess(logger)
		}
	}()

	if !opts.noConsole {
		console := server.NewConsole(srv.Router(), os.Stdout, func() { stopProcess(logger) })
		go func() {
			if err := console.Run(ctx, os.Stdin); err != nil {
				logger.Warn("console stopped", "error", err)
			}
		}()
		logger.Info("console ready, type /help for commands")
	}

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		shutdownTimeout,
		map[string]gfshutdown.Operation{
			"relay": func(ctx context.Context) error {
				logger.Info("graceful shutdown initiated")
				cancel()
				timeout := shutdownTimeout
				if deadline, ok := ctx.Deadline(); ok {
					timeout = time.Until(deadline)
				}
				return srv.Shutdown(timeout)
			},
		},
	)

	exitCode := <-wait
	if exitCode != 0 {
		return fmt.Errorf("shutdown finished with exit code %d", exitCode)
	}
	logger.Info("relay exited")
	return nil
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", level, err)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

// stopProcess triggers the same path as Ctrl+C so shutdown always runs
// through the graceful shutdown handler.
func stopProcess(logger *slog.Logger) {
	p, err := os.FindProcess(os.Getpid())
	if err == nil {
		err = p.Signal(syscall.SIGTERM)
	}
	if err != nil {
		logger.Error("failed to signal shutdown", "error", err)
	}
}
