package commands

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nervelabs/nerve/internal/config"
	"github.com/nervelabs/nerve/internal/engine"
	"github.com/nervelabs/nerve/internal/logger"
	"github.com/nervelabs/nerve/internal/telemetry"
	"github.com/nervelabs/nerve/internal/transport"
)

var (
	serveName       string
	serveTCP        bool
	serveHost       string
	servePort       int
	serveSocket     string
	serveHistoryDir string
	serveLogLevel   string
	serveLogFormat  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the nerved daemon",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveName, "name", "nerved", "server name, used in history paths and logs")
	serveCmd.Flags().BoolVar(&serveTCP, "tcp", false, "listen on TCP instead of a Unix socket")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "TCP host to listen on (with --tcp)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "TCP port to listen on (with --tcp)")
	serveCmd.Flags().StringVar(&serveSocket, "socket", "", "Unix socket path to listen on")
	serveCmd.Flags().StringVar(&serveHistoryDir, "history-dir", "", "base directory for the JSONL history log")
	serveCmd.Flags().StringVar(&serveLogLevel, "log-level", "", "debug|info|warn|error")
	serveCmd.Flags().StringVar(&serveLogFormat, "log-format", "", "text|json")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(serveName)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyServeFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log := logger.New(cfg.Server.LogLevel, cfg.Server.LogFormat)
	tel := telemetry.New(cfg.Server.Name, cfg.Telemetry.EnableTracing, cfg.Telemetry.PprofPort, log)
	tel.StartPprof(cfg.Telemetry.EnablePprof)

	eng, err := engine.New(cfg, log, tel)
	if err != nil {
		return fmt.Errorf("initializing engine: %w", err)
	}

	network, address := networkAddress(cfg)
	srv := transport.NewServer(eng, log, cfg.Transport.MaxLine)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- srv.ListenAndServe(ctx, network, address)
	}()

	log.Info("nerved started", "network", network, "address", address)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info("shutting down")
	case err := <-serveErrCh:
		if err != nil {
			return fmt.Errorf("transport: %w", err)
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Proxy.ShutdownTimeout)
	defer shutdownCancel()
	eng.Dispatch(shutdownCtx, engine.Command{Type: engine.Shutdown})

	if err := tel.Shutdown(shutdownCtx); err != nil {
		log.Error("telemetry shutdown error", "error", err)
	}
	return nil
}

func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("tcp") {
		cfg.Transport.TCP = serveTCP
	}
	if cmd.Flags().Changed("host") {
		cfg.Transport.Host = serveHost
	}
	if cmd.Flags().Changed("port") {
		cfg.Transport.Port = servePort
	}
	if cmd.Flags().Changed("socket") {
		cfg.Transport.SocketPath = serveSocket
	}
	if cmd.Flags().Changed("history-dir") {
		cfg.History.BaseDir = serveHistoryDir
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Server.LogLevel = serveLogLevel
	}
	if cmd.Flags().Changed("log-format") {
		cfg.Server.LogFormat = serveLogFormat
	}
}

func networkAddress(cfg *config.Config) (network, address string) {
	if cfg.Transport.TCP {
		return "tcp", net.JoinHostPort(cfg.Transport.Host, fmt.Sprintf("%d", cfg.Transport.Port))
	}
	return "unix", cfg.Transport.SocketPath
}
