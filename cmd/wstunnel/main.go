package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	// Automatically set GOMEMLIMIT based on cgroup memory limits (container
	// or systemd MemoryMax=). If no cgroup limit is detected, GOMEMLIMIT is
	// left at the Go default.
	"github.com/KimMachineGun/automemlimit/memlimit"

	"github.com/spf13/cobra"

	"github.com/kyujin-cho/websocket-tunnel/internal/metrics"
)

var version = "dev"

func init() {
	_, _ = memlimit.SetGoMemLimitWithOpts(memlimit.WithLogger(nil))
}

func main() {
	rootCmd := &cobra.Command{
		Use:          "wstunnel",
		Short:        "Tunnel TCP connections over WebSocket",
		Long:         "Tunnel arbitrary TCP traffic through a relay that only needs outbound WebSocket/HTTP access.",
		SilenceUsage: true,
	}

	// Global flags.
	rootCmd.PersistentFlags().StringP("verbosity", "v", "info", "log verbosity (error, info, debug, trace)")
	rootCmd.PersistentFlags().String("metrics-addr", "", "address for Prometheus metrics server (e.g. :9090); disabled if empty")

	rootCmd.AddCommand(serverCmd())
	rootCmd.AddCommand(clientCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func newLogger(verbosity string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(verbosity) {
	case "error":
		lvl = slog.LevelError
	case "debug":
		lvl = slog.LevelDebug
	case "trace":
		lvl = slog.LevelDebug - 4
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func resolveLogger(cmd *cobra.Command) *slog.Logger {
	verbosity, _ := cmd.Flags().GetString("verbosity")
	return newLogger(verbosity)
}

// resolveMetrics creates a Metrics instance and starts the HTTP server if
// --metrics-addr or WSTUNNEL_METRICS_ADDR is set. Returns nil if metrics
// are disabled. The provided context controls the server's lifetime.
func resolveMetrics(ctx context.Context, cmd *cobra.Command, logger *slog.Logger) (*metrics.Metrics, error) {
	addr, _ := cmd.Flags().GetString("metrics-addr")
	if addr == "" {
		addr = os.Getenv("WSTUNNEL_METRICS_ADDR")
	}
	if addr == "" {
		return nil, nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen on %s: %w", addr, err)
	}
	m := metrics.New()
	go func() {
		if err := m.Serve(ctx, ln, logger); err != nil {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return m, nil
}
