package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/kyujin-cho/websocket-tunnel/internal/auth"
	"github.com/kyujin-cho/websocket-tunnel/internal/server"
)

func serverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the relay server",
		Long: `Start the relay: accept WebSocket control channels and dial target
TCP hosts on behalf of authenticated clients. Restrict targets per
credential with a passphrase file.`,
		Args: cobra.NoArgs,
		RunE: runServer,
	}

	cmd.Flags().IntP("port", "p", 3000, "listen port")
	cmd.Flags().StringP("passphrase", "P", "", "single shared secret accepted from all clients")
	cmd.Flags().StringP("passphrase-file", "f", "", "path to a YAML credential definition file")
	cmd.Flags().Duration("dial-timeout", 30*time.Second, "timeout for dialing targets")
	cmd.Flags().Duration("tcp-keepalive", 30*time.Second, "TCP keepalive interval on target connections")
	cmd.Flags().Int("max-sessions", 0, "max concurrent control channels (0 = unlimited)")

	return cmd
}

func runServer(cmd *cobra.Command, args []string) error {
	logger := resolveLogger(cmd)

	table, err := resolveTable(cmd)
	if err != nil {
		return err
	}
	if table == nil {
		logger.Warn("no passphrase configured, all clients will be accepted")
	}

	port, _ := cmd.Flags().GetInt("port")
	dialTimeout, _ := cmd.Flags().GetDuration("dial-timeout")
	tcpKeepAlive, _ := cmd.Flags().GetDuration("tcp-keepalive")
	maxSessions, _ := cmd.Flags().GetInt("max-sessions")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg := server.Config{
		Addr:         fmt.Sprintf(":%d", port),
		Table:        table,
		DialTimeout:  dialTimeout,
		TCPKeepAlive: tcpKeepAlive,
		MaxSessions:  maxSessions,
		Logger:       logger,
	}
	if cfg.Metrics, err = resolveMetrics(ctx, cmd, logger); err != nil {
		return err
	}

	return server.New(cfg).Serve(ctx)
}

// resolveTable builds the credential table from --passphrase or
// --passphrase-file. Both at once is an error; neither disables auth.
func resolveTable(cmd *cobra.Command) (*auth.Table, error) {
	passphrase, _ := cmd.Flags().GetString("passphrase")
	path, _ := cmd.Flags().GetString("passphrase-file")
	switch {
	case passphrase != "" && path != "":
		return nil, fmt.Errorf("--passphrase and --passphrase-file are mutually exclusive")
	case passphrase != "":
		return auth.Single(passphrase), nil
	case path != "":
		return auth.LoadFile(path)
	default:
		return nil, nil
	}
}
