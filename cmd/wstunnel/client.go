package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kyujin-cho/websocket-tunnel/internal/client"
)

func clientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client <relayServer> <host:port>",
		Short: "Run the tunnel client",
		Long: `Open a local TCP listener and tunnel its traffic through the relay
to the target host:port. The relay address may be a ws:// or wss:// URL
or a bare host:port (ws:// is assumed).`,
		Args: cobra.ExactArgs(2),
		RunE: runClient,
	}

	cmd.Flags().IntP("port", "p", 0, "local listen port (0 = random above 10000)")
	cmd.Flags().StringP("passphrase", "P", "", "passphrase presented to the relay")

	return cmd
}

func runClient(cmd *cobra.Command, args []string) error {
	logger := resolveLogger(cmd)

	relayURL := parseRelayURL(args[0])
	host, port, err := parseTarget(args[1])
	if err != nil {
		return err
	}

	listenPort, _ := cmd.Flags().GetInt("port")
	passphrase, _ := cmd.Flags().GetString("passphrase")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg := client.Config{
		RelayURL:   relayURL,
		TargetHost: host,
		TargetPort: port,
		Passphrase: passphrase,
		ListenPort: listenPort,
		Logger:     logger,
	}
	if cfg.Metrics, err = resolveMetrics(ctx, cmd, logger); err != nil {
		return err
	}

	return client.Run(ctx, cfg)
}

func parseRelayURL(arg string) string {
	if strings.HasPrefix(arg, "ws://") || strings.HasPrefix(arg, "wss://") {
		return arg
	}
	return "ws://" + arg
}

func parseTarget(arg string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(arg)
	if err != nil {
		return "", 0, fmt.Errorf("invalid target %q: %w", arg, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("invalid target port %q", portStr)
	}
	return host, port, nil
}
