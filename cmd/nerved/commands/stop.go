package commands

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"

	"github.com/nervelabs/nerve/internal/engine"
	"github.com/nervelabs/nerve/internal/transport"
)

var (
	stopTCP    bool
	stopHost   string
	stopPort   int
	stopSocket string
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Ask a running nerved instance to shut down",
	RunE:  runStop,
}

func init() {
	stopCmd.Flags().BoolVar(&stopTCP, "tcp", false, "connect over TCP instead of a Unix socket")
	stopCmd.Flags().StringVar(&stopHost, "host", "127.0.0.1", "TCP host (with --tcp)")
	stopCmd.Flags().IntVar(&stopPort, "port", 7700, "TCP port (with --tcp)")
	stopCmd.Flags().StringVar(&stopSocket, "socket", "", "Unix socket path")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	var network, address string
	if stopTCP {
		network, address = "tcp", net.JoinHostPort(stopHost, fmt.Sprintf("%d", stopPort))
	} else {
		if stopSocket == "" {
			return fmt.Errorf("stop: --socket is required unless --tcp is set")
		}
		network, address = "unix", stopSocket
	}

	client, err := transport.Dial(network, address)
	if err != nil {
		return fmt.Errorf("connecting to %s %s: %w", network, address, err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := client.Call(ctx, engine.Shutdown, nil)
	if err != nil {
		return fmt.Errorf("sending shutdown: %w", err)
	}
	if !res.Success {
		return fmt.Errorf("shutdown failed: %s", res.Error)
	}
	fmt.Println("nerved stopped")
	return nil
}
