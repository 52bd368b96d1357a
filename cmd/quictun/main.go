// Package main provides the CLI entry point for the quictun client.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/praxos/quictun/internal/client"
	"github.com/praxos/quictun/internal/config"
	"github.com/praxos/quictun/internal/logging"
	"github.com/praxos/quictun/internal/metrics"
	"github.com/praxos/quictun/internal/socks5"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "quictun",
		Short: "quictun - QUIC tunnel proxy client",
		Long: `quictun is a proxy client that tunnels TCP connections and UDP
datagrams to a relay server over a single QUIC connection.

It exposes a local SOCKS5 server; every CONNECT becomes a relay
stream and every UDP ASSOCIATE becomes a relay association. The
relay connection is dialed lazily and torn down when idle.`,
		Version: Version,
	}

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(checkCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// defaultConfig is written by the init command as a starting point.
const defaultConfig = `relay:
  address: relay.example.com:443
  token: ${QUICTUN_TOKEN}
  # ca: /path/to/ca.pem
  retries: 3
  idle_timeout: 60s
  keep_alive: 15s

socks5:
  address: 127.0.0.1:1080
  # username: alice
  # password: secret

udp:
  max_packet_size: 1350
  reassembly_timeout: 30s

log:
  level: info
  format: text

metrics:
  enabled: false
  address: 127.0.0.1:9090
`

func initCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter configuration file",
		Long:  "Write an annotated configuration file to get started.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(configPath); err == nil {
				return fmt.Errorf("%s already exists, refusing to overwrite", configPath)
			}
			if err := os.WriteFile(configPath, []byte(defaultConfig), 0o600); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}
			fmt.Printf("Wrote %s\n", configPath)
			fmt.Println("Edit it to point at your relay, then start with: quictun run")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

func checkCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration file",
		Long:  "Parse and validate the configuration file without starting anything.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Printf("%s is valid.\n\n%s", configPath, cfg.String())
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the tunnel client",
		Long:  "Start the SOCKS5 front-end and serve traffic through the relay.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
			m := metrics.Default()

			c := client.New(cfg, logger, m)
			defer c.Close()

			server := socks5.NewServer(cfg.SOCKS5, c, logger, m)
			if err := server.Start(); err != nil {
				return fmt.Errorf("failed to start SOCKS5 server: %w", err)
			}

			var metricsSrv *http.Server
			if cfg.Metrics.Enabled {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				metricsSrv = &http.Server{
					Addr:         cfg.Metrics.Address,
					Handler:      mux,
					ReadTimeout:  10 * time.Second,
					WriteTimeout: 10 * time.Second,
				}
				go func() {
					if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logger.Error("metrics server failed", logging.KeyError, err)
					}
				}()
				logger.Info("metrics server listening", logging.KeyAddress, cfg.Metrics.Address)
			}

			fmt.Printf("quictun %s\n", Version)
			fmt.Printf("SOCKS5 server: %s\n", server.Address())
			fmt.Printf("Relay: %s\n", cfg.Relay.Address)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			sig := <-sigCh
			fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if metricsSrv != nil {
				metricsSrv.Shutdown(ctx)
			}
			if err := server.StopWithContext(ctx); err != nil {
				fmt.Printf("Shutdown error: %v\n", err)
				return err
			}

			fmt.Println("Stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}
