// Package main provides the CLI entry point for the Metroo UDP relay.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/postalsys/metroo-relay/internal/auth"
	"github.com/postalsys/metroo-relay/internal/config"
	"github.com/postalsys/metroo-relay/internal/crypto"
	"github.com/postalsys/metroo-relay/internal/health"
	"github.com/postalsys/metroo-relay/internal/loadtest"
	"github.com/postalsys/metroo-relay/internal/logging"
	"github.com/postalsys/metroo-relay/internal/metrics"
	"github.com/postalsys/metroo-relay/internal/protocol"
	"github.com/postalsys/metroo-relay/internal/relay"
	"github.com/postalsys/metroo-relay/internal/wizard"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "metroo-relay",
		Short: "Metroo Relay - Encrypted UDP tunneling relay",
		Long: `Metroo Relay accepts authenticated clients on a well-known UDP
control port, assigns each session its own UDP port and relays
AEAD-encrypted datagrams between the client and an upstream service.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(checkConfigCmd())
	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(benchCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a configuration interactively",
		Long:  "Run the setup wizard to write a relay config file and a users file with generated keys.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				return errors.New("init requires an interactive terminal")
			}

			if _, err := wizard.New().Run(); err != nil {
				return fmt.Errorf("setup failed: %w", err)
			}
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the relay",
		Long:  "Start the relay with the specified configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

			users, err := auth.Load(cfg.Auth.UsersFile)
			if err != nil {
				return fmt.Errorf("failed to load users: %w", err)
			}

			r, err := relay.New(relay.ConfigFrom(cfg), users, logger, metrics.Default())
			if err != nil {
				return fmt.Errorf("failed to create relay: %w", err)
			}

			if err := r.Start(); err != nil {
				return fmt.Errorf("failed to start relay: %w", err)
			}

			var hs *health.Server
			if cfg.Health.Enabled {
				hs = health.NewServer(health.ServerConfig{
					Address:      cfg.Health.Address,
					ReadTimeout:  cfg.Health.ReadTimeout,
					WriteTimeout: cfg.Health.WriteTimeout,
				}, r)
				if err := hs.Start(); err != nil {
					r.Close()
					return fmt.Errorf("failed to start health server: %w", err)
				}
				logger.Info("health server started", "address", hs.Address().String())
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			err = r.Serve(ctx)

			if hs != nil {
				if stopErr := hs.Stop(); stopErr != nil {
					logger.Warn("health server shutdown failed", logging.KeyError, stopErr)
				}
			}

			return err
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

func checkConfigCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate configuration and users files",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			users, err := auth.Load(cfg.Auth.UsersFile)
			if err != nil {
				return fmt.Errorf("users file %s: %w", cfg.Auth.UsersFile, err)
			}

			fmt.Printf("Config OK: %s\n", configPath)
			fmt.Printf("Control address: %s\n", cfg.Relay.Listen)
			fmt.Printf("Port range: %d-%d\n", cfg.Relay.PortRange.Min, cfg.Relay.PortRange.Max)
			fmt.Printf("Users (%d):\n", users.Len())
			for _, name := range users.Names() {
				u, _ := users.Lookup(name)
				fmt.Printf("  %-16s %s\n", name, u.ClientID)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

func keygenCmd() *cobra.Command {
	var passphrase bool

	cmd := &cobra.Command{
		Use:   "keygen <username>...",
		Short: "Generate user keys",
		Long: `Generate a users file entry for each username and print it as YAML.
With --passphrase, keys are derived from a passphrase read from the terminal.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keys := make(map[string][crypto.KeySize]byte, len(args))
			for _, name := range args {
				var key [crypto.KeySize]byte
				if passphrase {
					pass, err := readPassphrase(name)
					if err != nil {
						return err
					}
					key = crypto.DeriveKey(name, pass)
				} else {
					var err error
					if key, err = crypto.GenerateKey(); err != nil {
						return fmt.Errorf("failed to generate key: %w", err)
					}
				}
				keys[name] = key
			}

			out, err := auth.Marshal(keys)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}

	cmd.Flags().BoolVarP(&passphrase, "passphrase", "p", false, "Derive keys from passphrases instead of random bytes")

	return cmd
}

func readPassphrase(name string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("--passphrase requires an interactive terminal")
	}

	fmt.Fprintf(os.Stderr, "Passphrase for %s: ", name)
	pass, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	if len(pass) == 0 {
		return "", errors.New("passphrase must not be empty")
	}
	return string(pass), nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "metroo-relay %s\n", Version)
		},
	}
}

func benchCmd() *cobra.Command {
	var (
		addr        string
		user        string
		keyHex      string
		passphrase  string
		methodName  string
		concurrency int
		size        int
		duration    time.Duration
		churn       bool
		limit       int64
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Load test a running relay",
		Long: `Open client sessions against a relay and measure round trips.
Without an upstream the relay echoes DATA back and replies are verified.
With --churn, sessions are opened back to back to measure handshakes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			method, ok := protocol.ParseEncryptMethod(methodName)
			if !ok {
				return fmt.Errorf("unknown method %q", methodName)
			}

			var key [crypto.KeySize]byte
			switch {
			case keyHex != "" && passphrase != "":
				return errors.New("--key and --passphrase are mutually exclusive")
			case keyHex != "":
				var err error
				if key, err = auth.ParseKey(keyHex); err != nil {
					return err
				}
			case passphrase != "":
				key = crypto.DeriveKey(user, passphrase)
			case method.Encrypted():
				return errors.New("--key or --passphrase is required for encrypted sessions")
			}

			dial := loadtest.SessionDialFunc(loadtest.Dialer{
				Addr:    addr,
				User:    user,
				Key:     key,
				Method:  method,
				Timeout: 2 * time.Second,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			if churn {
				tester := loadtest.NewChurnTester(concurrency, duration)
				tester.Limit = limit
				m, err := tester.Run(ctx, dial)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Sessions:     %s (%s failed)\n", humanize.Comma(m.TotalSessions), humanize.Comma(m.FailedConnects))
				fmt.Fprintf(out, "Handshake:    avg %.3fms, max %.3fms\n", m.AvgConnectTimeMs, m.MaxConnectTimeMs)
				fmt.Fprintf(out, "Rate:         %.1f sessions/s over %s\n", m.ChurnRate, m.Duration.Truncate(time.Millisecond))
				return nil
			}

			gen := loadtest.NewEchoLoadGenerator(concurrency, size, duration)
			gen.Verify = true
			m, err := gen.Run(ctx, dial)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Sessions:     %d (%d failed)\n", m.Sessions, m.FailedSessions)
			fmt.Fprintf(out, "Exchanges:    %s (%s failed, %s mismatched)\n",
				humanize.Comma(m.SuccessfulExchange), humanize.Comma(m.FailedExchanges), humanize.Comma(m.Mismatches))
			fmt.Fprintf(out, "Latency:      avg %.3fms, min %.3fms, max %.3fms\n", m.AvgLatencyMs, m.MinLatencyMs, m.MaxLatencyMs)
			fmt.Fprintf(out, "Throughput:   %.0f exchanges/s, %s/s\n",
				m.ExchangesPerSecond, humanize.IBytes(uint64(m.ThroughputMBps*1024*1024)))
			return nil
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "127.0.0.1:7835", "Relay control address")
	cmd.Flags().StringVarP(&user, "user", "u", "", "Username")
	cmd.Flags().StringVar(&keyHex, "key", "", "User key as 64 hex characters")
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "Derive the user key from a passphrase")
	cmd.Flags().StringVarP(&methodName, "method", "m", "chacha", "Encryption method (aes, chacha, unsafe)")
	cmd.Flags().IntVarP(&concurrency, "concurrency", "n", 4, "Concurrent sessions")
	cmd.Flags().IntVarP(&size, "size", "s", 256, "Payload size in bytes")
	cmd.Flags().DurationVarP(&duration, "duration", "d", 10*time.Second, "Test duration")
	cmd.Flags().BoolVar(&churn, "churn", false, "Measure handshakes instead of round trips")
	cmd.Flags().Int64Var(&limit, "limit", 1000, "Maximum handshakes in churn mode (0 = unlimited)")
	cmd.MarkFlagRequired("user")

	return cmd
}
