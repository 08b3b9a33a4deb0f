// Command arbengine is the entry point for the two-venue arbitrage engine. It
// loads configuration, validates it, sets up signal handling, and runs the
// engine in the configured mode.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/alanyoungcy/arbengine/internal/app"
	"github.com/alanyoungcy/arbengine/internal/config"
	"github.com/alanyoungcy/arbengine/internal/crypto"
)

var version = "0.1.0"

var (
	configPath string
	dryRun     bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "arbengine",
		Short: "Two-venue spread arbitrage engine",
		Long: `arbengine watches the order books of one symbol on two venues, buys
on the cheaper venue and sells on the dearer one when the spread clears
a threshold, and keeps per-venue positions inside configured limits.`,
		SilenceUsage: true,
		RunE:         runEngine,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.toml", "path to configuration file (.toml or .yaml)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the engine until interrupted",
		RunE:  runEngine,
	}
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "force dry-run mode regardless of the configuration")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(encryptSecretCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "arbengine version %s\n", version)
		},
	}
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and print it with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			red := cfg.Redacted()
			return toml.NewEncoder(cmd.OutOrStdout()).Encode(red)
		},
	}
}

func encryptSecretCmd() *cobra.Command {
	var passwordEnv string
	cmd := &cobra.Command{
		Use:   "encrypt-secret",
		Short: "Encrypt a venue API secret read from stdin for use as api_secret_file",
		RunE: func(cmd *cobra.Command, args []string) error {
			password := os.Getenv(passwordEnv)
			if password == "" {
				return fmt.Errorf("%s is not set", passwordEnv)
			}
			raw, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("read secret: %w", err)
			}
			blob, err := crypto.EncryptSecret(strings.TrimSpace(string(raw)), password)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(blob))
			return err
		},
	}
	cmd.Flags().StringVar(&passwordEnv, "password-env", "ARB_SECRET_PASSWORD", "environment variable holding the encryption password")
	return cmd
}

func runEngine(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", configPath, err)
	}
	if dryRun {
		cfg.Mode = "dry_run"
	}

	logger := newLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		return err
	}

	logger.Info("arbengine starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", configPath),
		slog.String("version", version),
	)

	application := app.New(cfg, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		// context.Canceled is expected on clean shutdown.
		if errors.Is(err, context.Canceled) {
			logger.Info("application shut down gracefully")
			return nil
		}
		logger.Error("application exited with error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("arbengine stopped")
	return nil
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
