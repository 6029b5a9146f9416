package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	hub "github.com/glimte/mmate-hub"
	"github.com/glimte/mmate-hub/internal/config"
)

var (
	// Version information
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mmate-hub",
		Short: "HTTP gateway in front of a message bus",
		Long: `mmate-hub accepts JSON events over HTTP and publishes them on a message bus.
Command events wait for the correlated reply and return it to the caller.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", hub.Version, gitCommit, buildTime),
		SilenceUsage: true,
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")

	var addr string
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, addr)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, cmd.ErrOrStderr())
		},
	}
	serveCmd.Flags().StringVar(&addr, "addr", "", "Listen address, overrides http.addr")

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, "")
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mmate-hub %s\n", rootCmd.Version)
		},
	}

	rootCmd.AddCommand(serveCmd, configCmd, versionCmd)
	return rootCmd
}

func loadConfig(path, addr string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if addr != "" {
		cfg.HTTP.Addr = addr
	}
	return cfg, nil
}

func serve(ctx context.Context, cfg config.Config, logOut io.Writer) error {
	logger := cfg.Log.NewLogger(logOut)

	h, err := hub.New(ctx, cfg, hub.WithLogger(logger))
	if err != nil {
		logger.Error("failed to start hub", "error", err)
		return err
	}

	if err := h.Run(ctx); err != nil {
		logger.Error("hub stopped with error", "error", err)
		return err
	}
	logger.Info("hub stopped")
	return nil
}
