package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"solana-validator-exporter/internal/config"
	"solana-validator-exporter/internal/logger"
)

func newRootCmd() *cobra.Command {
	var configPath string

	runCmd := newRunCmd(&configPath)
	root := &cobra.Command{
		Use:          "solana-exporter",
		Short:        "Prometheus exporter for Solana validator telemetry",
		SilenceUsage: true,
		// Running without a subcommand starts the exporter.
		RunE: runCmd.RunE,
	}
	root.Flags().AddFlagSet(runCmd.Flags())
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		fmt.Sprintf("path to the config file (default %s)", config.DefaultPath()))

	root.AddCommand(
		runCmd,
		newGenerateCmd(),
		newPruneCmd(&configPath),
	)
	return root
}

// loadConfig reads the config file and installs the configured logger.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := logger.Init(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newGenerateCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Write a template config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.Generate(output); err != nil {
				return err
			}
			path := output
			if path == "" {
				path = config.DefaultPath()
			}
			cmd.Printf("Wrote config template to %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "where to write the template (default in the data directory)")
	return cmd
}
