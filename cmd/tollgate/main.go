package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pario-ai/tollgate/pkg/config"
	"github.com/pario-ai/tollgate/pkg/logging"
)

var version = "dev"

// app carries the loaded configuration to every subcommand.
type app struct {
	configPath string
	cfg        *config.Config
}

func main() {
	a := &app{}
	root := &cobra.Command{
		Use:          "tollgate",
		Short:        "Tollgate: governed LLM API gateway and exercise catalog sync",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			logging.Setup(cfg.LogLevel, cfg.LogFormat)
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to tollgate config file (built-in defaults when empty)")

	root.AddCommand(
		newServeCmd(a),
		newSyncCmd(a),
		newBudgetCmd(a),
		newTierCmd(a),
		newAuditCmd(a),
		newMCPCmd(a),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
