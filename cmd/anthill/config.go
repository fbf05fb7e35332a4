package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/peace-maker/anthill/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect anthill configuration",
}

var configSampleCmd = &cobra.Command{
	Use:   "sample",
	Short: "Print a default anthill.yaml",
	RunE: func(cmd *cobra.Command, _ []string) error {
		out, err := config.Sample()
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(out)
		return err
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration after file and environment overrides",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Submission.Token != "" {
			cfg.Submission.Token = "********"
		}
		if cfg.Storage.MySQL.Password != "" {
			cfg.Storage.MySQL.Password = "********"
		}
		if jsonOutput {
			outputJSON(cfg)
			return nil
		}
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("encode config: %w", err)
		}
		_, err = os.Stdout.Write(out)
		return err
	},
}

func init() {
	configCmd.AddCommand(configSampleCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
