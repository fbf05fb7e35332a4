package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/peace-maker/anthill/internal/lockfile"
	"github.com/peace-maker/anthill/internal/types"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine and flag statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		running, pid := lockfile.TryEngineLock(cfg.DataDir)
		st, err := openSnapshot(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		stats := st.Statistics()

		if jsonOutput {
			outputJSON(struct {
				Running bool `json:"running"`
				PID     int  `json:"pid,omitempty"`
				types.Statistics
			}{running, pid, stats})
			return nil
		}

		if running {
			fmt.Printf("Engine: %s (pid %d)\n", color.GreenString("running"), pid)
		} else {
			fmt.Printf("Engine: %s\n", color.YellowString("stopped"))
		}
		renderStatistics(os.Stdout, stats)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
