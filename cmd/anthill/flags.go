package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/peace-maker/anthill/internal/types"
)

var flagsCmd = &cobra.Command{
	Use:   "flags",
	Short: "List flags, oldest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		filter := types.FlagFilter{}
		if raw, _ := cmd.Flags().GetString("state"); raw != "" {
			state, err := types.ParseState(raw)
			if err != nil {
				return err
			}
			filter.State = &state
		}
		filter.Limit, _ = cmd.Flags().GetInt("limit")

		st, err := openSnapshot(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		flags := st.Flags(filter)
		if jsonOutput {
			if flags == nil {
				flags = []types.Flag{}
			}
			outputJSON(flags)
			return nil
		}
		if len(flags) == 0 {
			fmt.Println("No flags found")
			return nil
		}
		renderFlags(os.Stdout, flags, cfg.Engine.MaxRetries)
		return nil
	},
}

var occurrencesCmd = &cobra.Command{
	Use:   "occurrences <flag>",
	Short: "Show every capture of a flag",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openSnapshot(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		value := args[0]
		if v, err := st.Normalize(value); err == nil {
			value = v
		}
		f, err := st.Get(value)
		if err != nil {
			return err
		}
		occs := st.Ledger().OccurrencesFor(value)

		if jsonOutput {
			outputJSON(struct {
				types.Flag
				Occurrences []types.Occurrence `json:"occurrences"`
			}{f, occs})
			return nil
		}
		renderFlags(os.Stdout, []types.Flag{f}, cfg.Engine.MaxRetries)
		fmt.Println()
		renderOccurrences(os.Stdout, occs)
		return nil
	},
}

func init() {
	flagsCmd.Flags().StringP("state", "s", "", "Only list flags in this state (pending, valid, error, ...)")
	flagsCmd.Flags().IntP("limit", "n", 0, "Maximum number of flags to list (0 = all)")
	rootCmd.AddCommand(flagsCmd, occurrencesCmd)
}
