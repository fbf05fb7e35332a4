package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/peace-maker/anthill/internal/config"
	"github.com/peace-maker/anthill/internal/flagstore"
	"github.com/peace-maker/anthill/internal/storage/factory"
	"github.com/peace-maker/anthill/internal/types"
)

// openSnapshot loads the persisted flag table read-only. It works while an
// engine is serving the same database.
func openSnapshot(ctx context.Context, cfg *config.Config) (*flagstore.Store, error) {
	if cfg.Storage.Backend == config.BackendMemory {
		return nil, fmt.Errorf("the memory backend keeps no state to report on; query a running engine's API instead")
	}
	backend, err := factory.NewWithOptions(ctx, cfg, factory.Options{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	defer func() { _ = backend.Close() }()

	pattern, err := cfg.Engine.FlagPattern()
	if err != nil {
		return nil, err
	}
	st := flagstore.New(flagstore.Options{
		ScoringWindow:       cfg.Engine.ScoringWindow,
		MaxRetries:          cfg.Engine.MaxRetries,
		OwnTeamID:           cfg.Engine.OwnTeamID,
		NOPTeamID:           cfg.Engine.NOPTeamID,
		NOPTeamGrantsPoints: cfg.Engine.NOPTeamGrantsPoints,
		Normalizer:          flagstore.NewNormalizer(pattern, cfg.Engine.FlagCase),
		Storage:             backend,
	})
	if err := st.Load(ctx); err != nil {
		return nil, err
	}
	return st, nil
}

// stateColor renders a state name in the color operators expect from it.
func stateColor(s types.State) string {
	switch s {
	case types.StateValid:
		return color.GreenString(string(s))
	case types.StatePending:
		return color.CyanString(string(s))
	case types.StateError:
		return color.RedString(string(s))
	case types.StateExpired, types.StateInvalid:
		return color.YellowString(string(s))
	}
	return string(s)
}

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	table.SetHeaderLine(false)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeader(header)
	return table
}

func renderFlags(w io.Writer, flags []types.Flag, maxRetries int) {
	table := newTable(w, []string{"FLAG", "STATE", "RETRIES", "FIRST SEEN", "LAST ATTEMPT"})
	for _, f := range flags {
		state := stateColor(f.State)
		if f.State == types.StateError && !f.RetryEligible(maxRetries) {
			state += " " + color.RedString("(abandoned)")
		}
		table.Append([]string{
			f.Value,
			state,
			strconv.Itoa(f.RetryCount),
			formatTime(f.FirstSeen),
			formatTimePtr(f.LastSubmissionAttempt),
		})
	}
	table.Render()
}

func renderOccurrences(w io.Writer, occs []types.Occurrence) {
	table := newTable(w, []string{"COLLECTED", "TEAM", "RUN", "EXPLOIT"})
	for _, o := range occs {
		table.Append([]string{
			formatTime(o.CollectionTime),
			strconv.Itoa(o.TargetTeamID),
			o.RunID,
			o.ExploitID,
		})
	}
	table.Render()
}

func renderStatistics(w io.Writer, stats types.Statistics) {
	bold := color.New(color.Bold).SprintFunc()
	fmt.Fprintf(w, "%s %d flags, %d captures\n", bold("Total:"), stats.TotalFlags, stats.TotalOccurrences)
	fmt.Fprintf(w, "%s %s\n", bold("Scored:"), color.GreenString(strconv.Itoa(stats.Scored)))
	if stats.Abandoned > 0 {
		fmt.Fprintf(w, "%s %s\n", bold("Abandoned:"), color.RedString(strconv.Itoa(stats.Abandoned)))
	}
	table := newTable(w, []string{"STATE", "COUNT"})
	for _, s := range types.AllStates {
		table.Append([]string{stateColor(s), strconv.Itoa(stats.ByState[s])})
	}
	table.Render()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("15:04:05.000")
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return formatTime(*t)
}
