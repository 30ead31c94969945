package main

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"node.town/scribe/chunk"
)

var listSessionsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List session artifact directories",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logs, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := chunk.NewStore(cfg.Artifacts.Dir, logs.disk)
		if err != nil {
			return err
		}
		sessions, err := store.List()
		if err != nil {
			return err
		}
		renderSessions(cmd.OutOrStdout(), sessions, time.Now())
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove session directories that have gone stale",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logs, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := chunk.NewStore(cfg.Artifacts.Dir, logs.disk)
		if err != nil {
			return err
		}

		removed, err := store.Sweep(cfg.Artifacts.MaxAge)
		if err != nil {
			return err
		}
		for _, id := range removed {
			fmt.Fprintln(cmd.OutOrStdout(), id)
		}
		logs.main.Info("sweep", "removed", len(removed), "max_age", cfg.Artifacts.MaxAge)
		return nil
	},
}

func init() {
	sweepCmd.Flags().Duration("max-age", time.Hour, "Remove sessions idle for longer than this")
	viper.BindPFlag("artifacts.max_age", sweepCmd.Flags().Lookup("max-age"))
}

func renderSessions(w io.Writer, sessions []chunk.SessionInfo, now time.Time) {
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No sessions found.")
		return
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Session", "Chunks", "Size", "Modified"})
	table.SetBorder(false)
	table.SetCenterSeparator("|")
	table.SetColumnSeparator("|")
	table.SetRowSeparator("-")
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)

	for _, s := range sessions {
		table.Append([]string{
			s.ID,
			fmt.Sprintf("%d", s.Chunks),
			humanize.Bytes(uint64(s.Bytes)),
			humanize.RelTime(s.Modified, now, "ago", "from now"),
		})
	}

	table.Render()
}
