package commands

import (
	"time"

	"court_spider/internal/db"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var (
	historySource string
	historyLimit  int
)

func init() {
	historyCmd.Flags().StringVarP(&historySource, "source", "s", "", "Only runs of this source.")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of listing runs to show.")
	rootCmd.AddCommand(historyCmd)
}

var historyCmd = &cobra.Command{
	Use:   "history [--source <name>] [--limit <n>]",
	Short: "Shows recent listing runs from the run-history database.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, closer, err := load()
		if err != nil {
			return err
		}
		defer closer.Close()

		store, err := db.Open(cfg.DB, log)
		if err != nil {
			return err
		}
		defer store.Close(cmd.Context())

		runs, err := store.LastRuns(cmd.Context(), historySource, historyLimit)
		if err != nil {
			return err
		}

		t := newTable(cmd.OutOrStdout())
		t.AppendHeader(table.Row{"Finished", "Run", "Source", "Listing", "Reason", "Pages", "Processed", "Downloaded", "Errors"})
		for _, r := range runs {
			t.AppendRow(table.Row{
				time.Unix(r.FinishedAt, 0).Format(time.DateTime), r.RunID, r.Source, r.Listing, r.Reason,
				r.Pages, r.Processed, r.Downloaded, r.DownloadErrors,
			})
		}
		t.Render()

		if historySource == "" {
			return nil
		}
		counts, err := store.StatusCounts(cmd.Context(), historySource)
		if err != nil {
			return err
		}
		st := newTable(cmd.OutOrStdout())
		st.SetTitle("outcomes of " + historySource)
		st.AppendHeader(table.Row{"Status", "Records"})
		for status, n := range counts {
			st.AppendRow(table.Row{status, n})
		}
		st.SortBy([]table.SortBy{{Name: "Status", Mode: table.Asc}})
		st.Render()
		return nil
	},
}
