package commands

import (
	"errors"
	"fmt"

	"court_spider/internal/app"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var runOpts app.RunOptions

func init() {
	f := runCmd.Flags()
	f.StringSliceVarP(&runOpts.Sources, "source", "s", nil, "Harvest only these sources.")
	f.StringSliceVarP(&runOpts.Listings, "listing", "l", nil, "Harvest only listings whose label equals or URL contains one of these values.")
	f.BoolVar(&runOpts.NoResume, "no-resume", false, "Move the existing CSV aside and start over.")
	f.IntVar(&runOpts.MaxPages, "max-pages", 0, "Page budget per source, overriding the config.")
	f.IntVar(&runOpts.MaxItems, "max-items", 0, "Record budget per source, overriding the config.")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run [--source <name>] [--listing <label>] [--no-resume]",
	Short: "Harvests the configured sources, resuming from what each CSV already holds.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, closer, err := load()
		if err != nil {
			return err
		}
		defer closer.Close()

		spider, err := app.NewSpiderApp(cfg, log)
		if err != nil {
			return err
		}
		defer spider.Close()

		rep, err := spider.Run(cmd.Context(), runOpts)
		if err != nil {
			return err
		}

		t := newTable(cmd.OutOrStdout())
		t.SetTitle("run " + rep.RunID)
		t.AppendHeader(table.Row{"Source", "Listing", "Reason", "Pages", "Processed", "Retried", "Skipped", "Rejected", "Downloaded", "Cached", "Errors"})
		for _, s := range rep.Sources {
			if s.Err != nil {
				t.AppendRow(table.Row{s.Source, "", "setup failed: " + s.Err.Error()})
				continue
			}
			for _, l := range s.Listings {
				sum := l.Summary
				t.AppendRow(table.Row{
					s.Source, l.Listing.Label, sum.Reason, sum.Pages, sum.Processed, sum.Retried, sum.Skipped,
					sum.Rejected, sum.Downloaded, sum.Cached, sum.DownloadErrors,
				})
			}
		}
		t.Render()

		if rep.Failed() {
			return errors.New("harvest failed")
		}
		if cmd.Context().Err() != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), "interrupted; the next run resumes where this one stopped")
		}
		return nil
	},
}
