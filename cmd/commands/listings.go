package commands

import (
	"court_spider/internal/app"
	"court_spider/internal/fetch"
	"court_spider/internal/source"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var listingSources []string

func init() {
	listingsCmd.Flags().StringSliceVarP(&listingSources, "source", "s", nil, "Only these sources.")
	rootCmd.AddCommand(listingsCmd)
}

var listingsCmd = &cobra.Command{
	Use:   "listings [--source <name>]",
	Short: "Lists configured and discovered listings without harvesting them.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, closer, err := load()
		if err != nil {
			return err
		}
		defer closer.Close()

		names, err := selectedSources(cfg, listingSources)
		if err != nil {
			return err
		}
		client := fetch.NewClient(app.FetchOptions(cfg.Logic), log)

		t := newTable(cmd.OutOrStdout())
		t.AppendHeader(table.Row{"Source", "Label", "URL"})
		for _, name := range names {
			ls, err := source.Listings(cmd.Context(), cfg.Sources[name], client, log.WithField("source", name))
			if err != nil {
				return err
			}
			for _, l := range ls {
				t.AppendRow(table.Row{name, l.Label, l.URL})
			}
		}
		t.Render()
		return nil
	},
}
