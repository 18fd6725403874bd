package commands

import (
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(sourcesCmd)
}

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Lists the configured sources.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, closer, err := load()
		if err != nil {
			return err
		}
		defer closer.Close()

		t := newTable(cmd.OutOrStdout())
		t.AppendHeader(table.Row{"Source", "Listings", "Discovery", "Pagination", "Key", "Capture", "Output"})
		for _, name := range cfg.SourceNames() {
			s := cfg.Sources[name]
			t.AppendRow(table.Row{
				name, len(s.Listings), s.Discovery.IndexURL, s.Pagination.Mode, s.Key.Field,
				s.Capture.Mode, strings.Join([]string{cfg.OutputRoot, s.OutputDir, s.CSV.File}, "/"),
			})
		}
		t.Render()
		return nil
	},
}
