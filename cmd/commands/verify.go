package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"court_spider/internal/models"
	"court_spider/internal/seen"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var verifySources []string

func init() {
	verifyCmd.Flags().StringSliceVarP(&verifySources, "source", "s", nil, "Only these sources.")
	rootCmd.AddCommand(verifyCmd)
}

var verifyCmd = &cobra.Command{
	Use:   "verify [--source <name>]",
	Short: "Checks that every key appears exactly once in each source's CSV.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, closer, err := load()
		if err != nil {
			return err
		}
		defer closer.Close()

		names, err := selectedSources(cfg, verifySources)
		if err != nil {
			return err
		}

		t := newTable(cmd.OutOrStdout())
		t.AppendHeader(table.Row{"Source", "CSV", "Rows", "Distinct keys", "Duplicates", "Failed downloads"})
		var dups []string
		for _, name := range names {
			src := cfg.Sources[name]
			path := filepath.Join(cfg.OutputRoot, src.OutputDir, src.CSV.File)
			if _, err := os.Stat(path); os.IsNotExist(err) {
				t.AppendRow(table.Row{name, path, "missing"})
				continue
			}
			rep, err := seen.Verify(path, src.Key.Field, src.CSV.StatusColumn)
			if err != nil {
				return err
			}
			t.AppendRow(table.Row{name, path, rep.Rows, rep.Distinct, len(rep.Duplicates), rep.Statuses[models.StatusDownloadError]})
			for k, n := range rep.Duplicates {
				dups = append(dups, fmt.Sprintf("%s: %s x%d", name, k, n))
			}
		}
		t.Render()

		if len(dups) > 0 {
			sort.Strings(dups)
			for _, d := range dups {
				fmt.Fprintln(cmd.ErrOrStderr(), d)
			}
			return fmt.Errorf("%d duplicate keys", len(dups))
		}
		return nil
	},
}
