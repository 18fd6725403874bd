package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"court_spider/internal/app"
	"court_spider/internal/config"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "court_spider",
	Short:         "court_spider harvests court opinion listings into CSV files and documents.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the configuration file.")
}

func ExecuteContext(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// load reads the config and builds the logger it describes.
func load() (*config.SpiderConfig, *logrus.Logger, io.Closer, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("config: %w", err)
	}
	log, closer, err := app.NewLogger(cfg.Logic.LogLevel, cfg.Logic.LogFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("logger: %w", err)
	}
	return cfg, log, closer, nil
}

func newTable(out io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleRounded)
	return t
}

func selectedSources(cfg *config.SpiderConfig, names []string) ([]string, error) {
	if len(names) == 0 {
		return cfg.SourceNames(), nil
	}
	for _, n := range names {
		if _, ok := cfg.Sources[n]; !ok {
			return nil, fmt.Errorf("unknown source %q", n)
		}
	}
	return names, nil
}
