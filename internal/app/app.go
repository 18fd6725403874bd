// Package app wires configured sources into harvest loops and runs them.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"court_spider/internal/capture"
	"court_spider/internal/config"
	"court_spider/internal/db"
	"court_spider/internal/extract"
	"court_spider/internal/fetch"
	"court_spider/internal/harvest"
	"court_spider/internal/seen"
	"court_spider/internal/sink"
	"court_spider/internal/source"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type RunOptions struct {
	// Sources restricts the run to these names; empty runs all.
	Sources []string
	// Listings keeps only listings whose label equals or URL contains a value.
	Listings []string
	NoResume bool
	MaxPages int
	MaxItems int
}

type ListingReport struct {
	Listing source.Listing
	Summary harvest.Summary
	Err     error
}

type SourceReport struct {
	Source   string
	Listings []ListingReport
	// Err is a setup failure; no listing ran.
	Err error
}

func (r SourceReport) Stats() harvest.Stats {
	var s harvest.Stats
	for _, l := range r.Listings {
		s.Add(l.Summary.Stats)
	}
	return s
}

type Report struct {
	RunID   string
	Sources []SourceReport
}

// Failed reports a setup or sink failure, or that no listing could be reached at all.
func (r Report) Failed() bool {
	ran, unreachable := 0, 0
	for _, s := range r.Sources {
		if s.Err != nil {
			return true
		}
		for _, l := range s.Listings {
			if l.Summary.Reason == harvest.ReasonSinkFailed {
				return true
			}
			ran++
			if l.Summary.Unreachable() {
				unreachable++
			}
		}
	}
	return ran > 0 && ran == unreachable
}

type SpiderApp struct {
	cfg        *config.SpiderConfig
	store      db.Store
	runID      string
	log        logrus.FieldLogger
	newBrowser func(config.BrowserConfig) (capture.Browser, error)
}

func NewSpiderApp(cfg *config.SpiderConfig, log logrus.FieldLogger) (*SpiderApp, error) {
	store, err := db.Open(cfg.DB, log)
	if err != nil {
		return nil, err
	}
	runID := uuid.NewString()
	return &SpiderApp{
		cfg:   cfg,
		store: store,
		runID: runID,
		log:   log.WithField("run_id", runID),
		newBrowser: func(c config.BrowserConfig) (capture.Browser, error) {
			return capture.LaunchRod(c)
		},
	}, nil
}

func (a *SpiderApp) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return a.store.Close(ctx)
}

func (a *SpiderApp) selected(names []string) ([]string, error) {
	if len(names) == 0 {
		return a.cfg.SourceNames(), nil
	}
	for _, n := range names {
		if _, ok := a.cfg.Sources[n]; !ok {
			return nil, fmt.Errorf("unknown source %q", n)
		}
	}
	return names, nil
}

// Run harvests every selected source concurrently until each finishes or
// ctx is cancelled.
func (a *SpiderApp) Run(ctx context.Context, opts RunOptions) (Report, error) {
	names, err := a.selected(opts.Sources)
	if err != nil {
		return Report{}, err
	}

	var browser capture.Browser
	for _, n := range names {
		if a.cfg.Sources[n].Capture.Mode == config.CaptureBrowser {
			if browser, err = a.newBrowser(a.cfg.Browser); err != nil {
				return Report{}, fmt.Errorf("browser: %w", err)
			}
			defer browser.Close()
			break
		}
	}

	a.log.WithFields(logrus.Fields{
		"sources":  names,
		"seen":     a.cfg.Seen.Store,
		"workers":  a.cfg.Logic.DownloadWorkers,
		"resume":   !opts.NoResume,
		"max_page": opts.MaxPages,
		"max_item": opts.MaxItems,
	}).Info("starting spiders")

	progress := make(map[string]*harvest.Progress, len(names))
	for _, n := range names {
		progress[n] = &harvest.Progress{}
	}
	monitorCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()
	go a.monitor(monitorCtx, progress)

	report := Report{RunID: a.runID, Sources: make([]SourceReport, len(names))}
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			report.Sources[i] = a.runSource(ctx, name, opts, browser, progress[name])
		}()
	}
	wg.Wait()

	for _, s := range report.Sources {
		log := a.log.WithField("source", s.Source)
		if s.Err != nil {
			log.WithError(s.Err).Error("source setup failed")
			continue
		}
		st := s.Stats()
		log.WithFields(logrus.Fields{
			"listings":        len(s.Listings),
			"pages":           st.Pages,
			"processed":       st.Processed,
			"retried":         st.Retried,
			"skipped":         st.Skipped,
			"downloaded":      st.Downloaded,
			"cached":          st.Cached,
			"download_errors": st.DownloadErrors,
		}).Info("source finished")
	}
	return report, nil
}

func (a *SpiderApp) monitor(ctx context.Context, progress map[string]*harvest.Progress) {
	t := time.NewTicker(time.Duration(a.cfg.Logic.StatsIntervalSec) * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for name, p := range progress {
				a.log.WithFields(logrus.Fields{
					"source":          name,
					"pages":           p.Pages.Load(),
					"processed":       p.Processed.Load(),
					"retried":         p.Retried.Load(),
					"skipped":         p.Skipped.Load(),
					"rejected":        p.Rejected.Load(),
					"downloaded":      p.Downloaded.Load(),
					"download_errors": p.DownloadErrors.Load(),
				}).Info("progress")
			}
		}
	}
}

// FetchOptions maps the logic section onto the HTTP client options.
func FetchOptions(l config.LogicConfig) fetch.Options {
	return fetch.Options{
		UserAgent:         l.UserAgent,
		Timeout:           time.Duration(l.TimeoutSec) * time.Second,
		DownloadTimeout:   time.Duration(l.DownloadTimeoutSec) * time.Second,
		RequestsPerSecond: l.RequestsPerSecond,
		RespectRobots:     l.RespectRobots,
		Retry:             l.RetryPolicy(),
	}
}

// budget is a limit shared by all listings of a source; zero is unlimited.
type budget struct{ limit, used int }

func (b budget) remaining() (int, bool) {
	if b.limit <= 0 {
		return 0, true
	}
	left := b.limit - b.used
	return left, left > 0
}

func pick(override, configured int) int {
	if override > 0 {
		return override
	}
	return configured
}

func (a *SpiderApp) runSource(ctx context.Context, name string, opts RunOptions, browser capture.Browser, progress *harvest.Progress) SourceReport {
	rep := SourceReport{Source: name}
	src := a.cfg.Sources[name]
	log := a.log.WithField("source", name)

	res, err := a.setup(ctx, src, opts, browser, log)
	if err != nil {
		rep.Err = err
		return rep
	}
	defer res.close(log)

	pages := budget{limit: pick(opts.MaxPages, src.MaxPages)}
	items := budget{limit: pick(opts.MaxItems, src.MaxItems)}
	for _, l := range res.listings {
		maxPages, ok := pages.remaining()
		if !ok {
			log.Info("page budget spent, skipping remaining listings")
			break
		}
		maxItems, ok := items.remaining()
		if !ok {
			log.Info("item budget spent, skipping remaining listings")
			break
		}

		lr := ListingReport{Listing: l}
		hs, err := source.NewHTMLSource(src, a.cfg.Logic, l.URL, log)
		if err != nil {
			rep.Err = err
			return rep
		}
		loop := harvest.NewLoop(harvest.Config{
			Source:   name,
			Listing:  l.Label,
			RunID:    a.runID,
			MaxPages: maxPages,
			MaxItems: maxItems,
			Workers:  a.cfg.Logic.DownloadWorkers,
		}, hs, res.extractor, res.sink, res.seen, log, harvest.WithRecorder(a.store), harvest.WithProgress(progress))

		lr.Summary, lr.Err = loop.Run(ctx)
		rep.Listings = append(rep.Listings, lr)
		pages.used += lr.Summary.Pages
		items.used += lr.Summary.Processed

		if ctx.Err() != nil || lr.Summary.Reason == harvest.ReasonSinkFailed {
			break
		}
	}
	return rep
}

type resources struct {
	lock      *Lock
	csv       *sink.CSVWriter
	seen      harvest.SeenSet
	sink      *sink.Sink
	extractor *extract.Extractor
	listings  []source.Listing
}

func (r *resources) close(log logrus.FieldLogger) {
	if r.seen != nil {
		if err := r.seen.Close(); err != nil {
			log.WithError(err).Error("failed to close seen set")
		}
	}
	if r.csv != nil {
		if err := r.csv.Close(); err != nil {
			log.WithError(err).Error("failed to close csv")
		}
	}
	if r.lock != nil {
		if err := r.lock.Release(); err != nil {
			log.WithError(err).Warn("failed to release lock")
		}
	}
}

// setup opens everything a source needs before its first page is fetched.
// Any error here aborts the source without touching its output.
func (a *SpiderApp) setup(ctx context.Context, src config.SourceConfig, opts RunOptions, browser capture.Browser, log logrus.FieldLogger) (_ *resources, err error) {
	res := &resources{}
	defer func() {
		if err != nil {
			res.close(log)
		}
	}()

	outDir := filepath.Join(a.cfg.OutputRoot, src.OutputDir)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("output dir: %w", err)
	}
	csvPath := filepath.Join(outDir, src.CSV.File)

	if res.lock, err = AcquireLock(csvPath+".lock", time.Duration(a.cfg.Logic.LockTTLMin)*time.Minute); err != nil {
		return nil, err
	}
	if opts.NoResume {
		moved, err := seen.Reset(csvPath, time.Now())
		if err != nil {
			return nil, fmt.Errorf("reset output: %w", err)
		}
		if moved != "" {
			log.WithField("moved_to", moved).Info("starting fresh, previous csv moved aside")
		}
	}

	client := fetch.NewClient(FetchOptions(a.cfg.Logic), log)
	listings, err := source.Listings(ctx, src, client, log)
	if err != nil {
		return nil, err
	}
	res.listings = source.FilterListings(listings, opts.Listings)
	if len(res.listings) == 0 {
		return nil, errors.New("no listings match")
	}

	if res.extractor, err = extract.New(src); err != nil {
		return nil, err
	}
	if res.csv, err = sink.OpenCSV(csvPath, src.CSV.Header(), log); err != nil {
		return nil, err
	}
	if res.seen, err = seen.Open(a.cfg.Seen.Store, seen.Options{
		CSVPath:         csvPath,
		KeyColumn:       src.Key.Field,
		StatusColumn:    src.CSV.StatusColumn,
		RetryFailed:     a.cfg.Seen.RetryFailed,
		CheckpointEvery: a.cfg.Logic.CheckpointEvery,
	}, log); err != nil {
		return nil, err
	}

	var sinkOpts []sink.Option
	if src.Document.ResolveFrom != "" || src.Document.Template != "" {
		resolver, err := sink.NewResolver(src.Document, src.AllowedDomains, client)
		if err != nil {
			return nil, err
		}
		sinkOpts = append(sinkOpts, sink.WithResolver(resolver))
	}
	switch src.Capture.Mode {
	case config.CaptureStatic:
		sinkOpts = append(sinkOpts, sink.WithCapturer(capture.NewStaticCapturer(client, log)))
	case config.CaptureBrowser:
		c := src.Capture
		m := capture.NewMachine(browser, capture.Timeouts{
			Navigate: time.Duration(c.NavigateTimeoutSec) * time.Second,
			Popup:    time.Duration(c.PopupTimeoutSec) * time.Second,
			Idle:     time.Duration(c.IdleTimeoutSec) * time.Second,
		}, c.Trigger, c.Screenshot, log)
		sinkOpts = append(sinkOpts, sink.WithCapturer(capture.NewBrowserCapturer(m, log)))
	}

	store := sink.NewStore(outDir, src.Document.Extension, src.Document.RejectHTML, client, log)
	res.sink = sink.New(src, res.csv, store, log, sinkOpts...)

	log.WithFields(logrus.Fields{
		"csv":      csvPath,
		"listings": len(res.listings),
		"seen":     res.seen.Len(),
	}).Info("source ready")
	return res, nil
}
