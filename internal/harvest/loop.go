package harvest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"court_spider/internal/models"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

type state string

const (
	stateInit       state = "INIT"
	stateFetching   state = "FETCHING_PAGE"
	stateProcessing state = "PROCESSING_RECORDS"
	stateDone       state = "DONE"
)

// Config bounds one Loop. Zero limits mean unlimited.
type Config struct {
	Source   string
	Listing  string
	RunID    string
	MaxPages int
	MaxItems int
	Workers  int
}

type Loop struct {
	cfg      Config
	source   Source
	extract  Extractor
	sink     Sink
	seen     SeenSet
	recorder Recorder
	progress *Progress
	log      logrus.FieldLogger

	state state
	stats Stats
}

type Option func(*Loop)

func WithRecorder(r Recorder) Option {
	return func(l *Loop) { l.recorder = r }
}

func WithProgress(p *Progress) Option {
	return func(l *Loop) { l.progress = p }
}

func NewLoop(cfg Config, src Source, ext Extractor, sink Sink, seen SeenSet, log logrus.FieldLogger, opts ...Option) *Loop {
	l := &Loop{
		cfg:      cfg,
		source:   src,
		extract:  ext,
		sink:     sink,
		seen:     seen,
		recorder: NopRecorder{},
		progress: &Progress{},
		log:      log.WithFields(logrus.Fields{"source": cfg.Source, "listing": cfg.Listing}),
		state:    stateInit,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Loop) enter(s state) {
	l.log.WithFields(logrus.Fields{"from": l.state, "to": s}).Debug("state change")
	l.state = s
}

// Run harvests until a termination condition triggers. The returned error is
// non-nil only for source and sink failures; every other reason is a normal
// end of the listing.
func (l *Loop) Run(ctx context.Context) (Summary, error) {
	sum := Summary{StartedAt: time.Now()}
	l.log.WithField("seen", l.seen.Len()).Info("harvest started")

	reason, err := l.run(ctx)

	l.enter(stateDone)
	sum.Stats = l.stats
	sum.Reason = reason
	sum.FinishedAt = time.Now()

	entry := l.log.WithFields(logrus.Fields{
		"reason":          reason,
		"pages":           l.stats.Pages,
		"processed":       l.stats.Processed,
		"retried":         l.stats.Retried,
		"skipped":         l.stats.Skipped,
		"rejected":        l.stats.Rejected,
		"download_errors": l.stats.DownloadErrors,
	})
	switch {
	case err != nil:
		entry.WithError(err).Error("harvest stopped")
	case reason == ReasonSourceExhausted:
		entry.Error("harvest stopped: expected page structure missing")
	default:
		entry.Info("harvest finished")
	}

	l.recordRun(sum)
	return sum, err
}

func (l *Loop) run(ctx context.Context) (Reason, error) {
	cursor := ""
	for {
		if ctx.Err() != nil {
			return ReasonCancelled, nil
		}

		l.enter(stateFetching)
		page, err := l.source.NextPage(ctx, cursor)
		if err != nil {
			switch {
			case errors.Is(err, ErrSourceExhausted):
				l.log.WithError(err).WithField("cursor", cursor).Error("source exhausted")
				return ReasonSourceExhausted, nil
			case ctx.Err() != nil:
				return ReasonCancelled, nil
			default:
				return ReasonSourceFailed, fmt.Errorf("fetch page %q: %w", cursor, err)
			}
		}
		l.stats.Pages++
		l.stats.Candidates += len(page.Records)
		l.progress.Pages.Add(1)

		log := l.log.WithFields(logrus.Fields{"page": page.Index, "records": len(page.Records)})
		log.Info("page fetched")

		if len(page.Records) == 0 {
			switch {
			case l.stats.Pages == 1:
				return ReasonZeroResults, nil
			case page.Done:
				return ReasonSourceDone, nil
			default:
				return ReasonEmptyPage, nil
			}
		}

		l.enter(stateProcessing)
		if reason, err := l.processPage(ctx, page); reason != "" || err != nil {
			return reason, err
		}

		if page.Done || page.Next == "" {
			return ReasonSourceDone, nil
		}
		if page.Total > 0 && page.PageSize > 0 && page.Index*page.PageSize >= page.Total {
			log.WithField("total", page.Total).Warn("site-reported total reached without a done signal")
			return ReasonTotalReached, nil
		}
		if l.cfg.MaxPages > 0 && l.stats.Pages >= l.cfg.MaxPages {
			return ReasonPageLimit, nil
		}
		cursor = page.Next
	}
}

func (l *Loop) itemLimitReached() bool {
	return l.cfg.MaxItems > 0 && l.stats.Processed >= l.cfg.MaxItems
}

// accept runs the extractor and the seen checks for one candidate. retry is
// set for a recorded key whose artifact is owed another attempt.
func (l *Loop) accept(c models.CandidateRecord, inPage map[string]bool) (rec models.NormalizedRecord, retry, ok bool) {
	log := l.log.WithFields(logrus.Fields{"page": c.PageIndex, "row": c.RowIndex})

	rec, err := l.extract.Extract(c)
	if err != nil {
		l.stats.Rejected++
		l.progress.Rejected.Add(1)
		log.WithError(err).Warn("candidate rejected")
		return rec, false, false
	}
	if rec.KeySource != models.KeySourceField {
		l.stats.FallbackKeys++
		log.WithFields(logrus.Fields{"key": rec.Key, "key_source": rec.KeySource}).
			Warn("primary key field missing, using fallback key")
	}
	if inPage[rec.Key] {
		l.skip(log, rec.Key)
		return rec, false, false
	}
	if l.seen.Contains(rec.Key) {
		if _, staged := l.sink.(StagedSink); !staged || !l.seen.RetryDue(rec.Key) {
			l.skip(log, rec.Key)
			return rec, false, false
		}
		log.WithField("key", rec.Key).Info("retrying failed artifact")
		retry = true
	}
	inPage[rec.Key] = true
	return rec, retry, true
}

func (l *Loop) skip(log logrus.FieldLogger, key string) {
	l.stats.Skipped++
	l.progress.Skipped.Add(1)
	log.WithField("key", key).Debug("already recorded, skipping")
}

func (l *Loop) processPage(ctx context.Context, page Page) (Reason, error) {
	if staged, ok := l.sink.(StagedSink); ok && l.cfg.Workers > 1 {
		return l.processPooled(ctx, page, staged)
	}

	inPage := make(map[string]bool, len(page.Records))
	for _, c := range page.Records {
		if ctx.Err() != nil {
			return ReasonCancelled, nil
		}
		rec, retry, ok := l.accept(c, inPage)
		if !ok {
			continue
		}
		started := time.Now()
		// the in-flight record finishes even when ctx is cancelled
		var res models.PersistResult
		var err error
		if retry {
			res = l.sink.(StagedSink).Stage(context.WithoutCancel(ctx), rec)
		} else {
			res, err = l.sink.Persist(context.WithoutCancel(ctx), rec)
		}
		if err := l.commitDone(ctx, rec, res, err, retry, page.Index, started); err != nil {
			return ReasonSinkFailed, err
		}
		if l.itemLimitReached() {
			return ReasonItemLimit, nil
		}
	}
	return "", nil
}

type job struct {
	rec     models.NormalizedRecord
	retry   bool
	started time.Time
	done    chan struct{}
	result  models.PersistResult
}

// processPooled stages artifacts on up to Workers goroutines and commits
// rows in page order on the calling goroutine.
func (l *Loop) processPooled(ctx context.Context, page Page, sink StagedSink) (Reason, error) {
	inPage := make(map[string]bool, len(page.Records))
	remaining := -1
	if l.cfg.MaxItems > 0 {
		remaining = l.cfg.MaxItems - l.stats.Processed
	}

	var accepted []*job
	for _, c := range page.Records {
		if remaining == 0 {
			break
		}
		rec, retry, ok := l.accept(c, inPage)
		if !ok {
			continue
		}
		accepted = append(accepted, &job{rec: rec, retry: retry, done: make(chan struct{})})
		if !retry {
			remaining--
		}
	}

	sem := semaphore.NewWeighted(int64(l.cfg.Workers))
	stageCtx := context.WithoutCancel(ctx)
	jobs := make([]*job, 0, len(accepted))
	for _, j := range accepted {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		j.started = time.Now()
		jobs = append(jobs, j)
		go func() {
			defer sem.Release(1)
			defer close(j.done)
			j.result = sink.Stage(stageCtx, j.rec)
		}()
	}

	var commitErr error
	for _, j := range jobs {
		<-j.done
		if commitErr != nil {
			continue
		}
		res, err := j.result, error(nil)
		if !j.retry {
			res, err = sink.Commit(j.rec, j.result)
		}
		commitErr = l.commitDone(ctx, j.rec, res, err, j.retry, page.Index, j.started)
	}
	switch {
	case commitErr != nil:
		return ReasonSinkFailed, commitErr
	case len(jobs) < len(accepted) || ctx.Err() != nil:
		return ReasonCancelled, nil
	case l.itemLimitReached():
		return ReasonItemLimit, nil
	}
	return "", nil
}

// commitDone marks a persisted record seen and accounts for it. A retried
// record only updates the status the seen set keeps for its key.
func (l *Loop) commitDone(ctx context.Context, rec models.NormalizedRecord, res models.PersistResult, err error, retry bool, pageIndex int, started time.Time) error {
	if err != nil {
		return fmt.Errorf("persist %s: %w", rec.Key, err)
	}
	if err := l.seen.Add(rec.Key, res.Status); err != nil {
		return fmt.Errorf("mark %s seen: %w", rec.Key, err)
	}

	if retry {
		l.stats.tallyRetry(res.Status)
		l.progress.Retried.Add(1)
	} else {
		l.stats.tally(res.Status)
		l.progress.Processed.Add(1)
	}
	switch res.Status {
	case models.StatusDownloaded:
		l.progress.Downloaded.Add(1)
	case models.StatusDownloadError:
		l.progress.DownloadErrors.Add(1)
	}

	entry := l.log.WithFields(logrus.Fields{"key": rec.Key, "page": pageIndex, "status": res.Status})
	switch {
	case retry && res.Err != nil:
		entry.WithError(res.Err).Warn("artifact retry failed")
	case retry:
		entry.Info("artifact retried")
	case res.Err != nil:
		entry.WithError(res.Err).Warn("record persisted, artifact failed")
	default:
		entry.Info("record persisted")
	}

	o := models.Outcome{
		RunID:       l.cfg.RunID,
		Source:      l.cfg.Source,
		Listing:     l.cfg.Listing,
		Key:         rec.Key,
		KeySource:   rec.KeySource,
		DocumentURL: res.DocumentURL,
		Path:        res.Path,
		Status:      res.Status,
		Page:        pageIndex,
		Timestamp:   time.Now().Unix(),
		Duration:    int(time.Since(started).Milliseconds()),
	}
	if res.Err != nil {
		o.Error = res.Err.Error()
	}
	if err := l.recorder.RecordOutcome(context.WithoutCancel(ctx), o); err != nil {
		l.log.WithError(err).Warn("failed to record outcome")
	}
	return nil
}

func (l *Loop) recordRun(sum Summary) {
	run := models.RunState{
		RunID:          l.cfg.RunID,
		Source:         l.cfg.Source,
		Listing:        l.cfg.Listing,
		Reason:         string(sum.Reason),
		Pages:          sum.Pages,
		Processed:      sum.Processed,
		Skipped:        sum.Skipped,
		Rejected:       sum.Rejected,
		Downloaded:     sum.Downloaded,
		Cached:         sum.Cached,
		DownloadErrors: sum.DownloadErrors,
		StartedAt:      sum.StartedAt.Unix(),
		FinishedAt:     sum.FinishedAt.Unix(),
	}
	if err := l.recorder.RecordRun(context.Background(), run); err != nil {
		l.log.WithError(err).Warn("failed to record run")
	}
}
