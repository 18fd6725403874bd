// Package source produces listing pages for the harvest loop from HTML
// listings fetched with colly.
package source

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"court_spider/internal/config"
	"court_spider/internal/fetch"
	"court_spider/internal/harvest"
	"court_spider/internal/models"
	"court_spider/internal/retry"
	"court_spider/internal/urlutil"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly"
	"github.com/gocolly/colly/extensions"
	"github.com/sirupsen/logrus"
)

const defaultTotalRegex = `of\s+([\d,]+)`

// fetched is what one colly visit left behind.
type fetched struct {
	url    string
	status int
	doc    *goquery.Selection
}

type HTMLSource struct {
	cfg       config.SourceConfig
	listing   string
	collector *colly.Collector
	policy    retry.Policy
	totalRe   *regexp.Regexp
	log       logrus.FieldLogger

	ctx     context.Context
	last    fetched
	index   int
	visited map[string]bool
}

func NewHTMLSource(cfg config.SourceConfig, logic config.LogicConfig, listing string, log logrus.FieldLogger) (*HTMLSource, error) {
	expr := cfg.Pagination.TotalRegex
	if expr == "" {
		expr = defaultTotalRegex
	}
	totalRe, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("total_regex: %w", err)
	}

	opts := []func(*colly.Collector){
		colly.UserAgent(logic.UserAgent),
		colly.AllowURLRevisit(),
	}
	if len(cfg.AllowedDomains) > 0 {
		opts = append(opts, colly.AllowedDomains(cfg.AllowedDomains...))
	}
	c := colly.NewCollector(opts...)
	extensions.Referer(c)
	c.IgnoreRobotsTxt = !logic.RespectRobots
	if logic.TimeoutSec > 0 {
		c.SetRequestTimeout(time.Duration(logic.TimeoutSec) * time.Second)
	}
	if err := c.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: 1,
		Delay:       time.Duration(logic.DelayMS) * time.Millisecond,
		RandomDelay: time.Duration(logic.RandomDelayMS) * time.Millisecond,
	}); err != nil {
		return nil, fmt.Errorf("limit rule: %w", err)
	}

	s := &HTMLSource{
		cfg:       cfg,
		listing:   listing,
		collector: c,
		policy:    logic.RetryPolicy(),
		totalRe:   totalRe,
		log:       log.WithFields(logrus.Fields{"source": cfg.Name, "listing": listing}),
		ctx:       context.Background(),
		visited:   make(map[string]bool),
	}

	c.OnRequest(func(r *colly.Request) {
		if s.ctx.Err() != nil {
			r.Abort()
			return
		}
		s.log.WithField("url", r.URL.String()).Debug("visiting")
	})
	c.OnHTML("html", func(e *colly.HTMLElement) {
		s.last.doc = e.DOM
		s.last.url = e.Request.URL.String()
	})
	c.OnError(func(r *colly.Response, err error) {
		s.last.status = r.StatusCode
	})
	return s, nil
}

// WithRetryPolicy overrides the policy derived from the logic config.
func (s *HTMLSource) WithRetryPolicy(p retry.Policy) *HTMLSource {
	s.policy = p
	return s
}

func (s *HTMLSource) pageURL(cursor string) (string, int, error) {
	p := s.cfg.Pagination
	switch p.Mode {
	case config.PaginationQuery:
		n := p.StartPage
		if cursor != "" {
			var err error
			if n, err = strconv.Atoi(cursor); err != nil {
				return "", 0, fmt.Errorf("bad page cursor %q: %w", cursor, err)
			}
		}
		u, err := urlutil.SetQueryParam(s.listing, p.Param, strconv.Itoa(n))
		return u, n - p.StartPage + 1, err
	case config.PaginationNextLink:
		if cursor == "" {
			s.index = 0
			return s.listing, 1, nil
		}
		return cursor, s.index + 1, nil
	default:
		return s.listing, 1, nil
	}
}

func (s *HTMLSource) visit(ctx context.Context, u string) (*goquery.Selection, error) {
	err := retry.Do(ctx, s.policy, func(ctx context.Context) error {
		s.ctx = ctx
		s.last = fetched{}
		if err := s.collector.Visit(u); err != nil {
			switch {
			case s.last.status != 0:
				return fetch.NewStatusError(s.last.status, u)
			case errors.Is(err, colly.ErrForbiddenDomain), errors.Is(err, colly.ErrRobotsTxtBlocked):
				return retry.Permanent(err)
			}
			return err
		}
		if ctx.Err() != nil {
			return retry.Permanent(ctx.Err())
		}
		if s.last.doc == nil {
			return retry.Permanent(fmt.Errorf("%s: response is not html", u))
		}
		return nil
	}, func(attempt int, err error, wait time.Duration) {
		s.log.WithFields(logrus.Fields{"url": u, "attempt": attempt, "wait": wait}).
			WithError(err).Warn("listing fetch failed, retrying")
	})
	if err != nil {
		var se *fetch.StatusError
		if ctx.Err() != nil || (errors.As(err, &se) && !se.Transient()) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", harvest.ErrTransient, err)
	}
	return s.last.doc, nil
}

func (s *HTMLSource) NextPage(ctx context.Context, cursor string) (harvest.Page, error) {
	u, index, err := s.pageURL(cursor)
	if err != nil {
		return harvest.Page{}, err
	}
	s.visited[urlutil.NormalizeURL(u)] = true

	doc, err := s.visit(ctx, u)
	if err != nil {
		return harvest.Page{}, err
	}
	s.index = index

	if sel := s.cfg.ExpectSelector; sel != "" && doc.Find(sel).Length() == 0 {
		return harvest.Page{}, fmt.Errorf("%w: %q not found on %s", harvest.ErrSourceExhausted, sel, u)
	}

	page := harvest.Page{Index: index, PageSize: s.cfg.Pagination.PageSize}
	doc.Find(s.cfg.RowSelector).Each(func(i int, row *goquery.Selection) {
		if i < s.cfg.SkipRows {
			return
		}
		raw, err := goquery.OuterHtml(row)
		if err != nil {
			s.log.WithError(err).WithField("row", i).Warn("unrenderable row")
			return
		}
		page.Records = append(page.Records, models.CandidateRecord{
			Raw:       raw,
			PageIndex: index,
			RowIndex:  i - s.cfg.SkipRows,
			BaseURL:   u,
		})
	})
	page.Total = s.total(doc)
	page.Next, page.Done = s.next(doc, u, index, len(page.Records))

	s.log.WithFields(logrus.Fields{
		"page": index, "rows": len(page.Records), "total": page.Total, "done": page.Done,
	}).Debug("listing page parsed")
	return page, nil
}

func (s *HTMLSource) next(doc *goquery.Selection, pageURL string, index, rows int) (string, bool) {
	p := s.cfg.Pagination
	var link string
	hasLink := false
	if p.NextSelector != "" {
		if href, ok := doc.Find(p.NextSelector).First().Attr("href"); ok && strings.TrimSpace(href) != "" {
			link = urlutil.Resolve(pageURL, href)
			hasLink = true
		}
	}

	switch p.Mode {
	case config.PaginationQuery:
		if rows == 0 || (p.NextSelector != "" && !hasLink) {
			return "", true
		}
		return strconv.Itoa(p.StartPage + index), false
	case config.PaginationNextLink:
		if !hasLink {
			return "", true
		}
		if s.visited[urlutil.NormalizeURL(link)] {
			s.log.WithField("url", link).Warn("next link points to a visited page, stopping")
			return "", true
		}
		return link, false
	default:
		return "", true
	}
}

func (s *HTMLSource) total(doc *goquery.Selection) int {
	if s.cfg.Pagination.TotalSelector == "" {
		return 0
	}
	text := strings.Join(strings.Fields(doc.Find(s.cfg.Pagination.TotalSelector).First().Text()), " ")
	m := s.totalRe.FindStringSubmatch(text)
	if len(m) < 2 {
		return 0
	}
	n, err := strconv.Atoi(strings.ReplaceAll(m[1], ",", ""))
	if err != nil {
		return 0
	}
	return n
}
