package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"court_spider/internal/retry"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/html/charset"
	"golang.org/x/time/rate"
)

const maxPageBytes = 10 << 20

var (
	ErrCaptcha     = errors.New("captcha detected")
	ErrDisallowed  = errors.New("disallowed by robots.txt")
	ErrIncomplete  = errors.New("incomplete download")
	ErrNotDocument = errors.New("html page served instead of document")
)

// StatusError is a non-200 HTTP answer.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d for %s", e.Code, e.URL)
}

// Transient reports whether retrying the same request may succeed.
func (e *StatusError) Transient() bool {
	return e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout || e.Code >= 500
}

// NewStatusError returns a StatusError, marked permanent when a retry cannot help.
func NewStatusError(code int, u string) error {
	return classify(&StatusError{Code: code, URL: u})
}

func classify(err error) error {
	var se *StatusError
	if errors.As(err, &se) && !se.Transient() {
		return retry.Permanent(err)
	}
	return err
}

type Options struct {
	UserAgent         string
	Timeout           time.Duration
	DownloadTimeout   time.Duration
	RequestsPerSecond float64
	RespectRobots     bool
	Retry             retry.Policy
}

type Client struct {
	http            *resty.Client
	limiter         *rate.Limiter
	robots          *Robots
	policy          retry.Policy
	timeout         time.Duration
	downloadTimeout time.Duration
	log             logrus.FieldLogger
}

func NewClient(opts Options, log logrus.FieldLogger) *Client {
	rc := resty.New().
		SetHeader("User-Agent", opts.UserAgent).
		SetHeader("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,application/pdf,*/*;q=0.8").
		SetHeader("Accept-Language", "en-US,en;q=0.5").
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(15))

	rc.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		log.WithFields(logrus.Fields{"method": req.Method, "url": req.URL}).Debug("start request")
		return nil
	})
	rc.OnError(func(req *resty.Request, err error) {
		log.WithFields(logrus.Fields{"method": req.Method, "url": req.URL}).WithError(err).Debug("request failed")
	})

	c := &Client{
		http:            rc,
		policy:          opts.Retry,
		timeout:         opts.Timeout,
		downloadTimeout: opts.DownloadTimeout,
		log:             log,
	}
	if c.timeout <= 0 {
		c.timeout = 30 * time.Second
	}
	if c.downloadTimeout <= 0 {
		c.downloadTimeout = 2 * c.timeout
	}
	if opts.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	if opts.RespectRobots {
		c.robots = NewRobots(rc, opts.UserAgent, log)
	}
	return c
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func (c *Client) notify(u string) retry.Notify {
	return func(attempt int, err error, wait time.Duration) {
		c.log.WithFields(logrus.Fields{"url": u, "attempt": attempt, "wait": wait}).
			WithError(err).Warn("request failed, retrying")
	}
}

// GetHTML fetches a page and decodes it to UTF-8.
func (c *Client) GetHTML(ctx context.Context, u string) (string, error) {
	if c.robots != nil && !c.robots.Allowed(ctx, u) {
		return "", fmt.Errorf("get %s: %w", u, ErrDisallowed)
	}

	var body string
	err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		if err := c.wait(ctx); err != nil {
			return retry.Permanent(err)
		}
		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		resp, err := c.http.R().SetContext(reqCtx).SetDoNotParseResponse(true).Get(u)
		if err != nil {
			return err
		}
		raw := resp.RawBody()
		defer raw.Close()

		if resp.StatusCode() != http.StatusOK {
			return NewStatusError(resp.StatusCode(), u)
		}

		utf8Reader, err := charset.NewReader(raw, resp.Header().Get("Content-Type"))
		if err != nil {
			utf8Reader = raw
		}
		b, err := io.ReadAll(io.LimitReader(utf8Reader, maxPageBytes))
		if err != nil {
			return err
		}

		lower := strings.ToLower(string(b))
		if strings.Contains(lower, "captcha") && strings.Contains(lower, "<form") {
			return retry.Permanent(ErrCaptcha)
		}
		body = string(b)
		return nil
	}, c.notify(u))
	if err != nil {
		return "", fmt.Errorf("get %s: %w", u, err)
	}
	return body, nil
}
