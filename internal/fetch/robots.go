package fetch

import (
	"context"
	"net/url"
	"sync"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
	"github.com/temoto/robotstxt"
)

// Robots caches one robots.txt group per host.
type Robots struct {
	http   *resty.Client
	agent  string
	log    logrus.FieldLogger
	mu     sync.Mutex
	groups map[string]*robotstxt.Group
}

func NewRobots(http *resty.Client, agent string, log logrus.FieldLogger) *Robots {
	return &Robots{
		http:   http,
		agent:  agent,
		log:    log,
		groups: make(map[string]*robotstxt.Group),
	}
}

// Allowed reports whether rawURL may be fetched. An unreachable robots.txt
// allows everything.
func (r *Robots) Allowed(ctx context.Context, rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return true
	}

	r.mu.Lock()
	group, ok := r.groups[u.Host]
	r.mu.Unlock()
	if !ok {
		group = r.load(ctx, u)
		r.mu.Lock()
		r.groups[u.Host] = group
		r.mu.Unlock()
	}
	if group == nil {
		return true
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return group.Test(path)
}

func (r *Robots) load(ctx context.Context, u *url.URL) *robotstxt.Group {
	robotsURL := u.Scheme + "://" + u.Host + "/robots.txt"
	resp, err := r.http.R().SetContext(ctx).Get(robotsURL)
	if err != nil {
		r.log.WithError(err).WithField("url", robotsURL).Warn("robots.txt unavailable, allowing all")
		return nil
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode(), resp.Body())
	if err != nil {
		r.log.WithError(err).WithField("url", robotsURL).Warn("robots.txt unparsable, allowing all")
		return nil
	}
	r.log.WithField("host", u.Host).Debug("robots.txt loaded")
	return data.FindGroup(r.agent)
}
