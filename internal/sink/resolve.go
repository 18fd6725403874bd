package sink

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"court_spider/internal/config"
	"court_spider/internal/models"
	"court_spider/internal/urlutil"

	"github.com/PuerkitoBio/goquery"
)

type HTMLGetter interface {
	GetHTML(ctx context.Context, url string) (string, error)
}

// Resolver finds the document URL of a record on its detail page, falling
// back to a URL template. Detail pages and links outside the allowed
// domains are never followed.
type Resolver struct {
	cfg     config.DocumentConfig
	allowed []string
	getter  HTMLGetter
	trim    *regexp.Regexp
}

func NewResolver(cfg config.DocumentConfig, allowed []string, getter HTMLGetter) (*Resolver, error) {
	r := &Resolver{cfg: cfg, allowed: allowed, getter: getter}
	if cfg.TemplateTrim != "" {
		re, err := regexp.Compile(cfg.TemplateTrim)
		if err != nil {
			return nil, fmt.Errorf("document template_trim: %w", err)
		}
		r.trim = re
	}
	return r, nil
}

// Resolve returns "" without error when the record has no document.
func (r *Resolver) Resolve(ctx context.Context, rec models.NormalizedRecord) (string, error) {
	detail := rec.Fields[r.cfg.ResolveFrom]
	if r.cfg.ResolveFrom == "" || detail == "" {
		return r.fromTemplate(rec, ""), nil
	}
	if !urlutil.SameHost(detail, r.allowed) {
		return r.fromTemplate(rec, detail), nil
	}

	body, err := r.getter.GetHTML(ctx, detail)
	if err != nil {
		if u := r.fromTemplate(rec, detail); u != "" {
			return u, nil
		}
		return "", fmt.Errorf("detail page: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return "", err
	}

	if u := r.byText(doc, detail); u != "" {
		return u, nil
	}
	for _, sel := range r.cfg.LinkSelectors {
		var found string
		doc.Find(sel).EachWithBreak(func(_ int, a *goquery.Selection) bool {
			found = r.link(detail, a)
			return found == ""
		})
		if found != "" {
			return found, nil
		}
	}
	return r.fromTemplate(rec, detail), nil
}

func (r *Resolver) byText(doc *goquery.Document, base string) string {
	if len(r.cfg.LinkText) == 0 {
		return ""
	}
	var found string
	doc.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		text := strings.ToLower(strings.TrimSpace(a.Text()))
		for _, want := range r.cfg.LinkText {
			if strings.Contains(text, strings.ToLower(want)) {
				if found = r.link(base, a); found != "" {
					return false
				}
			}
		}
		return true
	})
	return found
}

// link returns the absolute href of a, or "" when it is empty or leaves the
// allowed domains.
func (r *Resolver) link(base string, a *goquery.Selection) string {
	href, ok := a.Attr("href")
	if !ok || strings.TrimSpace(href) == "" {
		return ""
	}
	u := urlutil.Resolve(base, href)
	if u == "" || !urlutil.SameHost(u, r.allowed) {
		return ""
	}
	return u
}

// fromTemplate fills {key} and {param} in the configured template.
func (r *Resolver) fromTemplate(rec models.NormalizedRecord, detail string) string {
	t := r.cfg.Template
	if t == "" {
		return ""
	}
	if strings.Contains(t, "{param}") {
		v := urlutil.QueryParam(detail, r.cfg.TemplateParam)
		if r.trim != nil {
			v = r.trim.ReplaceAllString(v, "")
		}
		if v == "" {
			return ""
		}
		t = strings.ReplaceAll(t, "{param}", v)
	}
	return strings.ReplaceAll(t, "{key}", rec.Key)
}
