package source

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"court_spider/internal/config"
	"court_spider/internal/urlutil"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"
)

// Listing is one listing URL of a source, such as the opinions of a year.
type Listing struct {
	Label string
	URL   string
}

type HTMLGetter interface {
	GetHTML(ctx context.Context, url string) (string, error)
}

// Listings returns the configured listings of src, followed by those found
// on its discovery index page.
func Listings(ctx context.Context, src config.SourceConfig, getter HTMLGetter, log logrus.FieldLogger) ([]Listing, error) {
	var out []Listing
	seen := make(map[string]bool)
	add := func(l Listing) {
		key := urlutil.NormalizeURL(l.URL)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, l)
	}
	for _, u := range src.Listings {
		add(Listing{Label: u, URL: u})
	}

	d := src.Discovery
	if d.IndexURL == "" {
		return out, nil
	}

	hrefRe, err := compileOptional(d.HrefPattern)
	if err != nil {
		return nil, fmt.Errorf("discovery href_pattern: %w", err)
	}
	textRe, err := compileOptional(d.TextPattern)
	if err != nil {
		return nil, fmt.Errorf("discovery text_pattern: %w", err)
	}

	body, err := getter.GetHTML(ctx, d.IndexURL)
	if err != nil {
		return nil, fmt.Errorf("discovery index: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("discovery index: %w", err)
	}

	var found []Listing
	doc.Find(d.LinkSelector).Each(func(_ int, a *goquery.Selection) {
		href, ok := a.Attr("href")
		if !ok {
			return
		}
		text := strings.TrimSpace(strings.Trim(strings.TrimSpace(a.Text()), "|"))
		if hrefRe != nil && !hrefRe.MatchString(href) {
			return
		}
		if textRe != nil && !textRe.MatchString(text) {
			return
		}
		found = append(found, Listing{Label: text, URL: urlutil.Resolve(d.IndexURL, href)})
	})
	if d.Descending {
		sort.SliceStable(found, func(i, j int) bool { return found[i].Label > found[j].Label })
	}
	for _, l := range found {
		add(l)
	}

	log.WithFields(logrus.Fields{"source": src.Name, "listings": len(out)}).Info("listings discovered")
	return out, nil
}

func compileOptional(expr string) (*regexp.Regexp, error) {
	if expr == "" {
		return nil, nil
	}
	return regexp.Compile(expr)
}

// FilterListings keeps listings whose label equals one of wanted or whose
// URL contains it. An empty wanted keeps everything.
func FilterListings(ls []Listing, wanted []string) []Listing {
	if len(wanted) == 0 {
		return ls
	}
	var out []Listing
	for _, l := range ls {
		for _, w := range wanted {
			if l.Label == w || strings.Contains(l.URL, w) {
				out = append(out, l)
				break
			}
		}
	}
	return out
}
