package capture

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"court_spider/internal/fsutil"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"
	"github.com/sirupsen/logrus"
)

const (
	htmlFile       = "detail.html"
	textFile       = "detail.txt"
	screenshotFile = "detail.png"
)

var blockTags = regexp.MustCompile(`(?i)(<(?:div|p|br|li|td|tr|h[1-6])[^>]*>|</(?:div|p|li|td|tr|h[1-6])>)`)

// BrowserCapturer renders detail pages through a Machine.
type BrowserCapturer struct {
	machine *Machine
	log     logrus.FieldLogger
}

func NewBrowserCapturer(m *Machine, log logrus.FieldLogger) *BrowserCapturer {
	return &BrowserCapturer{machine: m, log: log}
}

func (c *BrowserCapturer) Capture(ctx context.Context, pageURL, dir string) error {
	res, err := c.machine.Capture(ctx, pageURL)
	if err != nil {
		return err
	}
	return write(dir, pageURL, res.HTML, res.Screenshot, c.log)
}

type HTMLGetter interface {
	GetHTML(ctx context.Context, url string) (string, error)
}

// StaticCapturer saves the server-rendered detail page without a browser.
type StaticCapturer struct {
	getter HTMLGetter
	log    logrus.FieldLogger
}

func NewStaticCapturer(getter HTMLGetter, log logrus.FieldLogger) *StaticCapturer {
	return &StaticCapturer{getter: getter, log: log}
}

func (c *StaticCapturer) Capture(ctx context.Context, pageURL, dir string) error {
	html, err := c.getter.GetHTML(ctx, pageURL)
	if err != nil {
		return err
	}
	return write(dir, pageURL, html, nil, c.log)
}

func write(dir, pageURL, html string, png []byte, log logrus.FieldLogger) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(dir, htmlFile), []byte(html), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", htmlFile, err)
	}

	title, text, err := readableText(html, pageURL)
	if err != nil {
		log.WithError(err).WithField("url", pageURL).Debug("no readable text")
	} else {
		body := text
		if title != "" {
			body = title + "\n\n" + text
		}
		if err := fsutil.WriteFileAtomic(filepath.Join(dir, textFile), []byte(body+"\n"), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", textFile, err)
		}
	}

	if len(png) > 0 {
		if err := fsutil.WriteFileAtomic(filepath.Join(dir, screenshotFile), png, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", screenshotFile, err)
		}
	}
	return nil
}

func readableText(rawHTML, pageURL string) (string, string, error) {
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return "", "", err
	}
	article, err := readability.FromReader(strings.NewReader(rawHTML), parsed)
	if err != nil {
		return "", "", err
	}

	spaced := blockTags.ReplaceAllString(article.Content, " $1 ")
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(spaced))
	if err != nil {
		return "", "", err
	}
	return article.Title, strings.Join(strings.Fields(doc.Text()), " "), nil
}
