// Package extract turns one listing row into a NormalizedRecord using the
// field rules of a source. It performs no I/O.
package extract

import (
	"fmt"
	"regexp"
	"strings"

	"court_spider/internal/config"
	"court_spider/internal/harvest"
	"court_spider/internal/models"
	"court_spider/internal/urlutil"

	"github.com/PuerkitoBio/goquery"
)

const (
	KeySourceQueryParam = "query_param"
	KeySourceRowIndex   = "row_index"
)

type rule struct {
	config.FieldRule
	re *regexp.Regexp
}

type Extractor struct {
	rules    []rule
	key      config.KeyConfig
	docField string
}

func New(src config.SourceConfig) (*Extractor, error) {
	e := &Extractor{key: src.Key, docField: src.Document.Field}
	for _, f := range src.Fields {
		r := rule{FieldRule: f}
		if f.Regex != "" {
			re, err := regexp.Compile(f.Regex)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", f.Name, err)
			}
			r.re = re
		}
		e.rules = append(e.rules, r)
	}
	return e, nil
}

func (e *Extractor) Extract(c models.CandidateRecord) (models.NormalizedRecord, error) {
	root, err := parseRow(c.Raw)
	if err != nil {
		return models.NormalizedRecord{}, fmt.Errorf("%w: %v", harvest.ErrRejected, err)
	}

	fields := make(map[string]string, len(e.rules))
	for _, r := range e.rules {
		fields[r.Name] = r.value(root, c.BaseURL)
	}

	rec := models.NormalizedRecord{Fields: fields}
	if e.docField != "" {
		rec.DocumentURL = fields[e.docField]
	}

	key, source := e.deriveKey(fields, c)
	if key == "" {
		return rec, fmt.Errorf("%w: page %d row %d has no %q", harvest.ErrRejected, c.PageIndex, c.RowIndex, e.key.Field)
	}
	rec.Key = e.key.Prefix + key
	rec.KeySource = source
	return rec, nil
}

func (e *Extractor) deriveKey(fields map[string]string, c models.CandidateRecord) (string, string) {
	if k := fields[e.key.Field]; k != "" {
		return k, models.KeySourceField
	}
	for _, fb := range e.key.Fallbacks {
		switch {
		case fb.QueryParamOf != "":
			if k := urlutil.QueryParam(fields[fb.QueryParamOf], fb.Param); k != "" {
				return k, KeySourceQueryParam
			}
		case fb.RowIndex:
			return fmt.Sprintf("p%d-r%d", c.PageIndex, c.RowIndex), KeySourceRowIndex
		}
	}
	return "", ""
}

func (r rule) value(root *goquery.Selection, baseURL string) string {
	sel := root
	if r.Selector != "" {
		sel = root.Find(r.Selector).First()
	}

	var v string
	if r.Attr != "" {
		v, _ = sel.Attr(r.Attr)
	} else {
		v = sel.Text()
	}
	v = strings.Join(strings.Fields(v), " ")

	if r.re != nil && v != "" {
		m := r.re.FindStringSubmatch(v)
		switch {
		case m == nil:
			v = ""
		case len(m) > 1:
			v = strings.TrimSpace(m[1])
		default:
			v = m[0]
		}
	}
	v = strings.TrimSpace(strings.TrimPrefix(v, r.TrimPrefix))
	if r.Absolute && v != "" {
		v = urlutil.Resolve(baseURL, v)
	}
	if v == "" {
		v = r.Default
	}
	return v
}

// parseRow parses a row fragment. Table parts are wrapped so the HTML
// parser keeps them instead of dropping orphaned cells.
func parseRow(raw string) (*goquery.Selection, error) {
	lower := strings.ToLower(strings.TrimSpace(raw))
	var wrapped, rootSel string
	switch {
	case strings.HasPrefix(lower, "<tr"):
		wrapped, rootSel = "<table><tbody>"+raw+"</tbody></table>", "tbody > tr"
	case strings.HasPrefix(lower, "<td"), strings.HasPrefix(lower, "<th"):
		wrapped, rootSel = "<table><tbody><tr>"+raw+"</tr></tbody></table>", "tbody > tr"
	default:
		wrapped, rootSel = raw, "body > *"
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(wrapped))
	if err != nil {
		return nil, err
	}
	root := doc.Find(rootSel).First()
	if root.Length() == 0 {
		root = doc.Find("body")
	}
	return root, nil
}
