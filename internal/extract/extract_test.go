package extract

import (
	"errors"
	"testing"

	"court_spider/internal/config"
	"court_spider/internal/harvest"
	"court_spider/internal/models"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

const waRow = `<tr>
  <td>Jan. 4, 2024</td>
  <td><a href="/opinions/index.cfm?fa=opinions.showOpinion&amp;filename=1010441MAJ">101044-1</a></td>
  <td>* State v. Smith</td>
  <td>Majority Opinion</td>
</tr>`

func waSource() config.SourceConfig {
	return config.SourceConfig{
		Fields: []config.FieldRule{
			{Name: "file_date", Selector: "td:nth-child(1)"},
			{Name: "case_number", Selector: "td:nth-child(2) a"},
			{Name: "case_title", Selector: "td:nth-child(3)", Regex: `^\*?\s*(.+)$`},
			{Name: "file_contains", Selector: "td:nth-child(4)"},
			{Name: "case_info_url", Selector: "td:nth-child(2) a", Attr: "href", Absolute: true},
			{Name: "division", Selector: "td.division", Default: "none"},
		},
		Key: config.KeyConfig{
			Field: "case_number",
			Fallbacks: []config.KeyFallback{
				{QueryParamOf: "case_info_url", Param: "filename"},
				{RowIndex: true},
			},
		},
	}
}

func TestExtract_TableRow(t *testing.T) {
	e, err := New(waSource())
	require.NoError(t, err)

	rec, err := e.Extract(models.CandidateRecord{Raw: waRow, BaseURL: "https://www.courts.wa.gov/opinions/"})
	require.NoError(t, err)
	require.Equal(t, "101044-1", rec.Key)
	require.Equal(t, models.KeySourceField, rec.KeySource)

	want := map[string]string{
		"file_date":     "Jan. 4, 2024",
		"case_number":   "101044-1",
		"case_title":    "State v. Smith",
		"file_contains": "Majority Opinion",
		"case_info_url": "https://www.courts.wa.gov/opinions/index.cfm?fa=opinions.showOpinion&filename=1010441MAJ",
		"division":      "none",
	}
	if diff := cmp.Diff(want, rec.Fields); diff != "" {
		t.Fatalf("fields mismatch (-want +got):\n%s", diff)
	}
}

func TestExtract_QueryParamFallback(t *testing.T) {
	e, err := New(waSource())
	require.NoError(t, err)

	raw := `<tr><td>Jan. 4, 2024</td><td><a href="/x?filename=999MAJ"></a></td><td>Title</td></tr>`
	rec, err := e.Extract(models.CandidateRecord{Raw: raw, BaseURL: "https://example.com/"})
	require.NoError(t, err)
	require.Equal(t, "999MAJ", rec.Key)
	require.Equal(t, KeySourceQueryParam, rec.KeySource)
}

func TestExtract_RowIndexFallback(t *testing.T) {
	e, err := New(waSource())
	require.NoError(t, err)

	rec, err := e.Extract(models.CandidateRecord{Raw: `<tr><td>only a date</td></tr>`, PageIndex: 3, RowIndex: 7})
	require.NoError(t, err)
	require.Equal(t, "p3-r7", rec.Key)
	require.Equal(t, KeySourceRowIndex, rec.KeySource)
}

func TestExtract_RejectsWithoutKey(t *testing.T) {
	src := waSource()
	src.Key.Fallbacks = nil
	e, err := New(src)
	require.NoError(t, err)

	_, err = e.Extract(models.CandidateRecord{Raw: `<tr><td>Jan. 4, 2024</td><td></td></tr>`})
	require.True(t, errors.Is(err, harvest.ErrRejected))
}

func TestExtract_DocumentFieldAndPrefix(t *testing.T) {
	src := config.SourceConfig{
		Fields: []config.FieldRule{
			{Name: "docket", Selector: ".docket", TrimPrefix: "Docket No."},
			{Name: "pdf", Selector: "a.pdf", Attr: "href", Absolute: true},
		},
		Key:      config.KeyConfig{Field: "docket", Prefix: "scotus-"},
		Document: config.DocumentConfig{Field: "pdf"},
	}
	e, err := New(src)
	require.NoError(t, err)

	raw := `<div class="opinion"><span class="docket">Docket No. 22-451</span><a class="pdf" href="pdf/22-451.pdf">PDF</a></div>`
	rec, err := e.Extract(models.CandidateRecord{Raw: raw, BaseURL: "https://www.supremecourt.gov/opinions/"})
	require.NoError(t, err)
	require.Equal(t, "scotus-22-451", rec.Key)
	require.Equal(t, "https://www.supremecourt.gov/opinions/pdf/22-451.pdf", rec.DocumentURL)
}

func TestExtract_CellFragment(t *testing.T) {
	src := config.SourceConfig{
		Fields: []config.FieldRule{{Name: "id", Selector: "", Regex: `(\d+)`}},
		Key:    config.KeyConfig{Field: "id"},
	}
	e, err := New(src)
	require.NoError(t, err)

	rec, err := e.Extract(models.CandidateRecord{Raw: `<td>Case 4711</td>`})
	require.NoError(t, err)
	require.Equal(t, "4711", rec.Key)
}

func TestNew_BadRegex(t *testing.T) {
	_, err := New(config.SourceConfig{Fields: []config.FieldRule{{Name: "x", Regex: "("}}})
	require.Error(t, err)
}
