package app

import (
	"context"
	"encoding/csv"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"court_spider/internal/config"
	"court_spider/internal/harvest"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

const configTmpl = `
output_root: %s
logic:
  timeout_sec: 5
  max_retries: 2
  retry_base_ms: 1
  retry_max_ms: 2
  checkpoint_every: 50
seen:
  store: %s
sources:
  wa:
    listings: ["%s/opinions?year=2024"]
    expect_selector: table#opinions
    row_selector: table#opinions tr
    skip_rows: 1
    pagination:
      mode: query
      param: page
      start_page: 1
      next_selector: a.next
    fields:
      - name: case_number
        selector: td.case
      - name: title
        selector: td.title
      - name: pdf_url
        selector: a.pdf
        attr: href
        absolute: true
    key:
      field: case_number
    document:
      field: pdf_url
    csv:
      columns: [case_number, title]
`

func serveCourt(t *testing.T) *httptest.Server {
	t.Helper()
	row := func(key, title string, pdf bool) string {
		link := ""
		if pdf {
			link = fmt.Sprintf(`<a class="pdf" href="/pdf/%s.pdf">PDF</a>`, key)
		}
		return fmt.Sprintf(`<tr><td class="case">%s</td><td class="title">%s</td><td>%s</td></tr>`, key, title, link)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/opinions":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			body := `<html><body><table id="opinions"><tr><th>Case</th><th>Title</th><th></th></tr>`
			switch r.URL.Query().Get("page") {
			case "1":
				body += row("101044-1", "State v. Smith", true) + row("101045-9", "In re Doe", false) +
					`</table><a class="next" href="?page=2">Next</a>`
			case "2":
				body += row("101046-7", "Jones v. City", true) + `</table>`
			default:
				body += `</table>`
			}
			w.Write([]byte(body + `</body></html>`))
		case "/pdf/101044-1.pdf", "/pdf/101046-7.pdf":
			w.Header().Set("Content-Type", "application/pdf")
			w.Write([]byte("%PDF-1.4 " + r.URL.Path))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func loadConfig(t *testing.T, root, store, base string) *config.SpiderConfig {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(configTmpl, root, store, base)), 0o644))
	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	return cfg
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func newApp(t *testing.T, cfg *config.SpiderConfig) *SpiderApp {
	t.Helper()
	log, _ := test.NewNullLogger()
	a, err := NewSpiderApp(cfg, log)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestRun_HarvestsAndResumes(t *testing.T) {
	for _, store := range []string{config.SeenCSV, config.SeenLog, config.SeenCheckpoint} {
		t.Run(store, func(t *testing.T) {
			srv := serveCourt(t)
			root := t.TempDir()
			cfg := loadConfig(t, root, store, srv.URL)

			rep, err := newApp(t, cfg).Run(context.Background(), RunOptions{})
			require.NoError(t, err)
			require.False(t, rep.Failed())
			require.Len(t, rep.Sources, 1)
			require.NoError(t, rep.Sources[0].Err)
			st := rep.Sources[0].Stats()
			require.Equal(t, 3, st.Processed)
			require.Equal(t, 2, st.Downloaded)
			require.Equal(t, 1, st.NoDocument)
			require.Equal(t, harvest.ReasonSourceDone, rep.Sources[0].Listings[0].Summary.Reason)

			csvPath := filepath.Join(root, "wa", "metadata.csv")
			want := [][]string{
				{"case_number", "title", "pdf_url", "pdf_filename", "download_status"},
				{"101044-1", "State v. Smith", srv.URL + "/pdf/101044-1.pdf", "101044-1.pdf", "downloaded"},
				{"101045-9", "In re Doe", "", "", "no_document"},
				{"101046-7", "Jones v. City", srv.URL + "/pdf/101046-7.pdf", "101046-7.pdf", "downloaded"},
			}
			if diff := cmp.Diff(want, readCSV(t, csvPath)); diff != "" {
				t.Fatalf("csv mismatch (-want +got):\n%s", diff)
			}
			require.FileExists(t, filepath.Join(root, "wa", "101044-1", "101044-1.pdf"))
			require.NoFileExists(t, csvPath+".lock")

			again, err := newApp(t, cfg).Run(context.Background(), RunOptions{})
			require.NoError(t, err)
			st = again.Sources[0].Stats()
			require.Zero(t, st.Processed)
			require.Equal(t, 3, st.Skipped)
			require.Len(t, readCSV(t, csvPath), 4)
		})
	}
}

func TestRun_NoResumeStartsFresh(t *testing.T) {
	srv := serveCourt(t)
	root := t.TempDir()
	cfg := loadConfig(t, root, config.SeenLog, srv.URL)

	_, err := newApp(t, cfg).Run(context.Background(), RunOptions{MaxItems: 1})
	require.NoError(t, err)

	rep, err := newApp(t, cfg).Run(context.Background(), RunOptions{NoResume: true})
	require.NoError(t, err)
	st := rep.Sources[0].Stats()
	require.Equal(t, 3, st.Processed)
	// the first document is already on disk
	require.Equal(t, 1, st.Cached)

	moved, err := filepath.Glob(filepath.Join(root, "wa", "metadata.*Z.csv"))
	require.NoError(t, err)
	require.Len(t, moved, 1)
	require.Len(t, readCSV(t, moved[0]), 2)
}

func TestRun_PageBudget(t *testing.T) {
	srv := serveCourt(t)
	root := t.TempDir()
	cfg := loadConfig(t, root, config.SeenCSV, srv.URL)

	rep, err := newApp(t, cfg).Run(context.Background(), RunOptions{MaxPages: 1})
	require.NoError(t, err)
	sum := rep.Sources[0].Listings[0].Summary
	require.Equal(t, harvest.ReasonPageLimit, sum.Reason)
	require.Equal(t, 2, sum.Processed)
}

func TestRun_UnreachableFails(t *testing.T) {
	srv := serveCourt(t)
	base := srv.URL
	srv.Close()

	cfg := loadConfig(t, t.TempDir(), config.SeenCSV, base)
	rep, err := newApp(t, cfg).Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.True(t, rep.Failed())
	require.True(t, rep.Sources[0].Listings[0].Summary.Unreachable())
}

func TestRun_UnknownSource(t *testing.T) {
	srv := serveCourt(t)
	cfg := loadConfig(t, t.TempDir(), config.SeenCSV, srv.URL)
	_, err := newApp(t, cfg).Run(context.Background(), RunOptions{Sources: []string{"ny"}})
	require.EqualError(t, err, `unknown source "ny"`)
}

func TestRun_LockedOutputIsSetupFailure(t *testing.T) {
	srv := serveCourt(t)
	root := t.TempDir()
	cfg := loadConfig(t, root, config.SeenCSV, srv.URL)

	require.NoError(t, os.MkdirAll(filepath.Join(root, "wa"), 0o755))
	lock, err := AcquireLock(filepath.Join(root, "wa", "metadata.csv.lock"), time.Hour)
	require.NoError(t, err)
	defer lock.Release()

	rep, err := newApp(t, cfg).Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.ErrorIs(t, rep.Sources[0].Err, ErrLocked)
	require.True(t, rep.Failed())
}

func TestAcquireLock_TakesOverStaleLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.lock")
	require.NoError(t, os.WriteFile(path, []byte(`{"pid":1}`), 0o644))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	lock, err := AcquireLock(path, time.Minute)
	require.NoError(t, err)

	_, err = AcquireLock(path, time.Minute)
	require.ErrorIs(t, err, ErrLocked)

	require.NoError(t, lock.Release())
	require.NoFileExists(t, path)
}
