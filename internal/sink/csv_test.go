package sink

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

var header = []string{"case_number", "title", "pdf_url", "pdf_filename", "download_status"}

func readRows(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestCSVWriter_HeaderOnceAndDurableRows(t *testing.T) {
	log, _ := test.NewNullLogger()
	path := filepath.Join(t.TempDir(), "wa", "metadata.csv")

	w, err := OpenCSV(path, header, log)
	require.NoError(t, err)
	require.NoError(t, w.Append([]string{"A1", "State v. Smith, \"Jr.\"", "http://x/a1.pdf", "a1.pdf", "downloaded"}))

	// visible to another reader without closing the writer
	rows := readRows(t, path)
	require.Len(t, rows, 2)
	require.Equal(t, header, rows[0])
	require.Equal(t, `State v. Smith, "Jr."`, rows[1][1])
	require.NoError(t, w.Close())

	w, err = OpenCSV(path, header, log)
	require.NoError(t, err)
	require.NoError(t, w.Append([]string{"A2", "Two", "", "", "no_document"}))
	require.NoError(t, w.Close())
	require.Len(t, readRows(t, path), 3)

	require.Error(t, w.Append([]string{"short"}))
}

func TestCSVWriter_HeaderMismatchIsFatal(t *testing.T) {
	log, _ := test.NewNullLogger()
	path := filepath.Join(t.TempDir(), "metadata.csv")
	require.NoError(t, os.WriteFile(path, []byte("id,name\n1,x\n"), 0o644))

	_, err := OpenCSV(path, header, log)
	require.ErrorIs(t, err, ErrHeaderMismatch)
}

func TestCSVWriter_RepairsTornTail(t *testing.T) {
	log, hook := test.NewNullLogger()
	path := filepath.Join(t.TempDir(), "metadata.csv")
	body := "case_number,title,pdf_url,pdf_filename,download_status\n" +
		"A1,One,,,no_document\n" +
		"A2,Two,,,no_document\n" +
		"A3,\"Thr"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	w, err := OpenCSV(path, header, log)
	require.NoError(t, err)
	require.NoError(t, w.Append([]string{"A3", "Three", "", "", "no_document"}))
	require.NoError(t, w.Close())

	rows := readRows(t, path)
	require.Len(t, rows, 4)
	require.Equal(t, "A3", rows[3][0])
	require.Equal(t, "Three", rows[3][1])
	require.Equal(t, "truncating torn last row", hook.LastEntry().Message)
}

func TestCSVWriter_RepairsTornRowWithRightFieldCount(t *testing.T) {
	log, _ := test.NewNullLogger()
	path := filepath.Join(t.TempDir(), "metadata.csv")
	body := "\xEF\xBB\xBFcase_number,title,pdf_url,pdf_filename,download_status\n" +
		"A1,One,,,no_document\n" +
		"A2,Two,,,downlo"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	w, err := OpenCSV(path, header, log)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "\xEF\xBB\xBFcase_number,title,pdf_url,pdf_filename,download_status\nA1,One,,,no_document\n", string(raw))
}

func TestCSVWriter_CorruptMiddleIsFatal(t *testing.T) {
	log, _ := test.NewNullLogger()
	path := filepath.Join(t.TempDir(), "metadata.csv")
	body := "case_number,title,pdf_url,pdf_filename,download_status\n" +
		"A1,One\n" +
		"A2,Two,,,no_document\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	_, err := OpenCSV(path, header, log)
	require.ErrorIs(t, err, ErrCorruptCSV)
}

func TestCSVWriter_PartialHeaderRewritten(t *testing.T) {
	log, _ := test.NewNullLogger()
	path := filepath.Join(t.TempDir(), "metadata.csv")
	require.NoError(t, os.WriteFile(path, []byte("case_number,ti"), 0o644))

	w, err := OpenCSV(path, header, log)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.Equal(t, [][]string{header}, readRows(t, path))
}
