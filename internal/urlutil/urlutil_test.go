package urlutil

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	require.Equal(t,
		"http://www.courts.wa.gov/opinions/index.cfm?a=1&b=2",
		NormalizeURL("HTTP://www.Courts.WA.gov:80/opinions//index.cfm?b=2&a=1#top"))
}

func TestResolve(t *testing.T) {
	require.Equal(t, "https://example.com/opinions/pdf/1.pdf",
		Resolve("https://example.com/opinions/index.cfm", "pdf/1.pdf"))
	require.Equal(t, "https://cdn.example.com/x.pdf",
		Resolve("https://example.com/a", "https://cdn.example.com/x.pdf"))
	require.Empty(t, Resolve("https://example.com", "  "))
}

func TestQueryParams(t *testing.T) {
	u := "https://example.com/view.cfm?fa=opinions.showOpinion&filename=1010441MAJ"
	require.Equal(t, "1010441MAJ", QueryParam(u, "filename"))
	require.Empty(t, QueryParam(u, "missing"))

	next, err := SetQueryParam("https://example.com/list?year=2024", "page", "3")
	require.NoError(t, err)
	require.Equal(t, "3", QueryParam(next, "page"))
	require.Equal(t, "2024", QueryParam(next, "year"))
}

func TestSanitizeFilename(t *testing.T) {
	require.Equal(t, "A_B_C", SanitizeFilename(`A/B:C`))
	require.Equal(t, "plain-name_1", SanitizeFilename("plain-name_1"))
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'x'
	}
	require.Len(t, SanitizeFilename(string(long)), 200)

	// 199 ASCII bytes then a two-byte rune straddling the cap
	straddle := strings.Repeat("x", 199) + "é" + "tail"
	got := SanitizeFilename(straddle)
	require.True(t, utf8.ValidString(got))
	require.Equal(t, strings.Repeat("x", 199), got)

	cjk := strings.Repeat("判", 100)
	got = SanitizeFilename(cjk)
	require.True(t, utf8.ValidString(got))
	require.Len(t, got, 198)
}

func TestKeyDir(t *testing.T) {
	require.Equal(t, "101044-1", KeyDir("101044-1"))

	a, b := KeyDir("12/34"), KeyDir("12:34")
	require.NotEqual(t, a, b)
	require.Regexp(t, `^12_34_[0-9a-f]{8}$`, a)
}

func TestFilenameFromURL(t *testing.T) {
	require.Equal(t, "1010441.pdf", FilenameFromURL("https://example.com/opinions/pdf/1010441.pdf", "k", ".pdf"))
	require.Equal(t, "101044-1.pdf", FilenameFromURL("https://example.com/view.cfm?id=9", "101044-1", ".pdf"))
	require.Equal(t, "case 1.pdf", FilenameFromURL("https://example.com/case%201.pdf", "k", ".pdf"))
}

func TestSameHost(t *testing.T) {
	require.True(t, SameHost("https://www.courts.wa.gov/x", []string{"courts.wa.gov"}))
	require.True(t, SameHost("https://sub.courts.wa.gov/x", []string{"courts.wa.gov"}))
	require.False(t, SameHost("https://evil.com/x", []string{"courts.wa.gov"}))
	require.True(t, SameHost("https://evil.com/x", nil))
}
