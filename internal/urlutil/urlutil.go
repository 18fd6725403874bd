// Package urlutil holds URL and path helpers shared by sources and sinks.
package urlutil

import (
	"crypto/md5"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/purell"
)

const maxNameLen = 200

const normalizeFlags = purell.FlagsSafe |
	purell.FlagRemoveFragment |
	purell.FlagRemoveDuplicateSlashes |
	purell.FlagSortQuery

// NormalizeURL gives equal listing and document URLs one spelling.
func NormalizeURL(rawURL string) string {
	normalized, err := purell.NormalizeURLString(strings.TrimSpace(rawURL), normalizeFlags)
	if err != nil {
		return rawURL
	}
	return normalized
}

// Resolve makes ref absolute against base. Unparsable input is returned as is.
func Resolve(base, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	b, err := url.Parse(base)
	if err != nil || base == "" {
		return r.String()
	}
	return b.ResolveReference(r).String()
}

// QueryParam returns the first value of name in rawURL's query.
func QueryParam(rawURL, name string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Query().Get(name)
}

// SetQueryParam returns rawURL with name set to value.
func SetQueryParam(rawURL, name, value string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set(name, value)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

var unsafeChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)

// SanitizeFilename replaces characters that are invalid on common
// filesystems and caps the length in bytes without splitting a rune.
func SanitizeFilename(name string) string {
	cleaned := unsafeChars.ReplaceAllString(strings.TrimSpace(name), "_")
	cleaned = strings.Trim(cleaned, ". ")
	if len(cleaned) > maxNameLen {
		cut := maxNameLen
		for cut > 0 && !utf8.RuneStart(cleaned[cut]) {
			cut--
		}
		cleaned = cleaned[:cut]
	}
	return cleaned
}

// KeyDir maps a record key to a directory name. Keys that sanitization
// altered get a short hash suffix so distinct keys never share a directory.
func KeyDir(key string) string {
	dir := SanitizeFilename(key)
	if dir == key && dir != "" {
		return dir
	}
	if dir == "" {
		dir = "key"
	}
	return dir + "_" + ComputeContentHash(key)[:8]
}

// FilenameFromURL returns the last path element of rawURL, sanitized.
// When it is empty or lacks ext, fallback+ext is used instead.
func FilenameFromURL(rawURL, fallback, ext string) string {
	var base string
	if u, err := url.Parse(rawURL); err == nil {
		if unescaped, err := url.PathUnescape(path.Base(u.Path)); err == nil {
			base = unescaped
		}
	}
	base = SanitizeFilename(base)
	if base == "" || base == "." || (ext != "" && !strings.HasSuffix(strings.ToLower(base), strings.ToLower(ext))) {
		return SanitizeFilename(fallback) + ext
	}
	return base
}

func ComputeContentHash(content string) string {
	hash := md5.Sum([]byte(content))
	return fmt.Sprintf("%x", hash)
}

// SameHost reports whether rawURL belongs to one of domains. An empty list
// matches everything.
func SameHost(rawURL string, domains []string) bool {
	if len(domains) == 0 {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	for _, d := range domains {
		d = strings.TrimPrefix(strings.ToLower(d), "www.")
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
