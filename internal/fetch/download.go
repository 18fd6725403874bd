package fetch

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"court_spider/internal/retry"

	"github.com/sirupsen/logrus"
)

const sniffLen = 512

// Destination is rewound before every download attempt.
type Destination interface {
	io.Writer
	io.Seeker
	Truncate(size int64) error
}

type DownloadOptions struct {
	RejectHTML bool
}

// Download streams u into dst and returns the number of bytes written.
// A body shorter than the announced Content-Length is retried.
func (c *Client) Download(ctx context.Context, u string, dst Destination, opts DownloadOptions) (int64, error) {
	if c.robots != nil && !c.robots.Allowed(ctx, u) {
		return 0, fmt.Errorf("download %s: %w", u, ErrDisallowed)
	}

	var written int64
	err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		if _, err := dst.Seek(0, io.SeekStart); err != nil {
			return retry.Permanent(err)
		}
		if err := dst.Truncate(0); err != nil {
			return retry.Permanent(err)
		}
		if err := c.wait(ctx); err != nil {
			return retry.Permanent(err)
		}

		reqCtx, cancel := context.WithTimeout(ctx, c.downloadTimeout)
		defer cancel()

		resp, err := c.http.R().SetContext(reqCtx).SetDoNotParseResponse(true).Get(u)
		if err != nil {
			return err
		}
		raw := resp.RawBody()
		defer raw.Close()

		if resp.StatusCode() != http.StatusOK {
			return NewStatusError(resp.StatusCode(), u)
		}

		body := bufio.NewReaderSize(raw, sniffLen)
		if opts.RejectHTML {
			head, _ := body.Peek(sniffLen)
			if looksLikeHTML(head) {
				return retry.Permanent(ErrNotDocument)
			}
		}

		n, err := io.Copy(dst, body)
		if err != nil {
			return err
		}
		if expected := resp.RawResponse.ContentLength; expected > 0 && n < expected {
			return fmt.Errorf("%w: got %d of %d bytes", ErrIncomplete, n, expected)
		}
		written = n
		return nil
	}, c.notify(u))
	if err != nil {
		return 0, fmt.Errorf("download %s: %w", u, err)
	}

	c.log.WithFields(logrus.Fields{"url": u, "bytes": written}).Debug("download complete")
	return written, nil
}

func looksLikeHTML(head []byte) bool {
	trimmed := bytes.ToLower(bytes.TrimSpace(head))
	return bytes.HasPrefix(trimmed, []byte("<!doctype html")) ||
		bytes.HasPrefix(trimmed, []byte("<html")) ||
		bytes.Contains(trimmed, []byte("<head>")) ||
		bytes.Contains(trimmed, []byte("<body"))
}
