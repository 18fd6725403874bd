package capture

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

const articleHTML = `<html><head><title>State v. Smith</title></head><body>
<div id="content"><h1>State v. Smith</h1>
<p>The petitioner argues that the trial court erred in admitting the statement made during the custodial interview without proper warnings being given.</p>
<p>We agree with the petitioner and reverse the conviction, remanding the matter to the trial court for further proceedings consistent with this opinion.</p>
<p>The record shows the officers questioned the defendant for several hours before advising him of his rights, which renders the statement inadmissible.</p>
<p>Because the State relied heavily on that statement at trial, the error was not harmless beyond a reasonable doubt, and the jury's verdict cannot stand on the remaining evidence alone.</p>
<p>Reversed and remanded. The trial court shall exclude the statement at any retrial and reconsider the defendant's motion to suppress the physical evidence obtained as a result of it.</p>
</div></body></html>`

// fakePage blocks on any step listed in hang until its context ends.
type fakePage struct {
	hang   map[string]bool
	popup  *fakePage
	html   string
	closed bool
}

func (p *fakePage) block(ctx context.Context, step string) error {
	if p.hang[step] {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (p *fakePage) Navigate(ctx context.Context, url string) error {
	return p.block(ctx, "navigate")
}

func (p *fakePage) ClickForPopup(ctx context.Context, selector string) (Page, error) {
	if err := p.block(ctx, "popup"); err != nil {
		return nil, err
	}
	if p.popup == nil {
		return nil, errors.New("no popup")
	}
	return p.popup, nil
}

func (p *fakePage) WaitIdle(ctx context.Context) error {
	return p.block(ctx, "idle")
}

func (p *fakePage) HTML(ctx context.Context) (string, error) {
	return p.html, nil
}

func (p *fakePage) Screenshot(ctx context.Context) ([]byte, error) {
	return []byte("\x89PNG"), nil
}

func (p *fakePage) Close() error {
	p.closed = true
	return nil
}

type fakeBrowser struct{ page *fakePage }

func (b *fakeBrowser) NewPage(ctx context.Context) (Page, error) {
	return b.page, nil
}

func (b *fakeBrowser) Close() error { return nil }

func fastTimeouts() Timeouts {
	return Timeouts{Navigate: 50 * time.Millisecond, Popup: 50 * time.Millisecond, Idle: 50 * time.Millisecond}
}

func TestMachine_LoadsPage(t *testing.T) {
	page := &fakePage{html: articleHTML}
	m := NewMachine(&fakeBrowser{page}, fastTimeouts(), "", true, logrus.New())

	res, err := m.Capture(context.Background(), "https://courts.example/opinion/1")
	require.NoError(t, err)
	require.Equal(t, StateLoaded, res.State)
	require.Equal(t, []State{StateNavigating, StateLoaded}, res.Trail)
	require.Equal(t, articleHTML, res.HTML)
	require.NotEmpty(t, res.Screenshot)
	require.True(t, page.closed)
}

func TestMachine_FollowsPopup(t *testing.T) {
	popup := &fakePage{html: "<html>popup</html>"}
	page := &fakePage{html: "<html>list</html>", popup: popup}
	m := NewMachine(&fakeBrowser{page}, fastTimeouts(), "a.view", false, logrus.New())

	res, err := m.Capture(context.Background(), "https://courts.example/opinion/1")
	require.NoError(t, err)
	require.Equal(t, []State{StateNavigating, StateAwaitingPopup, StateLoaded}, res.Trail)
	require.Equal(t, "<html>popup</html>", res.HTML)
	require.Nil(t, res.Screenshot)
	require.True(t, popup.closed)
}

func TestMachine_NavigationTimeout(t *testing.T) {
	page := &fakePage{hang: map[string]bool{"navigate": true}}
	log, hook := test.NewNullLogger()
	m := NewMachine(&fakeBrowser{page}, fastTimeouts(), "", false, log)

	res, err := m.Capture(context.Background(), "https://courts.example/slow")
	require.ErrorIs(t, err, ErrTimedOut)
	require.Equal(t, StateTimedOut, res.State)
	require.Equal(t, []State{StateNavigating, StateTimedOut}, res.Trail)
	require.Equal(t, "capture timed out", hook.LastEntry().Message)
}

func TestMachine_PopupTimeout(t *testing.T) {
	page := &fakePage{hang: map[string]bool{"popup": true}}
	m := NewMachine(&fakeBrowser{page}, fastTimeouts(), "a.view", false, logrus.New())

	res, err := m.Capture(context.Background(), "https://courts.example/opinion/1")
	require.ErrorIs(t, err, ErrTimedOut)
	require.Equal(t, []State{StateNavigating, StateAwaitingPopup, StateTimedOut}, res.Trail)
}

func TestMachine_IdleTimeoutStillCaptures(t *testing.T) {
	page := &fakePage{html: articleHTML, hang: map[string]bool{"idle": true}}
	log, hook := test.NewNullLogger()
	m := NewMachine(&fakeBrowser{page}, fastTimeouts(), "", false, log)

	res, err := m.Capture(context.Background(), "https://courts.example/opinion/1")
	require.NoError(t, err)
	require.True(t, res.IdleTimedOut)
	require.Equal(t, StateLoaded, res.State)
	require.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestMachine_CancelledIsNotTimeout(t *testing.T) {
	page := &fakePage{hang: map[string]bool{"navigate": true}}
	m := NewMachine(&fakeBrowser{page}, Timeouts{Navigate: time.Minute}, "", false, logrus.New())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	res, err := m.Capture(ctx, "https://courts.example/opinion/1")
	require.ErrorIs(t, err, context.Canceled)
	require.NotErrorIs(t, err, ErrTimedOut)
	require.Equal(t, StateNavigating, res.State)
}

func TestBrowserCapturer_WritesFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "case-1")
	m := NewMachine(&fakeBrowser{&fakePage{html: articleHTML}}, fastTimeouts(), "", true, logrus.New())
	c := NewBrowserCapturer(m, logrus.New())

	require.NoError(t, c.Capture(context.Background(), "https://courts.example/opinion/1", dir))

	html, err := os.ReadFile(filepath.Join(dir, htmlFile))
	require.NoError(t, err)
	require.Equal(t, articleHTML, string(html))

	text, err := os.ReadFile(filepath.Join(dir, textFile))
	require.NoError(t, err)
	require.Contains(t, string(text), "We agree with the petitioner and reverse the conviction")

	require.FileExists(t, filepath.Join(dir, screenshotFile))
}

type getterFunc func(ctx context.Context, url string) (string, error)

func (f getterFunc) GetHTML(ctx context.Context, url string) (string, error) { return f(ctx, url) }

func TestStaticCapturer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(articleHTML))
	}))
	defer srv.Close()

	get := getterFunc(func(ctx context.Context, url string) (string, error) {
		resp, err := http.Get(url)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return "", err
		}
		return string(b), nil
	})

	dir := t.TempDir()
	c := NewStaticCapturer(get, logrus.New())
	require.NoError(t, c.Capture(context.Background(), srv.URL+"/opinion/1", dir))
	require.FileExists(t, filepath.Join(dir, htmlFile))
	require.FileExists(t, filepath.Join(dir, textFile))
	require.NoFileExists(t, filepath.Join(dir, screenshotFile))
}

func TestStaticCapturer_FetchError(t *testing.T) {
	boom := errors.New("boom")
	c := NewStaticCapturer(getterFunc(func(context.Context, string) (string, error) { return "", boom }), logrus.New())
	dir := filepath.Join(t.TempDir(), "x")
	require.ErrorIs(t, c.Capture(context.Background(), "https://courts.example/1", dir), boom)
	require.NoDirExists(t, dir)
}
