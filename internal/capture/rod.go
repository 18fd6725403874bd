package capture

import (
	"context"
	"fmt"
	"time"

	"court_spider/internal/config"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// RodBrowser drives Chrome over the DevTools protocol. It connects to
// ControlURL when set and launches a local browser otherwise.
type RodBrowser struct {
	browser  *rod.Browser
	launcher *launcher.Launcher
}

func LaunchRod(cfg config.BrowserConfig) (*RodBrowser, error) {
	rb := &RodBrowser{}
	controlURL := cfg.ControlURL
	if controlURL == "" {
		l := launcher.New().Headless(!cfg.ShowWindow)
		if cfg.Bin != "" {
			l = l.Bin(cfg.Bin)
		}
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		rb.launcher = l
		controlURL = u
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		rb.kill()
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	rb.browser = b
	return rb, nil
}

func (r *RodBrowser) NewPage(ctx context.Context) (Page, error) {
	p, err := r.browser.Context(ctx).Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, err
	}
	return &rodPage{page: p}, nil
}

func (r *RodBrowser) Close() error {
	err := r.browser.Close()
	r.kill()
	return err
}

func (r *RodBrowser) kill() {
	if r.launcher != nil {
		r.launcher.Kill()
	}
}

type rodPage struct {
	page *rod.Page
}

func (p *rodPage) Navigate(ctx context.Context, url string) error {
	pg := p.page.Context(ctx)
	if err := pg.Navigate(url); err != nil {
		return err
	}
	return pg.WaitLoad()
}

func (p *rodPage) ClickForPopup(ctx context.Context, selector string) (Page, error) {
	pg := p.page.Context(ctx)
	el, err := pg.Element(selector)
	if err != nil {
		return nil, fmt.Errorf("trigger %q: %w", selector, err)
	}
	wait := pg.WaitOpen()
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return nil, err
	}
	popup, err := wait()
	if err != nil {
		return nil, err
	}
	return &rodPage{page: popup}, nil
}

func (p *rodPage) WaitIdle(ctx context.Context) error {
	d := 10 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		d = time.Until(deadline)
	}
	return p.page.Context(ctx).WaitIdle(d)
}

func (p *rodPage) HTML(ctx context.Context) (string, error) {
	return p.page.Context(ctx).HTML()
}

func (p *rodPage) Screenshot(ctx context.Context) ([]byte, error) {
	return p.page.Context(ctx).Screenshot(true, nil)
}

func (p *rodPage) Close() error {
	return p.page.Close()
}
