// Package capture renders record detail pages. A small state machine drives
// a Browser through navigation, an optional popup and an idle wait,
// each bounded by its own timeout.
package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

type State string

const (
	StateNavigating    State = "NAVIGATING"
	StateAwaitingPopup State = "AWAITING_POPUP"
	StateLoaded        State = "LOADED"
	StateTimedOut      State = "TIMED_OUT"
)

var ErrTimedOut = errors.New("capture timed out")

type Page interface {
	// Navigate loads url and waits for the load event.
	Navigate(ctx context.Context, url string) error
	// ClickForPopup clicks the first element matching selector and returns
	// the page it opens.
	ClickForPopup(ctx context.Context, selector string) (Page, error)
	WaitIdle(ctx context.Context) error
	HTML(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
	Close() error
}

type Browser interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

type Timeouts struct {
	Navigate time.Duration
	Popup    time.Duration
	Idle     time.Duration
}

type Result struct {
	URL          string
	State        State
	Trail        []State
	HTML         string
	Screenshot   []byte
	IdleTimedOut bool
}

type Machine struct {
	browser    Browser
	timeouts   Timeouts
	trigger    string
	screenshot bool
	log        logrus.FieldLogger
}

// NewMachine captures through browser. A non-empty trigger is clicked after
// navigation and the popup it opens is captured instead.
func NewMachine(browser Browser, t Timeouts, trigger string, screenshot bool, log logrus.FieldLogger) *Machine {
	if t.Navigate <= 0 {
		t.Navigate = 60 * time.Second
	}
	if t.Popup <= 0 {
		t.Popup = 15 * time.Second
	}
	if t.Idle <= 0 {
		t.Idle = 10 * time.Second
	}
	return &Machine{browser: browser, timeouts: t, trigger: trigger, screenshot: screenshot, log: log}
}

type run struct {
	res *Result
	log logrus.FieldLogger
}

func (r *run) enter(s State) {
	r.res.State = s
	r.res.Trail = append(r.res.Trail, s)
	r.log.WithField("state", s).Debug("capture state")
}

// step runs fn under its own timeout. A deadline hit while the parent
// context is still live moves the machine to TIMED_OUT.
func (r *run) step(ctx context.Context, d time.Duration, fn func(ctx context.Context) error) (timedOut bool, err error) {
	stepCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	err = fn(stepCtx)
	if err != nil && ctx.Err() == nil && (errors.Is(err, context.DeadlineExceeded) || stepCtx.Err() != nil) {
		return true, err
	}
	return false, err
}

func (m *Machine) Capture(ctx context.Context, url string) (Result, error) {
	res := Result{URL: url}
	r := &run{res: &res, log: m.log.WithField("url", url)}

	page, err := m.browser.NewPage(ctx)
	if err != nil {
		return res, fmt.Errorf("open page: %w", err)
	}
	defer page.Close()

	r.enter(StateNavigating)
	if timedOut, err := r.step(ctx, m.timeouts.Navigate, func(ctx context.Context) error {
		return page.Navigate(ctx, url)
	}); err != nil {
		return m.fail(r, timedOut, StateNavigating, err)
	}

	target := page
	if m.trigger != "" {
		r.enter(StateAwaitingPopup)
		var popup Page
		if timedOut, err := r.step(ctx, m.timeouts.Popup, func(ctx context.Context) error {
			var err error
			popup, err = page.ClickForPopup(ctx, m.trigger)
			return err
		}); err != nil {
			return m.fail(r, timedOut, StateAwaitingPopup, err)
		}
		defer popup.Close()
		target = popup
	}

	if timedOut, err := r.step(ctx, m.timeouts.Idle, target.WaitIdle); err != nil {
		if !timedOut {
			return res, fmt.Errorf("wait idle: %w", err)
		}
		// the page has loaded; late background requests do not block capture
		res.IdleTimedOut = true
		r.log.WithField("timeout", m.timeouts.Idle).Warn("page never went idle, capturing anyway")
	}

	r.enter(StateLoaded)
	if res.HTML, err = target.HTML(ctx); err != nil {
		return res, fmt.Errorf("read html: %w", err)
	}
	if m.screenshot {
		if res.Screenshot, err = target.Screenshot(ctx); err != nil {
			r.log.WithError(err).Warn("screenshot failed")
		}
	}
	return res, nil
}

func (m *Machine) fail(r *run, timedOut bool, in State, err error) (Result, error) {
	if timedOut {
		r.enter(StateTimedOut)
		r.log.WithField("during", in).Warn("capture timed out")
		return *r.res, fmt.Errorf("%w during %s: %v", ErrTimedOut, in, err)
	}
	return *r.res, fmt.Errorf("%s: %w", in, err)
}
