package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"
)

// UpdateLastUsed updates the LastUsedAt timestamp to the current time.
func (s *Session) UpdateLastUsed() {
	s.LastUsedAt = time.Now()
}

// Goto navigates the session's page to url and waits for DOMContentLoaded.
func (s *Session) Goto(ctx context.Context, url string) error {
	s.UpdateLastUsed()

	waitUntil := playwright.WaitUntilState("domcontentloaded")
	_, err := s.Page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: &waitUntil,
		Timeout:   timeoutMs(ctx, 6*s.timeout),
	})
	if err != nil {
		return fmt.Errorf("navigation failed: %w", wrapErr(err))
	}

	s.CurrentURL = s.Page.URL()
	return nil
}

// Reload reloads the current page.
func (s *Session) Reload(ctx context.Context) error {
	s.UpdateLastUsed()

	waitUntil := playwright.WaitUntilState("domcontentloaded")
	if _, err := s.Page.Reload(playwright.PageReloadOptions{
		WaitUntil: &waitUntil,
		Timeout:   timeoutMs(ctx, 6*s.timeout),
	}); err != nil {
		return fmt.Errorf("reload failed: %w", wrapErr(err))
	}
	return nil
}

// Root returns the top-level document of the page.
func (s *Session) Root() Scope {
	return &pageScope{session: s}
}

// Screenshot captures the full page into path.
func (s *Session) Screenshot(ctx context.Context, path string) error {
	s.UpdateLastUsed()

	if _, err := s.Page.Screenshot(playwright.PageScreenshotOptions{
		FullPage: playwright.Bool(true),
		Path:     playwright.String(path),
		Timeout:  timeoutMs(ctx, 2*s.timeout),
	}); err != nil {
		return fmt.Errorf("screenshot failed: %w", wrapErr(err))
	}
	return nil
}

// Close releases the session through its manager.
func (s *Session) Close() error {
	if s.manager == nil {
		return closeResources(s)
	}
	return s.manager.CloseSession(s.Name)
}

// pageScope resolves selectors against the top-level document.
type pageScope struct {
	session *Session
}

func (p *pageScope) Find(ctx context.Context, sel Selector) ([]Element, error) {
	p.session.UpdateLastUsed()
	return findAll(p.session.Page.Locator(sel.String()), p.session.timeout)
}

func (p *pageScope) Frame(ctx context.Context, sel Selector, wait time.Duration) (Scope, error) {
	if err := waitAttached(ctx, p.session.Page.Locator(sel.String()), wait); err != nil {
		return nil, fmt.Errorf("frame %s did not attach: %w", sel, err)
	}
	return &frameScope{session: p.session, frame: p.session.Page.FrameLocator(sel.String())}, nil
}

func (p *pageScope) Snapshot(ctx context.Context) (string, error) {
	content, err := p.session.Page.Content()
	if err != nil {
		return "", fmt.Errorf("page content: %w", wrapErr(err))
	}
	return content, nil
}

// frameScope resolves selectors inside a nested frame.
type frameScope struct {
	session *Session
	frame   playwright.FrameLocator
}

func (f *frameScope) Find(ctx context.Context, sel Selector) ([]Element, error) {
	f.session.UpdateLastUsed()
	return findAll(f.frame.Locator(sel.String()), f.session.timeout)
}

func (f *frameScope) Frame(ctx context.Context, sel Selector, wait time.Duration) (Scope, error) {
	if err := waitAttached(ctx, f.frame.Locator(sel.String()), wait); err != nil {
		return nil, fmt.Errorf("frame %s did not attach: %w", sel, err)
	}
	return &frameScope{session: f.session, frame: f.frame.FrameLocator(sel.String())}, nil
}

func (f *frameScope) Snapshot(ctx context.Context) (string, error) {
	out, err := f.frame.Locator(":root").Evaluate("el => el.outerHTML", nil, playwright.LocatorEvaluateOptions{
		Timeout: timeoutMs(ctx, f.session.timeout),
	})
	if err != nil {
		return "", fmt.Errorf("frame content: %w", wrapErr(err))
	}
	html, _ := out.(string)
	return html, nil
}

func waitAttached(ctx context.Context, loc playwright.Locator, wait time.Duration) error {
	state := playwright.WaitForSelectorState("attached")
	if err := loc.First().WaitFor(playwright.LocatorWaitForOptions{
		State:   &state,
		Timeout: timeoutMs(ctx, wait),
	}); err != nil {
		return wrapErr(err)
	}
	return nil
}

func findAll(loc playwright.Locator, timeout time.Duration) ([]Element, error) {
	matches, err := loc.All()
	if err != nil {
		err = wrapErr(err)
		if IsSessionLost(err) {
			return nil, err
		}
		// Malformed or detached queries resolve to nothing.
		return nil, nil
	}
	elements := make([]Element, 0, len(matches))
	for _, m := range matches {
		elements = append(elements, &locatorElement{loc: m, timeout: timeout})
	}
	return elements, nil
}

// locatorElement adapts a single-match Playwright locator to Element.
type locatorElement struct {
	loc     playwright.Locator
	timeout time.Duration
}

func (e *locatorElement) Visible(ctx context.Context) (bool, error) {
	ok, err := e.loc.IsVisible()
	return ok, wrapErr(err)
}

func (e *locatorElement) Enabled(ctx context.Context) (bool, error) {
	ok, err := e.loc.IsEnabled(playwright.LocatorIsEnabledOptions{Timeout: timeoutMs(ctx, e.timeout)})
	return ok, wrapErr(err)
}

func (e *locatorElement) TagName(ctx context.Context) (string, error) {
	out, err := e.loc.Evaluate("el => el.tagName.toLowerCase()", nil, playwright.LocatorEvaluateOptions{
		Timeout: timeoutMs(ctx, e.timeout),
	})
	if err != nil {
		return "", wrapErr(err)
	}
	tag, _ := out.(string)
	return tag, nil
}

func (e *locatorElement) Text(ctx context.Context) (string, error) {
	text, err := e.loc.InnerText(playwright.LocatorInnerTextOptions{Timeout: timeoutMs(ctx, e.timeout)})
	return text, wrapErr(err)
}

func (e *locatorElement) Click(ctx context.Context) error {
	return wrapErr(e.loc.Click(playwright.LocatorClickOptions{Timeout: timeoutMs(ctx, e.timeout)}))
}

func (e *locatorElement) ClickProgrammatic(ctx context.Context) error {
	_, err := e.loc.Evaluate("el => el.click()", nil, playwright.LocatorEvaluateOptions{
		Timeout: timeoutMs(ctx, e.timeout),
	})
	return wrapErr(err)
}

func (e *locatorElement) ScrollIntoView(ctx context.Context) error {
	return wrapErr(e.loc.ScrollIntoViewIfNeeded(playwright.LocatorScrollIntoViewIfNeededOptions{
		Timeout: timeoutMs(ctx, e.timeout),
	}))
}

func (e *locatorElement) Clear(ctx context.Context) error {
	return wrapErr(e.loc.Clear(playwright.LocatorClearOptions{Timeout: timeoutMs(ctx, e.timeout)}))
}

func (e *locatorElement) Type(ctx context.Context, value string) error {
	tag, err := e.TagName(ctx)
	if err != nil {
		return err
	}
	if tag == "input" || tag == "textarea" {
		return wrapErr(e.loc.Fill(value, playwright.LocatorFillOptions{Timeout: timeoutMs(ctx, e.timeout)}))
	}
	return wrapErr(e.loc.PressSequentially(value, playwright.LocatorPressSequentiallyOptions{
		Delay:   playwright.Float(40),
		Timeout: timeoutMs(ctx, e.timeout),
	}))
}

func (e *locatorElement) Press(ctx context.Context, key string) error {
	return wrapErr(e.loc.Press(key, playwright.LocatorPressOptions{Timeout: timeoutMs(ctx, e.timeout)}))
}

func (e *locatorElement) Options(ctx context.Context) ([]string, error) {
	texts, err := e.loc.Locator("option").AllTextContents()
	if err != nil {
		return nil, wrapErr(err)
	}
	labels := make([]string, 0, len(texts))
	for _, t := range texts {
		labels = append(labels, strings.TrimSpace(t))
	}
	return labels, nil
}

func (e *locatorElement) SelectedOption(ctx context.Context) (string, error) {
	out, err := e.loc.Evaluate(
		"el => el.selectedIndex >= 0 ? el.options[el.selectedIndex].text : ''", nil,
		playwright.LocatorEvaluateOptions{Timeout: timeoutMs(ctx, e.timeout)},
	)
	if err != nil {
		return "", wrapErr(err)
	}
	label, _ := out.(string)
	return strings.TrimSpace(label), nil
}

func (e *locatorElement) SelectLabel(ctx context.Context, label string) error {
	_, err := e.loc.SelectOption(
		playwright.SelectOptionValues{Labels: &[]string{label}},
		playwright.LocatorSelectOptionOptions{Timeout: timeoutMs(ctx, e.timeout)},
	)
	return wrapErr(err)
}

// timeoutMs converts the tighter of ctx's deadline and fallback into the
// millisecond timeout Playwright options expect.
func timeoutMs(ctx context.Context, fallback time.Duration) *float64 {
	d := fallback
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < d {
			d = remaining
		}
	}
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return playwright.Float(float64(d.Milliseconds()))
}

// wrapErr maps Playwright's closed-target errors onto ErrSessionClosed.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, playwright.ErrTargetClosed) {
		return fmt.Errorf("%w: %v", ErrSessionClosed, err)
	}
	return err
}
