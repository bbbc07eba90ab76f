// Package browsertest provides in-memory implementations of the browser
// interfaces for tests.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/entrhq/calcharvest/pkg/browser"
)

// ErrIntercepted is returned by Element.Click when Intercepted is set.
var ErrIntercepted = errors.New("element click intercepted")

// Element is a scriptable fake DOM element.
type Element struct {
	Tag      string
	Label    string
	Hidden   bool
	Disabled bool

	// Intercepted makes direct clicks fail as if an overlay covered the element.
	Intercepted bool
	// OnClick runs on a successful click of either kind.
	OnClick func() error

	// OptionLabels are the labels of a select element's options.
	OptionLabels []string
	Selected     string
	// OnSelect runs after SelectLabel changes the selection.
	OnSelect func(label string) error

	Value string
	// OnType runs after Type or Press changes the value.
	OnType func(value string) error

	// Err, when set, is returned from every call, e.g. browser.ErrSessionClosed.
	Err error

	mu                 sync.Mutex
	Clicks             int
	ProgrammaticClicks int
	Scrolls            int
	Keys               []string
}

func (e *Element) Visible(context.Context) (bool, error) {
	if e.Err != nil {
		return false, e.Err
	}
	return !e.Hidden, nil
}

func (e *Element) Enabled(context.Context) (bool, error) {
	if e.Err != nil {
		return false, e.Err
	}
	return !e.Disabled, nil
}

func (e *Element) TagName(context.Context) (string, error) {
	return e.Tag, e.Err
}

func (e *Element) Text(context.Context) (string, error) {
	if e.Err != nil {
		return "", e.Err
	}
	return e.Label, nil
}

func (e *Element) Click(context.Context) error {
	if e.Err != nil {
		return e.Err
	}
	if e.Intercepted {
		return ErrIntercepted
	}
	e.mu.Lock()
	e.Clicks++
	e.mu.Unlock()
	if e.OnClick != nil {
		return e.OnClick()
	}
	return nil
}

func (e *Element) ClickProgrammatic(context.Context) error {
	if e.Err != nil {
		return e.Err
	}
	e.mu.Lock()
	e.ProgrammaticClicks++
	e.mu.Unlock()
	if e.OnClick != nil {
		return e.OnClick()
	}
	return nil
}

func (e *Element) ScrollIntoView(context.Context) error {
	if e.Err != nil {
		return e.Err
	}
	e.mu.Lock()
	e.Scrolls++
	e.mu.Unlock()
	return nil
}

func (e *Element) Clear(context.Context) error {
	if e.Err != nil {
		return e.Err
	}
	e.Value = ""
	return nil
}

func (e *Element) Type(_ context.Context, value string) error {
	if e.Err != nil {
		return e.Err
	}
	e.Value += value
	if e.OnType != nil {
		return e.OnType(e.Value)
	}
	return nil
}

func (e *Element) Press(_ context.Context, key string) error {
	if e.Err != nil {
		return e.Err
	}
	e.mu.Lock()
	e.Keys = append(e.Keys, key)
	e.mu.Unlock()
	if e.OnType != nil {
		return e.OnType(e.Value)
	}
	return nil
}

func (e *Element) Options(context.Context) ([]string, error) {
	if e.Err != nil {
		return nil, e.Err
	}
	if e.Tag != "select" {
		return nil, fmt.Errorf("%s is not a select", e.Tag)
	}
	return append([]string(nil), e.OptionLabels...), nil
}

func (e *Element) SelectedOption(context.Context) (string, error) {
	if e.Err != nil {
		return "", e.Err
	}
	if e.Selected == "" && len(e.OptionLabels) > 0 {
		return e.OptionLabels[0], nil
	}
	return e.Selected, nil
}

func (e *Element) SelectLabel(_ context.Context, label string) error {
	if e.Err != nil {
		return e.Err
	}
	if e.Tag != "select" {
		return fmt.Errorf("%s is not a select", e.Tag)
	}
	for _, l := range e.OptionLabels {
		if l == label {
			e.Selected = label
			if e.OnSelect != nil {
				return e.OnSelect(label)
			}
			return nil
		}
	}
	return fmt.Errorf("no option %q", label)
}

// Call records one Find invocation.
type Call struct {
	Selector browser.Selector
	At       time.Time
}

// Scope is a fake document. Resolve decides what each selector matches at
// the moment it is queried, so tests can model a page that changes state.
type Scope struct {
	Resolve func(sel browser.Selector) []browser.Element
	Frames  map[string]browser.Scope
	HTML    string
	Err     error

	mu    sync.Mutex
	calls []Call
}

// NewScope returns a scope whose matches come from a static table keyed by
// the selector's String form.
func NewScope(table map[string][]browser.Element) *Scope {
	return &Scope{
		Resolve: func(sel browser.Selector) []browser.Element {
			return table[sel.String()]
		},
		Frames: make(map[string]browser.Scope),
	}
}

func (s *Scope) Find(_ context.Context, sel browser.Selector) ([]browser.Element, error) {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Selector: sel, At: time.Now()})
	s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	if s.Resolve == nil {
		return nil, nil
	}
	return s.Resolve(sel), nil
}

func (s *Scope) Frame(_ context.Context, sel browser.Selector, _ time.Duration) (browser.Scope, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	if f, ok := s.Frames[sel.String()]; ok && f != nil {
		return f, nil
	}
	return nil, fmt.Errorf("frame %s did not attach", sel)
}

func (s *Scope) Snapshot(context.Context) (string, error) {
	return s.HTML, s.Err
}

// Calls returns the Find invocations so far, in order.
func (s *Scope) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallsFor counts Find invocations for sel.
func (s *Scope) CallsFor(sel browser.Selector) int {
	n := 0
	for _, c := range s.Calls() {
		if c.Selector == sel {
			n++
		}
	}
	return n
}

// Page is a fake browser tab.
type Page struct {
	RootScope browser.Scope
	OnGoto    func(url string) error
	OnReload  func() error
	GotoErr   error

	mu          sync.Mutex
	Gotos       []string
	Reloads     int
	Screenshots []string
	Closed      bool
}

func (p *Page) Goto(_ context.Context, url string) error {
	p.mu.Lock()
	p.Gotos = append(p.Gotos, url)
	p.mu.Unlock()
	if p.GotoErr != nil {
		return p.GotoErr
	}
	if p.OnGoto != nil {
		return p.OnGoto(url)
	}
	return nil
}

func (p *Page) Reload(context.Context) error {
	p.mu.Lock()
	p.Reloads++
	p.mu.Unlock()
	if p.OnReload != nil {
		return p.OnReload()
	}
	return nil
}

func (p *Page) Root() browser.Scope { return p.RootScope }

func (p *Page) Screenshot(_ context.Context, path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Screenshots = append(p.Screenshots, path)
	return nil
}

func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed = true
	return nil
}

// IsClosed reports whether Close was called.
func (p *Page) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Closed
}

// Opener hands out pages built by New; Err makes every Open fail.
type Opener struct {
	New func(name string) (browser.Page, error)
	Err error

	mu     sync.Mutex
	Opened []string
}

func (o *Opener) Open(ctx context.Context, name string) (browser.Page, error) {
	o.mu.Lock()
	o.Opened = append(o.Opened, name)
	o.mu.Unlock()
	if o.Err != nil {
		return nil, o.Err
	}
	return o.New(name)
}

// OpenCount returns how many pages have been requested.
func (o *Opener) OpenCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.Opened)
}
