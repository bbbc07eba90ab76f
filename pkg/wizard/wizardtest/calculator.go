// Package wizardtest simulates the calculator wizard on top of the
// browsertest fakes, so navigation and harvesting can be tested without a
// browser.
package wizardtest

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/entrhq/calcharvest/pkg/browser"
	"github.com/entrhq/calcharvest/pkg/browser/browsertest"
	"github.com/entrhq/calcharvest/pkg/locator"
	"github.com/entrhq/calcharvest/pkg/wizard"
)

// Vars are the placeholder values the simulated markup is written for.
var Vars = map[string]string{
	locator.VarMode:       "Individual Calculator",
	locator.VarCategory:   "Home Energy",
	locator.VarInputLabel: "ELECTRICITY",
	locator.VarResultUnit: "lbs CO2e",
}

// Table returns the default locator table expanded with Vars.
func Table() locator.Table {
	return locator.DefaultTable().Expand(Vars)
}

// Config returns a wizard config for the simulated site with no pauses.
func Config() wizard.Config {
	cfg := wizard.DefaultConfig()
	cfg.StartURL = "https://calculator.test/"
	cfg.StateSettle = 0
	cfg.Delays = wizard.Delays{}
	return cfg
}

type step int

const (
	stepMode step = iota
	stepCategory
	stepCountry
	stepInput
	stepResult
)

// Site holds what every simulated page shares: the markup variant, the
// region list and any injected faults.
type Site struct {
	Regions []string
	// States maps a region to the secondary regions it requires.
	States map[string][]string
	// Rates maps a region to its factor; unlisted regions use DefaultRate.
	Rates       map[string]float64
	DefaultRate float64

	// NextStrategy is the index of the "next" strategy the markup answers to.
	NextStrategy int
	// Consent shows a consent banner over the forward control until accepted.
	Consent bool
	// NoFrame keeps the calculator frame from ever attaching.
	NoFrame bool
	// BrokenPrev disables the back control on the input step.
	BrokenPrev bool
	// TypedCountry renders the region control as a text box.
	TypedCountry bool

	table locator.Table
	cfg   wizard.Config

	mu      sync.Mutex
	crashes map[string]int
	pages   []*Calculator
}

// NewSite returns a site listing regions in order.
func NewSite(regions ...string) *Site {
	return &Site{
		Regions:     regions,
		States:      make(map[string][]string),
		Rates:       make(map[string]float64),
		DefaultRate: 0.85,
		table:       Table(),
		cfg:         Config(),
		crashes:     make(map[string]int),
	}
}

// CrashOn kills the session the next times selections of entity.
func (s *Site) CrashOn(entity string, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.crashes[entity] = times
}

func (s *Site) takeCrash(entity string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.crashes[entity] > 0 {
		s.crashes[entity]--
		return true
	}
	return false
}

// Expect returns the value the site computes for entity at magnitude.
func (s *Site) Expect(entity string, magnitude float64) float64 {
	rate, ok := s.Rates[entity]
	if !ok {
		rate = s.DefaultRate
	}
	return magnitude * rate
}

// Opener returns an opener that hands out a fresh simulated page per call.
func (s *Site) Opener() *browsertest.Opener {
	return &browsertest.Opener{New: func(string) (browser.Page, error) {
		return s.NewPage().Page, nil
	}}
}

// Pages returns every page created so far.
func (s *Site) Pages() []*Calculator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Calculator(nil), s.pages...)
}

// NewPage builds one simulated browser tab.
func (s *Site) NewPage() *Calculator {
	c := &Calculator{site: s, keys: make(map[locator.Role]string)}
	for _, role := range locator.Roles {
		c.keys[role] = s.table[role].Strategies[0].String()
	}
	c.keys[locator.RoleNext] = s.table[locator.RoleNext].Strategies[s.NextStrategy].String()

	c.Mode = &browsertest.Element{Tag: "a", Label: Vars[locator.VarMode], OnClick: c.onMode}
	c.Category = &browsertest.Element{Tag: "a", Label: Vars[locator.VarCategory], OnClick: c.onCategory}
	if s.TypedCountry {
		c.Country = &browsertest.Element{Tag: "input", OnType: c.onTypedCountry}
	} else {
		c.Country = &browsertest.Element{
			Tag:          "select",
			OptionLabels: append([]string{s.cfg.CountryPlaceholder}, s.Regions...),
			OnSelect:     c.onCountry,
		}
	}
	c.State = &browsertest.Element{Tag: "select", Hidden: true}
	c.Next = &browsertest.Element{Tag: "button", Label: "NEXT", OnClick: c.onNext}
	c.Prev = &browsertest.Element{Tag: "button", Label: "PREV", OnClick: c.onPrev}
	c.Input = &browsertest.Element{Tag: "input"}
	c.Unit = &browsertest.Element{Tag: "select", OptionLabels: []string{"MWh", s.cfg.Unit}}
	c.Period = &browsertest.Element{Tag: "select", OptionLabels: []string{"per Year", s.cfg.Period}}
	c.Result = &browsertest.Element{Tag: "div"}
	c.Accept = &browsertest.Element{Tag: "button", Label: "Accept", OnClick: c.onAccept}

	c.frame = &browsertest.Scope{Resolve: c.resolve, Frames: make(map[string]browser.Scope), HTML: c.html()}
	c.banner = &browsertest.Scope{Resolve: c.resolveBanner}
	c.root = &browsertest.Scope{Frames: make(map[string]browser.Scope)}
	c.Page = &browsertest.Page{RootScope: c.root, OnGoto: func(string) error { c.load(); return nil }, OnReload: func() error { c.load(); return nil }}

	s.mu.Lock()
	s.pages = append(s.pages, c)
	s.mu.Unlock()
	return c
}

// Calculator is one simulated tab running the wizard.
type Calculator struct {
	Page *browsertest.Page

	Mode, Category, Country, State *browsertest.Element
	Next, Prev, Input              *browsertest.Element
	Unit, Period, Result, Accept   *browsertest.Element

	site   *Site
	keys   map[locator.Role]string
	root   *browsertest.Scope
	frame  *browsertest.Scope
	banner *browsertest.Scope

	mu       sync.Mutex
	step     step
	country  string
	dead     bool
	consent  bool
	selected []string
}

// Selected returns every region selected on this page, in order.
func (c *Calculator) Selected() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.selected...)
}

// Dead reports whether the page's session was killed.
func (c *Calculator) Dead() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dead
}

// Frame returns the scope of the calculator frame.
func (c *Calculator) Frame() *browsertest.Scope { return c.frame }

func (c *Calculator) load() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.step = stepMode
	c.country = ""
	c.Country.Selected = ""
	c.Country.Value = ""
	c.Input.Value = ""
	c.Unit.Selected = ""
	c.Period.Selected = ""
	c.consent = c.site.Consent
	c.Next.Intercepted = c.consent
	if c.consent {
		c.frame.Frames[c.site.cfg.ConsentFrameSelector.String()] = c.banner
	}
	if !c.site.NoFrame {
		c.root.Frames[c.site.cfg.FrameSelector.String()] = c.frame
	}
}

func (c *Calculator) resolve(sel browser.Selector) []browser.Element {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := sel.String()
	is := func(role locator.Role) bool { return c.keys[role] == key }

	switch c.step {
	case stepMode:
		if is(locator.RoleMode) {
			return []browser.Element{c.Mode}
		}
	case stepCategory:
		if is(locator.RoleCategory) {
			return []browser.Element{c.Category}
		}
	case stepCountry:
		switch {
		case is(locator.RoleCountry):
			return []browser.Element{c.Country}
		case is(locator.RoleState) && c.country != "":
			return []browser.Element{c.State}
		case is(locator.RoleNext):
			return []browser.Element{c.Next}
		case is(locator.RolePrev):
			return []browser.Element{c.Prev}
		}
	case stepInput:
		switch {
		case is(locator.RoleInput):
			return []browser.Element{c.Input}
		case is(locator.RoleUnitSelect):
			return []browser.Element{c.Unit, c.Period}
		case is(locator.RoleNext):
			return []browser.Element{c.Next}
		case is(locator.RolePrev) && !c.site.BrokenPrev:
			return []browser.Element{c.Prev}
		}
	case stepResult:
		switch {
		case is(locator.RoleResult):
			return []browser.Element{c.Result}
		case is(locator.RolePrev):
			return []browser.Element{c.Prev}
		}
	}
	return nil
}

func (c *Calculator) resolveBanner(sel browser.Selector) []browser.Element {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.consent && sel.String() == c.keys[locator.RoleConsentAccept] {
		return []browser.Element{c.Accept}
	}
	return nil
}

func (c *Calculator) onMode() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.step == stepMode {
		c.step = stepCategory
	}
	return nil
}

func (c *Calculator) onCategory() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.step == stepCategory {
		c.step = stepCountry
	}
	return nil
}

func (c *Calculator) onCountry(label string) error {
	if c.site.takeCrash(label) {
		c.kill()
		return fmt.Errorf("%w: page crashed", browser.ErrSessionClosed)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.country = label
	c.selected = append(c.selected, label)
	if label == c.site.cfg.CountryPlaceholder {
		c.country = ""
	}
	c.State.OptionLabels = append([]string{"State"}, c.site.States[label]...)
	return nil
}

func (c *Calculator) onTypedCountry(value string) error {
	c.mu.Lock()
	same := c.country == value
	c.mu.Unlock()
	if same {
		return nil
	}
	for _, r := range c.site.Regions {
		if r == value {
			return c.onCountry(value)
		}
	}
	return nil
}

func (c *Calculator) onNext() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.step {
	case stepCountry:
		if c.country != "" {
			c.step = stepInput
		}
	case stepInput:
		c.Result.Label = c.resultText()
		c.step = stepResult
	}
	return nil
}

func (c *Calculator) onPrev() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.step {
	case stepResult:
		c.step = stepInput
	case stepInput:
		c.step = stepCountry
	case stepCountry:
		c.step = stepCategory
	}
	return nil
}

func (c *Calculator) onAccept() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consent = false
	c.Next.Intercepted = false
	delete(c.frame.Frames, c.site.cfg.ConsentFrameSelector.String())
	return nil
}

// resultText renders the result line, or a dash when the input or the unit
// and period lists are not what the calculator needs.
func (c *Calculator) resultText() string {
	m, err := strconv.ParseFloat(strings.TrimSpace(c.Input.Value), 64)
	unit, period := c.Unit.Selected, c.Period.Selected
	if err != nil || unit != c.site.cfg.Unit || period != c.site.cfg.Period {
		return Vars[locator.VarCategory] + ": - " + Vars[locator.VarResultUnit]
	}
	v := c.site.Expect(c.country, m)
	return fmt.Sprintf("%s %s", thousands(v), Vars[locator.VarResultUnit])
}

// kill makes every later call on this page fail as a closed session.
func (c *Calculator) kill() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dead = true
	closed := fmt.Errorf("%w: target closed", browser.ErrSessionClosed)
	c.root.Err = closed
	c.frame.Err = closed
	for _, el := range []*browsertest.Element{
		c.Mode, c.Category, c.Country, c.State, c.Next, c.Prev,
		c.Input, c.Unit, c.Period, c.Result, c.Accept,
	} {
		el.Err = closed
	}
}

func (c *Calculator) html() string {
	var b strings.Builder
	b.WriteString(`<html><body><select name="country">`)
	fmt.Fprintf(&b, "<option>%s</option>", c.site.cfg.CountryPlaceholder)
	for _, r := range c.site.Regions {
		fmt.Fprintf(&b, "<option>%s</option>", r)
	}
	b.WriteString(`</select></body></html>`)
	return b.String()
}

// thousands formats v with comma separators and up to two decimals.
func thousands(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	intPart, frac, _ := strings.Cut(s, ".")
	var b strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if frac != "" {
		b.WriteByte('.')
		b.WriteString(frac)
	}
	return b.String()
}
