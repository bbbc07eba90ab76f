// Package wizard drives the calculator's linear step sequence.
//
// A Navigator owns one browser page. Steps report success with a boolean
// rather than an error; a missing element is an ordinary outcome. Only a
// lost session or a page that never reaches the expected state surfaces as
// a *NavigationFault, which tells the caller to rebuild the session.
package wizard

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/entrhq/calcharvest/pkg/browser"
	"github.com/entrhq/calcharvest/pkg/locator"
	"github.com/entrhq/calcharvest/pkg/logging"
)

// State is the Navigator's position in the wizard.
type State int

const (
	StateUnloaded State = iota
	StateEntry
	StateModeSelected
	StateCategorySelected
	StateCountrySelected
	StateStateRequired
	StateInputStage
	StateResultStage
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateEntry:
		return "entry"
	case StateModeSelected:
		return "mode-selected"
	case StateCategorySelected:
		return "category-selected"
	case StateCountrySelected:
		return "country-selected"
	case StateStateRequired:
		return "state-required"
	case StateInputStage:
		return "input"
	case StateResultStage:
		return "result"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Navigator walks the calculator for one page. It is not safe for
// concurrent use; each worker owns its own.
type Navigator struct {
	page browser.Page
	loc  *locator.Locator
	cfg  Config
	log  *logging.Logger

	frame  browser.Scope
	state  State
	entity string

	// lost is the first session-lost error seen by any step.
	lost error
}

// NewNavigator binds a page to a locator and deployment config.
func NewNavigator(page browser.Page, loc *locator.Locator, cfg Config, log *logging.Logger) (*Navigator, error) {
	if page == nil || loc == nil {
		return nil, errors.New("navigator needs a page and a locator")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid wizard config: %w", err)
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Navigator{page: page, loc: loc, cfg: cfg, log: log}, nil
}

// State returns the current wizard position.
func (n *Navigator) State() State { return n.state }

// Lost returns the session-lost error recorded by an earlier step, if any.
func (n *Navigator) Lost() error { return n.lost }

// Page returns the page this navigator drives.
func (n *Navigator) Page() browser.Page { return n.page }

// Enter loads the start page and switches into the calculator frame.
func (n *Navigator) Enter(ctx context.Context) error {
	n.state = StateUnloaded
	n.frame = nil
	if err := n.page.Goto(ctx, n.cfg.StartURL); err != nil {
		n.note(err)
		return &NavigationFault{Step: "enter", Err: err}
	}
	n.loc.Pace(ctx, n.cfg.Delays.PageLoad)
	return n.attachFrame(ctx)
}

func (n *Navigator) attachFrame(ctx context.Context) error {
	frame, err := n.page.Root().Frame(ctx, n.cfg.FrameSelector, n.cfg.FrameWait)
	if err != nil {
		n.note(err)
		return &NavigationFault{Step: "enter", Err: err}
	}
	n.frame = frame
	n.state = StateEntry
	n.loc.Pace(ctx, n.cfg.Delays.FrameSettle)
	return nil
}

// SelectMode clicks the calculator mode. A missing control is tolerated on
// the assumption that the deployment already defaults to it.
func (n *Navigator) SelectMode(ctx context.Context) bool {
	ok := n.clickRole(ctx, locator.RoleMode)
	if !ok {
		n.log.Debugf("mode control not found, assuming default")
	}
	n.state = StateModeSelected
	return ok
}

// SelectCategory clicks the input category, best effort like SelectMode.
func (n *Navigator) SelectCategory(ctx context.Context) bool {
	ok := n.clickRole(ctx, locator.RoleCategory)
	if !ok {
		n.log.Debugf("category control not found, assuming default")
	}
	n.state = StateCategorySelected
	return ok
}

// SelectCountry chooses entity in the region control. A list control must
// offer entity's exact label; any other control is typed into and confirmed.
func (n *Navigator) SelectCountry(ctx context.Context, entity string) bool {
	return n.selectCountry(ctx, entity) == selectDone
}

type selectResult int

const (
	selectDone selectResult = iota
	// selectAbsent means the region list was read and lacks the label.
	selectAbsent
	// selectNoControl means the region control could not be used at all.
	selectNoControl
)

func (n *Navigator) selectCountry(ctx context.Context, entity string) selectResult {
	el, ok := n.locate(ctx, locator.RoleCountry)
	if !ok {
		return selectNoControl
	}

	tag, err := el.TagName(ctx)
	if err != nil {
		n.note(err)
		return selectNoControl
	}

	if tag == "select" {
		options, err := el.Options(ctx)
		if err != nil {
			n.note(err)
			return selectNoControl
		}
		if !contains(options, entity) {
			n.log.Warnf("%q is not offered by the region list (%d options)", entity, len(options))
			return selectAbsent
		}
		if err := el.SelectLabel(ctx, entity); err != nil {
			n.note(err)
			return selectNoControl
		}
	} else {
		if err := n.typeInto(ctx, el, entity); err != nil {
			n.note(err)
			return selectNoControl
		}
		if err := el.Press(ctx, "Enter"); err != nil {
			n.note(err)
			return selectNoControl
		}
	}

	n.loc.Pace(ctx, n.cfg.Delays.Select)
	n.entity = entity
	n.state = StateCountrySelected
	return selectDone
}

// CheckStateRequirement reports whether the selected region exposes a
// populated secondary region list. More than one option, placeholder
// included, counts as populated; a sparse list is re-read once after
// StateSettle since it fills asynchronously.
func (n *Navigator) CheckStateRequirement(ctx context.Context) bool {
	count, ok := n.stateOptionCount(ctx)
	if !ok {
		return false
	}
	if count <= 1 && n.cfg.StateSettle > 0 {
		n.loc.Pace(ctx, n.cfg.StateSettle)
		count, ok = n.stateOptionCount(ctx)
		if !ok {
			return false
		}
	}
	if count > 1 {
		n.state = StateStateRequired
		return true
	}
	return false
}

func (n *Navigator) stateOptionCount(ctx context.Context) (int, bool) {
	els, err := n.loc.FindAll(ctx, n.frame, locator.RoleState)
	if err != nil {
		n.note(err)
		return 0, false
	}
	if len(els) == 0 {
		return 0, false
	}
	options, err := els[0].Options(ctx)
	if err == nil {
		return len(options), true
	}
	if browser.IsSessionLost(err) {
		n.note(err)
		return 0, false
	}

	html, err := n.frame.Snapshot(ctx)
	if err != nil {
		n.note(err)
		return 0, false
	}
	labels, found, err := browser.SelectOptionsFromSnapshot(html, "state")
	if err != nil || !found {
		return 0, false
	}
	return len(labels), true
}

// Advance clicks the forward control.
func (n *Navigator) Advance(ctx context.Context) bool {
	n.dismissConsent(ctx)
	if !n.clickRole(ctx, locator.RoleNext) {
		return false
	}
	switch n.state {
	case StateCountrySelected:
		n.state = StateInputStage
	case StateInputStage:
		n.state = StateResultStage
	}
	return true
}

// Retreat clicks the back control.
func (n *Navigator) Retreat(ctx context.Context) bool {
	n.dismissConsent(ctx)
	if !n.clickRole(ctx, locator.RolePrev) {
		return false
	}
	n.loc.Pace(ctx, n.cfg.Delays.Retreat)
	switch n.state {
	case StateResultStage:
		n.state = StateInputStage
	case StateInputStage:
		n.state = StateCountrySelected
	}
	return true
}

// SetInputMagnitude writes m into a freshly resolved entry field and forces
// every unit and period list present to the configured labels.
func (n *Navigator) SetInputMagnitude(ctx context.Context, m float64) bool {
	el, ok := n.locate(ctx, locator.RoleInput)
	if !ok {
		return false
	}
	if err := n.typeInto(ctx, el, FormatMagnitude(m)); err != nil {
		n.note(err)
		return false
	}
	n.loc.Pace(ctx, n.cfg.Delays.Type)
	n.forceUnits(ctx)
	return n.lost == nil
}

func (n *Navigator) forceUnits(ctx context.Context) {
	selects, err := n.loc.FindAll(ctx, n.frame, locator.RoleUnitSelect)
	if err != nil {
		n.note(err)
		return
	}
	for _, sel := range selects {
		options, err := sel.Options(ctx)
		if err != nil {
			n.note(err)
			continue
		}
		for _, want := range []string{n.cfg.Unit, n.cfg.Period} {
			if want == "" || !contains(options, want) {
				continue
			}
			if cur, err := sel.SelectedOption(ctx); err == nil && cur == want {
				continue
			}
			if err := sel.SelectLabel(ctx, want); err != nil {
				n.note(err)
			}
		}
	}
}

// ExtractResult reads the computed value from the result step. The boolean
// is false when no result element resolves or none holds a number.
func (n *Navigator) ExtractResult(ctx context.Context) (float64, bool) {
	n.loc.Pace(ctx, n.cfg.Delays.Extract)
	el, ok := n.locate(ctx, locator.RoleResult)
	if !ok {
		return 0, false
	}
	if v, ok := n.parseElement(ctx, el); ok {
		return v, true
	}

	// The first visible match may be a heading; try the others.
	els, err := n.loc.FindAll(ctx, n.frame, locator.RoleResult)
	if err != nil {
		n.note(err)
		return 0, false
	}
	for _, other := range els {
		if v, ok := n.parseElement(ctx, other); ok {
			return v, true
		}
	}
	return 0, false
}

func (n *Navigator) parseElement(ctx context.Context, el browser.Element) (float64, bool) {
	text, err := el.Text(ctx)
	if err != nil {
		n.note(err)
		return 0, false
	}
	v, err := ParseMeasurement(text)
	if err != nil {
		n.log.Debugf("%s: %v", n.entity, err)
		return 0, false
	}
	return v, true
}

// ResetToEntry returns to the region step. It retreats up to ResetAttempts
// times and confirms the region list is back to its placeholder; failing
// that it reloads the page and replays the opening steps.
func (n *Navigator) ResetToEntry(ctx context.Context) error {
	for i := 0; i < n.cfg.ResetAttempts; i++ {
		if n.atRegionStep(ctx) {
			n.state = StateCountrySelected
			return nil
		}
		if n.lost != nil {
			return &NavigationFault{Step: "reset", Err: n.lost}
		}
		if !n.Retreat(ctx) {
			break
		}
	}
	if n.atRegionStep(ctx) {
		n.state = StateCountrySelected
		return nil
	}
	if n.lost != nil {
		return &NavigationFault{Step: "reset", Err: n.lost}
	}

	n.log.Infof("retreat did not reach the region step, reloading")
	if err := n.page.Reload(ctx); err != nil {
		n.note(err)
		return &NavigationFault{Step: "reset", Err: err}
	}
	n.loc.Pace(ctx, n.cfg.Delays.PageLoad)
	if err := n.attachFrame(ctx); err != nil {
		return &NavigationFault{Step: "reset", Err: err}
	}
	n.SelectMode(ctx)
	n.SelectCategory(ctx)
	if !n.atRegionStep(ctx) {
		err := n.lost
		if err == nil {
			err = errors.New("region list not reachable after reload")
		}
		return &NavigationFault{Step: "reset", Err: err}
	}
	n.state = StateCountrySelected
	return nil
}

// atRegionStep reports whether the region list is showing with its
// placeholder as the first option.
func (n *Navigator) atRegionStep(ctx context.Context) bool {
	if n.frame == nil {
		return false
	}
	els, err := n.loc.FindAll(ctx, n.frame, locator.RoleCountry)
	if err != nil {
		n.note(err)
		return false
	}
	if len(els) == 0 {
		return false
	}
	options, err := els[0].Options(ctx)
	if err != nil {
		n.note(err)
		// A typed region control has no options to probe.
		return n.lost == nil
	}
	return len(options) > 0 && options[0] == n.cfg.CountryPlaceholder
}

// Regions reads the authoritative region list from the region step, without
// the placeholder or blank labels. When the live control cannot be read, a
// DOM snapshot of the frame is parsed instead.
func (n *Navigator) Regions(ctx context.Context) ([]string, error) {
	if n.frame == nil {
		return nil, errors.New("navigator has not entered the calculator")
	}
	var labels []string
	if el, ok := n.locate(ctx, locator.RoleCountry); ok {
		if options, err := el.Options(ctx); err == nil {
			labels = options
		} else {
			n.note(err)
		}
	}
	if n.lost != nil {
		return nil, n.lost
	}
	if regions := n.stripPlaceholder(labels); len(regions) > 0 {
		return regions, nil
	}

	n.log.Warnf("region list unreadable, parsing frame snapshot")
	html, err := n.frame.Snapshot(ctx)
	if err != nil {
		n.note(err)
		return nil, fmt.Errorf("snapshot frame: %w", err)
	}
	labels, found, err := browser.SelectOptionsFromSnapshot(html, "country")
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.New("no region list in frame snapshot")
	}
	regions := n.stripPlaceholder(labels)
	if len(regions) == 0 {
		return nil, errors.New("region list is empty")
	}
	return regions, nil
}

func (n *Navigator) stripPlaceholder(labels []string) []string {
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		l = strings.TrimSpace(l)
		if l == "" || l == n.cfg.CountryPlaceholder {
			continue
		}
		out = append(out, l)
	}
	return out
}

// dismissConsent accepts the consent banner if its frame is attached. The
// banner frame lives inside the calculator frame.
func (n *Navigator) dismissConsent(ctx context.Context) {
	if n.frame == nil {
		return
	}
	banner, err := n.frame.Frame(ctx, n.cfg.ConsentFrameSelector, n.cfg.ConsentWait)
	if err != nil {
		n.note(err)
		return
	}
	buttons, err := n.loc.FindAll(ctx, banner, locator.RoleConsentAccept)
	if err != nil {
		n.note(err)
		return
	}
	if len(buttons) == 0 {
		return
	}
	if err := buttons[0].Click(ctx); err != nil {
		n.note(err)
		return
	}
	n.log.Debugf("dismissed consent banner")
	n.loc.Pace(ctx, n.cfg.Delays.Retreat)
}

func (n *Navigator) locate(ctx context.Context, role locator.Role) (browser.Element, bool) {
	if n.frame == nil {
		return nil, false
	}
	el, err := n.loc.Locate(ctx, n.frame, role)
	if err != nil {
		n.note(err)
		return nil, false
	}
	return el, true
}

func (n *Navigator) clickRole(ctx context.Context, role locator.Role) bool {
	el, ok := n.locate(ctx, role)
	if !ok {
		return false
	}
	if err := n.click(ctx, el); err != nil {
		n.note(err)
		return false
	}
	n.loc.Pace(ctx, n.cfg.Delays.Click)
	return true
}

// click scrolls el into view and clicks it, falling back to a scripted
// click when something else would receive the pointer event.
func (n *Navigator) click(ctx context.Context, el browser.Element) error {
	if err := el.ScrollIntoView(ctx); err != nil && browser.IsSessionLost(err) {
		return err
	}
	n.loc.Pace(ctx, n.cfg.Delays.Scroll)
	err := el.Click(ctx)
	if err == nil || browser.IsSessionLost(err) {
		return err
	}
	n.log.Debugf("direct click failed (%v), using scripted click", err)
	return el.ClickProgrammatic(ctx)
}

func (n *Navigator) typeInto(ctx context.Context, el browser.Element, value string) error {
	if err := el.Clear(ctx); err != nil {
		return err
	}
	return el.Type(ctx, value)
}

// note records session loss; any other error is only logged.
func (n *Navigator) note(err error) {
	if err == nil {
		return
	}
	if browser.IsSessionLost(err) {
		if n.lost == nil {
			n.lost = err
			n.log.Warnf("session lost: %v", err)
		}
		return
	}
	var nf *locator.NotFoundError
	if errors.As(err, &nf) {
		n.log.Debugf("%v", err)
		return
	}
	n.log.Debugf("step error: %v", err)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
