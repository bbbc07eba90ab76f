package locator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/entrhq/calcharvest/pkg/browser"
)

// Role is a semantic UI part of the calculator wizard.
type Role string

const (
	RoleMode          Role = "mode"
	RoleCategory      Role = "category"
	RoleCountry       Role = "country"
	RoleState         Role = "state"
	RoleNext          Role = "next"
	RolePrev          Role = "prev"
	RoleInput         Role = "input"
	RoleUnitSelect    Role = "unit_select"
	RoleResult        Role = "result"
	RoleConsentAccept Role = "consent_accept"
)

// Roles lists every role the navigator resolves.
var Roles = []Role{
	RoleMode, RoleCategory, RoleCountry, RoleState, RoleNext, RolePrev,
	RoleInput, RoleUnitSelect, RoleResult, RoleConsentAccept,
}

// Match is the condition an element must satisfy to resolve a role.
type Match int

const (
	// MatchInteractable requires a displayed and enabled element.
	MatchInteractable Match = iota
	// MatchVisible requires a displayed element.
	MatchVisible
	// MatchPresent accepts any attached element.
	MatchPresent
)

// Spec is the ordered strategy list for one role.
type Spec struct {
	Match      Match
	Strategies []browser.Selector
}

// Table maps each role to its strategies. It is built once at startup,
// validated, and then shared read-only by every worker.
type Table map[Role]Spec

// Placeholders substituted by Expand.
const (
	VarMode       = "${mode}"
	VarCategory   = "${category}"
	VarInputLabel = "${input_label}"
	VarResultUnit = "${result_unit}"
)

func x(expr string) browser.Selector { return browser.XPath(expr) }
func c(expr string) browser.Selector { return browser.CSS(expr) }

// DefaultTable returns the strategies for the known markup variants of the
// calculator, most specific first.
func DefaultTable() Table {
	return Table{
		RoleMode: {Match: MatchInteractable, Strategies: []browser.Selector{
			x("//a[contains(text(), '${mode}')]"),
			x("//button[contains(text(), '${mode}')]"),
			x("//div[contains(text(), '${mode}')]"),
			x("//span[contains(text(), '${mode}')]"),
			x("//input[@value='${mode}']"),
		}},
		RoleCategory: {Match: MatchInteractable, Strategies: []browser.Selector{
			x("//a[contains(text(), '${category}')]"),
			x("//button[contains(text(), '${category}')]"),
			x("//div[contains(text(), '${category}')]"),
			x("//a[contains(@class, 'ico-home')]"),
		}},
		RoleCountry: {Match: MatchVisible, Strategies: []browser.Selector{
			c("select[name='country']"),
			c("select[id='country']"),
			c("select[data-name='country']"),
			c("div[role='listbox']"),
			c("input[placeholder*='country' i]"),
		}},
		RoleState: {Match: MatchPresent, Strategies: []browser.Selector{
			c("select[name='state']"),
			c("select[id='state']"),
			c("select[data-name='state']"),
		}},
		RoleNext: {Match: MatchInteractable, Strategies: []browser.Selector{
			x("//button[contains(text(), 'NEXT')]"),
			x("//button[contains(text(), 'Next')]"),
			x("//button[contains(text(), 'next')]"),
			x("//input[@value='NEXT']"),
			x("//input[@value='Next']"),
			x("//a[contains(text(), 'NEXT')]"),
			x("//div[contains(text(), 'NEXT')]"),
			x("//span[contains(text(), 'NEXT')]"),
		}},
		RolePrev: {Match: MatchInteractable, Strategies: []browser.Selector{
			x("//button[contains(text(), 'PREV')]"),
			x("//button[contains(text(), 'Prev')]"),
			x("//button[contains(text(), 'prev')]"),
			x("//button[contains(@class, 'btn-prev')]"),
		}},
		RoleInput: {Match: MatchInteractable, Strategies: []browser.Selector{
			x("//input[preceding-sibling::*[contains(text(), '${input_label}')]]"),
			x("//input[following-sibling::*[contains(text(), '${input_label}')]]"),
			x("//input[ancestor::*[contains(text(), '${input_label}')]]"),
			x("//input[@type='number']"),
			x("//input[@type='text']"),
			x("//input"),
		}},
		RoleUnitSelect: {Match: MatchVisible, Strategies: []browser.Selector{
			c("select"),
		}},
		RoleResult: {Match: MatchVisible, Strategies: []browser.Selector{
			x("//*[contains(text(), '${category}')]/following-sibling::*[contains(text(), '${result_unit}')]"),
			x("//*[contains(text(), '${result_unit}')]"),
			x("//*[contains(text(), 'CO2e')]"),
		}},
		RoleConsentAccept: {Match: MatchVisible, Strategies: []browser.Selector{
			x("//button[contains(text(), 'Accept')]"),
			x("//button[contains(text(), 'Accept All')]"),
			x("//button[contains(text(), 'OK')]"),
			x("//button[contains(text(), 'Close')]"),
			x("//a[contains(text(), 'Accept')]"),
			x("//a[contains(text(), 'Close')]"),
		}},
	}
}

// Override replaces the strategies of role with raw selectors, keeping its
// match condition.
func (t Table) Override(role Role, raw []string) error {
	spec, ok := t[role]
	if !ok {
		return fmt.Errorf("unknown locator role %q", role)
	}
	strategies := make([]browser.Selector, 0, len(raw))
	for i, r := range raw {
		sel, err := browser.ParseSelector(r)
		if err != nil {
			return fmt.Errorf("role %s strategy %d: %w", role, i, err)
		}
		strategies = append(strategies, sel)
	}
	spec.Strategies = strategies
	t[role] = spec
	return nil
}

// Expand returns a copy of the table with every placeholder in vars
// substituted into the selector expressions. In XPath selectors a quoted
// placeholder is replaced by a string literal that is valid whatever quotes
// the value holds.
func (t Table) Expand(vars map[string]string) Table {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	plain := make([]string, 0, len(vars)*2)
	quoted := make([]string, 0, len(vars)*6)
	for _, k := range keys {
		lit := XPathLiteral(vars[k])
		plain = append(plain, k, vars[k])
		quoted = append(quoted, "'"+k+"'", lit, `"`+k+`"`, lit, k, vars[k])
	}
	r := strings.NewReplacer(plain...)
	xr := strings.NewReplacer(quoted...)

	out := make(Table, len(t))
	for role, spec := range t {
		strategies := make([]browser.Selector, len(spec.Strategies))
		for i, sel := range spec.Strategies {
			expr := r.Replace(sel.Expr)
			if sel.Kind == browser.KindXPath {
				expr = xr.Replace(sel.Expr)
			}
			strategies[i] = browser.Selector{Kind: sel.Kind, Expr: expr}
		}
		out[role] = Spec{Match: spec.Match, Strategies: strategies}
	}
	return out
}

// XPathLiteral quotes s as an XPath 1.0 string literal. A value holding both
// quote characters becomes a concat() of single-quoted pieces.
func XPathLiteral(s string) string {
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	parts := strings.Split(s, "'")
	args := make([]string, 0, len(parts)*2-1)
	for i, p := range parts {
		if i > 0 {
			args = append(args, `"'"`)
		}
		if p != "" {
			args = append(args, "'"+p+"'")
		}
	}
	return "concat(" + strings.Join(args, ", ") + ")"
}

// Validate checks that every role has at least one well-formed strategy and
// that no placeholder was left unexpanded.
func (t Table) Validate() error {
	for _, role := range Roles {
		spec, ok := t[role]
		if !ok {
			return fmt.Errorf("locator table is missing role %q", role)
		}
		if len(spec.Strategies) == 0 {
			return fmt.Errorf("role %q has no strategies", role)
		}
		for i, sel := range spec.Strategies {
			if err := sel.Validate(); err != nil {
				return fmt.Errorf("role %q strategy %d: %w", role, i, err)
			}
			if strings.Contains(sel.Expr, "${") {
				return fmt.Errorf("role %q strategy %d has an unexpanded placeholder: %s", role, i, sel.Expr)
			}
		}
	}
	return nil
}
