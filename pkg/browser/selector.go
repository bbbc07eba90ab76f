package browser

import (
	"fmt"
	"strings"
)

// SelectorKind names the query language of a Selector.
type SelectorKind string

const (
	KindCSS   SelectorKind = "css"
	KindXPath SelectorKind = "xpath"
	KindText  SelectorKind = "text"
)

// Selector is one element query in a specific query language.
type Selector struct {
	Kind SelectorKind
	Expr string
}

// CSS builds a CSS selector.
func CSS(expr string) Selector { return Selector{Kind: KindCSS, Expr: expr} }

// XPath builds an XPath selector.
func XPath(expr string) Selector { return Selector{Kind: KindXPath, Expr: expr} }

// String renders the selector in Playwright's "engine=body" form.
func (s Selector) String() string {
	return string(s.Kind) + "=" + s.Expr
}

// Validate checks that the selector has a known kind and a plausible body.
func (s Selector) Validate() error {
	expr := strings.TrimSpace(s.Expr)
	if expr == "" {
		return fmt.Errorf("empty %s selector", s.Kind)
	}
	switch s.Kind {
	case KindCSS, KindText:
		return nil
	case KindXPath:
		if !strings.HasPrefix(expr, "/") && !strings.HasPrefix(expr, "(") && !strings.HasPrefix(expr, ".") {
			return fmt.Errorf("xpath selector must start with '/', '(' or '.': %q", expr)
		}
		return nil
	default:
		return fmt.Errorf("unknown selector kind %q", s.Kind)
	}
}

// ParseSelector parses "css=...", "xpath=..." or "text=..." strings. A bare
// expression starting with '/' or '(' is taken as XPath, anything else as CSS.
func ParseSelector(raw string) (Selector, error) {
	raw = strings.TrimSpace(raw)
	if kind, expr, ok := strings.Cut(raw, "="); ok {
		switch SelectorKind(kind) {
		case KindCSS, KindXPath, KindText:
			sel := Selector{Kind: SelectorKind(kind), Expr: expr}
			return sel, sel.Validate()
		}
	}
	sel := CSS(raw)
	if strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "(") {
		sel = XPath(raw)
	}
	return sel, sel.Validate()
}
