package locator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/entrhq/calcharvest/pkg/browser"
	"github.com/entrhq/calcharvest/pkg/logging"
)

// ErrNotFound means no strategy for a role resolved within budget. It is an
// ordinary outcome; the caller decides whether to skip, default or escalate.
var ErrNotFound = errors.New("element not found")

// NotFoundError reports which role failed and how many strategies were tried.
type NotFoundError struct {
	Role  Role
	Tried int
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: no strategy for role %q resolved (%d tried)", ErrNotFound, e.Role, e.Tried)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// Options bound how long resolution may take.
type Options struct {
	// StrategyWait is how long one strategy is polled before moving on.
	StrategyWait time.Duration
	// Budget caps the whole resolution across all strategies.
	Budget time.Duration
	// Poll is the interval between queries of the same strategy.
	Poll time.Duration
}

// DefaultOptions mirrors the pacing of the live calculator.
func DefaultOptions() Options {
	return Options{
		StrategyWait: 2 * time.Second,
		Budget:       10 * time.Second,
		Poll:         100 * time.Millisecond,
	}
}

// Locator resolves roles to elements using a validated Table.
// It holds no per-page state and is safe for concurrent use.
type Locator struct {
	table Table
	opts  Options
	pacer Pacer
	log   *logging.Logger
}

// New validates table and returns a Locator over it.
func New(table Table, opts Options, pacer Pacer, log *logging.Logger) (*Locator, error) {
	if err := table.Validate(); err != nil {
		return nil, fmt.Errorf("invalid locator table: %w", err)
	}
	if opts.StrategyWait <= 0 || opts.Budget <= 0 || opts.Poll <= 0 {
		return nil, fmt.Errorf("locator waits must be positive: %+v", opts)
	}
	if pacer == nil {
		pacer = NoPacing{}
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Locator{table: table, opts: opts, pacer: pacer, log: log}, nil
}

// Pace pauses for a jittered base duration.
func (l *Locator) Pace(ctx context.Context, base time.Duration) {
	l.pacer.Pause(ctx, base)
}

// Locate returns the first element, in strategy order, that satisfies the
// role's match condition. Each strategy is polled for at most StrategyWait
// and the whole call for at most Budget. Once a strategy resolves, later
// strategies are not queried and earlier ones are not retried.
//
// A miss returns a *NotFoundError. A dead session returns an error wrapping
// browser.ErrSessionClosed immediately.
func (l *Locator) Locate(ctx context.Context, scope browser.Scope, role Role) (browser.Element, error) {
	spec, ok := l.table[role]
	if !ok {
		return nil, fmt.Errorf("unknown locator role %q", role)
	}

	ctx, cancel := context.WithTimeout(ctx, l.opts.Budget)
	defer cancel()

	tried := 0
	for i, sel := range spec.Strategies {
		if ctx.Err() != nil {
			break
		}
		tried++
		el, err := l.poll(ctx, scope, sel, spec.Match)
		if err != nil {
			return nil, err
		}
		if el != nil {
			l.log.Debugf("role %s resolved by strategy %d (%s)", role, i, sel)
			return el, nil
		}
	}
	return nil, &NotFoundError{Role: role, Tried: tried}
}

// FindAll returns every element matched by the first strategy of role that
// matches anything right now, without waiting.
func (l *Locator) FindAll(ctx context.Context, scope browser.Scope, role Role) ([]browser.Element, error) {
	spec, ok := l.table[role]
	if !ok {
		return nil, fmt.Errorf("unknown locator role %q", role)
	}
	for _, sel := range spec.Strategies {
		found, err := scope.Find(ctx, sel)
		if err != nil {
			if browser.IsSessionLost(err) {
				return nil, err
			}
			continue
		}
		var matched []browser.Element
		for _, el := range found {
			ok, err := satisfies(ctx, el, spec.Match)
			if err != nil {
				return nil, err
			}
			if ok {
				matched = append(matched, el)
			}
		}
		if len(matched) > 0 {
			return matched, nil
		}
	}
	return nil, nil
}

// poll queries sel until an element satisfies match or StrategyWait elapses.
// A nil element with a nil error is a miss.
func (l *Locator) poll(ctx context.Context, scope browser.Scope, sel browser.Selector, match Match) (browser.Element, error) {
	deadline := time.Now().Add(l.opts.StrategyWait)
	for {
		found, err := scope.Find(ctx, sel)
		if err != nil && browser.IsSessionLost(err) {
			return nil, err
		}
		for _, el := range found {
			ok, err := satisfies(ctx, el, match)
			if err != nil {
				return nil, err
			}
			if ok {
				return el, nil
			}
		}

		if !time.Now().Add(l.opts.Poll).Before(deadline) {
			return nil, nil
		}
		t := time.NewTimer(l.opts.Poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, nil
		case <-t.C:
		}
	}
}

// satisfies reports whether el meets match. Only a lost session is an error;
// any other failure to inspect the element counts as not matching.
func satisfies(ctx context.Context, el browser.Element, match Match) (bool, error) {
	if match == MatchPresent {
		return true, nil
	}
	visible, err := el.Visible(ctx)
	if err != nil {
		if browser.IsSessionLost(err) {
			return false, err
		}
		return false, nil
	}
	if !visible {
		return false, nil
	}
	if match == MatchVisible {
		return true, nil
	}
	enabled, err := el.Enabled(ctx)
	if err != nil {
		if browser.IsSessionLost(err) {
			return false, err
		}
		return false, nil
	}
	return enabled, nil
}
