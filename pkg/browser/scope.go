package browser

import (
	"context"
	"errors"
	"time"
)

// ErrSessionClosed reports that the underlying browser, context or page is gone.
// Every call on a session that returns an error wrapping it will keep failing;
// the owner must discard the session and open a new one.
var ErrSessionClosed = errors.New("browser session closed")

// IsSessionLost reports whether err means the session can no longer be used.
func IsSessionLost(err error) bool {
	return errors.Is(err, ErrSessionClosed)
}

// Element is a single resolved DOM element.
//
// Handles may go stale when the page re-renders; callers that need a fresh
// element should resolve it again instead of holding on to one.
type Element interface {
	Visible(ctx context.Context) (bool, error)
	Enabled(ctx context.Context) (bool, error)
	TagName(ctx context.Context) (string, error)
	Text(ctx context.Context) (string, error)

	// Click dispatches a real pointer click. It fails if another element
	// would receive the click.
	Click(ctx context.Context) error
	// ClickProgrammatic invokes the element's click() from script, bypassing
	// hit testing.
	ClickProgrammatic(ctx context.Context) error
	ScrollIntoView(ctx context.Context) error

	Clear(ctx context.Context) error
	Type(ctx context.Context, value string) error
	Press(ctx context.Context, key string) error

	// Options returns the visible labels of a <select>'s options in order.
	Options(ctx context.Context) ([]string, error)
	// SelectedOption returns the label of the currently selected option.
	SelectedOption(ctx context.Context) (string, error)
	// SelectLabel selects the option whose visible label equals label.
	SelectLabel(ctx context.Context, label string) error
}

// Scope is a document that selectors resolve against: the top-level page
// or a nested frame.
type Scope interface {
	// Find returns every element currently matching sel. An empty slice with
	// a nil error means nothing matched.
	Find(ctx context.Context, sel Selector) ([]Element, error)

	// Frame waits up to wait for the frame element matched by sel to attach
	// and returns a scope inside it.
	Frame(ctx context.Context, sel Selector, wait time.Duration) (Scope, error)

	// Snapshot returns the serialized DOM of this scope.
	Snapshot(ctx context.Context) (string, error)
}

// Page is one browser tab.
type Page interface {
	Goto(ctx context.Context, url string) error
	Reload(ctx context.Context) error
	Root() Scope
	// Screenshot captures the full page as PNG into path.
	Screenshot(ctx context.Context, path string) error
	Close() error
}

// Opener allocates fresh, isolated browser pages.
type Opener interface {
	Open(ctx context.Context, name string) (Page, error)
}
