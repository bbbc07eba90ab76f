package browser

import (
	"time"

	"github.com/playwright-community/playwright-go"
)

// Session represents an open browser session with its associated resources.
// A Session is owned by exactly one worker and is not safe for concurrent use.
type Session struct {
	// Name is the unique identifier for this session
	Name string

	// Browser is the Playwright browser instance
	Browser playwright.Browser

	// Context is the browser context (isolated cookies and storage)
	Context playwright.BrowserContext

	// Page is the current active page
	Page playwright.Page

	// Headless indicates if the browser is running in headless mode
	Headless bool

	// CreatedAt is the timestamp when the session was created
	CreatedAt time.Time

	// LastUsedAt is the timestamp of the last operation on this session
	LastUsedAt time.Time

	// CurrentURL is the URL of the current page
	CurrentURL string

	manager *SessionManager
	timeout time.Duration
}

// SessionOptions configures a new browser session.
type SessionOptions struct {
	// Headless controls whether the browser runs without a visible window
	Headless bool

	// Viewport sets the initial viewport size
	Viewport *Viewport

	// Timeout is the default bound for a single browser call
	Timeout time.Duration

	// ExecutablePath points at a specific Chrome/Chromium binary (optional)
	ExecutablePath string

	// Args are extra command-line switches passed to the browser
	Args []string

	// UserAgent overrides the browser's user agent when set
	UserAgent string

	// DisableImages skips image loading to speed up page loads
	DisableImages bool
}

// Viewport represents the browser viewport dimensions.
type Viewport struct {
	Width  int
	Height int
}

// Default values for session creation
const (
	DefaultTimeout        = 5 * time.Second
	DefaultViewportWidth  = 1280
	DefaultViewportHeight = 900
	DefaultMaxSessions    = 8
)

// stealthArgs are launch switches that remove the most obvious automation markers.
var stealthArgs = []string{
	"--disable-blink-features=AutomationControlled",
	"--disable-dev-shm-usage",
	"--no-sandbox",
	"--disable-extensions",
	"--disable-gpu",
	"--disable-features=VizDisplayCompositor",
}

// hideWebdriverScript runs before any page script in every frame.
const hideWebdriverScript = `Object.defineProperty(navigator, 'webdriver', {get: () => undefined})`
