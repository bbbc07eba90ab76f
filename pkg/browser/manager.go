package browser

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

// SessionManager owns the Playwright driver and every browser session
// opened through it. Each session runs its own browser process so a crash or
// slowdown in one worker never leaks into another.
type SessionManager struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	pending     int
	playwright  *playwright.Playwright
	defaults    SessionOptions
	maxSessions int
	initialized bool
}

// NewSessionManager creates a session manager that opens sessions with defaults.
func NewSessionManager(defaults SessionOptions) *SessionManager {
	return &SessionManager{
		sessions:    make(map[string]*Session),
		defaults:    defaults,
		maxSessions: DefaultMaxSessions,
	}
}

// Initialize installs (if needed) and starts the Playwright driver.
// This must be called before opening any sessions.
func (m *SessionManager) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return nil
	}

	opts := &playwright.RunOptions{
		Browsers: []string{"chromium"},
		Verbose:  false,
		Stdout:   io.Discard,
		Stderr:   io.Discard,
	}
	if err := playwright.Install(opts); err != nil {
		return fmt.Errorf("failed to install playwright: %w", err)
	}

	pw, err := playwright.Run(opts)
	if err != nil {
		return fmt.Errorf("failed to start playwright: %w", err)
	}

	m.playwright = pw
	m.initialized = true
	return nil
}

// Open implements Opener using the manager's default session options.
func (m *SessionManager) Open(ctx context.Context, name string) (Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.StartSession(name, m.defaults)
}

// StartSession launches a browser and opens a page for a new named session.
// The launch itself runs outside the manager lock so workers can start in parallel.
func (m *SessionManager) StartSession(name string, opts SessionOptions) (*Session, error) {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return nil, fmt.Errorf("session manager not initialized")
	}
	if _, exists := m.sessions[name]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("session %q already exists", name)
	}
	if len(m.sessions)+m.pending >= m.maxSessions {
		m.mu.Unlock()
		return nil, fmt.Errorf("maximum number of sessions (%d) reached", m.maxSessions)
	}
	m.pending++
	pw := m.playwright
	m.mu.Unlock()

	session, err := launch(pw, name, opts)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending--
	if err != nil {
		return nil, err
	}
	session.manager = m
	m.sessions[name] = session
	return session, nil
}

func launch(pw *playwright.Playwright, name string, opts SessionOptions) (*Session, error) {
	if opts.Viewport == nil {
		opts.Viewport = &Viewport{Width: DefaultViewportWidth, Height: DefaultViewportHeight}
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}

	args := append([]string{}, stealthArgs...)
	if opts.DisableImages {
		args = append(args, "--blink-settings=imagesEnabled=false")
	}
	args = append(args, opts.Args...)

	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(opts.Headless),
		Args:     args,
	}
	if opts.ExecutablePath != "" {
		launchOpts.ExecutablePath = playwright.String(opts.ExecutablePath)
	}
	browser, err := pw.Chromium.Launch(launchOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	contextOpts := playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{
			Width:  opts.Viewport.Width,
			Height: opts.Viewport.Height,
		},
	}
	if opts.UserAgent != "" {
		contextOpts.UserAgent = playwright.String(opts.UserAgent)
	}
	bctx, err := browser.NewContext(contextOpts)
	if err != nil {
		browser.Close()
		return nil, fmt.Errorf("failed to create context: %w", err)
	}
	if err := bctx.AddInitScript(playwright.Script{Content: playwright.String(hideWebdriverScript)}); err != nil {
		bctx.Close()
		browser.Close()
		return nil, fmt.Errorf("failed to install init script: %w", err)
	}

	page, err := bctx.NewPage()
	if err != nil {
		bctx.Close()
		browser.Close()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	page.SetDefaultTimeout(float64(opts.Timeout.Milliseconds()))

	now := time.Now()
	return &Session{
		Name:       name,
		Browser:    browser,
		Context:    bctx,
		Page:       page,
		Headless:   opts.Headless,
		CreatedAt:  now,
		LastUsedAt: now,
		CurrentURL: "about:blank",
		timeout:    opts.Timeout,
	}, nil
}

// CloseSession closes and removes a browser session.
func (m *SessionManager) CloseSession(name string) error {
	m.mu.Lock()
	session, exists := m.sessions[name]
	delete(m.sessions, name)
	m.mu.Unlock()

	if !exists {
		return fmt.Errorf("session %q not found", name)
	}
	return closeResources(session)
}

func closeResources(session *Session) error {
	// A dead browser fails every close call; only the browser close matters.
	_ = session.Page.Close()
	_ = session.Context.Close()
	if err := session.Browser.Close(); err != nil {
		return fmt.Errorf("close browser for session %q: %w", session.Name, err)
	}
	return nil
}

// ListSessions returns information about all open sessions.
func (m *SessionManager) ListSessions() []SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(m.sessions))
	for _, session := range m.sessions {
		infos = append(infos, SessionInfo{
			Name:       session.Name,
			CurrentURL: session.CurrentURL,
			Headless:   session.Headless,
			CreatedAt:  session.CreatedAt,
			LastUsedAt: session.LastUsedAt,
		})
	}
	return infos
}

// Shutdown closes all sessions and stops Playwright.
func (m *SessionManager) Shutdown() error {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var errs []error
	for _, session := range sessions {
		if err := closeResources(session); err != nil {
			errs = append(errs, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized && m.playwright != nil {
		if err := m.playwright.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop playwright: %w", err))
		}
		m.initialized = false
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}
	return nil
}

// SetMaxSessions sets the maximum number of concurrent sessions.
func (m *SessionManager) SetMaxSessions(max int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxSessions = max
}

// SessionInfo contains metadata about a browser session.
type SessionInfo struct {
	Name       string
	CurrentURL string
	Headless   bool
	CreatedAt  time.Time
	LastUsedAt time.Time
}
