// Package browser drives Chromium through Playwright for the calculator harvester.
//
// The package exposes two layers:
//
//  1. SessionManager and Session: Playwright lifecycle. Each session owns its own
//     browser process, context and page, launched with automation markers removed.
//  2. Page, Scope and Element: the narrow surface the navigation engine is written
//     against. Session implements Page; frames and the top-level document are
//     Scopes; resolved nodes are Elements.
//
// Everything above this package treats the browser as opaque and talks only to
// the interfaces, which keeps the navigation engine testable with the in-memory
// fakes in browsertest.
//
// # Errors
//
// Calls on a session whose browser, context or page has died return errors
// wrapping ErrSessionClosed. Callers use IsSessionLost to tell a dead session
// apart from an ordinary miss, such as an element that is not on the page.
//
// # Example Usage
//
//	manager := browser.NewSessionManager(browser.SessionOptions{Headless: true})
//	if err := manager.Initialize(); err != nil {
//	    return err
//	}
//	defer manager.Shutdown()
//
//	page, err := manager.Open(ctx, "worker-1")
//	if err != nil {
//	    return err
//	}
//	defer page.Close()
//
//	_ = page.Goto(ctx, "https://example.com/calculator/")
//	frame, err := page.Root().Frame(ctx, browser.CSS("iframe.calculator"), 5*time.Second)
package browser
