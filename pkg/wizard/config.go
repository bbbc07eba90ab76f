package wizard

import (
	"fmt"
	"time"

	"github.com/entrhq/calcharvest/pkg/browser"
)

// Delays are the base pauses around interactions. Each is jittered by the
// locator's pacer before use.
type Delays struct {
	PageLoad    time.Duration
	FrameSettle time.Duration
	Click       time.Duration
	Select      time.Duration
	Type        time.Duration
	Scroll      time.Duration
	Extract     time.Duration
	Retreat     time.Duration
}

// DefaultDelays matches the rhythm the live calculator tolerates.
func DefaultDelays() Delays {
	return Delays{
		PageLoad:    2500 * time.Millisecond,
		FrameSettle: 1500 * time.Millisecond,
		Click:       time.Second,
		Select:      time.Second,
		Type:        500 * time.Millisecond,
		Scroll:      300 * time.Millisecond,
		Extract:     1500 * time.Millisecond,
		Retreat:     500 * time.Millisecond,
	}
}

// Config describes the calculator deployment a Navigator drives.
type Config struct {
	StartURL             string
	FrameSelector        browser.Selector
	ConsentFrameSelector browser.Selector

	// CountryPlaceholder is the label of the empty first country option.
	CountryPlaceholder string
	Unit               string
	Period             string

	// ResetAttempts bounds the retreats tried before falling back to a reload.
	ResetAttempts int
	FrameWait     time.Duration
	ConsentWait   time.Duration
	// StateSettle is how long to wait before re-reading a sparse state list.
	StateSettle time.Duration

	Delays Delays
}

// DefaultConfig returns the settings for the public calculator.
func DefaultConfig() Config {
	return Config{
		StartURL:             "https://terrapass.com/carbon-footprint-calculator/",
		FrameSelector:        browser.CSS("iframe.calculator"),
		ConsentFrameSelector: browser.CSS("#ifrmCookieBanner"),
		CountryPlaceholder:   "Country",
		Unit:                 "kWh",
		Period:               "per Month",
		ResetAttempts:        5,
		FrameWait:            15 * time.Second,
		ConsentWait:          250 * time.Millisecond,
		StateSettle:          500 * time.Millisecond,
		Delays:               DefaultDelays(),
	}
}

// Validate checks the fields a Navigator cannot run without.
func (c Config) Validate() error {
	if c.StartURL == "" {
		return fmt.Errorf("start URL is required")
	}
	if err := c.FrameSelector.Validate(); err != nil {
		return fmt.Errorf("frame selector: %w", err)
	}
	if err := c.ConsentFrameSelector.Validate(); err != nil {
		return fmt.Errorf("consent frame selector: %w", err)
	}
	if c.ResetAttempts < 1 {
		return fmt.Errorf("reset attempts must be at least 1, got %d", c.ResetAttempts)
	}
	if c.FrameWait <= 0 {
		return fmt.Errorf("frame wait must be positive")
	}
	return nil
}
