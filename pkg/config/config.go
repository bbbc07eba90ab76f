// Package config loads and validates the run configuration of a harvest.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/entrhq/calcharvest/pkg/browser"
	"github.com/entrhq/calcharvest/pkg/export"
	"github.com/entrhq/calcharvest/pkg/harvest"
	"github.com/entrhq/calcharvest/pkg/locator"
	"github.com/entrhq/calcharvest/pkg/logging"
	"github.com/entrhq/calcharvest/pkg/wizard"
)

// Config is the full configuration of one harvest run.
type Config struct {
	// Calculator describes the deployment being driven
	Calculator CalculatorConfig `yaml:"calculator" json:"calculator"`

	// Run controls partitioning, recovery and checkpoint cadence
	Run RunConfig `yaml:"run" json:"run"`

	// Timeouts bound every wait
	Timeouts TimeoutConfig `yaml:"timeouts" json:"timeouts"`

	// Pacing jitters the pauses between interactions
	Pacing PacingConfig `yaml:"pacing" json:"pacing"`

	// Browser configures the automation sessions
	Browser BrowserConfig `yaml:"browser" json:"browser"`

	// Output configures exported files
	Output OutputConfig `yaml:"output" json:"output"`

	// Regions narrows or replaces the fetched region list
	Regions RegionConfig `yaml:"regions" json:"regions"`

	// Locators replaces the strategies of individual roles, keyed by role name
	Locators map[string][]string `yaml:"locators" json:"locators"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// CalculatorConfig names the calculator's entry point and labels.
type CalculatorConfig struct {
	StartURL             string `yaml:"start_url" json:"start_url"`
	FrameSelector        string `yaml:"frame_selector" json:"frame_selector"`
	ConsentFrameSelector string `yaml:"consent_frame_selector" json:"consent_frame_selector"`
	Mode                 string `yaml:"mode" json:"mode"`
	Category             string `yaml:"category" json:"category"`
	InputLabel           string `yaml:"input_label" json:"input_label"`
	ResultUnit           string `yaml:"result_unit" json:"result_unit"`
	Unit                 string `yaml:"unit" json:"unit"`
	Period               string `yaml:"period" json:"period"`
	CountryPlaceholder   string `yaml:"country_placeholder" json:"country_placeholder"`
}

// RunConfig fixes the shape of the run.
type RunConfig struct {
	Magnitudes      []float64     `yaml:"magnitudes" json:"magnitudes"`
	Workers         int           `yaml:"workers" json:"workers"`
	RestartEvery    int           `yaml:"restart_every" json:"restart_every"`       // Recycle the session after this many entities (K)
	CheckpointEvery int           `yaml:"checkpoint_every" json:"checkpoint_every"` // Checkpoint the shard after this many entities (C)
	Stagger         time.Duration `yaml:"stagger" json:"stagger"`
	ResetAttempts   int           `yaml:"reset_attempts" json:"reset_attempts"`
	RetryFaulted    bool          `yaml:"retry_faulted" json:"retry_faulted"` // Retry a faulted entity once on the fresh session
}

// TimeoutConfig bounds element resolution and navigation.
type TimeoutConfig struct {
	StrategyWait time.Duration `yaml:"strategy_wait" json:"strategy_wait"`
	LocateBudget time.Duration `yaml:"locate_budget" json:"locate_budget"`
	Poll         time.Duration `yaml:"poll" json:"poll"`
	Action       time.Duration `yaml:"action" json:"action"` // Default bound for a single browser call
	FrameWait    time.Duration `yaml:"frame_wait" json:"frame_wait"`
	ConsentWait  time.Duration `yaml:"consent_wait" json:"consent_wait"`
	StateSettle  time.Duration `yaml:"state_settle" json:"state_settle"`
}

// PacingConfig controls randomized pauses.
type PacingConfig struct {
	Disabled  bool          `yaml:"disabled" json:"disabled"`
	Variation time.Duration `yaml:"variation" json:"variation"`
	Floor     time.Duration `yaml:"floor" json:"floor"`
}

// BrowserConfig configures the browser sessions.
type BrowserConfig struct {
	Headless       bool     `yaml:"headless" json:"headless"`
	ExecutablePath string   `yaml:"executable_path" json:"executable_path"`
	Args           []string `yaml:"args" json:"args"`
	UserAgent      string   `yaml:"user_agent" json:"user_agent"`
	ViewportWidth  int      `yaml:"viewport_width" json:"viewport_width"`
	ViewportHeight int      `yaml:"viewport_height" json:"viewport_height"`
	DisableImages  bool     `yaml:"disable_images" json:"disable_images"`
}

// OutputConfig configures exported files.
type OutputConfig struct {
	Dir               string   `yaml:"dir" json:"dir"`
	Formats           []string `yaml:"formats" json:"formats"`
	FinalName         string   `yaml:"final_name" json:"final_name"`
	StateRequiredName string   `yaml:"state_required_name" json:"state_required_name"`
	RegionHeader      string   `yaml:"region_header" json:"region_header"`
	ColumnSuffix      string   `yaml:"column_suffix" json:"column_suffix"`
	Unavailable       string   `yaml:"unavailable" json:"unavailable"`
	Captures          bool     `yaml:"captures" json:"captures"` // Screenshot and DOM dump on navigation faults
}

// RegionConfig narrows the region list.
type RegionConfig struct {
	// Static is used when the live list cannot be read
	Static  []string `yaml:"static" json:"static"`
	Include []string `yaml:"include" json:"include"`
	Exclude []string `yaml:"exclude" json:"exclude"`
	Limit   int      `yaml:"limit" json:"limit"`
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	// Verbosity controls logging level: quiet, normal, verbose, debug
	Verbosity string `yaml:"verbosity" json:"verbosity"`
	Dir       string `yaml:"dir" json:"dir"`
}

// Default returns the configuration for the public calculator.
func Default() *Config {
	wcfg := wizard.DefaultConfig()
	lopts := locator.DefaultOptions()
	return &Config{
		Calculator: CalculatorConfig{
			StartURL:             wcfg.StartURL,
			FrameSelector:        wcfg.FrameSelector.String(),
			ConsentFrameSelector: wcfg.ConsentFrameSelector.String(),
			Mode:                 "Individual Calculator",
			Category:             "Home Energy",
			InputLabel:           "ELECTRICITY",
			ResultUnit:           "lbs CO2e",
			Unit:                 wcfg.Unit,
			Period:               wcfg.Period,
			CountryPlaceholder:   wcfg.CountryPlaceholder,
		},
		Run: RunConfig{
			Magnitudes:      []float64{1000, 5000, 10000, 25000, 50000, 100000},
			Workers:         4,
			RestartEvery:    50,
			CheckpointEvery: 10,
			Stagger:         500 * time.Millisecond,
			ResetAttempts:   wcfg.ResetAttempts,
		},
		Timeouts: TimeoutConfig{
			StrategyWait: lopts.StrategyWait,
			LocateBudget: lopts.Budget,
			Poll:         lopts.Poll,
			Action:       browser.DefaultTimeout,
			FrameWait:    wcfg.FrameWait,
			ConsentWait:  wcfg.ConsentWait,
			StateSettle:  wcfg.StateSettle,
		},
		Pacing: PacingConfig{
			Variation: 200 * time.Millisecond,
			Floor:     100 * time.Millisecond,
		},
		Browser: BrowserConfig{
			Headless:       true,
			ViewportWidth:  browser.DefaultViewportWidth,
			ViewportHeight: browser.DefaultViewportHeight,
			DisableImages:  true,
		},
		Output: OutputConfig{
			Dir:               "output",
			Formats:           []string{string(export.FormatXLSX), string(export.FormatCSV)},
			FinalName:         "results",
			StateRequiredName: "state_required",
			RegionHeader:      "Country",
			ColumnSuffix:      "kwh",
			Unavailable:       "N/A",
			Captures:          true,
		},
		Logging: LoggingConfig{
			Verbosity: "normal",
		},
	}
}

// Load reads a YAML file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration and fills unset optional values.
//
//nolint:gocyclo
func (c *Config) Validate() error {
	if c.Calculator.StartURL == "" {
		return fmt.Errorf("calculator.start_url is required")
	}
	for name, raw := range map[string]string{
		"calculator.frame_selector":         c.Calculator.FrameSelector,
		"calculator.consent_frame_selector": c.Calculator.ConsentFrameSelector,
	} {
		if _, err := browser.ParseSelector(raw); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}

	if len(c.Run.Magnitudes) == 0 {
		return fmt.Errorf("run.magnitudes must not be empty")
	}
	seen := make(map[float64]bool, len(c.Run.Magnitudes))
	for _, m := range c.Run.Magnitudes {
		if m < 0 {
			return fmt.Errorf("run.magnitudes cannot be negative: %v", m)
		}
		if seen[m] {
			return fmt.Errorf("run.magnitudes has duplicate value %v", m)
		}
		seen[m] = true
	}
	if c.Run.Workers < 1 {
		return fmt.Errorf("run.workers must be at least 1")
	}
	if c.Run.RestartEvery < 0 {
		return fmt.Errorf("run.restart_every cannot be negative")
	}
	if c.Run.CheckpointEvery < 0 {
		return fmt.Errorf("run.checkpoint_every cannot be negative")
	}
	if c.Run.Stagger < 0 {
		return fmt.Errorf("run.stagger cannot be negative")
	}
	if c.Run.ResetAttempts == 0 {
		c.Run.ResetAttempts = wizard.DefaultConfig().ResetAttempts
	}
	if c.Run.ResetAttempts < 0 {
		return fmt.Errorf("run.reset_attempts cannot be negative")
	}

	defaults := Default().Timeouts
	fill := func(d *time.Duration, def time.Duration) {
		if *d == 0 {
			*d = def
		}
	}
	fill(&c.Timeouts.StrategyWait, defaults.StrategyWait)
	fill(&c.Timeouts.LocateBudget, defaults.LocateBudget)
	fill(&c.Timeouts.Poll, defaults.Poll)
	fill(&c.Timeouts.Action, defaults.Action)
	fill(&c.Timeouts.FrameWait, defaults.FrameWait)
	fill(&c.Timeouts.ConsentWait, defaults.ConsentWait)
	for name, d := range map[string]time.Duration{
		"strategy_wait": c.Timeouts.StrategyWait,
		"locate_budget": c.Timeouts.LocateBudget,
		"poll":          c.Timeouts.Poll,
		"action":        c.Timeouts.Action,
		"frame_wait":    c.Timeouts.FrameWait,
		"consent_wait":  c.Timeouts.ConsentWait,
		"state_settle":  c.Timeouts.StateSettle,
	} {
		if d < 0 {
			return fmt.Errorf("timeouts.%s cannot be negative", name)
		}
	}
	if c.Timeouts.LocateBudget < c.Timeouts.StrategyWait {
		return fmt.Errorf("timeouts.locate_budget (%s) must not be shorter than timeouts.strategy_wait (%s)",
			c.Timeouts.LocateBudget, c.Timeouts.StrategyWait)
	}

	if c.Pacing.Variation < 0 || c.Pacing.Floor < 0 {
		return fmt.Errorf("pacing durations cannot be negative")
	}

	if c.Output.Dir == "" {
		c.Output.Dir = "output"
	}
	if len(c.Output.Formats) == 0 {
		return fmt.Errorf("output.formats must not be empty")
	}
	for _, f := range c.Output.Formats {
		if _, err := export.EncoderFor(export.Format(strings.ToLower(f))); err != nil {
			return fmt.Errorf("invalid output.formats: %w", err)
		}
	}
	if c.Output.FinalName == "" {
		c.Output.FinalName = "results"
	}
	if c.Output.StateRequiredName == "" {
		c.Output.StateRequiredName = "state_required"
	}
	if c.Output.FinalName == c.Output.StateRequiredName ||
		strings.HasPrefix(c.Output.FinalName, "checkpoint-") ||
		strings.HasPrefix(c.Output.FinalName, "shard-") {
		return fmt.Errorf("output.final_name %q collides with a shard or checkpoint name", c.Output.FinalName)
	}
	if c.Output.Unavailable == "" {
		c.Output.Unavailable = "N/A"
	}

	if c.Regions.Limit < 0 {
		return fmt.Errorf("regions.limit cannot be negative")
	}
	if _, err := NewRegionFilter(c.Regions.Include, c.Regions.Exclude); err != nil {
		return err
	}
	if _, err := c.LocatorTable(); err != nil {
		return err
	}

	// Set default verbosity if not specified
	if c.Logging.Verbosity == "" {
		c.Logging.Verbosity = "normal"
	}
	validLevels := map[string]bool{
		"quiet":   true,
		"normal":  true,
		"verbose": true,
		"debug":   true,
	}
	if !validLevels[c.Logging.Verbosity] {
		return fmt.Errorf("invalid logging verbosity: %s (must be 'quiet', 'normal', 'verbose', or 'debug')", c.Logging.Verbosity)
	}

	return nil
}

// LocatorTable builds the role table: defaults, then overrides, then the
// calculator labels substituted in.
func (c *Config) LocatorTable() (locator.Table, error) {
	table := locator.DefaultTable()
	for role, raw := range c.Locators {
		if err := table.Override(locator.Role(role), raw); err != nil {
			return nil, fmt.Errorf("invalid locators.%s: %w", role, err)
		}
	}
	table = table.Expand(map[string]string{
		locator.VarMode:       c.Calculator.Mode,
		locator.VarCategory:   c.Calculator.Category,
		locator.VarInputLabel: c.Calculator.InputLabel,
		locator.VarResultUnit: c.Calculator.ResultUnit,
	})
	if err := table.Validate(); err != nil {
		return nil, fmt.Errorf("invalid locator table: %w", err)
	}
	return table, nil
}

// LocatorOptions returns the resolution bounds.
func (c *Config) LocatorOptions() locator.Options {
	return locator.Options{
		StrategyWait: c.Timeouts.StrategyWait,
		Budget:       c.Timeouts.LocateBudget,
		Poll:         c.Timeouts.Poll,
	}
}

// Pacer returns the pause source for interactions.
func (c *Config) Pacer() locator.Pacer {
	if c.Pacing.Disabled {
		return locator.NoPacing{}
	}
	return locator.NewJitter(c.Pacing.Variation, c.Pacing.Floor)
}

// WizardConfig returns the navigator settings.
func (c *Config) WizardConfig() (wizard.Config, error) {
	frame, err := browser.ParseSelector(c.Calculator.FrameSelector)
	if err != nil {
		return wizard.Config{}, fmt.Errorf("invalid calculator.frame_selector: %w", err)
	}
	consent, err := browser.ParseSelector(c.Calculator.ConsentFrameSelector)
	if err != nil {
		return wizard.Config{}, fmt.Errorf("invalid calculator.consent_frame_selector: %w", err)
	}
	wcfg := wizard.Config{
		StartURL:             c.Calculator.StartURL,
		FrameSelector:        frame,
		ConsentFrameSelector: consent,
		CountryPlaceholder:   c.Calculator.CountryPlaceholder,
		Unit:                 c.Calculator.Unit,
		Period:               c.Calculator.Period,
		ResetAttempts:        c.Run.ResetAttempts,
		FrameWait:            c.Timeouts.FrameWait,
		ConsentWait:          c.Timeouts.ConsentWait,
		StateSettle:          c.Timeouts.StateSettle,
		Delays:               wizard.DefaultDelays(),
	}
	if c.Pacing.Disabled {
		wcfg.Delays = wizard.Delays{}
	}
	return wcfg, wcfg.Validate()
}

// SessionOptions returns the browser launch settings.
func (c *Config) SessionOptions() browser.SessionOptions {
	return browser.SessionOptions{
		Headless:       c.Browser.Headless,
		Viewport:       &browser.Viewport{Width: c.Browser.ViewportWidth, Height: c.Browser.ViewportHeight},
		Timeout:        c.Timeouts.Action,
		ExecutablePath: c.Browser.ExecutablePath,
		Args:           c.Browser.Args,
		UserAgent:      c.Browser.UserAgent,
		DisableImages:  c.Browser.DisableImages,
	}
}

// Formats returns the export formats.
func (c *Config) Formats() []export.Format {
	out := make([]export.Format, 0, len(c.Output.Formats))
	for _, f := range c.Output.Formats {
		out = append(out, export.Format(strings.ToLower(f)))
	}
	return out
}

// Layout returns the export column layout.
func (c *Config) Layout() export.Layout {
	return export.Layout{
		RegionHeader: c.Output.RegionHeader,
		ColumnSuffix: c.Output.ColumnSuffix,
		Unavailable:  c.Output.Unavailable,
	}
}

// LogLevel maps the verbosity onto a logger level.
func (c *Config) LogLevel() logging.Level {
	return logging.LevelFromVerbosity(c.Logging.Verbosity)
}

// HarvestOptions returns the orchestrator settings.
func (c *Config) HarvestOptions() (harvest.Options, error) {
	filter, err := c.RegionFilter()
	if err != nil {
		return harvest.Options{}, err
	}
	return harvest.Options{
		Workers:           c.Run.Workers,
		Magnitudes:        c.Run.Magnitudes,
		RestartEvery:      c.Run.RestartEvery,
		CheckpointEvery:   c.Run.CheckpointEvery,
		Stagger:           c.Run.Stagger,
		RetryFaulted:      c.Run.RetryFaulted,
		Captures:          c.Output.Captures,
		FinalName:         c.Output.FinalName,
		StateRequiredName: c.Output.StateRequiredName,
		Layout:            c.Layout(),
		StaticRegions:     c.Regions.Static,
		Filter:            filter,
		Limit:             c.Regions.Limit,
	}, nil
}
