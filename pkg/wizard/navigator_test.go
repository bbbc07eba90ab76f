package wizard_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/calcharvest/pkg/browser"
	"github.com/entrhq/calcharvest/pkg/locator"
	"github.com/entrhq/calcharvest/pkg/wizard"
	"github.com/entrhq/calcharvest/pkg/wizard/wizardtest"
)

func newNavigator(t *testing.T, site *wizardtest.Site) (*wizard.Navigator, *wizardtest.Calculator) {
	t.Helper()
	calc := site.NewPage()
	loc, err := locator.New(wizardtest.Table(), locator.Options{
		StrategyWait: 2 * time.Millisecond,
		Budget:       200 * time.Millisecond,
		Poll:         time.Millisecond,
	}, nil, nil)
	require.NoError(t, err)
	nav, err := wizard.NewNavigator(calc.Page, loc, wizardtest.Config(), nil)
	require.NoError(t, err)
	return nav, calc
}

func openCalculator(t *testing.T, nav *wizard.Navigator) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, nav.Enter(ctx))
	assert.True(t, nav.SelectMode(ctx))
	assert.True(t, nav.SelectCategory(ctx))
}

func TestMeasureClassifiesEntities(t *testing.T) {
	site := wizardtest.NewSite("Alpha", "Beta")
	site.States["Beta"] = []string{"North", "South"}
	nav, _ := newNavigator(t, site)
	openCalculator(t, nav)
	ctx := context.Background()

	alpha, err := nav.Measure(ctx, "Alpha", []float64{50, 100})
	require.NoError(t, err)
	assert.Equal(t, wizard.StatusMeasured, alpha.Status)
	assert.Equal(t, map[float64]float64{
		50:  site.Expect("Alpha", 50),
		100: site.Expect("Alpha", 100),
	}, alpha.Values)
	assert.Empty(t, alpha.Missing)
	assert.Equal(t, wizard.StateCountrySelected, nav.State())

	beta, err := nav.Measure(ctx, "Beta", []float64{50, 100})
	require.NoError(t, err)
	assert.Equal(t, wizard.StatusStateRequired, beta.Status)
	assert.Empty(t, beta.Values)
	assert.Equal(t, wizard.StateCountrySelected, nav.State())
}

func TestMeasureUnknownEntityIsSkipped(t *testing.T) {
	nav, calc := newNavigator(t, wizardtest.NewSite("Alpha"))
	openCalculator(t, nav)

	out, err := nav.Measure(context.Background(), "Atlantis", []float64{10})
	require.NoError(t, err)
	assert.Equal(t, wizard.StatusSkipped, out.Status)
	assert.Equal(t, []float64{10}, out.Missing)
	assert.Empty(t, calc.Selected())
}

func TestMeasureSessionLost(t *testing.T) {
	site := wizardtest.NewSite("Alpha", "Beta")
	site.CrashOn("Alpha", 1)
	nav, calc := newNavigator(t, site)
	openCalculator(t, nav)

	_, err := nav.Measure(context.Background(), "Alpha", []float64{10})
	require.Error(t, err)
	assert.True(t, wizard.IsNavigationFault(err))
	assert.True(t, browser.IsSessionLost(err))
	assert.True(t, calc.Dead())
	assert.NotNil(t, nav.Lost())
}

func TestMeasureRecoversWhenPageDrifts(t *testing.T) {
	site := wizardtest.NewSite("Alpha", "Beta")
	nav, calc := newNavigator(t, site)
	openCalculator(t, nav)
	ctx := context.Background()

	_, err := nav.Measure(ctx, "Alpha", []float64{50})
	require.NoError(t, err)

	// The calculator bounces back to its landing screen between entities.
	require.NoError(t, calc.Page.Reload(ctx))

	out, err := nav.Measure(ctx, "Beta", []float64{50})
	require.NoError(t, err)
	assert.Equal(t, wizard.StatusMeasured, out.Status)
	assert.Equal(t, map[float64]float64{50: site.Expect("Beta", 50)}, out.Values)
	assert.Equal(t, 2, calc.Page.Reloads)
	assert.Equal(t, []string{"Alpha", "Beta"}, calc.Selected())
	assert.Equal(t, wizard.StateCountrySelected, nav.State())
}

func TestMeasureFaultsWhenRegionListCannotBeRecovered(t *testing.T) {
	nav, calc := newNavigator(t, wizardtest.NewSite("Alpha"))
	openCalculator(t, nav)
	ctx := context.Background()

	require.NoError(t, calc.Page.Reload(ctx))
	calc.Mode.Err = errors.New("element is detached")

	out, err := nav.Measure(ctx, "Alpha", []float64{50})
	require.Error(t, err)
	assert.True(t, wizard.IsNavigationFault(err))
	assert.False(t, browser.IsSessionLost(err))
	assert.Nil(t, nav.Lost())
	assert.Equal(t, []float64{50}, out.Missing)
	assert.Empty(t, calc.Selected())
}

func TestMeasureRejectsPlaceholderResult(t *testing.T) {
	site := wizardtest.NewSite("Alpha")
	nav, calc := newNavigator(t, site)
	openCalculator(t, nav)
	calc.Period.OptionLabels = []string{"per Year"}

	out, err := nav.Measure(context.Background(), "Alpha", []float64{50, 100})
	require.NoError(t, err)
	assert.Equal(t, wizard.StatusMeasured, out.Status)
	assert.Empty(t, out.Values)
	assert.Equal(t, []float64{50, 100}, out.Missing)
}

func TestAdvanceClicksOnlyTheResolvedControl(t *testing.T) {
	site := wizardtest.NewSite("Alpha")
	site.NextStrategy = 2
	nav, calc := newNavigator(t, site)
	openCalculator(t, nav)
	ctx := context.Background()

	require.True(t, nav.SelectCountry(ctx, "Alpha"))
	require.True(t, nav.Advance(ctx))

	assert.Equal(t, 1, calc.Next.Clicks)
	assert.Equal(t, 0, calc.Next.ProgrammaticClicks)
	assert.Equal(t, wizard.StateInputStage, nav.State())

	table := wizardtest.Table()
	strategies := table[locator.RoleNext].Strategies
	assert.Positive(t, calc.Frame().CallsFor(strategies[0]))
	assert.Positive(t, calc.Frame().CallsFor(strategies[1]))
	assert.Equal(t, 1, calc.Frame().CallsFor(strategies[2]))
}

func TestAdvanceDismissesConsent(t *testing.T) {
	site := wizardtest.NewSite("Alpha")
	site.Consent = true
	nav, calc := newNavigator(t, site)
	openCalculator(t, nav)
	ctx := context.Background()

	require.True(t, nav.SelectCountry(ctx, "Alpha"))
	require.True(t, nav.Advance(ctx))

	assert.Equal(t, 1, calc.Accept.Clicks)
	assert.Equal(t, 1, calc.Next.Clicks)
	assert.Equal(t, 0, calc.Next.ProgrammaticClicks)
}

func TestAdvanceFallsBackToScriptedClick(t *testing.T) {
	nav, calc := newNavigator(t, wizardtest.NewSite("Alpha"))
	openCalculator(t, nav)
	ctx := context.Background()

	require.True(t, nav.SelectCountry(ctx, "Alpha"))
	calc.Next.Intercepted = true
	require.True(t, nav.Advance(ctx))

	assert.Equal(t, 0, calc.Next.Clicks)
	assert.Equal(t, 1, calc.Next.ProgrammaticClicks)
	assert.Positive(t, calc.Next.Scrolls)
}

func TestEnterWithoutFrame(t *testing.T) {
	site := wizardtest.NewSite("Alpha")
	site.NoFrame = true
	nav, _ := newNavigator(t, site)

	err := nav.Enter(context.Background())
	require.Error(t, err)

	var fault *wizard.NavigationFault
	require.True(t, errors.As(err, &fault))
	assert.Equal(t, "enter", fault.Step)
}

func TestSelectCountryTyped(t *testing.T) {
	site := wizardtest.NewSite("Alpha", "Beta")
	site.TypedCountry = true
	nav, calc := newNavigator(t, site)
	openCalculator(t, nav)

	require.True(t, nav.SelectCountry(context.Background(), "Beta"))
	assert.Equal(t, []string{"Beta"}, calc.Selected())
	assert.Equal(t, []string{"Enter"}, calc.Country.Keys)
}

func TestSetInputMagnitudeForcesUnits(t *testing.T) {
	nav, calc := newNavigator(t, wizardtest.NewSite("Alpha"))
	openCalculator(t, nav)
	ctx := context.Background()

	require.True(t, nav.SelectCountry(ctx, "Alpha"))
	require.True(t, nav.Advance(ctx))
	calc.Input.Value = "stale"

	require.True(t, nav.SetInputMagnitude(ctx, 2500))
	assert.Equal(t, "2500", calc.Input.Value)
	assert.Equal(t, "kWh", calc.Unit.Selected)
	assert.Equal(t, "per Month", calc.Period.Selected)
}

func TestRegions(t *testing.T) {
	nav, _ := newNavigator(t, wizardtest.NewSite("Alpha", "Beta", "Gamma"))
	openCalculator(t, nav)

	regions, err := nav.Regions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Alpha", "Beta", "Gamma"}, regions)
}

func TestRegionsFromSnapshot(t *testing.T) {
	site := wizardtest.NewSite("Alpha", "Beta")
	site.TypedCountry = true
	nav, _ := newNavigator(t, site)
	openCalculator(t, nav)

	regions, err := nav.Regions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Alpha", "Beta"}, regions)
}

func TestResetReloadsWhenRetreatIsUnavailable(t *testing.T) {
	site := wizardtest.NewSite("Alpha")
	site.BrokenPrev = true
	nav, calc := newNavigator(t, site)
	openCalculator(t, nav)
	ctx := context.Background()

	require.True(t, nav.SelectCountry(ctx, "Alpha"))
	require.True(t, nav.Advance(ctx))

	require.NoError(t, nav.ResetToEntry(ctx))
	assert.Equal(t, 1, calc.Page.Reloads)
	assert.Equal(t, wizard.StateCountrySelected, nav.State())
}

func TestResetByRetreating(t *testing.T) {
	nav, calc := newNavigator(t, wizardtest.NewSite("Alpha"))
	openCalculator(t, nav)
	ctx := context.Background()

	require.True(t, nav.SelectCountry(ctx, "Alpha"))
	require.True(t, nav.Advance(ctx))
	require.True(t, nav.SetInputMagnitude(ctx, 10))
	require.True(t, nav.Advance(ctx))
	assert.Equal(t, wizard.StateResultStage, nav.State())

	require.NoError(t, nav.ResetToEntry(ctx))
	assert.Equal(t, 0, calc.Page.Reloads)
	assert.Equal(t, 2, calc.Prev.Clicks)
}

func TestParseMeasurement(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    float64
		wantErr bool
	}{
		{name: "plain", text: "850 lbs CO2e", want: 850},
		{name: "thousands", text: "Home Energy: 12,345.67 lbs CO2e", want: 12345.67},
		{name: "decimal", text: "0.5 lbs", want: 0.5},
		{name: "first number wins", text: "1,000 lbs CO2e (2 people)", want: 1000},
		{name: "no number", text: "Home Energy: - lbs CO2e", wantErr: true},
		{name: "digits inside a unit", text: "CO2e: 42 lbs", want: 42},
		{name: "empty", text: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := wizard.ParseMeasurement(tt.text)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, wizard.ErrExtraction))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := wizard.DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.ResetAttempts = 0
	assert.Error(t, cfg.Validate())

	cfg = wizard.DefaultConfig()
	cfg.FrameSelector = browser.XPath("iframe")
	assert.Error(t, cfg.Validate())
}
