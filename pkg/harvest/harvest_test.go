package harvest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/entrhq/calcharvest/pkg/browser"
	"github.com/entrhq/calcharvest/pkg/browser/browsertest"
	"github.com/entrhq/calcharvest/pkg/export"
	"github.com/entrhq/calcharvest/pkg/locator"
	"github.com/entrhq/calcharvest/pkg/wizard/wizardtest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var magnitudes = []float64{50, 100}

func newFactory(t *testing.T, opener browser.Opener) *NavigatorFactory {
	t.Helper()
	loc, err := locator.New(wizardtest.Table(), locator.Options{
		StrategyWait: 2 * time.Millisecond,
		Budget:       200 * time.Millisecond,
		Poll:         time.Millisecond,
	}, nil, nil)
	require.NoError(t, err)
	return &NavigatorFactory{Opener: opener, Locator: loc, Config: wizardtest.Config()}
}

func newOrchestrator(t *testing.T, factory Factory, mutate func(*Options)) (*Orchestrator, string) {
	t.Helper()
	dir := t.TempDir()
	writer, err := export.NewWriter(dir, []export.Format{export.FormatCSV})
	require.NoError(t, err)
	opts := Options{Workers: 1, Magnitudes: magnitudes}
	if mutate != nil {
		mutate(&opts)
	}
	o, err := New(factory, writer, opts, nil)
	require.NoError(t, err)
	return o, dir
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) observe(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) count(typ EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func TestPartition(t *testing.T) {
	entities := []string{"a", "b", "c", "d", "e", "f", "g"}
	for workers := 1; workers <= 9; workers++ {
		shards := Partition(entities, workers)

		var joined []string
		for i, s := range shards {
			assert.NotEmpty(t, s)
			if i > 0 {
				assert.LessOrEqual(t, len(s), len(shards[i-1]), "larger shards come first")
				assert.LessOrEqual(t, len(shards[0])-len(s), 1)
			}
			joined = append(joined, s...)
		}
		assert.Equal(t, entities, joined, "workers=%d", workers)
		assert.LessOrEqual(t, len(shards), workers)
	}

	assert.Nil(t, Partition(nil, 3))
	assert.Nil(t, Partition(entities, 0))
}

func TestPartitionShardsDoNotAlias(t *testing.T) {
	entities := []string{"a", "b", "c", "d"}
	shards := Partition(entities, 2)
	shards[0] = append(shards[0], "x")
	assert.Equal(t, []string{"a", "b", "c", "d"}, entities)
}

func TestRunClassifiesAndExports(t *testing.T) {
	site := wizardtest.NewSite("Alpha", "Beta", "Gamma")
	site.States["Beta"] = []string{"North", "South"}
	o, dir := newOrchestrator(t, newFactory(t, site.Opener()), nil)

	report, err := o.Run(context.Background(), site.Regions)
	require.NoError(t, err)

	assert.Equal(t, map[float64]float64{50: 42.5, 100: 85}, report.Results["Alpha"])
	assert.Equal(t, map[float64]float64{50: 42.5, 100: 85}, report.Results["Gamma"])
	assert.NotContains(t, report.Results, "Beta")
	assert.Equal(t, []string{"Beta"}, report.StateRequired)
	assert.Empty(t, report.Missing)

	assert.Equal(t,
		"Country,50kwh,100kwh\nAlpha,42.5,85\nBeta,N/A,N/A\nGamma,42.5,85\n",
		readFile(t, filepath.Join(dir, "results.csv")))
	assert.Equal(t, "Beta\n", readFile(t, filepath.Join(dir, "state_required.txt")))
	assert.FileExists(t, filepath.Join(dir, "shard-1.csv"))
	assert.FileExists(t, filepath.Join(dir, "summary.json"))

	require.Len(t, report.Summary.Shards, 1)
	shard := report.Summary.Shards[0]
	assert.Equal(t, 3, shard.Processed)
	assert.Equal(t, 2, shard.Measured)
	assert.Equal(t, 1, shard.StateRequired)
	assert.False(t, shard.Aborted)
}

func TestRunRecoversFromFault(t *testing.T) {
	site := wizardtest.NewSite("Alpha", "Beta", "Gamma", "Delta")
	site.CrashOn("Gamma", 1)
	opener := site.Opener()
	o, dir := newOrchestrator(t, newFactory(t, opener), func(opts *Options) {
		opts.Captures = true
	})
	rec := &recorder{}
	o.SetObserver(rec.observe)

	report, err := o.Run(context.Background(), site.Regions)
	require.NoError(t, err)

	assert.Equal(t, 2, opener.OpenCount(), "one replacement session")
	pages := site.Pages()
	require.Len(t, pages, 2)
	assert.True(t, pages[0].Dead())
	assert.True(t, pages[0].Page.IsClosed())
	assert.Equal(t, []string{"Alpha", "Beta"}, pages[0].Selected())
	assert.Equal(t, []string{"Delta"}, pages[1].Selected(), "processing resumes after the faulted entity")

	assert.Equal(t, []string{"Gamma"}, report.Missing)
	assert.NotContains(t, report.Results, "Gamma")
	assert.Contains(t, report.Results, "Delta")
	assert.Contains(t, readFile(t, filepath.Join(dir, "results.csv")), "Gamma,N/A,N/A\n")

	assert.Equal(t, 1, report.Summary.Shards[0].Recycled)
	assert.Equal(t, 1, rec.count(EventTypeFault))
	assert.Equal(t, 1, rec.count(EventTypeRecycle))
	assert.Equal(t, 4, rec.count(EventTypeEntityDone))
	assert.Equal(t, 1, rec.count(EventTypeRunEnd))

	require.Len(t, pages[0].Page.Screenshots, 1)
	assert.True(t, strings.HasPrefix(filepath.Base(pages[0].Page.Screenshots[0]), "shard-1-Gamma-"))
}

// driftAfter reloads the first page once entity finishes, leaving the
// calculator on its landing screen mid-shard.
func driftAfter(t *testing.T, site *wizardtest.Site, entity string, detach bool) Observer {
	return func(e Event) {
		if e.Type != EventTypeEntityDone || e.Entity != entity {
			return
		}
		calc := site.Pages()[0]
		assert.NoError(t, calc.Page.Reload(context.Background()))
		if detach {
			calc.Mode.Err = errors.New("element is detached")
		}
	}
}

func TestRunRecoversWhenPageDrifts(t *testing.T) {
	site := wizardtest.NewSite("Alpha", "Beta", "Gamma", "Delta")
	opener := site.Opener()
	o, _ := newOrchestrator(t, newFactory(t, opener), nil)
	o.SetObserver(driftAfter(t, site, "Alpha", false))

	report, err := o.Run(context.Background(), site.Regions)
	require.NoError(t, err)

	assert.Empty(t, report.Missing)
	assert.Len(t, report.Results, 4)
	assert.Equal(t, map[float64]float64{50: 42.5, 100: 85}, report.Results["Beta"])
	assert.Equal(t, 1, opener.OpenCount())
	pages := site.Pages()
	require.Len(t, pages, 1)
	assert.Equal(t, 2, pages[0].Page.Reloads, "the wizard reloads itself back to the region step")
	assert.Equal(t, 4, report.Summary.Shards[0].Measured)
}

func TestRunRecyclesWhenRegionListIsLost(t *testing.T) {
	site := wizardtest.NewSite("Alpha", "Beta", "Gamma", "Delta")
	opener := site.Opener()
	o, _ := newOrchestrator(t, newFactory(t, opener), nil)
	rec := &recorder{}
	drift := driftAfter(t, site, "Alpha", true)
	o.SetObserver(func(e Event) {
		rec.observe(e)
		drift(e)
	})

	report, err := o.Run(context.Background(), site.Regions)
	require.NoError(t, err)

	assert.Equal(t, []string{"Beta"}, report.Missing)
	assert.Contains(t, report.Results, "Gamma")
	assert.Contains(t, report.Results, "Delta")
	assert.Equal(t, 2, opener.OpenCount())
	pages := site.Pages()
	require.Len(t, pages, 2)
	assert.Equal(t, []string{"Gamma", "Delta"}, pages[1].Selected())
	assert.Equal(t, 1, report.Summary.Shards[0].Recycled)
	assert.Equal(t, 1, rec.count(EventTypeFault))
}

func TestRunRetriesFaultedEntity(t *testing.T) {
	site := wizardtest.NewSite("Alpha", "Beta")
	site.CrashOn("Alpha", 1)
	opener := site.Opener()
	o, _ := newOrchestrator(t, newFactory(t, opener), func(opts *Options) {
		opts.RetryFaulted = true
	})

	report, err := o.Run(context.Background(), site.Regions)
	require.NoError(t, err)

	assert.Equal(t, 2, opener.OpenCount())
	assert.Equal(t, map[float64]float64{50: 42.5, 100: 85}, report.Results["Alpha"])
	assert.Empty(t, report.Missing)
	assert.Equal(t, 2, report.Summary.Shards[0].Measured)
}

func TestRunRestartsSessionOnSchedule(t *testing.T) {
	site := wizardtest.NewSite("A", "B", "C", "D", "E")
	opener := site.Opener()
	o, _ := newOrchestrator(t, newFactory(t, opener), func(opts *Options) {
		opts.RestartEvery = 2
	})

	report, err := o.Run(context.Background(), site.Regions)
	require.NoError(t, err)

	assert.Equal(t, 3, opener.OpenCount())
	assert.Equal(t, 2, report.Summary.Shards[0].Recycled)
	assert.Len(t, report.Results, 5)
	pages := site.Pages()
	require.Len(t, pages, 3)
	assert.Equal(t, []string{"A", "B"}, pages[0].Selected())
	assert.Equal(t, []string{"C", "D"}, pages[1].Selected())
	assert.Equal(t, []string{"E"}, pages[2].Selected())
}

func TestRunWritesCheckpoints(t *testing.T) {
	site := wizardtest.NewSite("Alpha", "Beta", "Gamma")
	o, dir := newOrchestrator(t, newFactory(t, site.Opener()), func(opts *Options) {
		opts.CheckpointEvery = 2
	})
	rec := &recorder{}
	o.SetObserver(rec.observe)

	_, err := o.Run(context.Background(), site.Regions)
	require.NoError(t, err)

	assert.Equal(t, 1, rec.count(EventTypeCheckpoint))
	assert.Equal(t,
		"Country,50kwh,100kwh\nAlpha,42.5,85\nBeta,42.5,85\n",
		readFile(t, filepath.Join(dir, export.CheckpointName(1)+".csv")))
}

func TestRunAbortsShardWhenSessionCannotBeRecreated(t *testing.T) {
	site := wizardtest.NewSite("Alpha", "Beta", "Gamma")
	site.CrashOn("Beta", 1)
	var mu sync.Mutex
	opened := 0
	opener := &browsertest.Opener{New: func(string) (browser.Page, error) {
		mu.Lock()
		defer mu.Unlock()
		opened++
		if opened > 1 {
			return nil, errors.New("browser gone")
		}
		return site.NewPage().Page, nil
	}}
	o, _ := newOrchestrator(t, newFactory(t, opener), nil)
	rec := &recorder{}
	o.SetObserver(rec.observe)

	report, err := o.Run(context.Background(), site.Regions)
	require.NoError(t, err, "one aborted shard does not fail the run")

	assert.Equal(t, 1+DefaultOpenAttempts, opener.OpenCount())
	assert.Equal(t, map[float64]float64{50: 42.5, 100: 85}, report.Results["Alpha"])
	assert.Equal(t, []string{"Beta", "Gamma"}, report.Missing)

	shard := report.Summary.Shards[0]
	assert.True(t, shard.Aborted)
	assert.Contains(t, shard.Error, ErrSessionFatal.Error())
	assert.Equal(t, 1, rec.count(EventTypeShardAborted))
}

func TestRunFailsWhenNoSessionOpens(t *testing.T) {
	opener := &browsertest.Opener{Err: errors.New("no browser")}
	o, dir := newOrchestrator(t, newFactory(t, opener), func(opts *Options) {
		opts.Workers = 2
	})

	report, err := o.Run(context.Background(), []string{"Alpha", "Beta"})
	require.ErrorIs(t, err, ErrNoSessions)
	assert.Equal(t, []string{"Alpha", "Beta"}, report.Missing)
	assert.Equal(t, 2*DefaultOpenAttempts, opener.OpenCount())
	assert.Equal(t, "Country,50kwh,100kwh\nAlpha,N/A,N/A\nBeta,N/A,N/A\n", readFile(t, filepath.Join(dir, "results.csv")))
}

func TestRunWithSeveralWorkers(t *testing.T) {
	site := wizardtest.NewSite("A", "B", "C", "D", "E")
	site.Rates["C"] = 2
	opener := site.Opener()
	o, dir := newOrchestrator(t, newFactory(t, opener), func(opts *Options) {
		opts.Workers = 2
		opts.Stagger = time.Millisecond
	})

	report, err := o.Run(context.Background(), site.Regions)
	require.NoError(t, err)

	assert.Equal(t, 2, opener.OpenCount())
	assert.Len(t, report.Results, 5)
	assert.Equal(t, 200.0, report.Results["C"][100])
	assert.Len(t, report.Summary.Shards, 2)
	assert.Equal(t, 3, report.Summary.Shards[0].Assigned)
	assert.Equal(t, 2, report.Summary.Shards[1].Assigned)
	assert.FileExists(t, filepath.Join(dir, "shard-1.csv"))
	assert.FileExists(t, filepath.Join(dir, "shard-2.csv"))
	assert.Equal(t,
		"Country,50kwh,100kwh\nA,42.5,85\nB,42.5,85\nC,100,200\nD,42.5,85\nE,42.5,85\n",
		readFile(t, filepath.Join(dir, "results.csv")))
}

func TestWorkersAreCapped(t *testing.T) {
	o, _ := newOrchestrator(t, newFactory(t, &browsertest.Opener{}), func(opts *Options) {
		opts.Workers = 100
	})
	assert.Equal(t, MaxWorkers, o.opts.Workers)
}

func TestNewRejectsInvalidOptions(t *testing.T) {
	writer, err := export.NewWriter(t.TempDir(), []export.Format{export.FormatCSV})
	require.NoError(t, err)
	factory := newFactory(t, &browsertest.Opener{})

	_, err = New(nil, writer, Options{Workers: 1, Magnitudes: magnitudes}, nil)
	assert.Error(t, err)
	_, err = New(factory, nil, Options{Workers: 1, Magnitudes: magnitudes}, nil)
	assert.Error(t, err)
	_, err = New(factory, writer, Options{Workers: 0, Magnitudes: magnitudes}, nil)
	assert.Error(t, err)
	_, err = New(factory, writer, Options{Workers: 1}, nil)
	assert.Error(t, err)
}

func TestFetchRegionsFromCalculator(t *testing.T) {
	site := wizardtest.NewSite("Alpha", "Beta", "Gamma")
	opener := site.Opener()
	o, _ := newOrchestrator(t, newFactory(t, opener), func(opts *Options) {
		opts.Limit = 2
	})

	regions, err := o.FetchRegions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Alpha", "Beta"}, regions)
	assert.True(t, site.Pages()[0].Page.IsClosed(), "the regions session is released")
}

type prefixFilter string

func (p prefixFilter) Apply(regions []string, limit int) []string {
	var out []string
	for _, r := range regions {
		if strings.HasPrefix(r, string(p)) {
			out = append(out, r)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func TestFetchRegionsFallsBackToStaticList(t *testing.T) {
	site := wizardtest.NewSite("Alpha")
	site.NoFrame = true
	o, _ := newOrchestrator(t, newFactory(t, site.Opener()), func(opts *Options) {
		opts.StaticRegions = []string{"Austria", "Belgium", "Angola"}
		opts.Filter = prefixFilter("A")
	})

	regions, err := o.FetchRegions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Austria", "Angola"}, regions)
}

func TestFetchRegionsWithoutFallback(t *testing.T) {
	site := wizardtest.NewSite("Alpha")
	site.NoFrame = true
	o, _ := newOrchestrator(t, newFactory(t, site.Opener()), nil)

	_, err := o.FetchRegions(context.Background())
	assert.Error(t, err)
}

func TestRunCancelled(t *testing.T) {
	site := wizardtest.NewSite("Alpha", "Beta")
	o, dir := newOrchestrator(t, newFactory(t, site.Opener()), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := o.Run(ctx, site.Regions)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, report.Results)
	assert.Equal(t, []string{"Alpha", "Beta"}, report.Missing)
	assert.FileExists(t, filepath.Join(dir, "results.csv"))
	assert.False(t, report.Summary.Shards[0].Aborted)
}

func TestSessionStateString(t *testing.T) {
	assert.Equal(t, "fresh", SessionFresh.String())
	assert.Equal(t, "in-wizard", SessionInWizard.String())
	assert.Equal(t, "faulted", SessionFaulted.String())
	assert.Equal(t, "terminated", SessionTerminated.String())
}
