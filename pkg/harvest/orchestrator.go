// Package harvest runs the calculator over every region with a pool of
// browser workers. Each worker owns one contiguous shard and one session
// at a time; faults replace the session and move on to the next entity.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/entrhq/calcharvest/pkg/export"
	"github.com/entrhq/calcharvest/pkg/logging"
	"github.com/entrhq/calcharvest/pkg/results"
)

const (
	// DefaultOpenAttempts is how many times a worker tries to open a session
	// before giving up on its shard.
	DefaultOpenAttempts = 3

	// MaxWorkers caps the worker pool regardless of configuration.
	MaxWorkers = 16
)

// RegionFilter narrows a region list.
type RegionFilter interface {
	Apply(regions []string, limit int) []string
}

// Options configures an Orchestrator.
type Options struct {
	Workers         int
	Magnitudes      []float64
	RestartEvery    int
	CheckpointEvery int
	Stagger         time.Duration
	RetryFaulted    bool
	OpenAttempts    int
	Captures        bool

	FinalName         string
	StateRequiredName string
	Layout            export.Layout

	// StaticRegions is used when the live region list cannot be read.
	StaticRegions []string
	Filter        RegionFilter
	Limit         int
}

// Report is the outcome of a run.
type Report struct {
	Results       results.Set
	StateRequired []string
	Missing       []string
	Summary       *export.Summary
}

// Orchestrator partitions regions across workers and aggregates their
// results into the final exports.
type Orchestrator struct {
	factory Factory
	writer  *export.Writer
	opts    Options
	log     *logging.Logger
	runID   string

	mu       sync.Mutex
	observer Observer
}

// New creates an Orchestrator.
func New(factory Factory, writer *export.Writer, opts Options, log *logging.Logger) (*Orchestrator, error) {
	if factory == nil {
		return nil, fmt.Errorf("a session factory is required")
	}
	if writer == nil {
		return nil, fmt.Errorf("an export writer is required")
	}
	if opts.Workers < 1 {
		return nil, fmt.Errorf("workers must be at least 1, got %d", opts.Workers)
	}
	if opts.Workers > MaxWorkers {
		opts.Workers = MaxWorkers
	}
	if len(opts.Magnitudes) == 0 {
		return nil, fmt.Errorf("at least one magnitude is required")
	}
	if opts.OpenAttempts < 1 {
		opts.OpenAttempts = DefaultOpenAttempts
	}
	if opts.FinalName == "" {
		opts.FinalName = "results"
	}
	if opts.StateRequiredName == "" {
		opts.StateRequiredName = "state_required"
	}
	if opts.Layout == (export.Layout{}) {
		opts.Layout = export.DefaultLayout()
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Orchestrator{
		factory: factory,
		writer:  writer,
		opts:    opts,
		log:     log,
		runID:   logging.GetRunID(),
	}, nil
}

// SetObserver registers fn to receive progress events.
func (o *Orchestrator) SetObserver(fn Observer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.observer = fn
}

// RunID identifies this run in events and the summary.
func (o *Orchestrator) RunID() string { return o.runID }

func (o *Orchestrator) emit(e Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.observer == nil {
		return
	}
	e.RunID = o.runID
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	o.observer(e)
}

// FetchRegions reads the region list from a dedicated session, falling back
// to the static list when the calculator cannot be read. The filter and
// limit are applied to either source.
func (o *Orchestrator) FetchRegions(ctx context.Context) ([]string, error) {
	regions, err := o.liveRegions(ctx)
	if err != nil || len(regions) == 0 {
		if len(o.opts.StaticRegions) == 0 {
			if err == nil {
				err = errors.New("calculator offered no regions")
			}
			return nil, fmt.Errorf("failed to read regions: %w", err)
		}
		o.log.Warnf("using %d static regions: %v", len(o.opts.StaticRegions), err)
		regions = append([]string(nil), o.opts.StaticRegions...)
	}

	if o.opts.Filter != nil {
		regions = o.opts.Filter.Apply(regions, o.opts.Limit)
	} else if o.opts.Limit > 0 && len(regions) > o.opts.Limit {
		regions = regions[:o.opts.Limit]
	}
	o.log.Infof("%d regions selected", len(regions))
	o.emit(Event{Type: EventTypeRegionsResolved, Total: len(regions)})
	return regions, nil
}

func (o *Orchestrator) liveRegions(ctx context.Context) ([]string, error) {
	d, err := o.factory.Open(ctx, "regions")
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := d.Close(); err != nil {
			o.log.Debugf("closing regions session: %v", err)
		}
	}()
	return d.Regions(ctx)
}

// Run processes regions and writes the final exports. Results gathered
// before a cancellation or a worker abort are still exported. It returns
// ErrNoSessions when no worker could open a session, and ctx's error when
// cancelled.
func (o *Orchestrator) Run(ctx context.Context, regions []string) (*Report, error) {
	start := time.Now()
	shards := Partition(regions, o.opts.Workers)
	o.log.Infof("run %s: %d regions across %d workers", o.runID, len(regions), len(shards))
	o.emit(newRunStartEvent(o.runID, len(regions), len(shards)))

	agg := results.NewAggregator()
	sups := make([]*supervisor, len(shards))
	for i, shard := range shards {
		sups[i] = newSupervisor(i+1, shard, o, agg)
	}

	// A plain group keeps one worker's abort from cancelling the others.
	var g errgroup.Group
	for i, sup := range sups {
		delay := time.Duration(i) * o.opts.Stagger
		g.Go(func() error {
			if delay > 0 {
				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
				case <-timer.C:
				}
			}
			if err := sup.run(ctx); err != nil {
				if errors.Is(err, ErrSessionFatal) {
					sup.log.Errorf("shard aborted: %v", err)
					return nil
				}
				return err
			}
			return nil
		})
	}
	runErr := g.Wait()

	report := o.finish(start, regions, agg, sups)

	if ctx.Err() != nil {
		return report, ctx.Err()
	}
	if runErr != nil {
		return report, runErr
	}
	if len(sups) > 0 && !anyOpened(sups) {
		report.Summary.Error = ErrNoSessions.Error()
		o.writeSummary(report.Summary)
		return report, ErrNoSessions
	}
	return report, nil
}

// finish writes the final table, the state-required list and the summary.
func (o *Orchestrator) finish(start time.Time, regions []string, agg *results.Aggregator, sups []*supervisor) *Report {
	set := agg.Results()
	stateRequired := agg.StateRequired()

	summary := &export.Summary{
		RunID:         o.runID,
		StartTime:     start,
		Regions:       len(regions),
		Magnitudes:    o.opts.Magnitudes,
		Workers:       len(sups),
		StateRequired: stateRequired,
	}
	var missing []string
	for _, s := range sups {
		summary.Shards = append(summary.Shards, s.summary)
		missing = append(missing, s.missing...)
	}
	summary.Missing = missing

	table := export.Build(regions, o.opts.Magnitudes, set, o.opts.Layout)
	paths, err := o.writer.WriteTable(o.opts.FinalName, table)
	if err != nil {
		o.log.Errorf("final export failed: %v", err)
		summary.Error = err.Error()
	}
	summary.Files = append(summary.Files, paths...)

	listPath, err := o.writer.WriteList(o.opts.StateRequiredName, stateRequired)
	if err != nil {
		o.log.Errorf("state-required list failed: %v", err)
	} else {
		summary.Files = append(summary.Files, listPath)
	}

	summary.EndTime = time.Now()
	summary.Duration = summary.EndTime.Sub(start).Round(time.Millisecond).String()
	o.writeSummary(summary)

	o.log.Infof("run finished in %s: %d measured, %d state-required, %d missing",
		summary.Duration, len(set), len(stateRequired), len(missing))
	o.emit(Event{Type: EventTypeRunEnd, Total: len(regions), Measured: len(set), Paths: summary.Files})

	return &Report{
		Results:       set,
		StateRequired: stateRequired,
		Missing:       missing,
		Summary:       summary,
	}
}

func (o *Orchestrator) writeSummary(summary *export.Summary) {
	if _, err := o.writer.WriteSummary(summary); err != nil {
		o.log.Errorf("summary failed: %v", err)
	}
}

func anyOpened(sups []*supervisor) bool {
	for _, s := range sups {
		if s.opened {
			return true
		}
	}
	return false
}
