package harvest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/entrhq/calcharvest/pkg/export"
	"github.com/entrhq/calcharvest/pkg/logging"
	"github.com/entrhq/calcharvest/pkg/results"
	"github.com/entrhq/calcharvest/pkg/wizard"
)

var (
	// ErrSessionFatal means a worker could not recreate its session and
	// abandoned the rest of its shard.
	ErrSessionFatal = errors.New("session could not be recreated")

	// ErrNoSessions means no worker ever obtained a session.
	ErrNoSessions = errors.New("no browser session could be created")
)

// SessionState is where a worker's session is in its lifecycle.
type SessionState int

const (
	SessionFresh SessionState = iota
	SessionInWizard
	SessionFaulted
	SessionTerminated
)

func (s SessionState) String() string {
	switch s {
	case SessionFresh:
		return "fresh"
	case SessionInWizard:
		return "in-wizard"
	case SessionFaulted:
		return "faulted"
	case SessionTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// supervisor runs one shard: it drives each entity through its session,
// replaces the session on faults and on schedule, and checkpoints the
// shard's results.
type supervisor struct {
	shard    int
	entities []string
	opts     *Options
	factory  Factory
	agg      *results.Aggregator
	writer   *export.Writer
	log      *logging.Logger
	emit     func(Event)

	driver     Driver
	state      SessionState
	generation int
	opened     bool

	local     results.Set
	processed []string
	missing   []string
	summary   export.ShardSummary
}

func newSupervisor(shard int, entities []string, o *Orchestrator, agg *results.Aggregator) *supervisor {
	return &supervisor{
		shard:    shard,
		entities: entities,
		opts:     &o.opts,
		factory:  o.factory,
		agg:      agg,
		writer:   o.writer,
		log:      o.log.With(fmt.Sprintf("shard-%d", shard)),
		emit:     o.emit,
		local:    make(results.Set),
		summary:  export.ShardSummary{Shard: shard, Assigned: len(entities)},
	}
}

// run processes the shard in order. It returns an error wrapping
// ErrSessionFatal when a session could not be (re)created, or ctx's error
// when cancelled. Results collected before either are kept and exported.
func (s *supervisor) run(ctx context.Context) (err error) {
	defer func() {
		s.terminate()
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			s.summary.Aborted = true
			s.summary.Error = err.Error()
			s.emit(Event{Type: EventTypeShardAborted, Shard: s.shard, Error: err})
		}
		s.exportShard()
		if !s.summary.Aborted {
			s.emit(Event{Type: EventTypeShardDone, Shard: s.shard, Total: len(s.entities), Index: s.summary.Processed})
		}
	}()

	if err := s.open(ctx); err != nil {
		s.markMissing(s.entities)
		return err
	}
	s.emit(Event{Type: EventTypeShardStart, Shard: s.shard, Total: len(s.entities)})

	sinceRestart := 0
	for i, entity := range s.entities {
		if err := ctx.Err(); err != nil {
			s.markMissing(s.entities[i:])
			return err
		}

		if s.opts.RestartEvery > 0 && sinceRestart >= s.opts.RestartEvery {
			s.log.Infof("scheduled session restart after %d entities", sinceRestart)
			if err := s.recycle(ctx, "scheduled"); err != nil {
				s.markMissing(s.entities[i:])
				return err
			}
			sinceRestart = 0
		}

		s.emit(newEntityStartEvent(s.shard, i+1, len(s.entities), entity))
		out, ok, err := s.process(ctx, entity)
		if err != nil {
			s.markMissing(s.entities[i+1:])
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if ok {
			sinceRestart++
		} else {
			sinceRestart = 0
		}

		s.processed = append(s.processed, entity)
		s.summary.Processed++
		s.emit(newEntityDoneEvent(s.shard, i+1, len(s.entities), entity, s.outcomeLabel(out, ok), len(out.Values)))

		if s.opts.CheckpointEvery > 0 && len(s.processed)%s.opts.CheckpointEvery == 0 {
			s.checkpoint()
		}
	}
	return nil
}

// process measures one entity, recovering the session on a fault. ok is
// false when the entity faulted. The error is non-nil only when recovery
// failed or ctx was cancelled.
func (s *supervisor) process(ctx context.Context, entity string) (wizard.Outcome, bool, error) {
	out, err := s.driver.Measure(ctx, entity, s.opts.Magnitudes)
	s.record(out)
	if err == nil {
		s.classify(out, true)
		return out, true, nil
	}
	if ctx.Err() != nil {
		s.classify(out, false)
		return out, false, ctx.Err()
	}

	s.log.Warnf("%s faulted: %v", entity, err)
	s.emit(newFaultEvent(s.shard, entity, err))
	s.capture(ctx, entity)
	if rerr := s.recycle(ctx, "fault"); rerr != nil {
		s.classify(out, false)
		return out, false, rerr
	}

	if s.opts.RetryFaulted {
		s.log.Infof("retrying %s on the fresh session", entity)
		retry, err := s.driver.Measure(ctx, entity, s.opts.Magnitudes)
		s.record(retry)
		if err == nil {
			s.classify(retry, true)
			return retry, true, nil
		}
		s.log.Warnf("%s faulted again: %v", entity, err)
		s.emit(newFaultEvent(s.shard, entity, err))
		if ctx.Err() != nil {
			s.classify(retry, false)
			return retry, false, ctx.Err()
		}
		if rerr := s.recycle(ctx, "fault"); rerr != nil {
			s.classify(retry, false)
			return retry, false, rerr
		}
		out = mergeOutcome(out, retry)
	}

	s.classify(out, false)
	return out, false, nil
}

// record stores whatever out measured. Values already recorded are never
// replaced.
func (s *supervisor) record(out wizard.Outcome) {
	if out.Entity == "" {
		return
	}
	if out.Status == wizard.StatusStateRequired {
		s.agg.MarkStateRequired(out.Entity)
	}
	if len(out.Values) == 0 {
		return
	}
	row, ok := s.local[out.Entity]
	if !ok {
		row = make(map[float64]float64)
		s.local[out.Entity] = row
	}
	for m, v := range out.Values {
		if _, seen := row[m]; !seen {
			row[m] = v
		}
	}
	if err := s.agg.RecordAll(out.Entity, out.Values); err != nil {
		s.log.Errorf("%v", err)
	}
}

// classify updates the shard counters for a finished entity.
func (s *supervisor) classify(out wizard.Outcome, clean bool) {
	switch {
	case out.Status == wizard.StatusStateRequired:
		s.summary.StateRequired++
	case clean && out.Status == wizard.StatusMeasured && len(out.Missing) == 0:
		s.summary.Measured++
	default:
		s.markMissing([]string{out.Entity})
	}
}

func (s *supervisor) outcomeLabel(out wizard.Outcome, ok bool) string {
	if !ok {
		return "faulted"
	}
	if out.Status == wizard.StatusMeasured && len(out.Missing) > 0 {
		return "partial"
	}
	return out.Status.String()
}

func (s *supervisor) markMissing(entities []string) {
	for _, e := range entities {
		if e == "" {
			continue
		}
		s.missing = append(s.missing, e)
		s.summary.Missing++
	}
}

// open creates the worker's session, retrying up to OpenAttempts times.
func (s *supervisor) open(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= s.opts.OpenAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.generation++
		name := fmt.Sprintf("shard-%d-%d", s.shard, s.generation)
		d, err := s.factory.Open(ctx, name)
		if err == nil {
			s.driver = d
			s.state = SessionInWizard
			s.opened = true
			return nil
		}
		lastErr = err
		s.log.Warnf("session %s failed to open (attempt %d/%d): %v", name, attempt, s.opts.OpenAttempts, err)
	}
	s.state = SessionTerminated
	return fmt.Errorf("%w: %v", ErrSessionFatal, lastErr)
}

// recycle discards the current session and opens a fresh one.
func (s *supervisor) recycle(ctx context.Context, reason string) error {
	if reason == "fault" {
		s.state = SessionFaulted
	}
	s.closeDriver()
	s.state = SessionFresh
	if err := s.open(ctx); err != nil {
		return err
	}
	s.summary.Recycled++
	s.emit(newRecycleEvent(s.shard, reason))
	return nil
}

func (s *supervisor) closeDriver() {
	if s.driver == nil {
		return
	}
	if err := s.driver.Close(); err != nil {
		s.log.Debugf("closing session: %v", err)
	}
	s.driver = nil
}

func (s *supervisor) terminate() {
	s.closeDriver()
	s.state = SessionTerminated
}

func (s *supervisor) capture(ctx context.Context, entity string) {
	if !s.opts.Captures || s.driver == nil {
		return
	}
	dir := filepath.Join(s.writer.Dir(), "captures")
	label := fmt.Sprintf("shard-%d-%s-%s", s.shard, sanitize(entity), uuid.NewString()[:8])
	cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	paths, err := s.driver.Capture(cctx, dir, label)
	if err != nil {
		s.log.Debugf("capture for %s incomplete: %v", entity, err)
	}
	for _, p := range paths {
		s.log.Infof("captured %s", p)
	}
}

func (s *supervisor) checkpoint() {
	table := export.Build(s.processed, s.opts.Magnitudes, s.local, s.opts.Layout)
	paths, err := s.writer.WriteTable(export.CheckpointName(s.shard), table)
	if err != nil {
		s.log.Errorf("checkpoint failed: %v", err)
		return
	}
	s.log.Infof("checkpoint after %d entities", len(s.processed))
	s.emit(newCheckpointEvent(s.shard, len(s.processed), paths))
}

// exportShard writes the shard's own final table, one row per assigned
// entity.
func (s *supervisor) exportShard() {
	table := export.Build(s.entities, s.opts.Magnitudes, s.local, s.opts.Layout)
	if _, err := s.writer.WriteTable(export.ShardName(s.shard), table); err != nil {
		s.log.Errorf("shard export failed: %v", err)
	}
}

func mergeOutcome(first, second wizard.Outcome) wizard.Outcome {
	merged := wizard.Outcome{Entity: first.Entity, Status: second.Status, Values: make(map[float64]float64)}
	for m, v := range first.Values {
		merged.Values[m] = v
	}
	for m, v := range second.Values {
		if _, ok := merged.Values[m]; !ok {
			merged.Values[m] = v
		}
	}
	return merged
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}
