package wizard

import (
	"context"

	"github.com/entrhq/calcharvest/pkg/locator"
)

// Status classifies how an entity's measurement ended.
type Status int

const (
	// StatusMeasured means the entity reached the input stage; individual
	// magnitudes may still be missing.
	StatusMeasured Status = iota
	// StatusStateRequired means the entity needs a secondary region and was
	// not measured.
	StatusStateRequired
	// StatusSkipped means the entity could not be selected or advanced.
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusMeasured:
		return "measured"
	case StatusStateRequired:
		return "state-required"
	case StatusSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Outcome is what one pass over an entity produced.
type Outcome struct {
	Entity string
	Status Status
	// Values holds the measurements obtained, keyed by magnitude.
	Values map[float64]float64
	// Missing lists magnitudes without a measurement, in input order.
	Missing []float64
}

// Measure processes one entity from the region step: select it, classify
// it, and for a plain entity record one measurement per magnitude. It
// always tries to leave the wizard back at the region step. A region list
// that cannot be found is reloaded once; if it is still gone the entity
// ends in a fault so the session is replaced.
//
// The error is non-nil only for a *NavigationFault or a cancelled ctx. The
// returned Outcome still carries whatever was measured before the fault.
func (n *Navigator) Measure(ctx context.Context, entity string, magnitudes []float64) (Outcome, error) {
	out := Outcome{Entity: entity, Status: StatusSkipped, Values: make(map[float64]float64)}
	fault := func(step string) (Outcome, error) {
		out.Missing = missing(magnitudes, out.Values)
		return out, &NavigationFault{Step: step, Err: n.lost}
	}

	res := n.selectCountry(ctx, entity)
	if res == selectNoControl && n.lost == nil {
		// The page drifted off the region step; reload back to it once.
		n.log.Warnf("%s: region list not found, resetting the wizard", entity)
		if err := n.ResetToEntry(ctx); err != nil {
			out.Missing = missing(magnitudes, out.Values)
			return out, err
		}
		res = n.selectCountry(ctx, entity)
	}
	switch {
	case n.lost != nil:
		return fault("select-country")
	case res == selectNoControl:
		out.Missing = missing(magnitudes, out.Values)
		return out, &NavigationFault{Step: "select-country", Err: locator.ErrNotFound}
	case res == selectAbsent:
		out.Missing = missing(magnitudes, out.Values)
		return out, nil
	}

	if n.CheckStateRequirement(ctx) {
		out.Status = StatusStateRequired
		n.log.Infof("%s requires a secondary region", entity)
		return out, n.ResetToEntry(ctx)
	}
	if n.lost != nil {
		return fault("state-check")
	}

	if !n.Advance(ctx) {
		if n.lost != nil {
			return fault("advance")
		}
		n.log.Warnf("%s: could not reach the input step", entity)
		out.Missing = missing(magnitudes, out.Values)
		return out, n.ResetToEntry(ctx)
	}
	out.Status = StatusMeasured

	for _, m := range magnitudes {
		if err := ctx.Err(); err != nil {
			out.Missing = missing(magnitudes, out.Values)
			return out, err
		}
		v, ok := n.measureOne(ctx, m)
		if n.lost != nil {
			return fault("measure")
		}
		if ok {
			out.Values[m] = v
			n.log.Debugf("%s @ %s = %v", entity, FormatMagnitude(m), v)
		} else {
			n.log.Warnf("%s @ %s: no result", entity, FormatMagnitude(m))
		}
		if n.state != StateInputStage {
			// Stuck somewhere else; the reset below decides what happens next.
			break
		}
	}

	out.Missing = missing(magnitudes, out.Values)
	return out, n.ResetToEntry(ctx)
}

// measureOne runs input, advance, extract and retreat for one magnitude,
// leaving the wizard at the input stage when it can.
func (n *Navigator) measureOne(ctx context.Context, m float64) (float64, bool) {
	if !n.SetInputMagnitude(ctx, m) {
		return 0, false
	}
	if !n.Advance(ctx) {
		return 0, false
	}
	v, ok := n.ExtractResult(ctx)
	if !n.Retreat(ctx) {
		n.state = StateResultStage
	}
	return v, ok
}

func missing(magnitudes []float64, values map[float64]float64) []float64 {
	var out []float64
	for _, m := range magnitudes {
		if _, ok := values[m]; !ok {
			out = append(out, m)
		}
	}
	return out
}
