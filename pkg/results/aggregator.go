// Package results holds the shared table every worker writes into.
package results

import (
	"fmt"
	"sort"
	"sync"
)

// ConflictError is returned when a recorded measurement would be replaced
// by a different value.
type ConflictError struct {
	Entity    string
	Magnitude float64
	Have      float64
	Got       float64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("measurement for %s at %v already recorded as %v, refusing %v",
		e.Entity, e.Magnitude, e.Have, e.Got)
}

// Set maps entity to magnitude to measurement.
type Set map[string]map[float64]float64

// Clone returns a deep copy.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for entity, row := range s {
		cp := make(map[float64]float64, len(row))
		for m, v := range row {
			cp[m] = v
		}
		out[entity] = cp
	}
	return out
}

// Aggregator is the single guarded owner of the result set and the
// state-required list. The lock is held only for the map operations.
type Aggregator struct {
	mu            sync.Mutex
	results       Set
	stateRequired []string
	stateSeen     map[string]bool
}

// NewAggregator returns an empty Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		results:   make(Set),
		stateSeen: make(map[string]bool),
	}
}

// Record stores one measurement. Cells are write-once: re-recording the
// same value is a no-op, a different value is a *ConflictError.
func (a *Aggregator) Record(entity string, magnitude, value float64) error {
	if value < 0 {
		return fmt.Errorf("negative measurement %v for %s at %v", value, entity, magnitude)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	row, ok := a.results[entity]
	if !ok {
		row = make(map[float64]float64)
		a.results[entity] = row
	}
	if have, ok := row[magnitude]; ok {
		if have == value {
			return nil
		}
		return &ConflictError{Entity: entity, Magnitude: magnitude, Have: have, Got: value}
	}
	row[magnitude] = value
	return nil
}

// RecordAll stores every value of one entity, stopping at the first conflict.
func (a *Aggregator) RecordAll(entity string, values map[float64]float64) error {
	magnitudes := make([]float64, 0, len(values))
	for m := range values {
		magnitudes = append(magnitudes, m)
	}
	sort.Float64s(magnitudes)
	for _, m := range magnitudes {
		if err := a.Record(entity, m, values[m]); err != nil {
			return err
		}
	}
	return nil
}

// MarkStateRequired adds entity to the state-required list once.
func (a *Aggregator) MarkStateRequired(entity string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stateSeen[entity] {
		return
	}
	a.stateSeen[entity] = true
	a.stateRequired = append(a.stateRequired, entity)
}

// Results returns a copy of the result set.
func (a *Aggregator) Results() Set {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.results.Clone()
}

// StateRequired returns the state-required entities in the order they
// were marked.
func (a *Aggregator) StateRequired() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.stateRequired...)
}

// Value returns one recorded measurement.
func (a *Aggregator) Value(entity string, magnitude float64) (float64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.results[entity][magnitude]
	return v, ok
}

// Len returns the number of entities with at least one measurement.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.results)
}
