package harvest

import (
	"time"
)

// EventType defines the type of event emitted during a run.
type EventType string

const (
	EventTypeRunStart        EventType = "run_start"        // EventTypeRunStart indicates shards have been assigned and workers are starting.
	EventTypeShardStart      EventType = "shard_start"      // EventTypeShardStart indicates a worker opened its first session.
	EventTypeEntityStart     EventType = "entity_start"     // EventTypeEntityStart indicates a worker began an entity.
	EventTypeEntityDone      EventType = "entity_done"      // EventTypeEntityDone indicates an entity finished, measured or not.
	EventTypeFault           EventType = "fault"            // EventTypeFault indicates a navigation fault on an entity.
	EventTypeRecycle         EventType = "recycle"          // EventTypeRecycle indicates a session was replaced.
	EventTypeCheckpoint      EventType = "checkpoint"       // EventTypeCheckpoint indicates a shard checkpoint was written.
	EventTypeShardDone       EventType = "shard_done"       // EventTypeShardDone indicates a worker finished its shard.
	EventTypeShardAborted    EventType = "shard_aborted"    // EventTypeShardAborted indicates a worker gave up after session recreation failed.
	EventTypeRunEnd          EventType = "run_end"          // EventTypeRunEnd indicates all workers joined and exports are written.
	EventTypeRegionsResolved EventType = "regions_resolved" // EventTypeRegionsResolved indicates the region list is known.
)

// Event is a progress notification from the orchestrator or a worker.
type Event struct {
	// Type indicates the kind of event.
	Type EventType

	// RunID identifies the run.
	RunID string

	// Shard is the 1-based shard number, zero for run-level events.
	Shard int

	// Entity is the entity concerned, if any.
	Entity string

	// Index is the entity's 1-based position in its shard.
	Index int

	// Total is the shard size for shard events, or the region count for
	// run-level events.
	Total int

	// Outcome is the entity's status for entity_done events.
	Outcome string

	// Measured is how many magnitudes got a value.
	Measured int

	// Reason explains recycle events: "scheduled" or "fault".
	Reason string

	// Paths lists files written for checkpoint and run_end events.
	Paths []string

	// Error contains error information for fault and abort events.
	Error error

	// Time is when the event was emitted.
	Time time.Time
}

// Observer receives events. It is called from worker goroutines and must be
// safe for concurrent use.
type Observer func(Event)

func newRunStartEvent(runID string, regions, workers int) Event {
	return Event{Type: EventTypeRunStart, RunID: runID, Total: regions, Index: workers}
}

func newEntityStartEvent(shard, index, total int, entity string) Event {
	return Event{Type: EventTypeEntityStart, Shard: shard, Index: index, Total: total, Entity: entity}
}

func newEntityDoneEvent(shard, index, total int, entity, outcome string, measured int) Event {
	return Event{
		Type:     EventTypeEntityDone,
		Shard:    shard,
		Index:    index,
		Total:    total,
		Entity:   entity,
		Outcome:  outcome,
		Measured: measured,
	}
}

func newFaultEvent(shard int, entity string, err error) Event {
	return Event{Type: EventTypeFault, Shard: shard, Entity: entity, Error: err}
}

func newRecycleEvent(shard int, reason string) Event {
	return Event{Type: EventTypeRecycle, Shard: shard, Reason: reason}
}

func newCheckpointEvent(shard, processed int, paths []string) Event {
	return Event{Type: EventTypeCheckpoint, Shard: shard, Index: processed, Paths: paths}
}
