package mapcache

import (
	"time"

	"explorermaps.dev/internal/poi"
)

const (
	EventQueued        = "queued"
	EventStarted       = "started"
	EventGenerated     = "generated"
	EventFailed        = "failed"
	EventSkipped       = "skipped"
	EventLoaded        = "loaded"
	EventPersisted     = "persisted"
	EventPersistFailed = "persist_failed"
)

// Event describes one step in the life of a cache entry. Err carries the
// failure or skip reason.
type Event struct {
	Kind        string
	JobID       string
	Key         Key
	POI         poi.POI
	CenterX     int32
	CenterZ     int32
	Probes      int
	ProbeErrors int
	Duration    time.Duration
	Err         string
	At          time.Time
}

// EventSink receives events synchronously from the emitting goroutine, so
// implementations must not block for long.
type EventSink interface {
	CacheEvent(ev Event)
}

// MultiSink fans an event out to several sinks in order.
type MultiSink []EventSink

func (m MultiSink) CacheEvent(ev Event) {
	for _, s := range m {
		if s != nil {
			s.CacheEvent(ev)
		}
	}
}
