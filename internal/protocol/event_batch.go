package protocol

// SUBSCRIBE (client -> server). Worlds filters the stream; empty means all.
// SinceCursor > 0 replays buffered events newer than the cursor first.
type SubscribeMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	Worlds          []string `json:"worlds,omitempty"`
	SinceCursor     uint64   `json:"since_cursor,omitempty"`
}

// CacheEvent is one coordinator event as seen on the wire.
type CacheEvent struct {
	Kind          string    `json:"kind"`
	JobID         string    `json:"job_id,omitempty"`
	World         string    `json:"world"`
	StructureType string    `json:"structure_type"`
	Target        *[3]int32 `json:"target,omitempty"`
	Center        *[2]int32 `json:"center,omitempty"`
	Probes        int       `json:"probes,omitempty"`
	ProbeErrors   int       `json:"probe_errors,omitempty"`
	DurationMS    int64     `json:"duration_ms,omitempty"`
	Error         string    `json:"error,omitempty"`
	At            string    `json:"at"`
}

// EVENT (server -> client)
type EventMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	Cursor          uint64     `json:"cursor"`
	Event           CacheEvent `json:"event"`
}

type EventBatchItem struct {
	Cursor uint64     `json:"cursor"`
	Event  CacheEvent `json:"event"`
}

// EVENT_BATCH (server -> client): replay answering SinceCursor.
type EventBatchMsg struct {
	Type            string           `json:"type"`
	ProtocolVersion string           `json:"protocol_version"`
	Events          []EventBatchItem `json:"events"`
	NextCursor      uint64           `json:"next_cursor"`
}
