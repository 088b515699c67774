package model

import "time"

// Metrics is the authoritative counter/scalar shape for a task, per
// §4.5.4. This is the single definition used by every repository and
// executor path; the upstream's multiple, subtly different metrics-init
// shapes do not survive into this implementation.
type Metrics struct {
	Inserts        int64     `json:"inserts"`
	Updates        int64     `json:"updates"`
	Deletes        int64     `json:"deletes"`
	BytesProcessed int64     `json:"bytes_processed"`
	LastUpdated    time.Time `json:"last_updated"`
	LatencyMs      int64     `json:"latency_ms"`
	Error          string    `json:"error,omitempty"`
}

// Add accumulates counts from a batch into m and stamps LastUpdated/latency.
func (m *Metrics) Add(inserts, updates, deletes, bytes int64, latency time.Duration) {
	m.Inserts += inserts
	m.Updates += updates
	m.Deletes += deletes
	m.BytesProcessed += bytes
	m.LatencyMs = latency.Milliseconds()
	m.LastUpdated = time.Now().UTC()
}
