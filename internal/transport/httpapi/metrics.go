package httpapi

import (
	"fmt"
	"io"
	"net/http"

	"explorermaps.dev/internal/mapcache"
)

func (s *Server) handleMetrics(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
	WriteCacheMetrics(rw, s.cache.Stats())
	for _, m := range s.metrics {
		m(rw)
	}
}

// WriteCacheMetrics writes coordinator stats in Prometheus text format.
func WriteCacheMetrics(w io.Writer, st mapcache.Stats) {
	gauge(w, "explorermaps_cache_entries", "Cached map entries.", int64(st.Entries))
	gauge(w, "explorermaps_cache_in_flight", "Keys with a render queued or running.", int64(st.InFlight))
	gauge(w, "explorermaps_cache_queue_depth", "Render jobs waiting for a worker.", int64(st.QueueDepth))
	gauge(w, "explorermaps_cache_queue_capacity", "Render backlog warning mark.", int64(st.QueueCapacity))

	fmt.Fprintf(w, "# HELP explorermaps_cache_jobs_total Render job outcomes.\n")
	fmt.Fprintf(w, "# TYPE explorermaps_cache_jobs_total counter\n")
	for _, c := range []struct {
		outcome string
		n       uint64
	}{
		{"scheduled", st.ScheduledTotal},
		{"deduped", st.DedupedTotal},
		{"dropped", st.DroppedTotal},
		{"saturated", st.SaturatedTotal},
		{"generated", st.GeneratedTotal},
		{"failed", st.FailedTotal},
		{"skipped", st.SkippedTotal},
		{"persist_failed", st.PersistFailedTotal},
		{"loaded", st.LoadedTotal},
	} {
		fmt.Fprintf(w, "explorermaps_cache_jobs_total{outcome=%q} %d\n", c.outcome, c.n)
	}

	gauge(w, "explorermaps_cache_last_generated_unix", "Unix timestamp of the last successful render.", st.LastGeneratedUnix)
	gauge(w, "explorermaps_cache_last_failed_unix", "Unix timestamp of the last failed render.", st.LastFailedUnix)
}

func gauge(w io.Writer, name, help string, v int64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s gauge\n", name)
	fmt.Fprintf(w, "%s %d\n", name, v)
}

// Counter writes a single counter block.
func Counter(w io.Writer, name, help string, v uint64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	fmt.Fprintf(w, "%s %d\n", name, v)
}

// Gauge writes a single gauge block.
func Gauge(w io.Writer, name, help string, v int64) { gauge(w, name, help, v) }
