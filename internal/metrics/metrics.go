// Package metrics is the Observability surface spec.md §6 names:
// counters for applied updates, broadcasts, compactions, and rejected
// frames. Backed by prometheus/client_golang, promoted here from an
// indirect dependency of the teacher's module graph (pulled in
// transitively through libp2p) to a directly-exercised one.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Recorder is the narrow interface the rest of the core depends on,
// so tests can swap in Noop instead of registering real
// Prometheus collectors.
type Recorder interface {
	AppliedUpdate(projectID string)
	Broadcast(projectID string)
	CompactionRun(projectID string)
	CompactionAborted(projectID string)
	RejectedFrame(reason string)
}

// Prometheus is the default Recorder, registering its collectors on
// the given registerer (pass prometheus.DefaultRegisterer in
// production, a fresh prometheus.NewRegistry() in tests that run
// concurrently).
type Prometheus struct {
	appliedUpdates    *prometheus.CounterVec
	broadcasts        *prometheus.CounterVec
	compactionsRun    *prometheus.CounterVec
	compactionsAbort  *prometheus.CounterVec
	rejectedFrames    *prometheus.CounterVec
}

func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		appliedUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_applied_updates_total",
			Help: "Updates successfully applied to a project's document.",
		}, []string{"project_id"}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_broadcasts_total",
			Help: "SyncUpdate frames fanned out to other sessions.",
		}, []string{"project_id"}),
		compactionsRun: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_compactions_total",
			Help: "Update log compactions committed.",
		}, []string{"project_id"}),
		compactionsAbort: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_compaction_aborts_total",
			Help: "Update log compactions aborted due to interleaving.",
		}, []string{"project_id"}),
		rejectedFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_rejected_frames_total",
			Help: "Frames dropped as protocol errors.",
		}, []string{"reason"}),
	}
	reg.MustRegister(p.appliedUpdates, p.broadcasts, p.compactionsRun, p.compactionsAbort, p.rejectedFrames)
	return p
}

func (p *Prometheus) AppliedUpdate(projectID string)   { p.appliedUpdates.WithLabelValues(projectID).Inc() }
func (p *Prometheus) Broadcast(projectID string)        { p.broadcasts.WithLabelValues(projectID).Inc() }
func (p *Prometheus) CompactionRun(projectID string)    { p.compactionsRun.WithLabelValues(projectID).Inc() }
func (p *Prometheus) CompactionAborted(projectID string) {
	p.compactionsAbort.WithLabelValues(projectID).Inc()
}
func (p *Prometheus) RejectedFrame(reason string) { p.rejectedFrames.WithLabelValues(reason).Inc() }

// Noop discards everything; used by tests that don't care about
// metrics and don't want to register global collectors.
type Noop struct{}

func (Noop) AppliedUpdate(string)     {}
func (Noop) Broadcast(string)         {}
func (Noop) CompactionRun(string)     {}
func (Noop) CompactionAborted(string) {}
func (Noop) RejectedFrame(string)     {}

var _ Recorder = (*Prometheus)(nil)
var _ Recorder = Noop{}
