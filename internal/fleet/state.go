package fleet

import (
	"context"
	"sync"
	"time"

	"github.com/synapsehq/synapse/pkg/models"
)

// history is a bounded rolling series: pushing beyond the bound evicts the
// oldest sample.
type history struct {
	buf []float64
}

func (h *history) push(v float64) {
	h.buf = append(h.buf, v)
	if len(h.buf) > models.HistoryLen {
		h.buf = h.buf[len(h.buf)-models.HistoryLen:]
	}
}

func (h *history) snapshot() []float64 {
	out := make([]float64, len(h.buf))
	copy(out, h.buf)
	return out
}

// latest returns the newest sample, or 0 when empty.
func (h *history) latest() float64 {
	if len(h.buf) == 0 {
		return 0
	}
	return h.buf[len(h.buf)-1]
}

// Process is a handle to a launched model server process.
type Process interface {
	// Stop terminates the process, gracefully first, then by force when ctx
	// expires.
	Stop(ctx context.Context) error
	// PID returns the OS process id, or 0 when not applicable.
	PID() int
}

// entry is the runtime state of one registered model. All fields are guarded
// by mu; the manager never holds two entry locks at once.
type entry struct {
	mu sync.Mutex

	desc  models.ModelDescriptor
	state models.ModelState

	proc   Process
	client HealthGenerator

	lastCheck    time.Time
	consecFails  int
	consecOKs    int
	startedAt    time.Time
	utilization  int

	reservations map[string]*Reservation

	tokensPerSec history
	vramGB       history
	latencyMS    history
}

func newEntry(desc models.ModelDescriptor) *entry {
	return &entry{
		desc:         desc,
		state:        models.StateOffline,
		reservations: make(map[string]*Reservation),
	}
}

// snapshotLocked builds a coherent copy. Caller holds e.mu.
func (e *entry) snapshotLocked() models.ModelSnapshot {
	var requests, errs uint64
	if e.client != nil {
		requests, errs = e.client.Counters()
	}
	return models.ModelSnapshot{
		Descriptor:          e.desc,
		State:               e.state,
		LastCheck:           e.lastCheck,
		ConsecutiveFailures: e.consecFails,
		Requests:            requests,
		Errors:              errs,
		StartedAt:           e.startedAt,
		Utilization:         e.utilization,
		Metrics: models.ModelMetrics{
			TokensPerSec: e.tokensPerSec.snapshot(),
			VRAMGB:       e.vramGB.snapshot(),
			LatencyMS:    e.latencyMS.snapshot(),
		},
	}
}

// recordHealthLocked folds one probe outcome into the rolling series. Failed
// probes append zeros so the series never silently freezes on a dead server.
func (e *entry) recordHealthLocked(stats healthSample, ok bool) {
	e.lastCheck = time.Now().UTC()
	if ok {
		e.tokensPerSec.push(stats.tokensPerSec)
		e.vramGB.push(stats.vramGB)
		e.latencyMS.push(float64(stats.latency.Milliseconds()))
		e.consecFails = 0
		e.consecOKs++
	} else {
		e.tokensPerSec.push(0)
		e.vramGB.push(0)
		e.latencyMS.push(0)
		e.consecOKs = 0
		e.consecFails++
	}
}

type healthSample struct {
	latency      time.Duration
	tokensPerSec float64
	vramGB       float64
}
