package fleet

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/synapsehq/synapse/internal/config"
	"github.com/synapsehq/synapse/internal/events"
	"github.com/synapsehq/synapse/internal/metrics"
	"github.com/synapsehq/synapse/internal/modelclient"
	"github.com/synapsehq/synapse/pkg/models"
	"github.com/synapsehq/synapse/pkg/synerr"
)

// HealthGenerator is the slice of the model client the fleet depends on.
type HealthGenerator interface {
	ID() string
	Health(ctx context.Context) (modelclient.HealthStats, error)
	Generate(ctx context.Context, prompt string, p models.GenParams) (*modelclient.Stream, error)
	Counters() (requests, errs uint64)
}

// ClientFactory builds the client for a launched model server.
type ClientFactory func(desc models.ModelDescriptor) HealthGenerator

// Manager owns the model fleet: registry, per-model runtime state, server
// lifecycle, and the health loop. All state transitions for one model are
// serialized through its entry mutex.
type Manager struct {
	cfg       config.FleetConfig
	reg       *Registry
	bus       events.Publisher
	launcher  Launcher
	newClient ClientFactory

	// onConfigChange fires after an admin mutation of a model's descriptor,
	// so cached responses produced under the old config can be invalidated.
	onConfigChange func(modelID string)

	mu      sync.RWMutex
	entries map[string]*entry
}

// Option configures the manager.
type Option func(*Manager)

// WithLauncher swaps the process launcher (tests use a stub).
func WithLauncher(l Launcher) Option {
	return func(m *Manager) { m.launcher = l }
}

// WithClientFactory swaps how model clients are built (tests point them at
// httptest servers).
func WithClientFactory(f ClientFactory) Option {
	return func(m *Manager) { m.newClient = f }
}

// WithConfigChangeHook registers the per-model config change callback.
func WithConfigChangeHook(fn func(modelID string)) Option {
	return func(m *Manager) { m.onConfigChange = fn }
}

// NewManager builds a manager over the given registry. Every registered model
// starts OFFLINE; servers are started explicitly or by the serve command.
func NewManager(cfg config.FleetConfig, reg *Registry, bus events.Publisher, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg,
		reg:      reg,
		bus:      bus,
		launcher: ExecLauncher{},
		newClient: func(desc models.ModelDescriptor) HealthGenerator {
			return modelclient.New(desc.ID, desc.Endpoint())
		},
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, desc := range reg.List() {
		m.entries[desc.ID] = newEntry(desc)
		metrics.ModelState.WithLabelValues(desc.ID).Set(metrics.StateValue(string(models.StateOffline)))
	}
	return m
}

// Run drives the health loop until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.checkAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown stops every running model server.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, snap := range m.Snapshot() {
		if snap.State != models.StateOffline {
			if err := m.Stop(ctx, snap.Descriptor.ID); err != nil {
				log.Warn().Err(err).Str("model", snap.Descriptor.ID).Msg("shutdown stop failed")
			}
		}
	}
}

// ── Health Loop ──────────────────────────────────────────────

func (m *Manager) checkAll(ctx context.Context) {
	m.mu.RLock()
	list := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		list = append(list, e)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, e := range list {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			m.checkOne(ctx, e)
		}(e)
	}
	wg.Wait()
}

func (m *Manager) checkOne(ctx context.Context, e *entry) {
	e.mu.Lock()
	client := e.client
	state := e.state
	e.mu.Unlock()

	// STARTING promotion is driven by Start's own readiness poll.
	if client == nil || !probeable(state) {
		return
	}

	stats, err := client.Health(ctx)
	sample := healthSample{
		latency:      stats.Latency,
		tokensPerSec: stats.TokensPerSec,
		vramGB:       stats.VRAMGB,
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != client {
		// Stopped or restarted while the probe was in flight.
		return
	}

	e.recordHealthLocked(sample, err == nil)

	switch {
	case err != nil && e.consecFails >= m.cfg.FailureThreshold &&
		(e.state == models.StateReady || e.state == models.StateProcessing):
		m.transitionLocked(e, models.StateDegraded)
	case err == nil && e.state == models.StateDegraded && e.consecOKs >= m.cfg.RecoveryThreshold:
		m.transitionLocked(e, models.StateReady)
	}

	m.bus.Publish(models.EventHealthCheck, map[string]any{
		"model_id":       e.desc.ID,
		"state":          string(e.state),
		"healthy":        err == nil,
		"latency_ms":     float64(sample.latency.Milliseconds()),
		"tokens_per_sec": sample.tokensPerSec,
		"vram_gb":        sample.vramGB,
	})
}

func probeable(s models.ModelState) bool {
	return s == models.StateReady || s == models.StateProcessing || s == models.StateDegraded
}

// transitionLocked moves e to a new state, updating the gauge and publishing
// exactly one state-change event. Caller holds e.mu.
func (m *Manager) transitionLocked(e *entry, to models.ModelState) {
	if e.state == to {
		return
	}
	from := e.state
	e.state = to
	metrics.ModelState.WithLabelValues(e.desc.ID).Set(metrics.StateValue(string(to)))
	log.Info().
		Str("model", e.desc.ID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("model state change")
	m.bus.Publish(models.EventModelStateChange, map[string]any{
		"model_id": e.desc.ID,
		"from":     string(from),
		"to":       string(to),
	})
}

// MarkDegraded forces a routable model into DEGRADED after a fatal
// generation error, taking it out of selection immediately. The health loop
// restores it once the usual run of consecutive successes accumulates.
func (m *Manager) MarkDegraded(id string) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != models.StateReady && e.state != models.StateProcessing {
		return nil
	}
	e.consecOKs = 0
	m.transitionLocked(e, models.StateDegraded)
	return nil
}

// ── Lifecycle ────────────────────────────────────────────────

func (m *Manager) entry(id string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return nil, synerr.Newf(synerr.KindValidation, "unknown model %q", id)
	}
	return e, nil
}

// Start launches the model server and waits for its first healthy probe.
// Starting a model that is already STARTING, READY, or PROCESSING is a no-op.
func (m *Manager) Start(ctx context.Context, id string) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if !e.desc.Enabled {
		e.mu.Unlock()
		return synerr.Newf(synerr.KindValidation, "model %q is disabled", id)
	}
	switch e.state {
	case models.StateStarting, models.StateReady, models.StateProcessing:
		e.mu.Unlock()
		return nil
	case models.StateStopping:
		e.mu.Unlock()
		return synerr.Newf(synerr.KindModelTransient, "model %q is stopping", id)
	}
	m.transitionLocked(e, models.StateStarting)
	desc := e.desc
	e.mu.Unlock()

	proc, err := m.launcher.Launch(ctx, desc)
	if err != nil {
		e.mu.Lock()
		m.transitionLocked(e, models.StateOffline)
		e.mu.Unlock()
		return synerr.Wrap(synerr.KindModelTransient, err, "launch model server")
	}
	client := m.newClient(desc)

	e.mu.Lock()
	e.proc = proc
	e.client = client
	e.startedAt = time.Now().UTC()
	e.consecFails = 0
	e.consecOKs = 0
	e.mu.Unlock()

	if err := m.awaitReady(ctx, e, client); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = proc.Stop(stopCtx)
		e.mu.Lock()
		e.proc = nil
		e.client = nil
		m.transitionLocked(e, models.StateOffline)
		e.mu.Unlock()
		return err
	}
	return nil
}

// awaitReady polls the health endpoint until the first success or the
// startup timeout.
func (m *Manager) awaitReady(ctx context.Context, e *entry, client HealthGenerator) error {
	deadline := time.Now().Add(m.cfg.StartupTimeout)
	for {
		stats, err := client.Health(ctx)
		if err == nil {
			e.mu.Lock()
			if e.client == client && e.state == models.StateStarting {
				e.recordHealthLocked(healthSample{
					latency:      stats.Latency,
					tokensPerSec: stats.TokensPerSec,
					vramGB:       stats.VRAMGB,
				}, true)
				m.transitionLocked(e, models.StateReady)
			}
			e.mu.Unlock()
			return nil
		}
		if time.Now().After(deadline) {
			return synerr.Newf(synerr.KindModelTransient,
				"model %q not ready after %s", e.desc.ID, m.cfg.StartupTimeout)
		}
		select {
		case <-time.After(500 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop terminates the model server. Stopping an OFFLINE model is a no-op.
// Outstanding reservations are force-released.
func (m *Manager) Stop(ctx context.Context, id string) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.state == models.StateOffline || e.state == models.StateStopping {
		e.mu.Unlock()
		return nil
	}
	m.transitionLocked(e, models.StateStopping)
	proc := e.proc
	e.proc = nil
	e.client = nil
	for _, r := range e.reservations {
		r.timer.Stop()
	}
	e.reservations = make(map[string]*Reservation)
	e.utilization = 0
	metrics.ModelUtilization.WithLabelValues(id).Set(0)
	e.mu.Unlock()

	if proc != nil {
		if err := proc.Stop(ctx); err != nil {
			log.Warn().Err(err).Str("model", id).Msg("model server stop failed")
		}
	}

	e.mu.Lock()
	e.consecFails = 0
	e.consecOKs = 0
	m.transitionLocked(e, models.StateOffline)
	e.mu.Unlock()
	return nil
}

// Restart stops then starts the model server.
func (m *Manager) Restart(ctx context.Context, id string) error {
	if err := m.Stop(ctx, id); err != nil {
		return err
	}
	return m.Start(ctx, id)
}

// ── Registry Operations ──────────────────────────────────────

// Register adds or replaces a descriptor and materializes its runtime entry.
func (m *Manager) Register(desc models.ModelDescriptor) error {
	if err := m.reg.Put(desc); err != nil {
		return synerr.Wrap(synerr.KindValidation, err, "register model")
	}
	stored, _ := m.reg.Get(desc.ID)

	m.mu.Lock()
	if e, ok := m.entries[desc.ID]; ok {
		e.mu.Lock()
		e.desc = stored
		e.mu.Unlock()
	} else {
		m.entries[desc.ID] = newEntry(stored)
		metrics.ModelState.WithLabelValues(desc.ID).Set(metrics.StateValue(string(models.StateOffline)))
	}
	m.mu.Unlock()
	return nil
}

// Unregister stops the model if running and removes it from the registry.
func (m *Manager) Unregister(ctx context.Context, id string) error {
	if err := m.Stop(ctx, id); err != nil {
		return err
	}
	if err := m.reg.Remove(id); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()
	return nil
}

// Rescan synchronizes the registry with the model directory and reconciles
// runtime entries. Vanished models are stopped before removal.
func (m *Manager) Rescan(ctx context.Context, dir string) (added, removed []string, err error) {
	added, removed, err = m.reg.Rescan(dir)
	if err != nil {
		return added, removed, err
	}
	for _, id := range removed {
		if serr := m.Stop(ctx, id); serr != nil {
			log.Warn().Err(serr).Str("model", id).Msg("stop of vanished model failed")
		}
		m.mu.Lock()
		delete(m.entries, id)
		m.mu.Unlock()
	}
	m.mu.Lock()
	for _, id := range added {
		if desc, ok := m.reg.Get(id); ok {
			m.entries[id] = newEntry(desc)
			metrics.ModelState.WithLabelValues(id).Set(metrics.StateValue(string(models.StateOffline)))
		}
	}
	m.mu.Unlock()
	return added, removed, nil
}

// mutateDescriptor applies fn to the stored descriptor and fires the config
// change hook so stale cached responses are invalidated.
func (m *Manager) mutateDescriptor(id string, fn func(*models.ModelDescriptor)) error {
	desc, ok := m.reg.Get(id)
	if !ok {
		return synerr.Newf(synerr.KindValidation, "unknown model %q", id)
	}
	fn(&desc)
	if err := m.reg.Put(desc); err != nil {
		return synerr.Wrap(synerr.KindValidation, err, "update model")
	}

	e, err := m.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.desc = desc
	e.mu.Unlock()

	if m.onConfigChange != nil {
		m.onConfigChange(id)
	}
	return nil
}

// SetEnabled toggles routing eligibility for a model.
func (m *Manager) SetEnabled(id string, enabled bool) error {
	return m.mutateDescriptor(id, func(d *models.ModelDescriptor) { d.Enabled = enabled })
}

// SetTier reassigns a model's capability tier.
func (m *Manager) SetTier(id string, tier models.Tier) error {
	if tier != models.TierFast && tier != models.TierBalanced && tier != models.TierPowerful {
		return synerr.Newf(synerr.KindValidation, "invalid tier %q", tier)
	}
	return m.mutateDescriptor(id, func(d *models.ModelDescriptor) { d.Tier = tier })
}

// SetOverrides replaces a model's runtime overrides. Takes effect on the next
// start.
func (m *Manager) SetOverrides(id string, ov *models.RuntimeOverrides) error {
	return m.mutateDescriptor(id, func(d *models.ModelDescriptor) { d.Overrides = ov })
}

// ── Views ────────────────────────────────────────────────────

// Snapshot returns a coherent view of every model, ordered by id.
func (m *Manager) Snapshot() []models.ModelSnapshot {
	m.mu.RLock()
	list := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		list = append(list, e)
	}
	m.mu.RUnlock()

	out := make([]models.ModelSnapshot, 0, len(list))
	for _, e := range list {
		e.mu.Lock()
		out = append(out, e.snapshotLocked())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Descriptor.ID < out[j].Descriptor.ID
	})
	return out
}

// Get returns the snapshot for one model.
func (m *Manager) Get(id string) (models.ModelSnapshot, bool) {
	e, err := m.entry(id)
	if err != nil {
		return models.ModelSnapshot{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked(), true
}

// Client returns the generation client for a running model.
func (m *Manager) Client(id string) (HealthGenerator, bool) {
	e, err := m.entry(id)
	if err != nil {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == nil {
		return nil, false
	}
	return e.client, true
}

// Select returns the routable models of a tier ordered by preference: lowest
// utilization first, then lowest recent latency, then stable id order.
// Degraded and failure-gated models are excluded.
func (m *Manager) Select(tier models.Tier) []models.ModelSnapshot {
	m.mu.RLock()
	list := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		list = append(list, e)
	}
	m.mu.RUnlock()

	type candidate struct {
		snap    models.ModelSnapshot
		latency float64
	}
	var cands []candidate
	for _, e := range list {
		e.mu.Lock()
		eligible := e.desc.Enabled &&
			e.desc.Tier == tier &&
			e.state.Routable() &&
			e.consecFails < m.cfg.FailureThreshold
		if eligible {
			cands = append(cands, candidate{snap: e.snapshotLocked(), latency: e.latencyMS.latest()})
		}
		e.mu.Unlock()
	}

	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.snap.Utilization != b.snap.Utilization {
			return a.snap.Utilization < b.snap.Utilization
		}
		if a.latency != b.latency {
			return a.latency < b.latency
		}
		return a.snap.Descriptor.ID < b.snap.Descriptor.ID
	})

	out := make([]models.ModelSnapshot, len(cands))
	for i, c := range cands {
		out[i] = c.snap
	}
	return out
}

// ── Reservations ─────────────────────────────────────────────

// Reservation is one granted unit of capacity on a model. Release is
// idempotent; unreleased reservations are reclaimed at the deadline.
type Reservation struct {
	ID      string
	ModelID string

	mgr   *Manager
	e     *entry
	timer *time.Timer
	once  sync.Once
}

// Release returns the capacity. Safe to call more than once.
func (r *Reservation) Release() {
	r.once.Do(func() {
		r.timer.Stop()
		r.mgr.release(r, false)
	})
}

// Reserve claims one unit of capacity on a routable model. The first
// reservation moves READY to PROCESSING.
func (m *Manager) Reserve(id string) (*Reservation, error) {
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.state.Routable() || e.consecFails >= m.cfg.FailureThreshold {
		return nil, synerr.Newf(synerr.KindNoCapacity, "model %q not routable (state %s)", id, e.state)
	}

	r := &Reservation{
		ID:      uuid.NewString(),
		ModelID: id,
		mgr:     m,
		e:       e,
	}
	r.timer = time.AfterFunc(m.cfg.ReservationDeadline, func() {
		r.once.Do(func() { m.release(r, true) })
	})

	e.reservations[r.ID] = r
	e.utilization++
	metrics.ModelUtilization.WithLabelValues(id).Set(float64(e.utilization))
	if e.state == models.StateReady {
		m.transitionLocked(e, models.StateProcessing)
	}
	return r, nil
}

// release returns one unit of capacity. Expired releases flag the query for
// investigation via a performance alert.
func (m *Manager) release(r *Reservation, expired bool) {
	e := r.e
	e.mu.Lock()
	if _, held := e.reservations[r.ID]; !held {
		// Reclaimed by Stop while this release was pending.
		e.mu.Unlock()
		return
	}
	delete(e.reservations, r.ID)
	if e.utilization > 0 {
		e.utilization--
	}
	metrics.ModelUtilization.WithLabelValues(r.ModelID).Set(float64(e.utilization))
	if e.utilization == 0 && e.state == models.StateProcessing {
		m.transitionLocked(e, models.StateReady)
	}
	e.mu.Unlock()

	if expired {
		log.Warn().
			Str("model", r.ModelID).
			Str("reservation", r.ID).
			Msg("reservation deadline exceeded, auto-released")
		m.bus.Publish(models.EventPerformanceAlert, map[string]any{
			"model_id":    r.ModelID,
			"reason":      "reservation_deadline",
			"reservation": r.ID,
		})
	}
}
