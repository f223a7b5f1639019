package fleet

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/synapsehq/synapse/internal/config"
	"github.com/synapsehq/synapse/internal/modelclient"
	"github.com/synapsehq/synapse/pkg/models"
	"github.com/synapsehq/synapse/pkg/synerr"
)

// capturePub records published events for assertions.
type capturePub struct {
	mu     sync.Mutex
	events []capturedEvent
}

type capturedEvent struct {
	kind    models.EventKind
	payload map[string]any
}

func (p *capturePub) Publish(kind models.EventKind, payload map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, capturedEvent{kind: kind, payload: payload})
}

func (p *capturePub) count(kind models.EventKind) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.kind == kind {
			n++
		}
	}
	return n
}

func (p *capturePub) stateChanges(modelID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		if e.kind == models.EventModelStateChange && e.payload["model_id"] == modelID {
			out = append(out, e.payload["to"].(string))
		}
	}
	return out
}

// stubLauncher hands out inert processes.
type stubLauncher struct{}

type stubProcess struct{}

func (stubProcess) Stop(context.Context) error { return nil }
func (stubProcess) PID() int                   { return 1234 }

func (stubLauncher) Launch(context.Context, models.ModelDescriptor) (Process, error) {
	return stubProcess{}, nil
}

// fakeClient is a controllable health probe.
type fakeClient struct {
	id string

	mu      sync.Mutex
	healthy bool
	stats   modelclient.HealthStats
}

func (f *fakeClient) ID() string { return f.id }

func (f *fakeClient) setHealthy(ok bool) {
	f.mu.Lock()
	f.healthy = ok
	f.mu.Unlock()
}

func (f *fakeClient) Health(context.Context) (modelclient.HealthStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.healthy {
		return modelclient.HealthStats{}, synerr.New(synerr.KindModelTransient, "probe refused")
	}
	return f.stats, nil
}

func (f *fakeClient) Generate(context.Context, string, models.GenParams) (*modelclient.Stream, error) {
	return nil, synerr.New(synerr.KindModelFatal, "not implemented")
}

func (f *fakeClient) Counters() (uint64, uint64) { return 0, 0 }

func testFleetConfig(t *testing.T) config.FleetConfig {
	return config.FleetConfig{
		RegistryPath:        filepath.Join(t.TempDir(), "registry.json"),
		PortRangeStart:      8601,
		PortRangeEnd:        8699,
		HealthInterval:      10 * time.Millisecond,
		FailureThreshold:    3,
		RecoveryThreshold:   2,
		ReservationDeadline: time.Minute,
		StartupTimeout:      time.Second,
	}
}

func newTestManager(t *testing.T, cfg config.FleetConfig, pub *capturePub) (*Manager, *fakeClient) {
	t.Helper()
	reg, err := LoadRegistry(cfg.RegistryPath, cfg.PortRangeStart, cfg.PortRangeEnd)
	if err != nil {
		t.Fatalf("LoadRegistry() error = %v", err)
	}

	fc := &fakeClient{
		healthy: true,
		stats: modelclient.HealthStats{
			Latency:      5 * time.Millisecond,
			TokensPerSec: 42,
			VRAMGB:       3.5,
		},
	}
	m := NewManager(cfg, reg, pub,
		WithLauncher(stubLauncher{}),
		WithClientFactory(func(desc models.ModelDescriptor) HealthGenerator {
			fc.id = desc.ID
			return fc
		}),
	)
	if err := m.Register(models.ModelDescriptor{
		ID:      "phi-3-mini-q2",
		Quant:   models.QuantQ2,
		Tier:    models.TierFast,
		Enabled: true,
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return m, fc
}

func TestStartStopLifecycle(t *testing.T) {
	pub := &capturePub{}
	m, _ := newTestManager(t, testFleetConfig(t), pub)
	ctx := context.Background()

	if err := m.Start(ctx, "phi-3-mini-q2"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	snap, _ := m.Get("phi-3-mini-q2")
	if snap.State != models.StateReady {
		t.Fatalf("state after Start = %v, want READY", snap.State)
	}

	// Idempotent start.
	if err := m.Start(ctx, "phi-3-mini-q2"); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if got := pub.stateChanges("phi-3-mini-q2"); len(got) != 2 {
		t.Errorf("state changes = %v, want [STARTING READY]", got)
	}

	if err := m.Stop(ctx, "phi-3-mini-q2"); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	snap, _ = m.Get("phi-3-mini-q2")
	if snap.State != models.StateOffline {
		t.Errorf("state after Stop = %v, want OFFLINE", snap.State)
	}
	// Idempotent stop.
	if err := m.Stop(ctx, "phi-3-mini-q2"); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestDegradationAndRecovery(t *testing.T) {
	pub := &capturePub{}
	cfg := testFleetConfig(t)
	m, fc := newTestManager(t, cfg, pub)
	ctx := context.Background()

	if err := m.Start(ctx, "phi-3-mini-q2"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	fc.setHealthy(false)
	for i := 0; i < cfg.FailureThreshold; i++ {
		m.checkAll(ctx)
	}

	snap, _ := m.Get("phi-3-mini-q2")
	if snap.State != models.StateDegraded {
		t.Fatalf("state after %d failed checks = %v, want DEGRADED", cfg.FailureThreshold, snap.State)
	}
	if snap.ConsecutiveFailures != cfg.FailureThreshold {
		t.Errorf("consecutive failures = %d, want %d", snap.ConsecutiveFailures, cfg.FailureThreshold)
	}

	// Exactly one DEGRADED transition even as failures continue.
	m.checkAll(ctx)
	degraded := 0
	for _, to := range pub.stateChanges("phi-3-mini-q2") {
		if to == string(models.StateDegraded) {
			degraded++
		}
	}
	if degraded != 1 {
		t.Errorf("DEGRADED transitions = %d, want exactly 1", degraded)
	}

	// Degraded models receive no traffic.
	if got := m.Select(models.TierFast); len(got) != 0 {
		t.Errorf("Select() returned degraded model: %v", got)
	}
	if _, err := m.Reserve("phi-3-mini-q2"); !synerr.Is(err, synerr.KindNoCapacity) {
		t.Errorf("Reserve() on degraded model error = %v, want no-capacity", err)
	}

	// Recovery after H consecutive successes.
	fc.setHealthy(true)
	m.checkAll(ctx)
	snap, _ = m.Get("phi-3-mini-q2")
	if snap.State != models.StateDegraded {
		t.Fatalf("state after 1 success = %v, want still DEGRADED", snap.State)
	}
	m.checkAll(ctx)
	snap, _ = m.Get("phi-3-mini-q2")
	if snap.State != models.StateReady {
		t.Fatalf("state after %d successes = %v, want READY", cfg.RecoveryThreshold, snap.State)
	}
	if got := m.Select(models.TierFast); len(got) != 1 {
		t.Errorf("Select() after recovery = %v, want the recovered model", got)
	}
}

func TestMarkDegraded(t *testing.T) {
	pub := &capturePub{}
	cfg := testFleetConfig(t)
	m, _ := newTestManager(t, cfg, pub)
	ctx := context.Background()

	if err := m.Start(ctx, "phi-3-mini-q2"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := m.MarkDegraded("phi-3-mini-q2"); err != nil {
		t.Fatalf("MarkDegraded() error = %v", err)
	}
	snap, _ := m.Get("phi-3-mini-q2")
	if snap.State != models.StateDegraded {
		t.Fatalf("state after MarkDegraded = %v, want DEGRADED", snap.State)
	}
	if got := m.Select(models.TierFast); len(got) != 0 {
		t.Errorf("Select() returned marked model: %v", ids(got))
	}
	// Idempotent on an already degraded model.
	if err := m.MarkDegraded("phi-3-mini-q2"); err != nil {
		t.Fatalf("second MarkDegraded() error = %v", err)
	}

	// The health loop recovers it after H consecutive successes.
	for i := 0; i < cfg.RecoveryThreshold; i++ {
		m.checkAll(ctx)
	}
	snap, _ = m.Get("phi-3-mini-q2")
	if snap.State != models.StateReady {
		t.Errorf("state after recovery checks = %v, want READY", snap.State)
	}

	if err := m.MarkDegraded("no-such-model"); !synerr.Is(err, synerr.KindValidation) {
		t.Errorf("MarkDegraded() on unknown model error = %v, want validation", err)
	}
}

func TestFailedChecksAppendZeroSamples(t *testing.T) {
	pub := &capturePub{}
	m, fc := newTestManager(t, testFleetConfig(t), pub)
	ctx := context.Background()

	if err := m.Start(ctx, "phi-3-mini-q2"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	fc.setHealthy(false)
	m.checkAll(ctx)
	m.checkAll(ctx)

	snap, _ := m.Get("phi-3-mini-q2")
	series := snap.Metrics.TokensPerSec
	if len(series) != 3 {
		t.Fatalf("series length = %d, want 3 (startup probe + 2 failures)", len(series))
	}
	if series[1] != 0 || series[2] != 0 {
		t.Errorf("failed checks recorded %v, want trailing zeros", series)
	}
	if len(snap.Metrics.VRAMGB) != len(series) || len(snap.Metrics.LatencyMS) != len(series) {
		t.Error("metric series lengths diverged")
	}
}

func TestMetricsHistoryBounded(t *testing.T) {
	var h history
	for i := 0; i < models.HistoryLen*2; i++ {
		h.push(float64(i))
	}
	got := h.snapshot()
	if len(got) != models.HistoryLen {
		t.Fatalf("history length = %d, want %d", len(got), models.HistoryLen)
	}
	if got[0] != float64(models.HistoryLen) {
		t.Errorf("oldest sample = %v, want %v", got[0], float64(models.HistoryLen))
	}
	if h.latest() != float64(models.HistoryLen*2-1) {
		t.Errorf("latest() = %v, want %v", h.latest(), float64(models.HistoryLen*2-1))
	}
}

func TestReserveRelease(t *testing.T) {
	pub := &capturePub{}
	m, _ := newTestManager(t, testFleetConfig(t), pub)
	ctx := context.Background()

	if err := m.Start(ctx, "phi-3-mini-q2"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	r1, err := m.Reserve("phi-3-mini-q2")
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	r2, err := m.Reserve("phi-3-mini-q2")
	if err != nil {
		t.Fatalf("second Reserve() error = %v", err)
	}

	snap, _ := m.Get("phi-3-mini-q2")
	if snap.State != models.StateProcessing || snap.Utilization != 2 {
		t.Fatalf("state/utilization = %v/%d, want PROCESSING/2", snap.State, snap.Utilization)
	}

	r1.Release()
	snap, _ = m.Get("phi-3-mini-q2")
	if snap.State != models.StateProcessing || snap.Utilization != 1 {
		t.Fatalf("after one release: %v/%d, want PROCESSING/1", snap.State, snap.Utilization)
	}

	r2.Release()
	r2.Release() // idempotent
	snap, _ = m.Get("phi-3-mini-q2")
	if snap.State != models.StateReady || snap.Utilization != 0 {
		t.Fatalf("after all released: %v/%d, want READY/0", snap.State, snap.Utilization)
	}
}

func TestReservationDeadlineAutoRelease(t *testing.T) {
	pub := &capturePub{}
	cfg := testFleetConfig(t)
	cfg.ReservationDeadline = 20 * time.Millisecond
	m, _ := newTestManager(t, cfg, pub)
	ctx := context.Background()

	if err := m.Start(ctx, "phi-3-mini-q2"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := m.Reserve("phi-3-mini-q2"); err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap, _ := m.Get("phi-3-mini-q2")
		if snap.Utilization == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	snap, _ := m.Get("phi-3-mini-q2")
	if snap.Utilization != 0 || snap.State != models.StateReady {
		t.Fatalf("expired reservation not reclaimed: %v/%d", snap.State, snap.Utilization)
	}
	if pub.count(models.EventPerformanceAlert) != 1 {
		t.Errorf("performance alerts = %d, want 1", pub.count(models.EventPerformanceAlert))
	}
}

func TestSelectOrdering(t *testing.T) {
	pub := &capturePub{}
	cfg := testFleetConfig(t)
	reg, err := LoadRegistry(cfg.RegistryPath, cfg.PortRangeStart, cfg.PortRangeEnd)
	if err != nil {
		t.Fatalf("LoadRegistry() error = %v", err)
	}

	clients := map[string]*fakeClient{}
	m := NewManager(cfg, reg, pub,
		WithLauncher(stubLauncher{}),
		WithClientFactory(func(desc models.ModelDescriptor) HealthGenerator {
			fc := &fakeClient{id: desc.ID, healthy: true}
			clients[desc.ID] = fc
			return fc
		}),
	)

	ctx := context.Background()
	for _, id := range []string{"fast-b", "fast-a", "fast-c"} {
		if err := m.Register(models.ModelDescriptor{
			ID: id, Quant: models.QuantQ2, Tier: models.TierFast, Enabled: true,
		}); err != nil {
			t.Fatalf("Register(%q) error = %v", id, err)
		}
		if err := m.Start(ctx, id); err != nil {
			t.Fatalf("Start(%q) error = %v", id, err)
		}
	}

	// Ties on utilization and latency break by id.
	got := m.Select(models.TierFast)
	if len(got) != 3 || got[0].Descriptor.ID != "fast-a" || got[2].Descriptor.ID != "fast-c" {
		t.Fatalf("Select() order = %v, want [fast-a fast-b fast-c]", ids(got))
	}

	// A busy model sorts after idle ones.
	r, err := m.Reserve("fast-a")
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	defer r.Release()
	got = m.Select(models.TierFast)
	if got[0].Descriptor.ID != "fast-b" || got[2].Descriptor.ID != "fast-a" {
		t.Errorf("Select() with fast-a busy = %v, want it last", ids(got))
	}

	// Disabled models are excluded.
	if err := m.SetEnabled("fast-b", false); err != nil {
		t.Fatalf("SetEnabled() error = %v", err)
	}
	got = m.Select(models.TierFast)
	if len(got) != 2 {
		t.Errorf("Select() with fast-b disabled = %v, want 2 models", ids(got))
	}
}

func TestConfigChangeHookFires(t *testing.T) {
	pub := &capturePub{}
	cfg := testFleetConfig(t)
	reg, err := LoadRegistry(cfg.RegistryPath, cfg.PortRangeStart, cfg.PortRangeEnd)
	if err != nil {
		t.Fatalf("LoadRegistry() error = %v", err)
	}

	var invalidated []string
	m := NewManager(cfg, reg, pub,
		WithLauncher(stubLauncher{}),
		WithConfigChangeHook(func(id string) { invalidated = append(invalidated, id) }),
	)
	if err := m.Register(models.ModelDescriptor{
		ID: "phi-3-mini-q2", Quant: models.QuantQ2, Tier: models.TierFast, Enabled: true,
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if err := m.SetTier("phi-3-mini-q2", models.TierBalanced); err != nil {
		t.Fatalf("SetTier() error = %v", err)
	}
	layers := 32
	if err := m.SetOverrides("phi-3-mini-q2", &models.RuntimeOverrides{GPULayers: &layers}); err != nil {
		t.Fatalf("SetOverrides() error = %v", err)
	}
	if len(invalidated) != 2 {
		t.Errorf("config change hook fired %d times, want 2", len(invalidated))
	}

	if err := m.SetTier("phi-3-mini-q2", models.Tier("SHINY")); !synerr.Is(err, synerr.KindValidation) {
		t.Errorf("SetTier() with bad tier error = %v, want validation", err)
	}
}

func ids(snaps []models.ModelSnapshot) []string {
	out := make([]string, len(snaps))
	for i, s := range snaps {
		out[i] = s.Descriptor.ID
	}
	return out
}
