// Package router picks exactly one model per request: tier selection from
// the complexity recommendation (or an explicit override), semaphore-based
// admission per tier, downgrade fallback, and capacity reservation.
package router

import (
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/synapsehq/synapse/internal/config"
	"github.com/synapsehq/synapse/internal/fleet"
	"github.com/synapsehq/synapse/internal/metrics"
	"github.com/synapsehq/synapse/pkg/models"
	"github.com/synapsehq/synapse/pkg/synerr"
)

// Releaser is a held capacity reservation.
type Releaser interface {
	Release()
}

// Fleet is the slice of the fleet manager the router uses. Upward calls from
// the fleet never happen: the fleet reports via return values and events.
type Fleet interface {
	Select(tier models.Tier) []models.ModelSnapshot
	Reserve(id string) (Releaser, error)
}

// Adapt wraps the fleet manager in the router's Fleet interface.
func Adapt(m *fleet.Manager) Fleet {
	return fleetAdapter{m}
}

type fleetAdapter struct {
	m *fleet.Manager
}

func (a fleetAdapter) Select(tier models.Tier) []models.ModelSnapshot {
	return a.m.Select(tier)
}

func (a fleetAdapter) Reserve(id string) (Releaser, error) {
	r, err := a.m.Reserve(id)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Decision is one granted route: a model, its tier, and the capacity the
// caller must return via Release on every path.
type Decision struct {
	ModelID string
	Tier    models.Tier

	reservation Releaser
	sem         *semaphore.Weighted
	released    bool
}

// Release returns the reservation and the tier admission slot. Idempotent.
func (d *Decision) Release() {
	if d.released {
		return
	}
	d.released = true
	d.reservation.Release()
	d.sem.Release(1)
}

// Router applies admission rules over the fleet.
type Router struct {
	cfg   config.RouterConfig
	fleet Fleet
	sems  map[models.Tier]*semaphore.Weighted
}

// New creates a router with one admission semaphore per tier.
func New(cfg config.RouterConfig, fl Fleet) *Router {
	n := int64(cfg.MaxConcurrentPerTier)
	if n < 1 {
		n = 1
	}
	return &Router{
		cfg:   cfg,
		fleet: fl,
		sems: map[models.Tier]*semaphore.Weighted{
			models.TierFast:     semaphore.NewWeighted(n),
			models.TierBalanced: semaphore.NewWeighted(n),
			models.TierPowerful: semaphore.NewWeighted(n),
		},
	}
}

// Route selects one model for the requested tier, falling back to adjacent
// tiers under the downgrade policy. Models in exclude are skipped (used for
// the single re-selection after a transient failure). On rejection the error
// carries every tier attempted.
func (r *Router) Route(tier models.Tier, exclude ...string) (*Decision, error) {
	excluded := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}

	var attempted []string
	for _, t := range r.candidateTiers(tier) {
		attempted = append(attempted, string(t))
		d, ok := r.tryTier(t, excluded)
		if ok {
			if t != tier {
				log.Info().
					Str("requested", string(tier)).
					Str("granted", string(t)).
					Msg("tier fallback applied")
			}
			return d, nil
		}
	}

	return nil, &synerr.Error{
		Kind:           synerr.KindNoCapacity,
		Msg:            "no model available in attempted tiers",
		AttemptedTiers: attempted,
	}
}

// candidateTiers returns the requested tier followed by its fallbacks:
// adjacent tiers only, and never a silent upgrade to POWERFUL.
func (r *Router) candidateTiers(tier models.Tier) []models.Tier {
	tiers := []models.Tier{tier}
	if !r.cfg.AllowDowngrade {
		return tiers
	}
	for _, adj := range models.AdjacentTiers(tier) {
		if adj == models.TierPowerful && tier != models.TierPowerful {
			continue
		}
		tiers = append(tiers, adj)
	}
	return tiers
}

func (r *Router) tryTier(t models.Tier, excluded map[string]bool) (*Decision, bool) {
	sem := r.sems[t]
	if sem == nil || !sem.TryAcquire(1) {
		metrics.AdmissionRejections.WithLabelValues(string(t)).Inc()
		return nil, false
	}

	for _, snap := range r.fleet.Select(t) {
		if excluded[snap.Descriptor.ID] {
			continue
		}
		res, err := r.fleet.Reserve(snap.Descriptor.ID)
		if err != nil {
			// Raced with a state change; try the next candidate.
			continue
		}
		return &Decision{
			ModelID:     snap.Descriptor.ID,
			Tier:        t,
			reservation: res,
			sem:         sem,
		}, true
	}

	sem.Release(1)
	return nil, false
}
