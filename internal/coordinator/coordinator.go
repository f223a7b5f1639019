// Package coordinator implements the per-request composer: cache lookup,
// retrieval, complexity assessment, routing, dialogue dispatch, and event
// emission, with capacity released on every path.
package coordinator

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/synapsehq/synapse/internal/cache"
	"github.com/synapsehq/synapse/internal/cgrag"
	"github.com/synapsehq/synapse/internal/complexity"
	"github.com/synapsehq/synapse/internal/config"
	"github.com/synapsehq/synapse/internal/dialogue"
	"github.com/synapsehq/synapse/internal/events"
	"github.com/synapsehq/synapse/internal/fleet"
	"github.com/synapsehq/synapse/internal/metrics"
	"github.com/synapsehq/synapse/internal/router"
	"github.com/synapsehq/synapse/pkg/models"
	"github.com/synapsehq/synapse/pkg/synerr"
)

var tracer = otel.Tracer("synapse/coordinator")

// Coordinator handles queries end to end.
type Coordinator struct {
	cfg    *config.Config
	fleet  *fleet.Manager
	router *router.Router
	cgrag  *cgrag.Engine
	cache  *cache.Cache
	bus    events.Publisher
}

// New wires the coordinator over its collaborators.
func New(cfg *config.Config, fl *fleet.Manager, rt *router.Router, cg *cgrag.Engine, ca *cache.Cache, bus events.Publisher) *Coordinator {
	return &Coordinator{cfg: cfg, fleet: fl, router: rt, cgrag: cg, cache: ca, bus: bus}
}

// Process runs one query to a terminal outcome. Exactly one of query-complete
// or query-failed is emitted per accepted query, and all reserved capacity is
// released before return.
func (c *Coordinator) Process(ctx context.Context, req models.QueryRequest) (models.QueryResult, error) {
	start := time.Now()
	queryID := uuid.NewString()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Router.RequestDeadline)
	defer cancel()
	ctx, span := tracer.Start(ctx, "query.process", trace.WithAttributes(
		attribute.String("query.id", queryID),
		attribute.String("query.mode", string(req.Mode)),
	))
	defer span.End()

	mode := req.Mode
	if mode == "" || mode == models.ModeAuto {
		mode = models.ModeStandard
	}

	c.bus.Publish(models.EventQueryReceived, map[string]any{
		"query_id": queryID,
		"mode":     string(mode),
	})

	// Rejected requests still reach a terminal event through the shared
	// failure path below.
	var (
		result models.QueryResult
		err    error
	)
	if verr := req.Validate(); verr != nil {
		err = synerr.Wrap(synerr.KindValidation, verr, "invalid request")
	} else {
		result, err = c.process(ctx, queryID, mode, req)
	}
	result.QueryID = queryID
	result.Mode = mode
	result.Elapsed = time.Since(start)

	if err != nil {
		kind := synerr.KindOf(err)
		span.RecordError(err)
		metrics.QueriesTotal.WithLabelValues(string(mode), "failed").Inc()
		c.bus.Publish(models.EventQueryFailed, map[string]any{
			"query_id": queryID,
			"kind":     string(kind),
			"error":    err.Error(),
		})
		return result, err
	}

	outcome := "completed"
	if result.FromCache {
		outcome = "cached"
	}
	metrics.QueriesTotal.WithLabelValues(string(mode), outcome).Inc()
	c.bus.Publish(models.EventQueryComplete, map[string]any{
		"query_id":   queryID,
		"model_id":   result.ModelID,
		"from_cache": result.FromCache,
		"elapsed_ms": result.Elapsed.Milliseconds(),
	})
	return result, nil
}

func (c *Coordinator) process(ctx context.Context, queryID string, mode models.QueryMode, req models.QueryRequest) (models.QueryResult, error) {
	// Retrieval first: the cache fingerprint covers the packed context, so
	// identical queries over the same index share an entry.
	var retrieval models.RetrievalResult
	if req.UseContext {
		opts := cgrag.Options{}
		if req.ContextBudget > 0 {
			opts.Budget = &req.ContextBudget
		}
		if req.MinRelevance > 0 {
			opts.MinRelevance = &req.MinRelevance
		}
		retrieval = c.cgrag.Retrieve(ctx, req.Text, opts)
		c.bus.Publish(models.EventRetrievalComplete, map[string]any{
			"query_id":   queryID,
			"count":      len(retrieval.Artifacts),
			"tokens":     retrieval.TotalTokens,
			"latency_ms": retrieval.Latency.Milliseconds(),
			"diagnostic": retrieval.Diagnostic,
		})
	}

	tier := req.TierOverride
	if tier == "" || tier == models.TierUnknown {
		score := complexity.Assess(req.Text)
		tier = score.Tier
		c.bus.Publish(models.EventComplexityAssessed, map[string]any{
			"query_id":   queryID,
			"score":      score.Score,
			"label":      string(score.Label),
			"tier":       string(score.Tier),
			"confidence": score.Confidence,
		})
	}

	fp := cache.Fingerprint(req.Text, mode, tier, retrieval.ArtifactIDs(), req.Temperature, req.MaxTokens)
	if entry, ok := c.cache.Get(fp); ok {
		c.bus.Publish(models.EventCacheHit, map[string]any{"query_id": queryID})
		result := entry.Result
		result.FromCache = true
		return result, nil
	}
	c.bus.Publish(models.EventCacheMiss, map[string]any{"query_id": queryID})

	var (
		result models.QueryResult
		err    error
	)
	switch mode {
	case models.ModeStandard:
		result, err = c.runStandard(ctx, queryID, tier, req, retrieval)
	default:
		result, err = c.runDialogue(ctx, queryID, mode, tier, req, retrieval)
	}
	if err != nil {
		// Failures are never cached.
		return result, err
	}
	result.Tier = tier

	c.cache.Put(fp, cache.Entry{Result: result, ModelIDs: resultModels(result)})
	return result, nil
}

// ── Standard Mode ────────────────────────────────────────────

// runStandard routes one model and generates a single turn, with at most one
// re-selection to a different instance on a transient model failure.
func (c *Coordinator) runStandard(ctx context.Context, queryID string, tier models.Tier, req models.QueryRequest, retrieval models.RetrievalResult) (models.QueryResult, error) {
	decision, err := c.router.Route(tier)
	if err != nil {
		return models.QueryResult{}, err
	}
	defer func() { decision.Release() }()

	c.publishRouteDecided(queryID, decision)

	caller := c.newTurnCaller()
	engine := dialogue.New(c.cfg.Dialogue, caller, c.bus)

	run := func(modelID string) (models.DialogueResult, error) {
		// The routing decision already holds this model's capacity; the
		// caller must not reserve it a second time.
		caller.held = modelID
		return engine.Run(ctx, dialogue.Params{
			QueryID: queryID,
			Query:   req.Text,
			Context: contextText(retrieval),
			Mode:    models.ModeStandard,
			Models:  []string{modelID},
			Gen:     genParams(req),
		})
	}

	dr, err := run(decision.ModelID)
	if err != nil && synerr.Is(err, synerr.KindModelTransient) {
		failed := decision.ModelID
		log.Warn().Str("query_id", queryID).Str("model", failed).
			Msg("transient model failure, re-selecting once")
		replacement, rerr := c.router.Route(decision.Tier, failed)
		if rerr == nil {
			decision.Release()
			decision = replacement
			c.publishRouteDecided(queryID, decision)
			dr, err = run(decision.ModelID)
		}
	}
	if err != nil {
		return models.QueryResult{}, err
	}

	return models.QueryResult{
		ModelID: decision.ModelID,
		Content: dr.Turns[0].Content,
	}, nil
}

func (c *Coordinator) publishRouteDecided(queryID string, d *router.Decision) {
	c.bus.Publish(models.EventRouteDecided, map[string]any{
		"query_id": queryID,
		"model_id": d.ModelID,
		"tier":     string(d.Tier),
	})
}

// ── Dialogue Modes ───────────────────────────────────────────

// runDialogue executes debate and council modes. Participant models are named
// by the request and reserved per turn, outside tier admission.
func (c *Coordinator) runDialogue(ctx context.Context, queryID string, mode models.QueryMode, tier models.Tier, req models.QueryRequest, retrieval models.RetrievalResult) (models.QueryResult, error) {
	engine := dialogue.New(c.cfg.Dialogue, c.newTurnCaller(), c.bus)

	dr, err := engine.Run(ctx, dialogue.Params{
		QueryID:        queryID,
		Query:          req.Text,
		Context:        contextText(retrieval),
		Mode:           mode,
		Models:         req.Models,
		ModeratorModel: req.ModeratorModel,
		MaxTurns:       req.MaxTurns,
		ModeratorFreq:  req.ModeratorFreq,
		Gen:            genParams(req),
	})
	if err != nil {
		return models.QueryResult{}, err
	}

	return models.QueryResult{
		Tier:     tier,
		Dialogue: &dr,
	}, nil
}

// ── Turn Execution ───────────────────────────────────────────

// turnCaller reserves a named model for one generation and releases it when
// the turn finishes, regardless of outcome. When the routing decision already
// holds the model's capacity (held), no second reservation is taken, so
// utilization counts one unit per in-flight generation.
type turnCaller struct {
	fleet   *fleet.Manager
	timeout time.Duration
	held    string
}

func (c *Coordinator) newTurnCaller() *turnCaller {
	return &turnCaller{fleet: c.fleet, timeout: c.cfg.Router.GenerateTimeout}
}

func (tc *turnCaller) Call(ctx context.Context, modelID, prompt string, p models.GenParams) (models.GenResult, error) {
	if err := tc.checkContextWindow(modelID, p); err != nil {
		return models.GenResult{}, err
	}

	if modelID != tc.held {
		reservation, err := tc.fleet.Reserve(modelID)
		if err != nil {
			return models.GenResult{}, err
		}
		defer reservation.Release()
	}

	client, ok := tc.fleet.Client(modelID)
	if !ok {
		return models.GenResult{}, synerr.Newf(synerr.KindNoCapacity, "model %q has no running server", modelID)
	}

	gctx, cancel := context.WithTimeout(ctx, tc.timeout)
	defer cancel()

	res, err := tc.generate(gctx, client, prompt, p)
	if err != nil && synerr.Is(err, synerr.KindModelFatal) {
		log.Warn().Str("model", modelID).Err(err).Msg("fatal model error, marking degraded")
		if merr := tc.fleet.MarkDegraded(modelID); merr != nil {
			log.Warn().Err(merr).Str("model", modelID).Msg("mark degraded failed")
		}
	}
	return res, err
}

func (tc *turnCaller) generate(ctx context.Context, client fleet.HealthGenerator, prompt string, p models.GenParams) (models.GenResult, error) {
	stream, err := client.Generate(ctx, prompt, p)
	if err != nil {
		return models.GenResult{}, err
	}
	defer stream.Close()
	return stream.Collect()
}

// checkContextWindow bounds max_tokens by the model's context size where one
// is configured. Only known here, once a concrete model is picked.
func (tc *turnCaller) checkContextWindow(modelID string, p models.GenParams) error {
	if p.MaxTokens <= 0 {
		return nil
	}
	snap, ok := tc.fleet.Get(modelID)
	if !ok {
		return nil
	}
	if ov := snap.Descriptor.Overrides; ov != nil && ov.ContextSize != nil && p.MaxTokens > *ov.ContextSize {
		return synerr.Newf(synerr.KindValidation,
			"max_tokens %d exceeds model %q context window %d", p.MaxTokens, modelID, *ov.ContextSize)
	}
	return nil
}

// ── Helpers ──────────────────────────────────────────────────

// contextText flattens packed artifacts into the prompt context block.
func contextText(r models.RetrievalResult) string {
	if len(r.Artifacts) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, a := range r.Artifacts {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString("[" + a.Source + "]\n")
		sb.WriteString(a.Text)
	}
	return sb.String()
}

func genParams(req models.QueryRequest) models.GenParams {
	return models.GenParams{
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
}

func resultModels(r models.QueryResult) []string {
	if r.ModelID != "" {
		return []string{r.ModelID}
	}
	seen := make(map[string]bool)
	var ids []string
	if r.Dialogue != nil {
		for _, t := range r.Dialogue.Turns {
			if t.Speaker == models.SpeakerModerator || seen[t.Speaker] {
				continue
			}
			seen[t.Speaker] = true
			ids = append(ids, t.Speaker)
		}
	}
	return ids
}
