// Package api implements the HTTP surface of the control plane: query
// submission, the event stream, and the fleet/index admin endpoints.
// Auth is deliberately absent; the server binds to the operator's host.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/synapsehq/synapse/internal/cache"
	"github.com/synapsehq/synapse/internal/config"
	"github.com/synapsehq/synapse/internal/events"
	"github.com/synapsehq/synapse/internal/fleet"
	"github.com/synapsehq/synapse/internal/vectorstore"
	"github.com/synapsehq/synapse/pkg/models"
	"github.com/synapsehq/synapse/pkg/synerr"
)

// Coordinator is the query entry point the API dispatches to.
type Coordinator interface {
	Process(ctx context.Context, req models.QueryRequest) (models.QueryResult, error)
}

// Embedder turns rebuild payload texts into vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Handlers holds all handler dependencies.
type Handlers struct {
	cfg      *config.Config
	coord    Coordinator
	fleet    *fleet.Manager
	bus      *events.Bus
	cache    *cache.Cache
	store    *vectorstore.Store
	embedder Embedder
}

// NewHandlers creates the handler set.
func NewHandlers(cfg *config.Config, coord Coordinator, fl *fleet.Manager, bus *events.Bus, ca *cache.Cache, vs *vectorstore.Store, emb Embedder) *Handlers {
	return &Handlers{cfg: cfg, coord: coord, fleet: fl, bus: bus, cache: ca, store: vs, embedder: emb}
}

// ── Query ────────────────────────────────────────────────────

func (h *Handlers) SubmitQuery(w http.ResponseWriter, r *http.Request) {
	var req models.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.coord.Process(r.Context(), req)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// ── Fleet Admin ──────────────────────────────────────────────

func (h *Handlers) ListModels(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.fleet.Snapshot())
}

func (h *Handlers) GetModel(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.fleet.Get(chi.URLParam(r, "modelID"))
	if !ok {
		respondError(w, http.StatusNotFound, "unknown model")
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (h *Handlers) StartModel(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.fleet.Start)
}

func (h *Handlers) StopModel(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.fleet.Stop)
}

func (h *Handlers) RestartModel(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.fleet.Restart)
}

func (h *Handlers) lifecycle(w http.ResponseWriter, r *http.Request, op func(context.Context, string) error) {
	id := chi.URLParam(r, "modelID")
	if err := op(r.Context(), id); err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	snap, _ := h.fleet.Get(id)
	respondJSON(w, http.StatusOK, snap)
}

func (h *Handlers) EnableModel(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, true)
}

func (h *Handlers) DisableModel(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, false)
}

func (h *Handlers) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id := chi.URLParam(r, "modelID")
	if err := h.fleet.SetEnabled(id, enabled); err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	snap, _ := h.fleet.Get(id)
	respondJSON(w, http.StatusOK, snap)
}

func (h *Handlers) SetModelTier(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Tier string `json:"tier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id := chi.URLParam(r, "modelID")
	if err := h.fleet.SetTier(id, models.ParseTier(body.Tier)); err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	snap, _ := h.fleet.Get(id)
	respondJSON(w, http.StatusOK, snap)
}

func (h *Handlers) SetModelOverrides(w http.ResponseWriter, r *http.Request) {
	var ov models.RuntimeOverrides
	if err := json.NewDecoder(r.Body).Decode(&ov); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id := chi.URLParam(r, "modelID")
	if err := h.fleet.SetOverrides(id, &ov); err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	snap, _ := h.fleet.Get(id)
	respondJSON(w, http.StatusOK, snap)
}

func (h *Handlers) RescanModels(w http.ResponseWriter, r *http.Request) {
	added, removed, err := h.fleet.Rescan(r.Context(), h.cfg.Fleet.ModelDir)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	if added == nil {
		added = []string{}
	}
	if removed == nil {
		removed = []string{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"added":   added,
		"removed": removed,
	})
}

// ── Index Admin ──────────────────────────────────────────────

func (h *Handlers) IndexStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"ready":     h.store.Ready(),
		"count":     h.store.Count(),
		"dimension": h.store.Dimension(),
		"built_at":  h.store.BuiltAt(),
	})
}

type rebuildChunk struct {
	ChunkID string `json:"chunk_id"`
	Source  string `json:"source"`
	Text    string `json:"text"`
	Tokens  int    `json:"tokens"`
}

type rebuildDocument struct {
	Source string `json:"source"`
	Text   string `json:"text"`
}

// RebuildIndex replaces the vector index. Callers submit either pre-split
// chunks or whole documents, which are split server-side. Texts are embedded
// server-side; the response cache is flushed once the swap lands.
func (h *Handlers) RebuildIndex(w http.ResponseWriter, r *http.Request) {
	chunks, ok := h.readIndexPayload(w, r)
	if !ok {
		return
	}
	if err := h.store.Rebuild(r.Context(), chunks); err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}

	// Stale answers reference the old index.
	h.cache.Flush()
	log.Info().Int("chunks", len(chunks)).Msg("vector index rebuilt, cache flushed")

	respondJSON(w, http.StatusOK, map[string]any{
		"count":     h.store.Count(),
		"dimension": h.store.Dimension(),
	})
}

// AppendIndex extends the loaded index with new chunks or documents without
// replacing what is already indexed. Same payload shape as rebuild.
func (h *Handlers) AppendIndex(w http.ResponseWriter, r *http.Request) {
	chunks, ok := h.readIndexPayload(w, r)
	if !ok {
		return
	}
	if err := h.store.Append(r.Context(), chunks); err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}

	h.cache.Flush()
	log.Info().Int("appended", len(chunks)).Msg("vector index extended, cache flushed")

	respondJSON(w, http.StatusOK, map[string]any{
		"count":     h.store.Count(),
		"dimension": h.store.Dimension(),
	})
}

// readIndexPayload decodes an index mutation body, splits documents, and
// embeds every chunk text. On failure the response is already written.
func (h *Handlers) readIndexPayload(w http.ResponseWriter, r *http.Request) ([]vectorstore.Chunk, bool) {
	var body struct {
		Chunks    []rebuildChunk    `json:"chunks"`
		Documents []rebuildDocument `json:"documents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}

	chunks := make([]vectorstore.Chunk, 0, len(body.Chunks))
	for _, c := range body.Chunks {
		chunks = append(chunks, vectorstore.Chunk{
			ChunkID: c.ChunkID,
			Source:  c.Source,
			Text:    c.Text,
			Tokens:  c.Tokens,
		})
	}
	splitCfg := vectorstore.DefaultSplitConfig()
	for _, d := range body.Documents {
		chunks = append(chunks, vectorstore.SplitDocument(d.Source, d.Text, splitCfg)...)
	}
	if len(chunks) == 0 {
		respondError(w, http.StatusBadRequest, "chunks or documents are required")
		return nil, false
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := h.embedder.Embed(r.Context(), texts)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return nil, false
	}
	for i := range chunks {
		chunks[i].Embedding = vectors[i]
	}
	return chunks, true
}

// ── Responses ────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("encode response")
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps error kinds to HTTP status codes.
func statusFor(err error) int {
	switch synerr.KindOf(err) {
	case synerr.KindValidation:
		return http.StatusBadRequest
	case synerr.KindNoCapacity:
		return http.StatusServiceUnavailable
	case synerr.KindModelTransient, synerr.KindModelFatal:
		return http.StatusBadGateway
	case synerr.KindRetrievalUnavailable, synerr.KindEmbeddingUnavailable:
		return http.StatusServiceUnavailable
	case synerr.KindTimeout:
		return http.StatusGatewayTimeout
	case synerr.KindCancelled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
