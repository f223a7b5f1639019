package models

import "time"

// ── Retrieval ────────────────────────────────────────────────

// Artifact is one retrievable text chunk plus metadata and relevance.
// Relevance is always in [0,1]; Tokens reflects the same tokenizer used for
// budget math in the CGRAG engine.
type Artifact struct {
	ChunkID   string    `json:"chunk_id"`
	Source    string    `json:"source"`
	Text      string    `json:"text"`
	Embedding []float32 `json:"-"`
	Relevance float64   `json:"relevance"`
	Tokens    int       `json:"tokens"`
}

// RetrievalResult is the immutable output of one CGRAG call: artifacts in
// descending relevance order, total tokens within budget, and latency.
type RetrievalResult struct {
	Artifacts   []Artifact    `json:"artifacts"`
	TotalTokens int           `json:"total_tokens"`
	Latency     time.Duration `json:"latency"`

	// Diagnostic is set when retrieval was skipped or degraded (absent index,
	// embedder unavailable) and the query proceeded without context.
	Diagnostic string `json:"diagnostic,omitempty"`
}

// ArtifactIDs returns the ordered chunk ids, the input to the context
// fingerprint used for cache keys.
func (r RetrievalResult) ArtifactIDs() []string {
	ids := make([]string, len(r.Artifacts))
	for i, a := range r.Artifacts {
		ids[i] = a.ChunkID
	}
	return ids
}
