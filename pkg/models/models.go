// Package models defines the shared data model of the S.Y.N.A.P.S.E. control
// plane: model descriptors and runtime state, query requests, complexity
// scores, retrieval artifacts, dialogue turns, cache entries, and events.
//
// Boundary rule: request payloads may arrive with camelCase or snake_case
// field names and quantization may arrive as a canonical tag string or an
// enum member. Both dual forms are normalized here, at the boundary, and
// never leak inward.
package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ── Tiers ────────────────────────────────────────────────────

// Tier is a quality/latency band of models.
type Tier string

const (
	TierFast     Tier = "FAST"
	TierBalanced Tier = "BALANCED"
	TierPowerful Tier = "POWERFUL"
	TierUnknown  Tier = "UNKNOWN"
)

// ParseTier normalizes a tier string. Unrecognized values map to TierUnknown.
func ParseTier(s string) Tier {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "FAST":
		return TierFast
	case "BALANCED":
		return TierBalanced
	case "POWERFUL":
		return TierPowerful
	}
	return TierUnknown
}

// AdjacentTiers returns the tiers adjacent to t in quality order.
func AdjacentTiers(t Tier) []Tier {
	switch t {
	case TierFast:
		return []Tier{TierBalanced}
	case TierBalanced:
		return []Tier{TierFast, TierPowerful}
	case TierPowerful:
		return []Tier{TierBalanced}
	}
	return nil
}

// ── Quantization ─────────────────────────────────────────────

// Quantization is the ordered compression level of a model file,
// from most-compressed (smallest, fastest) to least.
type Quantization int

const (
	QuantUnknown Quantization = iota
	QuantQ2
	QuantQ3
	QuantQ4
	QuantQ5
	QuantQ6
	QuantQ8
	QuantF16
)

// canonical tag per enum member.
var quantTags = map[Quantization]string{
	QuantQ2:  "q2_k",
	QuantQ3:  "q3_k_m",
	QuantQ4:  "q4_k_m",
	QuantQ5:  "q5_k_m",
	QuantQ6:  "q6_k",
	QuantQ8:  "q8_0",
	QuantF16: "f16",
}

// Tag returns the canonical tag string (e.g. "q4_k_m").
func (q Quantization) Tag() string {
	if t, ok := quantTags[q]; ok {
		return t
	}
	return "unknown"
}

func (q Quantization) String() string {
	switch q {
	case QuantQ2:
		return "Q2"
	case QuantQ3:
		return "Q3"
	case QuantQ4:
		return "Q4"
	case QuantQ5:
		return "Q5"
	case QuantQ6:
		return "Q6"
	case QuantQ8:
		return "Q8"
	case QuantF16:
		return "F16"
	}
	return "UNKNOWN"
}

// ParseQuantization accepts either a canonical tag ("q4_k_m", "q8_0"), an
// enum name ("Q4", "F16"), or a filename-style fragment ("Q4_K_M").
func ParseQuantization(s string) (Quantization, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	for q, tag := range quantTags {
		if norm == tag {
			return q, nil
		}
	}
	switch strings.ToUpper(norm) {
	case "Q2", "Q2_K", "Q2_K_S":
		return QuantQ2, nil
	case "Q3", "Q3_K", "Q3_K_M", "Q3_K_S", "Q3_K_L":
		return QuantQ3, nil
	case "Q4", "Q4_K", "Q4_K_M", "Q4_K_S", "Q4_0", "Q4_1":
		return QuantQ4, nil
	case "Q5", "Q5_K", "Q5_K_M", "Q5_K_S", "Q5_0", "Q5_1":
		return QuantQ5, nil
	case "Q6", "Q6_K":
		return QuantQ6, nil
	case "Q8", "Q8_0":
		return QuantQ8, nil
	case "F16", "FP16", "BF16":
		return QuantF16, nil
	}
	return QuantUnknown, fmt.Errorf("unrecognized quantization %q", s)
}

// MarshalJSON emits the canonical tag form.
func (q Quantization) MarshalJSON() ([]byte, error) {
	return json.Marshal(q.Tag())
}

// UnmarshalJSON accepts tag strings, enum names, or ordinal members.
func (q *Quantization) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, perr := ParseQuantization(s)
		if perr != nil {
			return perr
		}
		*q = parsed
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		if n < int(QuantUnknown) || n > int(QuantF16) {
			return fmt.Errorf("quantization ordinal %d out of range", n)
		}
		*q = Quantization(n)
		return nil
	}
	return fmt.Errorf("quantization must be a tag string or ordinal")
}

// ── Model Descriptor ─────────────────────────────────────────

// RuntimeOverrides are optional per-model runtime settings applied when the
// external server process is launched. Nil pointer means "use server default".
type RuntimeOverrides struct {
	GPULayers   *int  `json:"gpu_layers,omitempty"`
	ContextSize *int  `json:"context_size,omitempty"`
	Threads     *int  `json:"threads,omitempty"`
	BatchSize   *int  `json:"batch_size,omitempty"`
	Thinking    *bool `json:"thinking,omitempty"`
}

// ModelDescriptor identifies one external model server and its static
// configuration. Created on disk scan, mutated by admin operations, removed
// only by rescan when the file vanishes.
type ModelDescriptor struct {
	ID          string            `json:"id"`
	DisplayName string            `json:"display_name"`
	FilePath    string            `json:"file_path"`
	Quant       Quantization      `json:"quantization"`
	ParamsB     float64           `json:"params_b"` // parameter count, billions
	Tier        Tier              `json:"tier"`
	Port        int               `json:"port"`
	Enabled     bool              `json:"enabled"`
	Overrides   *RuntimeOverrides `json:"overrides,omitempty"`
}

// Endpoint returns the HTTP origin of the model server.
func (d ModelDescriptor) Endpoint() string {
	return fmt.Sprintf("http://127.0.0.1:%d", d.Port)
}

// ── Model Runtime State ──────────────────────────────────────

// ModelState is the lifecycle state of one model server.
type ModelState string

const (
	StateOffline    ModelState = "OFFLINE"
	StateStarting   ModelState = "STARTING"
	StateReady      ModelState = "READY"
	StateProcessing ModelState = "PROCESSING"
	StateDegraded   ModelState = "DEGRADED"
	StateStopping   ModelState = "STOPPING"
)

// Routable reports whether a model in this state may receive traffic.
// Consecutive-failure gating is applied by the fleet manager on top of this.
func (s ModelState) Routable() bool {
	return s == StateReady || s == StateProcessing
}

// HistoryLen is the bound on every rolling metric series.
const HistoryLen = 20

// ModelMetrics is a point-in-time copy of a model's rolling histories.
// All three series always have equal length.
type ModelMetrics struct {
	TokensPerSec []float64 `json:"tokens_per_sec"`
	VRAMGB       []float64 `json:"vram_gb"`
	LatencyMS    []float64 `json:"latency_ms"`
}

// ModelSnapshot is a coherent read-only view of one model's descriptor plus
// runtime state, produced by the fleet manager.
type ModelSnapshot struct {
	Descriptor          ModelDescriptor `json:"descriptor"`
	State               ModelState      `json:"state"`
	LastCheck           time.Time       `json:"last_check"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	Requests            uint64          `json:"requests"`
	Errors              uint64          `json:"errors"`
	StartedAt           time.Time       `json:"started_at"`
	Utilization         int             `json:"utilization"` // in-flight reservations
	Metrics             ModelMetrics    `json:"metrics"`
}

// ── Generation ───────────────────────────────────────────────

// GenParams are per-call generation parameters passed to a model server.
type GenParams struct {
	MaxTokens   int      `json:"max_tokens"`
	Temperature float64  `json:"temperature"`
	Stop        []string `json:"stop,omitempty"`
}

// GenResult is the final outcome of one generation stream.
type GenResult struct {
	Content      string        `json:"content"`
	TokensUsed   int           `json:"tokens_used"`
	TokensPerSec float64       `json:"tokens_per_sec"`
	Elapsed      time.Duration `json:"elapsed"`
	ModelID      string        `json:"model_id"`
}
