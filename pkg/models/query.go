package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ── Query Request ────────────────────────────────────────────

// QueryMode selects the processing flow for a request.
type QueryMode string

const (
	ModeAuto     QueryMode = "auto"
	ModeStandard QueryMode = "standard"
	ModeDebate   QueryMode = "debate"
	ModeCouncil  QueryMode = "council"
)

// Moderator check-frequency bounds, in turns.
const (
	ModeratorFreqMin = 1
	ModeratorFreqMax = 10
)

// QueryRequest is one accepted query. Immutable once validated.
type QueryRequest struct {
	Text        string    `json:"text"`
	Mode        QueryMode `json:"mode"`
	UseContext  bool      `json:"use_context"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`

	// TierOverride skips complexity assessment when set.
	TierOverride Tier `json:"tier_override,omitempty"`

	// Per-mode parameters (debate/council). MaxTurns -1 means unset.
	MaxTurns         int      `json:"max_turns,omitempty"`
	Models           []string `json:"models,omitempty"`
	ModeratorFreq    int      `json:"moderator_check_frequency,omitempty"`
	ModeratorModel   string   `json:"moderator_model,omitempty"`
	WebSearch        bool     `json:"web_search,omitempty"`
	MinRelevance     float64  `json:"min_relevance,omitempty"`
	ContextBudget    int      `json:"context_budget,omitempty"`
}

// queryRequestWire accepts both snake_case and camelCase field aliases.
// The camelCase alias wins only when the snake_case field is absent.
type queryRequestWire struct {
	Text string `json:"text"`
	Mode string `json:"mode"`

	UseContext  *bool `json:"use_context"`
	UseContextC *bool `json:"useContext"`

	MaxTokens  *int `json:"max_tokens"`
	MaxTokensC *int `json:"maxTokens"`

	Temperature *float64 `json:"temperature"`

	TierOverride  string `json:"tier_override"`
	TierOverrideC string `json:"tierOverride"`

	MaxTurns  *int `json:"max_turns"`
	MaxTurnsC *int `json:"maxTurns"`

	Models []string `json:"models"`

	ModeratorFreq  *int `json:"moderator_check_frequency"`
	ModeratorFreqC *int `json:"moderatorCheckFrequency"`

	ModeratorModel  string `json:"moderator_model"`
	ModeratorModelC string `json:"moderatorModel"`

	WebSearch  *bool `json:"web_search"`
	WebSearchC *bool `json:"webSearch"`

	MinRelevance  *float64 `json:"min_relevance"`
	MinRelevanceC *float64 `json:"minRelevance"`

	ContextBudget  *int `json:"context_budget"`
	ContextBudgetC *int `json:"contextBudget"`
}

// UnmarshalJSON normalizes the dual-alias wire form into the canonical struct.
func (r *QueryRequest) UnmarshalJSON(data []byte) error {
	var w queryRequestWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	pickBool := func(snake, camel *bool) bool {
		if snake != nil {
			return *snake
		}
		if camel != nil {
			return *camel
		}
		return false
	}
	pickInt := func(snake, camel *int) int {
		if snake != nil {
			return *snake
		}
		if camel != nil {
			return *camel
		}
		return 0
	}
	// pickIntOr keeps fallback when both aliases are absent, so an explicit
	// zero stays distinguishable from an unset field.
	pickIntOr := func(snake, camel *int, fallback int) int {
		if snake != nil {
			return *snake
		}
		if camel != nil {
			return *camel
		}
		return fallback
	}
	pickFloat := func(snake, camel *float64) float64 {
		if snake != nil {
			return *snake
		}
		if camel != nil {
			return *camel
		}
		return 0
	}
	pickStr := func(snake, camel string) string {
		if snake != "" {
			return snake
		}
		return camel
	}

	*r = QueryRequest{
		Text:           w.Text,
		Mode:           QueryMode(w.Mode),
		UseContext:     pickBool(w.UseContext, w.UseContextC),
		MaxTokens:      pickInt(w.MaxTokens, w.MaxTokensC),
		Temperature:    pickFloat(w.Temperature, nil),
		Models:         w.Models,
		MaxTurns:       pickIntOr(w.MaxTurns, w.MaxTurnsC, -1),
		ModeratorFreq:  pickInt(w.ModeratorFreq, w.ModeratorFreqC),
		ModeratorModel: pickStr(w.ModeratorModel, w.ModeratorModelC),
		WebSearch:      pickBool(w.WebSearch, w.WebSearchC),
		MinRelevance:   pickFloat(w.MinRelevance, w.MinRelevanceC),
		ContextBudget:  pickInt(w.ContextBudget, w.ContextBudgetC),
	}
	if to := pickStr(w.TierOverride, w.TierOverrideC); to != "" {
		r.TierOverride = ParseTier(to)
	}
	return nil
}

// Validate checks request-boundary invariants. MaxTokens against the selected
// model's context window is enforced later, at turn execution, once a
// concrete model with a known context size is picked.
func (r *QueryRequest) Validate() error {
	if r.Text == "" {
		return fmt.Errorf("text is required")
	}
	switch r.Mode {
	case "", ModeAuto, ModeStandard, ModeDebate, ModeCouncil:
	default:
		return fmt.Errorf("unknown mode %q", r.Mode)
	}
	if r.Temperature < 0 || r.Temperature > 2 {
		return fmt.Errorf("temperature %.2f outside [0,2]", r.Temperature)
	}
	if r.MaxTokens < 0 {
		return fmt.Errorf("max_tokens must be >= 1")
	}
	// -1 means unset (the engine default applies); an explicit 0 is a valid
	// zero-turn dialogue.
	if r.MaxTurns < -1 {
		return fmt.Errorf("max_turns must be >= 0")
	}
	if r.ModeratorFreq != 0 && (r.ModeratorFreq < ModeratorFreqMin || r.ModeratorFreq > ModeratorFreqMax) {
		return fmt.Errorf("moderator_check_frequency %d outside [%d,%d]",
			r.ModeratorFreq, ModeratorFreqMin, ModeratorFreqMax)
	}
	if r.MinRelevance < 0 || r.MinRelevance > 1 {
		return fmt.Errorf("min_relevance %.2f outside [0,1]", r.MinRelevance)
	}
	return nil
}

// ── Complexity Score ─────────────────────────────────────────

// ComplexityLabel is the categorical classification of a query.
type ComplexityLabel string

const (
	ComplexitySimple   ComplexityLabel = "SIMPLE"
	ComplexityModerate ComplexityLabel = "MODERATE"
	ComplexityComplex  ComplexityLabel = "COMPLEX"
)

// ComplexitySignals are the individual contributions to a score.
type ComplexitySignals struct {
	TokenCount        int `json:"token_count"`
	MultiPartMarkers  int `json:"multi_part_markers"`
	ComparisonMarkers int `json:"comparison_markers"`
	ReasoningMarkers  int `json:"reasoning_markers"`
}

// ComplexityScore is the immutable output of the assessor.
type ComplexityScore struct {
	Score      float64           `json:"score"`
	Label      ComplexityLabel   `json:"label"`
	Tier       Tier              `json:"recommended_tier"`
	Confidence float64           `json:"confidence"`
	Signals    ComplexitySignals `json:"signals"`
}

// ── Dialogue ─────────────────────────────────────────────────

// Persona is the role label a model carries for one dialogue.
type Persona string

const (
	PersonaPro       Persona = "PRO"
	PersonaCon       Persona = "CON"
	PersonaModerator Persona = "MODERATOR"
	PersonaSolo      Persona = "SOLO"
)

// SpeakerModerator is the reserved speaker id for synthetic moderator turns.
const SpeakerModerator = "MODERATOR"

// Turn is one utterance in a dialogue transcript.
type Turn struct {
	Seq       int       `json:"seq"`
	Speaker   string    `json:"speaker"` // model id or SpeakerModerator
	Persona   Persona   `json:"persona"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Tokens    int       `json:"tokens"`
}

// DialogueResult is a completed (or terminated) dialogue.
type DialogueResult struct {
	Turns         []Turn `json:"turns"`
	Interjections int    `json:"moderator_interjections"`
	Analysis      string `json:"analysis,omitempty"`
	Completed     bool   `json:"completed"`
}

// ── Query Result ─────────────────────────────────────────────

// QueryResult is the terminal output of one query.
type QueryResult struct {
	QueryID   string          `json:"query_id"`
	Mode      QueryMode       `json:"mode"`
	Tier      Tier            `json:"tier"`
	ModelID   string          `json:"model_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	Dialogue  *DialogueResult `json:"dialogue,omitempty"`
	FromCache bool            `json:"from_cache"`
	Elapsed   time.Duration   `json:"elapsed"`
}
