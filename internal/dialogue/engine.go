// Package dialogue orchestrates multi-turn query modes: standard single-turn
// generation, adversarial debate (PRO/CON alternation), and council (debate
// with a moderator probing at fixed intervals).
//
// Turns within one dialogue are strictly sequential; the transcript is an
// explicit loop over a state struct, never a call stack, so cancellation at
// any turn boundary yields a clean partial result.
package dialogue

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/synapsehq/synapse/internal/config"
	"github.com/synapsehq/synapse/internal/events"
	"github.com/synapsehq/synapse/pkg/models"
	"github.com/synapsehq/synapse/pkg/synerr"
)

// ModelCaller executes one generation against a named model. The coordinator
// implements it over the router and fleet; the engine never touches either
// directly.
type ModelCaller interface {
	Call(ctx context.Context, modelID, prompt string, p models.GenParams) (models.GenResult, error)
}

// Params describes one dialogue run. MaxTurns < 0 and ModeratorFreq == 0
// fall back to the engine's configured defaults; MaxTurns == 0 runs no turns.
type Params struct {
	QueryID string
	Query   string
	Context string // packed retrieval context, may be empty

	Mode   models.QueryMode
	Models []string // debate/council: [PRO, CON]

	ModeratorModel string
	MaxTurns       int
	ModeratorFreq  int

	Gen models.GenParams
}

// Engine drives dialogue flows.
type Engine struct {
	cfg    config.DialogueConfig
	caller ModelCaller
	bus    events.Publisher
}

// New creates the engine.
func New(cfg config.DialogueConfig, caller ModelCaller, bus events.Publisher) *Engine {
	return &Engine{cfg: cfg, caller: caller, bus: bus}
}

// Run executes the dialogue for p. A partial transcript is always returned:
// on cancellation or a debater failure the result carries the turns produced
// so far with Completed=false, alongside the terminating error.
func (e *Engine) Run(ctx context.Context, p Params) (models.DialogueResult, error) {
	switch p.Mode {
	case models.ModeStandard, models.ModeAuto, "":
		return e.runStandard(ctx, p)
	case models.ModeDebate:
		return e.runDebate(ctx, p, false)
	case models.ModeCouncil:
		return e.runDebate(ctx, p, true)
	}
	return models.DialogueResult{}, synerr.Newf(synerr.KindValidation, "unknown mode %q", p.Mode)
}

func (e *Engine) runStandard(ctx context.Context, p Params) (models.DialogueResult, error) {
	if len(p.Models) != 1 {
		return models.DialogueResult{}, synerr.New(synerr.KindValidation, "standard mode requires exactly one model")
	}

	res, err := e.caller.Call(ctx, p.Models[0], buildStandardPrompt(p.Query, p.Context), p.Gen)
	if err != nil {
		return models.DialogueResult{}, err
	}

	turn := models.Turn{
		Seq:       1,
		Speaker:   res.ModelID,
		Persona:   models.PersonaSolo,
		Content:   res.Content,
		Timestamp: time.Now().UTC(),
		Tokens:    res.TokensUsed,
	}
	e.emitTurn(p.QueryID, turn)
	return models.DialogueResult{Turns: []models.Turn{turn}, Completed: true}, nil
}

// dialogueState is the explicit loop state of one debate.
type dialogueState struct {
	transcript    []models.Turn
	seq           int // transcript position counter, moderator turns included
	debaterTurns  int
	interjections int
}

func (s *dialogueState) append(t models.Turn) models.Turn {
	s.seq++
	t.Seq = s.seq
	s.transcript = append(s.transcript, t)
	return t
}

func (e *Engine) runDebate(ctx context.Context, p Params, moderated bool) (models.DialogueResult, error) {
	if len(p.Models) != 2 {
		return models.DialogueResult{}, synerr.New(synerr.KindValidation, "debate requires exactly two models")
	}
	if moderated && p.ModeratorModel == "" {
		return models.DialogueResult{}, synerr.New(synerr.KindValidation, "council requires a moderator model")
	}

	// MaxTurns < 0 means unset; an explicit 0 yields an empty, completed
	// transcript.
	maxTurns := p.MaxTurns
	if maxTurns < 0 {
		maxTurns = e.cfg.MaxTurns
	}
	freq := p.ModeratorFreq
	if freq == 0 {
		freq = e.cfg.ModeratorFreq
	}

	st := &dialogueState{}
	personas := [2]models.Persona{models.PersonaPro, models.PersonaCon}

	for st.debaterTurns < maxTurns {
		if err := ctx.Err(); err != nil {
			return e.partial(st), synerr.Wrap(synerr.KindOf(err), err, "dialogue cancelled")
		}

		side := st.debaterTurns % 2 // PRO first, strict alternation
		persona := personas[side]
		modelID := p.Models[side]
		// Context goes only into each side's opening turn.
		includeContext := st.debaterTurns < 2

		prompt := buildDebatePrompt(persona, p.Query, p.Context, st.transcript, includeContext)
		res, err := e.caller.Call(ctx, modelID, prompt, p.Gen)
		if err != nil {
			return e.partial(st), err
		}

		turn := st.append(models.Turn{
			Speaker:   res.ModelID,
			Persona:   persona,
			Content:   res.Content,
			Timestamp: time.Now().UTC(),
			Tokens:    res.TokensUsed,
		})
		st.debaterTurns++
		e.emitTurn(p.QueryID, turn)

		if moderated && st.debaterTurns < maxTurns && st.debaterTurns%freq == 0 &&
			st.interjections < e.cfg.MaxInterjections {
			e.moderatorCheck(ctx, p, st, freq)
		}
	}

	result := models.DialogueResult{
		Turns:         st.transcript,
		Interjections: st.interjections,
		Completed:     true,
	}
	if moderated && len(st.transcript) > 0 {
		result.Analysis = e.analyze(ctx, p, st.transcript)
	}
	return result, nil
}

func (e *Engine) partial(st *dialogueState) models.DialogueResult {
	return models.DialogueResult{
		Turns:         st.transcript,
		Interjections: st.interjections,
		Completed:     false,
	}
}

// moderatorCheck probes the moderator over the last window of turns. Probe
// failures and ambiguous replies both leave the debate untouched.
func (e *Engine) moderatorCheck(ctx context.Context, p Params, st *dialogueState, freq int) {
	window := st.transcript
	if n := freq * 2; len(window) > n {
		window = window[len(window)-n:]
	}

	reply, err := e.caller.Call(ctx, p.ModeratorModel, buildModeratorProbe(p.Query, window), p.Gen)
	if err != nil {
		log.Warn().Err(err).Str("query_id", p.QueryID).Msg("moderator probe failed, continuing")
		return
	}

	guidance, interject := parseModeratorReply(reply.Content)
	if !interject {
		return
	}

	turn := st.append(models.Turn{
		Speaker:   models.SpeakerModerator,
		Persona:   models.PersonaModerator,
		Content:   guidance,
		Timestamp: time.Now().UTC(),
		Tokens:    0, // moderator turns never count toward debater budgets
	})
	st.interjections++
	e.bus.Publish(models.EventModeratorInterjection, map[string]any{
		"query_id": p.QueryID,
		"seq":      turn.Seq,
		"guidance": guidance,
	})
	e.emitTurn(p.QueryID, turn)
}

// analyze produces the post-hoc moderator summary. Best-effort: failures
// leave the analysis empty.
func (e *Engine) analyze(ctx context.Context, p Params, transcript []models.Turn) string {
	res, err := e.caller.Call(ctx, p.ModeratorModel, buildAnalysisPrompt(p.Query, transcript), p.Gen)
	if err != nil {
		log.Warn().Err(err).Str("query_id", p.QueryID).Msg("post-hoc analysis failed")
		return ""
	}
	return res.Content
}

func (e *Engine) emitTurn(queryID string, t models.Turn) {
	e.bus.Publish(models.EventDialogueTurn, map[string]any{
		"query_id": queryID,
		"seq":      t.Seq,
		"speaker":  t.Speaker,
		"persona":  string(t.Persona),
		"tokens":   t.Tokens,
	})
}
