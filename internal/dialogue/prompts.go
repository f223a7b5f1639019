package dialogue

import (
	"fmt"
	"strings"

	"github.com/synapsehq/synapse/pkg/models"
)

// Moderator protocol sentinels. The probe reply must be exactly CONTINUE or
// a line starting with the interject prefix; anything else is treated as
// CONTINUE (conservative: never infer an interjection).
const (
	sentinelContinue  = "CONTINUE"
	interjectPrefix   = "INTERJECT:"
	moderatorProtocol = "Reply with exactly CONTINUE to let the debate proceed, or " +
		"INTERJECT: <guidance> to steer it."
)

var personaCharge = map[models.Persona]string{
	models.PersonaPro: "You are the PRO side of a structured debate. Argue in favor of " +
		"the position implied by the question. Be rigorous and concrete, and respond " +
		"directly to the opposing side's latest points.",
	models.PersonaCon: "You are the CON side of a structured debate. Argue against " +
		"the position implied by the question. Be rigorous and concrete, and respond " +
		"directly to the opposing side's latest points.",
}

// buildStandardPrompt assembles the single-turn prompt.
func buildStandardPrompt(query, context string) string {
	var sb strings.Builder
	if context != "" {
		sb.WriteString("Use the following context to answer.\n\n")
		sb.WriteString("### Context\n")
		sb.WriteString(context)
		sb.WriteString("\n\n")
	}
	sb.WriteString("### Question\n")
	sb.WriteString(query)
	sb.WriteString("\n\n### Answer\n")
	return sb.String()
}

// buildDebatePrompt assembles one debater turn. The transcript labels every
// turn by persona relative to the speaker (self vs opponent), so a model
// never sees its own words attributed to the opposite side. Context is
// included only on each side's first turn.
func buildDebatePrompt(persona models.Persona, query, context string, transcript []models.Turn, includeContext bool) string {
	var sb strings.Builder
	sb.WriteString(personaCharge[persona])
	sb.WriteString("\n\n")

	if includeContext && context != "" {
		sb.WriteString("### Background Context\n")
		sb.WriteString(context)
		sb.WriteString("\n\n")
	}

	sb.WriteString("### Question Under Debate\n")
	sb.WriteString(query)
	sb.WriteString("\n")

	if len(transcript) > 0 {
		sb.WriteString("\n### Debate So Far\n")
		for _, t := range transcript {
			sb.WriteString(turnLabel(t.Persona, persona))
			sb.WriteString(": ")
			sb.WriteString(t.Content)
			sb.WriteString("\n")
		}
	}

	fmt.Fprintf(&sb, "\n### Your Turn (%s)\n", persona)
	return sb.String()
}

func turnLabel(turnPersona, viewer models.Persona) string {
	switch {
	case turnPersona == models.PersonaModerator:
		return "Moderator"
	case turnPersona == viewer:
		return fmt.Sprintf("You (%s)", viewer)
	default:
		return fmt.Sprintf("Opponent (%s)", turnPersona)
	}
}

// buildModeratorProbe assembles the periodic moderator check over the most
// recent turns.
func buildModeratorProbe(query string, recent []models.Turn) string {
	var sb strings.Builder
	sb.WriteString("You are moderating a structured debate.\n\n")
	sb.WriteString("### Question Under Debate\n")
	sb.WriteString(query)
	sb.WriteString("\n\n### Recent Turns\n")
	for _, t := range recent {
		fmt.Fprintf(&sb, "%s: %s\n", t.Persona, t.Content)
	}
	sb.WriteString("\n")
	sb.WriteString(moderatorProtocol)
	sb.WriteString("\n")
	return sb.String()
}

// buildAnalysisPrompt asks the moderator for a post-hoc summary of the full
// transcript.
func buildAnalysisPrompt(query string, transcript []models.Turn) string {
	var sb strings.Builder
	sb.WriteString("You moderated a structured debate. Summarize the strongest " +
		"arguments from each side and state which position is better supported.\n\n")
	sb.WriteString("### Question Under Debate\n")
	sb.WriteString(query)
	sb.WriteString("\n\n### Full Transcript\n")
	for _, t := range transcript {
		fmt.Fprintf(&sb, "%s: %s\n", t.Persona, t.Content)
	}
	sb.WriteString("\n### Analysis\n")
	return sb.String()
}

// parseModeratorReply classifies a probe response. Only an exact CONTINUE or
// a reply beginning with INTERJECT: counts; everything else is no-interjection.
func parseModeratorReply(reply string) (guidance string, interject bool) {
	trimmed := strings.TrimSpace(reply)
	if strings.EqualFold(trimmed, sentinelContinue) {
		return "", false
	}
	if strings.HasPrefix(trimmed, interjectPrefix) {
		g := strings.TrimSpace(strings.TrimPrefix(trimmed, interjectPrefix))
		if g != "" {
			return g, true
		}
	}
	return "", false
}
