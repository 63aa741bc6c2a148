package scoring

import (
	"fmt"
	"strings"

	"github.com/c360studio/storyline/story"
	"github.com/c360studio/storyline/story/archetype"
)

const systemPrompt = `You are a narrative analyst scoring archetype hypotheses for a life story.

You are given the archetypes still under consideration and the evidence collected so far. For EVERY archetype listed, estimate how strongly the evidence supports it as the dominant narrative archetype of this person's life.

Respond with a JSON array only, no prose:
[
  {"archetype_key": "<key>", "confidence": <0.0-1.0>, "indicators": ["<observed signal>", ...]}
]

Rules:
- Score every listed archetype, including ones the evidence undermines.
- Confidence reflects the full evidence set, not just the newest item.
- Indicators must point at concrete evidence, not restate the archetype definition.`

// buildMessages assembles the chat messages for one scoring run.
func buildMessages(subjectID string, evidence []*story.EvidenceUnit, candidates []archetype.Candidate, defs []archetype.Definition) []message {
	var b strings.Builder

	fmt.Fprintf(&b, "Subject: %s\n\n", subjectID)

	b.WriteString("Archetypes under consideration:\n")
	byKey := make(map[string]archetype.Definition, len(defs))
	for _, def := range defs {
		byKey[def.Key] = def
	}
	for _, c := range candidates {
		def, ok := byKey[c.ArchetypeKey]
		if !ok {
			fmt.Fprintf(&b, "- %s\n", c.ArchetypeKey)
			continue
		}
		fmt.Fprintf(&b, "- %s (%s): %s\n", def.Key, def.Name, strings.Join(def.Indicators, ", "))
	}

	b.WriteString("\nEvidence, oldest first:\n")
	if len(evidence) == 0 {
		b.WriteString("(none yet)\n")
	}
	for _, e := range evidence {
		fmt.Fprintf(&b, "[%s, source=%s] %s\n", e.ID, e.Source, string(e.Payload))
	}

	return []message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: b.String()},
	}
}
