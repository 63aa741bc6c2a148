package subflow

import (
	"context"

	"github.com/c360studio/storyline/story"
	"github.com/c360studio/storyline/story/gate"
)

// Gatekeeper evaluates the sufficiency gate at the end of every capture
// pass and advances the subject to composition once all sub-gates pass.
type Gatekeeper struct{}

// NewGatekeeper builds the gatekeeper subflow.
func NewGatekeeper() *Gatekeeper { return &Gatekeeper{} }

// Name implements Subflow.
func (g *Gatekeeper) Name() string { return "gatekeeper" }

// EntryCriteriaMet implements Subflow.
func (g *Gatekeeper) EntryCriteriaMet(p *PassState) bool {
	return p.Subject.Phase == story.PhaseCapture && !p.Subject.Retired
}

// Act implements Subflow.
func (g *Gatekeeper) Act(_ context.Context, p *PassState) (*Delta, error) {
	result := gate.Evaluate(p.Subject, p.Analysis, p.Subject.Signals)
	p.GateResult = &result

	delta := &Delta{}
	if result.Ready {
		next := story.PhaseComposition
		delta.Phase = &next
	}
	return delta, nil
}
