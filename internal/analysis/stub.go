package analysis

import (
	"context"

	"framestream/internal/domain"
)

const stubPayload = `{ "description": "A person riding a horse on a beach.", ` +
	`"objects": [ {"label": "person", "confidence": 0.98}, ` +
	`{"label": "horse", "confidence": 0.95}, ` +
	`{"label": "beach", "confidence": 0.90} ] }`

// Stub returns a fixed canned response. It lets the pipeline run end to end
// without a real backend.
type Stub struct{}

func (Stub) Analyze(_ context.Context, _ domain.FrameEvent) (Outcome, error) {
	return Outcome{
		Description: "A person riding a horse on a beach.",
		Detections: []Detection{
			{Label: "person", Confidence: 0.98},
			{Label: "horse", Confidence: 0.95},
			{Label: "beach", Confidence: 0.90},
		},
		Raw: stubPayload,
	}, nil
}
