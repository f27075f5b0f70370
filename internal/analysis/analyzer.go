// Package analysis is the boundary to the external vision-language
// analysis backend. The pipeline only depends on the Analyzer interface;
// the wire protocol stays inside this package.
package analysis

import (
	"context"

	"framestream/internal/domain"
)

// Detection is one labelled finding with its confidence.
type Detection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Outcome is the structured result of one analysis call. Raw carries the
// backend's verbatim response payload, which is what gets persisted.
type Outcome struct {
	Description string
	Detections  []Detection
	Raw         string
}

// Analyzer performs one synchronous analysis call. Implementations own
// their timeout; a failed call returns an error and is never retried here.
type Analyzer interface {
	Analyze(ctx context.Context, ev domain.FrameEvent) (Outcome, error)
}
