package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"framestream/internal/domain"
)

const DefaultURL = "http://localhost:8000/vlm/analyze"

// Client posts frame descriptors to an HTTP analysis service. The per-call
// timeout lives here, not in the worker.
type Client struct {
	url string
	hc  *http.Client
}

type analyzeRequest struct {
	SequenceNumber uint64 `json:"sequence_number"`
	SourceID       uint32 `json:"source_id"`
	Timestamp      uint64 `json:"timestamp"`
	Width          uint32 `json:"width"`
	Height         uint32 `json:"height"`
	Format         string `json:"format"`
}

type analyzeResponse struct {
	Description string      `json:"description"`
	Objects     []Detection `json:"objects"`
}

func NewClient(url string, timeout time.Duration) *Client {
	if url == "" {
		url = DefaultURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{url: url, hc: &http.Client{Timeout: timeout}}
}

func (c *Client) Analyze(ctx context.Context, ev domain.FrameEvent) (Outcome, error) {
	body, err := json.Marshal(analyzeRequest{
		SequenceNumber: ev.SequenceNumber,
		SourceID:       ev.SourceID,
		Timestamp:      ev.Timestamp,
		Width:          ev.Width,
		Height:         ev.Height,
		Format:         ev.Format,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("encode analysis request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Outcome{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.hc.Do(req)
	if err != nil {
		return Outcome{}, fmt.Errorf("analysis call: %w", err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return Outcome{}, fmt.Errorf("read analysis response: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		return Outcome{}, fmt.Errorf("analysis service returned %d: %s", res.StatusCode, truncate(raw, 256))
	}

	var decoded analyzeResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Outcome{}, fmt.Errorf("malformed analysis response: %w", err)
	}
	return Outcome{Description: decoded.Description, Detections: decoded.Objects, Raw: string(raw)}, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
