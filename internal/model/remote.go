package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Remote is a model hosted by an HTTP model server. It POSTs the vector as
// {"vector": [...]} and reads {"score": x} or {"contributions": [...]}.
type Remote struct {
	name   string
	url    string
	client *http.Client
}

// NewRemote creates a remote model client. A zero timeout defaults to 2s.
func NewRemote(name, url string, timeout time.Duration) (*Remote, error) {
	if url == "" {
		return nil, fmt.Errorf("remote %s: url is required", name)
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Remote{
		name:   name,
		url:    url,
		client: &http.Client{Timeout: timeout},
	}, nil
}

type remoteRequest struct {
	Vector []float64 `json:"vector"`
}

type remoteResponse struct {
	Score         *float64  `json:"score,omitempty"`
	Contributions []float64 `json:"contributions,omitempty"`
}

// Score implements domain.Scorer.
func (r *Remote) Score(ctx context.Context, v []float64) (float64, error) {
	var resp remoteResponse
	if err := r.post(ctx, v, &resp); err != nil {
		return 0, err
	}
	if resp.Score == nil {
		return 0, fmt.Errorf("remote %s: response has no score", r.name)
	}
	return *resp.Score, nil
}

// Explain implements domain.Explainer.
func (r *Remote) Explain(ctx context.Context, v []float64) ([]float64, error) {
	var resp remoteResponse
	if err := r.post(ctx, v, &resp); err != nil {
		return nil, err
	}
	return resp.Contributions, nil
}

func (r *Remote) post(ctx context.Context, v []float64, dest *remoteResponse) error {
	body, err := json.Marshal(remoteRequest{Vector: v})
	if err != nil {
		return fmt.Errorf("remote %s: encode: %w", r.name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("remote %s: %w", r.name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("remote %s: %w", r.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("remote %s: status %d: %s", r.name, resp.StatusCode, bytes.TrimSpace(msg))
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("remote %s: decode: %w", r.name, err)
	}
	return nil
}
