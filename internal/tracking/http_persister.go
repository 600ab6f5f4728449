package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/agrilink/internal/history"
)

// HTTPPersister posts transmitted samples to the presence service history endpoint.
type HTTPPersister struct {
	url    string
	token  string
	client *http.Client
}

func NewHTTPPersister(url, token string, client *http.Client) *HTTPPersister {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPPersister{url: url, token: token, client: client}
}

func (p *HTTPPersister) Persist(ctx context.Context, s Sample) error {
	ts := s.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	body, err := json.Marshal(history.Sample{
		SupplierID: s.SupplierID,
		Latitude:   s.Latitude,
		Longitude:  s.Longitude,
		Timestamp:  ts,
	})
	if err != nil {
		return fmt.Errorf("marshal sample: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return &history.UpstreamError{Op: "history post", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &history.UpstreamError{Op: "history post", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return nil
}
