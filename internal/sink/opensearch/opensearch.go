package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loykin/cradle/internal/sink"
)

// Sink indexes points into OpenSearch via HTTP.
// Documents are PUT to baseURL + "/" + index + "/_doc/" + event_id, so a
// rewrite of the same event overwrites one document.
type Sink struct {
	client  *http.Client
	baseURL string
	index   string
	token   string
}

// Document is the indexed shape of a point.
type Document struct {
	Timestamp   time.Time      `json:"@timestamp"`
	Measurement string         `json:"measurement"`
	EventID     string         `json:"event_id"`
	Duration    int64          `json:"duration"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func New(baseURL, index string, opt sink.Options) *Sink {
	timeout := opt.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Sink{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		index:   index,
		token:   opt.Token,
	}
}

func (s *Sink) Idempotent() bool { return true }

func (s *Sink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func (s *Sink) Write(ctx context.Context, p sink.Point) error {
	if err := p.Validate(); err != nil {
		return err
	}
	doc := Document{
		Timestamp:   p.Time.UTC(),
		Measurement: p.Measurement,
		EventID:     p.EventID(),
		Duration:    p.Duration(),
		Metadata:    p.Metadata(),
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/%s/_doc/%s", s.baseURL, s.index, url.PathEscape(doc.EventID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return s.do(req)
}

func (s *Sink) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/", nil)
	if err != nil {
		return err
	}
	return s.do(req)
}

func (s *Sink) do(req *http.Request) error {
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &sink.StatusError{Backend: "opensearch", Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
