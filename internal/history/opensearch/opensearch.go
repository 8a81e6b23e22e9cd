package opensearch

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loykin/patchgate/internal/history"
)

// DatePlaceholder in an index name is replaced with the event day
// (UTC, yyyy.mm.dd), giving one index per day.
const DatePlaceholder = "{date}"

// Sink indexes history events as OpenSearch documents. Each document id is
// derived from the event, so a retried Send overwrites instead of duplicating.
type Sink struct {
	client   *http.Client
	baseURL  string
	index    string
	user     string
	password string
}

// Option adjusts a Sink.
type Option func(*Sink)

// WithBasicAuth sends credentials with every request.
func WithBasicAuth(user, password string) Option {
	return func(s *Sink) { s.user, s.password = user, password }
}

// WithHTTPClient replaces the default client (5s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(s *Sink) { s.client = c }
}

func New(baseURL, index string, opts ...Option) *Sink {
	s := &Sink{
		client:  &http.Client{Timeout: 5 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		index:   index,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// IndexFor returns the index an event is written to.
func (s *Sink) IndexFor(e history.Event) string {
	if !strings.Contains(s.index, DatePlaceholder) {
		return s.index
	}
	return strings.ReplaceAll(s.index, DatePlaceholder, e.OccurredAt.UTC().Format("2006.01.02"))
}

// DocID is stable for a given patch, transition and timestamp.
func DocID(e history.Event) string {
	sum := sha1.Sum([]byte(e.PatchID + "\x00" + string(e.Type) + "\x00" + e.OccurredAt.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(sum[:])
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	target := s.baseURL + "/" + url.PathEscape(s.IndexFor(e)) + "/_doc/" + DocID(e)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.user != "" {
		req.SetBasicAuth(s.user, s.password)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("opensearch index %s: status %d: %s", s.IndexFor(e), resp.StatusCode, bytes.TrimSpace(msg))
}
