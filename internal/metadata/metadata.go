// Package metadata fetches authoritative bibliographic data for a reference
// from outside sources. Lookups are best effort: a miss or a failed request
// yields nil metadata, never a failed suggestion.
package metadata

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/refguard/internal/model"
)

// Match confidences. A lookup by identifier is exact; a title search is not.
const (
	IdentifierConfidence = 1.0
	SearchConfidence     = 0.85
)

// Source fetches metadata for a reference. A nil result with a nil error
// means nothing was found.
type Source interface {
	Fetch(ctx context.Context, ref *model.Reference) (*model.ExternalMetadata, error)
}

// Chain tries sources in order and returns the first hit. Source errors are
// logged and skipped.
type Chain []Source

// Fetch implements Source.
func (c Chain) Fetch(ctx context.Context, ref *model.Reference) (*model.ExternalMetadata, error) {
	for _, s := range c {
		md, err := s.Fetch(ctx, ref)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			zap.L().Warn("metadata: source failed",
				zap.String("component", "metadata"),
				zap.String("reference_id", refID(ref)),
				zap.Error(err),
			)
			continue
		}
		if md != nil {
			return md, nil
		}
	}
	return nil, nil
}

// Option configures an HTTP-backed source.
type Option func(*httpSource)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(s *httpSource) {
		s.baseURL = strings.TrimRight(url, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(s *httpSource) {
		s.http = hc
	}
}

// WithUserAgent sets the User-Agent. CrossRef routes requests that carry a
// contact address to its polite pool.
func WithUserAgent(ua string) Option {
	return func(s *httpSource) {
		s.userAgent = ua
	}
}

type httpSource struct {
	baseURL   string
	userAgent string
	http      *http.Client
}

func newHTTPSource(baseURL string, opts []Option) httpSource {
	s := httpSource{
		baseURL:   baseURL,
		userAgent: "refguard/1.0",
		http:      &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

func refID(ref *model.Reference) string {
	if ref == nil {
		return ""
	}
	return ref.ID
}

func stringField(ref *model.Reference, name string) string {
	s, _ := ref.Field(name).(string)
	return strings.TrimSpace(s)
}

// firstString returns the first non-empty element.
func firstString(vals []string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// compact drops empty values so absent data never counts as a verified
// match for a field.
func compact(data map[string]any) map[string]any {
	for k, v := range data {
		if model.IsEmpty(v) {
			delete(data, k)
		}
	}
	return data
}
