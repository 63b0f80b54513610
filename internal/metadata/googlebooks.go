package metadata

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/refguard/internal/model"
)

// SourceGoogleBooks names Google Books metadata.
const SourceGoogleBooks = "google_books"

// GoogleBooks looks books up by ISBN, then by title. Title searches are
// skipped for journal articles, which CrossRef covers.
type GoogleBooks struct {
	httpSource
	apiKey string
}

// NewGoogleBooks creates a Google Books source. apiKey may be empty.
func NewGoogleBooks(apiKey string, opts ...Option) *GoogleBooks {
	return &GoogleBooks{
		httpSource: newHTTPSource("https://www.googleapis.com/books/v1", opts),
		apiKey:     apiKey,
	}
}

type volumeInfo struct {
	Title         string   `json:"title"`
	Authors       []string `json:"authors"`
	Publisher     string   `json:"publisher"`
	PublishedDate string   `json:"publishedDate"`
}

type volumesResponse struct {
	TotalItems int `json:"totalItems"`
	Items      []struct {
		VolumeInfo volumeInfo `json:"volumeInfo"`
	} `json:"items"`
}

var articleTypes = map[string]bool{
	"journal":         true,
	"article":         true,
	"article-journal": true,
	"journal-article": true,
}

// Fetch implements Source.
func (g *GoogleBooks) Fetch(ctx context.Context, ref *model.Reference) (*model.ExternalMetadata, error) {
	if isbn := stringField(ref, "isbn"); isbn != "" {
		md, err := g.search(ctx, "isbn:"+strings.ReplaceAll(isbn, "-", ""), IdentifierConfidence)
		if err != nil || md != nil {
			return md, err
		}
	}
	if articleTypes[strings.ToLower(stringField(ref, "pub_type"))] {
		return nil, nil
	}
	if title := stringField(ref, "title"); title != "" {
		return g.search(ctx, "intitle:"+title, SearchConfidence)
	}
	return nil, nil
}

func (g *GoogleBooks) search(ctx context.Context, query string, confidence float64) (*model.ExternalMetadata, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("maxResults", "1")
	if g.apiKey != "" {
		q.Set("key", g.apiKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/volumes?"+q.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "googlebooks: create request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", g.userAgent)

	resp, err := g.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "googlebooks: request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, eris.Wrap(err, "googlebooks: read body")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("googlebooks: status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var vr volumesResponse
	if err := json.Unmarshal(body, &vr); err != nil {
		return nil, eris.Wrap(err, "googlebooks: decode response")
	}
	if vr.TotalItems == 0 || len(vr.Items) == 0 {
		return nil, nil
	}

	info := vr.Items[0].VolumeInfo
	authors := make([]any, 0, len(info.Authors))
	for _, a := range info.Authors {
		authors = append(authors, a)
	}
	return &model.ExternalMetadata{
		Source:     SourceGoogleBooks,
		Confidence: confidence,
		Data: compact(map[string]any{
			"title":     info.Title,
			"authors":   authors,
			"year":      publishedYear(info.PublishedDate),
			"publisher": info.Publisher,
		}),
	}, nil
}

// publishedYear takes the year from "2019", "2019-05" or "2019-05-01".
func publishedYear(date string) string {
	if len(date) >= 4 {
		return date[:4]
	}
	return ""
}
