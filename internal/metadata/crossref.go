package metadata

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/refguard/internal/model"
)

// SourceCrossRef names CrossRef metadata.
const SourceCrossRef = "crossref"

// CrossRef looks references up in the CrossRef works API, by DOI first and
// then by title.
type CrossRef struct {
	httpSource
}

// NewCrossRef creates a CrossRef source.
func NewCrossRef(opts ...Option) *CrossRef {
	return &CrossRef{httpSource: newHTTPSource("https://api.crossref.org", opts)}
}

type crossrefAuthor struct {
	Given  string `json:"given"`
	Family string `json:"family"`
	Name   string `json:"name"`
}

type crossrefWork struct {
	DOI            string           `json:"DOI"`
	Title          []string         `json:"title"`
	Publisher      string           `json:"publisher"`
	ContainerTitle []string         `json:"container-title"`
	Volume         string           `json:"volume"`
	Issue          string           `json:"issue"`
	Page           string           `json:"page"`
	Author         []crossrefAuthor `json:"author"`
	Issued         struct {
		DateParts [][]*int `json:"date-parts"`
	} `json:"issued"`
}

type crossrefWorkResponse struct {
	Message crossrefWork `json:"message"`
}

type crossrefSearchResponse struct {
	Message struct {
		Items []crossrefWork `json:"items"`
	} `json:"message"`
}

// Fetch implements Source.
func (c *CrossRef) Fetch(ctx context.Context, ref *model.Reference) (*model.ExternalMetadata, error) {
	if doi := stringField(ref, "doi"); doi != "" {
		md, err := c.ByDOI(ctx, doi)
		if err != nil || md != nil {
			return md, err
		}
	}
	if title := stringField(ref, "title"); title != "" {
		return c.SearchTitle(ctx, title)
	}
	return nil, nil
}

// ByDOI fetches one work. An unknown DOI returns nil.
func (c *CrossRef) ByDOI(ctx context.Context, doi string) (*model.ExternalMetadata, error) {
	var resp crossrefWorkResponse
	found, err := c.get(ctx, "/works/"+url.PathEscape(normalizeDOI(doi)), nil, &resp)
	if err != nil || !found {
		return nil, err
	}
	return c.normalize(resp.Message, IdentifierConfidence), nil
}

// SearchTitle returns the best title match, if any.
func (c *CrossRef) SearchTitle(ctx context.Context, title string) (*model.ExternalMetadata, error) {
	q := url.Values{}
	q.Set("query.title", title)
	q.Set("rows", "1")

	var resp crossrefSearchResponse
	found, err := c.get(ctx, "/works", q, &resp)
	if err != nil || !found || len(resp.Message.Items) == 0 {
		return nil, err
	}
	return c.normalize(resp.Message.Items[0], SearchConfidence), nil
}

func (c *CrossRef) get(ctx context.Context, path string, q url.Values, out any) (bool, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, eris.Wrap(err, "crossref: create request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return false, eris.Wrap(err, "crossref: request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return false, eris.Wrap(err, "crossref: read body")
	}
	if resp.StatusCode != http.StatusOK {
		return false, eris.Errorf("crossref: status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return false, eris.Wrap(err, "crossref: decode response")
	}
	return true, nil
}

func (c *CrossRef) normalize(w crossrefWork, confidence float64) *model.ExternalMetadata {
	authors := make([]any, 0, len(w.Author))
	for _, a := range w.Author {
		switch {
		case a.Family != "" && a.Given != "":
			authors = append(authors, a.Family+", "+a.Given)
		case a.Name != "":
			authors = append(authors, a.Name)
		case a.Family != "":
			authors = append(authors, a.Family)
		}
	}

	var year string
	if len(w.Issued.DateParts) > 0 && len(w.Issued.DateParts[0]) > 0 && w.Issued.DateParts[0][0] != nil {
		year = strconv.Itoa(*w.Issued.DateParts[0][0])
	}

	return &model.ExternalMetadata{
		Source:     SourceCrossRef,
		Confidence: confidence,
		Data: compact(map[string]any{
			"title":     firstString(w.Title),
			"authors":   authors,
			"year":      year,
			"publisher": w.Publisher,
			"doi":       w.DOI,
			"journal":   firstString(w.ContainerTitle),
			"volume":    w.Volume,
			"issue":     w.Issue,
			"pages":     w.Page,
		}),
	}
}

// normalizeDOI strips resolver prefixes.
func normalizeDOI(doi string) string {
	doi = strings.TrimSpace(doi)
	for _, p := range []string{"https://doi.org/", "http://doi.org/", "https://dx.doi.org/", "doi:"} {
		if len(doi) >= len(p) && strings.EqualFold(doi[:len(p)], p) {
			return doi[len(p):]
		}
	}
	return doi
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
