package metadata

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/refguard/internal/model"
)

const crossrefWorkJSON = `{"status":"ok","message":{
  "DOI":"10.1000/xyz123",
  "title":["Deep Learning"],
  "publisher":"MIT Press",
  "container-title":["Journal of Things"],
  "volume":"12","issue":"3","page":"1-20",
  "author":[{"given":"Ian","family":"Goodfellow"},{"name":"OpenAI Team"}],
  "issued":{"date-parts":[[2016,11]]}
}}`

func TestCrossRef_ByDOI(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		assert.Equal(t, "refguard-test", r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(crossrefWorkJSON))
	}))
	defer srv.Close()

	c := NewCrossRef(WithBaseURL(srv.URL), WithUserAgent("refguard-test"))
	ref := &model.Reference{ID: "r1", Fields: map[string]any{"doi": "https://doi.org/10.1000/xyz123", "title": "ignored"}}

	md, err := c.Fetch(context.Background(), ref)
	require.NoError(t, err)
	require.NotNil(t, md)

	assert.Equal(t, "/works/10.1000%2Fxyz123", gotPath)
	assert.Equal(t, SourceCrossRef, md.Source)
	assert.Equal(t, IdentifierConfidence, md.Confidence)
	assert.Equal(t, "Deep Learning", md.Data["title"])
	assert.Equal(t, "2016", md.Data["year"])
	assert.Equal(t, "MIT Press", md.Data["publisher"])
	assert.Equal(t, "Journal of Things", md.Data["journal"])
	assert.Equal(t, []any{"Goodfellow, Ian", "OpenAI Team"}, md.Data["authors"])
}

func TestCrossRef_UnknownDOIFallsBackToTitle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/works" {
			http.NotFound(w, r)
			return
		}
		assert.Equal(t, "Deep Learning", r.URL.Query().Get("query.title"))
		assert.Equal(t, "1", r.URL.Query().Get("rows"))
		_, _ = w.Write([]byte(`{"message":{"items":[{"title":["Deep Learning"],"publisher":"MIT Press","issued":{"date-parts":[[null]]}}]}}`))
	}))
	defer srv.Close()

	c := NewCrossRef(WithBaseURL(srv.URL))
	ref := &model.Reference{ID: "r1", Fields: map[string]any{"doi": "10.9/none", "title": "Deep Learning"}}

	md, err := c.Fetch(context.Background(), ref)
	require.NoError(t, err)
	require.NotNil(t, md)
	assert.Equal(t, SearchConfidence, md.Confidence)
	assert.Equal(t, "MIT Press", md.Data["publisher"])
	_, hasYear := md.Data["year"]
	assert.False(t, hasYear)
	_, hasAuthors := md.Data["authors"]
	assert.False(t, hasAuthors)
}

func TestCrossRef_NoResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"message":{"items":[]}}`))
	}))
	defer srv.Close()

	md, err := NewCrossRef(WithBaseURL(srv.URL)).Fetch(context.Background(),
		&model.Reference{Fields: map[string]any{"title": "Unknown"}})
	require.NoError(t, err)
	assert.Nil(t, md)
}

func TestCrossRef_NothingToLookUp(t *testing.T) {
	md, err := NewCrossRef(WithBaseURL("http://127.0.0.1:1")).Fetch(context.Background(),
		&model.Reference{Fields: map[string]any{"publisher": "x"}})
	require.NoError(t, err)
	assert.Nil(t, md)
}

func TestCrossRef_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewCrossRef(WithBaseURL(srv.URL)).ByDOI(context.Background(), "10.1/x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestGoogleBooks_ISBN(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "isbn:9780262035613", r.URL.Query().Get("q"))
		assert.Equal(t, "k", r.URL.Query().Get("key"))
		_, _ = w.Write([]byte(`{"totalItems":1,"items":[{"volumeInfo":{"title":"Deep Learning","authors":["Ian Goodfellow"],"publisher":"MIT Press","publishedDate":"2016-11-18"}}]}`))
	}))
	defer srv.Close()

	g := NewGoogleBooks("k", WithBaseURL(srv.URL))
	md, err := g.Fetch(context.Background(), &model.Reference{Fields: map[string]any{"isbn": "978-0-262-03561-3"}})
	require.NoError(t, err)
	require.NotNil(t, md)
	assert.Equal(t, SourceGoogleBooks, md.Source)
	assert.Equal(t, "2016", md.Data["year"])
	assert.Equal(t, []any{"Ian Goodfellow"}, md.Data["authors"])
}

func TestGoogleBooks_SkipsArticleTitles(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		_, _ = w.Write([]byte(`{"totalItems":0}`))
	}))
	defer srv.Close()

	md, err := NewGoogleBooks("", WithBaseURL(srv.URL)).Fetch(context.Background(),
		&model.Reference{Fields: map[string]any{"title": "A paper", "pub_type": "journal"}})
	require.NoError(t, err)
	assert.Nil(t, md)
	assert.False(t, called)
}

type stubSource struct {
	md  *model.ExternalMetadata
	err error
	n   int
}

func (s *stubSource) Fetch(context.Context, *model.Reference) (*model.ExternalMetadata, error) {
	s.n++
	return s.md, s.err
}

func TestChain(t *testing.T) {
	failing := &stubSource{err: errors.New("down")}
	empty := &stubSource{}
	hit := &stubSource{md: &model.ExternalMetadata{Source: "stub"}}
	after := &stubSource{md: &model.ExternalMetadata{Source: "later"}}

	md, err := Chain{failing, empty, hit, after}.Fetch(context.Background(), &model.Reference{ID: "r"})
	require.NoError(t, err)
	assert.Equal(t, "stub", md.Source)
	assert.Equal(t, 1, failing.n)
	assert.Equal(t, 0, after.n)
}

func TestChain_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Chain{&stubSource{err: context.Canceled}}.Fetch(ctx, &model.Reference{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNormalizeDOI(t *testing.T) {
	assert.Equal(t, "10.1/x", normalizeDOI(" doi:10.1/x "))
	assert.Equal(t, "10.1/x", normalizeDOI("HTTPS://DOI.ORG/10.1/x"))
	assert.Equal(t, "10.1/x", normalizeDOI("10.1/x"))
}
