package overpass

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kirorus/osm-batch-downloader/pkg/config"
)

func newTestClient(defaultURL string) *Client {
	return New(config.OverpassConfig{URL: defaultURL, UserAgent: "test-agent", TimeoutSec: 5})
}

func TestNormalizeEndpoint(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://overpass.example/api/", "https://overpass.example/api/interpreter"},
		{"https://overpass.example/api", "https://overpass.example/api/interpreter"},
		{"https://overpass.example/api/interpreter", "https://overpass.example/api/interpreter"},
		{"https://overpass.example/", "https://overpass.example"},
		{"not a url/", "not a url"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeEndpoint(tt.in), "input %q", tt.in)
	}
}

func TestQueryDecodesPayload(t *testing.T) {
	var gotQuery, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotQuery = r.PostForm.Get("data")
		gotUA = r.Header.Get("User-Agent")
		w.Write([]byte(`{"elements":[{"type":"relation","id":51477,"tags":{"name":"Deutschland","population":83000000}}]}`))
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL).Query(context.Background(), "[out:json];rel(51477);out tags;", "")
	require.NoError(t, err)

	assert.Equal(t, "[out:json];rel(51477);out tags;", gotQuery)
	assert.Equal(t, "test-agent", gotUA)
	assert.Equal(t, srv.URL, res.UsedURL)
	require.Len(t, res.Payload.Elements, 1)
	el := res.Payload.Elements[0]
	assert.True(t, el.IsRelation(51477))
	assert.Equal(t, "Deutschland", el.Tags["name"])
	// Non-string tag values are stringified, not dropped.
	assert.Equal(t, "83000000", el.Tags["population"])
}

func TestQueryRejectsNonObjectBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[1,2,3]`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Query(context.Background(), "q", "")
	require.Error(t, err)
	var opErr *Error
	require.ErrorAs(t, err, &opErr)
	assert.Contains(t, opErr.Message, "not a JSON object")
}

func TestQueryExtractsOSM3SError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`<html><head><title>OSM3S Response</title></head><body>
<p><strong style="color:#FF0000">Error</strong>: line 3: parse error: Unknown type "reel" </p></body></html>`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Query(context.Background(), "q", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 400")
	assert.Contains(t, err.Error(), "Error")
	assert.NotContains(t, err.Error(), "<strong")
}

func TestQueryFallsBackToDefaultEndpoint(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"elements":[]}`))
	}))
	defer good.Close()

	res, err := newTestClient(good.URL).Query(context.Background(), "q", bad.URL)
	require.NoError(t, err)
	assert.Equal(t, good.URL, res.UsedURL)
}

func TestQueryAllEndpointsFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Query(context.Background(), "q", "")
	var opErr *Error
	require.ErrorAs(t, err, &opErr)
}

func TestJoinIDsAndEscape(t *testing.T) {
	assert.Equal(t, "1,2,3", JoinIDs([]int64{1, 2, 3}))
	assert.Equal(t, `a\"b\\c`, EscapeRegex(`a"b\c`))
}
