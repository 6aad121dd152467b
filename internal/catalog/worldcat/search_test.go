package worldcat

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/utlibraries/audiocat/internal/catalog"
)

func tokenHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"access_token": "test-token",
		"token_type":   "Bearer",
		"expires_in":   3600,
	})
}

func TestSearchClient_stopsAtFirstUsableQuery(t *testing.T) {
	var queriesSeen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/token":
			tokenHandler(w, r)
		case "/search":
			q := r.URL.Query().Get("q")
			queriesSeen = append(queriesSeen, q)
			w.Header().Set("Content-Type", "application/json")
			if q == "broad query" {
				_, _ = w.Write([]byte(`{"numberOfRecords": 0, "bibRecords": []}`))
				return
			}
			_, _ = w.Write([]byte(`{"numberOfRecords": 1, "bibRecords": [{"identifier": {"oclcNumber": "123"}, "title": {"mainTitles": [{"text": "Abbey Road"}]}}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	cfg := catalog.WorldCatConfig{
		BaseURL: srv.URL, SearchEndpoint: "/search", TokenURL: srv.URL + "/token",
		MaxQueriesPerItem: 5, MaxResultsThreshold: 20, DefaultLimit: 10,
		RequestsPerSecond: 100, RequestTimeout: 5 * time.Second,
	}
	sc := NewSearchClient(cfg, "id", "secret", nil)

	queries := []catalog.SearchQuery{
		{Strategy: "broad", Query: "broad query"},
		{Strategy: "narrow", Query: "title and contributor"},
	}
	rec, err := sc.Search(t.Context(), queries)
	require.NoError(t, err)
	require.Len(t, rec.Queries, 2)
	require.Equal(t, 0, rec.Queries[0].ResultCount)
	require.Equal(t, 1, rec.Queries[1].ResultCount)
	require.Len(t, rec.Candidates, 1)
	require.Equal(t, "123", rec.Candidates[0].OCLCNumber)
	require.Equal(t, []string{"broad query", "title and contributor"}, queriesSeen)
}

func TestSearchClient_truncatedResultIsSkipped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/token":
			tokenHandler(w, r)
		case "/search":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"numberOfRecords": 500, "bibRecords": [{"identifier": {"oclcNumber": "1"}}]}`))
		}
	}))
	defer srv.Close()

	cfg := catalog.WorldCatConfig{
		BaseURL: srv.URL, SearchEndpoint: "/search", TokenURL: srv.URL + "/token",
		MaxQueriesPerItem: 5, MaxResultsThreshold: 20, DefaultLimit: 10,
		RequestsPerSecond: 100, RequestTimeout: 5 * time.Second,
	}
	sc := NewSearchClient(cfg, "id", "secret", nil)

	rec, err := sc.Search(t.Context(), []catalog.SearchQuery{{Strategy: "broad", Query: "too broad"}})
	require.NoError(t, err)
	require.Empty(t, rec.Candidates)
	require.True(t, rec.Queries[0].Truncated)
}

func TestSearchClient_queriesTruncatedToMaxPerItem(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/token":
			tokenHandler(w, r)
		case "/search":
			calls++
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"numberOfRecords": 0, "bibRecords": []}`))
		}
	}))
	defer srv.Close()

	cfg := catalog.WorldCatConfig{
		BaseURL: srv.URL, SearchEndpoint: "/search", TokenURL: srv.URL + "/token",
		MaxQueriesPerItem: 1, MaxResultsThreshold: 20, DefaultLimit: 10,
		RequestsPerSecond: 100, RequestTimeout: 5 * time.Second,
	}
	sc := NewSearchClient(cfg, "id", "secret", nil)

	queries := []catalog.SearchQuery{{Strategy: "a", Query: "a"}, {Strategy: "b", Query: "b"}, {Strategy: "c", Query: "c"}}
	rec, err := sc.Search(t.Context(), queries)
	require.NoError(t, err)
	require.Len(t, rec.Queries, 1)
	require.Equal(t, 1, calls)
}

func TestSearchClient_attachesHoldingsWhenConfigured(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/token":
			tokenHandler(w, r)
		case "/search":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"numberOfRecords": 1, "bibRecords": [{"identifier": {"oclcNumber": "555"}}]}`))
		case "/holdings":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"total": 3, "institutionHolding": {"heldByInstitution": true}}`))
		}
	}))
	defer srv.Close()

	cfg := catalog.WorldCatConfig{
		BaseURL: srv.URL, SearchEndpoint: "/search", HoldingsEndpoint: "/holdings", TokenURL: srv.URL + "/token",
		MaxQueriesPerItem: 5, MaxResultsThreshold: 20, DefaultLimit: 10,
		RequestsPerSecond: 100, RequestTimeout: 5 * time.Second,
	}
	holdings := NewHoldingsClient(cfg, "id", "secret")
	sc := NewSearchClient(cfg, "id", "secret", holdings)

	rec, err := sc.Search(t.Context(), []catalog.SearchQuery{{Strategy: "a", Query: "a"}})
	require.NoError(t, err)
	require.Len(t, rec.Candidates, 1)
	require.True(t, rec.Candidates[0].Holdings.HeldByInstitution)
	require.Equal(t, 3, rec.Candidates[0].Holdings.TotalHoldingCount)
}
