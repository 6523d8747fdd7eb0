package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/gazetteer/internal/attribution"
	"github.com/sells-group/gazetteer/internal/lookup"
	"github.com/sells-group/gazetteer/internal/place"
	"github.com/sells-group/gazetteer/internal/reconcile"
)

func newTestAPI(t *testing.T) (*apiServer, *env) {
	t.Helper()
	st, err := place.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	attrs := attribution.NewService(st, nil)
	e := &env{
		Store:  st,
		Attrs:  attrs,
		Engine: reconcile.NewEngine(st, attrs),
		Index:  lookup.New(st, 0),
	}
	require.NoError(t, e.Index.Build(context.Background()))
	return &apiServer{env: e, maintainer: lookup.NewMaintainer(e.Index, time.Hour, time.Second)}, e
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestAPIHealth(t *testing.T) {
	api, _ := newTestAPI(t)
	rr := doJSON(t, api.routes(), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")
}

func TestAPISubmitAndLookup(t *testing.T) {
	api, _ := newTestAPI(t)
	h := api.routes()

	rr := doJSON(t, h, http.MethodPost, "/submit", place.CandidateRecord{
		Source:      place.SourceProvider,
		Kind:        place.KindCity,
		CountryCode: "US",
		Names:       []place.CandidateName{{Text: "Birmingham"}},
		Identifiers: []place.CandidateID{{Source: place.SourceProvider, ExternalID: "4049979"}},
	})
	require.Equal(t, http.StatusOK, rr.Code)

	var res reconcile.Result
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Equal(t, reconcile.MatchCreated, res.Match)
	assert.NotZero(t, res.PlaceID)

	// The submit is visible to lookups without a full rebuild.
	rr = doJSON(t, h, http.MethodGet, "/lookup/best?text=birmingham&country=US", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var got place.Place
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, res.PlaceID, got.ID)
}

func TestAPISubmitInvalid(t *testing.T) {
	api, _ := newTestAPI(t)
	rr := doJSON(t, api.routes(), http.MethodPost, "/submit", place.CandidateRecord{
		Source: place.SourceProvider,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestAPILookupMiss(t *testing.T) {
	api, _ := newTestAPI(t)
	h := api.routes()

	rr := doJSON(t, h, http.MethodGet, "/lookup/best?text=atlantis", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = doJSON(t, h, http.MethodGet, "/lookup/best", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAPIAliasRoundTrip(t *testing.T) {
	api, _ := newTestAPI(t)
	h := api.routes()

	rr := doJSON(t, h, http.MethodPost, "/submit", place.CandidateRecord{
		Source: place.SourceProvider, Kind: place.KindCity, CountryCode: "US",
		Names: []place.CandidateName{{Text: "New York"}},
	})
	require.Equal(t, http.StatusOK, rr.Code)
	var res reconcile.Result
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))

	rr = doJSON(t, h, http.MethodPost, "/admin/alias", map[string]any{
		"text": "Big Apple", "place_id": res.PlaceID,
	})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, h, http.MethodGet, "/lookup/best?text=big+apple", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var got place.Place
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, res.PlaceID, got.ID)
}

func TestAPIMergeRedirectsLookup(t *testing.T) {
	api, _ := newTestAPI(t)
	h := api.routes()

	submit := func(name, extID string) int64 {
		rr := doJSON(t, h, http.MethodPost, "/submit", place.CandidateRecord{
			Source: place.SourceProvider, Kind: place.KindCity, CountryCode: "US",
			Names:       []place.CandidateName{{Text: name}},
			Identifiers: []place.CandidateID{{Source: place.SourceProvider, ExternalID: extID}},
		})
		require.Equal(t, http.StatusOK, rr.Code)
		var res reconcile.Result
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
		return res.PlaceID
	}
	keep := submit("Gotham", "g1")
	remove := submit("Gotham Township", "g2")

	rr := doJSON(t, h, http.MethodPost, "/admin/merge", map[string]any{
		"keep_id": keep, "remove_id": remove,
	})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, h, http.MethodGet, "/lookup/best?text=gotham+township", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var got place.Place
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, keep, got.ID)
}

func TestAPIStats(t *testing.T) {
	api, _ := newTestAPI(t)
	rr := doJSON(t, api.routes(), http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var stats lookup.Stats
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	assert.Equal(t, 0, stats.PlaceCount)
}

func TestAPIConflictsEndpoint(t *testing.T) {
	api, e := newTestAPI(t)
	h := api.routes()

	// Two places sharing a name+country trigger a weak-match flag.
	doJSON(t, h, http.MethodPost, "/submit", place.CandidateRecord{
		Source: place.SourceProvider, Kind: place.KindCity, CountryCode: "GB",
		Names:       []place.CandidateName{{Text: "Birmingham"}},
		Identifiers: []place.CandidateID{{Source: place.SourceProvider, ExternalID: "2655603"}},
	})
	doJSON(t, h, http.MethodPost, "/submit", place.CandidateRecord{
		Source: place.SourceFileFeed, Kind: place.KindCity, CountryCode: "GB",
		Names: []place.CandidateName{{Text: "Birmingham"}},
	})

	rr := doJSON(t, h, http.MethodGet, "/admin/conflicts?kind=weak_match", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var conflicts []place.Conflict
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &conflicts))
	require.Len(t, conflicts, 1)

	rr = doJSON(t, h, http.MethodPost, "/admin/conflicts/"+conflicts[0].ID+"/resolve", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	open, err := e.Store.ListConflicts(context.Background(), place.ConflictWeakMatch, false)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestAPIConflictsAttributeScan(t *testing.T) {
	api, _ := newTestAPI(t)
	h := api.routes()

	rr := doJSON(t, h, http.MethodPost, "/submit", place.CandidateRecord{
		Source: place.SourceFileFeed, Kind: place.KindCity, CountryCode: "US",
		Names:       []place.CandidateName{{Text: "Splitsville"}},
		Identifiers: []place.CandidateID{{Source: place.SourceProvider, ExternalID: "s1"}},
		Attributes:  []place.CandidateAttribute{{Name: place.AttrPopulation, Value: 100000}},
	})
	require.Equal(t, http.StatusOK, rr.Code)
	doJSON(t, h, http.MethodPost, "/submit", place.CandidateRecord{
		Source: place.SourceGraphQuery, Kind: place.KindCity, CountryCode: "US",
		Identifiers: []place.CandidateID{{Source: place.SourceProvider, ExternalID: "s1"}},
		Attributes:  []place.CandidateAttribute{{Name: place.AttrPopulation, Value: 900000}},
	})

	rr = doJSON(t, h, http.MethodGet, "/admin/conflicts?attribute=population&threshold=0.5", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var out []attribution.Disagreement
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, place.AttrPopulation, out[0].AttributeName)

	rr = doJSON(t, h, http.MethodGet, "/admin/conflicts?attribute=population&threshold=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
