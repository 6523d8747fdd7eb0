package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/gazetteer/internal/attribution"
	"github.com/sells-group/gazetteer/internal/place"
)

func newTestEngine(t *testing.T) (*Engine, *place.SQLiteStore) {
	t.Helper()
	st, err := place.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return NewEngine(st, attribution.NewService(st, nil)), st
}

func TestSubmitCreatesThenMatches(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)

	cand := &place.CandidateRecord{
		Source:      place.SourceProvider,
		Kind:        place.KindCity,
		CountryCode: "US",
		Names:       []place.CandidateName{{Text: "Birmingham", NameKind: place.NameOfficial}},
		Identifiers: []place.CandidateID{{Source: place.SourceProvider, ExternalID: "4049979"}},
	}

	first, err := eng.Submit(ctx, cand)
	require.NoError(t, err)
	assert.Equal(t, MatchCreated, first.Match)
	assert.True(t, first.Created)
	assert.Empty(t, first.ConflictIDs)

	// Identical re-submit is idempotent.
	second, err := eng.Submit(ctx, cand)
	require.NoError(t, err)
	assert.Equal(t, MatchHard, second.Match)
	assert.False(t, second.Created)
	assert.Equal(t, first.PlaceID, second.PlaceID)
	assert.Empty(t, second.ConflictIDs)
}

func TestSubmitIdentifierPriority(t *testing.T) {
	ctx := context.Background()
	eng, st := newTestEngine(t)

	// Place A holds a knowledge-graph id, place B a map-data id.
	a, err := eng.Submit(ctx, &place.CandidateRecord{
		Source: place.SourceKnowledgeGraph, Kind: place.KindCity, CountryCode: "US",
		Names:       []place.CandidateName{{Text: "Springfield"}},
		Identifiers: []place.CandidateID{{Source: place.SourceKnowledgeGraph, ExternalID: "Q28515"}},
	})
	require.NoError(t, err)
	b, err := eng.Submit(ctx, &place.CandidateRecord{
		Source: place.SourceMapData, Kind: place.KindCity, CountryCode: "CA",
		Names:       []place.CandidateName{{Text: "Springfield West"}},
		Identifiers: []place.CandidateID{{Source: place.SourceMapData, ExternalID: "r12345"}},
	})
	require.NoError(t, err)
	require.NotEqual(t, a.PlaceID, b.PlaceID)

	// A candidate carrying both ids resolves through the higher-priority
	// knowledge-graph id and parks the map-data collision.
	res, err := eng.Submit(ctx, &place.CandidateRecord{
		Source: place.SourceFileFeed, Kind: place.KindCity, CountryCode: "US",
		Names: []place.CandidateName{{Text: "Springfield"}},
		Identifiers: []place.CandidateID{
			{Source: place.SourceMapData, ExternalID: "r12345"},
			{Source: place.SourceKnowledgeGraph, ExternalID: "Q28515"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, MatchHard, res.Match)
	assert.Equal(t, a.PlaceID, res.PlaceID)
	require.Len(t, res.ConflictIDs, 1)

	conflicts, err := st.ListConflicts(ctx, place.ConflictIdentifier, false)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, a.PlaceID, conflicts[0].PlaceID)
	assert.Equal(t, b.PlaceID, conflicts[0].OtherPlaceID)
	assert.Equal(t, "r12345", conflicts[0].ExternalID)

	// B keeps its identifier; the collision was parked, not applied.
	got, err := st.FindByIdentifier(ctx, place.SourceMapData, "r12345")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, b.PlaceID, got.ID)
}

func TestSubmitWeakMatchParksConflict(t *testing.T) {
	ctx := context.Background()
	eng, st := newTestEngine(t)

	first, err := eng.Submit(ctx, &place.CandidateRecord{
		Source: place.SourceProvider, Kind: place.KindCity, CountryCode: "GB",
		Names:       []place.CandidateName{{Text: "Birmingham"}},
		Identifiers: []place.CandidateID{{Source: place.SourceProvider, ExternalID: "2655603"}},
	})
	require.NoError(t, err)

	// Same name and country, no shared identifier.
	res, err := eng.Submit(ctx, &place.CandidateRecord{
		Source: place.SourceFileFeed, Kind: place.KindCity, CountryCode: "GB",
		Names: []place.CandidateName{{Text: "BIRMINGHAM"}},
	})
	require.NoError(t, err)
	assert.Equal(t, MatchWeak, res.Match)
	assert.Equal(t, first.PlaceID, res.PlaceID)
	require.Len(t, res.ConflictIDs, 1)

	conflicts, err := st.ListConflicts(ctx, place.ConflictWeakMatch, false)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, first.PlaceID, conflicts[0].PlaceID)
}

func TestSubmitWeakMatchReparkIsDeduped(t *testing.T) {
	ctx := context.Background()
	eng, st := newTestEngine(t)

	_, err := eng.Submit(ctx, &place.CandidateRecord{
		Source: place.SourceProvider, Kind: place.KindCity, CountryCode: "GB",
		Names:       []place.CandidateName{{Text: "Birmingham"}},
		Identifiers: []place.CandidateID{{Source: place.SourceProvider, ExternalID: "2655603"}},
	})
	require.NoError(t, err)

	weak := &place.CandidateRecord{
		Source: place.SourceFileFeed, Kind: place.KindCity, CountryCode: "GB",
		Names: []place.CandidateName{{Text: "Birmingham"}},
	}
	first, err := eng.Submit(ctx, weak)
	require.NoError(t, err)
	require.Len(t, first.ConflictIDs, 1)

	// Re-ingesting the same candidate reuses the open conflict.
	second, err := eng.Submit(ctx, weak)
	require.NoError(t, err)
	require.Len(t, second.ConflictIDs, 1)
	assert.Equal(t, first.ConflictIDs[0], second.ConflictIDs[0])

	conflicts, err := st.ListConflicts(ctx, place.ConflictWeakMatch, false)
	require.NoError(t, err)
	assert.Len(t, conflicts, 1)

	// Once resolved, a fresh submit may park a new conflict.
	require.NoError(t, st.ResolveConflict(ctx, first.ConflictIDs[0]))
	third, err := eng.Submit(ctx, weak)
	require.NoError(t, err)
	require.Len(t, third.ConflictIDs, 1)
	assert.NotEqual(t, first.ConflictIDs[0], third.ConflictIDs[0])
}

func TestSubmitNameMatchNeedsCountry(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)

	first, err := eng.Submit(ctx, &place.CandidateRecord{
		Source: place.SourceProvider, Kind: place.KindCity, CountryCode: "US",
		Names: []place.CandidateName{{Text: "Portland"}},
	})
	require.NoError(t, err)

	// Without a country the name alone never matches.
	res, err := eng.Submit(ctx, &place.CandidateRecord{
		Source: place.SourceFileFeed, Kind: place.KindCity,
		Names: []place.CandidateName{{Text: "Portland"}},
	})
	require.NoError(t, err)
	assert.Equal(t, MatchCreated, res.Match)
	assert.NotEqual(t, first.PlaceID, res.PlaceID)
}

func TestSubmitKindMismatchBlocksWeakMatch(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)

	region, err := eng.Submit(ctx, &place.CandidateRecord{
		Source: place.SourceProvider, Kind: place.KindRegion, CountryCode: "US",
		Names: []place.CandidateName{{Text: "New York"}},
	})
	require.NoError(t, err)

	city, err := eng.Submit(ctx, &place.CandidateRecord{
		Source: place.SourceFileFeed, Kind: place.KindCity, CountryCode: "US",
		Names: []place.CandidateName{{Text: "New York"}},
	})
	require.NoError(t, err)
	assert.Equal(t, MatchCreated, city.Match)
	assert.NotEqual(t, region.PlaceID, city.PlaceID)
}

func TestSubmitRecordsAttributes(t *testing.T) {
	ctx := context.Background()
	eng, st := newTestEngine(t)

	conf := 0.85
	res, err := eng.Submit(ctx, &place.CandidateRecord{
		Source: place.SourceFileFeed, Kind: place.KindCity, CountryCode: "US",
		Names: []place.CandidateName{{Text: "Birmingham"}},
		Attributes: []place.CandidateAttribute{
			{Name: place.AttrPopulation, Value: 200733, Confidence: &conf},
			{Name: place.AttrTimezone, Value: "America/Chicago"},
		},
		SourceObservedAt: time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)

	got, err := st.GetPlace(ctx, res.PlaceID)
	require.NoError(t, err)
	assert.Equal(t, int64(200733), got.Population)
	assert.Equal(t, "America/Chicago", got.Timezone)
}

func TestSubmitInvalidCandidate(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)

	cases := []*place.CandidateRecord{
		nil,
		{Source: place.SourceProvider}, // no names, no identifiers
		{Names: []place.CandidateName{{Text: "Paris"}}},                                      // no source
		{Source: place.SourceProvider, Kind: "continent", Names: []place.CandidateName{{Text: "Paris"}}}, // bad kind
		{Source: place.SourceProvider, Kind: place.KindCity, Names: []place.CandidateName{{Text: "  "}}}, // empty name
	}
	for _, cand := range cases {
		_, err := eng.Submit(ctx, cand)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidCandidate), "want ErrInvalidCandidate, got %v", err)
	}
}

func TestSubmitCreateWithoutKind(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)

	_, err := eng.Submit(ctx, &place.CandidateRecord{
		Source: place.SourceProvider, CountryCode: "US",
		Names: []place.CandidateName{{Text: "Nowhere"}},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidCandidate))
}

func TestBucketLocksRaceLost(t *testing.T) {
	locks := newBucketLocks()

	release, err := locks.acquire(context.Background(), []string{"a", "b"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locks.acquire(ctx, []string{"b", "c"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRaceLost))

	release()
	release2, err := locks.acquire(context.Background(), []string{"b", "c"})
	require.NoError(t, err)
	release2()
}

func TestBucketLocksDedupe(t *testing.T) {
	locks := newBucketLocks()
	release, err := locks.acquire(context.Background(), []string{"x", "x", "x"})
	require.NoError(t, err)
	release()
}
