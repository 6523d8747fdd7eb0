package attribution

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/gazetteer/internal/place"
)

func newTestStore(t *testing.T) *place.SQLiteStore {
	t.Helper()
	st, err := place.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func newTestPlace(t *testing.T, st place.Store) *place.Place {
	t.Helper()
	p := &place.Place{Kind: place.KindCity, CountryCode: "US"}
	require.NoError(t, st.CreatePlace(context.Background(), p))
	return p
}

func fixedNow() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func newTestService(st place.Store, policy *Policy) *Service {
	svc := NewService(st, policy)
	svc.now = fixedNow
	return svc
}

func TestRecordSetsPreferredByConfidence(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	p := newTestPlace(t, st)
	svc := newTestService(st, nil)

	observed := fixedNow().Add(-24 * time.Hour)
	require.NoError(t, svc.Record(ctx, &place.AttributeRecord{
		PlaceID: p.ID, AttributeName: place.AttrPopulation,
		Value: 510746, Source: place.SourceFileFeed, Confidence: 0.85, ObservedAt: observed,
	}))
	require.NoError(t, svc.Record(ctx, &place.AttributeRecord{
		PlaceID: p.ID, AttributeName: place.AttrPopulation,
		Value: 552000, Source: place.SourceGraphQuery, Confidence: 0.75, ObservedAt: observed,
	}))

	recs, err := st.ListAttributeRecords(ctx, p.ID, place.AttrPopulation)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	for _, rec := range recs {
		if rec.Source == place.SourceFileFeed {
			assert.True(t, rec.IsPreferred)
		} else {
			assert.False(t, rec.IsPreferred)
		}
	}

	got, err := st.GetPlace(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(510746), got.Population)
}

func TestPriorityOrderOverridesConfidence(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	p := newTestPlace(t, st)

	policy := DefaultPolicy()
	policy.Attributes[place.AttrPopulation] = AttributePolicy{
		Policy:   PolicyPriorityOrder,
		Priority: []string{place.SourceGraphQuery, place.SourceFileFeed},
	}
	svc := newTestService(st, policy)

	observed := fixedNow().Add(-24 * time.Hour)
	require.NoError(t, svc.Record(ctx, &place.AttributeRecord{
		PlaceID: p.ID, AttributeName: place.AttrPopulation,
		Value: 510746, Source: place.SourceFileFeed, Confidence: 0.85, ObservedAt: observed,
	}))
	require.NoError(t, svc.Record(ctx, &place.AttributeRecord{
		PlaceID: p.ID, AttributeName: place.AttrPopulation,
		Value: 552000, Source: place.SourceGraphQuery, Confidence: 0.75, ObservedAt: observed,
	}))

	got, err := st.GetPlace(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(552000), got.Population)
}

func TestPriorityOrderFallsBackWhenNoRankedSource(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	p := newTestPlace(t, st)
	svc := newTestService(st, nil)

	// timezone ranks file_feed only; a map_data-only observation should
	// still resolve.
	require.NoError(t, svc.Record(ctx, &place.AttributeRecord{
		PlaceID: p.ID, AttributeName: place.AttrTimezone,
		Value: "America/Chicago", Source: place.SourceMapData, ObservedAt: fixedNow(),
	}))

	got, err := st.GetPlace(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "America/Chicago", got.Timezone)
}

func TestRecencyPolicy(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	p := newTestPlace(t, st)

	policy := DefaultPolicy()
	policy.Attributes[place.AttrTimezone] = AttributePolicy{Policy: PolicyRecency}
	svc := newTestService(st, policy)

	require.NoError(t, svc.Record(ctx, &place.AttributeRecord{
		PlaceID: p.ID, AttributeName: place.AttrTimezone,
		Value: "Europe/Kiev", Source: place.SourceMapData,
		ObservedAt: fixedNow().Add(-365 * 24 * time.Hour),
	}))
	require.NoError(t, svc.Record(ctx, &place.AttributeRecord{
		PlaceID: p.ID, AttributeName: place.AttrTimezone,
		Value: "Europe/Kyiv", Source: place.SourceFileFeed,
		ObservedAt: fixedNow().Add(-time.Hour),
	}))

	got, err := st.GetPlace(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Europe/Kyiv", got.Timezone)
}

func TestPinSurvivesNewObservations(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	p := newTestPlace(t, st)
	svc := newTestService(st, nil)

	require.NoError(t, svc.Record(ctx, &place.AttributeRecord{
		PlaceID: p.ID, AttributeName: place.AttrPopulation,
		Value: 100000, Source: place.SourceGraphQuery, ObservedAt: fixedNow().Add(-48 * time.Hour),
	}))
	require.NoError(t, svc.PinPreferred(ctx, p.ID, place.AttrPopulation, place.SourceGraphQuery))

	// A higher-confidence observation arrives, the pin holds.
	require.NoError(t, svc.Record(ctx, &place.AttributeRecord{
		PlaceID: p.ID, AttributeName: place.AttrPopulation,
		Value: 999999, Source: place.SourceFileFeed, Confidence: 0.95, ObservedAt: fixedNow(),
	}))

	got, err := st.GetPlace(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100000), got.Population)

	// Unpinning reevaluates under the regular policy.
	require.NoError(t, svc.Unpin(ctx, p.ID, place.AttrPopulation))
	got, err = st.GetPlace(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(999999), got.Population)
}

func TestPinRequiresExistingRecord(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	p := newTestPlace(t, st)
	svc := newTestService(st, nil)

	err := svc.PinPreferred(ctx, p.ID, place.AttrPopulation, place.SourceFileFeed)
	require.Error(t, err)
}

func TestCoordinatesDenormalize(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	p := newTestPlace(t, st)
	svc := newTestService(st, nil)

	require.NoError(t, svc.Record(ctx, &place.AttributeRecord{
		PlaceID: p.ID, AttributeName: place.AttrCoordinates,
		Value:  map[string]any{"lat": 33.5186, "lon": -86.8104},
		Source: place.SourceMapData, ObservedAt: fixedNow(),
	}))

	got, err := st.GetPlace(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Latitude)
	require.NotNil(t, got.Longitude)
	assert.InDelta(t, 33.5186, *got.Latitude, 1e-6)
	assert.InDelta(t, -86.8104, *got.Longitude, 1e-6)
}

func TestOutlierPenalty(t *testing.T) {
	policy := DefaultPolicy()
	now := fixedNow()
	recent := now.Add(-24 * time.Hour)

	peers := []*place.AttributeRecord{
		{Value: float64(500000), Source: place.SourceFileFeed, ObservedAt: recent},
		{Value: float64(510000), Source: place.SourceGraphQuery, ObservedAt: recent},
		{Value: float64(5000000), Source: place.SourceMapData, ObservedAt: recent},
	}

	inlier := policy.Score(peers[0], peers, now)
	outlier := policy.Score(peers[2], peers, now)
	assert.Greater(t, inlier, outlier)
	// The outlier loses the full penalty.
	assert.InDelta(t, policy.Outlier.MaxPenalty, (policy.BaseConfidence(place.SourceMapData)+policy.recencyBonus(recent, now))-outlier, 1e-9)
}

func TestRecencyBonusDecays(t *testing.T) {
	policy := DefaultPolicy()
	now := fixedNow()

	fresh := policy.recencyBonus(now, now)
	halfLife := policy.recencyBonus(now.Add(-time.Duration(policy.Recency.HalfLifeDays)*24*time.Hour), now)
	assert.InDelta(t, policy.Recency.MaxBonus, fresh, 1e-9)
	assert.InDelta(t, policy.Recency.MaxBonus/2, halfLife, 1e-9)
}

func TestReevaluatePlaceAfterMerge(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	svc := newTestService(st, nil)

	keep := newTestPlace(t, st)
	remove := newTestPlace(t, st)

	older := fixedNow().Add(-72 * time.Hour)
	newer := fixedNow().Add(-time.Hour)
	require.NoError(t, svc.Record(ctx, &place.AttributeRecord{
		PlaceID: keep.ID, AttributeName: place.AttrPopulation,
		Value: 500000, Source: place.SourceFileFeed, ObservedAt: older,
	}))
	require.NoError(t, svc.Record(ctx, &place.AttributeRecord{
		PlaceID: remove.ID, AttributeName: place.AttrPopulation,
		Value: 550000, Source: place.SourceFileFeed, ObservedAt: newer,
	}))
	require.NoError(t, svc.Record(ctx, &place.AttributeRecord{
		PlaceID: remove.ID, AttributeName: place.AttrTimezone,
		Value: "America/Chicago", Source: place.SourceFileFeed, ObservedAt: newer,
	}))

	require.NoError(t, st.MergePlaces(ctx, keep.ID, remove.ID))
	require.NoError(t, svc.ReevaluatePlace(ctx, keep.ID))

	// Exactly one preferred row per attribute the keeper now carries,
	// including attributes only the removed place had.
	for _, attr := range []string{place.AttrPopulation, place.AttrTimezone} {
		recs, err := st.ListAttributeRecords(ctx, keep.ID, attr)
		require.NoError(t, err)
		require.NotEmpty(t, recs, attr)
		preferred := 0
		for _, rec := range recs {
			if rec.IsPreferred {
				preferred++
			}
		}
		assert.Equal(t, 1, preferred, attr)
	}

	// The folded newer observation reaches the denormalized columns.
	got, err := st.GetPlace(ctx, keep.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(550000), got.Population)
	assert.Equal(t, "America/Chicago", got.Timezone)
}

func TestFindConflicts(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	svc := newTestService(st, nil)

	noisy := newTestPlace(t, st)
	quiet := newTestPlace(t, st)

	observed := fixedNow()
	require.NoError(t, svc.Record(ctx, &place.AttributeRecord{
		PlaceID: noisy.ID, AttributeName: place.AttrPopulation,
		Value: 100000, Source: place.SourceFileFeed, ObservedAt: observed,
	}))
	require.NoError(t, svc.Record(ctx, &place.AttributeRecord{
		PlaceID: noisy.ID, AttributeName: place.AttrPopulation,
		Value: 900000, Source: place.SourceGraphQuery, ObservedAt: observed,
	}))
	require.NoError(t, svc.Record(ctx, &place.AttributeRecord{
		PlaceID: quiet.ID, AttributeName: place.AttrPopulation,
		Value: 200000, Source: place.SourceFileFeed, ObservedAt: observed,
	}))
	require.NoError(t, svc.Record(ctx, &place.AttributeRecord{
		PlaceID: quiet.ID, AttributeName: place.AttrPopulation,
		Value: 201000, Source: place.SourceGraphQuery, ObservedAt: observed,
	}))

	out, err := svc.FindConflicts(ctx, place.AttrPopulation, 0.25)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, noisy.ID, out[0].PlaceID)
	assert.Len(t, out[0].Records, 2)
}

func TestPolicyValidation(t *testing.T) {
	p := DefaultPolicy()
	require.NoError(t, p.Validate())

	p.Attributes["bogus"] = AttributePolicy{Policy: "majority"}
	require.Error(t, p.Validate())
	delete(p.Attributes, "bogus")

	p.Attributes[place.AttrTimezone] = AttributePolicy{Policy: PolicyPriorityOrder}
	require.Error(t, p.Validate())

	p.Attributes[place.AttrTimezone] = AttributePolicy{
		Policy: PolicyPriorityOrder, Priority: []string{"unheard_of"},
	}
	require.Error(t, p.Validate())
}

func TestLoadPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trust.yaml")
	yaml := `
trust:
  sources:
    file_feed: {base_confidence: 0.9}
    map_data: {base_confidence: 0.6}
  recency: {half_life_days: 180, max_bonus: 0.1}
  outlier: {deviation_threshold: 0.4, max_penalty: 0.25}
  attributes:
    timezone: {policy: priority_order, priority: [file_feed]}
  default_policy: recency
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	p, err := LoadPolicy(path)
	require.NoError(t, err)
	assert.Equal(t, 0.9, p.BaseConfidence("file_feed"))
	assert.Equal(t, 180, p.Recency.HalfLifeDays)
	assert.Equal(t, PolicyRecency, p.DefaultPolicy)
	assert.Equal(t, PolicyPriorityOrder, p.For("timezone").Policy)
	assert.Equal(t, PolicyRecency, p.For("population").Policy)
}

func TestLoadPolicyMissingFile(t *testing.T) {
	_, err := LoadPolicy(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
