package attribution

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/gazetteer/internal/place"
)

// Service owns attribute resolution: recording observations, choosing the
// preferred value per (place, attribute), and surfacing disagreements.
type Service struct {
	store  place.Store
	policy *Policy

	// now is injectable for deterministic scoring in tests.
	now func() time.Time

	// locks serializes reevaluation per (place, attribute) so two
	// concurrent Record calls cannot both win the preferred flag.
	locks sync.Map // map[string]*sync.Mutex
}

// NewService builds an attribution service over a store and trust policy.
func NewService(store place.Store, policy *Policy) *Service {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Service{store: store, policy: policy, now: time.Now}
}

// Policy exposes the active trust policy.
func (s *Service) Policy() *Policy { return s.policy }

func (s *Service) lock(placeID int64, attributeName string) func() {
	key := fmt.Sprintf("%d|%s", placeID, attributeName)
	mu, _ := s.locks.LoadOrStore(key, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

// Record stores one observation and reevaluates the attribute's preferred
// value. Re-observation from the same source updates the existing row
// rather than adding history.
func (s *Service) Record(ctx context.Context, rec *place.AttributeRecord) error {
	if rec.PlaceID == 0 || rec.AttributeName == "" || rec.Source == "" {
		return eris.New("attribution: record needs place, attribute and source")
	}
	if rec.ObservedAt.IsZero() {
		rec.ObservedAt = s.now()
	}
	if rec.Confidence == 0 {
		rec.Confidence = s.policy.BaseConfidence(rec.Source)
	}

	unlock := s.lock(rec.PlaceID, rec.AttributeName)
	defer unlock()

	if err := s.store.UpsertAttributeRecord(ctx, rec); err != nil {
		return err
	}
	return s.reevaluateLocked(ctx, rec.PlaceID, rec.AttributeName)
}

// Reevaluate recomputes the preferred value for one (place, attribute).
// Pinned attributes keep their pinned source regardless of policy.
func (s *Service) Reevaluate(ctx context.Context, placeID int64, attributeName string) error {
	unlock := s.lock(placeID, attributeName)
	defer unlock()
	return s.reevaluateLocked(ctx, placeID, attributeName)
}

// ReevaluatePlace recomputes every attribute the place carries. Merged
// places need this: migrated rows arrive with their preferred flags
// cleared, and folded rows can leave the denormalized place values stale.
func (s *Service) ReevaluatePlace(ctx context.Context, placeID int64) error {
	recs, err := s.store.ListAttributeRecords(ctx, placeID, "")
	if err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(recs))
	for i := range recs {
		name := recs[i].AttributeName
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		if err := s.Reevaluate(ctx, placeID, name); err != nil {
			return eris.Wrapf(err, "attribution: reevaluate %s for place %d", name, placeID)
		}
	}
	return nil
}

// ReevaluateAll recomputes every place that carries the attribute. Used
// after a policy change or a bulk merge.
func (s *Service) ReevaluateAll(ctx context.Context, attributeName string) (int, error) {
	ids, err := s.store.ListAttributePlaceIDs(ctx, attributeName)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := s.Reevaluate(ctx, id, attributeName); err != nil {
			return 0, eris.Wrapf(err, "attribution: reevaluate place %d", id)
		}
	}
	return len(ids), nil
}

func (s *Service) reevaluateLocked(ctx context.Context, placeID int64, attributeName string) error {
	recs, err := s.store.ListAttributeRecords(ctx, placeID, attributeName)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return nil
	}

	// A manual pin overrides every policy until it is removed.
	pinned, err := s.store.GetPin(ctx, placeID, attributeName)
	if err != nil {
		return err
	}
	if pinned != "" {
		return s.prefer(ctx, placeID, attributeName, pinned, recs)
	}

	ap := s.policy.For(attributeName)
	var winner *place.AttributeRecord
	switch ap.Policy {
	case PolicyManualOverride:
		// No pin set yet: leave whatever is currently preferred alone.
		return nil
	case PolicyPriorityOrder:
		winner = pickByPriority(recs, ap.Priority)
		if winner == nil {
			// No ranked source present, fall back to confidence so the
			// attribute still resolves.
			winner = s.pickByConfidence(recs)
		}
	case PolicyRecency:
		winner = pickByRecency(recs)
	default:
		winner = s.pickByConfidence(recs)
	}
	if winner == nil {
		return nil
	}
	return s.prefer(ctx, placeID, attributeName, winner.Source, recs)
}

func (s *Service) prefer(ctx context.Context, placeID int64, attributeName, source string, recs []place.AttributeRecord) error {
	if err := s.store.SetPreferred(ctx, placeID, attributeName, source); err != nil {
		return err
	}
	for i := range recs {
		if recs[i].Source == source {
			return s.denormalize(ctx, placeID, attributeName, recs[i].Value)
		}
	}
	return nil
}

// denormalize mirrors the preferred value onto the place row so lookups
// never need to walk the attribute ledger.
func (s *Service) denormalize(ctx context.Context, placeID int64, attributeName string, value any) error {
	switch attributeName {
	case place.AttrPopulation:
		n, ok := place.Number(value)
		if !ok {
			return eris.Errorf("attribution: non-numeric population for place %d", placeID)
		}
		return s.store.UpdatePlacePopulation(ctx, placeID, int64(n))
	case place.AttrCoordinates:
		lat, lon, ok := coords(value)
		if !ok {
			return eris.Errorf("attribution: malformed coordinates for place %d", placeID)
		}
		return s.store.UpdatePlaceCoordinates(ctx, placeID, lat, lon)
	case place.AttrTimezone:
		tz, ok := value.(string)
		if !ok {
			return eris.Errorf("attribution: non-string timezone for place %d", placeID)
		}
		return s.store.UpdatePlaceTimezone(ctx, placeID, tz)
	case place.AttrBoundingBox:
		raw, err := json.Marshal(value)
		if err != nil {
			return eris.Wrapf(err, "attribution: encode bounding box for place %d", placeID)
		}
		return s.store.UpdatePlaceBoundingBox(ctx, placeID, raw)
	}
	return nil
}

// coords accepts {"lat": .., "lon": ..} maps and [lat, lon] pairs, the two
// shapes sources actually send.
func coords(v any) (lat, lon float64, ok bool) {
	switch c := v.(type) {
	case map[string]any:
		la, okLa := place.Number(c["lat"])
		lo, okLo := place.Number(c["lon"])
		if okLa && okLo {
			return la, lo, true
		}
	case []any:
		if len(c) == 2 {
			la, okLa := place.Number(c[0])
			lo, okLo := place.Number(c[1])
			if okLa && okLo {
				return la, lo, true
			}
		}
	}
	return 0, 0, false
}

func pickByPriority(recs []place.AttributeRecord, priority []string) *place.AttributeRecord {
	for _, src := range priority {
		for i := range recs {
			if recs[i].Source == src {
				return &recs[i]
			}
		}
	}
	return nil
}

func pickByRecency(recs []place.AttributeRecord) *place.AttributeRecord {
	var best *place.AttributeRecord
	for i := range recs {
		if best == nil || recs[i].ObservedAt.After(best.ObservedAt) {
			best = &recs[i]
		}
	}
	return best
}

// pickByConfidence scores every record against its peers and takes the
// highest. Ties break toward the newer observation, then the lexically
// smaller source so resolution is deterministic.
func (s *Service) pickByConfidence(recs []place.AttributeRecord) *place.AttributeRecord {
	now := s.now()
	peers := make([]*place.AttributeRecord, len(recs))
	for i := range recs {
		peers[i] = &recs[i]
	}
	var best *place.AttributeRecord
	var bestScore float64
	for i := range recs {
		score := s.policy.Score(&recs[i], peers, now)
		switch {
		case best == nil, score > bestScore:
			best, bestScore = &recs[i], score
		case score == bestScore:
			if recs[i].ObservedAt.After(best.ObservedAt) ||
				(recs[i].ObservedAt.Equal(best.ObservedAt) && recs[i].Source < best.Source) {
				best = &recs[i]
			}
		}
	}
	return best
}

// PinPreferred pins an attribute to one source's value. The pin survives
// future observations and policy changes until Unpin.
func (s *Service) PinPreferred(ctx context.Context, placeID int64, attributeName, source string) error {
	unlock := s.lock(placeID, attributeName)
	defer unlock()

	recs, err := s.store.ListAttributeRecords(ctx, placeID, attributeName)
	if err != nil {
		return err
	}
	found := false
	for i := range recs {
		if recs[i].Source == source {
			found = true
			break
		}
	}
	if !found {
		return eris.Errorf("attribution: no %s record from %s for place %d", attributeName, source, placeID)
	}
	if err := s.store.SetPin(ctx, placeID, attributeName, source); err != nil {
		return err
	}
	zap.L().Info("attribute pinned",
		zap.Int64("place_id", placeID),
		zap.String("attribute", attributeName),
		zap.String("source", source))
	return s.prefer(ctx, placeID, attributeName, source, recs)
}

// Unpin removes a manual pin and reevaluates under the regular policy.
func (s *Service) Unpin(ctx context.Context, placeID int64, attributeName string) error {
	unlock := s.lock(placeID, attributeName)
	defer unlock()

	if err := s.store.DeletePin(ctx, placeID, attributeName); err != nil {
		return err
	}
	return s.reevaluateLocked(ctx, placeID, attributeName)
}

// Disagreement is a place whose sources materially disagree on one
// attribute's value.
type Disagreement struct {
	PlaceID       int64                   `json:"place_id"`
	AttributeName string                  `json:"attribute_name"`
	Spread        float64                 `json:"spread"`
	Records       []place.AttributeRecord `json:"records"`
}

// FindConflicts scans every place carrying the attribute and reports the
// ones whose numeric values spread wider than threshold (relative to the
// median). Non-numeric attributes report when any two values differ.
func (s *Service) FindConflicts(ctx context.Context, attributeName string, threshold float64) ([]Disagreement, error) {
	ids, err := s.store.ListAttributePlaceIDs(ctx, attributeName)
	if err != nil {
		return nil, err
	}
	var out []Disagreement
	for _, id := range ids {
		recs, err := s.store.ListAttributeRecords(ctx, id, attributeName)
		if err != nil {
			return nil, err
		}
		if len(recs) < 2 {
			continue
		}
		if d, ok := disagreement(id, attributeName, recs, threshold); ok {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Spread > out[j].Spread })
	return out, nil
}

func disagreement(placeID int64, attributeName string, recs []place.AttributeRecord, threshold float64) (Disagreement, bool) {
	nums := make([]float64, 0, len(recs))
	for i := range recs {
		if n, ok := place.Number(recs[i].Value); ok {
			nums = append(nums, n)
		}
	}
	if len(nums) == len(recs) {
		med := median(nums)
		var spread float64
		for _, n := range nums {
			if d := math.Abs(n-med) / math.Max(math.Abs(med), 1); d > spread {
				spread = d
			}
		}
		if spread > threshold {
			return Disagreement{PlaceID: placeID, AttributeName: attributeName, Spread: spread, Records: recs}, true
		}
		return Disagreement{}, false
	}

	// Non-numeric: any difference in encoded value counts.
	first, _ := json.Marshal(recs[0].Value)
	for i := 1; i < len(recs); i++ {
		cur, _ := json.Marshal(recs[i].Value)
		if string(cur) != string(first) {
			return Disagreement{PlaceID: placeID, AttributeName: attributeName, Spread: 1, Records: recs}, true
		}
	}
	return Disagreement{}, false
}
