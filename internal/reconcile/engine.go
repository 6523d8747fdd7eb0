// Package reconcile decides whether an inbound candidate record describes
// a place already on file or a new one, and applies it atomically with
// respect to competing submits for the same identity buckets.
package reconcile

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/gazetteer/internal/normalize"
	"github.com/sells-group/gazetteer/internal/place"
)

// MatchKind classifies how a candidate resolved.
type MatchKind string

// Match outcomes.
const (
	MatchHard    MatchKind = "hard"    // via a shared external identifier
	MatchWeak    MatchKind = "weak"    // via normalized name + country only
	MatchCreated MatchKind = "created" // no match, new place
)

// Result reports one submit's outcome.
type Result struct {
	PlaceID     int64     `json:"place_id"`
	Match       MatchKind `json:"match"`
	Created     bool      `json:"created"`
	ConflictIDs []string  `json:"conflict_ids,omitempty"`
}

// AttributeRecorder receives the candidate's attribute observations once
// identity is settled. Implemented by the attribution service.
type AttributeRecorder interface {
	Record(ctx context.Context, rec *place.AttributeRecord) error
}

// Engine resolves candidates against the store.
type Engine struct {
	store place.Store
	attrs AttributeRecorder
	locks *bucketLocks
}

// NewEngine builds a reconciliation engine.
func NewEngine(store place.Store, attrs AttributeRecorder) *Engine {
	return &Engine{store: store, attrs: attrs, locks: newBucketLocks()}
}

// Submit resolves one candidate and applies it. Identical re-submits are
// idempotent. Identifier collisions and weak matches succeed but park a
// conflict for review; the ids of parked conflicts come back in the
// result.
func (e *Engine) Submit(ctx context.Context, cand *place.CandidateRecord) (*Result, error) {
	if err := validate(cand); err != nil {
		return nil, err
	}

	release, err := e.locks.acquire(ctx, lockKeys(cand))
	if err != nil {
		return nil, err
	}
	defer release()

	res := &Result{}

	target, err := e.matchByIdentifier(ctx, cand)
	if err != nil {
		return nil, err
	}
	if target != nil {
		res.Match = MatchHard
	} else {
		target, err = e.matchByName(ctx, cand, res)
		if err != nil {
			return nil, err
		}
	}

	if target == nil {
		target, err = e.createPlace(ctx, cand)
		if err != nil {
			return nil, err
		}
		res.Match, res.Created = MatchCreated, true
		zap.L().Info("place created",
			zap.Int64("place_id", target.ID),
			zap.String("source", cand.Source),
			zap.String("kind", string(cand.Kind)))
	}
	res.PlaceID = target.ID

	if err := e.attachIdentifiers(ctx, cand, target, res); err != nil {
		return nil, err
	}
	if err := e.attachNames(ctx, cand, target); err != nil {
		return nil, err
	}
	if err := e.recordAttributes(ctx, cand, target); err != nil {
		return nil, err
	}
	return res, nil
}

func validate(cand *place.CandidateRecord) error {
	if cand == nil || cand.Source == "" {
		return eris.Wrap(ErrInvalidCandidate, "missing source")
	}
	if cand.Empty() {
		return eris.Wrap(ErrInvalidCandidate, "no names or identifiers")
	}
	if cand.Kind != "" && !cand.Kind.Valid() {
		return eris.Wrapf(ErrInvalidCandidate, "unknown kind %q", cand.Kind)
	}
	for _, id := range cand.Identifiers {
		if id.Source == "" || id.ExternalID == "" {
			return eris.Wrap(ErrInvalidCandidate, "identifier missing source or external id")
		}
	}
	for _, n := range cand.Names {
		if normalize.Text(n.Text) == "" {
			return eris.Wrapf(ErrInvalidCandidate, "name %q normalizes to empty", n.Text)
		}
	}
	return nil
}

// lockKeys covers every bucket this candidate could resolve through: each
// external identifier and each (normalized name, country) pair.
func lockKeys(cand *place.CandidateRecord) []string {
	keys := make([]string, 0, len(cand.Identifiers)+len(cand.Names))
	for _, id := range cand.Identifiers {
		keys = append(keys, "id|"+id.Source+"|"+id.ExternalID)
	}
	for _, n := range cand.Names {
		keys = append(keys, "name|"+normalize.BucketKey(normalize.Text(n.Text), cand.CountryCode))
	}
	return keys
}

// matchByIdentifier walks the identifier priority order; the first source
// with a claimed external id decides identity. Identifiers from sources
// outside the priority list never decide identity on their own.
func (e *Engine) matchByIdentifier(ctx context.Context, cand *place.CandidateRecord) (*place.Place, error) {
	for _, src := range place.IdentifierPriority {
		for _, id := range cand.Identifiers {
			if id.Source != src {
				continue
			}
			p, err := e.store.FindByIdentifier(ctx, id.Source, id.ExternalID)
			if err != nil {
				return nil, err
			}
			if p != nil {
				return p, nil
			}
		}
	}
	return nil, nil
}

// matchByName falls back to normalized name + country. A single distinct
// hit is accepted as a weak match and parked for review; ambiguous hits
// are not trusted and the candidate gets a fresh place.
func (e *Engine) matchByName(ctx context.Context, cand *place.CandidateRecord, res *Result) (*place.Place, error) {
	if cand.CountryCode == "" {
		return nil, nil
	}

	distinct := make(map[int64]struct{})
	for _, n := range cand.Names {
		ids, err := e.store.FindPlaceIDsByNormalizedName(ctx, normalize.Text(n.Text), cand.CountryCode)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			distinct[id] = struct{}{}
		}
	}
	if len(distinct) != 1 {
		return nil, nil
	}

	var matchID int64
	for id := range distinct {
		matchID = id
	}
	p, err := e.store.GetPlace(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, nil
	}
	if cand.Kind != "" && p.Kind != cand.Kind {
		// Name agrees but the kinds do not; not the same place.
		return nil, nil
	}

	conflictID, err := e.park(ctx, &place.Conflict{
		Kind:    place.ConflictWeakMatch,
		Source:  cand.Source,
		PlaceID: p.ID,
		Detail:  fmt.Sprintf("matched on name+country %s only", normalize.BucketKey(normalize.Text(cand.Names[0].Text), cand.CountryCode)),
	})
	if err != nil {
		return nil, err
	}
	res.Match = MatchWeak
	res.ConflictIDs = append(res.ConflictIDs, conflictID)
	return p, nil
}

func (e *Engine) createPlace(ctx context.Context, cand *place.CandidateRecord) (*place.Place, error) {
	if cand.Kind == "" {
		return nil, eris.Wrap(ErrInvalidCandidate, "creating a place requires a kind")
	}
	p := &place.Place{Kind: cand.Kind, CountryCode: cand.CountryCode}
	if err := e.store.CreatePlace(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// attachIdentifiers binds the candidate's identifiers to the resolved
// place. A collision with another place, or with an identifier the place
// already holds for the same source, parks a conflict instead of failing
// the submit.
func (e *Engine) attachIdentifiers(ctx context.Context, cand *place.CandidateRecord, target *place.Place, res *Result) error {
	if len(cand.Identifiers) == 0 {
		return nil
	}
	existing, err := e.store.ListIdentifiers(ctx, target.ID)
	if err != nil {
		return err
	}
	bySource := make(map[string]string, len(existing))
	for _, id := range existing {
		bySource[id.Source] = id.ExternalID
	}

	for _, id := range cand.Identifiers {
		if held, ok := bySource[id.Source]; ok {
			if held == id.ExternalID {
				continue // already attached
			}
			conflictID, err := e.park(ctx, &place.Conflict{
				Kind:       place.ConflictIdentifier,
				Source:     id.Source,
				ExternalID: id.ExternalID,
				PlaceID:    target.ID,
				Detail:     fmt.Sprintf("place already holds %s:%s", id.Source, held),
			})
			if err != nil {
				return err
			}
			res.ConflictIDs = append(res.ConflictIDs, conflictID)
			continue
		}

		claimer, err := e.store.FindByIdentifier(ctx, id.Source, id.ExternalID)
		if err != nil {
			return err
		}
		if claimer != nil && claimer.ID != target.ID {
			cerr := &ConflictingIdentifierError{
				Source: id.Source, ExternalID: id.ExternalID,
				PlaceID: target.ID, ClaimedBy: claimer.ID,
			}
			conflictID, err := e.park(ctx, &place.Conflict{
				Kind:         place.ConflictIdentifier,
				Source:       id.Source,
				ExternalID:   id.ExternalID,
				PlaceID:      target.ID,
				OtherPlaceID: claimer.ID,
				Detail:       cerr.Error(),
			})
			if err != nil {
				return err
			}
			res.ConflictIDs = append(res.ConflictIDs, conflictID)
			continue
		}

		if err := e.store.UpsertIdentifier(ctx, &place.Identifier{
			PlaceID: target.ID, Source: id.Source, ExternalID: id.ExternalID,
		}); err != nil {
			return err
		}
		bySource[id.Source] = id.ExternalID
	}
	return nil
}

func (e *Engine) attachNames(ctx context.Context, cand *place.CandidateRecord, target *place.Place) error {
	for _, n := range cand.Names {
		kind := n.NameKind
		if kind == "" {
			kind = place.NameAlias
		}
		if err := e.store.UpsertNameVariant(ctx, &place.NameVariant{
			PlaceID:        target.ID,
			Text:           n.Text,
			NormalizedText: normalize.Text(n.Text),
			LanguageCode:   n.LanguageCode,
			NameKind:       kind,
			Source:         cand.Source,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) recordAttributes(ctx context.Context, cand *place.CandidateRecord, target *place.Place) error {
	for _, attr := range cand.Attributes {
		rec := &place.AttributeRecord{
			PlaceID:        target.ID,
			AttributeName:  attr.Name,
			Value:          attr.Value,
			Source:         cand.Source,
			SourceRecordID: attr.SourceRecordID,
			ObservedAt:     cand.SourceObservedAt,
		}
		if attr.Confidence != nil {
			rec.Confidence = *attr.Confidence
		}
		if err := e.attrs.Record(ctx, rec); err != nil {
			return eris.Wrapf(err, "reconcile: record %s for place %d", attr.Name, target.ID)
		}
	}
	return nil
}

// park records a conflict for operator review. Re-submitting the same
// candidate reuses the already-open conflict instead of growing the
// queue.
func (e *Engine) park(ctx context.Context, c *place.Conflict) (string, error) {
	open, err := e.store.ListConflicts(ctx, c.Kind, false)
	if err != nil {
		return "", err
	}
	for _, existing := range open {
		if existing.PlaceID == c.PlaceID &&
			existing.OtherPlaceID == c.OtherPlaceID &&
			existing.Source == c.Source &&
			existing.ExternalID == c.ExternalID {
			return existing.ID, nil
		}
	}

	c.ID = uuid.NewString()
	if err := e.store.AddConflict(ctx, c); err != nil {
		return "", err
	}
	zap.L().Warn("conflict parked",
		zap.String("conflict_id", c.ID),
		zap.String("kind", c.Kind),
		zap.Int64("place_id", c.PlaceID))
	return c.ID, nil
}
