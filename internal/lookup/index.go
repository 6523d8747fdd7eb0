package lookup

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/gazetteer/internal/normalize"
	"github.com/sells-group/gazetteer/internal/place"
)

// Index is the runtime lookup surface. Reads load the current snapshot
// with a single atomic pointer read; writes build or clone off to the
// side and swap. Writers serialize on mu, readers never take it.
type Index struct {
	store place.Store

	mu      sync.Mutex // guards snapshot replacement
	current atomic.Pointer[Snapshot]

	// maxAge marks reads served from an older snapshot as stale. Zero
	// disables staleness tracking.
	maxAge     time.Duration
	staleReads atomic.Int64

	now func() time.Time
}

// New builds an index over a store. The index is empty until Build runs.
func New(store place.Store, maxAge time.Duration) *Index {
	idx := &Index{store: store, maxAge: maxAge, now: time.Now}
	idx.current.Store(emptySnapshot())
	return idx
}

// Build constructs a complete snapshot from the store and publishes it.
// A partial snapshot is never visible: readers see the old snapshot until
// the new one is fully assembled.
func (x *Index) Build(ctx context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	start := x.now()
	snap := emptySnapshot()

	ids, err := x.store.ListPlaceIDs(ctx)
	if err != nil {
		return eris.Wrap(err, "lookup: list places")
	}
	for _, id := range ids {
		p, err := x.store.GetPlace(ctx, id)
		if err != nil {
			return eris.Wrapf(err, "lookup: load place %d", id)
		}
		if p == nil {
			continue
		}
		norms, slugs, err := x.nameKeys(ctx, id)
		if err != nil {
			return err
		}
		// A place enters the index only once it has a resolvable name.
		if len(norms) == 0 && len(slugs) == 0 {
			continue
		}
		snap.insertPlace(p, norms, slugs)
	}

	aliases, err := x.store.ListAliases(ctx)
	if err != nil {
		return eris.Wrap(err, "lookup: list aliases")
	}
	for _, a := range aliases {
		if _, ok := snap.places[a.PlaceID]; ok {
			snap.aliases[normalize.Text(a.Text)] = a.PlaceID
		}
	}

	snap.builtAt = x.now()
	snap.buildDuration = snap.builtAt.Sub(start)
	x.current.Store(snap)

	zap.L().Info("lookup index built",
		zap.Int("places", len(snap.places)),
		zap.Int("names", snap.nameCount),
		zap.Duration("took", snap.buildDuration))
	return nil
}

func (x *Index) nameKeys(ctx context.Context, placeID int64) (norms, slugs []string, err error) {
	variants, err := x.store.ListNameVariants(ctx, placeID)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "lookup: load names for place %d", placeID)
	}
	normSeen := map[string]struct{}{}
	slugSeen := map[string]struct{}{}
	for _, nv := range variants {
		if nv.NormalizedText != "" {
			if _, ok := normSeen[nv.NormalizedText]; !ok {
				normSeen[nv.NormalizedText] = struct{}{}
				norms = append(norms, nv.NormalizedText)
			}
		}
		if slug := normalize.Slug(nv.Text); slug != "" {
			if _, ok := slugSeen[slug]; !ok {
				slugSeen[slug] = struct{}{}
				slugs = append(slugs, slug)
			}
		}
	}
	return norms, slugs, nil
}

// ApplyPlace refreshes one place in the published snapshot without a full
// rebuild. A nil store row removes the place (post-merge cleanup).
func (x *Index) ApplyPlace(ctx context.Context, placeID int64) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	p, err := x.store.GetPlace(ctx, placeID)
	if err != nil {
		return eris.Wrapf(err, "lookup: load place %d", placeID)
	}

	snap := x.current.Load().clone()
	snap.removePlace(placeID)
	if p != nil {
		norms, slugs, err := x.nameKeys(ctx, placeID)
		if err != nil {
			return err
		}
		if len(norms) > 0 || len(slugs) > 0 {
			snap.insertPlace(p, norms, slugs)
		}
	}

	// Refresh this place's alias entries from the store so a live place
	// keeps its aliases and a removed one sheds them.
	aliasKeys, err := x.aliasKeys(ctx, placeID)
	if err != nil {
		return err
	}
	snap.setAliases(placeID, aliasKeys)

	x.current.Store(snap)
	return nil
}

func (x *Index) aliasKeys(ctx context.Context, placeID int64) ([]string, error) {
	aliases, err := x.store.ListAliases(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "lookup: list aliases")
	}
	var keys []string
	for _, a := range aliases {
		if a.PlaceID == placeID {
			keys = append(keys, normalize.Text(a.Text))
		}
	}
	return keys, nil
}

// ApplyAlias publishes one alias change without a rebuild. A zero placeID
// deletes the alias.
func (x *Index) ApplyAlias(text string, placeID int64) {
	x.mu.Lock()
	defer x.mu.Unlock()

	snap := x.current.Load().clone()
	key := normalize.Text(text)
	if placeID == 0 {
		delete(snap.aliases, key)
	} else {
		snap.aliases[key] = placeID
	}
	x.current.Store(snap)
}

// Snapshot returns the current published snapshot.
func (x *Index) Snapshot() *Snapshot { return x.current.Load() }

func (x *Index) trackStaleness(snap *Snapshot) {
	if x.maxAge > 0 && !snap.builtAt.IsZero() && x.now().Sub(snap.builtAt) > x.maxAge {
		x.staleReads.Add(1)
	}
}

// LookupByNormalized returns every place indexed under the normalized
// form of name, best first.
func (x *Index) LookupByNormalized(name string) []*place.Place {
	snap := x.current.Load()
	x.trackStaleness(snap)
	return snap.resolve(snap.byNorm[normalize.Text(name)])
}

// LookupBySlug returns every place indexed under the slug form of name,
// best first.
func (x *Index) LookupBySlug(name string) []*place.Place {
	snap := x.current.Load()
	x.trackStaleness(snap)
	return snap.resolve(snap.bySlug[normalize.Slug(name)])
}

// FindBest resolves a free-form query to the single best place, nil when
// nothing matches. An alias mapping wins unconditionally; otherwise the
// normalized-name candidates are filtered by country (when given) and the
// largest population wins, lowest id on ties.
func (x *Index) FindBest(name, countryCode string) *place.Place {
	snap := x.current.Load()
	x.trackStaleness(snap)

	key := normalize.Text(name)
	if id, ok := snap.aliases[key]; ok {
		if p := snap.places[id]; p != nil {
			return p
		}
	}

	candidates := snap.byNorm[key]
	if len(candidates) == 0 {
		candidates = snap.bySlug[normalize.Slug(name)]
	}
	for _, id := range candidates {
		p := snap.places[id]
		if p == nil {
			continue
		}
		if countryCode != "" && p.CountryCode != countryCode {
			continue
		}
		return p // lists are pre-ranked
	}
	return nil
}

// FindAll resolves a free-form query to every matching place, best first,
// optionally filtered by country.
func (x *Index) FindAll(name, countryCode string) []*place.Place {
	snap := x.current.Load()
	x.trackStaleness(snap)

	ids := snap.byNorm[normalize.Text(name)]
	if len(ids) == 0 {
		ids = snap.bySlug[normalize.Slug(name)]
	}
	out := make([]*place.Place, 0, len(ids))
	for _, id := range ids {
		p := snap.places[id]
		if p == nil {
			continue
		}
		if countryCode != "" && p.CountryCode != countryCode {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (s *Snapshot) resolve(ids []int64) []*place.Place {
	out := make([]*place.Place, 0, len(ids))
	for _, id := range ids {
		if p := s.places[id]; p != nil {
			out = append(out, p)
		}
	}
	return out
}

// Stats reports the published snapshot's shape plus read counters.
func (x *Index) Stats() Stats {
	snap := x.current.Load()
	return Stats{
		PlaceCount:          len(snap.places),
		NameCount:           snap.nameCount,
		SlugCount:           len(snap.bySlug),
		AliasCount:          len(snap.aliases),
		BuiltAt:             snap.builtAt,
		LastBuildDurationMs: snap.buildDuration.Milliseconds(),
		StaleReads:          x.staleReads.Load(),
	}
}
