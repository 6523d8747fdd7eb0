// Package lookup serves read-side name resolution from an immutable
// in-memory snapshot. Readers never block writers: a snapshot is built
// off to the side and published with one atomic pointer swap.
package lookup

import (
	"sort"
	"time"

	"github.com/sells-group/gazetteer/internal/place"
)

// Snapshot is one immutable view of the index. All maps are read-only
// after construction; incremental updates clone before touching them.
type Snapshot struct {
	places  map[int64]*place.Place
	byNorm  map[string][]int64 // normalized name -> place ids, population desc
	bySlug  map[string][]int64
	aliases map[string]int64 // normalized alias text -> place id, unconditional

	// keysOf remembers which norm/slug keys each place occupies so
	// incremental updates can remove stale entries without a full scan.
	keysOf map[int64]placeKeys

	builtAt       time.Time
	buildDuration time.Duration
	nameCount     int
}

type placeKeys struct {
	norms []string
	slugs []string
}

// Stats summarizes a snapshot plus index counters.
type Stats struct {
	PlaceCount          int       `json:"place_count"`
	NameCount           int       `json:"name_count"`
	SlugCount           int       `json:"slug_count"`
	AliasCount          int       `json:"alias_count"`
	BuiltAt             time.Time `json:"built_at"`
	LastBuildDurationMs int64     `json:"last_build_duration_ms"`
	StaleReads          int64     `json:"stale_reads"`
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		places:  map[int64]*place.Place{},
		byNorm:  map[string][]int64{},
		bySlug:  map[string][]int64{},
		aliases: map[string]int64{},
		keysOf:  map[int64]placeKeys{},
	}
}

// Place returns the snapshot's copy of a place, nil if absent.
func (s *Snapshot) Place(id int64) *place.Place { return s.places[id] }

// BuiltAt reports when the snapshot was published.
func (s *Snapshot) BuiltAt() time.Time { return s.builtAt }

// rank orders a candidate list: population descending, id ascending for
// deterministic ties.
func (s *Snapshot) rank(ids []int64) {
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.places[ids[i]], s.places[ids[j]]
		if a.Population != b.Population {
			return a.Population > b.Population
		}
		return a.ID < b.ID
	})
}

// clone makes a shallow copy whose maps may be mutated before publishing.
// Slices inside byNorm/bySlug are still shared; mutate only via replace.
func (s *Snapshot) clone() *Snapshot {
	next := &Snapshot{
		places:        make(map[int64]*place.Place, len(s.places)),
		byNorm:        make(map[string][]int64, len(s.byNorm)),
		bySlug:        make(map[string][]int64, len(s.bySlug)),
		aliases:       make(map[string]int64, len(s.aliases)),
		keysOf:        make(map[int64]placeKeys, len(s.keysOf)),
		builtAt:       s.builtAt,
		buildDuration: s.buildDuration,
		nameCount:     s.nameCount,
	}
	for k, v := range s.places {
		next.places[k] = v
	}
	for k, v := range s.byNorm {
		next.byNorm[k] = v
	}
	for k, v := range s.bySlug {
		next.bySlug[k] = v
	}
	for k, v := range s.aliases {
		next.aliases[k] = v
	}
	for k, v := range s.keysOf {
		next.keysOf[k] = v
	}
	return next
}

func withoutID(ids []int64, id int64) []int64 {
	out := make([]int64, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// removePlace strips one place from every name key it occupies. Alias
// entries are left alone; setAliases owns them. The snapshot must be a
// private clone.
func (s *Snapshot) removePlace(id int64) {
	keys, ok := s.keysOf[id]
	if !ok {
		delete(s.places, id)
		return
	}
	for _, key := range keys.norms {
		if rest := withoutID(s.byNorm[key], id); len(rest) == 0 {
			delete(s.byNorm, key)
		} else {
			s.byNorm[key] = rest
		}
	}
	for _, key := range keys.slugs {
		if rest := withoutID(s.bySlug[key], id); len(rest) == 0 {
			delete(s.bySlug, key)
		} else {
			s.bySlug[key] = rest
		}
	}
	s.nameCount -= len(keys.norms)
	delete(s.keysOf, id)
	delete(s.places, id)
}

// setAliases replaces the alias entries targeting one place with the
// given normalized keys. The snapshot must be a private clone.
func (s *Snapshot) setAliases(id int64, keys []string) {
	for text, target := range s.aliases {
		if target == id {
			delete(s.aliases, text)
		}
	}
	for _, key := range keys {
		s.aliases[key] = id
	}
}

// insertPlace indexes one place under its name keys. The snapshot must be
// a private clone and must not already hold the place.
func (s *Snapshot) insertPlace(p *place.Place, norms, slugs []string) {
	s.places[p.ID] = p
	for _, key := range norms {
		if !containsID(s.byNorm[key], p.ID) {
			ids := append(append([]int64{}, s.byNorm[key]...), p.ID)
			s.rank(ids)
			s.byNorm[key] = ids
		}
	}
	for _, key := range slugs {
		if !containsID(s.bySlug[key], p.ID) {
			ids := append(append([]int64{}, s.bySlug[key]...), p.ID)
			s.rank(ids)
			s.bySlug[key] = ids
		}
	}
	s.keysOf[p.ID] = placeKeys{norms: norms, slugs: slugs}
	s.nameCount += len(norms)
}
