// Package place defines the canonical gazetteer record types and the
// persistence interface they live behind.
package place

import "time"

// Kind classifies a place by administrative level.
type Kind string

// Place kinds. Immutable after creation.
const (
	KindCountry Kind = "country"
	KindRegion  Kind = "region"
	KindCity    Kind = "city"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindCountry, KindRegion, KindCity:
		return true
	}
	return false
}

// Place is the canonical record for one physical place. IDs are assigned
// once by the store and never reused; a merged-away place's ID is retired.
type Place struct {
	ID              int64      `json:"id" db:"id"`
	Kind            Kind       `json:"kind" db:"kind"`
	CountryCode     string     `json:"country_code,omitempty" db:"country_code"`
	Adm1Code        string     `json:"adm1_code,omitempty" db:"adm1_code"`
	Adm2Code        string     `json:"adm2_code,omitempty" db:"adm2_code"`
	CanonicalNameID *int64     `json:"canonical_name_id,omitempty" db:"canonical_name_id"`
	Population      int64      `json:"population,omitempty" db:"population"`
	Latitude        *float64   `json:"latitude,omitempty" db:"latitude"`
	Longitude       *float64   `json:"longitude,omitempty" db:"longitude"`
	Timezone        string     `json:"timezone,omitempty" db:"timezone"`
	BoundingBox     []byte     `json:"bounding_box,omitempty" db:"bounding_box"` // opaque, provider-encoded
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

// NameKind classifies a name variant.
type NameKind string

// Name kinds.
const (
	NameOfficial   NameKind = "official"
	NameEndonym    NameKind = "endonym"
	NameAlias      NameKind = "alias"
	NameHistorical NameKind = "historical"
)

// NameVariant is one name form for a place. NormalizedText is a pure
// function of Text and is never mutated independently.
type NameVariant struct {
	ID             int64     `json:"id" db:"id"`
	PlaceID        int64     `json:"place_id" db:"place_id"`
	Text           string    `json:"text" db:"text"`
	NormalizedText string    `json:"normalized_text" db:"normalized_text"`
	LanguageCode   string    `json:"language_code,omitempty" db:"language_code"`
	NameKind       NameKind  `json:"name_kind" db:"name_kind"`
	IsPreferred    bool      `json:"is_preferred" db:"is_preferred"`
	Source         string    `json:"source,omitempty" db:"source"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// Identifier cross-references a place to one source's id scheme.
// (Source, ExternalID) is globally unique and a place holds at most one
// identifier per source.
type Identifier struct {
	ID         int64     `json:"id" db:"id"`
	PlaceID    int64     `json:"place_id" db:"place_id"`
	Source     string    `json:"source" db:"source"`
	ExternalID string    `json:"external_id" db:"external_id"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Known identifier and observation sources, in reconciliation priority order
// where applicable.
const (
	SourceKnowledgeGraph = "knowledge_graph" // cross-knowledge-graph ids (e.g. Wikidata QIDs)
	SourceProvider       = "provider"        // primary gazetteer provider ids
	SourceMapData        = "map_data"        // map-data ids (e.g. OSM relations)
	SourceFileFeed       = "file_feed"       // curated flat-file feed
	SourceGraphQuery     = "graph_query"     // graph-query endpoint observations
	SourceManual         = "manual"          // operator overrides
)

// IdentifierPriority is the fixed match order for reconciliation.
var IdentifierPriority = []string{SourceKnowledgeGraph, SourceProvider, SourceMapData}

// AttributeRecord is one provenance-tagged attribute observation. Exactly
// one row exists per (PlaceID, AttributeName, Source); re-observation from
// the same source updates that row. Exactly one row per
// (PlaceID, AttributeName) carries IsPreferred once any row exists.
type AttributeRecord struct {
	ID             int64     `json:"id" db:"id"`
	PlaceID        int64     `json:"place_id" db:"place_id"`
	AttributeName  string    `json:"attribute_name" db:"attribute_name"`
	Value          any       `json:"value" db:"value"`
	Source         string    `json:"source" db:"source"`
	SourceRecordID string    `json:"source_record_id,omitempty" db:"source_record_id"`
	Confidence     float64   `json:"confidence" db:"confidence"`
	ObservedAt     time.Time `json:"observed_at" db:"observed_at"`
	IsPreferred    bool      `json:"is_preferred" db:"is_preferred"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// Well-known attribute names.
const (
	AttrPopulation  = "population"
	AttrCoordinates = "coordinates"
	AttrTimezone    = "timezone"
	AttrBoundingBox = "bounding_box"
)

// Relation classifies a hierarchy edge.
type Relation string

// Hierarchy relations.
const (
	RelAdminParent Relation = "admin_parent"
	RelContains    Relation = "contains"
)

// HierarchyEdge is a parent/child relation between two places. The edge
// set is acyclic.
type HierarchyEdge struct {
	ParentID  int64     `json:"parent_id" db:"parent_id"`
	ChildID   int64     `json:"child_id" db:"child_id"`
	Relation  Relation  `json:"relation" db:"relation"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Alias is a manual override mapping an arbitrary string directly to a
// place, bypassing normal resolution.
type Alias struct {
	Text      string    `json:"text" db:"text"`
	PlaceID   int64     `json:"place_id" db:"place_id"`
	CreatedBy string    `json:"created_by,omitempty" db:"created_by"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Conflict kinds for the review queue.
const (
	ConflictIdentifier = "identifier" // two places claim one external id
	ConflictWeakMatch  = "weak_match" // identity decided on name+country alone
)

// Conflict is a parked review-queue entry. Conflicts are never resolved
// automatically; an operator merges or dismisses them.
type Conflict struct {
	ID           string     `json:"id" db:"id"`
	Kind         string     `json:"kind" db:"kind"`
	Source       string     `json:"source,omitempty" db:"source"`
	ExternalID   string     `json:"external_id,omitempty" db:"external_id"`
	PlaceID      int64      `json:"place_id" db:"place_id"`
	OtherPlaceID int64      `json:"other_place_id,omitempty" db:"other_place_id"`
	Detail       string     `json:"detail,omitempty" db:"detail"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
}
