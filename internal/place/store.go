package place

import (
	"context"
)

// Store is the persistence interface for reconciled gazetteer data. Both
// the embedded SQLite store and the Postgres store satisfy it; the
// reconciliation engine, attribution store, and lookup index are written
// against this interface only.
//
// Stores enforce the structural invariants: (source, external_id) unique,
// at most one identifier per (place, source), one attribute row per
// (place, attribute, source), at most one preferred row per
// (place, attribute), and an acyclic hierarchy.
type Store interface {
	// Places. Kind is immutable after CreatePlace; no update exposes it.
	CreatePlace(ctx context.Context, p *Place) error
	GetPlace(ctx context.Context, id int64) (*Place, error)
	ListPlaceIDs(ctx context.Context) ([]int64, error)
	UpdatePlaceCanonicalName(ctx context.Context, id int64, nameVariantID int64) error
	UpdatePlacePopulation(ctx context.Context, id int64, population int64) error
	UpdatePlaceCoordinates(ctx context.Context, id int64, lat, lon float64) error
	UpdatePlaceTimezone(ctx context.Context, id int64, tz string) error
	UpdatePlaceBoundingBox(ctx context.Context, id int64, bbox []byte) error

	// Name variants. Upsert is keyed on (place_id, normalized_text).
	UpsertNameVariant(ctx context.Context, nv *NameVariant) error
	ListNameVariants(ctx context.Context, placeID int64) ([]NameVariant, error)
	DeleteNameVariant(ctx context.Context, id int64) error
	FindPlaceIDsByNormalizedName(ctx context.Context, normalized, countryCode string) ([]int64, error)

	// External identifiers.
	UpsertIdentifier(ctx context.Context, ident *Identifier) error
	FindByIdentifier(ctx context.Context, source, externalID string) (*Place, error)
	ListIdentifiers(ctx context.Context, placeID int64) ([]Identifier, error)

	// Attribute records. Upsert is keyed on (place_id, attribute_name, source)
	// and never clears an existing preferred flag. SetPreferred flips the
	// preferred flag to exactly the named source in one transaction.
	UpsertAttributeRecord(ctx context.Context, rec *AttributeRecord) error
	ListAttributeRecords(ctx context.Context, placeID int64, attributeName string) ([]AttributeRecord, error)
	ListAttributePlaceIDs(ctx context.Context, attributeName string) ([]int64, error)
	SetPreferred(ctx context.Context, placeID int64, attributeName, source string) error

	// Manual pins. A pinned (place, attribute) is exempt from automatic
	// reevaluation until the pin is deleted.
	SetPin(ctx context.Context, placeID int64, attributeName, source string) error
	GetPin(ctx context.Context, placeID int64, attributeName string) (string, error)
	DeletePin(ctx context.Context, placeID int64, attributeName string) error

	// Hierarchy. UpsertHierarchyEdge rejects edges that would close a cycle.
	UpsertHierarchyEdge(ctx context.Context, e *HierarchyEdge) error
	ListChildren(ctx context.Context, parentID int64) ([]HierarchyEdge, error)
	ListAncestorIDs(ctx context.Context, childID int64) ([]int64, error)

	// Alias mappings.
	UpsertAlias(ctx context.Context, a *Alias) error
	ListAliases(ctx context.Context) ([]Alias, error)
	DeleteAlias(ctx context.Context, text string) error

	// Review queue.
	AddConflict(ctx context.Context, c *Conflict) error
	ListConflicts(ctx context.Context, kind string, includeResolved bool) ([]Conflict, error)
	ResolveConflict(ctx context.Context, id string) error

	// MergePlaces migrates every name variant, identifier, attribute record,
	// hierarchy edge, and alias from removeID to keepID and deletes removeID,
	// all in one transaction. Where an attribute row for the same
	// (attribute, source) exists on both places, the newer observation wins
	// and the older row is dropped.
	MergePlaces(ctx context.Context, keepID, removeID int64) error

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error
}

// Number coerces an attribute value to float64 for numeric comparison.
// JSON decoding yields float64; ingestion connectors may hand in any
// integer width.
func Number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	default:
		return 0, false
	}
}
