package place

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/gazetteer/internal/db"
)

// PostgresStore implements Store using pgx. Schema shape matches the
// SQLite store; only dialect details differ.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS places (
	id                BIGSERIAL PRIMARY KEY,
	kind              TEXT NOT NULL,
	country_code      TEXT NOT NULL DEFAULT '',
	adm1_code         TEXT NOT NULL DEFAULT '',
	adm2_code         TEXT NOT NULL DEFAULT '',
	canonical_name_id BIGINT,
	population        BIGINT NOT NULL DEFAULT 0,
	latitude          DOUBLE PRECISION,
	longitude         DOUBLE PRECISION,
	timezone          TEXT NOT NULL DEFAULT '',
	bounding_box      BYTEA,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS name_variants (
	id              BIGSERIAL PRIMARY KEY,
	place_id        BIGINT NOT NULL REFERENCES places(id) ON DELETE CASCADE,
	text            TEXT NOT NULL,
	normalized_text TEXT NOT NULL,
	language_code   TEXT NOT NULL DEFAULT '',
	name_kind       TEXT NOT NULL DEFAULT 'official',
	is_preferred    BOOLEAN NOT NULL DEFAULT FALSE,
	source          TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE(place_id, normalized_text)
);
CREATE INDEX IF NOT EXISTS idx_name_variants_normalized ON name_variants(normalized_text);

CREATE TABLE IF NOT EXISTS external_identifiers (
	id          BIGSERIAL PRIMARY KEY,
	place_id    BIGINT NOT NULL REFERENCES places(id) ON DELETE CASCADE,
	source      TEXT NOT NULL,
	external_id TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE(source, external_id),
	UNIQUE(place_id, source)
);

CREATE TABLE IF NOT EXISTS attribute_records (
	id               BIGSERIAL PRIMARY KEY,
	place_id         BIGINT NOT NULL REFERENCES places(id) ON DELETE CASCADE,
	attribute_name   TEXT NOT NULL,
	value            JSONB NOT NULL,
	source           TEXT NOT NULL,
	source_record_id TEXT NOT NULL DEFAULT '',
	confidence       DOUBLE PRECISION NOT NULL DEFAULT 0,
	observed_at      TIMESTAMPTZ NOT NULL,
	is_preferred     BOOLEAN NOT NULL DEFAULT FALSE,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE(place_id, attribute_name, source)
);
CREATE INDEX IF NOT EXISTS idx_attribute_records_attr ON attribute_records(attribute_name);

CREATE TABLE IF NOT EXISTS preferred_pins (
	place_id       BIGINT NOT NULL REFERENCES places(id) ON DELETE CASCADE,
	attribute_name TEXT NOT NULL,
	source         TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY(place_id, attribute_name)
);

CREATE TABLE IF NOT EXISTS hierarchy_edges (
	parent_id  BIGINT NOT NULL REFERENCES places(id) ON DELETE CASCADE,
	child_id   BIGINT NOT NULL REFERENCES places(id) ON DELETE CASCADE,
	relation   TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY(parent_id, child_id, relation)
);

CREATE TABLE IF NOT EXISTS alias_mappings (
	text       TEXT PRIMARY KEY,
	place_id   BIGINT NOT NULL REFERENCES places(id) ON DELETE CASCADE,
	created_by TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS conflicts (
	id             TEXT PRIMARY KEY,
	kind           TEXT NOT NULL,
	source         TEXT NOT NULL DEFAULT '',
	external_id    TEXT NOT NULL DEFAULT '',
	place_id       BIGINT NOT NULL,
	other_place_id BIGINT NOT NULL DEFAULT 0,
	detail         TEXT NOT NULL DEFAULT '',
	resolved_at    TIMESTAMPTZ,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_conflicts_kind ON conflicts(kind);
`

// Migrate creates the schema. Idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close is a no-op; the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// --- Places ---

func (s *PostgresStore) CreatePlace(ctx context.Context, p *Place) error {
	if !p.Kind.Valid() {
		return eris.Errorf("postgres: invalid place kind %q", p.Kind)
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO places (kind, country_code, adm1_code, adm2_code, population, latitude, longitude, timezone, bounding_box)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id, created_at, updated_at`,
		string(p.Kind), p.CountryCode, p.Adm1Code, p.Adm2Code, p.Population,
		p.Latitude, p.Longitude, p.Timezone, p.BoundingBox,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	return eris.Wrap(err, "postgres: insert place")
}

func (s *PostgresStore) GetPlace(ctx context.Context, id int64) (*Place, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+placeColumns+` FROM places WHERE id = $1`, id)
	p, err := scanPlace(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get place %d", id)
	}
	return p, nil
}

func (s *PostgresStore) ListPlaceIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM places ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list place ids")
	}
	defer rows.Close()
	return collectIDs(rows)
}

func collectIDs(rows pgx.Rows) ([]int64, error) {
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) updatePlaceField(ctx context.Context, id int64, field string, value any) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE places SET `+field+` = $1, updated_at = now() WHERE id = $2`, value, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: update place %d %s", id, field)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: place %d not found", id)
	}
	return nil
}

func (s *PostgresStore) UpdatePlaceCanonicalName(ctx context.Context, id, nameVariantID int64) error {
	return s.updatePlaceField(ctx, id, "canonical_name_id", nameVariantID)
}

func (s *PostgresStore) UpdatePlacePopulation(ctx context.Context, id, population int64) error {
	return s.updatePlaceField(ctx, id, "population", population)
}

func (s *PostgresStore) UpdatePlaceCoordinates(ctx context.Context, id int64, lat, lon float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE places SET latitude = $1, longitude = $2, updated_at = now() WHERE id = $3`, lat, lon, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: update place %d coordinates", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: place %d not found", id)
	}
	return nil
}

func (s *PostgresStore) UpdatePlaceTimezone(ctx context.Context, id int64, tz string) error {
	return s.updatePlaceField(ctx, id, "timezone", tz)
}

func (s *PostgresStore) UpdatePlaceBoundingBox(ctx context.Context, id int64, bbox []byte) error {
	return s.updatePlaceField(ctx, id, "bounding_box", bbox)
}

// --- Name variants ---

func (s *PostgresStore) UpsertNameVariant(ctx context.Context, nv *NameVariant) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO name_variants (place_id, text, normalized_text, language_code, name_kind, is_preferred, source)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (place_id, normalized_text) DO UPDATE SET
		   text = EXCLUDED.text,
		   language_code = EXCLUDED.language_code,
		   name_kind = EXCLUDED.name_kind,
		   source = EXCLUDED.source
		 RETURNING id, created_at`,
		nv.PlaceID, nv.Text, nv.NormalizedText, nv.LanguageCode,
		string(nv.NameKind), nv.IsPreferred, nv.Source,
	).Scan(&nv.ID, &nv.CreatedAt)
	return eris.Wrap(err, "postgres: upsert name variant")
}

func (s *PostgresStore) ListNameVariants(ctx context.Context, placeID int64) ([]NameVariant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+nameVariantColumns+` FROM name_variants WHERE place_id = $1 ORDER BY id`, placeID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list name variants for %d", placeID)
	}
	defer rows.Close()
	var out []NameVariant
	for rows.Next() {
		var nv NameVariant
		var kind string
		if err := rows.Scan(&nv.ID, &nv.PlaceID, &nv.Text, &nv.NormalizedText,
			&nv.LanguageCode, &kind, &nv.IsPreferred, &nv.Source, &nv.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan name variant")
		}
		nv.NameKind = NameKind(kind)
		out = append(out, nv)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteNameVariant(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM name_variants WHERE id = $1`, id)
	return eris.Wrapf(err, "postgres: delete name variant %d", id)
}

func (s *PostgresStore) FindPlaceIDsByNormalizedName(ctx context.Context, normalized, countryCode string) ([]int64, error) {
	query := `SELECT DISTINCT nv.place_id FROM name_variants nv
	          JOIN places p ON p.id = nv.place_id
	          WHERE nv.normalized_text = $1`
	args := []any{normalized}
	if countryCode != "" {
		query += ` AND p.country_code = $2`
		args = append(args, countryCode)
	}
	query += ` ORDER BY nv.place_id`
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find by normalized name")
	}
	defer rows.Close()
	return collectIDs(rows)
}

// --- External identifiers ---

func (s *PostgresStore) UpsertIdentifier(ctx context.Context, ident *Identifier) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO external_identifiers (place_id, source, external_id)
		 VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		ident.PlaceID, ident.Source, ident.ExternalID,
	)
	return eris.Wrap(err, "postgres: upsert identifier")
}

func (s *PostgresStore) FindByIdentifier(ctx context.Context, source, externalID string) (*Place, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+prefixedPlaceColumns("p")+` FROM places p
		 JOIN external_identifiers e ON e.place_id = p.id
		 WHERE e.source = $1 AND e.external_id = $2`,
		source, externalID,
	)
	p, err := scanPlace(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find by identifier %s/%s", source, externalID)
	}
	return p, nil
}

func (s *PostgresStore) ListIdentifiers(ctx context.Context, placeID int64) ([]Identifier, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, place_id, source, external_id, created_at FROM external_identifiers WHERE place_id = $1 ORDER BY id`,
		placeID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list identifiers for %d", placeID)
	}
	defer rows.Close()
	var out []Identifier
	for rows.Next() {
		var ident Identifier
		if err := rows.Scan(&ident.ID, &ident.PlaceID, &ident.Source, &ident.ExternalID, &ident.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan identifier")
		}
		out = append(out, ident)
	}
	return out, rows.Err()
}

// --- Attribute records ---

func (s *PostgresStore) UpsertAttributeRecord(ctx context.Context, rec *AttributeRecord) error {
	value, err := json.Marshal(rec.Value)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal attribute value")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO attribute_records (place_id, attribute_name, value, source, source_record_id, confidence, observed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, now()))
		 ON CONFLICT (place_id, attribute_name, source) DO UPDATE SET
		   value = EXCLUDED.value,
		   source_record_id = EXCLUDED.source_record_id,
		   confidence = EXCLUDED.confidence,
		   observed_at = EXCLUDED.observed_at,
		   updated_at = now()`,
		rec.PlaceID, rec.AttributeName, value, rec.Source,
		rec.SourceRecordID, rec.Confidence, nilIfZeroTime(rec.ObservedAt),
	)
	return eris.Wrap(err, "postgres: upsert attribute record")
}

func (s *PostgresStore) ListAttributeRecords(ctx context.Context, placeID int64, attributeName string) ([]AttributeRecord, error) {
	query := `SELECT id, place_id, attribute_name, value, source, source_record_id, confidence, observed_at, is_preferred, created_at, updated_at
	          FROM attribute_records WHERE place_id = $1`
	args := []any{placeID}
	if attributeName != "" {
		query += ` AND attribute_name = $2`
		args = append(args, attributeName)
	}
	query += ` ORDER BY id`
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list attribute records for %d", placeID)
	}
	defer rows.Close()
	var out []AttributeRecord
	for rows.Next() {
		var rec AttributeRecord
		var raw []byte
		if err := rows.Scan(&rec.ID, &rec.PlaceID, &rec.AttributeName, &raw, &rec.Source,
			&rec.SourceRecordID, &rec.Confidence, &rec.ObservedAt, &rec.IsPreferred,
			&rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan attribute record")
		}
		if err := json.Unmarshal(raw, &rec.Value); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal attribute value")
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListAttributePlaceIDs(ctx context.Context, attributeName string) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT place_id FROM attribute_records WHERE attribute_name = $1 ORDER BY place_id`,
		attributeName)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list places with %s", attributeName)
	}
	defer rows.Close()
	return collectIDs(rows)
}

func (s *PostgresStore) SetPreferred(ctx context.Context, placeID int64, attributeName, source string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin set preferred")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var exists int
	err = tx.QueryRow(ctx,
		`SELECT 1 FROM attribute_records WHERE place_id = $1 AND attribute_name = $2 AND source = $3`,
		placeID, attributeName, source,
	).Scan(&exists)
	if err == pgx.ErrNoRows {
		return eris.Errorf("postgres: no %s record for place %d from %s", attributeName, placeID, source)
	}
	if err != nil {
		return eris.Wrap(err, "postgres: check preferred target")
	}

	if _, err = tx.Exec(ctx,
		`UPDATE attribute_records SET is_preferred = (source = $1), updated_at = now()
		 WHERE place_id = $2 AND attribute_name = $3`,
		source, placeID, attributeName,
	); err != nil {
		return eris.Wrap(err, "postgres: set preferred")
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit set preferred")
}

// --- Pins ---

func (s *PostgresStore) SetPin(ctx context.Context, placeID int64, attributeName, source string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO preferred_pins (place_id, attribute_name, source)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (place_id, attribute_name) DO UPDATE SET source = EXCLUDED.source`,
		placeID, attributeName, source,
	)
	return eris.Wrap(err, "postgres: set pin")
}

func (s *PostgresStore) GetPin(ctx context.Context, placeID int64, attributeName string) (string, error) {
	var source string
	err := s.pool.QueryRow(ctx,
		`SELECT source FROM preferred_pins WHERE place_id = $1 AND attribute_name = $2`,
		placeID, attributeName,
	).Scan(&source)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", eris.Wrap(err, "postgres: get pin")
	}
	return source, nil
}

func (s *PostgresStore) DeletePin(ctx context.Context, placeID int64, attributeName string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM preferred_pins WHERE place_id = $1 AND attribute_name = $2`,
		placeID, attributeName,
	)
	return eris.Wrap(err, "postgres: delete pin")
}

// --- Hierarchy ---

func (s *PostgresStore) UpsertHierarchyEdge(ctx context.Context, e *HierarchyEdge) error {
	if e.ParentID == e.ChildID {
		return eris.Errorf("postgres: hierarchy self-edge on place %d", e.ParentID)
	}
	ancestors, err := s.ListAncestorIDs(ctx, e.ParentID)
	if err != nil {
		return err
	}
	for _, id := range ancestors {
		if id == e.ChildID {
			return eris.Errorf("postgres: hierarchy cycle: %d is an ancestor of %d", e.ChildID, e.ParentID)
		}
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO hierarchy_edges (parent_id, child_id, relation)
		 VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		e.ParentID, e.ChildID, string(e.Relation),
	)
	return eris.Wrap(err, "postgres: upsert hierarchy edge")
}

func (s *PostgresStore) ListChildren(ctx context.Context, parentID int64) ([]HierarchyEdge, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT parent_id, child_id, relation, created_at FROM hierarchy_edges WHERE parent_id = $1 ORDER BY child_id`,
		parentID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list children of %d", parentID)
	}
	defer rows.Close()
	var out []HierarchyEdge
	for rows.Next() {
		var e HierarchyEdge
		var rel string
		if err := rows.Scan(&e.ParentID, &e.ChildID, &rel, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan hierarchy edge")
		}
		e.Relation = Relation(rel)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListAncestorIDs(ctx context.Context, childID int64) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		`WITH RECURSIVE ancestors(id) AS (
		   SELECT parent_id FROM hierarchy_edges WHERE child_id = $1
		   UNION
		   SELECT h.parent_id FROM hierarchy_edges h JOIN ancestors a ON h.child_id = a.id
		 )
		 SELECT id FROM ancestors`,
		childID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list ancestors of %d", childID)
	}
	defer rows.Close()
	return collectIDs(rows)
}

// --- Aliases ---

func (s *PostgresStore) UpsertAlias(ctx context.Context, a *Alias) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO alias_mappings (text, place_id, created_by)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (text) DO UPDATE SET place_id = EXCLUDED.place_id, created_by = EXCLUDED.created_by`,
		a.Text, a.PlaceID, a.CreatedBy,
	)
	return eris.Wrap(err, "postgres: upsert alias")
}

func (s *PostgresStore) ListAliases(ctx context.Context) ([]Alias, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT text, place_id, created_by, created_at FROM alias_mappings ORDER BY text`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list aliases")
	}
	defer rows.Close()
	var out []Alias
	for rows.Next() {
		var a Alias
		if err := rows.Scan(&a.Text, &a.PlaceID, &a.CreatedBy, &a.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan alias")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteAlias(ctx context.Context, text string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM alias_mappings WHERE text = $1`, text)
	return eris.Wrapf(err, "postgres: delete alias %q", text)
}

// --- Review queue ---

func (s *PostgresStore) AddConflict(ctx context.Context, c *Conflict) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO conflicts (id, kind, source, external_id, place_id, other_place_id, detail)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING created_at`,
		c.ID, c.Kind, c.Source, c.ExternalID, c.PlaceID, c.OtherPlaceID, c.Detail,
	).Scan(&c.CreatedAt)
	return eris.Wrap(err, "postgres: add conflict")
}

func (s *PostgresStore) ListConflicts(ctx context.Context, kind string, includeResolved bool) ([]Conflict, error) {
	query := `SELECT id, kind, source, external_id, place_id, other_place_id, detail, resolved_at, created_at FROM conflicts`
	var args []any
	where := ``
	if kind != "" {
		where = ` WHERE kind = $1`
		args = append(args, kind)
	}
	if !includeResolved {
		if where == "" {
			where = ` WHERE resolved_at IS NULL`
		} else {
			where += ` AND resolved_at IS NULL`
		}
	}
	rows, err := s.pool.Query(ctx, query+where+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list conflicts")
	}
	defer rows.Close()
	var out []Conflict
	for rows.Next() {
		var c Conflict
		if err := rows.Scan(&c.ID, &c.Kind, &c.Source, &c.ExternalID, &c.PlaceID,
			&c.OtherPlaceID, &c.Detail, &c.ResolvedAt, &c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan conflict")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ResolveConflict(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conflicts SET resolved_at = now() WHERE id = $1 AND resolved_at IS NULL`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: resolve conflict %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: conflict %s not found or already resolved", id)
	}
	return nil
}

// --- Merge ---

func (s *PostgresStore) MergePlaces(ctx context.Context, keepID, removeID int64) error {
	if keepID == removeID {
		return eris.New("postgres: merge requires two distinct places")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin merge")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, id := range []int64{keepID, removeID} {
		var one int
		if err := tx.QueryRow(ctx, `SELECT 1 FROM places WHERE id = $1`, id).Scan(&one); err != nil {
			if err == pgx.ErrNoRows {
				return eris.Errorf("postgres: merge: place %d not found", id)
			}
			return eris.Wrap(err, "postgres: merge: check place")
		}
	}

	steps := []struct {
		desc string
		sql  string
		args []any
	}{
		{"fold newer attribute rows", `
			UPDATE attribute_records k SET
			  value = r.value, confidence = r.confidence, source_record_id = r.source_record_id,
			  observed_at = r.observed_at, updated_at = now()
			FROM attribute_records r
			WHERE k.place_id = $1 AND r.place_id = $2
			  AND r.attribute_name = k.attribute_name AND r.source = k.source
			  AND r.observed_at > k.observed_at`, []any{keepID, removeID}},
		{"migrate attribute rows", `
			UPDATE attribute_records SET place_id = $1, is_preferred = FALSE, updated_at = now()
			WHERE place_id = $2 AND NOT EXISTS (
			  SELECT 1 FROM attribute_records k
			  WHERE k.place_id = $1 AND k.attribute_name = attribute_records.attribute_name AND k.source = attribute_records.source
			)`, []any{keepID, removeID}},
		{"drop folded attribute rows", `DELETE FROM attribute_records WHERE place_id = $1`, []any{removeID}},
		{"migrate name variants", `
			UPDATE name_variants SET place_id = $1, is_preferred = FALSE
			WHERE place_id = $2 AND NOT EXISTS (
			  SELECT 1 FROM name_variants k WHERE k.place_id = $1 AND k.normalized_text = name_variants.normalized_text
			)`, []any{keepID, removeID}},
		{"drop duplicate name variants", `DELETE FROM name_variants WHERE place_id = $1`, []any{removeID}},
		{"migrate identifiers", `
			UPDATE external_identifiers SET place_id = $1
			WHERE place_id = $2 AND NOT EXISTS (
			  SELECT 1 FROM external_identifiers k WHERE k.place_id = $1 AND k.source = external_identifiers.source
			)`, []any{keepID, removeID}},
		{"drop duplicate identifiers", `DELETE FROM external_identifiers WHERE place_id = $1`, []any{removeID}},
		{"migrate pins", `
			UPDATE preferred_pins SET place_id = $1
			WHERE place_id = $2 AND NOT EXISTS (
			  SELECT 1 FROM preferred_pins k WHERE k.place_id = $1 AND k.attribute_name = preferred_pins.attribute_name
			)`, []any{keepID, removeID}},
		{"drop duplicate pins", `DELETE FROM preferred_pins WHERE place_id = $1`, []any{removeID}},
		{"migrate parent edges", `
			UPDATE hierarchy_edges SET parent_id = $1
			WHERE parent_id = $2 AND child_id != $1 AND NOT EXISTS (
			  SELECT 1 FROM hierarchy_edges k WHERE k.parent_id = $1 AND k.child_id = hierarchy_edges.child_id AND k.relation = hierarchy_edges.relation
			)`, []any{keepID, removeID}},
		{"migrate child edges", `
			UPDATE hierarchy_edges SET child_id = $1
			WHERE child_id = $2 AND parent_id != $1 AND NOT EXISTS (
			  SELECT 1 FROM hierarchy_edges k WHERE k.child_id = $1 AND k.parent_id = hierarchy_edges.parent_id AND k.relation = hierarchy_edges.relation
			)`, []any{keepID, removeID}},
		{"drop stale edges", `DELETE FROM hierarchy_edges WHERE parent_id = $1 OR child_id = $1`, []any{removeID}},
		{"migrate aliases", `UPDATE alias_mappings SET place_id = $1 WHERE place_id = $2`, []any{keepID, removeID}},
		{"repoint conflicts", `UPDATE conflicts SET place_id = $1 WHERE place_id = $2 AND resolved_at IS NULL`, []any{keepID, removeID}},
		{"repoint other conflicts", `UPDATE conflicts SET other_place_id = $1 WHERE other_place_id = $2 AND resolved_at IS NULL`, []any{keepID, removeID}},
		{"resolve collapsed conflicts", `UPDATE conflicts SET resolved_at = now() WHERE place_id = other_place_id AND resolved_at IS NULL`, nil},
		{"delete place", `DELETE FROM places WHERE id = $1`, []any{removeID}},
		{"touch keeper", `UPDATE places SET updated_at = now() WHERE id = $1`, []any{keepID}},
	}
	for _, step := range steps {
		if _, err := tx.Exec(ctx, step.sql, step.args...); err != nil {
			return eris.Wrapf(err, "postgres: merge: %s", step.desc)
		}
	}

	// Repointing edges can stitch a path through the keeper into a loop;
	// re-verify acyclicity before committing.
	var cycle int
	err = tx.QueryRow(ctx,
		`WITH RECURSIVE ancestors(id) AS (
		   SELECT parent_id FROM hierarchy_edges WHERE child_id = $1
		   UNION
		   SELECT h.parent_id FROM hierarchy_edges h JOIN ancestors a ON h.child_id = a.id
		 )
		 SELECT 1 FROM ancestors WHERE id = $1`,
		keepID).Scan(&cycle)
	switch {
	case err == pgx.ErrNoRows:
	case err != nil:
		return eris.Wrap(err, "postgres: merge: verify hierarchy")
	default:
		return eris.Errorf("postgres: merge would close a hierarchy cycle through place %d", keepID)
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit merge")
}

func nilIfZeroTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
