package place

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite. It is the
// embedded backend used by tests and single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS places (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	kind              TEXT NOT NULL,
	country_code      TEXT NOT NULL DEFAULT '',
	adm1_code         TEXT NOT NULL DEFAULT '',
	adm2_code         TEXT NOT NULL DEFAULT '',
	canonical_name_id INTEGER,
	population        INTEGER NOT NULL DEFAULT 0,
	latitude          REAL,
	longitude         REAL,
	timezone          TEXT NOT NULL DEFAULT '',
	bounding_box      BLOB,
	created_at        DATETIME NOT NULL,
	updated_at        DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS name_variants (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	place_id        INTEGER NOT NULL REFERENCES places(id) ON DELETE CASCADE,
	text            TEXT NOT NULL,
	normalized_text TEXT NOT NULL,
	language_code   TEXT NOT NULL DEFAULT '',
	name_kind       TEXT NOT NULL DEFAULT 'official',
	is_preferred    INTEGER NOT NULL DEFAULT 0,
	source          TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL,
	UNIQUE(place_id, normalized_text)
);
CREATE INDEX IF NOT EXISTS idx_name_variants_normalized ON name_variants(normalized_text);

CREATE TABLE IF NOT EXISTS external_identifiers (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	place_id    INTEGER NOT NULL REFERENCES places(id) ON DELETE CASCADE,
	source      TEXT NOT NULL,
	external_id TEXT NOT NULL,
	created_at  DATETIME NOT NULL,
	UNIQUE(source, external_id),
	UNIQUE(place_id, source)
);

CREATE TABLE IF NOT EXISTS attribute_records (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	place_id         INTEGER NOT NULL REFERENCES places(id) ON DELETE CASCADE,
	attribute_name   TEXT NOT NULL,
	value            TEXT NOT NULL,
	source           TEXT NOT NULL,
	source_record_id TEXT NOT NULL DEFAULT '',
	confidence       REAL NOT NULL DEFAULT 0,
	observed_at      DATETIME NOT NULL,
	is_preferred     INTEGER NOT NULL DEFAULT 0,
	created_at       DATETIME NOT NULL,
	updated_at       DATETIME NOT NULL,
	UNIQUE(place_id, attribute_name, source)
);
CREATE INDEX IF NOT EXISTS idx_attribute_records_attr ON attribute_records(attribute_name);

CREATE TABLE IF NOT EXISTS preferred_pins (
	place_id       INTEGER NOT NULL REFERENCES places(id) ON DELETE CASCADE,
	attribute_name TEXT NOT NULL,
	source         TEXT NOT NULL,
	created_at     DATETIME NOT NULL,
	PRIMARY KEY(place_id, attribute_name)
);

CREATE TABLE IF NOT EXISTS hierarchy_edges (
	parent_id  INTEGER NOT NULL REFERENCES places(id) ON DELETE CASCADE,
	child_id   INTEGER NOT NULL REFERENCES places(id) ON DELETE CASCADE,
	relation   TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	PRIMARY KEY(parent_id, child_id, relation)
);

CREATE TABLE IF NOT EXISTS alias_mappings (
	text       TEXT PRIMARY KEY,
	place_id   INTEGER NOT NULL REFERENCES places(id) ON DELETE CASCADE,
	created_by TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS conflicts (
	id             TEXT PRIMARY KEY,
	kind           TEXT NOT NULL,
	source         TEXT NOT NULL DEFAULT '',
	external_id    TEXT NOT NULL DEFAULT '',
	place_id       INTEGER NOT NULL,
	other_place_id INTEGER NOT NULL DEFAULT 0,
	detail         TEXT NOT NULL DEFAULT '',
	resolved_at    DATETIME,
	created_at     DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conflicts_kind ON conflicts(kind);
`

// Migrate creates the schema. Idempotent.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Places ---

func (s *SQLiteStore) CreatePlace(ctx context.Context, p *Place) error {
	if !p.Kind.Valid() {
		return eris.Errorf("sqlite: invalid place kind %q", p.Kind)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO places (kind, country_code, adm1_code, adm2_code, population, latitude, longitude, timezone, bounding_box, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(p.Kind), p.CountryCode, p.Adm1Code, p.Adm2Code, p.Population,
		p.Latitude, p.Longitude, p.Timezone, p.BoundingBox, now, now,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert place")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return eris.Wrap(err, "sqlite: place id")
	}
	p.ID = id
	p.CreatedAt = now
	p.UpdatedAt = now
	return nil
}

const placeColumns = `id, kind, country_code, adm1_code, adm2_code, canonical_name_id, population, latitude, longitude, timezone, bounding_box, created_at, updated_at`

func scanPlace(row interface{ Scan(...any) error }) (*Place, error) {
	var p Place
	var kind string
	err := row.Scan(&p.ID, &kind, &p.CountryCode, &p.Adm1Code, &p.Adm2Code,
		&p.CanonicalNameID, &p.Population, &p.Latitude, &p.Longitude,
		&p.Timezone, &p.BoundingBox, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Kind = Kind(kind)
	return &p, nil
}

func (s *SQLiteStore) GetPlace(ctx context.Context, id int64) (*Place, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+placeColumns+` FROM places WHERE id = ?`, id)
	p, err := scanPlace(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get place %d", id)
	}
	return p, nil
}

func (s *SQLiteStore) ListPlaceIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM places ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list place ids")
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan place id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) updatePlaceField(ctx context.Context, id int64, field string, value any) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE places SET `+field+` = ?, updated_at = ? WHERE id = ?`,
		value, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update place %d %s", id, field)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Errorf("sqlite: place %d not found", id)
	}
	return nil
}

func (s *SQLiteStore) UpdatePlaceCanonicalName(ctx context.Context, id, nameVariantID int64) error {
	return s.updatePlaceField(ctx, id, "canonical_name_id", nameVariantID)
}

func (s *SQLiteStore) UpdatePlacePopulation(ctx context.Context, id, population int64) error {
	return s.updatePlaceField(ctx, id, "population", population)
}

func (s *SQLiteStore) UpdatePlaceCoordinates(ctx context.Context, id int64, lat, lon float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE places SET latitude = ?, longitude = ?, updated_at = ? WHERE id = ?`,
		lat, lon, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update place %d coordinates", id)
	}
	return checkAffected(res, id)
}

func (s *SQLiteStore) UpdatePlaceTimezone(ctx context.Context, id int64, tz string) error {
	return s.updatePlaceField(ctx, id, "timezone", tz)
}

func (s *SQLiteStore) UpdatePlaceBoundingBox(ctx context.Context, id int64, bbox []byte) error {
	return s.updatePlaceField(ctx, id, "bounding_box", bbox)
}

func checkAffected(res sql.Result, placeID int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Errorf("sqlite: place %d not found", placeID)
	}
	return nil
}

// --- Name variants ---

func (s *SQLiteStore) UpsertNameVariant(ctx context.Context, nv *NameVariant) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO name_variants (place_id, text, normalized_text, language_code, name_kind, is_preferred, source, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(place_id, normalized_text) DO UPDATE SET
		   text = excluded.text,
		   language_code = excluded.language_code,
		   name_kind = excluded.name_kind,
		   source = excluded.source`,
		nv.PlaceID, nv.Text, nv.NormalizedText, nv.LanguageCode,
		string(nv.NameKind), nv.IsPreferred, nv.Source, now,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: upsert name variant")
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, created_at FROM name_variants WHERE place_id = ? AND normalized_text = ?`,
		nv.PlaceID, nv.NormalizedText,
	)
	if err := row.Scan(&nv.ID, &nv.CreatedAt); err != nil {
		return eris.Wrap(err, "sqlite: read back name variant")
	}
	return nil
}

const nameVariantColumns = `id, place_id, text, normalized_text, language_code, name_kind, is_preferred, source, created_at`

func (s *SQLiteStore) ListNameVariants(ctx context.Context, placeID int64) ([]NameVariant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+nameVariantColumns+` FROM name_variants WHERE place_id = ? ORDER BY id`, placeID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list name variants for %d", placeID)
	}
	defer rows.Close()
	var out []NameVariant
	for rows.Next() {
		var nv NameVariant
		var kind string
		if err := rows.Scan(&nv.ID, &nv.PlaceID, &nv.Text, &nv.NormalizedText,
			&nv.LanguageCode, &kind, &nv.IsPreferred, &nv.Source, &nv.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan name variant")
		}
		nv.NameKind = NameKind(kind)
		out = append(out, nv)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteNameVariant(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM name_variants WHERE id = ?`, id)
	return eris.Wrapf(err, "sqlite: delete name variant %d", id)
}

func (s *SQLiteStore) FindPlaceIDsByNormalizedName(ctx context.Context, normalized, countryCode string) ([]int64, error) {
	query := `SELECT DISTINCT nv.place_id FROM name_variants nv
	          JOIN places p ON p.id = nv.place_id
	          WHERE nv.normalized_text = ?`
	args := []any{normalized}
	if countryCode != "" {
		query += ` AND p.country_code = ?`
		args = append(args, countryCode)
	}
	query += ` ORDER BY nv.place_id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find by normalized name")
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan place id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- External identifiers ---

func (s *SQLiteStore) UpsertIdentifier(ctx context.Context, ident *Identifier) error {
	// DO NOTHING on either unique constraint: re-submitting an identifier
	// already attached to the same place is a no-op, and collision with a
	// different place is detected by the reconciler before this call.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO external_identifiers (place_id, source, external_id, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`,
		ident.PlaceID, ident.Source, ident.ExternalID, time.Now().UTC(),
	)
	return eris.Wrap(err, "sqlite: upsert identifier")
}

func (s *SQLiteStore) FindByIdentifier(ctx context.Context, source, externalID string) (*Place, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+prefixedPlaceColumns("p")+` FROM places p
		 JOIN external_identifiers e ON e.place_id = p.id
		 WHERE e.source = ? AND e.external_id = ?`,
		source, externalID,
	)
	p, err := scanPlace(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find by identifier %s/%s", source, externalID)
	}
	return p, nil
}

func prefixedPlaceColumns(alias string) string {
	return alias + `.id, ` + alias + `.kind, ` + alias + `.country_code, ` + alias + `.adm1_code, ` +
		alias + `.adm2_code, ` + alias + `.canonical_name_id, ` + alias + `.population, ` +
		alias + `.latitude, ` + alias + `.longitude, ` + alias + `.timezone, ` +
		alias + `.bounding_box, ` + alias + `.created_at, ` + alias + `.updated_at`
}

func (s *SQLiteStore) ListIdentifiers(ctx context.Context, placeID int64) ([]Identifier, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, place_id, source, external_id, created_at FROM external_identifiers WHERE place_id = ? ORDER BY id`,
		placeID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list identifiers for %d", placeID)
	}
	defer rows.Close()
	var out []Identifier
	for rows.Next() {
		var ident Identifier
		if err := rows.Scan(&ident.ID, &ident.PlaceID, &ident.Source, &ident.ExternalID, &ident.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan identifier")
		}
		out = append(out, ident)
	}
	return out, rows.Err()
}

// --- Attribute records ---

func (s *SQLiteStore) UpsertAttributeRecord(ctx context.Context, rec *AttributeRecord) error {
	value, err := json.Marshal(rec.Value)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal attribute value")
	}
	now := time.Now().UTC()
	observed := rec.ObservedAt
	if observed.IsZero() {
		observed = now
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO attribute_records (place_id, attribute_name, value, source, source_record_id, confidence, observed_at, is_preferred, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		 ON CONFLICT(place_id, attribute_name, source) DO UPDATE SET
		   value = excluded.value,
		   source_record_id = excluded.source_record_id,
		   confidence = excluded.confidence,
		   observed_at = excluded.observed_at,
		   updated_at = excluded.updated_at`,
		rec.PlaceID, rec.AttributeName, string(value), rec.Source,
		rec.SourceRecordID, rec.Confidence, observed, now, now,
	)
	return eris.Wrap(err, "sqlite: upsert attribute record")
}

func (s *SQLiteStore) ListAttributeRecords(ctx context.Context, placeID int64, attributeName string) ([]AttributeRecord, error) {
	query := `SELECT id, place_id, attribute_name, value, source, source_record_id, confidence, observed_at, is_preferred, created_at, updated_at
	          FROM attribute_records WHERE place_id = ?`
	args := []any{placeID}
	if attributeName != "" {
		query += ` AND attribute_name = ?`
		args = append(args, attributeName)
	}
	query += ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list attribute records for %d", placeID)
	}
	defer rows.Close()
	var out []AttributeRecord
	for rows.Next() {
		var rec AttributeRecord
		var raw string
		if err := rows.Scan(&rec.ID, &rec.PlaceID, &rec.AttributeName, &raw, &rec.Source,
			&rec.SourceRecordID, &rec.Confidence, &rec.ObservedAt, &rec.IsPreferred,
			&rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan attribute record")
		}
		if err := json.Unmarshal([]byte(raw), &rec.Value); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal attribute value")
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListAttributePlaceIDs(ctx context.Context, attributeName string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT place_id FROM attribute_records WHERE attribute_name = ? ORDER BY place_id`,
		attributeName)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list places with %s", attributeName)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan place id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) SetPreferred(ctx context.Context, placeID int64, attributeName, source string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin set preferred")
	}
	defer tx.Rollback() //nolint:errcheck

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM attribute_records WHERE place_id = ? AND attribute_name = ? AND source = ?`,
		placeID, attributeName, source,
	).Scan(&exists)
	if err == sql.ErrNoRows {
		return eris.Errorf("sqlite: no %s record for place %d from %s", attributeName, placeID, source)
	}
	if err != nil {
		return eris.Wrap(err, "sqlite: check preferred target")
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE attribute_records SET is_preferred = CASE WHEN source = ? THEN 1 ELSE 0 END, updated_at = ?
		 WHERE place_id = ? AND attribute_name = ?`,
		source, time.Now().UTC(), placeID, attributeName,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: set preferred")
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit set preferred")
}

// --- Pins ---

func (s *SQLiteStore) SetPin(ctx context.Context, placeID int64, attributeName, source string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO preferred_pins (place_id, attribute_name, source, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(place_id, attribute_name) DO UPDATE SET source = excluded.source`,
		placeID, attributeName, source, time.Now().UTC(),
	)
	return eris.Wrap(err, "sqlite: set pin")
}

func (s *SQLiteStore) GetPin(ctx context.Context, placeID int64, attributeName string) (string, error) {
	var source string
	err := s.db.QueryRowContext(ctx,
		`SELECT source FROM preferred_pins WHERE place_id = ? AND attribute_name = ?`,
		placeID, attributeName,
	).Scan(&source)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", eris.Wrap(err, "sqlite: get pin")
	}
	return source, nil
}

func (s *SQLiteStore) DeletePin(ctx context.Context, placeID int64, attributeName string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM preferred_pins WHERE place_id = ? AND attribute_name = ?`,
		placeID, attributeName,
	)
	return eris.Wrap(err, "sqlite: delete pin")
}

// --- Hierarchy ---

func (s *SQLiteStore) UpsertHierarchyEdge(ctx context.Context, e *HierarchyEdge) error {
	if e.ParentID == e.ChildID {
		return eris.Errorf("sqlite: hierarchy self-edge on place %d", e.ParentID)
	}
	ancestors, err := s.ListAncestorIDs(ctx, e.ParentID)
	if err != nil {
		return err
	}
	for _, id := range ancestors {
		if id == e.ChildID {
			return eris.Errorf("sqlite: hierarchy cycle: %d is an ancestor of %d", e.ChildID, e.ParentID)
		}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO hierarchy_edges (parent_id, child_id, relation, created_at)
		 VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		e.ParentID, e.ChildID, string(e.Relation), time.Now().UTC(),
	)
	return eris.Wrap(err, "sqlite: upsert hierarchy edge")
}

func (s *SQLiteStore) ListChildren(ctx context.Context, parentID int64) ([]HierarchyEdge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT parent_id, child_id, relation, created_at FROM hierarchy_edges WHERE parent_id = ? ORDER BY child_id`,
		parentID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list children of %d", parentID)
	}
	defer rows.Close()
	var out []HierarchyEdge
	for rows.Next() {
		var e HierarchyEdge
		var rel string
		if err := rows.Scan(&e.ParentID, &e.ChildID, &rel, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan hierarchy edge")
		}
		e.Relation = Relation(rel)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListAncestorIDs(ctx context.Context, childID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`WITH RECURSIVE ancestors(id) AS (
		   SELECT parent_id FROM hierarchy_edges WHERE child_id = ?
		   UNION
		   SELECT h.parent_id FROM hierarchy_edges h JOIN ancestors a ON h.child_id = a.id
		 )
		 SELECT id FROM ancestors`,
		childID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list ancestors of %d", childID)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan ancestor id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Aliases ---

func (s *SQLiteStore) UpsertAlias(ctx context.Context, a *Alias) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alias_mappings (text, place_id, created_by, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(text) DO UPDATE SET place_id = excluded.place_id, created_by = excluded.created_by`,
		a.Text, a.PlaceID, a.CreatedBy, time.Now().UTC(),
	)
	return eris.Wrap(err, "sqlite: upsert alias")
}

func (s *SQLiteStore) ListAliases(ctx context.Context) ([]Alias, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT text, place_id, created_by, created_at FROM alias_mappings ORDER BY text`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list aliases")
	}
	defer rows.Close()
	var out []Alias
	for rows.Next() {
		var a Alias
		if err := rows.Scan(&a.Text, &a.PlaceID, &a.CreatedBy, &a.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan alias")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteAlias(ctx context.Context, text string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM alias_mappings WHERE text = ?`, text)
	return eris.Wrapf(err, "sqlite: delete alias %q", text)
}

// --- Review queue ---

func (s *SQLiteStore) AddConflict(ctx context.Context, c *Conflict) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conflicts (id, kind, source, external_id, place_id, other_place_id, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Kind, c.Source, c.ExternalID, c.PlaceID, c.OtherPlaceID, c.Detail, now,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: add conflict")
	}
	c.CreatedAt = now
	return nil
}

func (s *SQLiteStore) ListConflicts(ctx context.Context, kind string, includeResolved bool) ([]Conflict, error) {
	query := `SELECT id, kind, source, external_id, place_id, other_place_id, detail, resolved_at, created_at FROM conflicts WHERE 1=1`
	var args []any
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, kind)
	}
	if !includeResolved {
		query += ` AND resolved_at IS NULL`
	}
	query += ` ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list conflicts")
	}
	defer rows.Close()
	var out []Conflict
	for rows.Next() {
		var c Conflict
		if err := rows.Scan(&c.ID, &c.Kind, &c.Source, &c.ExternalID, &c.PlaceID,
			&c.OtherPlaceID, &c.Detail, &c.ResolvedAt, &c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan conflict")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ResolveConflict(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conflicts SET resolved_at = ? WHERE id = ? AND resolved_at IS NULL`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: resolve conflict %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Errorf("sqlite: conflict %s not found or already resolved", id)
	}
	return nil
}

// --- Merge ---

func (s *SQLiteStore) MergePlaces(ctx context.Context, keepID, removeID int64) error {
	if keepID == removeID {
		return eris.New("sqlite: merge requires two distinct places")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin merge")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, id := range []int64{keepID, removeID} {
		var one int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM places WHERE id = ?`, id).Scan(&one); err != nil {
			if err == sql.ErrNoRows {
				return eris.Errorf("sqlite: merge: place %d not found", id)
			}
			return eris.Wrap(err, "sqlite: merge: check place")
		}
	}
	now := time.Now().UTC()

	// Attribute records: migrate, newest observation wins on collision.
	// Migrated rows lose their preferred flag; the caller reevaluates.
	if _, err := tx.ExecContext(ctx,
		`UPDATE attribute_records SET value = (
		     SELECT r.value FROM attribute_records r
		     WHERE r.place_id = ?2 AND r.attribute_name = attribute_records.attribute_name AND r.source = attribute_records.source
		   ),
		   confidence = (
		     SELECT r.confidence FROM attribute_records r
		     WHERE r.place_id = ?2 AND r.attribute_name = attribute_records.attribute_name AND r.source = attribute_records.source
		   ),
		   source_record_id = (
		     SELECT r.source_record_id FROM attribute_records r
		     WHERE r.place_id = ?2 AND r.attribute_name = attribute_records.attribute_name AND r.source = attribute_records.source
		   ),
		   observed_at = (
		     SELECT r.observed_at FROM attribute_records r
		     WHERE r.place_id = ?2 AND r.attribute_name = attribute_records.attribute_name AND r.source = attribute_records.source
		   ),
		   updated_at = ?3
		 WHERE place_id = ?1 AND EXISTS (
		   SELECT 1 FROM attribute_records r
		   WHERE r.place_id = ?2 AND r.attribute_name = attribute_records.attribute_name
		     AND r.source = attribute_records.source AND r.observed_at > attribute_records.observed_at
		 )`,
		keepID, removeID, now,
	); err != nil {
		return eris.Wrap(err, "sqlite: merge: fold newer attribute rows")
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE attribute_records SET place_id = ?1, is_preferred = 0, updated_at = ?3
		 WHERE place_id = ?2 AND NOT EXISTS (
		   SELECT 1 FROM attribute_records k
		   WHERE k.place_id = ?1 AND k.attribute_name = attribute_records.attribute_name AND k.source = attribute_records.source
		 )`,
		keepID, removeID, now,
	); err != nil {
		return eris.Wrap(err, "sqlite: merge: migrate attribute rows")
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM attribute_records WHERE place_id = ?`, removeID); err != nil {
		return eris.Wrap(err, "sqlite: merge: drop folded attribute rows")
	}

	// Name variants: migrate all forms the keeper lacks.
	if _, err := tx.ExecContext(ctx,
		`UPDATE name_variants SET place_id = ?1, is_preferred = 0
		 WHERE place_id = ?2 AND NOT EXISTS (
		   SELECT 1 FROM name_variants k WHERE k.place_id = ?1 AND k.normalized_text = name_variants.normalized_text
		 )`,
		keepID, removeID,
	); err != nil {
		return eris.Wrap(err, "sqlite: merge: migrate name variants")
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM name_variants WHERE place_id = ?`, removeID); err != nil {
		return eris.Wrap(err, "sqlite: merge: drop duplicate name variants")
	}

	// Identifiers: one per (place, source); the keeper's existing entry wins.
	if _, err := tx.ExecContext(ctx,
		`UPDATE external_identifiers SET place_id = ?1
		 WHERE place_id = ?2 AND NOT EXISTS (
		   SELECT 1 FROM external_identifiers k WHERE k.place_id = ?1 AND k.source = external_identifiers.source
		 )`,
		keepID, removeID,
	); err != nil {
		return eris.Wrap(err, "sqlite: merge: migrate identifiers")
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM external_identifiers WHERE place_id = ?`, removeID); err != nil {
		return eris.Wrap(err, "sqlite: merge: drop duplicate identifiers")
	}

	// Pins: the keeper's pin wins on collision.
	if _, err := tx.ExecContext(ctx,
		`UPDATE preferred_pins SET place_id = ?1
		 WHERE place_id = ?2 AND NOT EXISTS (
		   SELECT 1 FROM preferred_pins k WHERE k.place_id = ?1 AND k.attribute_name = preferred_pins.attribute_name
		 )`,
		keepID, removeID,
	); err != nil {
		return eris.Wrap(err, "sqlite: merge: migrate pins")
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM preferred_pins WHERE place_id = ?`, removeID); err != nil {
		return eris.Wrap(err, "sqlite: merge: drop duplicate pins")
	}

	// Hierarchy edges, skipping self-edges and duplicates.
	if _, err := tx.ExecContext(ctx,
		`UPDATE hierarchy_edges SET parent_id = ?1
		 WHERE parent_id = ?2 AND child_id != ?1 AND NOT EXISTS (
		   SELECT 1 FROM hierarchy_edges k WHERE k.parent_id = ?1 AND k.child_id = hierarchy_edges.child_id AND k.relation = hierarchy_edges.relation
		 )`,
		keepID, removeID,
	); err != nil {
		return eris.Wrap(err, "sqlite: merge: migrate parent edges")
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE hierarchy_edges SET child_id = ?1
		 WHERE child_id = ?2 AND parent_id != ?1 AND NOT EXISTS (
		   SELECT 1 FROM hierarchy_edges k WHERE k.child_id = ?1 AND k.parent_id = hierarchy_edges.parent_id AND k.relation = hierarchy_edges.relation
		 )`,
		keepID, removeID,
	); err != nil {
		return eris.Wrap(err, "sqlite: merge: migrate child edges")
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM hierarchy_edges WHERE parent_id = ? OR child_id = ?`, removeID, removeID); err != nil {
		return eris.Wrap(err, "sqlite: merge: drop stale edges")
	}

	// Repointing edges can stitch a path through the keeper into a loop;
	// re-verify acyclicity before committing.
	var cycle int
	err = tx.QueryRowContext(ctx,
		`WITH RECURSIVE ancestors(id) AS (
		   SELECT parent_id FROM hierarchy_edges WHERE child_id = ?1
		   UNION
		   SELECT h.parent_id FROM hierarchy_edges h JOIN ancestors a ON h.child_id = a.id
		 )
		 SELECT 1 FROM ancestors WHERE id = ?1`,
		keepID).Scan(&cycle)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return eris.Wrap(err, "sqlite: merge: verify hierarchy")
	default:
		return eris.Errorf("sqlite: merge would close a hierarchy cycle through place %d", keepID)
	}

	// Aliases.
	if _, err := tx.ExecContext(ctx,
		`UPDATE alias_mappings SET place_id = ? WHERE place_id = ?`, keepID, removeID); err != nil {
		return eris.Wrap(err, "sqlite: merge: migrate aliases")
	}

	// Open conflicts referencing the removed place now reference the keeper;
	// entries that collapse onto one place are resolved by the merge itself.
	if _, err := tx.ExecContext(ctx,
		`UPDATE conflicts SET place_id = ?1 WHERE place_id = ?2 AND resolved_at IS NULL`, keepID, removeID); err != nil {
		return eris.Wrap(err, "sqlite: merge: repoint conflicts")
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conflicts SET other_place_id = ?1 WHERE other_place_id = ?2 AND resolved_at IS NULL`, keepID, removeID); err != nil {
		return eris.Wrap(err, "sqlite: merge: repoint conflicts")
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conflicts SET resolved_at = ?1 WHERE place_id = other_place_id AND resolved_at IS NULL`, now); err != nil {
		return eris.Wrap(err, "sqlite: merge: resolve collapsed conflicts")
	}

	// The removed place's canonical name is gone with its row; the keeper's
	// canonical name is untouched.
	if _, err := tx.ExecContext(ctx, `DELETE FROM places WHERE id = ?`, removeID); err != nil {
		return eris.Wrap(err, "sqlite: merge: delete place")
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE places SET updated_at = ? WHERE id = ?`, now, keepID); err != nil {
		return eris.Wrap(err, "sqlite: merge: touch keeper")
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit merge")
}
