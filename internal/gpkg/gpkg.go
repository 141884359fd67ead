// Package gpkg writes shape layers into a GeoPackage: a SQLite database
// following OGC 12-128r19, readable by QGIS and friends. Each layer becomes
// one feature table; geometries are stored as GeoPackage binary (an 8-byte
// header in front of standard WKB).
package gpkg

import (
	"database/sql"
	_ "embed"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"

	"github.com/roach88/fieldtrip/internal/conflate"
	"github.com/roach88/fieldtrip/internal/slug"
)

//go:embed schema.sql
var schemaSQL string

// GeoPackage files carry their format in the SQLite application_id header.
const applicationID = 0x47504B47 // "GPKG"

const wgs84 = 4326

// File is an open GeoPackage being written.
type File struct {
	db *sql.DB
}

// Create creates a GeoPackage at path with the core metadata tables in
// place. An existing file at path is reused; layers already present are
// replaced on write.
func Create(path string) (*File, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open geopackage: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open geopackage: %w", err)
	}

	// Single writer; the export pipeline is sequential anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		fmt.Sprintf("PRAGMA application_id = %d", applicationID),
		"PRAGMA user_version = 10300",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply geopackage schema: %w", err)
	}

	return &File{db: db}, nil
}

// Close closes the underlying database.
func (f *File) Close() error {
	if f.db == nil {
		return nil
	}
	return f.db.Close()
}

// WriteLayer stores one shape layer as a feature table and registers it in
// the GeoPackage metadata tables.
func (f *File) WriteLayer(shape *conflate.Shape) error {
	table := layerTableName(shape)

	tx, err := f.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(fmt.Sprintf(`DROP TABLE IF EXISTS %q`, table)); err != nil {
		return fmt.Errorf("layer %s: %w", table, err)
	}
	if _, err := tx.Exec(fmt.Sprintf(`
		CREATE TABLE %q (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			geom       BLOB,
			title      TEXT,
			record_id  TEXT,
			properties TEXT
		)`, table)); err != nil {
		return fmt.Errorf("layer %s: %w", table, err)
	}

	var bound *orb.Bound
	geomType := ""

	for _, feature := range shape.Features {
		blob, err := geometryBlob(feature.Geometry)
		if err != nil {
			return fmt.Errorf("layer %s: %w", table, err)
		}

		b := feature.Geometry.Bound()
		if bound == nil {
			bound = &b
		} else {
			u := bound.Union(b)
			bound = &u
		}
		geomType = geometryTypeName(feature.Geometry, geomType)

		properties, err := json.Marshal(feature.Properties)
		if err != nil {
			return fmt.Errorf("layer %s: %w", table, err)
		}

		title, _ := feature.ID.(string)
		recordID, _ := feature.Properties["record_id"].(string)
		if _, err := tx.Exec(fmt.Sprintf(
			`INSERT INTO %q (geom, title, record_id, properties) VALUES (?, ?, ?, ?)`, table),
			blob, title, recordID, string(properties)); err != nil {
			return fmt.Errorf("layer %s: %w", table, err)
		}
	}

	if err := registerLayer(tx, table, shape, geomType, bound); err != nil {
		return err
	}
	return tx.Commit()
}

// WriteLayers writes every shape layer of an export.
func (f *File) WriteLayers(shapes []*conflate.Shape) error {
	for _, shape := range shapes {
		if err := f.WriteLayer(shape); err != nil {
			return err
		}
	}
	return nil
}

func registerLayer(tx *sql.Tx, table string, shape *conflate.Shape, geomType string, bound *orb.Bound) error {
	if _, err := tx.Exec(
		`DELETE FROM gpkg_geometry_columns WHERE table_name = ?`, table); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`DELETE FROM gpkg_contents WHERE table_name = ?`, table); err != nil {
		return err
	}

	var minX, minY, maxX, maxY any
	if bound != nil {
		minX, minY = bound.Min.Lon(), bound.Min.Lat()
		maxX, maxY = bound.Max.Lon(), bound.Max.Lat()
	}
	if _, err := tx.Exec(`
		INSERT INTO gpkg_contents
			(table_name, data_type, identifier, description, min_x, min_y, max_x, max_y, srs_id)
		VALUES (?, 'features', ?, ?, ?, ?, ?, ?, ?)`,
		table, table, shape.FormName+": "+shape.Field,
		minX, minY, maxX, maxY, wgs84); err != nil {
		return err
	}
	if geomType == "" {
		geomType = "GEOMETRY"
	}
	if _, err := tx.Exec(`
		INSERT INTO gpkg_geometry_columns
			(table_name, column_name, geometry_type_name, srs_id, z, m)
		VALUES (?, 'geom', ?, ?, 0, 0)`,
		table, geomType, wgs84); err != nil {
		return err
	}
	return nil
}

// layerTableName derives a SQL-friendly table name for a layer.
func layerTableName(shape *conflate.Shape) string {
	name := slug.Make(shape.FormName) + "_" + slug.Make(shape.Field)
	return strings.ReplaceAll(name, "-", "_")
}

// geometryBlob encodes a geometry as GeoPackage binary: the "GP" header
// (version 0, little-endian, no envelope) followed by little-endian WKB.
func geometryBlob(geom orb.Geometry) ([]byte, error) {
	encoded, err := wkb.Marshal(geom)
	if err != nil {
		return nil, fmt.Errorf("encode wkb: %w", err)
	}

	header := make([]byte, 8)
	header[0], header[1] = 'G', 'P'
	header[2] = 0    // version
	header[3] = 0x01 // little-endian header, no envelope
	binary.LittleEndian.PutUint32(header[4:], wgs84)

	return append(header, encoded...), nil
}

// geometryTypeName folds a layer's geometry types: a homogeneous layer
// keeps its concrete type, a mixed one degrades to GEOMETRY.
func geometryTypeName(geom orb.Geometry, previous string) string {
	name := strings.ToUpper(geom.GeoJSONType())
	if previous == "" || previous == name {
		return name
	}
	return "GEOMETRY"
}
