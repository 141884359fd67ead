package conflate

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/paulmach/orb/geojson"
)

// Row is one record rendered flat. Values are strings, numbers, booleans
// or nil; every structured value has been normalized away by this point.
type Row map[string]any

// Table is one form's records in tabular shape. Columns lists every key
// any row carries, metadata first, then fields in form order.
type Table struct {
	Form     string
	FormName string
	Columns  []string
	Rows     []Row
}

// Shape is one form field's captured geometries, ready for geospatial
// projection. Feature properties carry the owning record's full row so a
// GIS user sees the record data alongside the geometry.
type Shape struct {
	Form     string
	FormName string
	Field    string
	Features []*geojson.Feature
}

// Flattened is the fully projected export: one table per form plus one
// shape layer per form field that captured geometry.
type Flattened struct {
	Tables []*Table
	Shapes []*Shape
}

// Metadata column names, in output order.
var metadataColumns = []string{
	"identifier",
	"record_id",
	"form",
	"metadata.updated_at",
	"metadata.updated_by",
	"metadata.in_conflict",
	"metadata.deleted",
	"metadata.updates",
}

var relationshipColumns = []string{
	"relationship.kind",
	"relationship.verb",
	"relationship.record",
	"relationship.form",
}

// Flatten normalizes every reconstructed record and projects the result
// into tables and shape layers. Attachments are written through sink as
// rows are built; pass nil to skip attachment extraction.
//
// Per-field normalization failures drop only that field (logged and
// counted); everything else in the record survives.
func (r *Run) Flatten(result *Result, sink AttachmentSink) (*Flattened, error) {
	out := &Flattened{}

	for _, formID := range sortedKeys(result.Forms) {
		records := result.Forms[formID]
		formName := r.resolver.FormName(formID)

		table := &Table{Form: formID, FormName: formName}
		shapes := make(map[string]*Shape)

		hasRelationship := false
		var fieldOrder []string
		seenField := make(map[string]bool)

		for _, recordID := range recordOrder(records) {
			record := records[recordID]
			row := r.flattenRecord(formName, record, sink, shapes)
			table.Rows = append(table.Rows, row)

			if record.Metadata.Relationship != nil {
				hasRelationship = true
			}
			for _, label := range record.FieldOrder() {
				if !seenField[label] {
					seenField[label] = true
					fieldOrder = append(fieldOrder, label)
				}
			}
		}

		table.Columns = buildColumns(table.Rows, fieldOrder, hasRelationship, r.opts.IncludeDeleted)
		out.Tables = append(out.Tables, table)

		for _, field := range sortedKeys(shapes) {
			out.Shapes = append(out.Shapes, shapes[field])
		}
	}

	// Shape properties embed the row, which is only complete once every
	// record in the form has been flattened; that holds here because
	// flattenRecord fills the shared row map the features point at.
	return out, nil
}

// flattenRecord renders one record as a row and registers its geometries.
func (r *Run) flattenRecord(formName string, record *Record, sink AttachmentSink, shapes map[string]*Shape) Row {
	md := record.Metadata
	row := Row{
		"identifier":           md.Identifier,
		"record_id":            md.RecordID,
		"form":                 formName,
		"metadata.updated_at":  md.UpdatedAt,
		"metadata.updated_by":  md.UpdatedBy,
		"metadata.in_conflict": md.InConflict,
	}
	if r.opts.IncludeDeleted {
		row["metadata.deleted"] = md.Deleted
	}
	if updates, err := json.Marshal(md.Updates); err == nil {
		row["metadata.updates"] = string(updates)
	}
	if rel := md.Relationship; rel != nil {
		row["relationship.kind"] = rel.Kind
		row["relationship.verb"] = rel.Verb
		row["relationship.record"] = rel.HRID
		row["relationship.form"] = rel.Form
	}

	for _, label := range record.FieldOrder() {
		field := record.Fields[label]

		if err := r.normalizeField(field); err != nil {
			var pfe *PartialFieldError
			if errors.As(err, &pfe) {
				r.log.Warn("dropping field", "record_id", pfe.RecordID, "field", pfe.Label, "error", pfe.Err)
				r.summary.dropField(pfe)
				continue
			}
			r.log.Warn("dropping field", "record_id", field.RecordID, "field", label, "error", err)
			continue
		}

		r.expandAttachments(formName, md.Identifier, field, sink)

		switch v := field.Data.Value.(type) {
		case *GeometryValue:
			for sub, val := range v.Columns() {
				row[label+"."+sub] = val
			}
			r.registerShape(shapes, record, formName, label, v, row)
		case map[string]any:
			// Already-normalized geometry round-tripping through.
			for _, sub := range []string{"geojson", "wkt", "y_latitude", "x_longitude", "accuracy", "timestamp"} {
				row[label+"."+sub] = v[sub]
			}
		case []any:
			row[label] = joinList(v)
		default:
			row[label] = v
		}

		if field.Data.Annotation != "" {
			row[label+".annotation"] = field.Data.Annotation
		}
		if field.Data.Uncertainty {
			row[label+".uncertainty"] = true
		}
		if len(field.AttachedFiles) > 0 {
			row[label+".attached_files"] = joinFiles(field.AttachedFiles)
		}
	}

	return row
}

// registerShape adds a geometry capture to its form field's shape layer.
// The feature gets the record's identity on top of whatever properties the
// capture widget recorded.
func (r *Run) registerShape(shapes map[string]*Shape, record *Record, formName, label string, g *GeometryValue, row Row) {
	shape := shapes[label]
	if shape == nil {
		shape = &Shape{Form: record.Metadata.RecordType, FormName: formName, Field: label}
		shapes[label] = shape
	}

	feature := geojson.NewFeature(g.Feature.Geometry)
	for k, v := range g.Feature.Properties {
		feature.Properties[k] = v
	}
	feature.ID = record.Metadata.Identifier
	feature.Properties["title"] = record.Metadata.Identifier
	feature.Properties["record_id"] = record.Metadata.RecordID
	feature.Properties["record_data"] = row

	shape.Features = append(shape.Features, feature)
}

// buildColumns assembles the final column list: metadata, relationship
// columns when any record has one, then fields in form order with their
// populated sub-columns. Annotation columns that no row filled and
// uncertainty columns that are false everywhere are dropped.
func buildColumns(rows []Row, fieldOrder []string, hasRelationship, includeDeleted bool) []string {
	present := make(map[string]bool)
	for _, row := range rows {
		for k, v := range row {
			if v == nil {
				continue
			}
			if s, ok := v.(string); ok && s == "" {
				continue
			}
			if b, ok := v.(bool); ok && !b {
				continue
			}
			present[k] = true
		}
	}

	var columns []string
	for _, c := range metadataColumns {
		if c == "metadata.deleted" && !includeDeleted {
			continue
		}
		columns = append(columns, c)
	}
	if hasRelationship {
		columns = append(columns, relationshipColumns...)
	}

	geometrySubs := []string{"geojson", "wkt", "y_latitude", "x_longitude", "accuracy", "timestamp"}
	for _, label := range fieldOrder {
		if present[label+".geojson"] {
			for _, sub := range geometrySubs {
				columns = append(columns, label+"."+sub)
			}
		} else {
			columns = append(columns, label)
		}
		if present[label+".annotation"] {
			columns = append(columns, label+".annotation")
		}
		if present[label+".uncertainty"] {
			columns = append(columns, label+".uncertainty")
		}
		if present[label+".attached_files"] {
			columns = append(columns, label+".attached_files")
		}
	}

	return columns
}

// recordOrder sorts a form's records by identifier, record id breaking
// ties, so export row order is stable across runs.
func recordOrder(records map[string]*Record) []string {
	ids := sortedKeys(records)
	sort.SliceStable(ids, func(i, j int) bool {
		a, b := records[ids[i]].Metadata.Identifier, records[ids[j]].Metadata.Identifier
		if a != b {
			return a < b
		}
		return ids[i] < ids[j]
	})
	return ids
}

func joinList(items []any) string {
	out := ""
	for i, item := range items {
		if i > 0 {
			out += "; "
		}
		out += fmt.Sprintf("%v", item)
	}
	return out
}

func joinFiles(files []string) string {
	out := ""
	for i, f := range files {
		if i > 0 {
			out += "; "
		}
		out += f
	}
	return out
}
