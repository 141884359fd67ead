// Package schema resolves a notebook's ui-specification document into the
// field metadata the conflation engine needs: display labels, declared value
// types, identifier fields, multi-select option sets and form names.
//
// The resolver is a pure lookup table built once per export run. A malformed
// ui-specification is fatal (SchemaError): without reliable field names the
// export would silently produce garbage columns.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Declared type labels used by the stored documents.
const (
	// TypeUnset is the sentinel type of an AVP that was never given a
	// value. AVPs of this type are skipped during reconstruction.
	TypeUnset = "??:??"

	// TypeText and TypeBool are the fixed types of the synthetic
	// annotation and uncertainty fields.
	TypeText = "faims-core::String"
	TypeBool = "faims-core::Boolean"
)

// Suffixes of the synthetic per-field sub-parameter entries.
const (
	AnnotationSuffix  = " annotation"
	UncertaintySuffix = " uncertainty"
)

// MultiField describes a multi-select field and its legal options.
type MultiField struct {
	Name    string
	Options []Option
}

// Option is one enumerated choice of a multi-select field.
type Option struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// Resolver maps internal field identifiers to export-facing metadata.
// It has no state beyond the parsed schema; all methods are read-only.
type Resolver struct {
	labels      map[string]string
	types       map[string]string
	identifiers map[string]bool
	multi       map[string]MultiField
	formNames   map[string]string
}

// wire shapes of the ui-specification document

type uiSpec struct {
	Fields   map[string]fieldDef   `json:"fields"`
	Viewsets map[string]viewsetDef `json:"viewsets"`
}

type viewsetDef struct {
	Label string   `json:"label"`
	Views []string `json:"views"`
}

type fieldDef struct {
	ComponentName string      `json:"component-name"`
	TypeReturned  string      `json:"type-returned"`
	Params        fieldParams `json:"component-parameters"`
	Meta          *fieldMeta  `json:"meta"`
}

type fieldParams struct {
	ID          string     `json:"id"`
	HRID        bool       `json:"hrid"`
	Label       string     `json:"label"`
	InputLabel  labelProps `json:"InputLabelProps"`
	ControlProp labelProps `json:"FormControlLabelProps"`
	Select      selectProp `json:"SelectProps"`
	Element     elemProps  `json:"ElementProps"`
}

type labelProps struct {
	Label string `json:"label"`
}

type selectProp struct {
	Multiple bool `json:"multiple"`
}

type elemProps struct {
	Options []Option `json:"options"`
}

type fieldMeta struct {
	Annotation      bool        `json:"annotation"`
	AnnotationLabel string      `json:"annotation_label"`
	Uncertainty     uncertainty `json:"uncertainty"`
}

type uncertainty struct {
	Include bool   `json:"include"`
	Label   string `json:"label"`
}

// Parse builds a Resolver from a raw ui-specification document.
// Missing "fields" or "viewsets" keys are a SchemaError: the caller must
// abort the export rather than continue with unresolvable field names.
func Parse(doc []byte) (*Resolver, error) {
	var spec uiSpec
	if err := json.Unmarshal(doc, &spec); err != nil {
		return nil, &SchemaError{Key: "ui-specification", Err: err}
	}
	if spec.Fields == nil {
		return nil, &SchemaError{Key: "fields"}
	}
	if spec.Viewsets == nil {
		return nil, &SchemaError{Key: "viewsets"}
	}

	r := &Resolver{
		labels:      make(map[string]string, len(spec.Fields)),
		types:       make(map[string]string, len(spec.Fields)),
		identifiers: make(map[string]bool),
		multi:       make(map[string]MultiField),
		formNames:   make(map[string]string, len(spec.Viewsets)),
	}

	for id, vs := range spec.Viewsets {
		r.formNames[id] = vs.Label
	}

	// Label collisions are resolved after all fields (and their synthetic
	// sub-parameter entries) are registered, so the dupe check sees both.
	dupes := make(map[string][]string)

	for id, def := range spec.Fields {
		label := def.displayLabel(id)
		r.labels[id] = label
		r.types[id] = def.TypeReturned
		dupes[label] = append(dupes[label], id)

		if def.isIdentifier() {
			r.identifiers[id] = true
		}
		if def.Params.Select.Multiple {
			r.multi[id] = MultiField{Name: id, Options: def.Params.Element.Options}
		}

		if def.Meta == nil {
			continue
		}
		if def.Meta.Annotation {
			annoID := id + AnnotationSuffix
			annoLabel := fmt.Sprintf("%s (%s)", label, def.Meta.AnnotationLabel)
			r.labels[annoID] = annoLabel
			r.types[annoID] = TypeText
			dupes[annoLabel] = append(dupes[annoLabel], annoID)
		}
		if def.Meta.Uncertainty.Include {
			uncID := id + UncertaintySuffix
			uncLabel := fmt.Sprintf("%s (%s)", label, def.Meta.Uncertainty.Label)
			r.labels[uncID] = uncLabel
			r.types[uncID] = TypeBool
			dupes[uncLabel] = append(dupes[uncLabel], uncID)
		}
	}

	for label, ids := range dupes {
		if len(ids) < 2 {
			continue
		}
		for _, id := range ids {
			r.labels[id] = fmt.Sprintf("%s (%s)", label, id)
		}
	}

	return r, nil
}

// displayLabel picks the human label for a field, falling back through the
// places notebook designers put it, ending at the internal id.
func (d fieldDef) displayLabel(id string) string {
	if d.Params.InputLabel.Label != "" {
		return d.Params.InputLabel.Label
	}
	if d.Params.ControlProp.Label != "" {
		return d.Params.ControlProp.Label
	}
	if d.Params.Label != "" {
		return d.Params.Label
	}
	return id
}

// isIdentifier reports whether this field holds the record's human-readable
// identifier. Two markers exist in the wild: an explicit hrid parameter, and
// templated-string fields whose component id carries the hridFORM marker.
func (d fieldDef) isIdentifier() bool {
	if d.Params.HRID {
		return true
	}
	return d.ComponentName == "TemplatedStringField" && strings.Contains(d.Params.ID, "hridFORM")
}

// Label returns the display label for a field id.
// Unknown ids resolve to themselves so raw documents remain exportable.
func (r *Resolver) Label(fieldID string) string {
	if l, ok := r.labels[fieldID]; ok {
		return l
	}
	return fieldID
}

// Type returns the declared value type for a field id, or "" if unknown.
func (r *Resolver) Type(fieldID string) string {
	return r.types[fieldID]
}

// IsIdentifier reports whether fieldID holds the record's display identifier.
func (r *Resolver) IsIdentifier(fieldID string) bool {
	return r.identifiers[fieldID]
}

// MultiSelect returns the option set for a multi-select field.
func (r *Resolver) MultiSelect(fieldID string) (MultiField, bool) {
	m, ok := r.multi[fieldID]
	return m, ok
}

// FormName returns the display name of a form (viewset) id.
// Unknown form ids resolve to themselves.
func (r *Resolver) FormName(formID string) string {
	if n, ok := r.formNames[formID]; ok && n != "" {
		return n
	}
	return formID
}

// FormNames returns the form id -> display name mapping.
func (r *Resolver) FormNames() map[string]string {
	return r.formNames
}

// FieldCount returns how many resolvable field entries exist, synthetic
// annotation/uncertainty entries included.
func (r *Resolver) FieldCount() int {
	return len(r.labels)
}

// FieldInfo is the export-facing description of one field entry.
type FieldInfo struct {
	ID         string `json:"id"`
	Label      string `json:"label"`
	Type       string `json:"type"`
	Identifier bool   `json:"identifier,omitempty"`
}

// Fields returns every field entry sorted by id, synthetic entries included.
func (r *Resolver) Fields() []FieldInfo {
	out := make([]FieldInfo, 0, len(r.labels))
	for id, label := range r.labels {
		out = append(out, FieldInfo{
			ID:         id,
			Label:      label,
			Type:       r.types[id],
			Identifier: r.identifiers[id],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
