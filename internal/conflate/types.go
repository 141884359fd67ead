// Package conflate reconstructs canonical records from a notebook's
// append-only revision graph.
//
// Each record's edit history is a DAG of immutable revisions; the record
// document points at the current head revision(s). One head is the normal
// case. Two or more heads mean concurrent edits were never resolved, and the
// engine merges them field-wise: a non-empty value is never lost to a blank,
// the first-processed head's value wins ties, and the full per-field history
// of every contributing head is retained.
//
// The pipeline is strictly sequential: records are reconstructed one at a
// time, the cross-record identifier indices are only appended to during
// reconstruction, and the relationship linker reads them only after every
// record is done. Records are independent units of work, so this could be
// parallelised later by partitioning the indices by record id.
package conflate

import (
	"context"

	"github.com/roach88/fieldtrip/internal/couch"
)

// Fetcher is the revision-graph collaborator the engine consumes.
// *couch.Client implements it; tests supply fakes.
type Fetcher interface {
	ListRecords(ctx context.Context) ([]couch.Record, error)
	AllRevisions(ctx context.Context, record couch.Record) (map[string]couch.Revision, error)
	HeadRevisions(ctx context.Context, record couch.Record) (map[string]couch.Revision, error)
	AVPs(ctx context.Context, revision couch.Revision) (map[string]couch.AVP, error)
	Attachment(ctx context.Context, docID, name string) (string, error)
}

// AttachmentSink receives decoded attachment files during flattening.
// path is a slash-separated directory relative to the export root.
type AttachmentSink interface {
	Add(path, filename string, data []byte) error
}

// Data is the scalar value trio of one field: the stored value plus its
// annotation text and uncertainty flag.
type Data struct {
	Value       any    `json:"value"`
	Annotation  string `json:"annotation,omitempty"`
	Uncertainty bool   `json:"uncertainty"`
}

// HistoryEntry is one audit-trail entry for a field: who wrote which value
// when, captured per contributing head revision.
type HistoryEntry struct {
	CreatedBy       string `json:"created_by"`
	CreatedAt       string `json:"created_at"`
	Data            Data   `json:"data"`
	AttachmentCount int    `json:"attachment_count"`
}

// Attachment is a fetched-but-not-yet-decoded attachment: the original
// filename (may be empty for legacy inline attachments) and a data URI.
type Attachment struct {
	Filename string
	URI      string
}

// Field is the reconstructed snapshot of one field of one record.
//
// CreatedBy/CreatedAt stamp the revision that produced the AVP, which is not
// necessarily the head revision - a field untouched for ten edits still
// reports its original author.
type Field struct {
	RecordID      string
	Element       string // internal field id
	Label         string // resolved display label
	Type          string // declared value type
	Data          Data
	CreatedBy     string
	CreatedAt     string
	Attachments   []Attachment
	AttachedFiles []string
	History       map[string]HistoryEntry // keyed by contributing head's updated_at

	normalized bool
}

// UpdateStamp records one revision in a record's edit timeline.
type UpdateStamp struct {
	CreatedBy  string `json:"created_by"`
	CreatedAt  string `json:"created_at"`
	RevisionID string `json:"revision_id"`
	Deleted    bool   `json:"deleted"`
}

// RelationshipMeta is a record's pointer at its parent or linked record.
// HRID and Form are blank until the linker pass resolves them.
type RelationshipMeta struct {
	Kind     string // "parent" or "linked"
	Verb     string
	RecordID string
	FieldID  string
	HRID     string
	Form     string
}

// Metadata is the per-record metadata block of a reconstructed record.
type Metadata struct {
	Identifier   string
	RecordID     string
	RecordType   string // form id
	RecordName   string // form display name
	UpdatedAt    string
	UpdatedBy    string
	InConflict   bool
	Deleted      bool
	Heads        []string               // head revision ids that contributed
	Updates      map[string]UpdateStamp // full edit timeline, keyed by created
	Relationship *RelationshipMeta
}

// Record is one reconstructed record: the metadata block plus a
// display-label-keyed field map. fieldOrder preserves first-seen order so
// exported columns are stable across runs.
type Record struct {
	Metadata   Metadata
	Fields     map[string]*Field
	fieldOrder []string
}

// addField registers a field snapshot under its display label.
func (r *Record) addField(label string, f *Field) {
	if _, exists := r.Fields[label]; !exists {
		r.fieldOrder = append(r.fieldOrder, label)
	}
	r.Fields[label] = f
}

// FieldOrder returns field labels in first-seen order.
func (r *Record) FieldOrder() []string {
	return r.fieldOrder
}

// Result is the output of a reconstruction pass: records grouped by form id,
// plus the run summary. Shapes and flat tables are produced by Flatten.
type Result struct {
	// Forms maps form id -> record id -> reconstructed record.
	Forms map[string]map[string]*Record

	// Identifiers maps record id -> display identifier, as discovered
	// during reconstruction. Consumed by the linker.
	Identifiers map[string]string

	Summary *Summary
}
