// Package couch is the CouchDB transport boundary for a notebook export.
//
// It speaks the document shapes of the data and metadata databases: records,
// revisions and attribute-value pairs (AVPs). Records form an append-only
// revision graph - every edit creates a new revision plus new AVPs, and a
// record's "heads" set points at the current tip(s) of that graph. More than
// one head means an unresolved conflict, which the conflation engine merges.
//
// Nothing in this package interprets values; it fetches and uploads documents
// and leaves reconstruction to internal/conflate.
package couch

import (
	"fmt"

	"github.com/google/uuid"
)

// Document format versions written by this tool.
const (
	recordFormatVersion   = 1
	revisionFormatVersion = 1
	avpFormatVersion      = 1
)

// Record is the identity-stable root document for one collected entity.
// Records are never deleted; deletion is a flag on the head revision.
type Record struct {
	ID            string   `json:"_id"`
	Rev           string   `json:"_rev,omitempty"`
	FormatVersion int      `json:"record_format_version"`
	Type          string   `json:"type"`
	Created       string   `json:"created"`
	CreatedBy     string   `json:"created_by"`
	Revisions     []string `json:"revisions"`
	Heads         []string `json:"heads"`
}

// Revision is an immutable snapshot descriptor. Parents form DAG edges, not
// a linear list: concurrent edits on two devices produce two children of the
// same parent.
type Revision struct {
	ID            string            `json:"_id"`
	Rev           string            `json:"_rev,omitempty"`
	FormatVersion int               `json:"revision_format_version"`
	RecordID      string            `json:"record_id"`
	Parents       []string          `json:"parents"`
	AVPs          map[string]string `json:"avps"` // field id -> avp id
	Type          string            `json:"type"`
	Created       string            `json:"created"`
	CreatedBy     string            `json:"created_by"`
	Deleted       bool              `json:"deleted"`
	Relationship  *Relationship     `json:"relationship,omitempty"`
}

// Relationship links a revision's record to another record, either as a
// child of a parent record or as a lateral link.
type Relationship struct {
	Parent *RelationshipRef `json:"parent,omitempty"`
	Linked *RelationshipRef `json:"linked,omitempty"`
}

// RelationshipRef points at the related record and the field that owns the
// relation. The vocab pair holds the forward/reverse verbs ("is child of",
// "has child") - the forward verb is what exports surface.
type RelationshipRef struct {
	RecordID  string   `json:"record_id"`
	FieldID   string   `json:"field_id"`
	VocabPair []string `json:"relation_type_vocabPair"`
}

// Verb returns the forward relation verb, or "" if none was recorded.
func (r *RelationshipRef) Verb() string {
	if r == nil || len(r.VocabPair) == 0 {
		return ""
	}
	return r.VocabPair[0]
}

// AVP is the immutable storage unit for one field's value in one revision.
// Data is an arbitrary structured payload: scalar, list, nested geometry
// object or relationship object. Classification happens in the conflation
// engine, not here.
type AVP struct {
	ID            string          `json:"_id"`
	Rev           string          `json:"_rev,omitempty"`
	FormatVersion int             `json:"avp_format_version"`
	Type          string          `json:"type"`
	RecordID      string          `json:"record_id"`
	RevisionID    string          `json:"revision_id"`
	Data          any             `json:"data"`
	Annotations   Annotations     `json:"annotations"`
	FileRefs      []FileRef       `json:"faims_attachments,omitempty"`
	Stubs         map[string]Stub `json:"_attachments,omitempty"`
}

// Annotations carries the per-field annotation text and uncertainty flag.
type Annotations struct {
	Annotation  string `json:"annotation"`
	Uncertainty bool   `json:"uncertainty"`
}

// FileRef points at an attachment stored as its own document.
type FileRef struct {
	AttachmentID string `json:"attachment_id"`
	Filename     string `json:"filename"`
}

// Stub is a CouchDB inline attachment stub on the AVP document itself
// (the older storage layout, kept for fetch compatibility).
type Stub struct {
	ContentType string `json:"content_type"`
	Length      int64  `json:"length"`
	Stub        bool   `json:"stub"`
}

// NewRevision constructs a format-v1 revision document for write-back.
// avps maps field ids to AVP ids; parents lists the base revision ids the
// edit was made on top of.
func NewRevision(recordID, newID string, avps map[string]string, parents []string, createdBy, created, docType string, deleted bool) Revision {
	return Revision{
		ID:            newID,
		FormatVersion: revisionFormatVersion,
		RecordID:      recordID,
		Parents:       parents,
		AVPs:          avps,
		Type:          docType,
		Created:       created,
		CreatedBy:     createdBy,
		Deleted:       deleted,
	}
}

// NewAVP constructs a format-v1 AVP document for write-back with a fresh
// avp-prefixed id. Data can be anything JSON-encodable.
func NewAVP(data any, revisionID, recordID string, annotations Annotations, docType string) AVP {
	return AVP{
		ID:            fmt.Sprintf("avp-%s", uuid.New()),
		FormatVersion: avpFormatVersion,
		Type:          docType,
		RecordID:      recordID,
		RevisionID:    revisionID,
		Data:          data,
		Annotations:   annotations,
	}
}
