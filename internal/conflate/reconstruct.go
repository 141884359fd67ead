package conflate

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/roach88/fieldtrip/internal/couch"
	"github.com/roach88/fieldtrip/internal/schema"
)

// Options configures a reconstruction run.
type Options struct {
	// IncludeDeleted keeps records whose head revision is soft-deleted.
	IncludeDeleted bool

	// FetchAttachments downloads attachment payloads during
	// reconstruction. Off means attachment columns are omitted entirely.
	FetchAttachments bool

	// Location is the timezone geometry timestamps are rendered in.
	// Defaults to the local timezone.
	Location *time.Location

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Run is one export run's reconstruction state. The identifier and form
// indices are appended to as records complete and read only by the linker
// pass, which runs after all records are processed.
//
// Not safe for concurrent use; see the package comment.
type Run struct {
	fetcher  Fetcher
	resolver *schema.Resolver
	opts     Options
	log      *slog.Logger

	identifiers   map[string]string // record id -> display identifier
	formsByRecord map[string]string // record id -> form id
	summary       *Summary
}

// NewRun prepares a reconstruction run. The resolver must come from the
// same notebook the fetcher is bound to - field ids are only meaningful
// within one ui-specification.
func NewRun(fetcher Fetcher, resolver *schema.Resolver, opts Options) *Run {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Run{
		fetcher:       fetcher,
		resolver:      resolver,
		opts:          opts,
		log:           opts.Logger,
		identifiers:   make(map[string]string),
		formsByRecord: make(map[string]string),
		summary:       &Summary{},
	}
}

// Reconstruct walks every record's revision graph and produces one canonical
// record per surviving record, then resolves cross-record relationships.
//
// Failures fetching a single record's graph are soft: the record is skipped,
// counted in the summary and the run continues. A relationship pointing at a
// record that was never seen is fatal (IntegrityError).
func (r *Run) Reconstruct(ctx context.Context) (*Result, error) {
	records, err := r.fetcher.ListRecords(ctx)
	if err != nil {
		return nil, err
	}
	r.log.Info("reconstructing records", "count", len(records))

	result := &Result{
		Forms:       make(map[string]map[string]*Record),
		Identifiers: r.identifiers,
		Summary:     r.summary,
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r.processRecord(ctx, rec, result)
	}

	if err := r.linkRelationships(result); err != nil {
		return nil, err
	}

	return result, nil
}

// processRecord reconstructs one record into result, or records a skip.
func (r *Run) processRecord(ctx context.Context, rec couch.Record, result *Result) {
	allRevs, err := r.fetcher.AllRevisions(ctx, rec)
	if err != nil {
		r.log.Warn("skipping record: revision fetch failed", "record_id", rec.ID, "error", err)
		r.summary.skipRecord(rec.ID, "revision fetch failed: "+err.Error())
		return
	}
	heads, err := r.fetcher.HeadRevisions(ctx, rec)
	if err != nil {
		r.log.Warn("skipping record: head fetch failed", "record_id", rec.ID, "error", err)
		r.summary.skipRecord(rec.ID, "head fetch failed: "+err.Error())
		return
	}

	// Index every revision so AVP metadata can be attributed to the
	// revision that actually produced the value, head or not.
	updates := make(map[string]UpdateStamp, len(allRevs))
	for revID, rev := range allRevs {
		updates[rev.Created] = UpdateStamp{
			CreatedBy:  rev.CreatedBy,
			CreatedAt:  rev.Created,
			RevisionID: revID,
			Deleted:    rev.Deleted,
		}
	}

	deleted := false
	for _, head := range heads {
		if head.Deleted {
			deleted = true
		}
	}
	if deleted && !r.opts.IncludeDeleted {
		r.log.Debug("skipping deleted record", "record_id", rec.ID)
		r.summary.DeletedSkipped++
		return
	}

	// Heads are walked in sorted id order so the "first-seen wins" merge
	// bias is deterministic across runs.
	headIDs := make([]string, 0, len(heads))
	for id := range heads {
		headIDs = append(headIDs, id)
	}
	sort.Strings(headIDs)

	var merged *Record
	for _, headID := range headIDs {
		snapshot, ok := r.buildSnapshot(ctx, rec, headID, heads[headID], allRevs, updates, deleted)
		if !ok {
			continue
		}
		if merged == nil {
			merged = snapshot
			continue
		}
		r.log.Debug("merging conflicting head",
			"record_id", rec.ID, "head", headID, "identifier", merged.Metadata.Identifier)
		merged = mergeRecords(merged, snapshot)
	}
	if merged == nil {
		return
	}
	if merged.Metadata.Identifier == "" {
		// No identifier field on this form: the record id is the only
		// human-visible handle there is.
		merged.Metadata.Identifier = rec.ID
		r.identifiers[rec.ID] = rec.ID
	}

	form := result.Forms[rec.Type]
	if form == nil {
		form = make(map[string]*Record)
		result.Forms[rec.Type] = form
	}
	form[rec.ID] = merged
	r.formsByRecord[rec.ID] = rec.Type
	r.summary.Records++
}

// buildSnapshot builds one head revision's view of the record.
// Returns ok=false when the head's AVPs could not be fetched.
func (r *Run) buildSnapshot(
	ctx context.Context,
	rec couch.Record,
	headID string,
	head couch.Revision,
	allRevs map[string]couch.Revision,
	updates map[string]UpdateStamp,
	deleted bool,
) (*Record, bool) {
	avps, err := r.fetcher.AVPs(ctx, head)
	if err != nil {
		r.log.Warn("skipping head: avp fetch failed", "record_id", rec.ID, "head", headID, "error", err)
		r.summary.skipRecord(rec.ID, "avp fetch failed for head "+headID+": "+err.Error())
		return nil, false
	}

	record := &Record{
		Metadata: Metadata{
			RecordID:   rec.ID,
			RecordType: rec.Type,
			RecordName: r.resolver.FormName(rec.Type),
			UpdatedAt:  head.Created,
			UpdatedBy:  head.CreatedBy,
			Deleted:    deleted,
			Heads:      []string{headID},
			Updates:    updates,
		},
		Fields: make(map[string]*Field),
	}
	record.Metadata.Relationship = relationshipMeta(head.Relationship)

	// Field ids are walked sorted so column order and merge bias are
	// stable run to run.
	elements := make([]string, 0, len(head.AVPs))
	for element := range head.AVPs {
		elements = append(elements, element)
	}
	sort.Strings(elements)

	for _, element := range elements {
		avpID := head.AVPs[element]
		avp, ok := avps[avpID]
		if !ok {
			r.log.Warn("avp missing from bulk fetch", "record_id", rec.ID, "avp_id", avpID, "element", element)
			continue
		}
		if avp.Type == schema.TypeUnset {
			continue
		}

		label := r.resolver.Label(element)
		field := &Field{
			RecordID:  rec.ID,
			Element:   element,
			Label:     label,
			Type:      avp.Type,
			Data:      Data{Value: avp.Data, Annotation: avp.Annotations.Annotation, Uncertainty: avp.Annotations.Uncertainty},
			CreatedBy: head.CreatedBy,
			CreatedAt: head.Created,
			History:   make(map[string]HistoryEntry, 1),
		}

		// Attribute the field to the revision that wrote the AVP,
		// not the head that happens to reference it.
		if owner, ok := allRevs[avp.RevisionID]; ok {
			field.CreatedBy = owner.CreatedBy
			field.CreatedAt = owner.Created
		}

		if r.resolver.IsIdentifier(element) {
			if s, ok := avp.Data.(string); ok && s != "" && record.Metadata.Identifier == "" {
				record.Metadata.Identifier = s
				r.identifiers[rec.ID] = s
			}
		}

		if r.opts.FetchAttachments {
			field.Attachments = r.fetchAttachments(ctx, avp)
		}

		field.History[head.Created] = HistoryEntry{
			CreatedBy:       head.CreatedBy,
			CreatedAt:       head.Created,
			Data:            field.Data,
			AttachmentCount: len(field.Attachments),
		}

		record.addField(label, field)
	}

	return record, true
}

// fetchAttachments downloads every attachment of an AVP as a data URI.
// Individual attachment failures are logged and skipped - one unreachable
// photo must not sink the whole record.
func (r *Run) fetchAttachments(ctx context.Context, avp couch.AVP) []Attachment {
	var out []Attachment

	for _, ref := range avp.FileRefs {
		uri, err := r.fetcher.Attachment(ctx, ref.AttachmentID, ref.AttachmentID)
		if err != nil {
			r.log.Warn("attachment fetch failed",
				"avp_id", avp.ID, "attachment_id", ref.AttachmentID, "error", err)
			continue
		}
		out = append(out, Attachment{Filename: ref.Filename, URI: uri})
	}

	// Legacy layout: attachments inline on the AVP document itself.
	names := make([]string, 0, len(avp.Stubs))
	for name := range avp.Stubs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		uri, err := r.fetcher.Attachment(ctx, avp.ID, name)
		if err != nil {
			r.log.Warn("inline attachment fetch failed",
				"avp_id", avp.ID, "name", name, "error", err)
			continue
		}
		out = append(out, Attachment{URI: uri})
	}

	return out
}

// relationshipMeta extracts the export view of a revision relationship.
func relationshipMeta(rel *couch.Relationship) *RelationshipMeta {
	if rel == nil {
		return nil
	}
	switch {
	case rel.Parent != nil:
		return &RelationshipMeta{
			Kind:     "parent",
			Verb:     rel.Parent.Verb(),
			RecordID: rel.Parent.RecordID,
			FieldID:  rel.Parent.FieldID,
		}
	case rel.Linked != nil:
		return &RelationshipMeta{
			Kind:     "linked",
			Verb:     rel.Linked.Verb(),
			RecordID: rel.Linked.RecordID,
			FieldID:  rel.Linked.FieldID,
		}
	}
	return nil
}

// linkRelationships is the second pass: resolve every relationship pointer
// into the referenced record's identifier and form display name.
func (r *Run) linkRelationships(result *Result) error {
	for _, form := range sortedKeys(result.Forms) {
		records := result.Forms[form]
		for _, recordID := range sortedKeys(records) {
			rel := records[recordID].Metadata.Relationship
			if rel == nil {
				continue
			}

			hrid, ok := r.identifiers[rel.RecordID]
			if !ok {
				return &IntegrityError{RecordID: recordID, MissingID: rel.RecordID, Kind: rel.Kind}
			}
			formID, ok := r.formsByRecord[rel.RecordID]
			if !ok {
				return &IntegrityError{RecordID: recordID, MissingID: rel.RecordID, Kind: rel.Kind}
			}

			rel.HRID = hrid
			rel.Form = r.resolver.FormName(formID)
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
