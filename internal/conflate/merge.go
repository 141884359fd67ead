package conflate

// Head conflict resolution.
//
// Two policies apply, on purpose:
//
//   - Field values keep the first non-empty value seen. A later head only
//     fills a value or annotation that is nil or the empty string, each
//     component on its own. No data is ever discarded: the losing value
//     survives in the field history.
//   - Record metadata (updated at/by) follows the head with the later
//     updated_at timestamp, so the record presents its most recent editor.

// mergeRecords folds next into base and returns base. Both snapshots must
// describe the same record id. base's field values win ties; next's values
// fill gaps and extend history.
func mergeRecords(base, next *Record) *Record {
	for _, label := range next.FieldOrder() {
		incoming := next.Fields[label]
		existing, ok := base.Fields[label]
		if !ok {
			base.addField(label, incoming)
			continue
		}
		mergeField(existing, incoming)
	}

	// ISO 8601 timestamps compare lexically.
	if next.Metadata.UpdatedAt > base.Metadata.UpdatedAt {
		base.Metadata.UpdatedAt = next.Metadata.UpdatedAt
		base.Metadata.UpdatedBy = next.Metadata.UpdatedBy
	}
	if next.Metadata.Relationship != nil && base.Metadata.Relationship == nil {
		base.Metadata.Relationship = next.Metadata.Relationship
	}
	base.Metadata.Deleted = base.Metadata.Deleted || next.Metadata.Deleted
	base.Metadata.Heads = append(base.Metadata.Heads, next.Metadata.Heads...)
	base.Metadata.InConflict = len(base.Metadata.Heads) > 1

	return base
}

// mergeField folds incoming into existing in place.
func mergeField(existing, incoming *Field) {
	// History union runs both directions; a revision already recorded
	// keeps its original entry.
	for at, entry := range incoming.History {
		if _, ok := existing.History[at]; !ok {
			existing.History[at] = entry
		}
	}

	// Value and annotation merge independently: a head that corrected the
	// value may have left the annotation blank, and vice versa. The
	// uncertainty flag keeps the first-processed head's reading; false is
	// indistinguishable from unset, so there is nothing to fill.
	if isEmptyValue(existing.Data.Value) && !isEmptyValue(incoming.Data.Value) {
		existing.Data.Value = incoming.Data.Value
		existing.CreatedBy = incoming.CreatedBy
		existing.CreatedAt = incoming.CreatedAt
	}
	if existing.Data.Annotation == "" && incoming.Data.Annotation != "" {
		existing.Data.Annotation = incoming.Data.Annotation
	}

	// Attachments are adopted when the winning side has none. Both heads
	// having attachments means the winner's set already stands.
	if len(existing.Attachments) == 0 && len(incoming.Attachments) > 0 {
		existing.Attachments = incoming.Attachments
	}
}

// isEmptyValue reports whether a field value counts as absent for merge
// purposes. Only nil and the empty string qualify: false booleans, zero
// numbers and empty lists are all deliberate user input.
func isEmptyValue(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}
