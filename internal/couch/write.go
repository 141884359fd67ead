package couch

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
)

// bulkResult is one per-document status row from _bulk_docs.
type bulkResult struct {
	ID     string `json:"id"`
	OK     bool   `json:"ok"`
	Rev    string `json:"rev,omitempty"`
	Error  string `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// BulkUpload uploads documents via _bulk_docs and returns the ids that
// failed. CouchDB reports per-document status, so a partial failure is a
// normal outcome the caller must check.
func (c *Client) BulkUpload(ctx context.Context, docs []any) ([]string, error) {
	bulkURL := fmt.Sprintf("%s/%s/_bulk_docs", c.baseURL, c.dataDB)

	var results []bulkResult
	if err := c.postJSON(ctx, bulkURL, map[string]any{"docs": docs}, &results); err != nil {
		return nil, fmt.Errorf("bulk upload: %w", err)
	}

	var failed []string
	for _, res := range results {
		if res.Error != "" {
			slog.Warn("bulk upload document failed",
				"id", res.ID, "error", res.Error, "reason", res.Reason)
			failed = append(failed, res.ID)
		}
	}
	return failed, nil
}

// GetDocument fetches a single document by id into out.
func (c *Client) GetDocument(ctx context.Context, docID string, out any) error {
	return c.getJSON(ctx, fmt.Sprintf("%s/%s/%s", c.baseURL, c.dataDB, url.PathEscape(docID)), out)
}

// PutDocument uploads a single document under its id.
func (c *Client) PutDocument(ctx context.Context, docID string, doc any) error {
	return c.putJSON(ctx, fmt.Sprintf("%s/%s/%s", c.baseURL, c.dataDB, url.PathEscape(docID)), doc, nil)
}

// UpdateRecordReference moves a record's head pointer onto newRevisionID.
//
// The base revisions must all be existing revisions of the record; they are
// removed from the head set (the new revision supersedes them) and the new
// revision id is added to both sets. Assumes newRevisionID is a direct child
// of the base revisions - intermediate revisions are not reconciled here.
func (c *Client) UpdateRecordReference(ctx context.Context, recordID string, baseRevisionIDs []string, newRevisionID string) error {
	var record Record
	if err := c.GetDocument(ctx, recordID, &record); err != nil {
		return fmt.Errorf("load record %s: %w", recordID, err)
	}

	revisions := make(map[string]bool, len(record.Revisions)+1)
	for _, id := range record.Revisions {
		revisions[id] = true
	}
	heads := make(map[string]bool, len(record.Heads))
	for _, id := range record.Heads {
		heads[id] = true
	}

	for _, base := range baseRevisionIDs {
		if !revisions[base] {
			return fmt.Errorf("record %s: base revision %s is not an existing revision", recordID, base)
		}
	}

	revisions[newRevisionID] = true
	for _, base := range baseRevisionIDs {
		delete(heads, base)
	}
	heads[newRevisionID] = true

	record.Revisions = sortedKeys(revisions)
	record.Heads = sortedKeys(heads)

	if err := c.PutDocument(ctx, recordID, record); err != nil {
		return fmt.Errorf("update record %s: %w", recordID, err)
	}
	return nil
}

// PushRevision uploads a prepared revision and its AVPs, then repoints the
// record's head at the new revision. The revision and AVPs must already
// carry their final ids (see NewRevision, NewAVP).
func (c *Client) PushRevision(ctx context.Context, revision Revision, avps []AVP) error {
	docs := make([]any, len(avps))
	for i, avp := range avps {
		docs[i] = avp
	}

	failed, err := c.BulkUpload(ctx, docs)
	if err != nil {
		return err
	}
	if len(failed) > 0 {
		return fmt.Errorf("upload avps for revision %s: %d of %d failed (%v)", revision.ID, len(failed), len(avps), failed)
	}

	if err := c.PutDocument(ctx, revision.ID, revision); err != nil {
		return fmt.Errorf("upload revision %s: %w", revision.ID, err)
	}
	slog.Info("revision uploaded", "revision_id", revision.ID, "record_id", revision.RecordID)

	return c.UpdateRecordReference(ctx, revision.RecordID, revision.Parents, revision.ID)
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
