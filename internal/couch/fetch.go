package couch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
)

// findPageSize is the _find page size. CouchDB signals "no more results" by
// returning fewer docs than requested, not by omitting the bookmark.
const findPageSize = 25

// findRequest is the CouchDB _find request body.
type findRequest struct {
	Selector map[string]any `json:"selector"`
	Bookmark string         `json:"bookmark,omitempty"`
	Limit    int            `json:"limit,omitempty"`
}

// findResponse is the CouchDB _find response for record documents.
type findResponse struct {
	Docs     []Record `json:"docs"`
	Bookmark string   `json:"bookmark"`
}

// ListRecords fetches every record document in the project's data database,
// following the bookmark cursor until a short page arrives.
func (c *Client) ListRecords(ctx context.Context) ([]Record, error) {
	findURL := fmt.Sprintf("%s/%s/_find", c.baseURL, c.dataDB)

	var all []Record
	bookmark := ""
	for {
		req := findRequest{
			Selector: map[string]any{"record_format_version": recordFormatVersion},
			Bookmark: bookmark,
			Limit:    findPageSize,
		}
		var resp findResponse
		if err := c.postJSON(ctx, findURL, req, &resp); err != nil {
			return nil, fmt.Errorf("list records: %w", err)
		}

		all = append(all, resp.Docs...)
		bookmark = resp.Bookmark

		// A bookmark is returned even on the last page; the page length
		// is the only reliable end-of-results signal.
		if len(resp.Docs) < findPageSize {
			break
		}
	}

	slog.Debug("records listed", "count", len(all))
	return all, nil
}

// allDocsRequest is the CouchDB _all_docs bulk-fetch request body.
type allDocsRequest struct {
	Keys        []string `json:"keys"`
	IncludeDocs bool     `json:"include_docs"`
}

// allDocsResponse carries rows whose doc payloads are decoded by the caller.
type allDocsResponse struct {
	Rows []struct {
		ID    string          `json:"id"`
		Key   string          `json:"key"`
		Doc   json.RawMessage `json:"doc"`
		Error string          `json:"error,omitempty"`
	} `json:"rows"`
}

// bulkFetch retrieves the documents for ids and decodes each into T,
// keyed by document id. Rows with a missing doc (deleted or unknown id)
// are skipped; resolving that is the caller's concern.
func bulkFetch[T any](ctx context.Context, c *Client, ids []string) (map[string]T, error) {
	out := make(map[string]T, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	allDocsURL := fmt.Sprintf("%s/%s/_all_docs", c.baseURL, c.dataDB)
	var resp allDocsResponse
	if err := c.postJSON(ctx, allDocsURL, allDocsRequest{Keys: ids, IncludeDocs: true}, &resp); err != nil {
		return nil, err
	}

	for _, row := range resp.Rows {
		if row.Doc == nil {
			slog.Debug("bulk fetch row without doc", "key", row.Key, "error", row.Error)
			continue
		}
		var doc T
		if err := json.Unmarshal(row.Doc, &doc); err != nil {
			return nil, &RequestError{Method: "POST", URL: allDocsURL, Err: fmt.Errorf("decode doc %s: %w", row.ID, err)}
		}
		out[row.ID] = doc
	}
	return out, nil
}

// AllRevisions fetches every revision of a record, keyed by revision id.
func (c *Client) AllRevisions(ctx context.Context, record Record) (map[string]Revision, error) {
	revs, err := bulkFetch[Revision](ctx, c, record.Revisions)
	if err != nil {
		return nil, fmt.Errorf("fetch revisions for %s: %w", record.ID, err)
	}
	return revs, nil
}

// HeadRevisions fetches a record's current head revisions, keyed by
// revision id. More than one entry means an unresolved conflict.
func (c *Client) HeadRevisions(ctx context.Context, record Record) (map[string]Revision, error) {
	revs, err := bulkFetch[Revision](ctx, c, record.Heads)
	if err != nil {
		return nil, fmt.Errorf("fetch head revisions for %s: %w", record.ID, err)
	}
	return revs, nil
}

// AVPs fetches the attribute-value pairs of a revision, keyed by AVP id.
func (c *Client) AVPs(ctx context.Context, revision Revision) (map[string]AVP, error) {
	ids := make([]string, 0, len(revision.AVPs))
	for _, avpID := range revision.AVPs {
		ids = append(ids, avpID)
	}
	avps, err := bulkFetch[AVP](ctx, c, ids)
	if err != nil {
		return nil, fmt.Errorf("fetch avps for revision %s: %w", revision.ID, err)
	}
	return avps, nil
}

// Attachment fetches one attachment of a document and returns it as a
// data URI ("data:<content-type>;base64,<payload>"), the byte contract the
// conflation engine's attachment expansion consumes.
func (c *Client) Attachment(ctx context.Context, docID, name string) (string, error) {
	attachURL := fmt.Sprintf("%s/%s/%s/%s", c.baseURL, c.dataDB, url.PathEscape(docID), url.PathEscape(name))
	body, contentType, err := c.get(ctx, attachURL)
	if err != nil {
		return "", fmt.Errorf("fetch attachment %s/%s: %w", docID, name, err)
	}
	return encodeDataURI(contentType, body), nil
}

// encodeDataURI wraps raw bytes in the data-URI byte contract used for
// attachments throughout the pipeline.
func encodeDataURI(contentType string, data []byte) string {
	return fmt.Sprintf("data:%s;base64,%s", contentType, base64.StdEncoding.EncodeToString(data))
}
