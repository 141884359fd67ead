package couch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

// metadataKeyPrefix marks project metadata documents in the metadata db.
const metadataKeyPrefix = "project-metadata-"

// ProjectMetadata is the cleaned project-level metadata of a notebook:
// plain values keyed by their human name, plus any metadata attachments
// as (filename, data URI) pairs for the export to relocate.
type ProjectMetadata struct {
	Values      map[string]any
	Attachments map[string]string
}

// metadataDoc is the shape of a project-metadata-* document row.
type metadataDoc struct {
	IsAttachment bool            `json:"is_attachment"`
	Metadata     any             `json:"metadata"`
	Stubs        map[string]Stub `json:"_attachments"`
}

// FetchProjectMetadata collects all project-metadata-* documents from the
// metadata database. Keys are cleaned (prefix stripped, underscores become
// spaces); attachment documents have each attachment downloaded as a data
// URI.
func (c *Client) FetchProjectMetadata(ctx context.Context) (*ProjectMetadata, error) {
	allDocsURL := fmt.Sprintf("%s/%s/_all_docs", c.baseURL, c.metadataDB)

	var resp allDocsResponse
	if err := c.postJSON(ctx, allDocsURL, map[string]any{"include_docs": true}, &resp); err != nil {
		return nil, fmt.Errorf("fetch project metadata: %w", err)
	}

	meta := &ProjectMetadata{
		Values:      make(map[string]any),
		Attachments: make(map[string]string),
	}

	for _, row := range resp.Rows {
		if !strings.Contains(row.ID, metadataKeyPrefix) || row.Doc == nil {
			continue
		}

		var doc metadataDoc
		if err := json.Unmarshal(row.Doc, &doc); err != nil {
			slog.Warn("skipping malformed metadata document", "id", row.ID, "error", err)
			continue
		}

		if doc.IsAttachment {
			for name := range doc.Stubs {
				uri, err := c.metadataAttachment(ctx, row.Key, name)
				if err != nil {
					slog.Warn("metadata attachment fetch failed", "id", row.ID, "name", name, "error", err)
					continue
				}
				meta.Attachments[name] = uri
			}
			continue
		}

		key := strings.ReplaceAll(strings.Replace(row.ID, metadataKeyPrefix, "", 1), "_", " ")
		meta.Values[key] = doc.Metadata
	}

	return meta, nil
}

// metadataAttachment fetches one metadata-db attachment as a data URI.
func (c *Client) metadataAttachment(ctx context.Context, docID, name string) (string, error) {
	attachURL := fmt.Sprintf("%s/%s/%s/%s", c.baseURL, c.metadataDB, url.PathEscape(docID), url.PathEscape(name))
	body, contentType, err := c.get(ctx, attachURL)
	if err != nil {
		return "", err
	}
	return encodeDataURI(contentType, body), nil
}
