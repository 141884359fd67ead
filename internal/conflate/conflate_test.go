package conflate

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldtrip/internal/couch"
	"github.com/roach88/fieldtrip/internal/schema"
)

// fakeFetcher serves a revision graph from memory.
type fakeFetcher struct {
	records     []couch.Record
	revisions   map[string]couch.Revision // revision id -> revision
	avps        map[string]couch.AVP      // avp id -> avp
	attachments map[string]string         // docID/name -> data URI

	failRevisions map[string]bool // record ids whose revision fetch errors
	failAVPs      map[string]bool // revision ids whose AVP fetch errors
}

func (f *fakeFetcher) ListRecords(ctx context.Context) ([]couch.Record, error) {
	return f.records, nil
}

func (f *fakeFetcher) AllRevisions(ctx context.Context, record couch.Record) (map[string]couch.Revision, error) {
	if f.failRevisions[record.ID] {
		return nil, fmt.Errorf("revision fetch refused")
	}
	out := make(map[string]couch.Revision)
	for _, id := range record.Revisions {
		if rev, ok := f.revisions[id]; ok {
			out[id] = rev
		}
	}
	return out, nil
}

func (f *fakeFetcher) HeadRevisions(ctx context.Context, record couch.Record) (map[string]couch.Revision, error) {
	out := make(map[string]couch.Revision)
	for _, id := range record.Heads {
		if rev, ok := f.revisions[id]; ok {
			out[id] = rev
		}
	}
	return out, nil
}

func (f *fakeFetcher) AVPs(ctx context.Context, revision couch.Revision) (map[string]couch.AVP, error) {
	if f.failAVPs[revision.ID] {
		return nil, fmt.Errorf("avp fetch refused")
	}
	out := make(map[string]couch.AVP)
	for _, id := range revision.AVPs {
		if avp, ok := f.avps[id]; ok {
			out[id] = avp
		}
	}
	return out, nil
}

func (f *fakeFetcher) Attachment(ctx context.Context, docID, name string) (string, error) {
	uri, ok := f.attachments[docID+"/"+name]
	if !ok {
		return "", fmt.Errorf("no attachment %s/%s", docID, name)
	}
	return uri, nil
}

// memorySink collects attachment writes in memory.
type memorySink struct {
	files map[string][]byte
}

func newMemorySink() *memorySink {
	return &memorySink{files: make(map[string][]byte)}
}

func (s *memorySink) Add(dir, filename string, data []byte) error {
	s.files[path.Join(dir, filename)] = data
	return nil
}

func testResolver(t *testing.T) *schema.Resolver {
	t.Helper()
	r, err := schema.Parse([]byte(`{
		"fields": {
			"field-name": {
				"component-name": "TemplatedStringField",
				"type-returned": "faims-core::String",
				"component-parameters": {"id": "field-name", "hrid": true, "label": "Name"}
			},
			"field-email": {
				"component-name": "TextField",
				"type-returned": "faims-core::String",
				"component-parameters": {"id": "field-email", "label": "Email"}
			},
			"field-phone": {
				"component-name": "TextField",
				"type-returned": "faims-core::String",
				"component-parameters": {"id": "field-phone", "label": "Phone"}
			},
			"field-loc": {
				"component-name": "TakePoint",
				"type-returned": "faims-pos::Location",
				"component-parameters": {"id": "field-loc", "label": "Location"}
			},
			"field-photo": {
				"component-name": "TakePhoto",
				"type-returned": "faims-attachment::Files",
				"component-parameters": {"id": "field-photo", "label": "Site Photo"}
			},
			"field-child": {
				"component-name": "RelatedRecordSelector",
				"type-returned": "faims-core::Relationship",
				"component-parameters": {"id": "field-child", "label": "Features"}
			}
		},
		"viewsets": {
			"survey": {"label": "Survey Unit", "views": ["survey-main"]},
			"feature": {"label": "Feature", "views": ["feature-main"]}
		}
	}`))
	require.NoError(t, err)
	return r
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRun(t *testing.T, f *fakeFetcher, opts Options) *Run {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return NewRun(f, testResolver(t), opts)
}

// graph builders

func stringAVP(id, element, revisionID, value string) couch.AVP {
	return couch.AVP{
		ID:         id,
		Type:       "faims-core::String",
		RevisionID: revisionID,
		Data:       value,
	}
}

func revision(id, recordID, created, createdBy string, avps map[string]string, parents ...string) couch.Revision {
	return couch.Revision{
		ID:        id,
		RecordID:  recordID,
		Parents:   parents,
		AVPs:      avps,
		Type:      "survey",
		Created:   created,
		CreatedBy: createdBy,
	}
}
