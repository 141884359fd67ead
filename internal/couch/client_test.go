package couch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestServer stands in for a conductor + CouchDB pair. The handler map is
// keyed by "METHOD path".
func newTestServer(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	for pattern, h := range handlers {
		mux.HandleFunc(pattern, h)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func projectHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"name":        "Demo Survey",
			"data_db":     map[string]string{"db_name": "data-demo"},
			"metadata_db": map[string]string{"db_name": "metadata-demo"},
		})
	}
}

func TestNewClient_ResolvesProject(t *testing.T) {
	srv := newTestServer(t, map[string]http.HandlerFunc{
		"GET /projects/demo": projectHandler(),
	})

	c, err := NewClient(context.Background(), srv.URL, "demo")
	require.NoError(t, err)
	assert.Equal(t, "Demo Survey", c.ProjectName())
	assert.Equal(t, "data-demo", c.dataDB)
	assert.Equal(t, "metadata-demo", c.metadataDB)
}

func TestNewClient_ProjectMissing(t *testing.T) {
	srv := newTestServer(t, map[string]http.HandlerFunc{
		"GET /projects/ghost": func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{"name": ""})
		},
	})

	_, err := NewClient(context.Background(), srv.URL, "ghost")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestClient_AuthHeaders(t *testing.T) {
	var sawBasic, sawBearer string
	srv := newTestServer(t, map[string]http.HandlerFunc{
		"GET /projects/demo": func(w http.ResponseWriter, r *http.Request) {
			if user, _, ok := r.BasicAuth(); ok {
				sawBasic = user
			}
			sawBearer = r.Header.Get("Authorization")
			projectHandler()(w, r)
		},
	})

	_, err := NewClient(context.Background(), srv.URL, "demo", WithBasicAuth("alice", "s3cret"))
	require.NoError(t, err)
	assert.Equal(t, "alice", sawBasic)

	_, err = NewClient(context.Background(), srv.URL, "demo", WithBearerToken("tok123"))
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok123", sawBearer)
}

func TestListRecords_Pagination(t *testing.T) {
	// Two pages: a full page of findPageSize docs, then a short page.
	page := 0
	srv := newTestServer(t, map[string]http.HandlerFunc{
		"GET /projects/demo": projectHandler(),
		"POST /data-demo/_find": func(w http.ResponseWriter, r *http.Request) {
			var req findRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, float64(recordFormatVersion), req.Selector["record_format_version"])

			var docs []Record
			switch page {
			case 0:
				assert.Empty(t, req.Bookmark)
				for i := 0; i < findPageSize; i++ {
					docs = append(docs, Record{ID: fmt.Sprintf("rec-%02d", i), Type: "Site"})
				}
			case 1:
				assert.Equal(t, "mark-1", req.Bookmark)
				docs = []Record{{ID: "rec-last", Type: "Site"}}
			default:
				t.Fatal("unexpected third page request")
			}
			page++
			json.NewEncoder(w).Encode(findResponse{Docs: docs, Bookmark: fmt.Sprintf("mark-%d", page)})
		},
	})

	c, err := NewClient(context.Background(), srv.URL, "demo")
	require.NoError(t, err)

	records, err := c.ListRecords(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, findPageSize+1)
	assert.Equal(t, "rec-last", records[findPageSize].ID)
}

func TestHeadRevisionsAndAVPs(t *testing.T) {
	srv := newTestServer(t, map[string]http.HandlerFunc{
		"GET /projects/demo": projectHandler(),
		"POST /data-demo/_all_docs": func(w http.ResponseWriter, r *http.Request) {
			var req allDocsRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			require.True(t, req.IncludeDocs)

			rows := make([]map[string]any, 0, len(req.Keys))
			for _, key := range req.Keys {
				switch key {
				case "rev-1":
					rows = append(rows, map[string]any{"id": key, "key": key, "doc": Revision{
						ID:       "rev-1",
						RecordID: "rec-1",
						AVPs:     map[string]string{"field-a": "avp-1"},
					}})
				case "avp-1":
					rows = append(rows, map[string]any{"id": key, "key": key, "doc": AVP{
						ID:         "avp-1",
						RecordID:   "rec-1",
						RevisionID: "rev-1",
						Type:       "faims-core::String",
						Data:       "hello",
					}})
				case "rev-gone":
					// deleted doc: row present, doc absent
					rows = append(rows, map[string]any{"id": key, "key": key, "error": "not_found"})
				}
			}
			json.NewEncoder(w).Encode(map[string]any{"rows": rows})
		},
	})

	c, err := NewClient(context.Background(), srv.URL, "demo")
	require.NoError(t, err)

	heads, err := c.HeadRevisions(context.Background(), Record{ID: "rec-1", Heads: []string{"rev-1", "rev-gone"}})
	require.NoError(t, err)
	require.Len(t, heads, 1, "rows without docs are dropped")
	require.Contains(t, heads, "rev-1")

	avps, err := c.AVPs(context.Background(), heads["rev-1"])
	require.NoError(t, err)
	require.Contains(t, avps, "avp-1")
	assert.Equal(t, "hello", avps["avp-1"].Data)
}

func TestAttachment_DataURI(t *testing.T) {
	srv := newTestServer(t, map[string]http.HandlerFunc{
		"GET /projects/demo": projectHandler(),
		"GET /data-demo/att-1/photo.jpg": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "image/jpeg")
			w.Write([]byte{0xff, 0xd8, 0xff})
		},
	})

	c, err := NewClient(context.Background(), srv.URL, "demo")
	require.NoError(t, err)

	uri, err := c.Attachment(context.Background(), "att-1", "photo.jpg")
	require.NoError(t, err)
	assert.Equal(t, "data:image/jpeg;base64,/9j/", uri)
}

func TestUpdateRecordReference(t *testing.T) {
	var stored Record
	srv := newTestServer(t, map[string]http.HandlerFunc{
		"GET /projects/demo": projectHandler(),
		"GET /data-demo/rec-1": func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(Record{
				ID:        "rec-1",
				Revisions: []string{"rev-1", "rev-2"},
				Heads:     []string{"rev-2"},
			})
		},
		"PUT /data-demo/rec-1": func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&stored))
			json.NewEncoder(w).Encode(map[string]any{"ok": true})
		},
	})

	c, err := NewClient(context.Background(), srv.URL, "demo")
	require.NoError(t, err)

	err = c.UpdateRecordReference(context.Background(), "rec-1", []string{"rev-2"}, "rev-3")
	require.NoError(t, err)
	assert.Equal(t, []string{"rev-1", "rev-2", "rev-3"}, stored.Revisions)
	assert.Equal(t, []string{"rev-3"}, stored.Heads, "base revision replaced as head")
}

func TestUpdateRecordReference_UnknownBase(t *testing.T) {
	srv := newTestServer(t, map[string]http.HandlerFunc{
		"GET /projects/demo": projectHandler(),
		"GET /data-demo/rec-1": func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(Record{ID: "rec-1", Revisions: []string{"rev-1"}, Heads: []string{"rev-1"}})
		},
	})

	c, err := NewClient(context.Background(), srv.URL, "demo")
	require.NoError(t, err)

	err = c.UpdateRecordReference(context.Background(), "rec-1", []string{"rev-404"}, "rev-2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not an existing revision")
}

func TestNewAVP_IDs(t *testing.T) {
	a := NewAVP("x", "rev-1", "rec-1", Annotations{}, "faims-core::String")
	b := NewAVP("x", "rev-1", "rec-1", Annotations{}, "faims-core::String")
	assert.NotEqual(t, a.ID, b.ID)
	assert.Contains(t, a.ID, "avp-")
	assert.Equal(t, avpFormatVersion, a.FormatVersion)
}
