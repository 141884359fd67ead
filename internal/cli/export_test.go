package cli

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// notebookServer serves a minimal but complete notebook: one form, two
// records (one with a point geometry and a photo), full revision graph.
func notebookServer(t *testing.T) *httptest.Server {
	t.Helper()

	docs := map[string]any{
		"rev-1": map[string]any{
			"_id": "rev-1", "record_id": "rec-1", "type": "survey",
			"created": "2024-05-01T10:00:00Z", "created_by": "alice",
			"avps": map[string]string{
				"newfield-hridFORM-survey": "avp-name-1",
				"newfield-notes":           "avp-notes-1",
				"newfield-loc":             "avp-loc-1",
				"newfield-photo":           "avp-photo-1",
			},
		},
		"rev-2": map[string]any{
			"_id": "rev-2", "record_id": "rec-2", "type": "survey",
			"created": "2024-05-02T11:00:00Z", "created_by": "bob",
			"avps": map[string]string{
				"newfield-hridFORM-survey": "avp-name-2",
				"newfield-notes":           "avp-notes-2",
			},
		},
		"avp-name-1": map[string]any{
			"_id": "avp-name-1", "type": "faims-core::String",
			"record_id": "rec-1", "revision_id": "rev-1", "data": "Site A",
			"annotations": map[string]any{"annotation": "", "uncertainty": false},
		},
		"avp-notes-1": map[string]any{
			"_id": "avp-notes-1", "type": "faims-core::String",
			"record_id": "rec-1", "revision_id": "rev-1", "data": "sandy soil",
			"annotations": map[string]any{"annotation": "windy day", "uncertainty": true},
		},
		"avp-loc-1": map[string]any{
			"_id": "avp-loc-1", "type": "faims-pos::Location",
			"record_id": "rec-1", "revision_id": "rev-1",
			"data": map[string]any{
				"type":       "Feature",
				"geometry":   map[string]any{"type": "Point", "coordinates": []any{151.2, -33.8}},
				"properties": map[string]any{"accuracy": 5.0, "timestamp": 1700000000000.0},
			},
			"annotations": map[string]any{"annotation": "", "uncertainty": false},
		},
		"avp-photo-1": map[string]any{
			"_id": "avp-photo-1", "type": "faims-attachment::Files",
			"record_id": "rec-1", "revision_id": "rev-1",
			"annotations":       map[string]any{"annotation": "", "uncertainty": false},
			"faims_attachments": []map[string]any{{"attachment_id": "att-1", "filename": "IMG_0001.jpg"}},
		},
		"avp-name-2": map[string]any{
			"_id": "avp-name-2", "type": "faims-core::String",
			"record_id": "rec-2", "revision_id": "rev-2", "data": "Site B",
			"annotations": map[string]any{"annotation": "", "uncertainty": false},
		},
		"avp-notes-2": map[string]any{
			"_id": "avp-notes-2", "type": "faims-core::String",
			"record_id": "rec-2", "revision_id": "rev-2", "data": "",
			"annotations": map[string]any{"annotation": "", "uncertainty": false},
		},
	}

	uiSpec := map[string]any{
		"fields": map[string]any{
			"newfield-hridFORM-survey": map[string]any{
				"component-name": "TemplatedStringField",
				"type-returned":  "faims-core::String",
				"component-parameters": map[string]any{
					"id": "newfield-hridFORM-survey", "label": "Site ID",
				},
			},
			"newfield-notes": map[string]any{
				"component-name": "MultipleTextField",
				"type-returned":  "faims-core::String",
				"component-parameters": map[string]any{
					"id": "newfield-notes",
					"InputLabelProps": map[string]any{"label": "Notes"},
				},
			},
			"newfield-loc": map[string]any{
				"component-name": "TakePoint",
				"type-returned":  "faims-pos::Location",
				"component-parameters": map[string]any{
					"id": "newfield-loc", "label": "Location",
				},
			},
			"newfield-photo": map[string]any{
				"component-name": "TakePhoto",
				"type-returned":  "faims-attachment::Files",
				"component-parameters": map[string]any{
					"id": "newfield-photo", "label": "Photo",
				},
			},
		},
		"viewsets": map[string]any{
			"survey": map[string]any{"label": "Survey Unit", "views": []string{"survey-main"}},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /projects/demo", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"name":        "Demo Survey",
			"data_db":     map[string]string{"db_name": "data-demo"},
			"metadata_db": map[string]string{"db_name": "metadata-demo"},
		})
	})
	mux.HandleFunc("GET /metadata-demo/ui-specification", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(uiSpec)
	})
	mux.HandleFunc("POST /data-demo/_find", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"bookmark": "end",
			"docs": []map[string]any{
				{"_id": "rec-1", "type": "survey", "revisions": []string{"rev-1"}, "heads": []string{"rev-1"}},
				{"_id": "rec-2", "type": "survey", "revisions": []string{"rev-2"}, "heads": []string{"rev-2"}},
			},
		})
	})
	mux.HandleFunc("POST /data-demo/_all_docs", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Keys []string `json:"keys"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		rows := make([]map[string]any, 0, len(req.Keys))
		for _, key := range req.Keys {
			doc, ok := docs[key]
			if !ok {
				rows = append(rows, map[string]any{"key": key, "error": "not_found"})
				continue
			}
			rows = append(rows, map[string]any{"id": key, "key": key, "doc": doc})
		}
		json.NewEncoder(w).Encode(map[string]any{"rows": rows})
	})
	mux.HandleFunc("GET /data-demo/att-1/att-1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("not really a jpeg"))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestExportCommandEndToEnd(t *testing.T) {
	srv := notebookServer(t)
	out := t.TempDir()

	cmd := NewRootCommand()
	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{
		"export",
		"--url", srv.URL,
		"--project", "demo",
		"--out", out,
		"--timezone", "UTC",
		"--format", "json",
	})

	require.NoError(t, cmd.Execute())

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)

	data, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var report ExportReport
	require.NoError(t, json.Unmarshal(data, &report))
	assert.Equal(t, 2, report.Records)
	assert.Equal(t, 1, report.Forms)
	assert.Equal(t, 1, report.Layers)

	root := report.Root
	assert.Equal(t, filepath.Dir(root), out)

	// Tabular renditions.
	csvPath := filepath.Join(root, "Survey-Unit", "Survey-Unit.csv")
	file, err := os.Open(csvPath)
	require.NoError(t, err)
	defer file.Close()
	rows, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3, "header plus two records")

	header := rows[0]
	assert.Equal(t, "identifier", header[0])
	assert.Contains(t, header, "Notes")
	assert.Contains(t, header, "Notes.annotation")
	assert.Contains(t, header, "Location.wkt")
	assert.Contains(t, header, "Photo.attached_files")

	byID := map[string][]string{rows[1][0]: rows[1], rows[2][0]: rows[2]}
	require.Contains(t, byID, "Site A")
	require.Contains(t, byID, "Site B")

	// Geospatial renditions.
	for _, rel := range []string{
		filepath.Join("Survey-Unit", "Survey-Unit-Location.geojson"),
		filepath.Join("Survey-Unit", "Survey-Unit-Location.kml"),
		"Demo-Survey.gpkg",
	} {
		_, err := os.Stat(filepath.Join(root, rel))
		assert.NoError(t, err, rel)
	}

	// Extracted attachment.
	attachment, err := os.ReadFile(filepath.Join(
		root, "Survey-Unit", "Photo", "Site-A.Photo.1.jpg"))
	require.NoError(t, err)
	assert.Equal(t, []byte("not really a jpeg"), attachment)
}

func TestExportCommandUnknownProject(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /projects/ghost", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"name": ""})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"export", "--url", srv.URL, "--project", "ghost", "--out", t.TempDir()})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestExportCommandMissingFlags(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"export"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
