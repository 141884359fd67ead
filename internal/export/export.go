// Package export projects flattened records onto the filesystem: one
// directory per form holding tabular renditions (CSV, JSON, XLSX) and one
// geospatial layer per geometry-capturing field (GeoJSON, KML), plus a
// single GeoPackage for the whole notebook. Attachments land next to their
// form's tables under field-named subdirectories.
package export

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/roach88/fieldtrip/internal/conflate"
	"github.com/roach88/fieldtrip/internal/slug"
)

// Options configures an export destination.
type Options struct {
	// Dir is the parent directory the export root is created under.
	Dir string

	// Project names the notebook; it becomes part of the root directory
	// name and the GeoPackage filename.
	Project string

	// Now stamps the root directory name. Zero means time.Now.
	Now time.Time

	Logger *slog.Logger
}

// Writer renders a flattened export into a directory tree rooted at
//
//	<dir>/Export+<date>+<project>/
type Writer struct {
	root string
	log  *slog.Logger
}

// NewWriter creates the export root directory.
func NewWriter(opts Options) (*Writer, error) {
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	name := fmt.Sprintf("Export+%s+%s", opts.Now.Format("2006-01-02"), slug.Make(opts.Project))
	root := filepath.Join(opts.Dir, name)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create export root: %w", err)
	}

	return &Writer{root: root, log: opts.Logger}, nil
}

// Root returns the export root directory path.
func (w *Writer) Root() string {
	return w.root
}

// Sink returns an attachment sink writing below the export root.
func (w *Writer) Sink() conflate.AttachmentSink {
	return &dirSink{root: w.root}
}

// WriteAll renders every projection of the export.
func (w *Writer) WriteAll(flat *conflate.Flattened) error {
	for _, table := range flat.Tables {
		dir, err := w.formDir(table.FormName)
		if err != nil {
			return err
		}
		base := filepath.Join(dir, slug.Make(table.FormName))

		if err := writeCSV(base+".csv", table); err != nil {
			return fmt.Errorf("form %s: %w", table.FormName, err)
		}
		if err := writeJSON(base+".json", table); err != nil {
			return fmt.Errorf("form %s: %w", table.FormName, err)
		}
		if err := writeXLSX(base+".xlsx", table); err != nil {
			return fmt.Errorf("form %s: %w", table.FormName, err)
		}
		w.log.Info("wrote form tables", "form", table.FormName, "rows", len(table.Rows))
	}

	for _, shape := range flat.Shapes {
		dir, err := w.formDir(shape.FormName)
		if err != nil {
			return err
		}
		base := filepath.Join(dir, slug.Make(shape.FormName)+"-"+slug.Make(shape.Field))

		if err := writeGeoJSON(base+".geojson", shape); err != nil {
			return fmt.Errorf("layer %s/%s: %w", shape.FormName, shape.Field, err)
		}
		if err := writeKML(base+".kml", shape); err != nil {
			return fmt.Errorf("layer %s/%s: %w", shape.FormName, shape.Field, err)
		}
		w.log.Info("wrote shape layer",
			"form", shape.FormName, "field", shape.Field, "features", len(shape.Features))
	}

	return nil
}

func (w *Writer) formDir(formName string) (string, error) {
	dir := filepath.Join(w.root, slug.Make(formName))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create form directory: %w", err)
	}
	return dir, nil
}

// dirSink writes attachments under a root directory, creating parents as
// needed. Paths arrive slash-separated from the conflation engine.
type dirSink struct {
	root string
}

func (s *dirSink) Add(dir, filename string, data []byte) error {
	target := filepath.Join(s.root, filepath.FromSlash(dir))
	if err := os.MkdirAll(target, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(target, filename), data, 0o644)
}
