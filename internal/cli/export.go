package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldtrip/internal/conflate"
	"github.com/roach88/fieldtrip/internal/couch"
	"github.com/roach88/fieldtrip/internal/export"
	"github.com/roach88/fieldtrip/internal/gpkg"
	"github.com/roach88/fieldtrip/internal/slug"
)

// ExportOptions holds flags for the export command.
type ExportOptions struct {
	*RootOptions
	URL            string
	Project        string
	User           string
	Token          string
	Bearer         string
	Config         string
	Out            string
	Timezone       string
	IncludeDeleted bool
	NoAttachments  bool
	NoGeoPackage   bool
}

// ExportReport is the JSON payload of a successful export.
type ExportReport struct {
	Root           string `json:"root"`
	Records        int    `json:"records"`
	Forms          int    `json:"forms"`
	Layers         int    `json:"layers"`
	SkippedRecords int    `json:"skipped_records,omitempty"`
	DroppedFields  int    `json:"dropped_fields,omitempty"`
	DeletedSkipped int    `json:"deleted_skipped,omitempty"`
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a notebook's records, attachments and geometries",
		Long: `Reconstruct every record of a notebook from its revision history and write
the result under <out>/Export+<date>+<notebook>/.

Each form gets a directory holding its CSV, JSON and XLSX tables plus one
GeoJSON and KML layer per geometry field; a notebook-wide GeoPackage lands
at the root. Attachments are extracted next to their form's tables.

Connection settings come from flags or a YAML profile (--config); flags win
when both are given.

Example:
  fieldtrip export --url https://db.example.org --project demo --user u --token t
  fieldtrip export --config ~/.fieldtrip.yaml --out ./exports --include-deleted`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.URL, "url", "", "CouchDB base URL")
	cmd.Flags().StringVar(&opts.Project, "project", "", "notebook (project) identifier")
	cmd.Flags().StringVar(&opts.User, "user", "", "basic auth user")
	cmd.Flags().StringVar(&opts.Token, "token", "", "basic auth token or password")
	cmd.Flags().StringVar(&opts.Bearer, "bearer", "", "bearer token (overrides basic auth)")
	cmd.Flags().StringVar(&opts.Config, "config", "", "path to YAML connection profile")
	cmd.Flags().StringVar(&opts.Out, "out", ".", "parent directory for the export root")
	cmd.Flags().StringVar(&opts.Timezone, "timezone", "", "IANA timezone for geometry timestamps (default local)")
	cmd.Flags().BoolVar(&opts.IncludeDeleted, "include-deleted", false, "keep soft-deleted records, flagged in a metadata.deleted column")
	cmd.Flags().BoolVar(&opts.NoAttachments, "no-attachments", false, "skip downloading and extracting attachments")
	cmd.Flags().BoolVar(&opts.NoGeoPackage, "no-geopackage", false, "skip writing the notebook GeoPackage")

	return cmd
}

func runExport(ctx context.Context, opts *ExportOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:  opts.Format,
		Writer:  cmd.OutOrStdout(),
		Verbose: opts.Verbose,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	profile, err := resolveProfile(opts)
	if err != nil {
		formatter.Error("E001", err.Error(), nil)
		return WrapExitError(ExitCommandError, "configuration", err)
	}

	location := time.Local
	if profile.Timezone != "" {
		location, err = time.LoadLocation(profile.Timezone)
		if err != nil {
			formatter.Error("E001", fmt.Sprintf("unknown timezone %q", profile.Timezone), nil)
			return WrapExitError(ExitCommandError, "configuration", err)
		}
	}

	run, client, err := connect(ctx, profile, conflate.Options{
		IncludeDeleted:   opts.IncludeDeleted,
		FetchAttachments: !opts.NoAttachments,
		Location:         location,
	})
	if err != nil {
		formatter.Error("E002", err.Error(), nil)
		return WrapExitError(ExitCommandError, "connect", err)
	}

	slog.Info("starting export", "notebook", client.ProjectName(), "url", profile.URL)

	result, err := run.Reconstruct(ctx)
	if err != nil {
		formatter.Error("E003", err.Error(), nil)
		return WrapExitError(ExitFailure, "reconstruction", err)
	}

	writer, err := export.NewWriter(export.Options{
		Dir:     opts.Out,
		Project: client.ProjectName(),
	})
	if err != nil {
		formatter.Error("E004", err.Error(), nil)
		return WrapExitError(ExitCommandError, "export destination", err)
	}

	var sink conflate.AttachmentSink
	if !opts.NoAttachments {
		sink = writer.Sink()
	}
	flat, err := run.Flatten(result, sink)
	if err != nil {
		formatter.Error("E003", err.Error(), nil)
		return WrapExitError(ExitFailure, "flatten", err)
	}

	if err := writer.WriteAll(flat); err != nil {
		formatter.Error("E004", err.Error(), nil)
		return WrapExitError(ExitFailure, "write export", err)
	}

	if !opts.NoGeoPackage && len(flat.Shapes) > 0 {
		if err := writeGeoPackage(writer.Root(), client.ProjectName(), flat); err != nil {
			formatter.Error("E004", err.Error(), nil)
			return WrapExitError(ExitFailure, "write geopackage", err)
		}
	}

	report := ExportReport{
		Root:           writer.Root(),
		Records:        result.Summary.Records,
		Forms:          len(flat.Tables),
		Layers:         len(flat.Shapes),
		SkippedRecords: len(result.Summary.Skipped),
		DroppedFields:  len(result.Summary.Dropped),
		DeletedSkipped: result.Summary.DeletedSkipped,
	}

	var text strings.Builder
	fmt.Fprintf(&text, "exported %d records across %d forms to %s\n",
		report.Records, report.Forms, report.Root)
	result.Summary.Report(&text)
	return formatter.SuccessText(strings.TrimRight(text.String(), "\n"), report)
}

// resolveProfile folds the profile file and flags into one settings set.
func resolveProfile(opts *ExportOptions) (*Profile, error) {
	profile := &Profile{}
	if opts.Config != "" {
		loaded, err := LoadProfile(opts.Config)
		if err != nil {
			return nil, err
		}
		profile = loaded
	}
	profile.merge(opts.URL, opts.Project, opts.User, opts.Token, opts.Bearer, opts.Timezone)

	if profile.URL == "" {
		return nil, fmt.Errorf("no CouchDB URL: pass --url or set url in the profile")
	}
	if profile.Project == "" {
		return nil, fmt.Errorf("no notebook: pass --project or set project in the profile")
	}
	return profile, nil
}

// connect builds the CouchDB client, fetches the notebook's form schema and
// prepares a reconstruction run against it.
func connect(ctx context.Context, profile *Profile, opts conflate.Options) (*conflate.Run, *couch.Client, error) {
	resolver, client, err := connectResolver(ctx, profile)
	if err != nil {
		return nil, nil, err
	}
	return conflate.NewRun(client, resolver, opts), client, nil
}

func writeGeoPackage(root, project string, flat *conflate.Flattened) error {
	path := filepath.Join(root, slug.Make(project)+".gpkg")
	file, err := gpkg.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := file.WriteLayers(flat.Shapes); err != nil {
		return err
	}
	slog.Info("wrote geopackage", "path", path, "layers", len(flat.Shapes))
	return file.Close()
}
