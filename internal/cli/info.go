package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldtrip/internal/couch"
)

// InfoOptions holds flags for the info command.
type InfoOptions struct {
	*RootOptions
	URL     string
	Project string
	User    string
	Token   string
	Bearer  string
	Config  string
}

// InfoReport is the JSON payload of the info command.
type InfoReport struct {
	Notebook    string         `json:"notebook"`
	Metadata    map[string]any `json:"metadata"`
	Attachments []string       `json:"attachments,omitempty"`
}

// NewInfoCommand creates the info command.
func NewInfoCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InfoOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show a notebook's project metadata",
		Long: `Fetch the notebook's project metadata document set: the lead, description,
project status and any other values the notebook designer recorded, plus the
names of metadata attachments.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInfo(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.URL, "url", "", "CouchDB base URL")
	cmd.Flags().StringVar(&opts.Project, "project", "", "notebook (project) identifier")
	cmd.Flags().StringVar(&opts.User, "user", "", "basic auth user")
	cmd.Flags().StringVar(&opts.Token, "token", "", "basic auth token or password")
	cmd.Flags().StringVar(&opts.Bearer, "bearer", "", "bearer token (overrides basic auth)")
	cmd.Flags().StringVar(&opts.Config, "config", "", "path to YAML connection profile")

	return cmd
}

func runInfo(ctx context.Context, opts *InfoOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:  opts.Format,
		Writer:  cmd.OutOrStdout(),
		Verbose: opts.Verbose,
	}

	profile, err := resolveProfile(&ExportOptions{
		RootOptions: opts.RootOptions,
		URL:         opts.URL, Project: opts.Project,
		User: opts.User, Token: opts.Token, Bearer: opts.Bearer,
		Config: opts.Config,
	})
	if err != nil {
		formatter.Error("E001", err.Error(), nil)
		return WrapExitError(ExitCommandError, "configuration", err)
	}

	var couchOpts []couch.Option
	if profile.Bearer != "" {
		couchOpts = append(couchOpts, couch.WithBearerToken(profile.Bearer))
	} else if profile.User != "" {
		couchOpts = append(couchOpts, couch.WithBasicAuth(profile.User, profile.Token))
	}
	client, err := couch.NewClient(ctx, profile.URL, profile.Project, couchOpts...)
	if err != nil {
		formatter.Error("E002", err.Error(), nil)
		return WrapExitError(ExitCommandError, "connect", err)
	}

	metadata, err := client.FetchProjectMetadata(ctx)
	if err != nil {
		formatter.Error("E002", err.Error(), nil)
		return WrapExitError(ExitFailure, "fetch metadata", err)
	}

	report := InfoReport{
		Notebook: client.ProjectName(),
		Metadata: metadata.Values,
	}
	for name := range metadata.Attachments {
		report.Attachments = append(report.Attachments, name)
	}
	sort.Strings(report.Attachments)

	var text strings.Builder
	fmt.Fprintf(&text, "notebook: %s\n", report.Notebook)
	keys := make([]string, 0, len(report.Metadata))
	for k := range report.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&text, "  %s: %v\n", k, report.Metadata[k])
	}
	if len(report.Attachments) > 0 {
		fmt.Fprintf(&text, "attachments: %s\n", strings.Join(report.Attachments, ", "))
	}
	return formatter.SuccessText(strings.TrimRight(text.String(), "\n"), report)
}
