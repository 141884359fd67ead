package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldtrip/internal/couch"
	"github.com/roach88/fieldtrip/internal/schema"
)

// FormsOptions holds flags for the forms command.
type FormsOptions struct {
	*RootOptions
	URL     string
	Project string
	User    string
	Token   string
	Bearer  string
	Config  string
}

// FormsReport is the JSON payload of the forms command.
type FormsReport struct {
	Notebook string             `json:"notebook"`
	Forms    []FormDescription  `json:"forms"`
	Fields   []schema.FieldInfo `json:"fields"`
}

// FormDescription names one form of a notebook.
type FormDescription struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// NewFormsCommand creates the forms command.
func NewFormsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FormsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "forms",
		Short: "List a notebook's forms and fields",
		Long: `Fetch the notebook's form schema and list its forms and resolvable fields,
including the synthetic annotation and uncertainty entries. Useful for
checking what columns an export will produce before running one.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runForms(cmd.Context(), opts, cmd)
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

func runForms(ctx context.Context, opts *FormsOptions, cmd *cobra.Command) error {
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

	resolver, client, err := connectResolver(ctx, profile)
	if err != nil {
		formatter.Error("E002", err.Error(), nil)
		return WrapExitError(ExitCommandError, "connect", err)
	}

	report := FormsReport{
		Notebook: client.ProjectName(),
		Fields:   resolver.Fields(),
	}
	for id, label := range resolver.FormNames() {
		report.Forms = append(report.Forms, FormDescription{ID: id, Label: label})
	}
	sort.Slice(report.Forms, func(i, j int) bool { return report.Forms[i].ID < report.Forms[j].ID })

	var text strings.Builder
	fmt.Fprintf(&text, "notebook: %s\n\nforms:\n", report.Notebook)
	for _, form := range report.Forms {
		fmt.Fprintf(&text, "  %s  (%s)\n", form.Label, form.ID)
	}
	fmt.Fprintf(&text, "\nfields (%d):\n", len(report.Fields))
	for _, field := range report.Fields {
		marker := ""
		if field.Identifier {
			marker = "  [identifier]"
		}
		fmt.Fprintf(&text, "  %-40s %-30s %s%s\n", field.Label, field.ID, field.Type, marker)
	}
	return formatter.SuccessText(strings.TrimRight(text.String(), "\n"), report)
}

// connectResolver builds a client and parses the notebook schema, without
// preparing a full reconstruction run.
func connectResolver(ctx context.Context, profile *Profile) (*schema.Resolver, *couch.Client, error) {
	var couchOpts []couch.Option
	if profile.Bearer != "" {
		couchOpts = append(couchOpts, couch.WithBearerToken(profile.Bearer))
	} else if profile.User != "" {
		couchOpts = append(couchOpts, couch.WithBasicAuth(profile.User, profile.Token))
	}

	client, err := couch.NewClient(ctx, profile.URL, profile.Project, couchOpts...)
	if err != nil {
		return nil, nil, err
	}
	uiSpec, err := client.UISpec(ctx)
	if err != nil {
		return nil, nil, err
	}
	resolver, err := schema.Parse(uiSpec)
	if err != nil {
		return nil, nil, err
	}
	return resolver, client, nil
}
