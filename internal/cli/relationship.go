package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/truthlayer/internal/engine"
)

// NewRelationshipCommand creates the relationship command group.
func NewRelationshipCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "relationship",
		Aliases: []string{"rel"},
		Short:   "Create and inspect typed relationships between entities",
	}

	cmd.AddCommand(newRelationshipCreateCommand(rootOpts))
	cmd.AddCommand(newRelationshipListCommand(rootOpts))
	cmd.AddCommand(newRelationshipSnapshotCommand(rootOpts))
	cmd.AddCommand(newRelationshipObservationsCommand(rootOpts))

	return cmd
}

// RelationshipCreateOptions holds flags for relationship create.
type RelationshipCreateOptions struct {
	*RootOptions
	Type   string
	Field  map[string]string
	Fields string
}

func newRelationshipCreateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RelationshipCreateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "create <source-entity-id> <target-entity-id>",
		Short: "Record a relationship observation",
		Long: `Record a typed relationship from source to target.

Edge fields come from --fields (a JSON object) and --field key=value pairs;
--field values are parsed like correct --value and win over --fields.

Examples:
  truthlayer relationship create ent_a ent_b --owner alice --type works_at
  truthlayer relationship create ent_a ent_b --owner alice --type works_at --field role=CTO`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelationshipCreate(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Type, "type", "", "relationship type (required)")
	cmd.Flags().StringToStringVar(&opts.Field, "field", nil, "edge field as key=value (repeatable)")
	cmd.Flags().StringVar(&opts.Fields, "fields", "", "edge fields as a JSON object")
	_ = cmd.MarkFlagRequired("type")

	return cmd
}

func runRelationshipCreate(opts *RelationshipCreateOptions, source, target string, cmd *cobra.Command) error {
	fields, err := relationshipFields(opts.Fields, opts.Field)
	if err != nil {
		f := newFormatter(opts.RootOptions, cmd)
		_ = f.Error(ErrCodeBadInput, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid --fields", err)
	}

	return withApp(opts.RootOptions, cmd, func(app *App, f *OutputFormatter) error {
		res, err := app.Engine.CreateRelationship(cmd.Context(), engine.RelationshipRequest{
			OwnerID:          opts.Owner,
			RelationshipType: opts.Type,
			SourceEntityID:   source,
			TargetEntityID:   target,
			Fields:           fields,
		})
		if err != nil {
			return f.ActionFailed("relationship create", err)
		}
		return f.Result(res, func(w io.Writer) {
			s := res.Snapshot
			fmt.Fprintf(w, "%s %s -> %s (%d observations)\n", s.RelationshipType, s.SourceEntityID, s.TargetEntityID, s.ObservationCount)
			fmt.Fprintf(w, "  key: %s\n", s.RelationshipKey)
			printFields(w, s.Fields, s.Provenance)
		})
	})
}

// relationshipFields merges the --fields object with --field pairs.
func relationshipFields(raw string, pairs map[string]string) (map[string]any, error) {
	fields := map[string]any{}
	if raw != "" {
		dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
		dec.UseNumber()
		if err := dec.Decode(&fields); err != nil {
			return nil, fmt.Errorf("--fields must be a JSON object: %w", err)
		}
	}
	for _, k := range slices.Sorted(maps.Keys(pairs)) {
		fields[k] = parseValue(pairs[k], false)
	}
	return fields, nil
}

// RelationshipListOptions holds flags for relationship list.
type RelationshipListOptions struct {
	*RootOptions
	EntityID      string
	Type          string
	IncludeMerged bool
}

func newRelationshipListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RelationshipListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List relationships",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts.RootOptions, cmd, func(app *App, f *OutputFormatter) error {
				rels, err := app.Engine.ListRelationships(cmd.Context(), opts.Owner, engine.RelationshipFilter{
					EntityID:         opts.EntityID,
					RelationshipType: opts.Type,
					IncludeMerged:    opts.IncludeMerged,
				})
				if err != nil {
					return f.ActionFailed("relationship list", err)
				}
				return f.Result(rels, func(w io.Writer) {
					fmt.Fprintf(w, "%d relationship(s)\n", len(rels))
					for _, r := range rels {
						line := fmt.Sprintf("  %s %s -> %s [%s]", r.RelationshipType, r.SourceEntityID, r.TargetEntityID, truncateID(r.Key))
						if r.Merged() {
							line += " merged into " + truncateID(r.MergedToKey)
						}
						fmt.Fprintln(w, line)
					}
				})
			})
		},
	}

	cmd.Flags().StringVar(&opts.EntityID, "entity", "", "only relationships touching this entity")
	cmd.Flags().StringVar(&opts.Type, "type", "", "filter by relationship type")
	cmd.Flags().BoolVar(&opts.IncludeMerged, "include-merged", false, "include merged-away relationships")

	return cmd
}

func newRelationshipSnapshotCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot <relationship-key>",
		Short: "Show a relationship's current snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(app *App, f *OutputFormatter) error {
				view, err := app.Engine.RetrieveRelationshipSnapshot(cmd.Context(), rootOpts.Owner, args[0])
				if err != nil {
					return f.ActionFailed("relationship snapshot", err)
				}
				return f.Result(view, func(w io.Writer) {
					s := view.Snapshot
					fmt.Fprintf(w, "%s %s -> %s (%d observations)\n", s.RelationshipType, s.SourceEntityID, s.TargetEntityID, s.ObservationCount)
					if view.RedirectedFrom != "" {
						fmt.Fprintf(w, "  merged from %s\n", view.RedirectedFrom)
					}
					printFields(w, s.Fields, s.Provenance)
				})
			})
		},
	}
}

func newRelationshipObservationsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "observations <relationship-key>",
		Short: "List a relationship's observations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(app *App, f *OutputFormatter) error {
				obs, err := app.Engine.ListRelationshipObservations(cmd.Context(), rootOpts.Owner, args[0])
				if err != nil {
					return f.ActionFailed("relationship observations", err)
				}
				return f.Result(obs, func(w io.Writer) {
					fmt.Fprintf(w, "%d observation(s)\n", len(obs))
					for _, o := range obs {
						fmt.Fprintf(w, "  %s priority=%d source=%s\n", o.ID, o.Priority, o.SourceID)
						printFields(w, o.Fields, nil)
					}
				})
			})
		},
	}
}
