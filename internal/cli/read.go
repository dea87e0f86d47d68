package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/truthlayer/internal/engine"
	"github.com/roach88/truthlayer/internal/ir"
)

// NewSnapshotCommand creates the snapshot command.
func NewSnapshotCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot <entity-id>",
		Short: "Show an entity's current snapshot",
		Long: `Show an entity's current snapshot with field provenance.

A merged-away id resolves to the entity it was merged into.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(app *App, f *OutputFormatter) error {
				view, err := app.Engine.RetrieveEntitySnapshot(cmd.Context(), rootOpts.Owner, args[0])
				if err != nil {
					return f.ActionFailed("snapshot", err)
				}
				return f.Result(view, func(w io.Writer) {
					s := view.Snapshot
					fmt.Fprintf(w, "%s %s (schema v%d, %d observations)\n", s.EntityType, s.EntityID, s.SchemaVersion, s.ObservationCount)
					if view.RedirectedFrom != "" {
						fmt.Fprintf(w, "  merged from %s\n", view.RedirectedFrom)
					}
					printFields(w, s.Fields, s.Provenance)
				})
			})
		},
	}
	return cmd
}

// NewObservationsCommand creates the observations command.
func NewObservationsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "observations <entity-id>",
		Short: "List an entity's observations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(app *App, f *OutputFormatter) error {
				obs, err := app.Engine.ListObservations(cmd.Context(), rootOpts.Owner, args[0])
				if err != nil {
					return f.ActionFailed("observations", err)
				}
				return f.Result(obs, func(w io.Writer) {
					fmt.Fprintf(w, "%d observation(s)\n", len(obs))
					for _, o := range obs {
						fmt.Fprintf(w, "  %s priority=%d observed=%s source=%s\n",
							o.ID, o.Priority, o.ObservedAt.Format("2006-01-02T15:04:05.000000Z07:00"), o.SourceID)
						printFields(w, o.Fields, nil)
					}
				})
			})
		},
	}
	return cmd
}

// EntitiesOptions holds flags for the entities command.
type EntitiesOptions struct {
	*RootOptions
	EntityType    string
	IncludeMerged bool
	Limit         int
}

// NewEntitiesCommand creates the entities command.
func NewEntitiesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EntitiesOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "entities",
		Short: "List entities",
		Long: `List the owner's entities. Merged-away entities are hidden unless
--include-merged is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts.RootOptions, cmd, func(app *App, f *OutputFormatter) error {
				ents, err := app.Engine.ListEntities(cmd.Context(), opts.Owner, engine.EntityFilter{
					EntityType:    opts.EntityType,
					IncludeMerged: opts.IncludeMerged,
					Limit:         opts.Limit,
				})
				if err != nil {
					return f.ActionFailed("entities", err)
				}
				return f.Result(ents, func(w io.Writer) {
					fmt.Fprintf(w, "%d entit(ies)\n", len(ents))
					for _, e := range ents {
						line := fmt.Sprintf("  %s %s %q", e.ID, e.EntityType, e.CanonicalKey)
						if e.Merged() {
							line += " -> " + e.MergedToEntityID
						}
						fmt.Fprintln(w, line)
					}
				})
			})
		},
	}

	cmd.Flags().StringVar(&opts.EntityType, "type", "", "filter by entity type")
	cmd.Flags().BoolVar(&opts.IncludeMerged, "include-merged", false, "include merged-away entities")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of entities (0 = all)")

	return cmd
}

// NewFragmentsCommand creates the fragments command.
func NewFragmentsCommand(rootOpts *RootOptions) *cobra.Command {
	var entityType string

	cmd := &cobra.Command{
		Use:   "fragments",
		Short: "List raw fragments no schema covers yet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(app *App, f *OutputFormatter) error {
				frags, err := app.Engine.ListRawFragments(cmd.Context(), rootOpts.Owner, entityType)
				if err != nil {
					return f.ActionFailed("fragments", err)
				}
				return f.Result(frags, func(w io.Writer) {
					fmt.Fprintf(w, "%d raw fragment(s)\n", len(frags))
					for _, fr := range frags {
						fmt.Fprintf(w, "  %s %s.%s = %s (%s)\n", fr.ID, fr.EntityType, fr.FieldName, string(fr.Value), fr.Reason)
					}
				})
			})
		},
	}

	cmd.Flags().StringVar(&entityType, "type", "", "filter by entity type")

	return cmd
}

// NewQuotaCommand creates the quota command.
func NewQuotaCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quota",
		Short: "Show this month's interpretation usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(app *App, f *OutputFormatter) error {
				q, err := app.Engine.Quota(cmd.Context(), rootOpts.Owner)
				if err != nil {
					return f.ActionFailed("quota", err)
				}
				return f.Result(q, func(w io.Writer) {
					if q.Limit <= 0 {
						fmt.Fprintf(w, "%s: %d used (unlimited)\n", q.Period, q.Used)
						return
					}
					fmt.Fprintf(w, "%s: %d of %d used, %d remaining\n", q.Period, q.Used, q.Limit, q.Remaining())
				})
			})
		},
	}
	return cmd
}

// printFields prints one field per line in canonical key order, with the
// observation each value came from when provenance is given.
func printFields(w io.Writer, fields ir.IRObject, provenance map[string]string) {
	for _, k := range fields.SortedKeys() {
		data, err := ir.MarshalIRValue(fields[k])
		if err != nil {
			data = []byte(fmt.Sprintf("<%v>", err))
		}
		if obs, ok := provenance[k]; ok {
			fmt.Fprintf(w, "    %s: %s  [%s]\n", k, data, obs)
			continue
		}
		fmt.Fprintf(w, "    %s: %s\n", k, data)
	}
}
