package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/truthlayer/internal/engine"
)

// MergeOptions holds flags for the merge commands.
type MergeOptions struct {
	*RootOptions
	Actor string
}

// NewMergeCommand creates the merge command.
func NewMergeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MergeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "merge <from-entity-id> <to-entity-id>",
		Short: "Merge one entity into another",
		Long: `Merge an entity into another of the same type.

The merged-away entity's observations move to the target, its id keeps
resolving to the target, and it disappears from default listings. Merging
an entity that is already merged is a conflict.

Example:
  truthlayer merge ent_a ent_b --owner alice --actor "dedup review"`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts.RootOptions, cmd, func(app *App, f *OutputFormatter) error {
				res, err := app.Engine.MergeEntities(cmd.Context(), engine.MergeRequest{
					OwnerID: opts.Owner,
					FromID:  args[0],
					ToID:    args[1],
					Actor:   opts.Actor,
				})
				if err != nil {
					return f.ActionFailed("merge", err)
				}
				return f.Result(res, func(w io.Writer) {
					fmt.Fprintf(w, "Merged %s into %s (%d observations moved)\n",
						res.Merge.FromEntityID, res.Merge.ToEntityID, res.Merge.ObservationCountMoved)
					fmt.Fprintf(w, "  merge id: %s\n", res.Merge.ID)
				})
			})
		},
	}

	cmd.Flags().StringVar(&opts.Actor, "actor", "", "who requested the merge (default the owner)")

	return cmd
}

// NewMergeRelationshipsCommand creates the merge-relationships command.
func NewMergeRelationshipsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MergeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "merge-relationships <from-key> <to-key>",
		Short: "Merge one relationship into another",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts.RootOptions, cmd, func(app *App, f *OutputFormatter) error {
				res, err := app.Engine.MergeRelationships(cmd.Context(), engine.MergeRequest{
					OwnerID: opts.Owner,
					FromID:  args[0],
					ToID:    args[1],
					Actor:   opts.Actor,
				})
				if err != nil {
					return f.ActionFailed("merge-relationships", err)
				}
				return f.Result(res, func(w io.Writer) {
					fmt.Fprintf(w, "Merged %s into %s (%d observations moved)\n",
						res.Merge.FromKey, res.Merge.ToKey, res.Merge.ObservationCountMoved)
				})
			})
		},
	}

	cmd.Flags().StringVar(&opts.Actor, "actor", "", "who requested the merge (default the owner)")

	return cmd
}
