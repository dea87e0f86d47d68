package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/truthlayer/internal/engine"
	"github.com/roach88/truthlayer/internal/ingest"
)

// StoreOptions holds flags for the store command.
type StoreOptions struct {
	*RootOptions
	MimeType  string
	Interpret bool
}

// NewStoreCommand creates the store command.
func NewStoreCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StoreOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "store <file|->",
		Short: "Store a raw payload as a Source",
		Long: `Store a raw payload in the content store.

Identical bytes from the same owner deduplicate to the existing Source.
With --interpret the payload is structured by the configured model; a
payload that was already interpreted returns its earlier observations.

Examples:
  truthlayer store --owner alice notes.txt --interpret
  cat memo.md | truthlayer store --owner alice --mime-type text/markdown -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStore(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.MimeType, "mime-type", "", "MIME type (default from the file extension)")
	cmd.Flags().BoolVar(&opts.Interpret, "interpret", false, "interpret the payload with the configured model")

	return cmd
}

func runStore(opts *StoreOptions, path string, cmd *cobra.Command) error {
	data, err := readInput(cmd, path)
	if err != nil {
		return inputError(opts.RootOptions, cmd, path, err)
	}
	mimeType := opts.MimeType
	if mimeType == "" {
		mimeType = guessMimeType(path)
	}

	return withApp(opts.RootOptions, cmd, func(app *App, f *OutputFormatter) error {
		res, err := app.Engine.Store(cmd.Context(), engine.StoreRequest{
			OwnerID:   opts.Owner,
			Data:      data,
			MimeType:  mimeType,
			Interpret: opts.Interpret,
		})
		if err != nil {
			return f.ActionFailed("store", err)
		}
		return f.Result(res, func(w io.Writer) {
			fmt.Fprintf(w, "Source: %s (%s, %d bytes, %s)\n", res.Source.ID, res.Source.MimeType, res.Source.ByteSize, res.Source.StorageStatus)
			if res.Deduplicated {
				fmt.Fprintln(w, "  deduplicated")
			}
			if res.Interpretation != nil {
				fmt.Fprintf(w, "Interpretation: %s (%s)\n", res.Interpretation.ID, res.Interpretation.Status)
			}
			printIngestResult(w, res.Result)
		})
	})
}

// guessMimeType maps a file extension to a MIME type. Stdin and unknown
// extensions are treated as plain text.
func guessMimeType(path string) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return "text/plain"
}

// NewStoreStructuredCommand creates the store-structured command.
func NewStoreStructuredCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store-structured <file|->",
		Short: "Ingest entity payloads without interpretation",
		Long: `Ingest structured entity payloads.

The input is a JSON document {"entities": [{"entity_type": ..., "fields": {...}}]}.
Fields the active schema declares become observations; the rest are kept as
raw fragments until a schema version declares them.

Example:
  truthlayer store-structured --owner alice companies.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStoreStructured(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runStoreStructured(opts *RootOptions, path string, cmd *cobra.Command) error {
	data, err := readInput(cmd, path)
	if err != nil {
		return inputError(opts, cmd, path, err)
	}

	return withApp(opts, cmd, func(app *App, f *OutputFormatter) error {
		entities, err := engine.DecodeEntities(data)
		if err != nil {
			return f.ActionFailed("store-structured", err)
		}
		f.VerboseLog("Decoded %d entity payload(s)", len(entities))

		res, err := app.Engine.StoreStructured(cmd.Context(), opts.Owner, entities)
		if err != nil {
			return f.ActionFailed("store-structured", err)
		}
		return f.Result(res, func(w io.Writer) {
			fmt.Fprintf(w, "Source: %s\n", res.Source.ID)
			if res.Deduplicated {
				fmt.Fprintln(w, "  deduplicated")
			}
			printIngestResult(w, res.Result)
		})
	})
}

// NewReinterpretCommand creates the reinterpret command.
func NewReinterpretCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reinterpret <source-id>",
		Short: "Interpret an existing Source again",
		Long: `Run a new interpretation of a stored Source.

Observations from earlier interpretations are never modified; the new
interpretation adds its own.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(app *App, f *OutputFormatter) error {
				res, err := app.Engine.Reinterpret(cmd.Context(), rootOpts.Owner, args[0])
				if err != nil {
					return f.ActionFailed("reinterpret", err)
				}
				return f.Result(res, func(w io.Writer) {
					fmt.Fprintf(w, "Interpretation: %s (%s)\n", res.Interpretation.ID, res.Interpretation.Status)
					printIngestResult(w, res.Result)
				})
			})
		},
	}
	return cmd
}

// CorrectOptions holds flags for the correct command.
type CorrectOptions struct {
	*RootOptions
	Field  string
	Value  string
	String bool
}

// NewCorrectCommand creates the correct command.
func NewCorrectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CorrectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "correct <entity-id>",
		Short: "Override one field of an entity",
		Long: `Record a correction for one field.

Corrections outrank every structured and interpreted value. --value is
parsed as JSON when it is valid JSON, otherwise taken as a string; --string
always takes it as a string.

Examples:
  truthlayer correct ent_... --owner alice --field hq --value "New York"
  truthlayer correct ent_... --owner alice --field employees --value 125`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCorrect(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Field, "field", "", "field to correct (required)")
	cmd.Flags().StringVar(&opts.Value, "value", "", "corrected value (required)")
	cmd.Flags().BoolVar(&opts.String, "string", false, "take --value literally as a string")
	_ = cmd.MarkFlagRequired("field")
	_ = cmd.MarkFlagRequired("value")

	return cmd
}

func runCorrect(opts *CorrectOptions, entityID string, cmd *cobra.Command) error {
	return withApp(opts.RootOptions, cmd, func(app *App, f *OutputFormatter) error {
		res, err := app.Engine.Correct(cmd.Context(), engine.CorrectRequest{
			OwnerID:  opts.Owner,
			EntityID: entityID,
			Field:    opts.Field,
			Value:    parseValue(opts.Value, opts.String),
		})
		if err != nil {
			return f.ActionFailed("correct", err)
		}
		return f.Result(res, func(w io.Writer) {
			printIngestResult(w, res)
		})
	})
}

// parseValue decodes a flag value as JSON, keeping numbers as json.Number,
// and falls back to the literal string.
func parseValue(s string, literal bool) any {
	if literal {
		return s
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return s
	}
	return v
}

func printIngestResult(w io.Writer, r ingest.Result) {
	fmt.Fprintf(w, "Observations: %d, raw fragments: %d\n", len(r.Observations), len(r.Fragments))
	for _, s := range r.Snapshots {
		fmt.Fprintf(w, "  %s %s (%d observations)\n", s.EntityType, s.EntityID, s.ObservationCount)
	}
	for _, rs := range r.RelationshipSnapshots {
		fmt.Fprintf(w, "  %s %s -> %s\n", rs.RelationshipType, rs.SourceEntityID, rs.TargetEntityID)
	}
	for _, warn := range r.Warnings {
		fmt.Fprintf(w, "  warning: payload %d %s.%s: %s\n", warn.PayloadIndex, warn.EntityType, warn.Field, warn.Message)
	}
}

// inputError reports an unreadable input file as a command error.
func inputError(opts *RootOptions, cmd *cobra.Command, path string, err error) error {
	f := newFormatter(opts, cmd)
	_ = f.Error(ErrCodeBadInput, fmt.Sprintf("cannot read %s: %v", path, err), nil)
	return WrapExitError(ExitCommandError, "cannot read input", err)
}
