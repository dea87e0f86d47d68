package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"cuelang.org/go/cue/token"
	"github.com/spf13/cobra"

	"github.com/roach88/truthlayer/internal/compiler"
	"github.com/roach88/truthlayer/internal/engine"
	"github.com/roach88/truthlayer/internal/ir"
)

// NewSchemaCommand creates the schema command group.
func NewSchemaCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Validate, register and inspect entity schemas",
		Long: `Entity schemas are written in CUE. A file may declare several:

  schema: company: {
      fields: {
          name: {type: "string", required: true}
          hq:   string
      }
      identity: name: ["trim", "lowercase"]
  }

Schemas registered with --owner are private to that owner and shadow the
global version of the same type. Global schemas require --global.`,
	}

	cmd.AddCommand(newSchemaValidateCommand(rootOpts))
	cmd.AddCommand(newSchemaRegisterCommand(rootOpts))
	cmd.AddCommand(newSchemaListCommand(rootOpts))
	cmd.AddCommand(newSchemaActivateCommand(rootOpts))

	return cmd
}

// ValidationResult holds schema validation results.
type ValidationResult struct {
	Valid    bool                    `json:"valid"`
	Schemas  []string                `json:"schemas,omitempty"`
	Errors   []ValidationIssue       `json:"errors,omitempty"`
	Warnings []compiler.CycleWarning `json:"warnings,omitempty"`
}

// ValidationIssue is one schema error with its source position.
type ValidationIssue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
}

func newSchemaValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file|dir>",
		Short: "Check schema files without registering them",
		Long: `Compile every CUE schema file and report all errors.

Extraction rules that reach each other in a cycle are reported as warnings.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSchemaValidate(rootOpts, args[0], cmd)
		},
	}
}

func runSchemaValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	loadResult, loadErrors := LoadSchemas(path, LoadModeCollectAll)
	if loadResult == nil {
		return outputLoadError(formatter, loadErrors[0])
	}
	formatter.VerboseLog("Found %d CUE file(s) in %s", loadResult.FileCount, path)

	result := ValidationResult{
		Valid:    len(loadErrors) == 0,
		Warnings: compiler.AnalyzeExtraction(loadResult.Definitions),
	}
	for _, def := range loadResult.Definitions {
		result.Schemas = append(result.Schemas, def.EntityType)
	}
	for _, err := range loadErrors {
		result.Errors = append(result.Errors, toValidationIssue(err))
	}

	if !result.Valid {
		return outputValidationErrors(formatter, result)
	}

	return formatter.Result(result, func(w io.Writer) {
		fmt.Fprintf(w, "✓ %d schema(s) valid\n", len(result.Schemas))
		for _, warn := range result.Warnings {
			fmt.Fprintf(w, "  %s: %s\n", warn.Level, warn.Message)
		}
	})
}

func toValidationIssue(err error) ValidationIssue {
	var loadErr *LoadError
	if !errors.As(err, &loadErr) {
		return ValidationIssue{Code: ErrCodeGeneric, Message: err.Error()}
	}
	issue := ValidationIssue{Code: loadErr.Code, Message: loadErr.Message}
	if loadErr.Pos.IsValid() {
		issue.File = loadErr.Pos.Filename()
	}
	issue.Line = lineOf(loadErr.Pos)
	return issue
}

// outputLoadError reports a path that could not be loaded at all.
func outputLoadError(formatter *OutputFormatter, err error) error {
	issue := toValidationIssue(err)
	_ = formatter.Error(issue.Code, issue.Message, nil)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", issue.Code, issue.Message))
}

// outputValidationErrors outputs every validation error.
func outputValidationErrors(formatter *OutputFormatter, result ValidationResult) error {
	errs := result.Errors
	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data:   result,
			Error: &CLIError{
				Code:    errs[0].Code,
				Message: errs[0].Message,
			},
		}

		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)

	for _, err := range errs {
		if err.Line > 0 {
			fmt.Fprintf(formatter.Writer, "%s:%d\n", err.File, err.Line)
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s\n\n", err.Code, err.Message)
	}

	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
}

func newSchemaRegisterCommand(rootOpts *RootOptions) *cobra.Command {
	var global bool

	cmd := &cobra.Command{
		Use:   "register <file|dir>",
		Short: "Register schemas as the active version of their type",
		Long: `Compile and register every schema at the path.

Registering a definition identical to the active version is a no-op.
Raw fragments the new version declares are promoted to observations.

Examples:
  truthlayer schema register --global schemas/
  truthlayer schema register --owner alice schemas/contact.cue`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSchemaRegister(rootOpts, args[0], global, cmd)
		},
	}

	cmd.Flags().BoolVar(&global, "global", false, "register into the global scope")

	return cmd
}

func runSchemaRegister(opts *RootOptions, path string, global bool, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	loadResult, loadErrors := LoadSchemas(path, LoadModeFailFast)
	if len(loadErrors) > 0 {
		return outputLoadError(formatter, loadErrors[0])
	}

	return withApp(opts, cmd, func(app *App, f *OutputFormatter) error {
		results := make([]engine.SchemaResult, 0, len(loadResult.Definitions))
		for _, def := range loadResult.Definitions {
			var res engine.SchemaResult
			var err error
			if global {
				res, err = app.Engine.RegisterGlobalSchema(cmd.Context(), def)
			} else {
				res, err = app.Engine.RegisterSchema(cmd.Context(), opts.Owner, def)
			}
			if err != nil {
				return f.ActionFailed("schema register "+def.EntityType, err)
			}
			f.VerboseLog("Registered %s v%d", res.Schema.EntityType, res.Schema.Version)
			results = append(results, res)
		}
		return f.Result(results, func(w io.Writer) {
			for _, res := range results {
				printSchema(w, res.Schema)
				if res.Promotion.Promoted > 0 {
					fmt.Fprintf(w, "    promoted %d raw fragment(s)\n", res.Promotion.Promoted)
				}
			}
		})
	})
}

func newSchemaListCommand(rootOpts *RootOptions) *cobra.Command {
	var entityType string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List schema versions visible to the owner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(app *App, f *OutputFormatter) error {
				schemas, err := app.Engine.ListSchemas(cmd.Context(), rootOpts.Owner, entityType)
				if err != nil {
					return f.ActionFailed("schema list", err)
				}
				return f.Result(schemas, func(w io.Writer) {
					fmt.Fprintf(w, "%d schema version(s)\n", len(schemas))
					for _, s := range schemas {
						printSchema(w, s)
					}
				})
			})
		},
	}

	cmd.Flags().StringVar(&entityType, "type", "", "filter by entity type")

	return cmd
}

func newSchemaActivateCommand(rootOpts *RootOptions) *cobra.Command {
	var global bool

	cmd := &cobra.Command{
		Use:   "activate <entity-type> <version>",
		Short: "Make an earlier schema version active again",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.Atoi(args[1])
			if err != nil || version < 1 {
				f := newFormatter(rootOpts, cmd)
				_ = f.Error(ErrCodeBadInput, fmt.Sprintf("invalid version %q", args[1]), nil)
				return NewExitError(ExitCommandError, "invalid version")
			}
			return withApp(rootOpts, cmd, func(app *App, f *OutputFormatter) error {
				var res engine.SchemaResult
				if global {
					res, err = app.Engine.ActivateGlobalSchema(cmd.Context(), args[0], version)
				} else {
					res, err = app.Engine.ActivateSchema(cmd.Context(), rootOpts.Owner, args[0], version)
				}
				if err != nil {
					return f.ActionFailed("schema activate", err)
				}
				return f.Result(res, func(w io.Writer) {
					printSchema(w, res.Schema)
					if res.Promotion.Promoted > 0 {
						fmt.Fprintf(w, "    promoted %d raw fragment(s)\n", res.Promotion.Promoted)
					}
				})
			})
		},
	}

	cmd.Flags().BoolVar(&global, "global", false, "activate a global schema version")

	return cmd
}

func printSchema(w io.Writer, s ir.EntitySchema) {
	scope := s.Scope
	if scope == ir.GlobalScope {
		scope = "global"
	}
	state := ""
	if s.Active {
		state = " (active)"
	}
	fmt.Fprintf(w, "  %s v%d [%s] %d field(s)%s\n", s.EntityType, s.Version, scope, len(s.Fields), state)
}

// lineOf extracts the line number from a CUE position, or 0.
func lineOf(pos token.Pos) int {
	if pos.IsValid() {
		return pos.Line()
	}
	return 0
}
