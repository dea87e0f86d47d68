package cli

import (
	"fmt"
	"io"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/truthlayer/internal/ir"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Field string // optional - only observations carrying this field
}

// HistoryEvent is one observation in an entity's timeline.
type HistoryEvent struct {
	Seq              int            `json:"seq"`
	ObservationID    string         `json:"observation_id"`
	ObservedAt       time.Time      `json:"observed_at"`
	Priority         int64          `json:"priority"`
	SourceID         string         `json:"source_id"`
	InterpretationID string         `json:"interpretation_id,omitempty"`
	OriginalEntityID string         `json:"original_entity_id,omitempty"` // set when a merge moved it here
	Fields           map[string]any `json:"fields"`
}

// FieldProvenance names the observation a snapshot field came from.
type FieldProvenance struct {
	Field         string `json:"field"`
	ObservationID string `json:"observation_id"`
	Priority      int64  `json:"priority"`
}

// HistoryResult holds the complete history output.
type HistoryResult struct {
	EntityID   string            `json:"entity_id"`
	EntityType string            `json:"entity_type"`
	Timeline   []HistoryEvent    `json:"timeline"`
	Provenance []FieldProvenance `json:"provenance"`
	Merges     []ir.EntityMerge  `json:"merges"`
	Stats      HistoryStats      `json:"stats"`
}

// HistoryStats holds summary statistics for the history.
type HistoryStats struct {
	Observations    int `json:"observations"`
	Sources         int `json:"sources"`
	Interpretations int `json:"interpretations"`
	Corrections     int `json:"corrections"`
	Merged          int `json:"merged"` // observations moved in by merges
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history <entity-id>",
		Short: "Show how an entity's snapshot came to be",
		Long: `Show an entity's observations in the order they were observed, which
observation each snapshot field came from, and the merges it absorbed.

Examples:
  truthlayer history ent_... --owner alice
  truthlayer history ent_... --owner alice --field hq --verbose`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Field, "field", "", "only observations carrying this field")

	return cmd
}

func runHistory(opts *HistoryOptions, entityID string, cmd *cobra.Command) error {
	return withApp(opts.RootOptions, cmd, func(app *App, f *OutputFormatter) error {
		ctx := cmd.Context()
		hist, err := app.Engine.EntityHistory(ctx, opts.Owner, entityID)
		if err != nil {
			return f.ActionFailed("history", err)
		}
		merges, err := app.Engine.ListEntityMerges(ctx, opts.Owner)
		if err != nil {
			return f.ActionFailed("history", err)
		}

		result := HistoryResult{
			EntityID:   hist.Entity.ID,
			EntityType: hist.Entity.EntityType,
			Timeline:   buildTimeline(hist.Observations, opts.Field),
			Provenance: []FieldProvenance{},
			Merges:     []ir.EntityMerge{},
			Stats:      historyStats(hist.Observations),
		}
		if hist.Snapshot != nil {
			result.Provenance = buildProvenance(*hist.Snapshot, hist.Observations)
		}
		for _, m := range merges {
			if m.ToEntityID == hist.Entity.ID || m.FromEntityID == hist.Entity.ID {
				result.Merges = append(result.Merges, m)
			}
		}

		return f.Result(result, func(w io.Writer) {
			outputHistoryText(w, result, opts.Verbose)
		})
	})
}

// buildTimeline orders observations by observed_at, then id. When
// fieldFilter is set, only observations carrying that field are kept.
func buildTimeline(obs []ir.Observation, fieldFilter string) []HistoryEvent {
	sorted := slices.Clone(obs)
	slices.SortFunc(sorted, func(a, b ir.Observation) int {
		if c := a.ObservedAt.Compare(b.ObservedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})

	timeline := []HistoryEvent{}
	for _, o := range sorted {
		if fieldFilter != "" {
			if _, ok := o.Fields[fieldFilter]; !ok {
				continue
			}
		}
		event := HistoryEvent{
			Seq:              len(timeline) + 1,
			ObservationID:    o.ID,
			ObservedAt:       o.ObservedAt,
			Priority:         o.Priority,
			SourceID:         o.SourceID,
			InterpretationID: o.InterpretationID,
			Fields:           irObjectToMap(o.Fields),
		}
		if o.OriginalEntityID != o.EntityID {
			event.OriginalEntityID = o.OriginalEntityID
		}
		timeline = append(timeline, event)
	}
	return timeline
}

// buildProvenance lists snapshot fields in sorted order with the priority of
// the observation that supplied each.
func buildProvenance(snap ir.EntitySnapshot, obs []ir.Observation) []FieldProvenance {
	priority := make(map[string]int64, len(obs))
	for _, o := range obs {
		priority[o.ID] = o.Priority
	}
	fields := make([]string, 0, len(snap.Provenance))
	for k := range snap.Provenance {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	edges := make([]FieldProvenance, 0, len(fields))
	for _, k := range fields {
		id := snap.Provenance[k]
		edges = append(edges, FieldProvenance{Field: k, ObservationID: id, Priority: priority[id]})
	}
	return edges
}

func historyStats(obs []ir.Observation) HistoryStats {
	sources := make(map[string]bool)
	interpretations := make(map[string]bool)
	stats := HistoryStats{Observations: len(obs)}
	for _, o := range obs {
		sources[o.SourceID] = true
		if o.InterpretationID != "" {
			interpretations[o.InterpretationID] = true
		}
		if o.Priority == ir.PriorityCorrection {
			stats.Corrections++
		}
		if o.OriginalEntityID != o.EntityID {
			stats.Merged++
		}
	}
	stats.Sources = len(sources)
	stats.Interpretations = len(interpretations)
	return stats
}

// irObjectToMap converts an ir.IRObject to a plain map.
func irObjectToMap(obj ir.IRObject) map[string]any {
	if obj == nil {
		return nil
	}
	result := make(map[string]any, len(obj))
	for k, v := range obj {
		result[k] = ir.ToAny(v)
	}
	return result
}

func outputHistoryText(w io.Writer, result HistoryResult, verbose bool) {
	fmt.Fprintf(w, "History for %s %s\n", result.EntityType, result.EntityID)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Timeline ===")
	if len(result.Timeline) == 0 {
		fmt.Fprintln(w, "  (no observations)")
	}
	for _, e := range result.Timeline {
		fmt.Fprintf(w, "  [%d] %s priority=%d %s\n", e.Seq, e.ObservedAt.Format(time.RFC3339), e.Priority, formatArgs(e.Fields))
		if e.OriginalEntityID != "" {
			fmt.Fprintf(w, "       merged from %s\n", e.OriginalEntityID)
		}
		if verbose {
			fmt.Fprintf(w, "       ID: %s source: %s\n", truncateID(e.ObservationID), truncateID(e.SourceID))
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Provenance ===")
	if len(result.Provenance) == 0 {
		fmt.Fprintln(w, "  (no snapshot)")
	}
	for _, p := range result.Provenance {
		fmt.Fprintf(w, "  %s <- %s (priority %d)\n", p.Field, truncateID(p.ObservationID), p.Priority)
	}
	fmt.Fprintln(w)

	if len(result.Merges) > 0 {
		fmt.Fprintln(w, "=== Merges ===")
		for _, m := range result.Merges {
			fmt.Fprintf(w, "  %s -> %s (%d observations, by %s)\n", m.FromEntityID, m.ToEntityID, m.ObservationCountMoved, m.Actor)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "=== Stats ===")
	fmt.Fprintf(w, "  Observations:    %d\n", result.Stats.Observations)
	fmt.Fprintf(w, "  Sources:         %d\n", result.Stats.Sources)
	fmt.Fprintf(w, "  Interpretations: %d\n", result.Stats.Interpretations)
	fmt.Fprintf(w, "  Corrections:     %d\n", result.Stats.Corrections)
	fmt.Fprintf(w, "  Merged in:       %d\n", result.Stats.Merged)
}

// formatArgs formats a map of fields for display.
// Uses sorted keys to ensure deterministic output.
func formatArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}

	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, formatValue(args[k])))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// formatValue formats a single value for display, handling nested structures deterministically.
func formatValue(v any) string {
	switch val := v.(type) {
	case map[string]any:
		return formatArgs(val)
	case []any:
		parts := make([]string, len(val))
		for i, elem := range val {
			parts[i] = formatValue(elem)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case string:
		return val
	default:
		return fmt.Sprintf("%v", v)
	}
}

// truncateID truncates a long ID for display.
func truncateID(id string) string {
	if len(id) <= 16 {
		return id
	}
	return id[:8] + "..." + id[len(id)-8:]
}
