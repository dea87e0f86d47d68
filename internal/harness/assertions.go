package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/roach88/truthlayer/internal/engine"
)

// validIdentifier matches valid SQL identifiers (table/column names).
// Only allows alphanumeric and underscore, must start with letter or underscore.
// This prevents SQL injection via identifier interpolation.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s (%s) -> %s\n", event.Seq, event.Action, event.Owner, event.Outcome)
		}
	}
	return buf.String()
}

// eventMatches reports whether a trace event is the action, and, when
// outcome is set, ended that way.
func eventMatches(event TraceEvent, action, outcome string) bool {
	return event.Action == action && (outcome == "" || event.Outcome == outcome)
}

// assertTraceContains checks that some step ran the action with the outcome.
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	for _, event := range trace {
		if eventMatches(event, assertion.Action, assertion.Outcome) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("action %s with outcome %q", assertion.Action, assertion.Outcome),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks if actions appear in the specified order.
// Actions don't need to be consecutive (intervening actions are allowed).
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	// Step 1: Find first position of each expected action
	positions := make(map[string]int)
	for _, event := range trace {
		if positions[event.Action] == 0 {
			positions[event.Action] = event.Seq
		}
	}

	// Step 2: Verify all actions found
	for _, action := range assertion.Actions {
		if positions[action] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all actions present: %v", assertion.Actions),
				Actual:   fmt.Sprintf("missing action: %s", action),
				Trace:    trace,
			}
		}
	}

	// Step 3: Verify order
	for i := 1; i < len(assertion.Actions); i++ {
		prev := assertion.Actions[i-1]
		curr := assertion.Actions[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("actions in order: %v", assertion.Actions),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks if the action appears exactly the specified number of times.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if eventMatches(event, assertion.Action, assertion.Outcome) {
			count++
		}
	}
	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, assertion.Action),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertSnapshot compares a subset of an entity's current snapshot, read
// through any merge redirect.
func assertSnapshot(actx *AssertionContext, assertion Assertion) error {
	h := actx.Harness
	id, err := h.resolveRef(assertion.Entity)
	if err != nil {
		return err
	}
	view, err := h.engine.RetrieveEntitySnapshot(actx.Ctx, h.owned(assertion.Owner), id)
	if err != nil {
		return &AssertionError{Type: AssertSnapshot, Expected: "snapshot of " + assertion.Entity, Actual: err.Error()}
	}
	doc, err := toJSONValue(view.Snapshot)
	if err != nil {
		return err
	}
	expected, err := h.resolveArgs(assertion.Expect)
	if err != nil {
		return err
	}
	if msg := matchSubset("snapshot", doc, expected); msg != "" {
		return &AssertionError{Type: AssertSnapshot, Expected: fmt.Sprintf("%s matches %v", assertion.Entity, assertion.Expect), Actual: msg}
	}
	return nil
}

func assertObservationCount(actx *AssertionContext, assertion Assertion) error {
	h := actx.Harness
	id, err := h.resolveRef(assertion.Entity)
	if err != nil {
		return err
	}
	obs, err := h.engine.ListObservations(actx.Ctx, h.owned(assertion.Owner), id)
	if err != nil {
		return &AssertionError{Type: AssertObservationCount, Expected: "observations of " + assertion.Entity, Actual: err.Error()}
	}
	if len(obs) != assertion.Count {
		return &AssertionError{
			Type:     AssertObservationCount,
			Expected: fmt.Sprintf("%d observations of %s", assertion.Count, assertion.Entity),
			Actual:   fmt.Sprintf("%d observations", len(obs)),
		}
	}
	return nil
}

func assertFragmentCount(actx *AssertionContext, assertion Assertion) error {
	h := actx.Harness
	frags, err := h.engine.ListRawFragments(actx.Ctx, h.owned(assertion.Owner), assertion.EntityType)
	if err != nil {
		return err
	}
	if len(frags) != assertion.Count {
		return &AssertionError{
			Type:     AssertFragmentCount,
			Expected: fmt.Sprintf("%d raw fragments of %q", assertion.Count, assertion.EntityType),
			Actual:   fmt.Sprintf("%d raw fragments", len(frags)),
		}
	}
	return nil
}

// assertMerged checks the entity row points at the expected merge target.
func assertMerged(actx *AssertionContext, assertion Assertion) error {
	h := actx.Harness
	from, err := h.resolveRef(assertion.Entity)
	if err != nil {
		return err
	}
	into, err := h.resolveRef(assertion.Into)
	if err != nil {
		return err
	}
	ent, err := h.store.GetEntity(actx.Ctx, from)
	if err != nil {
		return &AssertionError{Type: AssertMerged, Expected: assertion.Entity + " to exist", Actual: err.Error()}
	}
	if ent.MergedToEntityID != into {
		return &AssertionError{
			Type:     AssertMerged,
			Expected: fmt.Sprintf("%s merged into %s", assertion.Entity, assertion.Into),
			Actual:   fmt.Sprintf("merged_to_entity_id = %q", ent.MergedToEntityID),
		}
	}
	return nil
}

func assertRelationshipCount(actx *AssertionContext, assertion Assertion) error {
	h := actx.Harness
	id, err := h.resolveRef(assertion.Entity)
	if err != nil {
		return err
	}
	rels, err := h.engine.ListRelationships(actx.Ctx, h.owned(assertion.Owner), engine.RelationshipFilter{EntityID: id})
	if err != nil {
		return &AssertionError{Type: AssertRelationshipCount, Expected: "relationships of " + assertion.Entity, Actual: err.Error()}
	}
	if len(rels) != assertion.Count {
		return &AssertionError{
			Type:     AssertRelationshipCount,
			Expected: fmt.Sprintf("%d relationships touching %s", assertion.Count, assertion.Entity),
			Actual:   fmt.Sprintf("%d relationships", len(rels)),
		}
	}
	return nil
}

// assertVerifyClean replays every snapshot of the owner without repairing.
func assertVerifyClean(actx *AssertionContext, assertion Assertion) error {
	h := actx.Harness
	report, err := h.engine.Verify(actx.Ctx, h.owned(assertion.Owner), false)
	if err != nil {
		return err
	}
	if !report.Clean() {
		ids := make([]string, len(report.Drifts))
		for i, d := range report.Drifts {
			ids[i] = d.Kind + " " + d.ID
		}
		return &AssertionError{
			Type:     AssertVerifyClean,
			Expected: "every snapshot matches its replay",
			Actual:   "drifted: " + strings.Join(ids, ", "),
		}
	}
	return nil
}

// assertFinalState checks one row of a store table.
// Queries the table with parameterized SQL and validates expected values
// using subset semantics.
//
// Security: Table and column names are validated against a whitelist pattern
// to prevent SQL injection via identifier interpolation.
func assertFinalState(actx *AssertionContext, assertion Assertion) error {
	h := actx.Harness

	if !validIdentifier.MatchString(assertion.Table) {
		return fmt.Errorf("invalid table name %q: must match pattern %s", assertion.Table, validIdentifier.String())
	}
	where, err := h.resolveArgs(assertion.Where)
	if err != nil {
		return err
	}
	expect, err := h.resolveArgs(assertion.Expect)
	if err != nil {
		return err
	}

	whereSQL, whereArgs, err := buildWhereClause(where)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("SELECT * FROM %s", assertion.Table)
	if whereSQL != "" {
		query += " WHERE " + whereSQL
	}

	rows, err := h.store.DB().QueryContext(actx.Ctx, query, whereArgs...)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("query table %s", assertion.Table),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("get columns: %w", err)
	}

	if !rows.Next() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("row in %s where %s", assertion.Table, formatWhereClause(assertion.Where)),
			Actual:   "row not found",
		}
	}

	values := make([]any, len(columns))
	valuePtrs := make([]any, len(columns))
	for i := range values {
		valuePtrs[i] = &values[i]
	}
	if err := rows.Scan(valuePtrs...); err != nil {
		return fmt.Errorf("scan row: %w", err)
	}

	// Check for multiple matching rows (would indicate ambiguous assertion)
	if rows.Next() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one row in %s where %s", assertion.Table, formatWhereClause(assertion.Where)),
			Actual:   "multiple rows matched (assertion is ambiguous)",
		}
	}

	actualRow := make(map[string]any, len(columns))
	for i, col := range columns {
		actualRow[col] = values[i]
	}

	for _, key := range sortedKeys(expect) {
		actualValue, exists := actualRow[key]
		if !exists {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("field %q not present in result columns: %v", key, columns),
			}
		}
		if !stateValuesEqual(expect[key], actualValue) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q = %v (type %T)", key, expect[key], expect[key]),
				Actual:   fmt.Sprintf("field %q = %v (type %T)", key, actualValue, actualValue),
			}
		}
	}
	return nil
}

// buildWhereClause constructs parameterized WHERE clause from assertion.Where.
// Returns SQL fragment, arguments slice, and error. Keys are sorted for determinism.
func buildWhereClause(where map[string]any) (string, []any, error) {
	if len(where) == 0 {
		return "", nil, nil
	}

	keys := sortedKeys(where)
	clauses := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for _, key := range keys {
		if !validIdentifier.MatchString(key) {
			return "", nil, fmt.Errorf("invalid column name %q in where clause: must match pattern %s", key, validIdentifier.String())
		}
		clauses = append(clauses, fmt.Sprintf("%s = ?", key))
		args = append(args, where[key])
	}
	return strings.Join(clauses, " AND "), args, nil
}

// formatWhereClause creates a human-readable description of WHERE conditions.
func formatWhereClause(where map[string]any) string {
	if len(where) == 0 {
		return "(no conditions)"
	}
	parts := make([]string, 0, len(where))
	for _, k := range sortedKeys(where) {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

// stateValuesEqual compares a YAML value with a column value. SQLite returns
// integers as int64, booleans as 0/1 and text as string or []byte.
func stateValuesEqual(expected, actual any) bool {
	if b, ok := actual.([]byte); ok {
		actual = string(b)
	}
	switch exp := expected.(type) {
	case nil:
		return actual == nil
	case bool:
		switch act := actual.(type) {
		case bool:
			return exp == act
		case int64:
			return exp == (act != 0)
		}
		return false
	case int:
		act, ok := actual.(int64)
		return ok && int64(exp) == act
	case int64:
		act, ok := actual.(int64)
		return ok && exp == act
	case string:
		act, ok := actual.(string)
		return ok && exp == act
	}
	return fmt.Sprint(expected) == fmt.Sprint(actual)
}

// matchSubset checks that actual contains everything in expected. Maps match
// by key subset, lists element-wise with equal length, numbers by value.
// Returns "" on a match, otherwise the first mismatch.
func matchSubset(path string, actual, expected any) string {
	switch exp := expected.(type) {
	case map[string]any:
		act, ok := actual.(map[string]any)
		if !ok {
			return fmt.Sprintf("%s: expected an object, got %T", path, actual)
		}
		for _, k := range sortedKeys(exp) {
			v, present := act[k]
			if !present {
				if exp[k] == nil {
					continue
				}
				return fmt.Sprintf("%s.%s: missing", path, k)
			}
			if msg := matchSubset(path+"."+k, v, exp[k]); msg != "" {
				return msg
			}
		}
		return ""
	case []any:
		act, ok := actual.([]any)
		if !ok {
			return fmt.Sprintf("%s: expected a list, got %T", path, actual)
		}
		if len(act) != len(exp) {
			return fmt.Sprintf("%s: expected %d elements, got %d", path, len(exp), len(act))
		}
		for i := range exp {
			if msg := matchSubset(fmt.Sprintf("%s.%d", path, i), act[i], exp[i]); msg != "" {
				return msg
			}
		}
		return ""
	case int, int64, float64:
		num, ok := actual.(json.Number)
		if !ok || num.String() != fmt.Sprint(exp) {
			return fmt.Sprintf("%s: expected %v, got %v", path, exp, actual)
		}
		return ""
	case nil:
		if actual != nil {
			return fmt.Sprintf("%s: expected null, got %v", path, actual)
		}
		return ""
	default:
		if actual != expected {
			return fmt.Sprintf("%s: expected %v, got %v", path, expected, actual)
		}
		return ""
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// AssertionContext provides context for evaluating state assertions.
type AssertionContext struct {
	Ctx     context.Context
	Harness *Harness
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// State assertions need actx; trace assertions do not.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertSnapshot, AssertObservationCount, AssertFragmentCount, AssertMerged,
			AssertRelationshipCount, AssertVerifyClean, AssertFinalState:
			if actx == nil || actx.Harness == nil {
				err = fmt.Errorf("assertion[%d]: %s requires engine context", i, assertion.Type)
				break
			}
			err = stateAssertions[assertion.Type](actx, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}
	return errors
}

var stateAssertions = map[string]func(*AssertionContext, Assertion) error{
	AssertSnapshot:          assertSnapshot,
	AssertObservationCount:  assertObservationCount,
	AssertFragmentCount:     assertFragmentCount,
	AssertMerged:            assertMerged,
	AssertRelationshipCount: assertRelationshipCount,
	AssertVerifyClean:       assertVerifyClean,
	AssertFinalState:        assertFinalState,
}
