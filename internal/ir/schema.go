package ir

import "time"

// FieldType is the declared type of a schema field.
type FieldType string

const (
	FieldString   FieldType = "string"
	FieldInteger  FieldType = "integer"
	FieldDecimal  FieldType = "decimal"
	FieldBoolean  FieldType = "boolean"
	FieldDate     FieldType = "date"
	FieldDateTime FieldType = "datetime"
	FieldArray    FieldType = "array"
	FieldObject   FieldType = "object"
	FieldAny      FieldType = "any"
)

// ValidFieldTypes lists every accepted FieldType.
var ValidFieldTypes = map[FieldType]bool{
	FieldString:   true,
	FieldInteger:  true,
	FieldDecimal:  true,
	FieldBoolean:  true,
	FieldDate:     true,
	FieldDateTime: true,
	FieldArray:    true,
	FieldObject:   true,
	FieldAny:      true,
}

// FieldSpec declares one field. Items is the element type for arrays ("" = any).
type FieldSpec struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required,omitempty"`
	Items    FieldType `json:"items,omitempty"`
}

// Strategy is the merge strategy for a field. The set is closed: the reducer
// switches over it exhaustively and rejects anything else.
type Strategy string

const (
	StrategyHighestPriority Strategy = "highest_priority"
	StrategyLastWrite       Strategy = "last_write"
	StrategyArrayUnion      Strategy = "array_union"
)

// ValidStrategies lists every accepted Strategy.
var ValidStrategies = map[Strategy]bool{
	StrategyHighestPriority: true,
	StrategyLastWrite:       true,
	StrategyArrayUnion:      true,
}

// TieBreaker chooses between candidates with equal rank. Observation id is
// always the final tie-break.
type TieBreaker string

const (
	TieBreakLatest   TieBreaker = "latest"
	TieBreakEarliest TieBreaker = "earliest"
)

// MergePolicy is a field's strategy plus tie-breaker.
type MergePolicy struct {
	Strategy   Strategy   `json:"strategy"`
	TieBreaker TieBreaker `json:"tie_breaker,omitempty"`
}

// DefaultMergePolicy applies to fields with no declared policy.
var DefaultMergePolicy = MergePolicy{Strategy: StrategyHighestPriority, TieBreaker: TieBreakLatest}

// Transform is one string normalization step used for identity canonicalization.
type Transform string

const (
	TransformTrim               Transform = "trim"
	TransformLowercase          Transform = "lowercase"
	TransformCollapseWhitespace Transform = "collapse_whitespace"
	TransformStripPunctuation   Transform = "strip_punctuation"
	TransformNFKC               Transform = "nfkc"
	TransformDigitsOnly         Transform = "digits_only"
)

// ValidTransforms lists every accepted Transform.
var ValidTransforms = map[Transform]bool{
	TransformTrim:               true,
	TransformLowercase:          true,
	TransformCollapseWhitespace: true,
	TransformStripPunctuation:   true,
	TransformNFKC:               true,
	TransformDigitsOnly:         true,
}

// CanonicalField names an identity field and the transforms applied to it.
type CanonicalField struct {
	Name       string      `json:"name"`
	Transforms []Transform `json:"transforms,omitempty"`
}

// CanonicalizationRule selects and normalizes the fields feeding entity identity.
// An empty rule means every valid field participates, unnormalized.
type CanonicalizationRule struct {
	Fields []CanonicalField `json:"fields,omitempty"`
}

// ExtractionRule pulls a secondary entity out of a payload.
//
// From names a nested object (or array of objects) in the payload; when empty the
// FieldMap reads top-level fields. FieldMap maps target field -> source field.
// Relationship, when set, links parent and extracted entity; Direction "inbound"
// points the edge at the parent instead of away from it.
type ExtractionRule struct {
	EntityType   string            `json:"entity_type"`
	From         string            `json:"from,omitempty"`
	FieldMap     map[string]string `json:"field_map,omitempty"`
	Relationship string            `json:"relationship,omitempty"`
	Direction    string            `json:"direction,omitempty"`
}

// Extraction directions.
const (
	DirectionOutbound = "outbound"
	DirectionInbound  = "inbound"
)

// GlobalScope is the scope value for schemas shared by every owner.
const GlobalScope = ""

// EntitySchema is one immutable version of an entity type's definition.
type EntitySchema struct {
	ID               string                 `json:"id"`
	EntityType       string                 `json:"entity_type"`
	Scope            string                 `json:"scope,omitempty"`
	Version          int                    `json:"version"`
	Fields           []FieldSpec            `json:"fields"`
	MergePolicies    map[string]MergePolicy `json:"merge_policies,omitempty"`
	Canonicalization CanonicalizationRule   `json:"canonicalization"`
	Extraction       []ExtractionRule       `json:"extraction,omitempty"`
	Active           bool                   `json:"active"`
	SchemaHash       string                 `json:"schema_hash"`
	CreatedAt        time.Time              `json:"created_at"`
}

// Field returns the FieldSpec named name, if declared.
func (s EntitySchema) Field(name string) (FieldSpec, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// Policy returns the merge policy for field, falling back to DefaultMergePolicy.
func (s EntitySchema) Policy(field string) MergePolicy {
	p, ok := s.MergePolicies[field]
	if !ok {
		return DefaultMergePolicy
	}
	if p.TieBreaker == "" {
		p.TieBreaker = TieBreakLatest
	}
	return p
}
