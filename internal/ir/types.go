package ir

import (
	"encoding/json"
	"time"
)

// Priority orders competing Observations. Higher wins under highest_priority,
// and PriorityCorrection outranks every strategy.
const (
	PriorityAI         int64 = 0
	PriorityStructured int64 = 100
	PriorityCorrection int64 = 1000
)

// StorageStatus tracks where a Source's bytes live.
type StorageStatus string

const (
	StorageStored  StorageStatus = "stored"
	StoragePending StorageStatus = "pending"
	StorageFailed  StorageStatus = "failed"
)

// Source is an immutable, content-addressed payload. OwnerID "" means no owner.
type Source struct {
	ID              string        `json:"id"`
	OwnerID         string        `json:"owner_id,omitempty"`
	ContentHash     string        `json:"content_hash"`
	MimeType        string        `json:"mime_type"`
	ByteSize        int64         `json:"byte_size"`
	Priority        int64         `json:"priority"`
	StorageLocation string        `json:"storage_location,omitempty"`
	StorageStatus   StorageStatus `json:"storage_status"`
	CreatedAt       time.Time     `json:"created_at"`
}

// InterpretationStatus is the state of one interpretation attempt:
// pending -> completed | failed | timed_out. Terminal states never change.
type InterpretationStatus string

const (
	InterpretationPending   InterpretationStatus = "pending"
	InterpretationCompleted InterpretationStatus = "completed"
	InterpretationFailed    InterpretationStatus = "failed"
	InterpretationTimedOut  InterpretationStatus = "timed_out"
)

// InterpretationConfig is logged for audit; it is never replayed.
type InterpretationConfig struct {
	Provider    string `json:"provider"`
	Model       string `json:"model"`
	Temperature string `json:"temperature"`
	PromptHash  string `json:"prompt_hash"`
	CodeVersion string `json:"code_version"`
}

// Interpretation is one attempt to structure an unstructured Source.
type Interpretation struct {
	ID          string               `json:"id"`
	SourceID    string               `json:"source_id"`
	OwnerID     string               `json:"owner_id,omitempty"`
	Config      InterpretationConfig `json:"config"`
	Status      InterpretationStatus `json:"status"`
	Error       string               `json:"error,omitempty"`
	HeartbeatAt time.Time            `json:"heartbeat_at"`
	StartedAt   time.Time            `json:"started_at"`
	CompletedAt *time.Time           `json:"completed_at,omitempty"`
}

// EntityPayload is one entity's worth of structured input, either submitted
// directly or produced by an interpreter. Fields are raw decoded JSON
// (json.Decoder with UseNumber) and are validated by the schema registry.
// EntityID, when set, targets an existing entity instead of resolving identity.
type EntityPayload struct {
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id,omitempty"`
	Fields     map[string]any `json:"fields"`
}

// Observation is one atomic, attributed fact about an entity.
// Append-only: only EntityID is ever rewritten, and only by a merge.
type Observation struct {
	ID               string    `json:"id"`
	EntityID         string    `json:"entity_id"`
	OriginalEntityID string    `json:"original_entity_id"`
	EntityType       string    `json:"entity_type"`
	OwnerID          string    `json:"owner_id,omitempty"`
	SchemaVersion    int       `json:"schema_version"`
	Fields           IRObject  `json:"fields"`
	SourceID         string    `json:"source_id"`
	InterpretationID string    `json:"interpretation_id,omitempty"`
	Priority         int64     `json:"priority"`
	ObservedAt       time.Time `json:"observed_at"`
	CreatedAt        time.Time `json:"created_at"`
}

// Entity is a canonical subject. Once MergedToEntityID is set it is terminal.
type Entity struct {
	ID               string     `json:"id"`
	OwnerID          string     `json:"owner_id,omitempty"`
	EntityType       string     `json:"entity_type"`
	CanonicalKey     string     `json:"canonical_key"`
	MergedToEntityID string     `json:"merged_to_entity_id,omitempty"`
	MergedAt         *time.Time `json:"merged_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Merged reports whether the entity has been merged into another.
func (e Entity) Merged() bool {
	return e.MergedToEntityID != ""
}

// EntitySnapshot is the reducer's output for one entity. Fully derived.
type EntitySnapshot struct {
	EntityID          string            `json:"entity_id"`
	EntityType        string            `json:"entity_type"`
	OwnerID           string            `json:"owner_id,omitempty"`
	SchemaVersion     int               `json:"schema_version"`
	Fields            IRObject          `json:"fields"`
	Provenance        map[string]string `json:"provenance"`
	ObservationCount  int               `json:"observation_count"`
	LastObservationAt time.Time         `json:"last_observation_at"`
	ComputedAt        time.Time         `json:"computed_at"`
}

// Relationship is a typed, directed edge between two entities, identified by
// its composite key. MergedToKey redirects a relationship folded into another.
type Relationship struct {
	Key              string     `json:"key"`
	OwnerID          string     `json:"owner_id,omitempty"`
	RelationshipType string     `json:"relationship_type"`
	SourceEntityID   string     `json:"source_entity_id"`
	TargetEntityID   string     `json:"target_entity_id"`
	MergedToKey      string     `json:"merged_to_key,omitempty"`
	MergedAt         *time.Time `json:"merged_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Merged reports whether the relationship has been merged into another.
func (r Relationship) Merged() bool {
	return r.MergedToKey != ""
}

// RelationshipObservation is one attributed fact about a relationship.
type RelationshipObservation struct {
	ID               string    `json:"id"`
	RelationshipKey  string    `json:"relationship_key"`
	RelationshipType string    `json:"relationship_type"`
	SourceEntityID   string    `json:"source_entity_id"`
	TargetEntityID   string    `json:"target_entity_id"`
	OwnerID          string    `json:"owner_id,omitempty"`
	Fields           IRObject  `json:"fields"`
	SourceID         string    `json:"source_id"`
	InterpretationID string    `json:"interpretation_id,omitempty"`
	Priority         int64     `json:"priority"`
	ObservedAt       time.Time `json:"observed_at"`
	CreatedAt        time.Time `json:"created_at"`
}

// RelationshipSnapshot is the reducer's output for one relationship.
type RelationshipSnapshot struct {
	RelationshipKey   string            `json:"relationship_key"`
	RelationshipType  string            `json:"relationship_type"`
	SourceEntityID    string            `json:"source_entity_id"`
	TargetEntityID    string            `json:"target_entity_id"`
	OwnerID           string            `json:"owner_id,omitempty"`
	Fields            IRObject          `json:"fields"`
	Provenance        map[string]string `json:"provenance"`
	ObservationCount  int               `json:"observation_count"`
	LastObservationAt time.Time         `json:"last_observation_at"`
	ComputedAt        time.Time         `json:"computed_at"`
}

// EntityMerge is the audit record of one entity merge.
type EntityMerge struct {
	ID                    string    `json:"id"`
	OwnerID               string    `json:"owner_id,omitempty"`
	FromEntityID          string    `json:"from_entity_id"`
	ToEntityID            string    `json:"to_entity_id"`
	ObservationCountMoved int       `json:"observation_count_moved"`
	Actor                 string    `json:"actor"`
	MergedAt              time.Time `json:"merged_at"`
}

// RelationshipMerge is the audit record of one relationship merge.
type RelationshipMerge struct {
	ID                    string    `json:"id"`
	OwnerID               string    `json:"owner_id,omitempty"`
	FromKey               string    `json:"from_key"`
	ToKey                 string    `json:"to_key"`
	ObservationCountMoved int       `json:"observation_count_moved"`
	Actor                 string    `json:"actor"`
	MergedAt              time.Time `json:"merged_at"`
}

// RawFragment is a field that did not validate against the active schema,
// kept with provenance until a later schema version covers it. PayloadIndex is
// the position of the originating payload within its submission, so fragments
// of one payload can be promoted together. EntityID holds the relationship key
// when the field came with an explicit relationship.
type RawFragment struct {
	ID               string          `json:"id"`
	OwnerID          string          `json:"owner_id,omitempty"`
	SourceID         string          `json:"source_id"`
	InterpretationID string          `json:"interpretation_id,omitempty"`
	EntityType       string          `json:"entity_type"`
	EntityID         string          `json:"entity_id,omitempty"`
	PayloadIndex     int             `json:"payload_index"`
	FieldName        string          `json:"field_name"`
	Value            json.RawMessage `json:"value"`
	Reason           string          `json:"reason"`
	Priority         int64           `json:"priority"`
	ObservedAt       time.Time       `json:"observed_at"`
	CreatedAt        time.Time       `json:"created_at"`
}
