package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Domain prefixes for content-addressed identity.
// The version suffix leaves room for algorithm migration.
const (
	DomainSource                  = "truth/source/v1"
	DomainEntity                  = "truth/entity/v1"
	DomainObservation             = "truth/observation/v1"
	DomainRelationship            = "truth/relationship/v1"
	DomainRelationshipObservation = "truth/relationship-observation/v1"
	DomainSchema                  = "truth/schema/v1"
)

// Id prefixes make ids self-describing in logs and CLI output.
const (
	EntityIDPrefix       = "ent_"
	RelationshipIDPrefix = "rel_"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ContentHash is the plain SHA-256 of already-canonicalized bytes.
func ContentHash(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// SourceID derives the Source id from (owner, content hash). Identical bytes from
// the same owner always map to the same id.
func SourceID(ownerID, contentHash string) (string, error) {
	canonical, err := MarshalCanonical(map[string]any{
		"owner_id":     ownerID,
		"content_hash": contentHash,
	})
	if err != nil {
		return "", fmt.Errorf("SourceID: %w", err)
	}
	return hashWithDomain(DomainSource, canonical), nil
}

// CanonicalKey serializes a canonical identity for storage beside the entity.
func CanonicalKey(identity IRObject) (string, error) {
	b, err := MarshalCanonical(identity)
	if err != nil {
		return "", fmt.Errorf("CanonicalKey: %w", err)
	}
	return string(b), nil
}

// EntityID derives an entity id from its owner, type and canonical identity.
func EntityID(ownerID, entityType string, identity IRObject) (string, error) {
	canonical, err := MarshalCanonical(IRObject{
		"owner_id":    IRString(ownerID),
		"entity_type": IRString(entityType),
		"identity":    identity,
	})
	if err != nil {
		return "", fmt.Errorf("EntityID: %w", err)
	}
	return EntityIDPrefix + hashWithDomain(DomainEntity, canonical)[:32], nil
}

// ObservationID derives an observation id. entityID is the entity at creation
// time; the id never changes when a merge rewrites the observation's entity.
func ObservationID(entityID, entityType, sourceID, interpretationID string, fields IRObject, priority int64, observedAt time.Time) (string, error) {
	canonical, err := MarshalCanonical(IRObject{
		"entity_id":         IRString(entityID),
		"entity_type":       IRString(entityType),
		"source_id":         IRString(sourceID),
		"interpretation_id": IRString(interpretationID),
		"fields":            fields,
		"priority":          IRInt(priority),
		"observed_at":       IRInt(observedAt.UTC().UnixMicro()),
	})
	if err != nil {
		return "", fmt.Errorf("ObservationID: %w", err)
	}
	return hashWithDomain(DomainObservation, canonical), nil
}

// RelationshipKey derives the composite identity of a relationship.
func RelationshipKey(ownerID, relationshipType, sourceEntityID, targetEntityID string) (string, error) {
	canonical, err := MarshalCanonical(IRObject{
		"owner_id":          IRString(ownerID),
		"relationship_type": IRString(relationshipType),
		"source_entity_id":  IRString(sourceEntityID),
		"target_entity_id":  IRString(targetEntityID),
	})
	if err != nil {
		return "", fmt.Errorf("RelationshipKey: %w", err)
	}
	return RelationshipIDPrefix + hashWithDomain(DomainRelationship, canonical)[:32], nil
}

// RelationshipObservationID derives a relationship observation id from the
// key at creation time.
func RelationshipObservationID(relationshipKey, sourceID, interpretationID string, fields IRObject, priority int64, observedAt time.Time) (string, error) {
	canonical, err := MarshalCanonical(IRObject{
		"relationship_key":  IRString(relationshipKey),
		"source_id":         IRString(sourceID),
		"interpretation_id": IRString(interpretationID),
		"fields":            fields,
		"priority":          IRInt(priority),
		"observed_at":       IRInt(observedAt.UTC().UnixMicro()),
	})
	if err != nil {
		return "", fmt.Errorf("RelationshipObservationID: %w", err)
	}
	return hashWithDomain(DomainRelationshipObservation, canonical), nil
}

// SchemaHash fingerprints a schema definition's canonical JSON.
func SchemaHash(canonicalDefinition []byte) string {
	return hashWithDomain(DomainSchema, canonicalDefinition)
}

// SchemaVersionID derives the id of one registered schema version.
func SchemaVersionID(entityType, scope string, version int, schemaHash string) (string, error) {
	canonical, err := MarshalCanonical(IRObject{
		"entity_type": IRString(entityType),
		"scope":       IRString(scope),
		"version":     IRInt(version),
		"schema_hash": IRString(schemaHash),
	})
	if err != nil {
		return "", fmt.Errorf("SchemaVersionID: %w", err)
	}
	return "sch_" + hashWithDomain(DomainSchema, canonical)[:32], nil
}

// MustEntityID is like EntityID but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustEntityID(ownerID, entityType string, identity IRObject) string {
	id, err := EntityID(ownerID, entityType, identity)
	if err != nil {
		panic(err)
	}
	return id
}
