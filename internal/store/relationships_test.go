package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/truthlayer/internal/ir"
)

func TestRelationships_RecomputeAndTraverse(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	src := seedSource(t, s, "alice", "doc")
	a := seedEntity(t, s, "alice", "org", "a")
	b := seedEntity(t, s, "alice", "org", "b")

	key, err := ir.RelationshipKey("alice", "parent_of", a.ID, b.ID)
	require.NoError(t, err)
	rel, created, err := s.EnsureRelationship(ctx, ir.Relationship{Key: key, OwnerID: "alice",
		RelationshipType: "parent_of", SourceEntityID: a.ID, TargetEntityID: b.ID, CreatedAt: t0})
	require.NoError(t, err)
	assert.True(t, created)

	fields := ir.IRObject{"share": ir.IRString("51")}
	id, err := ir.RelationshipObservationID(key, src.ID, "", fields, ir.PriorityStructured, t0)
	require.NoError(t, err)
	_, err = s.InsertRelationshipObservation(ctx, ir.RelationshipObservation{ID: id, RelationshipKey: key,
		OwnerID: "alice", Fields: fields, SourceID: src.ID, Priority: ir.PriorityStructured, ObservedAt: t0, CreatedAt: t0})
	require.NoError(t, err)

	snap, err := s.RecomputeRelationshipSnapshot(ctx, key, func(_ context.Context, _ *Tx, r ir.Relationship, obs []ir.RelationshipObservation) (ir.RelationshipSnapshot, error) {
		return ir.RelationshipSnapshot{
			RelationshipKey: r.Key, RelationshipType: r.RelationshipType,
			SourceEntityID: r.SourceEntityID, TargetEntityID: r.TargetEntityID, OwnerID: r.OwnerID,
			Fields: obs[0].Fields, Provenance: map[string]string{"share": obs[0].ID},
			ObservationCount: len(obs), LastObservationAt: obs[0].ObservedAt, ComputedAt: t0,
		}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, rel.Key, snap.RelationshipKey)

	stored, err := s.GetRelationshipSnapshot(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, fields, stored.Fields)

	err = s.WithTx(ctx, func(tx *Tx) error {
		targets, err := tx.OutgoingTargets(ctx, "alice", "parent_of", a.ID)
		if err != nil {
			return err
		}
		assert.Equal(t, []string{b.ID}, targets)
		return nil
	})
	require.NoError(t, err)

	byEntity, err := s.ListRelationships(ctx, RelationshipFilter{OwnerID: "alice", EntityID: b.ID})
	require.NoError(t, err)
	assert.Len(t, byEntity, 1)

	other, err := s.ListRelationships(ctx, RelationshipFilter{OwnerID: "bob"})
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestRawFragments(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	src := seedSource(t, s, "alice", "doc")
	for i, name := range []string{"zeta", "alpha"} {
		require.NoError(t, s.InsertRawFragment(ctx, ir.RawFragment{
			ID: "frag-" + name, OwnerID: "alice", SourceID: src.ID, EntityType: "invoice",
			PayloadIndex: i, FieldName: name, Value: json.RawMessage(`"x"`), Reason: "undeclared field",
			Priority: ir.PriorityStructured, ObservedAt: t0, CreatedAt: t0,
		}))
	}

	frags, err := s.ListRawFragments(ctx, FragmentFilter{OwnerID: "alice", EntityType: "invoice"})
	require.NoError(t, err)
	require.Len(t, frags, 2)
	assert.Equal(t, "zeta", frags[0].FieldName, "ordered by payload index first")
	assert.JSONEq(t, `"x"`, string(frags[0].Value))

	has, err := s.SourceHasDerivations(ctx, src.ID)
	require.NoError(t, err)
	assert.True(t, has)

	err = s.WithTx(ctx, func(tx *Tx) error { return tx.DeleteRawFragment(ctx, "frag-zeta") })
	require.NoError(t, err)

	all, err := s.ListRawFragments(ctx, FragmentFilter{AllOwners: true})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
