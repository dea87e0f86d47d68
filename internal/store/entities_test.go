package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/truthlayer/internal/ir"
)

func TestEnsureEntity_CreateThenReuse(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	e := seedEntity(t, s, "alice", "company", "acme")

	again := e
	again.CreatedAt = t0.Add(time.Hour)
	got, created, err := s.EnsureEntity(ctx, again)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, t0, got.CreatedAt)
}

func TestEnsureEntity_CollisionIsConflict(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	e := seedEntity(t, s, "alice", "company", "acme")

	forged := e
	forged.CanonicalKey = `{"name":"other"}`
	_, _, err := s.EnsureEntity(ctx, forged)
	require.Error(t, err)
	assert.True(t, ir.IsConflict(err))
}

func TestListEntities_ExcludesMergedByDefault(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	a := seedEntity(t, s, "alice", "company", "a")
	b := seedEntity(t, s, "alice", "company", "b")
	seedEntity(t, s, "bob", "company", "a")

	err := s.WithTx(ctx, func(tx *Tx) error {
		_, _, err := tx.MergeEntities(ctx, ir.EntityMerge{ID: "m1", OwnerID: "alice",
			FromEntityID: a.ID, ToEntityID: b.ID, Actor: "test", MergedAt: t0})
		return err
	})
	require.NoError(t, err)

	live, err := s.ListEntities(ctx, EntityFilter{OwnerID: "alice"})
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, b.ID, live[0].ID)

	all, err := s.ListEntities(ctx, EntityFilter{OwnerID: "alice", IncludeMerged: true})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestListEntities_AllOwnersWithinTx(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	seedEntity(t, s, "alice", "company", "a")
	seedEntity(t, s, "bob", "company", "a")
	seedEntity(t, s, "bob", "person", "p")

	err := s.WithTx(ctx, func(tx *Tx) error {
		all, err := tx.ListEntities(ctx, EntityFilter{AllOwners: true, EntityType: "company"})
		require.NoError(t, err)
		assert.Len(t, all, 2)

		bobs, err := tx.ListEntities(ctx, EntityFilter{OwnerID: "bob"})
		require.NoError(t, err)
		assert.Len(t, bobs, 2)
		return nil
	})
	require.NoError(t, err)
}

func TestInsertObservation_Idempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	src := seedSource(t, s, "alice", "doc")
	e := seedEntity(t, s, "alice", "company", "acme")
	obs := seedObservation(t, s, e, src, ir.IRObject{"name": ir.IRString("Acme")}, ir.PriorityStructured, t0)

	inserted, err := s.InsertObservation(ctx, obs)
	require.NoError(t, err)
	assert.False(t, inserted)

	list, err := s.ListObservations(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, obs, list[0])
}

func TestListObservations_DeterministicOrder(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	src := seedSource(t, s, "alice", "doc")
	e := seedEntity(t, s, "alice", "company", "acme")
	later := seedObservation(t, s, e, src, ir.IRObject{"n": ir.IRInt(2)}, 0, t0.Add(time.Second))
	earlier := seedObservation(t, s, e, src, ir.IRObject{"n": ir.IRInt(1)}, 0, t0)

	list, err := s.ListObservations(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, earlier.ID, list[0].ID)
	assert.Equal(t, later.ID, list[1].ID)

	bySource, err := s.ListObservationsBySource(ctx, src.ID)
	require.NoError(t, err)
	assert.Len(t, bySource, 2)
}

func TestRecomputeEntitySnapshot(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	src := seedSource(t, s, "alice", "doc")
	e := seedEntity(t, s, "alice", "company", "acme")
	obs := seedObservation(t, s, e, src, ir.IRObject{"name": ir.IRString("Acme")}, 0, t0)

	snap, err := s.RecomputeEntitySnapshot(ctx, e.ID, countingReduce)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.ObservationCount)

	stored, err := s.GetEntitySnapshot(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, ir.IRObject{"name": ir.IRString("Acme")}, stored.Fields)
	assert.Equal(t, map[string]string{"name": obs.ID}, stored.Provenance)
}

func TestRecomputeEntitySnapshot_FailureKeepsPriorSnapshot(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	src := seedSource(t, s, "alice", "doc")
	e := seedEntity(t, s, "alice", "company", "acme")
	seedObservation(t, s, e, src, ir.IRObject{"name": ir.IRString("Acme")}, 0, t0)
	_, err := s.RecomputeEntitySnapshot(ctx, e.ID, countingReduce)
	require.NoError(t, err)

	seedObservation(t, s, e, src, ir.IRObject{"name": ir.IRString("Acme Corp")}, 0, t0.Add(time.Second))
	boom := errors.New("boom")
	_, err = s.RecomputeEntitySnapshot(ctx, e.ID, func(context.Context, *Tx, ir.Entity, []ir.Observation) (ir.EntitySnapshot, error) {
		return ir.EntitySnapshot{}, boom
	})
	require.ErrorIs(t, err, boom)

	stored, err := s.GetEntitySnapshot(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, ir.IRString("Acme"), stored.Fields["name"])
	assert.Equal(t, 1, stored.ObservationCount)

	stale, err := s.FindStaleEntities(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{e.ID}, stale)
}

func TestGetEntityHistory(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	src := seedSource(t, s, "alice", "doc")
	e := seedEntity(t, s, "alice", "company", "acme")
	seedObservation(t, s, e, src, ir.IRObject{"name": ir.IRString("Acme")}, 0, t0)

	h, err := s.GetEntityHistory(ctx, e.ID)
	require.NoError(t, err)
	assert.Nil(t, h.Snapshot)
	assert.Len(t, h.Observations, 1)

	_, err = s.RecomputeEntitySnapshot(ctx, e.ID, countingReduce)
	require.NoError(t, err)
	h, err = s.GetEntityHistory(ctx, e.ID)
	require.NoError(t, err)
	require.NotNil(t, h.Snapshot)
	assert.Equal(t, 1, h.Snapshot.ObservationCount)
}
