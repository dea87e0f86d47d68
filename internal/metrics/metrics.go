// Package metrics provides process-level counters using stdlib expvar.
// Counters are exported on /debug/vars when the serve command mounts expvar.
package metrics

import "expvar"

// Content store counters.
var (
	SourcesStored       = expvar.NewInt("truthlayer_sources_stored_total")
	SourcesDeduplicated = expvar.NewInt("truthlayer_sources_deduplicated_total")
	SourcesSpooled      = expvar.NewInt("truthlayer_sources_spooled_total")
	UploadsRetried      = expvar.NewInt("truthlayer_uploads_retried_total")
	UploadsCompleted    = expvar.NewInt("truthlayer_uploads_completed_total")
	UploadsFailed       = expvar.NewInt("truthlayer_uploads_failed_total")
)

// Ingestion and reducer counters.
var (
	ObservationsWritten    = expvar.NewInt("truthlayer_observations_written_total")
	RawFragmentsWritten    = expvar.NewInt("truthlayer_raw_fragments_written_total")
	RawFragmentsPromoted   = expvar.NewInt("truthlayer_raw_fragments_promoted_total")
	SnapshotsRecomputed    = expvar.NewInt("truthlayer_snapshots_recomputed_total")
	EntityMerges           = expvar.NewInt("truthlayer_entity_merges_total")
	RelationshipMerges     = expvar.NewInt("truthlayer_relationship_merges_total")
	SnapshotDriftsDetected = expvar.NewInt("truthlayer_snapshot_drifts_total")
)

// Interpretation counters.
var (
	InterpretationsStarted       = expvar.NewInt("truthlayer_interpretations_started_total")
	InterpretationsCompleted     = expvar.NewInt("truthlayer_interpretations_completed_total")
	InterpretationsFailed        = expvar.NewInt("truthlayer_interpretations_failed_total")
	InterpretationsTimedOut      = expvar.NewInt("truthlayer_interpretations_timed_out_total")
	InterpretationsQuotaRejected = expvar.NewInt("truthlayer_interpretations_quota_rejected_total")
)

// Inc increments the given counter by 1.
func Inc(counter *expvar.Int) { counter.Add(1) }

// Add increments the given counter by n.
func Add(counter *expvar.Int, n int) { counter.Add(int64(n)) }
