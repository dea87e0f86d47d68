package ingest

import (
	"context"
	"fmt"
	"slices"

	"github.com/roach88/truthlayer/internal/ir"
)

// DefaultMaxTraversalDepth bounds the cycle search for acyclic relationship types.
const DefaultMaxTraversalDepth = 32

// EdgeReader lists live outgoing edges. Implemented by *store.Tx.
type EdgeReader interface {
	OutgoingTargets(ctx context.Context, ownerID, relationshipType, sourceEntityID string) ([]string, error)
}

// GraphPolicy decides which relationship edges may be inserted.
//
// Self-loops are always rejected. For relationship types listed in Acyclic an
// edge source -> target is rejected when target already reaches source. The
// search is breadth-first and stops after MaxDepth hops; a graph deeper than
// that is rejected rather than assumed acyclic.
type GraphPolicy struct {
	Acyclic  []string
	MaxDepth int
}

// CheckEdge validates a new edge against the policy.
func (p GraphPolicy) CheckEdge(ctx context.Context, edges EdgeReader, ownerID, relationshipType, source, target string) error {
	if source == target {
		return ir.Validation("target_entity_id", "relationship would link an entity to itself")
	}
	if !slices.Contains(p.Acyclic, relationshipType) {
		return nil
	}

	depth := p.MaxDepth
	if depth <= 0 {
		depth = DefaultMaxTraversalDepth
	}

	visited := map[string]bool{target: true}
	frontier := []string{target}
	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		var next []string
		for _, node := range frontier {
			outs, err := edges.OutgoingTargets(ctx, ownerID, relationshipType, node)
			if err != nil {
				return fmt.Errorf("cycle check: %w", err)
			}
			for _, out := range outs {
				if out == source {
					return ir.Conflict("relationship", relationshipType,
						fmt.Sprintf("edge %s -> %s would create a cycle", source, target))
				}
				if !visited[out] {
					visited[out] = true
					next = append(next, out)
				}
			}
		}
		frontier = next
	}
	if len(frontier) > 0 {
		return ir.Conflict("relationship", relationshipType,
			fmt.Sprintf("graph deeper than %d hops; cannot prove edge %s -> %s is acyclic", depth, source, target))
	}
	return nil
}
