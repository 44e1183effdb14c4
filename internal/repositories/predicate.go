package repositories

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ChunkPredicate is an opaque WHERE condition over context_chunks. The
// permissions resolver composes one from the primitives below; the store
// applies it without inspecting it. Predicates are plain values — building
// one never touches the database.
type ChunkPredicate struct {
	expr string
	args []interface{}
}

// ByAuthor matches chunks written by the given agent.
func ByAuthor(agentID string) ChunkPredicate {
	return ChunkPredicate{expr: "agent_id = ?", args: []interface{}{agentID}}
}

// BySession matches chunks written inside the given session.
func BySession(sessionID uuid.UUID) ChunkPredicate {
	return ChunkPredicate{expr: "session_id = ?", args: []interface{}{sessionID}}
}

// ByProject matches chunks written anywhere inside the given project.
func ByProject(projectID uuid.UUID) ChunkPredicate {
	return ChunkPredicate{expr: "project_id = ?", args: []interface{}{projectID}}
}

// ByTeamIntersection matches chunks whose author shares at least one of the
// given teams. An empty team set matches nothing — the subquery has no rows
// to produce.
func ByTeamIntersection(teamIDs []string) ChunkPredicate {
	if len(teamIDs) == 0 {
		return ChunkPredicate{expr: "1 = 0"}
	}
	return ChunkPredicate{
		expr: "agent_id IN (SELECT agent_id FROM agent_teams WHERE team_id IN ?)",
		args: []interface{}{teamIDs},
	}
}

// Since matches chunks created strictly after the given instant.
func Since(t time.Time) ChunkPredicate {
	return ChunkPredicate{expr: "created_at > ?", args: []interface{}{t}}
}

// And combines predicates so that all must hold.
func And(preds ...ChunkPredicate) ChunkPredicate {
	return combine(" AND ", preds)
}

// Or combines predicates so that at least one must hold.
func Or(preds ...ChunkPredicate) ChunkPredicate {
	return combine(" OR ", preds)
}

func combine(op string, preds []ChunkPredicate) ChunkPredicate {
	if len(preds) == 1 {
		return preds[0]
	}
	exprs := make([]string, 0, len(preds))
	var args []interface{}
	for _, p := range preds {
		exprs = append(exprs, "("+p.expr+")")
		args = append(args, p.args...)
	}
	return ChunkPredicate{expr: strings.Join(exprs, op), args: args}
}
