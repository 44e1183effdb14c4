// Package permissions translates a requesting agent into the predicate that
// bounds which chunks it may read. Resolution is pure: identical inputs
// always produce identical predicates, and nothing here touches the store.
package permissions

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/repositories"
)

// Level is an agent's read scope. The order is strict:
// self < team < session < project.
type Level int

const (
	LevelSelf Level = iota
	LevelTeam
	LevelSession
	LevelProject
)

var levelNames = map[Level]string{
	LevelSelf:    "self",
	LevelTeam:    "team",
	LevelSession: "session",
	LevelProject: "project",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// ParseLevel maps a token to its Level. Only the four defined tokens are
// accepted; anything else is rejected rather than defaulted.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "self":
		return LevelSelf, nil
	case "team":
		return LevelTeam, nil
	case "session":
		return LevelSession, nil
	case "project":
		return LevelProject, nil
	default:
		return LevelSelf, fmt.Errorf("permissions: unknown level %q", s)
	}
}

// Requester carries everything the resolver needs about the reading agent:
// its identity, placement, team memberships and configured level. The caller
// looks these up from the agent's own row before resolving.
type Requester struct {
	AgentID   string
	SessionID uuid.UUID
	ProjectID uuid.UUID
	TeamIDs   []string
	Level     Level
}

// Effective returns the level a request runs at. An override may narrow the
// configured level, never widen it: a wider override is silently clamped.
func Effective(configured, override Level) Level {
	if override > configured {
		return configured
	}
	return override
}

// Resolve produces the chunk predicate for a read request. override, when
// non-nil, is clamped by the requester's configured level. since, when
// non-nil, AND-combines a created_at cutoff.
//
//   - self:    author == requester AND session == S
//   - team:    session == S AND (author == requester OR author in requester's teams)
//   - session: session == S
//   - project: project == P
func Resolve(req Requester, override *Level, since *time.Time) repositories.ChunkPredicate {
	level := req.Level
	if override != nil {
		level = Effective(req.Level, *override)
	}

	var pred repositories.ChunkPredicate
	switch level {
	case LevelSelf:
		pred = repositories.And(
			repositories.ByAuthor(req.AgentID),
			repositories.BySession(req.SessionID),
		)
	case LevelTeam:
		pred = repositories.And(
			repositories.BySession(req.SessionID),
			repositories.Or(
				repositories.ByAuthor(req.AgentID),
				repositories.ByTeamIntersection(req.TeamIDs),
			),
		)
	case LevelSession:
		pred = repositories.BySession(req.SessionID)
	case LevelProject:
		pred = repositories.ByProject(req.ProjectID)
	}

	if since != nil {
		pred = repositories.And(pred, repositories.Since(*since))
	}
	return pred
}
