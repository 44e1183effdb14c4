// Package reader executes permission-scoped context reads. It owns the
// requester lookup (agent row, session, project, teams), delegates predicate
// construction to the permissions package, and projects chunk rows into the
// wire shape.
package reader

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/permissions"
	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/repositories"
)

// DefaultLimit is the number of chunks a read returns.
const DefaultLimit = 10

// Item is one element of a ReadDB response: the chunk text and its creation
// time, nothing else.
type Item struct {
	Context   string `json:"context"`
	Timestamp string `json:"timestamp"`
}

// Service resolves a requester and returns its most recent visible chunks.
type Service struct {
	agents   repositories.AgentRepository
	catalog  repositories.CatalogRepository
	contexts repositories.ContextRepository
	logger   *zap.Logger
}

// New creates a read service.
func New(
	agents repositories.AgentRepository,
	catalog repositories.CatalogRepository,
	contexts repositories.ContextRepository,
	logger *zap.Logger,
) *Service {
	return &Service{
		agents:   agents,
		catalog:  catalog,
		contexts: contexts,
		logger:   logger.Named("reader"),
	}
}

// Read returns the newest chunks visible to agentID, most recent first.
// overrideToken, when non-empty, narrows the agent's configured level (a
// wider override is clamped, an unknown token is rejected). since, when
// non-nil, drops chunks at or before the cutoff. The result slice is never
// nil: no visible chunks is an empty list, not an error.
func (s *Service) Read(ctx context.Context, agentID, overrideToken string, since *time.Time) ([]Item, error) {
	agent, err := s.agents.GetByAgentID(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("reader: requester lookup: %w", err)
	}
	if agent.SessionID == nil {
		return nil, fmt.Errorf("reader: %w: agent %q is not attached to a session", repositories.ErrValidation, agentID)
	}

	configured, err := permissions.ParseLevel(agent.PermissionLevel)
	if err != nil {
		// A bad stored token means the row predates validation; refuse the
		// read rather than guess a scope.
		return nil, fmt.Errorf("reader: %w", err)
	}

	var override *permissions.Level
	if overrideToken != "" {
		lvl, err := permissions.ParseLevel(overrideToken)
		if err != nil {
			return nil, fmt.Errorf("reader: %w: %v", repositories.ErrValidation, err)
		}
		override = &lvl
	}

	session, err := s.catalog.GetSession(ctx, *agent.SessionID)
	if err != nil {
		return nil, fmt.Errorf("reader: session lookup: %w", err)
	}

	effective := configured
	if override != nil {
		effective = permissions.Effective(configured, *override)
	}

	req := permissions.Requester{
		AgentID:   agent.AgentID,
		SessionID: session.ID,
		ProjectID: session.ProjectID,
		TeamIDs:   agent.Teams,
		Level:     configured,
	}
	pred := permissions.Resolve(req, override, since)

	chunks, err := s.contexts.ListChunks(ctx, pred, DefaultLimit)
	if err != nil {
		return nil, fmt.Errorf("reader: query: %w", err)
	}

	items := make([]Item, 0, len(chunks))
	for _, chunk := range chunks {
		items = append(items, Item{
			Context:   chunk.ChunkContent,
			Timestamp: chunk.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	s.logger.Debug("read served",
		zap.String("agent_id", agentID),
		zap.String("level", effective.String()),
		zap.Int("chunks", len(items)),
	)
	return items, nil
}
