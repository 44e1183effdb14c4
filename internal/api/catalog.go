package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/db"
	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/repositories"
	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/writer"
)

// CatalogHandler serves the placement catalog: projects, sessions, teams.
type CatalogHandler struct {
	catalog repositories.CatalogRepository
	writer  *writer.Writer
	logger  *zap.Logger
}

// NewCatalogHandler creates a new CatalogHandler.
func NewCatalogHandler(catalog repositories.CatalogRepository, wr *writer.Writer, logger *zap.Logger) *CatalogHandler {
	return &CatalogHandler{
		catalog: catalog,
		writer:  wr,
		logger:  logger.Named("catalog_handler"),
	}
}

type projectResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	CreatedAt   string `json:"created_at"`
}

func projectToResponse(p *db.Project) projectResponse {
	return projectResponse{
		ID:          p.ID.String(),
		Name:        p.Name,
		Description: p.Description,
		CreatedAt:   p.CreatedAt.UTC().Format(time.RFC3339),
	}
}

type sessionResponse struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
}

func sessionToResponse(s *db.Session) sessionResponse {
	return sessionResponse{
		ID:        s.ID.String(),
		ProjectID: s.ProjectID.String(),
		Name:      s.Name,
		CreatedAt: s.CreatedAt.UTC().Format(time.RFC3339),
	}
}

type teamResponse struct {
	TeamID      string `json:"team_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	CreatedAt   string `json:"created_at"`
}

func teamToResponse(t *db.Team) teamResponse {
	return teamResponse{
		TeamID:      t.TeamID,
		Name:        t.Name,
		Description: t.Description,
		CreatedAt:   t.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// ListProjects handles GET /projects.
func (h *CatalogHandler) ListProjects(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)

	projects, total, err := h.catalog.ListProjects(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list projects", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]projectResponse, len(projects))
	for i := range projects {
		items[i] = projectToResponse(&projects[i])
	}

	Ok(w, envelope{"projects": items, "total": total})
}

// createProjectRequest is the JSON body expected by POST /projects.
type createProjectRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// CreateProject handles POST /projects.
func (h *CatalogHandler) CreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		ErrBadRequest(w, "name is required")
		return
	}

	project := &db.Project{Name: req.Name, Description: req.Description}
	err := h.writer.Do(r.Context(), "project.create", func(ctx context.Context) error {
		return h.catalog.CreateProject(ctx, project)
	})
	if err != nil {
		h.catalogCreateError(w, "project", err)
		return
	}

	Created(w, projectToResponse(project))
}

// ListSessions handles GET /sessions.
func (h *CatalogHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)

	sessions, total, err := h.catalog.ListSessions(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list sessions", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]sessionResponse, len(sessions))
	for i := range sessions {
		items[i] = sessionToResponse(&sessions[i])
	}

	Ok(w, envelope{"sessions": items, "total": total})
}

// createSessionRequest is the JSON body expected by POST /sessions.
type createSessionRequest struct {
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
}

// CreateSession handles POST /sessions.
func (h *CatalogHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		ErrBadRequest(w, "name is required")
		return
	}
	pid, err := uuid.Parse(req.ProjectID)
	if err != nil {
		ErrBadRequest(w, "invalid project_id: must be a valid UUID")
		return
	}
	if _, err := h.catalog.GetProject(r.Context(), pid); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrUnprocessable(w, "project not found")
			return
		}
		h.logger.Error("failed to check project", zap.Error(err))
		ErrInternal(w)
		return
	}

	session := &db.Session{ProjectID: pid, Name: req.Name}
	err = h.writer.Do(r.Context(), "session.create", func(ctx context.Context) error {
		return h.catalog.CreateSession(ctx, session)
	})
	if err != nil {
		h.catalogCreateError(w, "session", err)
		return
	}

	Created(w, sessionToResponse(session))
}

// ListTeams handles GET /teams.
func (h *CatalogHandler) ListTeams(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)

	teams, total, err := h.catalog.ListTeams(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list teams", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]teamResponse, len(teams))
	for i := range teams {
		items[i] = teamToResponse(&teams[i])
	}

	Ok(w, envelope{"teams": items, "total": total})
}

// createTeamRequest is the JSON body expected by POST /teams.
type createTeamRequest struct {
	TeamID      string `json:"team_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// CreateTeam handles POST /teams.
func (h *CatalogHandler) CreateTeam(w http.ResponseWriter, r *http.Request) {
	var req createTeamRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.TeamID == "" {
		ErrBadRequest(w, "team_id is required")
		return
	}
	if req.Name == "" {
		req.Name = req.TeamID
	}

	team := &db.Team{TeamID: req.TeamID, Name: req.Name, Description: req.Description}
	err := h.writer.Do(r.Context(), "team.create", func(ctx context.Context) error {
		return h.catalog.CreateTeam(ctx, team)
	})
	if err != nil {
		h.catalogCreateError(w, "team", err)
		return
	}

	Created(w, teamToResponse(team))
}

// catalogCreateError maps repository errors from a create to the right
// response.
func (h *CatalogHandler) catalogCreateError(w http.ResponseWriter, entity string, err error) {
	switch {
	case errors.Is(err, repositories.ErrConflict):
		ErrConflict(w, entity+" already exists")
	case errors.Is(err, repositories.ErrValidation):
		ErrUnprocessable(w, err.Error())
	default:
		h.logger.Error("failed to create "+entity, zap.Error(err))
		ErrInternal(w)
	}
}
