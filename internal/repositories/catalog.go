package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/db"
)

// gormCatalogRepository is the GORM implementation of CatalogRepository.
// Projects, sessions and teams are operator-owned reference data: created
// rarely, read on every permission resolution.
type gormCatalogRepository struct {
	db *gorm.DB
}

// NewCatalogRepository returns a CatalogRepository backed by the provided
// *gorm.DB.
func NewCatalogRepository(db *gorm.DB) CatalogRepository {
	return &gormCatalogRepository{db: db}
}

func (r *gormCatalogRepository) CreateProject(ctx context.Context, project *db.Project) error {
	if project.Name == "" {
		return fmt.Errorf("catalog: create project: %w: name is required", ErrValidation)
	}
	if err := r.db.WithContext(ctx).Create(project).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("catalog: create project: %w", err)
	}
	return nil
}

func (r *gormCatalogRepository) CreateSession(ctx context.Context, session *db.Session) error {
	if session.Name == "" {
		return fmt.Errorf("catalog: create session: %w: name is required", ErrValidation)
	}
	if session.ProjectID == (uuid.UUID{}) {
		return fmt.Errorf("catalog: create session: %w: project_id is required", ErrValidation)
	}
	if err := r.db.WithContext(ctx).Create(session).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("catalog: create session: %w", err)
	}
	return nil
}

func (r *gormCatalogRepository) CreateTeam(ctx context.Context, team *db.Team) error {
	if team.TeamID == "" {
		return fmt.Errorf("catalog: create team: %w: team_id is required", ErrValidation)
	}
	if team.CreatedAt.IsZero() {
		team.CreatedAt = time.Now().UTC()
	}
	if err := r.db.WithContext(ctx).Create(team).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("catalog: create team: %w", err)
	}
	return nil
}

func (r *gormCatalogRepository) GetProject(ctx context.Context, id uuid.UUID) (*db.Project, error) {
	var project db.Project
	err := r.db.WithContext(ctx).First(&project, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("catalog: get project: %w", err)
	}
	return &project, nil
}

func (r *gormCatalogRepository) GetSession(ctx context.Context, id uuid.UUID) (*db.Session, error) {
	var session db.Session
	err := r.db.WithContext(ctx).First(&session, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("catalog: get session: %w", err)
	}
	return &session, nil
}

func (r *gormCatalogRepository) GetTeam(ctx context.Context, teamID string) (*db.Team, error) {
	var team db.Team
	err := r.db.WithContext(ctx).First(&team, "team_id = ?", teamID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("catalog: get team: %w", err)
	}
	return &team, nil
}

func (r *gormCatalogRepository) ListProjects(ctx context.Context, opts ListOptions) ([]db.Project, int64, error) {
	var projects []db.Project
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Project{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("catalog: list projects count: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at ASC").
		Find(&projects).Error; err != nil {
		return nil, 0, fmt.Errorf("catalog: list projects: %w", err)
	}
	return projects, total, nil
}

func (r *gormCatalogRepository) ListSessions(ctx context.Context, opts ListOptions) ([]db.Session, int64, error) {
	var sessions []db.Session
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Session{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("catalog: list sessions count: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at ASC").
		Find(&sessions).Error; err != nil {
		return nil, 0, fmt.Errorf("catalog: list sessions: %w", err)
	}
	return sessions, total, nil
}

func (r *gormCatalogRepository) ListTeams(ctx context.Context, opts ListOptions) ([]db.Team, int64, error) {
	var teams []db.Team
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Team{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("catalog: list teams count: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at ASC").
		Find(&teams).Error; err != nil {
		return nil, 0, fmt.Errorf("catalog: list teams: %w", err)
	}
	return teams, total, nil
}
