// Package main implements a one-shot seed command that creates a development
// catalog directly in the broker database: one project, one session, a team,
// and an agent attached to the session. It lives inside the broker module so
// it can access internal/* packages.
//
// Usage:
//
//	go run ./cmd/seed \
//	  --project demo \
//	  --session dev \
//	  --team core \
//	  --agent agent-1 \
//	  --level team
//
// Environment variables:
//
//	BROKER_DB_DSN  SQLite file path or Postgres DSN (default: ./data/broker.db)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/db"
	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/repositories"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	project := flag.String("project", "demo", "Project name")
	session := flag.String("session", "dev", "Session name inside the project")
	team := flag.String("team", "", "Team id to create (optional)")
	agent := flag.String("agent", "", "Agent id to create (required)")
	level := flag.String("level", "self", "Agent permission level: self, team, session or project")
	flag.Parse()

	if *agent == "" {
		return fmt.Errorf("--agent is required")
	}

	dsn := envOrDefault("BROKER_DB_DSN", "./data/broker.db")

	logger, _ := zap.NewDevelopment()

	database, err := db.New(db.Config{
		Driver:   envOrDefault("BROKER_DB_DRIVER", "sqlite"),
		DSN:      dsn,
		Logger:   logger,
		LogLevel: gormlogger.Silent, // suppress GORM query logs in seed output
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	ctx := context.Background()
	catalogRepo := repositories.NewCatalogRepository(database)
	agentRepo := repositories.NewAgentRepository(database)

	// Project: reuse when the name already exists so the seed is re-runnable.
	proj := &db.Project{Name: *project}
	if err := catalogRepo.CreateProject(ctx, proj); err != nil {
		if !errors.Is(err, repositories.ErrConflict) {
			return fmt.Errorf("create project: %w", err)
		}
		existing, findErr := findProject(ctx, catalogRepo, *project)
		if findErr != nil {
			return findErr
		}
		proj = existing
		fmt.Printf("• Project %q already exists, reusing\n", *project)
	} else {
		fmt.Printf("✓ Project created: %s (%s)\n", proj.Name, proj.ID)
	}

	sess := &db.Session{ProjectID: proj.ID, Name: *session}
	if err := catalogRepo.CreateSession(ctx, sess); err != nil {
		if !errors.Is(err, repositories.ErrConflict) {
			return fmt.Errorf("create session: %w", err)
		}
		existing, findErr := findSession(ctx, catalogRepo, proj.ID, *session)
		if findErr != nil {
			return findErr
		}
		sess = existing
		fmt.Printf("• Session %q already exists, reusing\n", *session)
	} else {
		fmt.Printf("✓ Session created: %s (%s)\n", sess.Name, sess.ID)
	}

	if *team != "" {
		t := &db.Team{TeamID: *team, Name: *team}
		if err := catalogRepo.CreateTeam(ctx, t); err != nil {
			if !errors.Is(err, repositories.ErrConflict) {
				return fmt.Errorf("create team: %w", err)
			}
			fmt.Printf("• Team %q already exists, reusing\n", *team)
		} else {
			fmt.Printf("✓ Team created: %s\n", t.TeamID)
		}
	}

	a := &db.Agent{
		AgentID:         *agent,
		PermissionLevel: *level,
		SessionID:       &sess.ID,
		IsActive:        true,
	}
	if err := agentRepo.Create(ctx, a); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			return fmt.Errorf("an agent with id %q already exists", *agent)
		}
		return fmt.Errorf("create agent: %w", err)
	}
	fmt.Printf("✓ Agent created\n")
	fmt.Printf("  ID:      %s\n", a.AgentID)
	fmt.Printf("  Level:   %s\n", a.PermissionLevel)
	fmt.Printf("  Session: %s\n", sess.ID)

	if *team != "" {
		if err := agentRepo.AddToTeam(ctx, a.AgentID, *team); err != nil {
			return fmt.Errorf("add agent to team: %w", err)
		}
		fmt.Printf("  Team:    %s\n", *team)
	}

	fmt.Printf("\nConnect with: ws://localhost:8765/ws/%s\n", a.AgentID)
	return nil
}

// findProject locates a project by name; the catalog has no name lookup so
// the seed pages through the list (small in development).
func findProject(ctx context.Context, repo repositories.CatalogRepository, name string) (*db.Project, error) {
	projects, _, err := repo.ListProjects(ctx, repositories.ListOptions{Limit: 500})
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	for i := range projects {
		if projects[i].Name == name {
			return &projects[i], nil
		}
	}
	return nil, fmt.Errorf("project %q not found after conflict", name)
}

func findSession(ctx context.Context, repo repositories.CatalogRepository, projectID uuid.UUID, name string) (*db.Session, error) {
	sessions, _, err := repo.ListSessions(ctx, repositories.ListOptions{Limit: 500})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	for i := range sessions {
		if sessions[i].ProjectID == projectID && sessions[i].Name == name {
			return &sessions[i], nil
		}
	}
	return nil, fmt.Errorf("session %q not found after conflict", name)
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
