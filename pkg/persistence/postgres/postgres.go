// Package postgres provides the PostgreSQL persistence implementation.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq" // postgres driver

	"github.com/flowforge/flowforge/pkg/persistence"
)

// Persistence implements persistence.Persistence on PostgreSQL.
type Persistence struct {
	db     *sql.DB
	logger *slog.Logger

	flows       *FlowRepository
	executions  *ExecutionRepository
	credentials *CredentialRepository
	policies    *AuthPolicyRepository
	triggers    *TriggerRepository
}

// NewPersistence opens the database, runs migrations and wires the
// repositories.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{
		db:          database,
		logger:      logger,
		flows:       NewFlowRepository(database, logger),
		executions:  NewExecutionRepository(database, logger),
		credentials: NewCredentialRepository(database, logger),
		policies:    NewAuthPolicyRepository(database, logger),
		triggers:    NewTriggerRepository(database, logger),
	}, nil
}

func (p *Persistence) Flows() persistence.FlowRepository              { return p.flows }
func (p *Persistence) Executions() persistence.ExecutionRepository    { return p.executions }
func (p *Persistence) Credentials() persistence.CredentialRepository  { return p.credentials }
func (p *Persistence) AuthPolicies() persistence.AuthPolicyRepository { return p.policies }
func (p *Persistence) Triggers() persistence.TriggerRepository        { return p.triggers }

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (p *Persistence) Close(ctx context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}
