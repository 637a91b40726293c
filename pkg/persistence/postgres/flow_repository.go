package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/flowforge/flowforge/pkg/models"
	"github.com/flowforge/flowforge/pkg/persistence"
)

// FlowRepository handles flow-related database operations.
type FlowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewFlowRepository creates a new flow repository.
func NewFlowRepository(db *sql.DB, logger *slog.Logger) *FlowRepository {
	return &FlowRepository{db: db, logger: logger}
}

func (r *FlowRepository) Create(ctx context.Context, flow *models.Flow) error {
	spec, err := json.Marshal(flow.Spec)
	if err != nil {
		return fmt.Errorf("failed to marshal flow spec: %w", err)
	}

	query := `
		INSERT INTO flows (id, name, owner_id, spec, is_active, trigger_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err = r.db.ExecContext(ctx, query,
		flow.ID, flow.Name, flow.OwnerID, spec, flow.IsActive, flow.TriggerID,
		flow.CreatedAt, flow.UpdatedAt)
	if err != nil {
		return persistence.NewOpError("create", "flow", flow.ID, err)
	}

	return nil
}

func (r *FlowRepository) GetByID(ctx context.Context, id string) (*models.Flow, error) {
	query := `
		SELECT
			id
		  , name
		  , owner_id
		  , spec
		  , is_active
		  , trigger_id
		  , created_at
		  , updated_at
		FROM flows
		WHERE id = $1
	`

	flow, err := scanFlow(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrFlowNotFound
		}

		return nil, persistence.NewOpError("get", "flow", id, err)
	}

	return flow, nil
}

func (r *FlowRepository) ListByOwner(ctx context.Context, ownerID string) ([]*models.Flow, error) {
	query := `
		SELECT
			id
		  , name
		  , owner_id
		  , spec
		  , is_active
		  , trigger_id
		  , created_at
		  , updated_at
		FROM flows
		WHERE owner_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, persistence.NewOpError("list", "flow", ownerID, err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	flows := make([]*models.Flow, 0)

	for rows.Next() {
		flow, err := scanFlow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flow: %w", err)
		}

		flows = append(flows, flow)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating flows: %w", err)
	}

	return flows, nil
}

func (r *FlowRepository) Update(ctx context.Context, flow *models.Flow) error {
	spec, err := json.Marshal(flow.Spec)
	if err != nil {
		return fmt.Errorf("failed to marshal flow spec: %w", err)
	}

	query := `
		UPDATE flows
		SET name = $2, spec = $3, is_active = $4, trigger_id = $5, updated_at = $6
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query,
		flow.ID, flow.Name, spec, flow.IsActive, flow.TriggerID, time.Now().UTC())
	if err != nil {
		return persistence.NewOpError("update", "flow", flow.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewOpError("update", "flow", flow.ID, err)
	}

	if affected == 0 {
		return persistence.ErrFlowNotFound
	}

	return nil
}

func (r *FlowRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM flows WHERE id = $1", id)
	if err != nil {
		return persistence.NewOpError("delete", "flow", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewOpError("delete", "flow", id, err)
	}

	if affected == 0 {
		return persistence.ErrFlowNotFound
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFlow(row rowScanner) (*models.Flow, error) {
	var (
		flow      models.Flow
		spec      []byte
		triggerID sql.NullString
	)

	err := row.Scan(&flow.ID, &flow.Name, &flow.OwnerID, &spec, &flow.IsActive,
		&triggerID, &flow.CreatedAt, &flow.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if len(spec) > 0 {
		err = json.Unmarshal(spec, &flow.Spec)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal flow spec: %w", err)
		}
	}

	if triggerID.Valid {
		flow.TriggerID = &triggerID.String
	}

	return &flow, nil
}
