package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/flowforge/flowforge/pkg/models"
	"github.com/flowforge/flowforge/pkg/persistence"
)

// TriggerRepository stores trigger rows.
type TriggerRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewTriggerRepository creates a new trigger repository.
func NewTriggerRepository(db *sql.DB, logger *slog.Logger) *TriggerRepository {
	return &TriggerRepository{db: db, logger: logger}
}

func (r *TriggerRepository) Create(ctx context.Context, trigger *models.Trigger) error {
	args, err := json.Marshal(trigger.TriggerArgs)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger args: %w", err)
	}

	query := `
		INSERT INTO triggers (
			id, flow_id, node_id, action_id, trigger_type, trigger_args,
			job_handle, status, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`

	_, err = r.db.ExecContext(ctx, query,
		trigger.ID, trigger.FlowID, trigger.NodeID, trigger.ActionID,
		trigger.TriggerType, args, trigger.JobHandle, trigger.Status,
		time.Now().UTC())
	if err != nil {
		return persistence.NewOpError("create", "trigger", trigger.ID, err)
	}

	return nil
}

func (r *TriggerRepository) ActiveByFlow(ctx context.Context, flowID string) ([]*models.Trigger, error) {
	query := triggerSelect + " WHERE flow_id = $1 AND status = 'active' ORDER BY created_at"

	return r.queryTriggers(ctx, query, flowID)
}

func (r *TriggerRepository) ActiveAll(ctx context.Context) ([]*models.Trigger, error) {
	query := triggerSelect + " WHERE status = 'active' ORDER BY created_at"

	return r.queryTriggers(ctx, query)
}

func (r *TriggerRepository) MarkRemoved(ctx context.Context, id string) error {
	query := "UPDATE triggers SET status = 'removed', updated_at = $2 WHERE id = $1"

	result, err := r.db.ExecContext(ctx, query, id, time.Now().UTC())
	if err != nil {
		return persistence.NewOpError("remove", "trigger", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewOpError("remove", "trigger", id, err)
	}

	if affected == 0 {
		return persistence.ErrTriggerNotFound
	}

	return nil
}

func (r *TriggerRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM triggers WHERE id = $1", id)
	if err != nil {
		return persistence.NewOpError("delete", "trigger", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewOpError("delete", "trigger", id, err)
	}

	if affected == 0 {
		return persistence.ErrTriggerNotFound
	}

	return nil
}

const triggerSelect = `
	SELECT
		id
	  , flow_id
	  , node_id
	  , action_id
	  , trigger_type
	  , trigger_args
	  , job_handle
	  , status
	  , created_at
	  , updated_at
	FROM triggers
`

func (r *TriggerRepository) queryTriggers(ctx context.Context, query string, args ...any) ([]*models.Trigger, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistence.NewOpError("list", "trigger", "", err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	triggers := make([]*models.Trigger, 0)

	for rows.Next() {
		var (
			trigger     models.Trigger
			nodeID      sql.NullString
			actionID    sql.NullString
			triggerArgs []byte
		)

		err := rows.Scan(&trigger.ID, &trigger.FlowID, &nodeID, &actionID,
			&trigger.TriggerType, &triggerArgs, &trigger.JobHandle,
			&trigger.Status, &trigger.CreatedAt, &trigger.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trigger: %w", err)
		}

		if nodeID.Valid {
			trigger.NodeID = &nodeID.String
		}

		if actionID.Valid {
			trigger.ActionID = &actionID.String
		}

		if len(triggerArgs) > 0 {
			if err := json.Unmarshal(triggerArgs, &trigger.TriggerArgs); err != nil {
				return nil, fmt.Errorf("failed to unmarshal trigger args: %w", err)
			}
		}

		triggers = append(triggers, &trigger)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating triggers: %w", err)
	}

	return triggers, nil
}
