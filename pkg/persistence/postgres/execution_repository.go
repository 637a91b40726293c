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

// ExecutionRepository is the PostgreSQL execution ledger.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewExecutionRepository creates a new execution repository.
func NewExecutionRepository(db *sql.DB, logger *slog.Logger) *ExecutionRepository {
	return &ExecutionRepository{db: db, logger: logger}
}

func (r *ExecutionRepository) CreateExecution(ctx context.Context, execution *models.FlowExecution) error {
	inputs, err := json.Marshal(execution.Inputs)
	if err != nil {
		return fmt.Errorf("failed to marshal inputs: %w", err)
	}

	query := `
		INSERT INTO flow_executions (id, flow_id, inputs, status, error, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err = r.db.ExecContext(ctx, query,
		execution.ID, execution.FlowID, inputs, execution.Status, execution.Error,
		execution.StartedAt)
	if err != nil {
		return persistence.NewOpError("create", "execution", execution.ID, err)
	}

	return nil
}

// FinishExecution applies the single allowed terminal transition. The
// WHERE clause guards against a second transition racing in.
func (r *ExecutionRepository) FinishExecution(ctx context.Context, id string, status models.ExecutionStatus, errMsg string, outputs map[string]any, endedAt time.Time) error {
	outputsJSON, err := json.Marshal(outputs)
	if err != nil {
		return fmt.Errorf("failed to marshal outputs: %w", err)
	}

	query := `
		UPDATE flow_executions
		SET status = $2, error = $3, outputs = $4, ended_at = $5
		WHERE id = $1 AND ended_at IS NULL
	`

	result, err := r.db.ExecContext(ctx, query, id, status, errMsg, outputsJSON, endedAt)
	if err != nil {
		return persistence.NewOpError("finish", "execution", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewOpError("finish", "execution", id, err)
	}

	if affected == 0 {
		var exists bool

		err = r.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM flow_executions WHERE id = $1)", id).Scan(&exists)
		if err != nil {
			return persistence.NewOpError("finish", "execution", id, err)
		}

		if exists {
			return persistence.ErrExecutionFinished
		}

		return persistence.ErrExecutionNotFound
	}

	return nil
}

func (r *ExecutionRepository) ExecutionByID(ctx context.Context, id string) (*models.FlowExecution, error) {
	query := `
		SELECT
			id
		  , flow_id
		  , inputs
		  , outputs
		  , status
		  , error
		  , started_at
		  , ended_at
		FROM flow_executions
		WHERE id = $1
	`

	execution, err := scanExecution(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrExecutionNotFound
		}

		return nil, persistence.NewOpError("get", "execution", id, err)
	}

	return execution, nil
}

func (r *ExecutionRepository) ListByFlow(ctx context.Context, flowID string) ([]*models.FlowExecution, error) {
	query := `
		SELECT
			id
		  , flow_id
		  , inputs
		  , outputs
		  , status
		  , error
		  , started_at
		  , ended_at
		FROM flow_executions
		WHERE flow_id = $1
		ORDER BY started_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, flowID)
	if err != nil {
		return nil, persistence.NewOpError("list", "execution", flowID, err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	executions := make([]*models.FlowExecution, 0)

	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}

		executions = append(executions, execution)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return executions, nil
}

func (r *ExecutionRepository) CreateStep(ctx context.Context, step *models.ExecutionStep) error {
	query := `
		INSERT INTO flow_execution_steps (id, execution_id, node_id, action_id, status, error, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.ExecContext(ctx, query,
		step.ID, step.ExecutionID, step.NodeID, step.ActionID, step.Status,
		step.Error, step.StartedAt)
	if err != nil {
		return persistence.NewOpError("create", "execution step", step.ID, err)
	}

	return nil
}

func (r *ExecutionRepository) FinishStep(ctx context.Context, id string, status models.StepStatus, errMsg string, endedAt time.Time) error {
	query := `
		UPDATE flow_execution_steps
		SET status = $2, error = $3, ended_at = $4
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query, id, status, errMsg, endedAt)
	if err != nil {
		return persistence.NewOpError("finish", "execution step", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewOpError("finish", "execution step", id, err)
	}

	if affected == 0 {
		return persistence.ErrStepNotFound
	}

	return nil
}

func (r *ExecutionRepository) StepsByExecution(ctx context.Context, executionID string) ([]*models.ExecutionStep, error) {
	query := `
		SELECT
			id
		  , execution_id
		  , node_id
		  , action_id
		  , status
		  , error
		  , started_at
		  , ended_at
		FROM flow_execution_steps
		WHERE execution_id = $1
		ORDER BY started_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, executionID)
	if err != nil {
		return nil, persistence.NewOpError("list", "execution step", executionID, err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	steps := make([]*models.ExecutionStep, 0)

	for rows.Next() {
		var (
			step    models.ExecutionStep
			errText sql.NullString
			endedAt sql.NullTime
		)

		err := rows.Scan(&step.ID, &step.ExecutionID, &step.NodeID, &step.ActionID,
			&step.Status, &errText, &step.StartedAt, &endedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution step: %w", err)
		}

		step.Error = errText.String

		if endedAt.Valid {
			step.EndedAt = &endedAt.Time
		}

		steps = append(steps, &step)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating execution steps: %w", err)
	}

	return steps, nil
}

func scanExecution(row rowScanner) (*models.FlowExecution, error) {
	var (
		execution models.FlowExecution
		flowID    sql.NullString
		inputs    []byte
		outputs   []byte
		errText   sql.NullString
		endedAt   sql.NullTime
	)

	err := row.Scan(&execution.ID, &flowID, &inputs, &outputs, &execution.Status,
		&errText, &execution.StartedAt, &endedAt)
	if err != nil {
		return nil, err
	}

	if flowID.Valid {
		execution.FlowID = &flowID.String
	}

	execution.Error = errText.String

	if endedAt.Valid {
		execution.EndedAt = &endedAt.Time
	}

	if len(inputs) > 0 {
		if err := json.Unmarshal(inputs, &execution.Inputs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal inputs: %w", err)
		}
	}

	if len(outputs) > 0 {
		if err := json.Unmarshal(outputs, &execution.Outputs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal outputs: %w", err)
		}
	}

	return &execution, nil
}
