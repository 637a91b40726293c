package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/flowforge/flowforge/pkg/models"
	"github.com/flowforge/flowforge/pkg/persistence"
)

// AuthPolicyRepository stores auth policies and action scope bindings.
type AuthPolicyRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewAuthPolicyRepository creates a new auth policy repository.
func NewAuthPolicyRepository(db *sql.DB, logger *slog.Logger) *AuthPolicyRepository {
	return &AuthPolicyRepository{db: db, logger: logger}
}

const authPolicyColumns = `
	id
  , provider
  , service
  , mechanism
  , base_auth_url
  , max_scopes
  , auth_config
  , display_name
  , icon_url
`

func (r *AuthPolicyRepository) ByAuthString(ctx context.Context, authString string) (*models.AuthPolicy, error) {
	query := "SELECT " + authPolicyColumns + " FROM auth_policies WHERE auth_string = $1"

	policy, err := scanAuthPolicy(r.db.QueryRowContext(ctx, query, authString))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrPolicyNotFound
		}

		return nil, persistence.NewOpError("get", "auth policy", authString, err)
	}

	return policy, nil
}

func (r *AuthPolicyRepository) ByID(ctx context.Context, id string) (*models.AuthPolicy, error) {
	query := "SELECT " + authPolicyColumns + " FROM auth_policies WHERE id = $1"

	policy, err := scanAuthPolicy(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrPolicyNotFound
		}

		return nil, persistence.NewOpError("get", "auth policy", id, err)
	}

	return policy, nil
}

func (r *AuthPolicyRepository) ProvidersFor(ctx context.Context, serviceID string, mechanism models.AuthMechanism) ([]string, error) {
	query := `
		SELECT provider
		FROM auth_policies
		WHERE service = $1 AND mechanism = $2
		ORDER BY provider
	`

	rows, err := r.db.QueryContext(ctx, query, serviceID, mechanism)
	if err != nil {
		return nil, persistence.NewOpError("list", "auth policy provider", serviceID, err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	providers := make([]string, 0)

	for rows.Next() {
		var provider string

		if err := rows.Scan(&provider); err != nil {
			return nil, fmt.Errorf("failed to scan provider: %w", err)
		}

		providers = append(providers, provider)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating providers: %w", err)
	}

	return providers, nil
}

func (r *AuthPolicyRepository) Save(ctx context.Context, policy *models.AuthPolicy) error {
	maxScopes, err := json.Marshal(policy.MaxScopes)
	if err != nil {
		return fmt.Errorf("failed to marshal max scopes: %w", err)
	}

	authConfig, err := json.Marshal(policy.AuthConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal auth config: %w", err)
	}

	query := `
		INSERT INTO auth_policies (
			id, provider, service, mechanism, base_auth_url,
			max_scopes, auth_config, display_name, icon_url, auth_string
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (provider, COALESCE(service, ''), mechanism) DO UPDATE
		SET base_auth_url = EXCLUDED.base_auth_url
		  , max_scopes = EXCLUDED.max_scopes
		  , auth_config = EXCLUDED.auth_config
		  , display_name = EXCLUDED.display_name
		  , icon_url = EXCLUDED.icon_url
		  , auth_string = EXCLUDED.auth_string
	`

	_, err = r.db.ExecContext(ctx, query,
		policy.ID, policy.Provider, policy.Service, policy.Mechanism,
		policy.BaseAuthURL, maxScopes, authConfig, policy.DisplayName,
		policy.IconURL, policy.AuthString())
	if err != nil {
		return persistence.NewOpError("save", "auth policy", policy.ID, err)
	}

	return nil
}

func (r *AuthPolicyRepository) ActionScope(ctx context.Context, actionID string) (*models.ActionAuthScope, error) {
	query := `
		SELECT action_id, policy_id, required_scopes
		FROM action_auth_scopes
		WHERE action_id = $1
	`

	var (
		scope          models.ActionAuthScope
		requiredScopes []byte
	)

	err := r.db.QueryRowContext(ctx, query, actionID).
		Scan(&scope.ActionID, &scope.PolicyID, &requiredScopes)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrActionScopeNotFound
		}

		return nil, persistence.NewOpError("get", "action auth scope", actionID, err)
	}

	if len(requiredScopes) > 0 {
		if err := json.Unmarshal(requiredScopes, &scope.RequiredScopes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal required scopes: %w", err)
		}
	}

	return &scope, nil
}

func (r *AuthPolicyRepository) SaveActionScope(ctx context.Context, scope *models.ActionAuthScope) error {
	requiredScopes, err := json.Marshal(scope.RequiredScopes)
	if err != nil {
		return fmt.Errorf("failed to marshal required scopes: %w", err)
	}

	query := `
		INSERT INTO action_auth_scopes (action_id, policy_id, required_scopes)
		VALUES ($1, $2, $3)
		ON CONFLICT (action_id) DO UPDATE
		SET policy_id = EXCLUDED.policy_id
		  , required_scopes = EXCLUDED.required_scopes
	`

	_, err = r.db.ExecContext(ctx, query, scope.ActionID, scope.PolicyID, requiredScopes)
	if err != nil {
		return persistence.NewOpError("save", "action auth scope", scope.ActionID, err)
	}

	return nil
}

func scanAuthPolicy(row rowScanner) (*models.AuthPolicy, error) {
	var (
		policy      models.AuthPolicy
		service     sql.NullString
		baseAuthURL sql.NullString
		maxScopes   []byte
		authConfig  []byte
		displayName sql.NullString
		iconURL     sql.NullString
	)

	err := row.Scan(&policy.ID, &policy.Provider, &service, &policy.Mechanism,
		&baseAuthURL, &maxScopes, &authConfig, &displayName, &iconURL)
	if err != nil {
		return nil, err
	}

	if service.Valid {
		policy.Service = &service.String
	}

	policy.BaseAuthURL = baseAuthURL.String
	policy.DisplayName = displayName.String
	policy.IconURL = iconURL.String

	if len(maxScopes) > 0 {
		if err := json.Unmarshal(maxScopes, &policy.MaxScopes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal max scopes: %w", err)
		}
	}

	if len(authConfig) > 0 {
		if err := json.Unmarshal(authConfig, &policy.AuthConfig); err != nil {
			return nil, fmt.Errorf("failed to unmarshal auth config: %w", err)
		}
	}

	return &policy, nil
}
