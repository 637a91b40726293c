package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/flowforge/flowforge/pkg/models"
	"github.com/flowforge/flowforge/pkg/persistence"
)

// CredentialRepository stores encrypted credential rows.
type CredentialRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewCredentialRepository creates a new credential repository.
func NewCredentialRepository(db *sql.DB, logger *slog.Logger) *CredentialRepository {
	return &CredentialRepository{db: db, logger: logger}
}

func (r *CredentialRepository) Get(ctx context.Context, userID, serviceID string, sessionID *string) (*models.Credential, error) {
	query := `
		SELECT
			id
		  , user_id
		  , service_id
		  , provider
		  , session_id
		  , access_token
		  , refresh_token
		  , client_secret
		  , client_id
		  , config
		  , expires_at
		  , scopes
		  , version
		  , created_at
		  , updated_at
		FROM credentials
		WHERE user_id = $1 AND service_id = $2
	`

	var row *sql.Row
	if sessionID == nil {
		row = r.db.QueryRowContext(ctx, query+" AND session_id IS NULL", userID, serviceID)
	} else {
		row = r.db.QueryRowContext(ctx, query+" AND session_id = $3", userID, serviceID, *sessionID)
	}

	credential, err := scanCredential(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrCredentialNotFound
		}

		return nil, persistence.NewOpError("get", "credential", userID+"/"+serviceID, err)
	}

	return credential, nil
}

func (r *CredentialRepository) Create(ctx context.Context, credential *models.Credential) error {
	config, scopes, err := marshalCredentialJSON(credential)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO credentials (
			id, user_id, service_id, provider, session_id,
			access_token, refresh_token, client_secret, client_id,
			config, expires_at, scopes, version, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1, $13, $13)
	`

	_, err = r.db.ExecContext(ctx, query,
		credential.ID, credential.UserID, credential.ServiceID, credential.Provider,
		credential.SessionID, credential.AccessToken, credential.RefreshToken,
		credential.ClientSecret, credential.ClientID, config, credential.ExpiresAt,
		scopes, time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return persistence.ErrCredentialExists
		}

		return persistence.NewOpError("create", "credential", credential.ID, err)
	}

	return nil
}

// Update replaces the row for the credential's (user, service, session)
// key. A zero Version is last-write-wins; a non-zero Version enables the
// optimistic check and fails with ErrVersionConflict on a stale write.
func (r *CredentialRepository) Update(ctx context.Context, credential *models.Credential) error {
	config, scopes, err := marshalCredentialJSON(credential)
	if err != nil {
		return err
	}

	query := `
		UPDATE credentials
		SET provider = $4
		  , access_token = $5
		  , refresh_token = $6
		  , client_secret = $7
		  , client_id = $8
		  , config = $9
		  , expires_at = $10
		  , scopes = $11
		  , version = version + 1
		  , updated_at = $12
		WHERE user_id = $1 AND service_id = $2
		  AND session_id IS NOT DISTINCT FROM $3
	`

	args := []any{
		credential.UserID, credential.ServiceID, credential.SessionID,
		credential.Provider, credential.AccessToken, credential.RefreshToken,
		credential.ClientSecret, credential.ClientID, config, credential.ExpiresAt,
		scopes, time.Now().UTC(),
	}

	if credential.Version != 0 {
		query += " AND version = $13"

		args = append(args, credential.Version)
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return persistence.NewOpError("update", "credential", credential.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewOpError("update", "credential", credential.ID, err)
	}

	if affected == 0 {
		if credential.Version != 0 {
			exists, err := r.rowExists(ctx, credential.UserID, credential.ServiceID, credential.SessionID)
			if err != nil {
				return err
			}

			if exists {
				return persistence.ErrVersionConflict
			}
		}

		return persistence.ErrCredentialNotFound
	}

	return nil
}

func (r *CredentialRepository) Delete(ctx context.Context, userID, serviceID string, sessionID *string) error {
	query := `
		DELETE FROM credentials
		WHERE user_id = $1 AND service_id = $2
		  AND session_id IS NOT DISTINCT FROM $3
	`

	result, err := r.db.ExecContext(ctx, query, userID, serviceID, sessionID)
	if err != nil {
		return persistence.NewOpError("delete", "credential", userID+"/"+serviceID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewOpError("delete", "credential", userID+"/"+serviceID, err)
	}

	if affected == 0 {
		return persistence.ErrCredentialNotFound
	}

	return nil
}

func (r *CredentialRepository) rowExists(ctx context.Context, userID, serviceID string, sessionID *string) (bool, error) {
	var exists bool

	err := r.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM credentials WHERE user_id = $1 AND service_id = $2 AND session_id IS NOT DISTINCT FROM $3)",
		userID, serviceID, sessionID).Scan(&exists)
	if err != nil {
		return false, persistence.NewOpError("get", "credential", userID+"/"+serviceID, err)
	}

	return exists, nil
}

func marshalCredentialJSON(credential *models.Credential) ([]byte, []byte, error) {
	config, err := json.Marshal(credential.Config)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal credential config: %w", err)
	}

	scopes, err := json.Marshal(credential.Scopes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal credential scopes: %w", err)
	}

	return config, scopes, nil
}

func scanCredential(row rowScanner) (*models.Credential, error) {
	var (
		credential models.Credential
		provider   sql.NullString
		sessionID  sql.NullString
		clientID   sql.NullString
		config     []byte
		expiresAt  sql.NullTime
		scopes     []byte
	)

	err := row.Scan(&credential.ID, &credential.UserID, &credential.ServiceID,
		&provider, &sessionID, &credential.AccessToken, &credential.RefreshToken,
		&credential.ClientSecret, &clientID, &config, &expiresAt, &scopes,
		&credential.Version, &credential.CreatedAt, &credential.UpdatedAt)
	if err != nil {
		return nil, err
	}

	credential.Provider = provider.String
	credential.ClientID = clientID.String

	if sessionID.Valid {
		credential.SessionID = &sessionID.String
	}

	if expiresAt.Valid {
		credential.ExpiresAt = &expiresAt.Time
	}

	if len(config) > 0 {
		if err := json.Unmarshal(config, &credential.Config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal credential config: %w", err)
		}
	}

	if len(scopes) > 0 {
		if err := json.Unmarshal(scopes, &credential.Scopes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal credential scopes: %w", err)
		}
	}

	return &credential, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// unique_violation
		return pqErr.Code == "23505"
	}

	return false
}
