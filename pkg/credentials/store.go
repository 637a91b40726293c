// Package credentials provides encrypted per-(user, service) secret
// storage and retrieval.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/flowforge/pkg/models"
	"github.com/flowforge/flowforge/pkg/persistence"
	"github.com/flowforge/flowforge/pkg/secrets"
)

// Data is the plaintext credential payload for create/update operations.
type Data struct {
	AccessToken  string
	RefreshToken string
	ClientSecret string
	ClientID     string
	Provider     string
	Config       map[string]any
	ExpiresAt    *time.Time
	Scopes       []string
}

// Store encrypts credentials before persisting and decrypts on read.
//
// With singleWriter set, concurrent updates for the same (user, service,
// session) key race with last-write-wins. Otherwise updates carry an
// optimistic version check and callers retry on
// persistence.ErrVersionConflict.
type Store struct {
	repo         persistence.CredentialRepository
	encryptor    *secrets.Encryptor
	logger       *slog.Logger
	singleWriter bool
}

// NewStore creates a credential store.
func NewStore(repo persistence.CredentialRepository, encryptor *secrets.Encryptor, singleWriter bool, logger *slog.Logger) *Store {
	return &Store{
		repo:         repo,
		encryptor:    encryptor,
		logger:       logger.With("module", "credential_store"),
		singleWriter: singleWriter,
	}
}

// Get returns the decrypted credential for (user, service). The global
// row (session id null) takes priority; the session-scoped row is only
// consulted when no global row exists. Decrypt failures propagate as
// EncryptionError; a partially decrypted record is never returned.
func (s *Store) Get(ctx context.Context, userID, serviceID string, sessionID *string) (*models.CredentialData, error) {
	credential, err := s.repo.Get(ctx, userID, serviceID, nil)
	if err != nil {
		if !errors.Is(err, persistence.ErrCredentialNotFound) {
			return nil, err
		}

		if sessionID == nil {
			return nil, err
		}

		credential, err = s.repo.Get(ctx, userID, serviceID, sessionID)
		if err != nil {
			return nil, err
		}
	}

	return s.decrypt(credential)
}

// Create encrypts the secret fields independently and persists a new row.
func (s *Store) Create(ctx context.Context, userID, serviceID string, data Data, sessionID *string) error {
	credential, err := s.encrypt(userID, serviceID, data, sessionID)
	if err != nil {
		return err
	}

	credential.ID = uuid.New().String()

	err = s.repo.Create(ctx, credential)
	if err != nil {
		return fmt.Errorf("failed to create credential for %s/%s: %w", userID, serviceID, err)
	}

	s.logger.InfoContext(ctx, "Credential created", "user_id", userID, "service_id", serviceID)

	return nil
}

// Update re-encrypts the secret fields and replaces the stored row.
func (s *Store) Update(ctx context.Context, userID, serviceID string, data Data, sessionID *string) error {
	credential, err := s.encrypt(userID, serviceID, data, sessionID)
	if err != nil {
		return err
	}

	if !s.singleWriter {
		existing, err := s.repo.Get(ctx, userID, serviceID, sessionID)
		if err != nil {
			return err
		}

		credential.Version = existing.Version
	}

	err = s.repo.Update(ctx, credential)
	if err != nil {
		return fmt.Errorf("failed to update credential for %s/%s: %w", userID, serviceID, err)
	}

	s.logger.InfoContext(ctx, "Credential updated", "user_id", userID, "service_id", serviceID)

	return nil
}

// Delete hard-deletes the row.
func (s *Store) Delete(ctx context.Context, userID, serviceID string, sessionID *string) error {
	err := s.repo.Delete(ctx, userID, serviceID, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete credential for %s/%s: %w", userID, serviceID, err)
	}

	return nil
}

func (s *Store) encrypt(userID, serviceID string, data Data, sessionID *string) (*models.Credential, error) {
	accessToken, err := s.encryptor.EncryptString(data.AccessToken)
	if err != nil {
		return nil, err
	}

	refreshToken, err := s.encryptor.EncryptString(data.RefreshToken)
	if err != nil {
		return nil, err
	}

	clientSecret, err := s.encryptor.EncryptString(data.ClientSecret)
	if err != nil {
		return nil, err
	}

	return &models.Credential{
		UserID:       userID,
		ServiceID:    serviceID,
		Provider:     data.Provider,
		SessionID:    sessionID,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ClientSecret: clientSecret,
		ClientID:     data.ClientID,
		Config:       data.Config,
		ExpiresAt:    data.ExpiresAt,
		Scopes:       data.Scopes,
	}, nil
}

func (s *Store) decrypt(credential *models.Credential) (*models.CredentialData, error) {
	accessToken, err := s.encryptor.DecryptString(credential.AccessToken)
	if err != nil {
		return nil, err
	}

	refreshToken, err := s.encryptor.DecryptString(credential.RefreshToken)
	if err != nil {
		return nil, err
	}

	clientSecret, err := s.encryptor.DecryptString(credential.ClientSecret)
	if err != nil {
		return nil, err
	}

	return &models.CredentialData{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ClientSecret: clientSecret,
		ClientID:     credential.ClientID,
		Provider:     credential.Provider,
		Config:       credential.Config,
		ExpiresAt:    credential.ExpiresAt,
		Scopes:       credential.Scopes,
	}, nil
}
