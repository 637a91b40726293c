package models

import "time"

// Credential is one encrypted secret row for a (user, service) pair.
// SessionID is nil for the global row; a global row takes priority over
// any session-scoped row for the same pair.
//
// AccessToken, RefreshToken and ClientSecret hold AEAD ciphertext blobs
// (12-byte nonce followed by the ciphertext). ClientID is plaintext.
type Credential struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id"    validate:"required"`
	ServiceID    string         `json:"service_id" validate:"required"`
	Provider     string         `json:"provider"`
	SessionID    *string        `json:"session_id,omitempty"`
	AccessToken  []byte         `json:"-"`
	RefreshToken []byte         `json:"-"`
	ClientSecret []byte         `json:"-"`
	ClientID     string         `json:"client_id"`
	Config       map[string]any `json:"config,omitempty"`
	ExpiresAt    *time.Time     `json:"expires_at,omitempty"`
	Scopes       []string       `json:"scopes,omitempty"`
	Version      int64          `json:"version"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// CredentialData is the decrypted view of a credential handed to the
// connector. It never touches persistence.
type CredentialData struct {
	AccessToken  string         `json:"access_token"`
	RefreshToken string         `json:"refresh_token"`
	ClientSecret string         `json:"client_secret"`
	ClientID     string         `json:"client_id"`
	Provider     string         `json:"provider"`
	Config       map[string]any `json:"config,omitempty"`
	ExpiresAt    *time.Time     `json:"expires_at,omitempty"`
	Scopes       []string       `json:"scopes,omitempty"`
}
