package models

import "strings"

// AuthMechanism is the way a policy authenticates against a provider.
type AuthMechanism string

const (
	MechanismOAuth2        AuthMechanism = "oauth2"
	MechanismAPIKey        AuthMechanism = "api_key"
	MechanismBotToken      AuthMechanism = "bot_token"
	MechanismDBCredentials AuthMechanism = "db_credentials"
)

// AuthPolicy describes how to authenticate against a provider/service.
// Policies are uniquely keyed by (provider, service, mechanism).
type AuthPolicy struct {
	ID          string         `json:"id"`
	Provider    string         `json:"provider"  validate:"required"`
	Service     *string        `json:"service,omitempty"`
	Mechanism   AuthMechanism  `json:"mechanism" validate:"required,oneof=oauth2 api_key bot_token db_credentials"`
	BaseAuthURL string         `json:"base_auth_url,omitempty"`
	MaxScopes   []string       `json:"max_scopes,omitempty"`
	AuthConfig  map[string]any `json:"auth_config,omitempty"`
	DisplayName string         `json:"display_name,omitempty"`
	IconURL     string         `json:"icon_url,omitempty"`
}

// AuthString returns the derived lookup key: mechanism_provider_service,
// or mechanism_provider when the policy is service-agnostic.
func (p *AuthPolicy) AuthString() string {
	parts := []string{string(p.Mechanism), p.Provider}
	if p.Service != nil && *p.Service != "" {
		parts = append(parts, *p.Service)
	}

	return strings.Join(parts, "_")
}

// ActionAuthScope binds an action id to a policy and the subset of the
// policy's max scopes that action actually needs. When present it
// overrides the node-level default auth string.
type ActionAuthScope struct {
	ActionID       string   `json:"action_id" validate:"required"`
	PolicyID       string   `json:"policy_id" validate:"required"`
	RequiredScopes []string `json:"required_scopes,omitempty"`
}
