// Package auth maps auth identifiers and action ids to concrete
// authentication policies.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/flowforge/flowforge/pkg/models"
	"github.com/flowforge/flowforge/pkg/persistence"
)

// Resolution is the outcome of a policy lookup: the policy itself, the
// scopes an action actually needs, and whether the match came from the
// legacy two-part fallback expansion.
type Resolution struct {
	Policy         *models.AuthPolicy
	RequiredScopes []string
	IsFallback     bool
}

// EffectiveScopes returns the action-specific required scopes if present,
// otherwise the policy's max scopes.
func (r *Resolution) EffectiveScopes() []string {
	if len(r.RequiredScopes) > 0 {
		return r.RequiredScopes
	}

	return r.Policy.MaxScopes
}

// Resolver resolves auth strings and action ids to policies. The cache is
// scoped to the resolver instance: create one resolver per request or
// session, never share one process-wide.
type Resolver struct {
	policies persistence.AuthPolicyRepository
	logger   *slog.Logger
	cache    map[string]*Resolution
}

// NewResolver creates a request/session-lived resolver.
func NewResolver(policies persistence.AuthPolicyRepository, logger *slog.Logger) *Resolver {
	return &Resolver{
		policies: policies,
		logger:   logger.With("module", "auth_resolver"),
		cache:    make(map[string]*Resolution),
	}
}

// ClearCache drops the per-instance cache.
func (r *Resolver) ClearCache() {
	r.cache = make(map[string]*Resolution)
}

// CacheSize returns the number of cached resolutions.
func (r *Resolver) CacheSize() int {
	return len(r.cache)
}

// ResolveByAuthString resolves a derived auth string of the form
// mechanism_provider_service. An empty input resolves to nothing, not an
// error. A legacy two-part mechanism_service input is expanded by
// enumerating providers that offer that service and mechanism; a match
// found that way is flagged IsFallback for observability but is never a
// resolution failure.
func (r *Resolver) ResolveByAuthString(ctx context.Context, authString string) (*Resolution, error) {
	if authString == "" {
		return nil, nil
	}

	if cached, ok := r.cache[authString]; ok {
		return cached, nil
	}

	policy, err := r.policies.ByAuthString(ctx, authString)
	if err == nil {
		resolution := &Resolution{Policy: policy}
		r.cache[authString] = resolution

		return resolution, nil
	}

	if !errors.Is(err, persistence.ErrPolicyNotFound) {
		return nil, err
	}

	resolution, err := r.expandLegacyAuthString(ctx, authString)
	if err != nil {
		return nil, err
	}

	r.cache[authString] = resolution

	return resolution, nil
}

// expandLegacyAuthString handles the two-part mechanism_service shape by
// testing mechanism_provider_service for every provider offering that
// service with that mechanism.
func (r *Resolver) expandLegacyAuthString(ctx context.Context, authString string) (*Resolution, error) {
	parts := strings.SplitN(authString, "_", 2)
	if len(parts) != 2 {
		return nil, &models.AuthResolutionError{
			AuthString: authString,
			Err:        persistence.ErrPolicyNotFound,
		}
	}

	mechanism, serviceID := models.AuthMechanism(parts[0]), parts[1]

	providers, err := r.policies.ProvidersFor(ctx, serviceID, mechanism)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate providers for %s/%s: %w", serviceID, mechanism, err)
	}

	for _, provider := range providers {
		expanded := fmt.Sprintf("%s_%s_%s", mechanism, provider, serviceID)

		policy, err := r.policies.ByAuthString(ctx, expanded)
		if err != nil {
			if errors.Is(err, persistence.ErrPolicyNotFound) {
				continue
			}

			return nil, err
		}

		r.logger.InfoContext(ctx, "Resolved auth string via legacy expansion",
			"auth_string", authString, "expanded", expanded)

		return &Resolution{Policy: policy, IsFallback: true}, nil
	}

	return nil, &models.AuthResolutionError{
		AuthString: authString,
		Err:        persistence.ErrPolicyNotFound,
	}
}

// ResolveForAction looks up the action's auth scope binding; when none
// exists it falls back to the owning node's default auth string.
func (r *Resolver) ResolveForAction(ctx context.Context, actionID, nodeDefaultAuth string) (*Resolution, error) {
	cacheKey := "action:" + actionID

	if cached, ok := r.cache[cacheKey]; ok {
		return cached, nil
	}

	scope, err := r.policies.ActionScope(ctx, actionID)
	if err != nil {
		if errors.Is(err, persistence.ErrActionScopeNotFound) {
			return r.ResolveByAuthString(ctx, nodeDefaultAuth)
		}

		return nil, err
	}

	policy, err := r.policies.ByID(ctx, scope.PolicyID)
	if err != nil {
		if errors.Is(err, persistence.ErrPolicyNotFound) {
			return nil, &models.AuthResolutionError{ActionID: actionID, Err: err}
		}

		return nil, err
	}

	resolution := &Resolution{Policy: policy, RequiredScopes: scope.RequiredScopes}
	r.cache[cacheKey] = resolution

	return resolution, nil
}
