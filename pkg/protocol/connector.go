// Package protocol defines the interfaces the engine's external
// collaborators implement: the action connector and trigger handlers.
package protocol

import (
	"context"

	"github.com/flowforge/flowforge/pkg/models"
)

// ConnectorStatus is the outcome a connector reports for one invocation.
type ConnectorStatus string

const (
	ConnectorStatusSuccess ConnectorStatus = "success"
	ConnectorStatusError   ConnectorStatus = "error"
)

// ConnectorRequest is one action invocation.
type ConnectorRequest struct {
	NodeName    string
	ActionName  string
	Params      map[string]any
	Credentials *models.CredentialData
	Simulate    bool
}

// ConnectorResult is the connector's answer for one invocation.
type ConnectorResult struct {
	Status     ConnectorStatus
	Output     any
	Error      string
	DurationMS int64
}

// Connector performs the real side-effecting call for a node/action pair.
// Implementations must honor Simulate=true with schema-faithful fake
// output and zero side effects, and must observe ctx cancellation and
// deadlines.
type Connector interface {
	Execute(ctx context.Context, req ConnectorRequest) (*ConnectorResult, error)
}
