// Package connector provides Connector implementations: a simulate
// connector producing schema-shaped fake output, and an HTTP connector
// for webhook-style actions.
package connector

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/flowforge/flowforge/pkg/protocol"
)

// TriggerActionPrefix marks trigger-definition actions. Their output is
// the trigger registration payload rather than a provider call result.
const TriggerActionPrefix = "trigger."

// SimulateConnector returns fake results without contacting any external
// system and without requiring valid credentials. Output is shaped by a
// registered sample or schema per action when one exists.
type SimulateConnector struct {
	logger  *slog.Logger
	samples map[string]any
}

// NewSimulateConnector creates a simulate connector.
func NewSimulateConnector(logger *slog.Logger) *SimulateConnector {
	return &SimulateConnector{
		logger:  logger.With("module", "simulate_connector"),
		samples: make(map[string]any),
	}
}

// RegisterSample binds an action name to a sample output or a JSON
// schema. A schema (a map with a "type" key) is expanded into a
// schema-shaped value; anything else is returned as-is.
func (c *SimulateConnector) RegisterSample(actionName string, sample any) {
	c.samples[actionName] = sample
}

func (c *SimulateConnector) Execute(ctx context.Context, req protocol.ConnectorRequest) (*protocol.ConnectorResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	started := time.Now()

	output := c.buildOutput(req)

	c.logger.DebugContext(ctx, "Simulated action",
		"node", req.NodeName, "action", req.ActionName)

	return &protocol.ConnectorResult{
		Status:     protocol.ConnectorStatusSuccess,
		Output:     output,
		DurationMS: time.Since(started).Milliseconds(),
	}, nil
}

func (c *SimulateConnector) buildOutput(req protocol.ConnectorRequest) any {
	// Trigger-definition steps echo their registration payload so the
	// orchestrator can read (trigger_type, trigger_args) off the output.
	if strings.HasPrefix(req.ActionName, TriggerActionPrefix) {
		triggerType := strings.TrimPrefix(req.ActionName, TriggerActionPrefix)
		if t, ok := req.Params["trigger_type"].(string); ok && t != "" {
			triggerType = t
		}

		return map[string]any{
			"trigger_type": triggerType,
			"trigger_args": req.Params,
		}
	}

	if sample, ok := c.samples[req.ActionName]; ok {
		if schema, ok := sample.(map[string]any); ok {
			if _, isSchema := schema["type"]; isSchema {
				return fakeFromSchema(schema)
			}
		}

		return sample
	}

	return map[string]any{
		"simulated": true,
		"action":    req.ActionName,
		"params":    req.Params,
	}
}

// fakeFromSchema builds a placeholder value matching a JSON schema shape.
func fakeFromSchema(schema map[string]any) any {
	schemaType, _ := schema["type"].(string)

	switch schemaType {
	case "object":
		result := make(map[string]any)

		if properties, ok := schema["properties"].(map[string]any); ok {
			for name, property := range properties {
				if propertySchema, ok := property.(map[string]any); ok {
					result[name] = fakeFromSchema(propertySchema)
				}
			}
		}

		return result
	case "array":
		if items, ok := schema["items"].(map[string]any); ok {
			return []any{fakeFromSchema(items)}
		}

		return []any{}
	case "string":
		if example, ok := schema["example"].(string); ok {
			return example
		}

		return "simulated"
	case "number", "integer":
		return 0
	case "boolean":
		return false
	default:
		return nil
	}
}
