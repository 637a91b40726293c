// Package template resolves {{stepId.output.fieldPath}} references in
// step parameters against the accumulated execution context.
//
// An unresolved path degrades to the literal template text rather than
// failing: a half-configured flow still runs, and the literal makes the
// missing reference visible in the connector payload.
package template

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Jeffail/gabs/v2"

	"github.com/flowforge/flowforge/pkg/models"
)

var referencePattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_\-]+(?:\.[A-Za-z0-9_\-]+)*)\s*\}\}`)

// Resolve substitutes every {{path}} reference in input. When the whole
// input is a single reference the resolved value keeps its original type;
// references embedded in surrounding text are stringified.
func Resolve(input string, executionCtx *models.ExecutionContext) any {
	data := executionCtx.TemplateData()

	if match := referencePattern.FindStringSubmatch(input); match != nil && match[0] == strings.TrimSpace(input) {
		value, ok := lookup(data, match[1])
		if !ok {
			return input
		}

		return value
	}

	return referencePattern.ReplaceAllStringFunc(input, func(ref string) string {
		path := referencePattern.FindStringSubmatch(ref)[1]

		value, ok := lookup(data, path)
		if !ok {
			return ref
		}

		return stringify(value)
	})
}

// ResolveParams deep-copies params with every string value resolved.
// Nested maps and slices are walked; non-string leaves pass through.
func ResolveParams(params map[string]any, executionCtx *models.ExecutionContext) map[string]any {
	if params == nil {
		return nil
	}

	resolved := make(map[string]any, len(params))
	for key, value := range params {
		resolved[key] = resolveValue(value, executionCtx)
	}

	return resolved
}

func resolveValue(value any, executionCtx *models.ExecutionContext) any {
	switch v := value.(type) {
	case string:
		return Resolve(v, executionCtx)
	case map[string]any:
		return ResolveParams(v, executionCtx)
	case []any:
		resolved := make([]any, len(v))
		for i, item := range v {
			resolved[i] = resolveValue(item, executionCtx)
		}

		return resolved
	default:
		return value
	}
}

func lookup(data map[string]any, path string) (any, bool) {
	container := gabs.Wrap(data)

	value := container.Path(path)
	if value == nil {
		return nil, false
	}

	return value.Data(), true
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		if container := gabs.Wrap(v); container != nil {
			if _, isMap := v.(map[string]any); isMap {
				return container.String()
			}

			if _, isSlice := v.([]any); isSlice {
				return container.String()
			}
		}

		return fmt.Sprintf("%v", v)
	}
}
