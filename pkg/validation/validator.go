// Package validation performs static checks on flow specs before
// execution: referential integrity, cycle detection and field sanity.
// A spec that passes is compiled into an index-resolved program so the
// execution loop never re-checks references.
package validation

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"

	"github.com/flowforge/flowforge/pkg/models"
)

// Validator checks flow specs and step lists.
type Validator struct {
	validate *validator.Validate
}

// New creates a validator.
func New() *Validator {
	return &Validator{validate: validator.New()}
}

// ValidateFlowSpec checks the whole spec and compiles it. It rejects an
// empty start id, missing steps, duplicate node ids, dangling references,
// branch steps without a condition, and cycles. Diamond-shaped
// re-convergence is legal; only a back-edge within the active path is a
// cycle.
func (v *Validator) ValidateFlowSpec(spec *models.FlowSpec) (*models.Program, error) {
	if spec == nil {
		return nil, models.NewValidationError("", "spec is required")
	}

	if spec.StartID == "" {
		return nil, models.NewValidationError("", "start_id is required")
	}

	if len(spec.Steps) == 0 {
		return nil, models.NewValidationError("", "at least one step is required")
	}

	if err := v.validate.Struct(spec); err != nil {
		return nil, &models.ValidationError{Detail: "spec failed field validation", Err: err}
	}

	if err := v.ValidateSteps(spec.Steps); err != nil {
		return nil, err
	}

	index := make(map[string]int, len(spec.Steps))

	for i, step := range spec.Steps {
		if _, exists := index[step.NodeID]; exists {
			return nil, models.NewValidationError(step.NodeID, "duplicate node id")
		}

		index[step.NodeID] = i
	}

	startIdx, ok := index[spec.StartID]
	if !ok {
		return nil, models.NewValidationError("", fmt.Sprintf("start_id %q does not reference a declared step", spec.StartID))
	}

	program := &models.Program{
		Start: startIdx,
		Steps: make([]models.CompiledStep, len(spec.Steps)),
	}

	for i, step := range spec.Steps {
		compiled := models.CompiledStep{
			Step:     step,
			Next:     models.EndOfFlow,
			TrueIdx:  models.EndOfFlow,
			FalseIdx: models.EndOfFlow,
		}

		if step.IsBranch() {
			if step.Condition == "" {
				return nil, models.NewValidationError(step.NodeID, "branch condition must be a non-empty string")
			}

			trueIdx, ok := index[step.NextOnTrue]
			if !ok {
				return nil, models.NewValidationError(step.NodeID, fmt.Sprintf("next_on_true %q does not reference a declared step", step.NextOnTrue))
			}

			falseIdx, ok := index[step.NextOnFalse]
			if !ok {
				return nil, models.NewValidationError(step.NodeID, fmt.Sprintf("next_on_false %q does not reference a declared step", step.NextOnFalse))
			}

			compiled.TrueIdx = trueIdx
			compiled.FalseIdx = falseIdx
		} else if step.Next != nil {
			nextIdx, ok := index[*step.Next]
			if !ok {
				return nil, models.NewValidationError(step.NodeID, fmt.Sprintf("next %q does not reference a declared step", *step.Next))
			}

			compiled.Next = nextIdx
		}

		program.Steps[i] = compiled
	}

	if err := detectCycles(program); err != nil {
		return nil, err
	}

	return program, nil
}

// ValidateSteps performs per-step field sanity checks independent of the
// graph shape: retries and timeout bounds, branch target presence, and
// params-metadata schema conformance when metadata is present.
func (v *Validator) ValidateSteps(steps []models.Step) error {
	for i := range steps {
		step := &steps[i]

		if step.NodeID == "" {
			return models.NewValidationError("", fmt.Sprintf("step at position %d has no node id", i))
		}

		if step.IsBranch() {
			if step.NextOnTrue == "" || step.NextOnFalse == "" {
				return models.NewValidationError(step.NodeID, "branch step requires next_on_true and next_on_false")
			}

			continue
		}

		if step.ActionID == "" {
			return models.NewValidationError(step.NodeID, "action step requires an action id")
		}

		if step.Retries < 0 {
			return models.NewValidationError(step.NodeID, "retries must be >= 0")
		}

		if step.TimeoutMS != nil && *step.TimeoutMS < 0 {
			return models.NewValidationError(step.NodeID, "timeout_ms must be >= 0")
		}

		if len(step.ParamsMeta) > 0 {
			if err := validateParamsAgainstMeta(step); err != nil {
				return err
			}
		}
	}

	return nil
}

// validateParamsAgainstMeta treats the step's params metadata as a JSON
// schema and checks the params against it.
func validateParamsAgainstMeta(step *models.Step) error {
	schemaLoader := gojsonschema.NewGoLoader(step.ParamsMeta)
	documentLoader := gojsonschema.NewGoLoader(step.Params)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return &models.ValidationError{
			NodeID: step.NodeID,
			Detail: "params metadata is not a valid schema",
			Err:    err,
		}
	}

	if !result.Valid() {
		detail := "params do not match metadata schema"
		if len(result.Errors()) > 0 {
			detail = result.Errors()[0].String()
		}

		return models.NewValidationError(step.NodeID, detail)
	}

	return nil
}

// detectCycles walks every graph path depth-first tracking the active
// path only; revisiting a node via a different path is allowed.
func detectCycles(program *models.Program) error {
	onPath := make([]bool, len(program.Steps))
	finished := make([]bool, len(program.Steps))

	var walk func(idx int) error

	walk = func(idx int) error {
		if idx == models.EndOfFlow {
			return nil
		}

		if onPath[idx] {
			return models.NewValidationError(program.Steps[idx].Step.NodeID, "cycle detected")
		}

		if finished[idx] {
			return nil
		}

		onPath[idx] = true

		step := &program.Steps[idx]
		if step.Step.IsBranch() {
			if err := walk(step.TrueIdx); err != nil {
				return err
			}

			if err := walk(step.FalseIdx); err != nil {
				return err
			}
		} else if err := walk(step.Next); err != nil {
			return err
		}

		onPath[idx] = false
		finished[idx] = true

		return nil
	}

	return walk(program.Start)
}

// CompileSteps builds a program from an ad-hoc step list without the full
// validation gate. References that do not resolve simply end the walk, so
// ephemeral/preview runs keep identical per-step semantics.
func CompileSteps(startID string, steps []models.Step) (*models.Program, error) {
	if len(steps) == 0 {
		return nil, models.NewValidationError("", "at least one step is required")
	}

	index := make(map[string]int, len(steps))
	for i, step := range steps {
		index[step.NodeID] = i
	}

	startIdx, ok := index[startID]
	if !ok {
		return nil, models.NewValidationError("", fmt.Sprintf("start step %q not found", startID))
	}

	program := &models.Program{
		Start: startIdx,
		Steps: make([]models.CompiledStep, len(steps)),
	}

	resolve := func(id string) int {
		if idx, ok := index[id]; ok {
			return idx
		}

		return models.EndOfFlow
	}

	for i, step := range steps {
		compiled := models.CompiledStep{
			Step:     step,
			Next:     models.EndOfFlow,
			TrueIdx:  models.EndOfFlow,
			FalseIdx: models.EndOfFlow,
		}

		if step.IsBranch() {
			compiled.TrueIdx = resolve(step.NextOnTrue)
			compiled.FalseIdx = resolve(step.NextOnFalse)
		} else if step.Next != nil {
			compiled.Next = resolve(*step.Next)
		}

		program.Steps[i] = compiled
	}

	return program, nil
}
