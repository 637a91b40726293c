package models

// StepType discriminates the two step variants in a flow graph.
type StepType string

const (
	StepTypeAction StepType = "action"
	StepTypeBranch StepType = "branch"
)

// FallbackActionID marks steps a planner emitted when it could not produce
// a real action. Specs containing such steps are executable for preview but
// must never be scheduled.
const FallbackActionID = "core.fallback"

// Step is one node of a flow graph. It is a tagged union: Type selects
// which fields are meaningful.
//
// Action steps carry the action to invoke plus retry/timeout policy and an
// optional pointer to the next step. Branch steps carry a condition and two
// required outgoing references.
type Step struct {
	Type   StepType `json:"type"`
	NodeID string   `json:"node_id" validate:"required"`

	// Action step fields.
	ActionID    string         `json:"action_id,omitempty"`
	Name        string         `json:"name,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
	ParamsMeta  map[string]any `json:"params_meta,omitempty"`
	DefaultAuth string         `json:"default_auth,omitempty"`
	Retries     int            `json:"retries"              validate:"min=0"`
	TimeoutMS   *int64         `json:"timeout_ms,omitempty"`
	Simulate    bool           `json:"simulate"`
	Next        *string        `json:"next,omitempty"`

	// Branch step fields.
	Condition   string `json:"condition,omitempty"`
	NextOnTrue  string `json:"next_on_true,omitempty"`
	NextOnFalse string `json:"next_on_false,omitempty"`
}

// IsBranch reports whether the step is a branch step.
func (s *Step) IsBranch() bool {
	return s.Type == StepTypeBranch
}

// IsFallback reports whether the step is a planner fallback marker.
func (s *Step) IsFallback() bool {
	return s.ActionID == FallbackActionID
}
