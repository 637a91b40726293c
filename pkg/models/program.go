package models

// EndOfFlow is the index value meaning "no next step": the walk stops.
const EndOfFlow = -1

// CompiledStep is one arena slot of a compiled flow: the step itself plus
// its outgoing references resolved to arena indices. Resolution happens
// once at validation time so the execution loop never performs existence
// checks.
type CompiledStep struct {
	Step     Step
	Next     int
	TrueIdx  int
	FalseIdx int
}

// Program is a validated, index-resolved flow spec ready for execution.
type Program struct {
	Start int
	Steps []CompiledStep
}

// First returns the entry step of the program.
func (p *Program) First() *CompiledStep {
	return &p.Steps[p.Start]
}
