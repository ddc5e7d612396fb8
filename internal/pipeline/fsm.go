// Package pipeline sequences the stages of a run.
//
// The Machine is a fixed transition table; Reduce merges a stage's delta into
// the state; the Orchestrator drives both, checkpointing after every stage so
// an interrupted run resumes from the last completed one.
package pipeline

import (
	"errors"
	"fmt"
	"sort"

	"lakeforge/internal/model"
)

// Condition is the outcome a transition is taken on.
type Condition string

const (
	// CondDone: the stage finished.
	CondDone Condition = "done"
	// CondNeedsCorrection: validation found errors and correction budget is left.
	CondNeedsCorrection Condition = "needs_correction"
	// CondAccepted: validation found no errors, or the budget is spent.
	CondAccepted Condition = "accepted"
	// CondFail: the stage returned a fatal error.
	CondFail Condition = "fail"
)

// ErrTransition is returned for an edge the Machine does not define.
var ErrTransition = errors.New("illegal pipeline transition")

type transitionKey struct {
	from model.Status
	cond Condition
}

// Machine maps (status, condition) to the next status.
//
//	parsing ─► inferring ─► generating ─► validating ─┬─► inserting ─► executing ─► complete
//	                            ▲                     │
//	                            └──── correcting ◄────┘ (errors, budget left)
//
// Every non-terminal status can move to failed.
type Machine struct {
	transitions map[transitionKey]model.Status
}

func NewMachine() *Machine {
	m := &Machine{transitions: make(map[transitionKey]model.Status)}

	m.add(model.StatusParsing, CondDone, model.StatusInferring)
	m.add(model.StatusInferring, CondDone, model.StatusGenerating)
	m.add(model.StatusGenerating, CondDone, model.StatusValidating)
	m.add(model.StatusValidating, CondNeedsCorrection, model.StatusCorrecting)
	m.add(model.StatusValidating, CondAccepted, model.StatusInserting)
	m.add(model.StatusCorrecting, CondDone, model.StatusGenerating)
	m.add(model.StatusInserting, CondDone, model.StatusExecuting)
	m.add(model.StatusExecuting, CondDone, model.StatusComplete)

	for _, s := range []model.Status{
		model.StatusParsing, model.StatusInferring, model.StatusGenerating, model.StatusValidating,
		model.StatusCorrecting, model.StatusInserting, model.StatusExecuting,
	} {
		m.add(s, CondFail, model.StatusFailed)
	}
	return m
}

func (m *Machine) add(from model.Status, cond Condition, to model.Status) {
	m.transitions[transitionKey{from: from, cond: cond}] = to
}

// Next returns the status reached from `from` on cond.
func (m *Machine) Next(from model.Status, cond Condition) (model.Status, error) {
	to, ok := m.transitions[transitionKey{from: from, cond: cond}]
	if !ok {
		return from, fmt.Errorf("%w: %s on %s", ErrTransition, from, cond)
	}
	return to, nil
}

func (m *Machine) CanTransition(from model.Status, cond Condition) bool {
	_, ok := m.transitions[transitionKey{from: from, cond: cond}]
	return ok
}

// Conditions lists the conditions defined for from, sorted.
func (m *Machine) Conditions(from model.Status) []Condition {
	var out []Condition
	for k := range m.transitions {
		if k.from == from {
			out = append(out, k.cond)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Evaluate picks the success condition for st after its current stage merged.
// At validating it routes to correction only while error-severity issues
// remain and IterationCount < MaxIterations.
func Evaluate(st model.PipelineState) Condition {
	if st.Status != model.StatusValidating {
		return CondDone
	}
	if model.HasErrors(st.ValidationIssues) && st.IterationCount < st.MaxIterations {
		return CondNeedsCorrection
	}
	return CondAccepted
}
