package eval

import (
	"fmt"
	"strings"
)

// StepKind classifies a trace entry.
type StepKind string

const (
	StepCompare   StepKind = "compare"
	StepBranch    StepKind = "branch"
	StepIndicator StepKind = "indicator"
	StepPortfolio StepKind = "portfolio"
	StepFilter    StepKind = "filter"
	StepMemoHit   StepKind = "memo-hit"
)

// Step is one recorded evaluation decision.
type Step struct {
	Seq    int      `json:"seq"`
	Kind   StepKind `json:"kind"`
	NodeID string   `json:"node_id"`
	Detail string   `json:"detail"`
	Result string   `json:"result"`
}

// Trace is the ordered decision log of one Evaluate call.
type Trace struct {
	steps []Step
}

func (t *Trace) add(kind StepKind, nodeID, detail, result string) {
	t.steps = append(t.steps, Step{
		Seq:    len(t.steps) + 1,
		Kind:   kind,
		NodeID: nodeID,
		Detail: detail,
		Result: result,
	})
}

// Steps returns a copy of the recorded steps.
func (t *Trace) Steps() []Step {
	if t == nil {
		return nil
	}
	return append([]Step(nil), t.steps...)
}

// Len returns the number of recorded steps.
func (t *Trace) Len() int {
	if t == nil {
		return 0
	}
	return len(t.steps)
}

// Count returns how many steps of kind were recorded.
func (t *Trace) Count(kind StepKind) int {
	n := 0
	for _, s := range t.Steps() {
		if s.Kind == kind {
			n++
		}
	}
	return n
}

func (t *Trace) String() string {
	var b strings.Builder
	for _, s := range t.Steps() {
		fmt.Fprintf(&b, "%3d %-9s %-40s => %s\n", s.Seq, s.Kind, s.Detail, s.Result)
	}
	return b.String()
}
