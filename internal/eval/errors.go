package eval

import (
	"fmt"

	"symphony/internal/dsl"
)

// EvaluationError reports a type mismatch, a false condition without an
// else branch, or an unbound symbol.
type EvaluationError struct {
	NodeID string
	Kind   dsl.Kind
	Msg    string
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluation error in %s: %s", e.Kind, e.Msg)
}

// IndicatorError reports missing market data or an indicator without a
// valid value. Err, when set, is the underlying data access failure.
type IndicatorError struct {
	Func   dsl.IndicatorFunc
	Symbol string
	Window int
	Msg    string
	Err    error
}

func (e *IndicatorError) Error() string {
	s := fmt.Sprintf("indicator %s(%s, %d): %s", e.Func, e.Symbol, e.Window, e.Msg)
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *IndicatorError) Unwrap() error { return e.Err }

// PortfolioError reports invalid weight algebra: a non-portfolio operand
// or a normalization over zero total weight.
type PortfolioError struct {
	Op  string
	Msg string
}

func (e *PortfolioError) Error() string {
	return fmt.Sprintf("portfolio error in %s: %s", e.Op, e.Msg)
}

func evalErrorf(n dsl.Node, format string, args ...any) error {
	return &EvaluationError{NodeID: n.ID(), Kind: n.Kind(), Msg: fmt.Sprintf(format, args...)}
}

func portfolioErrorf(op, format string, args ...any) error {
	return &PortfolioError{Op: op, Msg: fmt.Sprintf(format, args...)}
}
