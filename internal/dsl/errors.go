package dsl

import "fmt"

// Pos is a 1-based line and column in strategy source.
type Pos struct {
	Line int
	Col  int
}

func (p Pos) String() string {
	return fmt.Sprintf("%d:%d", p.Line, p.Col)
}

// ParseError reports malformed source: unbalanced delimiters, empty or
// unknown expressions, bad literals, or exceeded depth/node limits.
type ParseError struct {
	Pos Pos
	Msg string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at %s: %s", e.Pos, e.Msg)
}

// SchemaError reports a known construct used with the wrong number or type
// of arguments. It unwraps to a *ParseError so callers that only care about
// "did parsing fail" can match on that.
type SchemaError struct {
	Form string
	Pos  Pos
	Msg  string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema error at %s: (%s) %s", e.Pos, e.Form, e.Msg)
}

func (e *SchemaError) Unwrap() error {
	return &ParseError{Pos: e.Pos, Msg: e.Form + ": " + e.Msg}
}

func parseErrorf(pos Pos, format string, args ...any) error {
	return &ParseError{Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

func schemaErrorf(form string, pos Pos, format string, args ...any) error {
	return &SchemaError{Form: form, Pos: pos, Msg: fmt.Sprintf(format, args...)}
}
