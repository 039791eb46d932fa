package dsl

import "strconv"

type formKind int

const (
	formList formKind = iota
	formVector
	formMap
	formNumber
	formString
	formSymbol
	formKeyword
)

func (k formKind) String() string {
	switch k {
	case formList:
		return "list"
	case formVector:
		return "vector"
	case formMap:
		return "map"
	case formNumber:
		return "number"
	case formString:
		return "string"
	case formSymbol:
		return "symbol"
	case formKeyword:
		return "keyword"
	}
	return "form"
}

// form is the generic reader output: a literal or a delimited collection.
type form struct {
	kind  formKind
	pos   Pos
	text  string
	num   float64
	items []form
}

func (f form) String() string {
	switch f.kind {
	case formNumber:
		return encFloat(f.num)
	case formString:
		return strconv.Quote(f.text)
	case formKeyword:
		return ":" + f.text
	case formSymbol:
		return f.text
	}
	opener, closer := "(", ")"
	switch f.kind {
	case formVector:
		opener, closer = "[", "]"
	case formMap:
		opener, closer = "{", "}"
	}
	s := opener
	for i, it := range f.items {
		if i > 0 {
			s += " "
		}
		s += it.String()
	}
	return s + closer
}

var closerFor = map[string]string{"(": ")", "[": "]", "{": "}"}

// reader builds forms from tokens, enforcing nesting depth and total node
// count ceilings.
type reader struct {
	lex      *lexer
	maxDepth int
	maxNodes int
	nodes    int
}

func (r *reader) readRoot() (form, error) {
	tok, err := r.lex.next()
	if err != nil {
		return form{}, err
	}
	if tok.kind == tokEOF {
		return form{}, parseErrorf(tok.pos, "empty source")
	}
	root, err := r.read(tok, 0)
	if err != nil {
		return form{}, err
	}
	tok, err = r.lex.next()
	if err != nil {
		return form{}, err
	}
	if tok.kind != tokEOF {
		return form{}, parseErrorf(tok.pos, "unexpected content after root expression")
	}
	return root, nil
}

func (r *reader) count(pos Pos) error {
	r.nodes++
	if r.maxNodes > 0 && r.nodes > r.maxNodes {
		return parseErrorf(pos, "maximum node count %d exceeded", r.maxNodes)
	}
	return nil
}

func (r *reader) read(tok token, depth int) (form, error) {
	if err := r.count(tok.pos); err != nil {
		return form{}, err
	}
	switch tok.kind {
	case tokNumber:
		return form{kind: formNumber, pos: tok.pos, text: tok.text, num: tok.num}, nil
	case tokString:
		return form{kind: formString, pos: tok.pos, text: tok.text}, nil
	case tokSymbol:
		return form{kind: formSymbol, pos: tok.pos, text: tok.text}, nil
	case tokKeyword:
		return form{kind: formKeyword, pos: tok.pos, text: tok.text}, nil
	case tokClose:
		return form{}, parseErrorf(tok.pos, "unexpected '%s'", tok.text)
	case tokEOF:
		return form{}, parseErrorf(tok.pos, "unexpected end of input")
	}

	if r.maxDepth > 0 && depth+1 > r.maxDepth {
		return form{}, parseErrorf(tok.pos, "maximum nesting depth %d exceeded", r.maxDepth)
	}
	f := form{pos: tok.pos}
	switch tok.text {
	case "(":
		f.kind = formList
	case "[":
		f.kind = formVector
	default:
		f.kind = formMap
	}
	want := closerFor[tok.text]
	for {
		next, err := r.lex.next()
		if err != nil {
			return form{}, err
		}
		switch next.kind {
		case tokEOF:
			return form{}, parseErrorf(tok.pos, "unclosed '%s'", tok.text)
		case tokClose:
			if next.text != want {
				return form{}, parseErrorf(next.pos, "mismatched delimiter: expected '%s', got '%s'", want, next.text)
			}
			if f.kind == formMap && len(f.items)%2 != 0 {
				return form{}, parseErrorf(tok.pos, "map literal needs an even number of forms")
			}
			return f, nil
		}
		item, err := r.read(next, depth+1)
		if err != nil {
			return form{}, err
		}
		f.items = append(f.items, item)
	}
}
