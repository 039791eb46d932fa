package dsl

import (
	"strconv"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokOpen          // ( [ {
	tokClose         // ) ] }
	tokString
	tokNumber
	tokSymbol
	tokKeyword
)

type token struct {
	kind tokenKind
	pos  Pos
	text string // delimiter char, symbol/keyword name, or decoded string
	num  float64
}

// lexer splits source into tokens. Commas are whitespace and ';' starts a
// comment that runs to the end of the line.
type lexer struct {
	src  []rune
	off  int
	line int
	col  int
}

func newLexer(src string) *lexer {
	return &lexer{src: []rune(src), line: 1, col: 1}
}

func (l *lexer) peekRune() (rune, bool) {
	if l.off >= len(l.src) {
		return 0, false
	}
	return l.src[l.off], true
}

func (l *lexer) advance() rune {
	r := l.src[l.off]
	l.off++
	if r == '\n' {
		l.line++
		l.col = 1
	} else {
		l.col++
	}
	return r
}

func (l *lexer) skipSpace() {
	for {
		r, ok := l.peekRune()
		if !ok {
			return
		}
		switch {
		case r == ';':
			for {
				r, ok := l.peekRune()
				if !ok || r == '\n' {
					break
				}
				l.advance()
			}
		case r == ',' || unicode.IsSpace(r):
			l.advance()
		default:
			return
		}
	}
}

func isDelimiter(r rune) bool {
	switch r {
	case '(', ')', '[', ']', '{', '}', '"', ';', ',':
		return true
	}
	return unicode.IsSpace(r)
}

func (l *lexer) next() (token, error) {
	l.skipSpace()
	pos := Pos{Line: l.line, Col: l.col}
	r, ok := l.peekRune()
	if !ok {
		return token{kind: tokEOF, pos: pos}, nil
	}

	switch r {
	case '(', '[', '{':
		l.advance()
		return token{kind: tokOpen, pos: pos, text: string(r)}, nil
	case ')', ']', '}':
		l.advance()
		return token{kind: tokClose, pos: pos, text: string(r)}, nil
	case '"':
		return l.readString(pos)
	}

	start := l.off
	for {
		r, ok := l.peekRune()
		if !ok || isDelimiter(r) {
			break
		}
		l.advance()
	}
	text := string(l.src[start:l.off])

	if looksNumeric(text) {
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return token{}, parseErrorf(pos, "invalid number %q", text)
		}
		return token{kind: tokNumber, pos: pos, text: text, num: v}, nil
	}
	if strings.HasPrefix(text, ":") {
		if len(text) == 1 {
			return token{}, parseErrorf(pos, "empty keyword")
		}
		return token{kind: tokKeyword, pos: pos, text: text[1:]}, nil
	}
	return token{kind: tokSymbol, pos: pos, text: text}, nil
}

func (l *lexer) readString(pos Pos) (token, error) {
	l.advance() // opening quote
	var b strings.Builder
	for {
		r, ok := l.peekRune()
		if !ok {
			return token{}, parseErrorf(pos, "unterminated string")
		}
		l.advance()
		switch r {
		case '"':
			return token{kind: tokString, pos: pos, text: b.String()}, nil
		case '\\':
			esc, ok := l.peekRune()
			if !ok {
				return token{}, parseErrorf(pos, "unterminated string")
			}
			l.advance()
			switch esc {
			case 'n':
				b.WriteRune('\n')
			case 't':
				b.WriteRune('\t')
			case '"', '\\':
				b.WriteRune(esc)
			default:
				return token{}, parseErrorf(Pos{l.line, l.col - 2}, "unknown escape \\%c", esc)
			}
		default:
			b.WriteRune(r)
		}
	}
}

func looksNumeric(s string) bool {
	if s == "" {
		return false
	}
	i := 0
	if s[0] == '+' || s[0] == '-' {
		i = 1
	}
	if i < len(s) && s[i] == '.' {
		i++
	}
	return i < len(s) && s[i] >= '0' && s[i] <= '9'
}
