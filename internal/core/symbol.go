package core

import (
	"fmt"
	"strings"
)

// Span locates a construct in the source script as a byte offset range.
type Span struct {
	Start int
	End   int
}

func (s Span) String() string {
	if s == (Span{}) {
		return "<builtin>"
	}
	return fmt.Sprintf("%d..%d", s.Start, s.End)
}

// Extend returns the smallest span covering both s and o.
func (s Span) Extend(o Span) Span {
	if s == (Span{}) {
		return o
	}
	if o == (Span{}) {
		return s
	}
	out := s
	if o.Start < out.Start {
		out.Start = o.Start
	}
	if o.End > out.End {
		out.End = o.End
	}
	return out
}

// ProgEntry is the name of the entry rule of a query.
const ProgEntry = "?"

// Reserved name prefixes. Generated join variables never collide with user
// variables because user variables cannot start with '*'.
const (
	genJoinPrefix    = "**"
	genIgnoredPrefix = "*^*"
)

// Symbol is a short name with a span back into the source.
type Symbol struct {
	Name string
	Span Span
}

func Sym(name string, span Span) Symbol { return Symbol{Name: name, Span: span} }

func (s Symbol) String() string { return s.Name }

// IsProgEntry reports whether this is the query entry head `?`.
func (s Symbol) IsProgEntry() bool { return s.Name == ProgEntry }

// IsVar reports whether the symbol names a variable rather than a rule.
func (s Symbol) IsVar() bool {
	return strings.HasPrefix(s.Name, "?") && len(s.Name) > 1 ||
		strings.HasPrefix(s.Name, "_") ||
		strings.HasPrefix(s.Name, "*")
}

// IsGenerated reports whether the compiler synthesized this symbol.
func (s Symbol) IsGenerated() bool { return strings.HasPrefix(s.Name, genJoinPrefix) }

// IsIgnored reports whether the symbol is a synthesized placeholder that
// appears once and never constrains anything.
func (s Symbol) IsIgnored() bool { return strings.HasPrefix(s.Name, genIgnoredPrefix) }

// GenJoinSym makes a fresh compiler join variable.
func GenJoinSym(serial int, span Span) Symbol {
	return Symbol{Name: fmt.Sprintf("%s%d", genJoinPrefix, serial), Span: span}
}

// GenIgnoredSym makes a fresh placeholder for a `_` position.
func GenIgnoredSym(serial int, span Span) Symbol {
	return Symbol{Name: fmt.Sprintf("%s%d", genIgnoredPrefix, serial), Span: span}
}
