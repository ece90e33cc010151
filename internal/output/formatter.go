// Package output provides a set of formatters for query results. It is
// extendable and for now provides two formats: a human-readable table and
// JSON.
package output

import (
	"fmt"
	"strings"

	"strata/internal/eval"
)

// Format is an enum type representing the available output formats.
type Format string

const (
	FormatHuman Format = "human"
	FormatJSON  Format = "json"
)

// Formatter renders the rows of one executed script.
type Formatter interface {
	FormatRows(eval.NamedRows) (string, error)
}

// NewFormatter creates a Formatter by name, defaulting to the human table.
func NewFormatter(name string) (Formatter, error) {
	format := Format(strings.ToLower(strings.TrimSpace(name)))
	switch format {
	case "", FormatHuman:
		return humanFormatter{}, nil
	case FormatJSON:
		return jsonFormatter{}, nil
	default:
		return nil, fmt.Errorf("unsupported format: %s; use 'human' or 'json'", name)
	}
}
