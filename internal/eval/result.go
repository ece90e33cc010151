package eval

import (
	"fmt"
	"sort"

	"strata/internal/core"
	"strata/internal/program"
	"strata/internal/store"
)

// NamedRows is a materialized result: header names plus rows.
type NamedRows struct {
	Headers []string
	Rows    []core.Tuple
}

// ShapeResult applies the result options to the finalized entry store:
// ordering, offset/limit slicing, and the :assert checks. Without a sorter
// the limit and offset are pushed into the scan.
func ShapeResult(entry *store.MemStore, headers []string, opts program.QueryOptions) (NamedRows, error) {
	out := NamedRows{Headers: headers}

	if len(opts.Sorters) == 0 {
		skip := opts.Offset
		remaining := -1
		if opts.Limit != nil {
			remaining = *opts.Limit
		}
		err := entry.ScanAll(func(t core.Tuple) error {
			if skip > 0 {
				skip--
				return nil
			}
			if remaining == 0 {
				return store.ErrStopScan
			}
			if remaining > 0 {
				remaining--
			}
			out.Rows = append(out.Rows, t)
			return nil
		})
		if err != nil {
			return out, err
		}
		return assertChecked(out, opts)
	}

	sortIdx := make([]int, len(opts.Sorters))
	for i, s := range opts.Sorters {
		pos := -1
		for j, h := range headers {
			if h == s.Var.Name {
				pos = j
				break
			}
		}
		if pos < 0 {
			return out, fmt.Errorf("the sort key '%s' is not found among the output columns at %s", s.Var.Name, s.Var.Span)
		}
		sortIdx[i] = pos
	}

	var rows []core.Tuple
	if err := entry.ScanAll(func(t core.Tuple) error {
		rows = append(rows, t)
		return nil
	}); err != nil {
		return out, err
	}
	sort.SliceStable(rows, func(a, b int) bool {
		for i, pos := range sortIdx {
			c := core.Compare(rows[a][pos], rows[b][pos])
			if c != 0 {
				return c*int(opts.Sorters[i].Dir) < 0
			}
		}
		return false
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(rows) {
			rows = nil
		} else {
			rows = rows[opts.Offset:]
		}
	}
	if opts.Limit != nil && *opts.Limit < len(rows) {
		rows = rows[:*opts.Limit]
	}
	out.Rows = rows
	return assertChecked(out, opts)
}

func assertChecked(out NamedRows, opts program.QueryOptions) (NamedRows, error) {
	switch opts.Assert {
	case program.AssertNone:
		if len(out.Rows) > 0 {
			return out, fmt.Errorf("assertion failure: expected no rows, got %d", len(out.Rows))
		}
	case program.AssertSome:
		if len(out.Rows) == 0 {
			return out, fmt.Errorf("assertion failure: expected some rows, got none")
		}
	}
	return out, nil
}
