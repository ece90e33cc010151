package output

import (
	"strings"

	"strata/internal/core"
	"strata/internal/eval"
)

type humanFormatter struct{}

// FormatRows renders an aligned text table with a header rule.
func (humanFormatter) FormatRows(rows eval.NamedRows) (string, error) {
	if len(rows.Headers) == 0 {
		return "", nil
	}
	cells := make([][]string, 0, len(rows.Rows)+1)
	cells = append(cells, rows.Headers)
	for _, row := range rows.Rows {
		line := make([]string, len(row))
		for i, v := range row {
			line[i] = core.String(v)
		}
		cells = append(cells, line)
	}

	widths := make([]int, len(rows.Headers))
	for _, line := range cells {
		for i, c := range line {
			if i < len(widths) && len(c) > widths[i] {
				widths[i] = len(c)
			}
		}
	}

	var sb strings.Builder
	writeLine := func(line []string) {
		for i, c := range line {
			if i > 0 {
				sb.WriteString("  ")
			}
			sb.WriteString(c)
			if i < len(line)-1 {
				sb.WriteString(strings.Repeat(" ", widths[i]-len(c)))
			}
		}
		sb.WriteByte('\n')
	}
	writeLine(cells[0])
	total := 0
	for _, w := range widths {
		total += w
	}
	sb.WriteString(strings.Repeat("-", total+2*(len(widths)-1)))
	sb.WriteByte('\n')
	for _, line := range cells[1:] {
		writeLine(line)
	}
	return sb.String(), nil
}
