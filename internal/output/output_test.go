package output

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strata/internal/core"
	"strata/internal/eval"
)

func sampleRows() eval.NamedRows {
	return eval.NamedRows{
		Headers: []string{"name", "n", "tags"},
		Rows: []core.Tuple{
			{core.Str("alice"), core.Int(30), core.List{core.Str("a")}},
			{core.Str("bob"), core.Null{}, core.List{}},
		},
	}
}

func TestNewFormatterSelection(t *testing.T) {
	f, err := NewFormatter("")
	require.NoError(t, err)
	_, isHuman := f.(humanFormatter)
	assert.True(t, isHuman)

	f, err = NewFormatter("JSON")
	require.NoError(t, err)
	_, isJSON := f.(jsonFormatter)
	assert.True(t, isJSON)

	_, err = NewFormatter("yaml")
	require.ErrorContains(t, err, "unsupported format")
}

func TestHumanTable(t *testing.T) {
	out, err := humanFormatter{}.FormatRows(sampleRows())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "name")
	assert.Contains(t, lines[2], "alice")
	assert.Contains(t, lines[3], "null")
}

func TestJSONOutput(t *testing.T) {
	out, err := jsonFormatter{}.FormatRows(sampleRows())
	require.NoError(t, err)
	assert.Contains(t, out, `"headers":["name","n","tags"]`)
	assert.Contains(t, out, `"alice"`)
	assert.Contains(t, out, `null`)
}
