package output

import (
	"math"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"strata/internal/core"
	"strata/internal/eval"
)

type jsonFormatter struct{}

type rowsPayload struct {
	Headers []string        `json:"headers"`
	Rows    [][]interface{} `json:"rows"`
}

// FormatRows renders {"headers": [...], "rows": [[...], ...]}.
func (jsonFormatter) FormatRows(rows eval.NamedRows) (string, error) {
	payload := rowsPayload{Headers: rows.Headers, Rows: make([][]interface{}, len(rows.Rows))}
	for i, row := range rows.Rows {
		out := make([]interface{}, len(row))
		for j, v := range row {
			out[j] = valueToJSON(v)
		}
		payload.Rows[i] = out
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func valueToJSON(v core.Value) interface{} {
	switch t := v.(type) {
	case core.Null:
		return nil
	case core.Bool:
		return bool(t)
	case core.Int:
		return int64(t)
	case core.Float:
		f := float64(t)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return core.String(t)
		}
		return f
	case core.Str:
		return string(t)
	case core.Bytes:
		return []byte(t)
	case core.Uuid:
		return uuid.UUID(t).String()
	case core.List:
		out := make([]interface{}, len(t))
		for i, el := range t {
			out[i] = valueToJSON(el)
		}
		return out
	case core.Set:
		out := make([]interface{}, len(t))
		for i, el := range t {
			out[i] = valueToJSON(el)
		}
		return out
	case core.Json:
		return json.RawMessage(t)
	case core.Validity:
		return []interface{}{t.Ts, t.Assert}
	}
	return core.String(v)
}
