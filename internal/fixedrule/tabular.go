package fixedrule

import (
	"database/sql"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"strata/internal/core"
	"strata/internal/expr"
	"strata/internal/store"
)

// Tabular utility rules: constant data, CSV and JSON files, and rows pulled
// from a MySQL server.

func init() {
	Register("Constant", &Constant{})
	Register("ReadCsv", &readCsv{})
	Register("ReadJson", &readJson{})
	Register("ReadMysql", &readMysql{})
}

// Constant materializes the rows given in its `data` option. It backs
// `<-` constant rules and the `_new` / `_old` tuple sets injected into
// trigger programs.
type Constant struct{ NoOptions }

func constantRows(opts map[string]expr.Expr, at core.Span) ([]core.List, error) {
	e, ok := opts["data"]
	if !ok {
		return nil, fmt.Errorf("option 'data' is required for Constant at %s", at)
	}
	v, err := expr.EvalConst(e)
	if err != nil {
		return nil, fmt.Errorf("option 'data' must be constant at %s: %w", at, err)
	}
	rows, ok := v.(core.List)
	if !ok {
		return nil, fmt.Errorf("option 'data' must be a list of rows, got %s at %s", v.Kind(), at)
	}
	out := make([]core.List, len(rows))
	for i, r := range rows {
		row, ok := r.(core.List)
		if !ok {
			// a flat list is one single-column relation
			row = core.List{r}
		}
		out[i] = row
	}
	return out, nil
}

// Arity reports the row width of the data, preferring the declared head.
func (c *Constant) Arity(opts map[string]expr.Expr, head []core.Symbol, at core.Span) (int, error) {
	if len(head) > 0 {
		return len(head), nil
	}
	rows, err := constantRows(opts, at)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, fmt.Errorf("cannot determine the arity of an empty constant rule without a head at %s", at)
	}
	return len(rows[0]), nil
}

func (c *Constant) Run(p *Payload, out *store.MemStore, poison core.Poison) error {
	rows, err := constantRows(p.Options, p.At)
	if err != nil {
		return err
	}
	width := -1
	for _, row := range rows {
		if err := poison.Check(); err != nil {
			return err
		}
		if width == -1 {
			width = len(row)
		} else if len(row) != width {
			return fmt.Errorf("constant rule rows have inconsistent widths %d and %d at %s", width, len(row), p.At)
		}
		out.Put(core.Tuple(row), 0)
	}
	return nil
}

func parseIntField(s string) (core.Value, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("cannot parse %q as Int", s)
	}
	return core.Int(n), nil
}

func parseFloatField(s string) (core.Value, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return nil, fmt.Errorf("cannot parse %q as Float", s)
	}
	return core.Float(f), nil
}

// readCsv loads a delimited file. Options: path (required), types (required
// list of column type names, e.g. ["String", "Int?"]), delimiter, headers.
type readCsv struct{ NoOptions }

func (r *readCsv) Arity(opts map[string]expr.Expr, _ []core.Symbol, at core.Span) (int, error) {
	e, ok := opts["types"]
	if !ok {
		return 0, fmt.Errorf("option 'types' is required for ReadCsv at %s", at)
	}
	v, err := expr.EvalConst(e)
	if err != nil {
		return 0, err
	}
	l, ok := v.(core.List)
	if !ok || len(l) == 0 {
		return 0, fmt.Errorf("option 'types' must be a non-empty list at %s", at)
	}
	return len(l), nil
}

func (r *readCsv) Run(p *Payload, out *store.MemStore, poison core.Poison) error {
	path, err := p.RequiredStrOption("path")
	if err != nil {
		return err
	}
	delimiter, err := p.StrOption("delimiter", ",")
	if err != nil {
		return err
	}
	hasHeaders, err := p.BoolOption("headers", false)
	if err != nil {
		return err
	}
	typesList, ok, err := p.ListOption("types")
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("option 'types' is required for ReadCsv at %s", p.At)
	}
	parsers := make([]func(string) (core.Value, error), len(typesList))
	for i, t := range typesList {
		name, isStr := t.(core.Str)
		if !isStr {
			return fmt.Errorf("column types must be strings, got %s", t.Kind())
		}
		parsers[i], err = typeNameToParser(string(name))
		if err != nil {
			return err
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening csv file: %w", err)
	}
	defer f.Close()
	reader := csv.NewReader(f)
	reader.Comma = []rune(delimiter)[0]
	reader.FieldsPerRecord = len(parsers)
	records, err := reader.ReadAll()
	if err != nil {
		return fmt.Errorf("reading csv file %s: %w", path, err)
	}
	for i, rec := range records {
		if err := poison.Check(); err != nil {
			return err
		}
		if i == 0 && hasHeaders {
			continue
		}
		row := make(core.Tuple, len(parsers))
		for j, field := range rec {
			v, err := parsers[j](field)
			if err != nil {
				return fmt.Errorf("csv row %d column %d: %w", i+1, j+1, err)
			}
			row[j] = v
		}
		out.Put(row, 0)
	}
	return nil
}

// readJson loads rows from a file holding either a JSON array of objects or
// newline-delimited objects. Options: path (required), fields (required list
// of field names to project).
type readJson struct{ NoOptions }

func (r *readJson) Arity(opts map[string]expr.Expr, _ []core.Symbol, at core.Span) (int, error) {
	e, ok := opts["fields"]
	if !ok {
		return 0, fmt.Errorf("option 'fields' is required for ReadJson at %s", at)
	}
	v, err := expr.EvalConst(e)
	if err != nil {
		return 0, err
	}
	l, ok := v.(core.List)
	if !ok || len(l) == 0 {
		return 0, fmt.Errorf("option 'fields' must be a non-empty list at %s", at)
	}
	return len(l), nil
}

func (r *readJson) Run(p *Payload, out *store.MemStore, poison core.Poison) error {
	path, err := p.RequiredStrOption("path")
	if err != nil {
		return err
	}
	fieldsList, ok, err := p.ListOption("fields")
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("option 'fields' is required for ReadJson at %s", p.At)
	}
	fields := make([]string, len(fieldsList))
	for i, f := range fieldsList {
		s, isStr := f.(core.Str)
		if !isStr {
			return fmt.Errorf("field names must be strings, got %s", f.Kind())
		}
		fields[i] = string(s)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("opening json file: %w", err)
	}
	var objects []map[string]interface{}
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(raw, &objects); err != nil {
			return fmt.Errorf("parsing json file %s: %w", path, err)
		}
	} else {
		for lineNo, line := range strings.Split(trimmed, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			var obj map[string]interface{}
			if err := json.Unmarshal([]byte(line), &obj); err != nil {
				return fmt.Errorf("parsing json line %d of %s: %w", lineNo+1, path, err)
			}
			objects = append(objects, obj)
		}
	}
	for _, obj := range objects {
		if err := poison.Check(); err != nil {
			return err
		}
		row := make(core.Tuple, len(fields))
		for i, field := range fields {
			row[i] = jsonToValue(obj[field])
		}
		out.Put(row, 0)
	}
	return nil
}

func jsonToValue(v interface{}) core.Value {
	switch t := v.(type) {
	case nil:
		return core.Null{}
	case bool:
		return core.Bool(t)
	case float64:
		if t == float64(int64(t)) {
			return core.Int(int64(t))
		}
		return core.Float(t)
	case string:
		return core.Str(t)
	case []interface{}:
		out := make(core.List, len(t))
		for i, el := range t {
			out[i] = jsonToValue(el)
		}
		return out
	case map[string]interface{}:
		raw, err := json.Marshal(t)
		if err != nil {
			return core.Null{}
		}
		j, err := core.NewJson(raw)
		if err != nil {
			return core.Null{}
		}
		return j
	}
	return core.Null{}
}

// readMysql pulls tuples from a MySQL query. Options: dsn and query
// (required). The output arity comes from the declared head, so the rule
// must be written as `head[a, b, c] <~ ReadMysql(...)`. The driver is
// registered by the embedding binary.
type readMysql struct{ NoOptions }

func (r *readMysql) Arity(_ map[string]expr.Expr, head []core.Symbol, at core.Span) (int, error) {
	if len(head) == 0 {
		return 0, fmt.Errorf("ReadMysql requires explicit head variables to fix its arity at %s", at)
	}
	return len(head), nil
}

func (r *readMysql) Run(p *Payload, out *store.MemStore, poison core.Poison) error {
	dsn, err := p.RequiredStrOption("dsn")
	if err != nil {
		return err
	}
	query, err := p.RequiredStrOption("query")
	if err != nil {
		return err
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return fmt.Errorf("connecting to mysql: %w", err)
	}
	defer db.Close()

	rows, err := db.Query(query)
	if err != nil {
		return fmt.Errorf("running mysql query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}
	for rows.Next() {
		if err := poison.Check(); err != nil {
			return err
		}
		raw := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		row := make(core.Tuple, len(cols))
		for i, v := range raw {
			row[i] = sqlToValue(v)
		}
		out.Put(row, 0)
	}
	return rows.Err()
}

func sqlToValue(v interface{}) core.Value {
	switch t := v.(type) {
	case nil:
		return core.Null{}
	case bool:
		return core.Bool(t)
	case int64:
		return core.Int(t)
	case float64:
		return core.Float(t)
	case []byte:
		return core.Str(string(t))
	case string:
		return core.Str(t)
	}
	return core.Str(fmt.Sprintf("%v", v))
}
