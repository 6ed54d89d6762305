package tablepoll

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Field is a single named value of a Row.
type Field struct {
	Name  string
	Value any
}

// Row is a record returned by the Table API. It keeps the field order of the
// response body.
//
// Values are decoded with json.Number for numbers.
type Row struct {
	fields []Field
	index  map[string]int
}

// NewRow builds a Row from fields in order. A repeated name overwrites the
// earlier value and keeps its position.
func NewRow(fields ...Field) Row {
	var r Row
	for _, f := range fields {
		r.set(f.Name, f.Value)
	}
	return r
}

func (r *Row) set(name string, value any) {
	if r.index == nil {
		r.index = make(map[string]int)
	}
	if i, ok := r.index[name]; ok {
		r.fields[i].Value = value
		return
	}
	r.index[name] = len(r.fields)
	r.fields = append(r.fields, Field{Name: name, Value: value})
}

// Get returns the value of the named field.
func (r Row) Get(name string) (any, bool) {
	i, ok := r.index[name]
	if !ok {
		return nil, false
	}
	return r.fields[i].Value, true
}

// GetString returns the string form of the named field, and false when the field
// is missing or null.
func (r Row) GetString(name string) (string, bool) {
	v, ok := r.Get(name)
	if !ok || v == nil {
		return "", false
	}
	return stringify(v), true
}

// Fields returns the fields in response order.
func (r Row) Fields() []Field {
	fields := make([]Field, len(r.fields))
	copy(fields, r.fields)
	return fields
}

// Len returns the number of fields.
func (r Row) Len() int {
	return len(r.fields)
}

func (r Row) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range r.fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(f.Value)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (r *Row) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return errors.New("row is not a JSON object")
	}

	*r = Row{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected token %v", tok)
		}
		var value any
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("field %q: %w", name, err)
		}
		r.set(name, value)
	}

	if _, err := dec.Token(); err != nil {
		return err
	}
	return nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case bool, float64, int, int64:
		return fmt.Sprint(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

// RowMapper maps the fields of a row to an output schema and value.
type RowMapper interface {
	MapRow(fields []Field) (*ValueSchema, any, error)
}

// RowMapperFunc is an adapter to allow the use of ordinary functions as RowMapper.
type RowMapperFunc func([]Field) (*ValueSchema, any, error)

// MapRow calls f(fields).
func (f RowMapperFunc) MapRow(fields []Field) (*ValueSchema, any, error) {
	return f(fields)
}

// ValueSchema describes a mapped row value: an ordered list of optional
// string fields.
type ValueSchema struct {
	Fields []string `json:"fields"`
}

// StringRowMapper maps every field to an optional string, replacing dots in
// field names with double underscores.
//
// The schema is derived from the first row it sees and reused afterwards, so a
// StringRowMapper must not be shared across partitions.
type StringRowMapper struct {
	schema *ValueSchema
}

// MapRow implements RowMapper.
func (m *StringRowMapper) MapRow(fields []Field) (*ValueSchema, any, error) {
	if m.schema == nil {
		s := &ValueSchema{Fields: make([]string, 0, len(fields))}
		for _, f := range fields {
			if strings.TrimSpace(f.Name) == "" {
				continue
			}
			s.Fields = append(s.Fields, sanitizeFieldName(f.Name))
		}
		m.schema = s
	}

	value := make(map[string]*string, len(fields))
	for _, f := range fields {
		if strings.TrimSpace(f.Name) == "" {
			continue
		}
		if f.Value == nil {
			value[sanitizeFieldName(f.Name)] = nil
			continue
		}
		s := stringify(f.Value)
		value[sanitizeFieldName(f.Name)] = &s
	}
	return m.schema, value, nil
}

func sanitizeFieldName(name string) string {
	return strings.ReplaceAll(name, ".", "__")
}
