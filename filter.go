package tablepoll

import (
	"strings"
	"time"
)

// Query syntax of the Table API encoded query language.
const (
	syntaxAnd         = "^"
	syntaxOr          = "^OR"
	syntaxNewQuery    = "^NQ"
	syntaxOrderByAsc  = "ORDERBY"
	syntaxOrderByDesc = "ORDERBYDESC"

	opEquals             = "="
	opNotEquals          = "!="
	opGreaterThan        = ">"
	opGreaterThanOrEqual = ">="
	opLessThan           = "<"
	opLessThanOrEqual    = "<="
	opStartsWith         = "STARTSWITH"
	opLike               = "LIKE"
	opNotLike            = "NOTLIKE"
	opIsEmpty            = "ISEMPTY"
	opIsNotEmpty         = "ISNOTEMPTY"
	opIsEmptyString      = "EMPTYSTRING"
	opIsAnything         = "ANYTHING"
)

type clause struct {
	connective string
	field      string
	operator   string
	value      string
}

type sortKey struct {
	direction string
	field     string
}

// Filter is an encoded query for the Table API.
//
// A Filter is immutable: every builder method returns a new Filter and leaves
// the receiver untouched. The zero value is an empty query.
//
//	f := tablepoll.Filter{}.
//		WhereEquals("company", "1245").
//		WhereIsNotEmpty("sys_id").
//		OrderByAsc("sys_updated_on")
//	f.String() // "company=1245^sys_idISNOTEMPTY^ORDERBYsys_updated_on"
type Filter struct {
	clauses []clause
	sorts   []sortKey
	unions  []Filter
}

// NewFilter returns an empty Filter.
func NewFilter() Filter {
	return Filter{}
}

func (f Filter) withClause(c clause) Filter {
	clauses := make([]clause, len(f.clauses), len(f.clauses)+1)
	copy(clauses, f.clauses)
	f.clauses = append(clauses, c)
	return f
}

func (f Filter) withSort(s sortKey) Filter {
	sorts := make([]sortKey, len(f.sorts), len(f.sorts)+1)
	copy(sorts, f.sorts)
	f.sorts = append(sorts, s)
	return f
}

func (f Filter) binary(connective, field, operator, value string) Filter {
	return f.withClause(clause{connective: connective, field: field, operator: operator, value: escape(value)})
}

func (f Filter) unary(field, operator string) Filter {
	return f.withClause(clause{connective: syntaxAnd, field: escape(field), operator: operator})
}

// WhereEquals matches rows whose field equals value.
func (f Filter) WhereEquals(field, value string) Filter {
	return f.binary(syntaxAnd, field, opEquals, value)
}

// OrWhereEquals adds an alternative: field equals value.
func (f Filter) OrWhereEquals(field, value string) Filter {
	return f.binary(syntaxOr, field, opEquals, value)
}

// WhereNotEquals matches rows whose field differs from value.
func (f Filter) WhereNotEquals(field, value string) Filter {
	return f.binary(syntaxAnd, field, opNotEquals, value)
}

// OrWhereNotEquals adds an alternative: field differs from value.
func (f Filter) OrWhereNotEquals(field, value string) Filter {
	return f.binary(syntaxOr, field, opNotEquals, value)
}

// WhereGreaterThan matches field > value.
func (f Filter) WhereGreaterThan(field, value string) Filter {
	return f.binary(syntaxAnd, field, opGreaterThan, value)
}

// WhereGreaterThanOrEqual matches field >= value.
func (f Filter) WhereGreaterThanOrEqual(field, value string) Filter {
	return f.binary(syntaxAnd, field, opGreaterThanOrEqual, value)
}

// WhereLessThan matches field < value.
func (f Filter) WhereLessThan(field, value string) Filter {
	return f.binary(syntaxAnd, field, opLessThan, value)
}

// WhereLessThanOrEqual matches field <= value.
func (f Filter) WhereLessThanOrEqual(field, value string) Filter {
	return f.binary(syntaxAnd, field, opLessThanOrEqual, value)
}

// WhereStartsWith matches rows whose field starts with value.
func (f Filter) WhereStartsWith(field, value string) Filter {
	return f.binary(syntaxAnd, field, opStartsWith, value)
}

// WhereLike matches rows whose field contains value.
func (f Filter) WhereLike(field, value string) Filter {
	return f.binary(syntaxAnd, field, opLike, value)
}

// WhereNotLike matches rows whose field does not contain value.
func (f Filter) WhereNotLike(field, value string) Filter {
	return f.binary(syntaxAnd, field, opNotLike, value)
}

// WhereIsEmpty matches rows whose field is empty.
func (f Filter) WhereIsEmpty(field string) Filter {
	return f.unary(field, opIsEmpty)
}

// WhereIsNotEmpty matches rows whose field is not empty.
func (f Filter) WhereIsNotEmpty(field string) Filter {
	return f.unary(field, opIsNotEmpty)
}

// WhereIsEmptyString matches rows whose field is the empty string.
func (f Filter) WhereIsEmptyString(field string) Filter {
	return f.unary(field, opIsEmptyString)
}

// WhereIsAnything matches every row, including empty values of field.
func (f Filter) WhereIsAnything(field string) Filter {
	return f.unary(field, opIsAnything)
}

// OrderByAsc sorts by field in ascending order.
func (f Filter) OrderByAsc(field string) Filter {
	return f.withSort(sortKey{direction: syntaxOrderByAsc, field: escape(field)})
}

// OrderByDesc sorts by field in descending order.
func (f Filter) OrderByDesc(field string) Filter {
	return f.withSort(sortKey{direction: syntaxOrderByDesc, field: escape(field)})
}

// WhereTimestampEquals matches rows whose field equals t to the second.
func (f Filter) WhereTimestampEquals(field string, t time.Time) Filter {
	return f.WhereEquals(field, dateGenerate(t))
}

// WhereBetweenInclusive matches from <= field <= through.
func (f Filter) WhereBetweenInclusive(field string, from, through time.Time) Filter {
	return f.WhereGreaterThanOrEqual(field, dateGenerate(from)).
		WhereLessThanOrEqual(field, dateGenerate(through))
}

// WhereBetweenExclusive matches from < field < through.
func (f Filter) WhereBetweenExclusive(field string, from, through time.Time) Filter {
	return f.WhereGreaterThan(field, dateGenerate(from)).
		WhereLessThan(field, dateGenerate(through))
}

// Union returns a Filter matching rows of f or of other.
//
// The two filters are independent conjunction groups joined by the new query
// separator; this is not an OR nested inside a single group.
func (f Filter) Union(other Filter) Filter {
	unions := make([]Filter, len(f.unions), len(f.unions)+1)
	copy(unions, f.unions)
	f.unions = append(unions, other)
	return f
}

// IsEmpty reports whether f renders to an empty query.
func (f Filter) IsEmpty() bool {
	return f.String() == ""
}

// String renders f in the encoded query syntax.
func (f Filter) String() string {
	var b strings.Builder
	for _, c := range f.clauses {
		b.WriteString(c.connective)
		b.WriteString(c.field)
		b.WriteString(c.operator)
		b.WriteString(c.value)
	}
	for _, s := range f.sorts {
		b.WriteString(syntaxAnd)
		b.WriteString(s.direction)
		b.WriteString(s.field)
	}
	rendered := strings.TrimPrefix(b.String(), syntaxAnd)

	for _, u := range f.unions {
		other := u.String()
		if other == "" {
			continue
		}
		if rendered == "" {
			rendered = other
			continue
		}
		rendered += syntaxNewQuery + other
	}
	return rendered
}

// escape doubles the clause separator so a value cannot start a new clause.
func escape(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return strings.ReplaceAll(value, syntaxAnd, syntaxAnd+syntaxAnd)
}

func dateGenerate(t time.Time) string {
	t = t.UTC()
	return "javascript:gs.dateGenerate('" + t.Format("2006-01-02") + "','" + t.Format("15:04:05") + "')"
}
