package catalog

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
)

// Clause is one optional predicate of a product listing. It evaluates against
// an in-memory record and renders itself as a SQL predicate.
type Clause struct {
	param string
	match func(Product) bool
	sql   string
	arg   any
}

func (c Clause) Param() string { return c.param }

func (c Clause) Match(p Product) bool { return c.match(p) }

// NameContains matches a case-insensitive substring of the name. Matching in
// memory lowercases with Unicode rules; Postgres lowers under the database
// collation, so the two can differ on letters such as 'İ' whose lowercase form
// depends on locale.
func NameContains(param, sub string) Clause {
	needle := strings.ToLower(sub)
	return Clause{
		param: param,
		match: func(p Product) bool { return strings.Contains(strings.ToLower(p.Name), needle) },
		sql:   "strpos(lower(name), lower(%s)) > 0",
		arg:   sub,
	}
}

func PriceAtLeast(min decimal.Decimal) Clause {
	return Clause{
		param: "min_price",
		match: func(p Product) bool { return p.Price.GreaterThanOrEqual(min) },
		sql:   "price >= %s",
		arg:   min,
	}
}

func PriceAtMost(max decimal.Decimal) Clause {
	return Clause{
		param: "max_price",
		match: func(p Product) bool { return p.Price.LessThanOrEqual(max) },
		sql:   "price <= %s",
		arg:   max,
	}
}

func PriceEquals(v decimal.Decimal) Clause {
	return Clause{
		param: "price",
		match: func(p Product) bool { return p.Price.Equal(v) },
		sql:   "price = %s",
		arg:   v,
	}
}

// Filter is an AND of clauses. The zero value matches everything.
type Filter struct {
	clauses []Clause
}

func NewFilter(clauses ...Clause) Filter {
	return Filter{clauses: clauses}
}

// With returns a copy of f narrowed by c.
func (f Filter) With(c Clause) Filter {
	out := make([]Clause, 0, len(f.clauses)+1)
	out = append(out, f.clauses...)
	return Filter{clauses: append(out, c)}
}

func (f Filter) Clauses() []Clause { return f.clauses }

func (f Filter) Match(p Product) bool {
	for _, c := range f.clauses {
		if !c.Match(p) {
			return false
		}
	}
	return true
}

// SQL renders a WHERE clause with placeholders numbered from $1. It returns an
// empty string when there is nothing to filter on.
func (f Filter) SQL() (string, []any) {
	if len(f.clauses) == 0 {
		return "", nil
	}

	preds := make([]string, 0, len(f.clauses))
	args := make([]any, 0, len(f.clauses))
	for i, c := range f.clauses {
		preds = append(preds, fmt.Sprintf(c.sql, fmt.Sprintf("$%d", i+1)))
		args = append(args, c.arg)
	}
	return " WHERE " + strings.Join(preds, " AND "), args
}

type filterParam struct {
	name  string
	build func(param, value string) ([]Clause, string)
}

// filterParams is applied in order; each entry contributes clauses only when
// its parameter is present and non-empty.
var filterParams = []filterParam{
	{name: "name", build: nameClause},
	{name: "search", build: searchClauses},
	{name: "price", build: priceClause(PriceEquals)},
	{name: "min_price", build: priceClause(PriceAtLeast)},
	{name: "max_price", build: priceClause(PriceAtMost)},
}

// ParseFilter builds a Filter from list query parameters. Malformed numeric
// values are reported as a ValidationError keyed by parameter name.
func ParseFilter(q url.Values) (Filter, error) {
	var (
		f    Filter
		verr ValidationError
	)

	for _, fp := range filterParams {
		value := strings.TrimSpace(q.Get(fp.name))
		if value == "" {
			continue
		}

		clauses, msg := fp.build(fp.name, value)
		if msg != "" {
			verr.add(fp.name, msg)
			continue
		}
		for _, c := range clauses {
			f = f.With(c)
		}
	}

	if err := verr.errOrNil(); err != nil {
		return Filter{}, err
	}
	return f, nil
}

func nameClause(param, value string) ([]Clause, string) {
	return []Clause{NameContains(param, value)}, ""
}

// searchClauses splits on whitespace and commas; every term must match.
func searchClauses(param, value string) ([]Clause, string) {
	terms := strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})

	out := make([]Clause, 0, len(terms))
	for _, t := range terms {
		out = append(out, NameContains(param, t))
	}
	return out, ""
}

func priceClause(mk func(decimal.Decimal) Clause) func(param, value string) ([]Clause, string) {
	return func(_, value string) ([]Clause, string) {
		d, err := parseDecimal(value)
		if err != nil {
			return nil, msgNumber
		}
		return []Clause{mk(d)}, ""
	}
}
