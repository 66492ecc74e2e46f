package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

const (
	maxNameLen    = 200
	priceDecimals = 2
	priceDigits   = 10
)

const (
	msgRequired  = "This field is required."
	msgBlank     = "This field may not be blank."
	msgNumber    = "A valid number is required."
	msgNegative  = "Ensure this value is greater than or equal to 0."
	msgDecimals  = "Ensure that there are no more than 2 decimal places."
	msgDigits    = "Ensure that there are no more than 10 digits in total."
	msgNameLen   = "Ensure this field has no more than 200 characters."
	msgNullValue = "This field may not be null."
)

// Numeric text is bounded before any arithmetic; "1e20000000" is short but
// rescales into a coefficient with millions of digits.
const (
	maxNumberLen = 64
	maxExponent  = priceDigits
	minExponent  = -(priceDigits + priceDecimals)
)

var (
	errEmptyNumber      = errors.New("empty number")
	errNumberTooLarge   = errors.New("number too large")
	errNumberTooPrecise = errors.New("number too precise")
)

// maxPrice is the first value that no longer fits numeric(10,2).
var maxPrice = decimal.New(1, priceDigits-priceDecimals)

type Product struct {
	ID          string
	Name        string
	Description string
	Price       decimal.Decimal
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (p Product) String() string { return p.Name }

type productJSON struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Price       string    `json:"price"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// MarshalJSON renders price as a fixed two-decimal string so "10.50" keeps
// its trailing zero on the wire.
func (p Product) MarshalJSON() ([]byte, error) {
	return json.Marshal(productJSON{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Price:       p.Price.StringFixed(priceDecimals),
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	})
}

func (p *Product) UnmarshalJSON(b []byte) error {
	var v productJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	price, err := decimal.NewFromString(v.Price)
	if err != nil {
		return fmt.Errorf("product price: %w", err)
	}
	*p = Product{
		ID:          v.ID,
		Name:        v.Name,
		Description: v.Description,
		Price:       price,
		CreatedAt:   v.CreatedAt,
		UpdatedAt:   v.UpdatedAt,
	}
	return nil
}

// ValidationError maps field (or query parameter) names to messages.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[field] = msg
}

func (e *ValidationError) errOrNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// ProductInput is the request body for create and update. Price stays raw so
// both "99.99" and 99.99 parse from their literal text.
type ProductInput struct {
	Name        *string         `json:"name,omitempty"`
	Description *string         `json:"description,omitempty"`
	Price       json.RawMessage `json:"price,omitempty"`

	// nulls names the string fields sent as an explicit JSON null.
	nulls []string
}

// UnmarshalJSON keeps an explicit null apart from an absent field. Unknown
// fields are rejected here as well.
func (in *ProductInput) UnmarshalJSON(b []byte) error {
	var raw struct {
		Name        json.RawMessage `json:"name"`
		Description json.RawMessage `json:"description"`
		Price       json.RawMessage `json:"price"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return err
	}

	out := ProductInput{Price: raw.Price}
	for _, f := range []struct {
		field string
		raw   json.RawMessage
		dst   **string
	}{
		{"name", raw.Name, &out.Name},
		{"description", raw.Description, &out.Description},
	} {
		switch {
		case len(f.raw) == 0:
		case isNull(f.raw):
			out.nulls = append(out.nulls, f.field)
		default:
			var v string
			if err := json.Unmarshal(f.raw, &v); err != nil {
				return fmt.Errorf("%s: %w", f.field, err)
			}
			*f.dst = &v
		}
	}

	*in = out
	return nil
}

func (in ProductInput) sentNull(field string) bool {
	for _, f := range in.nulls {
		if f == field {
			return true
		}
	}
	return false
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// NewProductInput builds a full create/replace body.
func NewProductInput(name, description string, price decimal.Decimal) ProductInput {
	return ProductInput{
		Name:        &name,
		Description: &description,
		Price:       json.RawMessage(strconv.Quote(price.StringFixed(priceDecimals))),
	}
}

// ProductFields holds validated values; nil means "leave unchanged".
type ProductFields struct {
	Name        *string
	Description *string
	Price       *decimal.Decimal
}

// Parse validates the input. With partial set, absent fields are skipped
// instead of reported as required.
func (in ProductInput) Parse(partial bool) (ProductFields, error) {
	var (
		out  ProductFields
		verr ValidationError
	)

	switch {
	case in.sentNull("name"):
		verr.add("name", msgNullValue)
	case in.Name == nil:
		if !partial {
			verr.add("name", msgRequired)
		}
	default:
		name := strings.TrimSpace(*in.Name)
		switch {
		case name == "":
			verr.add("name", msgBlank)
		case utf8.RuneCountInString(name) > maxNameLen:
			verr.add("name", msgNameLen)
		default:
			out.Name = &name
		}
	}

	switch {
	case in.sentNull("description"):
		verr.add("description", msgNullValue)
	case in.Description != nil:
		desc := strings.TrimSpace(*in.Description)
		out.Description = &desc
	case !partial:
		empty := ""
		out.Description = &empty
	}

	switch {
	case len(in.Price) == 0:
		if !partial {
			verr.add("price", msgRequired)
		}
	default:
		price, msg := parsePrice(in.Price)
		if msg != "" {
			verr.add("price", msg)
		} else {
			out.Price = &price
		}
	}

	if err := verr.errOrNil(); err != nil {
		return ProductFields{}, err
	}
	return out, nil
}

func parsePrice(raw json.RawMessage) (decimal.Decimal, string) {
	raw = bytes.TrimSpace(raw)
	if isNull(raw) {
		return decimal.Decimal{}, msgNullValue
	}

	text := string(raw)
	if len(raw) > 0 && raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return decimal.Decimal{}, msgNumber
		}
	}

	d, err := parseDecimal(text)
	switch {
	case errors.Is(err, errNumberTooLarge):
		return decimal.Decimal{}, msgDigits
	case errors.Is(err, errNumberTooPrecise):
		return decimal.Decimal{}, msgDecimals
	case err != nil:
		return decimal.Decimal{}, msgNumber
	}
	if msg := checkPrice(d); msg != "" {
		return decimal.Decimal{}, msg
	}
	return d.Round(priceDecimals), ""
}

func parseDecimal(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return decimal.Decimal{}, errEmptyNumber
	case len(s) > maxNumberLen:
		return decimal.Decimal{}, errNumberTooLarge
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, err
	}
	switch exp := d.Exponent(); {
	case d.IsZero():
		return decimal.Zero, nil
	case exp > maxExponent:
		return decimal.Decimal{}, errNumberTooLarge
	case exp < minExponent:
		return decimal.Decimal{}, errNumberTooPrecise
	}
	return d, nil
}

func checkPrice(d decimal.Decimal) string {
	switch {
	case d.IsNegative():
		return msgNegative
	case !d.Equal(d.Round(priceDecimals)):
		return msgDecimals
	case d.GreaterThanOrEqual(maxPrice):
		return msgDigits
	}
	return ""
}

// NewProduct stamps a fresh record; both timestamps share one instant.
func NewProduct(id string, f ProductFields, now time.Time) Product {
	now = stamp(now)
	p := Product{ID: id, CreatedAt: now, UpdatedAt: now}
	f.ApplyTo(&p)
	return p
}

func (f ProductFields) ApplyTo(p *Product) {
	if f.Name != nil {
		p.Name = *f.Name
	}
	if f.Description != nil {
		p.Description = *f.Description
	}
	if f.Price != nil {
		p.Price = *f.Price
	}
}

// stamp normalises timestamps to what a timestamptz column can hold.
func stamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
