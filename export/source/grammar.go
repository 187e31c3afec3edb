package source

import (
	"encoding/json"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cast"

	"github.com/Dm1try555/banister-backend-sub001/errors"
	"github.com/Dm1try555/banister-backend-sub001/export"
)

// FilterType is the value shape a filter accepts
type FilterType string

const (
	FilterInt     FilterType = "int"
	FilterDecimal FilterType = "decimal"
	FilterBool    FilterType = "bool"
	FilterEnum    FilterType = "enum"
)

// Filter describes one accepted filter key and the SQL predicate it binds
type Filter struct {
	Name string
	Type FilterType
	expr string // SQL fragment with a single placeholder
}

var grammar = map[export.Kind][]Filter{
	export.KindBookings: {
		{Name: "status", Type: FilterEnum, expr: "b.status = ?"},
		{Name: "customer_id", Type: FilterInt, expr: "b.customer_id = ?"},
		{Name: "provider_id", Type: FilterInt, expr: "b.provider_id = ?"},
	},
	export.KindPayments: {
		{Name: "status", Type: FilterEnum, expr: "p.status = ?"},
		{Name: "user_id", Type: FilterInt, expr: "p.user_id = ?"},
	},
	export.KindUsers: {
		{Name: "role", Type: FilterEnum, expr: "u.role = ?"},
		{Name: "is_active", Type: FilterBool, expr: "u.is_active = ?"},
	},
	export.KindServices: {
		{Name: "provider_id", Type: FilterInt, expr: "s.provider_id = ?"},
		{Name: "min_price", Type: FilterDecimal, expr: "CAST(s.price AS REAL) >= ?"},
		{Name: "max_price", Type: FilterDecimal, expr: "CAST(s.price AS REAL) <= ?"},
	},
}

// Enum values are tokens; membership in the business enum is not checked,
// so a well-formed but unused value matches nothing.
var enumToken = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Grammar returns the filters accepted for kind, nil for an unknown kind
func Grammar(kind export.Kind) []Filter {
	return grammar[kind]
}

func lookup(kind export.Kind, name string) (Filter, bool) {
	for _, f := range grammar[kind] {
		if f.Name == name {
			return f, true
		}
	}
	return Filter{}, false
}

// Validate checks filters against the grammar of kind and returns a
// normalised copy: ints as int64, decimals as float64, bools as bool and
// enums as lowercase strings. Any problem is an ErrInvalidJobDefinition.
func Validate(kind export.Kind, filters map[string]any) (map[string]any, error) {
	if !kind.Valid() {
		return nil, errors.NewInvalidJobDefinition("unknown kind %q", kind)
	}

	// Deterministic error reporting when several keys are bad
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]any, len(filters))
	for _, key := range keys {
		f, ok := lookup(kind, key)
		if !ok {
			err := errors.NewInvalidJobDefinition("unknown filter %q for %s", key, kind)
			return nil, errors.WithHintf(err, "accepted filters: %s", strings.Join(filterNames(kind), ", "))
		}

		v, err := coerce(f, filters[key])
		if err != nil {
			return nil, errors.NewInvalidJobDefinition("filter %q: %v", key, err)
		}
		out[key] = v
	}

	if lo, ok := out["min_price"].(float64); ok {
		if hi, ok := out["max_price"].(float64); ok && lo > hi {
			return nil, errors.NewInvalidJobDefinition("min_price %v exceeds max_price %v", lo, hi)
		}
	}

	return out, nil
}

func coerce(f Filter, raw any) (any, error) {
	if raw == nil {
		return nil, errors.New("value is null")
	}

	switch f.Type {
	case FilterInt:
		n, err := coerceInt(raw)
		if err != nil {
			return nil, err
		}
		return n, nil

	case FilterDecimal:
		if _, ok := raw.(bool); ok {
			return nil, errors.New("expected decimal, got bool")
		}
		if n, ok := raw.(json.Number); ok {
			raw = n.String()
		}
		v, err := cast.ToFloat64E(raw)
		if err != nil {
			return nil, err
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, errors.Newf("expected finite decimal, got %v", v)
		}
		return v, nil

	case FilterBool:
		return cast.ToBoolE(raw)

	case FilterEnum:
		s, ok := raw.(string)
		if !ok {
			return nil, errors.Newf("expected string, got %T", raw)
		}
		s = strings.ToLower(strings.TrimSpace(s))
		if !enumToken.MatchString(s) {
			return nil, errors.Newf("malformed enum value %q", s)
		}
		return s, nil
	}

	return nil, errors.AssertionFailedf("unhandled filter type %s", f.Type)
}

// coerceInt accepts integral numbers and base-10 strings. Strings never
// take a base prefix, so "010" is ten and "0x10" is rejected.
func coerceInt(raw any) (int64, error) {
	switch v := raw.(type) {
	case bool:
		return 0, errors.New("expected integer, got bool")
	case json.Number:
		if n, err := strconv.ParseInt(v.String(), 10, 64); err == nil {
			return n, nil
		}
		fl, err := v.Float64()
		if err != nil || fl != math.Trunc(fl) || math.Abs(fl) >= 1<<63 {
			return 0, errors.Newf("expected integer, got %s", v)
		}
		return int64(fl), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, errors.Newf("expected base-10 integer, got %q", v)
		}
		return n, nil
	case float64:
		if v != math.Trunc(v) {
			return 0, errors.Newf("expected integer, got %v", v)
		}
	case float32:
		if float64(v) != math.Trunc(float64(v)) {
			return 0, errors.Newf("expected integer, got %v", v)
		}
	}
	return cast.ToInt64E(raw)
}

func filterNames(kind export.Kind) []string {
	names := make([]string, 0, len(grammar[kind]))
	for _, f := range grammar[kind] {
		names = append(names, f.Name)
	}
	return names
}
