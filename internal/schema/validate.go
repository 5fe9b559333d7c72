package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/stratabase/strata/internal/domain"
)

// Validate checks input against the compiled schema and returns the
// normalized record data. Unknown fields are rejected; defaults are applied
// for absent fields; values are coerced to their canonical form.
func (v *Validator) Validate(input map[string]any) (map[string]any, error) {
	var errs domain.ValidationErrors

	for name := range input {
		if _, ok := v.byName[name]; !ok {
			errs = append(errs, domain.FieldError{Field: name, Message: "unknown field"})
		}
	}

	out := make(map[string]any, len(v.fields))
	for _, cf := range v.fields {
		def := cf.def
		raw, present := input[def.Name]

		if !present || raw == nil {
			if def.Default != nil {
				normalized, _ := coerce(def, def.Default)
				out[def.Name] = normalized
				continue
			}
			if def.Required {
				errs = append(errs, domain.FieldError{Field: def.Name, Message: "required field is missing"})
			}
			continue
		}

		val, err := coerce(def, raw)
		if err != nil {
			errs = append(errs, domain.FieldError{Field: def.Name, Message: err.Error()})
			continue
		}

		if msg := checkConstraints(cf, val); msg != "" {
			errs = append(errs, domain.FieldError{Field: def.Name, Message: msg})
			continue
		}

		out[def.Name] = val
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return out, nil
}

// ValidatePatch validates a partial update: only the supplied fields are
// checked, with no required/default handling. The caller merges the result
// into the existing record and re-validates the whole.
func (v *Validator) ValidatePatch(patch map[string]any) (map[string]any, error) {
	var errs domain.ValidationErrors
	out := make(map[string]any, len(patch))

	for name, raw := range patch {
		i, ok := v.byName[name]
		if !ok {
			errs = append(errs, domain.FieldError{Field: name, Message: "unknown field"})
			continue
		}
		if raw == nil {
			out[name] = nil
			continue
		}
		cf := v.fields[i]
		val, err := coerce(cf.def, raw)
		if err != nil {
			errs = append(errs, domain.FieldError{Field: name, Message: err.Error()})
			continue
		}
		if msg := checkConstraints(cf, val); msg != "" {
			errs = append(errs, domain.FieldError{Field: name, Message: msg})
			continue
		}
		out[name] = val
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return out, nil
}

// coerce converts a JSON-decoded value to the canonical form for its field
// type: dates become epoch millis, integers become int64, numbers float64.
func coerce(def domain.FieldDef, raw any) (any, error) {
	switch def.Type {
	case domain.FieldString:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected string")
		}
		return s, nil

	case domain.FieldNumber:
		switch n := raw.(type) {
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case json.Number:
			f, err := n.Float64()
			if err != nil {
				return nil, fmt.Errorf("expected number")
			}
			return f, nil
		}
		return nil, fmt.Errorf("expected number")

	case domain.FieldInteger:
		switch n := raw.(type) {
		case int:
			return int64(n), nil
		case int64:
			return n, nil
		case float64:
			if n != math.Trunc(n) {
				return nil, fmt.Errorf("expected integer, got fractional number")
			}
			return int64(n), nil
		case json.Number:
			i, err := n.Int64()
			if err != nil {
				return nil, fmt.Errorf("expected integer")
			}
			return i, nil
		}
		return nil, fmt.Errorf("expected integer")

	case domain.FieldBoolean:
		b, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("expected boolean")
		}
		return b, nil

	case domain.FieldArray:
		a, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("expected array")
		}
		return a, nil

	case domain.FieldObject:
		o, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expected object")
		}
		return o, nil

	case domain.FieldDate:
		switch d := raw.(type) {
		case string:
			t, err := parseISODate(d)
			if err != nil {
				return nil, fmt.Errorf("expected ISO-8601 date string")
			}
			return t.UnixMilli(), nil
		case float64:
			// Already epoch millis (e.g. a round-tripped record).
			if d != math.Trunc(d) {
				return nil, fmt.Errorf("expected ISO-8601 date string or epoch millis")
			}
			return int64(d), nil
		case int64:
			return d, nil
		}
		return nil, fmt.Errorf("expected ISO-8601 date string")

	case domain.FieldReference:
		s, ok := raw.(string)
		if !ok || s == "" {
			return nil, fmt.Errorf("expected record id")
		}
		return s, nil
	}

	return nil, fmt.Errorf("unknown type %q", def.Type)
}

func parseISODate(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", s)
}

func checkConstraints(cf compiledField, val any) string {
	def := cf.def
	switch def.Type {
	case domain.FieldString:
		s := val.(string)
		if def.MinLength != nil && len(s) < *def.MinLength {
			return fmt.Sprintf("length must be at least %d", *def.MinLength)
		}
		if def.MaxLength != nil && len(s) > *def.MaxLength {
			return fmt.Sprintf("length must be at most %d", *def.MaxLength)
		}
		if cf.pattern != nil && !cf.pattern.MatchString(s) {
			return fmt.Sprintf("must match pattern %s", def.Pattern)
		}

	case domain.FieldNumber, domain.FieldInteger:
		var f float64
		switch n := val.(type) {
		case float64:
			f = n
		case int64:
			f = float64(n)
		}
		if def.Min != nil && f < *def.Min {
			return fmt.Sprintf("must be >= %v", *def.Min)
		}
		if def.Max != nil && f > *def.Max {
			return fmt.Sprintf("must be <= %v", *def.Max)
		}

	case domain.FieldArray:
		a := val.([]any)
		if def.MinLength != nil && len(a) < *def.MinLength {
			return fmt.Sprintf("must have at least %d items", *def.MinLength)
		}
		if def.MaxLength != nil && len(a) > *def.MaxLength {
			return fmt.Sprintf("must have at most %d items", *def.MaxLength)
		}
	}
	return ""
}

// NormalizeUnique produces the canonical string stored in the unique index
// for a field value. Strings compare case-insensitively with surrounding
// whitespace ignored; other types use their canonical JSON encoding.
func NormalizeUnique(def domain.FieldDef, val any) string {
	switch def.Type {
	case domain.FieldString:
		return strings.ToLower(strings.TrimSpace(val.(string)))
	case domain.FieldInteger:
		switch n := val.(type) {
		case int64:
			return strconv.FormatInt(n, 10)
		case float64:
			return strconv.FormatInt(int64(n), 10)
		}
	case domain.FieldDate:
		switch n := val.(type) {
		case int64:
			return strconv.FormatInt(n, 10)
		case float64:
			return strconv.FormatInt(int64(n), 10)
		}
	}
	b, _ := json.Marshal(val)
	return string(b)
}
