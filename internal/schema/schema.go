// Package schema compiles a collection field schema into a pure validator.
// Compilation happens at schema-write time; the collections runtime caches
// the result keyed by (collection, schema_version).
package schema

import (
	"fmt"
	"regexp"

	"github.com/stratabase/strata/internal/domain"
)

var snakeCase = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ValidName reports whether name is acceptable for collections and fields.
func ValidName(name string) bool {
	return snakeCase.MatchString(name)
}

// CollectionExistsFunc answers whether a collection name is known. It is
// consulted once per reference field at compile time.
type CollectionExistsFunc func(name string) bool

// compiledField is one entry of the discriminated sum the validator runs.
type compiledField struct {
	def     domain.FieldDef
	pattern *regexp.Regexp // non-nil only for string fields with a pattern
}

// Validator validates and normalizes record data against one schema version.
// It is immutable after Compile and safe for concurrent use.
type Validator struct {
	fields []compiledField
	byName map[string]int
}

// Compile builds a Validator from a FieldDef list. It fails fast on a
// malformed schema: unknown type, duplicate or malformed field name, bad
// pattern, or a reference to an unknown collection.
func Compile(fields []domain.FieldDef, exists CollectionExistsFunc) (*Validator, error) {
	v := &Validator{
		fields: make([]compiledField, 0, len(fields)),
		byName: make(map[string]int, len(fields)),
	}

	for _, def := range fields {
		if !ValidName(def.Name) {
			return nil, fmt.Errorf("field %q: name must be snake_case: %w", def.Name, domain.ErrValidation)
		}
		if _, dup := v.byName[def.Name]; dup {
			return nil, fmt.Errorf("field %q: duplicate name: %w", def.Name, domain.ErrValidation)
		}
		if !domain.ValidFieldType(def.Type) {
			return nil, fmt.Errorf("field %q: unknown type %q: %w", def.Name, def.Type, domain.ErrValidation)
		}

		cf := compiledField{def: def}

		if def.Pattern != "" {
			if def.Type != domain.FieldString {
				return nil, fmt.Errorf("field %q: pattern requires string type: %w", def.Name, domain.ErrValidation)
			}
			re, err := regexp.Compile(def.Pattern)
			if err != nil {
				return nil, fmt.Errorf("field %q: bad pattern: %w", def.Name, domain.ErrValidation)
			}
			cf.pattern = re
		}

		if def.Type == domain.FieldReference {
			if def.Collection == "" {
				return nil, fmt.Errorf("field %q: reference requires a collection: %w", def.Name, domain.ErrValidation)
			}
			if exists != nil && !exists(def.Collection) {
				return nil, fmt.Errorf("field %q: reference to unknown collection %q: %w", def.Name, def.Collection, domain.ErrValidation)
			}
		}

		if def.Default != nil {
			if _, err := coerce(def, def.Default); err != nil {
				return nil, fmt.Errorf("field %q: default does not match type: %w", def.Name, domain.ErrValidation)
			}
		}

		v.byName[def.Name] = len(v.fields)
		v.fields = append(v.fields, cf)
	}

	return v, nil
}

// Fields returns the schema the validator was compiled from, in order.
func (v *Validator) Fields() []domain.FieldDef {
	out := make([]domain.FieldDef, len(v.fields))
	for i, cf := range v.fields {
		out[i] = cf.def
	}
	return out
}

// Field returns the definition for name, if present.
func (v *Validator) Field(name string) (domain.FieldDef, bool) {
	i, ok := v.byName[name]
	if !ok {
		return domain.FieldDef{}, false
	}
	return v.fields[i].def, true
}

// UniqueFields returns the names of fields flagged unique.
func (v *Validator) UniqueFields() []string {
	var out []string
	for _, cf := range v.fields {
		if cf.def.Unique {
			out = append(out, cf.def.Name)
		}
	}
	return out
}

// ReferenceFields returns the reference fields and their target collections.
func (v *Validator) ReferenceFields() map[string]string {
	out := make(map[string]string)
	for _, cf := range v.fields {
		if cf.def.Type == domain.FieldReference {
			out[cf.def.Name] = cf.def.Collection
		}
	}
	return out
}
