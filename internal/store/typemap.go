package store

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TypeMap maps tracker field type names to SQL column types for the
// wide table. Lookups are by the tracker's type string ("string",
// "number", "datetime", ...); unrecognized types fall back to the text
// type so an unexpected tracker type can never break provisioning.
type TypeMap map[string]string

// DefaultTypeMap returns the built-in mapping for a dialect.
func DefaultTypeMap(dialect Dialect) TypeMap {
	if dialect == DialectPostgres {
		return TypeMap{
			"string":   "VARCHAR(255)",
			"number":   "NUMERIC",
			"array":    "TEXT[]",
			"date":     "DATE",
			"datetime": "TIMESTAMP",
			"user":     "JSONB",
			"option":   "JSONB",
			"any":      "JSONB",
			"unknown":  "TEXT",
		}
	}
	// SQLite has type affinity, not strict types: NUMERIC keeps numbers
	// comparable, everything else lands in TEXT.
	return TypeMap{
		"string":   "TEXT",
		"number":   "NUMERIC",
		"array":    "TEXT",
		"date":     "TEXT",
		"datetime": "TEXT",
		"user":     "TEXT",
		"option":   "TEXT",
		"any":      "TEXT",
		"unknown":  "TEXT",
	}
}

// ColumnType resolves a tracker field type to a SQL column type, falling
// back to TEXT.
func (m TypeMap) ColumnType(fieldType string) string {
	if t, ok := m[fieldType]; ok {
		return t
	}
	return "TEXT"
}

// LoadTypeMapOverrides merges a YAML file of tracker-type → SQL-type
// pairs over the defaults. A missing path returns the defaults
// unchanged.
func LoadTypeMapOverrides(dialect Dialect, path string) (TypeMap, error) {
	base := DefaultTypeMap(dialect)
	if path == "" {
		return base, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return base, nil
		}
		return nil, fmt.Errorf("failed to read type map %s: %w", path, err)
	}

	var overrides map[string]string
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("failed to parse type map %s: %w", path, err)
	}

	for k, v := range overrides {
		base[k] = v
	}
	return base, nil
}
