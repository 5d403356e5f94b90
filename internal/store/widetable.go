package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/karstenwade/flatsync/internal/fieldtree"
	"github.com/karstenwade/flatsync/internal/record"
)

// WideTableName is the destructively provisioned table with one column
// per tracker field.
const WideTableName = "records_wide"

// wideKeyColumn is the wide table's primary key column. Field-derived
// column names are deduplicated against it.
const wideKeyColumn = "record_key"

// WideColumn is one provisioned wide-table column: the tracker field it
// came from, its deduplicated identifier, and its SQL type.
type WideColumn struct {
	FieldID string
	Name    string
	SQLType string
}

// PlanWideColumns derives the wide table's column set from a field list.
//
// Column names are the normalized field names (prefix + lower-case,
// spaces to underscores). Distinct fields can normalize to the same
// identifier (two custom fields both displayed as "Sprint", say), so
// later duplicates get a numeric suffix: name, name_2, name_3. The
// suffix counter probes upward until the name is free, so a field
// literally named "sprint_2" cannot be shadowed. Order follows the
// input field list, which is the tracker's own listing order.
func PlanWideColumns(prefix string, fields []record.Field, types TypeMap) []WideColumn {
	columns := make([]WideColumn, 0, len(fields))
	seen := map[string]bool{wideKeyColumn: true}

	for _, f := range fields {
		name := fieldtree.FieldName(prefix, f.Name)
		if seen[name] {
			for n := 2; ; n++ {
				candidate := name + "_" + strconv.Itoa(n)
				if !seen[candidate] {
					name = candidate
					break
				}
			}
		}
		seen[name] = true

		columns = append(columns, WideColumn{
			FieldID: f.ID,
			Name:    name,
			SQLType: types.ColumnType(f.Type),
		})
	}

	return columns
}

// WideDDL renders the CREATE TABLE statement for the wide table. Every
// identifier is quoted; column names are data-derived and get no trust.
func WideDDL(dialect Dialect, columns []WideColumn) string {
	keyType := "TEXT"
	if dialect == DialectPostgres {
		keyType = "VARCHAR(255)"
	}

	var b strings.Builder
	b.WriteString("CREATE TABLE ")
	b.WriteString(quoteIdent(WideTableName))
	b.WriteString(" (\n")
	b.WriteString("\t")
	b.WriteString(quoteIdent(wideKeyColumn))
	b.WriteString(" ")
	b.WriteString(keyType)
	b.WriteString(" PRIMARY KEY")
	for _, col := range columns {
		b.WriteString(",\n\t")
		b.WriteString(quoteIdent(col.Name))
		b.WriteString(" ")
		b.WriteString(col.SQLType)
	}
	b.WriteString("\n)")
	return b.String()
}

// wideValue renders one field's tree node as a bind parameter for the
// wide table.
//
// Missing and null nodes become SQL NULL. Scalars pass through in their
// native form (numbers keep their source text). Containers are stored as
// canonical JSON text, except string arrays bound for a Postgres TEXT[]
// column, which bind as a native array.
func wideValue(dialect Dialect, col WideColumn, node *fieldtree.Tree) (any, error) {
	if node == nil || node.Kind == fieldtree.Null {
		return nil, nil
	}

	switch node.Kind {
	case fieldtree.Scalar:
		if n, ok := node.Value.(json.Number); ok {
			return string(n), nil
		}
		return node.Value, nil
	case fieldtree.Array:
		if dialect == DialectPostgres && col.SQLType == "TEXT[]" {
			if elems, ok := stringElems(node); ok {
				return elems, nil
			}
		}
	}

	text, err := fieldtree.Canonical(node.Interface())
	if err != nil {
		return nil, fmt.Errorf("failed to render field %s: %w", col.FieldID, err)
	}
	return text, nil
}

// stringElems extracts an array node's elements as strings when every
// element is a string scalar.
func stringElems(node *fieldtree.Tree) ([]string, bool) {
	out := make([]string, 0, len(node.Elems))
	for _, e := range node.Elems {
		if e.Kind != fieldtree.Scalar {
			return nil, false
		}
		s, ok := e.Value.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}
