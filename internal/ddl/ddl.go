// Package ddl synthesizes CREATE TABLE/INDEX statements and the canonical
// per-operation SQL templates (select/insert/update/delete) from a
// mapping.Mapping, generated once per type rather than hand-written per
// entity.
package ddl

import (
	"fmt"
	"strings"

	"github.com/arcstore/tsqlite/internal/mapping"
)

// Statements holds the synthesized SQL text for one entity mapping.
type Statements struct {
	CreateTable  string
	CreateIndex  []string
	Select       string
	SelectByKey  string
	Insert       string
	Update       string
	DeleteByKey  string
	SoftDeleteByKey string
}

// Build derives the full statement set for m.
func Build(m *mapping.Mapping) (*Statements, error) {
	s := &Statements{}
	s.CreateTable = createTable(m)
	s.CreateIndex = createIndexes(m)
	s.Select = selectAll(m)
	s.SelectByKey = selectByKey(m)

	insertSQL, err := insert(m)
	if err != nil {
		return nil, err
	}
	s.Insert = insertSQL

	updateSQL, err := update(m)
	if err != nil {
		return nil, err
	}
	s.Update = updateSQL

	s.DeleteByKey = deleteByKey(m)
	s.SoftDeleteByKey = softDeleteByKey(m)
	return s, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func createTable(m *mapping.Mapping) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", quoteIdent(m.Table))

	cols := make([]string, 0, len(m.Properties))
	for _, p := range m.Properties {
		col := fmt.Sprintf("  %s %s", quoteIdent(p.Column), string(p.Storage))
		if p.AutoIncrement {
			col += " PRIMARY KEY AUTOINCREMENT"
		}
		if !p.Nullable && !p.AutoIncrement {
			col += " NOT NULL"
		}
		if p.Default != "" {
			col += " DEFAULT " + p.Default
		}
		if p.Unique && !p.AutoIncrement {
			col += " UNIQUE"
		}
		if p.Check != "" {
			col += fmt.Sprintf(" CHECK (%s)", p.Check)
		}
		cols = append(cols, col)
	}

	if len(m.PrimaryKey) > 0 && !m.PrimaryKey[0].AutoIncrement {
		names := make([]string, len(m.PrimaryKey))
		for i, p := range m.PrimaryKey {
			names[i] = quoteIdent(p.Column)
		}
		cols = append(cols, fmt.Sprintf("  PRIMARY KEY (%s)", strings.Join(names, ", ")))
	}

	for _, fk := range m.ForeignKeys {
		local := quoteIdentList(fk.LocalCols)
		ref := quoteIdentList(fk.RefCols)
		clause := fmt.Sprintf("  FOREIGN KEY (%s) REFERENCES %s (%s)", local, quoteIdent(fk.RefTable), ref)
		if fk.OnDelete != "" {
			clause += " ON DELETE " + fk.OnDelete
		}
		if fk.OnUpdate != "" {
			clause += " ON UPDATE " + fk.OnUpdate
		}
		cols = append(cols, clause)
	}

	b.WriteString(strings.Join(cols, ",\n"))
	b.WriteString("\n)")
	return b.String()
}

func quoteIdentList(names []string) string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = quoteIdent(n)
	}
	return strings.Join(out, ", ")
}

func createIndexes(m *mapping.Mapping) []string {
	out := make([]string, 0, len(m.Indexes))
	for _, idx := range m.Indexes {
		kw := "INDEX"
		if idx.Unique {
			kw = "UNIQUE INDEX"
		}
		stmt := fmt.Sprintf("CREATE %s IF NOT EXISTS %s ON %s (%s)",
			kw, quoteIdent(idx.Name), quoteIdent(m.Table), quoteIdentList(idx.Columns))
		if idx.Filter != "" {
			stmt += " WHERE " + idx.Filter
		}
		out = append(out, stmt)
	}
	return out
}

func selectAll(m *mapping.Mapping) string {
	return fmt.Sprintf("SELECT %s FROM %s", quoteIdentList(m.SelectColumns()), quoteIdent(m.Table))
}

func selectByKey(m *mapping.Mapping) string {
	return fmt.Sprintf("%s WHERE %s", selectAll(m), keyPredicate(m))
}

func keyPredicate(m *mapping.Mapping) string {
	parts := make([]string, len(m.PrimaryKey))
	for i, p := range m.PrimaryKey {
		parts[i] = fmt.Sprintf("%s = ?", quoteIdent(p.Column))
	}
	return strings.Join(parts, " AND ")
}

func insert(m *mapping.Mapping) (string, error) {
	cols := m.InsertColumns()
	if len(cols) == 0 {
		return "", fmt.Errorf("ddl: %s has no insertable columns", m.Table)
	}
	names := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	for i, p := range cols {
		names[i] = quoteIdent(p.Column)
		placeholders[i] = "?"
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(m.Table), strings.Join(names, ", "), strings.Join(placeholders, ", ")), nil
}

func update(m *mapping.Mapping) (string, error) {
	cols := m.UpdateColumns()
	if len(cols) == 0 {
		return "", fmt.Errorf("ddl: %s has no updatable columns", m.Table)
	}
	sets := make([]string, len(cols))
	for i, p := range cols {
		sets[i] = fmt.Sprintf("%s = ?", quoteIdent(p.Column))
	}
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		quoteIdent(m.Table), strings.Join(sets, ", "), keyPredicate(m)), nil
}

func deleteByKey(m *mapping.Mapping) string {
	return fmt.Sprintf("DELETE FROM %s WHERE %s", quoteIdent(m.Table), keyPredicate(m))
}

// softDeleteByKey sets IsDeletedProp's column to 1 (and bumps VersionProp/
// UpdatedProp when the mapping carries them) for the row identified by the
// primary key, with an optimistic-concurrency guard on the prior version
// when VersionProp is present. Returns "" if the mapping has no
// IsDeletedProp, since there is nothing to soft-delete.
func softDeleteByKey(m *mapping.Mapping) string {
	if m.IsDeletedProp == nil {
		return ""
	}
	sets := []string{fmt.Sprintf("%s = 1", quoteIdent(m.IsDeletedProp.Column))}
	if m.VersionProp != nil {
		sets = append(sets, fmt.Sprintf("%s = ?", quoteIdent(m.VersionProp.Column)))
	}
	if m.UpdatedProp != nil {
		sets = append(sets, fmt.Sprintf("%s = ?", quoteIdent(m.UpdatedProp.Column)))
	}

	where := keyPredicate(m)
	if m.VersionProp != nil {
		where += fmt.Sprintf(" AND %s = ?", quoteIdent(m.VersionProp.Column))
	}

	return fmt.Sprintf("UPDATE %s SET %s WHERE %s", quoteIdent(m.Table), strings.Join(sets, ", "), where)
}
