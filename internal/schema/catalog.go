// Package schema holds the allow-listed description of the project data tables
// that generated SQL may read. The catalog is static and versioned: it is embedded
// in the binary and may be replaced by an operator-supplied YAML file, but it is
// never introspected from the live database.
package schema

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

const defaultScopeColumn = "project_id"

type Column struct {
	Name        string   `yaml:"name"`
	Type        string   `yaml:"type"`
	Description string   `yaml:"description,omitempty"`
	Values      []string `yaml:"values,omitempty"`
}

type Table struct {
	Name          string   `yaml:"name"`
	Description   string   `yaml:"description,omitempty"`
	ProjectScoped bool     `yaml:"projectScoped"`
	ScopeColumn   string   `yaml:"scopeColumn,omitempty"`
	Columns       []Column `yaml:"columns"`

	columns map[string]bool
}

type Catalog struct {
	Version string  `yaml:"version"`
	Tables  []Table `yaml:"tables"`

	byName map[string]*Table
}

// Default returns the embedded catalog.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// Load reads a catalog from path, or returns the embedded one when path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema catalog %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse schema catalog: %w", err)
	}
	if c.Version == "" {
		return nil, fmt.Errorf("schema catalog has no version")
	}
	if len(c.Tables) == 0 {
		return nil, fmt.Errorf("schema catalog lists no tables")
	}

	c.byName = make(map[string]*Table, len(c.Tables))
	for i := range c.Tables {
		t := &c.Tables[i]
		t.Name = strings.ToLower(strings.TrimSpace(t.Name))
		if t.Name == "" {
			return nil, fmt.Errorf("schema catalog table %d has no name", i)
		}
		if _, dup := c.byName[t.Name]; dup {
			return nil, fmt.Errorf("schema catalog lists table %q twice", t.Name)
		}
		if t.ProjectScoped && t.ScopeColumn == "" {
			t.ScopeColumn = defaultScopeColumn
		}
		t.ScopeColumn = strings.ToLower(t.ScopeColumn)
		t.columns = make(map[string]bool, len(t.Columns))
		for _, col := range t.Columns {
			t.columns[strings.ToLower(col.Name)] = true
		}
		if t.ProjectScoped && !t.columns[t.ScopeColumn] {
			return nil, fmt.Errorf("schema catalog table %q has no scope column %q", t.Name, t.ScopeColumn)
		}
		c.byName[t.Name] = t
	}
	return &c, nil
}

// AllowsTable reports whether name is an allow-listed table (case-insensitive).
func (c *Catalog) AllowsTable(name string) bool {
	_, ok := c.byName[strings.ToLower(name)]
	return ok
}

// ScopeColumn returns the column that carries the project id for a scoped
// table, and false for tables that are not project scoped or unknown.
func (c *Catalog) ScopeColumn(table string) (string, bool) {
	t, ok := c.byName[strings.ToLower(table)]
	if !ok || !t.ProjectScoped {
		return "", false
	}
	return t.ScopeColumn, true
}

// HasColumn reports whether the catalog lists column on table.
func (c *Catalog) HasColumn(table, column string) bool {
	t, ok := c.byName[strings.ToLower(table)]
	return ok && t.columns[strings.ToLower(column)]
}

// TableNames returns the allow-listed names in sorted order.
func (c *Catalog) TableNames() []string {
	names := make([]string, 0, len(c.byName))
	for name := range c.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe renders the catalog as prompt text. Output is deterministic.
func (c *Catalog) Describe() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Schema version %s. Only these tables exist:\n", c.Version)
	for _, t := range c.Tables {
		sb.WriteString("\nTABLE ")
		sb.WriteString(t.Name)
		if t.Description != "" {
			sb.WriteString(" -- ")
			sb.WriteString(t.Description)
		}
		if t.ProjectScoped {
			fmt.Fprintf(&sb, " [scoped by %s]", t.ScopeColumn)
		}
		sb.WriteString("\n")
		for _, col := range t.Columns {
			fmt.Fprintf(&sb, "  - %s %s", col.Name, col.Type)
			if col.Description != "" {
				fmt.Fprintf(&sb, " (%s)", col.Description)
			}
			if len(col.Values) > 0 {
				fmt.Fprintf(&sb, " one of: %s", strings.Join(col.Values, ", "))
			}
			sb.WriteString("\n")
		}
	}
	return sb.String()
}
