package core

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLGuard_Accepts(t *testing.T) {
	g := NewSQLGuard(testCatalog(t))
	tests := []struct {
		name    string
		sql     string
		project *string
		want    string
	}{
		{
			name:    "scoped aggregate",
			sql:     "SELECT status, COUNT(*) AS count FROM issues WHERE project_id = 'p1' GROUP BY status",
			project: strPtr("p1"),
		},
		{
			name:    "projects table scoped by id",
			sql:     "SELECT name FROM projects WHERE id = 'p1'",
			project: strPtr("p1"),
		},
		{
			name: "cross project needs no predicate",
			sql:  "SELECT COUNT(*) FROM issues",
		},
		{
			name:    "trailing semicolon and comment are dropped",
			sql:     "SELECT id FROM issues WHERE project_id = 'p1'; -- done",
			project: strPtr("p1"),
			want:    "SELECT id FROM issues WHERE project_id = 'p1'",
		},
		{
			name:    "parenthesised conjunction",
			sql:     "SELECT id FROM issues WHERE (status = 'OPEN' AND project_id = 'p1')",
			project: strPtr("p1"),
		},
		{
			name:    "inner join propagates scope",
			sql:     "SELECT t.name, i.title FROM tasks t JOIN issues i ON i.project_id = t.project_id WHERE t.project_id = 'p1'",
			project: strPtr("p1"),
		},
		{
			name:    "union with both sides scoped",
			sql:     "SELECT title FROM issues WHERE project_id = 'p1' UNION ALL SELECT title FROM field_issues WHERE project_id = 'p1'",
			project: strPtr("p1"),
		},
		{
			name:    "scoped subquery",
			sql:     "SELECT name FROM tasks WHERE project_id = 'p1' AND id IN (SELECT id FROM tasks WHERE project_id = 'p1' AND status = 'DELAYED')",
			project: strPtr("p1"),
		},
		{
			name:    "select without table",
			sql:     "SELECT 1",
			project: strPtr("p1"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := g.Check(tt.sql, tt.project)
			require.NoError(t, err)
			if tt.want != "" {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestSQLGuard_Rejects(t *testing.T) {
	g := NewSQLGuard(testCatalog(t))
	tests := []struct {
		name    string
		sql     string
		project *string
		reason  string
	}{
		{name: "drop", sql: "DROP TABLE tasks;", reason: "DROP"},
		{name: "delete", sql: "DELETE FROM issues WHERE project_id = 'p1'", reason: "DELETE"},
		{name: "insert", sql: "INSERT INTO issues (id) VALUES ('x')", reason: "INSERT"},
		{name: "update", sql: "UPDATE issues SET status = 'CLOSED'", reason: "UPDATE"},
		{name: "two statements", sql: "SELECT 1; DROP TABLE tasks", reason: "multiple statements"},
		{name: "stacked selects", sql: "SELECT 1; SELECT 2;", reason: "multiple statements"},
		{name: "unknown table", sql: "SELECT * FROM users", reason: "users"},
		{name: "sqlite internals", sql: "SELECT name FROM sqlite_master", reason: "sqlite_master"},
		{name: "other schema", sql: "SELECT * FROM other.issues", reason: "schema"},
		{name: "extension loading", sql: "SELECT load_extension('evil.so')", reason: "load_extension"},
		{name: "file read", sql: "SELECT readfile('/etc/passwd') FROM issues", reason: "readfile"},
		{name: "empty", sql: "  ; ", reason: "empty"},
		{name: "comment only", sql: "-- nothing", reason: "empty"},
		{name: "not sql", sql: "hello there", reason: "parsed"},
		{name: "missing scope", sql: "SELECT * FROM issues", project: strPtr("p1"), reason: "project_id"},
		{name: "other project", sql: "SELECT * FROM issues WHERE project_id = 'p2'", project: strPtr("p1"), reason: "project_id"},
		{name: "scope under OR", sql: "SELECT * FROM issues WHERE project_id = 'p1' OR 1 = 1", project: strPtr("p1"), reason: "project_id"},
		{name: "unscoped union side", sql: "SELECT title FROM issues WHERE project_id = 'p1' UNION SELECT title FROM field_issues", project: strPtr("p1"), reason: "field_issues"},
		{name: "unscoped subquery", sql: "SELECT name FROM tasks WHERE project_id = 'p1' AND id IN (SELECT id FROM requirements)", project: strPtr("p1"), reason: "requirements"},
		{name: "joined table unscoped", sql: "SELECT * FROM tasks t JOIN issues i ON i.id = t.id WHERE t.project_id = 'p1'", project: strPtr("p1"), reason: "issues"},
		{name: "outer join does not scope", sql: "SELECT * FROM tasks t LEFT JOIN issues i ON i.project_id = t.project_id WHERE t.project_id = 'p1'", project: strPtr("p1"), reason: "issues"},
		{name: "scope hidden in line comment", sql: "SELECT * FROM issues WHERE 1 --1 AND project_id = 'p1'", project: strPtr("p1"), reason: "project_id"},
		{name: "backslash in literal", sql: `SELECT * FROM issues WHERE project_id = 'p1' AND title = 'x\' UNION SELECT * FROM sqlite_master -- '`, project: strPtr("p1"), reason: "backslash"},
		{name: "hash comment", sql: "SELECT * FROM issues WHERE project_id = 'p1' # trailing", project: strPtr("p1"), reason: "#"},
		{name: "unterminated literal", sql: "SELECT 'abc", reason: "unterminated"},
		{name: "unterminated comment", sql: "SELECT 1 /* open", reason: "unterminated"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.Check(tt.sql, tt.project)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrUnsafeSQL)

			var unsafe *UnsafeSQLError
			require.True(t, errors.As(err, &unsafe))
			assert.Contains(t, unsafe.Reason, tt.reason)
		})
	}
}

var (
	writeKeywordRe = regexp.MustCompile(`(?i)\b(insert|update|delete|drop|alter|create|replace|attach|pragma|vacuum)\b`)
	tableRefRe     = regexp.MustCompile(`(?i)\b(?:from|join)\s+([a-z_][a-z0-9_.]*)`)
	quotedRe       = regexp.MustCompile(`'(?:[^']|'')*'`)
)

// Every accepted statement is a single read-only statement over allow-listed
// tables, across a grid of well-formed and hostile combinations.
func TestSQLGuard_AcceptedStatementsAreReadOnly(t *testing.T) {
	catalog := testCatalog(t)
	g := NewSQLGuard(catalog)

	templates := []string{
		"SELECT * FROM %s",
		"SELECT COUNT(*) FROM %s",
		"DELETE FROM %s",
		"UPDATE %s SET status = 'X'",
		"DROP TABLE %s",
		"INSERT INTO %s (id) VALUES ('1')",
		"SELECT id FROM issues WHERE project_id = 'p1' UNION SELECT id FROM %s",
		"SELECT a.id FROM issues a JOIN %s b ON a.id = b.id",
	}
	tables := []string{"issues", "tasks", "projects", "users", "sqlite_master", "main.tasks"}
	suffixes := []string{
		"",
		";",
		" WHERE project_id = 'p1'",
		" WHERE project_id = 'p1'; DROP TABLE tasks",
		"; SELECT 1",
		" /* note */",
		" -- note",
		" WHERE project_id = 'p1' OR 1 = 1",
	}
	scopes := []*string{nil, strPtr("p1")}

	accepted := 0
	for _, tpl := range templates {
		for _, table := range tables {
			for _, suffix := range suffixes {
				for _, scope := range scopes {
					sql := fmt.Sprintf(tpl, table) + suffix
					stmt, err := g.Check(sql, scope)
					if err != nil {
						continue
					}
					accepted++
					assert.Truef(t, strings.HasPrefix(strings.ToUpper(stmt), "SELECT"), "accepted non-select %q", sql)
					assert.NotContainsf(t, stmt, ";", "accepted multiple statements %q", sql)

					bare := quotedRe.ReplaceAllString(stmt, "''")
					assert.Falsef(t, writeKeywordRe.MatchString(bare), "accepted write keyword in %q", sql)
					for _, m := range tableRefRe.FindAllStringSubmatch(bare, -1) {
						name := strings.TrimPrefix(strings.ToLower(m[1]), "main.")
						assert.Truef(t, catalog.AllowsTable(name), "accepted table %s in %q", name, sql)
					}
				}
			}
		}
	}
	assert.Positive(t, accepted)
}
