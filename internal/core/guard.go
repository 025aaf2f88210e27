package core

import (
	"strings"

	"github.com/xwb1989/sqlparser"

	"projecthub.io/assistant/internal/schema"
)

var deniedFunctions = map[string]bool{
	"load_extension": true,
	"readfile":       true,
	"writefile":      true,
	"edit":           true,
	"fts3_tokenizer": true,
}

// SQLGuard decides whether a generated statement may run against the project
// data store. It never rewrites the statement's meaning.
type SQLGuard struct {
	catalog *schema.Catalog
}

func NewSQLGuard(catalog *schema.Catalog) *SQLGuard {
	return &SQLGuard{catalog: catalog}
}

// Check validates sql for the given scope and returns the statement to execute:
// the input with comments and the trailing semicolon removed. A rejection is an
// *UnsafeSQLError.
func (g *SQLGuard) Check(sql string, projectID *string) (string, error) {
	clean, err := normalizeStatement(sql)
	if err != nil {
		return "", err
	}

	stmt, err := sqlparser.Parse(clean)
	if err != nil {
		return "", rejectf("statement could not be parsed as a SELECT")
	}
	switch stmt.(type) {
	case *sqlparser.Select, *sqlparser.Union, *sqlparser.ParenSelect:
	default:
		return "", rejectf("%s statements are not allowed", statementKind(stmt))
	}

	scope := ""
	if projectID != nil {
		scope = *projectID
	}
	err = sqlparser.Walk(func(node sqlparser.SQLNode) (bool, error) {
		switch n := node.(type) {
		case *sqlparser.AliasedTableExpr:
			if name, ok := n.Expr.(sqlparser.TableName); ok {
				if err := g.checkTable(name); err != nil {
					return false, err
				}
			}
		case *sqlparser.FuncExpr:
			if fn := n.Name.Lowered(); deniedFunctions[fn] {
				return false, rejectf("function %s is not allowed", fn)
			}
		case *sqlparser.Select:
			if scope != "" {
				if err := g.checkScope(n, scope); err != nil {
					return false, err
				}
			}
		}
		return true, nil
	}, stmt)
	if err != nil {
		return "", err
	}
	return clean, nil
}

func (g *SQLGuard) checkTable(name sqlparser.TableName) error {
	if q := name.Qualifier.String(); q != "" && !strings.EqualFold(q, "main") {
		return rejectf("schema %s is not allowed", q)
	}
	table := strings.ToLower(name.Name.String())
	if table == "dual" || g.catalog.AllowsTable(table) {
		return nil
	}
	return rejectf("table %s is not allow-listed", table)
}

type tableRef struct {
	table string // empty for derived tables
	ident string // alias, or the table name when unaliased
}

// checkScope requires every project-scoped table read directly by sel to be
// pinned to projectID by an AND-connected equality in WHERE, or in the ON
// clause of an inner join. Column equalities propagate the pin, so
// "t.project_id = 'p' AND i.project_id = t.project_id" scopes both tables.
func (g *SQLGuard) checkScope(sel *sqlparser.Select, projectID string) error {
	var refs []tableRef
	var conds []sqlparser.Expr
	collectFrom(sel.From, &refs, &conds)
	if sel.Where != nil {
		conds = append(conds, sel.Where.Expr)
	}

	classes := newColumnClasses()
	for _, cond := range conds {
		for _, e := range conjuncts(cond, nil) {
			cmp, ok := e.(*sqlparser.ComparisonExpr)
			if !ok || cmp.Operator != sqlparser.EqualStr {
				continue
			}
			lc, lok := cmp.Left.(*sqlparser.ColName)
			rc, rok := cmp.Right.(*sqlparser.ColName)
			switch {
			case lok && rok:
				classes.union(g.resolve(lc, refs), g.resolve(rc, refs))
			case lok && literalEquals(cmp.Right, projectID):
				classes.pin(g.resolve(lc, refs))
			case rok && literalEquals(cmp.Left, projectID):
				classes.pin(g.resolve(rc, refs))
			}
		}
	}

	for _, ref := range refs {
		if ref.table == "" {
			continue
		}
		col, scoped := g.catalog.ScopeColumn(ref.table)
		if !scoped {
			continue
		}
		if !classes.pinned(ref.ident + "." + col) {
			return rejectf("table %s is not filtered by %s = '%s'", ref.table, col, projectID)
		}
	}
	return nil
}

// resolve names a column as "ident.column", or "" when it cannot be tied to
// exactly one table of the current SELECT.
func (g *SQLGuard) resolve(col *sqlparser.ColName, refs []tableRef) string {
	name := col.Name.Lowered()
	if q := strings.ToLower(col.Qualifier.Name.String()); q != "" {
		for _, ref := range refs {
			if ref.ident == q {
				return ref.ident + "." + name
			}
		}
		return ""
	}
	match := ""
	for _, ref := range refs {
		if ref.table != "" && g.catalog.HasColumn(ref.table, name) {
			if match != "" {
				return ""
			}
			match = ref.ident + "." + name
		}
	}
	return match
}

func collectFrom(exprs sqlparser.TableExprs, refs *[]tableRef, conds *[]sqlparser.Expr) {
	for _, expr := range exprs {
		switch t := expr.(type) {
		case *sqlparser.AliasedTableExpr:
			ref := tableRef{ident: strings.ToLower(t.As.String())}
			if name, ok := t.Expr.(sqlparser.TableName); ok {
				ref.table = strings.ToLower(name.Name.String())
				if ref.ident == "" {
					ref.ident = ref.table
				}
			}
			*refs = append(*refs, ref)
		case *sqlparser.JoinTableExpr:
			collectFrom(sqlparser.TableExprs{t.LeftExpr, t.RightExpr}, refs, conds)
			if (t.Join == sqlparser.JoinStr || t.Join == sqlparser.StraightJoinStr) && t.Condition.On != nil {
				*conds = append(*conds, t.Condition.On)
			}
		case *sqlparser.ParenTableExpr:
			collectFrom(t.Exprs, refs, conds)
		}
	}
}

func conjuncts(e sqlparser.Expr, out []sqlparser.Expr) []sqlparser.Expr {
	switch n := e.(type) {
	case *sqlparser.AndExpr:
		return conjuncts(n.Right, conjuncts(n.Left, out))
	case *sqlparser.ParenExpr:
		return conjuncts(n.Expr, out)
	case nil:
		return out
	default:
		return append(out, e)
	}
}

func literalEquals(e sqlparser.Expr, want string) bool {
	v, ok := e.(*sqlparser.SQLVal)
	if !ok {
		return false
	}
	return (v.Type == sqlparser.StrVal || v.Type == sqlparser.IntVal) && string(v.Val) == want
}

// columnClasses is a small union-find over "ident.column" keys.
type columnClasses struct {
	parent map[string]string
	pins   map[string]bool
}

func newColumnClasses() *columnClasses {
	return &columnClasses{parent: map[string]string{}, pins: map[string]bool{}}
}

func (c *columnClasses) find(k string) string {
	for {
		p, ok := c.parent[k]
		if !ok || p == k {
			return k
		}
		k = p
	}
}

func (c *columnClasses) union(a, b string) {
	if a == "" || b == "" {
		return
	}
	ra, rb := c.find(a), c.find(b)
	if ra == rb {
		return
	}
	c.parent[ra] = rb
	if c.pins[ra] {
		c.pins[rb] = true
	}
}

func (c *columnClasses) pin(k string) {
	if k != "" {
		c.pins[c.find(k)] = true
	}
}

func (c *columnClasses) pinned(k string) bool {
	return c.pins[c.find(k)]
}

func statementKind(stmt sqlparser.Statement) string {
	switch s := stmt.(type) {
	case *sqlparser.Insert:
		return "INSERT"
	case *sqlparser.Update:
		return "UPDATE"
	case *sqlparser.Delete:
		return "DELETE"
	case *sqlparser.DDL:
		return strings.ToUpper(s.Action)
	case *sqlparser.Set:
		return "SET"
	default:
		return "non-SELECT"
	}
}

// normalizeStatement splits sql with SQLite's lexical rules, rejecting more than
// one statement, and returns the single statement with comments blanked out.
// Backslashes inside literals and '#' outside them are rejected: the parser
// reads those differently from SQLite, and agreeing on token boundaries is
// what lets the parsed tree stand for the executed text.
func normalizeStatement(sql string) (string, error) {
	var (
		out        strings.Builder
		statements int
		current    bool // current statement has content
	)
	finish := func() {
		if current {
			statements++
			current = false
		}
	}

	for i := 0; i < len(sql); i++ {
		ch := sql[i]
		switch {
		case ch == '\'' || ch == '"' || ch == '`' || ch == '[':
			closer := ch
			if ch == '[' {
				closer = ']'
			}
			j := i + 1
			for ; j < len(sql); j++ {
				if sql[j] == '\\' && ch != '[' {
					return "", rejectf("backslash inside a quoted literal")
				}
				if sql[j] == closer {
					if ch != '[' && j+1 < len(sql) && sql[j+1] == closer {
						j++
						continue
					}
					break
				}
			}
			if j >= len(sql) {
				return "", rejectf("unterminated quoted literal")
			}
			if statements > 0 {
				return "", rejectf("multiple statements are not allowed")
			}
			out.WriteString(sql[i : j+1])
			current = true
			i = j
		case ch == '-' && i+1 < len(sql) && sql[i+1] == '-':
			for i < len(sql) && sql[i] != '\n' {
				i++
			}
			out.WriteByte(' ')
		case ch == '/' && i+1 < len(sql) && sql[i+1] == '*':
			end := strings.Index(sql[i+2:], "*/")
			if end < 0 {
				return "", rejectf("unterminated comment")
			}
			i += end + 3
			out.WriteByte(' ')
		case ch == '#':
			return "", rejectf("'#' is not allowed outside literals")
		case ch == ';':
			finish()
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			out.WriteByte(ch)
		default:
			if statements > 0 {
				return "", rejectf("multiple statements are not allowed")
			}
			out.WriteByte(ch)
			current = true
		}
	}
	finish()

	if statements == 0 {
		return "", rejectf("empty statement")
	}
	return strings.TrimSpace(out.String()), nil
}
