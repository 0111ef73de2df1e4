package query

import (
	"sort"

	"github.com/xwb1989/sqlparser"
)

// ParseCanonical parses SQL that has already been through Canonicalize (or
// is otherwise known-canonical) and returns its top-level SELECT, following
// the same first-arm rule as Canonicalize for set operations.
func ParseCanonical(sql string) (*sqlparser.Select, error) {
	stmt, err := sqlparser.Parse(sql)
	if err != nil {
		return nil, invalidQuery(err, "parse failed")
	}
	return firstSelectArm(stmt)
}

// TableAliases returns the canonical-alias → base-table-name map for every
// table referenced in sel's FROM clause.
func TableAliases(sel *sqlparser.Select) map[string]string {
	var refs []tableRef
	collectTableRefs(sel.From, &refs)
	out := make(map[string]string, len(refs))
	for _, r := range refs {
		alias := r.originalName
		if !r.expr.As.IsEmpty() {
			alias = r.expr.As.String()
		}
		out[alias] = r.tableName
	}
	return out
}

// ConjunctiveAtoms decomposes sel's WHERE clause into its top-level AND
// atoms (§4.2): the top-level AND-atoms, treating parenthesised OR/NOT
// groups as single atoms.
func ConjunctiveAtoms(sel *sqlparser.Select) []sqlparser.Expr {
	if sel.Where == nil {
		return nil
	}
	return conjunctiveAtoms(sel.Where.Expr)
}

// AtomAliases returns the sorted, de-duplicated set of table aliases an
// atom references.
func AtomAliases(atom sqlparser.Expr) []string {
	seen := map[string]bool{}
	rewriteExprColumns(atom, func(col *sqlparser.ColName) {
		if q := col.Qualifier.Name.String(); q != "" {
			seen[q] = true
		}
	})
	out := make([]string, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// AtomText renders atom back to SQL text.
func AtomText(atom sqlparser.Expr) string {
	return sqlparser.String(atom)
}
