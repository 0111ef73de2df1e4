package query

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/xwb1989/sqlparser"
)

// AliasMap records, for a canonicalised query, the mapping from each
// original table alias (or bare table name when unaliased) to its assigned
// canonical alias (t1, t2, …).
type AliasMap map[string]string

// Canonicalize parses sql, strips ordering/pagination/DISTINCT-ON, assigns
// stable canonical aliases to every base table, rewrites column references
// accordingly, normalises literals, and buckets numeric ranges per opts. It
// fails with *Error when sql cannot be parsed. It is a pure function: no
// side effects, and canonicalising its own output is a no-op (idempotent).
func Canonicalize(sql string, opts Options) (string, AliasMap, error) {
	stmt, err := sqlparser.Parse(sql)
	if err != nil {
		return "", nil, invalidQuery(err, "parse failed")
	}

	sel, err := firstSelectArm(stmt)
	if err != nil {
		return "", nil, err
	}

	stripOrderingAndPagination(sel)

	aliases := assignCanonicalAliases(sel)
	rewriteColumnReferences(sel, aliases)

	if opts.BucketStep > 0 {
		bucketRanges(sel, opts)
	}

	out := sqlparser.String(sel)
	out = normaliseLiteralsAndCasing(out)
	return out, aliases, nil
}

// firstSelectArm returns the first SELECT to process. Per documented
// behaviour, UNION/INTERSECT/EXCEPT are handled by processing only the
// first arm; this is partial coverage, not a bug.
func firstSelectArm(stmt sqlparser.Statement) (*sqlparser.Select, error) {
	switch s := stmt.(type) {
	case *sqlparser.Select:
		return s, nil
	case *sqlparser.Union:
		return firstSelectArm(s.Left)
	default:
		return nil, invalidQuery(nil, "unsupported statement type %T", stmt)
	}
}

// stripOrderingAndPagination removes ORDER BY, LIMIT, and DISTINCT ON-style
// qualifiers that do not change which rows match.
func stripOrderingAndPagination(sel *sqlparser.Select) {
	sel.OrderBy = nil
	sel.Limit = nil
	sel.Lock = ""
	if strings.Contains(strings.ToLower(sel.Distinct), "on") {
		sel.Distinct = ""
	}
}

type tableRef struct {
	expr         *sqlparser.AliasedTableExpr
	tableName    string
	originalName string // alias if present, else table name
}

// assignCanonicalAliases walks sel.From, assigns t1..tN in (table_name,
// original_alias) sorted order, and rewrites each AliasedTableExpr.As in
// place. Subqueries (derived tables) are aliased in the same numbered
// sequence but keyed by their own alias, giving them their own namespace as
// far as column rewriting is concerned (they are opaque table references to
// the outer query).
func assignCanonicalAliases(sel *sqlparser.Select) AliasMap {
	var refs []tableRef
	collectTableRefs(sel.From, &refs)

	sort.Slice(refs, func(i, j int) bool {
		if refs[i].tableName != refs[j].tableName {
			return refs[i].tableName < refs[j].tableName
		}
		return refs[i].originalName < refs[j].originalName
	})

	aliases := AliasMap{}
	for i, r := range refs {
		canonical := fmt.Sprintf("t%d", i+1)
		aliases[r.originalName] = canonical
		r.expr.As = sqlparser.NewTableIdent(canonical)
	}
	return aliases
}

func collectTableRefs(exprs sqlparser.TableExprs, out *[]tableRef) {
	for _, te := range exprs {
		collectTableExpr(te, out)
	}
}

func collectTableExpr(te sqlparser.TableExpr, out *[]tableRef) {
	switch t := te.(type) {
	case *sqlparser.AliasedTableExpr:
		name := tableExprName(t)
		original := name
		if !t.As.IsEmpty() {
			original = t.As.String()
		}
		*out = append(*out, tableRef{expr: t, tableName: name, originalName: original})
	case *sqlparser.JoinTableExpr:
		collectTableExpr(t.LeftExpr, out)
		collectTableExpr(t.RightExpr, out)
	case *sqlparser.ParenTableExpr:
		collectTableRefs(t.Exprs, out)
	}
}

func tableExprName(t *sqlparser.AliasedTableExpr) string {
	switch e := t.Expr.(type) {
	case sqlparser.TableName:
		return e.Name.String()
	case *sqlparser.Subquery:
		if !t.As.IsEmpty() {
			return t.As.String()
		}
		return "subquery"
	default:
		return fmt.Sprintf("%v", sqlparser.String(t.Expr))
	}
}

// rewriteColumnReferences rewrites every ColName.Qualifier found in the
// select list, WHERE, GROUP BY and HAVING clauses onto its canonical alias.
func rewriteColumnReferences(sel *sqlparser.Select, aliases AliasMap) {
	rewrite := func(col *sqlparser.ColName) {
		q := col.Qualifier.Name.String()
		if q == "" {
			return
		}
		if canon, ok := aliases[q]; ok {
			col.Qualifier.Name = sqlparser.NewTableIdent(canon)
		}
	}

	for _, se := range sel.SelectExprs {
		if ae, ok := se.(*sqlparser.AliasedExpr); ok {
			rewriteExprColumns(ae.Expr, rewrite)
		}
	}
	if sel.Where != nil {
		rewriteExprColumns(sel.Where.Expr, rewrite)
	}
	if sel.Having != nil {
		rewriteExprColumns(sel.Having.Expr, rewrite)
	}
	for _, ge := range sel.GroupBy {
		rewriteExprColumns(ge, rewrite)
	}
}

// rewriteExprColumns recursively visits e, calling visit on every ColName
// encountered. It covers the expression node kinds the rest of this package
// needs (AND/OR/NOT/parens/comparisons/ranges/functions/is); anything else is
// left untouched, consistent with "parses what it can".
func rewriteExprColumns(e sqlparser.Expr, visit func(*sqlparser.ColName)) {
	switch n := e.(type) {
	case *sqlparser.AndExpr:
		rewriteExprColumns(n.Left, visit)
		rewriteExprColumns(n.Right, visit)
	case *sqlparser.OrExpr:
		rewriteExprColumns(n.Left, visit)
		rewriteExprColumns(n.Right, visit)
	case *sqlparser.NotExpr:
		rewriteExprColumns(n.Expr, visit)
	case *sqlparser.ParenExpr:
		rewriteExprColumns(n.Expr, visit)
	case *sqlparser.ComparisonExpr:
		rewriteExprColumns(n.Left, visit)
		rewriteExprColumns(n.Right, visit)
	case *sqlparser.RangeCond:
		rewriteExprColumns(n.Left, visit)
		rewriteExprColumns(n.From, visit)
		rewriteExprColumns(n.To, visit)
	case *sqlparser.IsExpr:
		rewriteExprColumns(n.Expr, visit)
	case *sqlparser.FuncExpr:
		for _, a := range n.Exprs {
			if ae, ok := a.(*sqlparser.AliasedExpr); ok {
				rewriteExprColumns(ae.Expr, visit)
			}
		}
	case *sqlparser.ColName:
		visit(n)
	}
}

// conjunctiveAtoms decomposes a WHERE expression into its top-level AND
// atoms, treating parenthesised OR/NOT groups as single atoms, per §4.2.
func conjunctiveAtoms(e sqlparser.Expr) []sqlparser.Expr {
	if e == nil {
		return nil
	}
	if and, ok := e.(*sqlparser.AndExpr); ok {
		return append(conjunctiveAtoms(and.Left), conjunctiveAtoms(and.Right)...)
	}
	return []sqlparser.Expr{e}
}

// bucketRanges normalises numeric ranges: BETWEEN lo AND hi, and the
// equivalent expr >= lo AND expr <= hi, expand lo downward and hi upward to
// the nearest multiple of opts.BucketStep. Negative bounds are left
// untouched.
func bucketRanges(sel *sqlparser.Select, opts Options) {
	if sel.Where == nil {
		return
	}
	sel.Where.Expr = bucketExpr(sel.Where.Expr, opts)
}

func bucketExpr(e sqlparser.Expr, opts Options) sqlparser.Expr {
	switch n := e.(type) {
	case *sqlparser.AndExpr:
		if lo, hi, target, ok := matchDualComparisonRange(n); ok {
			if shouldBucket(target, opts) {
				bucketLiteral(lo, opts.BucketStep, false)
				bucketLiteral(hi, opts.BucketStep, true)
			}
			return n
		}
		n.Left = bucketExpr(n.Left, opts)
		n.Right = bucketExpr(n.Right, opts)
		return n
	case *sqlparser.OrExpr:
		n.Left = bucketExpr(n.Left, opts)
		n.Right = bucketExpr(n.Right, opts)
		return n
	case *sqlparser.NotExpr:
		n.Expr = bucketExpr(n.Expr, opts)
		return n
	case *sqlparser.ParenExpr:
		n.Expr = bucketExpr(n.Expr, opts)
		return n
	case *sqlparser.RangeCond:
		if shouldBucket(n.Left, opts) {
			bucketLiteral(n.From, opts.BucketStep, false)
			bucketLiteral(n.To, opts.BucketStep, true)
		}
		return n
	default:
		return e
	}
}

// matchDualComparisonRange recognises `expr >= lo AND expr <= hi` (in either
// order) as a range over the same target expression.
func matchDualComparisonRange(and *sqlparser.AndExpr) (lo, hi *sqlparser.SQLVal, target sqlparser.Expr, ok bool) {
	left, lok := and.Left.(*sqlparser.ComparisonExpr)
	right, rok := and.Right.(*sqlparser.ComparisonExpr)
	if !lok || !rok {
		return nil, nil, nil, false
	}
	if !sameExprText(left.Left, right.Left) {
		return nil, nil, nil, false
	}
	loVal, loOK := left.Right.(*sqlparser.SQLVal)
	hiVal, hiOK := right.Right.(*sqlparser.SQLVal)
	if !loOK || !hiOK {
		return nil, nil, nil, false
	}
	if left.Operator == sqlparser.GreaterEqualStr && right.Operator == sqlparser.LessEqualStr {
		return loVal, hiVal, left.Left, true
	}
	if left.Operator == sqlparser.LessEqualStr && right.Operator == sqlparser.GreaterEqualStr {
		return hiVal, loVal, left.Left, true
	}
	return nil, nil, nil, false
}

func sameExprText(a, b sqlparser.Expr) bool {
	return sqlparser.String(a) == sqlparser.String(b)
}

// shouldBucket reports whether target's bucketing is in scope given opts.
func shouldBucket(target sqlparser.Expr, opts Options) bool {
	if !opts.BucketFunctionsOnly {
		return true
	}
	fn, ok := target.(*sqlparser.FuncExpr)
	if !ok {
		return false
	}
	return distanceFunctionNames[strings.ToLower(fn.Name.String())]
}

func bucketLiteral(v *sqlparser.SQLVal, step float64, roundUp bool) {
	if v == nil || v.Type != sqlparser.FloatVal && v.Type != sqlparser.IntVal {
		return
	}
	f, err := strconv.ParseFloat(string(v.Val), 64)
	if err != nil || f < 0 {
		return
	}
	var bucketed float64
	if roundUp {
		bucketed = math.Ceil(f/step) * step
	} else {
		bucketed = math.Floor(f/step) * step
	}
	v.Type = sqlparser.FloatVal
	v.Val = []byte(strconv.FormatFloat(bucketed, 'f', -1, 64))
}

var keywordCasing = regexp.MustCompile(`(?i)\b(select|from|where|and|or|not|between|in|join|left|right|inner|outer|on|group by|order by|as|distinct|is|null|true|false)\b`)

// normaliseLiteralsAndCasing lower-cases recognised keywords and boolean
// literals. sqlparser.String already produces stable whitespace, so this
// pass only needs to touch casing.
func normaliseLiteralsAndCasing(sql string) string {
	return keywordCasing.ReplaceAllStringFunc(sql, strings.ToLower)
}
