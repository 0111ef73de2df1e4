package rewrite

import (
	"strconv"
	"strings"

	"github.com/xwb1989/sqlparser"
)

// deriveBufferDistance scans sql for ST_DWithin(...) calls and returns the
// largest literal radius argument found, or zero if none parse or none are
// present. The spatial splice uses this as its buffer when the caller leaves
// Options.BufferDistance at zero, so a query that already constrains rows to
// within some radius of a geometry gets a cache filter at least that wide.
func deriveBufferDistance(sql string) float64 {
	stmt, err := sqlparser.Parse(sql)
	if err != nil {
		return 0
	}

	var max float64
	sqlparser.Walk(func(node sqlparser.SQLNode) (bool, error) {
		fn, ok := node.(*sqlparser.FuncExpr)
		if !ok || !strings.EqualFold(fn.Name.String(), "st_dwithin") || len(fn.Exprs) < 3 {
			return true, nil
		}
		ae, ok := fn.Exprs[2].(*sqlparser.AliasedExpr)
		if !ok {
			return true, nil
		}
		val, ok := ae.Expr.(*sqlparser.SQLVal)
		if !ok || (val.Type != sqlparser.IntVal && val.Type != sqlparser.FloatVal) {
			return true, nil
		}
		f, err := strconv.ParseFloat(string(val.Val), 64)
		if err != nil {
			return true, nil
		}
		if f > max {
			max = f
		}
		return true, nil
	}, stmt)

	return max
}
