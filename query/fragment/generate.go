package fragment

import (
	"fmt"
	"sort"
	"strings"

	"github.com/MPoppinga/partitioncache/query"
	"github.com/xwb1989/sqlparser"
)

// DefaultStarJoinPrefix is the naming convention used to recognise a
// star-join table when no explicit name/alias is given.
const DefaultStarJoinPrefix = "p0_"

// Options controls fragment generation (§4.2).
type Options struct {
	Query query.Options

	// MinComponentSize/MaxComponentSize bound the enumerated join-graph
	// subset sizes. MaxComponentSize <= 0 means unbounded.
	MinComponentSize int
	MaxComponentSize int

	// FollowGraph, when true, additionally connects every pair of tables
	// through the (synthesised) partition-key equi-join, so components are
	// not limited to tables linked by an explicit multi-table predicate.
	FollowGraph bool

	// AddConstraints adds the given predicate, AND-joined, to every
	// fragment touching the named table (by alias or base table name).
	AddConstraints map[string]string
	// RemoveConstraintsAll strips every atom referencing one of these
	// attribute names from every fragment.
	RemoveConstraintsAll []string
	// RemoveConstraintsAdd additionally emits, per fragment, a second copy
	// with these attributes stripped.
	RemoveConstraintsAdd []string

	// StarJoinPrefix is the naming convention for automatic star-join table
	// detection (default "p0_"). StarJoinTable, if set, names the star-join
	// table explicitly (alias or base table name) and takes precedence over
	// both the prefix and auto-detection.
	StarJoinPrefix string
	StarJoinTable  string
}

// Fragment is one generated (fragment-SQL, fingerprint) pair.
type Fragment struct {
	SQL         string
	Fingerprint string
	Tables      []string
}

type atom struct {
	expr    sqlparser.Expr
	aliases []string
}

// Generate runs the fragment generator against canonicalSQL for partition
// key pk. It never errors on advanced constructs it cannot fully decompose;
// it parses what it can and emits whatever fragments the partial
// decomposition supports.
func Generate(canonicalSQL string, pk string, opts Options) ([]Fragment, error) {
	sel, err := query.ParseCanonical(canonicalSQL)
	if err != nil {
		return nil, err
	}

	aliasToTable := query.TableAliases(sel)
	atoms := classifyAtoms(query.ConjunctiveAtoms(sel))

	prefix := opts.StarJoinPrefix
	if prefix == "" {
		prefix = DefaultStarJoinPrefix
	}
	starAlias := detectStarJoinTable(aliasToTable, atoms, opts.StarJoinTable, prefix, pk)

	nodes := make([]string, 0, len(aliasToTable))
	for alias := range aliasToTable {
		if alias == starAlias {
			continue
		}
		nodes = append(nodes, alias)
	}

	g := buildGraph(nodes, atoms, starAlias, opts.FollowGraph)

	min := opts.MinComponentSize
	if min <= 0 {
		min = 1
	}
	subsets := ConnectedSubsets(g, min, opts.MaxComponentSize)

	var out []Fragment
	for _, subset := range subsets {
		frags, err := buildFragmentsForSubset(subset, aliasToTable, atoms, pk, starAlias, opts)
		if err != nil {
			continue
		}
		out = append(out, frags...)
	}

	out = append(out, inPredicateFragments(atoms, aliasToTable, opts)...)

	return out, nil
}

// isInPredicateAtom reports whether e is an IN (SELECT ...) or IN (VALUES ...)
// predicate: a comparison whose right-hand side is a subquery, or a
// multi-valued literal tuple standing in for one. Both forms are extracted
// into their own fragment family rather than left to the ordinary
// component-based enumeration (§4.2).
func isInPredicateAtom(e sqlparser.Expr) bool {
	cmp, ok := e.(*sqlparser.ComparisonExpr)
	if !ok {
		return false
	}
	if cmp.Operator != sqlparser.InStr && cmp.Operator != sqlparser.NotInStr {
		return false
	}
	switch right := cmp.Right.(type) {
	case *sqlparser.Subquery:
		return true
	case sqlparser.ValTuple:
		return len(right) > 1
	default:
		return false
	}
}

// inPredicateFragments extracts every IN (SELECT ...) / IN (VALUES ...) atom
// into a dedicated fragment scoped to just the table it constrains, plus a
// variant that additionally carries one more single-table atom on that same
// alias when one is available, per §4.2.
func inPredicateFragments(atoms []atom, aliasToTable map[string]string, opts Options) []Fragment {
	var out []Fragment
	for _, a := range atoms {
		if !isInPredicateAtom(a.expr) || len(a.aliases) != 1 {
			continue
		}
		alias := a.aliases[0]
		table, ok := aliasToTable[alias]
		if !ok {
			continue
		}
		from := fmt.Sprintf("%s AS %s", table, alias)
		text := query.AtomText(a.expr)

		if frag, err := buildFragment(from, []string{text}, []string{alias}, opts); err == nil {
			out = append(out, frag)
		}

		for _, other := range atoms {
			if len(other.aliases) != 1 || other.aliases[0] != alias || isInPredicateAtom(other.expr) {
				continue
			}
			outerAtoms := []string{text, query.AtomText(other.expr)}
			if frag, err := buildFragment(from, outerAtoms, []string{alias}, opts); err == nil {
				out = append(out, frag)
			}
		}
	}
	return out
}

func classifyAtoms(exprs []sqlparser.Expr) []atom {
	out := make([]atom, 0, len(exprs))
	for _, e := range exprs {
		out = append(out, atom{expr: e, aliases: query.AtomAliases(e)})
	}
	return out
}

// detectStarJoinTable resolves the star-join table by precedence: explicit
// name/alias > naming convention > auto-detection (a table whose only
// predicates are partition-key equi-joins to other tables). Ties in
// auto-detection resolve to the alphabetically first alias.
func detectStarJoinTable(aliasToTable map[string]string, atoms []atom, explicit, prefix, pk string) string {
	if explicit != "" {
		if _, ok := aliasToTable[explicit]; ok {
			return explicit
		}
		for alias, table := range aliasToTable {
			if table == explicit {
				return alias
			}
		}
	}

	var byPrefix []string
	for alias, table := range aliasToTable {
		if strings.HasPrefix(table, prefix) || strings.HasPrefix(alias, prefix) {
			byPrefix = append(byPrefix, alias)
		}
	}
	if len(byPrefix) > 0 {
		sort.Strings(byPrefix)
		return byPrefix[0]
	}

	var candidates []string
	for alias := range aliasToTable {
		if isStarJoinCandidate(alias, atoms, pk) {
			candidates = append(candidates, alias)
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.Strings(candidates)
	return candidates[0]
}

// isStarJoinCandidate reports whether alias's only multi-table atoms are
// two-way equi-joins on the partition-key column pk (both sides name pk) and
// it carries at most one single-table predicate of its own.
func isStarJoinCandidate(alias string, atoms []atom, pk string) bool {
	singleTableCount := 0
	hasMultiTable := false
	for _, a := range atoms {
		if len(a.aliases) == 1 && a.aliases[0] == alias {
			singleTableCount++
		}
		if len(a.aliases) == 2 && contains(a.aliases, alias) {
			cmp, ok := a.expr.(*sqlparser.ComparisonExpr)
			if !ok || cmp.Operator != sqlparser.EqualStr {
				return false
			}
			left, lok := cmp.Left.(*sqlparser.ColName)
			right, rok := cmp.Right.(*sqlparser.ColName)
			if !lok || !rok || !strings.EqualFold(left.Name.String(), pk) || !strings.EqualFold(right.Name.String(), pk) {
				return false
			}
			hasMultiTable = true
		}
		if len(a.aliases) > 2 && contains(a.aliases, alias) {
			return false
		}
	}
	return hasMultiTable && singleTableCount <= 1
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func buildGraph(nodes []string, atoms []atom, starAlias string, followGraph bool) Graph {
	g := Graph{Nodes: nodes}
	for _, a := range atoms {
		if len(a.aliases) < 2 {
			continue
		}
		if contains(a.aliases, starAlias) {
			continue
		}
		for i := 0; i < len(a.aliases); i++ {
			for j := i + 1; j < len(a.aliases); j++ {
				g.Edges = append(g.Edges, Edge{A: a.aliases[i], B: a.aliases[j]})
			}
		}
	}

	if followGraph {
		// The partition-key equi-join is always available as an implicit
		// connector, since every table in the component carries the
		// partition key column; treat every node pair as connected by it.
		for i := 0; i < len(nodes); i++ {
			for j := i + 1; j < len(nodes); j++ {
				g.Edges = append(g.Edges, Edge{A: nodes[i], B: nodes[j]})
			}
		}
	}

	return g
}

func buildFragmentsForSubset(subset []string, aliasToTable map[string]string, atoms []atom, pk string, starAlias string, opts Options) ([]Fragment, error) {
	in := map[string]bool{}
	for _, a := range subset {
		in[a] = true
	}

	var keptAtoms []string
	for _, a := range atoms {
		if len(a.aliases) == 0 {
			continue
		}
		allIn := true
		for _, alias := range a.aliases {
			if !in[alias] {
				allIn = false
				break
			}
		}
		if allIn {
			keptAtoms = append(keptAtoms, query.AtomText(a.expr))
		}
	}

	keptAtoms = append(keptAtoms, pkEquiJoinAtoms(subset, pk)...)
	keptAtoms = applyAddConstraints(keptAtoms, subset, aliasToTable, opts.AddConstraints)
	baseAtoms := removeConstraintsAll(keptAtoms, opts.RemoveConstraintsAll)

	fromClause := buildFromClause(subset, aliasToTable)

	variants := [][]string{baseAtoms}
	if len(opts.RemoveConstraintsAdd) > 0 {
		variants = append(variants, removeConstraintsAll(baseAtoms, opts.RemoveConstraintsAdd))
	}

	var out []Fragment
	for _, v := range variants {
		if starAlias != "" {
			frag, err := buildStarJoinFragment(fromClause, v, subset, aliasToTable, starAlias, starOwnAtoms(atoms, starAlias), pk, opts)
			if err != nil {
				return nil, err
			}
			out = append(out, frag)
			continue
		}
		frag, err := buildFragment(fromClause, v, subset, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, frag)
	}

	return out, nil
}

// starOwnAtoms returns the text of every atom whose only table reference is
// starAlias itself: the star table's own dimensional filters, which must
// travel along with it whenever it is reattached (§4.2, §8 scenario 5).
func starOwnAtoms(atoms []atom, starAlias string) []string {
	var out []string
	for _, a := range atoms {
		if len(a.aliases) == 1 && a.aliases[0] == starAlias {
			out = append(out, query.AtomText(a.expr))
		}
	}
	return out
}

func pkEquiJoinAtoms(subset []string, pk string) []string {
	if len(subset) < 2 {
		return nil
	}
	sorted := append([]string(nil), subset...)
	sort.Strings(sorted)
	var out []string
	for i := 0; i+1 < len(sorted); i++ {
		out = append(out, fmt.Sprintf("%s.%s = %s.%s", sorted[i], pk, sorted[i+1], pk))
	}
	return out
}

func applyAddConstraints(atoms []string, subset []string, aliasToTable map[string]string, add map[string]string) []string {
	if len(add) == 0 {
		return atoms
	}
	in := map[string]bool{}
	for _, a := range subset {
		in[a] = true
	}
	for key, predicate := range add {
		for _, alias := range subset {
			if alias == key || aliasToTable[alias] == key {
				atoms = append(atoms, predicate)
			}
		}
	}
	return atoms
}

func removeConstraintsAll(atoms []string, attrs []string) []string {
	if len(attrs) == 0 {
		return atoms
	}
	var out []string
	for _, a := range atoms {
		strip := false
		for _, attr := range attrs {
			if strings.Contains(a, attr) {
				strip = true
				break
			}
		}
		if !strip {
			out = append(out, a)
		}
	}
	return out
}

func buildFromClause(subset []string, aliasToTable map[string]string) string {
	sorted := append([]string(nil), subset...)
	sort.Strings(sorted)
	parts := make([]string, len(sorted))
	for i, alias := range sorted {
		parts[i] = fmt.Sprintf("%s AS %s", aliasToTable[alias], alias)
	}
	return strings.Join(parts, ", ")
}

func buildFragment(fromClause string, atoms []string, tables []string, opts Options) (Fragment, error) {
	sql := "SELECT * FROM " + fromClause
	if len(atoms) > 0 {
		sql += " WHERE " + strings.Join(atoms, " AND ")
	}

	canonical, _, err := query.Canonicalize(sql, opts.Query)
	if err != nil {
		return Fragment{}, err
	}

	sorted := append([]string(nil), tables...)
	sort.Strings(sorted)
	return Fragment{
		SQL:         canonical,
		Fingerprint: query.Fingerprint(canonical),
		Tables:      sorted,
	}, nil
}

func buildStarJoinFragment(fromClause string, atoms []string, subset []string, aliasToTable map[string]string, starAlias string, starAtoms []string, pk string, opts Options) (Fragment, error) {
	from := fromClause + fmt.Sprintf(", %s AS p1", aliasToTable[starAlias])
	sorted := append([]string(nil), subset...)
	sort.Strings(sorted)
	joined := append([]string(nil), atoms...)
	if len(sorted) > 0 {
		joined = append(joined, fmt.Sprintf("p1.%s = %s.%s", pk, sorted[0], pk))
	}
	for _, a := range starAtoms {
		joined = append(joined, strings.ReplaceAll(a, starAlias+".", "p1."))
	}
	return buildFragment(from, joined, append(subset, "p1"), opts)
}
