package partition

import (
	"fmt"
	"sort"
	"strings"
)

// MaxStatementBytes is Athena's query-string length ceiling. A statement is
// cut before the clause that would cross it.
const MaxStatementBytes = 262144

// DefaultBatchSize is the number of partition specs packed per statement
// when the caller does not say otherwise.
const DefaultBatchSize = 20

// DDLGenerator yields the ALTER TABLE statements covering a set of
// partition paths, DefaultBatchSize (or batchSize) specs at a time. Paths
// are sorted on construction so output is deterministic; generation is a
// single forward pass and is not restartable.
type DDLGenerator struct {
	header string
	footer string
	joiner string
	batch  int
	specs  []string
	pos    int
}

// NewDDLGenerator parses and sorts the given partition paths and prepares a
// generator over them. Paths are sorted lexicographically before parsing.
func NewDDLGenerator(database, table string, paths []string, action Action, batchSize int) (*DDLGenerator, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	sorted := make([]string, len(paths))
	copy(sorted, paths)
	sort.Strings(sorted)

	specs := make([]string, 0, len(sorted))
	for _, p := range sorted {
		spec, err := ParsePath(p)
		if err != nil {
			return nil, fmt.Errorf("failed to parse partition path %q: %w", p, err)
		}
		specs = append(specs, spec.SQL())
	}

	g := &DDLGenerator{
		batch: batchSize,
		specs: specs,
	}
	// ADD statements space-join their PARTITION clauses while DROP
	// statements comma-join them, mirroring the Athena DDL grammar.
	if action == ActionDrop {
		g.header = fmt.Sprintf("ALTER TABLE %s.%s DROP IF EXISTS ", database, table)
		g.joiner = ", "
	} else {
		g.header = fmt.Sprintf("ALTER TABLE %s.%s ADD IF NOT EXISTS ", database, table)
		g.joiner = " "
	}
	g.footer = ";"
	return g, nil
}

// Next returns the next DDL statement. The second return is false once the
// generator is exhausted. A trailing batch smaller than the batch size still
// produces a statement.
func (g *DDLGenerator) Next() (string, bool) {
	if g.pos >= len(g.specs) {
		return "", false
	}

	var b strings.Builder
	b.WriteString(g.header)
	count := 0
	for g.pos < len(g.specs) && count < g.batch {
		clause := g.specs[g.pos]
		extra := len(clause) + len(g.footer)
		if count > 0 {
			extra += len(g.joiner)
		}
		if count > 0 && b.Len()+extra > MaxStatementBytes {
			break
		}
		if count > 0 {
			b.WriteString(g.joiner)
		}
		b.WriteString(clause)
		g.pos++
		count++
	}
	b.WriteString(g.footer)
	return b.String(), true
}
