package tableschema

import (
	"fmt"
	"strings"
)

// Reserved partition-key names with ordering conventions: event_hour always
// sorts first and __execution_name__ always sorts last.
const (
	EventHourKey     = "event_hour"
	ExecutionNameKey = "__execution_name__"
)

// DefaultExecutionName is the value assumed for __execution_name__ when a
// row was not produced by a tracked execution.
const DefaultExecutionName = "00000000-0000-0000-0000-000000000000"

// scalarTypes maps declarative scalar types to their Glue column types.
var scalarTypes = map[string]string{
	"string":    "string",
	"text":      "string",
	"integer":   "int",
	"big_int":   "bigint",
	"small_int": "smallint",
	"tiny_int":  "tinyint",
	"number":    "double",
	"double":    "double",
	"float":     "float",
	"boolean":   "boolean",
	"binary":    "binary",
	"date":      "date",
	"timestamp": "timestamp",
}

// Column is one relational column.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Rule describes how a partition key's value is derived at query time.
type Rule struct {
	Type   string `json:"type"`
	Format string `json:"format,omitempty"`
	Value  string `json:"value,omitempty"`
}

// PartitionInfoEntry pairs a partition key with its rule, in partition-key
// order.
type PartitionInfoEntry struct {
	Key  string
	Rule Rule
}

// PartitionInfo is the ordered partition-key → rule mapping. It marshals to
// a JSON object whose keys keep partition order.
type PartitionInfo []PartitionInfoEntry

func (p PartitionInfo) MarshalJSON() ([]byte, error) {
	var b strings.Builder
	b.WriteByte('{')
	for i, entry := range p {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%q:", entry.Key)
		rule, err := marshalRule(entry.Rule)
		if err != nil {
			return nil, err
		}
		b.Write(rule)
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}

func marshalRule(r Rule) ([]byte, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "{%q:%q", "type", r.Type)
	if r.Format != "" {
		fmt.Fprintf(&b, ",%q:%q", "format", r.Format)
	}
	if r.Value != "" {
		fmt.Fprintf(&b, ",%q:%q", "value", r.Value)
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}

// Index is one partition index of the table.
type Index struct {
	IndexName string   `json:"IndexName"`
	Keys      []string `json:"Keys"`
}

// TableSchema is the derived relational schema of a pipeline's output table.
type TableSchema struct {
	Columns          []Column
	PartitionKeys    []Column
	PartitionInfo    PartitionInfo
	PartitionIndexes []Index
}

// Transform runs the full pipeline over a parsed schema: access paths,
// partition-key discovery and ordering, partition info and indexes, and the
// non-partition column list. Partition keys never reappear among the
// columns.
func Transform(root *Node) (*TableSchema, error) {
	if root.Type != "object" {
		return nil, fmt.Errorf("schema root must be an object, got %q", root.Type)
	}

	withPaths := AddPath(root)
	keys, err := ExtractPartitionKeys(withPaths)
	if err != nil {
		return nil, err
	}

	schema := &TableSchema{
		PartitionKeys:    keys,
		PartitionInfo:    ExtractPartitionInfo(keys),
		PartitionIndexes: ExtractPartitionIndexes(keys),
	}
	for _, prop := range RemovePartitions(withPaths).Properties {
		column, err := toColumn(prop)
		if err != nil {
			return nil, err
		}
		schema.Columns = append(schema.Columns, column)
	}
	return schema, nil
}

// AddPath returns a tree annotated with each node's fully-qualified quoted
// access path. Paths are computed on the raw key names, before any
// backquoting, because quoting changes key-string identity.
func AddPath(root *Node) *Node {
	out := root.clone()
	addPath(out, "")
	return out
}

func addPath(n *Node, parent string) {
	for i := range n.Properties {
		p := &n.Properties[i]
		path := fmt.Sprintf("%q", p.Name)
		if parent != "" {
			path = parent + "." + path
		}
		p.Node.Path = path
		addPath(p.Node, path)
	}
	if n.Items != nil {
		n.Items.Path = n.Path
		addPath(n.Items, n.Path)
	}
}

// BackquoteNames returns a tree whose property names are wrapped in
// backticks for DDL rendering. Run AddPath first: paths computed after this
// stage would quote the already-quoted names.
func BackquoteNames(root *Node) *Node {
	out := root.clone()
	backquote(out)
	return out
}

func backquote(n *Node) {
	for i := range n.Properties {
		p := &n.Properties[i]
		p.Name = "`" + p.Name + "`"
		backquote(p.Node)
	}
	if n.Items != nil {
		backquote(n.Items)
	}
}

// ExtractPartitionKeys walks the tree depth-first collecting every property
// flagged as a partition key, then orders them: event_hour first,
// __execution_name__ last, everything else in encounter order. The same
// key name appearing at two nesting depths is rejected rather than letting
// one silently win.
func ExtractPartitionKeys(root *Node) ([]Column, error) {
	var encountered []Column
	seen := map[string]struct{}{}
	var walk func(n *Node) error
	walk = func(n *Node) error {
		for _, p := range n.Properties {
			if p.Node.Partition {
				if _, dup := seen[p.Name]; dup {
					return fmt.Errorf("partition key %q is declared at more than one nesting depth", p.Name)
				}
				seen[p.Name] = struct{}{}
				t, err := glueType(p.Node)
				if err != nil {
					return err
				}
				encountered = append(encountered, Column{Name: p.Name, Type: t})
			}
			if err := walk(p.Node); err != nil {
				return err
			}
		}
		if n.Items != nil {
			return walk(n.Items)
		}
		return nil
	}
	if err := walk(root); err != nil {
		return nil, err
	}
	return sortPartitionKeys(encountered), nil
}

func sortPartitionKeys(keys []Column) []Column {
	ordered := make([]Column, 0, len(keys))
	var executionName *Column
	for i, k := range keys {
		switch k.Name {
		case EventHourKey:
			ordered = append([]Column{k}, ordered...)
		case ExecutionNameKey:
			executionName = &keys[i]
		default:
			ordered = append(ordered, k)
		}
	}
	if executionName != nil {
		ordered = append(ordered, *executionName)
	}
	return ordered
}

// ExtractPartitionInfo derives the per-key value rule: event_hour buckets
// by time, __execution_name__ falls back to the default execution id, and
// every other key is retained as stored.
func ExtractPartitionInfo(keys []Column) PartitionInfo {
	info := make(PartitionInfo, 0, len(keys))
	for _, k := range keys {
		switch k.Name {
		case EventHourKey:
			info = append(info, PartitionInfoEntry{
				Key:  k.Name,
				Rule: Rule{Type: "time", Format: "%Y%m%d%H"},
			})
		case ExecutionNameKey:
			info = append(info, PartitionInfoEntry{
				Key:  k.Name,
				Rule: Rule{Type: "default", Value: DefaultExecutionName},
			})
		default:
			info = append(info, PartitionInfoEntry{Key: k.Name, Rule: Rule{Type: "retain"}})
		}
	}
	return info
}

// ExtractPartitionIndexes builds at most one composite index over the first
// two non-reserved partition keys plus a dedicated index on
// __execution_name__ when present.
func ExtractPartitionIndexes(keys []Column) []Index {
	var composite []string
	hasExecutionName := false
	for _, k := range keys {
		if k.Name == ExecutionNameKey {
			hasExecutionName = true
			continue
		}
		if len(composite) < 2 {
			composite = append(composite, k.Name)
		}
	}

	var indexes []Index
	if len(composite) > 0 {
		indexes = append(indexes, Index{IndexName: "IDX_PARTITIONS", Keys: composite})
	}
	if hasExecutionName {
		indexes = append(indexes, Index{IndexName: "IDX_EXECUTION_NAME", Keys: []string{ExecutionNameKey}})
	}
	return indexes
}

// RemovePartitions returns a tree without the partition-flagged properties,
// so partition keys are never duplicated into the column list.
func RemovePartitions(root *Node) *Node {
	out := root.clone()
	removePartitions(out)
	return out
}

func removePartitions(n *Node) {
	kept := n.Properties[:0]
	for _, p := range n.Properties {
		if p.Node.Partition {
			continue
		}
		removePartitions(p.Node)
		kept = append(kept, p)
	}
	n.Properties = kept
	if n.Items != nil {
		removePartitions(n.Items)
	}
}

func toColumn(p Property) (Column, error) {
	t, err := glueType(p.Node)
	if err != nil {
		return Column{}, fmt.Errorf("property %q: %w", p.Name, err)
	}
	return Column{Name: p.Name, Type: t}, nil
}

// glueType renders the Glue column type of a node, recursing through
// object, array and map shapes.
func glueType(n *Node) (string, error) {
	if t, ok := scalarTypes[n.Type]; ok {
		return t, nil
	}
	switch n.Type {
	case "object":
		var parts []string
		for _, p := range n.Properties {
			t, err := glueType(p.Node)
			if err != nil {
				return "", fmt.Errorf("property %q: %w", p.Name, err)
			}
			parts = append(parts, p.Name+":"+t)
		}
		return "struct<" + strings.Join(parts, ",") + ">", nil
	case "array":
		if n.Items == nil {
			return "", fmt.Errorf("array type is missing items")
		}
		t, err := glueType(n.Items)
		if err != nil {
			return "", err
		}
		return "array<" + t + ">", nil
	case "map":
		if n.Items == nil {
			return "", fmt.Errorf("map type is missing items")
		}
		t, err := glueType(n.Items)
		if err != nil {
			return "", err
		}
		return "map<string," + t + ">", nil
	}
	return "", fmt.Errorf("unsupported schema type %q", n.Type)
}
