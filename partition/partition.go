// Package partition models hive-style partition paths discovered in object
// storage keys and generates the batched ALTER TABLE statements that
// reconcile them into the data catalog.
package partition

import (
	"fmt"
	"net/url"
	"strings"
)

// Action selects between adding and dropping partitions.
type Action string

const (
	ActionAdd  Action = "ADD"
	ActionDrop Action = "DROP"
)

// ParseAction maps a wire-level action string to an Action. Anything other
// than DROP falls back to ADD for compatibility with existing senders;
// stricter callers should validate before reaching this point.
func ParseAction(s string) Action {
	if strings.EqualFold(s, string(ActionDrop)) {
		return ActionDrop
	}
	return ActionAdd
}

// KeyValue is one partition key/value pair in path order.
type KeyValue struct {
	Key   string
	Value string
}

// Spec is a single partition instance: the ordered key/value pairs derived
// from one hive-style path such as "region=us-east-1/__ds__=2023-01-01".
type Spec []KeyValue

// ParsePath splits a hive-style partition path into a Spec, percent-decoding
// each key=value segment. Path escaping rules apply: a literal "+" stays a
// plus sign. Key order follows the directory order of the path.
func ParsePath(path string) (Spec, error) {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	spec := make(Spec, 0, len(segments))
	for _, segment := range segments {
		decoded, err := url.PathUnescape(segment)
		if err != nil {
			return nil, fmt.Errorf("failed to URL-decode partition segment %q: %w", segment, err)
		}
		key, value, found := strings.Cut(decoded, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("partition segment %q is not in key=value form", decoded)
		}
		spec = append(spec, KeyValue{Key: key, Value: value})
	}
	return spec, nil
}

// SQL renders the spec as a PARTITION clause. Keys are backtick-quoted and
// values single-quoted with embedded quotes doubled.
func (s Spec) SQL() string {
	var b strings.Builder
	b.WriteString("PARTITION(")
	for i, kv := range s {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('`')
		b.WriteString(kv.Key)
		b.WriteString("`='")
		b.WriteString(strings.ReplaceAll(kv.Value, "'", "''"))
		b.WriteByte('\'')
	}
	b.WriteByte(')')
	return b.String()
}
