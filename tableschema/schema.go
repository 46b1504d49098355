// Package tableschema transforms a pipeline's declarative JSON schema into
// a relational (Athena/Glue) table schema: typed columns, ordered partition
// keys, partition info and partition indexes.
//
// The schema tree is immutable once parsed; every stage returns a new tree.
package tableschema

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Node is one schema node. Object nodes carry Properties in declaration
// order; array and map nodes describe their element/value type in Items.
type Node struct {
	Type      string
	Partition bool
	// Path is the fully-qualified quoted access path, filled in by AddPath.
	Path       string
	Properties []Property
	Items      *Node
}

// Property is a named child of an object node, in declaration order.
type Property struct {
	Name string
	Node *Node
}

// Parse decodes a schema document, preserving the declaration order of
// properties. The standard map-based decoding would lose it, so the tree is
// built from the token stream.
func Parse(data []byte) (*Node, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	node, err := parseNode(dec)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err == nil {
		return nil, fmt.Errorf("unexpected trailing content after schema document")
	}
	return node, nil
}

func parseNode(dec *json.Decoder) (*Node, error) {
	if err := expectDelim(dec, '{'); err != nil {
		return nil, err
	}

	node := &Node{}
	for dec.More() {
		keyToken, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("failed to read schema key: %w", err)
		}
		key := keyToken.(string)

		switch key {
		case "type":
			s, err := stringToken(dec, key)
			if err != nil {
				return nil, err
			}
			node.Type = s
		case "partition":
			token, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("failed to read %q: %w", key, err)
			}
			b, ok := token.(bool)
			if !ok {
				return nil, fmt.Errorf("schema key %q must be a boolean, got %v", key, token)
			}
			node.Partition = b
		case "properties":
			props, err := parseProperties(dec)
			if err != nil {
				return nil, err
			}
			node.Properties = props
		case "items":
			child, err := parseNode(dec)
			if err != nil {
				return nil, err
			}
			node.Items = child
		default:
			if err := skipValue(dec); err != nil {
				return nil, fmt.Errorf("failed to skip schema key %q: %w", key, err)
			}
		}
	}

	if err := expectDelim(dec, '}'); err != nil {
		return nil, err
	}
	if node.Type == "" {
		return nil, fmt.Errorf("schema node is missing a type")
	}
	return node, nil
}

func parseProperties(dec *json.Decoder) ([]Property, error) {
	if err := expectDelim(dec, '{'); err != nil {
		return nil, err
	}
	var props []Property
	for dec.More() {
		nameToken, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("failed to read property name: %w", err)
		}
		name := nameToken.(string)
		child, err := parseNode(dec)
		if err != nil {
			return nil, fmt.Errorf("failed to parse property %q: %w", name, err)
		}
		props = append(props, Property{Name: name, Node: child})
	}
	if err := expectDelim(dec, '}'); err != nil {
		return nil, err
	}
	return props, nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	token, err := dec.Token()
	if err != nil {
		return fmt.Errorf("failed to read schema document: %w", err)
	}
	if d, ok := token.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %q in schema document, got %v", want, token)
	}
	return nil
}

func stringToken(dec *json.Decoder, key string) (string, error) {
	token, err := dec.Token()
	if err != nil {
		return "", fmt.Errorf("failed to read %q: %w", key, err)
	}
	s, ok := token.(string)
	if !ok {
		return "", fmt.Errorf("schema key %q must be a string, got %v", key, token)
	}
	return s, nil
}

// skipValue consumes one JSON value of any shape.
func skipValue(dec *json.Decoder) error {
	token, err := dec.Token()
	if err != nil {
		return err
	}
	d, ok := token.(json.Delim)
	if !ok {
		return nil
	}
	if d != '{' && d != '[' {
		return fmt.Errorf("unexpected delimiter %v", d)
	}
	depth := 1
	for depth > 0 {
		token, err := dec.Token()
		if err != nil {
			return err
		}
		if d, ok := token.(json.Delim); ok {
			switch d {
			case '{', '[':
				depth++
			case '}', ']':
				depth--
			}
		}
	}
	return nil
}

// clone deep-copies the node.
func (n *Node) clone() *Node {
	if n == nil {
		return nil
	}
	out := &Node{
		Type:      n.Type,
		Partition: n.Partition,
		Path:      n.Path,
		Items:     n.Items.clone(),
	}
	if n.Properties != nil {
		out.Properties = make([]Property, len(n.Properties))
		for i, p := range n.Properties {
			out.Properties[i] = Property{Name: p.Name, Node: p.Node.clone()}
		}
	}
	return out
}
