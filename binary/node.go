package binary

import (
	"bytes"
	"fmt"

	"github.com/angleto/wacore/jid"
)

// Attributes is the attribute map of a Node. Values are one of string,
// int64, bool, or jid.Jid — the scalar kinds named by the wire format.
type Attributes map[string]interface{}

// Node is the wire unit: a tagged tree with attributes and optional content.
// Nodes are immutable once emitted; Equal performs structural, byte-wise
// content comparison.
type Node struct {
	Tag     string
	Attrs   Attributes
	Content interface{} // nil, []byte, or []Node
}

// GetAttr returns the string form of a scalar attribute, or "" if absent.
func (n *Node) GetAttr(name string) string {
	v, ok := n.Attrs[name]
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case jid.Jid:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	case int64:
		return fmt.Sprintf("%d", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Children returns n.Content as a list of child Nodes, or nil if the content
// is not a list (absent or raw bytes).
func (n *Node) Children() []Node {
	if list, ok := n.Content.([]Node); ok {
		return list
	}
	return nil
}

// GetChild returns the first child with the given tag, or nil.
func (n *Node) GetChild(tag string) *Node {
	for i, c := range n.Children() {
		if c.Tag == tag {
			return &n.Children()[i]
		}
	}
	return nil
}

// Bytes returns n.Content as raw bytes, or nil if content is not bytes.
func (n *Node) Bytes() []byte {
	if b, ok := n.Content.([]byte); ok {
		return b
	}
	return nil
}

// Equal reports structural equality with byte-wise content comparison.
func (n *Node) Equal(other *Node) bool {
	if n == nil || other == nil {
		return n == other
	}
	if n.Tag != other.Tag || len(n.Attrs) != len(other.Attrs) {
		return false
	}
	for k, v := range n.Attrs {
		ov, ok := other.Attrs[k]
		if !ok || fmt.Sprintf("%v", v) != fmt.Sprintf("%v", ov) {
			return false
		}
	}
	switch c := n.Content.(type) {
	case nil:
		return other.Content == nil
	case []byte:
		oc, ok := other.Content.([]byte)
		return ok && bytes.Equal(c, oc)
	case []Node:
		oc, ok := other.Content.([]Node)
		if !ok || len(c) != len(oc) {
			return false
		}
		for i := range c {
			if !c[i].Equal(&oc[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
