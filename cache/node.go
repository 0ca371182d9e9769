package cache

import "sort"

// node is an interior or leaf node of the document tree. A node holds
// either a leaf value or a set of children, never both. An empty node
// (no children, not a leaf) does not persist in the tree; it is pruned
// immediately after becoming empty.
type node struct {
	isLeaf   bool
	leaf     any
	children map[string]*node
}

func newInteriorNode() *node {
	return &node{children: make(map[string]*node)}
}

func newLeafNode(value any) *node {
	return &node{isLeaf: true, leaf: value}
}

// sortedKeys returns the node's child keys in lexical order so that
// iteration over a document is deterministic.
func (n *node) sortedKeys() []string {
	keys := make([]string, 0, len(n.children))

	for key := range n.children {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	return keys
}

// walk descends to the node at path, returning nil if no such node
// exists.
func (n *node) walk(path []string) *node {
	current := n

	for _, segment := range path {
		if current == nil || current.isLeaf {
			return nil
		}

		current = current.children[segment]
	}

	return current
}

// set writes value at path, replacing whatever was previously there
// (leaf or subtree). Interior nodes are created as needed.
func (n *node) set(path []string, value any) {
	if len(path) == 0 {
		n.assign(value)

		return
	}

	if n.isLeaf || n.children == nil {
		n.isLeaf = false
		n.leaf = nil
		n.children = make(map[string]*node)
	}

	head, rest := path[0], path[1:]
	child, ok := n.children[head]

	if !ok {
		child = newInteriorNode()
		n.children[head] = child
	}

	child.set(rest, value)
}

// assign replaces this node's content in place. A map[string]any value
// decomposes into child interior nodes (so sub-paths remain writable and
// the subtree flattens correctly); every other value, including slices,
// is stored as an opaque leaf.
func (n *node) assign(value any) {
	object, ok := value.(map[string]any)

	if !ok {
		n.isLeaf = true
		n.leaf = value
		n.children = nil

		return
	}

	n.isLeaf = false
	n.leaf = nil
	n.children = make(map[string]*node, len(object))

	for key, child := range object {
		childNode := newInteriorNode()
		childNode.assign(child)
		n.children[key] = childNode
	}
}

// unset removes whatever is at path and reports whether anything was
// removed. It does not prune ancestors; callers do that with prune.
func (n *node) unset(path []string) bool {
	if len(path) == 0 {
		if !n.isLeaf && len(n.children) == 0 {
			return false
		}

		n.isLeaf = false
		n.leaf = nil
		n.children = nil

		return true
	}

	if n.isLeaf || n.children == nil {
		return false
	}

	head, rest := path[0], path[1:]
	child, ok := n.children[head]

	if !ok {
		return false
	}

	removed := child.unset(rest)

	if !child.isLeaf && len(child.children) == 0 {
		delete(n.children, head)
	}

	return removed
}

// prune removes every empty interior node along path, from the leaf
// end up to (but not including) the root passed in.
func (n *node) prune(path []string) {
	if len(path) == 0 {
		return
	}

	head, rest := path[0], path[1:]
	child, ok := n.children[head]

	if !ok {
		return
	}

	if !child.isLeaf {
		child.prune(rest)

		if len(child.children) == 0 {
			delete(n.children, head)
		}
	}
}

// value converts the node into a plain Go value: a leaf's raw value, a
// map[string]any for an interior node, or nil for an absent/empty node.
func (n *node) value() any {
	if n == nil {
		return nil
	}

	if n.isLeaf {
		return n.leaf
	}

	if len(n.children) == 0 {
		return nil
	}

	out := make(map[string]any, len(n.children))

	for key, child := range n.children {
		out[key] = child.value()
	}

	return out
}

// clone deep-copies the node using deep.Copy on leaf values, so that
// values handed to callers never alias the tree's own storage.
func (n *node) clone() *node {
	if n == nil {
		return nil
	}

	if n.isLeaf {
		return newLeafNode(cloneValue(n.leaf))
	}

	out := newInteriorNode()

	for key, child := range n.children {
		out.children[key] = child.clone()
	}

	return out
}
