package cache

import "github.com/studiolambda/cosmos/sync/path"

// Filter returns a deep clone of the document pruned to only the
// children reachable by selector: a literal segment keeps exactly that
// child, a wildcard (+, +NAME, *) keeps every child and recurses into
// each, and a trailing "#" keeps the remaining subtree unfiltered.
// It returns false if nothing survives the filter.
func (c *Cache) Filter(selector []string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	filtered := filterNode(c.root, selector)

	if filtered == nil {
		return nil, false
	}

	return filtered.value(), true
}

// FilterByTopic is Filter against a wire-form selector.
func (c *Cache) FilterByTopic(selector string) (any, bool) {
	return c.Filter(path.TopicToPath(selector))
}

func filterNode(n *node, selector []string) *node {
	if n == nil {
		return nil
	}

	if len(selector) == 0 {
		return n.clone()
	}

	head := selector[0]

	if head == "#" {
		return n.clone()
	}

	if n.isLeaf {
		return nil
	}

	wildcard := head == "+" || head == "*" || (len(head) >= 2 && head[0] == '+')
	out := newInteriorNode()

	for key, child := range n.children {
		if !wildcard && key != head {
			continue
		}

		if filtered := filterNode(child, selector[1:]); filtered != nil {
			out.children[key] = filtered
		}
	}

	if len(out.children) == 0 {
		return nil
	}

	return out
}

// ForMatch invokes cb once for every node (leaf or subdocument)
// currently in the document whose path matches selector, passing the
// node's value, its concrete path, and the bindings captured by
// selector's named wildcards.
func (c *Cache) ForMatch(selector []string, cb func(value any, matchedPath []string, bindings map[string]string)) {
	c.mu.Lock()
	root := c.root.clone()
	c.mu.Unlock()

	forMatch(root, []string{}, selector, cb)
}

// ForPathMatch is ForMatch against a wire-form selector, reporting the
// matched concrete topic in place of a path.
func (c *Cache) ForPathMatch(selector string, cb func(value any, topic string, bindings map[string]string)) {
	c.ForMatch(path.TopicToPath(selector), func(value any, matchedPath []string, bindings map[string]string) {
		cb(value, path.PathToTopic(matchedPath), bindings)
	})
}

func forMatch(n *node, current []string, selector []string, cb func(any, []string, map[string]string)) {
	if n == nil {
		return
	}

	if bindings, ok := path.Match(selector, current); ok {
		cb(n.value(), append([]string(nil), current...), bindings)
	}

	if n.isLeaf {
		return
	}

	for _, key := range n.sortedKeys() {
		next := make([]string, len(current)+1)
		copy(next, current)
		next[len(current)] = key

		forMatch(n.children[key], next, selector, cb)
	}
}
