package cache

import (
	"sort"

	"github.com/studiolambda/cosmos/sync/path"
)

// ToFlatObject walks a nested document and produces a topic→leaf
// mapping. A map[string]any value descends further; any other value —
// including slices, which the flattener treats as opaque — terminates
// descent and becomes a leaf of the result. ToFlatObject is not
// idempotent: a key that already contains an encoded "/" becomes
// further escaped if its result is flattened again.
func ToFlatObject(doc any) map[string]any {
	out := make(map[string]any)
	flattenInto(out, nil, doc)

	return out
}

func flattenInto(out map[string]any, prefix []string, value any) {
	object, ok := value.(map[string]any)

	if !ok {
		out[path.PathToTopic(prefix)] = value

		return
	}

	if len(object) == 0 {
		if len(prefix) > 0 {
			out[path.PathToTopic(prefix)] = map[string]any{}
		}

		return
	}

	keys := make([]string, 0, len(object))

	for key := range object {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	for _, key := range keys {
		next := make([]string, len(prefix)+1)
		copy(next, prefix)
		next[len(prefix)] = key

		flattenInto(out, next, object[key])
	}
}

// Modification is a single topic→value entry applied by UpdateObject.
// A slice (rather than a map) preserves the insertion order the
// modifier is applied in; Value == nil unsets and prunes.
type Modification struct {
	Topic string
	Value any
}

// UpdateObject applies a sequence of topic→value modifications to doc,
// in order, and returns the resulting document. It does not mutate doc.
func UpdateObject(doc any, modifications []Modification) any {
	root := newInteriorNode()
	root.assign(doc)

	for _, modification := range modifications {
		segments := path.TopicToPath(modification.Topic)

		if modification.Value == nil {
			root.unset(segments)
			root.prune(segments)

			continue
		}

		root.set(segments, modification.Value)
	}

	return root.value()
}

// flattenNode is the internal counterpart of ToFlatObject used while a
// node is still part of the live tree: it flattens n's current value,
// prefixing every key with prefix.
func flattenNode(n *node, prefix []string) map[string]any {
	out := make(map[string]any)
	flattenInto(out, prefix, n.value())

	return out
}
