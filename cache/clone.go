package cache

import "github.com/brunoga/deep"

// cloneValue deep-copies a leaf value so that callers reading from, or
// writing into, the cache never alias its internal storage. deep.Copy
// falls back to returning the original value for types it cannot copy
// (channels, funcs); leaves decoded from JSON are always maps, slices,
// or scalars, all of which it handles.
func cloneValue(value any) any {
	if value == nil {
		return nil
	}

	cloned, err := deep.Copy(value)

	if err != nil {
		return value
	}

	return cloned
}
