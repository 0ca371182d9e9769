package migrate

import "github.com/brunoga/deep"

// cloneLeaf deep-copies a value being grafted into a merged document so
// the result never aliases the cache's own internal storage.
func cloneLeaf(value any) any {
	if value == nil {
		return nil
	}

	cloned, err := deep.Copy(value)

	if err != nil {
		return value
	}

	return cloned
}
