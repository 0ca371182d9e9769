package sync

import "github.com/studiolambda/cosmos/sync/path"

// sliceTopic converts a wire-form topic to a path, then drops its
// first n segments, for namespace-slicing consumers. A topic with fewer
// than n segments is returned unsliced.
func sliceTopic(topic string, n int) []string {
	segments := path.TopicToPath(topic)

	if n <= 0 || n > len(segments) {
		return segments
	}

	return segments[n:]
}

// pathMatchSelector matches a normalized wire-form selector against a
// concrete path.
func pathMatchSelector(selector string, logicalPath []string) (map[string]string, bool) {
	return path.Match(path.TopicToPath(selector), logicalPath)
}
