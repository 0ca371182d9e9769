package path

import "strings"

// Match compares a selector path against a concrete topic path,
// segment-by-segment. A "#" segment (legal only as the last selector
// segment) matches any tail, including an empty one. A "+" or "*"
// segment matches exactly one segment without binding it. A "+NAME"
// segment (length >= 2) matches exactly one segment and binds it to
// NAME in the returned map. Match reports false if the selector and
// topic don't line up; true with a (possibly empty) bindings map
// otherwise.
func Match(selector, topic []string) (map[string]string, bool) {
	bindings := map[string]string{}

	for i, sel := range selector {
		if sel == "#" {
			return bindings, true
		}

		if i >= len(topic) {
			return nil, false
		}

		switch {
		case sel == "+" || sel == "*":
			// Unnamed single-segment wildcard; no binding.
		case len(sel) >= 2 && sel[0] == '+':
			bindings[sel[1:]] = topic[i]
		case sel != topic[i]:
			return nil, false
		}
	}

	if len(topic) != len(selector) {
		return nil, false
	}

	return bindings, true
}

// MatchTopics is a convenience wrapper around Match that accepts wire-form
// topics instead of path arrays.
func MatchTopics(selector, topic string) (map[string]string, bool) {
	return Match(TopicToPath(selector), TopicToPath(topic))
}

// IsSubTopicOf reports whether parent's path is a proper prefix of sub's
// path — i.e. sub is strictly nested under parent.
func IsSubTopicOf(sub, parent []string) bool {
	if len(parent) >= len(sub) {
		return false
	}

	for i, seg := range parent {
		if sub[i] != seg {
			return false
		}
	}

	return true
}

// NormalizeSelector appends "/#" to a selector if it doesn't already end
// in one, matching the normalization rule used when registering published
// and subscribed selectors.
func NormalizeSelector(selector string) string {
	if strings.HasSuffix(selector, "/#") {
		return selector
	}

	return selector + "/#"
}
