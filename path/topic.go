// Package path implements the topic/path encoding grammar: the
// bidirectional conversion between slash-delimited MQTT topics and path
// arrays, percent-escaping of reserved characters, and the wildcard
// grammar (+, +name, *, #) used by selectors.
package path

import "strings"

// PathToTopic converts a path (an ordered sequence of segments) into its
// wire form: a leading slash followed by percent-encoded segments joined
// by "/". A segment of the form "+NAME" (a named wildcard, length >= 2,
// starting with '+') is emitted as a bare "+" — wildcard namespaces never
// appear on the wire. An empty path converts to "/".
func PathToTopic(segments []string) string {
	if len(segments) == 0 {
		return "/"
	}

	var b strings.Builder

	for _, seg := range segments {
		b.WriteByte('/')

		if len(seg) >= 2 && seg[0] == '+' {
			b.WriteByte('+')

			continue
		}

		b.WriteString(EncodeSegment(seg))
	}

	return b.String()
}

// TopicToPath converts a wire-form topic back into a path. The leading
// slash is stripped, as is a single trailing slash. Each segment is
// percent-decoded. TopicToPath does not interpret '+' or '#' specially —
// those are selector grammar, not topic grammar.
func TopicToPath(topic string) []string {
	trimmed := strings.TrimPrefix(topic, "/")
	trimmed = strings.TrimSuffix(trimmed, "/")

	if trimmed == "" {
		return []string{}
	}

	parts := strings.Split(trimmed, "/")
	segments := make([]string, len(parts))

	for i, part := range parts {
		segments[i] = DecodeSegment(part)
	}

	return segments
}

// EncodeSegment percent-escapes a single path segment for wire form. '%'
// is replaced with "%25" before '/' is replaced with "%2F" so that the
// two substitutions never collide.
func EncodeSegment(segment string) string {
	escaped := strings.ReplaceAll(segment, "%", "%25")
	escaped = strings.ReplaceAll(escaped, "/", "%2F")

	return escaped
}

// DecodeSegment inverts EncodeSegment: "%2F" is restored to '/' before
// "%25" is restored to '%', undoing the substitutions in reverse order.
func DecodeSegment(segment string) string {
	decoded := strings.ReplaceAll(segment, "%2F", "/")
	decoded = strings.ReplaceAll(decoded, "%25", "%")

	return decoded
}
