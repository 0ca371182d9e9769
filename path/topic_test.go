package path_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/studiolambda/cosmos/sync/path"
)

func TestItConvertsPathToTopic(t *testing.T) {
	require.Equal(t, "/acme/r1/status", path.PathToTopic([]string{"acme", "r1", "status"}))
	require.Equal(t, "/", path.PathToTopic([]string{}))
}

func TestItConvertsTopicToPath(t *testing.T) {
	require.Equal(t, []string{"acme", "r1", "status"}, path.TopicToPath("/acme/r1/status"))
	require.Equal(t, []string{}, path.TopicToPath("/"))
	require.Equal(t, []string{}, path.TopicToPath(""))
}

func TestItRoundTripsTopicsWithoutWildcards(t *testing.T) {
	topics := []string{"/a/b/c", "/a", "/org/device/@scope/cap/1.2.0/x"}

	for _, topic := range topics {
		require.Equal(t, topic, path.PathToTopic(path.TopicToPath(topic)))
	}
}

func TestItRoundTripsArbitrarySegments(t *testing.T) {
	segments := []string{"hello", "a%b", "a/b", "100%", "a/b%c/d"}

	for _, seg := range segments {
		require.Equal(t, seg, path.DecodeSegment(path.EncodeSegment(seg)))
	}
}

func TestItEmitsNamedWildcardsAsBarePlus(t *testing.T) {
	require.Equal(t, "/+/status", path.PathToTopic([]string{"+org", "status"}))
	require.Equal(t, "/+/+/status", path.PathToTopic([]string{"+org", "+dev", "status"}))
}

func TestItLeavesBareWildcardsAlone(t *testing.T) {
	require.Equal(t, "/+/status", path.PathToTopic([]string{"+", "status"}))
	require.Equal(t, "/*/status", path.PathToTopic([]string{"*", "status"}))
	require.Equal(t, "/a/#", path.PathToTopic([]string{"a", "#"}))
}
