package traffic

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitizeNodeName_ReplacesDisallowedCharacters(t *testing.T) {
	require.Equal(t, "node-1", sanitizeNodeName("Node_1"))
	require.Equal(t, "a-b-c", sanitizeNodeName("a.b.c"))
}

func TestGenerateSubdomain_ShapeAndUniqueness(t *testing.T) {
	a := GenerateSubdomain("Node1")
	b := GenerateSubdomain("Node1")

	require.True(t, len(a) > len("node1-"))
	require.Equal(t, "node1-", a[:len("node1-")])
	require.NotEqual(t, a, b, "two calls should not collide")
}
