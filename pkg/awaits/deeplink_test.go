package awaits

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeepLinkRoundTrip(t *testing.T) {
	link := DeepLink("wf-1", "node/with slash", "aw-7")
	assert.Equal(t, "nodeflow://workflows/wf-1/nodes/node%2Fwith%20slash/awaits/aw-7", link)

	parsed, err := ParseDeepLink(link)
	require.NoError(t, err)
	assert.Equal(t, Link{WorkflowID: "wf-1", NodeID: "node/with slash", AwaitID: "aw-7"}, parsed)
}

func TestParseDeepLinkRejects(t *testing.T) {
	for _, link := range []string{
		"https://workflows/wf/nodes/n/awaits/a",
		"nodeflow://projects/wf/nodes/n/awaits/a",
		"nodeflow://workflows/wf/nodes/n",
		"nodeflow://workflows/wf/steps/n/awaits/a",
		"nodeflow://workflows//nodes/n/awaits/a",
	} {
		_, err := ParseDeepLink(link)
		assert.ErrorIs(t, err, ErrInvalidDeepLink, link)
	}
}
