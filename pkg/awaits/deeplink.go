package awaits

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// DeepLinkScheme is the URL scheme of await deep links.
const DeepLinkScheme = "nodeflow"

var ErrInvalidDeepLink = errors.New("invalid await deep link")

// Link is the decoded form of an await deep link.
type Link struct {
	WorkflowID string
	NodeID     string
	AwaitID    string
}

// DeepLink returns nodeflow://workflows/{wf}/nodes/{node}/awaits/{await}.
func DeepLink(workflowID, nodeID, awaitID string) string {
	return fmt.Sprintf("%s://workflows/%s/nodes/%s/awaits/%s",
		DeepLinkScheme, url.PathEscape(workflowID), url.PathEscape(nodeID), url.PathEscape(awaitID))
}

func ParseDeepLink(link string) (Link, error) {
	parsed, err := url.Parse(link)
	if err != nil {
		return Link{}, fmt.Errorf("%w: %v", ErrInvalidDeepLink, err)
	}

	if parsed.Scheme != DeepLinkScheme || parsed.Host != "workflows" {
		return Link{}, fmt.Errorf("%w: %q", ErrInvalidDeepLink, link)
	}

	parts := strings.Split(strings.TrimPrefix(parsed.EscapedPath(), "/"), "/")
	if len(parts) != 5 || parts[1] != "nodes" || parts[3] != "awaits" {
		return Link{}, fmt.Errorf("%w: %q", ErrInvalidDeepLink, link)
	}

	var decoded [3]string
	for i, raw := range []string{parts[0], parts[2], parts[4]} {
		value, err := url.PathUnescape(raw)
		if err != nil || value == "" {
			return Link{}, fmt.Errorf("%w: %q", ErrInvalidDeepLink, link)
		}

		decoded[i] = value
	}

	return Link{WorkflowID: decoded[0], NodeID: decoded[1], AwaitID: decoded[2]}, nil
}
