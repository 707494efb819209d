package dispatch

import (
	"fmt"
	"strings"

	"github.com/example/oneclick/internal/channel"
)

// summarize reports overall success (any channel succeeded) and the
// operator-facing sentence. Names follow order, not completion order.
func summarize(order []channel.ID, results map[channel.ID]channel.Result) (bool, string) {
	if len(order) == 0 {
		return false, "No channels configured"
	}
	var succeeded, failed []string
	for _, id := range order {
		if results[id].Success {
			succeeded = append(succeeded, id.Name())
		} else {
			failed = append(failed, id.Name())
		}
	}

	switch {
	case len(failed) == 0:
		switch len(succeeded) {
		case 1:
			return true, fmt.Sprintf("Successfully posted to %s channel", succeeded[0])
		case 2:
			return true, fmt.Sprintf("Successfully posted to both %s channels", joinNames(succeeded))
		default:
			return true, fmt.Sprintf("Successfully posted to all channels: %s", joinNames(succeeded))
		}
	case len(succeeded) > 0:
		return true, fmt.Sprintf("Posted to %s. Failed to post to %s.", joinNames(succeeded), joinNames(failed))
	default:
		switch len(failed) {
		case 1:
			return false, fmt.Sprintf("Failed to post to %s channel", failed[0])
		case 2:
			return false, "Failed to post to both channels"
		default:
			return false, "Failed to post to all channels"
		}
	}
}

// joinNames renders "A", "A and B", "A, B and C".
func joinNames(names []string) string {
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0]
	default:
		return strings.Join(names[:len(names)-1], ", ") + " and " + names[len(names)-1]
	}
}
