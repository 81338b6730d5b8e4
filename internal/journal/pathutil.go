package journal

import (
	"net/url"
	"strings"
)

// SiteSegment transforms an initiating URL into a filesystem-safe
// directory segment keyed on the site host. Ports and paths are folded
// into the segment so distinct origins stay in distinct directories.
func SiteSegment(rawURL string) string {
	if rawURL == "" {
		return "unknown"
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return "unknown"
	}

	segment := strings.ReplaceAll(parsed.Host, ":", "_")

	path := strings.Trim(parsed.Path, "/")
	if path != "" {
		segment += "_" + strings.ReplaceAll(path, "/", "_")
	}
	return segment
}
