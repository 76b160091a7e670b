package stream

import (
	"regexp"
	"strings"
)

// FileTag is one file the agent asked the gateway to deliver, extracted from
// a <send_file path="..."> element in its reply.
type FileTag struct {
	Path        string
	Description string
}

// Inner content spans newlines and is matched non-greedily.
var sendFileRe = regexp.MustCompile(`(?s)<send_file\s+path="([^"]+)"[^>]*>(.*?)</send_file>`)

// ExtractFileTags strips every send_file element from text and returns the
// remaining text with the collected (path, description) pairs. Must run
// before markup conversion, which would mangle the raw tags.
func ExtractFileTags(text string) (string, []FileTag) {
	matches := sendFileRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return text, nil
	}

	tags := make([]FileTag, 0, len(matches))
	for _, m := range matches {
		tags = append(tags, FileTag{
			Path:        m[1],
			Description: strings.TrimSpace(m[2]),
		})
	}

	cleaned := sendFileRe.ReplaceAllString(text, "")
	return strings.TrimSpace(cleaned), tags
}
