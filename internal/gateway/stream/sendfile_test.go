package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractFileTags(t *testing.T) {
	text := "Here is the result.\n<send_file path=\"/ws/out.csv\">the export</send_file>\nDone."

	cleaned, tags := ExtractFileTags(text)
	require.Len(t, tags, 1)
	assert.Equal(t, "/ws/out.csv", tags[0].Path)
	assert.Equal(t, "the export", tags[0].Description)
	assert.Equal(t, "Here is the result.\n\nDone.", cleaned)
}

func TestExtractFileTagsMultiple(t *testing.T) {
	text := `<send_file path="/a">first</send_file><send_file path="/b">second</send_file>`

	cleaned, tags := ExtractFileTags(text)
	require.Len(t, tags, 2)
	assert.Equal(t, "/a", tags[0].Path)
	assert.Equal(t, "/b", tags[1].Path)
	assert.Empty(t, cleaned)
}

func TestExtractFileTagsMultilineDescription(t *testing.T) {
	text := "<send_file path=\"/x\">\n  spans\n  lines\n</send_file>"

	_, tags := ExtractFileTags(text)
	require.Len(t, tags, 1)
	assert.Equal(t, "spans\n  lines", tags[0].Description)
}

func TestExtractFileTagsNone(t *testing.T) {
	cleaned, tags := ExtractFileTags("no tags here")
	assert.Equal(t, "no tags here", cleaned)
	assert.Nil(t, tags)
}
