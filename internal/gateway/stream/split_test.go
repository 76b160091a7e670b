package stream

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitPlainShortText(t *testing.T) {
	segs := SplitPlain("hello")
	assert.Equal(t, []string{"hello"}, segs)
}

func TestSplitPlainPrefersNewline(t *testing.T) {
	// A newline 100 bytes before the limit should become the boundary.
	head := strings.Repeat("a", msgLimit-100) + "\n"
	text := head + strings.Repeat("b", 500)

	segs := SplitPlain(text)
	require.Len(t, segs, 2)
	assert.Equal(t, head, segs[0])
	assert.Equal(t, strings.Repeat("b", 500), segs[1])
	assert.Equal(t, text, strings.Join(segs, ""))
}

func TestSplitPlainHardBreak(t *testing.T) {
	text := strings.Repeat("a", msgLimit+1000)
	segs := SplitPlain(text)
	require.Len(t, segs, 2)
	assert.Len(t, segs[0], msgLimit)
	assert.Equal(t, text, strings.Join(segs, ""))
}

func TestSplitPlainNeverCutsRunes(t *testing.T) {
	text := strings.Repeat("é", msgLimit) // 2 bytes each
	for _, seg := range SplitPlain(text) {
		assert.True(t, len(seg) <= msgLimit)
		for _, r := range seg {
			assert.Equal(t, 'é', r)
		}
	}
}

func TestOpenTagsAt(t *testing.T) {
	open := openTagsAt("plain <b>bold <i>both")
	require.Len(t, open, 2)
	assert.Equal(t, "b", open[0].name)
	assert.Equal(t, "i", open[1].name)

	open = openTagsAt("<b>closed</b> text")
	assert.Empty(t, open)

	// Unknown tags are ignored.
	open = openTagsAt("<div>styled <b>bold")
	require.Len(t, open, 1)
	assert.Equal(t, "b", open[0].name)

	// Attributes are part of the opening tag.
	open = openTagsAt(`text <a href="https://example.com">link`)
	require.Len(t, open, 1)
	assert.Equal(t, "a", open[0].name)
}

func TestSplitHTMLBacktracksInlineTag(t *testing.T) {
	// The bold span straddles the limit; it must move whole to segment 2.
	prefix := strings.Repeat("a", msgLimit-20)
	html := prefix + "<b>" + strings.Repeat("b", 100) + "</b>"

	segs := SplitHTML(html)
	require.Len(t, segs, 2)
	assert.Equal(t, prefix, segs[0])
	assert.Equal(t, "<b>"+strings.Repeat("b", 100)+"</b>", segs[1])
}

func TestSplitHTMLBacktracksNestedInlineTags(t *testing.T) {
	// Both tags of the nested run are open at the limit; the cut must move
	// back past the outer <b>, not just the inner <i>.
	prefix := strings.Repeat("a", msgLimit-30)
	nested := "<b>bold <i>" + strings.Repeat("b", 100) + "</i></b>"
	html := prefix + nested

	segs := SplitHTML(html)
	require.Len(t, segs, 2)
	assert.Equal(t, prefix, segs[0])
	assert.Equal(t, nested, segs[1])
	for i, seg := range segs {
		assert.Empty(t, openTagsAt(seg), "segment %d has unbalanced tags", i)
	}
}

func TestSplitHTMLClosesAndReopensBlockTag(t *testing.T) {
	inner := strings.Repeat("x", msgLimit+500)
	html := "<pre>" + inner + "</pre>"

	segs := SplitHTML(html)
	require.Len(t, segs, 2)
	assert.True(t, strings.HasPrefix(segs[0], "<pre>"))
	assert.True(t, strings.HasSuffix(segs[0], "</pre>"))
	assert.True(t, strings.HasPrefix(segs[1], "<pre>"))
	assert.True(t, strings.HasSuffix(segs[1], "</pre>"))

	// Reconstructing the source: strip the synthetic close/reopen pair.
	joined := segs[0][:len(segs[0])-len("</pre>")] + segs[1][len("<pre>"):]
	assert.Equal(t, html, joined)
}

func TestSplitHTMLSegmentsAreBalanced(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 200; i++ {
		b.WriteString("some text with <b>bold</b> and <i>italic</i> pieces\n")
	}
	b.WriteString("<pre>")
	b.WriteString(strings.Repeat("code line\n", 600))
	b.WriteString("</pre>")
	html := b.String()

	segs := SplitHTML(html)
	require.Greater(t, len(segs), 1)
	for i, seg := range segs {
		assert.LessOrEqual(t, len(seg), msgLimit+len("</blockquote>"), "segment %d too long", i)
		assert.Empty(t, openTagsAt(seg), "segment %d has unbalanced tags", i)
	}
}

func TestSplitHTMLPreservesAttributesOnReopen(t *testing.T) {
	inner := strings.Repeat("y", msgLimit+200)
	html := `<pre><code class="language-go">` + inner + "</code></pre>"

	segs := SplitHTML(html)
	require.Len(t, segs, 2)
	assert.True(t, strings.HasPrefix(segs[1], `<pre><code class="language-go">`),
		"reopened tags must keep their attributes")
}
