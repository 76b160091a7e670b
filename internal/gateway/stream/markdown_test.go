package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConvertMarkdownInlineStyles(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"**bold**", "<b>bold</b>"},
		{"*italic*", "<i>italic</i>"},
		{"__underline__", "<u>underline</u>"},
		{"~~gone~~", "<s>gone</s>"},
		{"say _hi_ now", "say <i>hi</i> now"},
		{"snake_case_name stays", "snake_case_name stays"},
		{"[docs](https://example.com)", `<a href="https://example.com">docs</a>`},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ConvertMarkdown(tc.in), "input %q", tc.in)
	}
}

func TestConvertMarkdownEscapesHTML(t *testing.T) {
	got := ConvertMarkdown("a < b && c > d")
	assert.Equal(t, "a &lt; b &amp;&amp; c &gt; d", got)
}

func TestConvertMarkdownFencedCode(t *testing.T) {
	got := ConvertMarkdown("```go\nfmt.Println(\"x < y\")\n```")
	assert.Equal(t, `<pre><code class="language-go">fmt.Println("x &lt; y")</code></pre>`, got)
}

func TestConvertMarkdownFencedCodeNoLanguage(t *testing.T) {
	got := ConvertMarkdown("```\nplain\n```")
	assert.Equal(t, "<pre>plain</pre>", got)
}

func TestConvertMarkdownCodeContentUntouched(t *testing.T) {
	// Markdown syntax inside code must not be styled.
	got := ConvertMarkdown("`**not bold**`")
	assert.Equal(t, "<code>**not bold**</code>", got)

	got = ConvertMarkdown("```\n# not a heading\n**still code**\n```")
	assert.Equal(t, "<pre># not a heading\n**still code**</pre>", got)
}

func TestConvertMarkdownHeadingsAndBullets(t *testing.T) {
	got := ConvertMarkdown("# Title\n- first\n- second")
	assert.Equal(t, "<b>Title</b>\n• first\n• second", got)

	got = ConvertMarkdown("### Deep heading")
	assert.Equal(t, "<b>Deep heading</b>", got)
}

func TestConvertMarkdownBlockquote(t *testing.T) {
	got := ConvertMarkdown("> one\n> two\nafter")
	assert.Equal(t, "<blockquote>one\ntwo</blockquote>\nafter", got)
}

func TestConvertMarkdownLinkQuoteInHref(t *testing.T) {
	got := ConvertMarkdown(`[x](https://example.com/a"b)`)
	assert.Equal(t, `<a href="https://example.com/a%22b">x</a>`, got)
}

func TestConvertMarkdownMixedDocument(t *testing.T) {
	in := "# Report\n\nThe fix is in `main.go`:\n\n```go\nreturn nil\n```\n\n**Done.**"
	want := "<b>Report</b>\n\nThe fix is in <code>main.go</code>:\n\n" +
		`<pre><code class="language-go">return nil</code></pre>` + "\n\n<b>Done.</b>"
	assert.Equal(t, want, ConvertMarkdown(in))
}
