package stream

import (
	"fmt"
	"regexp"
	"strings"
)

// Markdown to Telegram-HTML conversion. Telegram accepts only a small tag
// set (b, i, u, s, code, pre, a, blockquote) and rejects anything else, so a
// general-purpose markdown renderer cannot be used here; the converter
// targets exactly that subset.

var (
	fencedRe     = regexp.MustCompile("(?s)```([a-zA-Z0-9_+#.-]*)\n?(.*?)```")
	inlineCodeRe = regexp.MustCompile("`([^`\n]+)`")

	headingRe = regexp.MustCompile(`(?m)^#{1,6}[ \t]+(.+)$`)
	bulletRe  = regexp.MustCompile(`(?m)^([ \t]*)[-*][ \t]+`)

	boldRe      = regexp.MustCompile(`\*\*(.+?)\*\*`)
	underlineRe = regexp.MustCompile(`__(.+?)__`)
	strikeRe    = regexp.MustCompile(`~~(.+?)~~`)
	italicRe    = regexp.MustCompile(`\*([^*\n]+)\*`)
	italicUndRe = regexp.MustCompile(`(^|[\s(])_([^_\n]+)_($|[\s).,!?;:])`)

	linkRe = regexp.MustCompile(`\[([^\]]+)\]\(([^)\s]+)\)`)
)

// ConvertMarkdown renders agent markdown as Telegram HTML.
func ConvertMarkdown(text string) string {
	var blocks []string
	var inlines []string

	// Code is carved out first so its content is neither escaped twice nor
	// touched by the inline rules.
	text = fencedRe.ReplaceAllStringFunc(text, func(m string) string {
		sub := fencedRe.FindStringSubmatch(m)
		lang, code := sub[1], strings.TrimRight(sub[2], "\n")
		var rendered string
		if lang != "" {
			rendered = fmt.Sprintf(`<pre><code class="language-%s">%s</code></pre>`, lang, escapeHTML(code))
		} else {
			rendered = fmt.Sprintf("<pre>%s</pre>", escapeHTML(code))
		}
		blocks = append(blocks, rendered)
		return fmt.Sprintf("\x00B%d\x00", len(blocks)-1)
	})

	text = inlineCodeRe.ReplaceAllStringFunc(text, func(m string) string {
		sub := inlineCodeRe.FindStringSubmatch(m)
		inlines = append(inlines, fmt.Sprintf("<code>%s</code>", escapeHTML(sub[1])))
		return fmt.Sprintf("\x00I%d\x00", len(inlines)-1)
	})

	text = escapeHTML(text)

	text = headingRe.ReplaceAllString(text, "<b>$1</b>")
	text = bulletRe.ReplaceAllString(text, "$1• ")

	text = boldRe.ReplaceAllString(text, "<b>$1</b>")
	text = underlineRe.ReplaceAllString(text, "<u>$1</u>")
	text = strikeRe.ReplaceAllString(text, "<s>$1</s>")
	text = italicRe.ReplaceAllString(text, "<i>$1</i>")
	text = italicUndRe.ReplaceAllString(text, "$1<i>$2</i>$3")

	text = linkRe.ReplaceAllStringFunc(text, func(m string) string {
		sub := linkRe.FindStringSubmatch(m)
		href := strings.ReplaceAll(sub[2], `"`, "%22")
		return fmt.Sprintf(`<a href="%s">%s</a>`, href, sub[1])
	})

	text = convertBlockquotes(text)

	for i, rendered := range blocks {
		text = strings.Replace(text, fmt.Sprintf("\x00B%d\x00", i), rendered, 1)
	}
	for i, rendered := range inlines {
		text = strings.Replace(text, fmt.Sprintf("\x00I%d\x00", i), rendered, 1)
	}
	return text
}

// convertBlockquotes merges consecutive "> " lines into one blockquote.
func convertBlockquotes(text string) string {
	lines := strings.Split(text, "\n")
	var out []string
	var quote []string

	flush := func() {
		if len(quote) > 0 {
			out = append(out, "<blockquote>"+strings.Join(quote, "\n")+"</blockquote>")
			quote = nil
		}
	}

	for _, line := range lines {
		if strings.HasPrefix(line, "&gt;") {
			stripped := strings.TrimPrefix(line, "&gt;")
			stripped = strings.TrimPrefix(stripped, " ")
			quote = append(quote, stripped)
			continue
		}
		flush()
		out = append(out, line)
	}
	flush()
	return strings.Join(out, "\n")
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}
