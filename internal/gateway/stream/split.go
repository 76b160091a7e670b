package stream

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// msgLimit is the platform's message size cap. Applied to byte length,
	// which is conservative with respect to the character limit.
	msgLimit = 4096
	// newlineTail is how far back from the limit a newline is preferred as
	// the split point.
	newlineTail = 200
)

var htmlTagRe = regexp.MustCompile(`<(/?)(\w+)(?:\s[^>]*)?>`)

// Inline tags move whole to the next segment on a split; block tags are
// closed at the split point and reopened in the next segment.
var (
	inlineTags = map[string]bool{"b": true, "i": true, "code": true, "u": true, "s": true, "a": true}
	blockTags  = map[string]bool{"pre": true, "blockquote": true}
)

type openTag struct {
	name string
	pos  int
}

// splitBoundary picks the cut position for an over-long string: the last
// newline within newlineTail of the limit, else the hard limit itself,
// never inside a UTF-8 sequence.
func splitBoundary(s string) int {
	boundary := msgLimit
	for boundary > 0 && !utf8.RuneStart(s[boundary]) {
		boundary--
	}

	searchStart := boundary - newlineTail
	if searchStart < 0 {
		searchStart = 0
	}
	if idx := strings.LastIndex(s[searchStart:boundary], "\n"); idx >= 0 {
		pos := searchStart + idx
		if pos > 0 {
			boundary = pos + 1
		}
	}
	return boundary
}

// SplitPlain splits plain text into segments of at most msgLimit bytes.
func SplitPlain(text string) []string {
	if len(text) <= msgLimit {
		return []string{text}
	}

	var segments []string
	remaining := text
	for remaining != "" {
		if len(remaining) <= msgLimit {
			segments = append(segments, remaining)
			break
		}
		boundary := splitBoundary(remaining)
		segments = append(segments, remaining[:boundary])
		remaining = remaining[boundary:]
	}
	return segments
}

// openTagsAt returns the stack of tags still open at the end of html.
// Assumes well-formed nesting, which the markdown converter guarantees.
func openTagsAt(html string) []openTag {
	var stack []openTag
	for _, loc := range htmlTagRe.FindAllStringSubmatchIndex(html, -1) {
		isClose := loc[3]-loc[2] == 1
		name := strings.ToLower(html[loc[4]:loc[5]])
		if !inlineTags[name] && !blockTags[name] {
			continue
		}
		if isClose {
			if len(stack) > 0 && stack[len(stack)-1].name == name {
				stack = stack[:len(stack)-1]
			}
		} else {
			stack = append(stack, openTag{name: name, pos: loc[0]})
		}
	}
	return stack
}

// closeTags generates closing tags for the open stack, innermost first.
func closeTags(open []openTag) string {
	var b strings.Builder
	for i := len(open) - 1; i >= 0; i-- {
		b.WriteString("</")
		b.WriteString(open[i].name)
		b.WriteString(">")
	}
	return b.String()
}

// reopenTags regenerates the opening tags, preserving original attributes.
func reopenTags(open []openTag, original string) string {
	var b strings.Builder
	for _, tag := range open {
		if loc := htmlTagRe.FindStringIndex(original[tag.pos:]); loc != nil && loc[0] == 0 {
			b.WriteString(original[tag.pos : tag.pos+loc[1]])
		} else {
			b.WriteString("<" + tag.name + ">")
		}
	}
	return b.String()
}

// findSplitPoint locates the best cut in an over-long HTML string.
//
// Inline tags open at the boundary backtrack the cut to before the outermost
// opening tag, so nested runs like <b>…<i>… move to the next segment whole;
// block tags stay open and are reported to the caller for close/reopen.
func findSplitPoint(html string) (int, []openTag) {
	if len(html) <= msgLimit {
		return len(html), nil
	}

	boundary := splitBoundary(html)
	open := openTagsAt(html[:boundary])
	if len(open) == 0 {
		return boundary, nil
	}

	hasBlock := false
	for _, tag := range open {
		if blockTags[tag.name] {
			hasBlock = true
			break
		}
	}

	if !hasBlock && open[0].pos > 0 {
		return open[0].pos, nil
	}

	return boundary, open
}

// SplitHTML splits HTML into segments of at most msgLimit bytes while
// keeping every segment independently balanced.
func SplitHTML(html string) []string {
	if len(html) <= msgLimit {
		return []string{html}
	}

	var segments []string
	remaining := html
	for remaining != "" {
		if len(remaining) <= msgLimit {
			segments = append(segments, remaining)
			break
		}

		splitPos, open := findSplitPoint(remaining)
		if splitPos == 0 {
			// Cannot make progress by backtracking; force a hard break.
			splitPos = splitBoundary(remaining)
			open = openTagsAt(remaining[:splitPos])
		}

		segment := remaining[:splitPos]
		rest := remaining[splitPos:]
		if len(open) > 0 {
			segment += closeTags(open)
			rest = reopenTags(open, remaining) + rest
		}

		segments = append(segments, segment)
		remaining = rest
	}
	return segments
}
