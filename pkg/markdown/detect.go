package markdown

import (
	"bufio"
	"strings"
)

// MinScore is the number of markdown indicators from which text counts as markdown
const MinScore = 3

// maxScanLines bounds the work spent on long results
const maxScanLines = 50

// Detect reports whether text is formatted as markdown
func Detect(text string) bool {
	return Score(text) >= MinScore
}

// Score counts markdown indicators in the first lines of text: headers, code fences,
// list items, links, bold markers and block quotes.
func Score(text string) int {
	score := 0
	sc := bufio.NewScanner(strings.NewReader(text))
	for n := 0; n < maxScanLines && sc.Scan(); n++ {
		score += lineScore(sc.Text())
	}
	return score
}

func lineScore(line string) int {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return 0
	}

	score := 0
	if isHeader(trimmed) {
		score++
	}
	if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
		score++
	}
	if isListItem(trimmed) {
		score++
	}
	if hasLink(line) {
		score++
	}
	if strings.Contains(line, "**") || strings.Contains(line, "__") {
		score++
	}
	if strings.HasPrefix(trimmed, "> ") {
		score++
	}
	return score
}

// isHeader matches "# Title" up to six hashes, or a line of hashes only
func isHeader(s string) bool {
	n := 0
	for n < len(s) && n < 7 && s[n] == '#' {
		n++
	}
	if n == 0 || n > 6 {
		return false
	}
	return n == len(s) || s[n] == ' '
}

func isListItem(s string) bool {
	if strings.HasPrefix(s, "- ") || strings.HasPrefix(s, "* ") || strings.HasPrefix(s, "+ ") {
		return true
	}
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	return i > 0 && strings.HasPrefix(s[i:], ". ")
}

// hasLink looks for [text](url)
func hasLink(line string) bool {
	for {
		open := strings.IndexByte(line, '[')
		if open < 0 {
			return false
		}
		line = line[open+1:]
		end := strings.Index(line, "](")
		if end < 0 {
			return false
		}
		if strings.IndexByte(line[end+2:], ')') >= 0 && strings.IndexByte(line[:end], '[') < 0 {
			return true
		}
	}
}
