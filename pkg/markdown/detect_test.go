package markdown

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScore(t *testing.T) {
	tests := []struct {
		name  string
		input string
		score int
	}{
		{name: "plain", input: "42", score: 0},
		{name: "header", input: "# Title", score: 1},
		{name: "hashes only", input: "###", score: 1},
		{name: "hash without space", input: "#include <stdio.h>", score: 0},
		{name: "seven hashes", input: "####### x", score: 0},
		{name: "fence", input: "```go", score: 1},
		{name: "unordered list", input: "- item", score: 1},
		{name: "ordered list", input: "12. item", score: 1},
		{name: "number", input: "3.14", score: 0},
		{name: "link", input: "see [docs](https://example.com)", score: 1},
		{name: "brackets only", input: "a[i] (x)", score: 0},
		{name: "bold", input: "**bold**", score: 1},
		{name: "quote", input: "> quoted", score: 1},
		{name: "bold list item", input: "- **bold**", score: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.score, Score(tt.input))
		})
	}
}

func TestDetect(t *testing.T) {
	require.True(t, Detect("# Report\n\n- one\n- two\n"))
	require.False(t, Detect("total 42\nok\n"))
	require.False(t, Detect("- a single item"))

	// Only the first lines are scanned
	long := strings.Repeat("plain\n", maxScanLines) + "# a\n# b\n# c\n"
	require.False(t, Detect(long))
}
