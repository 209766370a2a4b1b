package query

import (
	"fmt"
	"strings"
)

const (
	frameLinesAbove = 2
	frameLinesBelow = 3
)

// codeFrame renders the lines around line:column of src with a caret under
// the column. It returns "" when line is outside src.
func codeFrame(src string, line, column int) string {
	lines := strings.Split(src, "\n")
	if line < 1 || line > len(lines) {
		return ""
	}
	start := max(line-frameLinesAbove, 1)
	end := min(line+frameLinesBelow, len(lines))
	width := len(fmt.Sprint(end))

	var b strings.Builder
	for n := start; n <= end; n++ {
		marker := " "
		if n == line {
			marker = ">"
		}
		text := strings.TrimRight(lines[n-1], "\r")
		fmt.Fprintf(&b, "%s %*d |", marker, width, n)
		if text != "" {
			b.WriteString(" " + text)
		}
		b.WriteByte('\n')
		if n == line && column > 0 {
			fmt.Fprintf(&b, "  %*s | %s^\n", width, "", strings.Repeat(" ", column-1))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
