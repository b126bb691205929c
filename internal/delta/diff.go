package delta

import (
	"github.com/sergi/go-diff/diffmatchpatch"
)

// linesChanged counts the number of lines added or removed between two
// versions of a file's content. It diffs at line granularity (not byte
// granularity) by mapping each line to a single rune before running the
// standard diff algorithm, then counting non-equal runes back out.
func linesChanged(oldContent, newContent string) int {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(oldContent, newContent)
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCharsToLines(diffs, lines)

	changed := 0
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert, diffmatchpatch.DiffDelete:
			changed += countLines(d.Text)
		}
	}
	return changed
}

// countLines counts the number of newline-delimited lines in s, treating a
// non-empty string with no trailing newline as one line.
func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			n++
		}
	}
	if s[len(s)-1] != '\n' {
		n++
	}
	return n
}
