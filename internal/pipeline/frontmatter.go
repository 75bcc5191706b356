package pipeline

import (
	"strings"

	"gopkg.in/yaml.v3"
)

// frontmatterDelimiter opens and closes a YAML metadata block.
const frontmatterDelimiter = "---"

// SplitFrontmatter separates a leading YAML metadata block from the document
// body.
//
// A frontmatter block starts with "---" on the first line and ends at the
// next "---" line. Documents without a block return nil metadata and the
// source unchanged. A malformed block is a positioned compile error; the
// reported line is relative to the document start, inside the block.
func SplitFrontmatter(source string) (map[string]any, string, *CompileError) {
	lines := strings.SplitAfter(source, "\n")
	if len(lines) == 0 || strings.TrimRight(lines[0], "\r\n") != frontmatterDelimiter {
		return nil, source, nil
	}

	closing := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimRight(lines[i], "\r\n") == frontmatterDelimiter {
			closing = i
			break
		}
	}
	if closing < 0 {
		return nil, source, &CompileError{
			Message: "unterminated frontmatter block",
			Line:    1,
			Column:  1,
		}
	}

	block := strings.Join(lines[1:closing], "")
	body := strings.Join(lines[closing+1:], "")

	var meta map[string]any
	if err := yaml.Unmarshal([]byte(block), &meta); err != nil {
		ce := &CompileError{Message: "invalid frontmatter: " + err.Error(), Line: 1, Column: 1}
		if te, ok := err.(*yaml.TypeError); ok && len(te.Errors) > 0 {
			ce.Message = "invalid frontmatter: " + te.Errors[0]
		}
		return nil, source, ce
	}
	return meta, body, nil
}

// FrontmatterLineCount returns how many source lines the frontmatter block of
// source occupies, including both delimiter lines, or 0 when there is none.
// The mapper treats lines inside this region as target offset 0.
func FrontmatterLineCount(source string) int {
	lines := strings.SplitAfter(source, "\n")
	if len(lines) == 0 || strings.TrimRight(lines[0], "\r\n") != frontmatterDelimiter {
		return 0
	}
	for i := 1; i < len(lines); i++ {
		if strings.TrimRight(lines[i], "\r\n") == frontmatterDelimiter {
			return i + 1
		}
	}
	return 0
}
